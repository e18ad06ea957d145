package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/async"
	"github.com/srg/blecentral/internal/devicefactory"
	"github.com/srg/blecentral/internal/groutine"
	"github.com/srg/blecentral/pkg/config"
	"github.com/srg/blecentral/pkg/connection"
	"github.com/srg/blecentral/pkg/device"
	"github.com/srg/blecentral/pkg/matcher"
	"github.com/srg/blecentral/pkg/operation"
	"github.com/srg/blecentral/pkg/peripheral"
	"github.com/srg/blecentral/pkg/queue"
	"github.com/srg/blecentral/scanner"
)

// releaseTimeout bounds the wait for a clean disconnect on exit.
const releaseTimeout = 3 * time.Second

// servicePrefix marks a target that is matched by advertised service.
const servicePrefix = "service:"

const targetNote = `TARGET is a peripheral address (MAC on Linux/Windows, UUID on macOS) or
service:<uuid> to connect to the closest peripheral advertising that service.`

// central wires one driver tier into the scanner and the connection manager.
type central struct {
	cfg      *config.Config
	logger   *logrus.Logger
	provider device.Provider
	scanner  *scanner.Scanner
	manager  *connection.Manager
}

func newCentral(cfg *config.Config, logger *logrus.Logger, hints ...ble.UUID) (*central, error) {
	provider, err := devicefactory.ProviderFactory(devicefactory.Options{
		Tier:         cfg.Driver,
		AdapterID:    cfg.AdapterID,
		ServiceHints: hints,
	}, logger)
	if err != nil {
		return nil, err
	}
	driver, err := provider.Scanner()
	if err != nil {
		return nil, fmt.Errorf("failed to open %s scanner: %w", provider.Name(), err)
	}

	sc := scanner.New(driver, scanner.Options{
		MaxScanDuration: cfg.Scan.MaxDuration,
		PauseInterval:   cfg.Scan.Pause,
		Window:          cfg.Scan.Window,
		MaxCycles:       cfg.Scan.MaxCycles,
	}, logger)
	mgr := connection.NewManager(provider, sc, connection.Options{
		ScanMode:   cfg.ScanMode(),
		BufferSize: cfg.BufferSize,
	}, logger)

	return &central{cfg: cfg, logger: logger, provider: provider, scanner: sc, manager: mgr}, nil
}

func (c *central) Close() {
	c.manager.Close()
}

// parseTarget splits TARGET into an address or an advertised service.
func parseTarget(target string) (address string, service ble.UUID, err error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", nil, fmt.Errorf("target cannot be empty")
	}
	if rest, ok := strings.CutPrefix(strings.ToLower(target), servicePrefix); ok {
		u, err := device.ParseUUID(rest)
		if err != nil {
			return "", nil, fmt.Errorf("invalid service in target %q: %w", target, err)
		}
		return "", u, nil
	}
	return target, nil, nil
}

// link is an established connection.
type link struct {
	peripheral *peripheral.Peripheral
	sub        *async.Subscription[*peripheral.Peripheral]

	down chan struct{}
	err  error
}

// Done is closed once the connection has ended.
func (l *link) Done() <-chan struct{} {
	return l.down
}

// Err reports why the connection ended. Valid once Done is closed.
func (l *link) Err() error {
	<-l.down
	if l.err == nil || errors.Is(l.err, async.ErrClosed) {
		return device.ErrDisconnection
	}
	return l.err
}

// release drops the connection and waits until the manager has torn it down.
func (c *central) release(ctx context.Context, l *link) {
	states := c.manager.States()
	defer states.Close()
	l.sub.Close()

	ctx, cancel := context.WithTimeout(ctx, releaseTimeout)
	defer cancel()
	for {
		s, err := states.Next(ctx)
		if err != nil {
			c.logger.WithError(err).Debug("Stopped waiting for disconnect")
			return
		}
		if s == device.Disconnected || s == device.DisconnectedWithError {
			return
		}
	}
}

// connect starts or joins the attempt for target and waits for the session.
// onState receives every supervised state change until the link is up.
func (c *central) connect(ctx context.Context, target string, onState func(device.ConnectionState)) (*link, error) {
	address, service, err := parseTarget(target)
	if err != nil {
		return nil, err
	}

	var attempt *connection.Attempt
	if service != nil {
		attempt, err = c.manager.Connect(
			matcher.ClosestRSSI(matcher.Service(service), c.cfg.Connection.RSSIDelay),
			c.cfg.Connection.ScanTimeout, c.cfg.Connection.ConnectTimeout)
	} else {
		attempt, err = c.manager.ConnectAddress(address, c.cfg.Connection.ConnectTimeout)
	}
	if err != nil {
		return nil, err
	}

	if onState != nil {
		states := c.manager.States()
		watchCtx, stop := context.WithCancel(ctx)
		defer stop()
		groutine.Go(watchCtx, "cli-state-watch", func(ctx context.Context) {
			defer states.Close()
			for {
				s, err := states.Next(ctx)
				if err != nil {
					return
				}
				onState(s)
			}
		})
	}

	sub := attempt.Subscribe()
	p, err := sub.Next(ctx)
	if err != nil {
		sub.Close()
		if errors.Is(err, async.ErrClosed) {
			return nil, device.ErrDisconnection
		}
		return nil, err
	}

	l := &link{peripheral: p, sub: sub, down: make(chan struct{})}
	groutine.Go(context.Background(), "cli-link-watch", func(ctx context.Context) {
		_, l.err = sub.Next(ctx)
		close(l.down)
	})
	return l, nil
}

// run executes op on the manager's queue.
func run[T any](ctx context.Context, c *central, op operation.Operation[T]) (T, error) {
	return queue.Enqueue(c.manager.Queue(), op).Await(ctx)
}

// signalContext is cancelled on Ctrl+C or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func parseUUIDs(csv string) ([]ble.UUID, error) {
	var out []ble.UUID
	for _, s := range strings.Split(csv, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		u, err := device.ParseUUID(s)
		if err != nil {
			return nil, fmt.Errorf("invalid UUID %q: %w", s, err)
		}
		out = append(out, u)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid UUIDs provided")
	}
	return out, nil
}
