package matcher

import (
	"context"
	"fmt"
	"time"

	"github.com/srg/blecentral/internal/groutine"
	"github.com/srg/blecentral/pkg/advertisement"
)

// ClosestMatcher picks, among peripherals advertising a service, the one with
// the strongest signal. Each service match is held for the observation delay and
// then only passes if no other candidate seen so far is stronger. Once a
// candidate wins, every other peripheral is excluded for the rest of the stage.
type ClosestMatcher struct {
	service *ServiceMatcher
	delay   time.Duration
}

// ClosestRSSI wraps a service matcher; delay <= 0 means DefaultRSSIDelay.
func ClosestRSSI(service *ServiceMatcher, delay time.Duration) *ClosestMatcher {
	if delay <= 0 {
		delay = DefaultRSSIDelay
	}
	return &ClosestMatcher{service: service, delay: delay}
}

type pendingMatch struct {
	rec *advertisement.Record
	due time.Time
}

// Match implements Matcher
func (m *ClosestMatcher) Match(ctx context.Context, in <-chan *advertisement.Record) <-chan *advertisement.Record {
	out := make(chan *advertisement.Record)
	groutine.Go(ctx, "matcher-closest-rssi", func(ctx context.Context) {
		defer close(out)

		candidates := make(map[string]*advertisement.Record)
		excluded := make(map[string]bool)
		var queue []pendingMatch

		timer := time.NewTimer(time.Hour)
		timer.Stop()
		defer timer.Stop()
		armed := false

		arm := func() {
			if armed || len(queue) == 0 {
				return
			}
			timer.Reset(time.Until(queue[0].due))
			armed = true
		}

		for in != nil || len(queue) > 0 {
			var timerC <-chan time.Time
			if armed {
				timerC = timer.C
			}

			select {
			case <-ctx.Done():
				return
			case r, ok := <-in:
				if !ok {
					in = nil
					continue
				}
				if !m.service.Matches(r) || excluded[r.Address] {
					continue
				}
				candidates[r.Address] = r
				queue = append(queue, pendingMatch{rec: r, due: time.Now().Add(m.delay)})
				arm()
			case now := <-timerC:
				armed = false
				for len(queue) > 0 && !queue[0].due.After(now) {
					p := queue[0]
					queue = queue[1:]
					if excluded[p.rec.Address] || !strongest(p.rec, candidates) {
						continue
					}
					for addr := range candidates {
						if addr != p.rec.Address {
							excluded[addr] = true
							delete(candidates, addr)
						}
					}
					select {
					case out <- p.rec:
					case <-ctx.Done():
						return
					}
				}
				arm()
			}
		}
	})
	return out
}

// strongest reports whether no other candidate has a higher RSSI than r.
// RSSI is in dBm, so values closer to zero are stronger.
func strongest(r *advertisement.Record, candidates map[string]*advertisement.Record) bool {
	for addr, other := range candidates {
		if addr == r.Address {
			continue
		}
		if other.RSSI > r.RSSI {
			return false
		}
	}
	return true
}

// Equal reports whether other picks among the same service.
func (m *ClosestMatcher) Equal(other Matcher) bool {
	o, ok := other.(*ClosestMatcher)
	return ok && o != nil && m.service.Equal(o.service)
}

// String implements fmt.Stringer
func (m *ClosestMatcher) String() string {
	return fmt.Sprintf("closest-rssi(%s, %s)", m.service, m.delay)
}
