// Package matcher selects the peripheral of interest from a stream of
// advertisements.
package matcher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-ble/ble"
	"github.com/srg/blecentral/internal/groutine"
	"github.com/srg/blecentral/pkg/advertisement"
	"github.com/srg/blecentral/pkg/device"
)

// DefaultRSSIDelay is how long ClosestRSSI observes candidates before choosing.
const DefaultRSSIDelay = 3 * time.Second

// Matcher is a pipeline stage over advertisements. Match forwards the records
// that select a peripheral and closes its output when ctx is done or in closes.
// Two matchers are Equal iff they would select the same peripheral.
type Matcher interface {
	Match(ctx context.Context, in <-chan *advertisement.Record) <-chan *advertisement.Record
	Equal(other Matcher) bool
	String() string
}

// filter runs a stateless predicate as a Matcher stage.
func filter(ctx context.Context, in <-chan *advertisement.Record, keep func(*advertisement.Record) bool) <-chan *advertisement.Record {
	out := make(chan *advertisement.Record)
	groutine.Go(ctx, "matcher-filter", func(ctx context.Context) {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case r, ok := <-in:
				if !ok {
					return
				}
				if !keep(r) {
					continue
				}
				select {
				case out <- r:
				case <-ctx.Done():
					return
				}
			}
		}
	})
	return out
}

// ServiceMatcher selects the first peripheral advertising a service.
type ServiceMatcher struct {
	service ble.UUID
}

// Service returns a matcher for the given service UUID.
func Service(u ble.UUID) *ServiceMatcher {
	return &ServiceMatcher{service: device.ExpandUUID(u)}
}

// Matches is the predicate behind Match.
func (m *ServiceMatcher) Matches(r *advertisement.Record) bool {
	return r != nil && r.HasService(m.service)
}

// Match implements Matcher
func (m *ServiceMatcher) Match(ctx context.Context, in <-chan *advertisement.Record) <-chan *advertisement.Record {
	return filter(ctx, in, m.Matches)
}

// Equal reports whether other selects the same service.
func (m *ServiceMatcher) Equal(other Matcher) bool {
	o, ok := other.(*ServiceMatcher)
	return ok && o != nil && device.EqualUUID(m.service, o.service)
}

// String implements fmt.Stringer
func (m *ServiceMatcher) String() string {
	return fmt.Sprintf("service(%s)", device.ShortUUID(m.service))
}

// AddressMatcher selects a peripheral by its identifier.
type AddressMatcher struct {
	address string
}

// Address returns a matcher for a peer identifier; comparison ignores case.
func Address(addr string) *AddressMatcher {
	return &AddressMatcher{address: strings.ToLower(strings.TrimSpace(addr))}
}

// Matches is the predicate behind Match.
func (m *AddressMatcher) Matches(r *advertisement.Record) bool {
	return r != nil && strings.EqualFold(r.Address, m.address)
}

// Match implements Matcher
func (m *AddressMatcher) Match(ctx context.Context, in <-chan *advertisement.Record) <-chan *advertisement.Record {
	return filter(ctx, in, m.Matches)
}

// Equal reports whether other selects the same address.
func (m *AddressMatcher) Equal(other Matcher) bool {
	o, ok := other.(*AddressMatcher)
	return ok && o != nil && o.address == m.address
}

// String implements fmt.Stringer
func (m *AddressMatcher) String() string {
	return fmt.Sprintf("address(%s)", m.address)
}
