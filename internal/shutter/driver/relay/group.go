package relay

import (
	"context"
	"sync"
	"time"
)

// NewRelayGroup wraps relays so that only one of them is enabled at a time.
// Buttons of a single remote must never be pressed together.
func NewRelayGroup(relays ...Relay) []*GroupedRelay {
	l := &sync.Mutex{}

	grouped := make([]*GroupedRelay, 0, len(relays))
	for _, r := range relays {
		grouped = append(grouped, &GroupedRelay{l: l, r: r})
	}
	return grouped
}

type GroupedRelay struct {
	l *sync.Mutex
	r Relay
}

func (r *GroupedRelay) EnableFor(ctx context.Context, duration time.Duration) error {
	r.l.Lock()
	defer r.l.Unlock()

	return r.r.EnableFor(ctx, duration)
}

func (r *GroupedRelay) IsEnabled() bool {
	return r.r.IsEnabled()
}
