// Package relay drives the buttons of a wired remote control through relays.
package relay

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Relay closes a button contact for a given duration.
type Relay interface {
	EnableFor(ctx context.Context, duration time.Duration) error
	IsEnabled() bool
}

// PoolProxy limits how many relays of a board are enabled at once.
type PoolProxy struct {
	r Relay
	c chan struct{}
}

func NewPoolProxy(r Relay, pool chan struct{}) *PoolProxy {
	return &PoolProxy{r: r, c: pool}
}

func (p *PoolProxy) EnableFor(ctx context.Context, duration time.Duration) error {
	select {
	case p.c <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() {
		<-p.c
	}()

	return p.r.EnableFor(ctx, duration)
}

func (p *PoolProxy) IsEnabled() bool {
	return p.r.IsEnabled()
}

// Dumb only logs presses.
type Dumb struct {
	Name string

	mu        sync.Mutex
	isEnabled bool
}

func (r *Dumb) EnableFor(ctx context.Context, duration time.Duration) error {
	r.setEnabled(true)
	defer r.setEnabled(false)

	t := time.NewTimer(duration)
	defer t.Stop()

	logrus.Warnf("%s: dumb relay pressed (for %s)", r.Name, duration.String())

	select {
	case <-t.C:
		logrus.Debugf("%s: dumb relay released", r.Name)
		return nil
	case <-ctx.Done():
		logrus.Warnf("%s: dumb relay exit", r.Name)
		return ctx.Err()
	}
}

func (r *Dumb) IsEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.isEnabled
}

func (r *Dumb) setEnabled(enabled bool) {
	r.mu.Lock()
	r.isEnabled = enabled
	r.mu.Unlock()
}
