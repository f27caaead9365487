// Package registry keeps the shutters exposed by the process in line with the
// remotes known to the bridge.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jkaflik/rfxshutter/internal/rfx"
	"github.com/jkaflik/rfxshutter/internal/shutter"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const DefaultDiscoveryTimeout = 5 * time.Second

var (
	ErrUnknownDevice    = errors.New("unknown device")
	ErrDiscoveryTimeout = errors.New("discovery timed out")
)

type EventType int

const (
	EventAdded EventType = iota
	EventRemoved
)

func (t EventType) String() string {
	if t == EventRemoved {
		return "removed"
	}
	return "added"
}

type Event struct {
	Type    EventType
	Shutter *shutter.Controller
}

type EventHandler func(e Event)

// Factory builds the controller of a newly discovered device.
type Factory func(deviceID string) *shutter.Controller

// Changes lists the device ids touched by a reconciliation.
type Changes struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
}

type Registry struct {
	bridge  rfx.Bridge
	factory Factory
	timeout time.Duration

	mu       sync.Mutex
	shutters map[string]*shutter.Controller
	excluded map[string]struct{}

	handlersMu sync.RWMutex
	handlers   []EventHandler
	// emitMu keeps events delivered in reconciliation order.
	emitMu sync.Mutex

	discovery singleflight.Group
}

func New(bridge rfx.Bridge, factory Factory, excluded []string, timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = DefaultDiscoveryTimeout
	}

	return &Registry{
		bridge:   bridge,
		factory:  factory,
		timeout:  timeout,
		shutters: map[string]*shutter.Controller{},
		excluded: toSet(excluded),
	}
}

// OnEvent registers h for added and removed devices. Handlers must not reconcile.
func (r *Registry) OnEvent(h EventHandler) {
	r.handlersMu.Lock()
	defer r.handlersMu.Unlock()

	r.handlers = append(r.handlers, h)
}

func (r *Registry) Get(deviceID string) (*shutter.Controller, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, found := r.shutters[deviceID]
	if !found {
		return nil, errors.Wrapf(ErrUnknownDevice, "%s", deviceID)
	}
	return s, nil
}

// Shutters returns the registered shutters ordered by device id.
func (r *Registry) Shutters() []*shutter.Controller {
	r.mu.Lock()
	defer r.mu.Unlock()

	shutters := make([]*shutter.Controller, 0, len(r.shutters))
	for _, s := range r.shutters {
		shutters = append(shutters, s)
	}
	sort.Slice(shutters, func(i, j int) bool { return shutters[i].DeviceID() < shutters[j].DeviceID() })

	return shutters
}

// Discover lists the bridge remotes and reconciles them with the registered
// shutters. It gives up after the discovery timeout and then leaves the
// registry untouched.
func (r *Registry) Discover(ctx context.Context) (Changes, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	result := r.discovery.DoChan("discover", func() (interface{}, error) {
		return r.bridge.ListRemotes(ctx)
	})

	var remotes []rfx.Remote
	select {
	case res := <-result:
		if res.Err != nil {
			if errors.Is(res.Err, context.DeadlineExceeded) {
				return Changes{}, errors.Wrapf(ErrDiscoveryTimeout, "no answer within %s", r.timeout)
			}
			return Changes{}, errors.Wrap(res.Err, "discovery")
		}
		remotes = res.Val.([]rfx.Remote)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Changes{}, errors.Wrapf(ErrDiscoveryTimeout, "no answer within %s", r.timeout)
		}
		return Changes{}, ctx.Err()
	}

	ids := make([]string, 0, len(remotes))
	for _, remote := range remotes {
		ids = append(ids, remote.DeviceID)
	}

	r.mu.Lock()
	excluded := make([]string, 0, len(r.excluded))
	for id := range r.excluded {
		excluded = append(excluded, id)
	}
	r.mu.Unlock()

	logrus.Infof("registry: %d remotes found, %d already registered", len(ids), r.Len())

	return r.Reconcile(ids, excluded), nil
}

// Reconcile registers every discovered device that is not excluded and
// removes registered devices that became excluded. Calling it again with the
// same sets changes nothing.
func (r *Registry) Reconcile(discovered, excluded []string) Changes {
	excludedSet := toSet(excluded)
	discoveredIDs := sortedUnique(discovered)

	var (
		changes Changes
		events  []Event
	)

	r.mu.Lock()

	for _, id := range sortedKeys(r.shutters) {
		if _, ok := excludedSet[id]; !ok {
			continue
		}
		s := r.shutters[id]
		delete(r.shutters, id)
		changes.Removed = append(changes.Removed, id)
		events = append(events, Event{Type: EventRemoved, Shutter: s})
		logrus.Infof("registry: removing excluded %s", id)
	}

	for _, id := range discoveredIDs {
		if _, ok := excludedSet[id]; ok {
			continue
		}
		if _, ok := r.shutters[id]; ok {
			continue
		}
		s := r.factory(id)
		r.shutters[id] = s
		changes.Added = append(changes.Added, id)
		events = append(events, Event{Type: EventAdded, Shutter: s})
		logrus.Infof("registry: adding %s (%s)", s.Name(), id)
	}

	r.emitMu.Lock()
	r.mu.Unlock()
	defer r.emitMu.Unlock()

	for _, e := range events {
		if e.Type == EventRemoved {
			if err := e.Shutter.Stop(context.Background()); err != nil {
				logrus.Errorf("registry: stop %s: %s", e.Shutter.DeviceID(), err)
			}
		}
		r.emit(e)
	}

	return changes
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.shutters)
}

func (r *Registry) emit(e Event) {
	r.handlersMu.RLock()
	handlers := make([]EventHandler, len(r.handlers))
	copy(handlers, r.handlers)
	r.handlersMu.RUnlock()

	for _, h := range handlers {
		h(e)
	}
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func sortedUnique(ids []string) []string {
	set := toSet(ids)
	return sortedKeys(set)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
