package shutter

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	DefaultOpenTime  = 25 * time.Second
	DefaultCloseTime = 22 * time.Second
)

type Config struct {
	DeviceID string
	Name     string

	OpenTime  time.Duration
	CloseTime time.Duration
	Direction Direction

	// Position is the last known position, 0 when unknown.
	Position int
}

// travel is a single motion in progress. It is owned by the controller and
// compared by identity so a superseded travel can never commit.
type travel struct {
	cancel context.CancelFunc

	from      int
	to        int
	motion    Motion
	startedAt time.Time
	duration  time.Duration
}

// Controller estimates the position of a shutter from travel time and drives
// its motor with time-proportional pulses.
type Controller struct {
	commander Commander

	deviceID  string
	name      string
	openTime  time.Duration
	closeTime time.Duration
	direction Direction

	mu              sync.Mutex
	currentPosition int
	targetPosition  int
	current         *travel

	handlersMu sync.RWMutex
	handlers   []UpdateHandler
	// notifyMu keeps handlers receiving updates in commit order.
	notifyMu sync.Mutex

	now func() time.Time
}

func NewController(commander Commander, cfg Config) *Controller {
	if cfg.OpenTime <= 0 {
		cfg.OpenTime = DefaultOpenTime
	}
	if cfg.CloseTime <= 0 {
		cfg.CloseTime = DefaultCloseTime
	}
	if cfg.Name == "" {
		cfg.Name = cfg.DeviceID
	}

	position := clamp(cfg.Position)

	return &Controller{
		commander:       commander,
		deviceID:        cfg.DeviceID,
		name:            cfg.Name,
		openTime:        cfg.OpenTime,
		closeTime:       cfg.CloseTime,
		direction:       cfg.Direction,
		currentPosition: position,
		targetPosition:  position,
		now:             time.Now,
	}
}

func (c *Controller) DeviceID() string {
	return c.deviceID
}

func (c *Controller) Name() string {
	return c.name
}

func (c *Controller) Position() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.currentPosition
}

func (c *Controller) TargetPosition() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.targetPosition
}

func (c *Controller) Motion() Motion {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil {
		return MotionStopped
	}
	return c.current.motion
}

func (c *Controller) Snapshot() Update {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.snapshotLocked()
}

// EstimatedPosition returns the position derived from the elapsed travel time.
// It equals Position when the shutter is stopped.
func (c *Controller) EstimatedPosition() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil {
		return c.currentPosition
	}
	return c.estimateLocked(c.current)
}

// OnUpdate registers h for every state change. Handlers are called in commit
// order and must not call back into the controller.
func (c *Controller) OnUpdate(h UpdateHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()

	c.handlers = append(c.handlers, h)
}

func (c *Controller) ResetPosition(position int) error {
	c.mu.Lock()
	if c.current != nil {
		c.mu.Unlock()
		return errors.Wrapf(ErrMoving, "%s: reset position", c.name)
	}

	c.currentPosition = clamp(position)
	c.targetPosition = c.currentPosition
	logrus.Debugf("%s: position reset to %d", c.name, c.currentPosition)
	c.notifyUnlock(c.snapshotLocked())

	return nil
}

func (c *Controller) Open(ctx context.Context) error {
	logrus.Infof("%s: open", c.name)

	return c.SetTargetPosition(ctx, FullOpenPosition)
}

func (c *Controller) Close(ctx context.Context) error {
	logrus.Infof("%s: close", c.name)

	return c.SetTargetPosition(ctx, FullClosePosition)
}

// Stop halts a running travel and keeps the position reached so far. A stopped
// shutter gets no command: an idle STOP recalls the favourite position on RFY motors.
func (c *Controller) Stop(ctx context.Context) error {
	logrus.Infof("%s: stop", c.name)

	c.mu.Lock()
	if c.current == nil {
		c.mu.Unlock()
		logrus.Debugf("%s: already stopped at %d", c.name, c.Position())
		return nil
	}

	return c.stopLocked(ctx)
}

// SetTargetPosition accepts a new target and returns once the motor command is
// sent. Travel completes in the background.
func (c *Controller) SetTargetPosition(ctx context.Context, position int) error {
	logrus.Infof("%s: set target position to %d", c.name, position)

	target := clamp(position)
	if target != position {
		logrus.Warn(errors.Wrapf(ErrOutOfRange, "%s: %d clamped to %d", c.name, position, target))
	}

	c.mu.Lock()

	from := c.currentPosition
	if c.current != nil {
		from = c.estimateLocked(c.current)
	}

	if target == from {
		if c.current != nil {
			return c.stopLocked(ctx)
		}
		c.targetPosition = target
		c.mu.Unlock()
		logrus.Debugf("%s: already on a position %d", c.name, target)
		return nil
	}

	up := target > from
	action := c.actionFor(up)

	diff := target - from
	travelTime := c.closeTime
	m := MotionDecreasing
	if up {
		travelTime = c.openTime
		m = MotionIncreasing
	} else {
		diff = -diff
	}
	timeToMove := (travelTime * time.Duration(diff)) / 100

	if err := c.commander.Send(ctx, c.deviceID, action); err != nil {
		c.mu.Unlock()
		return errors.Wrapf(err, "%s: send %s", c.name, action)
	}

	if c.current != nil {
		logrus.Debugf("%s: found previous travel to %d, cancel", c.name, c.current.to)
		c.current.cancel()
	}

	travelCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t := &travel{
		cancel:    cancel,
		from:      from,
		to:        target,
		motion:    m,
		startedAt: c.now(),
		duration:  timeToMove,
	}
	c.current = t
	c.currentPosition = from
	c.targetPosition = target

	logrus.Debugf("%s: %s by %d (%s)", c.name, action, diff, timeToMove)
	go c.complete(travelCtx, t)

	c.notifyUnlock(c.snapshotLocked())

	return nil
}

func (c *Controller) complete(ctx context.Context, t *travel) {
	timer := time.NewTimer(t.duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		logrus.Debugf("%s: travel to %d canceled", c.name, t.to)
		return
	case <-timer.C:
	}

	c.mu.Lock()
	if c.current != t {
		c.mu.Unlock()
		logrus.Debugf("%s: travel to %d superseded", c.name, t.to)
		return
	}

	// End stops stop the motor by themselves and a STOP there triggers the favourite position.
	if t.to > FullClosePosition && t.to < FullOpenPosition {
		if err := c.commander.Send(ctx, c.deviceID, ActionStop); err != nil {
			logrus.Errorf("%s: stop at %d failed: %s", c.name, t.to, err)
		}
	}

	t.cancel()
	c.current = nil
	c.currentPosition = t.to
	c.targetPosition = t.to
	logrus.Infof("%s: updated position %d", c.name, t.to)

	c.notifyUnlock(c.snapshotLocked())
}

// stopLocked must be called with c.mu held and a travel in progress. It releases c.mu.
func (c *Controller) stopLocked(ctx context.Context) error {
	t := c.current
	if err := c.commander.Send(ctx, c.deviceID, ActionStop); err != nil {
		c.mu.Unlock()
		return errors.Wrapf(err, "%s: send stop", c.name)
	}

	position := c.estimateLocked(t)
	t.cancel()
	c.current = nil
	c.currentPosition = position
	c.targetPosition = position
	logrus.Infof("%s: stopped at %d", c.name, position)

	c.notifyUnlock(c.snapshotLocked())

	return nil
}

func (c *Controller) actionFor(up bool) Action {
	switch c.direction {
	case DirectionReversed:
		if up {
			return ActionDown
		}
		return ActionUp
	default:
		if up {
			return ActionUp
		}
		return ActionDown
	}
}

func (c *Controller) estimateLocked(t *travel) int {
	elapsed := c.now().Sub(t.startedAt)
	if elapsed >= t.duration || t.duration <= 0 {
		return t.to
	}
	if elapsed <= 0 {
		return t.from
	}

	fraction := float64(elapsed) / float64(t.duration)
	return t.from + int(math.Round(fraction*float64(t.to-t.from)))
}

func (c *Controller) snapshotLocked() Update {
	u := Update{
		DeviceID:       c.deviceID,
		Name:           c.name,
		Position:       c.currentPosition,
		TargetPosition: c.targetPosition,
		Motion:         MotionStopped,
	}
	if c.current != nil {
		u.Motion = c.current.motion
	}
	return u
}

// notifyUnlock releases c.mu and hands u to the handlers without letting a
// later update overtake it.
func (c *Controller) notifyUnlock(u Update) {
	c.notifyMu.Lock()
	c.mu.Unlock()
	defer c.notifyMu.Unlock()

	c.handlersMu.RLock()
	handlers := make([]UpdateHandler, len(c.handlers))
	copy(handlers, c.handlers)
	c.handlersMu.RUnlock()

	for _, h := range handlers {
		h(u)
	}
}
