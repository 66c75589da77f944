package session

import (
	iface "SafetyDetConsole/interface"
	"SafetyDetConsole/logger"
	"SafetyDetConsole/overlay"
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const eventTimeLayout = "2006-01-02T15:04:05.000Z07:00"

type Option func(*Controller)

func WithID(id string) Option {
	return func(c *Controller) { c.id = id }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) { c.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

func WithMode(m Mode) Option {
	return func(c *Controller) { c.mode = m }
}

func WithObserver(o Observer) Option {
	return func(c *Controller) { c.observers = append(c.observers, o) }
}

// Controller owns the state of one detection session. At most one detection
// call is outstanding at a time; a trigger while DETECTING is rejected with
// ErrBusy and has no other effect.
type Controller struct {
	id        string
	detector  iface.Detector
	source    iface.FrameSource
	log       *zap.Logger
	now       func() time.Time
	observers []Observer

	mu         sync.Mutex
	state      int
	mode       Mode
	stats      iface.SessionStats
	events     []iface.RecentEvent
	current    *iface.DetectionResult
	lastHazard *iface.HazardResult
	lastFrame  iface.Frame
	lastID     int64
}

// New builds a controller. source may be nil when frames only arrive via
// Submit.
func New(detector iface.Detector, source iface.FrameSource, opts ...Option) *Controller {
	c := &Controller{
		detector: detector,
		source:   source,
		now:      time.Now,
		state:    IDLE,
		mode:     ModePPE,
		events:   make([]iface.RecentEvent, 0, iface.MaxRecentEvents),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logger.Log()
	}
	c.log = c.log.With(zap.String("session", c.id))
	return c
}

func (c *Controller) ID() string {
	return c.id
}

func (c *Controller) State() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// SetMode switches between PPE and STF detection. It applies to the next
// trigger; an in-flight call keeps the mode it started with.
func (c *Controller) SetMode(m Mode) {
	c.mu.Lock()
	c.mode = m
	c.mu.Unlock()
}

// Capture grabs a frame from the camera and runs detection on it.
func (c *Controller) Capture(ctx context.Context) (Snapshot, error) {
	mode, err := c.begin()
	if err != nil {
		return Snapshot{}, err
	}
	defer c.resetOnPanic()
	start := c.now()
	if c.source == nil {
		return c.fail(mode, fmt.Errorf("%w: no camera attached", ErrCapture), start)
	}
	frame, err := c.source.Capture()
	if err != nil {
		return c.fail(mode, fmt.Errorf("%w: %w", ErrCapture, err), start)
	}
	if len(frame.Data) == 0 {
		return c.fail(mode, fmt.Errorf("%w: empty frame", ErrCapture), start)
	}
	return c.detect(ctx, mode, frame, start)
}

// Submit runs detection on a frame captured elsewhere, e.g. by the browser.
func (c *Controller) Submit(ctx context.Context, frame iface.Frame) (Snapshot, error) {
	if len(frame.Data) == 0 {
		return Snapshot{}, fmt.Errorf("%w: empty frame", ErrCapture)
	}
	mode, err := c.begin()
	if err != nil {
		return Snapshot{}, err
	}
	defer c.resetOnPanic()
	return c.detect(ctx, mode, frame, c.now())
}

func (c *Controller) begin() (Mode, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == DETECTING {
		return "", ErrBusy
	}
	c.state = DETECTING
	return c.mode, nil
}

// resetOnPanic returns a panicking trigger to IDLE so the session stays
// usable once the panic is recovered upstream.
func (c *Controller) resetOnPanic() {
	if r := recover(); r != nil {
		c.mu.Lock()
		c.state = IDLE
		c.mu.Unlock()
		c.log.Error("detection panicked", zap.Any("panic", r))
		panic(r)
	}
}

func (c *Controller) detect(ctx context.Context, mode Mode, frame iface.Frame, start time.Time) (Snapshot, error) {
	if mode == ModeSTF {
		res, err := c.detector.DetectSTF(ctx, frame.Data)
		if err == nil && res == nil {
			err = ErrNoResult
		}
		if err != nil {
			return c.fail(mode, err, start)
		}
		c.mu.Lock()
		c.lastHazard = res
		c.state = IDLE
		snap := c.snapshotLocked()
		c.mu.Unlock()

		c.log.Info("stf detection",
			zap.String("riskLevel", res.RiskLevel),
			zap.Int("hazards", len(res.Hazards)),
			zap.String("recommendation", res.Recommendation))
		c.notify(Event{Kind: EventSTF, Mode: mode, Snapshot: snap, STF: res, Latency: c.now().Sub(start)})
		return snap, nil
	}

	res, err := c.detector.DetectPPE(ctx, frame.Data)
	if err == nil && res == nil {
		err = ErrNoResult
	}
	if err != nil {
		return c.fail(mode, err, start)
	}
	c.mu.Lock()
	c.fold(res, frame)
	c.state = IDLE
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.log.Info("ppe detection",
		zap.Float64("complianceRate", res.Compliance.ComplianceRate),
		zap.String("hazardLevel", string(res.Compliance.HazardLevel)),
		zap.Int("totalScans", snap.Stats.TotalScans),
		zap.Int("violations", snap.Stats.Violations))
	c.notify(Event{Kind: EventPPE, Mode: mode, Snapshot: snap, PPE: res, Latency: c.now().Sub(start)})
	return snap, nil
}

// fold applies one successful PPE result. Caller holds mu.
func (c *Controller) fold(res *iface.DetectionResult, frame iface.Frame) {
	c.current = res
	c.lastFrame = frame
	c.stats = c.stats.Fold(res.Compliance.ComplianceRate, res.Compliance.HazardLevel)

	t := c.now()
	ev := iface.RecentEvent{
		ID:        c.nextEventID(t),
		Timestamp: t.UTC().Format(eventTimeLayout),
		Message:   res.Compliance.AlertMessage,
		Level:     res.Compliance.HazardLevel,
	}
	events := make([]iface.RecentEvent, 0, iface.MaxRecentEvents)
	events = append(events, ev)
	events = append(events, c.events...)
	if len(events) > iface.MaxRecentEvents {
		events = events[:iface.MaxRecentEvents]
	}
	c.events = events
}

func (c *Controller) nextEventID(t time.Time) int64 {
	id := t.UnixMilli()
	if id <= c.lastID {
		id = c.lastID + 1
	}
	c.lastID = id
	return id
}

// fail returns to IDLE without touching any session data.
func (c *Controller) fail(mode Mode, err error, start time.Time) (Snapshot, error) {
	c.mu.Lock()
	c.state = IDLE
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.log.Warn("detection failed", zap.String("mode", string(mode)), zap.Error(err))
	c.notify(Event{Kind: EventFailure, Mode: mode, Snapshot: snap, Err: err, Latency: c.now().Sub(start)})
	return snap, err
}

func (c *Controller) notify(ev Event) {
	ev.SessionID = c.id
	for _, o := range c.observers {
		o(ev)
	}
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	snap := Snapshot{
		SessionID:    c.id,
		State:        stateName(c.state),
		Mode:         c.mode,
		Stats:        c.stats,
		RecentEvents: append([]iface.RecentEvent{}, c.events...),
		Detections:   []iface.Detection{},
	}
	if c.current != nil {
		snap.Detections = append(snap.Detections, c.current.Detections...)
		comp := c.current.Compliance
		comp.DetectedPPE = append([]string{}, comp.DetectedPPE...)
		comp.MissingPPE = append([]string{}, comp.MissingPPE...)
		snap.Compliance = &comp
		snap.HasAnnotatedImage = c.current.AnnotatedImage != ""
	}
	if c.lastHazard != nil {
		h := *c.lastHazard
		h.Hazards = append([]iface.STFHazard{}, h.Hazards...)
		snap.LastHazard = &h
	}
	return snap
}

// HazardLevel is the level of the displayed result, Low when there is none.
func (c *Controller) HazardLevel() iface.HazardLevel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return iface.HazardLow
	}
	return c.current.Compliance.HazardLevel
}

// Overlay renders the displayed detections for a canvas of width x height.
func (c *Controller) Overlay(width, height int) overlay.Overlay {
	c.mu.Lock()
	var dets []iface.Detection
	level := iface.HazardLow
	if c.current != nil {
		dets = c.current.Detections
		level = c.current.Compliance.HazardLevel
	}
	c.mu.Unlock()
	return overlay.Render(dets, width, height, level)
}

// LastFrame is the frame behind the displayed detections.
func (c *Controller) LastFrame() (iface.Frame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastFrame, len(c.lastFrame.Data) > 0
}

// AnnotatedImage decodes the backend-rendered image of the displayed result.
func (c *Controller) AnnotatedImage() ([]byte, error) {
	c.mu.Lock()
	cur := c.current
	c.mu.Unlock()
	if cur == nil {
		return nil, nil
	}
	return cur.AnnotatedImageBytes()
}
