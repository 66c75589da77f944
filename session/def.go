package session

import (
	iface "SafetyDetConsole/interface"
	"errors"
	"fmt"
	"time"
)

const (
	IDLE      = 0x1001
	DETECTING = 0x1002
)

var (
	// ErrBusy rejects a trigger while a detection call is outstanding.
	ErrBusy = errors.New("detection already in progress")
	// ErrCapture wraps any failure to obtain a frame.
	ErrCapture = errors.New("frame capture failed")
	// ErrNoResult means the detector returned neither a result nor an error.
	ErrNoResult = errors.New("detector returned no result")
)

type Mode string

const (
	ModePPE Mode = "ppe"
	ModeSTF Mode = "stf"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModePPE, ModeSTF:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown detection mode %q", s)
}

func stateName(state int) string {
	if state == DETECTING {
		return "detecting"
	}
	return "idle"
}

type EventKind string

const (
	EventPPE     EventKind = "ppe"
	EventSTF     EventKind = "stf"
	EventFailure EventKind = "failure"
)

// Event is published to observers once a detection call has settled.
type Event struct {
	Kind      EventKind
	SessionID string
	Mode      Mode
	Snapshot  Snapshot
	PPE       *iface.DetectionResult
	STF       *iface.HazardResult
	Err       error
	Latency   time.Duration
}

type Observer func(Event)

// Snapshot is a read-only copy of the session state for rendering.
type Snapshot struct {
	SessionID         string                      `json:"sessionID"`
	State             string                      `json:"state"`
	Mode              Mode                        `json:"mode"`
	Stats             iface.SessionStats          `json:"stats"`
	RecentEvents      []iface.RecentEvent         `json:"recentEvents"`
	Detections        []iface.Detection           `json:"detections"`
	Compliance        *iface.ComplianceAssessment `json:"compliance"`
	LastHazard        *iface.HazardResult         `json:"lastHazard,omitempty"`
	HasAnnotatedImage bool                        `json:"hasAnnotatedImage"`
}
