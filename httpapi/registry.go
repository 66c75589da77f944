package httpapi

import (
	"SafetyDetConsole/session"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var ErrSessionNotFound = errors.New("session not found")

const sendBuffer = 8

type instance struct {
	id   string
	ctrl *session.Controller

	mu         sync.Mutex
	lastActive time.Time
	conn       *websocket.Conn
	wsTaken    bool

	send        chan []byte
	closeOnce   sync.Once
	cancelTimer chan struct{}
	cancelOnce  sync.Once
}

func (inst *instance) touch() {
	inst.mu.Lock()
	inst.lastActive = time.Now()
	inst.mu.Unlock()
}

func (inst *instance) idleFor() time.Duration {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return time.Since(inst.lastActive)
}

// push queues msg for the websocket writer. Messages are dropped when no
// client keeps up or the session is gone.
func (inst *instance) push(msg []byte) {
	select {
	case <-inst.cancelTimer:
		return
	default:
	}
	select {
	case inst.send <- msg:
	default:
	}
}

type pushMessage struct {
	Type     session.EventKind `json:"type"`
	Snapshot session.Snapshot  `json:"snapshot"`
	Error    string            `json:"error,omitempty"`
}

func (inst *instance) observe(ev session.Event) {
	msg := pushMessage{Type: ev.Kind, Snapshot: ev.Snapshot}
	if ev.Err != nil {
		msg.Error = ev.Err.Error()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	inst.push(data)
}

// registry tracks open sessions and releases the idle ones.
type registry struct {
	mu          sync.RWMutex
	sessions    map[string]*instance
	idleTimeout time.Duration
	newCtrl     func(id string, obs session.Observer) *session.Controller
	onChange    func(n int)
	log         *zap.Logger
}

func newRegistry(idleTimeout time.Duration, newCtrl func(string, session.Observer) *session.Controller, onChange func(int), log *zap.Logger) *registry {
	return &registry{
		sessions:    map[string]*instance{},
		idleTimeout: idleTimeout,
		newCtrl:     newCtrl,
		onChange:    onChange,
		log:         log,
	}
}

func (r *registry) create() *instance {
	id := uuid.New().String()
	inst := &instance{
		id:          id,
		lastActive:  time.Now(),
		send:        make(chan []byte, sendBuffer),
		cancelTimer: make(chan struct{}),
	}
	inst.ctrl = r.newCtrl(id, inst.observe)

	r.mu.Lock()
	r.sessions[id] = inst
	n := len(r.sessions)
	r.mu.Unlock()

	r.changed(n)
	r.startIdleMonitor(inst)
	r.log.Info("session allocated", zap.String("session", id))
	return inst
}

func (r *registry) get(id string) (*instance, error) {
	r.mu.RLock()
	inst, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	inst.touch()
	return inst, nil
}

func (r *registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *registry) release(id, reason string) bool {
	r.mu.Lock()
	inst, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	n := len(r.sessions)
	r.mu.Unlock()
	if !ok {
		return false
	}

	inst.cancelOnce.Do(func() {
		close(inst.cancelTimer)
	})
	inst.closeOnce.Do(func() {
		inst.mu.Lock()
		conn := inst.conn
		inst.mu.Unlock()
		if conn != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
				time.Now().Add(time.Second))
			_ = conn.Close()
		}
	})
	r.changed(n)
	r.log.Info("session released", zap.String("session", id), zap.String("reason", reason))
	return true
}

func (r *registry) releaseAll(reason string) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	for _, id := range ids {
		r.release(id, reason)
	}
}

func (r *registry) changed(n int) {
	if r.onChange != nil {
		r.onChange(n)
	}
}

func (r *registry) startIdleMonitor(inst *instance) {
	if r.idleTimeout <= 0 {
		return
	}
	tick := r.idleTimeout / 10
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	if tick > time.Second {
		tick = time.Second
	}
	go func() {
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		for {
			select {
			case <-inst.cancelTimer:
				return
			case <-ticker.C:
				// an outstanding detection keeps the session alive
				if inst.ctrl.State() == session.DETECTING {
					continue
				}
				if inst.idleFor() > r.idleTimeout {
					r.release(inst.id, "idle timeout")
					return
				}
			}
		}
	}()
}
