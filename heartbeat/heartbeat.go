package heartbeat

import (
	"SafetyDetConsole/logger"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const TimeOutSeconds = 5

// Status is the last observed liveness of the detection backend.
type Status struct {
	Up        bool      `json:"up"`
	CheckedAt time.Time `json:"checkedAt"`
	Error     string    `json:"error,omitempty"`
}

// Prober polls the backend root endpoint and reports transitions.
type Prober struct {
	url      string
	interval time.Duration
	client   *resty.Client
	log      *zap.Logger
	onChange func(up bool)

	mu     sync.RWMutex
	status Status
	probed bool
}

func New(baseURL string, interval time.Duration, onChange func(up bool), log *zap.Logger) *Prober {
	if log == nil {
		log = logger.Log()
	}
	if interval <= 0 {
		interval = TimeOutSeconds * time.Second
	}
	return &Prober{
		url:      baseURL + "/",
		interval: interval,
		client:   resty.New().SetTimeout(TimeOutSeconds * time.Second),
		log:      log,
		onChange: onChange,
	}
}

func (p *Prober) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// Probe performs one check and returns the new status.
func (p *Prober) Probe(ctx context.Context) Status {
	st := Status{CheckedAt: time.Now()}
	resp, err := p.client.R().SetContext(ctx).Get(p.url)
	switch {
	case err != nil:
		st.Error = err.Error()
	case resp.IsError():
		st.Error = fmt.Sprintf("backend returned %s", resp.Status())
	default:
		st.Up = true
	}

	p.mu.Lock()
	changed := !p.probed || p.status.Up != st.Up
	p.status = st
	p.probed = true
	p.mu.Unlock()

	if changed {
		if st.Up {
			p.log.Info("detection backend is up", zap.String("url", p.url))
		} else {
			p.log.Warn("detection backend is down", zap.String("url", p.url), zap.String("error", st.Error))
		}
		if p.onChange != nil {
			p.onChange(st.Up)
		}
	}
	return st
}

// Run probes immediately and then every interval until ctx is cancelled.
func (p *Prober) Run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	p.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			p.log.Info("heartbeat context cancelled, exiting goroutine.")
			return
		case <-ticker.C:
			p.Probe(ctx)
		}
	}
}
