package monitor

import (
	"SafetyDetConsole/logger"
	"SafetyDetConsole/session"
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

type Monitor struct {
	registry *prometheus.Registry
	pid      *process.Process

	memUsage       prometheus.Gauge
	cpuUsage       prometheus.Gauge
	Detections     *prometheus.CounterVec
	Violations     prometheus.Counter
	LastCompliance prometheus.Gauge
	Latency        *prometheus.HistogramVec
	ActiveSessions prometheus.Gauge
	BackendUp      prometheus.Gauge
}

func New() *Monitor {
	m := &Monitor{
		registry: prometheus.NewRegistry(),
		pid:      &process.Process{Pid: int32(os.Getpid())},
		memUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "memory_usage_Megabytes",
			Help: "Memory usage in Megabytes",
		}),
		cpuUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cpu_usage_percent",
			Help: "CPU usage in percent",
		}),
		Detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "detection_requests_total",
			Help: "Detection calls by mode and outcome",
		}, []string{"mode", "outcome"}),
		Violations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ppe_violations_total",
			Help: "Completed PPE scans with a hazard level other than Low",
		}),
		LastCompliance: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ppe_compliance_rate_last",
			Help: "Compliance rate of the most recent PPE scan",
		}),
		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "detection_latency_seconds",
			Help:    "Time from trigger to settled detection call",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"mode"}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "active_sessions",
			Help: "Open detection sessions",
		}),
		BackendUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "detection_backend_up",
			Help: "1 when the detection backend answered the last health check",
		}),
	}
	m.registry.MustRegister(m.memUsage, m.cpuUsage, m.Detections, m.Violations,
		m.LastCompliance, m.Latency, m.ActiveSessions, m.BackendUp)
	return m
}

func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Observer counts every settled detection call.
func (m *Monitor) Observer() session.Observer {
	return func(ev session.Event) {
		mode := string(ev.Mode)
		m.Latency.WithLabelValues(mode).Observe(ev.Latency.Seconds())
		if ev.Kind == session.EventFailure {
			m.Detections.WithLabelValues(mode, OutcomeFailure).Inc()
			return
		}
		m.Detections.WithLabelValues(mode, OutcomeSuccess).Inc()
		if ev.PPE != nil {
			m.LastCompliance.Set(ev.PPE.Compliance.ComplianceRate)
			if ev.PPE.Compliance.HazardLevel.IsViolation() {
				m.Violations.Inc()
			}
		}
	}
}

func (m *Monitor) SetBackendUp(up bool) {
	if up {
		m.BackendUp.Set(1)
		return
	}
	m.BackendUp.Set(0)
}

func (m *Monitor) CheckProcessInfo() {
	if memInfo, err := m.pid.MemoryInfo(); err == nil {
		m.memUsage.Set(float64(memInfo.RSS / 1024 / 1024))
	}
	if cpuPercent, err := m.pid.CPUPercent(); err == nil {
		m.cpuUsage.Set(math.Round(cpuPercent*100) / 100)
	}
}

// StartMon serves /metrics on port and samples process usage until ctx is
// done.
func (m *Monitor) StartMon(port int, ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log().Error("Prometheus server ListenAndServe error", zap.Error(err))
		}
	}()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
checkPcs:
	for {
		select {
		case <-ctx.Done():
			break checkPcs
		case <-ticker.C:
			m.CheckProcessInfo()
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log().Error("Prometheus server Shutdown error", zap.Error(err))
	}
}
