package dashboard

import (
	iface "SafetyDetConsole/interface"
	"SafetyDetConsole/logger"
	"context"

	"go.uber.org/zap"
)

type Source string

const (
	SourceLive   Source = "live"
	SourceSample Source = "sample"
)

// SampleStats is shown whenever the backend summary is unavailable.
var SampleStats = iface.StatsSummary{
	TotalInspections: 1247,
	ComplianceRate:   87.3,
	ViolationsToday:  23,
	HighRiskAreas:    5,
	PPEBreakdown: iface.PPEBreakdown{
		Helmet:   95.1,
		Vest:     92.6,
		Shoes:    95.4,
		Complete: 87.3,
	},
}

type Dashboard struct {
	fetcher iface.StatsFetcher
	log     *zap.Logger
}

func New(fetcher iface.StatsFetcher, log *zap.Logger) *Dashboard {
	if log == nil {
		log = logger.Log()
	}
	return &Dashboard{fetcher: fetcher, log: log}
}

// Summary never fails: a transport error or a malformed body falls back to
// SampleStats.
func (d *Dashboard) Summary(ctx context.Context) (iface.StatsSummary, Source) {
	if d.fetcher == nil {
		return SampleStats, SourceSample
	}
	s, err := d.fetcher.StatsSummary(ctx)
	if err != nil || s == nil {
		d.log.Warn("stats summary unavailable, using sample data", zap.Error(err))
		return SampleStats, SourceSample
	}
	return *s, SourceLive
}
