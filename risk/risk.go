package risk

import (
	iface "SafetyDetConsole/interface"
	"time"
)

// Config is the display treatment for one hazard level.
type Config struct {
	Color     string `json:"color"`
	BgColor   string `json:"bgColor"`
	TextColor string `json:"textColor"`
	Icon      string `json:"icon"`
}

var colorMap = map[iface.HazardLevel]Config{
	iface.HazardLow: {
		Color:     "green",
		BgColor:   "bg-green-100",
		TextColor: "text-green-700",
		Icon:      "✓",
	},
	iface.HazardMedium: {
		Color:     "yellow",
		BgColor:   "bg-yellow-100",
		TextColor: "text-yellow-700",
		Icon:      "⚠",
	},
	iface.HazardHigh: {
		Color:     "red",
		BgColor:   "bg-red-100",
		TextColor: "text-red-700",
		Icon:      "✗",
	},
}

// GetRiskConfig never fails; unrecognised levels get the Low treatment.
func GetRiskConfig(level string) Config {
	if cfg, ok := colorMap[iface.HazardLevel(level)]; ok {
		return cfg
	}
	return colorMap[iface.HazardLow]
}

// ComplianceScore is the percentage of required items found in detected.
// Names are compared after canonicalisation, so "Topi" satisfies "helmet".
func ComplianceScore(detected, required []string) float64 {
	if len(required) == 0 {
		return 0
	}
	have := map[string]bool{}
	for _, d := range detected {
		have[canonical(d)] = true
	}
	want := map[string]bool{}
	for _, r := range required {
		want[canonical(r)] = true
	}
	matches := 0
	for r := range want {
		if have[r] {
			matches++
		}
	}
	return float64(matches) / float64(len(want)) * 100
}

func canonical(name string) string {
	if c, ok := iface.CanonicalClass(name); ok {
		return c
	}
	return name
}

const timestampLayout = "02/01/2006 15.04.05"

// FormatTimestamp renders an ISO-8601 timestamp in the dashboard's
// day-first local layout. Unparseable input is returned unchanged.
func FormatTimestamp(iso string, loc *time.Location) string {
	t, err := time.Parse(time.RFC3339Nano, iso)
	if err != nil {
		return iso
	}
	if loc != nil {
		t = t.In(loc)
	}
	return t.Format(timestampLayout)
}
