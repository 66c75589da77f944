package detapi

import (
	iface "SafetyDetConsole/interface"
	"encoding/json"
	"fmt"
)

// Wire shapes use pointers so that absent keys can be told apart from zero
// values. Responses missing a required key are rejected as a whole.

type ppeWire struct {
	Success         *bool              `json:"success"`
	Detections      *[]iface.Detection `json:"detections"`
	Compliance      *complianceWire    `json:"compliance"`
	AnnotatedImage  string             `json:"annotated_image"`
	TotalDetections *int               `json:"total_detections"`
}

type complianceWire struct {
	ComplianceRate *float64           `json:"compliance_rate"`
	DetectedPPE    []string           `json:"detected_ppe"`
	MissingPPE     []string           `json:"missing_ppe"`
	HazardLevel    *iface.HazardLevel `json:"hazard_level"`
	AlertMessage   *string            `json:"alert_message"`
	HasWorker      *bool              `json:"has_worker"`
}

type stfWire struct {
	Success        *bool              `json:"success"`
	Hazards        *[]iface.STFHazard `json:"hazards"`
	RiskLevel      *string            `json:"risk_level"`
	Recommendation string             `json:"recommendation"`
}

type statsWire struct {
	TotalInspections *int                `json:"total_inspections"`
	ComplianceRate   *float64            `json:"compliance_rate"`
	ViolationsToday  *int                `json:"violations_today"`
	HighRiskAreas    *int                `json:"high_risk_areas"`
	PPEBreakdown     *iface.PPEBreakdown `json:"ppe_breakdown"`
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

func parsePPE(body []byte) (*iface.DetectionResult, error) {
	var w ppeWire
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, malformed("ppe: %v", err)
	}
	if w.Success != nil && !*w.Success {
		return nil, malformed("ppe: success=false")
	}
	if w.Detections == nil {
		return nil, malformed("ppe: missing detections")
	}
	if w.Compliance == nil {
		return nil, malformed("ppe: missing compliance")
	}
	for i, d := range *w.Detections {
		if !d.BBox.Valid() {
			return nil, malformed("ppe: detection %d has inverted bbox", i)
		}
		if d.Confidence < 0 || d.Confidence > 1 {
			return nil, malformed("ppe: detection %d confidence %v out of range", i, d.Confidence)
		}
	}
	compliance, err := w.Compliance.assessment()
	if err != nil {
		return nil, err
	}
	total := len(*w.Detections)
	if w.TotalDetections != nil {
		total = *w.TotalDetections
	}
	return &iface.DetectionResult{
		Detections:      *w.Detections,
		Compliance:      compliance,
		AnnotatedImage:  w.AnnotatedImage,
		TotalDetections: total,
	}, nil
}

func (w *complianceWire) assessment() (iface.ComplianceAssessment, error) {
	var out iface.ComplianceAssessment
	switch {
	case w.ComplianceRate == nil:
		return out, malformed("compliance: missing compliance_rate")
	case w.HazardLevel == nil:
		return out, malformed("compliance: missing hazard_level")
	case w.AlertMessage == nil:
		return out, malformed("compliance: missing alert_message")
	case w.HasWorker == nil:
		return out, malformed("compliance: missing has_worker")
	}
	if *w.ComplianceRate < 0 || *w.ComplianceRate > 100 {
		return out, malformed("compliance: rate %v outside 0-100", *w.ComplianceRate)
	}
	// Levels outside Low/Medium/High are kept as-is and count as violations.
	if *w.HazardLevel == "" {
		return out, malformed("compliance: empty hazard_level")
	}
	if err := checkPPESets(w.DetectedPPE, w.MissingPPE); err != nil {
		return out, err
	}
	out = iface.ComplianceAssessment{
		ComplianceRate: *w.ComplianceRate,
		DetectedPPE:    nonNil(w.DetectedPPE),
		MissingPPE:     nonNil(w.MissingPPE),
		HazardLevel:    *w.HazardLevel,
		AlertMessage:   *w.AlertMessage,
		HasWorker:      *w.HasWorker,
	}
	return out, nil
}

// checkPPESets enforces that both sets draw from the required vocabulary
// and do not overlap.
func checkPPESets(detected, missing []string) error {
	seen := map[string]bool{}
	for _, name := range detected {
		if !iface.IsRequiredPPE(name) {
			return malformed("compliance: detected_ppe %q not in vocabulary", name)
		}
		c, _ := iface.CanonicalClass(name)
		seen[c] = true
	}
	for _, name := range missing {
		if !iface.IsRequiredPPE(name) {
			return malformed("compliance: missing_ppe %q not in vocabulary", name)
		}
		c, _ := iface.CanonicalClass(name)
		if seen[c] {
			return malformed("compliance: %q both detected and missing", name)
		}
	}
	return nil
}

func parseSTF(body []byte) (*iface.HazardResult, error) {
	var w stfWire
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, malformed("stf: %v", err)
	}
	if w.Success != nil && !*w.Success {
		return nil, malformed("stf: success=false")
	}
	if w.Hazards == nil {
		return nil, malformed("stf: missing hazards")
	}
	if w.RiskLevel == nil {
		return nil, malformed("stf: missing risk_level")
	}
	return &iface.HazardResult{
		Hazards:        *w.Hazards,
		RiskLevel:      *w.RiskLevel,
		Recommendation: w.Recommendation,
	}, nil
}

func parseStats(body []byte) (*iface.StatsSummary, error) {
	var w statsWire
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, malformed("stats: %v", err)
	}
	if w.TotalInspections == nil || w.ComplianceRate == nil || w.ViolationsToday == nil ||
		w.HighRiskAreas == nil || w.PPEBreakdown == nil {
		return nil, malformed("stats: missing fields")
	}
	return &iface.StatsSummary{
		TotalInspections: *w.TotalInspections,
		ComplianceRate:   *w.ComplianceRate,
		ViolationsToday:  *w.ViolationsToday,
		HighRiskAreas:    *w.HighRiskAreas,
		PPEBreakdown:     *w.PPEBreakdown,
	}, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
