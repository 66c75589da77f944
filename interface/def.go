package iface

import (
	"encoding/base64"
	"strings"
)

type HazardLevel string

const (
	HazardLow    HazardLevel = "Low"
	HazardMedium HazardLevel = "Medium"
	HazardHigh   HazardLevel = "High"
)

// MaxRecentEvents bounds the per-session event log.
const MaxRecentEvents = 5

// Rank orders levels Low < Medium < High. Unknown levels rank as Low.
func (h HazardLevel) Rank() int {
	switch h {
	case HazardMedium:
		return 1
	case HazardHigh:
		return 2
	default:
		return 0
	}
}

// Known reports whether h is one of the three defined levels.
func (h HazardLevel) Known() bool {
	return h == HazardLow || h == HazardMedium || h == HazardHigh
}

// IsViolation is true for anything that is not exactly "Low".
func (h HazardLevel) IsViolation() bool {
	return h != HazardLow
}

type BBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

func (b BBox) Valid() bool {
	return b.X1 <= b.X2 && b.Y1 <= b.Y2
}

func (b BBox) Width() float64 {
	return b.X2 - b.X1
}

func (b BBox) Height() float64 {
	return b.Y2 - b.Y1
}

type Detection struct {
	ClassID    int     `json:"class_id"`
	ClassName  string  `json:"class_name"`
	Confidence float64 `json:"confidence"`
	BBox       BBox    `json:"bbox"`
}

type ComplianceAssessment struct {
	ComplianceRate float64     `json:"compliance_rate"`
	DetectedPPE    []string    `json:"detected_ppe"`
	MissingPPE     []string    `json:"missing_ppe"`
	HazardLevel    HazardLevel `json:"hazard_level"`
	AlertMessage   string      `json:"alert_message"`
	HasWorker      bool        `json:"has_worker"`
}

type DetectionResult struct {
	Detections      []Detection          `json:"detections"`
	Compliance      ComplianceAssessment `json:"compliance"`
	AnnotatedImage  string               `json:"annotated_image,omitempty"`
	TotalDetections int                  `json:"total_detections"`
}

// AnnotatedImageBytes decodes the optional base64 image, with or without a
// data URL prefix. It returns nil when the backend sent none.
func (r *DetectionResult) AnnotatedImageBytes() ([]byte, error) {
	b64 := r.AnnotatedImage
	if b64 == "" {
		return nil, nil
	}
	if i := strings.Index(b64, ","); i != -1 && strings.HasPrefix(b64, "data:") {
		b64 = b64[i+1:]
	}
	return base64.StdEncoding.DecodeString(b64)
}

type STFHazard struct {
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
	Location   string  `json:"location"`
}

type HazardResult struct {
	Hazards        []STFHazard `json:"hazards"`
	RiskLevel      string      `json:"risk_level"`
	Recommendation string      `json:"recommendation"`
}

type PPEBreakdown struct {
	Helmet   float64 `json:"helmet"`
	Vest     float64 `json:"vest"`
	Shoes    float64 `json:"shoes"`
	Complete float64 `json:"complete"`
}

type StatsSummary struct {
	TotalInspections int          `json:"total_inspections"`
	ComplianceRate   float64      `json:"compliance_rate"`
	ViolationsToday  int          `json:"violations_today"`
	HighRiskAreas    int          `json:"high_risk_areas"`
	PPEBreakdown     PPEBreakdown `json:"ppe_breakdown"`
}

type SessionStats struct {
	TotalScans    int     `json:"totalScans"`
	Violations    int     `json:"violations"`
	AvgCompliance float64 `json:"avgCompliance"`
}

// Fold adds one completed scan using the incremental running mean.
func (s SessionStats) Fold(rate float64, level HazardLevel) SessionStats {
	prev := float64(s.TotalScans)
	next := SessionStats{
		TotalScans:    s.TotalScans + 1,
		Violations:    s.Violations,
		AvgCompliance: (s.AvgCompliance*prev + rate) / (prev + 1),
	}
	if level.IsViolation() {
		next.Violations++
	}
	return next
}

type RecentEvent struct {
	ID        int64       `json:"id"`
	Timestamp string      `json:"timestamp"`
	Message   string      `json:"message"`
	Level     HazardLevel `json:"level"`
}

type Frame struct {
	Data     []byte
	MimeType string
	Width    int
	Height   int
}

const (
	ClassHelmet = "helmet"
	ClassVest   = "vest"
	ClassShoes  = "shoes"
	ClassWorker = "worker"
)

// RequiredPPE is the fixed set a compliant worker must wear.
var RequiredPPE = []string{ClassHelmet, ClassVest, ClassShoes}

var classAliases = map[string]string{
	"helmet":  ClassHelmet,
	"topi":    ClassHelmet,
	"vest":    ClassVest,
	"pakaian": ClassVest,
	"shoes":   ClassShoes,
	"sepatu":  ClassShoes,
	"worker":  ClassWorker,
	"pekerja": ClassWorker,
	"person":  ClassWorker,
}

// CanonicalClass maps English or Indonesian class names to the canonical
// vocabulary. ok is false for names outside it.
func CanonicalClass(name string) (string, bool) {
	c, ok := classAliases[strings.ToLower(strings.TrimSpace(name))]
	return c, ok
}

// IsRequiredPPE reports whether name is one of helmet, vest or shoes.
func IsRequiredPPE(name string) bool {
	c, ok := CanonicalClass(name)
	return ok && c != ClassWorker
}
