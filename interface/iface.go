package iface

import "context"

// FrameSource produces one still frame per call from a live camera.
type FrameSource interface {
	Capture() (Frame, error)
}

// Detector is the remote detection backend.
type Detector interface {
	DetectPPE(ctx context.Context, image []byte) (*DetectionResult, error)
	DetectSTF(ctx context.Context, image []byte) (*HazardResult, error)
}

// StatsFetcher reads the aggregated dashboard statistics.
type StatsFetcher interface {
	StatsSummary(ctx context.Context) (*StatsSummary, error)
}
