package iface

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionStats_Fold(t *testing.T) {
	rates := []float64{66.7, 100, 33.3, 0, 100}
	levels := []HazardLevel{HazardMedium, HazardLow, HazardHigh, HazardHigh, HazardLow}

	stats := SessionStats{}
	sum := 0.0
	for i := range rates {
		stats = stats.Fold(rates[i], levels[i])
		sum += rates[i]
		assert.Equal(t, i+1, stats.TotalScans)
		assert.InDelta(t, sum/float64(i+1), stats.AvgCompliance, 1e-9)
	}
	assert.Equal(t, 3, stats.Violations)
}

func TestHazardLevel(t *testing.T) {
	assert.Less(t, HazardLow.Rank(), HazardMedium.Rank())
	assert.Less(t, HazardMedium.Rank(), HazardHigh.Rank())
	assert.Equal(t, HazardLow.Rank(), HazardLevel("Severe").Rank())

	assert.False(t, HazardLow.IsViolation())
	assert.True(t, HazardMedium.IsViolation())
	assert.True(t, HazardLevel("low").IsViolation())
	assert.False(t, HazardLevel("").Known())
}

func TestBBox(t *testing.T) {
	b := BBox{X1: 10, Y1: 10, X2: 50, Y2: 60}
	assert.True(t, b.Valid())
	assert.Equal(t, 40.0, b.Width())
	assert.Equal(t, 50.0, b.Height())
	assert.False(t, BBox{X1: 5, X2: 4}.Valid())
}

func TestCanonicalClass(t *testing.T) {
	tests := map[string]string{
		"Helmet":  ClassHelmet,
		"Topi":    ClassHelmet,
		"Pakaian": ClassVest,
		"sepatu":  ClassShoes,
		"Pekerja": ClassWorker,
	}
	for in, want := range tests {
		got, ok := CanonicalClass(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := CanonicalClass("gloves")
	assert.False(t, ok)

	assert.True(t, IsRequiredPPE("Topi"))
	assert.False(t, IsRequiredPPE("Pekerja"))
}

func TestAnnotatedImageBytes(t *testing.T) {
	raw := []byte{0xff, 0xd8, 0xff}
	enc := base64.StdEncoding.EncodeToString(raw)

	r := &DetectionResult{}
	b, err := r.AnnotatedImageBytes()
	require.NoError(t, err)
	assert.Nil(t, b)

	r.AnnotatedImage = enc
	b, err = r.AnnotatedImageBytes()
	require.NoError(t, err)
	assert.Equal(t, raw, b)

	r.AnnotatedImage = "data:image/jpeg;base64," + enc
	b, err = r.AnnotatedImageBytes()
	require.NoError(t, err)
	assert.Equal(t, raw, b)
}
