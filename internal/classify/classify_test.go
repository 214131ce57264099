package classify

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leafwatch/leafwatch/internal/errors"
)

func TestGateAccept(t *testing.T) {
	t.Parallel()

	gate := NewGate(DefaultThreshold)

	tests := []struct {
		name    string
		score   float64
		want    bool
		wantErr bool
	}{
		{"exact threshold", 0.50, true, false},
		{"just below", 0.4999, false, false},
		{"high", 0.82, true, false},
		{"low", 0.31, false, false},
		{"zero", 0, false, false},
		{"one", 1, true, false},
		{"negative", -0.01, false, true},
		{"above one", 1.01, false, true},
		{"nan", math.NaN(), false, true},
		{"infinity", math.Inf(1), false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := gate.Accept(tt.score)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewGateThreshold(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 0.7, NewGate(0.7).Threshold(), 1e-9)
	assert.InDelta(t, DefaultThreshold, NewGate(2).Threshold(), 1e-9)
	assert.InDelta(t, DefaultThreshold, NewGate(math.NaN()).Threshold(), 1e-9)

	strict := NewGate(0.9)
	ok, err := strict.Accept(0.85)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		label string
		want  Verdict
	}{
		{"Tomato___healthy", Healthy},
		{"APPLE___HEALTHY", Healthy},
		{"Pepper,_bell___Healthy", Healthy},
		{"healthy", Healthy},
		{"Apple___Apple_scab", Diseased},
		{"Tomato___Late_blight", Diseased},
		{"", Diseased},
		{"heal_thy", Diseased},
	}

	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Classify(tt.label))
		})
	}
}

func TestVerdictString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "healthy", Healthy.String())
	assert.Equal(t, "diseased", Diseased.String())
}
