package audio

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParams_Clamped(t *testing.T) {
	tests := []struct {
		name string
		in   Params
		want Params
	}{
		{
			name: "all in range",
			in:   Params{GainDB: 6, FilterEnabled: true, CutoffHz: 2000, IntegrationTime: 0.5},
			want: Params{GainDB: 6, FilterEnabled: true, CutoffHz: 2000, IntegrationTime: 0.5},
		},
		{
			name: "negative gain clamps to zero",
			in:   Params{GainDB: -12, CutoffHz: 1000, IntegrationTime: 0.5},
			want: Params{GainDB: 0, CutoffHz: 1000, IntegrationTime: 0.5},
		},
		{
			name: "excessive gain clamps to max",
			in:   Params{GainDB: 90, CutoffHz: 1000, IntegrationTime: 0.5},
			want: Params{GainDB: MaxGainDB, CutoffHz: 1000, IntegrationTime: 0.5},
		},
		{
			name: "cutoff above nyquist clamps",
			in:   Params{CutoffHz: 44100, IntegrationTime: 0.5},
			want: Params{CutoffHz: float64(44100) * MaxCutoffRatio, IntegrationTime: 0.5},
		},
		{
			name: "cutoff below audible clamps",
			in:   Params{CutoffHz: 1, IntegrationTime: 0.5},
			want: Params{CutoffHz: MinCutoffHz, IntegrationTime: 0.5},
		},
		{
			name: "integration time clamps both ends",
			in:   Params{CutoffHz: 1000, IntegrationTime: 0},
			want: Params{CutoffHz: 1000, IntegrationTime: MinIntegrationTime},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.in.Clamped(44100)
			if got != tt.want {
				t.Errorf("Clamped() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestEngine_IdentityAtUnityGain(t *testing.T) {
	e := NewEngine(44100, 2)

	left := []float64{0.0, 0.25, -0.5, 0.99, -0.99}
	right := []float64{0.1, -0.1, 0.5, -0.25, 0.0}
	wantLeft := append([]float64(nil), left...)
	wantRight := append([]float64(nil), right...)

	e.ProcessFrame(left, right)

	// 0 dB gain with the filter disabled must be an exact identity for
	// in-range samples.
	assert.Equal(t, wantLeft, left)
	assert.Equal(t, wantRight, right)
}

func TestEngine_GainAppliesAndClips(t *testing.T) {
	e := NewEngine(44100, 2)
	e.SetParams(Params{GainDB: 20, CutoffHz: 1000, IntegrationTime: 0.5})

	left := []float64{0.05, 0.5}
	right := []float64{-0.05, -0.5}
	e.ProcessFrame(left, right)

	// 20 dB is exactly x10; 0.5 then clips at the rail.
	assert.InDelta(t, 0.5, left[0], 1e-12)
	assert.Equal(t, 1.0, left[1])
	assert.InDelta(t, -0.5, right[0], 1e-12)
	assert.Equal(t, -1.0, right[1])
}

// Mirrors how the capture side observes gain: a 1000-amplitude sample
// boosted by 6 dB should land near 1995 after re-encoding.
func TestEngine_SixDBGainThroughCodec(t *testing.T) {
	frame := []byte{0xE8, 0x03, 0xE8, 0x03} // L=1000, R=1000

	left, right, err := DecodeFrame(frame, 2)
	require.NoError(t, err)

	e := NewEngine(44100, 2)
	e.SetParams(Params{GainDB: 6, CutoffHz: 1000, IntegrationTime: 0.5})
	e.ProcessFrame(left, right)

	out, err := EncodeFrame(left, right)
	require.NoError(t, err)

	got := int16(out[0]) | int16(out[1])<<8
	assert.Greater(t, got, int16(1990))
	assert.Less(t, got, int16(2010))
}

func TestEngine_SetParamsClampsAndReports(t *testing.T) {
	e := NewEngine(44100, 2)

	applied := e.SetParams(Params{GainDB: 200, FilterEnabled: true, CutoffHz: 99999, IntegrationTime: 42})

	assert.Equal(t, float64(MaxGainDB), applied.GainDB)
	assert.Equal(t, float64(44100)*MaxCutoffRatio, applied.CutoffHz)
	assert.Equal(t, float64(MaxIntegrationTime), applied.IntegrationTime)
	assert.True(t, applied.FilterEnabled)
	assert.Equal(t, applied, e.Params())
}

func TestEngine_Deterministic(t *testing.T) {
	mkFrames := func() ([]float64, []float64) {
		return sineSamples(440, 44100, 0, 1024, 0.7), sineSamples(440, 44100, 0, 1024, 0.7)
	}

	p := Params{GainDB: 12, FilterEnabled: true, CutoffHz: 3000, IntegrationTime: 0.2}

	e1 := NewEngine(44100, 2)
	e1.SetParams(p)
	l1, r1 := mkFrames()
	e1.ProcessFrame(l1, r1)

	e2 := NewEngine(44100, 2)
	e2.SetParams(p)
	l2, r2 := mkFrames()
	e2.ProcessFrame(l2, r2)

	assert.Equal(t, l1, l2)
	assert.Equal(t, r1, r2)
}

// Toggling the filter off and back on must not introduce a transient: the
// disabled stage keeps its delay line fed, so re-enabling resumes from live
// history.
func TestEngine_FilterToggleContinuity(t *testing.T) {
	const sampleRate = 44100

	e := NewEngine(sampleRate, 2)
	e.SetParams(Params{FilterEnabled: false, CutoffHz: 12000, IntegrationTime: 0.5})

	offset := 0
	var prev float64
	for block := 0; block < 4; block++ {
		left := sineSamples(220, sampleRate, offset, 1024, 0.5)
		right := sineSamples(220, sampleRate, offset, 1024, 0.5)
		e.ProcessFrame(left, right)
		prev = left[len(left)-1]
		offset += 1024
	}

	e.SetParams(Params{FilterEnabled: true, CutoffHz: 12000, IntegrationTime: 0.5})

	left := sineSamples(220, sampleRate, offset, 1024, 0.5)
	right := sineSamples(220, sampleRate, offset, 1024, 0.5)
	e.ProcessFrame(left, right)

	// 220 Hz through a 12 kHz low-pass is essentially untouched, so the
	// first filtered sample must continue the waveform.
	delta := math.Abs(left[0] - prev)
	toneSlope := 0.5 * 2.0 * math.Pi * 220.0 / float64(sampleRate)
	assert.Less(t, delta, toneSlope*4.0+0.01, "filter enable produced a transient")
}

func TestEngine_ConfigurePreservesFilterState(t *testing.T) {
	e := NewEngine(44100, 2)
	e.SetParams(Params{FilterEnabled: true, CutoffHz: 2000, IntegrationTime: 0.5})

	left := make([]float64, 2048)
	right := make([]float64, 2048)
	for i := range left {
		left[i] = 0.8
		right[i] = 0.8
	}
	e.ProcessFrame(left, right)

	// Re-init with a different rate: coefficients rebuild, state survives.
	e.Configure(48000, 2)

	l := []float64{0.8}
	r := []float64{0.8}
	e.ProcessFrame(l, r)
	assert.Greater(t, l[0], 0.7, "re-init must not reset the delay line")
}

func TestEngine_MonoInputPath(t *testing.T) {
	e := NewEngine(44100, 1)
	assert.Equal(t, 1, e.Channels())

	frame := []byte{0xE8, 0x03} // one mono sample
	left, right, err := DecodeFrame(frame, e.Channels())
	require.NoError(t, err)

	e.ProcessFrame(left, right)
	out, err := EncodeFrame(left, right)
	require.NoError(t, err)

	// Mono in, stereo out: twice the bytes.
	assert.Equal(t, len(frame)*2, len(out))
}
