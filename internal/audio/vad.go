package audio

import "math"

// Signal is the per-frame voice activity decision with its inputs, kept
// for logging and UI meters. Not stored.
type Signal struct {
	Amplitude   float64
	RMS         float64
	ZCR         float64
	SpectralVar float64
	HasVoice    bool
}

// DetectorConfig tunes the voice activity heuristics.
type DetectorConfig struct {
	// NoiseFloor is the fixed RMS floor below which a frame is silence.
	NoiseFloor float64
	// AmplitudeDecay is the EMA decay factor for smoothed amplitude.
	AmplitudeDecay float64
	// RMSWindow is the rolling sample count for RMS (≈50 samples).
	RMSWindow int
	// ZCRMin/ZCRMax bound the voice-typical zero-crossing band.
	ZCRMin, ZCRMax float64
	// SpectralVarMin is the coarse spectral-variance floor.
	SpectralVarMin float64
}

func (c DetectorConfig) withDefaults() DetectorConfig {
	if c.NoiseFloor <= 0 {
		c.NoiseFloor = 0.008
	}
	if c.AmplitudeDecay <= 0 {
		c.AmplitudeDecay = 0.75
	}
	if c.RMSWindow <= 0 {
		c.RMSWindow = 50
	}
	if c.ZCRMax <= 0 {
		c.ZCRMin, c.ZCRMax = 0.02, 0.35
	}
	if c.SpectralVarMin <= 0 {
		c.SpectralVarMin = 0.0005
	}
	return c
}

// Detector scores frames for voice activity. Energy thresholding alone is
// too noise-prone, so a frame has voice only when smoothed amplitude
// clears the floor AND at least one secondary heuristic agrees.
//
// Detector keeps only smoothing state; given the same frame sequence it
// produces the same signals.
type Detector struct {
	cfg       DetectorConfig
	ema       float64
	rmsRing   []float32
	rmsFilled bool
	rmsPos    int
}

// NewDetector creates a voice activity detector.
func NewDetector(cfg DetectorConfig) *Detector {
	cfg = cfg.withDefaults()
	return &Detector{
		cfg:     cfg,
		rmsRing: make([]float32, cfg.RMSWindow),
	}
}

// Process scores one frame.
func (d *Detector) Process(samples []float32) Signal {
	if len(samples) == 0 {
		return Signal{}
	}

	peak := 0.0
	crossings := 0
	prevNeg := samples[0] < 0
	for i, s := range samples {
		if a := math.Abs(float64(s)); a > peak {
			peak = a
		}
		neg := s < 0
		if i > 0 && neg != prevNeg {
			crossings++
		}
		prevNeg = neg

		d.rmsRing[d.rmsPos] = s
		d.rmsPos++
		if d.rmsPos == len(d.rmsRing) {
			d.rmsPos = 0
			d.rmsFilled = true
		}
	}

	// Exponential moving average of peak amplitude
	d.ema = d.cfg.AmplitudeDecay*d.ema + (1-d.cfg.AmplitudeDecay)*peak

	zcr := 0.0
	if len(samples) > 1 {
		zcr = float64(crossings) / float64(len(samples)-1)
	}

	sig := Signal{
		Amplitude:   d.ema,
		RMS:         d.rollingRMS(),
		ZCR:         zcr,
		SpectralVar: spectralVariance(samples),
	}

	energyOK := sig.Amplitude > d.cfg.NoiseFloor && sig.RMS > d.cfg.NoiseFloor
	zcrOK := sig.ZCR >= d.cfg.ZCRMin && sig.ZCR <= d.cfg.ZCRMax
	spectralOK := sig.SpectralVar > d.cfg.SpectralVarMin

	sig.HasVoice = energyOK && (zcrOK || spectralOK)
	return sig
}

// Reset clears smoothing state between sessions.
func (d *Detector) Reset() {
	d.ema = 0
	d.rmsPos = 0
	d.rmsFilled = false
	for i := range d.rmsRing {
		d.rmsRing[i] = 0
	}
}

func (d *Detector) rollingRMS() float64 {
	n := len(d.rmsRing)
	if !d.rmsFilled {
		n = d.rmsPos
	}
	if n == 0 {
		return 0
	}
	sum := 0.0
	for i := 0; i < n; i++ {
		v := float64(d.rmsRing[i])
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// spectralVariance is a coarse frequency-content proxy: the frame is split
// into equal sub-bands and the variance of their energies computed. Flat
// noise has near-zero variance; voiced speech concentrates energy unevenly.
func spectralVariance(samples []float32) float64 {
	const bands = 8
	if len(samples) < bands {
		return 0
	}
	width := len(samples) / bands
	energies := make([]float64, bands)
	for b := 0; b < bands; b++ {
		seg := samples[b*width : (b+1)*width]
		sum := 0.0
		for _, s := range seg {
			sum += float64(s) * float64(s)
		}
		energies[b] = sum / float64(width)
	}

	mean := 0.0
	for _, e := range energies {
		mean += e
	}
	mean /= bands

	variance := 0.0
	for _, e := range energies {
		variance += (e - mean) * (e - mean)
	}
	return variance / bands
}
