package audio

import (
	"math"

	"github.com/pcurie/loquax/internal/conv"
	pcm "github.com/pcurie/loquax/pkg/audio"
)

// Prosody extraction parameters. Frames are 40 ms with a 20 ms hop; pitch is
// tracked by autocorrelation within the speech F0 band.
const (
	prosodyFrameSec = 0.040
	prosodyHopSec   = 0.020
	prosodyTailSec  = 0.5

	pitchMinHz = 50
	pitchMaxHz = 400

	// voicedRMS is the frame energy floor below which no pitch is tracked.
	voicedRMS = 0.005

	// voicedCorr is the minimum normalised autocorrelation peak for a frame
	// to count as voiced.
	voicedCorr = 0.3

	// dbOffset shifts dBFS into a speech-typical positive range so the
	// loudness thresholds read like sound-pressure levels.
	dbOffset = 94
)

type prosodyFrame struct {
	t         float64 // frame centre time in seconds
	pitchHz   float64 // 0 for unvoiced frames
	intensity float64 // dB
	corr      float64 // autocorrelation peak of voiced frames
	periodSec float64 // pitch period of voiced frames
}

// ExtractProsody computes acoustic features for one utterance's samples:
// pitch mean and final-tail slope, intensity mean and slope, jitter, and an
// HNR approximation. Returns nil when the audio is too short (< 100 ms) or
// contains no voiced frames.
func ExtractProsody(samples []float32, sampleRate int) *conv.Prosody {
	if sampleRate <= 0 || pcm.Duration(len(samples), sampleRate) < 0.1 {
		return nil
	}

	frameLen := int(prosodyFrameSec * float64(sampleRate))
	hop := int(prosodyHopSec * float64(sampleRate))
	if frameLen == 0 || hop == 0 || len(samples) < frameLen {
		return nil
	}

	var frames []prosodyFrame
	for off := 0; off+frameLen <= len(samples); off += hop {
		frame := samples[off : off+frameLen]
		f := prosodyFrame{
			t:         (float64(off) + float64(frameLen)/2) / float64(sampleRate),
			intensity: intensityDB(frame),
		}
		if pcm.RMS(frame) >= voicedRMS {
			f.pitchHz, f.corr = trackPitch(frame, sampleRate)
			if f.pitchHz > 0 {
				f.periodSec = 1 / f.pitchHz
			}
		}
		frames = append(frames, f)
	}
	if len(frames) < 2 {
		return nil
	}

	var (
		voiced      []prosodyFrame
		pitchSum    float64
		intenSum    float64
		corrSum     float64
	)
	for _, f := range frames {
		intenSum += f.intensity
		if f.pitchHz > 0 {
			voiced = append(voiced, f)
			pitchSum += f.pitchHz
			corrSum += f.corr
		}
	}
	if len(voiced) == 0 {
		return nil
	}

	p := &conv.Prosody{
		PitchMeanHz:     pitchSum / float64(len(voiced)),
		IntensityMeanDB: intenSum / float64(len(frames)),
	}

	// Trends over the utterance tail.
	tailStart := frames[len(frames)-1].t - prosodyTailSec
	var tailPitchT, tailPitchV, tailIntenT, tailIntenV []float64
	for _, f := range frames {
		if f.t < tailStart {
			continue
		}
		tailIntenT = append(tailIntenT, f.t)
		tailIntenV = append(tailIntenV, f.intensity)
		if f.pitchHz > 0 {
			tailPitchT = append(tailPitchT, f.t)
			tailPitchV = append(tailPitchV, f.pitchHz)
		}
	}
	p.FinalPitchSlope = slope(tailPitchT, tailPitchV)
	p.FinalIntensitySlope = slope(tailIntenT, tailIntenV)

	// Jitter: mean relative cycle-to-cycle period variation across
	// consecutive voiced frames.
	var jitterSum, periodSum float64
	var jitterN int
	for i := 1; i < len(voiced); i++ {
		jitterSum += math.Abs(voiced[i].periodSec - voiced[i-1].periodSec)
		periodSum += voiced[i-1].periodSec
		jitterN++
	}
	if jitterN > 0 && periodSum > 0 {
		p.Jitter = jitterSum / periodSum
	}

	// HNR approximation from the mean voiced autocorrelation peak.
	meanCorr := corrSum / float64(len(voiced))
	if meanCorr > 0 && meanCorr < 1 {
		p.HNRDB = 10 * math.Log10(meanCorr/(1-meanCorr))
	} else if meanCorr >= 1 {
		p.HNRDB = 40
	}

	return p
}

// intensityDB converts a frame's RMS to dB, shifted into the speech range.
// Digital silence floors at -60 dB before the shift.
func intensityDB(frame []float32) float64 {
	rms := pcm.RMS(frame)
	if rms < 1e-3 {
		return -60 + dbOffset
	}
	return 20*math.Log10(rms) + dbOffset
}

// trackPitch finds the fundamental frequency of one frame by locating the
// autocorrelation peak inside the [pitchMinHz, pitchMaxHz] lag band. Returns
// (0, 0) for unvoiced frames.
func trackPitch(frame []float32, sampleRate int) (hz, corr float64) {
	minLag := sampleRate / pitchMaxHz
	maxLag := sampleRate / pitchMinHz
	if maxLag >= len(frame) {
		maxLag = len(frame) - 1
	}
	if minLag < 1 || minLag >= maxLag {
		return 0, 0
	}

	var energy float64
	for _, s := range frame {
		energy += float64(s) * float64(s)
	}
	if energy == 0 {
		return 0, 0
	}

	bestLag, bestCorr := 0, 0.0
	for lag := minLag; lag <= maxLag; lag++ {
		var sum float64
		for i := 0; i+lag < len(frame); i++ {
			sum += float64(frame[i]) * float64(frame[i+lag])
		}
		if c := sum / energy; c > bestCorr {
			bestCorr = c
			bestLag = lag
		}
	}
	if bestLag == 0 || bestCorr < voicedCorr {
		return 0, 0
	}
	return float64(sampleRate) / float64(bestLag), bestCorr
}

// slope fits a least-squares line through (t, v) and returns its gradient in
// units per second. Returns 0 with fewer than two points.
func slope(t, v []float64) float64 {
	n := float64(len(t))
	if len(t) < 2 || len(t) != len(v) {
		return 0
	}
	var sumT, sumV, sumTT, sumTV float64
	for i := range t {
		sumT += t[i]
		sumV += v[i]
		sumTT += t[i] * t[i]
		sumTV += t[i] * v[i]
	}
	den := n*sumTT - sumT*sumT
	if den == 0 {
		return 0
	}
	return (n*sumTV - sumT*sumV) / den
}
