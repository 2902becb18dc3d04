// Package audio provides small PCM sample utilities shared by the ingress
// adapter, the audio buffers, and the transcription providers. The pipeline's
// working format is mono float32 samples in [-1, 1]; helpers here convert
// into that format, resample between rates, and measure signal energy.
package audio

import "math"

// DecodePCM16 converts little-endian int16 PCM bytes into mono float32
// samples in [-1, 1]. Multi-channel input is downmixed by averaging each
// frame's channels. A trailing odd byte is ignored.
func DecodePCM16(pcm []byte, channels int) []float32 {
	if channels <= 0 {
		channels = 1
	}
	frames := len(pcm) / 2 / channels
	if frames == 0 {
		return nil
	}
	out := make([]float32, frames)
	for i := range frames {
		var sum int32
		for c := range channels {
			off := (i*channels + c) * 2
			sum += int32(int16(pcm[off]) | int16(pcm[off+1])<<8)
		}
		out[i] = float32(sum/int32(channels)) / 32768
	}
	return out
}

// DecodeInt16 converts interleaved int16 samples into mono float32 samples,
// downmixing multi-channel input by averaging.
func DecodeInt16(samples []int16, channels int) []float32 {
	if channels <= 0 {
		channels = 1
	}
	frames := len(samples) / channels
	if frames == 0 {
		return nil
	}
	out := make([]float32, frames)
	for i := range frames {
		var sum int32
		for c := range channels {
			sum += int32(samples[i*channels+c])
		}
		out[i] = float32(sum/int32(channels)) / 32768
	}
	return out
}

// Resample converts mono float32 samples from srcRate to dstRate using
// linear interpolation. The input is returned unchanged when the rates match
// or either rate is non-positive.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}
	out := make([]float32, dstLen)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstLen {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))
		s0 := samples[idx]
		s1 := s0
		if idx+1 < len(samples) {
			s1 = samples[idx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}

// RMS returns the root-mean-square amplitude of the samples, in the same
// normalised [0, 1] scale as the input. Returns 0 for empty input.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Duration returns the playback duration in seconds of n mono samples at the
// given rate.
func Duration(n, sampleRate int) float64 {
	if sampleRate <= 0 {
		return 0
	}
	return float64(n) / float64(sampleRate)
}

// EncodePCM16 converts mono float32 samples in [-1, 1] back to little-endian
// int16 PCM bytes, clamping out-of-range values.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := int32(s * 32767)
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}
