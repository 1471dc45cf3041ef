package audio

import (
	"fmt"
	"math"

	resampler "github.com/godeps/go-audio-soxr"
)

// Resample converts mono little-endian PCM16 from one rate to another.
// The result holds exactly round(n*to/from) samples for n input samples.
// A soxr engine from the pool does the conversion; linear interpolation
// covers engine failures.
func Resample(pcm []byte, from, to int) ([]byte, error) {
	if from <= 0 || to <= 0 {
		return nil, fmt.Errorf("resample: invalid rates from=%d to=%d", from, to)
	}
	if from == to {
		out := make([]byte, len(pcm))
		copy(out, pcm)
		return out, nil
	}

	samples := BytesToInt16SliceInto(AcquireInt16(len(pcm)/2), pcm)
	defer ReleaseInt16(samples)
	outLen := ResampledLength(len(samples), from, to)
	if outLen == 0 {
		return []byte{}, nil
	}

	resampled, err := resampleSoxr(samples, from, to)
	if err != nil || len(resampled) == 0 {
		resampled = resampleLinear(samples, from, to, outLen)
	}
	resampled = fitLength(resampled, outLen)
	return Int16SliceToBytesInto(nil, resampled), nil
}

// ResampledLength returns the sample count Resample produces for n input samples.
func ResampledLength(n, from, to int) int {
	if from <= 0 || to <= 0 || n <= 0 {
		return 0
	}
	return int(math.Round(float64(n) * float64(to) / float64(from)))
}

func resampleSoxr(samples []int16, from, to int) ([]int16, error) {
	r, err := acquireSoxrResampler(from, to, resampler.QualityHigh)
	if err != nil {
		return nil, err
	}
	defer releaseSoxrResampler(from, to, resampler.QualityHigh, r)

	in := Int16SliceToFloat32Into(AcquireFloat32(len(samples)), samples)
	defer ReleaseFloat32(in)

	out, err := r.Process(in)
	if err != nil {
		return nil, err
	}
	tail, err := r.Flush()
	if err != nil {
		return nil, err
	}
	out = append(out, tail...)
	return Float32SliceToInt16SliceInto(nil, out), nil
}

func resampleLinear(samples []int16, from, to, outLen int) []int16 {
	out := make([]int16, outLen)
	if len(samples) == 0 {
		return out
	}
	ratio := float64(from) / float64(to)
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= last {
			out[i] = samples[last]
			continue
		}
		frac := pos - float64(idx)
		v := float64(samples[idx])*(1-frac) + float64(samples[idx+1])*frac
		out[i] = int16(math.Round(v))
	}
	return out
}

// fitLength trims or pads with the last sample.
func fitLength(samples []int16, n int) []int16 {
	if len(samples) >= n {
		return samples[:n]
	}
	var pad int16
	if len(samples) > 0 {
		pad = samples[len(samples)-1]
	}
	for len(samples) < n {
		samples = append(samples, pad)
	}
	return samples
}
