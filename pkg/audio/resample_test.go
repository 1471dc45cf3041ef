package audio

import (
	"bytes"
	"math"
	"testing"
)

func sinePCM(n, rate int, freq float64) []byte {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(8000 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return Int16SliceToBytesInto(nil, samples)
}

func TestResampleIdentityReturnsCopy(t *testing.T) {
	in := sinePCM(960, 16000, 440)
	out, err := Resample(in, 16000, 16000)
	if err != nil {
		t.Fatalf("Resample error: %v", err)
	}
	if !bytes.Equal(out, in) {
		t.Fatalf("identity resample changed the samples")
	}
	out[0] ^= 0xff
	if out[0] == in[0] {
		t.Fatalf("identity resample aliases its input")
	}
}

func TestResampleLength(t *testing.T) {
	cases := []struct {
		from, to, in, want int
	}{
		{48000, 16000, 2880, 960},
		{16000, 48000, 960, 2880},
		{24000, 48000, 1440, 2880},
		{44100, 16000, 441, 160},
		{48000, 16000, 1, 0},
		{16000, 24000, 5, 8},
	}
	for _, tc := range cases {
		out, err := Resample(sinePCM(tc.in, tc.from, 300), tc.from, tc.to)
		if err != nil {
			t.Fatalf("Resample(%d->%d) error: %v", tc.from, tc.to, err)
		}
		if got := len(out) / 2; got != tc.want {
			t.Fatalf("Resample(%d->%d, %d samples)=%d samples, want %d", tc.from, tc.to, tc.in, got, tc.want)
		}
		if got := ResampledLength(tc.in, tc.from, tc.to); got != tc.want {
			t.Fatalf("ResampledLength=%d, want %d", got, tc.want)
		}
	}
}

func TestResampleInvalidRate(t *testing.T) {
	if _, err := Resample([]byte{0, 0}, 0, 16000); err == nil {
		t.Fatalf("expected error for zero rate")
	}
}

func TestResampleLinearEndpoints(t *testing.T) {
	in := []int16{0, 100, 200, 300}
	out := resampleLinear(in, 16000, 32000, 8)
	want := []int16{0, 50, 100, 150, 200, 250, 300, 300}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("out[%d]=%d, want %d", i, out[i], want[i])
		}
	}
}

func TestFitLengthPadsWithLastSample(t *testing.T) {
	got := fitLength([]int16{1, 2}, 4)
	if len(got) != 4 || got[3] != 2 {
		t.Fatalf("fitLength=%v, want [1 2 2 2]", got)
	}
	got = fitLength([]int16{1, 2, 3}, 2)
	if len(got) != 2 {
		t.Fatalf("len=%d, want 2", len(got))
	}
}
