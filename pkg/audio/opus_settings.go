package audio

import (
	"strings"

	"github.com/saker-ai/xiaozhi-voice/pkg/audio/opusx"
)

// OpusOptions tunes the uplink encoder. Zero values keep the codec defaults.
type OpusOptions struct {
	Bitrate        int
	Complexity     int
	VBR            *bool
	FEC            *bool
	DTX            *bool
	PacketLossPerc int
	MaxBandwidth   string
}

// Backend names the compiled opus implementation.
func Backend() string {
	return opusx.Backend()
}

func applyOpusEncoderOptions(enc *opusx.Encoder, opts OpusOptions) {
	if enc == nil {
		return
	}
	if opts.Bitrate > 0 {
		_ = enc.SetBitrate(opts.Bitrate)
	}
	if opts.Complexity > 0 {
		_ = enc.SetComplexity(opts.Complexity)
	}
	if opts.VBR != nil {
		_ = enc.SetVBR(*opts.VBR)
	}
	if opts.FEC != nil {
		_ = enc.SetInBandFEC(*opts.FEC)
	}
	if opts.DTX != nil {
		_ = enc.SetDTX(*opts.DTX)
	}
	if opts.PacketLossPerc > 0 {
		_ = enc.SetPacketLossPerc(opts.PacketLossPerc)
	}
	if bw := parseOpusBandwidth(opts.MaxBandwidth); bw != nil {
		_ = enc.SetMaxBandwidth(*bw)
	}
}

func parseOpusBandwidth(v string) *opusx.Bandwidth {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "auto":
		return nil
	case "narrowband", "nb":
		bw := opusx.Narrowband
		return &bw
	case "mediumband", "mb":
		bw := opusx.Mediumband
		return &bw
	case "wideband", "wb":
		bw := opusx.Wideband
		return &bw
	case "superwideband", "swb":
		bw := opusx.SuperWideband
		return &bw
	case "fullband", "fb":
		bw := opusx.Fullband
		return &bw
	default:
		return nil
	}
}
