package audio

import "sync"

type opusEncoderKey struct {
	sampleRate    int
	channels      int
	frameDuration int
	options       opusOptionsKey
}

// opusOptionsKey is the comparable form of OpusOptions; tristates are
// -1 unset, 0 false, 1 true.
type opusOptionsKey struct {
	bitrate        int
	complexity     int
	vbr            int8
	fec            int8
	dtx            int8
	packetLossPerc int
	maxBandwidth   string
}

func tristate(v *bool) int8 {
	switch {
	case v == nil:
		return -1
	case *v:
		return 1
	default:
		return 0
	}
}

func (o OpusOptions) key() opusOptionsKey {
	return opusOptionsKey{
		bitrate:        o.Bitrate,
		complexity:     o.Complexity,
		vbr:            tristate(o.VBR),
		fec:            tristate(o.FEC),
		dtx:            tristate(o.DTX),
		packetLossPerc: o.PacketLossPerc,
		maxBandwidth:   o.MaxBandwidth,
	}
}

var opusEncoderPools sync.Map

func getOpusEncoderPool(key opusEncoderKey) *sync.Pool {
	if pool, ok := opusEncoderPools.Load(key); ok {
		return pool.(*sync.Pool)
	}
	pool := &sync.Pool{}
	actual, _ := opusEncoderPools.LoadOrStore(key, pool)
	return actual.(*sync.Pool)
}

// AcquireOpusEncoder reuses encoders keyed by rate, channels, frame duration and options.
func AcquireOpusEncoder(sampleRate, channels, frameDurationMs int, opts OpusOptions) (*OpusEncoder, error) {
	key := opusEncoderKey{
		sampleRate:    sampleRate,
		channels:      channels,
		frameDuration: frameDurationMs,
		options:       opts.key(),
	}
	if v := getOpusEncoderPool(key).Get(); v != nil {
		enc := v.(*OpusEncoder)
		if enc.encoder != nil {
			return enc, nil
		}
	}
	return NewOpusEncoder(sampleRate, channels, frameDurationMs, opts)
}

// ReleaseOpusEncoder resets the encoder state and returns it to the pool.
func ReleaseOpusEncoder(enc *OpusEncoder) {
	if enc == nil {
		return
	}
	enc.mutex.Lock()
	if enc.encoder == nil {
		enc.mutex.Unlock()
		return
	}
	_ = enc.encoder.Reset()
	enc.mutex.Unlock()
	key := opusEncoderKey{
		sampleRate:    enc.sampleRate,
		channels:      enc.channels,
		frameDuration: enc.frameDuration,
		options:       enc.options,
	}
	getOpusEncoderPool(key).Put(enc)
}
