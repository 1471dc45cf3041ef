package xiaozhi

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/saker-ai/xiaozhi-voice/internal/aesctr"
	"github.com/saker-ai/xiaozhi-voice/internal/device"
	"github.com/saker-ai/xiaozhi-voice/internal/logger"
	"github.com/saker-ai/xiaozhi-voice/pkg/audio"
	"go.uber.org/zap"
)

const (
	receiveTimeout   = 100 * time.Millisecond
	maxDatagram      = 4096
	receiveErrorWait = 50 * time.Millisecond
)

// downlink receives, decrypts and decodes server audio into a jitter
// buffer and drains it to the speaker at the frame cadence.
type downlink struct {
	session      *Session
	conn         PacketConn
	playback     device.Playback
	decoder      FrameDecoder
	jitter       *audio.JitterBuffer
	playbackRate int
	chunkFrames  int
	silence      []byte

	stopCh   chan struct{}
	stopOnce sync.Once
	recvDone chan struct{}
	playDone chan struct{}

	logger       *zap.Logger
	metrics      *Metrics
	recvThrottle *logger.Throttle
	playThrottle *logger.Throttle
}

func startDownlink(s *Session, conn PacketConn, backend device.Backend, codec Codec, cfg Config, metrics *Metrics, log *zap.Logger) (*downlink, error) {
	p := s.AudioParams
	playbackRate := cfg.PlaybackRate
	if playbackRate <= 0 {
		playbackRate = p.SampleRate
	}
	format := device.Format{
		SampleRate:   playbackRate,
		Channels:     p.Channels,
		FrameSamples: playbackRate * p.FrameDuration / 1000,
	}
	if format.FrameSamples <= 0 {
		return nil, fmt.Errorf("xiaozhi: playback frame is empty at %dHz", playbackRate)
	}
	decoder, err := codec.NewDecoder(p)
	if err != nil {
		return nil, fmt.Errorf("downlink decoder: %w", err)
	}
	playback, err := backend.OpenPlayback(format)
	if err != nil {
		_ = decoder.Close()
		return nil, fmt.Errorf("open playback: %w", err)
	}

	d := &downlink{
		session:      s,
		conn:         conn,
		playback:     playback,
		decoder:      decoder,
		jitter:       audio.NewJitterBuffer(cfg.JitterCapacity),
		playbackRate: playbackRate,
		chunkFrames:  cfg.PlaybackChunkFrames,
		silence:      make([]byte, format.FrameBytes()),
		stopCh:       make(chan struct{}),
		recvDone:     make(chan struct{}),
		playDone:     make(chan struct{}),
		logger:       log.With(zap.String("pipeline", "downlink")),
		metrics:      metrics,
		recvThrottle: logger.NewThrottle(50),
		playThrottle: logger.NewThrottle(50),
	}
	d.logger.Info("downlink started",
		zap.String("session_id", s.ID),
		zap.Int("sample_rate", p.SampleRate),
		zap.Int("playback_rate", playbackRate),
		zap.Int("frame_duration", p.FrameDuration),
		zap.Int("jitter_capacity", d.jitter.Cap()),
	)
	go d.receiveLoop()
	go d.playbackLoop()
	return d, nil
}

func (d *downlink) receiveLoop() {
	defer close(d.recvDone)
	defer func() { _ = d.decoder.Close() }()

	buf := make([]byte, maxDatagram)
	for !d.stopped() {
		n, err := d.conn.Receive(buf, receiveTimeout)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if d.stopped() || errors.Is(err, net.ErrClosed) {
				return
			}
			d.warn(d.recvThrottle, "udp receive failed", dropReceive, err)
			time.Sleep(receiveErrorWait)
			continue
		}
		d.handlePacket(buf[:n])
	}
}

func (d *downlink) handlePacket(packet []byte) {
	payload, err := d.session.cipher.Open(packet)
	if err != nil {
		reason := dropDecode
		if errors.Is(err, aesctr.ErrShortPacket) {
			reason = dropShortPacket
		}
		d.warn(d.recvThrottle, "invalid packet", reason, fmt.Errorf("%d bytes: %w", len(packet), err))
		return
	}
	pcm, err := d.decoder.Decode(payload)
	if err != nil {
		d.warn(d.recvThrottle, "decode failed", dropDecode, err)
		return
	}
	if len(pcm) == 0 {
		return
	}
	if d.playbackRate != d.session.AudioParams.SampleRate {
		pcm, err = audio.Resample(pcm, d.session.AudioParams.SampleRate, d.playbackRate)
		if err != nil {
			d.warn(d.recvThrottle, "resample failed", dropDecode, err)
			return
		}
	}
	d.metrics.downlinkReceived()
	if d.jitter.Push(pcm) {
		d.metrics.evicted()
	}
}

func (d *downlink) playbackLoop() {
	defer close(d.playDone)
	defer func() { _ = d.playback.Close() }()

	ticker := time.NewTicker(d.session.AudioParams.FrameInterval())
	defer ticker.Stop()

	chunkBytes := len(d.silence) * d.chunkFrames
	cache := make([]byte, 0, chunkBytes+len(d.silence))
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
		}

		frame, ok := d.jitter.Pop()
		if !ok {
			frame = d.silence
			d.metrics.underrun()
		}
		cache = append(cache, frame...)
		if len(cache) < chunkBytes {
			continue
		}
		if _, err := d.playback.Write(cache); err != nil {
			if d.stopped() {
				return
			}
			d.warn(d.playThrottle, "playback write failed", dropPlayback, err)
		}
		cache = cache[:0]
	}
}

func (d *downlink) warn(t *logger.Throttle, msg, reason string, err error) {
	d.metrics.drop(reason)
	if n, ok := t.Allow(); ok {
		d.logger.Warn(msg,
			zap.String("session_id", d.session.ID),
			zap.Uint64("occurrences", n),
			zap.Error(err),
		)
	}
}

func (d *downlink) stopped() bool {
	select {
	case <-d.stopCh:
		return true
	default:
		return false
	}
}

func (d *downlink) stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}
