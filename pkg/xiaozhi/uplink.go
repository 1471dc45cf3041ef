package xiaozhi

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/saker-ai/xiaozhi-voice/internal/device"
	"github.com/saker-ai/xiaozhi-voice/internal/logger"
	"github.com/saker-ai/xiaozhi-voice/pkg/audio"
	"go.uber.org/zap"
)

const uplinkRetryDelay = 100 * time.Millisecond

// uplink captures, encodes, encrypts and sends microphone audio while the
// listening gate is open.
type uplink struct {
	session     *Session
	conn        PacketConn
	capture     device.Capture
	encoder     FrameEncoder
	gate        *gate
	captureRate int
	frameBytes  int

	seq      atomic.Uint32
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	logger   *zap.Logger
	metrics  *Metrics
	throttle *logger.Throttle
}

func startUplink(s *Session, conn PacketConn, backend device.Backend, codec Codec, g *gate, captureRate int, metrics *Metrics, log *zap.Logger) (*uplink, error) {
	p := s.AudioParams
	format := device.Format{
		SampleRate:   captureRate,
		Channels:     p.Channels,
		FrameSamples: captureRate * p.FrameDuration / 1000,
	}
	if format.FrameSamples <= 0 {
		return nil, fmt.Errorf("xiaozhi: capture frame is empty at %dHz", captureRate)
	}
	encoder, err := codec.NewEncoder(p)
	if err != nil {
		return nil, fmt.Errorf("uplink encoder: %w", err)
	}
	capture, err := backend.OpenCapture(format)
	if err != nil {
		_ = encoder.Close()
		return nil, fmt.Errorf("open capture: %w", err)
	}

	u := &uplink{
		session:     s,
		conn:        conn,
		capture:     capture,
		encoder:     encoder,
		gate:        g,
		captureRate: captureRate,
		frameBytes:  format.FrameBytes(),
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
		logger:      log.With(zap.String("pipeline", "uplink")),
		metrics:     metrics,
		throttle:    logger.NewThrottle(50),
	}
	go u.run()
	return u, nil
}

func (u *uplink) run() {
	defer close(u.done)
	defer func() {
		u.seq.Store(0)
		_ = u.capture.Close()
		_ = u.encoder.Close()
		u.logger.Info("uplink stopped", zap.String("session_id", u.session.ID))
	}()

	u.logger.Info("uplink started",
		zap.String("session_id", u.session.ID),
		zap.String("udp_server", u.session.Endpoint()),
		zap.Int("capture_rate", u.captureRate),
		zap.Int("sample_rate", u.session.AudioParams.SampleRate),
		zap.Int("frame_duration", u.session.AudioParams.FrameDuration),
	)

	frame := make([]byte, u.frameBytes)
	for {
		select {
		case <-u.stopCh:
			return
		case <-u.gate.wait():
		}

		if _, err := io.ReadFull(u.capture, frame); err != nil {
			if u.stopped() {
				return
			}
			u.warn("capture read failed", dropCapture, err)
			if !u.sleep(uplinkRetryDelay) {
				return
			}
			continue
		}
		if u.stopped() {
			return
		}
		// Listening may have stopped while the read was blocked.
		if !u.gate.isOpen() {
			continue
		}
		u.sendFrame(frame)
	}
}

func (u *uplink) sendFrame(frame []byte) {
	pcm, err := audio.Resample(frame, u.captureRate, u.session.AudioParams.SampleRate)
	if err != nil {
		u.warn("resample failed", dropEncode, err)
		return
	}
	encoded, err := u.encoder.Encode(pcm)
	if err != nil {
		u.warn("encode failed", dropEncode, err)
		return
	}
	if len(encoded) == 0 {
		return
	}

	seq := u.seq.Add(1)
	packet := u.session.cipher.Seal(u.session.Nonce, seq, encoded)
	if err := u.conn.Send(packet); err != nil {
		if u.stopped() {
			return
		}
		u.warn("udp send failed", dropSend, err)
		u.sleep(uplinkRetryDelay)
		return
	}
	u.metrics.uplinkSent()
}

func (u *uplink) warn(msg, reason string, err error) {
	u.metrics.drop(reason)
	if n, ok := u.throttle.Allow(); ok {
		u.logger.Warn(msg,
			zap.String("session_id", u.session.ID),
			zap.Uint64("occurrences", n),
			zap.Error(err),
		)
	}
}

func (u *uplink) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-u.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

func (u *uplink) stopped() bool {
	select {
	case <-u.stopCh:
		return true
	default:
		return false
	}
}

func (u *uplink) sequence() uint32 {
	return u.seq.Load()
}

// stop signals the loop and closes the capture handle to unblock a read.
func (u *uplink) stop() {
	u.stopOnce.Do(func() {
		close(u.stopCh)
		_ = u.capture.Close()
	})
}
