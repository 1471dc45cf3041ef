package xiaozhi

import (
	"time"

	"go.uber.org/zap"
)

// pipelines groups the association and the two audio directions of one
// session.
type pipelines struct {
	conn PacketConn
	up   *uplink
	down *downlink
}

// stop signals both directions, closes the association and waits up to
// timeout for every loop. Loops that do not exit in time are abandoned.
func (p *pipelines) stop(timeout time.Duration, log *zap.Logger) {
	p.up.stop()
	p.down.stop()
	if err := p.conn.Close(); err != nil {
		log.Debug("udp close failed", zap.Error(err))
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	loops := []struct {
		name string
		done <-chan struct{}
	}{
		{"uplink", p.up.done},
		{"downlink_receive", p.down.recvDone},
		{"downlink_playback", p.down.playDone},
	}
	for _, loop := range loops {
		select {
		case <-loop.done:
		case <-deadline.C:
			log.Warn("pipeline abandoned",
				zap.String("pipeline", loop.name),
				zap.String("session_id", p.up.session.ID),
				zap.Duration("join_timeout", timeout),
			)
			_ = p.down.playback.Close()
			return
		}
	}
}
