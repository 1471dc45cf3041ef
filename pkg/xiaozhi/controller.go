package xiaozhi

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/saker-ai/xiaozhi-voice/internal/device"
	"github.com/saker-ai/xiaozhi-voice/internal/protocol"
	"github.com/saker-ai/xiaozhi-voice/internal/session/fsm"
	"go.uber.org/zap"
)

const neutralEmotion = "neutral"

// Dependencies are the collaborators a Controller drives.
type Dependencies struct {
	Publisher Publisher
	Backend   device.Backend
	// Codec defaults to OpusCodec with the configured options.
	Codec Codec
	// Dial defaults to DialUDP.
	Dial    Dialer
	Metrics *Metrics
}

// Controller owns the session lifecycle: it reacts to control messages,
// opens the udp association and the audio pipelines on hello, and tears
// them down on goodbye, a new hello or Close.
type Controller struct {
	cfg       Config
	deps      Dependencies
	callbacks Callbacks
	logger    *zap.Logger

	mu            sync.Mutex
	machine       *fsm.Machine
	session       atomic.Pointer[Session]
	epoch         uint64
	gate          *gate
	pipes         *pipelines
	pendingListen bool
	ttsState      protocol.TTSState
	emotion       string
	helloTimer    *time.Timer
	helloAttempt  uint64
	closed        bool
}

// NewController builds an idle controller.
func NewController(cfg Config, deps Dependencies, callbacks Callbacks, logger *zap.Logger) (*Controller, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Publisher == nil {
		return nil, errors.New("xiaozhi: publisher is required")
	}
	if deps.Backend == nil {
		return nil, errors.New("xiaozhi: audio backend is required")
	}
	cfg = cfg.normalized()
	if deps.Codec == nil {
		deps.Codec = OpusCodec{Options: cfg.Opus}
	}
	if deps.Dial == nil {
		deps.Dial = DialUDP
	}
	c := &Controller{
		cfg:       cfg,
		deps:      deps,
		callbacks: callbacks,
		logger:    logger,
		gate:      newGate(),
		emotion:   neutralEmotion,
	}
	c.machine = fsm.New(func(from, to State) {
		c.logger.Info("session state changed",
			zap.String("from", string(from)),
			zap.String("to", string(to)),
		)
		if c.callbacks.OnStateChange != nil {
			c.callbacks.OnStateChange(from, to)
		}
	})
	return c, nil
}

// Session returns the current session snapshot, or nil.
func (c *Controller) Session() *Session {
	return c.session.Load()
}

// State returns the lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.machine.State()
}

// Status returns a point-in-time view.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		State:     c.machine.State(),
		Listening: c.gate.isOpen(),
		TTSState:  string(c.ttsState),
		Emotion:   c.emotion,
	}
	if s := c.session.Load(); s != nil {
		st.SessionID = s.ID
		st.UDPServer = s.Endpoint()
	}
	if c.pipes != nil {
		st.Sequence = c.pipes.up.sequence()
	}
	return st
}

// SendHello asks the server for a session. It is a no-op while a session
// is being negotiated or already streaming.
func (c *Controller) SendHello(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendHelloLocked(ctx)
}

func (c *Controller) sendHelloLocked(ctx context.Context) error {
	if c.closed {
		return ErrClosed
	}
	if c.machine.State() != fsm.StateIdle {
		return nil
	}
	p := c.cfg.AudioParams
	hello := &protocol.Hello{
		Version:   c.cfg.ProtocolVersion,
		Transport: "udp",
		AudioParams: &protocol.AudioParams{
			Format:        p.Format,
			SampleRate:    p.SampleRate,
			Channels:      p.Channels,
			FrameDuration: p.FrameDuration,
		},
	}
	if err := c.machine.Fire(ctx, fsm.EventHelloSent); err != nil {
		return err
	}
	if err := c.publishLocked(ctx, hello); err != nil {
		_ = c.machine.Fire(ctx, fsm.EventReset)
		return fmt.Errorf("send hello: %w", err)
	}
	c.armHelloTimerLocked()
	return nil
}

func (c *Controller) armHelloTimerLocked() {
	c.stopHelloTimerLocked()
	c.helloAttempt++
	attempt := c.helloAttempt
	c.helloTimer = time.AfterFunc(c.cfg.HelloTimeout, func() {
		c.onHelloTimeout(attempt)
	})
}

func (c *Controller) stopHelloTimerLocked() {
	if c.helloTimer != nil {
		c.helloTimer.Stop()
		c.helloTimer = nil
	}
}

func (c *Controller) onHelloTimeout(attempt uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if attempt != c.helloAttempt || c.machine.State() != fsm.StateConnecting {
		return
	}
	c.helloTimer = nil
	c.pendingListen = false
	c.logger.Warn("hello not acknowledged", zap.Duration("timeout", c.cfg.HelloTimeout))
	_ = c.machine.Fire(context.Background(), fsm.EventReset)
	c.reportError(ErrHelloTimeout)
}

// Deliver is a control channel handler: it decodes and dispatches one
// message and logs failures. Publishes triggered by the message are bounded
// by the publish timeout.
func (c *Controller) Deliver(payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.PublishTimeout)
	defer cancel()
	if err := c.HandleMessage(ctx, payload); err != nil {
		c.logger.Warn("control message failed", zap.Error(err))
	}
}

type messageHandler func(context.Context, protocol.Message) error

// HandleMessage decodes and dispatches one inbound control message.
// Unknown message types are dropped without error.
func (c *Controller) HandleMessage(ctx context.Context, payload []byte) error {
	msg, err := protocol.Decode(payload)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownType) {
			c.logger.Debug("control message ignored", zap.Error(err))
			return nil
		}
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	handlers := map[protocol.Type]messageHandler{
		protocol.TypeHello:   c.onHello,
		protocol.TypeGoodbye: c.onGoodbye,
		protocol.TypeTTS:     c.onTTS,
		protocol.TypeASR:     c.onASR,
		protocol.TypeLLM:     c.onLLM,
		protocol.TypeListen:  c.onListen,
		protocol.TypeAbort:   c.onNoop,
	}
	handler, ok := handlers[msg.Kind()]
	if !ok {
		return nil
	}
	if msg.Kind() != protocol.TypeHello && !c.sameSession(msg) {
		c.logger.Debug("control message for another session dropped",
			zap.String("type", string(msg.Kind())),
			zap.String("session_id", msg.Session()),
		)
		return nil
	}
	return handler(ctx, msg)
}

// sameSession accepts messages without a session id and messages for the
// current session.
func (c *Controller) sameSession(msg protocol.Message) bool {
	id := msg.Session()
	if id == "" {
		return true
	}
	s := c.session.Load()
	return s != nil && s.ID == id
}

func (c *Controller) onHello(ctx context.Context, msg protocol.Message) error {
	hello := msg.(*protocol.Hello)
	cur := c.session.Load()
	if cur != nil && cur.ID == hello.SessionID {
		c.logger.Debug("duplicate hello ignored", zap.String("session_id", cur.ID))
		return nil
	}

	next, err := newSession(hello, c.cfg.AudioParams, c.epoch+1)
	if err != nil {
		err = fmt.Errorf("hello: %w", err)
		if cur != nil {
			c.logger.Warn("invalid hello dropped", zap.String("session_id", cur.ID), zap.Error(err))
			return err
		}
		c.stopHelloTimerLocked()
		c.pendingListen = false
		_ = c.machine.Fire(ctx, fsm.EventReset)
		c.reportError(err)
		return err
	}

	if cur != nil {
		c.teardownLocked(ctx, "new session")
	}
	c.stopHelloTimerLocked()

	if err := c.startSessionLocked(ctx, next); err != nil {
		c.pendingListen = false
		_ = c.machine.Fire(ctx, fsm.EventReset)
		c.reportError(err)
		return err
	}

	if c.pendingListen {
		c.pendingListen = false
		if err := c.startListeningLocked(ctx); err != nil {
			c.logger.Warn("pending listen failed", zap.Error(err))
		}
	}
	return nil
}

func (c *Controller) startSessionLocked(ctx context.Context, s *Session) error {
	conn, err := c.deps.Dial(s.Server, s.Port)
	if err != nil {
		return fmt.Errorf("udp %s: %w", s.Endpoint(), err)
	}
	up, err := startUplink(s, conn, c.deps.Backend, c.deps.Codec, c.gate, c.cfg.CaptureRate, c.deps.Metrics, c.logger)
	if err != nil {
		_ = conn.Close()
		return err
	}
	down, err := startDownlink(s, conn, c.deps.Backend, c.deps.Codec, c.cfg, c.deps.Metrics, c.logger)
	if err != nil {
		up.stop()
		_ = conn.Close()
		<-up.done
		return err
	}

	c.epoch = s.Epoch
	c.pipes = &pipelines{conn: conn, up: up, down: down}
	c.session.Store(s)
	if err := c.machine.Fire(ctx, fsm.EventHelloAcked); err != nil {
		c.logger.Warn("session state", zap.Error(err))
	}
	c.deps.Metrics.sessionStarted()
	c.logger.Info("session started",
		zap.String("session_id", s.ID),
		zap.String("udp_server", s.Endpoint()),
		zap.Uint64("epoch", s.Epoch),
		zap.String("format", s.AudioParams.Format),
		zap.Int("sample_rate", s.AudioParams.SampleRate),
		zap.Int("channels", s.AudioParams.Channels),
		zap.Int("frame_duration", s.AudioParams.FrameDuration),
	)
	if c.callbacks.OnSessionStarted != nil {
		c.callbacks.OnSessionStarted(s.ID)
	}
	return nil
}

// onGoodbye honours a goodbye only when it names the current session.
func (c *Controller) onGoodbye(ctx context.Context, msg protocol.Message) error {
	cur := c.session.Load()
	if cur == nil {
		if c.machine.State() == fsm.StateConnecting {
			c.stopHelloTimerLocked()
			c.pendingListen = false
			_ = c.machine.Fire(ctx, fsm.EventReset)
		}
		return nil
	}
	if msg.Session() != cur.ID {
		c.logger.Debug("goodbye for another session ignored",
			zap.String("session_id", cur.ID),
			zap.String("goodbye_session_id", msg.Session()),
		)
		return nil
	}
	c.teardownLocked(ctx, "goodbye")
	return nil
}

func (c *Controller) onTTS(_ context.Context, msg protocol.Message) error {
	tts := msg.(*protocol.TTS)
	c.ttsState = tts.State
	if tts.State == protocol.TTSSentenceEnd || tts.State == protocol.TTSStop {
		c.setEmotion(neutralEmotion)
	}
	c.logger.Debug("tts",
		zap.String("state", string(tts.State)),
		zap.String("text", tts.Text),
	)
	if c.callbacks.OnTTS != nil {
		c.callbacks.OnTTS(string(tts.State), tts.Text)
	}
	return nil
}

func (c *Controller) onASR(_ context.Context, msg protocol.Message) error {
	asr := msg.(*protocol.ASR)
	c.logger.Info("asr", zap.String("text", asr.Text))
	if c.callbacks.OnASR != nil {
		c.callbacks.OnASR(asr.Text)
	}
	return nil
}

func (c *Controller) onLLM(_ context.Context, msg protocol.Message) error {
	llm := msg.(*protocol.LLM)
	if llm.Emotion != "" {
		c.setEmotion(llm.Emotion)
	}
	return nil
}

// onListen applies a listen state pushed over the control channel without
// echoing it back.
func (c *Controller) onListen(ctx context.Context, msg protocol.Message) error {
	listen := msg.(*protocol.Listen)
	switch listen.State {
	case protocol.ListenStart:
		if c.session.Load() == nil {
			c.pendingListen = true
			if err := c.sendHelloLocked(ctx); err != nil {
				c.pendingListen = false
				return err
			}
			return nil
		}
		c.setListening(true)
	case protocol.ListenStop:
		c.pendingListen = false
		c.setListening(false)
	}
	return nil
}

func (c *Controller) onNoop(context.Context, protocol.Message) error { return nil }

func (c *Controller) setEmotion(emotion string) {
	if c.emotion == emotion {
		return
	}
	c.emotion = emotion
	if c.callbacks.OnEmotion != nil {
		c.callbacks.OnEmotion(emotion)
	}
}

// StartListening opens the microphone. Without a session it sends a hello
// and listens once the session is up. While remote speech is playing it
// interrupts the speech instead.
func (c *Controller) StartListening(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.session.Load() == nil {
		c.pendingListen = true
		return c.sendHelloLocked(ctx)
	}
	if c.ttsState == protocol.TTSStart || c.ttsState == protocol.TTSSentenceStart {
		return c.abortLocked(ctx, "wake_word_detected")
	}
	return c.startListeningLocked(ctx)
}

func (c *Controller) startListeningLocked(ctx context.Context) error {
	s := c.session.Load()
	if s == nil {
		return ErrNoSession
	}
	if err := c.publishLocked(ctx, &protocol.Listen{
		SessionID: s.ID,
		State:     protocol.ListenStart,
		Mode:      c.cfg.ListenMode,
	}); err != nil {
		return fmt.Errorf("listen start: %w", err)
	}
	c.setListening(true)
	return nil
}

// StopListening closes the microphone and tells the server.
func (c *Controller) StopListening(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.pendingListen = false
	c.setListening(false)
	s := c.session.Load()
	if s == nil {
		return nil
	}
	if err := c.publishLocked(ctx, &protocol.Listen{
		SessionID: s.ID,
		State:     protocol.ListenStop,
	}); err != nil {
		return fmt.Errorf("listen stop: %w", err)
	}
	return nil
}

// Abort interrupts remote speech.
func (c *Controller) Abort(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return c.abortLocked(ctx, "")
}

func (c *Controller) abortLocked(ctx context.Context, reason string) error {
	s := c.session.Load()
	if s == nil {
		return ErrNoSession
	}
	if err := c.publishLocked(ctx, &protocol.Abort{SessionID: s.ID, Reason: reason}); err != nil {
		return fmt.Errorf("abort: %w", err)
	}
	return nil
}

// Goodbye tells the server the session is over and tears it down locally.
func (c *Controller) Goodbye(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return c.goodbyeLocked(ctx)
}

func (c *Controller) goodbyeLocked(ctx context.Context) error {
	s := c.session.Load()
	if s == nil {
		return ErrNoSession
	}
	err := c.publishLocked(ctx, &protocol.Goodbye{SessionID: s.ID})
	c.teardownLocked(ctx, "local goodbye")
	if err != nil {
		return fmt.Errorf("goodbye: %w", err)
	}
	return nil
}

// Close sends goodbye for an open session, stops every pipeline and
// rejects further calls.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	var err error
	if c.session.Load() != nil {
		err = c.goodbyeLocked(ctx)
	}
	c.stopHelloTimerLocked()
	_ = c.machine.Fire(ctx, fsm.EventReset)
	c.closed = true
	return err
}

// teardownLocked stops the current session's pipelines and returns the
// machine to idle.
func (c *Controller) teardownLocked(ctx context.Context, reason string) {
	s := c.session.Swap(nil)
	if s == nil {
		_ = c.machine.Fire(ctx, fsm.EventReset)
		return
	}
	_ = c.machine.Fire(ctx, fsm.EventClose)
	c.setListening(false)
	if c.pipes != nil {
		c.pipes.stop(c.cfg.JoinTimeout, c.logger)
		c.pipes = nil
	}
	_ = c.machine.Fire(ctx, fsm.EventClosed)
	c.deps.Metrics.sessionStopped()
	c.ttsState = ""
	c.setEmotion(neutralEmotion)
	c.logger.Info("session closed",
		zap.String("session_id", s.ID),
		zap.String("reason", reason),
	)
	if c.callbacks.OnSessionClosed != nil {
		c.callbacks.OnSessionClosed(s.ID, reason)
	}
}

func (c *Controller) setListening(open bool) {
	if !c.gate.set(open) {
		return
	}
	c.logger.Info("listening changed", zap.Bool("listening", open))
	if c.callbacks.OnListening != nil {
		c.callbacks.OnListening(open)
	}
}

func (c *Controller) publishLocked(ctx context.Context, msg protocol.Message) error {
	payload, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return c.deps.Publisher.Publish(ctx, payload)
}

func (c *Controller) reportError(err error) {
	c.logger.Warn("session error", zap.Error(err))
	if c.callbacks.OnError != nil {
		c.callbacks.OnError(err)
	}
}
