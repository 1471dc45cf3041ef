package xiaozhi

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/saker-ai/xiaozhi-voice/internal/aesctr"
	"github.com/saker-ai/xiaozhi-voice/internal/device"
	"github.com/saker-ai/xiaozhi-voice/internal/protocol"
	"github.com/saker-ai/xiaozhi-voice/internal/session/fsm"
	"github.com/stretchr/testify/require"
)

const (
	testKeyHex   = "000102030405060708090a0b0c0d0e0f"
	testNonceHex = "01000000aabbccdd0000000000000000"
)

var testParams = AudioParams{Format: "opus", SampleRate: 16000, Channels: 1, FrameDuration: 20}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []protocol.Message
}

func (p *recordingPublisher) Publish(_ context.Context, payload []byte) error {
	msg, err := protocol.Decode(payload)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.msgs = append(p.msgs, msg)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) kinds() []protocol.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]protocol.Type, 0, len(p.msgs))
	for _, m := range p.msgs {
		out = append(out, m.Kind())
	}
	return out
}

func (p *recordingPublisher) last() protocol.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.msgs) == 0 {
		return nil
	}
	return p.msgs[len(p.msgs)-1]
}

// fakeBackend paces capture at the frame rate and records playback.
type fakeBackend struct {
	captures  atomic.Int32
	playbacks atomic.Int32

	mu      sync.Mutex
	written [][]byte
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) OpenCapture(f device.Format) (device.Capture, error) {
	b.captures.Add(1)
	interval := time.Duration(f.FrameSamples) * time.Second / time.Duration(f.SampleRate)
	return &fakeCapture{interval: interval, done: make(chan struct{})}, nil
}

func (b *fakeBackend) OpenPlayback(device.Format) (device.Playback, error) {
	b.playbacks.Add(1)
	return &fakePlayback{b: b}, nil
}

func (b *fakeBackend) writes() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.written...)
}

type fakeCapture struct {
	interval time.Duration
	done     chan struct{}
	once     sync.Once
}

func (c *fakeCapture) Read(p []byte) (int, error) {
	select {
	case <-c.done:
		return 0, net.ErrClosed
	case <-time.After(c.interval):
	}
	for i := range p {
		p[i] = 0x11
	}
	return len(p), nil
}

func (c *fakeCapture) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

type fakePlayback struct{ b *fakeBackend }

func (p *fakePlayback) Write(data []byte) (int, error) {
	p.b.mu.Lock()
	p.b.written = append(p.b.written, append([]byte(nil), data...))
	p.b.mu.Unlock()
	return len(data), nil
}

func (p *fakePlayback) Close() error { return nil }

// passCodec leaves frames untouched.
type passCodec struct{}

func (passCodec) NewEncoder(AudioParams) (FrameEncoder, error) { return passFrame{}, nil }
func (passCodec) NewDecoder(AudioParams) (FrameDecoder, error) { return passFrame{}, nil }

type passFrame struct{}

func (passFrame) Encode(pcm []byte) ([]byte, error)    { return append([]byte(nil), pcm...), nil }
func (passFrame) Decode(packet []byte) ([]byte, error) { return append([]byte(nil), packet...), nil }
func (passFrame) Close() error                         { return nil }

// udpServer stands in for the voice server's data plane.
type udpServer struct {
	conn    *net.UDPConn
	mu      sync.Mutex
	packets [][]byte
	peer    *net.UDPAddr
}

func newUDPServer(t *testing.T) *udpServer {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	s := &udpServer{conn: conn}
	t.Cleanup(func() { _ = conn.Close() })
	go func() {
		buf := make([]byte, 4096)
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			s.mu.Lock()
			s.packets = append(s.packets, append([]byte(nil), buf[:n]...))
			s.peer = from
			s.mu.Unlock()
		}
	}()
	return s
}

func (s *udpServer) port() int { return s.conn.LocalAddr().(*net.UDPAddr).Port }

func (s *udpServer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.packets)
}

func (s *udpServer) received() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.packets...)
}

func (s *udpServer) client() *net.UDPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

type countingDialer struct {
	dials atomic.Int32
	conns []*udpAssociation
	mu    sync.Mutex
}

func (d *countingDialer) dial(server string, port int) (PacketConn, error) {
	d.dials.Add(1)
	a, err := dialUDP(server, port)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.conns = append(d.conns, a)
	d.mu.Unlock()
	return a, nil
}

type harness struct {
	ctrl    *Controller
	pub     *recordingPublisher
	backend *fakeBackend
	dialer  *countingDialer
	server  *udpServer
}

func newHarness(t *testing.T, cb Callbacks) *harness {
	t.Helper()
	h := &harness{
		pub:     &recordingPublisher{},
		backend: &fakeBackend{},
		dialer:  &countingDialer{},
		server:  newUDPServer(t),
	}
	ctrl, err := NewController(Config{
		AudioParams: testParams,
		JoinTimeout: time.Second,
	}, Dependencies{
		Publisher: h.pub,
		Backend:   h.backend,
		Codec:     passCodec{},
		Dial:      h.dialer.dial,
	}, cb, nil)
	require.NoError(t, err)
	h.ctrl = ctrl
	t.Cleanup(func() { _ = ctrl.Close(context.Background()) })
	return h
}

func (h *harness) hello(t *testing.T, sessionID string) {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"type":       "hello",
		"transport":  "udp",
		"session_id": sessionID,
		"audio_params": map[string]any{
			"format": "opus", "sample_rate": 16000, "channels": 1, "frame_duration": 20,
		},
		"udp": map[string]any{
			"server": "127.0.0.1",
			"port":   h.server.port(),
			"key":    testKeyHex,
			"nonce":  testNonceHex,
		},
	})
	require.NoError(t, err)
	require.NoError(t, h.ctrl.HandleMessage(context.Background(), payload))
}

func testCipher(t *testing.T) *aesctr.Cipher {
	t.Helper()
	key, err := hex.DecodeString(testKeyHex)
	require.NoError(t, err)
	c, err := aesctr.NewCipher(key)
	require.NoError(t, err)
	return c
}

func TestHelloOpensOneAssociationAndOnePipelinePair(t *testing.T) {
	h := newHarness(t, Callbacks{})
	ctx := context.Background()

	require.NoError(t, h.ctrl.SendHello(ctx))
	require.Equal(t, fsm.StateConnecting, h.ctrl.State())
	hello, ok := h.pub.last().(*protocol.Hello)
	require.True(t, ok)
	require.Equal(t, "udp", hello.Transport)
	require.Equal(t, 20, hello.AudioParams.FrameDuration)

	h.hello(t, "s1")
	require.Equal(t, fsm.StateStreaming, h.ctrl.State())
	require.Equal(t, int32(1), h.dialer.dials.Load())
	require.Equal(t, int32(1), h.backend.captures.Load())
	require.Equal(t, int32(1), h.backend.playbacks.Load())

	st := h.ctrl.Status()
	require.Equal(t, "s1", st.SessionID)
	require.Equal(t, fmt.Sprintf("127.0.0.1:%d", h.server.port()), st.UDPServer)
}

func TestDuplicateHelloIsIgnored(t *testing.T) {
	h := newHarness(t, Callbacks{})
	h.hello(t, "s1")
	first := h.ctrl.Session()
	h.hello(t, "s1")

	require.Same(t, first, h.ctrl.Session())
	require.Equal(t, int32(1), h.dialer.dials.Load())
	require.Equal(t, int32(1), h.backend.captures.Load())
}

func TestHelloWithNewIDRestartsPipelines(t *testing.T) {
	var mu sync.Mutex
	var closed []string
	h := newHarness(t, Callbacks{OnSessionClosed: func(id, _ string) {
		mu.Lock()
		closed = append(closed, id)
		mu.Unlock()
	}})
	h.hello(t, "s1")
	first := h.ctrl.Session()
	h.hello(t, "s2")
	second := h.ctrl.Session()

	require.Equal(t, "s2", second.ID)
	require.Greater(t, second.Epoch, first.Epoch)
	require.Equal(t, int32(2), h.dialer.dials.Load())
	require.Equal(t, fsm.StateStreaming, h.ctrl.State())
	mu.Lock()
	require.Equal(t, []string{"s1"}, closed)
	mu.Unlock()
	require.ErrorIs(t, h.dialer.conns[0].Send([]byte{1}), net.ErrClosed)
}

func TestGoodbyeForAnotherSessionIsIgnored(t *testing.T) {
	h := newHarness(t, Callbacks{})
	h.hello(t, "s1")

	require.NoError(t, h.ctrl.HandleMessage(context.Background(), []byte(`{"type":"goodbye","session_id":"other"}`)))
	require.Equal(t, fsm.StateStreaming, h.ctrl.State())
	require.NotNil(t, h.ctrl.Session())

	require.NoError(t, h.ctrl.HandleMessage(context.Background(), []byte(`{"type":"goodbye","session_id":"s1"}`)))
	require.Equal(t, fsm.StateIdle, h.ctrl.State())
	require.Nil(t, h.ctrl.Session())
}

func TestGoodbyeWithoutSessionIDIsIgnored(t *testing.T) {
	h := newHarness(t, Callbacks{})
	h.hello(t, "s1")

	require.NoError(t, h.ctrl.HandleMessage(context.Background(), []byte(`{"type":"goodbye"}`)))
	require.Equal(t, fsm.StateStreaming, h.ctrl.State())
	require.Equal(t, "s1", h.ctrl.Session().ID)
	require.NoError(t, h.dialer.conns[0].Send([]byte{1}))
}

func TestInvalidHelloKeepsCurrentSession(t *testing.T) {
	var errs atomic.Int32
	h := newHarness(t, Callbacks{OnError: func(error) { errs.Add(1) }})
	ctx := context.Background()
	h.hello(t, "s1")
	first := h.ctrl.Session()

	for _, payload := range []string{
		`{"type":"hello","transport":"udp","session_id":"s2"}`,
		`{"type":"hello","transport":"udp","udp":{"server":"127.0.0.1","port":1,"key":"` + testKeyHex + `","nonce":"` + testNonceHex + `"}}`,
		`{"type":"hello","transport":"udp","session_id":"s3","udp":{"server":"127.0.0.1","port":1,"key":"zz","nonce":"` + testNonceHex + `"}}`,
	} {
		require.Error(t, h.ctrl.HandleMessage(ctx, []byte(payload)), payload)
		require.Equal(t, fsm.StateStreaming, h.ctrl.State(), payload)
		require.Same(t, first, h.ctrl.Session(), payload)
	}
	require.Equal(t, int32(1), h.dialer.dials.Load())
	require.Zero(t, errs.Load())
	require.NoError(t, h.dialer.conns[0].Send([]byte{1}))
}

func TestStereoHelloIsRejected(t *testing.T) {
	h := newHarness(t, Callbacks{})
	require.NoError(t, h.ctrl.SendHello(context.Background()))

	payload, err := json.Marshal(map[string]any{
		"type":       "hello",
		"transport":  "udp",
		"session_id": "s1",
		"audio_params": map[string]any{
			"format": "opus", "sample_rate": 16000, "channels": 2, "frame_duration": 20,
		},
		"udp": map[string]any{
			"server": "127.0.0.1",
			"port":   h.server.port(),
			"key":    testKeyHex,
			"nonce":  testNonceHex,
		},
	})
	require.NoError(t, err)
	require.ErrorIs(t, h.ctrl.HandleMessage(context.Background(), payload), protocol.ErrMalformed)
	require.Equal(t, fsm.StateIdle, h.ctrl.State())
	require.Nil(t, h.ctrl.Session())
	require.Zero(t, h.dialer.dials.Load())
}

func TestUplinkSendsOnlyWhileListening(t *testing.T) {
	h := newHarness(t, Callbacks{})
	ctx := context.Background()
	h.hello(t, "s1")

	time.Sleep(100 * time.Millisecond)
	require.Zero(t, h.server.count(), "no audio before listen start")

	require.NoError(t, h.ctrl.StartListening(ctx))
	listen, ok := h.pub.last().(*protocol.Listen)
	require.True(t, ok)
	require.Equal(t, protocol.ListenStart, listen.State)
	require.Equal(t, "s1", listen.SessionID)

	require.Eventually(t, func() bool { return h.server.count() >= 3 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.ctrl.StopListening(ctx))
	// One frame may already be past the gate check.
	time.Sleep(2 * testParams.FrameInterval())
	settled := h.server.count()
	time.Sleep(150 * time.Millisecond)
	require.Equal(t, settled, h.server.count())
	require.NoError(t, h.dialer.conns[0].Send([]byte{1}), "association stays open after listen stop")

	c := testCipher(t)
	packets := h.server.received()
	for i, packet := range packets {
		require.Len(t, packet, aesctr.NonceSize+testParams.FrameBytes())
		seq := binary.BigEndian.Uint32(packet[12:16])
		require.Equal(t, uint32(i+1), seq)
		length := binary.BigEndian.Uint16(packet[2:4])
		require.Equal(t, uint16(testParams.FrameBytes()), length)
		payload, err := c.Open(packet)
		require.NoError(t, err)
		require.Equal(t, bytes.Repeat([]byte{0x11}, testParams.FrameBytes()), payload)
	}
}

func TestStartListeningWithoutSessionSendsHelloFirst(t *testing.T) {
	h := newHarness(t, Callbacks{})
	ctx := context.Background()

	require.NoError(t, h.ctrl.StartListening(ctx))
	require.Equal(t, []protocol.Type{protocol.TypeHello}, h.pub.kinds())
	require.False(t, h.ctrl.Status().Listening)

	h.hello(t, "s1")
	require.Equal(t, []protocol.Type{protocol.TypeHello, protocol.TypeListen}, h.pub.kinds())
	require.True(t, h.ctrl.Status().Listening)
}

func TestStartListeningDuringSpeechAborts(t *testing.T) {
	h := newHarness(t, Callbacks{})
	ctx := context.Background()
	h.hello(t, "s1")
	require.NoError(t, h.ctrl.HandleMessage(ctx, []byte(`{"type":"tts","state":"sentence_start","text":"hi","session_id":"s1"}`)))

	require.NoError(t, h.ctrl.StartListening(ctx))
	_, ok := h.pub.last().(*protocol.Abort)
	require.True(t, ok)
	require.False(t, h.ctrl.Status().Listening)
}

func TestPlaybackIsSilentWithoutPackets(t *testing.T) {
	h := newHarness(t, Callbacks{})
	h.hello(t, "s1")

	time.Sleep(500 * time.Millisecond)
	writes := h.backend.writes()
	require.NotEmpty(t, writes)
	silence := make([]byte, testParams.FrameBytes())
	for _, w := range writes {
		require.Equal(t, silence, w)
	}
}

func TestDownlinkPacketIsPlayed(t *testing.T) {
	h := newHarness(t, Callbacks{})
	ctx := context.Background()
	h.hello(t, "s1")

	// The server learns the client address from the first uplink packet.
	require.NoError(t, h.ctrl.StartListening(ctx))
	require.Eventually(t, func() bool { return h.server.client() != nil }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, h.ctrl.StopListening(ctx))

	frame := bytes.Repeat([]byte{0x22}, testParams.FrameBytes())
	nonce, err := aesctr.ParseNonce(testNonceHex)
	require.NoError(t, err)
	packet := testCipher(t).Seal(nonce, 1, frame)
	_, err = h.server.conn.WriteToUDP(packet, h.server.client())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, w := range h.backend.writes() {
			if bytes.Equal(w, frame) {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestShortDownlinkPacketIsDropped(t *testing.T) {
	h := newHarness(t, Callbacks{})
	h.hello(t, "s1")
	h.ctrl.mu.Lock()
	down := h.ctrl.pipes.down
	h.ctrl.mu.Unlock()

	down.handlePacket(make([]byte, aesctr.NonceSize-1))
	require.Zero(t, down.jitter.Len())
	require.Equal(t, fsm.StateStreaming, h.ctrl.State())
}

type failingPlaybackBackend struct{ fakeBackend }

func (b *failingPlaybackBackend) OpenPlayback(device.Format) (device.Playback, error) {
	b.playbacks.Add(1)
	return failingPlayback{}, nil
}

type failingPlayback struct{}

func (failingPlayback) Write([]byte) (int, error) { return 0, errors.New("device unplugged") }
func (failingPlayback) Close() error              { return nil }

func TestPlaybackWriteFailureIsCountedAsPlaybackDrop(t *testing.T) {
	server := newUDPServer(t)
	metrics := NewMetrics(prometheus.NewRegistry())
	dialer := &countingDialer{}
	ctrl, err := NewController(Config{AudioParams: testParams, JoinTimeout: time.Second},
		Dependencies{
			Publisher: &recordingPublisher{},
			Backend:   &failingPlaybackBackend{},
			Codec:     passCodec{},
			Dial:      dialer.dial,
			Metrics:   metrics,
		}, Callbacks{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctrl.Close(context.Background()) })

	h := &harness{ctrl: ctrl, server: server}
	h.hello(t, "s1")

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.dropped.WithLabelValues(dropPlayback)) > 0
	}, 2*time.Second, 10*time.Millisecond)
	require.Zero(t, testutil.ToFloat64(metrics.dropped.WithLabelValues(dropDecode)))
	require.Equal(t, fsm.StateStreaming, ctrl.State())
}

// blockingPublisher holds every publish until its context ends.
type blockingPublisher struct{}

func (blockingPublisher) Publish(ctx context.Context, _ []byte) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestDeliverBoundsPublishes(t *testing.T) {
	ctrl, err := NewController(Config{AudioParams: testParams, PublishTimeout: 50 * time.Millisecond},
		Dependencies{Publisher: blockingPublisher{}, Backend: &fakeBackend{}, Codec: passCodec{}},
		Callbacks{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctrl.Close(context.Background()) })

	done := make(chan struct{})
	go func() {
		ctrl.Deliver([]byte(`{"type":"listen","state":"start","mode":"auto"}`))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("deliver blocked on publish")
	}
	require.Equal(t, fsm.StateIdle, ctrl.State())
}

func TestHelloTimeoutResetsToIdle(t *testing.T) {
	errs := make(chan error, 1)
	pub := &recordingPublisher{}
	ctrl, err := NewController(Config{AudioParams: testParams, HelloTimeout: 50 * time.Millisecond},
		Dependencies{Publisher: pub, Backend: &fakeBackend{}, Codec: passCodec{}},
		Callbacks{OnError: func(err error) { errs <- err }}, nil)
	require.NoError(t, err)

	require.NoError(t, ctrl.SendHello(context.Background()))
	select {
	case err := <-errs:
		require.ErrorIs(t, err, ErrHelloTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("hello timeout not reported")
	}
	require.Equal(t, fsm.StateIdle, ctrl.State())
}

func TestGoodbyeTearsDownAndRejectsAfterClose(t *testing.T) {
	h := newHarness(t, Callbacks{})
	ctx := context.Background()
	h.hello(t, "s1")

	require.NoError(t, h.ctrl.Goodbye(ctx))
	require.Equal(t, fsm.StateIdle, h.ctrl.State())
	bye, ok := h.pub.last().(*protocol.Goodbye)
	require.True(t, ok)
	require.Equal(t, "s1", bye.SessionID)
	require.ErrorIs(t, h.ctrl.Abort(ctx), ErrNoSession)

	require.NoError(t, h.ctrl.Close(ctx))
	require.ErrorIs(t, h.ctrl.SendHello(ctx), ErrClosed)
}

func TestEmotionFollowsLLMAndResetsOnSentenceEnd(t *testing.T) {
	h := newHarness(t, Callbacks{})
	ctx := context.Background()
	h.hello(t, "s1")

	require.NoError(t, h.ctrl.HandleMessage(ctx, []byte(`{"type":"llm","emotion":"happy","session_id":"s1"}`)))
	require.Equal(t, "happy", h.ctrl.Status().Emotion)
	require.NoError(t, h.ctrl.HandleMessage(ctx, []byte(`{"type":"tts","state":"sentence_end","session_id":"s1"}`)))
	require.Equal(t, neutralEmotion, h.ctrl.Status().Emotion)
}

func TestUnknownMessageTypeIsDropped(t *testing.T) {
	h := newHarness(t, Callbacks{})
	require.NoError(t, h.ctrl.HandleMessage(context.Background(), []byte(`{"type":"iot","commands":[]}`)))
	require.Error(t, h.ctrl.HandleMessage(context.Background(), []byte(`not json`)))
}

func TestInboundListenDrivesUplink(t *testing.T) {
	h := newHarness(t, Callbacks{})
	ctx := context.Background()
	h.hello(t, "s1")

	require.NoError(t, h.ctrl.HandleMessage(ctx, []byte(`{"type":"listen","state":"start","session_id":"s1"}`)))
	require.Eventually(t, func() bool { return h.server.count() >= 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.ctrl.HandleMessage(ctx, []byte(`{"type":"listen","state":"stop","session_id":"s1"}`)))
	time.Sleep(2 * testParams.FrameInterval())
	settled := h.server.count()
	time.Sleep(150 * time.Millisecond)
	require.Equal(t, settled, h.server.count())

	// The association stays open.
	require.NoError(t, h.dialer.conns[0].Send([]byte{1}))
	require.NotNil(t, h.ctrl.Session())
	require.Equal(t, int32(1), h.dialer.dials.Load())
	require.Equal(t, []protocol.Type{}, filterKinds(h.pub.kinds(), protocol.TypeListen))
}

func TestInboundListenWithoutSessionSendsHello(t *testing.T) {
	h := newHarness(t, Callbacks{})
	require.NoError(t, h.ctrl.HandleMessage(context.Background(), []byte(`{"type":"listen","state":"start"}`)))
	require.Equal(t, []protocol.Type{protocol.TypeHello}, h.pub.kinds())

	h.hello(t, "s1")
	require.True(t, h.ctrl.Status().Listening)
}

func filterKinds(kinds []protocol.Type, want protocol.Type) []protocol.Type {
	out := []protocol.Type{}
	for _, k := range kinds {
		if k == want {
			out = append(out, k)
		}
	}
	return out
}
