package runtime

import (
	"testing"
	"time"

	"github.com/saker-ai/xiaozhi-voice/internal/transcript"
	"go.uber.org/zap"

	appconfig "github.com/saker-ai/xiaozhi-voice/internal/config"
)

func TestCallbacksRecordSpokenSentences(t *testing.T) {
	store, err := transcript.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore error: %v", err)
	}
	recorder := transcript.NewRecorder(store, nil)
	cb := callbacks(recorder, zap.NewNop())

	cb.OnSessionStarted("s1")
	id := recorder.Current()
	cb.OnASR("turn on the light")
	cb.OnTTS("start", "")
	cb.OnTTS("sentence_start", "done")
	cb.OnTTS("sentence_end", "done")
	cb.OnSessionClosed("s1", "goodbye")

	entries, err := store.Read(id)
	if err != nil {
		t.Fatalf("Read error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries=%d, want 2", len(entries))
	}
	if entries[1].Role != transcript.RoleAssistant || entries[1].Text != "done" {
		t.Fatalf("entries[1]=%+v, want assistant/done", entries[1])
	}
}

func TestSessionConfigFromLoadedConfig(t *testing.T) {
	cfg, err := appconfig.Load("")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	app := &App{cfg: cfg, logger: zap.NewNop()}
	sc := app.sessionConfig()
	if sc.AudioParams.FrameDuration != 60 || sc.CaptureRate != 48000 {
		t.Fatalf("session config=%+v", sc)
	}
	if sc.HelloTimeout != 10*time.Second {
		t.Fatalf("hello timeout=%v, want 10s", sc.HelloTimeout)
	}
	if sc.Opus.FEC == nil || *sc.Opus.FEC {
		t.Fatalf("fec=%v, want explicit false", sc.Opus.FEC)
	}
}
