package transcript

import (
	"sync"

	"go.uber.org/zap"
)

// Recorder follows session events and writes what was said to a Store.
type Recorder struct {
	store  *Store
	logger *zap.Logger

	mu      sync.Mutex
	current string
}

// NewRecorder returns a recorder writing to store.
func NewRecorder(store *Store, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{store: store, logger: logger}
}

// SessionStarted opens a new transcript.
func (r *Recorder) SessionStarted(sessionID string) {
	id, err := r.store.Create(sessionID)
	if err != nil {
		r.logger.Warn("transcript create failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	r.mu.Lock()
	r.current = id
	r.mu.Unlock()
}

// SessionClosed stops recording.
func (r *Recorder) SessionClosed(string) {
	r.mu.Lock()
	r.current = ""
	r.mu.Unlock()
}

// UserSaid records recognised speech.
func (r *Recorder) UserSaid(text string) {
	r.append(RoleUser, text)
}

// AssistantSaid records one spoken sentence of the reply.
func (r *Recorder) AssistantSaid(text string) {
	r.append(RoleAssistant, text)
}

// Current returns the open transcript id, or "".
func (r *Recorder) Current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

func (r *Recorder) append(role, text string) {
	if text == "" {
		return
	}
	id := r.Current()
	if id == "" {
		return
	}
	if err := r.store.Append(id, role, text); err != nil {
		r.logger.Warn("transcript append failed", zap.String("transcript_id", id), zap.Error(err))
	}
}
