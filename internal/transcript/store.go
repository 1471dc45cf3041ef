// Package transcript keeps a JSON record of what was said in each session.
package transcript

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Roles recorded in a transcript.
const (
	RoleMetadata  = "metadata"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var (
	// ErrInvalidID reports a transcript id outside the safe name set.
	ErrInvalidID = errors.New("transcript: invalid id")
	// ErrNotFound reports a transcript that does not exist.
	ErrNotFound = errors.New("transcript: not found")
)

// Entry represents one line of a transcript.
type Entry struct {
	Role      string `json:"role"`
	Text      string `json:"text,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Info represents a transcript summary.
type Info struct {
	ID          string `json:"id"`
	LatestEntry Entry  `json:"latest_entry"`
	Timestamp   string `json:"timestamp"`
}

var (
	safeNamePattern = regexp.MustCompile(`^[A-Za-z0-9_\-\.]+$`)
	unsafeChars     = regexp.MustCompile(`[^A-Za-z0-9_\-\.]+`)
)

// Store writes transcripts as one JSON array per file under dir.
type Store struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

// NewStore creates dir when missing.
func NewStore(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("transcript dir is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create transcript dir: %w", err)
	}
	return &Store{dir: dir, now: time.Now}, nil
}

// Create starts a transcript for sessionID and returns its id.
func (s *Store) Create(sessionID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	name := strings.Trim(unsafeChars.ReplaceAllString(sessionID, "-"), "-.")
	if name == "" {
		name = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	id := now.Format("2006-01-02_15-04-05") + "_" + name
	path := filepath.Join(s.dir, id+".json")
	if _, err := os.Stat(path); err == nil {
		id += "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
		path = filepath.Join(s.dir, id+".json")
	}
	meta := []Entry{{Role: RoleMetadata, SessionID: sessionID, Timestamp: now.Format(time.RFC3339)}}
	if err := writeEntries(path, meta); err != nil {
		return "", err
	}
	return id, nil
}

// Append adds one entry to transcript id.
func (s *Store) Append(id string, role string, text string) error {
	path, err := s.path(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := readEntries(path)
	if err != nil {
		return err
	}
	entries = append(entries, Entry{Role: role, Text: text, Timestamp: s.now().Format(time.RFC3339Nano)})
	return writeEntries(path, entries)
}

// Read returns the spoken entries of transcript id.
func (s *Store) Read(id string) ([]Entry, error) {
	path, err := s.path(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	entries, err := readEntries(path)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	filtered := []Entry{}
	for _, e := range entries {
		if e.Role == RoleMetadata {
			continue
		}
		filtered = append(filtered, e)
	}
	return filtered, nil
}

// Delete removes transcript id.
func (s *Store) Delete(id string) error {
	path, err := s.path(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// List returns transcripts with at least one spoken entry, newest first.
func (s *Store) List() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := []Info{}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return list
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		items, err := readEntries(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			continue
		}
		var latest *Entry
		for i := len(items) - 1; i >= 0; i-- {
			if items[i].Role == RoleMetadata {
				continue
			}
			item := items[i]
			latest = &item
			break
		}
		if latest == nil {
			continue
		}
		list = append(list, Info{
			ID:          strings.TrimSuffix(entry.Name(), ".json"),
			LatestEntry: *latest,
			Timestamp:   latest.Timestamp,
		})
	}

	sort.Slice(list, func(i, j int) bool {
		return list[i].Timestamp > list[j].Timestamp
	})
	return list
}

func (s *Store) path(id string) (string, error) {
	if !safeNamePattern.MatchString(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return filepath.Join(s.dir, id+".json"), nil
}

func readEntries(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func writeEntries(path string, entries []Entry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
