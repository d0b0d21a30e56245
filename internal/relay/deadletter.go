package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"scan-orchestrator/internal/entity"
)

// DeadLetter is a callback that could not be delivered.
type DeadLetter struct {
	JobID    string          `json:"id"`
	Kind     string          `json:"kind"` // "state" or "result"
	State    entity.JobState `json:"state"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error"`
	Attempts int             `json:"attempts"`
	At       time.Time       `json:"at"`
}

type DeadLetterSink interface {
	Write(ctx context.Context, dl DeadLetter) error
}

// FileSink appends dead letters as JSON lines to dead-letter-YYYY-MM-DD.jsonl
// inside one directory.
type FileSink struct {
	mu   sync.Mutex
	root *os.Root
}

func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating dead-letter dir: %w", err)
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, err
	}
	return &FileSink{root: root}, nil
}

func (s *FileSink) Write(_ context.Context, dl DeadLetter) error {
	line, err := json.Marshal(dl)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.root == nil {
		return errors.New("dead-letter sink already closed")
	}

	name := "dead-letter-" + dl.At.UTC().Format("2006-01-02") + ".jsonl"
	f, err := s.root.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening dead-letter file: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing dead letter: %w", err)
	}
	return f.Close()
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.root == nil {
		return nil
	}
	err := s.root.Close()
	s.root = nil
	return err
}
