package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

type NopWAL struct{}

func NewNopWAL() *NopWAL                  { return &NopWAL{} }
func (w *NopWAL) Append(string, any) error { return nil }
func (w *NopWAL) Close() error             { return nil }

// FileWAL appends one JSON object per line: {"ts", "event", "data"}.
// It is a downstream copy of committed state, never read back by the engine.
type FileWAL struct {
	mu sync.Mutex
	f  *os.File
}

func NewFileWAL(path string) (*FileWAL, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileWAL{f: f}, nil
}

func (w *FileWAL) Append(event string, data any) error {
	line, err := json.Marshal(struct {
		Timestamp string `json:"ts"`
		Event     string `json:"event"`
		Data      any    `json:"data"`
	}{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Event:     event,
		Data:      data,
	})
	if err != nil {
		return fmt.Errorf("marshal wal entry: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	line = append(line, '\n')
	_, err = w.f.Write(line)
	return err
}

func (w *FileWAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}
