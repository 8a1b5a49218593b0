package file

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// JSONL appends one JSON document per line to a file. Safe for concurrent use.
type JSONL struct {
	path string
	mu   sync.Mutex
	f    *os.File
}

// OpenJSONL creates or opens path for appending. Missing parent directories
// are created.
func OpenJSONL(path string) (*JSONL, error) {
	if path == "" {
		return nil, fmt.Errorf("jsonl: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &JSONL{path: path, f: f}, nil
}

// Path returns the file being written.
func (w *JSONL) Path() string { return w.path }

// Append writes v as a single line.
func (w *JSONL) Append(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return os.ErrClosed
	}
	_, err = w.f.Write(data)
	return err
}

// Close closes the underlying file. Further appends fail with os.ErrClosed.
func (w *JSONL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

// ReadJSONL calls fn with every non-empty line of path. A missing file is
// treated as empty.
func ReadJSONL(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	return sc.Err()
}
