package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// Sink persists audit records. Implementations must tolerate concurrent
// writers or serialize internally; the logger calls Write from one goroutine
// in buffered mode and from request goroutines in strict mode.
type Sink interface {
	Write(Record) error
	Close() error
}

// FileSink appends one JSON record per line to a file.
type FileSink struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// NewFileSink opens (or creates) the audit file in append-only mode.
func NewFileSink(path string) (*FileSink, error) {
	// #nosec G304 -- audit path is operator-provided.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit file %s: %w", path, err)
	}
	return &FileSink{file: f, enc: json.NewEncoder(f)}, nil
}

func (s *FileSink) Write(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(rec); err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	return nil
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// MultiSink fans a record out to several sinks; the first error wins but all
// sinks are attempted.
type MultiSink []Sink

func (m MultiSink) Write(rec Record) error {
	var firstErr error
	for _, s := range m {
		if err := s.Write(rec); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m MultiSink) Close() error {
	var firstErr error
	for _, s := range m {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
