// ============================================================================
// forgec buildlog - append-only compiler event log
// ============================================================================
//
// Package: internal/buildlog
// File: buildlog.go
// Purpose: Records every compiler spawn/success/failure of every run as one
//          JSON line with a CRC32 checksum, so past builds can be replayed by
//          `forgec status` or external tooling.
//
// Format:
//   {"seq":1,"type":"SPAWN","run":"…","compiler":"Solc","version":"0.8.19",
//    "files":["src/A.sol"],"timestamp":1712345678901,"checksum":123456}
//
// Durability:
//   Events are buffered and flushed when the buffer is full, the flush
//   interval elapsed, a caller forces it, or the log is closed. A flush
//   always ends with fsync.
//
// ============================================================================

package buildlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ============================================================================
// Error definitions
// ============================================================================

var (
	// ErrCorruptedLog means a line could not be decoded.
	ErrCorruptedLog = errors.New("buildlog: file is corrupted")
	// ErrChecksumMismatch means an event does not match its checksum.
	ErrChecksumMismatch = errors.New("buildlog: checksum mismatch")
	// ErrClosed means the log was already closed.
	ErrClosed = errors.New("buildlog: already closed")
)

// ChecksumError carries the sequence number of the event that failed verification.
type ChecksumError struct {
	Seq      uint64
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("buildlog: checksum mismatch at seq=%d (expected=%#08x, got=%#08x)", e.Seq, e.Expected, e.Actual)
}

func (e *ChecksumError) Unwrap() error { return ErrChecksumMismatch }

// ============================================================================
// Events
// ============================================================================

// EventType is the kind of a logged event.
type EventType string

const (
	EventSpawn   EventType = "SPAWN"   // compiler invocation started
	EventSuccess EventType = "SUCCESS" // compiler returned output
	EventFailure EventType = "FAILURE" // compiler could not be run
)

// Event is one log record.
type Event struct {
	Seq       uint64    `json:"seq"`
	Type      EventType `json:"type"`
	RunID     string    `json:"run,omitempty"`
	Compiler  string    `json:"compiler"`
	Version   string    `json:"version"`
	Files     []string  `json:"files,omitempty"`
	ElapsedMs int64     `json:"elapsed_ms,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp int64     `json:"timestamp"`
	Checksum  uint32    `json:"checksum"`
}

// Handler receives replayed events. Returning an error stops the replay.
type Handler func(event Event) error

// Checksum computes the CRC32 of every field except Timestamp and Checksum.
func Checksum(e Event) uint32 {
	data := fmt.Sprintf("%d|%s|%s|%s|%s|%s|%d|%s",
		e.Seq, e.Type, e.RunID, e.Compiler, e.Version, strings.Join(e.Files, ","), e.ElapsedMs, e.Error)
	return crc32.ChecksumIEEE([]byte(data))
}

// ============================================================================
// Log
// ============================================================================

// Log is an append-only build event log. It is safe for concurrent use.
type Log struct {
	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
	path    string
	seq     uint64
	closed  bool

	buffer        []Event
	bufferSize    int
	lastFlushTime time.Time
	flushInterval time.Duration
}

// Open creates or opens the log at path and continues its sequence numbering.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	var seq uint64
	if last, err := lastEvent(path); err == nil && last != nil {
		seq = last.Seq
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	return &Log{
		file:          file,
		encoder:       json.NewEncoder(file),
		path:          path,
		seq:           seq,
		buffer:        make([]Event, 0, 64),
		bufferSize:    64,
		lastFlushTime: time.Now(),
		flushInterval: time.Second,
	}, nil
}

// Append assigns the next sequence number, stamps and checksums the event and buffers it.
func (l *Log) Append(event Event, forceFlush bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}

	l.seq++
	event.Seq = l.seq
	event.Timestamp = time.Now().UnixMilli()
	event.Checksum = Checksum(event)
	l.buffer = append(l.buffer, event)

	if forceFlush || len(l.buffer) >= l.bufferSize || time.Since(l.lastFlushTime) > l.flushInterval {
		return l.flushLocked()
	}
	return nil
}

// Flush writes buffered events and syncs the file.
func (l *Log) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	return l.flushLocked()
}

// Replay decodes every event from the start of the file, verifying checksums.
func (l *Log) Replay(handler Handler) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.closed {
		if err := l.flushLocked(); err != nil {
			return err
		}
	}
	return ReplayFile(l.path, handler)
}

// LastSeq returns the sequence number of the last appended event.
func (l *Log) LastSeq() uint64 {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Rotate moves the current file aside with a timestamp suffix and starts a new one.
func (l *Log) Rotate() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return "", ErrClosed
	}
	if err := l.flushLocked(); err != nil {
		return "", err
	}
	if err := l.file.Close(); err != nil {
		return "", err
	}

	backup := l.path + "." + time.Now().Format("20060102_150405.000000000")
	if err := os.Rename(l.path, backup); err != nil {
		return "", err
	}

	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return "", err
	}
	l.file = file
	l.encoder = json.NewEncoder(file)
	l.seq = 0
	l.lastFlushTime = time.Now()
	return backup, nil
}

// Close flushes and closes the file. A closed log must not be reused.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	err := l.flushLocked()
	l.closed = true
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// flushLocked assumes l.mu is held.
func (l *Log) flushLocked() error {
	for _, event := range l.buffer {
		if err := l.encoder.Encode(event); err != nil {
			return err
		}
	}
	l.buffer = l.buffer[:0]
	l.lastFlushTime = time.Now()
	return l.file.Sync()
}

// ============================================================================
// File helpers
// ============================================================================

// ReplayFile replays a log file without opening it for writing.
func ReplayFile(path string, handler Handler) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	for {
		var event Event
		if err := decoder.Decode(&event); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("%w: %v", ErrCorruptedLog, err)
		}
		if want := Checksum(event); want != event.Checksum {
			return &ChecksumError{Seq: event.Seq, Expected: want, Actual: event.Checksum}
		}
		if err := handler(event); err != nil {
			return err
		}
	}
}

// Count returns the number of valid events in a log file.
func Count(path string) (int, error) {
	n := 0
	err := ReplayFile(path, func(Event) error {
		n++
		return nil
	})
	return n, err
}

func lastEvent(path string) (*Event, error) {
	var last *Event
	err := ReplayFile(path, func(e Event) error {
		ev := e
		last = &ev
		return nil
	})
	if err != nil {
		return nil, err
	}
	return last, nil
}
