// Package audit provides an append-only JSONL event log with
// date-based file rotation. Every policy-relevant proxy action (keys
// shown or hidden, signs allowed or denied, monitor teardowns) becomes
// one line, so a socket's history can be replayed with standard tools.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tkingovr/sockguard/api"
)

// Log writes events to date-named JSONL files under one directory.
// Writers from any goroutine are safe.
type Log struct {
	mu          sync.Mutex
	dir         string
	currentDate string
	file        *os.File
	writer      *bufio.Writer
}

// Open creates (if needed) the log directory and returns a Log
// appending to <dir>/<YYYY-MM-DD>.jsonl.
func Open(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating audit log directory: %w", err)
	}
	return &Log{dir: dir}, nil
}

// Write appends one event. A zero timestamp is filled in.
func (l *Log) Write(ev api.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	dateStr := ev.Timestamp.Format("2006-01-02")
	if dateStr != l.currentDate {
		if err := l.rotate(dateStr); err != nil {
			return err
		}
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling audit event: %w", err)
	}
	if _, err := l.writer.Write(data); err != nil {
		return err
	}
	if err := l.writer.WriteByte('\n'); err != nil {
		return err
	}
	return l.writer.Flush()
}

// Close flushes and closes the current file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writer != nil {
		if err := l.writer.Flush(); err != nil {
			return err
		}
	}
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

func (l *Log) rotate(dateStr string) error {
	if l.writer != nil {
		if err := l.writer.Flush(); err != nil {
			return err
		}
	}
	if l.file != nil {
		if err := l.file.Close(); err != nil {
			return err
		}
	}

	path := filepath.Join(l.dir, dateStr+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("opening audit log file: %w", err)
	}

	l.file = f
	l.writer = bufio.NewWriter(f)
	l.currentDate = dateStr
	return nil
}
