// Package wal is an append-only JSON-lines journal. Every record is synced to
// disk before Append returns, and Replay hands records back in write order.
package wal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

const fileName = "ledger.wal"

// maxRecordSize bounds a single journal line on replay.
const maxRecordSize = 4 * 1024 * 1024

// file is what the journal writes through.
type file interface {
	io.Writer
	Sync() error
	Truncate(size int64) error
	Close() error
}

type WAL struct {
	mu   sync.Mutex
	file file
	size int64
	path string
}

// Open opens (creating if needed) the journal under dir.
func Open(dir string) (*WAL, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create WAL directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, fileName)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open WAL file %s: %w", path, err)
	}
	size, err := repair(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("repair WAL file %s: %w", path, err)
	}
	return &WAL{file: f, size: size, path: path}, nil
}

// repair cuts a torn final record left by a crash mid-write and returns the
// resulting length.
func repair(f *os.File) (int64, error) {
	data, err := io.ReadAll(f)
	if err != nil {
		return 0, err
	}
	end := bytes.LastIndexByte(data, '\n') + 1
	if end == len(data) {
		return int64(end), nil
	}
	if err := f.Truncate(int64(end)); err != nil {
		return 0, err
	}
	return int64(end), nil
}

// Append encodes v as one line and syncs it.
func (w *WAL) Append(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode WAL record: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	n, err := w.file.Write(append(data, '\n'))
	if err != nil {
		return w.discard(fmt.Errorf("write WAL record: %w", err))
	}
	if err := w.file.Sync(); err != nil {
		// an unsynced record was never acknowledged and must not replay
		return w.discard(fmt.Errorf("sync WAL: %w", err))
	}
	w.size += int64(n)
	return nil
}

// discard cuts the journal back to the last acknowledged record.
func (w *WAL) discard(cause error) error {
	if err := w.file.Truncate(w.size); err != nil {
		return fmt.Errorf("%w (truncate: %v)", cause, err)
	}
	return cause
}

// Replay calls fn with every record in write order.
func (w *WAL) Replay(fn func(raw json.RawMessage) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	f, err := os.Open(w.path)
	if err != nil {
		return fmt.Errorf("open WAL for replay: %w", err)
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 64*1024)
	for {
		line, err := r.ReadBytes('\n')
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read WAL: %w", err)
		}
		if len(line) > maxRecordSize {
			return fmt.Errorf("WAL record exceeds %d bytes", maxRecordSize)
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if err := fn(json.RawMessage(line)); err != nil {
			return err
		}
	}
}

// Size is the journal length in bytes.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close WAL file: %w", err)
	}
	return nil
}
