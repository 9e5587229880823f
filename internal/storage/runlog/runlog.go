// ============================================================================
// viewrefresh Run Log
// ============================================================================
//
// Package: internal/storage/runlog
// Purpose: Append-only JSON-lines history of finished refresh runs. The last
// record is the "last status message" shown by the status command.
//
// Format: one JSON object per line, CRC32 over the summary fields.
// Durability: every Append is followed by fsync. A line without its newline
// is a torn write; Open cuts it off before appending.
// ============================================================================

package runlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/ChuLiYu/viewrefresh/pkg/types"
)

// Log appends run records to a file.
type Log struct {
	mu     sync.Mutex
	file   *os.File
	enc    *json.Encoder
	path   string
	seq    uint64
	closed bool
}

// Open opens or creates the log at path and continues its sequence.
func Open(path string) (*Log, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create runlog dir: %w", err)
		}
	}

	var seq uint64
	end, torn, err := readFile(path, func(rec Record) error {
		seq = rec.Seq
		return nil
	})
	if err != nil {
		return nil, err
	}
	if torn {
		if err := os.Truncate(path, end); err != nil {
			return nil, fmt.Errorf("runlog: cut torn tail at offset %d: %w", end, err)
		}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	return &Log{
		file: file,
		enc:  json.NewEncoder(file),
		path: path,
		seq:  seq,
	}, nil
}

// Append writes report as the next record and syncs it to disk.
func (l *Log) Append(report types.RunReport) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return Record{}, ErrClosed
	}

	rec := recordFrom(l.seq+1, report)
	if err := l.enc.Encode(rec); err != nil {
		return Record{}, fmt.Errorf("runlog: append seq=%d: %w", rec.Seq, err)
	}
	if err := l.file.Sync(); err != nil {
		return Record{}, fmt.Errorf("runlog: sync seq=%d: %w", rec.Seq, err)
	}
	l.seq = rec.Seq
	return rec, nil
}

// Replay calls fn for every record in order.
func (l *Log) Replay(fn Handler) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return ReplayFile(l.path, fn)
}

// LastSeq returns the sequence number of the newest record.
func (l *Log) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Path returns the log path.
func (l *Log) Path() string {
	return l.path
}

// Close closes the file. It is safe to call twice.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}

// ReplayFile reads the log at path without opening it for writing. A missing
// file replays nothing, and a torn final line is ignored.
func ReplayFile(path string, fn Handler) error {
	_, _, err := readFile(path, fn)
	return err
}

// readFile replays path and returns the offset just past the last complete
// record. torn reports trailing bytes without a newline.
func readFile(path string, fn Handler) (end int64, torn bool, err error) {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	defer file.Close()

	r := bufio.NewReader(file)
	line := 0
	for {
		raw, readErr := r.ReadBytes('\n')
		if readErr == io.EOF {
			return end, len(raw) > 0, nil
		}
		if readErr != nil {
			return end, false, readErr
		}
		line++

		if body := bytes.TrimSpace(raw); len(body) > 0 {
			var rec Record
			if err := json.Unmarshal(body, &rec); err != nil {
				return end, false, &CorruptionError{Line: line, Cause: err}
			}
			if !VerifyChecksum(rec) {
				return end, false, &ChecksumError{Seq: rec.Seq, Expected: CalculateChecksum(rec), Actual: rec.Checksum}
			}
			if err := fn(rec); err != nil {
				return end, false, err
			}
		}
		end += int64(len(raw))
	}
}

// Last returns the newest record at path, or ErrEmpty.
func Last(path string) (Record, error) {
	var (
		last  Record
		found bool
	)
	err := ReplayFile(path, func(rec Record) error {
		last = rec
		found = true
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	if !found {
		return Record{}, ErrEmpty
	}
	return last, nil
}
