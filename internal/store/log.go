package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/taskdaemon/taskdaemon/internal/daemonerr"
	"github.com/taskdaemon/taskdaemon/internal/filelock"
)

// logLine is the self-describing envelope persisted once per record write.
// Each line in a collection's .jsonl file is one of these, preserving
// whatever the caller passed in Fields verbatim so record shapes stay
// generic across Run/CoordinationMessage/ContextChunk.
type logLine struct {
	Kind        string          `json:"kind"`
	ID          string          `json:"id"`
	UpdatedAtMs int64           `json:"updated_at_ms"`
	Deleted     bool            `json:"deleted"`
	Fields      json.RawMessage `json:"fields"`
}

// appendRecord locks the collection log exclusively, appends one line, and
// returns the new file size for size-threshold checks. It never rewrites or
// truncates prior bytes, satisfying the append-only invariant.
func appendRecord(ctx context.Context, path string, line logLine) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("store: mkdir: %w", err)
	}
	lock, err := filelock.Acquire(ctx, path+".lock", true)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", daemonerr.ErrLockTimeout, err)
	}
	defer lock.Release()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("store: open log: %w", err)
	}
	defer f.Close()

	enc, err := json.Marshal(line)
	if err != nil {
		return 0, fmt.Errorf("store: marshal: %w", err)
	}
	enc = append(enc, '\n')
	if _, err := f.Write(enc); err != nil {
		return 0, fmt.Errorf("store: append: %w", err)
	}
	if err := f.Sync(); err != nil {
		return 0, fmt.Errorf("store: sync: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("store: stat: %w", err)
	}
	return info.Size(), nil
}

// corruptLine is recorded (not dropped) so replayLog can report it for
// forensics per spec.md's StorageCorrupt handling: "actor logs and skips
// the line but retains it for forensics".
type corruptLine struct {
	LineNo int
	Raw    string
	Err    error
}

// replayLog reads every line of a collection's log under a shared lock and
// invokes onLine for each well-formed entry in file order (oldest first),
// so callers can apply latest-wins folding themselves. Malformed lines are
// collected and returned rather than stopping the scan.
func replayLog(ctx context.Context, path string, onLine func(logLine) error) ([]corruptLine, error) {
	lock, err := filelock.Acquire(ctx, path+".lock", false)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", daemonerr.ErrLockTimeout, err)
	}
	defer lock.Release()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: open log: %w", err)
	}
	defer f.Close()

	var corrupt []corruptLine
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := scanner.Text()
		if raw == "" {
			continue
		}
		var ll logLine
		if err := json.Unmarshal([]byte(raw), &ll); err != nil {
			corrupt = append(corrupt, corruptLine{LineNo: lineNo, Raw: raw, Err: err})
			continue
		}
		if err := onLine(ll); err != nil {
			return corrupt, err
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return corrupt, fmt.Errorf("store: scan: %w", err)
	}
	return corrupt, nil
}

func logMtime(path string) (os.FileInfo, error) {
	return os.Stat(path)
}
