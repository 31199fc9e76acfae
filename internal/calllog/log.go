package calllog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/vmledger/vmledger/internal/errs"
)

// AppendOnlyLog is the durable call-log surface the VM kernel writes to
// and the replay/verify drivers read from.
type AppendOnlyLog interface {
	URL() string
	Append(e Entry) error
	ReadAll() ([]Entry, error)
	Len() (int64, error)
}

// LocalLog is an AppendOnlyLog backed by a directory containing
// entries.jsonl plus a .lock file held for the duration of each append.
type LocalLog struct {
	mu       sync.Mutex
	dir      string
	url      string
	dataPath string
	lockPath string
}

// OpenLocalLog opens or creates a LocalLog rooted at dir, recovering
// from a torn write (crash between Write and fsync) by truncating the
// data file back to its last newline-terminated line.
func OpenLocalLog(dir string) (*LocalLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("calllog: creating dir %s: %w", dir, err)
	}
	l := &LocalLog{
		dir:      dir,
		dataPath: filepath.Join(dir, "entries.jsonl"),
		lockPath: filepath.Join(dir, ".lock"),
	}

	urlPath := filepath.Join(dir, ".log-url")
	if data, err := os.ReadFile(urlPath); err == nil {
		l.url = string(data)
	} else {
		l.url = "vmledger+log://" + uuid.NewString()
		if err := os.WriteFile(urlPath, []byte(l.url), 0o644); err != nil {
			return nil, fmt.Errorf("calllog: writing url marker: %w", err)
		}
	}

	if err := l.recoverTornWrite(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *LocalLog) URL() string { return l.url }

// recoverTornWrite truncates entries.jsonl back to the last complete,
// newline-terminated line, dropping any partial write left by a crash
// between Write and fsync.
func (l *LocalLog) recoverTornWrite() error {
	f, err := os.OpenFile(l.dataPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("calllog: opening %s: %w", l.dataPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("calllog: stat %s: %w", l.dataPath, err)
	}
	if info.Size() == 0 {
		return nil
	}

	data := make([]byte, info.Size())
	if _, err := f.ReadAt(data, 0); err != nil {
		return fmt.Errorf("calllog: reading %s: %w", l.dataPath, err)
	}
	if data[len(data)-1] == '\n' {
		return nil
	}
	lastNL := bytes.LastIndexByte(data, '\n')
	return f.Truncate(int64(lastNL + 1))
}

// Append durably appends e to the log: flock, write the canonical
// JSON line, fsync, unlock. Oracle entries are rejected before the lock
// is ever taken.
func (l *LocalLog) Append(e Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("calllog: marshaling entry: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	lockFile, err := os.OpenFile(l.lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("%w: opening lock file: %v", errs.ErrStore, err)
	}
	defer lockFile.Close()

	if err := unix.Flock(int(lockFile.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("%w: flock: %v", errs.ErrStore, err)
	}
	defer unix.Flock(int(lockFile.Fd()), unix.LOCK_UN)

	f, err := os.OpenFile(l.dataPath, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("%w: opening %s: %v", errs.ErrStore, l.dataPath, err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("%w: writing entry: %v", errs.ErrStore, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("%w: fsync: %v", errs.ErrStore, err)
	}
	return nil
}

// ReadAll parses every line of entries.jsonl, rejecting the file
// wholesale if any line is an oracle entry or structurally malformed.
func (l *LocalLog) ReadAll() ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.dataPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: opening %s: %v", errs.ErrStore, l.dataPath, err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("calllog: parsing line %d: %w", len(entries)+1, err)
		}
		if err := e.Validate(); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: scanning %s: %v", errs.ErrStore, l.dataPath, err)
	}
	return entries, nil
}

// Len reports the number of entries currently appended.
func (l *LocalLog) Len() (int64, error) {
	entries, err := l.ReadAll()
	if err != nil {
		return 0, err
	}
	return int64(len(entries)), nil
}
