// Package archive implements the Files Archive: a versioned directory
// tree every VM is deployed with. Each mutation bumps a single
// monotonic counter for the whole archive, and the VM kernel stamps the
// post-mutation version into the call log so a replay can assert byte
// equality against the same version number.
package archive

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FileInfo describes a single archived file or directory at a point in
// its version history.
type FileInfo struct {
	Path    string
	Version int64
	Mode    os.FileMode
	Size    int64
	ModTime time.Time
	IsDir   bool
}

// DirEntry describes one entry returned by Readdir.
type DirEntry struct {
	Name    string
	IsDir   bool
	Size    int64
	ModTime time.Time
}

// VersionedArchive is the archive surface the VM kernel and guest
// sandbox adapter drive. Every mutating call returns the archive's new
// version, which the kernel writes into the corresponding log entry's
// filesVersion field.
type VersionedArchive interface {
	// URL returns the archive's durable identifier, written into
	// meta.json and compared against on redeploy.
	URL() string

	Stat(path string) (FileInfo, error)
	ReadFileAt(path string, offset int64, length int) ([]byte, int64, error)
	Readdir(path string) ([]DirEntry, int64, error)
	History(path string) ([]int64, error)

	WriteFile(path string, data []byte) (newVersion int64, err error)
	Mkdir(path string) (newVersion int64, err error)
	Unlink(path string) (newVersion int64, err error)
	Rmdir(path string) (newVersion int64, err error)

	// Version returns the archive's current version without touching
	// any particular file.
	Version() int64
}

// LocalArchive is a VersionedArchive backed by a directory on the host
// filesystem plus a single monotonic version counter. It does not keep
// past file contents — History returns, per path, the archive versions
// at which that path was written in this process.
type LocalArchive struct {
	mu          sync.Mutex
	rootDir     string
	url         string
	versionPath string
	version     int64
	touchLog    map[string][]int64
}

// baselineVersion is the archive's version immediately post-init, before
// any guest-observable mutation. A call whose guest method performs no
// writes still reports this version.
const baselineVersion int64 = 1

// NewLocalArchive creates or opens a LocalArchive rooted at dir. A fresh
// archive is assigned a new uuid-based URL and starts at baselineVersion;
// an existing one (detected by the presence of .archive-url) keeps its
// original URL and restores its persisted version counter so meta.json
// comparisons and monotonicity survive a process restart.
func NewLocalArchive(dir string) (*LocalArchive, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("archive: creating root %s: %w", dir, err)
	}
	urlPath := filepath.Join(dir, ".archive-url")
	versionPath := filepath.Join(dir, ".archive-version")
	url := ""
	version := baselineVersion
	if data, err := os.ReadFile(urlPath); err == nil {
		url = string(data)
		if vdata, err := os.ReadFile(versionPath); err == nil {
			if _, err := fmt.Sscanf(string(vdata), "%d", &version); err != nil {
				return nil, fmt.Errorf("archive: parsing %s: %w", versionPath, err)
			}
		}
	} else {
		url = "vmledger+archive://" + uuid.NewString()
		if err := os.WriteFile(urlPath, []byte(url), 0o644); err != nil {
			return nil, fmt.Errorf("archive: writing url marker: %w", err)
		}
		if err := os.WriteFile(versionPath, []byte(fmt.Sprintf("%d", version)), 0o644); err != nil {
			return nil, fmt.Errorf("archive: writing version marker: %w", err)
		}
	}
	return &LocalArchive{
		rootDir:     dir,
		url:         url,
		versionPath: versionPath,
		version:     version,
		touchLog:    make(map[string][]int64),
	}, nil
}

func (a *LocalArchive) URL() string { return a.url }

func (a *LocalArchive) Version() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.version
}

func (a *LocalArchive) Stat(path string) (FileInfo, error) {
	abs, err := safePath(a.rootDir, path)
	if err != nil {
		return FileInfo{}, err
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return FileInfo{}, fmt.Errorf("archive: stat %s: %w", path, err)
	}
	a.mu.Lock()
	v := a.version
	a.mu.Unlock()
	return FileInfo{
		Path:    path,
		Version: v,
		Mode:    fi.Mode(),
		Size:    fi.Size(),
		ModTime: fi.ModTime(),
		IsDir:   fi.IsDir(),
	}, nil
}

func (a *LocalArchive) ReadFileAt(path string, offset int64, length int) ([]byte, int64, error) {
	abs, err := safePath(a.rootDir, path)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(abs)
	if err != nil {
		return nil, 0, fmt.Errorf("archive: open %s: %w", path, err)
	}
	defer f.Close()

	buf := make([]byte, length)
	n, err := f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, 0, fmt.Errorf("archive: read %s: %w", path, err)
	}
	a.mu.Lock()
	v := a.version
	a.mu.Unlock()
	return buf[:n], v, nil
}

func (a *LocalArchive) Readdir(path string) ([]DirEntry, int64, error) {
	abs, err := safePath(a.rootDir, path)
	if err != nil {
		return nil, 0, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, 0, fmt.Errorf("archive: readdir %s: %w", path, err)
	}
	out := make([]DirEntry, 0, len(entries))
	for _, e := range entries {
		if abs == a.rootDir && (e.Name() == ".archive-url" || e.Name() == ".archive-version") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, 0, fmt.Errorf("archive: stat entry %s in %s: %w", e.Name(), path, err)
		}
		out = append(out, DirEntry{Name: e.Name(), IsDir: e.IsDir(), Size: info.Size(), ModTime: info.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	a.mu.Lock()
	v := a.version
	a.mu.Unlock()
	return out, v, nil
}

func (a *LocalArchive) History(path string) ([]int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]int64(nil), a.touchLog[path]...), nil
}

func (a *LocalArchive) WriteFile(path string, data []byte) (int64, error) {
	abs, err := safePath(a.rootDir, path)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return 0, fmt.Errorf("archive: mkdir parent of %s: %w", path, err)
	}
	if err := os.WriteFile(abs, data, 0o644); err != nil {
		return 0, fmt.Errorf("archive: write %s: %w", path, err)
	}
	return a.bump(path), nil
}

func (a *LocalArchive) Mkdir(path string) (int64, error) {
	abs, err := safePath(a.rootDir, path)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return 0, fmt.Errorf("archive: mkdir %s: %w", path, err)
	}
	return a.bump(path), nil
}

func (a *LocalArchive) Unlink(path string) (int64, error) {
	abs, err := safePath(a.rootDir, path)
	if err != nil {
		return 0, err
	}
	if err := os.Remove(abs); err != nil {
		return 0, fmt.Errorf("archive: unlink %s: %w", path, err)
	}
	return a.bump(path), nil
}

func (a *LocalArchive) Rmdir(path string) (int64, error) {
	abs, err := safePath(a.rootDir, path)
	if err != nil {
		return 0, err
	}
	if err := os.Remove(abs); err != nil {
		return 0, fmt.Errorf("archive: rmdir %s: %w", path, err)
	}
	return a.bump(path), nil
}

// bump increments the archive-wide version counter, persists it, and
// records the touch against path. Caller must already have performed
// the mutation.
func (a *LocalArchive) bump(path string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.version++
	a.touchLog[path] = append(a.touchLog[path], a.version)
	_ = os.WriteFile(a.versionPath, []byte(fmt.Sprintf("%d", a.version)), 0o644)
	return a.version
}
