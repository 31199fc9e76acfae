package archive

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/vmledger/vmledger/internal/wireval"
)

// Encoding selects how readFile/writeFile interpret raw bytes.
type Encoding string

const (
	EncodingUTF8   Encoding = "utf-8"
	EncodingBinary Encoding = "binary"
	EncodingJSON   Encoding = "json"
)

// Adaptor is the restricted, guest-facing view of a VersionedArchive
// exposed as System.files.* inside the sandbox. It enforces absolute
// paths with no ".." escape and applies the requested encoding.
type Adaptor struct {
	archive VersionedArchive
}

// NewAdaptor wraps archive for guest consumption.
func NewAdaptor(a VersionedArchive) *Adaptor {
	return &Adaptor{archive: a}
}

func validatePath(p string) (string, error) {
	if !path.IsAbs(p) {
		return "", fmt.Errorf("archive: path must be absolute: %q", p)
	}
	depth := 0
	for _, seg := range strings.Split(p, "/") {
		switch seg {
		case "", ".":
		case "..":
			if depth == 0 {
				return "", fmt.Errorf("archive: path escapes root: %q", p)
			}
			depth--
		default:
			depth++
		}
	}
	cleaned := path.Clean(p)
	return strings.TrimPrefix(cleaned, "/"), nil
}

// GetInfo returns the archive's identity: its durable URL and current version.
func (a *Adaptor) GetInfo() wireval.Value {
	return wireval.Object(
		wireval.Field("url", wireval.String(a.archive.URL())),
		wireval.Field("version", wireval.Int(a.archive.Version())),
	)
}

// Stat returns file metadata for an absolute path.
func (a *Adaptor) Stat(p string) (wireval.Value, error) {
	rel, err := validatePath(p)
	if err != nil {
		return wireval.Value{}, err
	}
	info, err := a.archive.Stat(rel)
	if err != nil {
		return wireval.Value{}, err
	}
	return statToValue(info), nil
}

func statToValue(info FileInfo) wireval.Value {
	return wireval.Object(
		wireval.Field("isDir", wireval.Bool(info.IsDir)),
		wireval.Field("size", wireval.Int(info.Size)),
		wireval.Field("modTime", wireval.Int(info.ModTime.Unix())),
		wireval.Field("version", wireval.Int(info.Version)),
	)
}

// ReadFile reads the entire file at p, decoding it per enc.
func (a *Adaptor) ReadFile(p string, enc Encoding) (wireval.Value, error) {
	rel, err := validatePath(p)
	if err != nil {
		return wireval.Value{}, err
	}
	info, err := a.archive.Stat(rel)
	if err != nil {
		return wireval.Value{}, err
	}
	data, _, err := a.archive.ReadFileAt(rel, 0, int(info.Size))
	if err != nil {
		return wireval.Value{}, err
	}
	return decodeBytes(data, enc)
}

func decodeBytes(data []byte, enc Encoding) (wireval.Value, error) {
	switch enc {
	case "", EncodingUTF8:
		return wireval.String(string(data)), nil
	case EncodingBinary:
		return wireval.String(base64.StdEncoding.EncodeToString(data)), nil
	case EncodingJSON:
		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			return wireval.Value{}, fmt.Errorf("archive: decoding json file: %w", err)
		}
		return wireval.FromGo(generic)
	default:
		return wireval.Value{}, fmt.Errorf("archive: unknown encoding %q", enc)
	}
}

func encodeValue(v wireval.Value, enc Encoding) ([]byte, error) {
	switch enc {
	case "", EncodingUTF8:
		s, ok := v.String()
		if !ok {
			return nil, fmt.Errorf("archive: utf-8 write requires a string value")
		}
		return []byte(s), nil
	case EncodingBinary:
		s, ok := v.String()
		if !ok {
			return nil, fmt.Errorf("archive: binary write requires a base64 string value")
		}
		return base64.StdEncoding.DecodeString(s)
	case EncodingJSON:
		return json.Marshal(v.ToGo())
	default:
		return nil, fmt.Errorf("archive: unknown encoding %q", enc)
	}
}

// Readdir lists directory entries at p.
func (a *Adaptor) Readdir(p string) (wireval.Value, error) {
	rel, err := validatePath(p)
	if err != nil {
		return wireval.Value{}, err
	}
	entries, _, err := a.archive.Readdir(rel)
	if err != nil {
		return wireval.Value{}, err
	}
	vs := make([]wireval.Value, len(entries))
	for i, e := range entries {
		vs[i] = wireval.Object(
			wireval.Field("name", wireval.String(e.Name)),
			wireval.Field("isDir", wireval.Bool(e.IsDir)),
			wireval.Field("size", wireval.Int(e.Size)),
			wireval.Field("modTime", wireval.Int(e.ModTime.Unix())),
		)
	}
	return wireval.Array(vs...), nil
}

// History returns the versions at which path's content changed, oldest
// first. limit, if > 0, caps the number of entries returned (most recent kept).
func (a *Adaptor) History(p string, limit int) (wireval.Value, error) {
	rel, err := validatePath(p)
	if err != nil {
		return wireval.Value{}, err
	}
	versions, err := a.archive.History(rel)
	if err != nil {
		return wireval.Value{}, err
	}
	if limit > 0 && len(versions) > limit {
		versions = versions[len(versions)-limit:]
	}
	vs := make([]wireval.Value, len(versions))
	for i, v := range versions {
		vs[i] = wireval.Int(v)
	}
	return wireval.Array(vs...), nil
}

// WriteFile writes content to p, encoding per enc, and returns the new version.
func (a *Adaptor) WriteFile(p string, content wireval.Value, enc Encoding) (int64, error) {
	rel, err := validatePath(p)
	if err != nil {
		return 0, err
	}
	data, err := encodeValue(content, enc)
	if err != nil {
		return 0, err
	}
	return a.archive.WriteFile(rel, data)
}

// Mkdir creates a directory at p and returns the new version.
func (a *Adaptor) Mkdir(p string) (int64, error) {
	rel, err := validatePath(p)
	if err != nil {
		return 0, err
	}
	return a.archive.Mkdir(rel)
}

// Unlink removes the file at p and returns the new version.
func (a *Adaptor) Unlink(p string) (int64, error) {
	rel, err := validatePath(p)
	if err != nil {
		return 0, err
	}
	return a.archive.Unlink(rel)
}

// Rmdir removes the empty directory at p and returns the new version.
func (a *Adaptor) Rmdir(p string) (int64, error) {
	rel, err := validatePath(p)
	if err != nil {
		return 0, err
	}
	return a.archive.Rmdir(rel)
}
