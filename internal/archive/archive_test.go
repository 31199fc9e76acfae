package archive

import (
	"path/filepath"
	"testing"

	"github.com/vmledger/vmledger/internal/wireval"
)

func newTestArchive(t *testing.T) *LocalArchive {
	t.Helper()
	a, err := NewLocalArchive(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalArchive: %v", err)
	}
	return a
}

func TestLocalArchiveWriteReadRoundTrip(t *testing.T) {
	a := newTestArchive(t)
	ad := NewAdaptor(a)

	v1, err := ad.WriteFile("/notes.txt", wireval.String("hello"), EncodingUTF8)
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if v1 != 2 {
		t.Fatalf("expected version 2 (baseline 1 plus one write), got %d", v1)
	}

	got, err := ad.ReadFile("/notes.txt", EncodingUTF8)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	s, ok := got.String()
	if !ok || s != "hello" {
		t.Fatalf("expected 'hello', got %#v", got)
	}
}

func TestAdaptorRejectsRelativeAndEscapingPaths(t *testing.T) {
	a := newTestArchive(t)
	ad := NewAdaptor(a)

	if _, err := ad.WriteFile("relative.txt", wireval.String("x"), EncodingUTF8); err == nil {
		t.Fatal("expected error for non-absolute path")
	}
	if _, err := ad.WriteFile("/../escape.txt", wireval.String("x"), EncodingUTF8); err == nil {
		t.Fatal("expected error for escaping path")
	}
}

func TestHistoryTracksVersionsPerPath(t *testing.T) {
	a := newTestArchive(t)
	ad := NewAdaptor(a)

	if _, err := ad.WriteFile("/a.txt", wireval.String("1"), EncodingUTF8); err != nil {
		t.Fatal(err)
	}
	if _, err := ad.WriteFile("/b.txt", wireval.String("2"), EncodingUTF8); err != nil {
		t.Fatal(err)
	}
	if _, err := ad.WriteFile("/a.txt", wireval.String("3"), EncodingUTF8); err != nil {
		t.Fatal(err)
	}

	hist, err := ad.History("/a.txt", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	versions, _ := hist.Array()
	if len(versions) != 2 {
		t.Fatalf("expected 2 versions for /a.txt, got %d", len(versions))
	}
}

func TestRemoteArchiveProxiesReads(t *testing.T) {
	a := newTestArchive(t)
	ad := NewAdaptor(a)
	if _, err := ad.WriteFile("/config.json", wireval.String(`{"k":1}`), EncodingUTF8); err != nil {
		t.Fatal(err)
	}

	sockPath := filepath.Join(t.TempDir(), "archive.sock")
	closer, err := StartServer(sockPath, a)
	if err != nil {
		t.Fatalf("StartServer: %v", err)
	}
	defer closer.Close()

	remote, err := DialRemoteArchive(sockPath)
	if err != nil {
		t.Fatalf("DialRemoteArchive: %v", err)
	}

	info, err := remote.Stat("config.json")
	if err != nil {
		t.Fatalf("remote Stat: %v", err)
	}
	if info.Size == 0 {
		t.Fatalf("expected nonzero size")
	}

	data, _, err := remote.ReadFileAt("config.json", 0, int(info.Size))
	if err != nil {
		t.Fatalf("remote ReadFileAt: %v", err)
	}
	if string(data) != `{"k":1}` {
		t.Fatalf("unexpected remote read: %s", data)
	}

	entries, _, err := remote.Readdir("/")
	if err != nil {
		t.Fatalf("remote Readdir: %v", err)
	}
	var found bool
	for _, e := range entries {
		if e.Name != "config.json" {
			continue
		}
		found = true
		if e.Size == 0 {
			t.Fatalf("expected nonzero size for config.json, got %d", e.Size)
		}
		if e.ModTime.IsZero() {
			t.Fatalf("expected nonzero modTime for config.json")
		}
	}
	if !found {
		t.Fatalf("expected config.json in remote readdir, got %v", entries)
	}
}

func TestReaddirReportsSizeAndModTime(t *testing.T) {
	a := newTestArchive(t)
	ad := NewAdaptor(a)
	if _, err := ad.WriteFile("/notes.txt", wireval.String("hello"), EncodingUTF8); err != nil {
		t.Fatal(err)
	}

	entries, _, err := a.Readdir("/")
	if err != nil {
		t.Fatalf("Readdir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Size != 5 {
		t.Fatalf("expected size 5 for 'hello', got %d", entries[0].Size)
	}
	if entries[0].ModTime.IsZero() {
		t.Fatalf("expected nonzero modTime")
	}

	v, err := ad.Readdir("/")
	if err != nil {
		t.Fatalf("adaptor Readdir: %v", err)
	}
	vs, _ := v.Array()
	if len(vs) != 1 {
		t.Fatalf("expected 1 wire entry, got %d", len(vs))
	}
	sizeVal, ok := vs[0].Get("size")
	if !ok {
		t.Fatal("expected size field in wire readdir entry")
	}
	size, _ := sizeVal.Int()
	if size != 5 {
		t.Fatalf("expected wire size 5, got %d", size)
	}
	if _, ok := vs[0].Get("modTime"); !ok {
		t.Fatal("expected modTime field in wire readdir entry")
	}
}
