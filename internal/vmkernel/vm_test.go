package vmkernel

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/vmledger/vmledger/internal/wireval"
)

func deployTestVM(t *testing.T, code string, dir string, opts ...Option) *VM {
	t.Helper()
	v := New(code, opts...)
	if err := v.Deploy(context.Background(), DeployOptions{Dir: dir, Title: "test"}); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	return v
}

func TestDeployAppendsInitPrefixRecord(t *testing.T) {
	dir := t.TempDir()
	v := deployTestVM(t, `func add(a, b) { return a + b }`, dir)
	defer v.Close()

	entries, err := v.CallLog().ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("expected at least the sequence-0 init record")
	}
	first := entries[0]
	if first.Type != "init" {
		t.Fatalf("entries[0].Type = %q, want init", first.Type)
	}
	if first.FilesArchiveURL != v.FilesArchive().URL() {
		t.Errorf("init.filesArchiveUrl = %q, want %q", first.FilesArchiveURL, v.FilesArchive().URL())
	}
	if first.Code != v.Code() {
		t.Errorf("init.code = %q, want %q", first.Code, v.Code())
	}
}

func TestDeployRunsExportedInitOnlyOnFreshDeploy(t *testing.T) {
	dir := t.TempDir()
	code := `
func init() { System.files.writeFile("/init-marker", "yes", "utf-8") }
func noop() { return nil }
`
	v := deployTestVM(t, code, dir)

	marker, err := v.adaptor.ReadFile("/init-marker", "utf-8")
	if err != nil {
		t.Fatalf("expected init export to have written the marker file: %v", err)
	}
	got, _ := marker.String()
	if got != "yes" {
		t.Fatalf("marker content = %q, want %q", got, "yes")
	}
	entries, err := v.CallLog().ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected init record + one init call entry, got %d entries", len(entries))
	}
	if entries[1].Method != "init" {
		t.Fatalf("entries[1].Method = %q, want init", entries[1].Method)
	}
	v.Close()

	v2 := New(code)
	if err := v2.Deploy(context.Background(), DeployOptions{Dir: dir, Title: "test"}); err != nil {
		t.Fatalf("reopen Deploy: %v", err)
	}
	defer v2.Close()

	entriesAfterReopen, err := v2.CallLog().ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(entriesAfterReopen) != 2 {
		t.Fatalf("reopen must not re-run the init export: expected 2 entries still, got %d", len(entriesAfterReopen))
	}
}

func TestExecuteCallLogsVersionMonotonically(t *testing.T) {
	dir := t.TempDir()
	code := `func w(v) { return System.files.writeFile("/file", v, "utf-8") }`
	v := deployTestVM(t, code, dir)
	defer v.Close()

	var lastVersion int64 = -1
	for _, arg := range []string{"foo", "bar", "baz"} {
		if _, err := v.ExecuteCall(context.Background(), "w", wireval.Array(wireval.String(arg)), "caller-1"); err != nil {
			t.Fatalf("ExecuteCall(w, %q): %v", arg, err)
		}
		entries, err := v.CallLog().ReadAll()
		if err != nil {
			t.Fatal(err)
		}
		version := entries[len(entries)-1].FilesVersion
		if version < lastVersion {
			t.Fatalf("filesVersion went backwards: %d after %d", version, lastVersion)
		}
		lastVersion = version
	}

	content, err := v.adaptor.ReadFile("/file", "utf-8")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	got, _ := content.String()
	if got != "baz" {
		t.Fatalf("final /file content = %q, want %q", got, "baz")
	}
}

// TestCallsSerializeDespiteDecreasingSleeps fires five calls back to back,
// each sleeping for a decreasing duration before writing its arg. Calls are
// launched from separate goroutines (so the test genuinely exercises
// concurrent submission, as an RPC adapter handling one goroutine per
// inbound frame would) but staggered just enough to land in the queue in
// submission order before the first (longest) sleep elapses. If calls ever
// executed out of order or overlapped, the short sleep of a later call
// could let it finish and overwrite /file before an earlier, longer-
// sleeping call's write lands. The single-worker queue (§4.4 key design
// choice 1) guarantees strict serialized, in-order execution regardless.
func TestCallsSerializeDespiteDecreasingSleeps(t *testing.T) {
	dir := t.TempDir()
	code := `func w(arg, ms) { sleep(ms); return System.files.writeFile("/file", arg, "utf-8") }`
	v := deployTestVM(t, code, dir)
	defer v.Close()

	var wg sync.WaitGroup
	for i, arg := range []string{"1", "2", "3", "4", "5"} {
		sleepMs := int64(50 - i*10)
		wg.Add(1)
		go func(arg string, sleepMs int64) {
			defer wg.Done()
			call := wireval.Array(wireval.String(arg), wireval.Int(sleepMs))
			if _, err := v.ExecuteCall(context.Background(), "w", call, "caller-1"); err != nil {
				t.Errorf("ExecuteCall(w, %q): %v", arg, err)
			}
		}(arg, sleepMs)
		time.Sleep(5 * time.Millisecond)
	}
	wg.Wait()

	content, err := v.adaptor.ReadFile("/file", "utf-8")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	got, _ := content.String()
	if got != "5" {
		t.Fatalf("/file = %q, want %q (calls must serialise despite decreasing sleeps)", got, "5")
	}

	entries, err := v.CallLog().ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	var callCount int
	for _, e := range entries {
		if e.Type == "call" && e.Method == "w" {
			callCount++
		}
	}
	if callCount != 5 {
		t.Fatalf("expected 5 logged w calls, got %d", callCount)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	v := deployTestVM(t, `func noop() { return nil }`, dir)

	if err := v.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := v.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	select {
	case <-v.Closed():
	default:
		t.Fatal("Closed() channel should be closed after Close")
	}
	if v.State() != StateClosed {
		t.Fatalf("state = %v, want %v", v.State(), StateClosed)
	}
}

func TestExecuteCallAfterCloseFails(t *testing.T) {
	dir := t.TempDir()
	v := deployTestVM(t, `func noop() { return nil }`, dir)
	v.Close()

	if _, err := v.ExecuteCall(context.Background(), "noop", wireval.Null(), ""); err == nil {
		t.Fatal("expected a closed error calling a VM after Close")
	}
}

func TestDeployURLMismatchIsFatal(t *testing.T) {
	dir := t.TempDir()
	v := deployTestVM(t, `func noop() { return nil }`, dir)
	defer v.Close()

	v2 := New(`func noop() { return nil }`)
	err := v2.Deploy(context.Background(), DeployOptions{Dir: dir, Title: "test", URL: "vmledger+archive://bogus"})
	if err == nil {
		t.Fatal("expected a fatal assertion-mismatch error for a disagreeing url")
	}
}

func TestDeployReopensIntoSameDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "vm-1")
	v := deployTestVM(t, `func noop() { return nil }`, dir)
	originalURL := v.FilesArchive().URL()
	v.Close()

	v2 := New(`func noop() { return nil }`)
	if err := v2.Deploy(context.Background(), DeployOptions{Dir: dir}); err != nil {
		t.Fatalf("reopen Deploy: %v", err)
	}
	defer v2.Close()
	if v2.FilesArchive().URL() != originalURL {
		t.Fatalf("reopened archive url = %q, want %q", v2.FilesArchive().URL(), originalURL)
	}
}
