package replay

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/vmledger/vmledger/internal/calllog"
	"github.com/vmledger/vmledger/internal/vmkernel"
	"github.com/vmledger/vmledger/internal/wireval"
)

const counterScript = `
var n = 0
func init() { n = 0 }
func inc(by) { n = n + by; return n }
`

func TestFromCallLogReproducesIdenticalLog(t *testing.T) {
	originalDir := filepath.Join(t.TempDir(), "original")
	v := vmkernel.New(counterScript)
	if err := v.Deploy(context.Background(), vmkernel.DeployOptions{Dir: originalDir, Title: "counter"}); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	for _, n := range []int64{1, 2, 3} {
		if _, err := v.ExecuteCall(context.Background(), "inc", wireval.Array(wireval.Int(n)), "caller-1"); err != nil {
			t.Fatalf("ExecuteCall: %v", err)
		}
	}
	originalEntries, err := v.CallLog().ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	v.Close()

	rebuiltDir := filepath.Join(t.TempDir(), "rebuilt")
	rebuilt, err := FromCallLog(context.Background(), staticLog{entries: originalEntries}, Assertions{FilesArchiveURL: originalEntries[0].FilesArchiveURL}, WithDir(rebuiltDir))
	if err != nil {
		t.Fatalf("FromCallLog: %v", err)
	}
	defer rebuilt.Close()

	rebuiltEntries, err := rebuilt.CallLog().ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rebuiltEntries) != len(originalEntries) {
		t.Fatalf("rebuilt log has %d entries, want %d", len(rebuiltEntries), len(originalEntries))
	}
	for i := range originalEntries {
		orig, rebuiltE := originalEntries[i], rebuiltEntries[i]
		if orig.Type != rebuiltE.Type || orig.Method != rebuiltE.Method || orig.FilesVersion != rebuiltE.FilesVersion {
			t.Fatalf("entry %d diverged: original=%+v rebuilt=%+v", i, orig, rebuiltE)
		}
	}
}

func TestFromCallLogRejectsLogNotStartingWithInit(t *testing.T) {
	badEntries := []calllog.Entry{calllog.NewCall(0, "foo", wireval.Null(), wireval.Null(), "", "", 0, 0, 0)}
	if _, err := FromCallLog(context.Background(), staticLog{entries: badEntries}, Assertions{}); err == nil {
		t.Fatal("expected malformed-log error for a log not starting with init")
	}
}

func TestFromCallLogRejectsAssertionMismatch(t *testing.T) {
	originalDir := t.TempDir()
	v := vmkernel.New(`func noop() { return nil }`)
	if err := v.Deploy(context.Background(), vmkernel.DeployOptions{Dir: originalDir, Title: "t"}); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	entries, err := v.CallLog().ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	v.Close()

	_, err = FromCallLog(context.Background(), staticLog{entries: entries}, Assertions{FilesArchiveURL: "vmledger+archive://bogus"})
	if err == nil {
		t.Fatal("expected an assertion-mismatch error for a disagreeing filesArchiveUrl")
	}
}

// staticLog adapts a fixed entry slice to calllog.AppendOnlyLog for tests
// that only need ReadAll.
type staticLog struct {
	entries []calllog.Entry
}

func (s staticLog) URL() string                      { return "vmledger+log://static" }
func (s staticLog) Append(calllog.Entry) error        { return nil }
func (s staticLog) ReadAll() ([]calllog.Entry, error) { return s.entries, nil }
func (s staticLog) Len() (int64, error)               { return int64(len(s.entries)), nil }
