package verify

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/vmledger/vmledger/internal/errs"
	"github.com/vmledger/vmledger/internal/vmkernel"
	"github.com/vmledger/vmledger/internal/wireval"
)

func TestCompareLogsPassesForTwoIdenticalRuns(t *testing.T) {
	code := `func inc(n) { return n + 1 }`
	dirA := filepath.Join(t.TempDir(), "a")
	dirB := filepath.Join(t.TempDir(), "b")

	vA := vmkernel.New(code)
	if err := vA.Deploy(context.Background(), vmkernel.DeployOptions{Dir: dirA, Title: "a"}); err != nil {
		t.Fatalf("deploy a: %v", err)
	}
	defer vA.Close()
	vB := vmkernel.New(code)
	if err := vB.Deploy(context.Background(), vmkernel.DeployOptions{Dir: dirB, Title: "b"}); err != nil {
		t.Fatalf("deploy b: %v", err)
	}
	defer vB.Close()

	for _, n := range []int64{1, 2, 3} {
		if _, err := vA.ExecuteCall(context.Background(), "inc", wireval.Array(wireval.Int(n)), "c"); err != nil {
			t.Fatalf("execute a: %v", err)
		}
		if _, err := vB.ExecuteCall(context.Background(), "inc", wireval.Array(wireval.Int(n)), "c"); err != nil {
			t.Fatalf("execute b: %v", err)
		}
	}

	if err := CompareLogs(vA.CallLog(), vB.CallLog()); err != nil {
		t.Fatalf("expected identical logs to compare equal: %v", err)
	}
}

func TestCompareLogsDetectsNondeterminism(t *testing.T) {
	code := `func roll() { return System.test.random() }`
	dirA := filepath.Join(t.TempDir(), "a")
	dirB := filepath.Join(t.TempDir(), "b")

	vA := vmkernel.New(code, vmkernel.WithNondeterminismProbe())
	if err := vA.Deploy(context.Background(), vmkernel.DeployOptions{Dir: dirA, Title: "a"}); err != nil {
		t.Fatalf("deploy a: %v", err)
	}
	defer vA.Close()
	vB := vmkernel.New(code, vmkernel.WithNondeterminismProbe())
	if err := vB.Deploy(context.Background(), vmkernel.DeployOptions{Dir: dirB, Title: "b"}); err != nil {
		t.Fatalf("deploy b: %v", err)
	}
	defer vB.Close()

	if _, err := vA.ExecuteCall(context.Background(), "roll", wireval.Null(), "c"); err != nil {
		t.Fatalf("execute a: %v", err)
	}
	if _, err := vB.ExecuteCall(context.Background(), "roll", wireval.Null(), "c"); err != nil {
		t.Fatalf("execute b: %v", err)
	}

	err := CompareLogs(vA.CallLog(), vB.CallLog())
	if err == nil {
		t.Fatal("expected CompareLogs to detect diverging random() results")
	}
	if !errors.Is(err, errs.ErrVerifierMismatch) {
		t.Fatalf("expected errs.ErrVerifierMismatch, got %v", err)
	}
}

func TestCompareArchivesPassesForEqualContent(t *testing.T) {
	code := `func w() { return System.files.writeFile("/f", "hello", "utf-8") }`
	dirA := filepath.Join(t.TempDir(), "a")
	dirB := filepath.Join(t.TempDir(), "b")

	vA := vmkernel.New(code)
	vA.Deploy(context.Background(), vmkernel.DeployOptions{Dir: dirA, Title: "a"})
	defer vA.Close()
	vB := vmkernel.New(code)
	vB.Deploy(context.Background(), vmkernel.DeployOptions{Dir: dirB, Title: "b"})
	defer vB.Close()

	if _, err := vA.ExecuteCall(context.Background(), "w", wireval.Null(), "c"); err != nil {
		t.Fatalf("execute a: %v", err)
	}
	if _, err := vB.ExecuteCall(context.Background(), "w", wireval.Null(), "c"); err != nil {
		t.Fatalf("execute b: %v", err)
	}

	if err := CompareArchives(context.Background(), vA.FilesArchive(), vB.FilesArchive()); err != nil {
		t.Fatalf("expected identical archives to compare equal: %v", err)
	}
}

func TestCompareArchivesDetectsDivergentContent(t *testing.T) {
	code := `func w(v) { return System.files.writeFile("/f", v, "utf-8") }`
	dirA := filepath.Join(t.TempDir(), "a")
	dirB := filepath.Join(t.TempDir(), "b")

	vA := vmkernel.New(code)
	vA.Deploy(context.Background(), vmkernel.DeployOptions{Dir: dirA, Title: "a"})
	defer vA.Close()
	vB := vmkernel.New(code)
	vB.Deploy(context.Background(), vmkernel.DeployOptions{Dir: dirB, Title: "b"})
	defer vB.Close()

	if _, err := vA.ExecuteCall(context.Background(), "w", wireval.Array(wireval.String("foo")), "c"); err != nil {
		t.Fatalf("execute a: %v", err)
	}
	if _, err := vB.ExecuteCall(context.Background(), "w", wireval.Array(wireval.String("bar")), "c"); err != nil {
		t.Fatalf("execute b: %v", err)
	}

	err := CompareArchives(context.Background(), vA.FilesArchive(), vB.FilesArchive())
	if err == nil {
		t.Fatal("expected CompareArchives to detect divergent file content")
	}
}
