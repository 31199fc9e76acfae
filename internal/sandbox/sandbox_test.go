package sandbox

import (
	"context"
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/vmledger/vmledger/internal/archive"
	"github.com/vmledger/vmledger/internal/wireval"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestAdaptor(t *testing.T) *archive.Adaptor {
	t.Helper()
	a, err := archive.NewLocalArchive(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalArchive: %v", err)
	}
	return archive.NewAdaptor(a)
}

func TestExportsDiscoversTopLevelFunctions(t *testing.T) {
	source := `
func init() { return nil }
func add(a, b) { return a + b }
x := 1
`
	sb, err := New(source, newTestAdaptor(t), testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !sb.HasMethod("init") {
		t.Error("expected init to be an exported method")
	}
	if !sb.HasMethod("add") {
		t.Error("expected add to be an exported method")
	}
	if sb.HasMethod("x") {
		t.Error("x is a plain value, not a method, and should not be exported as one")
	}
}

func TestInvokeReturnsGuestResult(t *testing.T) {
	source := `func add(a, b) { return a + b }`
	sb, err := New(source, newTestAdaptor(t), testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	result, err := sb.Invoke(context.Background(), "add", wireval.Array(wireval.Int(2), wireval.Int(3)), "caller-1")
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	got, ok := result.Int()
	if !ok || got != 5 {
		t.Errorf("add(2, 3) = %v, want 5", result)
	}
}

func TestInvokeUnknownMethodFails(t *testing.T) {
	source := `func init() { return nil }`
	sb, err := New(source, newTestAdaptor(t), testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := sb.Invoke(context.Background(), "missing", wireval.Null(), "caller-1"); err == nil {
		t.Error("expected an error calling an unexported method")
	}
}

func TestSystemCallerIDReflectsCurrentCall(t *testing.T) {
	source := `func whoCalled() { return System.caller.id() }`
	sb, err := New(source, newTestAdaptor(t), testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	result, err := sb.Invoke(context.Background(), "whoCalled", wireval.Null(), "alice")
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	got, _ := result.String()
	if got != "alice" {
		t.Errorf("System.caller.id() = %q, want %q", got, "alice")
	}
	if sb.caller.ID() != "" {
		t.Error("caller slot should be cleared once the call completes")
	}
}

func TestSystemFilesWriteThenReadRoundTrip(t *testing.T) {
	source := `
func write(path, content) {
	return System.files.writeFile(path, content, "utf-8")
}
func read(path) {
	return System.files.readFile(path, "utf-8")
}
`
	sb, err := New(source, newTestAdaptor(t), testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = sb.Invoke(context.Background(), "write", wireval.Array(wireval.String("/greeting.txt"), wireval.String("hello")), "caller-1")
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	result, err := sb.Invoke(context.Background(), "read", wireval.Array(wireval.String("/greeting.txt")), "caller-1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	got, _ := result.String()
	if got != "hello" {
		t.Errorf("readFile() = %q, want %q", got, "hello")
	}
}

func TestSystemVmsAbsentWithoutChildVMs(t *testing.T) {
	source := `func tryVms() { return System.vms }`
	sb, err := New(source, newTestAdaptor(t), testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := sb.Invoke(context.Background(), "tryVms", wireval.Null(), "caller-1"); err == nil {
		t.Error("expected System.vms to be unavailable without WithChildVMs")
	}
}

func TestGuestErrorIsWrapped(t *testing.T) {
	source := `func fail() { error("boom") }`
	sb, err := New(source, newTestAdaptor(t), testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := sb.Invoke(context.Background(), "fail", wireval.Null(), "caller-1"); err == nil {
		t.Error("expected an error from a guest method that raises")
	}
}
