package rpcsrv

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vmledger/vmledger/internal/vmkernel"
	"github.com/vmledger/vmledger/internal/wireval"
)

func deployTestVM(t *testing.T, code string) *vmkernel.VM {
	t.Helper()
	v := vmkernel.New(code)
	if err := v.Deploy(context.Background(), vmkernel.DeployOptions{Dir: t.TempDir(), Title: "test"}); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	return v
}

func newTestServer(a *Adapter) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(a.handleUpgrade))
}

func dialPath(t *testing.T, srv *httptest.Server, path string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	return websocket.DefaultDialer.Dial(url, nil)
}

func TestHandshakeReturnsMethodsAndURLs(t *testing.T) {
	v := deployTestVM(t, `func add(a, b) { return a + b }`)
	defer v.Close()

	a := New(nil)
	a.Mount("/vm-1", v)

	srv := newTestServer(a)
	defer srv.Close()

	conn, _, err := dialPath(t, srv, "/vm-1")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	req := request{ID: 1, Method: "handshake", Args: wireval.Null()}
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("write handshake: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var resp response
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read handshake response: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("handshake returned an error: %+v", resp.Error)
	}
	methodsVal, ok := resp.Result.Get("methods")
	if !ok {
		t.Fatal("expected handshake result.methods")
	}
	methods, _ := methodsVal.Array()
	found := false
	for _, m := range methods {
		if s, _ := m.String(); s == "add" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected handshake methods to include add, got %v", methods)
	}
}

func TestCallDispatchesToMountedVM(t *testing.T) {
	v := deployTestVM(t, `func add(a, b) { return a + b }`)
	defer v.Close()

	a := New(nil)
	a.Mount("/vm-1", v)

	srv := newTestServer(a)
	defer srv.Close()

	conn, _, err := dialPath(t, srv, "/vm-1")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	req := request{ID: 2, Method: "add", Args: wireval.Array(wireval.Int(1), wireval.Int(2))}
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("write call: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var resp response
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read call response: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("call returned an error: %+v", resp.Error)
	}
	n, ok := resp.Result.Int()
	if !ok || n != 3 {
		t.Fatalf("result = %v, want 3", resp.Result)
	}
}

func TestBlacklistedMethodIsRejected(t *testing.T) {
	v := deployTestVM(t, `func init() { return nil }`)
	defer v.Close()

	a := New(nil)
	a.Mount("/vm-1", v)

	srv := newTestServer(a)
	defer srv.Close()

	conn, _, err := dialPath(t, srv, "/vm-1")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	req := request{ID: 3, Method: "init", Args: wireval.Null()}
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("write call: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var resp response
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read call response: %v", err)
	}
	if resp.Error == nil {
		t.Fatal("expected init to be rejected as blacklisted")
	}
	if resp.Error.Code != errCodeMethodNotFound {
		t.Fatalf("error code = %d, want %d", resp.Error.Code, errCodeMethodNotFound)
	}
}

func TestGuestThrownErrorUsesGuestErrorCode(t *testing.T) {
	v := deployTestVM(t, `func fail() { error("boom") }`)
	defer v.Close()

	a := New(nil)
	a.Mount("/vm-1", v)

	srv := newTestServer(a)
	defer srv.Close()

	conn, _, err := dialPath(t, srv, "/vm-1")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	req := request{ID: 4, Method: "fail", Args: wireval.Null()}
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("write call: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var resp response
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read call response: %v", err)
	}
	if resp.Error == nil {
		t.Fatal("expected fail to return an error")
	}
	if resp.Error.Code != errCodeGuestError {
		t.Fatalf("error code = %d, want %d (a guest-thrown error must not be reported as method-not-found)", resp.Error.Code, errCodeGuestError)
	}
}

func TestUnmountedPathReturns404(t *testing.T) {
	a := New(nil)
	srv := newTestServer(a)
	defer srv.Close()

	_, resp, err := dialPath(t, srv, "/missing")
	if err == nil {
		t.Fatal("expected dialing an unmounted path to fail")
	}
	if resp == nil || resp.StatusCode != 404 {
		t.Fatalf("expected a 404 for an unmounted path, got %+v", resp)
	}
}
