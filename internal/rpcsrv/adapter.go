// Package rpcsrv implements the RPC Adapter: the boundary that exposes
// mounted VMs over WebSocket connections, queuing incoming calls on
// each VM's own call queue and rejecting blacklisted or over-capacity
// requests before they ever reach the guest.
package rpcsrv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/vmledger/vmledger/internal/errs"
	"github.com/vmledger/vmledger/internal/vmkernel"
	"github.com/vmledger/vmledger/internal/wireval"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// blacklist names methods never dispatched to a guest over the wire,
// even if exported. init is always reserved (§4.8); it only ever runs
// from vmkernel.Deploy.
var blacklist = map[string]bool{"init": true}

// Adapter mounts VMs under paths and serves them over WebSocket. It
// satisfies factory.Mounts so a Factory can mount/unmount its children
// directly.
type Adapter struct {
	mu     sync.RWMutex
	mounts map[string]*vmkernel.VM
	srv    *http.Server
	logger *logrus.Logger
}

// New constructs an Adapter with no mounts and no listener yet.
func New(logger *logrus.Logger) *Adapter {
	if logger == nil {
		logger = logrus.New()
	}
	return &Adapter{mounts: make(map[string]*vmkernel.VM), logger: logger}
}

// Mount registers vm as remotely callable under path.
func (a *Adapter) Mount(path string, vm *vmkernel.VM) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mounts[path] = vm
}

// Unmount removes path's mount, so new connections to path get a 404.
// Connections already open keep dispatching to the VM they were
// accepted for.
func (a *Adapter) Unmount(path string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.mounts, path)
}

func (a *Adapter) lookup(path string) (*vmkernel.VM, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	vm, ok := a.mounts[path]
	return vm, ok
}

// Listen starts an http.Server on port with a single upgrade endpoint
// that dispatches by URL path to the mount table.
func (a *Adapter) Listen(port int) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", a.handleUpgrade)
	a.srv = &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	return a.srv.ListenAndServe()
}

// Close shuts down the HTTP listener. Mounted VMs are not closed here —
// their owner (the factory or command that deployed them) is
// responsible for that.
func (a *Adapter) Close() error {
	if a.srv == nil {
		return nil
	}
	return a.srv.Close()
}

func (a *Adapter) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimSuffix(r.URL.Path, "/")
	if path == "" {
		path = "/"
	}
	vm, ok := a.lookup(path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.WithError(err).Warn("rpcsrv: upgrade failed")
		return
	}

	userID := r.Header.Get("X-User-Id")
	c := &connHandler{
		conn:    conn,
		vm:      vm,
		userID:  userID,
		publish: make(chan response, 256),
		done:    make(chan struct{}),
		logger:  a.logger,
	}
	go c.writePump()
	c.readPump()
}

// connHandler is one accepted WebSocket connection's read/write pumps,
// grounded on phenix/web/broker/client.go's Client: a buffered publish
// channel decouples a slow reader from the VM's call queue, and a
// periodic ping keeps the connection alive.
type connHandler struct {
	conn    *websocket.Conn
	vm      *vmkernel.VM
	userID  string
	publish chan response
	done    chan struct{}
	once    sync.Once
	logger  *logrus.Logger
}

func (c *connHandler) stop() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *connHandler) readPump() {
	defer c.stop()

	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.WithError(err).Debug("rpcsrv: read failed")
			}
			return
		}

		var req request
		if err := json.Unmarshal(msg, &req); err != nil {
			c.logger.WithError(err).Warn("rpcsrv: cannot unmarshal request frame")
			continue
		}

		go c.handle(req)
	}
}

func (c *connHandler) handle(req request) {
	if req.Method == "handshake" {
		c.respondHandshake(req.ID)
		return
	}
	if blacklist[req.Method] {
		c.respondError(req.ID, errCodeMethodNotFound, fmt.Sprintf("%v: %s", errs.ErrMethodNotSupported, req.Method))
		return
	}
	if c.vm.QueueLen() >= vmkernel.DefaultQMax {
		c.respondError(req.ID, errCodeCapacity, errs.ErrCapacity.Error())
		return
	}

	result, err := c.vm.ExecuteCall(context.Background(), req.Method, req.Args, c.userID)
	if err != nil {
		code := errCodeGuestError
		if errors.Is(err, errs.ErrMethodNotSupported) {
			code = errCodeMethodNotFound
		} else if errors.Is(err, errs.ErrCapacity) {
			code = errCodeCapacity
		}
		c.respondError(req.ID, code, err.Error())
		return
	}
	select {
	case c.publish <- response{ID: req.ID, Result: result}:
	case <-c.done:
	}
}

func (c *connHandler) respondHandshake(id int64) {
	var methods []string
	for _, name := range c.vm.Exports() {
		if !blacklist[name] {
			methods = append(methods, name)
		}
	}
	result := handshakeResult{
		Methods:         methods,
		CallLogURL:      c.vm.CallLog().URL(),
		FilesArchiveURL: c.vm.FilesArchive().URL(),
	}
	methodVals := make([]any, len(result.Methods))
	for i, name := range result.Methods {
		methodVals[i] = name
	}
	payload, err := wireval.FromGo(map[string]any{
		"methods":         methodVals,
		"callLogUrl":      result.CallLogURL,
		"filesArchiveUrl": result.FilesArchiveURL,
	})
	if err != nil {
		c.respondError(id, errCodeMethodNotFound, err.Error())
		return
	}
	select {
	case c.publish <- response{ID: id, Result: payload}:
	case <-c.done:
	}
}

func (c *connHandler) respondError(id int64, code int, msg string) {
	select {
	case c.publish <- response{ID: id, Error: &rpcError{Code: code, Message: msg}}:
	case <-c.done:
	}
}

func (c *connHandler) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.stop()

	for {
		select {
		case <-c.done:
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case msg := <-c.publish:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
