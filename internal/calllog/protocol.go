package calllog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"
)

// FetchRequest is sent from a fetching client (replay, verify) to a
// log server. Adapted from the teacher's PoolRequest: one JSON object
// per line, a "type" discriminator selecting the remaining fields.
type FetchRequest struct {
	Type  string `json:"type"` // "get", "list"
	Seq   int64  `json:"seq,omitempty"`
	Start int64  `json:"start,omitempty"`
	End   int64  `json:"end,omitempty"`
}

// FetchResponse is sent from the log server back to the client.
// Adapted from the teacher's PoolResponse: a "type" discriminator
// selecting which optional field is populated.
type FetchResponse struct {
	Type  string `json:"type"` // "entry", "error", "done"
	Entry *Entry `json:"entry,omitempty"`
	Error string `json:"error,omitempty"`
}

// logServer serves a LocalLog's entries over a JSON-line protocol on a
// Unix-domain listener.
type logServer struct {
	log      *LocalLog
	listener net.Listener
	done     chan struct{}
}

// StartServer starts a goroutine-based log server listening at addr.
func StartServer(addr string, log *LocalLog) (*logServerHandle, error) {
	os.Remove(addr)
	listener, err := net.Listen("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("calllog: listening on %s: %w", addr, err)
	}
	s := &logServer{log: log, listener: listener, done: make(chan struct{})}
	go s.acceptLoop()
	return &logServerHandle{s}, nil
}

// logServerHandle exposes only Close to callers, keeping logServer's
// internals private.
type logServerHandle struct{ s *logServer }

func (h *logServerHandle) Close() error {
	close(h.s.done)
	return h.s.listener.Close()
}

func (s *logServer) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}
		go s.handleConn(conn)
	}
}

func (s *logServer) handleConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Minute))

	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return
	}

	var req FetchRequest
	if err := json.Unmarshal(line, &req); err != nil {
		s.send(conn, FetchResponse{Type: "error", Error: "invalid request JSON"})
		return
	}

	entries, err := s.log.ReadAll()
	if err != nil {
		s.send(conn, FetchResponse{Type: "error", Error: err.Error()})
		return
	}

	switch req.Type {
	case "get":
		if req.Seq < 0 || req.Seq >= int64(len(entries)) {
			s.send(conn, FetchResponse{Type: "error", Error: "sequence out of range"})
			return
		}
		e := entries[req.Seq]
		s.send(conn, FetchResponse{Type: "entry", Entry: &e})
	case "list":
		start, end := req.Start, req.End
		if end == 0 || end > int64(len(entries)) {
			end = int64(len(entries))
		}
		for i := start; i < end; i++ {
			e := entries[i]
			s.send(conn, FetchResponse{Type: "entry", Entry: &e})
		}
		s.send(conn, FetchResponse{Type: "done"})
	default:
		s.send(conn, FetchResponse{Type: "error", Error: fmt.Sprintf("unknown request type: %s", req.Type)})
	}
}

func (s *logServer) send(conn net.Conn, resp FetchResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	data = append(data, '\n')
	conn.Write(data)
}

// Fetch retrieves every entry from a log server at addr and returns them
// in order. dir, if non-empty, additionally persists the fetched
// entries into a fresh LocalLog rooted there.
func Fetch(addr string, dir string) ([]Entry, error) {
	conn, err := net.DialTimeout("unix", addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("calllog: dialing %s: %w", addr, err)
	}
	defer conn.Close()

	req := FetchRequest{Type: "list"}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		return nil, fmt.Errorf("calllog: sending fetch request: %w", err)
	}

	var entries []Entry
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var resp FetchResponse
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			return nil, fmt.Errorf("calllog: parsing response: %w", err)
		}
		switch resp.Type {
		case "entry":
			if resp.Entry != nil {
				entries = append(entries, *resp.Entry)
			}
		case "done":
			if dir != "" {
				local, err := OpenLocalLog(dir)
				if err != nil {
					return nil, err
				}
				for _, e := range entries {
					if err := local.Append(e); err != nil {
						return nil, err
					}
				}
			}
			return entries, nil
		case "error":
			return nil, fmt.Errorf("calllog: remote error: %s", resp.Error)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("calllog: reading response stream: %w", err)
	}
	return entries, nil
}
