// Package vmkernel implements the VM execution kernel: the state
// machine that binds a Guest Sandbox to a Files Archive and a Call Log,
// serializes every invocation, and logs each call strictly after the
// guest method returns.
package vmkernel

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/vmledger/vmledger/internal/archive"
	"github.com/vmledger/vmledger/internal/calllog"
	"github.com/vmledger/vmledger/internal/errs"
	"github.com/vmledger/vmledger/internal/sandbox"
	"github.com/vmledger/vmledger/internal/wireval"
)

// State is a position in the VM's CONSTRUCTED -> DEPLOYED -> { EVALUATED
// <-> EXECUTING } -> CLOSED state machine.
type State int

const (
	StateConstructed State = iota
	StateDeployed
	StateEvaluated
	StateExecuting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConstructed:
		return "constructed"
	case StateDeployed:
		return "deployed"
	case StateEvaluated:
		return "evaluated"
	case StateExecuting:
		return "executing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// DeployOptions configures Deploy.
type DeployOptions struct {
	// Dir is the VM's persistent data directory.
	Dir string
	// Title names a freshly created archive. Ignored on reopen.
	Title string
	// URL, if set, must agree with the archive URL already recorded in
	// meta.json — a disagreement is a fatal configuration error.
	URL string
}

// Option configures a VM at construction time, forwarded to the
// underlying sandbox.
type Option func(*VM)

// WithNondeterminismProbe installs System.test.random() in the guest
// sandbox. Used by the verify/replay test suite only.
func WithNondeterminismProbe() Option {
	return func(v *VM) { v.sandboxOpts = append(v.sandboxOpts, sandbox.WithNondeterminismProbe()) }
}

// WithChildVMs wires System.vms into the guest sandbox. Used by
// internal/factory to turn a plain VM into a factory's own guest.
func WithChildVMs(c sandbox.ChildVMs) Option {
	return func(v *VM) { v.sandboxOpts = append(v.sandboxOpts, sandbox.WithChildVMs(c)) }
}

// WithLogger overrides the console/diagnostic logger passed to the
// sandbox. Defaults to a standard logrus.Logger writing to stderr.
func WithLogger(log *logrus.Logger) Option {
	return func(v *VM) { v.logger = log }
}

// WithQMax overrides the call queue's bound. Defaults to DefaultQMax.
func WithQMax(qMax int) Option {
	return func(v *VM) { v.qMax = qMax }
}

// VM binds a Guest Sandbox to a Files Archive and a Call Log under a
// single identity, and guarantees serialized, logged execution of every
// call. See §4.4 of the design for the full state machine contract.
type VM struct {
	mu    sync.Mutex
	id    string
	code  string
	title string
	dir   string
	state State

	arch    archive.VersionedArchive
	adaptor *archive.Adaptor
	log     calllog.AppendOnlyLog
	sb      *sandbox.Sandbox

	queue        *callQueue
	stopCh       chan struct{}
	workerExited chan struct{}
	readyCh      chan struct{}
	closedCh     chan struct{}
	closeOnce    sync.Once

	sandboxOpts []sandbox.Option
	logger      *logrus.Logger
	qMax        int
}

// New constructs a VM from an immutable guest script. It touches no
// disk; call Deploy to bind it to a data directory.
func New(code string, opts ...Option) *VM {
	v := &VM{
		id:           uuid.NewString(),
		code:         code,
		state:        StateConstructed,
		stopCh:       make(chan struct{}),
		workerExited: make(chan struct{}),
		readyCh:      make(chan struct{}),
		closedCh:     make(chan struct{}),
		logger:       logrus.New(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// ID returns the VM's identity, assigned once at construction.
func (v *VM) ID() string { return v.id }

// Code returns the immutable guest script.
func (v *VM) Code() string { return v.code }

// State reports the VM's current position in the state machine.
func (v *VM) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// Ready is closed once deploy has finished running the guest's init
// export (if any) and the VM is accepting calls.
func (v *VM) Ready() <-chan struct{} { return v.readyCh }

// Closed is closed once Close has fully torn the VM down.
func (v *VM) Closed() <-chan struct{} { return v.closedCh }

// FilesArchive returns the VM's bound archive.
func (v *VM) FilesArchive() archive.VersionedArchive { return v.arch }

// CallLog returns the VM's bound call log.
func (v *VM) CallLog() calllog.AppendOnlyLog { return v.log }

// Exports returns the guest script's exported method names. Used by
// the RPC Adapter to answer handshake requests.
func (v *VM) Exports() []string {
	v.mu.Lock()
	sb := v.sb
	v.mu.Unlock()
	if sb == nil {
		return nil
	}
	return sb.Exports()
}

// Deploy binds the VM to dir: reopening an existing archive/log pair if
// meta.json already names one, or creating a fresh pair otherwise. It
// evaluates the guest script exactly once and, if the script exports
// init, runs it as an ordinary logged call before Ready is emitted.
//
// The init export only runs on a fresh deploy (a brand-new archive and
// log). A reopen against an existing dir does not re-invoke init —
// otherwise every process restart would append a duplicate init call to
// an already-replayable log.
func (v *VM) Deploy(ctx context.Context, opts DeployOptions) error {
	v.mu.Lock()
	if v.state != StateConstructed {
		v.mu.Unlock()
		return fmt.Errorf("vmkernel: deploy called from state %s, want %s", v.state, StateConstructed)
	}
	v.mu.Unlock()

	dir := opts.Dir
	m, exists, err := readMeta(dir)
	if err != nil {
		return err
	}

	fresh := !exists
	if exists && opts.URL != "" && opts.URL != m.URL {
		return fmt.Errorf("%w: deploy requested url %q but meta.json records %q", errs.ErrAssertionMismatch, opts.URL, m.URL)
	}

	arch, err := archive.NewLocalArchive(filepath.Join(dir, "files"))
	if err != nil {
		return fmt.Errorf("%w: opening files archive: %v", errs.ErrStore, err)
	}
	if exists && arch.URL() != m.URL {
		return fmt.Errorf("%w: archive url %q disagrees with meta.json %q", errs.ErrAssertionMismatch, arch.URL(), m.URL)
	}

	lg, err := calllog.OpenLocalLog(filepath.Join(dir, "log"))
	if err != nil {
		return fmt.Errorf("%w: opening call log: %v", errs.ErrStore, err)
	}
	if exists {
		entries, err := lg.ReadAll()
		if err != nil {
			return fmt.Errorf("%w: reading call log: %v", errs.ErrStore, err)
		}
		if len(entries) > 0 && entries[0].FilesArchiveURL != m.URL {
			return fmt.Errorf("%w: call log init records url %q but meta.json records %q", errs.ErrAssertionMismatch, entries[0].FilesArchiveURL, m.URL)
		}
	}

	if fresh {
		m = meta{Title: opts.Title, URL: arch.URL()}
		if err := writeMeta(dir, m); err != nil {
			return err
		}
		started := time.Now().UnixMilli()
		initEntry := calllog.NewInit(v.code, arch.URL(), wireval.Null(), "", arch.Version(), started, started)
		if err := lg.Append(initEntry); err != nil {
			return fmt.Errorf("%w: appending init record: %v", errs.ErrStore, err)
		}
	}

	v.mu.Lock()
	v.dir = dir
	v.title = m.Title
	v.arch = arch
	v.adaptor = archive.NewAdaptor(arch)
	v.log = lg
	v.state = StateDeployed
	v.mu.Unlock()

	sb, err := sandbox.New(v.code, v.adaptor, v.logger, v.sandboxOpts...)
	if err != nil {
		return err
	}
	v.mu.Lock()
	v.sb = sb
	v.queue = newCallQueue(v.qMax)
	v.mu.Unlock()

	if fresh && sb.HasMethod("init") {
		if _, err := v.doCall(ctx, "init", wireval.Null(), ""); err != nil {
			return fmt.Errorf("%w: running init export: %v", errs.ErrGuestError, err)
		}
	}

	v.mu.Lock()
	v.state = StateEvaluated
	v.mu.Unlock()

	go v.runWorker()
	close(v.readyCh)
	return nil
}

// ExecuteCall enqueues a call and blocks until the VM's worker has
// dequeued, executed, and logged it. Precondition: Deploy has
// completed. Violating this is a programmer error, surfaced as an
// ordinary error rather than a panic.
func (v *VM) ExecuteCall(ctx context.Context, method string, args wireval.Value, callerID string) (wireval.Value, error) {
	v.mu.Lock()
	state := v.state
	queue := v.queue
	v.mu.Unlock()

	if state == StateConstructed {
		return wireval.Value{}, fmt.Errorf("vmkernel: executeCall before deploy")
	}
	if state == StateClosed {
		return wireval.Value{}, fmt.Errorf("%w: vm is closed", errs.ErrClosed)
	}

	req := &callRequest{
		ctx:      ctx,
		method:   method,
		args:     args,
		callerID: callerID,
		result:   make(chan callResult, 1),
	}
	if err := queue.enqueue(req); err != nil {
		return wireval.Value{}, err
	}
	res := <-req.result
	return res.value, res.err
}

// QueueLen reports the number of calls currently waiting to execute.
func (v *VM) QueueLen() int {
	v.mu.Lock()
	q := v.queue
	v.mu.Unlock()
	if q == nil {
		return 0
	}
	return q.len()
}

// Stats is a point-in-time snapshot for diagnostics (the watch TUI).
type Stats struct {
	ID            string
	State         string
	Title         string
	FilesVersion  int64
	LogLength     int64
	QueueLen      int
	FilesArchive  string
	CallLogURL    string
}

// Stats returns a snapshot of the VM's current state.
func (v *VM) Stats() Stats {
	v.mu.Lock()
	state := v.state
	title := v.title
	arch := v.arch
	lg := v.log
	v.mu.Unlock()

	st := Stats{ID: v.id, State: state.String(), Title: title}
	if arch != nil {
		st.FilesVersion = arch.Version()
		st.FilesArchive = arch.URL()
	}
	if lg != nil {
		st.CallLogURL = lg.URL()
		if n, err := lg.Len(); err == nil {
			st.LogLength = n
		}
	}
	st.QueueLen = v.QueueLen()
	return st
}

// runWorker is the VM's single execution goroutine: it guarantees that
// at most one guest method runs at a time, which is the basis for
// deterministic replay (§4.4 key design choice 1).
func (v *VM) runWorker() {
	defer close(v.workerExited)
	for {
		select {
		case req, ok := <-v.queue.ch:
			if !ok {
				return
			}
			select {
			case <-v.stopCh:
				req.result <- callResult{err: fmt.Errorf("%w: vm is closing", errs.ErrClosed)}
				v.drainPending()
				return
			default:
			}
			v.mu.Lock()
			v.state = StateExecuting
			v.mu.Unlock()

			value, err := v.doCall(req.ctx, req.method, req.args, req.callerID)

			v.mu.Lock()
			if v.state != StateClosed {
				v.state = StateEvaluated
			}
			v.mu.Unlock()

			req.result <- callResult{value: value, err: err}
		case <-v.stopCh:
			v.drainPending()
			return
		}
	}
}

// drainPending fails every call still sitting in the queue buffer with
// a closed error, per the §5 cancellation rule: queued-but-not-yet-
// active calls are cancelled on close.
func (v *VM) drainPending() {
	for {
		select {
		case req, ok := <-v.queue.ch:
			if !ok {
				return
			}
			req.result <- callResult{err: fmt.Errorf("%w: vm is closing", errs.ErrClosed)}
		default:
			return
		}
	}
}

// doCall runs method against the sandbox, then appends the
// corresponding call entry — log-after-execute, so the append happens
// whether the guest method succeeded or threw (§4.4 key design choice 2).
func (v *VM) doCall(ctx context.Context, method string, args wireval.Value, callerID string) (wireval.Value, error) {
	started := time.Now().UnixMilli()
	res, callErr := v.sb.Invoke(ctx, method, args, callerID)
	finished := time.Now().UnixMilli()

	errMsg := ""
	if callErr != nil {
		errMsg = callErr.Error()
	}

	seq, err := v.log.Len()
	if err != nil {
		return wireval.Value{}, fmt.Errorf("%w: reading log length: %v", errs.ErrStore, err)
	}
	entry := calllog.NewCall(seq, method, args, res, errMsg, callerID, v.arch.Version(), started, finished)
	if appendErr := v.log.Append(entry); appendErr != nil {
		return wireval.Value{}, fmt.Errorf("%w: appending call record: %v", errs.ErrStore, appendErr)
	}
	if callErr != nil {
		return wireval.Value{}, callErr
	}
	return res, nil
}

// Close is idempotent and terminal: queued-but-inactive calls are
// cancelled, the active call (if any) is allowed to finish, then the
// sandbox is dropped. The archive and log hold no open handles between
// operations, so nothing else is released.
func (v *VM) Close() error {
	v.closeOnce.Do(func() {
		v.mu.Lock()
		wasDeployed := v.queue != nil
		v.state = StateClosed
		v.mu.Unlock()

		if wasDeployed {
			v.queue.markClosed()
			close(v.stopCh)
			<-v.workerExited
		}

		v.mu.Lock()
		v.sb = nil
		v.mu.Unlock()

		close(v.closedCh)
	})
	return nil
}
