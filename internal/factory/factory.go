// Package factory implements the VM Factory: a VM whose own guest
// script provisions and tears down child VMs, reusing the same
// execution kernel recursively for each child.
package factory

import (
	"context"
	"crypto/rand"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid"
	"github.com/sirupsen/logrus"

	"github.com/vmledger/vmledger/internal/archive"
	"github.com/vmledger/vmledger/internal/errs"
	"github.com/vmledger/vmledger/internal/vmkernel"
	"github.com/vmledger/vmledger/internal/wireval"
)

// Mounts is the narrow surface the RPC Adapter implements so the
// factory can mount/unmount a child VM under its own id without
// factory depending on the adapter package directly.
type Mounts interface {
	Mount(path string, vm *vmkernel.VM)
	Unmount(path string)
}

type noopMounts struct{}

func (noopMounts) Mount(string, *vmkernel.VM) {}
func (noopMounts) Unmount(string)             {}

// Option configures a Factory at construction time.
type Option func(*Factory)

// WithMaxVMs bounds the number of simultaneously provisioned children.
// Zero (the default) means unbounded.
func WithMaxVMs(max int) Option {
	return func(f *Factory) { f.maxVMs = max }
}

// WithMounts wires the factory to an RPC Adapter's mount table. Without
// this, provisioned children are tracked but never exposed remotely.
func WithMounts(m Mounts) Option {
	return func(f *Factory) { f.mounts = m }
}

// WithLogger overrides the logger threaded through to every VM's
// sandbox (the factory's own, and each child's).
func WithLogger(log *logrus.Logger) Option {
	return func(f *Factory) { f.logger = log }
}

// WithQMax overrides the call queue bound applied to the factory's own
// VM and to every child it provisions.
func WithQMax(qMax int) Option {
	return func(f *Factory) { f.qMax = qMax }
}

// Factory is a VM whose script exports at minimum provisionVM/shutdownVM
// (§4.5). Composition, not inheritance: Factory *has* a vmkernel.VM (its
// own guest) plus a child registry and a native System.vms implementation
// installed into that VM's sandbox.
type Factory struct {
	mu       sync.Mutex
	dir      string
	maxVMs   int
	qMax     int
	entropy  *ulid.MonotonicEntropy
	children map[string]*vmkernel.VM
	mounts   Mounts
	logger   *logrus.Logger

	own *vmkernel.VM
}

// New constructs a factory whose own guest script is code, rooted at
// dir. Call Deploy to bind it and run its own init export, if any.
func New(code string, dir string, opts ...Option) *Factory {
	f := &Factory{
		dir:      dir,
		children: make(map[string]*vmkernel.VM),
		mounts:   noopMounts{},
		logger:   logrus.New(),
		entropy:  ulid.Monotonic(rand.Reader, 0),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.own = vmkernel.New(code,
		vmkernel.WithChildVMs(f),
		vmkernel.WithLogger(f.logger),
		vmkernel.WithQMax(f.qMax),
	)
	return f
}

// Deploy binds the factory's own VM to its data directory, then
// reprovisions any children recorded by a prior run (the factory
// process may have restarted with children still persisted on disk).
func (f *Factory) Deploy(ctx context.Context, title string) error {
	if err := f.own.Deploy(ctx, vmkernel.DeployOptions{Dir: f.dir, Title: title}); err != nil {
		return err
	}
	return f.reprovisionSavedVMs(ctx)
}

// VM returns the factory's own VM, for mounting at the RPC Adapter root.
func (f *Factory) VM() *vmkernel.VM { return f.own }

// NumVMs reports the number of currently registered children.
func (f *Factory) NumVMs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.children)
}

// Provision implements sandbox.ChildVMs. args must be an object with a
// non-empty string "code" field and an optional string "title" field.
func (f *Factory) Provision(ctx context.Context, args wireval.Value) (wireval.Value, error) {
	codeVal, ok := args.Get("code")
	if !ok {
		return wireval.Value{}, fmt.Errorf("provisionVM: args.code is required")
	}
	code, ok := codeVal.String()
	if !ok || code == "" {
		return wireval.Value{}, fmt.Errorf("provisionVM: args.code must be a non-empty string")
	}
	title := ""
	if titleVal, ok := args.Get("title"); ok {
		title, _ = titleVal.String()
	}

	f.mu.Lock()
	if f.maxVMs > 0 && len(f.children) >= f.maxVMs {
		f.mu.Unlock()
		return wireval.Value{}, fmt.Errorf("%w: factory at maxVMs (%d)", errs.ErrCapacity, f.maxVMs)
	}
	id := f.newChildID()
	f.mu.Unlock()

	child := vmkernel.New(code, vmkernel.WithLogger(f.logger), vmkernel.WithQMax(f.qMax))
	childDir := filepath.Join(f.dir, id)
	if err := child.Deploy(ctx, vmkernel.DeployOptions{Dir: childDir, Title: title}); err != nil {
		return wireval.Value{}, fmt.Errorf("provisionVM: deploying child %s: %w", id, err)
	}

	f.mu.Lock()
	f.children[id] = child
	f.mu.Unlock()
	f.mounts.Mount("/"+id, child)

	if err := f.recordChild(id, code, title); err != nil {
		f.logger.WithError(err).Warn("provisionVM: failed to persist child record for reprovisioning")
	}

	return wireval.Object(
		wireval.Field("id", wireval.String(id)),
		wireval.Field("callLogUrl", wireval.String(child.CallLog().URL())),
		wireval.Field("filesArchiveUrl", wireval.String(child.FilesArchive().URL())),
	), nil
}

// Shutdown implements sandbox.ChildVMs: unmounts and closes the named
// child. A missing id is an error.
func (f *Factory) Shutdown(ctx context.Context, id string) (wireval.Value, error) {
	f.mu.Lock()
	child, ok := f.children[id]
	if ok {
		delete(f.children, id)
	}
	f.mu.Unlock()
	if !ok {
		return wireval.Value{}, fmt.Errorf("shutdownVM: unknown id %q", id)
	}

	f.mounts.Unmount("/" + id)
	if err := child.Close(); err != nil {
		return wireval.Value{}, fmt.Errorf("shutdownVM: closing child %s: %w", id, err)
	}

	a := archive.NewAdaptor(f.own.FilesArchive())
	if _, err := a.Unlink("/vms/" + id + ".json"); err != nil {
		f.logger.WithError(err).Warnf("shutdownVM: removing saved record for %s", id)
	}
	return wireval.Null(), nil
}

// Close closes every child, then the factory's own VM.
func (f *Factory) Close() error {
	f.mu.Lock()
	children := make([]*vmkernel.VM, 0, len(f.children))
	for id, child := range f.children {
		children = append(children, child)
		f.mounts.Unmount("/" + id)
	}
	f.children = make(map[string]*vmkernel.VM)
	f.mu.Unlock()

	for _, child := range children {
		child.Close()
	}
	return f.own.Close()
}

func (f *Factory) newChildID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), f.entropy).String()
}

// recordChild persists a child's provisioning parameters under the
// factory's own Files Archive, at /vms/<id>.json, so a later process
// restart can rebuild the registry and remount every child via
// reprovisionSavedVMs.
func (f *Factory) recordChild(id, code, title string) error {
	a := archive.NewAdaptor(f.own.FilesArchive())
	record := wireval.Object(
		wireval.Field("id", wireval.String(id)),
		wireval.Field("code", wireval.String(code)),
		wireval.Field("title", wireval.String(title)),
	)
	if _, err := a.Mkdir("/vms"); err != nil {
		f.logger.WithError(err).Debug("recordChild: /vms already exists")
	}
	_, err := a.WriteFile("/vms/"+id+".json", record, archive.EncodingJSON)
	return err
}

// reprovisionSavedVMs rebuilds the child registry from /vms/*.json
// records left by a previous run of this factory, reopening each
// child's existing data directory rather than provisioning a fresh one.
func (f *Factory) reprovisionSavedVMs(ctx context.Context) error {
	a := archive.NewAdaptor(f.own.FilesArchive())
	listing, err := a.Readdir("/vms")
	if err != nil {
		// No prior children recorded; nothing to restore.
		return nil
	}
	entries, _ := listing.Array()
	for _, entry := range entries {
		nameVal, ok := entry.Get("name")
		if !ok {
			continue
		}
		name, _ := nameVal.String()
		recordVal, err := a.ReadFile("/vms/"+name, archive.EncodingJSON)
		if err != nil {
			f.logger.WithError(err).Warnf("reprovisionSavedVMs: reading %s", name)
			continue
		}
		idVal, _ := recordVal.Get("id")
		codeVal, _ := recordVal.Get("code")
		titleVal, _ := recordVal.Get("title")
		id, _ := idVal.String()
		code, _ := codeVal.String()
		title, _ := titleVal.String()
		if id == "" || code == "" {
			continue
		}

		child := vmkernel.New(code, vmkernel.WithLogger(f.logger), vmkernel.WithQMax(f.qMax))
		childDir := filepath.Join(f.dir, id)
		if err := child.Deploy(ctx, vmkernel.DeployOptions{Dir: childDir, Title: title}); err != nil {
			f.logger.WithError(err).Warnf("reprovisionSavedVMs: redeploying child %s", id)
			continue
		}

		f.mu.Lock()
		f.children[id] = child
		f.mu.Unlock()
		f.mounts.Mount("/"+id, child)
	}
	return nil
}
