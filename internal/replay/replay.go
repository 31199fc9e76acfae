// Package replay implements the Replay Driver: reconstructing a VM from
// nothing but its Call Log, re-running every logged call against a
// fresh deploy in the exact order and with the exact arguments the
// original run observed.
package replay

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/vmledger/vmledger/internal/calllog"
	"github.com/vmledger/vmledger/internal/errs"
	"github.com/vmledger/vmledger/internal/vmkernel"
)

func newScratchDir() (string, error) {
	return os.MkdirTemp("", "vmledger-replay-*")
}

// Assertions pins the replay to the archive the original log claims to
// have produced. A disagreement here means the log was handed to the
// wrong guest or has been substituted.
type Assertions struct {
	FilesArchiveURL string
}

// Option configures FromCallLog.
type Option func(*options)

type options struct {
	dir    string
	logger *logrus.Logger
	qMax   int
}

// WithDir deploys the rebuilt VM into dir instead of a fresh temporary
// directory.
func WithDir(dir string) Option {
	return func(o *options) { o.dir = dir }
}

// WithLogger overrides the logger threaded through to the rebuilt VM's
// sandbox.
func WithLogger(log *logrus.Logger) Option {
	return func(o *options) { o.logger = log }
}

// WithQMax overrides the rebuilt VM's call queue bound.
func WithQMax(qMax int) Option {
	return func(o *options) { o.qMax = qMax }
}

// FromCallLog rebuilds a VM by replaying log against assertions,
// per §4.6 steps 1-6. On success it returns a VM deployed into a fresh
// directory (or the one named by WithDir) whose own call log should be
// byte-identical to log under honest, deterministic guest execution.
func FromCallLog(ctx context.Context, log calllog.AppendOnlyLog, assertions Assertions, opts ...Option) (*vmkernel.VM, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	entries, err := log.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: reading call log: %v", errs.ErrStore, err)
	}
	if len(entries) == 0 || entries[0].Type != calllog.TypeInit {
		return nil, fmt.Errorf("%w: call log must begin with an init entry", errs.ErrMalformedLog)
	}
	initEntry := entries[0]

	if assertions.FilesArchiveURL != "" && assertions.FilesArchiveURL != initEntry.FilesArchiveURL {
		return nil, fmt.Errorf("%w: assertions.filesArchiveUrl %q disagrees with init.filesArchiveUrl %q",
			errs.ErrAssertionMismatch, assertions.FilesArchiveURL, initEntry.FilesArchiveURL)
	}

	dir := o.dir
	if dir == "" {
		var err error
		dir, err = newScratchDir()
		if err != nil {
			return nil, fmt.Errorf("%w: allocating scratch directory: %v", errs.ErrStore, err)
		}
	}

	var vmOpts []vmkernel.Option
	if o.logger != nil {
		vmOpts = append(vmOpts, vmkernel.WithLogger(o.logger))
	}
	if o.qMax != 0 {
		vmOpts = append(vmOpts, vmkernel.WithQMax(o.qMax))
	}

	vm := vmkernel.New(initEntry.Code, vmOpts...)
	if err := vm.Deploy(ctx, vmkernel.DeployOptions{Dir: dir}); err != nil {
		return nil, fmt.Errorf("replay: deploying rebuilt vm: %w", err)
	}

	// Deploy already performed the one natural init invocation (the
	// fresh-deploy-only rule in internal/vmkernel), which reproduces the
	// call entry immediately following the init record. Skip that one
	// entry and replay everything after it.
	rest := entries[1:]
	if len(rest) > 0 && rest[0].Type == calllog.TypeCall && rest[0].Method == "init" {
		rest = rest[1:]
	}
	for _, entry := range rest {
		switch entry.Type {
		case calllog.TypeCall:
			if _, err := vm.ExecuteCall(ctx, entry.Method, entry.Args, entry.CallerID); err != nil {
				if entry.Error == "" {
					return nil, fmt.Errorf("replay: call %q (seq %d) failed but the original succeeded: %w", entry.Method, entry.Seq, err)
				}
			}
		default:
			// Unknown entry types (e.g. a future "oracle" kind) are
			// ignored for forward compatibility, per §4.6 step 5.
		}
	}

	return vm, nil
}
