package vmkernel

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/vmledger/vmledger/internal/calllog"
	"github.com/vmledger/vmledger/internal/errs"
)

// ReadGuestCode returns the guest script recorded in dir's call log,
// for commands that need to reopen an existing VM without the caller
// re-supplying its source (the code lives in the log's init entry, not
// in meta.json).
func ReadGuestCode(dir string) (string, error) {
	lg, err := calllog.OpenLocalLog(filepath.Join(dir, "log"))
	if err != nil {
		return "", fmt.Errorf("%w: opening call log: %v", errs.ErrStore, err)
	}
	entries, err := lg.ReadAll()
	if err != nil {
		return "", fmt.Errorf("%w: reading call log: %v", errs.ErrStore, err)
	}
	if len(entries) == 0 || entries[0].Type != calllog.TypeInit {
		return "", fmt.Errorf("%w: call log does not begin with an init entry", errs.ErrMalformedLog)
	}
	return entries[0].Code, nil
}

// Open reopens an existing VM directory, reading its guest code from
// the call log before deploying. Returns an errs.ErrMalformedLog-wrapped
// error if dir has never been deployed (its call log has no init entry).
func Open(ctx context.Context, dir string, opts ...Option) (*VM, error) {
	code, err := ReadGuestCode(dir)
	if err != nil {
		return nil, err
	}
	v := New(code, opts...)
	if err := v.Deploy(ctx, DeployOptions{Dir: dir}); err != nil {
		return nil, err
	}
	return v, nil
}
