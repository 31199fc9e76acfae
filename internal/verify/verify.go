// Package verify implements the Verifier: structural comparison of two
// Call Logs or two Files Archives, used to detect tampering or guest
// nondeterminism between an original run and its replay.
package verify

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/vmledger/vmledger/internal/archive"
	"github.com/vmledger/vmledger/internal/calllog"
	"github.com/vmledger/vmledger/internal/errs"
	"github.com/vmledger/vmledger/internal/wireval"
)

// CompareLogs fails unless a and b have equal length and every entry at
// the same sequence is structurally identical (§4.7). Every divergent
// sequence is collected, not just the first, so a human can see the
// full shape of a mismatch.
func CompareLogs(a, b calllog.AppendOnlyLog) error {
	aEntries, err := a.ReadAll()
	if err != nil {
		return fmt.Errorf("%w: reading log a: %v", errs.ErrStore, err)
	}
	bEntries, err := b.ReadAll()
	if err != nil {
		return fmt.Errorf("%w: reading log b: %v", errs.ErrStore, err)
	}

	var result *multierror.Error
	if len(aEntries) != len(bEntries) {
		result = multierror.Append(result, fmt.Errorf("log length differs: %d vs %d", len(aEntries), len(bEntries)))
	}
	n := len(aEntries)
	if len(bEntries) < n {
		n = len(bEntries)
	}
	for i := 0; i < n; i++ {
		if diff := diffEntry(aEntries[i], bEntries[i]); diff != "" {
			result = multierror.Append(result, fmt.Errorf("entry %d: %s", i, diff))
		}
	}
	if result != nil {
		return fmt.Errorf("%w: %v", errs.ErrVerifierMismatch, result)
	}
	return nil
}

func diffEntry(a, b calllog.Entry) string {
	switch {
	case a.Type != b.Type:
		return fmt.Sprintf("type %q vs %q", a.Type, b.Type)
	case a.Method != b.Method:
		return fmt.Sprintf("method %q vs %q", a.Method, b.Method)
	case a.Code != b.Code:
		return "code differs"
	case a.CallerID != b.CallerID:
		return fmt.Sprintf("callerId %q vs %q", a.CallerID, b.CallerID)
	case a.FilesVersion != b.FilesVersion:
		return fmt.Sprintf("filesVersion %d vs %d", a.FilesVersion, b.FilesVersion)
	case (a.Error == "") != (b.Error == ""):
		return "one entry raised a guest error and the other did not"
	case !valuesEqual(a.Args, b.Args):
		return "args differ"
	case !valuesEqual(a.Result, b.Result):
		return "result differs"
	}
	return ""
}

func valuesEqual(a, b wireval.Value) bool {
	aj, aerr := a.MarshalJSON()
	bj, berr := b.MarshalJSON()
	if aerr != nil || berr != nil {
		return false
	}
	return string(aj) == string(bj)
}

// CompareArchives fails unless a and b have equal versions and every
// path present in either has identical bytes (or is absent from both).
func CompareArchives(ctx context.Context, a, b archive.VersionedArchive) error {
	var result *multierror.Error

	if a.Version() != b.Version() {
		result = multierror.Append(result, fmt.Errorf("archive version differs: %d vs %d", a.Version(), b.Version()))
	}

	paths, err := unionPaths(a, b)
	if err != nil {
		return fmt.Errorf("%w: listing archive paths: %v", errs.ErrStore, err)
	}
	for _, p := range paths {
		aInfo, aErr := a.Stat(p)
		bInfo, bErr := b.Stat(p)
		aMissing := aErr != nil
		bMissing := bErr != nil
		if aMissing != bMissing {
			result = multierror.Append(result, fmt.Errorf("%s: present in one archive but not the other", p))
			continue
		}
		if aMissing && bMissing {
			continue
		}
		if aInfo.IsDir != bInfo.IsDir {
			result = multierror.Append(result, fmt.Errorf("%s: directory-ness differs", p))
			continue
		}
		if aInfo.IsDir {
			continue
		}
		aBytes, _, aErr := a.ReadFileAt(p, 0, int(aInfo.Size))
		bBytes, _, bErr := b.ReadFileAt(p, 0, int(bInfo.Size))
		if aErr != nil || bErr != nil {
			result = multierror.Append(result, fmt.Errorf("%s: failed to read for comparison", p))
			continue
		}
		if string(aBytes) != string(bBytes) {
			result = multierror.Append(result, fmt.Errorf("%s: file bytes differ", p))
		}
	}

	if result != nil {
		return fmt.Errorf("%w: %v", errs.ErrVerifierMismatch, result)
	}
	return nil
}

// unionPaths walks both archives' directory trees from root and
// returns the union of every file path encountered.
func unionPaths(a, b archive.VersionedArchive) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	for _, arch := range []archive.VersionedArchive{a, b} {
		if err := walk(arch, "", seen, &out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func walk(arch archive.VersionedArchive, dir string, seen map[string]struct{}, out *[]string) error {
	entries, _, err := arch.Readdir(dir)
	if err != nil {
		// A missing directory on one side is reported by the per-path
		// presence check in CompareArchives, not here.
		return nil
	}
	for _, e := range entries {
		p := e.Name
		if dir != "" {
			p = dir + "/" + e.Name
		}
		if e.IsDir {
			if err := walk(arch, p, seen, out); err != nil {
				return err
			}
			continue
		}
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			*out = append(*out, p)
		}
	}
	return nil
}
