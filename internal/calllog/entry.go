// Package calllog implements the append-only Call Log: every VM's
// durable record of its init call and subsequent method calls, each
// entry stamped with the Files Archive version the mutation produced.
package calllog

import (
	"fmt"

	"github.com/vmledger/vmledger/internal/errs"
	"github.com/vmledger/vmledger/internal/wireval"
)

// EntryType distinguishes the two kinds of entry a log may contain.
// "oracle" is a reserved third type, decoded but never constructed or
// accepted.
type EntryType string

const (
	TypeInit   EntryType = "init"
	TypeCall   EntryType = "call"
	TypeOracle EntryType = "oracle"
)

// Entry is one line of a Call Log, in canonical field order.
type Entry struct {
	Type            EntryType     `json:"type"`
	Seq             int64         `json:"seq"`
	Code            string        `json:"code,omitempty"`
	FilesArchiveURL string        `json:"filesArchiveUrl,omitempty"`
	Method          string        `json:"method,omitempty"`
	Args            wireval.Value `json:"args"`
	Result          wireval.Value `json:"result"`
	Error           string        `json:"error,omitempty"`
	CallerID        string        `json:"callerId,omitempty"`
	FilesVersion    int64         `json:"filesVersion"`
	StartedAt       int64         `json:"startedAt"`
	FinishedAt      int64         `json:"finishedAt"`
}

// Validate rejects oracle entries and structurally malformed entries.
func (e Entry) Validate() error {
	switch e.Type {
	case TypeInit, TypeCall:
	case TypeOracle:
		return fmt.Errorf("calllog: oracle entries are not supported: %w", errs.ErrMalformedLog)
	default:
		return fmt.Errorf("calllog: unknown entry type %q: %w", e.Type, errs.ErrMalformedLog)
	}
	if e.Type == TypeInit && e.FilesArchiveURL == "" {
		return fmt.Errorf("calllog: init entry missing filesArchiveUrl: %w", errs.ErrMalformedLog)
	}
	if e.Type == TypeCall && e.Method == "" {
		return fmt.Errorf("calllog: call entry missing method: %w", errs.ErrMalformedLog)
	}
	if e.FinishedAt < e.StartedAt {
		return fmt.Errorf("calllog: finishedAt before startedAt: %w", errs.ErrMalformedLog)
	}
	return nil
}

// NewInit builds the sequence-0 init entry. filesVersion is the archive's
// version when the entry is written, before the guest script is evaluated
// (1 for a fresh archive); an init export, if any, is logged afterwards as
// its own call entry.
func NewInit(code, filesArchiveURL string, result wireval.Value, callErr string, filesVersion, startedAt, finishedAt int64) Entry {
	return Entry{
		Type:            TypeInit,
		Seq:             0,
		Code:            code,
		FilesArchiveURL: filesArchiveURL,
		Args:            wireval.Null(),
		Result:          result,
		Error:           callErr,
		FilesVersion:    filesVersion,
		StartedAt:       startedAt,
		FinishedAt:      finishedAt,
	}
}

// NewCall builds a call entry.
func NewCall(seq int64, method string, args, result wireval.Value, callErr, callerID string, filesVersion, startedAt, finishedAt int64) Entry {
	return Entry{
		Type:         TypeCall,
		Seq:          seq,
		Method:       method,
		Args:         args,
		Result:       result,
		Error:        callErr,
		CallerID:     callerID,
		FilesVersion: filesVersion,
		StartedAt:    startedAt,
		FinishedAt:   finishedAt,
	}
}
