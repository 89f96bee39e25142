package gitsync

import (
	"github.com/babygitr/babygitr/internal/errs"
	"github.com/babygitr/babygitr/internal/gitsync"
)

// Outcome describes a completed reconciliation cycle.
type Outcome = gitsync.Outcome

// Action is what a cycle did: NoOp, FastForwarded, ForceReplaced or Pushed.
type Action = gitsync.Action

const (
	NoOp          = gitsync.NoOp
	FastForwarded = gitsync.FastForwarded
	ForceReplaced = gitsync.ForceReplaced
	Pushed        = gitsync.Pushed
)

// Error kinds. Every error returned by a Synchronizer, other than the caller's
// own context cancellation, matches exactly one of these with errors.Is.
var (
	// ErrConfiguration reports an invalid configuration or a local path that
	// holds something other than a repository.
	ErrConfiguration = errs.ErrConfiguration
	// ErrCredentialResolution reports that credentials could not be built or
	// exchanged. The remote was not contacted.
	ErrCredentialResolution = errs.ErrCredentialResolution
	// ErrAuthenticationRejected reports that the remote refused the
	// credentials. A later cycle resolves them again.
	ErrAuthenticationRejected = errs.ErrAuthenticationRejected
	// ErrTransport reports a network or protocol failure. Retrying later is
	// safe.
	ErrTransport = errs.ErrTransport
	// ErrConflict reports that the remote kept moving while a push was retried.
	// Local history is left intact for the next cycle.
	ErrConflict = errs.ErrConflict
	// ErrRepositoryState reports corrupt or unreadable local repository data.
	ErrRepositoryState = errs.ErrRepositoryState
)

// Error carries the local path, remote URL and branch of a failed operation.
type Error = errs.Error
