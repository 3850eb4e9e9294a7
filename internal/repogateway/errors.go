package repogateway

import "errors"

// Sentinel errors of the gateway: the first three are returned by Commit,
// matching the outcome taxonomy in SPEC_FULL.md §7; ErrNotFound is
// returned by a Transport's Download for a missing path.
var (
	// ErrPreconditionFailed means the commit's base revision was stale
	// (HTTP 412 / "A commit has happened since"); the caller should
	// re-read current state and retry.
	ErrPreconditionFailed = errors.New("repogateway: precondition failed, remote ref advanced")

	// ErrTooManyRequests means Commit gave up: it used all its attempts
	// on precondition failures (rate-limit waits consume none), or the
	// context ended during a rate-limit wait.
	ErrTooManyRequests = errors.New("repogateway: too many requests")

	// ErrUsePullRequest means direct commits are rejected and a pull
	// request must be opened instead; Commit itself handles this
	// transparently by retrying with CreatePR set, so callers only see
	// this if that retry also failed.
	ErrUsePullRequest = errors.New("repogateway: direct commit rejected, pull request required")

	// ErrNotFound means the requested path does not exist in the repo.
	ErrNotFound = errors.New("repogateway: path not found")
)
