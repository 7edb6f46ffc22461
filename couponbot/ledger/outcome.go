package ledger

import (
	"time"
)

// ClaimStatus is the terminal state of one claim attempt. Every attempt
// ends in exactly one of these; none of them is an error in the Go
// sense except StatusError, which carries the underlying cause.
type ClaimStatus int

const (
	StatusSuccess ClaimStatus = iota
	StatusNoProject
	StatusBanned
	StatusDisabled
	StatusCooldown
	StatusNoStock
	StatusError
)

func (s ClaimStatus) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusNoProject:
		return "NO_PROJECT"
	case StatusBanned:
		return "BANNED"
	case StatusDisabled:
		return "DISABLED"
	case StatusCooldown:
		return "COOLDOWN"
	case StatusNoStock:
		return "NO_STOCK"
	case StatusError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ClaimResult is the full outcome of a claim attempt. Which fields are
// set depends on Status:
//
//   - StatusSuccess:  Code, ExpiryDate
//   - StatusBanned:   BanReason
//   - StatusCooldown: Remaining, Code (the previously claimed code)
//   - StatusError:    Err
type ClaimResult struct {
	Status     ClaimStatus
	Code       string
	ExpiryDate *time.Time
	BanReason  string
	Remaining  time.Duration
	Err        error

	// Invalidate tells the read-side cache what this attempt changed.
	Invalidate Invalidation
}

// Invalidation is a hint for the advisory cache layer: which cached
// reads a mutation has made stale. It is returned by value rather than
// published on a bus; the caller decides whether a cache is listening.
type Invalidation struct {
	// Projects is set when the project name list changed.
	Projects bool
	// StockOf names the project whose stock count changed, if any.
	StockOf string
}

// BanReceipt describes the ban row written by BanUser.
type BanReceipt struct {
	Created     bool // false when an existing ban was overwritten
	Global      bool
	BannedUntil *time.Time // nil means permanent
	Reason      string
}
