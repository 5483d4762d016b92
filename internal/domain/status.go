package domain

// Status lifecycle state of a transaction. Values only move forward.
type Status string

const (
	StatusRequested  Status = "requested"
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// rank orders statuses; terminal statuses share the highest rank.
func (s Status) rank() int {
	switch s {
	case StatusRequested:
		return 1
	case StatusPending:
		return 2
	case StatusProcessing:
		return 3
	case StatusCompleted, StatusFailed, StatusCancelled:
		return 4
	default:
		return 0
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s.rank() > 0
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s.rank() == 4
}

// Cancellable reports whether the holder may still cancel.
func (s Status) Cancellable() bool {
	return s == StatusRequested || s == StatusPending
}

// Refunds reports whether entering s must return the reserved funds.
func (s Status) Refunds() bool {
	return s == StatusFailed || s == StatusCancelled
}

// CanAdvanceTo reports whether moving from s to next is a legal forward step.
// Completed is only reachable from processing, cancelled only before processing.
func (s Status) CanAdvanceTo(next Status) bool {
	if !s.Valid() || !next.Valid() || s.Terminal() {
		return false
	}
	if next.rank() <= s.rank() {
		return false
	}

	switch next {
	case StatusCompleted:
		return s == StatusProcessing
	case StatusCancelled:
		return s.Cancellable()
	case StatusFailed:
		return s == StatusPending || s == StatusProcessing
	default:
		return true
	}
}

// String returns the string representation.
func (s Status) String() string {
	return string(s)
}

// Kind type of ledger operation.
type Kind string

const (
	KindTransfer   Kind = "transfer"
	KindWithdrawal Kind = "withdrawal"
	KindConversion Kind = "conversion"
	KindDeposit    Kind = "deposit"
	KindMigration  Kind = "migration"
)

// Direction how a transaction moved value relative to the owning account.
type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
	DirectionInternal Direction = "internal"
)
