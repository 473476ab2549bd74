package storage

// Status is the canonical ledger status, independent of any rail's vocabulary.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

func (s Status) rank() int {
	switch s {
	case StatusProcessing:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	}
	return 0
}

// Terminal reports whether s can no longer change.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Transition decides the effect of an incoming status on a stored one.
// apply is false when the row must not be written at all (terminal rows, or a
// stale event ranked below the stored status). changed is true only when the
// stored status moves forward.
func Transition(current, incoming Status) (next Status, apply, changed bool) {
	if current.Terminal() {
		return current, false, false
	}
	if incoming.rank() < current.rank() {
		return current, false, false
	}
	return incoming, true, incoming != current
}
