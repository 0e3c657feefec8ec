package job

import "fmt"

// Priority orders queued jobs. It never preempts a running one.
type Priority int

const (
	PriorityUrgent Priority = iota
	PriorityHigh
	PriorityLow
	PriorityNone

	numPriorities = int(PriorityNone) + 1
)

func (p Priority) String() string {
	switch p {
	case PriorityUrgent:
		return "urgent"
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	case PriorityNone:
		return "none"
	default:
		return fmt.Sprintf("Priority(%d)", int(p))
	}
}

func (p Priority) valid() bool {
	return p >= PriorityUrgent && p <= PriorityNone
}
