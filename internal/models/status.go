package models

// Status is the lifecycle state of a conversation.
type Status string

const (
	StatusPending       Status = "PENDING"
	StatusProgress      Status = "PROGRESS"
	StatusUserClosed    Status = "USER_CLOSED"
	StatusSupportClosed Status = "SUPPORT_CLOSED"
	StatusAgentClosed   Status = "AGENT_CLOSED"
	StatusExpired       Status = "EXPIRED"
	StatusIdleTimeout   Status = "IDLE_TIMEOUT"
	StatusFailed        Status = "FAILED"
)

// lowest number wins; non-terminal states never outrank a terminal one
var priorities = map[Status]int{
	StatusFailed:        1,
	StatusUserClosed:    2,
	StatusSupportClosed: 3,
	StatusAgentClosed:   4,
	StatusExpired:       5,
	StatusIdleTimeout:   5,
}

var allowed = map[Status]map[Status]bool{
	StatusPending: {
		StatusProgress: true,
		StatusExpired:  true,
		StatusFailed:   true,
	},
	StatusProgress: {
		StatusUserClosed:    true,
		StatusSupportClosed: true,
		StatusAgentClosed:   true,
		StatusExpired:       true,
		StatusIdleTimeout:   true,
		StatusFailed:        true,
	},
}

// OpenStatuses lists the non-terminal states.
var OpenStatuses = []Status{StatusPending, StatusProgress}

// AllStatuses lists every state in declaration order.
var AllStatuses = []Status{
	StatusPending, StatusProgress, StatusUserClosed, StatusSupportClosed,
	StatusAgentClosed, StatusExpired, StatusIdleTimeout, StatusFailed,
}

func (s Status) Valid() bool {
	if s == StatusPending || s == StatusProgress {
		return true
	}
	_, ok := priorities[s]
	return ok
}

// Terminal reports whether s is absorbing.
func (s Status) Terminal() bool {
	_, ok := priorities[s]
	return ok
}

// Priority returns the precedence of a terminal state (1 is strongest). Open
// states return 0.
func (s Status) Priority() int {
	return priorities[s]
}

// Outranks reports whether s takes precedence over other. Any terminal state
// outranks an open one.
func (s Status) Outranks(other Status) bool {
	if !s.Terminal() {
		return false
	}
	if !other.Terminal() {
		return true
	}
	return s.Priority() < other.Priority()
}

// CanTransition reports whether from -> to is in the allowed table.
func CanTransition(from, to Status) bool {
	return allowed[from][to]
}
