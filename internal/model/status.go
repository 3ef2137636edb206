package model

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusAuthorized Status = "AUTHORIZED"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
	StatusRefunded   Status = "REFUNDED"
)

var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusFailed, StatusCancelled},
	StatusProcessing: {StatusAuthorized, StatusCompleted, StatusFailed, StatusCancelled},
	StatusAuthorized: {StatusCompleted, StatusFailed, StatusCancelled},
	StatusCompleted:  {StatusRefunded},
}

// rank orders the forward path; FAILED and CANCELLED sit outside it.
var rank = map[Status]int{
	StatusPending:    0,
	StatusProcessing: 1,
	StatusAuthorized: 2,
	StatusCompleted:  3,
	StatusRefunded:   4,
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusAuthorized, StatusCompleted,
		StatusFailed, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

// Terminal statuses accept no further status-changing events.
func (s Status) Terminal() bool {
	return s == StatusFailed || s == StatusCancelled || s == StatusRefunded
}

func (s Status) CanTransitionTo(to Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

type TransitionKind int

const (
	// TransitionApply moves the transaction to the target status.
	TransitionApply TransitionKind = iota
	// TransitionNoop targets the status the transaction already has.
	TransitionNoop
	// TransitionStale targets a status behind the current, non-terminal one.
	TransitionStale
	// TransitionTerminal targets a different status from a terminal one.
	TransitionTerminal
	// TransitionIllegal is any other undefined move.
	TransitionIllegal
)

func (k TransitionKind) String() string {
	switch k {
	case TransitionApply:
		return "apply"
	case TransitionNoop:
		return "noop"
	case TransitionStale:
		return "stale"
	case TransitionTerminal:
		return "terminal"
	default:
		return "illegal"
	}
}

// ClassifyTransition decides how a requested move from -> to is handled.
func ClassifyTransition(from, to Status) TransitionKind {
	switch {
	case from == to:
		return TransitionNoop
	case from.Terminal():
		return TransitionTerminal
	case from.CanTransitionTo(to):
		return TransitionApply
	}

	fromRank, fromOK := rank[from]
	toRank, toOK := rank[to]
	if fromOK && toOK && toRank < fromRank {
		return TransitionStale
	}
	return TransitionIllegal
}
