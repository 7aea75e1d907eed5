// Package statuses defines the lifecycle states shared by workflow and task executions.
package statuses

// Status represents the lifecycle state of a workflow or task execution.
type Status string

const (
	Requested Status = "requested"
	Scheduled Status = "scheduled"
	Running   Status = "running"
	Pausing   Status = "pausing"
	Paused    Status = "paused"
	Resuming  Status = "resuming"
	Canceling Status = "canceling"
	Canceled  Status = "canceled"
	Succeeded Status = "succeeded"
	Failed    Status = "failed"
)

var (
	// Completed statuses are terminal, nothing leaves them.
	Completed = []Status{Succeeded, Failed, Canceled}

	// Abended statuses are the terminal statuses that are not a success.
	Abended = []Status{Failed, Canceled}

	// Draining statuses wait for the staged tasks to report before settling.
	Draining = []Status{Pausing, Canceling}

	// Active statuses have work in flight.
	Active = []Status{Requested, Scheduled, Running, Pausing, Resuming, Canceling}
)

var transitions = map[Status][]Status{
	Requested: {Scheduled, Running, Pausing, Paused, Canceling, Canceled, Succeeded, Failed},
	Scheduled: {Running, Pausing, Paused, Canceling, Canceled, Succeeded, Failed},
	Running:   {Running, Pausing, Paused, Canceling, Canceled, Succeeded, Failed},
	Pausing:   {Pausing, Paused, Running, Canceling, Canceled, Succeeded, Failed},
	Paused:    {Paused, Resuming, Running, Canceling, Canceled, Failed},
	Resuming:  {Running, Pausing, Paused, Canceling, Canceled, Succeeded, Failed},
	Canceling: {Canceling, Canceled},
}

func contains(set []Status, s Status) bool {
	for _, candidate := range set {
		if candidate == s {
			return true
		}
	}

	return false
}

func (s Status) IsCompleted() bool { return contains(Completed, s) }

func (s Status) IsAbended() bool { return contains(Abended, s) }

func (s Status) IsDraining() bool { return contains(Draining, s) }

func (s Status) IsActive() bool { return contains(Active, s) }

func (s Status) IsValid() bool {
	_, ok := transitions[s]

	return ok || s.IsCompleted()
}

func (s Status) String() string { return string(s) }

// CanTransition reports whether a record may move from one status to another.
func CanTransition(from, to Status) bool {
	if from == to {
		return !from.IsCompleted()
	}

	return contains(transitions[from], to)
}
