package job

// StepStatus is the execution state of a single step.
type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepRunning   StepStatus = "RUNNING"
	StepSuccess   StepStatus = "SUCCESS"
	StepSkipped   StepStatus = "SKIPPED"
	StepException StepStatus = "EXCEPTION"
	StepKilled    StepStatus = "KILLED"
	StepTimeout   StepStatus = "TIMEOUT"
)

// IsFinished reports whether s is terminal.
func (s StepStatus) IsFinished() bool {
	switch s {
	case StepSuccess, StepSkipped, StepException, StepKilled, StepTimeout:
		return true
	}
	return false
}

// IsFailure reports whether s is a terminal non-success state.
func (s StepStatus) IsFailure() bool {
	switch s {
	case StepException, StepKilled, StepTimeout:
		return true
	}
	return false
}

// Status is the overall state of a job.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusSuccess   Status = "SUCCESS"
	StatusFailure   Status = "FAILURE"
	StatusCancelled Status = "CANCELLED"
	StatusTimeout   Status = "TIMEOUT"
)

// IsFinished reports whether s is terminal.
func (s Status) IsFinished() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

var statusMapping = map[StepStatus]Status{
	StepPending:   StatusPending,
	StepRunning:   StatusRunning,
	StepSuccess:   StatusSuccess,
	StepSkipped:   StatusSuccess,
	StepException: StatusFailure,
	StepKilled:    StatusCancelled,
	StepTimeout:   StatusTimeout,
}

// Outcome is a step status tagged with the step's allow-failure policy.
type Outcome struct {
	Status       StepStatus
	AllowFailure bool
}

// IsSuccess reports whether the outcome counts as success: the status is
// SUCCESS or SKIPPED, or it is a failure absorbed by allow-failure.
func (o Outcome) IsSuccess() bool {
	if o.Status == StepSuccess || o.Status == StepSkipped {
		return true
	}
	return o.AllowFailure && o.Status.IsFailure()
}

// ToJobStatus maps a step outcome to the job status it implies. A failure
// absorbed by allow-failure maps to SUCCESS. Unknown statuses map to FAILURE.
func ToJobStatus(o Outcome) Status {
	if o.IsSuccess() {
		return StatusSuccess
	}
	if s, ok := statusMapping[o.Status]; ok {
		return s
	}
	return StatusFailure
}
