// Package job builds step commands from a compiled flow, walks the flow in
// execution order and reduces step outcomes into a job status.
package job

import (
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/pipeline-engine/tree"
	"github.com/GoCodeAlone/pipeline-engine/vars"
)

// Context variables set on every job.
const (
	VarFlowName    = "FLOW_NAME"
	VarJobID       = "JOB_ID"
	VarBuildNumber = "JOB_BUILD_NUMBER"
	VarJobStatus   = "JOB_STATUS"
	// VarDockerEnabled disables container execution when set to false.
	VarDockerEnabled = "STEP_DOCKER_ENABLED"
)

// DefaultTimeout is the per-command timeout in seconds.
const DefaultTimeout = 1800

// Job is one execution of a flow.
type Job struct {
	ID          string    `json:"id"`
	FlowID      string    `json:"flowId"`
	BuildNumber int64     `json:"buildNumber"`
	Context     vars.Vars `json:"context"`
	// Timeout in seconds applied to each command.
	Timeout   int       `json:"timeout"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	FinishAt  time.Time `json:"finishAt,omitzero"`
}

// New creates a pending job for flow. The context starts with the flow
// environment plus the job identity variables.
func New(flow *tree.FlowNode, buildNumber int64) *Job {
	j := &Job{
		ID:          uuid.NewString(),
		FlowID:      flow.Name(),
		BuildNumber: buildNumber,
		Timeout:     DefaultTimeout,
		Status:      StatusPending,
		CreatedAt:   time.Now(),
	}
	j.Context = *flow.Environments().Copy()
	j.Context.Put(VarFlowName, flow.Name())
	j.Context.Put(VarJobID, j.ID)
	j.Context.Put(VarBuildNumber, strconv.FormatInt(buildNumber, 10))
	j.Context.Put(VarJobStatus, string(j.Status))
	return j
}

func (j *Job) setStatus(s Status) {
	j.Status = s
	j.Context.Put(VarJobStatus, string(s))
}

// Step is the execution record of one node of a job.
type Step struct {
	ID           string        `json:"id"`
	FlowID       string        `json:"flowId"`
	JobID        string        `json:"jobId"`
	BuildNumber  int64         `json:"buildNumber"`
	NodePath     tree.NodePath `json:"nodePath"`
	After        bool          `json:"after"`
	AllowFailure bool          `json:"allowFailure"`
	Status       StepStatus    `json:"status"`
	ExitCode     int           `json:"exitCode"`
	Error        string        `json:"error,omitempty"`
	Outputs      vars.Vars     `json:"outputs"`
	StartAt      time.Time     `json:"startAt,omitzero"`
	FinishAt     time.Time     `json:"finishAt,omitzero"`
}

// NewStep creates a pending record for node within j.
func NewStep(j *Job, node *tree.StepNode) *Step {
	return &Step{
		ID:           uuid.NewString(),
		FlowID:       j.FlowID,
		JobID:        j.ID,
		BuildNumber:  j.BuildNumber,
		NodePath:     node.Path(),
		After:        node.IsAfter(),
		AllowFailure: node.AllowFailure,
		Status:       StepPending,
	}
}

// Outcome returns the tagged status used for job status reduction.
func (s *Step) Outcome() Outcome {
	return Outcome{Status: s.Status, AllowFailure: s.AllowFailure}
}

// IsSuccess reports whether the step counts as successful.
func (s *Step) IsSuccess() bool { return s.Outcome().IsSuccess() }
