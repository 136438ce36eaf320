package domain

import "errors"

// RunStatus represents the lifecycle state of a run
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSuccess   RunStatus = "success"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSuccess, RunFailed, RunCancelled:
		return true
	}
	return false
}

// StepStatus represents the state of a single pipeline step
type StepStatus string

const (
	StepQueued  StepStatus = "queued"
	StepRunning StepStatus = "running"
	StepSuccess StepStatus = "success"
	StepFail    StepStatus = "fail"
	StepSkipped StepStatus = "skipped"
)

// Done reports whether the step has left the running state for good
func (s StepStatus) Done() bool {
	return s == StepSuccess || s == StepFail || s == StepSkipped
}

// StepName identifies one stage of the pipeline
type StepName string

const (
	StepReadCode       StepName = "read_code"
	StepInferBehavior  StepName = "infer_behavior"
	StepGenerateTests  StepName = "generate_tests"
	StepRunTests       StepName = "run_tests"
	StepFixTests       StepName = "fix_tests"
	StepCoverageReport StepName = "coverage_report"
	StepPRReadyOutput  StepName = "pr_ready_output"
	StepOpenPR         StepName = "open_pr"
)

// baseSteps is the fixed step order every run goes through
var baseSteps = []StepName{
	StepReadCode,
	StepInferBehavior,
	StepGenerateTests,
	StepRunTests,
	StepFixTests,
	StepCoverageReport,
	StepPRReadyOutput,
}

// TestStyle selects the flavour of generated tests
type TestStyle string

const (
	StyleUnit          TestStyle = "unit"
	StylePropertyBased TestStyle = "property-based"
)

// EventType tags entries of a run's event log
type EventType string

const (
	EventLog          EventType = "log"
	EventStepStart    EventType = "step_start"
	EventStepComplete EventType = "step_complete"
	EventRunComplete  EventType = "run_complete"
)

var (
	ErrRunNotFound       = errors.New("run not found")
	ErrRunExists         = errors.New("run already exists")
	ErrInvalidTransition = errors.New("invalid run transition")
	ErrInvalidOptions    = errors.New("invalid run options")
)
