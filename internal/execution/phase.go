// internal/execution/phase.go
package execution

// Phase is a state of one execution.
type Phase string

const (
	PhaseIdle              Phase = "idle"
	PhaseCommandUploaded   Phase = "command_uploaded"
	PhaseInputRootUploaded Phase = "input_root_uploaded"
	PhaseActionUploaded    Phase = "action_uploaded"
	PhaseSubmitted         Phase = "submitted"
	PhaseStreaming         Phase = "streaming"
	PhaseCompleted         Phase = "completed"
	PhaseFailed            Phase = "failed"
)

// Terminal reports whether no further transition follows p.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// PhaseHook observes every transition of an execution.
type PhaseHook func(Phase)
