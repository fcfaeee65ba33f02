package schema

// Control stream commands.

// CommandType discriminates outbound control-stream frames.
type CommandType string

const (
	// CommandKickoff starts a crew execution with inputs.
	CommandKickoff CommandType = "kickoff"
	// CommandCancel cancels a running execution.
	CommandCancel CommandType = "cancel"
	// CommandHumanFeedback answers a human_input_required event.
	CommandHumanFeedback CommandType = "human_feedback"
)

// KickoffCommand starts a crew execution.
type KickoffCommand struct {
	Type   CommandType    `json:"type"`
	Inputs map[string]any `json:"inputs"`
}

// CancelCommand cancels the execution created by a kickoff.
type CancelCommand struct {
	Type        CommandType `json:"type"`
	ExecutionID ExecutionID `json:"execution_id"`
}

// HumanFeedbackCommand submits feedback for a waiting execution.
type HumanFeedbackCommand struct {
	Type        CommandType    `json:"type"`
	ExecutionID ExecutionID    `json:"execution_id"`
	Feedback    map[string]any `json:"feedback"`
}

// NewKickoff builds a kickoff frame. Nil inputs are sent as an empty object.
func NewKickoff(inputs map[string]any) KickoffCommand {
	if inputs == nil {
		inputs = map[string]any{}
	}
	return KickoffCommand{Type: CommandKickoff, Inputs: inputs}
}

// NewCancel builds a cancel frame.
func NewCancel(id ExecutionID) CancelCommand {
	return CancelCommand{Type: CommandCancel, ExecutionID: id}
}

// NewHumanFeedback builds a human_feedback frame. Nil feedback is sent as an
// empty object.
func NewHumanFeedback(id ExecutionID, feedback map[string]any) HumanFeedbackCommand {
	if feedback == nil {
		feedback = map[string]any{}
	}
	return HumanFeedbackCommand{Type: CommandHumanFeedback, ExecutionID: id, Feedback: feedback}
}

// REST request bodies.

// LoginRequest authenticates with email and password.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// KickoffRequest starts a crew execution over REST.
type KickoffRequest struct {
	Inputs         map[string]any `json:"inputs"`
	AsyncExecution bool           `json:"async_execution"`
}

// ExecutionListRequest filters the execution list.
type ExecutionListRequest struct {
	Page     int
	PageSize int
	Status   ExecutionStatus
	CrewID   CrewID
	FlowID   FlowID
}

// ExecutionLogsRequest filters execution logs.
type ExecutionLogsRequest struct {
	Level string
	Limit int
}
