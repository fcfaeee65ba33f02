package schema

import (
	"encoding/json"
	"time"
)

// ExecutionStatus reports an execution's lifecycle stage.
type ExecutionStatus string

const (
	// ExecutionPending is queued but not started.
	ExecutionPending ExecutionStatus = "pending"
	// ExecutionRunning is in progress.
	ExecutionRunning ExecutionStatus = "running"
	// ExecutionCompleted finished successfully.
	ExecutionCompleted ExecutionStatus = "completed"
	// ExecutionFailed finished with an error.
	ExecutionFailed ExecutionStatus = "failed"
	// ExecutionCancelled was cancelled.
	ExecutionCancelled ExecutionStatus = "cancelled"
	// ExecutionWaitingHuman waits for human feedback.
	ExecutionWaitingHuman ExecutionStatus = "waiting_human"
)

// Finished reports whether the status is terminal.
func (s ExecutionStatus) Finished() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	default:
		return false
	}
}

// User is the account returned by the auth endpoints.
type User struct {
	ID          UserID     `json:"id"`
	Email       string     `json:"email"`
	FullName    string     `json:"full_name,omitempty"`
	Role        string     `json:"role,omitempty"`
	IsActive    bool       `json:"is_active"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

// Token is the auth endpoint response carrying a bearer token.
type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	User        User   `json:"user"`
}

// Execution is a crew or flow run.
type Execution struct {
	ID               ExecutionID     `json:"id"`
	ExecutionType    string          `json:"execution_type"`
	CrewID           CrewID          `json:"crew_id,omitempty"`
	FlowID           FlowID          `json:"flow_id,omitempty"`
	Status           ExecutionStatus `json:"status"`
	Inputs           map[string]any  `json:"inputs,omitempty"`
	Outputs          map[string]any  `json:"outputs,omitempty"`
	Error            string          `json:"error,omitempty"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	DurationMS       *int64          `json:"duration_ms,omitempty"`
	TotalTokens      int             `json:"total_tokens"`
	PromptTokens     int             `json:"prompt_tokens"`
	CompletionTokens int             `json:"completion_tokens"`
	EstimatedCost    float64         `json:"estimated_cost"`
	TriggerType      string          `json:"trigger_type,omitempty"`
}

// ExecutionList is one page of executions.
type ExecutionList struct {
	Items    []Execution `json:"items"`
	Total    int         `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
	Pages    int         `json:"pages"`
}

// ExecutionLog is one persisted log line of an execution.
type ExecutionLog struct {
	ID          string          `json:"id"`
	ExecutionID ExecutionID     `json:"execution_id"`
	Level       string          `json:"level"`
	Message     string          `json:"message"`
	Data        json.RawMessage `json:"data,omitempty"`
	Source      string          `json:"source,omitempty"`
	SourceType  string          `json:"source_type,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Crew is the subset of a crew definition the CLI displays.
type Crew struct {
	ID          CrewID `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Process     string `json:"process,omitempty"`
}

// KickoffResponse reports the execution created by a REST kickoff.
type KickoffResponse struct {
	ExecutionID ExecutionID     `json:"execution_id"`
	Status      ExecutionStatus `json:"status"`
	Message     string          `json:"message"`
}
