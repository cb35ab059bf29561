package events

// Worker hook event names, POSTed by workers to /api/hooks/agent.
const (
	HookAgentSpawn     = "agent-spawn"
	HookPostTask       = "post-task"
	HookPostEdit       = "post-edit"
	HookPostCommand    = "post-command"
	HookAgentTerminate = "agent-terminate"
)

// HookPayload is the body of a worker lifecycle hook.
type HookPayload struct {
	AgentID   string `json:"agentId"`
	AgentType string `json:"agentType,omitempty"`
	ClaimID   string `json:"claimId,omitempty"`
	IssueID   string `json:"issueId,omitempty"`
	Event     string `json:"event"`

	// post-task fields.
	Progress *int  `json:"progress,omitempty"`
	Success  *bool `json:"success,omitempty"`

	// post-edit fields.
	File    string `json:"file,omitempty"`
	Message string `json:"message,omitempty"`

	// post-command fields.
	Command  string `json:"command,omitempty"`
	ExitCode *int   `json:"exitCode,omitempty"`

	// terminal fields.
	Error  string `json:"error,omitempty"`
	Result string `json:"result,omitempty"`

	Timestamp string `json:"timestamp,omitempty"`
}
