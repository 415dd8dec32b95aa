package store

// RunTrigger records what started an automation workflow.
type RunTrigger string

const (
	TriggerManual    RunTrigger = "manual"
	TriggerWebhook   RunTrigger = "webhook"
	TriggerHumanSend RunTrigger = "human_send"
)

// RunStatus is the terminal state of an automation workflow.
type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
	RunSkipped RunStatus = "skipped"
)

// RunError is the machine-readable failure recorded on a failed or skipped run.
type RunError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AutomationRun is one audited execution of the auto-reply/relay workflow.
// Runs are append-only and never mutated after insertion.
type AutomationRun struct {
	ID              string     `json:"id"`
	Trigger         RunTrigger `json:"trigger"`
	ConversationID  string     `json:"conversationId"`
	InputMessageID  string     `json:"inputMessageId"`
	OutputMessageID *string    `json:"outputMessageId"`
	Status          RunStatus  `json:"status"`
	StartedAt       int64      `json:"startedAt"`
	EndedAt         int64      `json:"endedAt"`
	Error           *RunError  `json:"error,omitempty"`
	Model           string     `json:"model,omitempty"`
}

// Clone returns a copy safe to hand outside the store.
func (r *AutomationRun) Clone() *AutomationRun {
	out := *r
	if r.OutputMessageID != nil {
		id := *r.OutputMessageID
		out.OutputMessageID = &id
	}
	if r.Error != nil {
		e := *r.Error
		out.Error = &e
	}
	return &out
}
