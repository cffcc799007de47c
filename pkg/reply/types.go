package reply

// Turn is one prior transcript line handed to the pipeline as context.
type Turn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Caller/agent role values used in Turn.
const (
	RoleCaller = "caller"
	RoleAgent  = "agent"
)

// Request carries one caller message through the pipeline.
type Request struct {
	CallID    string `json:"call_id"`
	RequestID string `json:"request_id"`
	Text      string `json:"text"`
	History   []Turn `json:"history,omitempty"`
}

// Response is the pipeline's answer. EndCall asks the engine to hang up
// after speaking the text.
type Response struct {
	Text    string `json:"text"`
	EndCall bool   `json:"end_call,omitempty"`
}
