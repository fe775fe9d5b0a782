package bridge

import "encoding/json"

// LaunchOptions are the settings applied to a thread's next turn. The
// bridge is the owner of record once a thread has been created; the
// process never stores them.
type LaunchOptions struct {
	Model          *string `json:"model"`
	Effort         *string `json:"effort"`
	Cwd            *string `json:"cwd"`
	ApprovalPolicy string  `json:"approvalPolicy"`
	SandboxMode    string  `json:"sandboxMode"`
}

func (o *LaunchOptions) clone() *LaunchOptions {
	cp := *o
	return &cp
}

// ThreadSummary is one row of the thread listing.
type ThreadSummary struct {
	ID            string         `json:"id"`
	Preview       string         `json:"preview"`
	ModelProvider string         `json:"modelProvider"`
	Source        string         `json:"source,omitempty"`
	CreatedAt     int64          `json:"createdAt"`
	UpdatedAt     int64          `json:"updatedAt"`
	LaunchOptions *LaunchOptions `json:"launchOptions,omitempty"`
}

// Turn is one request/response cycle within a thread.
type Turn struct {
	ID     string            `json:"id"`
	Status string            `json:"status,omitempty"`
	Items  []json.RawMessage `json:"items,omitempty"`
}

// Thread is the full history of one conversation.
type Thread struct {
	ID            string         `json:"id"`
	Preview       string         `json:"preview,omitempty"`
	Cwd           string         `json:"cwd,omitempty"`
	Turns         []Turn         `json:"turns,omitempty"`
	ActiveTurnID  string         `json:"activeTurnId,omitempty"`
	LaunchOptions *LaunchOptions `json:"launchOptions,omitempty"`
}

// Model is one entry of the launch-option catalog.
type Model struct {
	ID            string   `json:"id"`
	DisplayName   string   `json:"displayName"`
	Efforts       []string `json:"efforts,omitempty"`
	DefaultEffort string   `json:"defaultEffort,omitempty"`
	IsDefault     bool     `json:"isDefault,omitempty"`
}

// Catalog is everything a client needs to populate launch-option pickers.
type Catalog struct {
	Models           []Model  `json:"models"`
	WorkingDirs      []string `json:"workingDirs"`
	ApprovalPolicies []string `json:"approvalPolicies"`
	SandboxModes     []string `json:"sandboxModes"`
}

// Fixed enumerations offered by the catalog.
var (
	approvalPolicies = []string{"untrusted", "on-failure", "on-request", "never"}
	sandboxModes     = []string{"read-only", "workspace-write", "danger-full-access"}
)

// CreateThreadRequest carries the caller-supplied launch options for a new
// thread. Nil fields mean "use defaults".
type CreateThreadRequest struct {
	Model  *string `json:"model"`
	Effort *string `json:"effort"`
	Cwd    *string `json:"cwd"`
}

// UpdateOptionsRequest is a partial launch-option update; only non-nil
// fields are applied.
type UpdateOptionsRequest struct {
	Model  *string `json:"model"`
	Effort *string `json:"effort"`
	Cwd    *string `json:"cwd"`
}

// Wire-level payloads for the app-server protocol.

type threadListPage struct {
	Data       []threadSummaryPayload `json:"data"`
	NextCursor *string                `json:"nextCursor"`
}

type threadSummaryPayload struct {
	ID            string `json:"id"`
	Preview       string `json:"preview"`
	ModelProvider string `json:"modelProvider"`
	Source        string `json:"source,omitempty"`
	CreatedAt     int64  `json:"createdAt"`
	UpdatedAt     int64  `json:"updatedAt"`
	Cwd           string `json:"cwd,omitempty"`
}

type threadReadResult struct {
	Thread *threadPayload `json:"thread"`
}

type threadPayload struct {
	ID      string        `json:"id"`
	Preview string        `json:"preview,omitempty"`
	Cwd     string        `json:"cwd,omitempty"`
	Turns   []turnPayload `json:"turns,omitempty"`
}

type turnPayload struct {
	ID     string            `json:"id"`
	Status string            `json:"status,omitempty"`
	Items  []json.RawMessage `json:"items,omitempty"`
}

type modelListPage struct {
	Data       []modelPayload `json:"data"`
	NextCursor *string        `json:"nextCursor"`
}

type modelPayload struct {
	ID                     string             `json:"id"`
	Model                  string             `json:"model"`
	DisplayName            string             `json:"displayName"`
	DefaultReasoningEffort string             `json:"defaultReasoningEffort"`
	ReasoningEffort        []reasoningPayload `json:"reasoningEffort"`
	IsDefault              bool               `json:"isDefault"`
}

type reasoningPayload struct {
	Effort string `json:"effort"`
}
