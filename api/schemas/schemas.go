package schemas

import "time"

// -- Task Definitions --

// TaskType identifies how a page target is processed.
type TaskType string

const (
	// TaskLoadPage runs a target in the embedded JavaScript realm.
	TaskLoadPage TaskType = "LOAD_PAGE"
	// TaskBrowserNavigate drives a real browser over the DevTools protocol.
	TaskBrowserNavigate TaskType = "BROWSER_NAVIGATE"
)

// ScriptletCall is a single scriptlet invocation as produced by the rule engine.
// Every argument is a string, regardless of what it encodes.
type ScriptletCall struct {
	Name string   `json:"name"`
	Args []string `json:"args"`
}

// Task is one unit of work handed to the run engine.
type Task struct {
	TaskID     string          `json:"task_id"`
	RunID      string          `json:"run_id"`
	Type       TaskType        `json:"type"`
	Target     string          `json:"target"`
	Scriptlets []ScriptletCall `json:"scriptlets"`
}

// -- Interception Events --

// EventKind classifies what a scriptlet did to the page.
type EventKind string

const (
	EventInjected  EventKind = "INJECTED"
	EventRejected  EventKind = "REJECTED"
	EventBlocked   EventKind = "BLOCKED"
	EventAborted   EventKind = "ABORTED"
	EventPruned    EventKind = "PRUNED"
	EventPrevented EventKind = "PREVENTED"
	EventSpoofed   EventKind = "SPOOFED"
)

// InterceptionEvent records a single observable effect of a scriptlet.
type InterceptionEvent struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	TaskID    string    `json:"task_id"`
	Timestamp time.Time `json:"timestamp"`
	PageURL   string    `json:"page_url"`
	Scriptlet string    `json:"scriptlet"`
	Kind      EventKind `json:"kind"`
	Target    string    `json:"target"`
	Detail    string    `json:"detail,omitempty"`
}

// RunEnvelope carries everything a task produced.
type RunEnvelope struct {
	RunID     string              `json:"run_id"`
	TaskID    string              `json:"task_id"`
	Target    string              `json:"target"`
	Timestamp time.Time           `json:"timestamp"`
	Events    []InterceptionEvent `json:"events"`
	Requests  []RequestRecord     `json:"requests,omitempty"`
	Errors    []string            `json:"errors,omitempty"`
}

// -- Network Records --

// NVPair is an ordered header entry. Order and duplicates are preserved.
type NVPair struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// FetchRequest is the transport-level view of a request issued by page script.
type FetchRequest struct {
	Method  string   `json:"method"`
	URL     string   `json:"url"`
	Headers []NVPair `json:"headers"`
	Body    []byte   `json:"body,omitempty"`
}

// FetchResponse is the transport-level view of a completed response.
type FetchResponse struct {
	URL        string   `json:"url"`
	Status     int      `json:"status"`
	StatusText string   `json:"status_text"`
	Headers    []NVPair `json:"headers"`
	Body       []byte   `json:"body,omitempty"`
	Redirected bool     `json:"redirected"`
}

// RequestRecord is a request that reached the transport. Requests answered
// by a scriptlet never produce one.
type RequestRecord struct {
	Method    string        `json:"method"`
	URL       string        `json:"url"`
	Status    int           `json:"status"`
	Bytes     int           `json:"bytes"`
	Duration  time.Duration `json:"duration"`
	Initiator string        `json:"initiator"`
	Error     string        `json:"error,omitempty"`
}
