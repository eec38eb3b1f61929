package audit

import "time"

// EventType represents the type of audit event
type EventType string

const (
	// Investigation events
	EventInvestigationStarted   EventType = "investigation.started"
	EventInvestigationCompleted EventType = "investigation.completed"
	EventInvestigationFailed    EventType = "investigation.failed"

	// Workflow events
	EventStageCompleted      EventType = "stage.completed"
	EventHypothesisStarted   EventType = "hypothesis.started"
	EventHypothesisCompleted EventType = "hypothesis.completed"
	EventMemoryStored        EventType = "memory.stored"
	EventReportGenerated     EventType = "report.generated"

	// System events
	EventConfigReload   EventType = "config.reload"
	EventServerStarted  EventType = "system.server_started"
	EventServerShutdown EventType = "system.server_shutdown"
)

// Result represents the outcome of an audited action
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	ResultPending Result = "pending"
)

// Event represents a single audit event
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id,omitempty"`
	RunID     string    `json:"run_id,omitempty"`
	EventType EventType `json:"event_type"`
	Result    Result    `json:"result"`

	Stage        string `json:"stage,omitempty"`
	HypothesisID string `json:"hypothesis_id,omitempty"`

	Description string                 `json:"description,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`

	Error string `json:"error,omitempty"`

	DurationMs int64 `json:"duration_ms,omitempty"`
}

// NewEvent creates a new audit event with default values
func NewEvent(eventType EventType) *Event {
	return &Event{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Result:    ResultPending,
		Metadata:  make(map[string]interface{}),
	}
}

// WithSessionID sets the investigation session the event belongs to
func (e *Event) WithSessionID(id string) *Event {
	e.SessionID = id
	return e
}

// WithRunID sets the run identifier
func (e *Event) WithRunID(id string) *Event {
	e.RunID = id
	return e
}

// WithStage sets the workflow stage
func (e *Event) WithStage(stage string) *Event {
	e.Stage = stage
	return e
}

// WithHypothesis sets the hypothesis being investigated
func (e *Event) WithHypothesis(id string) *Event {
	e.HypothesisID = id
	return e
}

// WithDescription sets a human-readable description
func (e *Event) WithDescription(desc string) *Event {
	e.Description = desc
	return e
}

// WithResult sets the result of the event
func (e *Event) WithResult(result Result) *Event {
	e.Result = result
	return e
}

// WithError sets error information
func (e *Event) WithError(err error) *Event {
	if err != nil {
		e.Error = err.Error()
		e.Result = ResultFailure
	}
	return e
}

// WithDuration sets the duration in milliseconds
func (e *Event) WithDuration(duration time.Duration) *Event {
	e.DurationMs = duration.Milliseconds()
	return e
}

// WithMetadata adds metadata to the event
func (e *Event) WithMetadata(key string, value interface{}) *Event {
	e.Metadata[key] = value
	return e
}
