package domain

import "time"

// CallbackKind is the kind of status update sent to the coordinator
type CallbackKind int

const (
	CallbackProgress CallbackKind = iota
	CallbackSuccess
	CallbackFailure
)

// Terminal reports whether the kind ends the job
func (k CallbackKind) Terminal() bool {
	return k == CallbackSuccess || k == CallbackFailure
}

// Status is the wire status for the kind
func (k CallbackKind) Status() string {
	switch k {
	case CallbackSuccess:
		return CallbackStatusSuccessful
	case CallbackFailure:
		return CallbackStatusFailed
	default:
		return CallbackStatusRunning
	}
}

// CallbackMessage is one status update for a job
type CallbackMessage struct {
	Kind     CallbackKind
	JobID    string
	Progress int
	Items    []*StagedObject
	Category string
	Message  string
}

// CallbackFailureBody describes why a job failed
type CallbackFailureBody struct {
	Category string `json:"category"`
	Message  string `json:"message"`
}

// CallbackBody is the JSON document posted to the coordinator
type CallbackBody struct {
	JobID     string               `json:"job_id"`
	Status    string               `json:"status"`
	Progress  int                  `json:"progress"`
	Items     []*StagedObject      `json:"items,omitempty"`
	Error     *CallbackFailureBody `json:"error,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
}

// Body renders the message for the wire
func (m *CallbackMessage) Body(now time.Time) *CallbackBody {
	body := &CallbackBody{
		JobID:     m.JobID,
		Status:    m.Kind.Status(),
		Progress:  m.Progress,
		Items:     m.Items,
		Timestamp: now.UTC(),
	}
	switch m.Kind {
	case CallbackSuccess:
		body.Progress = 100
	case CallbackFailure:
		body.Error = &CallbackFailureBody{Category: m.Category, Message: m.Message}
	}
	return body
}
