// Package notification delivers prediction progress to users. Status
// events go to the in-process Hub that backs the SSE stream; final results
// also fan out to push and MQTT sinks.
package notification

import "time"

// EventType distinguishes progress updates from final results
type EventType string

const (
	EventStatus EventType = "status"
	EventResult EventType = "result"
)

// Stage is a step of the prediction pipeline
type Stage string

const (
	StageReceived    Stage = "RECEIVED"
	StageClassifying Stage = "CLASSIFYING"
	StageClassified  Stage = "CLASSIFIED"
	StagePersisted   Stage = "PERSISTED"
	StageComplete    Stage = "COMPLETE"
	StageRejected    Stage = "REJECTED"
	StageError       Stage = "ERROR"
)

// Event is one message to a user
type Event struct {
	Type      EventType `json:"type"`
	Stage     Stage     `json:"stage"`
	Percent   int       `json:"percent"`
	Message   string    `json:"message,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Terminal reports whether no further events follow for this prediction
func (e Event) Terminal() bool {
	switch e.Stage {
	case StageComplete, StageRejected, StageError:
		return true
	default:
		return false
	}
}
