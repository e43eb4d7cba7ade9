package exam

import (
	"context"
	"time"
)

type EventType string

const (
	EventExamPublished      EventType = "ExamPublished"
	EventAnswersSaved       EventType = "AnswersSaved"
	EventSnapshotRecorded   EventType = "SnapshotRecorded"
	EventInfractionRecorded EventType = "InfractionRecorded"
	EventResultSubmitted    EventType = "ResultSubmitted"
)

// Event is a domain notification emitted after the corresponding write has
// been persisted. Only the fields relevant to Type are set.
type Event struct {
	Type      EventType `json:"type"`
	ExamID    string    `json:"exam_id"`
	StudentID string    `json:"student_id,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Strikes   int       `json:"strikes,omitempty"`
	Score     int       `json:"score,omitempty"`
	Total     int       `json:"total,omitempty"`
	ImageRef  string    `json:"image_ref,omitempty"`
	At        time.Time `json:"at"`
}

// Key is the natural key used when the event is logged.
func (e Event) Key() string {
	if e.StudentID == "" {
		return e.ExamID
	}
	return e.ExamID + "/" + e.StudentID
}

// EventSink receives domain events synchronously. A returned error is
// logged and never fails the operation that emitted the event.
type EventSink interface {
	Handle(ctx context.Context, e Event) error
}

type EventSinkFunc func(ctx context.Context, e Event) error

func (f EventSinkFunc) Handle(ctx context.Context, e Event) error { return f(ctx, e) }
