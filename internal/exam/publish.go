package exam

import (
	"context"

	"github.com/golang/glog"
	"github.com/pkg/errors"
)

// readiness is the publication gate. Conditions are checked in a fixed
// order so the caller always sees the first unmet one.
func readiness(f ReadinessFacts) error {
	if f.Exam.Status == StatusPublished {
		return nil
	}
	if !f.Exam.Scheduled() {
		return &PreconditionError{Condition: CondTimeNotConfigured}
	}
	if f.Questions < 1 {
		return &PreconditionError{Condition: CondNoQuestions}
	}
	if f.Students < 1 {
		return &PreconditionError{Condition: CondNoStudents}
	}
	return nil
}

// Publish moves a draft exam to published. Publishing a published exam is a
// no-op success; there is no way back to draft.
func (s *Service) Publish(ctx context.Context, actor Actor, examID string) (Exam, error) {
	cur, err := s.authorOf(ctx, actor, examID)
	if err != nil {
		return Exam{}, err
	}
	if cur.Status == StatusPublished {
		return cur, nil
	}

	unlock := s.locks.Lock(examID)
	defer unlock()
	e, err := s.store.PublishExam(ctx, examID, readiness)
	if err != nil {
		var pe *PreconditionError
		if errors.As(err, &pe) {
			return Exam{}, pe
		}
		return Exam{}, storageErr("publish exam", err)
	}
	glog.Infof("exam %s published by %s", examID, actor.ID)
	s.emit(ctx, Event{Type: EventExamPublished, ExamID: examID})
	return e, nil
}
