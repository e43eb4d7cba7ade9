package exam

import (
	"context"
	"strings"
	"time"

	"github.com/golang/glog"
)

// ExamInput carries the editable attributes of an exam.
type ExamInput struct {
	CourseID        string     `json:"course_id" validate:"notblank"`
	ClassID         string     `json:"class_id" validate:"notblank"`
	TermID          string     `json:"term_id"`
	Title           string     `json:"title" validate:"notblank,max=200"`
	StartAt         *time.Time `json:"start_at" validate:"required"`
	EndAt           *time.Time `json:"end_at" validate:"required"`
	DurationMinutes int        `json:"duration_minutes" validate:"gte=0"`
}

func (in ExamInput) check() error {
	if err := check(in); err != nil {
		return err
	}
	if !in.StartAt.Before(*in.EndAt) {
		return invalid("end_at", "must be after start_at")
	}
	return nil
}

// apply copies in onto e. A zero duration means the whole window.
func (in ExamInput) apply(e *Exam) {
	start, end := in.StartAt.UTC(), in.EndAt.UTC()
	e.CourseID = strings.TrimSpace(in.CourseID)
	e.ClassID = strings.TrimSpace(in.ClassID)
	e.TermID = strings.TrimSpace(in.TermID)
	e.Title = strings.TrimSpace(in.Title)
	e.StartAt, e.EndAt = &start, &end
	e.DurationMinutes = in.DurationMinutes
	if e.DurationMinutes == 0 {
		e.DurationMinutes = int(end.Sub(start) / time.Minute)
	}
}

func (s *Service) CreateExam(ctx context.Context, actor Actor, in ExamInput) (Exam, error) {
	if err := requireStaff(actor); err != nil {
		return Exam{}, err
	}
	if err := in.check(); err != nil {
		return Exam{}, err
	}
	e := Exam{ID: s.newID(), Status: StatusDraft, CreatedBy: actor.ID, CreatedAt: s.now()}
	in.apply(&e)
	if err := s.store.CreateExam(ctx, e); err != nil {
		return Exam{}, storageErr("create exam", err)
	}
	glog.V(1).Infof("exam %s created by %s", e.ID, actor.ID)
	return e, nil
}

func (s *Service) UpdateExam(ctx context.Context, actor Actor, examID string, in ExamInput) (Exam, error) {
	e, unlock, err := s.draftOf(ctx, actor, examID)
	if err != nil {
		return Exam{}, err
	}
	defer unlock()
	if err := in.check(); err != nil {
		return Exam{}, err
	}
	in.apply(&e)
	if err := s.store.UpdateExam(ctx, e); err != nil {
		return Exam{}, storageErr("update exam", err)
	}
	return e, nil
}

// DeleteExam removes the exam with its questions, enrollment, attempts and results.
func (s *Service) DeleteExam(ctx context.Context, actor Actor, examID string) error {
	if _, err := s.authorOf(ctx, actor, examID); err != nil {
		return err
	}
	unlock := s.locks.Lock(examID)
	defer unlock()
	if err := s.store.DeleteExam(ctx, examID); err != nil {
		return storageErr("delete exam", err)
	}
	glog.Infof("exam %s deleted by %s", examID, actor.ID)
	return nil
}

// QuestionInput is a directly authored question. CorrectOption is a letter
// A-D or an index 1-4.
type QuestionInput struct {
	Text          string             `json:"question_text" validate:"notblank"`
	Options       [MaxOptions]string `json:"options"`
	CorrectOption string             `json:"correct_option" validate:"notblank"`
	ImageRef      string             `json:"image_ref"`
}

func (in QuestionInput) question() (Question, error) {
	if err := check(in); err != nil {
		return Question{}, err
	}
	opts, err := cleanOptions(in.Options)
	if err != nil {
		return Question{}, err
	}
	correct, err := ParseCorrectOption(in.CorrectOption, opts)
	if err != nil {
		return Question{}, err
	}
	return Question{
		Text:     strings.TrimSpace(in.Text),
		ImageRef: strings.TrimSpace(in.ImageRef),
		Options:  opts,
		Correct:  correct,
		Layout:   LayoutOptionRows,
	}, nil
}

func (s *Service) AddQuestion(ctx context.Context, actor Actor, examID string, in QuestionInput) (Question, error) {
	_, unlock, err := s.draftOf(ctx, actor, examID)
	if err != nil {
		return Question{}, err
	}
	defer unlock()
	q, err := in.question()
	if err != nil {
		return Question{}, err
	}
	q.ID, q.ExamID = s.newID(), examID
	q, err = s.store.InsertQuestion(ctx, q)
	if err != nil {
		return Question{}, storageErr("insert question", err)
	}
	return q, nil
}

func (s *Service) UpdateQuestion(ctx context.Context, actor Actor, examID, questionID string, in QuestionInput) (Question, error) {
	_, unlock, err := s.draftOf(ctx, actor, examID)
	if err != nil {
		return Question{}, err
	}
	defer unlock()
	q, err := in.question()
	if err != nil {
		return Question{}, err
	}
	q.ID, q.ExamID = questionID, examID
	if err := s.store.UpdateQuestion(ctx, q); err != nil {
		return Question{}, storageErr("update question", err)
	}
	return q, nil
}

func (s *Service) DeleteQuestion(ctx context.Context, actor Actor, examID, questionID string) error {
	_, unlock, err := s.draftOf(ctx, actor, examID)
	if err != nil {
		return err
	}
	defer unlock()
	return storageErr("delete question", s.store.DeleteQuestion(ctx, examID, questionID))
}

// ClearQuestions removes every question of a draft exam and returns how many went.
func (s *Service) ClearQuestions(ctx context.Context, actor Actor, examID string) (int, error) {
	_, unlock, err := s.draftOf(ctx, actor, examID)
	if err != nil {
		return 0, err
	}
	defer unlock()
	n, err := s.store.DeleteQuestions(ctx, examID)
	if err != nil {
		return 0, storageErr("clear questions", err)
	}
	return n, nil
}
