package exam

import (
	"context"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"
)

// AttemptInfo is the student-facing status of one attempt.
type AttemptInfo struct {
	State     AttemptState `json:"state"`
	StartedAt *time.Time   `json:"started_at,omitempty"`
	ClosedAt  *time.Time   `json:"closed_at,omitempty"`
	Deadline  *time.Time   `json:"deadline,omitempty"`
}

// deadline is min(end, started+duration) plus grace. It is nil when the
// exam has no end.
func (s *Service) deadline(e Exam, a Attempt) *time.Time {
	if e.EndAt == nil {
		return nil
	}
	d := *e.EndAt
	if a.StartedAt != nil && e.DurationMinutes > 0 {
		if t := a.StartedAt.Add(time.Duration(e.DurationMinutes) * time.Minute); t.Before(d) {
			d = t
		}
	}
	d = d.Add(s.grace)
	return &d
}

// gate returns the precondition that keeps a from being worked on at now, if any.
func (s *Service) gate(e Exam, a Attempt, now time.Time) error {
	if a.ClosedAt != nil {
		return &PreconditionError{Condition: CondAttemptClosed}
	}
	if !s.enforceWindow {
		return nil
	}
	if e.StartAt != nil && now.Before(*e.StartAt) {
		return &PreconditionError{Condition: CondAttemptNotStarted}
	}
	if dl := s.deadline(e, a); dl != nil && now.After(*dl) {
		return &PreconditionError{Condition: CondAttemptClosed}
	}
	return nil
}

func (s *Service) state(e Exam, a Attempt, now time.Time) AttemptState {
	err := s.gate(e, a, now)
	var pe *PreconditionError
	switch {
	case errors.As(err, &pe) && pe.Condition == CondAttemptClosed:
		return AttemptClosed
	case err != nil || a.StartedAt == nil:
		return AttemptNotStarted
	}
	return AttemptInProgress
}

// attemptOf returns the stored attempt or a zero one for the pair.
func (s *Service) attemptOf(ctx context.Context, examID, studentID string) (Attempt, error) {
	a, err := s.store.GetAttempt(ctx, examID, studentID)
	if IsNotFound(err) {
		return Attempt{ExamID: examID, StudentID: studentID}, nil
	}
	return a, storageErr("get attempt", err)
}

// StartAttempt records the start of an attempt once and returns the exam
// content with any saved answers and marks, so it doubles as resume.
func (s *Service) StartAttempt(ctx context.Context, examID, studentID string) (StudentView, error) {
	e, err := s.requireEnrolled(ctx, examID, studentID)
	if err != nil {
		return StudentView{}, err
	}
	a, err := s.attemptOf(ctx, examID, studentID)
	if err != nil {
		return StudentView{}, err
	}
	now := s.now()
	if err := s.gate(e, pending(a, now), now); err != nil {
		return StudentView{}, err
	}
	if a.StartedAt == nil {
		if a, err = s.store.StartAttempt(ctx, examID, studentID, now); err != nil {
			return StudentView{}, storageErr("start attempt", err)
		}
		glog.V(1).Infof("attempt %s/%s started", examID, studentID)
	}
	return s.view(ctx, e, a, now)
}

// pending is a as it would look if it were started at now.
func pending(a Attempt, now time.Time) Attempt {
	if a.StartedAt == nil {
		a.StartedAt = &now
	}
	return a
}

// StudentView returns the current content of an attempt without starting it.
// Before the exam opens it carries the exam header only.
func (s *Service) StudentView(ctx context.Context, examID, studentID string) (StudentView, error) {
	e, err := s.requireEnrolled(ctx, examID, studentID)
	if err != nil {
		return StudentView{}, err
	}
	a, err := s.attemptOf(ctx, examID, studentID)
	if err != nil {
		return StudentView{}, err
	}
	now := s.now()
	var pe *PreconditionError
	if err := s.gate(e, pending(a, now), now); errors.As(err, &pe) && pe.Condition == CondAttemptNotStarted {
		return StudentView{Exam: e, State: AttemptNotStarted, Questions: []StudentQuestion{}}, nil
	}
	return s.view(ctx, e, a, now)
}

func (s *Service) view(ctx context.Context, e Exam, a Attempt, now time.Time) (StudentView, error) {
	qs, err := s.store.ListQuestions(ctx, e.ID)
	if err != nil {
		return StudentView{}, storageErr("list questions", err)
	}
	answers, err := s.store.ListAnswers(ctx, e.ID, a.StudentID)
	if err != nil {
		return StudentView{}, storageErr("list answers", err)
	}
	marks, err := s.store.ListMarks(ctx, e.ID, a.StudentID)
	if err != nil {
		return StudentView{}, storageErr("list marks", err)
	}
	selected := make(map[string]*int, len(answers))
	for _, an := range answers {
		selected[an.QuestionID] = an.Selected
	}
	marked := make(map[string]bool, len(marks))
	for _, m := range marks {
		marked[m.QuestionID] = m.Marked
	}
	out := StudentView{Exam: e, State: s.state(e, a, now), Questions: make([]StudentQuestion, 0, len(qs))}
	if a.StartedAt != nil {
		out.Deadline = s.deadline(e, a)
	}
	for _, q := range qs {
		opts := q.Options
		out.Questions = append(out.Questions, StudentQuestion{
			ID: q.ID, Position: q.Position, Text: q.Text, ImageRef: q.ImageRef,
			Options: opts[:], Selected: selected[q.ID], Marked: marked[q.ID],
		})
	}
	return out, nil
}

func (s *Service) AttemptStatus(ctx context.Context, examID, studentID string) (AttemptInfo, error) {
	e, err := s.requireEnrolled(ctx, examID, studentID)
	if err != nil {
		return AttemptInfo{}, err
	}
	a, err := s.attemptOf(ctx, examID, studentID)
	if err != nil {
		return AttemptInfo{}, err
	}
	info := AttemptInfo{State: s.state(e, a, s.now()), StartedAt: a.StartedAt, ClosedAt: a.ClosedAt}
	if a.StartedAt != nil {
		info.Deadline = s.deadline(e, a)
	}
	return info, nil
}

// Autosave upserts the given answers and review marks. The first save of an
// attempt that was never started starts it, so the duration limit applies
// from then on. The payload is validated as a whole and one bad key rejects
// it all; after that every key is written independently and the last write
// for a key wins. Writes racing a close are refused by the store.
func (s *Service) Autosave(ctx context.Context, examID, studentID string, answers map[string]*int, marks map[string]bool) (AutosaveReport, error) {
	e, err := s.requireEnrolled(ctx, examID, studentID)
	if err != nil {
		return AutosaveReport{}, err
	}
	a, err := s.attemptOf(ctx, examID, studentID)
	if err != nil {
		return AutosaveReport{}, err
	}
	now := s.now()
	if err := s.gate(e, pending(a, now), now); err != nil {
		return AutosaveReport{}, err
	}

	qs, err := s.store.ListQuestions(ctx, examID)
	if err != nil {
		return AutosaveReport{}, storageErr("list questions", err)
	}
	known := make(map[string]struct{}, len(qs))
	for _, q := range qs {
		known[q.ID] = struct{}{}
	}
	var flds []FieldError
	for qid, v := range answers {
		if _, ok := known[qid]; !ok {
			flds = append(flds, FieldError{Field: "answers." + qid, Error: "unknown question"})
		} else if v != nil && (*v < 1 || *v > MaxOptions) {
			flds = append(flds, FieldError{Field: "answers." + qid, Error: "must be null or 1-4"})
		}
	}
	for qid := range marks {
		if _, ok := known[qid]; !ok {
			flds = append(flds, FieldError{Field: "marks." + qid, Error: "unknown question"})
		}
	}
	if len(flds) > 0 {
		return AutosaveReport{}, NewValidationError(errors.Errorf("%d invalid autosave entries", len(flds)), flds...)
	}

	if a.StartedAt == nil {
		if _, err := s.store.StartAttempt(ctx, examID, studentID, now); err != nil {
			return AutosaveReport{}, storageErr("start attempt", err)
		}
		glog.V(1).Infof("attempt %s/%s started by autosave", examID, studentID)
	}

	var rep AutosaveReport
	var failed []error
	closed := false
	for qid, v := range answers {
		err := s.store.UpsertAnswer(ctx, Answer{ExamID: examID, StudentID: studentID, QuestionID: qid, Selected: v, UpdatedAt: now})
		if errors.Is(err, ErrAttemptClosed) {
			closed = true
			break
		}
		if err != nil {
			failed = append(failed, errors.Wrap(err, qid))
			continue
		}
		rep.Answers++
	}
	for qid, m := range marks {
		if closed {
			break
		}
		err := s.store.UpsertMark(ctx, ReviewMark{ExamID: examID, StudentID: studentID, QuestionID: qid, Marked: m})
		if errors.Is(err, ErrAttemptClosed) {
			closed = true
			break
		}
		if err != nil {
			failed = append(failed, errors.Wrap(err, qid))
			continue
		}
		rep.Marks++
	}
	if rep.Answers+rep.Marks > 0 {
		s.emit(ctx, Event{Type: EventAnswersSaved, ExamID: examID, StudentID: studentID, At: now})
	}
	if closed {
		return rep, &PreconditionError{Condition: CondAttemptClosed}
	}
	if len(failed) > 0 {
		return rep, &StorageError{Op: "autosave", Err: errors.Wrapf(failed[0], "%d of %d writes failed", len(failed), len(answers)+len(marks))}
	}
	return rep, nil
}

func (s *Service) RecordSnapshot(ctx context.Context, examID, studentID, imageRef string) (Snapshot, error) {
	imageRef = strings.TrimSpace(imageRef)
	if imageRef == "" {
		return Snapshot{}, invalid("image_ref", "is required")
	}
	if _, err := s.store.GetExam(ctx, examID); err != nil {
		return Snapshot{}, storageErr("get exam", err)
	}
	sn := Snapshot{ID: s.newID(), ExamID: examID, StudentID: studentID, ImageRef: imageRef, CreatedAt: s.now()}
	if err := s.store.AppendSnapshot(ctx, sn); err != nil {
		return Snapshot{}, storageErr("append snapshot", err)
	}
	s.emit(ctx, Event{Type: EventSnapshotRecorded, ExamID: examID, StudentID: studentID, ImageRef: imageRef, At: sn.CreatedAt})
	return sn, nil
}

// RecordInfraction appends an infraction and returns the student's strike
// count for the exam, this one included. What happens at a given count is
// up to the subscribed policy.
func (s *Service) RecordInfraction(ctx context.Context, examID, studentID, reason string) (int, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return 0, invalid("reason", "is required")
	}
	if _, err := s.store.GetExam(ctx, examID); err != nil {
		return 0, storageErr("get exam", err)
	}
	in := Infraction{ID: s.newID(), ExamID: examID, StudentID: studentID, Reason: reason, CreatedAt: s.now()}
	n, err := s.store.AppendInfraction(ctx, in)
	if err != nil {
		return 0, storageErr("append infraction", err)
	}
	glog.Warningf("infraction %d for %s/%s: %s", n, examID, studentID, reason)
	s.emit(ctx, Event{Type: EventInfractionRecorded, ExamID: examID, StudentID: studentID, Reason: reason, Strikes: n, At: in.CreatedAt})
	return n, nil
}
