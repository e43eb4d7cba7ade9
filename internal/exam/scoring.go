package exam

import (
	"context"

	"github.com/golang/glog"
)

// Score counts the answers whose selection matches the correct option of
// their question. Answers to questions outside qs are ignored; total is
// len(qs).
func Score(qs []Question, answers []Answer) (score, total int) {
	correct := make(map[string]int, len(qs))
	for _, q := range qs {
		correct[q.ID] = q.Correct
	}
	for _, a := range answers {
		c, ok := correct[a.QuestionID]
		if ok && a.Selected != nil && c > 0 && *a.Selected == c {
			score++
		}
	}
	return score, len(qs)
}

// Submit scores the stored answers and upserts the Result. Resubmitting
// recomputes, except under close-on-submit: the attempt is closed before
// scoring and a closed attempt that already has a result keeps it.
func (s *Service) Submit(ctx context.Context, examID, studentID string) (Result, error) {
	if _, err := s.requireEnrolled(ctx, examID, studentID); err != nil {
		return Result{}, err
	}
	now := s.now()
	if s.closeOnSubmit {
		a, err := s.attemptOf(ctx, examID, studentID)
		if err != nil {
			return Result{}, err
		}
		if a.ClosedAt != nil {
			r, err := s.store.GetResult(ctx, examID, studentID)
			if err == nil {
				return r, nil
			}
			if !IsNotFound(err) {
				return Result{}, storageErr("get result", err)
			}
		}
		if err := s.store.CloseAttempt(ctx, examID, studentID, now); err != nil {
			return Result{}, storageErr("close attempt", err)
		}
	}
	qs, err := s.store.ListQuestions(ctx, examID)
	if err != nil {
		return Result{}, storageErr("list questions", err)
	}
	answers, err := s.store.ListAnswers(ctx, examID, studentID)
	if err != nil {
		return Result{}, storageErr("list answers", err)
	}
	score, total := Score(qs, answers)
	r := Result{ExamID: examID, StudentID: studentID, Score: score, Total: total, SubmittedAt: now}
	if err := s.store.UpsertResult(ctx, r); err != nil {
		return Result{}, storageErr("upsert result", err)
	}
	glog.Infof("exam %s submitted by %s: %d/%d", examID, studentID, score, total)
	s.emit(ctx, Event{Type: EventResultSubmitted, ExamID: examID, StudentID: studentID, Score: score, Total: total, At: now})
	return r, nil
}
