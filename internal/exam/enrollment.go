package exam

import (
	"context"

	"github.com/golang/glog"
)

// SetEnrollment replaces the enrolled set of an exam. Blank and duplicate ids
// are dropped; an empty list clears the set.
func (s *Service) SetEnrollment(ctx context.Context, actor Actor, examID string, studentIDs []string) ([]string, error) {
	if _, err := s.authorOf(ctx, actor, examID); err != nil {
		return nil, err
	}
	ids := cleanIDs(studentIDs)

	unlock := s.locks.Lock(examID)
	defer unlock()
	if err := s.store.ReplaceEnrollment(ctx, examID, ids); err != nil {
		return nil, storageErr("replace enrollment", err)
	}
	glog.V(1).Infof("exam %s enrollment set to %d student(s)", examID, len(ids))
	return ids, nil
}

func (s *Service) IsEnrolled(ctx context.Context, examID, studentID string) (bool, error) {
	ok, err := s.store.IsEnrolled(ctx, examID, studentID)
	return ok, storageErr("check enrollment", err)
}

func (s *Service) ListEnrollment(ctx context.Context, examID string) ([]string, error) {
	ids, err := s.store.ListEnrollment(ctx, examID)
	return ids, storageErr("list enrollment", err)
}

// requireEnrolled loads the exam and checks that it is published and that
// studentID may take it.
func (s *Service) requireEnrolled(ctx context.Context, examID, studentID string) (Exam, error) {
	e, err := s.store.GetExam(ctx, examID)
	if err != nil {
		return Exam{}, storageErr("get exam", err)
	}
	if e.Status != StatusPublished {
		return Exam{}, &AuthorizationError{Reason: "exam is not published"}
	}
	ok, err := s.store.IsEnrolled(ctx, examID, studentID)
	if err != nil {
		return Exam{}, storageErr("check enrollment", err)
	}
	if !ok {
		return Exam{}, &AuthorizationError{Reason: "student is not enrolled"}
	}
	return e, nil
}
