package exam

import (
	"context"

	"golang.org/x/sync/errgroup"
)

func (s *Service) GetExam(ctx context.Context, examID string) (Exam, error) {
	e, err := s.store.GetExam(ctx, examID)
	return e, storageErr("get exam", err)
}

func (s *Service) ListExams(ctx context.Context, opts ListOpts) ([]Exam, error) {
	out, err := s.store.ListExams(ctx, opts)
	return out, storageErr("list exams", err)
}

// ListQuestions is the authoring view and includes the correct options.
func (s *Service) ListQuestions(ctx context.Context, examID string) ([]Question, error) {
	if _, err := s.store.GetExam(ctx, examID); err != nil {
		return nil, storageErr("get exam", err)
	}
	out, err := s.store.ListQuestions(ctx, examID)
	return out, storageErr("list questions", err)
}

func (s *Service) GetResult(ctx context.Context, examID, studentID string) (Result, error) {
	r, err := s.store.GetResult(ctx, examID, studentID)
	return r, storageErr("get result", err)
}

// ListResults returns results by score, highest first.
func (s *Service) ListResults(ctx context.Context, examID string) ([]Result, error) {
	out, err := s.store.ListResults(ctx, examID)
	return out, storageErr("list results", err)
}

// ListInfractions returns the exam's infractions, newest first.
func (s *Service) ListInfractions(ctx context.Context, examID string) ([]Infraction, error) {
	out, err := s.store.ListInfractions(ctx, examID)
	return out, storageErr("list infractions", err)
}

// ListSnapshots returns snapshots of one student, or of everyone when studentID is empty.
func (s *Service) ListSnapshots(ctx context.Context, examID, studentID string) ([]Snapshot, error) {
	out, err := s.store.ListSnapshots(ctx, examID, studentID)
	return out, storageErr("list snapshots", err)
}

func (s *Service) Overview(ctx context.Context, examID string) (Overview, error) {
	if _, err := s.store.GetExam(ctx, examID); err != nil {
		return Overview{}, storageErr("get exam", err)
	}
	ov := Overview{ExamID: examID}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		ov.Questions, err = s.store.CountQuestions(gctx, examID)
		return storageErr("count questions", err)
	})
	g.Go(func() (err error) {
		ov.Enrolled, err = s.store.CountEnrollment(gctx, examID)
		return storageErr("count enrollment", err)
	})
	g.Go(func() (err error) {
		ov.Submitted, err = s.store.CountResults(gctx, examID)
		return storageErr("count results", err)
	})
	if err := g.Wait(); err != nil {
		return Overview{}, err
	}
	return ov, nil
}
