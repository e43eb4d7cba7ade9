package exam

import (
	"context"
	"time"
)

type ListOpts struct {
	CourseID  string
	ClassID   string
	CreatedBy string
	Status    Status
	Limit     int
	Offset    int
}

type BankListOpts struct {
	CourseID string
	ClassID  string
	Limit    int
	Offset   int
}

// ReadinessFacts is what the publication gate evaluates, read inside the
// same transaction that flips the status.
type ReadinessFacts struct {
	Exam      Exam
	Questions int
	Students  int
}

type ExamStore interface {
	CreateExam(ctx context.Context, e Exam) error
	GetExam(ctx context.Context, id string) (Exam, error)
	UpdateExam(ctx context.Context, e Exam) error
	// DeleteExam removes the exam and every row that references it.
	DeleteExam(ctx context.Context, id string) error
	ListExams(ctx context.Context, opts ListOpts) ([]Exam, error)
	// PublishExam locks the exam, gathers readiness facts, and sets the status to
	// published only when ready returns nil.
	PublishExam(ctx context.Context, id string, ready func(ReadinessFacts) error) (Exam, error)
}

type QuestionStore interface {
	InsertQuestion(ctx context.Context, q Question) (Question, error)
	// InsertQuestions inserts all questions in one transaction.
	InsertQuestions(ctx context.Context, qs []Question) ([]Question, error)
	UpdateQuestion(ctx context.Context, q Question) error
	DeleteQuestion(ctx context.Context, examID, questionID string) error
	DeleteQuestions(ctx context.Context, examID string) (int, error)
	ListQuestions(ctx context.Context, examID string) ([]Question, error)
	CountQuestions(ctx context.Context, examID string) (int, error)
}

type BankStore interface {
	CreateBankQuestion(ctx context.Context, b BankQuestion) error
	UpdateBankQuestion(ctx context.Context, b BankQuestion) error
	GetBankQuestion(ctx context.Context, id string) (BankQuestion, error)
	DeleteBankQuestions(ctx context.Context, ids []string) (int, error)
	DeleteBankScope(ctx context.Context, courseID, classID string) (int, error)
	ListBankQuestions(ctx context.Context, opts BankListOpts) ([]BankQuestion, int, error)
	BankSummary(ctx context.Context, teacherID string) ([]BankGroup, error)
}

type EnrollmentStore interface {
	// ReplaceEnrollment deletes the exam's enrolled set and inserts ids, atomically.
	ReplaceEnrollment(ctx context.Context, examID string, studentIDs []string) error
	IsEnrolled(ctx context.Context, examID, studentID string) (bool, error)
	ListEnrollment(ctx context.Context, examID string) ([]string, error)
	CountEnrollment(ctx context.Context, examID string) (int, error)
}

type AttemptStore interface {
	// StartAttempt records started-at on first call and returns the stored attempt.
	StartAttempt(ctx context.Context, examID, studentID string, at time.Time) (Attempt, error)
	GetAttempt(ctx context.Context, examID, studentID string) (Attempt, error)
	CloseAttempt(ctx context.Context, examID, studentID string, at time.Time) error
	UpsertAnswer(ctx context.Context, a Answer) error
	UpsertMark(ctx context.Context, m ReviewMark) error
	ListAnswers(ctx context.Context, examID, studentID string) ([]Answer, error)
	ListMarks(ctx context.Context, examID, studentID string) ([]ReviewMark, error)
}

type TelemetryStore interface {
	// AppendInfraction inserts the event and returns the running count for the pair.
	AppendInfraction(ctx context.Context, in Infraction) (int, error)
	ListInfractions(ctx context.Context, examID string) ([]Infraction, error)
	AppendSnapshot(ctx context.Context, s Snapshot) error
	ListSnapshots(ctx context.Context, examID, studentID string) ([]Snapshot, error)
}

type ResultStore interface {
	UpsertResult(ctx context.Context, r Result) error
	GetResult(ctx context.Context, examID, studentID string) (Result, error)
	ListResults(ctx context.Context, examID string) ([]Result, error)
	CountResults(ctx context.Context, examID string) (int, error)
}

// Store is the full persistence surface of the CBT engine.
type Store interface {
	ExamStore
	QuestionStore
	BankStore
	EnrollmentStore
	AttemptStore
	TelemetryStore
	ResultStore
}
