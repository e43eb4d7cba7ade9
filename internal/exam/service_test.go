package exam

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

var (
	t0      = time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
	admin   = Actor{ID: "admin-1", Role: RoleAdmin}
	teacher = Actor{ID: "teacher-1", Role: RoleTeacher}
	other   = Actor{ID: "teacher-2", Role: RoleTeacher}
	student = Actor{ID: "stu-1", Role: RoleStudent}
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Handle(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	svc   *Service
	store Store
	clock *testClock
	rec   *recorder
}

func newFixture(t *testing.T, store Store, opts ...Option) *fixture {
	t.Helper()
	clock := &testClock{now: t0.Add(10 * time.Minute)}
	rec := &recorder{}
	opts = append([]Option{WithClock(clock.Now), WithEvents(rec), WithWindow(true, 0)}, opts...)
	return &fixture{svc: NewService(store, opts...), store: store, clock: clock, rec: rec}
}

func examInput() ExamInput {
	start, end := t0, t0.Add(2*time.Hour)
	return ExamInput{CourseID: "math", ClassID: "jss1", TermID: "t1", Title: "Midterm", StartAt: &start, EndAt: &end, DurationMinutes: 60}
}

func questionInput(correct string) QuestionInput {
	return QuestionInput{Text: "Pick one", Options: [MaxOptions]string{"a", "b", "c", "d"}, CorrectOption: correct}
}

// publishedExam creates an exam with n questions whose correct options are
// 1, 2, 3, ... (mod 4), enrolls students and publishes it.
func (f *fixture) publishedExam(t *testing.T, n int, students ...string) (Exam, []Question) {
	t.Helper()
	ctx := context.Background()
	e, err := f.svc.CreateExam(ctx, teacher, examInput())
	require.NoError(t, err)
	var qs []Question
	for i := 0; i < n; i++ {
		q, err := f.svc.AddQuestion(ctx, teacher, e.ID, questionInput(fmt.Sprint(i%4+1)))
		require.NoError(t, err)
		qs = append(qs, q)
	}
	_, err = f.svc.SetEnrollment(ctx, teacher, e.ID, students)
	require.NoError(t, err)
	e, err = f.svc.Publish(ctx, teacher, e.ID)
	require.NoError(t, err)
	return e, qs
}

func requirePrecondition(t *testing.T, err error, cond string) {
	t.Helper()
	var pe *PreconditionError
	require.Truef(t, errors.As(err, &pe), "expected PreconditionError(%q), got %v", cond, err)
	assert.Equal(t, cond, pe.Condition)
}

func requireAuthz(t *testing.T, err error) {
	t.Helper()
	var ae *AuthorizationError
	require.Truef(t, errors.As(err, &ae), "expected AuthorizationError, got %v", err)
}

func requireValidation(t *testing.T, err error) *ValidationError {
	t.Helper()
	var ve *ValidationError
	require.Truef(t, errors.As(err, &ve), "expected ValidationError, got %v", err)
	return ve
}

func TestCreateExamValidation(t *testing.T) {
	f := newFixture(t, NewInMemoryStore())
	ctx := context.Background()

	in := examInput()
	in.Title = "  "
	ve := requireValidation(t, errOnly(f.svc.CreateExam(ctx, teacher, in)))
	assert.Equal(t, "title", ve.Fields[0].Field)

	in = examInput()
	in.EndAt = in.StartAt
	requireValidation(t, errOnly(f.svc.CreateExam(ctx, teacher, in)))

	in = examInput()
	in.StartAt = nil
	ve = requireValidation(t, errOnly(f.svc.CreateExam(ctx, teacher, in)))
	assert.Equal(t, "start_at", ve.Fields[0].Field)

	in = examInput()
	in.DurationMinutes = -5
	requireValidation(t, errOnly(f.svc.CreateExam(ctx, teacher, in)))

	requireAuthz(t, errOnly(f.svc.CreateExam(ctx, student, examInput())))
}

func errOnly[T any](_ T, err error) error { return err }

func TestCreateExamDefaultsDurationToWindow(t *testing.T) {
	f := newFixture(t, NewInMemoryStore())
	in := examInput()
	in.DurationMinutes = 0
	e, err := f.svc.CreateExam(context.Background(), teacher, in)
	require.NoError(t, err)
	assert.Equal(t, 120, e.DurationMinutes)
	assert.Equal(t, StatusDraft, e.Status)
	assert.Equal(t, teacher.ID, e.CreatedBy)
}

func TestAddQuestionNormalizesCorrectOption(t *testing.T) {
	f := newFixture(t, NewInMemoryStore())
	ctx := context.Background()
	e, err := f.svc.CreateExam(ctx, teacher, examInput())
	require.NoError(t, err)

	q1, err := f.svc.AddQuestion(ctx, teacher, e.ID, questionInput(" c "))
	require.NoError(t, err)
	q2, err := f.svc.AddQuestion(ctx, teacher, e.ID, questionInput("2"))
	require.NoError(t, err)
	assert.Equal(t, 3, q1.Correct)
	assert.Equal(t, 2, q2.Correct)
	assert.Equal(t, 1, q1.Position)
	assert.Equal(t, 2, q2.Position)

	bad := questionInput("D")
	bad.Options[3] = ""
	requireValidation(t, errOnly(f.svc.AddQuestion(ctx, teacher, e.ID, bad)))

	bad = questionInput("A")
	bad.Text = ""
	requireValidation(t, errOnly(f.svc.AddQuestion(ctx, teacher, e.ID, bad)))

	requireAuthz(t, errOnly(f.svc.AddQuestion(ctx, other, e.ID, questionInput("A"))))
	_, err = f.svc.AddQuestion(ctx, admin, e.ID, questionInput("A"))
	assert.NoError(t, err, "admins may edit any exam")
}

func TestPublishPreconditions(t *testing.T) {
	f := newFixture(t, NewInMemoryStore())
	ctx := context.Background()

	e, err := f.svc.CreateExam(ctx, teacher, examInput())
	require.NoError(t, err)
	_, err = f.svc.SetEnrollment(ctx, teacher, e.ID, []string{"stu-1"})
	require.NoError(t, err)

	_, err = f.svc.Publish(ctx, teacher, e.ID)
	requirePrecondition(t, err, CondNoQuestions)

	_, err = f.svc.AddQuestion(ctx, teacher, e.ID, questionInput("A"))
	require.NoError(t, err)
	_, err = f.svc.SetEnrollment(ctx, teacher, e.ID, nil)
	require.NoError(t, err)
	_, err = f.svc.Publish(ctx, teacher, e.ID)
	requirePrecondition(t, err, CondNoStudents)

	got, err := f.svc.GetExam(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDraft, got.Status, "failed publish leaves the exam in draft")

	_, err = f.svc.SetEnrollment(ctx, teacher, e.ID, []string{"stu-1"})
	require.NoError(t, err)
	pub, err := f.svc.Publish(ctx, teacher, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPublished, pub.Status)

	again, err := f.svc.Publish(ctx, teacher, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPublished, again.Status)
	assert.Equal(t, []EventType{EventExamPublished}, f.rec.types())
}

func TestPublishRequiresSchedule(t *testing.T) {
	store := NewInMemoryStore()
	f := newFixture(t, store)
	ctx := context.Background()

	// rows from older data may lack a schedule
	require.NoError(t, store.CreateExam(ctx, Exam{ID: "legacy", Title: "Old", Status: StatusDraft, CreatedBy: teacher.ID}))
	_, err := store.InsertQuestion(ctx, Question{ID: "q", ExamID: "legacy", Text: "x", Options: [MaxOptions]string{"a", "b"}, Correct: 1})
	require.NoError(t, err)
	require.NoError(t, store.ReplaceEnrollment(ctx, "legacy", []string{"stu-1"}))

	_, err = f.svc.Publish(ctx, teacher, "legacy")
	requirePrecondition(t, err, CondTimeNotConfigured)
}

func TestEditsBlockedAfterPublish(t *testing.T) {
	f := newFixture(t, NewInMemoryStore())
	ctx := context.Background()
	e, qs := f.publishedExam(t, 1, "stu-1")

	requirePrecondition(t, errOnly(f.svc.AddQuestion(ctx, teacher, e.ID, questionInput("A"))), CondPublished)
	requirePrecondition(t, errOnly(f.svc.UpdateExam(ctx, teacher, e.ID, examInput())), CondPublished)
	requirePrecondition(t, f.svc.DeleteQuestion(ctx, teacher, e.ID, qs[0].ID), CondPublished)
	requirePrecondition(t, errOnly(f.svc.ClearQuestions(ctx, teacher, e.ID)), CondPublished)
}

func TestSubmitScoresTwoOfThree(t *testing.T) {
	f := newFixture(t, NewInMemoryStore())
	ctx := context.Background()
	e, qs := f.publishedExam(t, 3, "stu-1")

	view, err := f.svc.StartAttempt(ctx, e.ID, student.ID)
	require.NoError(t, err)
	assert.Equal(t, AttemptInProgress, view.State)
	require.Len(t, view.Questions, 3)
	require.NotNil(t, view.Deadline)
	assert.Equal(t, t0.Add(70*time.Minute), *view.Deadline, "started at +10m with a 60m duration")

	rep, err := f.svc.Autosave(ctx, e.ID, student.ID, map[string]*int{
		qs[0].ID: sel(1), // right
		qs[1].ID: sel(2), // right
		qs[2].ID: sel(4), // wrong, key is 3
	}, map[string]bool{qs[2].ID: true})
	require.NoError(t, err)
	assert.Equal(t, AutosaveReport{Answers: 3, Marks: 1}, rep)

	r, err := f.svc.Submit(ctx, e.ID, student.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Score)
	assert.Equal(t, 3, r.Total)

	stored, err := f.svc.GetResult(ctx, e.ID, student.ID)
	require.NoError(t, err)
	assert.Equal(t, r.Score, stored.Score)

	_, err = f.svc.Autosave(ctx, e.ID, student.ID, map[string]*int{qs[2].ID: sel(3)}, nil)
	requirePrecondition(t, err, CondAttemptClosed)

	assert.Contains(t, f.rec.types(), EventResultSubmitted)
}

func TestResubmitRecomputesWithoutCloseOnSubmit(t *testing.T) {
	f := newFixture(t, NewInMemoryStore(), WithCloseOnSubmit(false))
	ctx := context.Background()
	e, qs := f.publishedExam(t, 2, "stu-1")

	_, err := f.svc.StartAttempt(ctx, e.ID, student.ID)
	require.NoError(t, err)
	_, err = f.svc.Autosave(ctx, e.ID, student.ID, map[string]*int{qs[0].ID: sel(1)}, nil)
	require.NoError(t, err)
	r, err := f.svc.Submit(ctx, e.ID, student.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Score)

	_, err = f.svc.Autosave(ctx, e.ID, student.ID, map[string]*int{qs[1].ID: sel(2)}, nil)
	require.NoError(t, err)
	r, err = f.svc.Submit(ctx, e.ID, student.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Score)

	results, err := f.svc.ListResults(ctx, e.ID)
	require.NoError(t, err)
	assert.Len(t, results, 1, "one result row per student")
}

func TestAttemptRequiresEnrollmentAndPublication(t *testing.T) {
	f := newFixture(t, NewInMemoryStore())
	ctx := context.Background()

	draft, err := f.svc.CreateExam(ctx, teacher, examInput())
	require.NoError(t, err)
	_, err = f.svc.SetEnrollment(ctx, teacher, draft.ID, []string{"stu-1"})
	require.NoError(t, err)
	requireAuthz(t, errOnly(f.svc.StartAttempt(ctx, draft.ID, student.ID)))

	e, _ := f.publishedExam(t, 1, "stu-9")
	requireAuthz(t, errOnly(f.svc.StartAttempt(ctx, e.ID, student.ID)))
	requireAuthz(t, errOnly(f.svc.Submit(ctx, e.ID, student.ID)))
	requireAuthz(t, errOnly(f.svc.Autosave(ctx, e.ID, student.ID, nil, nil)))
}

func TestAttemptWindow(t *testing.T) {
	f := newFixture(t, NewInMemoryStore(), WithWindow(true, time.Minute))
	ctx := context.Background()
	e, qs := f.publishedExam(t, 1, "stu-1", "stu-2")

	f.clock.Set(t0.Add(-time.Minute))
	requirePrecondition(t, errOnly(f.svc.StartAttempt(ctx, e.ID, "stu-1")), CondAttemptNotStarted)

	f.clock.Set(t0.Add(90 * time.Minute))
	_, err := f.svc.StartAttempt(ctx, e.ID, "stu-1")
	require.NoError(t, err, "started late, deadline is the exam end")

	info, err := f.svc.AttemptStatus(ctx, e.ID, "stu-1")
	require.NoError(t, err)
	assert.Equal(t, AttemptInProgress, info.State)
	assert.Equal(t, t0.Add(121*time.Minute), *info.Deadline)

	f.clock.Set(t0.Add(121*time.Minute + time.Second))
	_, err = f.svc.Autosave(ctx, e.ID, "stu-1", map[string]*int{qs[0].ID: sel(1)}, nil)
	requirePrecondition(t, err, CondAttemptClosed)
	info, err = f.svc.AttemptStatus(ctx, e.ID, "stu-1")
	require.NoError(t, err)
	assert.Equal(t, AttemptClosed, info.State)

	requirePrecondition(t, errOnly(f.svc.StartAttempt(ctx, e.ID, "stu-2")), CondAttemptClosed)

	// submitting after the deadline is still accepted
	_, err = f.svc.Submit(ctx, e.ID, "stu-1")
	assert.NoError(t, err)
}

func TestWindowNotEnforced(t *testing.T) {
	f := newFixture(t, NewInMemoryStore(), WithWindow(false, 0))
	ctx := context.Background()
	e, _ := f.publishedExam(t, 1, "stu-1")

	f.clock.Set(t0.Add(-24 * time.Hour))
	_, err := f.svc.StartAttempt(ctx, e.ID, "stu-1")
	assert.NoError(t, err)
}

func TestResumeReturnsSavedState(t *testing.T) {
	f := newFixture(t, NewInMemoryStore())
	ctx := context.Background()
	e, qs := f.publishedExam(t, 2, "stu-1")

	first, err := f.svc.StartAttempt(ctx, e.ID, "stu-1")
	require.NoError(t, err)
	_, err = f.svc.Autosave(ctx, e.ID, "stu-1", map[string]*int{qs[1].ID: sel(3)}, map[string]bool{qs[0].ID: true})
	require.NoError(t, err)

	f.clock.Set(f.clock.Now().Add(5 * time.Minute))
	again, err := f.svc.StartAttempt(ctx, e.ID, "stu-1")
	require.NoError(t, err)
	assert.Equal(t, first.Deadline, again.Deadline, "started-at is recorded once")
	assert.True(t, again.Questions[0].Marked)
	assert.Nil(t, again.Questions[0].Selected)
	require.NotNil(t, again.Questions[1].Selected)
	assert.Equal(t, 3, *again.Questions[1].Selected)
}

func TestAutosaveValidation(t *testing.T) {
	f := newFixture(t, NewInMemoryStore())
	ctx := context.Background()
	e, qs := f.publishedExam(t, 2, "stu-1")

	_, err := f.svc.Autosave(ctx, e.ID, "stu-1", map[string]*int{qs[0].ID: sel(1), qs[1].ID: sel(5)}, nil)
	ve := requireValidation(t, err)
	assert.Equal(t, "answers."+qs[1].ID, ve.Fields[0].Field)

	_, err = f.svc.Autosave(ctx, e.ID, "stu-1", nil, map[string]bool{"nope": true})
	requireValidation(t, err)

	answers, err := f.store.ListAnswers(ctx, e.ID, "stu-1")
	require.NoError(t, err)
	assert.Empty(t, answers, "rejected payloads write nothing")
}

func TestAutosaveIdempotentAndCommutative(t *testing.T) {
	f := newFixture(t, NewInMemoryStore())
	ctx := context.Background()
	e, qs := f.publishedExam(t, 3, "stu-1", "stu-2")

	payload := map[string]*int{qs[0].ID: sel(2), qs[1].ID: nil}
	for i := 0; i < 3; i++ {
		_, err := f.svc.Autosave(ctx, e.ID, "stu-1", payload, map[string]bool{qs[2].ID: true})
		require.NoError(t, err)
	}

	// same keys, saved one at a time in reverse order, by another student
	_, err := f.svc.Autosave(ctx, e.ID, "stu-2", nil, map[string]bool{qs[2].ID: true})
	require.NoError(t, err)
	_, err = f.svc.Autosave(ctx, e.ID, "stu-2", map[string]*int{qs[1].ID: nil}, nil)
	require.NoError(t, err)
	_, err = f.svc.Autosave(ctx, e.ID, "stu-2", map[string]*int{qs[0].ID: sel(2)}, nil)
	require.NoError(t, err)

	strip := func(as []Answer) map[string]*int {
		out := map[string]*int{}
		for _, a := range as {
			out[a.QuestionID] = a.Selected
		}
		return out
	}
	a1, err := f.store.ListAnswers(ctx, e.ID, "stu-1")
	require.NoError(t, err)
	a2, err := f.store.ListAnswers(ctx, e.ID, "stu-2")
	require.NoError(t, err)
	assert.Len(t, a1, 2)
	assert.Equal(t, strip(a1), strip(a2))
}

func TestAutosaveConcurrent(t *testing.T) {
	f := newFixture(t, NewInMemoryStore())
	ctx := context.Background()
	e, qs := f.publishedExam(t, 4, "stu-1")

	var g errgroup.Group
	for i := 0; i < 40; i++ {
		q := qs[i%len(qs)]
		g.Go(func() error {
			_, err := f.svc.Autosave(ctx, e.ID, "stu-1", map[string]*int{q.ID: sel(q.Correct)}, nil)
			return err
		})
	}
	require.NoError(t, g.Wait())

	r, err := f.svc.Submit(ctx, e.ID, "stu-1")
	require.NoError(t, err)
	assert.Equal(t, 4, r.Score)
}

type failingAnswers struct {
	Store
	failFor string
}

func (s failingAnswers) UpsertAnswer(ctx context.Context, a Answer) error {
	if a.QuestionID == s.failFor {
		return errors.New("disk full")
	}
	return s.Store.UpsertAnswer(ctx, a)
}

func TestAutosavePartialStorageFailure(t *testing.T) {
	base := NewInMemoryStore()
	seed := newFixture(t, base)
	e, qs := seed.publishedExam(t, 3, "stu-1")

	f := newFixture(t, failingAnswers{Store: base, failFor: qs[1].ID})
	ctx := context.Background()
	rep, err := f.svc.Autosave(ctx, e.ID, "stu-1", map[string]*int{qs[0].ID: sel(1), qs[1].ID: sel(1), qs[2].ID: sel(1)}, nil)
	var se *StorageError
	require.True(t, errors.As(err, &se), "got %v", err)
	assert.Equal(t, 2, rep.Answers, "the other keys are still written")
}

func TestAutosaveRejectsWholePayload(t *testing.T) {
	f := newFixture(t, NewInMemoryStore())
	ctx := context.Background()
	e, qs := f.publishedExam(t, 2, "stu-1")

	_, err := f.svc.Autosave(ctx, e.ID, "stu-1", map[string]*int{qs[0].ID: sel(1), "ghost": sel(2)}, map[string]bool{qs[1].ID: true})
	ve := requireValidation(t, err)
	require.Len(t, ve.Fields, 1)
	assert.Equal(t, "answers.ghost", ve.Fields[0].Field)

	answers, err := f.store.ListAnswers(ctx, e.ID, "stu-1")
	require.NoError(t, err)
	assert.Empty(t, answers, "the valid key is not saved either")
	marks, err := f.store.ListMarks(ctx, e.ID, "stu-1")
	require.NoError(t, err)
	assert.Empty(t, marks)
	info, err := f.svc.AttemptStatus(ctx, e.ID, "stu-1")
	require.NoError(t, err)
	assert.Equal(t, AttemptNotStarted, info.State)
}

func TestStudentViewBeforeOpen(t *testing.T) {
	f := newFixture(t, NewInMemoryStore())
	ctx := context.Background()
	e, qs := f.publishedExam(t, 2, "stu-1")

	f.clock.Set(t0.Add(-time.Hour))
	view, err := f.svc.StudentView(ctx, e.ID, "stu-1")
	require.NoError(t, err)
	assert.Equal(t, AttemptNotStarted, view.State)
	assert.Equal(t, e.ID, view.Exam.ID)
	assert.Empty(t, view.Questions)

	_, err = f.svc.Autosave(ctx, e.ID, "stu-1", map[string]*int{qs[0].ID: sel(1)}, nil)
	requirePrecondition(t, err, CondAttemptNotStarted)

	f.clock.Set(t0.Add(10 * time.Minute))
	view, err = f.svc.StudentView(ctx, e.ID, "stu-1")
	require.NoError(t, err)
	assert.Len(t, view.Questions, 2)
	info, err := f.svc.AttemptStatus(ctx, e.ID, "stu-1")
	require.NoError(t, err)
	assert.Nil(t, info.StartedAt, "viewing does not start the attempt")
}

func TestAutosaveStartsTheClock(t *testing.T) {
	f := newFixture(t, NewInMemoryStore())
	ctx := context.Background()
	e, qs := f.publishedExam(t, 2, "stu-1")

	_, err := f.svc.Autosave(ctx, e.ID, "stu-1", map[string]*int{qs[0].ID: sel(1)}, nil)
	require.NoError(t, err)
	info, err := f.svc.AttemptStatus(ctx, e.ID, "stu-1")
	require.NoError(t, err)
	assert.Equal(t, AttemptInProgress, info.State)
	require.NotNil(t, info.StartedAt)
	assert.Equal(t, t0.Add(10*time.Minute), *info.StartedAt)
	assert.Equal(t, t0.Add(70*time.Minute), *info.Deadline)

	// 60 minute duration, exam end is +120m
	f.clock.Set(t0.Add(100 * time.Minute))
	_, err = f.svc.Autosave(ctx, e.ID, "stu-1", map[string]*int{qs[1].ID: sel(2)}, nil)
	requirePrecondition(t, err, CondAttemptClosed)
	answers, err := f.store.ListAnswers(ctx, e.ID, "stu-1")
	require.NoError(t, err)
	assert.Len(t, answers, 1)
}

// gatedAnswers parks every answer write until release is closed.
type gatedAnswers struct {
	Store
	entered chan struct{}
	release chan struct{}
}

func (s gatedAnswers) UpsertAnswer(ctx context.Context, a Answer) error {
	s.entered <- struct{}{}
	<-s.release
	return s.Store.UpsertAnswer(ctx, a)
}

func TestSubmitClosesBeforeInflightAutosave(t *testing.T) {
	base := NewInMemoryStore()
	seed := newFixture(t, base)
	e, qs := seed.publishedExam(t, 2, "stu-1")

	gated := gatedAnswers{Store: base, entered: make(chan struct{}, 1), release: make(chan struct{})}
	f := newFixture(t, gated)
	ctx := context.Background()
	_, err := f.svc.StartAttempt(ctx, e.ID, "stu-1")
	require.NoError(t, err)

	saved := make(chan error, 1)
	go func() {
		_, err := f.svc.Autosave(ctx, e.ID, "stu-1", map[string]*int{qs[0].ID: sel(1)}, nil)
		saved <- err
	}()
	<-gated.entered

	r, err := f.svc.Submit(ctx, e.ID, "stu-1")
	require.NoError(t, err)
	assert.Equal(t, 0, r.Score)
	assert.Equal(t, 2, r.Total)

	close(gated.release)
	requirePrecondition(t, <-saved, CondAttemptClosed)
	answers, err := base.ListAnswers(ctx, e.ID, "stu-1")
	require.NoError(t, err)
	assert.Empty(t, answers, "nothing lands after the close")

	again, err := f.svc.Submit(ctx, e.ID, "stu-1")
	require.NoError(t, err)
	assert.Equal(t, r, again, "a closed attempt keeps its result")
}

// publishCounter records how many questions the exam had when it was published.
type publishCounter struct {
	store Store
	at    chan int
}

func (p publishCounter) Handle(ctx context.Context, e Event) error {
	if e.Type != EventExamPublished {
		return nil
	}
	n, err := p.store.CountQuestions(ctx, e.ExamID)
	p.at <- n
	return err
}

func TestPublishSerializesWithQuestionEdits(t *testing.T) {
	store := NewInMemoryStore()
	counter := publishCounter{store: store, at: make(chan int, 1)}
	f := newFixture(t, store, WithEvents(counter))
	ctx := context.Background()

	e, err := f.svc.CreateExam(ctx, teacher, examInput())
	require.NoError(t, err)
	_, err = f.svc.AddQuestion(ctx, teacher, e.ID, questionInput("A"))
	require.NoError(t, err)
	_, err = f.svc.SetEnrollment(ctx, teacher, e.ID, []string{"stu-1"})
	require.NoError(t, err)
	b, err := f.svc.CreateBankQuestion(ctx, teacher, BankInput{
		CourseID: "math", ClassID: "jss1", Text: "bank", Options: [MaxOptions]string{"a", "b", "c", "d"}, CorrectOption: "b",
	})
	require.NoError(t, err)

	var added atomic.Int64
	var g errgroup.Group
	for i := 0; i < 30; i++ {
		i := i
		g.Go(func() error {
			var err error
			if i%3 == 0 {
				var rep ImportReport
				rep, err = f.svc.ImportBulk(ctx, teacher, e.ID, []string{b.ID})
				added.Add(int64(rep.Added))
			} else {
				_, err = f.svc.AddQuestion(ctx, teacher, e.ID, questionInput("C"))
				if err == nil {
					added.Add(1)
				}
			}
			var pe *PreconditionError
			if errors.As(err, &pe) && pe.Condition == CondPublished {
				return nil
			}
			return err
		})
		if i == 15 {
			g.Go(func() error {
				_, err := f.svc.Publish(ctx, teacher, e.ID)
				return err
			})
		}
	}
	require.NoError(t, g.Wait())

	atPublish := <-counter.at
	n, err := store.CountQuestions(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, atPublish, n, "no question lands after publication")
	assert.Equal(t, 1+int(added.Load()), n)
}

func TestImportFromBankSkipsMissing(t *testing.T) {
	for _, bulk := range []bool{false, true} {
		t.Run(fmt.Sprintf("bulk=%v", bulk), func(t *testing.T) {
			f := newFixture(t, NewInMemoryStore())
			ctx := context.Background()
			e, err := f.svc.CreateExam(ctx, teacher, examInput())
			require.NoError(t, err)

			var ids []string
			for i, c := range []string{"A", "b", "3", "D"} {
				b, err := f.svc.CreateBankQuestion(ctx, teacher, BankInput{
					CourseID: "math", ClassID: "jss1", Text: fmt.Sprintf("bank %d", i),
					Options: [MaxOptions]string{"w", "x", "y", "z"}, CorrectOption: c,
				})
				require.NoError(t, err)
				ids = append(ids, b.ID)
			}
			ids = append(ids[:2], append([]string{"missing"}, ids[2:]...)...)

			var rep ImportReport
			if bulk {
				rep, err = f.svc.ImportBulk(ctx, teacher, e.ID, ids)
			} else {
				rep, err = f.svc.ImportFromBank(ctx, teacher, e.ID, ids)
			}
			var pie *PartialImportError
			require.True(t, errors.As(err, &pie), "got %v", err)
			assert.Equal(t, []string{"missing"}, pie.Skipped)
			assert.Equal(t, 4, rep.Added)

			qs, err := f.svc.ListQuestions(ctx, e.ID)
			require.NoError(t, err)
			require.Len(t, qs, 4)
			correct := []int{qs[0].Correct, qs[1].Correct, qs[2].Correct, qs[3].Correct}
			assert.Equal(t, []int{1, 2, 3, 4}, correct)
			for i, q := range qs {
				assert.Equal(t, i+1, q.Position)
			}
		})
	}
}

func TestImportFromBankAllFound(t *testing.T) {
	f := newFixture(t, NewInMemoryStore())
	ctx := context.Background()
	e, err := f.svc.CreateExam(ctx, teacher, examInput())
	require.NoError(t, err)
	b, err := f.svc.CreateBankQuestion(ctx, teacher, BankInput{
		CourseID: "math", ClassID: "jss1", Text: "q", Options: [MaxOptions]string{"a", "b"}, CorrectOption: "B",
	})
	require.NoError(t, err)

	rep, err := f.svc.ImportFromBank(ctx, teacher, e.ID, []string{b.ID, b.ID})
	require.NoError(t, err)
	assert.Equal(t, ImportReport{Added: 1}, rep, "duplicate ids import once")
}

func TestImportCandidates(t *testing.T) {
	f := newFixture(t, NewInMemoryStore())
	ctx := context.Background()
	cands, err := ParseCandidates(`[
		{"question":"ok","optionA":"a","optionB":"b","optionC":"c","optionD":"d","correct_option":"C"},
		{"question":"bad key","optionA":"a","optionB":"b","optionC":"","optionD":"","correct_option":"D"},
		{"question":"","optionA":"a","optionB":"b","optionC":"","optionD":"","correct_option":"A"}
	]`)
	require.NoError(t, err)

	rep, err := f.svc.ImportCandidates(ctx, teacher, "math", "jss1", cands)
	var pie *PartialImportError
	require.True(t, errors.As(err, &pie))
	assert.Equal(t, 1, rep.Added)
	assert.Equal(t, []string{"2", "3"}, rep.Skipped)

	page, err := f.svc.ListBank(ctx, "math", "jss1", 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
	assert.Equal(t, DefaultBankPageSize, page.PageSize)
	assert.Equal(t, "C", page.Items[0].CorrectRaw)
}

func TestBankCRUD(t *testing.T) {
	f := newFixture(t, NewInMemoryStore())
	ctx := context.Background()

	mk := func(actor Actor, course, class string, i int) BankQuestion {
		b, err := f.svc.CreateBankQuestion(ctx, actor, BankInput{
			CourseID: course, ClassID: class, Text: fmt.Sprint("q", i),
			Options: [MaxOptions]string{"a", "b"}, CorrectOption: "a",
		})
		require.NoError(t, err)
		return b
	}
	var last BankQuestion
	for i := 0; i < 17; i++ {
		f.clock.Set(t0.Add(time.Duration(i) * time.Second))
		last = mk(teacher, "math", "jss1", i)
	}
	mk(teacher, "eng", "jss1", 0)
	mk(other, "math", "jss2", 0)

	page, err := f.svc.ListBank(ctx, "math", "jss1", 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 17, page.Total)
	assert.Equal(t, 2, page.Pages)
	assert.Len(t, page.Items, 2)

	first, err := f.svc.ListBank(ctx, "math", "jss1", 1, 15)
	require.NoError(t, err)
	assert.Equal(t, last.ID, first.Items[0].ID, "newest first")

	sum, err := f.svc.BankSummary(ctx, teacher)
	require.NoError(t, err)
	assert.Equal(t, []BankGroup{{CourseID: "eng", ClassID: "jss1", Total: 1}, {CourseID: "math", ClassID: "jss1", Total: 17}}, sum)

	_, err = f.svc.UpdateBankQuestion(ctx, other, last.ID, BankInput{CourseID: "math", ClassID: "jss1", Text: "x", Options: [MaxOptions]string{"a", "b"}, CorrectOption: "1"})
	requireAuthz(t, err)
	upd, err := f.svc.UpdateBankQuestion(ctx, teacher, last.ID, BankInput{CourseID: "math", ClassID: "jss1", Text: "edited", Options: [MaxOptions]string{"a", "b"}, CorrectOption: "2"})
	require.NoError(t, err)
	assert.Equal(t, "edited", upd.Text)
	assert.Equal(t, last.CreatedAt, upd.CreatedAt)

	n, err := f.svc.DeleteBankQuestions(ctx, teacher, []string{last.ID, "nope"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = f.svc.DeleteBankScope(ctx, teacher, "math", "jss1")
	require.NoError(t, err)
	assert.Equal(t, 16, n)
}

func TestInfractionsCountStrikes(t *testing.T) {
	f := newFixture(t, NewInMemoryStore())
	ctx := context.Background()
	e, _ := f.publishedExam(t, 1, "stu-1", "stu-2")

	var last int
	for i, reason := range []string{"tab switch", "face missing", "tab switch"} {
		f.clock.Set(t0.Add(time.Duration(20+i) * time.Minute))
		n, err := f.svc.RecordInfraction(ctx, e.ID, "stu-1", reason)
		require.NoError(t, err)
		last = n
	}
	assert.Equal(t, 3, last)

	n, err := f.svc.RecordInfraction(ctx, e.ID, "stu-2", "phone")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "strikes are per student")

	list, err := f.svc.ListInfractions(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, list, 4)
	assert.Equal(t, "phone", list[0].Reason, "newest first")

	requireValidation(t, errOnly(f.svc.RecordInfraction(ctx, e.ID, "stu-1", " ")))

	var strikes []int
	for _, ev := range f.rec.events {
		if ev.Type == EventInfractionRecorded {
			strikes = append(strikes, ev.Strikes)
		}
	}
	assert.Equal(t, []int{1, 2, 3, 1}, strikes)
}

func TestSnapshots(t *testing.T) {
	f := newFixture(t, NewInMemoryStore())
	ctx := context.Background()
	e, _ := f.publishedExam(t, 1, "stu-1", "stu-2")

	_, err := f.svc.RecordSnapshot(ctx, e.ID, "stu-1", "snapshots/a.png")
	require.NoError(t, err)
	_, err = f.svc.RecordSnapshot(ctx, e.ID, "stu-2", "snapshots/b.png")
	require.NoError(t, err)
	requireValidation(t, errOnly(f.svc.RecordSnapshot(ctx, e.ID, "stu-1", "")))
	assert.True(t, IsNotFound(errOnly(f.svc.RecordSnapshot(ctx, "nope", "stu-1", "x"))))

	mine, err := f.svc.ListSnapshots(ctx, e.ID, "stu-1")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "snapshots/a.png", mine[0].ImageRef)

	all, err := f.svc.ListSnapshots(ctx, e.ID, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestEnrollmentReplace(t *testing.T) {
	f := newFixture(t, NewInMemoryStore())
	ctx := context.Background()
	e, err := f.svc.CreateExam(ctx, teacher, examInput())
	require.NoError(t, err)

	ids, err := f.svc.SetEnrollment(ctx, teacher, e.ID, []string{"b", " a", "b", ""})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, ids)

	list, err := f.svc.ListEnrollment(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, list)

	_, err = f.svc.SetEnrollment(ctx, teacher, e.ID, []string{"c"})
	require.NoError(t, err)
	ok, err := f.svc.IsEnrolled(ctx, e.ID, "a")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = f.svc.SetEnrollment(ctx, teacher, e.ID, nil)
	require.NoError(t, err)
	list, err = f.svc.ListEnrollment(ctx, e.ID)
	require.NoError(t, err)
	assert.Empty(t, list)

	requireAuthz(t, errOnly(f.svc.SetEnrollment(ctx, other, e.ID, []string{"x"})))
}

func TestPublishAndEnrollmentSerialize(t *testing.T) {
	f := newFixture(t, NewInMemoryStore())
	ctx := context.Background()
	e, err := f.svc.CreateExam(ctx, teacher, examInput())
	require.NoError(t, err)
	_, err = f.svc.AddQuestion(ctx, teacher, e.ID, questionInput("A"))
	require.NoError(t, err)

	var g errgroup.Group
	for i := 0; i < 10; i++ {
		i := i
		g.Go(func() error {
			_, err := f.svc.SetEnrollment(ctx, teacher, e.ID, []string{fmt.Sprint("s", i)})
			return err
		})
		g.Go(func() error {
			_, err := f.svc.Publish(ctx, teacher, e.ID)
			var pe *PreconditionError
			if errors.As(err, &pe) && pe.Condition == CondNoStudents {
				return nil
			}
			return err
		})
	}
	require.NoError(t, g.Wait())

	got, err := f.svc.GetExam(ctx, e.ID)
	require.NoError(t, err)
	if got.Status == StatusPublished {
		n, err := f.store.CountEnrollment(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	}
}

func TestOverviewAndDelete(t *testing.T) {
	f := newFixture(t, NewInMemoryStore())
	ctx := context.Background()
	e, qs := f.publishedExam(t, 3, "stu-1", "stu-2")

	_, err := f.svc.Autosave(ctx, e.ID, "stu-1", map[string]*int{qs[0].ID: sel(1)}, nil)
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, e.ID, "stu-1")
	require.NoError(t, err)
	_, err = f.svc.RecordInfraction(ctx, e.ID, "stu-2", "tab")
	require.NoError(t, err)

	ov, err := f.svc.Overview(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, Overview{ExamID: e.ID, Questions: 3, Enrolled: 2, Submitted: 1}, ov)

	requireAuthz(t, f.svc.DeleteExam(ctx, other, e.ID))
	require.NoError(t, f.svc.DeleteExam(ctx, teacher, e.ID))

	_, err = f.svc.GetExam(ctx, e.ID)
	assert.True(t, IsNotFound(err))
	n, err := f.store.CountResults(ctx, e.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
	inf, err := f.store.ListInfractions(ctx, e.ID)
	require.NoError(t, err)
	assert.Empty(t, inf)
}

func TestListExamsFilters(t *testing.T) {
	f := newFixture(t, NewInMemoryStore())
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		f.clock.Set(t0.Add(time.Duration(i) * time.Minute))
		_, err := f.svc.CreateExam(ctx, teacher, examInput())
		require.NoError(t, err)
	}
	in := examInput()
	in.ClassID = "jss2"
	_, err := f.svc.CreateExam(ctx, other, in)
	require.NoError(t, err)

	mine, err := f.svc.ListExams(ctx, ListOpts{CreatedBy: teacher.ID})
	require.NoError(t, err)
	assert.Len(t, mine, 3)
	assert.True(t, mine[0].CreatedAt.After(mine[2].CreatedAt))

	jss2, err := f.svc.ListExams(ctx, ListOpts{ClassID: "jss2"})
	require.NoError(t, err)
	assert.Len(t, jss2, 1)

	paged, err := f.svc.ListExams(ctx, ListOpts{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, paged, 2)
}
