package exam

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

type pairKey struct{ exam, student string }

type rowKey struct{ exam, student, question string }

type memoryStore struct {
	mu          sync.RWMutex
	exams       map[string]Exam
	questions   map[string]Question // by question id
	bank        map[string]BankQuestion
	enrollments map[string]map[string]struct{} // exam -> students
	attempts    map[pairKey]Attempt
	answers     map[rowKey]Answer
	marks       map[rowKey]ReviewMark
	infractions []Infraction
	snapshots   []Snapshot
	results     map[pairKey]Result
}

// NewInMemoryStore returns a Store backed by process memory. It is safe for
// concurrent use and is what the service tests run against.
func NewInMemoryStore() Store {
	return &memoryStore{
		exams:       map[string]Exam{},
		questions:   map[string]Question{},
		bank:        map[string]BankQuestion{},
		enrollments: map[string]map[string]struct{}{},
		attempts:    map[pairKey]Attempt{},
		answers:     map[rowKey]Answer{},
		marks:       map[rowKey]ReviewMark{},
		results:     map[pairKey]Result{},
	}
}

func (m *memoryStore) CreateExam(_ context.Context, e Exam) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.exams[e.ID]; ok {
		return errors.Errorf("exam %s already exists", e.ID)
	}
	m.exams[e.ID] = e
	return nil
}

func (m *memoryStore) GetExam(_ context.Context, id string) (Exam, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.exams[id]
	if !ok {
		return Exam{}, errors.Wrap(ErrNotFound, "exam")
	}
	return e, nil
}

func (m *memoryStore) UpdateExam(_ context.Context, e Exam) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.exams[e.ID]; !ok {
		return errors.Wrap(ErrNotFound, "exam")
	}
	m.exams[e.ID] = e
	return nil
}

func (m *memoryStore) DeleteExam(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.exams[id]; !ok {
		return errors.Wrap(ErrNotFound, "exam")
	}
	delete(m.exams, id)
	delete(m.enrollments, id)
	for k, q := range m.questions {
		if q.ExamID == id {
			delete(m.questions, k)
		}
	}
	for k := range m.attempts {
		if k.exam == id {
			delete(m.attempts, k)
		}
	}
	for k := range m.results {
		if k.exam == id {
			delete(m.results, k)
		}
	}
	for k := range m.answers {
		if k.exam == id {
			delete(m.answers, k)
		}
	}
	for k := range m.marks {
		if k.exam == id {
			delete(m.marks, k)
		}
	}
	m.infractions = lo.Reject(m.infractions, func(in Infraction, _ int) bool { return in.ExamID == id })
	m.snapshots = lo.Reject(m.snapshots, func(s Snapshot, _ int) bool { return s.ExamID == id })
	return nil
}

func (m *memoryStore) ListExams(_ context.Context, opts ListOpts) ([]Exam, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Exam, 0, len(m.exams))
	for _, e := range m.exams {
		if opts.CourseID != "" && e.CourseID != opts.CourseID {
			continue
		}
		if opts.ClassID != "" && e.ClassID != opts.ClassID {
			continue
		}
		if opts.CreatedBy != "" && e.CreatedBy != opts.CreatedBy {
			continue
		}
		if opts.Status != "" && e.Status != opts.Status {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return page(out, opts.Limit, opts.Offset), nil
}

func (m *memoryStore) PublishExam(_ context.Context, id string, ready func(ReadinessFacts) error) (Exam, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.exams[id]
	if !ok {
		return Exam{}, errors.Wrap(ErrNotFound, "exam")
	}
	facts := ReadinessFacts{Exam: e, Questions: m.countQuestionsLocked(id), Students: len(m.enrollments[id])}
	if err := ready(facts); err != nil {
		return Exam{}, err
	}
	e.Status = StatusPublished
	m.exams[id] = e
	return e, nil
}

func (m *memoryStore) countQuestionsLocked(examID string) int {
	n := 0
	for _, q := range m.questions {
		if q.ExamID == examID {
			n++
		}
	}
	return n
}

func (m *memoryStore) nextPositionLocked(examID string) int {
	max := 0
	for _, q := range m.questions {
		if q.ExamID == examID && q.Position > max {
			max = q.Position
		}
	}
	return max + 1
}

// draftLocked fails unless examID names an unpublished exam.
func (m *memoryStore) draftLocked(examID string) error {
	e, ok := m.exams[examID]
	if !ok {
		return errors.Wrap(ErrNotFound, "exam")
	}
	if e.Status == StatusPublished {
		return &PreconditionError{Condition: CondPublished}
	}
	return nil
}

func (m *memoryStore) InsertQuestion(_ context.Context, q Question) (Question, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.draftLocked(q.ExamID); err != nil {
		return Question{}, err
	}
	q.Position = m.nextPositionLocked(q.ExamID)
	m.questions[q.ID] = q
	return q, nil
}

func (m *memoryStore) InsertQuestions(_ context.Context, qs []Question) ([]Question, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, q := range qs {
		if err := m.draftLocked(q.ExamID); err != nil {
			return nil, err
		}
	}
	out := make([]Question, 0, len(qs))
	for _, q := range qs {
		q.Position = m.nextPositionLocked(q.ExamID)
		m.questions[q.ID] = q
		out = append(out, q)
	}
	return out, nil
}

func (m *memoryStore) UpdateQuestion(_ context.Context, q Question) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.questions[q.ID]
	if !ok || cur.ExamID != q.ExamID {
		return errors.Wrap(ErrNotFound, "question")
	}
	q.Position = cur.Position
	m.questions[q.ID] = q
	return nil
}

func (m *memoryStore) DeleteQuestion(_ context.Context, examID, questionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.questions[questionID]
	if !ok || cur.ExamID != examID {
		return errors.Wrap(ErrNotFound, "question")
	}
	delete(m.questions, questionID)
	return nil
}

func (m *memoryStore) DeleteQuestions(_ context.Context, examID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, q := range m.questions {
		if q.ExamID == examID {
			delete(m.questions, id)
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) ListQuestions(_ context.Context, examID string) ([]Question, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := lo.Filter(lo.Values(m.questions), func(q Question, _ int) bool { return q.ExamID == examID })
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (m *memoryStore) CountQuestions(_ context.Context, examID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.countQuestionsLocked(examID), nil
}

func (m *memoryStore) CreateBankQuestion(_ context.Context, b BankQuestion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bank[b.ID] = b
	return nil
}

func (m *memoryStore) UpdateBankQuestion(_ context.Context, b BankQuestion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.bank[b.ID]
	if !ok {
		return errors.Wrap(ErrNotFound, "bank question")
	}
	b.TeacherID, b.CreatedAt = cur.TeacherID, cur.CreatedAt
	m.bank[b.ID] = b
	return nil
}

func (m *memoryStore) GetBankQuestion(_ context.Context, id string) (BankQuestion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bank[id]
	if !ok {
		return BankQuestion{}, errors.Wrap(ErrNotFound, "bank question")
	}
	return b, nil
}

func (m *memoryStore) DeleteBankQuestions(_ context.Context, ids []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, id := range ids {
		if _, ok := m.bank[id]; ok {
			delete(m.bank, id)
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) DeleteBankScope(_ context.Context, courseID, classID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, b := range m.bank {
		if b.CourseID == courseID && b.ClassID == classID {
			delete(m.bank, id)
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) ListBankQuestions(_ context.Context, opts BankListOpts) ([]BankQuestion, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := lo.Filter(lo.Values(m.bank), func(b BankQuestion, _ int) bool {
		return (opts.CourseID == "" || b.CourseID == opts.CourseID) && (opts.ClassID == "" || b.ClassID == opts.ClassID)
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return page(out, opts.Limit, opts.Offset), len(out), nil
}

func (m *memoryStore) BankSummary(_ context.Context, teacherID string) ([]BankGroup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := map[[2]string]int{}
	for _, b := range m.bank {
		if b.TeacherID == teacherID {
			counts[[2]string{b.CourseID, b.ClassID}]++
		}
	}
	out := make([]BankGroup, 0, len(counts))
	for k, n := range counts {
		out = append(out, BankGroup{CourseID: k[0], ClassID: k[1], Total: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CourseID == out[j].CourseID {
			return out[i].ClassID < out[j].ClassID
		}
		return out[i].CourseID < out[j].CourseID
	})
	return out, nil
}

func (m *memoryStore) ReplaceEnrollment(_ context.Context, examID string, studentIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.exams[examID]; !ok {
		return errors.Wrap(ErrNotFound, "exam")
	}
	set := make(map[string]struct{}, len(studentIDs))
	for _, id := range studentIDs {
		set[id] = struct{}{}
	}
	m.enrollments[examID] = set
	return nil
}

func (m *memoryStore) IsEnrolled(_ context.Context, examID, studentID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.enrollments[examID][studentID]
	return ok, nil
}

func (m *memoryStore) ListEnrollment(_ context.Context, examID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := lo.Keys(m.enrollments[examID])
	sort.Strings(out)
	return out, nil
}

func (m *memoryStore) CountEnrollment(_ context.Context, examID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.enrollments[examID]), nil
}

func (m *memoryStore) StartAttempt(_ context.Context, examID, studentID string, at time.Time) (Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := pairKey{examID, studentID}
	a, ok := m.attempts[k]
	if !ok {
		a = Attempt{ExamID: examID, StudentID: studentID}
	}
	if a.StartedAt == nil {
		t := at
		a.StartedAt = &t
	}
	m.attempts[k] = a
	return a, nil
}

func (m *memoryStore) GetAttempt(_ context.Context, examID, studentID string) (Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.attempts[pairKey{examID, studentID}]
	if !ok {
		return Attempt{}, errors.Wrap(ErrNotFound, "attempt")
	}
	return a, nil
}

func (m *memoryStore) CloseAttempt(_ context.Context, examID, studentID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := pairKey{examID, studentID}
	a, ok := m.attempts[k]
	if !ok {
		a = Attempt{ExamID: examID, StudentID: studentID}
	}
	if a.ClosedAt == nil {
		t := at
		a.ClosedAt = &t
	}
	m.attempts[k] = a
	return nil
}

func (m *memoryStore) openLocked(examID, studentID string) error {
	if a := m.attempts[pairKey{examID, studentID}]; a.ClosedAt != nil {
		return ErrAttemptClosed
	}
	return nil
}

func (m *memoryStore) UpsertAnswer(_ context.Context, a Answer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.openLocked(a.ExamID, a.StudentID); err != nil {
		return err
	}
	m.answers[rowKey{a.ExamID, a.StudentID, a.QuestionID}] = a
	return nil
}

func (m *memoryStore) UpsertMark(_ context.Context, mk ReviewMark) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.openLocked(mk.ExamID, mk.StudentID); err != nil {
		return err
	}
	m.marks[rowKey{mk.ExamID, mk.StudentID, mk.QuestionID}] = mk
	return nil
}

func (m *memoryStore) ListAnswers(_ context.Context, examID, studentID string) ([]Answer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []Answer{}
	for k, a := range m.answers {
		if k.exam == examID && k.student == studentID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QuestionID < out[j].QuestionID })
	return out, nil
}

func (m *memoryStore) ListMarks(_ context.Context, examID, studentID string) ([]ReviewMark, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []ReviewMark{}
	for k, mk := range m.marks {
		if k.exam == examID && k.student == studentID {
			out = append(out, mk)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QuestionID < out[j].QuestionID })
	return out, nil
}

func (m *memoryStore) AppendInfraction(_ context.Context, in Infraction) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.infractions = append(m.infractions, in)
	return lo.CountBy(m.infractions, func(x Infraction) bool {
		return x.ExamID == in.ExamID && x.StudentID == in.StudentID
	}), nil
}

func (m *memoryStore) ListInfractions(_ context.Context, examID string) ([]Infraction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	// newest first; appends are already chronological
	out := []Infraction{}
	for i := len(m.infractions) - 1; i >= 0; i-- {
		if m.infractions[i].ExamID == examID {
			out = append(out, m.infractions[i])
		}
	}
	return out, nil
}

func (m *memoryStore) AppendSnapshot(_ context.Context, s Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots = append(m.snapshots, s)
	return nil
}

func (m *memoryStore) ListSnapshots(_ context.Context, examID, studentID string) ([]Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lo.Filter(m.snapshots, func(s Snapshot, _ int) bool {
		return s.ExamID == examID && (studentID == "" || s.StudentID == studentID)
	}), nil
}

func (m *memoryStore) UpsertResult(_ context.Context, r Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[pairKey{r.ExamID, r.StudentID}] = r
	return nil
}

func (m *memoryStore) GetResult(_ context.Context, examID, studentID string) (Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.results[pairKey{examID, studentID}]
	if !ok {
		return Result{}, errors.Wrap(ErrNotFound, "result")
	}
	return r, nil
}

func (m *memoryStore) ListResults(_ context.Context, examID string) ([]Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []Result{}
	for k, r := range m.results {
		if k.exam == examID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score == out[j].Score {
			return out[i].StudentID < out[j].StudentID
		}
		return out[i].Score > out[j].Score
	})
	return out, nil
}

func (m *memoryStore) CountResults(_ context.Context, examID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for k := range m.results {
		if k.exam == examID {
			n++
		}
	}
	return n, nil
}

func page[T any](in []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(in) {
			return []T{}
		}
		in = in[offset:]
	}
	if limit > 0 && limit < len(in) {
		in = in[:limit]
	}
	return in
}
