package exam

import "time"

// MaxOptions is the fixed number of answer slots of a CBT question.
const MaxOptions = 4

type Status string

const (
	StatusDraft     Status = "draft"
	StatusPublished Status = "published"
)

type Role string

const (
	RoleAdmin   Role = "admin"
	RoleTeacher Role = "teacher"
	RoleStudent Role = "student"
)

// Actor is the authenticated caller as resolved by the session layer.
type Actor struct {
	ID   string
	Role Role
}

type Exam struct {
	ID              string     `json:"id"`
	CourseID        string     `json:"course_id"`
	ClassID         string     `json:"class_id"`
	TermID          string     `json:"term_id,omitempty"`
	Title           string     `json:"title"`
	StartAt         *time.Time `json:"start_at,omitempty"`
	EndAt           *time.Time `json:"end_at,omitempty"`
	DurationMinutes int        `json:"duration_minutes"`
	Status          Status     `json:"status"`
	CreatedBy       string     `json:"created_by"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Scheduled reports whether start, end and duration are all configured and ordered.
func (e Exam) Scheduled() bool {
	return e.StartAt != nil && e.EndAt != nil && e.DurationMinutes > 0 && e.StartAt.Before(*e.EndAt)
}

// OptionLayout records how a question's options are physically stored.
// It is resolved by the store and never consulted by scoring or rendering.
type OptionLayout int

const (
	LayoutInline     OptionLayout = iota // option1..option4 + correct_option columns
	LayoutOptionRows                     // one cbt_options row per option
)

type Question struct {
	ID       string             `json:"id"`
	ExamID   string             `json:"exam_id"`
	Position int                `json:"position"`
	Text     string             `json:"text"`
	ImageRef string             `json:"image_ref,omitempty"`
	Options  [MaxOptions]string `json:"options"`
	Correct  int                `json:"correct_option"` // canonical 1..4
	Layout   OptionLayout       `json:"-"`
}

// StudentQuestion is the student-safe projection of a Question.
type StudentQuestion struct {
	ID       string   `json:"id"`
	Position int      `json:"position"`
	Text     string   `json:"text"`
	ImageRef string   `json:"image_ref,omitempty"`
	Options  []string `json:"options"`
	Selected *int     `json:"selected,omitempty"`
	Marked   bool     `json:"marked"`
}

type BankQuestion struct {
	ID         string             `json:"id"`
	TeacherID  string             `json:"teacher_id"`
	CourseID   string             `json:"course_id"`
	ClassID    string             `json:"class_id"`
	Text       string             `json:"text"`
	ImageRef   string             `json:"image_ref,omitempty"`
	Options    [MaxOptions]string `json:"options"`
	CorrectRaw string             `json:"correct_option"` // letter or index, as authored
	CreatedAt  time.Time          `json:"created_at"`
}

// BankGroup summarizes a teacher's bank per course+class.
type BankGroup struct {
	CourseID string `json:"course_id" db:"course_id"`
	ClassID  string `json:"class_id" db:"class_id"`
	Total    int    `json:"total_questions" db:"total"`
}

type Answer struct {
	ExamID     string    `json:"exam_id"`
	StudentID  string    `json:"student_id"`
	QuestionID string    `json:"question_id"`
	Selected   *int      `json:"selected"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type ReviewMark struct {
	ExamID     string `json:"exam_id"`
	StudentID  string `json:"student_id"`
	QuestionID string `json:"question_id"`
	Marked     bool   `json:"marked"`
}

type Infraction struct {
	ID        string    `json:"id"`
	ExamID    string    `json:"exam_id"`
	StudentID string    `json:"student_id"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

type Snapshot struct {
	ID        string    `json:"id"`
	ExamID    string    `json:"exam_id"`
	StudentID string    `json:"student_id"`
	ImageRef  string    `json:"image_ref"`
	CreatedAt time.Time `json:"created_at"`
}

type Result struct {
	ExamID      string    `json:"exam_id"`
	StudentID   string    `json:"student_id"`
	Score       int       `json:"score"`
	Total       int       `json:"total"`
	SubmittedAt time.Time `json:"submitted_at"`
}

type AttemptState string

const (
	AttemptNotStarted AttemptState = "not_started"
	AttemptInProgress AttemptState = "in_progress"
	AttemptClosed     AttemptState = "closed"
)

// Attempt tracks one student's run through one exam.
type Attempt struct {
	ExamID    string     `json:"exam_id"`
	StudentID string     `json:"student_id"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}

// StudentView is what a student receives when starting or resuming an attempt.
type StudentView struct {
	Exam      Exam              `json:"exam"`
	State     AttemptState      `json:"state"`
	Deadline  *time.Time        `json:"deadline,omitempty"`
	Questions []StudentQuestion `json:"questions"`
}

// Overview backs the teacher/admin dashboards.
type Overview struct {
	ExamID    string `json:"exam_id"`
	Questions int    `json:"question_count"`
	Enrolled  int    `json:"enrolled_count"`
	Submitted int    `json:"submitted_count"`
}

type ImportReport struct {
	Added   int      `json:"added"`
	Skipped []string `json:"skipped,omitempty"`
}

type AutosaveReport struct {
	Answers int `json:"saved_answers"`
	Marks   int `json:"saved_marks"`
}
