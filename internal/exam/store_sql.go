package exam

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/mind-engage/mindengage-cbt/internal/db"
)

type SQLStore struct {
	db     *sqlx.DB
	driver db.Driver
}

func NewSQLStore(x *sqlx.DB, driver db.Driver) *SQLStore {
	return &SQLStore{db: x, driver: driver}
}

// lockSuffix is appended to row reads that must hold the exam row for the
// rest of the transaction. SQLite serializes writers on its own.
func (s *SQLStore) lockSuffix() string {
	if s.driver == db.DriverPostgres {
		return " FOR UPDATE"
	}
	return ""
}

func (s *SQLStore) q(query string) string { return s.db.Rebind(query) }

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Wrap(ErrNotFound, what)
	}
	return errors.Wrap(err, what)
}

func toUnix(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func fromUnix(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ---------- exams ----------

type examRow struct {
	ID              string        `db:"id"`
	CourseID        string        `db:"course_id"`
	ClassID         string        `db:"class_id"`
	TermID          string        `db:"term_id"`
	Title           string        `db:"title"`
	StartAt         sql.NullInt64 `db:"start_at"`
	EndAt           sql.NullInt64 `db:"end_at"`
	DurationMinutes int           `db:"duration_minutes"`
	Status          string        `db:"status"`
	CreatedBy       string        `db:"created_by"`
	CreatedAt       int64         `db:"created_at"`
}

const examCols = `id, course_id, class_id, term_id, title, start_at, end_at, duration_minutes, status, created_by, created_at`

func (r examRow) exam() Exam {
	return Exam{
		ID: r.ID, CourseID: r.CourseID, ClassID: r.ClassID, TermID: r.TermID, Title: r.Title,
		StartAt: fromUnix(r.StartAt), EndAt: fromUnix(r.EndAt), DurationMinutes: r.DurationMinutes,
		Status: Status(r.Status), CreatedBy: r.CreatedBy, CreatedAt: time.Unix(r.CreatedAt, 0).UTC(),
	}
}

func (s *SQLStore) CreateExam(ctx context.Context, e Exam) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO cbt_exams (`+examCols+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`),
		e.ID, e.CourseID, e.ClassID, e.TermID, e.Title, toUnix(e.StartAt), toUnix(e.EndAt),
		e.DurationMinutes, string(e.Status), e.CreatedBy, e.CreatedAt.Unix())
	return errors.Wrap(err, "insert exam")
}

func (s *SQLStore) GetExam(ctx context.Context, id string) (Exam, error) {
	var r examRow
	if err := s.db.GetContext(ctx, &r, s.q(`SELECT `+examCols+` FROM cbt_exams WHERE id = ?`), id); err != nil {
		return Exam{}, notFound(err, "exam")
	}
	return r.exam(), nil
}

func (s *SQLStore) UpdateExam(ctx context.Context, e Exam) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE cbt_exams
		SET course_id = ?, class_id = ?, term_id = ?, title = ?, start_at = ?, end_at = ?, duration_minutes = ?, status = ?
		WHERE id = ?`),
		e.CourseID, e.ClassID, e.TermID, e.Title, toUnix(e.StartAt), toUnix(e.EndAt), e.DurationMinutes, string(e.Status), e.ID)
	if err != nil {
		return errors.Wrap(err, "update exam")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrap(ErrNotFound, "exam")
	}
	return nil
}

func (s *SQLStore) DeleteExam(ctx context.Context, id string) error {
	return db.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		var one int
		if err := tx.GetContext(ctx, &one, tx.Rebind(`SELECT 1 FROM cbt_exams WHERE id = ?`+s.lockSuffix()), id); err != nil {
			return notFound(err, "exam")
		}
		stmts := []string{
			`DELETE FROM cbt_options WHERE question_id IN (SELECT id FROM cbt_questions WHERE exam_id = ?)`,
			`DELETE FROM cbt_questions WHERE exam_id = ?`,
			`DELETE FROM cbt_exam_students WHERE exam_id = ?`,
			`DELETE FROM cbt_attempts WHERE exam_id = ?`,
			`DELETE FROM cbt_answers WHERE exam_id = ?`,
			`DELETE FROM cbt_review_marks WHERE exam_id = ?`,
			`DELETE FROM cbt_infractions WHERE exam_id = ?`,
			`DELETE FROM cbt_snapshots WHERE exam_id = ?`,
			`DELETE FROM cbt_results WHERE exam_id = ?`,
			`DELETE FROM cbt_exams WHERE id = ?`,
		}
		for _, st := range stmts {
			if _, err := tx.ExecContext(ctx, tx.Rebind(st), id); err != nil {
				return errors.Wrap(err, "delete exam")
			}
		}
		return nil
	})
}

func (s *SQLStore) ListExams(ctx context.Context, opts ListOpts) ([]Exam, error) {
	var where []string
	var args []any
	add := func(col, v string) {
		if v != "" {
			where = append(where, col+" = ?")
			args = append(args, v)
		}
	}
	add("course_id", opts.CourseID)
	add("class_id", opts.ClassID)
	add("created_by", opts.CreatedBy)
	add("status", string(opts.Status))

	query := `SELECT ` + examCols + ` FROM cbt_exams`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	query, args = limitOffset(query, args, opts.Limit, opts.Offset)

	var rows []examRow
	if err := s.db.SelectContext(ctx, &rows, s.q(query), args...); err != nil {
		return nil, errors.Wrap(err, "list exams")
	}
	return lo.Map(rows, func(r examRow, _ int) Exam { return r.exam() }), nil
}

func limitOffset(query string, args []any, limit, offset int) (string, []any) {
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
		if offset > 0 {
			query += ` OFFSET ?`
			args = append(args, offset)
		}
	}
	return query, args
}

func (s *SQLStore) PublishExam(ctx context.Context, id string, ready func(ReadinessFacts) error) (Exam, error) {
	var out Exam
	err := db.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		var r examRow
		if err := tx.GetContext(ctx, &r, tx.Rebind(`SELECT `+examCols+` FROM cbt_exams WHERE id = ?`+s.lockSuffix()), id); err != nil {
			return notFound(err, "exam")
		}
		facts := ReadinessFacts{Exam: r.exam()}
		if err := tx.GetContext(ctx, &facts.Questions, tx.Rebind(`SELECT COUNT(*) FROM cbt_questions WHERE exam_id = ?`), id); err != nil {
			return errors.Wrap(err, "count questions")
		}
		if err := tx.GetContext(ctx, &facts.Students, tx.Rebind(`SELECT COUNT(*) FROM cbt_exam_students WHERE exam_id = ?`), id); err != nil {
			return errors.Wrap(err, "count enrollment")
		}
		if err := ready(facts); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE cbt_exams SET status = ? WHERE id = ?`), string(StatusPublished), id); err != nil {
			return errors.Wrap(err, "publish exam")
		}
		out = facts.Exam
		out.Status = StatusPublished
		return nil
	})
	return out, err
}

// ---------- questions ----------

type questionRow struct {
	ID       string         `db:"id"`
	ExamID   string         `db:"exam_id"`
	Position int            `db:"position"`
	Text     string         `db:"question_text"`
	ImageRef string         `db:"image_ref"`
	Option1  sql.NullString `db:"option1"`
	Option2  sql.NullString `db:"option2"`
	Option3  sql.NullString `db:"option3"`
	Option4  sql.NullString `db:"option4"`
	Correct  sql.NullInt64  `db:"correct_option"`
}

const questionCols = `id, exam_id, position, question_text, image_ref, option1, option2, option3, option4, correct_option`

// inline reports whether the row carries its options in the option columns.
func (r questionRow) inline() bool {
	return r.Option1.Valid || r.Option2.Valid || r.Option3.Valid || r.Option4.Valid
}

// question resolves the stored layout into the canonical shape. rows are the
// cbt_options rows of this question and are only consulted for that layout.
func (r questionRow) question(rows []optionRow) Question {
	q := Question{ID: r.ID, ExamID: r.ExamID, Position: r.Position, Text: r.Text, ImageRef: r.ImageRef}
	if r.inline() {
		q.Layout = LayoutInline
		q.Options = [MaxOptions]string{r.Option1.String, r.Option2.String, r.Option3.String, r.Option4.String}
		if r.Correct.Valid {
			q.Correct = int(r.Correct.Int64)
		}
		return q
	}
	q.Layout = LayoutOptionRows
	q.Options, q.Correct = canonicalOptions(rows)
	return q
}

func nullStr(s string, inline bool) sql.NullString {
	if !inline {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func (s *SQLStore) writeQuestion(ctx context.Context, tx *sqlx.Tx, q Question) error {
	inline := q.Layout == LayoutInline
	correct := sql.NullInt64{}
	if inline {
		correct = sql.NullInt64{Int64: int64(q.Correct), Valid: true}
	}
	_, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO cbt_questions (`+questionCols+`) VALUES (?,?,?,?,?,?,?,?,?,?)`),
		q.ID, q.ExamID, q.Position, q.Text, q.ImageRef,
		nullStr(q.Options[0], inline), nullStr(q.Options[1], inline), nullStr(q.Options[2], inline), nullStr(q.Options[3], inline),
		correct)
	if err != nil {
		return errors.Wrap(err, "insert question")
	}
	if inline {
		return nil
	}
	return s.writeOptionRows(ctx, tx, q)
}

func (s *SQLStore) writeOptionRows(ctx context.Context, tx *sqlx.Tx, q Question) error {
	for i, text := range q.Options {
		if text == "" {
			continue
		}
		_, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO cbt_options (question_id, option_number, option_text, is_correct) VALUES (?,?,?,?)`),
			q.ID, i+1, text, boolInt(q.Correct == i+1))
		if err != nil {
			return errors.Wrap(err, "insert option")
		}
	}
	return nil
}

func (s *SQLStore) nextPosition(ctx context.Context, tx *sqlx.Tx, examID string) (int, error) {
	var status string
	if err := tx.GetContext(ctx, &status, tx.Rebind(`SELECT status FROM cbt_exams WHERE id = ?`+s.lockSuffix()), examID); err != nil {
		return 0, notFound(err, "exam")
	}
	if Status(status) == StatusPublished {
		return 0, &PreconditionError{Condition: CondPublished}
	}
	var max int
	if err := tx.GetContext(ctx, &max, tx.Rebind(`SELECT COALESCE(MAX(position), 0) FROM cbt_questions WHERE exam_id = ?`), examID); err != nil {
		return 0, errors.Wrap(err, "next position")
	}
	return max + 1, nil
}

func (s *SQLStore) InsertQuestion(ctx context.Context, q Question) (Question, error) {
	err := db.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		pos, err := s.nextPosition(ctx, tx, q.ExamID)
		if err != nil {
			return err
		}
		q.Position = pos
		return s.writeQuestion(ctx, tx, q)
	})
	if err != nil {
		return Question{}, err
	}
	return q, nil
}

func (s *SQLStore) InsertQuestions(ctx context.Context, qs []Question) ([]Question, error) {
	out := make([]Question, 0, len(qs))
	err := db.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		next := map[string]int{}
		for _, q := range qs {
			pos, ok := next[q.ExamID]
			if !ok {
				p, err := s.nextPosition(ctx, tx, q.ExamID)
				if err != nil {
					return err
				}
				pos = p
			}
			q.Position = pos
			next[q.ExamID] = pos + 1
			if err := s.writeQuestion(ctx, tx, q); err != nil {
				return err
			}
			out = append(out, q)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateQuestion rewrites content in whatever layout the question already has.
func (s *SQLStore) UpdateQuestion(ctx context.Context, q Question) error {
	return db.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		var cur questionRow
		if err := tx.GetContext(ctx, &cur, tx.Rebind(`SELECT `+questionCols+` FROM cbt_questions WHERE id = ? AND exam_id = ?`), q.ID, q.ExamID); err != nil {
			return notFound(err, "question")
		}
		inline := cur.inline()
		correct := sql.NullInt64{}
		if inline {
			correct = sql.NullInt64{Int64: int64(q.Correct), Valid: true}
		}
		_, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE cbt_questions
			SET question_text = ?, image_ref = ?, option1 = ?, option2 = ?, option3 = ?, option4 = ?, correct_option = ?
			WHERE id = ?`),
			q.Text, q.ImageRef,
			nullStr(q.Options[0], inline), nullStr(q.Options[1], inline), nullStr(q.Options[2], inline), nullStr(q.Options[3], inline),
			correct, q.ID)
		if err != nil {
			return errors.Wrap(err, "update question")
		}
		if inline {
			return nil
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM cbt_options WHERE question_id = ?`), q.ID); err != nil {
			return errors.Wrap(err, "replace options")
		}
		return s.writeOptionRows(ctx, tx, q)
	})
}

func (s *SQLStore) DeleteQuestion(ctx context.Context, examID, questionID string) error {
	return db.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM cbt_options WHERE question_id = ?`), questionID); err != nil {
			return errors.Wrap(err, "delete options")
		}
		res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM cbt_questions WHERE id = ? AND exam_id = ?`), questionID, examID)
		if err != nil {
			return errors.Wrap(err, "delete question")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errors.Wrap(ErrNotFound, "question")
		}
		return nil
	})
}

func (s *SQLStore) DeleteQuestions(ctx context.Context, examID string) (int, error) {
	var n int64
	err := db.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM cbt_options WHERE question_id IN (SELECT id FROM cbt_questions WHERE exam_id = ?)`), examID); err != nil {
			return errors.Wrap(err, "delete options")
		}
		res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM cbt_questions WHERE exam_id = ?`), examID)
		if err != nil {
			return errors.Wrap(err, "delete questions")
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return int(n), err
}

func (s *SQLStore) ListQuestions(ctx context.Context, examID string) ([]Question, error) {
	var rows []questionRow
	if err := s.db.SelectContext(ctx, &rows, s.q(`SELECT `+questionCols+` FROM cbt_questions WHERE exam_id = ? ORDER BY position, id`), examID); err != nil {
		return nil, errors.Wrap(err, "list questions")
	}
	var opts []optionRow
	if err := s.db.SelectContext(ctx, &opts, s.q(`SELECT o.question_id, o.option_number, o.option_text, o.is_correct
		FROM cbt_options o JOIN cbt_questions q ON q.id = o.question_id
		WHERE q.exam_id = ?
		ORDER BY o.question_id, o.option_number, o.id`), examID); err != nil {
		return nil, errors.Wrap(err, "list options")
	}
	byQuestion := lo.GroupBy(opts, func(o optionRow) string { return o.QuestionID })
	return lo.Map(rows, func(r questionRow, _ int) Question { return r.question(byQuestion[r.ID]) }), nil
}

func (s *SQLStore) CountQuestions(ctx context.Context, examID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.q(`SELECT COUNT(*) FROM cbt_questions WHERE exam_id = ?`), examID)
	return n, errors.Wrap(err, "count questions")
}

// ---------- bank ----------

type bankRow struct {
	ID        string `db:"id"`
	TeacherID string `db:"teacher_id"`
	CourseID  string `db:"course_id"`
	ClassID   string `db:"class_id"`
	Text      string `db:"question_text"`
	ImageRef  string `db:"image_ref"`
	Option1   string `db:"option1"`
	Option2   string `db:"option2"`
	Option3   string `db:"option3"`
	Option4   string `db:"option4"`
	Correct   string `db:"correct_option"`
	CreatedAt int64  `db:"created_at"`
}

const bankCols = `id, teacher_id, course_id, class_id, question_text, image_ref, option1, option2, option3, option4, correct_option, created_at`

func (r bankRow) bank() BankQuestion {
	return BankQuestion{
		ID: r.ID, TeacherID: r.TeacherID, CourseID: r.CourseID, ClassID: r.ClassID,
		Text: r.Text, ImageRef: r.ImageRef,
		Options:    [MaxOptions]string{r.Option1, r.Option2, r.Option3, r.Option4},
		CorrectRaw: r.Correct, CreatedAt: time.Unix(r.CreatedAt, 0).UTC(),
	}
}

func (s *SQLStore) CreateBankQuestion(ctx context.Context, b BankQuestion) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO cbt_question_bank (`+bankCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`),
		b.ID, b.TeacherID, b.CourseID, b.ClassID, b.Text, b.ImageRef,
		b.Options[0], b.Options[1], b.Options[2], b.Options[3], b.CorrectRaw, b.CreatedAt.Unix())
	return errors.Wrap(err, "insert bank question")
}

func (s *SQLStore) UpdateBankQuestion(ctx context.Context, b BankQuestion) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE cbt_question_bank
		SET course_id = ?, class_id = ?, question_text = ?, image_ref = ?, option1 = ?, option2 = ?, option3 = ?, option4 = ?, correct_option = ?
		WHERE id = ?`),
		b.CourseID, b.ClassID, b.Text, b.ImageRef, b.Options[0], b.Options[1], b.Options[2], b.Options[3], b.CorrectRaw, b.ID)
	if err != nil {
		return errors.Wrap(err, "update bank question")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrap(ErrNotFound, "bank question")
	}
	return nil
}

func (s *SQLStore) GetBankQuestion(ctx context.Context, id string) (BankQuestion, error) {
	var r bankRow
	if err := s.db.GetContext(ctx, &r, s.q(`SELECT `+bankCols+` FROM cbt_question_bank WHERE id = ?`), id); err != nil {
		return BankQuestion{}, notFound(err, "bank question")
	}
	return r.bank(), nil
}

func (s *SQLStore) DeleteBankQuestions(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query, args, err := sqlx.In(`DELETE FROM cbt_question_bank WHERE id IN (?)`, ids)
	if err != nil {
		return 0, errors.Wrap(err, "delete bank questions")
	}
	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return 0, errors.Wrap(err, "delete bank questions")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLStore) DeleteBankScope(ctx context.Context, courseID, classID string) (int, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM cbt_question_bank WHERE course_id = ? AND class_id = ?`), courseID, classID)
	if err != nil {
		return 0, errors.Wrap(err, "delete bank scope")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLStore) ListBankQuestions(ctx context.Context, opts BankListOpts) ([]BankQuestion, int, error) {
	var where []string
	var args []any
	if opts.CourseID != "" {
		where = append(where, "course_id = ?")
		args = append(args, opts.CourseID)
	}
	if opts.ClassID != "" {
		where = append(where, "class_id = ?")
		args = append(args, opts.ClassID)
	}
	cond := ""
	if len(where) > 0 {
		cond = ` WHERE ` + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.GetContext(ctx, &total, s.q(`SELECT COUNT(*) FROM cbt_question_bank`+cond), args...); err != nil {
		return nil, 0, errors.Wrap(err, "count bank")
	}
	query, pageArgs := limitOffset(`SELECT `+bankCols+` FROM cbt_question_bank`+cond+` ORDER BY created_at DESC, id DESC`,
		append([]any{}, args...), opts.Limit, opts.Offset)
	var rows []bankRow
	if err := s.db.SelectContext(ctx, &rows, s.q(query), pageArgs...); err != nil {
		return nil, 0, errors.Wrap(err, "list bank")
	}
	return lo.Map(rows, func(r bankRow, _ int) BankQuestion { return r.bank() }), total, nil
}

func (s *SQLStore) BankSummary(ctx context.Context, teacherID string) ([]BankGroup, error) {
	out := []BankGroup{}
	err := s.db.SelectContext(ctx, &out, s.q(`SELECT course_id, class_id, COUNT(*) AS total
		FROM cbt_question_bank WHERE teacher_id = ?
		GROUP BY course_id, class_id
		ORDER BY course_id, class_id`), teacherID)
	return out, errors.Wrap(err, "bank summary")
}

// ---------- enrollment ----------

func (s *SQLStore) ReplaceEnrollment(ctx context.Context, examID string, studentIDs []string) error {
	return db.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		var one int
		if err := tx.GetContext(ctx, &one, tx.Rebind(`SELECT 1 FROM cbt_exams WHERE id = ?`+s.lockSuffix()), examID); err != nil {
			return notFound(err, "exam")
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM cbt_exam_students WHERE exam_id = ?`), examID); err != nil {
			return errors.Wrap(err, "clear enrollment")
		}
		for _, sid := range studentIDs {
			if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO cbt_exam_students (exam_id, student_id) VALUES (?,?)`), examID, sid); err != nil {
				return errors.Wrap(err, "enroll student")
			}
		}
		return nil
	})
}

func (s *SQLStore) IsEnrolled(ctx context.Context, examID, studentID string) (bool, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, s.q(`SELECT COUNT(*) FROM cbt_exam_students WHERE exam_id = ? AND student_id = ?`), examID, studentID); err != nil {
		return false, errors.Wrap(err, "check enrollment")
	}
	return n > 0, nil
}

func (s *SQLStore) ListEnrollment(ctx context.Context, examID string) ([]string, error) {
	out := []string{}
	err := s.db.SelectContext(ctx, &out, s.q(`SELECT student_id FROM cbt_exam_students WHERE exam_id = ? ORDER BY student_id`), examID)
	return out, errors.Wrap(err, "list enrollment")
}

func (s *SQLStore) CountEnrollment(ctx context.Context, examID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.q(`SELECT COUNT(*) FROM cbt_exam_students WHERE exam_id = ?`), examID)
	return n, errors.Wrap(err, "count enrollment")
}

// ---------- attempts, answers, marks ----------

type attemptRow struct {
	ExamID    string        `db:"exam_id"`
	StudentID string        `db:"student_id"`
	StartedAt sql.NullInt64 `db:"started_at"`
	ClosedAt  sql.NullInt64 `db:"closed_at"`
}

func (s *SQLStore) StartAttempt(ctx context.Context, examID, studentID string, at time.Time) (Attempt, error) {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO cbt_attempts (exam_id, student_id, started_at) VALUES (?,?,?)
		ON CONFLICT (exam_id, student_id) DO UPDATE SET started_at = COALESCE(cbt_attempts.started_at, excluded.started_at)`),
		examID, studentID, at.Unix())
	if err != nil {
		return Attempt{}, errors.Wrap(err, "start attempt")
	}
	return s.GetAttempt(ctx, examID, studentID)
}

func (s *SQLStore) GetAttempt(ctx context.Context, examID, studentID string) (Attempt, error) {
	var r attemptRow
	if err := s.db.GetContext(ctx, &r, s.q(`SELECT exam_id, student_id, started_at, closed_at FROM cbt_attempts WHERE exam_id = ? AND student_id = ?`), examID, studentID); err != nil {
		return Attempt{}, notFound(err, "attempt")
	}
	return Attempt{ExamID: r.ExamID, StudentID: r.StudentID, StartedAt: fromUnix(r.StartedAt), ClosedAt: fromUnix(r.ClosedAt)}, nil
}

func (s *SQLStore) CloseAttempt(ctx context.Context, examID, studentID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO cbt_attempts (exam_id, student_id, closed_at) VALUES (?,?,?)
		ON CONFLICT (exam_id, student_id) DO UPDATE SET closed_at = COALESCE(cbt_attempts.closed_at, excluded.closed_at)`),
		examID, studentID, at.Unix())
	return errors.Wrap(err, "close attempt")
}

type answerRow struct {
	ExamID     string        `db:"exam_id"`
	StudentID  string        `db:"student_id"`
	QuestionID string        `db:"question_id"`
	Selected   sql.NullInt64 `db:"selected_option"`
	UpdatedAt  int64         `db:"updated_at"`
}

// ensureOpen locks the attempt row, if there is one, and fails once it is closed.
func (s *SQLStore) ensureOpen(ctx context.Context, tx *sqlx.Tx, examID, studentID string) error {
	var closed sql.NullInt64
	err := tx.GetContext(ctx, &closed, tx.Rebind(`SELECT closed_at FROM cbt_attempts WHERE exam_id = ? AND student_id = ?`+s.lockSuffix()), examID, studentID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil
	case err != nil:
		return errors.Wrap(err, "check attempt")
	case closed.Valid:
		return ErrAttemptClosed
	}
	return nil
}

func (s *SQLStore) UpsertAnswer(ctx context.Context, a Answer) error {
	sel := sql.NullInt64{}
	if a.Selected != nil {
		sel = sql.NullInt64{Int64: int64(*a.Selected), Valid: true}
	}
	return db.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if err := s.ensureOpen(ctx, tx, a.ExamID, a.StudentID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO cbt_answers (exam_id, student_id, question_id, selected_option, updated_at)
		VALUES (?,?,?,?,?)
		ON CONFLICT (exam_id, student_id, question_id) DO UPDATE SET selected_option = excluded.selected_option, updated_at = excluded.updated_at`),
			a.ExamID, a.StudentID, a.QuestionID, sel, a.UpdatedAt.Unix())
		return errors.Wrap(err, "upsert answer")
	})
}

func (s *SQLStore) UpsertMark(ctx context.Context, m ReviewMark) error {
	return db.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if err := s.ensureOpen(ctx, tx, m.ExamID, m.StudentID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO cbt_review_marks (exam_id, student_id, question_id, marked)
		VALUES (?,?,?,?)
		ON CONFLICT (exam_id, student_id, question_id) DO UPDATE SET marked = excluded.marked`),
			m.ExamID, m.StudentID, m.QuestionID, boolInt(m.Marked))
		return errors.Wrap(err, "upsert mark")
	})
}

func (s *SQLStore) ListAnswers(ctx context.Context, examID, studentID string) ([]Answer, error) {
	var rows []answerRow
	if err := s.db.SelectContext(ctx, &rows, s.q(`SELECT exam_id, student_id, question_id, selected_option, updated_at
		FROM cbt_answers WHERE exam_id = ? AND student_id = ? ORDER BY question_id`), examID, studentID); err != nil {
		return nil, errors.Wrap(err, "list answers")
	}
	return lo.Map(rows, func(r answerRow, _ int) Answer {
		a := Answer{ExamID: r.ExamID, StudentID: r.StudentID, QuestionID: r.QuestionID, UpdatedAt: time.Unix(r.UpdatedAt, 0).UTC()}
		if r.Selected.Valid {
			v := int(r.Selected.Int64)
			a.Selected = &v
		}
		return a
	}), nil
}

type markRow struct {
	ExamID     string `db:"exam_id"`
	StudentID  string `db:"student_id"`
	QuestionID string `db:"question_id"`
	Marked     int    `db:"marked"`
}

func (s *SQLStore) ListMarks(ctx context.Context, examID, studentID string) ([]ReviewMark, error) {
	var rows []markRow
	if err := s.db.SelectContext(ctx, &rows, s.q(`SELECT exam_id, student_id, question_id, marked
		FROM cbt_review_marks WHERE exam_id = ? AND student_id = ? ORDER BY question_id`), examID, studentID); err != nil {
		return nil, errors.Wrap(err, "list marks")
	}
	return lo.Map(rows, func(r markRow, _ int) ReviewMark {
		return ReviewMark{ExamID: r.ExamID, StudentID: r.StudentID, QuestionID: r.QuestionID, Marked: r.Marked != 0}
	}), nil
}

// ---------- telemetry ----------

type infractionRow struct {
	ID        string `db:"id"`
	ExamID    string `db:"exam_id"`
	StudentID string `db:"student_id"`
	Reason    string `db:"reason"`
	CreatedAt int64  `db:"created_at"`
}

func (s *SQLStore) AppendInfraction(ctx context.Context, in Infraction) (int, error) {
	var n int
	err := db.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO cbt_infractions (id, exam_id, student_id, reason, created_at) VALUES (?,?,?,?,?)`),
			in.ID, in.ExamID, in.StudentID, in.Reason, in.CreatedAt.Unix()); err != nil {
			return errors.Wrap(err, "insert infraction")
		}
		return errors.Wrap(tx.GetContext(ctx, &n, tx.Rebind(`SELECT COUNT(*) FROM cbt_infractions WHERE exam_id = ? AND student_id = ?`), in.ExamID, in.StudentID), "count infractions")
	})
	return n, err
}

func (s *SQLStore) ListInfractions(ctx context.Context, examID string) ([]Infraction, error) {
	var rows []infractionRow
	if err := s.db.SelectContext(ctx, &rows, s.q(`SELECT id, exam_id, student_id, reason, created_at
		FROM cbt_infractions WHERE exam_id = ? ORDER BY created_at DESC, seq DESC`), examID); err != nil {
		return nil, errors.Wrap(err, "list infractions")
	}
	return lo.Map(rows, func(r infractionRow, _ int) Infraction {
		return Infraction{ID: r.ID, ExamID: r.ExamID, StudentID: r.StudentID, Reason: r.Reason, CreatedAt: time.Unix(r.CreatedAt, 0).UTC()}
	}), nil
}

type snapshotRow struct {
	ID        string `db:"id"`
	ExamID    string `db:"exam_id"`
	StudentID string `db:"student_id"`
	ImageRef  string `db:"image_ref"`
	CreatedAt int64  `db:"created_at"`
}

func (s *SQLStore) AppendSnapshot(ctx context.Context, sn Snapshot) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO cbt_snapshots (id, exam_id, student_id, image_ref, created_at) VALUES (?,?,?,?,?)`),
		sn.ID, sn.ExamID, sn.StudentID, sn.ImageRef, sn.CreatedAt.Unix())
	return errors.Wrap(err, "insert snapshot")
}

func (s *SQLStore) ListSnapshots(ctx context.Context, examID, studentID string) ([]Snapshot, error) {
	query := `SELECT id, exam_id, student_id, image_ref, created_at FROM cbt_snapshots WHERE exam_id = ?`
	args := []any{examID}
	if studentID != "" {
		query += ` AND student_id = ?`
		args = append(args, studentID)
	}
	var rows []snapshotRow
	if err := s.db.SelectContext(ctx, &rows, s.q(query+` ORDER BY created_at`), args...); err != nil {
		return nil, errors.Wrap(err, "list snapshots")
	}
	return lo.Map(rows, func(r snapshotRow, _ int) Snapshot {
		return Snapshot{ID: r.ID, ExamID: r.ExamID, StudentID: r.StudentID, ImageRef: r.ImageRef, CreatedAt: time.Unix(r.CreatedAt, 0).UTC()}
	}), nil
}

// ---------- results ----------

type resultRow struct {
	ExamID      string `db:"exam_id"`
	StudentID   string `db:"student_id"`
	Score       int    `db:"score"`
	Total       int    `db:"total"`
	SubmittedAt int64  `db:"submitted_at"`
}

func (r resultRow) result() Result {
	return Result{ExamID: r.ExamID, StudentID: r.StudentID, Score: r.Score, Total: r.Total, SubmittedAt: time.Unix(r.SubmittedAt, 0).UTC()}
}

func (s *SQLStore) UpsertResult(ctx context.Context, r Result) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO cbt_results (exam_id, student_id, score, total, submitted_at) VALUES (?,?,?,?,?)
		ON CONFLICT (exam_id, student_id) DO UPDATE SET score = excluded.score, total = excluded.total, submitted_at = excluded.submitted_at`),
		r.ExamID, r.StudentID, r.Score, r.Total, r.SubmittedAt.Unix())
	return errors.Wrap(err, "upsert result")
}

func (s *SQLStore) GetResult(ctx context.Context, examID, studentID string) (Result, error) {
	var r resultRow
	if err := s.db.GetContext(ctx, &r, s.q(`SELECT exam_id, student_id, score, total, submitted_at FROM cbt_results WHERE exam_id = ? AND student_id = ?`), examID, studentID); err != nil {
		return Result{}, notFound(err, "result")
	}
	return r.result(), nil
}

func (s *SQLStore) ListResults(ctx context.Context, examID string) ([]Result, error) {
	var rows []resultRow
	if err := s.db.SelectContext(ctx, &rows, s.q(`SELECT exam_id, student_id, score, total, submitted_at
		FROM cbt_results WHERE exam_id = ? ORDER BY score DESC, student_id`), examID); err != nil {
		return nil, errors.Wrap(err, "list results")
	}
	return lo.Map(rows, func(r resultRow, _ int) Result { return r.result() }), nil
}

func (s *SQLStore) CountResults(ctx context.Context, examID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.q(`SELECT COUNT(*) FROM cbt_results WHERE exam_id = ?`), examID)
	return n, errors.Wrap(err, "count results")
}

var _ Store = (*SQLStore)(nil)
