package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/spf13/cast"

	"github.com/mind-engage/mindengage-cbt/internal/exam"
)

func CreateExamHandler(svc *exam.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in exam.ExamInput
		if !decode(w, r, &in) {
			return
		}
		e, err := svc.CreateExam(r.Context(), actorOf(r), in)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, e)
	}
}

// ListExamsHandler filters by course_id, class_id, status and mine=1.
// Students only ever see published exams.
func ListExamsHandler(svc *exam.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		actor := actorOf(r)
		opts := exam.ListOpts{
			CourseID: q.Get("course_id"),
			ClassID:  q.Get("class_id"),
			Status:   exam.Status(q.Get("status")),
			Limit:    cast.ToInt(q.Get("limit")),
			Offset:   cast.ToInt(q.Get("offset")),
		}
		if cast.ToBool(q.Get("mine")) {
			opts.CreatedBy = actor.ID
		}
		if actor.Role == exam.RoleStudent {
			opts.Status = exam.StatusPublished
		}
		out, err := svc.ListExams(r.Context(), opts)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": out})
	}
}

func GetExamHandler(svc *exam.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e, err := svc.GetExam(r.Context(), chi.URLParam(r, "examID"))
		if err == nil && actorOf(r).Role == exam.RoleStudent && e.Status != exam.StatusPublished {
			err = exam.ErrNotFound
		}
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, e)
	}
}

func UpdateExamHandler(svc *exam.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in exam.ExamInput
		if !decode(w, r, &in) {
			return
		}
		e, err := svc.UpdateExam(r.Context(), actorOf(r), chi.URLParam(r, "examID"), in)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, e)
	}
}

func DeleteExamHandler(svc *exam.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.DeleteExam(r.Context(), actorOf(r), chi.URLParam(r, "examID")); err != nil {
			writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func PublishExamHandler(svc *exam.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e, err := svc.Publish(r.Context(), actorOf(r), chi.URLParam(r, "examID"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, e)
	}
}

func OverviewHandler(svc *exam.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ov, err := svc.Overview(r.Context(), chi.URLParam(r, "examID"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, ov)
	}
}

// ---- questions ----

func ListQuestionsHandler(svc *exam.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		qs, err := svc.ListQuestions(r.Context(), chi.URLParam(r, "examID"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": qs})
	}
}

// questionBody accepts correct_option as a letter or a number.
type questionBody struct {
	Text          string                  `json:"question_text"`
	Options       [exam.MaxOptions]string `json:"options"`
	CorrectOption any                     `json:"correct_option"`
	ImageRef      string                  `json:"image_ref"`
}

func (b questionBody) input() exam.QuestionInput {
	return exam.QuestionInput{
		Text:          b.Text,
		Options:       b.Options,
		CorrectOption: cast.ToString(b.CorrectOption),
		ImageRef:      b.ImageRef,
	}
}

func AddQuestionHandler(svc *exam.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body questionBody
		if !decode(w, r, &body) {
			return
		}
		q, err := svc.AddQuestion(r.Context(), actorOf(r), chi.URLParam(r, "examID"), body.input())
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, q)
	}
}

func UpdateQuestionHandler(svc *exam.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body questionBody
		if !decode(w, r, &body) {
			return
		}
		q, err := svc.UpdateQuestion(r.Context(), actorOf(r), chi.URLParam(r, "examID"), chi.URLParam(r, "questionID"), body.input())
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, q)
	}
}

func DeleteQuestionHandler(svc *exam.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.DeleteQuestion(r.Context(), actorOf(r), chi.URLParam(r, "examID"), chi.URLParam(r, "questionID")); err != nil {
			writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func ClearQuestionsHandler(svc *exam.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := svc.ClearQuestions(r.Context(), actorOf(r), chi.URLParam(r, "examID"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
	}
}

// ---- imports ----

type importFunc func(r *http.Request, examID string, ids []string) (exam.ImportReport, error)

// ImportHandler serves both bank imports. Skipped ids are not a failure: the
// report is returned with 200 and lists them.
func ImportHandler(run importFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			BankIDs []string `json:"bank_ids"`
		}
		if !decode(w, r, &req) {
			return
		}
		rep, err := run(r, chi.URLParam(r, "examID"), req.BankIDs)
		writeImport(w, r, rep, err)
	}
}

func writeImport(w http.ResponseWriter, r *http.Request, rep exam.ImportReport, err error) {
	var pie *exam.PartialImportError
	if err != nil && !errors.As(err, &pie) {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func ImportFromBankHandler(svc *exam.Service) http.HandlerFunc {
	return ImportHandler(func(r *http.Request, examID string, ids []string) (exam.ImportReport, error) {
		return svc.ImportFromBank(r.Context(), actorOf(r), examID, ids)
	})
}

func ImportBulkHandler(svc *exam.Service) http.HandlerFunc {
	return ImportHandler(func(r *http.Request, examID string, ids []string) (exam.ImportReport, error) {
		return svc.ImportBulk(r.Context(), actorOf(r), examID, ids)
	})
}

// ---- enrollment ----

func ListEnrollmentHandler(svc *exam.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ids, err := svc.ListEnrollment(r.Context(), chi.URLParam(r, "examID"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"student_ids": ids})
	}
}

func SetEnrollmentHandler(svc *exam.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			StudentIDs []string `json:"student_ids"`
		}
		if !decode(w, r, &req) {
			return
		}
		ids, err := svc.SetEnrollment(r.Context(), actorOf(r), chi.URLParam(r, "examID"), req.StudentIDs)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"student_ids": ids})
	}
}
