package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cast"

	"github.com/mind-engage/mindengage-cbt/internal/exam"
)

// bankBody mirrors exam.BankInput with a loosely typed correct option.
type bankBody struct {
	CourseID      string                  `json:"course_id"`
	ClassID       string                  `json:"class_id"`
	Text          string                  `json:"question_text"`
	Options       [exam.MaxOptions]string `json:"options"`
	CorrectOption any                     `json:"correct_option"`
	ImageRef      string                  `json:"image_ref"`
}

func (b bankBody) input() exam.BankInput {
	return exam.BankInput{
		CourseID:      b.CourseID,
		ClassID:       b.ClassID,
		Text:          b.Text,
		Options:       b.Options,
		CorrectOption: cast.ToString(b.CorrectOption),
		ImageRef:      b.ImageRef,
	}
}

func CreateBankQuestionHandler(svc *exam.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body bankBody
		if !decode(w, r, &body) {
			return
		}
		b, err := svc.CreateBankQuestion(r.Context(), actorOf(r), body.input())
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, b)
	}
}

func UpdateBankQuestionHandler(svc *exam.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body bankBody
		if !decode(w, r, &body) {
			return
		}
		b, err := svc.UpdateBankQuestion(r.Context(), actorOf(r), chi.URLParam(r, "bankID"), body.input())
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, b)
	}
}

func GetBankQuestionHandler(svc *exam.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := svc.GetBankQuestion(r.Context(), chi.URLParam(r, "bankID"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, b)
	}
}

// ListBankHandler pages through one course/class scope: ?course_id=&class_id=&page=&page_size=
func ListBankHandler(svc *exam.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		p, err := svc.ListBank(r.Context(), q.Get("course_id"), q.Get("class_id"),
			cast.ToInt(q.Get("page")), cast.ToInt(q.Get("page_size")))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func BankSummaryHandler(svc *exam.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		groups, err := svc.BankSummary(r.Context(), actorOf(r))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": groups})
	}
}

func DeleteBankQuestionsHandler(svc *exam.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			IDs []string `json:"ids"`
		}
		if !decode(w, r, &req) {
			return
		}
		n, err := svc.DeleteBankQuestions(r.Context(), actorOf(r), req.IDs)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
	}
}

func DeleteBankScopeHandler(svc *exam.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		n, err := svc.DeleteBankScope(r.Context(), actorOf(r), q.Get("course_id"), q.Get("class_id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
	}
}

// CandidatesHandler imports generated questions into the bank. The body
// carries either parsed candidates or the raw generator output in "raw".
func CandidatesHandler(svc *exam.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			CourseID   string           `json:"course_id"`
			ClassID    string           `json:"class_id"`
			Raw        string           `json:"raw"`
			Candidates []exam.Candidate `json:"candidates"`
		}
		if !decode(w, r, &req) {
			return
		}
		cands := req.Candidates
		if req.Raw != "" {
			parsed, err := exam.ParseCandidates(req.Raw)
			if err != nil {
				writeError(w, r, err)
				return
			}
			cands = append(cands, parsed...)
		}
		rep, err := svc.ImportCandidates(r.Context(), actorOf(r), req.CourseID, req.ClassID, cands)
		writeImport(w, r, rep, err)
	}
}
