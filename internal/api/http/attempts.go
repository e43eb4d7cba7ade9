package http

import (
	"math"
	"net/http"
	"path"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/spf13/cast"

	"github.com/mind-engage/mindengage-cbt/internal/exam"
	"github.com/mind-engage/mindengage-cbt/internal/storage"
)

// Attempt routes act on the caller's own attempt; the student id always comes
// from the token.

func StartAttemptHandler(svc *exam.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := svc.StartAttempt(r.Context(), chi.URLParam(r, "examID"), actorOf(r).ID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, v)
	}
}

func StudentViewHandler(svc *exam.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := svc.StudentView(r.Context(), chi.URLParam(r, "examID"), actorOf(r).ID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, v)
	}
}

func AttemptStatusHandler(svc *exam.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, err := svc.AttemptStatus(r.Context(), chi.URLParam(r, "examID"), actorOf(r).ID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, info)
	}
}

// autosaveBody is decoded loosely: browsers send selections as numbers,
// numeric strings or null, and marks as booleans or "0"/"1".
type autosaveBody struct {
	Answers map[string]any `json:"answers"`
	Marks   map[string]any `json:"marks"`
}

func (b autosaveBody) coerce() (map[string]*int, map[string]bool, error) {
	var flds []exam.FieldError
	answers := make(map[string]*int, len(b.Answers))
	for qid, v := range b.Answers {
		if v == nil || v == "" {
			answers[qid] = nil
			continue
		}
		n, ok := selection(v)
		if !ok {
			flds = append(flds, exam.FieldError{Field: "answers." + qid, Error: "must be null or 1-4"})
			continue
		}
		answers[qid] = &n
	}
	marks := make(map[string]bool, len(b.Marks))
	for qid, v := range b.Marks {
		m, err := cast.ToBoolE(v)
		if err != nil {
			flds = append(flds, exam.FieldError{Field: "marks." + qid, Error: "must be a boolean"})
			continue
		}
		marks[qid] = m
	}
	if len(flds) > 0 {
		return nil, nil, exam.NewValidationError(errors.Errorf("%d malformed autosave entries", len(flds)), flds...)
	}
	return answers, marks, nil
}

// selection reads a whole base-10 number. Fractions and booleans are
// rejected rather than truncated; range is checked by the service.
func selection(v any) (int, bool) {
	if _, isBool := v.(bool); isBool {
		return 0, false
	}
	f, err := cast.ToFloat64E(v)
	if err != nil || f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return 0, false
	}
	return int(f), true
}

func AutosaveHandler(svc *exam.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body autosaveBody
		if !decode(w, r, &body) {
			return
		}
		answers, marks, err := body.coerce()
		if err != nil {
			writeError(w, r, err)
			return
		}
		rep, err := svc.Autosave(r.Context(), chi.URLParam(r, "examID"), actorOf(r).ID, answers, marks)
		if err != nil {
			// partial writes still report what was saved
			writeErrorWith(w, r, err, map[string]any{"saved_answers": rep.Answers, "saved_marks": rep.Marks})
			return
		}
		writeJSON(w, http.StatusOK, rep)
	}
}

func SubmitHandler(svc *exam.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := svc.Submit(r.Context(), chi.URLParam(r, "examID"), actorOf(r).ID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// MyResultHandler returns the caller's own result.
func MyResultHandler(svc *exam.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := svc.GetResult(r.Context(), chi.URLParam(r, "examID"), actorOf(r).ID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// requireEnrolled answers 403 unless the caller is enrolled in the exam.
func requireEnrolled(w http.ResponseWriter, r *http.Request, svc *exam.Service, examID string) bool {
	ok, err := svc.IsEnrolled(r.Context(), examID, actorOf(r).ID)
	if err != nil {
		writeError(w, r, err)
		return false
	}
	if !ok {
		writeError(w, r, &exam.AuthorizationError{Reason: "student is not enrolled"})
		return false
	}
	return true
}

func InfractionHandler(svc *exam.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		examID := chi.URLParam(r, "examID")
		var req struct {
			Reason string `json:"reason"`
		}
		if !decode(w, r, &req) || !requireEnrolled(w, r, svc, examID) {
			return
		}
		n, err := svc.RecordInfraction(r.Context(), examID, actorOf(r).ID, req.Reason)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]int{"strikes": n})
	}
}

// SnapshotHandler stores a webcam frame posted as multipart field "file" and
// records its key against the caller's attempt.
func SnapshotHandler(svc *exam.Service, bs storage.BlobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		examID := chi.URLParam(r, "examID")
		if !requireEnrolled(w, r, svc, examID) {
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxUpload)
		f, hdr, err := r.FormFile("file")
		if err != nil {
			badRequest(w, "file required")
			return
		}
		defer f.Close()

		student := actorOf(r).ID
		key, err := bs.Put(r.Context(), storage.SnapshotKey(examID, student, path.Ext(hdr.Filename)), f)
		if err != nil {
			writeError(w, r, err)
			return
		}
		sn, err := svc.RecordSnapshot(r.Context(), examID, student, key)
		if err != nil {
			_ = bs.Delete(r.Context(), key)
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, sn)
	}
}
