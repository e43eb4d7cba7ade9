package http

import (
	"github.com/go-chi/chi/v5"

	"github.com/mind-engage/mindengage-cbt/internal/exam"
	"github.com/mind-engage/mindengage-cbt/internal/rbac"
	"github.com/mind-engage/mindengage-cbt/internal/storage"
)

// Mount registers the CBT API on r. The caller is expected to have installed
// JWTMiddleware so that subject and role are on the request context.
func Mount(r chi.Router, svc *exam.Service, bs storage.BlobStore) {
	author := rbac.Require("exam:author")
	take := rbac.Require("attempt:take")
	results := rbac.Require("results:view")

	r.Route("/exams", func(r chi.Router) {
		r.With(rbac.Require("exam:view")).Get("/", ListExamsHandler(svc))
		r.With(author).Post("/", CreateExamHandler(svc))

		r.Route("/{examID}", func(r chi.Router) {
			r.With(rbac.Require("exam:view")).Get("/", GetExamHandler(svc))
			r.With(author).Put("/", UpdateExamHandler(svc))
			r.With(author).Delete("/", DeleteExamHandler(svc))
			r.With(rbac.Require("exam:publish")).Post("/publish", PublishExamHandler(svc))
			r.With(author).Get("/overview", OverviewHandler(svc))

			r.Route("/questions", func(r chi.Router) {
				r.Use(author)
				r.Get("/", ListQuestionsHandler(svc))
				r.Post("/", AddQuestionHandler(svc))
				r.Delete("/", ClearQuestionsHandler(svc))
				r.Put("/{questionID}", UpdateQuestionHandler(svc))
				r.Delete("/{questionID}", DeleteQuestionHandler(svc))
			})
			r.With(author).Post("/import", ImportFromBankHandler(svc))
			r.With(author).Post("/import/bulk", ImportBulkHandler(svc))

			r.With(rbac.Require("enrollment:manage")).Get("/enrollment", ListEnrollmentHandler(svc))
			r.With(rbac.Require("enrollment:manage")).Put("/enrollment", SetEnrollmentHandler(svc))

			r.Route("/attempt", func(r chi.Router) {
				r.Use(take)
				r.Post("/", StartAttemptHandler(svc))
				r.Get("/", StudentViewHandler(svc))
				r.Get("/status", AttemptStatusHandler(svc))
				r.Post("/answers", AutosaveHandler(svc))
				r.Post("/snapshots", SnapshotHandler(svc, bs))
				r.Post("/infractions", InfractionHandler(svc))
				r.Post("/submit", SubmitHandler(svc))
				r.Get("/result", MyResultHandler(svc))
			})

			r.With(results).Get("/results", ListResultsHandler(svc))
			r.With(results).Get("/results/{studentID}", GetResultHandler(svc))
			r.With(results).Get("/infractions", ListInfractionsHandler(svc))
			r.With(results).Get("/snapshots", ListSnapshotsHandler(svc))
		})
	})

	r.Route("/bank", func(r chi.Router) {
		r.Use(rbac.Require("bank:manage"))
		r.Get("/", ListBankHandler(svc))
		r.Post("/", CreateBankQuestionHandler(svc))
		r.Delete("/", DeleteBankQuestionsHandler(svc))
		r.Get("/summary", BankSummaryHandler(svc))
		r.Delete("/scope", DeleteBankScopeHandler(svc))
		r.Post("/candidates", CandidatesHandler(svc))
		r.Get("/{bankID}", GetBankQuestionHandler(svc))
		r.Put("/{bankID}", UpdateBankQuestionHandler(svc))
	})

	r.Route("/assets", func(r chi.Router) {
		r.With(author).Post("/images", UploadImageHandler(bs))
		r.With(rbac.Require("exam:view")).Get("/*", GetAssetHandler(bs))
	})
}
