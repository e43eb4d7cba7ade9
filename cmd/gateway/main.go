package main

import (
	"context"
	"flag"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	api "github.com/mind-engage/mindengage-cbt/internal/api/http"
	auth "github.com/mind-engage/mindengage-cbt/internal/auth/middleware"
	"github.com/mind-engage/mindengage-cbt/internal/config"
	"github.com/mind-engage/mindengage-cbt/internal/db"
	"github.com/mind-engage/mindengage-cbt/internal/exam"
	"github.com/mind-engage/mindengage-cbt/internal/metrics"
	"github.com/mind-engage/mindengage-cbt/internal/proctoring"
	"github.com/mind-engage/mindengage-cbt/internal/rbac"
	"github.com/mind-engage/mindengage-cbt/internal/storage"
	syncx "github.com/mind-engage/mindengage-cbt/internal/sync"
)

func main() {
	flag.Parse()
	defer glog.Flush()

	cfg := config.FromEnv()

	// --- DB ---
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	driver, err := db.ParseDriver(cfg.DBDriver)
	if err != nil {
		glog.Fatalf("config: %v", err)
	}
	dbh, err := db.Open(ctx, driver, cfg.DBDSN)
	if err != nil {
		glog.Fatalf("db open failed: %v", err)
	}
	defer dbh.Close()

	// --- Engine + event sinks ---
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	events := syncx.NewEventRepo(dbh, cfg.SiteID)

	svc := exam.NewService(exam.NewSQLStore(dbh, driver),
		exam.WithWindow(cfg.EnforceWindow, cfg.WindowGrace),
		exam.WithCloseOnSubmit(cfg.CloseOnSubmit),
		exam.WithEvents(events, metrics.NewSink(reg)),
	)
	action, err := proctoring.ParseAction(cfg.StrikeAction)
	if err != nil {
		glog.Fatalf("config: %v", err)
	}
	svc.Subscribe(&proctoring.StrikePolicy{Threshold: cfg.StrikeThreshold, Action: action, Submitter: svc})

	bs, err := storage.NewFSStore(cfg.BlobBasePath)
	if err != nil {
		glog.Fatalf("blob store: %v", err)
	}

	authSvc := auth.NewAuthService(cfg.AuthHMACSecret)

	// --- Router ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Post("/auth/login", auth.LoginHandler(authSvc, auth.LoginOptions{
		AdminUser:     cfg.AdminUser,
		AdminPassHash: cfg.AdminPassHash,
		DevLogins:     cfg.Mode == config.ModeOffline,
	}))

	r.Route("/api/cbt", func(pr chi.Router) {
		pr.Use(auth.JWTMiddleware(authSvc))
		api.Mount(pr, svc, bs)
		pr.With(rbac.Require("sync:read")).Get("/sync/events", api.EventFeedHandler(events))
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := dbh.PingContext(r.Context()); err != nil {
			http.Error(w, "db unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	glog.Infof("listening on %s (mode=%s, db=%s, site=%s)", cfg.HTTPAddr, cfg.Mode, driver, cfg.SiteID)
	if err := http.ListenAndServe(cfg.HTTPAddr, r); err != nil {
		glog.Fatal(err)
	}
}
