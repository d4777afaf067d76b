package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/clearledger/importer/internal/commit"
	"github.com/clearledger/importer/internal/model"
	"github.com/clearledger/importer/internal/staging"
	"github.com/clearledger/importer/internal/store"
	"github.com/clearledger/importer/internal/template"
	"github.com/clearledger/importer/internal/validate"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP staging API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           newRouter(env),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown: the signal context is already canceled here,
		// so draining gets its own deadline.
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			drainCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := srv.Shutdown(drainCtx); err != nil {
				zap.L().Warn("server shutdown", zap.Error(err))
			}
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// newRouter builds the staging API. Import submissions are throttled by a
// shared token bucket so a bulk upload cannot starve reviewers.
func newRouter(env *pipelineEnv) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	var limiter *rate.Limiter
	if cfg.Server.ImportsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.Server.ImportsPerMinute)/60.0), cfg.Server.ImportsPerMinute)
	}

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/imports", func(w http.ResponseWriter, req *http.Request) {
		if limiter != nil && !limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "import rate limit exceeded")
			return
		}

		var body struct {
			InstitutionID string         `json:"institution_id"`
			AccountID     string         `json:"account_id"`
			Rows          []model.RawRow `json:"rows"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if body.InstitutionID == "" || body.AccountID == "" {
			writeError(w, http.StatusBadRequest, "institution_id and account_id are required")
			return
		}

		sessionID, err := env.Importer.BeginImport(req.Context(), body.InstitutionID, body.AccountID, body.Rows)
		if err != nil {
			writePipelineError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, map[string]string{"session_id": sessionID})
	})

	r.Get("/sessions", func(w http.ResponseWriter, req *http.Request) {
		f := store.SessionFilter{
			Status:        model.SessionStatus(req.URL.Query().Get("status")),
			InstitutionID: req.URL.Query().Get("institution"),
			AccountID:     req.URL.Query().Get("account"),
			Limit:         50,
		}
		list, err := env.Importer.ListSessions(req.Context(), f)
		if err != nil {
			writePipelineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, list)
	})

	r.Get("/sessions/{id}", func(w http.ResponseWriter, req *http.Request) {
		sess, err := env.Importer.GetSession(req.Context(), chi.URLParam(req, "id"))
		if err != nil {
			writePipelineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sess)
	})

	r.Get("/sessions/{id}/audit", func(w http.ResponseWriter, req *http.Request) {
		trail, err := env.Importer.AuditTrail(req.Context(), chi.URLParam(req, "id"))
		if err != nil {
			writePipelineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, trail)
	})

	r.Post("/sessions/{id}/resolve", func(w http.ResponseWriter, req *http.Request) {
		var decision model.Decision
		if err := json.NewDecoder(req.Body).Decode(&decision); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if decision.Actor == "" {
			writeError(w, http.StatusBadRequest, "actor is required")
			return
		}

		status, err := env.Importer.ResolveSession(req.Context(), chi.URLParam(req, "id"), &decision)
		if err != nil {
			writePipelineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": string(status)})
	})

	r.Post("/sessions/{id}/commit", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Actor string `json:"actor"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if body.Actor == "" {
			writeError(w, http.StatusBadRequest, "actor is required")
			return
		}

		status, err := env.Importer.Commit(req.Context(), chi.URLParam(req, "id"), body.Actor)
		if err != nil {
			writePipelineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": string(status)})
	})

	return r
}

// writePipelineError maps pipeline sentinels onto HTTP status codes.
func writePipelineError(w http.ResponseWriter, err error) {
	var status int
	switch {
	case eris.Is(err, template.ErrUnknownInstitution),
		eris.Is(err, template.ErrMalformedInput),
		eris.Is(err, validate.ErrEmptyStatement):
		status = http.StatusUnprocessableEntity
	case eris.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case eris.Is(err, staging.ErrSessionAlreadyPending),
		eris.Is(err, staging.ErrInvalidTransition),
		eris.Is(err, store.ErrStatusConflict),
		eris.Is(err, store.ErrCommitConflict):
		status = http.StatusConflict
	case eris.Is(err, staging.ErrUnresolvedFindings):
		status = http.StatusUnprocessableEntity
	case eris.Is(err, commit.ErrStorageUnavailable):
		status = http.StatusServiceUnavailable
	default:
		zap.L().Error("request failed", zap.Error(err))
		status = http.StatusInternalServerError
	}
	writeError(w, status, eris.Cause(err).Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
