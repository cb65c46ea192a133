package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	apperrors "veilbox/internal/errors"
	"veilbox/internal/middleware"
	"veilbox/internal/models"
	"veilbox/internal/service"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

const maxRequestBodyBytes = 1 << 20

type Server struct {
	router  *mux.Router
	logger  *logrus.Logger
	repo    *service.MessageRepository
	cfg     models.ServerConfig
	verbose bool
	server  *http.Server
}

func NewServer(cfg models.ServerConfig, repo *service.MessageRepository, logger *logrus.Logger, verbose bool) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		logger:  logger,
		repo:    repo,
		cfg:     cfg,
		verbose: verbose,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.verboseContext)
	s.router.Use(middleware.Observability(s.logger))

	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", s.handleMetrics()).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/messages", s.handleIngest()).Methods(http.MethodPost)
	api.HandleFunc("/messages", s.handleList()).Methods(http.MethodGet)
	api.HandleFunc("/messages", s.handleClear()).Methods(http.MethodDelete)
	api.HandleFunc("/messages/feed", s.handleFeed()).Methods(http.MethodGet)
	api.HandleFunc("/messages/{id:[0-9]+}", s.handleGet()).Methods(http.MethodGet)
	api.HandleFunc("/messages/{id:[0-9]+}/state", s.handleUpdateState()).Methods(http.MethodPost)
	api.HandleFunc("/messages/{id:[0-9]+}/snooze", s.handleSnooze()).Methods(http.MethodPost)
}

// verboseContext stamps the verbose-logging flag onto every request
// context so privacy-gated log helpers can read it.
func (s *Server) verboseContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), service.VerboseContextKey, s.verbose)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(s.cfg.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(s.cfg.IdleTimeoutSec) * time.Second,
	}

	s.logger.Infof("Starting server on port %d", s.cfg.Port)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

type ingestRequest struct {
	Source            string `json:"source"`
	SenderDisplayName string `json:"senderDisplayName"`
	OriginalContent   string `json:"originalContent"`
	ThreadKey         string `json:"threadKey,omitempty"`
}

type stateRequest struct {
	Status           string `json:"status"`
	SelectedResponse string `json:"selectedResponse,omitempty"`
}

type snoozeRequest struct {
	SnoozedUntil int64 `json:"snoozedUntil"`
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (s *Server) handleIngest() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ingestRequest
		if err := decodeBody(w, r, &req); err != nil {
			s.writeError(w, apperrors.NewValidationError("body", "invalid request body"))
			return
		}

		msg, err := s.repo.Ingest(r.Context(), req.Source, req.SenderDisplayName, req.OriginalContent, req.ThreadKey)
		if err != nil {
			s.writeError(w, err)
			return
		}

		service.LogIngestion(r.Context(), s.logger, msg.ID, msg.Source, msg.SenderDisplayName)
		writeJSON(w, http.StatusCreated, map[string]int64{"id": msg.ID})
	}
}

func (s *Server) handleList() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var (
			messages []*models.Message
			err      error
		)
		if r.URL.Query().Get("all") == "1" {
			messages, err = s.repo.ListMessages(r.Context())
		} else {
			messages, err = s.repo.ListVisible(r.Context())
		}
		if err != nil {
			s.writeError(w, err)
			return
		}
		if messages == nil {
			messages = []*models.Message{}
		}
		writeJSON(w, http.StatusOK, messages)
	}
}

func (s *Server) handleGet() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := messageID(r)
		if err != nil {
			s.writeError(w, err)
			return
		}

		msg, err := s.repo.GetMessage(r.Context(), id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if msg == nil {
			s.writeError(w, apperrors.NewNotFoundError(id))
			return
		}
		writeJSON(w, http.StatusOK, msg)
	}
}

func (s *Server) handleUpdateState() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := messageID(r)
		if err != nil {
			s.writeError(w, err)
			return
		}

		var req stateRequest
		if err := decodeBody(w, r, &req); err != nil {
			s.writeError(w, apperrors.NewValidationError("body", "invalid request body"))
			return
		}

		msg, err := s.repo.UpdateState(r.Context(), id, models.Status(req.Status), req.SelectedResponse)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, msg)
	}
}

func (s *Server) handleSnooze() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := messageID(r)
		if err != nil {
			s.writeError(w, err)
			return
		}

		var req snoozeRequest
		if err := decodeBody(w, r, &req); err != nil {
			s.writeError(w, apperrors.NewValidationError("body", "invalid request body"))
			return
		}

		msg, err := s.repo.Snooze(r.Context(), id, req.SnoozedUntil)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, msg)
	}
}

func (s *Server) handleClear() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.repo.ClearAll(r.Context()); err != nil {
			s.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func messageID(r *http.Request) (int64, error) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, apperrors.NewValidationError("id", "message id must be a positive integer")
	}
	return id, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	message := "internal server error"

	if appErr, ok := err.(*apperrors.AppError); ok {
		message = appErr.Message
		switch appErr.Code {
		case apperrors.ErrCodeNotFound:
			status = http.StatusNotFound
		case apperrors.ErrCodeValidationFailed, apperrors.ErrCodeInvalidInput:
			status = http.StatusBadRequest
		case apperrors.ErrCodeInvalidTransition:
			status = http.StatusConflict
		default:
			status = http.StatusInternalServerError
			message = "internal server error"
		}
	}

	if status >= 500 {
		s.logger.WithError(err).Error("Request failed")
	}
	writeJSON(w, status, map[string]string{"error": message})
}
