// Package api serves the document portal workflows over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/fabfab/document-portal/analysis"
	"github.com/fabfab/document-portal/chat"
	"github.com/fabfab/document-portal/config"
	"github.com/fabfab/document-portal/errs"
	"github.com/fabfab/document-portal/ingestion"
	"github.com/fabfab/document-portal/llm"
	"github.com/fabfab/document-portal/logging"
)

const engineName = "LCEL-RAG"

// Deps are the services behind the HTTP handlers.
type Deps struct {
	Chat       *chat.Service
	Analyzer   *analysis.Analyzer
	Comparator *analysis.Comparator
}

// Server exposes HTTP handlers for the document portal workflows.
type Server struct {
	cfg     config.Config
	deps    Deps
	logger  *zap.Logger
	handler http.Handler
}

type healthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type compareResponse struct {
	Rows      []analysis.ChangeRow `json:"rows"`
	SessionID string               `json:"session_id"`
}

type indexResponse struct {
	SessionID      string `json:"session_id"`
	K              int    `json:"k"`
	UseSessionDirs bool   `json:"use_session_dirs"`
	Added          int    `json:"added"`
}

type queryResponse struct {
	Answer    string        `json:"answer"`
	SessionID string        `json:"session_id"`
	K         int           `json:"k"`
	Engine    string        `json:"engine"`
	Sources   []chat.Source `json:"sources"`
}

// New constructs a Server. Handlers whose dependency is nil answer 503.
func New(cfg config.Config, deps Deps, logger *zap.Logger) *Server {
	s := &Server{cfg: cfg, deps: deps, logger: logging.OrNop(logger)}
	s.handler = withCORS(cfg.CORSAllowedOrigins, s.routes())
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/openapi.yaml", s.handleOpenAPI)
	mux.HandleFunc("/analyze", s.handleAnalyze)
	mux.HandleFunc("/compare", s.handleCompare)
	mux.HandleFunc("/chat/index", s.handleChatIndex)
	mux.HandleFunc("/chat/query", s.handleChatQuery)
	return mux
}

// withCORS allows any method and header. With an empty allowed list every
// origin is echoed back with credentials, which lets any site make
// authenticated calls; set CORS_ALLOWED_ORIGINS outside local use.
func withCORS(allowed []string, next http.Handler) http.Handler {
	allowOrigin := func(string) bool { return true }
	if len(allowed) > 0 {
		allowOrigin = func(origin string) bool { return slices.Contains(allowed, origin) }
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		origin := r.Header.Get("Origin")
		switch {
		case origin == "":
			h.Set("Access-Control-Allow-Origin", "*")
		case allowOrigin(origin):
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Add("Vary", "Origin")
		default:
			h.Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
				h.Set("Access-Control-Allow-Headers", reqHeaders)
			}
			h.Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}

	s.logger.Info("health check passed")
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Service: "document portal"})
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}

	w.Header().Set("Content-Type", "text/yaml; charset=utf-8")
	w.Header().Set("Content-Disposition", "inline; filename=\"openapi.yaml\"")
	_, _ = w.Write(openAPISpecYAML)
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	if s.deps.Analyzer == nil {
		s.unavailable(w, "analysis")
		return
	}
	if err := parseMultipart(r); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	upload, err := formFile(r, "file")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.logger.Info("received file for analysis", zap.String("filename", upload.Name()))

	result, err := s.deps.Analyzer.AnalyzeUpload(r.Context(), s.cfg.AnalysisBase, upload)
	if err != nil {
		s.writeFailure(w, fmt.Errorf("analysis failed: %w", err))
		return
	}

	s.logger.Info("document analysis completed", zap.String("session_id", result.SessionID))
	s.writeJSON(w, http.StatusOK, result.Metadata)
}

func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	if s.deps.Comparator == nil {
		s.unavailable(w, "comparison")
		return
	}
	if err := parseMultipart(r); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	reference, err := formFile(r, "reference")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	actual, err := formFile(r, "actual")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.logger.Info("received files for comparison",
		zap.String("reference", reference.Name()),
		zap.String("actual", actual.Name()),
	)

	result, err := s.deps.Comparator.CompareUploads(r.Context(), s.cfg.CompareBase, reference, actual)
	if err != nil {
		s.writeFailure(w, fmt.Errorf("comparison failed: %w", err))
		return
	}

	s.logger.Info("document comparison completed", zap.String("session_id", result.SessionID), zap.Int("rows", len(result.Rows)))
	s.writeJSON(w, http.StatusOK, compareResponse{Rows: result.Rows, SessionID: result.SessionID})
}

func (s *Server) handleChatIndex(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	if s.deps.Chat == nil {
		s.unavailable(w, "chat")
		return
	}
	if err := parseMultipart(r); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	uploads := formFiles(r, "files", "files[]")
	if len(uploads) == 0 {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("at least one file is required"))
		return
	}

	form := formValues{r: r}
	opts := chat.DefaultBuildOptions()
	opts.SessionID = strings.TrimSpace(r.FormValue("session_id"))
	opts.UseSessionDirs = form.boolValue("use_session_dirs", true)
	opts.ChunkSize = form.intValue("chunk_size", ingestion.DefaultChunkSize)
	opts.ChunkOverlap = form.intValue("chunk_overlap", ingestion.DefaultChunkOverlap)
	opts.K = form.intValue("k", chat.DefaultIndexK)
	if form.err != nil {
		s.writeError(w, http.StatusBadRequest, form.err)
		return
	}

	names := make([]string, len(uploads))
	for i, u := range uploads {
		names[i] = u.Name()
	}
	s.logger.Info("received files for indexing", zap.Strings("files", names))

	result, err := s.deps.Chat.BuildRetriever(r.Context(), uploads, opts)
	if err != nil {
		s.writeFailure(w, fmt.Errorf("indexing failed: %w", err))
		return
	}

	s.logger.Info("document indexing completed", zap.String("session_id", result.SessionID), zap.Int("added", result.Added))
	s.writeJSON(w, http.StatusOK, indexResponse{
		SessionID:      result.SessionID,
		K:              result.Retriever.K(),
		UseSessionDirs: opts.UseSessionDirs,
		Added:          result.Added,
	})
}

func (s *Server) handleChatQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	if s.deps.Chat == nil {
		s.unavailable(w, "chat")
		return
	}
	if err := parseForm(r); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	question := strings.TrimSpace(r.FormValue("question"))
	if question == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("question is required"))
		return
	}

	form := formValues{r: r}
	opts := chat.QueryOptions{SessionID: strings.TrimSpace(r.FormValue("session_id"))}
	opts.UseSessionDirs = form.boolValue("use_session_dirs", true)
	opts.K = form.intValue("k", chat.DefaultQueryK)
	opts.History = form.history("history")
	if form.err != nil {
		s.writeError(w, http.StatusBadRequest, form.err)
		return
	}
	s.logger.Info("received chat query", zap.String("question", question), zap.String("session_id", opts.SessionID))
	result, err := s.deps.Chat.Query(r.Context(), question, opts)
	if err != nil {
		s.writeFailure(w, fmt.Errorf("query failed: %w", err))
		return
	}

	sources := result.Sources
	if sources == nil {
		sources = []chat.Source{}
	}
	s.writeJSON(w, http.StatusOK, queryResponse{
		Answer:    result.Answer,
		SessionID: result.SessionID,
		K:         result.K,
		Engine:    engineName,
		Sources:   sources,
	})
}

// formValues reads typed form fields, keeping the first error.
type formValues struct {
	r   *http.Request
	err error
}

func (f *formValues) boolValue(key string, fallback bool) bool {
	v := strings.TrimSpace(f.r.FormValue(key))
	if v == "" || f.err != nil {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		f.err = fmt.Errorf("%s must be a boolean, got %q", key, v)
		return fallback
	}
	return b
}

func (f *formValues) intValue(key string, fallback int) int {
	v := strings.TrimSpace(f.r.FormValue(key))
	if v == "" || f.err != nil {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		f.err = fmt.Errorf("%s must be an integer, got %q", key, v)
		return fallback
	}
	return n
}

// history decodes a JSON list of {role, content} turns.
func (f *formValues) history(key string) []llm.Message {
	v := strings.TrimSpace(f.r.FormValue(key))
	if v == "" || f.err != nil {
		return nil
	}
	var history []llm.Message
	if err := json.Unmarshal([]byte(v), &history); err != nil {
		f.err = fmt.Errorf("%s must be a JSON list of {role, content}: %w", key, err)
		return nil
	}
	for _, m := range history {
		if m.Role != llm.RoleUser && m.Role != llm.RoleAssistant {
			f.err = fmt.Errorf("%s role must be %q or %q, got %q", key, llm.RoleUser, llm.RoleAssistant, m.Role)
			return nil
		}
	}
	return history
}

// statusFor maps an error kind to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errs.ErrConfiguration), errors.Is(err, errs.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	s.writeError(w, statusFor(err), err)
}

func (s *Server) unavailable(w http.ResponseWriter, feature string) {
	s.writeError(w, http.StatusServiceUnavailable, fmt.Errorf("%s is not configured", feature))
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	s.writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed, use %s", allowed))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.logger.Error("api error", zap.Int("status", status), zap.Error(err))
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}
