package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"sqlinx/internal/core"
	"sqlinx/internal/service"
	"sqlinx/internal/session"

	"github.com/go-chi/chi/v5"
)

// Handler serves the JSON API. Every route acts on the caller's session.
type Handler struct {
	wb         *service.Workbench
	sessions   *session.Manager
	limiter    *RateLimiter
	docHandler *DocHandler
	parser     *core.SQLParser
	maxUpload  int64
	logger     *slog.Logger
}

func NewHandler(wb *service.Workbench, sessions *session.Manager, limiter *RateLimiter, docHandler *DocHandler, maxUpload int64, logger *slog.Logger) *Handler {
	return &Handler{
		wb:         wb,
		sessions:   sessions,
		limiter:    limiter,
		docHandler: docHandler,
		parser:     core.NewSQLParser(),
		maxUpload:  maxUpload,
		logger:     logger,
	}
}

type connectRequest struct {
	Kind     string `json:"kind"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	Driver   string `json:"driver"`
}

type queryRequest struct {
	SQL    string            `json:"sql"`
	Params map[string]string `json:"params"`
}

type insightRequest struct {
	Mode     string `json:"mode"`
	Question string `json:"question"`
	APIKey   string `json:"api_key"`
}

type sessionResponse struct {
	Connected  bool                   `json:"connected"`
	Connection *core.ConnectionConfig `json:"connection,omitempty"`
	LastQuery  string                 `json:"last_query,omitempty"`
	HasResult  bool                   `json:"has_result"`
	HasAPIKey  bool                   `json:"has_api_key"`
	History    int                    `json:"history_entries"`
	Transcript int                    `json:"transcript_entries"`
	Draft      string                 `json:"draft,omitempty"`
}

// Routes mounts the API under the router it is given, typically /api.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/docs/openapi.json", h.docHandler.GetOpenAPISpec)
	r.Get("/docs", h.docHandler.ServeSwaggerUI)

	r.Get("/session", h.Session)
	r.Post("/connect", h.Connect)
	r.Post("/upload", h.Upload)
	r.Post("/convert", h.Convert)
	r.Post("/convert/preview", h.PreviewConversion)
	r.Post("/query", h.ExecuteQuery)
	r.Post("/params", h.Params)
	r.With(h.limiter.MiddlewareBySession).Post("/insight", h.Insight)
	r.Get("/insight/transcript", h.Transcript)
	r.Delete("/insight/transcript", h.ClearTranscript)
	r.Get("/tables", h.Tables)
	r.Get("/history", h.History)
	r.Delete("/history", h.ClearHistory)
	r.Get("/export.csv", h.Export)
	r.Post("/reset", h.Reset)
}

func (h *Handler) Session(w http.ResponseWriter, r *http.Request) {
	st, unlock, err := lockState(r)
	if err != nil {
		writeError(w, err)
		return
	}
	defer unlock()

	resp := sessionResponse{
		LastQuery:  st.LastQuery,
		HasResult:  st.LastResult != nil,
		HasAPIKey:  st.APIKey != "",
		History:    st.History.Len(),
		Transcript: st.Transcript.Len(),
		Draft:      st.Draft,
	}
	if st.Handle != nil {
		cfg := publicConfig(st.Handle.Config)
		resp.Connected = true
		resp.Connection = &cfg
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) Connect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	cfg, err := connectionConfig(func(k string) string {
		switch k {
		case "kind":
			return req.Kind
		case "host":
			return req.Host
		case "port":
			if req.Port == 0 {
				return ""
			}
			return strconv.Itoa(req.Port)
		case "user":
			return req.User
		case "password":
			return req.Password
		case "database":
			return req.Database
		case "driver":
			return req.Driver
		}
		return ""
	})
	if err != nil {
		writeError(w, err)
		return
	}

	st, unlock, err := lockState(r)
	if err != nil {
		writeError(w, err)
		return
	}
	defer unlock()

	if err := h.wb.Connect(r.Context(), st, cfg); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"connected":   true,
		"connection":  publicConfig(st.Handle.Config),
		"description": st.Handle.Config.Describe(),
	})
}

func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	file, header, err := formFile(r)
	if err != nil {
		writeError(w, err)
		return
	}
	defer file.Close()

	st, unlock, err := lockState(r)
	if err != nil {
		writeError(w, err)
		return
	}
	defer unlock()

	if err := h.wb.UploadDatabase(r.Context(), st, file); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"connected": true, "file": header.Filename})
}

func (h *Handler) Convert(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	file, header, err := formFile(r)
	if err != nil {
		writeError(w, err)
		return
	}
	defer file.Close()

	spec, err := conversionSpec(r, header.Filename)
	if err != nil {
		writeError(w, err)
		return
	}

	st, unlock, err := lockState(r)
	if err != nil {
		writeError(w, err)
		return
	}
	defer unlock()

	res, err := h.wb.Convert(r.Context(), st, file, spec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversion": res,
		"truncated":  res.Truncated(),
	})
}

// PreviewConversion decodes an upload without touching the session.
func (h *Handler) PreviewConversion(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	file, header, err := formFile(r)
	if err != nil {
		writeError(w, err)
		return
	}
	defer file.Close()

	spec, err := conversionSpec(r, header.Filename)
	if err != nil {
		writeError(w, err)
		return
	}
	preview, err := h.wb.Converter.Preview(file, spec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

func (h *Handler) ExecuteQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	st, unlock, err := lockState(r)
	if err != nil {
		writeError(w, err)
		return
	}
	defer unlock()

	result, err := h.wb.Query(r.Context(), st, req.SQL, req.Params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Params lists the {name} markers of a query so clients can ask for their values.
func (h *Handler) Params(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"params": h.parser.Names(req.SQL)})
}

func (h *Handler) Insight(w http.ResponseWriter, r *http.Request) {
	var req insightRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	mode, ok := core.ParseInsightMode(req.Mode)
	if !ok {
		writeError(w, badRequest("unknown insight mode "+strconv.Quote(req.Mode)))
		return
	}

	st, unlock, err := lockState(r)
	if err != nil {
		writeError(w, err)
		return
	}
	defer unlock()

	text, err := h.wb.Insight(r.Context(), st, mode, req.Question, strings.TrimSpace(req.APIKey))
	if err != nil {
		writeError(w, err)
		return
	}
	resp := map[string]any{"mode": mode, "text": text}
	if mode == core.ModeGenerateSQL {
		resp["sql"] = st.Draft
	}
	writeJSON(w, http.StatusOK, resp)
}

// Transcript returns the session's AI messages in conversation order.
func (h *Handler) Transcript(w http.ResponseWriter, r *http.Request) {
	st, unlock, err := lockState(r)
	if err != nil {
		writeError(w, err)
		return
	}
	defer unlock()

	writeJSON(w, http.StatusOK, map[string]any{"entries": st.Transcript.Recent(0)})
}

func (h *Handler) ClearTranscript(w http.ResponseWriter, r *http.Request) {
	st, unlock, err := lockState(r)
	if err != nil {
		writeError(w, err)
		return
	}
	defer unlock()

	st.Transcript.Clear()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Tables(w http.ResponseWriter, r *http.Request) {
	st, unlock, err := lockState(r)
	if err != nil {
		writeError(w, err)
		return
	}
	defer unlock()

	tables, err := h.wb.Tables(r.Context(), st)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tables":        tables,
		"quick_actions": h.wb.QuickActions(tables, st),
	})
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, badRequest("limit must be a non-negative integer"))
			return
		}
		limit = n
	}

	st, unlock, err := lockState(r)
	if err != nil {
		writeError(w, err)
		return
	}
	defer unlock()

	writeJSON(w, http.StatusOK, map[string]any{"entries": st.History.Recent(limit)})
}

func (h *Handler) ClearHistory(w http.ResponseWriter, r *http.Request) {
	st, unlock, err := lockState(r)
	if err != nil {
		writeError(w, err)
		return
	}
	defer unlock()

	st.History.Clear()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	st, unlock, err := lockState(r)
	if err != nil {
		writeError(w, err)
		return
	}
	defer unlock()
	writeExport(w, st)
}

func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	if st := stateFrom(r.Context()); st != nil {
		h.sessions.Reset(st.ID)
		h.logger.Info("session reset", "session", st.ID)
	}
	w.WriteHeader(http.StatusNoContent)
}

// Health reports liveness and the number of open sessions.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "sessions": h.sessions.Len()})
}

// publicConfig drops server-side file paths before a config is sent to a client.
func publicConfig(cfg core.ConnectionConfig) core.ConnectionConfig {
	cfg.FilePath = ""
	return cfg
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return badRequest("request body is required")
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest("invalid JSON body: " + err.Error())
	}
	return nil
}
