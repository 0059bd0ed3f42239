package api

import (
	"bytes"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"sqlinx/internal/core"
	"sqlinx/internal/service"
	"sqlinx/internal/session"
	"sqlinx/web"

	"github.com/alecthomas/chroma/v2"
	chromahtml "github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/go-chi/chi/v5"
)

// DisplayRows caps the rows rendered in the HTML result table. Exports and the JSON
// API always carry the full result.
const DisplayRows = 1000

// HistoryRows is the number of history entries shown on the page, newest first.
const HistoryRows = 5

// TranscriptRows is the number of AI messages shown on the page.
const TranscriptRows = 6

// transcriptExcerpt bounds how much of each AI message the page shows.
const transcriptExcerpt = 200

const highlightStyle = "github"

type WebHandler struct {
	wb        *service.Workbench
	sessions  *session.Manager
	limiter   *RateLimiter
	templates *template.Template
	maxUpload int64
	logger    *slog.Logger

	lexer     chroma.Lexer
	formatter *chromahtml.Formatter
	style     *chroma.Style
}

func NewWebHandler(wb *service.Workbench, sessions *session.Manager, limiter *RateLimiter, maxUpload int64, logger *slog.Logger) (*WebHandler, error) {
	h := &WebHandler{
		wb:        wb,
		sessions:  sessions,
		limiter:   limiter,
		maxUpload: maxUpload,
		logger:    logger,
		lexer:     chroma.Coalesce(lexers.Get("sql")),
		formatter: chromahtml.New(chromahtml.WithClasses(true)),
		style:     styles.Get(highlightStyle),
	}

	funcMap := template.FuncMap{
		"highlight": h.highlight,
		"cell":      cellText,
		"duration":  formatDuration,
		"excerpt":   excerpt,
	}
	tmpl, err := template.New("").Funcs(funcMap).ParseFS(web.FS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	h.templates = tmpl
	return h, nil
}

type kindOption struct {
	Value    string
	Label    string
	Selected bool
}

type paramValue struct {
	Name  string
	Value string
}

type pageData struct {
	Title      string
	Connected  bool
	Connection string
	Error      *errorDetail
	Notice     string

	Kinds       []kindOption
	Config      core.ConnectionConfig
	SampleLimit int
	Conversion  *core.ConversionResult
	Tables      []core.TableInfo

	QuickActions []core.QuickAction
	Query        string
	Params       []paramValue
	Result       *core.QueryResult
	DisplayRows  int

	HasAPIKey  bool
	Insight    string
	Transcript []core.TranscriptEntry
	History    []core.HistoryEntry
}

// RegisterRoutes mounts the HTML pages. Routes expect SessionMiddleware upstream.
func (h *WebHandler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.Index)
	r.Post("/connect", h.Connect)
	r.Post("/upload", h.Upload)
	r.Post("/convert", h.Convert)
	r.Post("/query", h.Query)
	r.Post("/insight", h.Insight)
	r.Post("/insight/clear", h.ClearTranscript)
	r.Post("/history/clear", h.ClearHistory)
	r.Post("/reset", h.Reset)
	r.Get("/export.csv", h.Export)
}

// RegisterStatic serves embedded assets plus the generated highlight stylesheet.
func (h *WebHandler) RegisterStatic(r chi.Router) {
	r.Get("/static/chroma.css", h.ChromaCSS)

	static, err := fs.Sub(web.FS, "static")
	if err != nil {
		panic(err)
	}
	FileServer(r, "/static", http.FS(static))
}

func (h *WebHandler) Index(w http.ResponseWriter, r *http.Request) {
	st, unlock, err := lockState(r)
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	defer unlock()
	h.render(w, r, st, http.StatusOK, nil, "")
}

func (h *WebHandler) Connect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.renderError(w, r, badRequest("failed to parse form"))
		return
	}
	st, unlock, err := lockState(r)
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	defer unlock()

	cfg, err := connectionConfig(r.PostForm.Get)
	if err == nil {
		err = h.wb.Connect(r.Context(), st, cfg)
	}
	if err != nil {
		// Keep what the user typed, minus the password.
		cfg.Password = ""
		st.Config = cfg
		h.render(w, r, st, statusFor(err), err, "")
		return
	}
	h.render(w, r, st, http.StatusOK, nil, "Connected to "+st.Config.Describe()+".")
}

func (h *WebHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	file, header, formErr := formFile(r)

	st, unlock, err := lockState(r)
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	defer unlock()

	if formErr != nil {
		h.render(w, r, st, statusFor(formErr), formErr, "")
		return
	}
	defer file.Close()

	if err := h.wb.UploadDatabase(r.Context(), st, file); err != nil {
		h.render(w, r, st, statusFor(err), err, "")
		return
	}
	h.render(w, r, st, http.StatusOK, nil, "Opened "+header.Filename+".")
}

func (h *WebHandler) Convert(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	file, header, formErr := formFile(r)

	st, unlock, err := lockState(r)
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	defer unlock()

	if formErr != nil {
		h.render(w, r, st, statusFor(formErr), formErr, "")
		return
	}
	defer file.Close()

	spec, err := conversionSpec(r, header.Filename)
	if err != nil {
		h.render(w, r, st, statusFor(err), err, "")
		return
	}

	res, err := h.wb.Convert(r.Context(), st, file, spec)
	if err != nil {
		h.render(w, r, st, statusFor(err), err, "")
		return
	}

	notice := fmt.Sprintf("Converted %s into table %s (%d rows).", header.Filename, res.TableName, res.RowCount)
	if res.Truncated() {
		notice += fmt.Sprintf(" Only the first %d of %d rows were loaded.", res.RowCount, res.SourceRowCount)
	}
	if res.Warnings > 0 {
		notice += fmt.Sprintf(" %d values could not be converted and were stored as NULL.", res.Warnings)
	}
	h.render(w, r, st, http.StatusOK, nil, notice)
}

func (h *WebHandler) Query(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.renderError(w, r, badRequest("failed to parse form"))
		return
	}
	st, unlock, err := lockState(r)
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	defer unlock()

	sqlText := r.PostForm.Get("sql")
	params := formParams(r)
	if _, err := h.wb.Query(r.Context(), st, sqlText, params); err != nil {
		data := h.pageData(r, st)
		data.Query = sqlText
		data.Params = paramValues(sqlText, params)
		h.execute(w, statusFor(err), data, err)
		return
	}

	data := h.pageData(r, st)
	data.Params = paramValues(sqlText, params)
	h.execute(w, http.StatusOK, data, nil)
}

func (h *WebHandler) Insight(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.renderError(w, r, badRequest("failed to parse form"))
		return
	}
	st, unlock, err := lockState(r)
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	defer unlock()

	mode, ok := core.ParseInsightMode(r.PostForm.Get("mode"))
	if !ok {
		h.render(w, r, st, http.StatusBadRequest, badRequest("unknown insight mode"), "")
		return
	}
	if !h.limiter.Allow(st.ID) {
		err := &core.AIServiceError{Code: core.AIRateLimited, Status: http.StatusTooManyRequests, Err: errLocalRateLimit}
		h.render(w, r, st, http.StatusTooManyRequests, err, "")
		return
	}
	if _, err := h.wb.Insight(r.Context(), st, mode, r.PostForm.Get("question"), strings.TrimSpace(r.PostForm.Get("api_key"))); err != nil {
		h.render(w, r, st, statusFor(err), err, "")
		return
	}
	h.render(w, r, st, http.StatusOK, nil, "")
}

func (h *WebHandler) ClearHistory(w http.ResponseWriter, r *http.Request) {
	st, unlock, err := lockState(r)
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	st.History.Clear()
	unlock()
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (h *WebHandler) ClearTranscript(w http.ResponseWriter, r *http.Request) {
	st, unlock, err := lockState(r)
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	st.Transcript.Clear()
	unlock()
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (h *WebHandler) Reset(w http.ResponseWriter, r *http.Request) {
	if st := stateFrom(r.Context()); st != nil {
		h.sessions.Reset(st.ID)
		h.logger.Info("session reset", "session", st.ID)
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (h *WebHandler) Export(w http.ResponseWriter, r *http.Request) {
	st, unlock, err := lockState(r)
	if err != nil {
		writeError(w, err)
		return
	}
	defer unlock()
	writeExport(w, st)
}

func (h *WebHandler) ChromaCSS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/css; charset=utf-8")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	if err := h.formatter.WriteCSS(w, h.style); err != nil {
		h.logger.Warn("write highlight css failed", "error", err)
	}
}

func (h *WebHandler) pageData(r *http.Request, st *session.State) *pageData {
	data := &pageData{
		Title:       "SQL Workbench",
		Config:      st.Config,
		SampleLimit: h.wb.SampleLimit,
		Conversion:  st.Conversion,
		Query:       st.LastQuery,
		Result:      st.LastResult,
		DisplayRows: DisplayRows,
		HasAPIKey:   st.APIKey != "",
		Insight:     st.Insight,
		Transcript:  st.Transcript.Recent(TranscriptRows),
		History:     st.History.Recent(HistoryRows),
	}
	if st.Draft != "" {
		data.Query = st.Draft
	}

	selected := st.Config.Kind
	if selected == "" {
		selected = core.KindSQLiteSample
	}
	for _, k := range core.Kinds {
		data.Kinds = append(data.Kinds, kindOption{Value: string(k), Label: k.Label(), Selected: k == selected})
	}

	if st.Handle != nil {
		data.Connected = true
		data.Connection = st.Handle.Config.Describe()

		tables, err := h.wb.Tables(r.Context(), st)
		if err != nil {
			h.logger.Warn("table listing failed", "session", st.ID, "error", err)
		}
		data.Tables = tables
		data.QuickActions = h.wb.QuickActions(tables, st)
	}
	return data
}

func (h *WebHandler) render(w http.ResponseWriter, r *http.Request, st *session.State, status int, err error, notice string) {
	data := h.pageData(r, st)
	data.Notice = notice
	h.execute(w, status, data, err)
}

// renderError renders the page for a request without usable session state.
func (h *WebHandler) renderError(w http.ResponseWriter, r *http.Request, err error) {
	data := &pageData{Title: "SQL Workbench", DisplayRows: DisplayRows}
	for _, k := range core.Kinds {
		data.Kinds = append(data.Kinds, kindOption{Value: string(k), Label: k.Label()})
	}
	h.execute(w, statusFor(err), data, err)
}

func (h *WebHandler) execute(w http.ResponseWriter, status int, data *pageData, err error) {
	if err != nil {
		d := describeError(err)
		data.Error = &d
	}

	var buf bytes.Buffer
	if err := h.templates.ExecuteTemplate(&buf, "layout.html", data); err != nil {
		h.logger.Error("render page failed", "error", err)
		http.Error(w, "failed to render page", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

// highlight renders SQL as class-annotated HTML. Falls back to escaped text.
func (h *WebHandler) highlight(sqlText string) template.HTML {
	it, err := h.lexer.Tokenise(nil, sqlText)
	if err == nil {
		var buf bytes.Buffer
		if err = h.formatter.Format(&buf, h.style, it); err == nil {
			return template.HTML(buf.String())
		}
	}
	return template.HTML("<pre>" + template.HTMLEscapeString(sqlText) + "</pre>")
}

func formFile(r *http.Request) (multipart.File, *multipart.FileHeader, error) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return nil, nil, err
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, nil, badRequest("no file uploaded")
	}
	return file, header, nil
}

func writeExport(w http.ResponseWriter, st *session.State) {
	if st.LastResult == nil {
		writeError(w, core.ErrNoResult)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+service.ExportFileName(time.Now())+`"`)
	if err := service.WriteCSV(w, st.LastResult); err != nil {
		slog.Warn("csv export failed", "session", st.ID, "error", err)
	}
}

func paramValues(sqlText string, values map[string]string) []paramValue {
	var out []paramValue
	for _, name := range core.NewSQLParser().Names(sqlText) {
		out = append(out, paramValue{Name: name, Value: values[name]})
	}
	return out
}

// excerpt shortens s to transcriptExcerpt runes.
func excerpt(s string) string {
	r := []rune(s)
	if len(r) <= transcriptExcerpt {
		return s
	}
	return string(r[:transcriptExcerpt]) + "..."
}

func cellText(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return "<" + strconv.Itoa(len(x)) + " bytes>"
	case time.Time:
		return x.Format(time.RFC3339)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return d.String()
	}
	return d.Round(time.Millisecond).String()
}

// FileServer serves root under path.
func FileServer(r chi.Router, path string, root http.FileSystem) {
	if strings.ContainsAny(path, "{}*") {
		panic("FileServer does not permit any URL parameters.")
	}

	if path != "/" && path[len(path)-1] != '/' {
		r.Get(path, http.RedirectHandler(path+"/", http.StatusMovedPermanently).ServeHTTP)
		path += "/"
	}
	path += "*"

	r.Get(path, func(w http.ResponseWriter, r *http.Request) {
		rctx := chi.RouteContext(r.Context())
		pathPrefix := strings.TrimSuffix(rctx.RoutePattern(), "/*")
		fs := http.StripPrefix(pathPrefix, http.FileServer(root))
		fs.ServeHTTP(w, r)
	})
}
