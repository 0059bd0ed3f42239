package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"sqlinx/internal/core"
	"sqlinx/internal/data"
	"sqlinx/internal/session"
)

// Files kept in a session's scratch directory.
const (
	SampleFile    = "sample.db"
	UploadFile    = "upload.db"
	ConvertedFile = "converted.db"
)

var sqliteMagic = []byte("SQLite format 3\x00")

var (
	_ core.ConnectionResolver = (*Resolver)(nil)
	_ core.QueryExecutor      = (*QueryExecutor)(nil)
	_ core.FileConverter      = (*Converter)(nil)
	_ core.InsightGenerator   = (*InsightService)(nil)
)

// ErrNotSQLite is returned when an uploaded database file is not a SQLite database.
var ErrNotSQLite = errors.New("file is not a SQLite database")

// Workbench runs the user-facing operations against a session's state.
// Callers must hold the state's lock.
type Workbench struct {
	Resolver  *Resolver
	Executor  *QueryExecutor
	Converter *Converter
	Insights  *InsightService
	Schema    *data.SchemaRepo

	// SampleLimit is applied to conversions that do not set their own.
	SampleLimit int
	logger      *slog.Logger
}

func NewWorkbench(resolver *Resolver, executor *QueryExecutor, converter *Converter, insights *InsightService, sampleLimit int, logger *slog.Logger) *Workbench {
	if logger == nil {
		logger = slog.Default()
	}
	return &Workbench{
		Resolver:    resolver,
		Executor:    executor,
		Converter:   converter,
		Insights:    insights,
		Schema:      data.NewSchemaRepo(),
		SampleLimit: sampleLimit,
		logger:      logger,
	}
}

// Connect resolves cfg and makes it the session's active connection. SQLite kinds
// always point at the session's own files; a client-supplied path is ignored.
func (w *Workbench) Connect(ctx context.Context, st *session.State, cfg core.ConnectionConfig) error {
	switch cfg.Kind {
	case core.KindSQLiteSample:
		cfg.FilePath = st.Path(SampleFile)
		if err := data.InitSampleDB(ctx, cfg.FilePath); err != nil {
			return &core.ConnectionError{Code: core.ConnConfig, Kind: cfg.Kind, Err: err}
		}
	case core.KindSQLiteUpload:
		cfg.FilePath = st.Path(UploadFile)
	case core.KindSQLiteConverted:
		cfg.FilePath = st.Path(ConvertedFile)
	}

	h, err := w.Resolver.Resolve(ctx, cfg)
	if err != nil {
		return err
	}
	st.SetHandle(h)
	return nil
}

// UploadDatabase stores an uploaded SQLite file in the session and connects to it.
func (w *Workbench) UploadDatabase(ctx context.Context, st *session.State, r io.Reader) error {
	head := make([]byte, len(sqliteMagic))
	if _, err := io.ReadFull(r, head); err != nil || !bytes.Equal(head, sqliteMagic) {
		return &core.ConnectionError{Code: core.ConnConfig, Kind: core.KindSQLiteUpload, Err: ErrNotSQLite}
	}

	// The old handle may still point at the file being replaced.
	if st.Handle != nil && st.Handle.Kind == core.KindSQLiteUpload {
		st.SetHandle(nil)
	}

	tmp, err := os.CreateTemp(st.Dir, "upload-*.db")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, io.MultiReader(bytes.NewReader(head), r)); err != nil {
		tmp.Close()
		return fmt.Errorf("store upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), st.Path(UploadFile)); err != nil {
		return err
	}

	return w.Connect(ctx, st, core.ConnectionConfig{Kind: core.KindSQLiteUpload})
}

// Convert loads a CSV/JSON/XLSX upload into the session's converted database and
// switches the session to it. A zero SampleLimit takes the workbench default; a
// negative one keeps every row.
func (w *Workbench) Convert(ctx context.Context, st *session.State, r io.Reader, spec core.ConversionSpec) (*core.ConversionResult, error) {
	if spec.SampleLimit == 0 {
		spec.SampleLimit = w.SampleLimit
	}

	res, err := w.Converter.Convert(ctx, r, spec, st.Path(ConvertedFile))
	if err != nil {
		return nil, err
	}
	st.Conversion = res

	if err := w.Connect(ctx, st, core.ConnectionConfig{Kind: core.KindSQLiteConverted}); err != nil {
		return res, err
	}
	return res, nil
}

// Query runs sqlText on the session's connection and records it in the history.
// A failed query leaves the previous result in place.
func (w *Workbench) Query(ctx context.Context, st *session.State, sqlText string, params map[string]string) (*core.QueryResult, error) {
	start := time.Now()
	res, err := w.Executor.Execute(ctx, st.Handle, sqlText, params)

	entry := core.HistoryEntry{
		Query:      sqlText,
		ExecutedAt: start,
		Success:    err == nil,
		Duration:   time.Since(start),
	}
	if err != nil {
		if errors.Is(err, core.ErrNoConnection) {
			return nil, err
		}
		entry.ErrorMessage = ErrorMessage(err)
		st.History.Append(entry)
		return nil, err
	}

	entry.RowCount = res.RowCount
	st.History.Append(entry)
	st.LastResult = res
	st.LastQuery = sqlText
	st.Insight = ""
	st.Draft = ""
	return res, nil
}

// Insight asks the text-generation service about the session's last result. A
// non-empty apiKey replaces the key remembered for the session. For generate-sql the
// proposed query becomes the session's draft; it is never executed here. The
// exchange is recorded in the session transcript.
func (w *Workbench) Insight(ctx context.Context, st *session.State, mode core.InsightMode, question, apiKey string) (string, error) {
	if apiKey != "" {
		if err := ValidateAPIKey(apiKey); err != nil {
			return "", err
		}
		st.APIKey = apiKey
	}

	req := core.InsightRequest{
		Mode:     mode,
		Result:   st.LastResult,
		Query:    st.LastQuery,
		Question: question,
		APIKey:   st.APIKey,
	}
	if st.Handle != nil {
		req.Dialect = st.Handle.Kind.Label()
	}
	switch mode {
	case core.ModeExplainQuery:
		if req.Query == "" {
			return "", &core.InputError{Err: core.ErrNothingToExplain}
		}
	case core.ModeGenerateSQL:
		if st.Handle == nil {
			return "", core.ErrNoConnection
		}
		tables, err := w.Tables(ctx, st)
		if err != nil {
			return "", err
		}
		req.Tables = tables
	}

	asked := time.Now()
	text, err := w.Insights.Generate(ctx, req)
	if err != nil {
		return "", err
	}
	st.Insight = text
	if mode == core.ModeGenerateSQL {
		st.Draft = ExtractSQL(text)
	}
	st.Transcript.Append(
		core.TranscriptEntry{Role: "user", Mode: mode, Content: transcriptPrompt(req), At: asked},
		core.TranscriptEntry{Role: "assistant", Mode: mode, Content: text, At: time.Now()},
	)
	return text, nil
}

// transcriptPrompt is the short form of a request shown in the transcript.
func transcriptPrompt(req core.InsightRequest) string {
	if q := strings.TrimSpace(req.Question); q != "" && req.Mode.NeedsQuestion() {
		return q
	}
	switch req.Mode {
	case core.ModeAnalyze:
		return "Analyze the last result"
	case core.ModeSuggestVisualization:
		return "Suggest visualizations for the last result"
	case core.ModeExplainQuery:
		return "Explain: " + req.Query
	}
	return string(req.Mode)
}

// Tables lists the tables of the active connection with their columns.
func (w *Workbench) Tables(ctx context.Context, st *session.State) ([]core.TableInfo, error) {
	names, err := w.Schema.Tables(ctx, st.Handle)
	if err != nil {
		return nil, err
	}

	tables := make([]core.TableInfo, 0, len(names))
	for _, name := range names {
		cols, err := w.Schema.Columns(ctx, st.Handle, name)
		if err != nil {
			w.logger.Warn("column listing failed", "table", name, "error", err)
		}
		tables = append(tables, core.TableInfo{Name: name, Columns: cols})
	}
	return tables, nil
}

// QuickActions proposes canned queries for the active connection.
func (w *Workbench) QuickActions(tables []core.TableInfo, st *session.State) []core.QuickAction {
	if st.Handle == nil {
		return nil
	}
	names := make([]string, len(tables))
	for i, t := range tables {
		names[i] = t.Name
	}
	return data.QuickActions(st.Handle.Kind, names)
}
