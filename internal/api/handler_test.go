package api

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"sqlinx/internal/core"
	"sqlinx/internal/service"
	"sqlinx/internal/session"
	"sqlinx/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAPIKey = "abcdefghijklmnopqrstuvwxyz012345"

type testServer struct {
	*httptest.Server
	router   http.Handler
	client   *http.Client
	sessions *session.Manager
}

func newTestServer(t *testing.T, aiEndpoint string, burst int) *testServer {
	t.Helper()
	logger := testutil.NewTestLogger(t)

	sessions, err := session.NewManager([]byte("0123456789abcdef0123456789abcdef"), t.TempDir(), time.Hour, false, logger)
	require.NoError(t, err)
	t.Cleanup(sessions.Close)

	limiter := NewRateLimiter(60, burst)
	t.Cleanup(limiter.Stop)

	wb := service.NewWorkbench(
		service.NewResolver(time.Second, logger),
		service.NewQueryExecutor(logger),
		service.NewConverter(logger),
		service.NewInsightService(service.InsightConfig{Endpoint: aiEndpoint, Timeout: time.Second}, logger),
		core.DefaultSampleLimit,
		logger,
	)

	router, err := NewRouter(RouterConfig{
		Workbench: wb,
		Sessions:  sessions,
		Limiter:   limiter,
		MaxUpload: 1 << 20,
		Logger:    logger,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &testServer{
		Server:   srv,
		router:   router,
		client:   &http.Client{Jar: jar, CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }},
		sessions: sessions,
	}
}

func (s *testServer) postJSON(t *testing.T, path string, body any) (*http.Response, []byte) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := s.client.Post(s.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp, readBody(t, resp)
}

func (s *testServer) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := s.client.Get(s.URL + path)
	require.NoError(t, err)
	return resp, readBody(t, resp)
}

func (s *testServer) delete(t *testing.T, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodDelete, s.URL+path, nil)
	require.NoError(t, err)
	resp, err := s.client.Do(req)
	require.NoError(t, err)
	readBody(t, resp)
	return resp
}

func (s *testServer) upload(t *testing.T, path, fileName, content string, fields map[string]string) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	fw, err := mw.CreateFormFile("file", fileName)
	require.NoError(t, err)
	_, err = io.WriteString(fw, content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := s.client.Post(s.URL+path, mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	return resp, readBody(t, resp)
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return b
}

func decodeError(t *testing.T, body []byte) errorDetail {
	t.Helper()
	var eb errorBody
	require.NoError(t, json.Unmarshal(body, &eb), string(body))
	return eb.Error
}

func TestAPI_Health(t *testing.T) {
	s := newTestServer(t, "", 3)

	resp, body := s.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok","sessions":0}`, string(body))
}

func TestAPI_SampleQueryFlow(t *testing.T) {
	s := newTestServer(t, "", 3)

	resp, body := s.postJSON(t, "/api/connect", map[string]any{"kind": "sqlite-sample"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.NotContains(t, string(body), "sample.db")

	resp, body = s.postJSON(t, "/api/query", map[string]any{
		"sql": "SELECT department, COUNT(*) AS n FROM employees GROUP BY department ORDER BY department",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var result core.QueryResult
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Equal(t, 4, result.RowCount)
	assert.Equal(t, []string{"department", "n"}, result.ColumnNames())
	assert.Equal(t, []any{"Engineering", float64(2)}, result.Rows[0])

	resp, body = s.get(t, "/api/export.csv")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "query_results_")
	assert.Equal(t, "department,n\nEngineering,2\nHR,1\nMarketing,1\nSales,1\n", string(body))

	resp, body = s.get(t, "/api/tables")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"name":"employees"`)
	assert.Contains(t, string(body), `"quick_actions"`)

	resp, body = s.get(t, "/api/history?limit=1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var history struct {
		Entries []core.HistoryEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(body, &history))
	require.Len(t, history.Entries, 1)
	assert.True(t, history.Entries[0].Success)
}

func TestAPI_QueryParams(t *testing.T) {
	s := newTestServer(t, "", 3)
	resp, _ := s.postJSON(t, "/api/connect", map[string]any{"kind": "sqlite-sample"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	sqlText := "SELECT name FROM employees WHERE department = {dept} ORDER BY id"
	resp, body := s.postJSON(t, "/api/params", map[string]any{"sql": sqlText})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"params":["dept"]}`, string(body))

	resp, body = s.postJSON(t, "/api/query", map[string]any{"sql": sqlText, "params": map[string]string{"dept": "Engineering"}})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Contains(t, string(body), "Allen Kupoluyi")
	assert.Contains(t, string(body), "Chikezie Brown")
}

func TestAPI_Errors(t *testing.T) {
	s := newTestServer(t, "", 3)

	resp, body := s.postJSON(t, "/api/query", map[string]any{"sql": "SELECT 1"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "no-connection", decodeError(t, body).Code)

	resp, body = s.postJSON(t, "/api/connect", map[string]any{"kind": "oracle"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "request", decodeError(t, body).Kind)

	resp, _ = s.postJSON(t, "/api/connect", map[string]any{"kind": "sqlite-sample"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = s.postJSON(t, "/api/query", map[string]any{"sql": "SELEC * FROM employees"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	detail := decodeError(t, body)
	assert.Equal(t, "query", detail.Kind)
	assert.Equal(t, "syntax", detail.Code)

	resp, _ = s.postJSON(t, "/api/query", map[string]any{"sql": "SELECT 1", "unexpected": true})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = s.get(t, "/api/export.csv")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "no-result", decodeError(t, body).Code)
}

func TestAPI_ConvertCSV(t *testing.T) {
	s := newTestServer(t, "", 3)

	csv := "Product Name,Price,In Stock\nWidget,9.99,true\nGadget,unknown,false\nGizmo,n/a,true\nDoohickey,12.50,false\n"
	resp, body := s.upload(t, "/api/convert", "products.csv", csv, map[string]string{"sample_limit": "0"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var out struct {
		Conversion core.ConversionResult `json:"conversion"`
		Truncated  bool                  `json:"truncated"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "products", out.Conversion.TableName)
	assert.Equal(t, 4, out.Conversion.RowCount)
	assert.Equal(t, 1, out.Conversion.Warnings)
	assert.False(t, out.Truncated)

	assert.Equal(t, []core.Column{
		{Name: "Product_Name", Type: core.TypeString},
		{Name: "Price", Type: core.TypeFloat},
		{Name: "In_Stock", Type: core.TypeBool},
	}, out.Conversion.Columns)

	resp, body = s.postJSON(t, "/api/query", map[string]any{"sql": "SELECT COUNT(*) AS missing FROM products WHERE Price IS NULL"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Contains(t, string(body), `"rows":[[2]]`)
}

func TestAPI_ConvertErrors(t *testing.T) {
	s := newTestServer(t, "", 3)

	resp, body := s.upload(t, "/api/convert", "broken.json", `[{"a":1},`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "parse", decodeError(t, body).Kind)

	resp, body = s.upload(t, "/api/convert", "people.csv", "name,age\nAnn,30\n", map[string]string{"table": "people"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	resp, body = s.upload(t, "/api/convert", "people.csv", "first,last\nAnn,Lee\n", map[string]string{"table": "people"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "schema", decodeError(t, body).Kind)

	resp, _ = s.upload(t, "/api/convert", "x.csv", "a\n1\n", map[string]string{"type.a": "blob"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_UploadTooLarge(t *testing.T) {
	s := newTestServer(t, "", 3)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "big.csv")
	require.NoError(t, err)
	_, err = io.WriteString(fw, "a\n"+strings.Repeat("x\n", 600000))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/convert", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "too-large", decodeError(t, rec.Body.Bytes()).Code)
}

func TestAPI_PreviewConversion(t *testing.T) {
	s := newTestServer(t, "", 3)

	resp, body := s.upload(t, "/api/convert/preview", "scores.json", `[{"name":"a","score":1},{"name":"b","score":2.5}]`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var preview core.FilePreview
	require.NoError(t, json.Unmarshal(body, &preview))
	assert.Equal(t, core.FormatJSON, preview.Format)
	assert.Equal(t, 2, preview.RowCount)
	assert.Equal(t, []core.Column{{Name: "name", Type: core.TypeString}, {Name: "score", Type: core.TypeFloat}}, preview.Columns)
}

func TestAPI_UploadRejectsNonSQLite(t *testing.T) {
	s := newTestServer(t, "", 3)

	resp, body := s.upload(t, "/api/upload", "data.db", "definitely not sqlite", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	detail := decodeError(t, body)
	assert.Equal(t, "connection", detail.Kind)
	assert.Equal(t, "config", detail.Code)
}

func TestAPI_Insight(t *testing.T) {
	var hits int
	ai := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if r.Header.Get("Authorization") != "Bearer "+testAPIKey {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"message":{"content":[{"type":"text","text":"Engineering has the most people."}]}}`))
	}))
	defer ai.Close()

	s := newTestServer(t, ai.URL, 10)

	resp, body := s.postJSON(t, "/api/insight", map[string]any{"mode": "analyze", "api_key": "short"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthorized", decodeError(t, body).Code)
	assert.Zero(t, hits)

	resp, body = s.postJSON(t, "/api/insight", map[string]any{"mode": "analyze", "api_key": testAPIKey})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "no-result", decodeError(t, body).Code)

	s.postJSON(t, "/api/connect", map[string]any{"kind": "sqlite-sample"})
	s.postJSON(t, "/api/query", map[string]any{"sql": "SELECT * FROM employees"})

	resp, body = s.postJSON(t, "/api/insight", map[string]any{"mode": "analyze"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.JSONEq(t, `{"mode":"analyze","text":"Engineering has the most people."}`, string(body))
	assert.Equal(t, 1, hits)

	resp, _ = s.postJSON(t, "/api/insight", map[string]any{"mode": "poetry"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = s.postJSON(t, "/api/insight", map[string]any{"mode": "custom-question", "question": "  "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, errorDetail{Kind: "request", Code: "invalid", Message: "a question is required"}, decodeError(t, body))
	assert.Equal(t, 1, hits)

	resp, body = s.get(t, "/api/insight/transcript")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var transcript struct {
		Entries []core.TranscriptEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(body, &transcript))
	require.Len(t, transcript.Entries, 2)
	assert.Equal(t, "Analyze the last result", transcript.Entries[0].Content)
	assert.Equal(t, "Engineering has the most people.", transcript.Entries[1].Content)

	resp = s.delete(t, "/api/insight/transcript")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	_, body = s.get(t, "/api/insight/transcript")
	assert.JSONEq(t, `{"entries":[]}`, string(body))
}

func TestAPI_InsightExplainWithoutQuery(t *testing.T) {
	s := newTestServer(t, "", 3)
	s.postJSON(t, "/api/connect", map[string]any{"kind": "sqlite-sample"})

	resp, body := s.postJSON(t, "/api/insight", map[string]any{"mode": "explain-query", "api_key": testAPIKey})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "request", decodeError(t, body).Kind)
}

func TestAPI_InsightGenerateSQL(t *testing.T) {
	ai := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"message":{"content":[{"type":"text","text":"` + "```sql" + `\nSELECT COUNT(*) FROM departments;\n` + "```" + `"}]}}`))
	}))
	defer ai.Close()

	s := newTestServer(t, ai.URL, 3)
	resp, body := s.postJSON(t, "/api/insight", map[string]any{"mode": "generate-sql", "question": "how many departments?", "api_key": testAPIKey})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "no-connection", decodeError(t, body).Code)

	s.postJSON(t, "/api/connect", map[string]any{"kind": "sqlite-sample"})
	resp, body = s.postJSON(t, "/api/insight", map[string]any{"mode": "generate-sql", "question": "how many departments?"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var out struct {
		SQL string `json:"sql"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "SELECT COUNT(*) FROM departments;", out.SQL)

	// The proposal is a draft; nothing was executed.
	_, body = s.get(t, "/api/session")
	assert.Contains(t, string(body), `"has_result":false`)
	assert.Contains(t, string(body), `"history_entries":0`)
	assert.Contains(t, string(body), `"draft":"SELECT COUNT(*) FROM departments;"`)
}

func TestAPI_InsightRateLimited(t *testing.T) {
	s := newTestServer(t, "", 1)

	resp, _ := s.postJSON(t, "/api/insight", map[string]any{"mode": "analyze", "api_key": "short"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := s.postJSON(t, "/api/insight", map[string]any{"mode": "analyze", "api_key": "short"})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "rate-limited", decodeError(t, body).Code)
}

func TestAPI_SessionsAreIsolated(t *testing.T) {
	s := newTestServer(t, "", 3)
	resp, _ := s.postJSON(t, "/api/connect", map[string]any{"kind": "sqlite-sample"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// A client without the cookie gets its own, unconnected session.
	other := &http.Client{}
	resp, err := other.Post(s.URL+"/api/query", "application/json", strings.NewReader(`{"sql":"SELECT 1"}`))
	require.NoError(t, err)
	readBody(t, resp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, 2, s.sessions.Len())
}

func TestAPI_Reset(t *testing.T) {
	s := newTestServer(t, "", 3)
	s.postJSON(t, "/api/connect", map[string]any{"kind": "sqlite-sample"})

	resp, body := s.get(t, "/api/session")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"connected":true`)

	resp, _ = s.postJSON(t, "/api/reset", map[string]any{})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = s.get(t, "/api/session")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"connected":false`)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"connection unreachable", &core.ConnectionError{Code: core.ConnUnreachable}, http.StatusBadGateway},
		{"connection auth", &core.ConnectionError{Code: core.ConnAuth}, http.StatusBadGateway},
		{"connection timeout", &core.ConnectionError{Code: core.ConnTimeout}, http.StatusGatewayTimeout},
		{"connection config", &core.ConnectionError{Code: core.ConnConfig}, http.StatusBadRequest},
		{"query syntax", &core.QueryError{Code: core.QuerySyntax}, http.StatusBadRequest},
		{"query permission", &core.QueryError{Code: core.QueryPermission}, http.StatusBadRequest},
		{"query timeout", &core.QueryError{Code: core.QueryTimeout}, http.StatusGatewayTimeout},
		{"query connection lost", &core.QueryError{Code: core.QueryConnectionLost}, http.StatusBadGateway},
		{"parse", &core.ParseError{Err: core.ErrEmptyData}, http.StatusBadRequest},
		{"schema", &core.SchemaError{Table: "t"}, http.StatusBadRequest},
		{"ai unauthorized", &core.AIServiceError{Code: core.AIUnauthorized}, http.StatusUnauthorized},
		{"ai rate limited", &core.AIServiceError{Code: core.AIRateLimited}, http.StatusTooManyRequests},
		{"ai network", &core.AIServiceError{Code: core.AINetwork}, http.StatusBadGateway},
		{"ai malformed", &core.AIServiceError{Code: core.AIMalformedResponse}, http.StatusBadGateway},
		{"no connection", core.ErrNoConnection, http.StatusConflict},
		{"bad request", badRequest("nope"), http.StatusBadRequest},
		{"missing question", &core.InputError{Err: core.ErrQuestionRequired}, http.StatusBadRequest},
		{"nothing to explain", &core.InputError{Err: core.ErrNothingToExplain}, http.StatusBadRequest},
		{"too large", &http.MaxBytesError{Limit: 1}, http.StatusRequestEntityTooLarge},
		{"other", io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, statusFor(tt.err))
		})
	}
}
