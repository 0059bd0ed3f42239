package api

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (s *testServer) postForm(t *testing.T, path string, form url.Values) (*http.Response, string) {
	t.Helper()
	resp, err := s.client.PostForm(s.URL+path, form)
	require.NoError(t, err)
	return resp, string(readBody(t, resp))
}

func (s *testServer) getPage(t *testing.T, path string) (*http.Response, string) {
	t.Helper()
	resp, body := s.get(t, path)
	return resp, string(body)
}

func TestWeb_IndexSetsSessionCookie(t *testing.T) {
	s := newTestServer(t, "", 3)

	resp, body := s.getPage(t, "/")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	assert.Contains(t, body, "SQL Workbench")
	assert.Contains(t, body, `value="sqlite-sample"`)

	var found bool
	for _, c := range resp.Cookies() {
		if c.Name == "sqlinx_session" {
			found = true
			assert.True(t, c.HttpOnly)
		}
	}
	assert.True(t, found, "session cookie not set")
	assert.Equal(t, 1, s.sessions.Len())

	// The second request reuses the session.
	resp, _ = s.getPage(t, "/")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, s.sessions.Len())
}

func TestWeb_ConnectAndQuery(t *testing.T) {
	s := newTestServer(t, "", 3)

	resp, body := s.postForm(t, "/connect", url.Values{"kind": {"sqlite-sample"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "Connected to SQLite")
	assert.Contains(t, body, "employees")
	assert.Contains(t, body, "departments")

	resp, body = s.postForm(t, "/query", url.Values{
		"sql":        {"SELECT name, salary FROM employees WHERE department = {dept} ORDER BY salary DESC"},
		"param.dept": {"Engineering"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "<table>")
	assert.Contains(t, body, "Chikezie Brown")
	assert.Contains(t, body, "Allen Kupoluyi")
	assert.NotContains(t, body, "Charlie Bilal")
	assert.Contains(t, body, `class="chroma"`, "history should be highlighted")

	resp, body = s.postForm(t, "/query", url.Values{"sql": {"SELECT * FROM nope"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body, "SELECT * FROM nope")
	// The previous result stays on the page.
	assert.Contains(t, body, "Chikezie Brown")

	resp, body = s.getPage(t, "/export.csv")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(body, "name,salary\n"), body)
}

func TestWeb_QueryWithoutConnection(t *testing.T) {
	s := newTestServer(t, "", 3)

	resp, body := s.postForm(t, "/query", url.Values{"sql": {"SELECT 1"}})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, body, "no database connection configured")
}

func TestWeb_InvalidConnectionHidesPassword(t *testing.T) {
	s := newTestServer(t, "", 3)

	resp, body := s.postForm(t, "/connect", url.Values{
		"kind":     {"postgres"},
		"host":     {"db.internal"},
		"port":     {"not-a-port"},
		"password": {"hunter2"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body, "invalid port")
	assert.NotContains(t, body, "hunter2")
}

func TestWeb_InsightRateLimit(t *testing.T) {
	s := newTestServer(t, "", 1)

	resp, body := s.postForm(t, "/insight", url.Values{"mode": {"analyze"}, "api_key": {"short"}})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, body, "API key is too short")

	resp, _ = s.postForm(t, "/insight", url.Values{"mode": {"analyze"}, "api_key": {"short"}})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestWeb_QueryAsksForMissingParameter(t *testing.T) {
	s := newTestServer(t, "", 3)
	s.postForm(t, "/connect", url.Values{"kind": {"sqlite-sample"}})

	resp, body := s.postForm(t, "/query", url.Values{"sql": {"SELECT name FROM employees WHERE department = {dept}"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body, "missing parameters: dept")
	assert.Contains(t, body, `name="param.dept"`)
}

func TestWeb_GenerateSQLFillsEditor(t *testing.T) {
	ai := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"message":{"content":[{"type":"text","text":"` + "```sql" + `\nSELECT COUNT(*) FROM departments;\n` + "```" + `\nCounts departments."}]}}`))
	}))
	defer ai.Close()

	s := newTestServer(t, ai.URL, 3)
	s.postForm(t, "/connect", url.Values{"kind": {"sqlite-sample"}})

	resp, body := s.postForm(t, "/insight", url.Values{
		"mode":     {"generate-sql"},
		"question": {"how many departments are there?"},
		"api_key":  {testAPIKey},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Contains(t, body, `placeholder="SELECT * FROM employees">SELECT COUNT(*) FROM departments;</textarea>`)
	assert.Contains(t, body, "Recent AI messages")
	assert.Contains(t, body, "how many departments are there?")
	assert.NotContains(t, body, "<h2>Result</h2>", "generated SQL is not executed")

	resp, _ = s.postForm(t, "/insight/clear", nil)
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)

	_, body = s.getPage(t, "/")
	assert.NotContains(t, body, "Recent AI messages")
	assert.Contains(t, body, "SELECT COUNT(*) FROM departments;", "the draft outlives the transcript")
}

func TestWeb_ClearHistoryAndReset(t *testing.T) {
	s := newTestServer(t, "", 3)
	s.postForm(t, "/connect", url.Values{"kind": {"sqlite-sample"}})
	s.postForm(t, "/query", url.Values{"sql": {"SELECT COUNT(*) FROM employees"}})

	resp, _ := s.postForm(t, "/history/clear", nil)
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/", resp.Header.Get("Location"))

	resp, body := s.getPage(t, "/api/history")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"entries":[]}`, body)

	resp, _ = s.postForm(t, "/reset", nil)
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)

	resp, body = s.getPage(t, "/api/session")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"connected":false`)
}

func TestWeb_StaticAssets(t *testing.T) {
	s := newTestServer(t, "", 3)

	resp, body := s.getPage(t, "/static/chroma.css")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, ".chroma")

	resp, _ = s.getPage(t, "/static/app.js")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = s.getPage(t, "/static/missing.js")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
