package api

import (
	"net/http"
	"strings"
)

// DocHandler serves an OpenAPI description of the JSON API and a Swagger UI page.
type DocHandler struct {
	serverURL string
}

func NewDocHandler(serverURL string) *DocHandler {
	return &DocHandler{serverURL: serverURL}
}

type apiOperation struct {
	Method  string
	Path    string
	Summary string
	// Body is a JSON schema for application/json bodies, or "multipart".
	Body      any
	Responses map[string]string
}

var multipartUpload = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"file":         map[string]any{"type": "string", "format": "binary"},
		"table":        map[string]any{"type": "string"},
		"format":       map[string]any{"type": "string", "enum": []string{"csv", "json", "xlsx"}},
		"sample_limit": map[string]any{"type": "integer", "description": "Rows to load; 0 loads every row"},
	},
	"required": []string{"file"},
}

func object(props map[string]any, required ...string) map[string]any {
	o := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		o["required"] = required
	}
	return o
}

func str() map[string]any { return map[string]any{"type": "string"} }

var apiOperations = []apiOperation{
	{Method: http.MethodGet, Path: "/healthz", Summary: "Liveness and open session count",
		Responses: map[string]string{"200": "Server is up"}},
	{Method: http.MethodGet, Path: "/api/session", Summary: "Current session state",
		Responses: map[string]string{"200": "Session summary"}},
	{Method: http.MethodPost, Path: "/api/connect", Summary: "Connect the session to a database",
		Body: object(map[string]any{
			"kind":     map[string]any{"type": "string", "enum": []string{"sqlite-sample", "sqlite-upload", "sqlite-converted", "postgres", "mysql", "sqlserver"}},
			"host":     str(),
			"port":     map[string]any{"type": "integer"},
			"user":     str(),
			"password": map[string]any{"type": "string", "format": "password"},
			"database": str(),
			"driver":   map[string]any{"type": "string", "description": "ODBC driver name for SQL Server"},
		}, "kind"),
		Responses: map[string]string{"200": "Connected", "400": "Invalid configuration", "502": "Database unreachable or rejected the credentials", "504": "Connection timed out"}},
	{Method: http.MethodPost, Path: "/api/upload", Summary: "Upload a SQLite database file and connect to it",
		Body:      "multipart",
		Responses: map[string]string{"200": "Connected", "400": "Not a SQLite database", "413": "Upload too large"}},
	{Method: http.MethodPost, Path: "/api/convert", Summary: "Convert a CSV, JSON or XLSX file into a SQLite table",
		Body:      "multipart",
		Responses: map[string]string{"200": "Table created", "400": "Malformed file or schema conflict", "413": "Upload too large"}},
	{Method: http.MethodPost, Path: "/api/convert/preview", Summary: "Preview the columns and first rows of an upload",
		Body:      "multipart",
		Responses: map[string]string{"200": "Preview", "400": "Malformed file"}},
	{Method: http.MethodPost, Path: "/api/query", Summary: "Run one SQL statement",
		Body: object(map[string]any{
			"sql":    str(),
			"params": map[string]any{"type": "object", "additionalProperties": str()},
		}, "sql"),
		Responses: map[string]string{"200": "Query result", "400": "Syntax or permission error", "409": "No connection", "502": "Connection lost", "504": "Query timed out"}},
	{Method: http.MethodPost, Path: "/api/params", Summary: "List the {name} parameters of a query",
		Body:      object(map[string]any{"sql": str()}, "sql"),
		Responses: map[string]string{"200": "Parameter names"}},
	{Method: http.MethodPost, Path: "/api/insight", Summary: "Ask the AI service about the last result",
		Body: object(map[string]any{
			"mode":     map[string]any{"type": "string", "enum": []string{"analyze", "suggest-visualization", "custom-question", "explain-query", "generate-sql"}},
			"question": map[string]any{"type": "string", "description": "Required for custom-question and generate-sql"},
			"api_key":  map[string]any{"type": "string", "format": "password"},
		}, "mode"),
		Responses: map[string]string{"200": "Generated text; generate-sql also returns the proposed query as sql", "400": "Missing question or nothing to explain", "401": "Missing or rejected API key", "409": "No result to analyze or no connection", "429": "Rate limited", "502": "AI service unreachable or returned an unusable response"}},
	{Method: http.MethodGet, Path: "/api/insight/transcript", Summary: "AI messages of the session, oldest first",
		Responses: map[string]string{"200": "Transcript entries"}},
	{Method: http.MethodDelete, Path: "/api/insight/transcript", Summary: "Clear the AI transcript",
		Responses: map[string]string{"204": "Cleared"}},
	{Method: http.MethodGet, Path: "/api/tables", Summary: "Tables, columns and quick actions of the connection",
		Responses: map[string]string{"200": "Tables", "409": "No connection"}},
	{Method: http.MethodGet, Path: "/api/history", Summary: "Query history, newest first",
		Responses: map[string]string{"200": "History entries"}},
	{Method: http.MethodDelete, Path: "/api/history", Summary: "Clear the query history",
		Responses: map[string]string{"204": "Cleared"}},
	{Method: http.MethodGet, Path: "/api/export.csv", Summary: "Download the last result as CSV",
		Responses: map[string]string{"200": "CSV file", "409": "No result"}},
	{Method: http.MethodPost, Path: "/api/reset", Summary: "Drop the session and its files",
		Responses: map[string]string{"204": "Reset"}},
}

func (h *DocHandler) ServeSwaggerUI(w http.ResponseWriter, r *http.Request) {
	html := `
<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="utf-8" />
    <meta name="viewport" content="width=device-width, initial-scale=1" />
    <title>SQL Workbench API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5.11.0/swagger-ui.css" />
</head>
<body>
<div id="swagger-ui"></div>
<script src="https://unpkg.com/swagger-ui-dist@5.11.0/swagger-ui-bundle.js" crossorigin></script>
<script>
    window.onload = () => {
        window.ui = SwaggerUIBundle({
            url: '/api/docs/openapi.json',
            dom_id: '#swagger-ui',
        });
    };
</script>
</body>
</html>`
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(html))
}

func (h *DocHandler) GetOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.spec())
}

func (h *DocHandler) spec() map[string]any {
	errorSchema := object(map[string]any{
		"error": object(map[string]any{
			"kind":    str(),
			"code":    str(),
			"message": str(),
		}),
	})

	paths := make(map[string]any)
	for _, op := range apiOperations {
		responses := make(map[string]any, len(op.Responses))
		for code, desc := range op.Responses {
			resp := map[string]any{"description": desc}
			if !strings.HasPrefix(code, "2") {
				resp["content"] = map[string]any{"application/json": map[string]any{"schema": errorSchema}}
			}
			responses[code] = resp
		}

		operation := map[string]any{
			"summary":   op.Summary,
			"tags":      []string{tagFor(op.Path)},
			"responses": responses,
		}
		switch body := op.Body.(type) {
		case string:
			operation["requestBody"] = map[string]any{
				"required": true,
				"content":  map[string]any{"multipart/form-data": map[string]any{"schema": multipartUpload}},
			}
		case map[string]any:
			operation["requestBody"] = map[string]any{
				"required": true,
				"content":  map[string]any{"application/json": map[string]any{"schema": body}},
			}
		}

		item, _ := paths[op.Path].(map[string]any)
		if item == nil {
			item = map[string]any{}
			paths[op.Path] = item
		}
		item[strings.ToLower(op.Method)] = operation
	}

	spec := map[string]any{
		"openapi": "3.0.0",
		"info": map[string]any{
			"title":       "SQL Workbench API",
			"version":     "1.0.0",
			"description": "Session-scoped database exploration. The session cookie is set on the first request.",
		},
		"paths": paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"SessionCookie": map[string]any{
					"type": "apiKey",
					"in":   "cookie",
					"name": "sqlinx_session",
				},
			},
		},
	}
	if h.serverURL != "" {
		spec["servers"] = []map[string]string{{"url": h.serverURL}}
	}
	return spec
}

func tagFor(path string) string {
	switch {
	case strings.HasPrefix(path, "/api/convert"), path == "/api/upload":
		return "files"
	case strings.HasPrefix(path, "/api/insight"):
		return "insights"
	case path == "/healthz", path == "/api/session", path == "/api/reset":
		return "session"
	}
	return "queries"
}
