package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"sqlinx/internal/core"
	"sqlinx/internal/session"
)

const (
	paramPrefix = "param."
	typePrefix  = "type."
)

var errSessionExpired = errors.New("session expired, reload the page")

// lockState locks the request's session for the duration of one action.
func lockState(r *http.Request) (*session.State, func(), error) {
	st := stateFrom(r.Context())
	if st == nil {
		return nil, nil, errSessionExpired
	}
	st.Lock()
	if st.Released() {
		st.Unlock()
		return nil, nil, errSessionExpired
	}
	return st, st.Unlock, nil
}

// connectionConfig builds a config from form-style values.
func connectionConfig(get func(string) string) (core.ConnectionConfig, error) {
	kind, ok := core.ParseKind(strings.TrimSpace(get("kind")))
	if !ok {
		return core.ConnectionConfig{}, badRequest("unknown database type " + strconv.Quote(get("kind")))
	}

	cfg := core.ConnectionConfig{
		Kind:     kind,
		Host:     strings.TrimSpace(get("host")),
		User:     strings.TrimSpace(get("user")),
		Password: get("password"),
		Database: strings.TrimSpace(get("database")),
		Driver:   strings.TrimSpace(get("driver")),
	}
	if p := strings.TrimSpace(get("port")); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return core.ConnectionConfig{}, badRequest("invalid port " + strconv.Quote(p))
		}
		cfg.Port = port
	}
	return cfg, nil
}

// conversionSpec reads the conversion options sent next to an uploaded file.
// An explicit sample limit of 0 keeps every row.
func conversionSpec(r *http.Request, fileName string) (core.ConversionSpec, error) {
	spec := core.ConversionSpec{
		SourceName:  fileName,
		Format:      core.FileFormat(strings.ToLower(r.FormValue("format"))),
		TargetTable: strings.TrimSpace(r.FormValue("table")),
	}

	if v := strings.TrimSpace(r.FormValue("sample_limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return spec, badRequest("sample_limit must be a non-negative integer")
		}
		if n == 0 {
			n = -1
		}
		spec.SampleLimit = n
	}

	for name, values := range r.Form {
		col, ok := strings.CutPrefix(name, typePrefix)
		if !ok || len(values) == 0 || values[0] == "" {
			continue
		}
		t, ok := core.ParseColumnType(values[0])
		if !ok {
			return spec, badRequest("unknown column type " + strconv.Quote(values[0]) + " for " + col)
		}
		if spec.TypeOverrides == nil {
			spec.TypeOverrides = map[string]core.ColumnType{}
		}
		spec.TypeOverrides[col] = t
	}
	return spec, nil
}

// formParams collects param.<name> fields.
func formParams(r *http.Request) map[string]string {
	var params map[string]string
	for name, values := range r.PostForm {
		if key, ok := strings.CutPrefix(name, paramPrefix); ok && len(values) > 0 {
			if params == nil {
				params = map[string]string{}
			}
			params[key] = values[0]
		}
	}
	return params
}
