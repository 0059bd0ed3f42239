package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"sqlinx/internal/core"
	"sqlinx/internal/service"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    string `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// describeError returns the kind, code and message shown to the user for err.
func describeError(err error) errorDetail {
	var ke core.KindedError
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &ke):
		return errorDetail{Kind: ke.ErrorKind(), Code: ke.ErrorCode(), Message: service.ErrorMessage(err)}
	case errors.Is(err, core.ErrNoConnection):
		return errorDetail{Kind: "state", Code: "no-connection", Message: err.Error()}
	case errors.Is(err, core.ErrNoResult):
		return errorDetail{Kind: "state", Code: "no-result", Message: err.Error()}
	case errors.Is(err, errSessionExpired):
		return errorDetail{Kind: "state", Code: "expired", Message: err.Error()}
	case errors.As(err, &tooLarge):
		return errorDetail{Kind: "request", Code: "too-large", Message: "upload exceeds the size limit"}
	case errors.Is(err, errBadRequest):
		return errorDetail{Kind: "request", Code: "invalid", Message: err.Error()}
	}
	return errorDetail{Kind: "internal", Code: "other", Message: err.Error()}
}

// statusFor maps an error onto the HTTP status of the JSON API.
func statusFor(err error) int {
	var (
		ce *core.ConnectionError
		qe *core.QueryError
		ae *core.AIServiceError
		pe *core.ParseError
		se *core.SchemaError
		ie *core.InputError
		tl *http.MaxBytesError
	)
	switch {
	case errors.As(err, &ce):
		switch ce.Code {
		case core.ConnTimeout:
			return http.StatusGatewayTimeout
		case core.ConnConfig:
			return http.StatusBadRequest
		}
		return http.StatusBadGateway
	case errors.As(err, &qe):
		switch qe.Code {
		case core.QueryTimeout:
			return http.StatusGatewayTimeout
		case core.QueryConnectionLost:
			return http.StatusBadGateway
		}
		return http.StatusBadRequest
	case errors.As(err, &ae):
		switch ae.Code {
		case core.AIUnauthorized:
			return http.StatusUnauthorized
		case core.AIRateLimited:
			return http.StatusTooManyRequests
		}
		return http.StatusBadGateway
	case errors.As(err, &pe), errors.As(err, &se), errors.As(err, &ie), errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.As(err, &tl):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, core.ErrNoConnection), errors.Is(err, core.ErrNoResult), errors.Is(err, errSessionExpired):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// errBadRequest marks malformed request input.
var errBadRequest = errors.New("bad request")

func badRequest(msg string) error {
	return &requestError{msg: msg}
}

type requestError struct{ msg string }

func (e *requestError) Error() string { return e.msg }
func (e *requestError) Is(target error) bool {
	return target == errBadRequest
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorBody{Error: describeError(err)})
}
