package core

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyData indicates an upload without any data rows
	ErrEmptyData = errors.New("file contains no data")

	// ErrNoHeader indicates a delimited upload without a header row
	ErrNoHeader = errors.New("header row is required")

	// ErrUnsupportedFormat indicates an upload format the converter cannot read
	ErrUnsupportedFormat = errors.New("unsupported file format")

	// ErrNoConnection is returned when a session has not resolved a handle yet
	ErrNoConnection = errors.New("no database connection configured")

	// ErrNoResult is returned when an AI request has no query result to work on
	ErrNoResult = errors.New("no query result to analyze")

	// ErrQuestionRequired is returned when a question-driven AI mode gets a blank question
	ErrQuestionRequired = errors.New("a question is required")

	// ErrNothingToExplain is returned when an explanation is requested before any query ran
	ErrNothingToExplain = errors.New("run a query before asking for an explanation")
)

// KindedError is implemented by every error the UI reports with a kind and code.
type KindedError interface {
	error
	ErrorKind() string
	ErrorCode() string
}

type ConnectionCode string

const (
	ConnUnreachable ConnectionCode = "unreachable"
	ConnAuth        ConnectionCode = "auth"
	ConnTimeout     ConnectionCode = "timeout"
	ConnConfig      ConnectionCode = "config"
)

// ConnectionError wraps database connection failures
type ConnectionError struct {
	Code ConnectionCode
	Kind Kind
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection failed (%s, %s): %v", e.Kind, e.Code, e.Err)
}

func (e *ConnectionError) Unwrap() error     { return e.Err }
func (e *ConnectionError) ErrorKind() string { return "connection" }
func (e *ConnectionError) ErrorCode() string { return string(e.Code) }

type QueryCode string

const (
	QuerySyntax         QueryCode = "syntax"
	QueryPermission     QueryCode = "permission"
	QueryTimeout        QueryCode = "timeout"
	QueryConnectionLost QueryCode = "connection-lost"
	QueryOther          QueryCode = "other"
)

// QueryError wraps query execution failures
type QueryError struct {
	Code QueryCode
	Err  error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query failed (%s): %v", e.Code, e.Err)
}

func (e *QueryError) Unwrap() error     { return e.Err }
func (e *QueryError) ErrorKind() string { return "query" }
func (e *QueryError) ErrorCode() string { return string(e.Code) }

// ParseError reports an upload that could not be read.
type ParseError struct {
	Source string
	Line   int
	Err    error
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse %s (line %d): %v", e.Source, e.Line, e.Err)
	}
	return fmt.Sprintf("parse %s: %v", e.Source, e.Err)
}

func (e *ParseError) Unwrap() error     { return e.Err }
func (e *ParseError) ErrorKind() string { return "parse" }
func (e *ParseError) ErrorCode() string { return "malformed" }

// SchemaError reports a conversion target that conflicts with an existing table.
type SchemaError struct {
	Table string
	Err   error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("table %q: %v", e.Table, e.Err)
}

func (e *SchemaError) Unwrap() error     { return e.Err }
func (e *SchemaError) ErrorKind() string { return "schema" }
func (e *SchemaError) ErrorCode() string { return "conflict" }

type AICode string

const (
	AIUnauthorized      AICode = "unauthorized"
	AIRateLimited       AICode = "rate-limited"
	AINetwork           AICode = "network"
	AIMalformedResponse AICode = "malformed-response"
)

// AIServiceError wraps failures talking to the text-generation API.
type AIServiceError struct {
	Code   AICode
	Status int
	Err    error
}

func (e *AIServiceError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("ai service (%s, status %d): %v", e.Code, e.Status, e.Err)
	}
	return fmt.Sprintf("ai service (%s): %v", e.Code, e.Err)
}

func (e *AIServiceError) Unwrap() error     { return e.Err }
func (e *AIServiceError) ErrorKind() string { return "ai" }
func (e *AIServiceError) ErrorCode() string { return string(e.Code) }

// InputError reports a request the user has to correct before trying again.
type InputError struct {
	Err error
}

func (e *InputError) Error() string     { return e.Err.Error() }
func (e *InputError) Unwrap() error     { return e.Err }
func (e *InputError) ErrorKind() string { return "request" }
func (e *InputError) ErrorCode() string { return "invalid" }
