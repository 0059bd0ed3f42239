// Package web holds the HTML templates and static assets of the workbench UI.
package web

import "embed"

//go:embed templates/*.html static/*
var FS embed.FS
