package service

import (
	"bytes"
	"testing"
	"time"

	"sqlinx/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteCSV(t *testing.T) {
	res := &core.QueryResult{
		Columns: []core.Column{
			{Name: "name", Type: core.TypeString},
			{Name: "salary", Type: core.TypeFloat},
			{Name: "hired", Type: core.TypeDatetime},
			{Name: "note", Type: core.TypeString},
		},
		Rows: [][]any{
			{"Allen Kupoluyi", 75000.0, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), "likes, commas"},
			{"Charlie Bilal", 50000.5, nil, nil},
		},
		RowCount: 2,
	}

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, res))
	assert.Equal(t,
		"name,salary,hired,note\n"+
			"Allen Kupoluyi,75000,2024-01-02T03:04:05Z,\"likes, commas\"\n"+
			"Charlie Bilal,50000.5,,\n",
		buf.String())
}

func TestWriteCSV_HeaderOnly(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, &core.QueryResult{Columns: []core.Column{{Name: "b"}, {Name: "a"}}}))
	assert.Equal(t, "b,a\n", buf.String())
}

func TestWriteCSV_NoResult(t *testing.T) {
	assert.ErrorIs(t, WriteCSV(&bytes.Buffer{}, nil), core.ErrNoResult)
}
