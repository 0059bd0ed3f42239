package service

import (
	"encoding/base64"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"sqlinx/internal/core"
)

// WriteCSV writes the header in result column order, then one record per row.
// NULL becomes an empty field.
func WriteCSV(w io.Writer, r *core.QueryResult) error {
	if r == nil {
		return core.ErrNoResult
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(r.ColumnNames()); err != nil {
		return err
	}

	record := make([]string, len(r.Columns))
	for _, row := range r.Rows {
		for i := range record {
			record[i] = formatCSVValue(row[i])
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatCSVValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return base64.StdEncoding.EncodeToString(x)
	case time.Time:
		return x.Format(time.RFC3339)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case bool:
		return strconv.FormatBool(x)
	}
	return fmt.Sprint(v)
}

// ExportFileName returns the download name for a result exported at now.
func ExportFileName(now time.Time) string {
	return "query_results_" + now.Format("20060102_150405") + ".csv"
}
