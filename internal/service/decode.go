package service

import (
	"bytes"
	"compress/bzip2"
	"compress/gzip"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"sqlinx/internal/core"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
	"github.com/xuri/excelize/v2"
)

// table is a decoded upload: a header and rows of raw cell values.
// CSV and XLSX cells are strings; JSON cells keep their JSON type
// (json.Number, bool, string, nil, or a re-encoded string for nested values).
type table struct {
	header []string
	rows   [][]any
	// ragged counts rows that had to be padded or cut to the header width.
	ragged int
}

// DetectFormat derives format and compression from a file name such as "sales.csv.gz".
func DetectFormat(name string) (core.FileFormat, core.Compression) {
	lower := strings.ToLower(name)

	comp := core.CompressionNone
	for _, c := range []core.Compression{core.CompressionGZ, core.CompressionBZ2, core.CompressionXZ, core.CompressionZSTD} {
		if strings.HasSuffix(lower, "."+string(c)) {
			comp = c
			lower = strings.TrimSuffix(lower, "."+string(c))
			break
		}
	}

	switch filepath.Ext(lower) {
	case ".csv", ".tsv", ".txt":
		return core.FormatCSV, comp
	case ".json", ".ndjson", ".jsonl":
		return core.FormatJSON, comp
	case ".xlsx":
		return core.FormatXLSX, comp
	}
	return "", comp
}

// TableNameFromFile derives a table name from an upload file name.
func TableNameFromFile(name string) string {
	base := filepath.Base(name)
	for {
		ext := filepath.Ext(base)
		if ext == "" {
			break
		}
		base = strings.TrimSuffix(base, ext)
	}
	return core.CleanIdentifier(base)
}

// decompress wraps r with a decompression reader when needed.
func decompress(r io.Reader, c core.Compression) (io.Reader, func() error, error) {
	switch c {
	case core.CompressionNone:
		return r, func() error { return nil }, nil

	case core.CompressionGZ:
		gzReader, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		return gzReader, gzReader.Close, nil

	case core.CompressionBZ2:
		return bzip2.NewReader(r), func() error { return nil }, nil

	case core.CompressionXZ:
		xzReader, err := xz.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create xz reader: %w", err)
		}
		return xzReader, func() error { return nil }, nil

	case core.CompressionZSTD:
		decoder, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create zstd reader: %w", err)
		}
		return decoder, func() error {
			decoder.Close()
			return nil
		}, nil
	}
	return nil, nil, fmt.Errorf("unsupported compression %q", c)
}

// decodeTable reads the whole upload into memory.
func decodeTable(r io.Reader, spec core.ConversionSpec) (*table, error) {
	format, comp := spec.Format, spec.Compression
	if format == "" || comp == core.CompressionNone {
		f, c := DetectFormat(spec.SourceName)
		if format == "" {
			format = f
		}
		if comp == core.CompressionNone {
			comp = c
		}
	}

	reader, closer, err := decompress(r, comp)
	if err != nil {
		return nil, &core.ParseError{Source: spec.SourceName, Err: err}
	}
	defer closer()

	var t *table
	switch format {
	case core.FormatCSV:
		t, err = decodeCSV(reader, strings.Contains(strings.ToLower(spec.SourceName), ".tsv"))
	case core.FormatJSON:
		t, err = decodeJSON(reader)
	case core.FormatXLSX:
		t, err = decodeXLSX(reader)
	default:
		err = core.ErrUnsupportedFormat
	}
	if err != nil {
		var pe *core.ParseError
		if errors.As(err, &pe) {
			pe.Source = spec.SourceName
			return nil, pe
		}
		return nil, &core.ParseError{Source: spec.SourceName, Err: err}
	}
	if len(t.rows) == 0 {
		return nil, &core.ParseError{Source: spec.SourceName, Err: core.ErrEmptyData}
	}
	return t, nil
}

func decodeCSV(r io.Reader, tabs bool) (*table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	if tabs {
		cr.Comma = '\t'
	}

	header, err := cr.Read()
	if err == io.EOF {
		return nil, core.ErrEmptyData
	}
	if err != nil {
		return nil, csvParseError(err)
	}
	header[0] = strings.TrimPrefix(header[0], "\ufeff")
	if allBlank(header) {
		return nil, &core.ParseError{Line: 1, Err: core.ErrNoHeader}
	}

	t := &table{header: header}
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, csvParseError(err)
		}
		if len(rec) == 1 && rec[0] == "" {
			continue
		}
		t.rows = append(t.rows, t.fit(stringCells(rec)))
	}
	return t, nil
}

func csvParseError(err error) error {
	var pe *csv.ParseError
	if errors.As(err, &pe) {
		return &core.ParseError{Line: pe.Line, Err: pe.Err}
	}
	return err
}

func decodeXLSX(r io.Reader) (*table, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, core.ErrEmptyData
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %s: %w", sheets[0], err)
	}
	if len(rows) == 0 {
		return nil, core.ErrEmptyData
	}
	if allBlank(rows[0]) {
		return nil, &core.ParseError{Line: 1, Err: core.ErrNoHeader}
	}

	t := &table{header: rows[0]}
	for _, row := range rows[1:] {
		if allBlank(row) {
			continue
		}
		// excelize trims trailing empty cells, so short rows are not ragged.
		cells := make([]any, len(t.header))
		for i := range cells {
			if i < len(row) {
				cells[i] = row[i]
			} else {
				cells[i] = ""
			}
		}
		if len(row) > len(t.header) {
			t.ragged++
		}
		t.rows = append(t.rows, cells)
	}
	return t, nil
}

// decodeJSON accepts an array of objects, newline-delimited objects, an object
// whose only key holds an array of objects (or one object), or a single object.
func decodeJSON(r io.Reader) (*table, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	raw = bytes.TrimPrefix(raw, []byte("\ufeff"))
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, core.ErrEmptyData
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var first json.RawMessage
	if err := dec.Decode(&first); err != nil {
		return nil, jsonParseError(raw, err)
	}

	var records []json.RawMessage
	switch firstByte(first) {
	case '[':
		if err := json.Unmarshal(first, &records); err != nil {
			return nil, jsonParseError(raw, err)
		}
	case '{':
		if dec.More() {
			records = append(records, first)
			for dec.More() {
				var next json.RawMessage
				if err := dec.Decode(&next); err != nil {
					return nil, jsonParseError(raw, err)
				}
				records = append(records, next)
			}
			break
		}
		records = []json.RawMessage{first}
		keys, vals, err := decodeObject(first)
		if err != nil {
			return nil, jsonParseError(raw, err)
		}
		if len(keys) == 1 {
			if inner, ok := vals[keys[0]].(json.RawMessage); ok {
				switch firstByte(inner) {
				case '[':
					if err := json.Unmarshal(inner, &records); err != nil {
						return nil, jsonParseError(raw, err)
					}
				case '{':
					records = []json.RawMessage{inner}
				}
			}
		}
	default:
		return nil, errors.New("JSON upload must be an object or an array of objects")
	}

	t := &table{}
	index := map[string]int{}
	objects := make([]map[string]any, 0, len(records))
	for i, rec := range records {
		if firstByte(rec) != '{' {
			return nil, fmt.Errorf("record %d is not an object", i+1)
		}
		keys, vals, err := decodeObject(rec)
		if err != nil {
			return nil, jsonParseError(raw, err)
		}
		for _, k := range keys {
			if _, ok := index[k]; !ok {
				index[k] = len(t.header)
				t.header = append(t.header, k)
			}
		}
		objects = append(objects, vals)
	}

	for _, obj := range objects {
		cells := make([]any, len(t.header))
		for k, v := range obj {
			cells[index[k]] = jsonCell(v)
		}
		t.rows = append(t.rows, cells)
	}
	return t, nil
}

// decodeObject decodes one JSON object keeping key order. Nested objects and
// arrays are returned as json.RawMessage.
func decodeObject(raw json.RawMessage) ([]string, map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	if _, err := dec.Token(); err != nil {
		return nil, nil, err
	}
	var keys []string
	vals := map[string]any{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, nil, fmt.Errorf("unexpected token %v", tok)
		}
		var v json.RawMessage
		if err := dec.Decode(&v); err != nil {
			return nil, nil, err
		}
		if _, seen := vals[key]; !seen {
			keys = append(keys, key)
		}
		vals[key], err = scalar(v)
		if err != nil {
			return nil, nil, err
		}
	}
	return keys, vals, nil
}

func scalar(v json.RawMessage) (any, error) {
	switch firstByte(v) {
	case '{', '[':
		return v, nil
	}
	var out any
	dec := json.NewDecoder(bytes.NewReader(v))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func jsonCell(v any) any {
	if raw, ok := v.(json.RawMessage); ok {
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err == nil {
			return buf.String()
		}
		return string(raw)
	}
	return v
}

func jsonParseError(raw []byte, err error) error {
	var se *json.SyntaxError
	if errors.As(err, &se) {
		return &core.ParseError{Line: 1 + bytes.Count(raw[:min(int(se.Offset), len(raw))], []byte("\n")), Err: err}
	}
	return err
}

func firstByte(raw []byte) byte {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0
	}
	return raw[0]
}

// fit pads or cuts a row to the header width.
func (t *table) fit(cells []any) []any {
	if len(cells) == len(t.header) {
		return cells
	}
	t.ragged++
	out := make([]any, len(t.header))
	for i := range out {
		if i < len(cells) {
			out[i] = cells[i]
		} else {
			out[i] = ""
		}
	}
	return out
}

func stringCells(rec []string) []any {
	cells := make([]any, len(rec))
	for i, v := range rec {
		cells[i] = v
	}
	return cells
}

func allBlank(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
