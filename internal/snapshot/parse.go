package snapshot

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"backlogwatch/internal/domain"
)

// Columns names the header cells that carry the order attributes.
type Columns struct {
	Key       string
	Status    string
	Partition string
	Rank      string
}

// Format reports "csv" for .csv/.txt names and "xlsx" otherwise.
func Format(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv", ".txt":
		return "csv"
	}
	return "xlsx"
}

// ReadTable decodes the first sheet (xlsx) or the whole file (csv) into a header and rows.
func ReadTable(format string, data []byte) ([]string, [][]string, error) {
	var rows [][]string
	switch format {
	case "csv":
		r := csv.NewReader(bytes.NewReader(data))
		r.FieldsPerRecord = -1
		r.LazyQuotes = true
		if sep := sniffSeparator(data); sep != ',' {
			r.Comma = sep
		}
		for {
			rec, err := r.Read()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, nil, fmt.Errorf("read csv: %w", err)
			}
			rows = append(rows, rec)
		}
	case "xlsx":
		f, err := excelize.OpenReader(bytes.NewReader(data))
		if err != nil {
			return nil, nil, fmt.Errorf("open xlsx: %w", err)
		}
		defer f.Close()
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, nil, nil
		}
		rows, err = readSheet(f, sheets[0])
		if err != nil {
			return nil, nil, fmt.Errorf("read sheet %s: %w", sheets[0], err)
		}
	default:
		return nil, nil, fmt.Errorf("unsupported format %q", format)
	}
	if len(rows) == 0 {
		return nil, nil, nil
	}
	header := make([]string, len(rows[0]))
	for i, h := range rows[0] {
		header[i] = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
	}
	return header, rows[1:], nil
}

// readSheet returns cell text with numeric cells unformatted. Date-styled cells
// come back as ISO dates ("2006-01-02" or "2006-01-02 15:04:05").
func readSheet(f *excelize.File, sheet string) ([][]string, error) {
	shown, err := f.GetRows(sheet)
	if err != nil {
		return nil, err
	}
	raw, err := f.GetRows(sheet, excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, err
	}
	dated := map[int]bool{}
	for r, row := range shown {
		for c, v := range row {
			if r >= len(raw) || c >= len(raw[r]) || raw[r][c] == v {
				continue
			}
			serial, err := strconv.ParseFloat(raw[r][c], 64)
			if err != nil {
				continue
			}
			row[c] = raw[r][c]
			cell, err := excelize.CoordinatesToCellName(c+1, r+1)
			if err != nil {
				continue
			}
			idx, err := f.GetCellStyle(sheet, cell)
			if err != nil {
				continue
			}
			isDate, ok := dated[idx]
			if !ok {
				isDate = dateStyle(f, idx)
				dated[idx] = isDate
			}
			if isDate {
				if iso, ok := serialDate(serial); ok {
					row[c] = iso
				}
			}
		}
	}
	return shown, nil
}

func dateStyle(f *excelize.File, idx int) bool {
	style, err := f.GetStyle(idx)
	if err != nil || style == nil {
		return false
	}
	if style.CustomNumFmt != nil {
		return dateCode(*style.CustomNumFmt)
	}
	n := style.NumFmt
	return (n >= 14 && n <= 22) || (n >= 45 && n <= 47)
}

// dateCode reports whether a custom number format renders a date or time.
// Quoted literals and bracketed sections ([Red], [$-416]) are ignored.
func dateCode(code string) bool {
	var b strings.Builder
	quoted, bracket := false, false
	for _, r := range strings.ToLower(code) {
		switch {
		case r == '"':
			quoted = !quoted
		case quoted:
		case r == '[':
			bracket = true
		case r == ']':
			bracket = false
		case bracket:
		default:
			b.WriteRune(r)
		}
	}
	plain := b.String()
	if plain == "general" {
		return false
	}
	return strings.ContainsAny(plain, "ydmhs")
}

func serialDate(v float64) (string, bool) {
	ts, err := excelize.ExcelDateToTime(v, false)
	if err != nil {
		return "", false
	}
	ts = ts.Round(time.Second)
	if v == math.Trunc(v) {
		return ts.Format("2006-01-02"), true
	}
	return ts.Format("2006-01-02 15:04:05"), true
}

// sniffSeparator picks ';' when the header line has more semicolons than commas.
func sniffSeparator(data []byte) rune {
	line := data
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		line = data[:i]
	}
	if bytes.Count(line, []byte{';'}) > bytes.Count(line, []byte{','}) {
		return ';'
	}
	return ','
}

// Build turns a decoded table into a snapshot with normalized, unique order keys.
// Duplicate keys are resolved last-seen-wins; the surviving record keeps the
// position of the first occurrence.
//
// Repeated header names are made unique first (see UniqueHeader).
func Build(key string, header []string, rows [][]string, cols Columns) domain.Snapshot {
	header, _ = UniqueHeader(header)
	snap := domain.Snapshot{Key: key, Columns: header}
	hasKey := snap.HasColumn(cols.Key)
	seen := map[string]int{}
	pos := 0
	for _, row := range rows {
		if blank(row) {
			continue
		}
		fields := make(map[string]string, len(header))
		for i, h := range header {
			if h == "" {
				continue
			}
			if i < len(row) {
				fields[h] = strings.TrimSpace(row[i])
			} else {
				fields[h] = ""
			}
		}
		o := domain.Order{
			Key:       domain.NormalizeKey(fields[cols.Key]),
			Status:    fields[cols.Status],
			Partition: fields[cols.Partition],
			Position:  pos,
			Fields:    fields,
		}
		if cols.Rank != "" {
			if v, err := strconv.ParseFloat(strings.Replace(fields[cols.Rank], ",", ".", 1), 64); err == nil {
				o.Rank = &v
			}
		}
		if hasKey {
			if o.Key == "" {
				continue
			}
			if idx, dup := seen[o.Key]; dup {
				o.Position = snap.Orders[idx].Position
				snap.Orders[idx] = o
				snap.Duplicates++
				continue
			}
			seen[o.Key] = len(snap.Orders)
		}
		snap.Orders = append(snap.Orders, o)
		pos++
	}
	return snap
}

// UniqueHeader renames repeated column names to name.1, name.2, ... so every
// column keeps its own values. It returns the new header and how many were renamed.
func UniqueHeader(header []string) ([]string, int) {
	taken := make(map[string]bool, len(header))
	for _, h := range header {
		taken[h] = true
	}
	seen := make(map[string]int, len(header))
	out := make([]string, len(header))
	renamed := 0
	for i, h := range header {
		out[i] = h
		if h == "" {
			continue
		}
		n := seen[h]
		seen[h] = n + 1
		if n == 0 {
			continue
		}
		name := fmt.Sprintf("%s.%d", h, n)
		for taken[name] {
			n++
			name = fmt.Sprintf("%s.%d", h, n)
		}
		taken[name] = true
		out[i] = name
		renamed++
	}
	return out, renamed
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
