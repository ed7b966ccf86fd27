// Package export writes order batches as spreadsheet files.
package export

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"backlogwatch/internal/domain"
)

const (
	FormatXLSX = "xlsx"
	FormatCSV  = "csv"

	SheetName = "Pedidos"
)

// ErrUnsupportedFormat is returned for formats other than xlsx and csv.
var ErrUnsupportedFormat = errors.New("unsupported export format")

// CheckFormat reports ErrUnsupportedFormat for anything but xlsx and csv.
func CheckFormat(format string) error {
	if format != FormatXLSX && format != FormatCSV {
		return fmt.Errorf("%w %q", ErrUnsupportedFormat, format)
	}
	return nil
}

// ContentType returns the MIME type for format.
func ContentType(format string) string {
	if format == FormatCSV {
		return "text/csv; charset=utf-8"
	}
	return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
}

var unsafeName = strings.NewReplacer("/", "_", "\\", "_", ":", "_", "*", "_", "?", "_", "\"", "_", "<", "_", ">", "_", "|", "_")

// FileName encodes the partition and 1-based row range:
// {prefix}_{partition}_{start}_to_{end}.{format}.
func FileName(prefix, partition string, start, end int, format string) string {
	if format != FormatCSV {
		format = FormatXLSX
	}
	name := unsafeName.Replace(strings.TrimSpace(partition))
	if prefix == "" {
		return fmt.Sprintf("%s_%d_to_%d.%s", name, start, end, format)
	}
	return fmt.Sprintf("%s_%s_%d_to_%d.%s", prefix, name, start, end, format)
}

// Write copies orders row for row with every original column in header order.
func Write(w io.Writer, format string, columns []string, orders []domain.Order) error {
	switch format {
	case FormatCSV:
		return writeCSV(w, columns, orders)
	case FormatXLSX, "":
		return writeXLSX(w, columns, orders)
	}
	return fmt.Errorf("%w %q", ErrUnsupportedFormat, format)
}

// Bytes is Write into a buffer.
func Bytes(format string, columns []string, orders []domain.Order) ([]byte, error) {
	var buf bytes.Buffer
	if err := Write(&buf, format, columns, orders); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func record(columns []string, o domain.Order) []string {
	rec := make([]string, len(columns))
	for i, c := range columns {
		rec[i] = o.Fields[c]
	}
	return rec
}

// cellValue turns plain numbers and ISO dates back into typed cells. Numbers
// with leading zeros or more than 15 digits stay text so keys are not mangled.
// dateOnly marks values that need a date number format.
func cellValue(v string) (value interface{}, dateOnly bool) {
	if plainNumber(v) {
		if !strings.Contains(v, ".") {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				return n, false
			}
		} else if n, err := strconv.ParseFloat(v, 64); err == nil {
			return n, false
		}
	}
	if len(v) == len(dateLayout) {
		if ts, err := time.Parse(dateLayout, v); err == nil {
			return ts, true
		}
	} else if len(v) == len(dateTimeLayout) {
		if ts, err := time.Parse(dateTimeLayout, v); err == nil {
			return ts, false
		}
	}
	return v, false
}

const (
	dateLayout     = "2006-01-02"
	dateTimeLayout = "2006-01-02 15:04:05"
)

func plainNumber(v string) bool {
	digits := strings.TrimPrefix(v, "-")
	intPart, frac, hasDot := strings.Cut(digits, ".")
	if intPart == "" || (hasDot && frac == "") {
		return false
	}
	if len(intPart) > 1 && intPart[0] == '0' {
		return false
	}
	if len(intPart)+len(frac) > 15 {
		return false
	}
	for _, r := range intPart + frac {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func writeCSV(w io.Writer, columns []string, orders []domain.Order) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(columns); err != nil {
		return err
	}
	for _, o := range orders {
		if err := cw.Write(record(columns, o)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func writeXLSX(w io.Writer, columns []string, orders []domain.Order) error {
	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName("Sheet1", SheetName); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	header := make([]interface{}, len(columns))
	for i, c := range columns {
		header[i] = c
	}
	if err := f.SetSheetRow(SheetName, "A1", &header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	dateStyle := -1
	for i, o := range orders {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		rec := record(columns, o)
		row := make([]interface{}, len(rec))
		var dates []int
		for j, v := range rec {
			var dateOnly bool
			row[j], dateOnly = cellValue(v)
			if dateOnly {
				dates = append(dates, j)
			}
		}
		if err := f.SetSheetRow(SheetName, cell, &row); err != nil {
			return fmt.Errorf("write row %d: %w", i+2, err)
		}
		if len(dates) > 0 && dateStyle < 0 {
			if dateStyle, err = f.NewStyle(&excelize.Style{NumFmt: 14}); err != nil {
				return fmt.Errorf("date style: %w", err)
			}
		}
		for _, j := range dates {
			ref, _ := excelize.CoordinatesToCellName(j+1, i+2)
			if err := f.SetCellStyle(SheetName, ref, ref, dateStyle); err != nil {
				return fmt.Errorf("style %s: %w", ref, err)
			}
		}
	}
	if err := f.Write(w); err != nil {
		return fmt.Errorf("write xlsx: %w", err)
	}
	return nil
}
