// Package export turns uploaded CSV files into XLSX workbooks.
package export

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"
)

// DefaultSheetName is used when a request leaves the sheet name blank.
const DefaultSheetName = "Export"

// ContentType is the media type of the generated workbooks.
const ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Excel worksheet limits.
const (
	MaxRows         = 1048576
	MaxColumns      = 16384
	maxSheetNameLen = 31
)

var (
	// ErrEmptySheet is returned for an upload with no records.
	ErrEmptySheet = errors.New("csv contains no rows")
	// ErrTooLarge is returned when the data exceeds a worksheet's limits.
	ErrTooLarge = errors.New("csv exceeds worksheet limits")
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// ParseCSV reads every record from r. Rows may have different lengths.
func ParseCSV(r io.Reader) ([][]string, error) {
	br := bufio.NewReader(r)
	if head, err := br.Peek(len(utf8BOM)); err == nil && bytes.Equal(head, utf8BOM) {
		_, _ = br.Discard(len(utf8BOM))
	}

	reader := csv.NewReader(br)
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = false

	var rows [][]string
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse csv: %w", err)
		}
		if len(rows) == MaxRows {
			return nil, fmt.Errorf("%w: more than %d rows", ErrTooLarge, MaxRows)
		}
		if len(record) > MaxColumns {
			return nil, fmt.Errorf("%w: row %d has %d columns", ErrTooLarge, len(rows)+1, len(record))
		}
		rows = append(rows, record)
	}
	if len(rows) == 0 {
		return nil, ErrEmptySheet
	}
	return rows, nil
}

// SanitizeSheetName maps name onto Excel's worksheet naming rules.
func SanitizeSheetName(name string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(name) {
		switch r {
		case '[', ']', ':', '*', '?', '/', '\\':
			b.WriteRune('_')
		default:
			if r < 0x20 {
				continue
			}
			b.WriteRune(r)
		}
	}
	out := strings.Trim(b.String(), "' ")
	if utf8.RuneCountInString(out) > maxSheetNameLen {
		out = strings.Trim(string([]rune(out)[:maxSheetNameLen]), "' ")
	}
	if out == "" || strings.EqualFold(out, "History") {
		return DefaultSheetName
	}
	return out
}

// BuildWorkbook renders rows into a single-sheet workbook. The first row is treated as
// a header and rendered bold; numeric cells are written as numbers.
func BuildWorkbook(sheet string, rows [][]string) ([]byte, error) {
	if len(rows) == 0 {
		return nil, ErrEmptySheet
	}
	name := SanitizeSheetName(sheet)

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName(f.GetSheetName(0), name); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}
	headerStyle, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return nil, fmt.Errorf("create header style: %w", err)
	}

	sw, err := f.NewStreamWriter(name)
	if err != nil {
		return nil, fmt.Errorf("open stream writer: %w", err)
	}
	for i, record := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return nil, fmt.Errorf("cell name for row %d: %w", i+1, err)
		}
		values := make([]any, len(record))
		for j, v := range record {
			if i == 0 {
				values[j] = excelize.Cell{StyleID: headerStyle, Value: v}
				continue
			}
			values[j] = cellValue(v)
		}
		if err := sw.SetRow(cell, values); err != nil {
			return nil, fmt.Errorf("write row %d: %w", i+1, err)
		}
	}
	if err := sw.Flush(); err != nil {
		return nil, fmt.Errorf("flush sheet: %w", err)
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

// cellValue converts plain decimal numbers to float64. Values with leading zeros
// (postal codes, account numbers) stay strings.
func cellValue(v string) any {
	s := strings.TrimSpace(v)
	if s == "" || s != v {
		return v
	}
	digits := strings.TrimPrefix(s, "-")
	if len(digits) > 1 && digits[0] == '0' && digits[1] != '.' {
		return v
	}
	for _, r := range digits {
		if (r < '0' || r > '9') && r != '.' {
			return v
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return v
	}
	return f
}
