package validator

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/ternarybob/catalogd/internal/models"
)

const (
	// sampleRows is how many data rows get schema-checked up front
	sampleRows = 100
	// maxRowErrors caps row-level errors before validation halts
	maxRowErrors = 10
	// truncationMarker is appended when row errors are cut off
	truncationMarker = "... additional row errors truncated"
)

// Required and optional CSV columns
var (
	requiredHeaders = []string{"sku", "name"}
	optionalHeaders = map[string]bool{"description": true, "active": true}
)

// Result is the outcome of a pre-flight file validation
type Result struct {
	Valid       bool     `json:"valid"`
	Errors      []string `json:"errors,omitempty"`
	Warnings    []string `json:"warnings,omitempty"`
	TotalRows   int64    `json:"total_rows"`
	SampledRows int      `json:"sampled_rows"`
}

// CSVValidator checks uploaded catalog files before a job is created
type CSVValidator struct {
	maxBytes int64
}

// NewCSVValidator creates a validator with the given size limit
func NewCSVValidator(maxBytes int64) *CSVValidator {
	if maxBytes <= 0 {
		maxBytes = 100 << 20
	}
	return &CSVValidator{maxBytes: maxBytes}
}

// ParseBool coerces the accepted CSV spellings of a boolean,
// case-insensitively
func ParseBool(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "yes", "1", "t", "y":
		return true, nil
	case "false", "no", "0", "f", "n":
		return false, nil
	default:
		return false, fmt.Errorf("value %q is not a recognized boolean", value)
	}
}

// HeaderIndex maps normalized header names to their column position
func HeaderIndex(headers []string) map[string]int {
	idx := make(map[string]int, len(headers))
	for i, h := range headers {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	return idx
}

func field(record []string, idx map[string]int, name string) (string, bool) {
	pos, ok := idx[name]
	if !ok || pos >= len(record) {
		return "", false
	}
	return strings.TrimSpace(record[pos]), true
}

// RowToProduct converts one CSV record into a product candidate. An
// empty sku or name, or an uncoercible active value, is a row error.
// A missing active column defaults to true.
func RowToProduct(idx map[string]int, record []string) (models.ProductInput, error) {
	sku, _ := field(record, idx, "sku")
	if sku == "" {
		return models.ProductInput{}, fmt.Errorf("sku is empty")
	}
	name, _ := field(record, idx, "name")
	if name == "" {
		return models.ProductInput{}, fmt.Errorf("name is empty")
	}

	description, _ := field(record, idx, "description")

	active := true
	if raw, ok := field(record, idx, "active"); ok && raw != "" {
		parsed, err := ParseBool(raw)
		if err != nil {
			return models.ProductInput{}, fmt.Errorf("active: %v", err)
		}
		active = parsed
	}

	return models.ProductInput{
		SKU:         sku,
		Name:        name,
		Description: description,
		Active:      active,
	}, nil
}

func recordIsUTF8(record []string) bool {
	for _, f := range record {
		if !utf8.ValidString(f) {
			return false
		}
	}
	return true
}

// Validate runs the pre-flight checks on an uploaded file: extension,
// size, header shape, a schema sample of the first rows, and a full row
// count. Warnings never fail validation.
func (v *CSVValidator) Validate(path string) (*Result, error) {
	result := &Result{}

	if !strings.HasSuffix(strings.ToLower(path), ".csv") {
		result.Errors = append(result.Errors, "file must have a .csv extension")
		return result, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			result.Errors = append(result.Errors, "file does not exist")
			return result, nil
		}
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	if info.Size() > v.maxBytes {
		result.Errors = append(result.Errors,
			fmt.Sprintf("file size %d exceeds the %d byte limit", info.Size(), v.maxBytes))
		return result, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	headers, err := reader.Read()
	if err == io.EOF {
		result.Errors = append(result.Errors, "file has no header row")
		return result, nil
	}
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("failed to read header row: %v", err))
		return result, nil
	}
	if !recordIsUTF8(headers) {
		result.Errors = append(result.Errors, "file is not valid UTF-8")
		return result, nil
	}

	idx := HeaderIndex(headers)
	for _, required := range requiredHeaders {
		if _, ok := idx[required]; !ok {
			result.Errors = append(result.Errors, fmt.Sprintf("missing required header %q", required))
		}
	}
	for header := range idx {
		if header == "" {
			continue
		}
		known := optionalHeaders[header]
		for _, required := range requiredHeaders {
			if header == required {
				known = true
			}
		}
		if !known {
			result.Warnings = append(result.Warnings, fmt.Sprintf("Warning: unknown column %q will be ignored", header))
		}
	}
	if len(result.Errors) > 0 {
		return result, nil
	}

	rowErrors := 0
	truncated := false
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			result.Errors = append(result.Errors,
				fmt.Sprintf("row %d: failed to parse: %v", result.TotalRows+1, err))
			result.Valid = false
			return result, nil
		}

		result.TotalRows++

		// Every row is decoded, not just the schema sample
		if !recordIsUTF8(record) {
			result.Errors = append(result.Errors, "file is not valid UTF-8")
			return result, nil
		}

		if result.SampledRows >= sampleRows || truncated {
			// Remaining rows are read only to count them
			continue
		}
		result.SampledRows++

		if _, err := RowToProduct(idx, record); err != nil {
			rowErrors++
			if rowErrors > maxRowErrors {
				result.Errors = append(result.Errors, truncationMarker)
				truncated = true
				continue
			}
			result.Errors = append(result.Errors, fmt.Sprintf("row %d: %v", result.TotalRows, err))
		}
	}

	result.Valid = len(result.Errors) == 0
	return result, nil
}
