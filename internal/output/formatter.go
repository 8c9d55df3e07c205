package output

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/mhmlab/mhm/internal/records"
)

// Formatter renders a value.
type Formatter interface {
	// Format returns the rendered value.
	Format(v interface{}) (string, error)

	// FormatToWriter writes the rendered value to w.
	FormatToWriter(w io.Writer, v interface{}) error
}

// Tabular is implemented by results that have a table form.
type Tabular interface {
	Table() *records.Table
}

// YAMLFormatter formats values as YAML.
type YAMLFormatter struct{}

// NewYAMLFormatter creates a new YAML formatter.
func NewYAMLFormatter() *YAMLFormatter {
	return &YAMLFormatter{}
}

// Format formats a value as YAML.
func (f *YAMLFormatter) Format(v interface{}) (string, error) {
	return render(f, v)
}

// FormatToWriter writes YAML output to a writer.
func (f *YAMLFormatter) FormatToWriter(w io.Writer, v interface{}) error {
	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)
	defer encoder.Close()

	return encoder.Encode(v)
}

// JSONFormatter formats values as JSON.
type JSONFormatter struct{}

// NewJSONFormatter creates a new JSON formatter.
func NewJSONFormatter() *JSONFormatter {
	return &JSONFormatter{}
}

// Format formats a value as JSON.
func (f *JSONFormatter) Format(v interface{}) (string, error) {
	return render(f, v)
}

// FormatToWriter writes JSON output to a writer.
func (f *JSONFormatter) FormatToWriter(w io.Writer, v interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")

	return encoder.Encode(v)
}

// CSVFormatter writes Tabular values and *records.Table as CSV. Anything else
// is written as YAML.
type CSVFormatter struct{}

// NewCSVFormatter creates a new CSV formatter.
func NewCSVFormatter() *CSVFormatter {
	return &CSVFormatter{}
}

// Format formats a value as CSV.
func (f *CSVFormatter) Format(v interface{}) (string, error) {
	return render(f, v)
}

// FormatToWriter writes CSV output to a writer.
func (f *CSVFormatter) FormatToWriter(w io.Writer, v interface{}) error {
	switch t := v.(type) {
	case *records.Table:
		return records.WritePlain(w, t)
	case Tabular:
		return records.WritePlain(w, t.Table())
	default:
		return NewYAMLFormatter().FormatToWriter(w, v)
	}
}

func render(f Formatter, v interface{}) (string, error) {
	var buf bytes.Buffer
	if err := f.FormatToWriter(&buf, v); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// GetFormatter returns the formatter for a format.
func GetFormatter(format Format) (Formatter, error) {
	switch format {
	case FormatYAML:
		return NewYAMLFormatter(), nil
	case FormatJSON:
		return NewJSONFormatter(), nil
	case FormatCSV:
		return NewCSVFormatter(), nil
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
}
