// Package records reads and writes the gzip-compressed CSV tables that carry
// every raw and merged data file.
package records

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// DecodeError reports a file that could not be decompressed or parsed.
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Table is a header plus rows. Every row has exactly len(Header) cells.
type Table struct {
	Header []string
	Rows   [][]string
}

// Column returns the index of name in the header, or -1.
func (t *Table) Column(name string) int {
	for i, h := range t.Header {
		if h == name {
			return i
		}
	}
	return -1
}

// HasColumn reports whether the header contains name.
func (t *Table) HasColumn(name string) bool {
	return t.Column(name) >= 0
}

// Value returns the cell of row under column name, or "" if the column is absent.
func (t *Table) Value(row []string, name string) string {
	i := t.Column(name)
	if i < 0 || i >= len(row) {
		return ""
	}
	return row[i]
}

// Len returns the number of rows.
func (t *Table) Len() int {
	return len(t.Rows)
}

// ReadFile decodes a gzip CSV file. Any failure is a *DecodeError.
func ReadFile(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}
	defer f.Close()

	t, err := Read(f)
	if err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}
	return t, nil
}

// Read decodes a gzip CSV stream. An empty CSV body yields an empty table.
func Read(r io.Reader) (*Table, error) {
	zr, err := gzip.NewReader(bufio.NewReader(r))
	if err != nil {
		return nil, fmt.Errorf("gzip header: %w", err)
	}
	defer zr.Close()

	cr := csv.NewReader(zr)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return &Table{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("csv header: %w", err)
	}
	header = stripBOM(header)

	t := &Table{Header: header}
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("csv row %d: %w", len(t.Rows)+1, err)
		}
		if len(rec) > len(header) {
			return nil, fmt.Errorf("csv row %d: %d fields, header has %d", len(t.Rows)+1, len(rec), len(header))
		}
		for len(rec) < len(header) {
			rec = append(rec, "")
		}
		t.Rows = append(t.Rows, rec)
	}
	return t, nil
}

func stripBOM(header []string) []string {
	if len(header) > 0 && len(header[0]) >= 3 && header[0][:3] == "\xef\xbb\xbf" {
		header[0] = header[0][3:]
	}
	return header
}

// Write encodes t as gzip CSV. The gzip header carries no name and a zero
// modification time, so equal tables always produce equal bytes.
func Write(w io.Writer, t *Table) error {
	zw, err := gzip.NewWriterLevel(w, gzip.DefaultCompression)
	if err != nil {
		return err
	}
	if err := writeCSV(zw, t); err != nil {
		return err
	}
	return zw.Close()
}

// writeCSV writes the header and rows. encoding/csv writes a record holding a
// single empty field as a blank line, which readers skip, so such records are
// written as a quoted empty field instead.
func writeCSV(w io.Writer, t *Table) error {
	cw := csv.NewWriter(w)
	write := func(rec []string) error {
		if len(rec) != 1 || rec[0] != "" {
			return cw.Write(rec)
		}
		cw.Flush()
		if err := cw.Error(); err != nil {
			return err
		}
		_, err := io.WriteString(w, "\"\"\n")
		return err
	}
	if len(t.Header) > 0 {
		if err := write(t.Header); err != nil {
			return err
		}
	}
	for _, row := range t.Rows {
		if err := write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteFileAtomic writes t to a temp file in the target directory and renames
// it into place. Readers never observe a partially written file.
func WriteFileAtomic(path string, t *Table) error {
	return writeAtomic(path, func(w io.Writer) error {
		return Write(w, t)
	})
}

// WritePlain encodes t as uncompressed CSV.
func WritePlain(w io.Writer, t *Table) error {
	return writeCSV(w, t)
}

// WriteReport writes t atomically, compressed when path ends in ".gz" and
// plain CSV otherwise.
func WriteReport(path string, t *Table) error {
	if strings.HasSuffix(path, ".gz") {
		return WriteFileAtomic(path, t)
	}
	return writeAtomic(path, func(w io.Writer) error {
		return WritePlain(w, t)
	})
}

// WriteBytesAtomic is WriteFileAtomic for pre-encoded content.
func WriteBytesAtomic(path string, data []byte) error {
	return writeAtomic(path, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

func writeAtomic(path string, fill func(io.Writer) error) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	bw := bufio.NewWriter(tmp)
	if err = fill(bw); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err = bw.Flush(); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", path, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err = os.Chmod(tmp.Name(), 0644); err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename into %s: %w", path, err)
	}
	return nil
}
