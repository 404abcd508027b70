// Package source streams rows out of tabular export files.
package source

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Kind is the declared kind of an uploaded export file.
type Kind string

const (
	KindAccount Kind = "account"
	KindVideo   Kind = "video"
	KindComment Kind = "comment"
)

// ErrUnsupportedKind is returned for any file kind other than the three
// known ones.
var ErrUnsupportedKind = errors.New("unsupported file kind")

// ErrUnsupportedEncoding is returned for unknown text encodings.
var ErrUnsupportedEncoding = errors.New("unsupported encoding")

// ParseKind validates a declared file kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindAccount, KindVideo, KindComment:
		return k, nil
	}
	return "", fmt.Errorf("%q: %w", s, ErrUnsupportedKind)
}

// Row is one record keyed by header name.
type Row struct {
	Source string
	Line   int
	fields map[string]string
}

// NewRow builds a row from a field map. Used by callers that already have
// decoded records, and by tests.
func NewRow(fields map[string]string) Row {
	return Row{fields: fields}
}

// Get returns the value of the first listed column present in the row.
func (r Row) Get(names ...string) string {
	for _, name := range names {
		if v, ok := r.fields[name]; ok {
			return v
		}
	}
	return ""
}

// Ref identifies the row for diagnostics.
func (r Row) Ref() string {
	return fmt.Sprintf("row:%s:%d", r.Source, r.Line)
}

// Decoder returns the byte decoder for a configured encoding name. A
// leading UTF-8 BOM is always honored and stripped.
func Decoder(name string) (*encoding.Decoder, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "utf-8", "utf8":
		return wrapBOM(unicode.UTF8.NewDecoder()), nil
	case "gb18030":
		return wrapBOM(simplifiedchinese.GB18030.NewDecoder()), nil
	case "gbk":
		return wrapBOM(simplifiedchinese.GBK.NewDecoder()), nil
	}
	return nil, fmt.Errorf("%q: %w", name, ErrUnsupportedEncoding)
}

func wrapBOM(d *encoding.Decoder) *encoding.Decoder {
	return &encoding.Decoder{Transformer: unicode.BOMOverride(d)}
}

// Reader streams rows from one CSV export.
type Reader struct {
	name   string
	csv    *csv.Reader
	header []string
	closer io.Closer
}

// Open opens a CSV file for streaming.
func Open(path, enc string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	r, err := NewReader(f, enc, path)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.closer = f
	return r, nil
}

// NewReader wraps an arbitrary stream and reads its header line.
func NewReader(in io.Reader, enc, name string) (*Reader, error) {
	dec, err := Decoder(enc)
	if err != nil {
		return nil, err
	}

	cr := csv.NewReader(transform.NewReader(in, dec))
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = false

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header of %s: %w", name, err)
	}
	for i, h := range header {
		header[i] = strings.TrimSpace(h)
	}

	return &Reader{name: name, csv: cr, header: header}, nil
}

// Header returns the trimmed column names.
func (r *Reader) Header() []string {
	return r.header
}

// Next returns the next row or io.EOF. A malformed record yields a
// *csv.ParseError and reading may continue.
func (r *Reader) Next() (Row, error) {
	record, err := r.csv.Read()
	if err != nil {
		row := Row{Source: r.name}
		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			row.Line = parseErr.StartLine
		}
		return row, err
	}
	line, _ := r.csv.FieldPos(0)

	fields := make(map[string]string, len(r.header))
	for i, h := range r.header {
		if i < len(record) {
			fields[h] = record[i]
		}
	}
	return Row{Source: r.name, Line: line, fields: fields}, nil
}

// Close releases the underlying file, if any.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

// Rows streams every row of every path in order. Malformed records are
// yielded with their parse error and iteration continues; any other error
// is yielded once and ends the sequence.
func Rows(paths []string, enc string) iter.Seq2[Row, error] {
	return func(yield func(Row, error) bool) {
		for _, path := range paths {
			r, err := Open(path, enc)
			if err != nil {
				yield(Row{Source: path}, err)
				return
			}
			if !drain(r, yield) {
				r.Close()
				return
			}
			r.Close()
		}
	}
}

func drain(r *Reader, yield func(Row, error) bool) bool {
	for {
		row, err := r.Next()
		if errors.Is(err, io.EOF) {
			return true
		}
		var parseErr *csv.ParseError
		if err != nil && !errors.As(err, &parseErr) {
			yield(row, fmt.Errorf("read %s: %w", r.name, err))
			return false
		}
		if !yield(row, err) {
			return false
		}
	}
}

// Malformed reports whether err is a single bad record that reading
// continued past.
func Malformed(err error) bool {
	var parseErr *csv.ParseError
	return errors.As(err, &parseErr)
}

// Valid drops malformed rows from a sequence, reporting each to onError.
func Valid(rows iter.Seq2[Row, error], onError func(Row, error)) iter.Seq[Row] {
	return func(yield func(Row) bool) {
		for row, err := range rows {
			if err != nil {
				if onError != nil {
					onError(row, err)
				}
				continue
			}
			if !yield(row) {
				return
			}
		}
	}
}
