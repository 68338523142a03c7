package record

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// Writer emits records as JSON lines.
type Writer struct {
	w   *bufio.Writer
	enc *json.Encoder
}

// NewWriter wraps w for JSONL output.
func NewWriter(w io.Writer) *Writer {
	bw := bufio.NewWriter(w)
	return &Writer{w: bw, enc: json.NewEncoder(bw)}
}

// Write appends one record line. json.Encoder terminates each value with
// a newline, which is exactly the JSONL framing.
func (w *Writer) Write(r *FileRecord) error {
	if err := w.enc.Encode(r); err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	return nil
}

// Flush flushes buffered output.
func (w *Writer) Flush() error { return w.w.Flush() }

// Reader iterates records from a JSONL stream.
type Reader struct {
	scanner *bufio.Scanner
}

// NewReader wraps r for JSONL input. Lines up to 4 MiB are accepted;
// json-parse records can embed sizeable documents.
func NewReader(r io.Reader) *Reader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), 4*1024*1024)
	return &Reader{scanner: s}
}

// Next returns the next record, or io.EOF when the stream is exhausted.
func (r *Reader) Next() (*FileRecord, error) {
	for r.scanner.Scan() {
		line := r.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec FileRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("decode record line: %w", err)
		}
		return &rec, nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, fmt.Errorf("read record stream: %w", err)
	}
	return nil, io.EOF
}

// Each invokes fn for every record. fn may return io.EOF to stop early.
func (r *Reader) Each(fn func(*FileRecord) error) error {
	for {
		rec, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}
