package pipeline

import (
	"bufio"
	"fmt"
	"io"

	"github.com/locomote-sh/content-server/internal/record"
)

// RecordTransform maps one record to its replacement, or to nil to drop
// it from the stream.
type RecordTransform func(vars Vars, rec *record.FileRecord) (*record.FileRecord, error)

// TransformRecords builds a stage body that reads JSON-line records from
// in, applies fn to each, and writes the survivors to out.
func TransformRecords(fn RecordTransform) StageFunc {
	return func(vars Vars, out io.Writer, in io.Reader) error {
		w := record.NewWriter(out)
		err := record.NewReader(in).Each(func(rec *record.FileRecord) error {
			mapped, err := fn(vars, rec)
			if err != nil {
				return err
			}
			if mapped == nil {
				return nil
			}
			return w.Write(mapped)
		})
		if err != nil {
			return err
		}
		return w.Flush()
	}
}

// LineTransform maps one text line to its replacement; keep=false drops
// the line.
type LineTransform func(vars Vars, line string) (out string, keep bool, err error)

// TransformLines builds a stage body that applies fn line by line.
func TransformLines(fn LineTransform) StageFunc {
	return func(vars Vars, out io.Writer, in io.Reader) error {
		w := bufio.NewWriter(out)
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for sc.Scan() {
			mapped, keep, err := fn(vars, sc.Text())
			if err != nil {
				return err
			}
			if !keep {
				continue
			}
			if _, err := w.WriteString(mapped); err != nil {
				return err
			}
			if err := w.WriteByte('\n'); err != nil {
				return err
			}
		}
		if err := sc.Err(); err != nil {
			return fmt.Errorf("scan lines: %w", err)
		}
		return w.Flush()
	}
}
