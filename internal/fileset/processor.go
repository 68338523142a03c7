package fileset

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/locomote-sh/content-server/internal/record"
	"github.com/locomote-sh/content-server/internal/vcs"
)

// Source reads file contents at a version. It abstracts the VCR so
// processors can be exercised without a repository fixture.
type Source interface {
	ReadFile(version, path string) ([]byte, error)
	PipeFile(version, path string, w io.Writer) error
}

// RepoSource is a Source backed by a bare repository on disk.
type RepoSource string

func (r RepoSource) ReadFile(version, path string) ([]byte, error) {
	return vcs.ReadFileAtCommit(string(r), version, path)
}

func (r RepoSource) PipeFile(version, path string, w io.Writer) error {
	return vcs.PipeFileAtCommit(string(r), version, path, w)
}

// Processor produces records and content streams for one fileset kind.
type Processor interface {
	// enrich adds processor-specific fields to a published record.
	enrich(src Source, version string, rec *record.FileRecord) error
	// pipe streams the file's contents, applying any content transform.
	pipe(src Source, basePath, version, path string, w io.Writer) error
}

func newProcessor(name string) (Processor, error) {
	switch name {
	case ProcessorRaw:
		return rawProcessor{}, nil
	case ProcessorHTMLRewrite:
		return htmlProcessor{}, nil
	case ProcessorJSONParse:
		return jsonProcessor{}, nil
	default:
		return nil, fmt.Errorf("unknown processor %q", name)
	}
}

// MakeFileRecord builds the record for path. version is the tree the
// contents are read from; commit is the change the record reports.
// Inactive paths produce a bare deleted record with no processor fields.
func (f *Fileset) MakeFileRecord(src Source, version, path, commit string, active bool) (*record.FileRecord, error) {
	rec := &record.FileRecord{
		Path:     path,
		Category: f.Category,
		Commit:   commit,
	}
	if !active {
		rec.Status = record.StatusDeleted
		return rec, nil
	}
	rec.Status = record.StatusPublished
	if err := f.processor.enrich(src, version, rec); err != nil {
		return nil, fmt.Errorf("process %s: %w", path, err)
	}
	return rec, nil
}

// PipeContents streams the file at version to w through the fileset's
// content transform.
func (f *Fileset) PipeContents(src Source, basePath, version, path string, w io.Writer) error {
	return f.processor.pipe(src, basePath, version, path, w)
}

// rawProcessor serves bytes as-is and adds nothing to records.
type rawProcessor struct{}

func (rawProcessor) enrich(Source, string, *record.FileRecord) error { return nil }

func (rawProcessor) pipe(src Source, _, version, path string, w io.Writer) error {
	return src.PipeFile(version, path, w)
}

// htmlProcessor parses page metadata into records and relocates absolute
// links when piping HTML documents.
type htmlProcessor struct{}

func (htmlProcessor) enrich(src Source, version string, rec *record.FileRecord) error {
	if !strings.HasSuffix(rec.Path, ".html") {
		return nil
	}
	data, err := src.ReadFile(version, rec.Path)
	if err != nil {
		return err
	}
	page, err := ParsePage(strings.NewReader(string(data)))
	if err != nil {
		return err
	}
	rec.Page = page
	return nil
}

func (htmlProcessor) pipe(src Source, basePath, version, path string, w io.Writer) error {
	if basePath == "" || !strings.HasSuffix(path, ".html") {
		return src.PipeFile(version, path, w)
	}
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(src.PipeFile(version, path, pw))
	}()
	defer pr.Close()
	return RewriteLinks(basePath, w, pr)
}

// jsonProcessor embeds the parsed document in the record's data field.
type jsonProcessor struct{}

func (jsonProcessor) enrich(src Source, version string, rec *record.FileRecord) error {
	data, err := src.ReadFile(version, rec.Path)
	if err != nil {
		return err
	}
	if !json.Valid(data) {
		return fmt.Errorf("%s: invalid JSON", rec.Path)
	}
	rec.Data = json.RawMessage(data)
	return nil
}

func (jsonProcessor) pipe(src Source, _, version, path string, w io.Writer) error {
	return src.PipeFile(version, path, w)
}
