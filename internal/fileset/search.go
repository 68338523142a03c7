package fileset

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"golang.org/x/net/html"

	"github.com/locomote-sh/content-server/internal/record"
)

// SearchRecord is the unit the search indexer stores: the plain text of
// a document plus enough identity to build result rows.
type SearchRecord struct {
	ID       string
	Path     string
	Title    string
	Content  string
	Category string
	Deleted  bool
}

var markdown = goldmark.New()

// MakeSearchRecord extracts the indexable text for a record. Deleted
// records yield a tombstone so the indexer can prune. Markdown is
// rendered and HTML is stripped to text; anything else is indexed as-is
// when it is valid UTF-8, and skipped (nil) otherwise.
func (f *Fileset) MakeSearchRecord(src Source, version string, rec *record.FileRecord) (*SearchRecord, error) {
	sr := &SearchRecord{
		ID:       rec.Path,
		Path:     rec.Path,
		Category: f.Category,
	}
	if rec.Deleted() {
		sr.Deleted = true
		return sr, nil
	}

	data, err := src.ReadFile(version, rec.Path)
	if err != nil {
		return nil, err
	}
	switch {
	case strings.HasSuffix(rec.Path, ".md"):
		var buf bytes.Buffer
		if err := markdown.Convert(data, &buf); err != nil {
			return nil, fmt.Errorf("render %s: %w", rec.Path, err)
		}
		title, text, err := extractText(&buf)
		if err != nil {
			return nil, err
		}
		sr.Title, sr.Content = title, text
	case strings.HasSuffix(rec.Path, ".html"):
		title, text, err := extractText(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		sr.Title, sr.Content = title, text
		if rec.Page != nil && rec.Page.Title != "" {
			sr.Title = rec.Page.Title
		}
	default:
		if !utf8.Valid(data) {
			return nil, nil
		}
		sr.Content = string(data)
	}
	return sr, nil
}

// extractText flattens an HTML document to whitespace-separated text.
// The first heading or title encountered becomes the title.
func extractText(r io.Reader) (title, text string, err error) {
	var b strings.Builder
	z := html.NewTokenizer(r)
	skip := 0
	capture := ""
	for {
		switch z.Next() {
		case html.ErrorToken:
			if z.Err() == io.EOF {
				return title, strings.Join(strings.Fields(b.String()), " "), nil
			}
			return "", "", fmt.Errorf("extract text: %w", z.Err())
		case html.StartTagToken:
			tag := z.Token().Data
			switch tag {
			case "script", "style":
				skip++
			case "title", "h1":
				if title == "" {
					capture = tag
				}
			}
		case html.EndTagToken:
			tag := z.Token().Data
			switch tag {
			case "script", "style":
				if skip > 0 {
					skip--
				}
			case capture:
				capture = ""
			}
		case html.TextToken:
			if skip > 0 {
				continue
			}
			t := string(z.Text())
			if capture != "" && strings.TrimSpace(t) != "" {
				title = strings.TrimSpace(t)
				capture = ""
			}
			b.WriteString(t)
			b.WriteByte(' ')
		}
	}
}
