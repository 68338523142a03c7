package fileset

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"

	"github.com/locomote-sh/content-server/internal/record"
)

// ParsePage extracts the title and meta name/content pairs from an HTML
// document. The meta entry named "type" doubles as the page type.
func ParsePage(r io.Reader) (*record.Page, error) {
	page := &record.Page{}
	z := html.NewTokenizer(r)
	inTitle := false
	for {
		switch z.Next() {
		case html.ErrorToken:
			if z.Err() == io.EOF {
				return page, nil
			}
			return nil, fmt.Errorf("parse html: %w", z.Err())
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			switch tok.Data {
			case "title":
				inTitle = true
			case "meta":
				var name, content string
				for _, a := range tok.Attr {
					switch a.Key {
					case "name":
						name = a.Val
					case "content":
						content = a.Val
					}
				}
				if name != "" {
					if page.Meta == nil {
						page.Meta = make(map[string]string)
					}
					page.Meta[name] = content
					if name == "type" {
						page.Type = content
					}
				}
			case "body":
				// The head is over; nothing below contributes metadata.
				return page, nil
			}
		case html.EndTagToken:
			if z.Token().Data == "title" {
				inTitle = false
			}
		case html.TextToken:
			if inTitle {
				page.Title += strings.TrimSpace(string(z.Text()))
			}
		}
	}
}

// RewriteLinks copies an HTML document from r to w, prepending basePath
// to every absolute src and href attribute. The copy is streaming: each
// token is emitted as soon as it is read, so arbitrarily large documents
// pass through in constant memory.
func RewriteLinks(basePath string, w io.Writer, r io.Reader) error {
	prefix := strings.TrimSuffix(basePath, "/")
	z := html.NewTokenizer(r)
	for {
		switch z.Next() {
		case html.ErrorToken:
			if z.Err() == io.EOF {
				return nil
			}
			return fmt.Errorf("rewrite html: %w", z.Err())
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			changed := false
			for i, a := range tok.Attr {
				if (a.Key == "src" || a.Key == "href") && isAbsolutePath(a.Val) {
					tok.Attr[i].Val = prefix + a.Val
					changed = true
				}
			}
			if changed {
				if _, err := io.WriteString(w, tok.String()); err != nil {
					return err
				}
				continue
			}
			if _, err := w.Write(z.Raw()); err != nil {
				return err
			}
		default:
			if _, err := w.Write(z.Raw()); err != nil {
				return err
			}
		}
	}
}

// isAbsolutePath reports whether val is a site-absolute reference:
// starting with a single "/" but not "//" (protocol-relative).
func isAbsolutePath(val string) bool {
	return strings.HasPrefix(val, "/") && !strings.HasPrefix(val, "//")
}
