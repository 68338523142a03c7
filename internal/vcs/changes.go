package vcs

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/utils/merkletrie"
)

// Change statuses as they appear on the wire format of ListChanges.
const (
	StatusAdded    = 'A'
	StatusModified = 'M'
	StatusDeleted  = 'D'
	StatusRenamed  = 'R'
)

// ListChanges writes one "<status>\t<path>" line per change between since
// and commit to w. Renames are written as "R<score>\t<old>\t<new>";
// consumers must treat them as a delete of the old path plus an add of
// the new one.
func ListChanges(ctx context.Context, repoPath, commit, since string, w io.Writer) error {
	repo, err := open(repoPath)
	if err != nil {
		return err
	}
	from, err := resolveCommit(repo, since)
	if err != nil {
		return err
	}
	to, err := resolveCommit(repo, commit)
	if err != nil {
		return err
	}
	fromTree, err := from.Tree()
	if err != nil {
		return fmt.Errorf("read tree of %s: %w", since, err)
	}
	toTree, err := to.Tree()
	if err != nil {
		return fmt.Errorf("read tree of %s: %w", commit, err)
	}

	changes, err := object.DiffTreeWithOptions(ctx, fromTree, toTree,
		&object.DiffTreeOptions{DetectRenames: true})
	if err != nil {
		return fmt.Errorf("diff %s..%s: %w", since, commit, err)
	}

	for _, ch := range changes {
		action, err := ch.Action()
		if err != nil {
			return fmt.Errorf("change action: %w", err)
		}
		switch {
		case action == merkletrie.Modify && ch.From.Name != ch.To.Name:
			_, err = fmt.Fprintf(w, "R100\t%s\t%s\n", ch.From.Name, ch.To.Name)
		case action == merkletrie.Insert:
			_, err = fmt.Fprintf(w, "%c\t%s\n", StatusAdded, ch.To.Name)
		case action == merkletrie.Delete:
			_, err = fmt.Fprintf(w, "%c\t%s\n", StatusDeleted, ch.From.Name)
		default:
			_, err = fmt.Fprintf(w, "%c\t%s\n", StatusModified, ch.To.Name)
		}
		if err != nil {
			return fmt.Errorf("write change line: %w", err)
		}
	}
	return nil
}

// ChangeItem is one side of a parsed change line: a path and whether it
// is live at the target commit.
type ChangeItem struct {
	Path   string
	Active bool
}

// ParseChangeLine parses one line of the ListChanges wire format into its
// items. A rename yields two items (old inactive, new active). Statuses
// outside the known set are treated as modifications: the path is live.
func ParseChangeLine(line string) ([]ChangeItem, error) {
	line = strings.TrimRight(line, "\n")
	if line == "" {
		return nil, nil
	}
	fields := strings.Split(line, "\t")
	if len(fields) < 2 {
		return nil, fmt.Errorf("malformed change line %q", line)
	}
	status := fields[0]
	switch {
	case strings.HasPrefix(status, "R"), strings.HasPrefix(status, "C"):
		// Copies keep the source; only renames drop it. Both carry two
		// paths.
		if len(fields) < 3 {
			return nil, fmt.Errorf("malformed rename line %q", line)
		}
		src := UnquotePath(fields[1])
		dst := UnquotePath(fields[2])
		if strings.HasPrefix(status, "C") {
			return []ChangeItem{{Path: dst, Active: true}}, nil
		}
		return []ChangeItem{{Path: src, Active: false}, {Path: dst, Active: true}}, nil
	case status == "D":
		return []ChangeItem{{Path: UnquotePath(fields[1]), Active: false}}, nil
	default:
		return []ChangeItem{{Path: UnquotePath(fields[1]), Active: true}}, nil
	}
}
