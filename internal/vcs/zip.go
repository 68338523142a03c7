package vcs

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"

	"github.com/go-git/go-git/v5/plumbing/object"
)

// ZipFilesAtCommit writes a ZIP archive of the given paths at commit to
// w. The archive is deterministic: entries appear in input order and
// every entry is stamped with the commit time, so the bytes of the
// artifact depend only on (commit, paths) and cached archives stay valid.
// Paths missing at the commit are skipped.
func ZipFilesAtCommit(repoPath, commit string, paths []string, w io.Writer) error {
	repo, err := open(repoPath)
	if err != nil {
		return err
	}
	c, err := resolveCommit(repo, commit)
	if err != nil {
		return err
	}

	zw := zip.NewWriter(w)
	for _, path := range paths {
		f, err := c.File(path)
		if err != nil {
			if errors.Is(err, object.ErrFileNotFound) {
				continue
			}
			return fmt.Errorf("lookup %s at %s: %w", path, commit, err)
		}
		hdr := &zip.FileHeader{
			Name:     path,
			Method:   zip.Deflate,
			Modified: c.Committer.When,
		}
		entry, err := zw.CreateHeader(hdr)
		if err != nil {
			return fmt.Errorf("create zip entry %s: %w", path, err)
		}
		r, err := f.Reader()
		if err != nil {
			return fmt.Errorf("open %s at %s: %w", path, commit, err)
		}
		_, err = io.Copy(entry, r)
		r.Close()
		if err != nil {
			return fmt.Errorf("write zip entry %s: %w", path, err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finalize zip: %w", err)
	}
	return nil
}
