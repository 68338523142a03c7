package filedb

import (
	"fmt"
	"io"
	"mime"
	"path"

	"github.com/locomote-sh/content-server/internal/errs"
	"github.com/locomote-sh/content-server/internal/fingerprint"
	"github.com/locomote-sh/content-server/internal/fileset"
	"github.com/locomote-sh/content-server/internal/pipeline"
	"github.com/locomote-sh/content-server/internal/record"
	"github.com/locomote-sh/content-server/internal/request"
	"github.com/locomote-sh/content-server/internal/vcs"
)

// GetFilesetContents produces a ZIP archive of every file in category
// visible to the request.
func (db *DB) GetFilesetContents(ctx *request.Context, category string) (*pipeline.Result, error) {
	if category == "" {
		return nil, fmt.Errorf("filedb: category is required: %w", errs.ErrUpstreamInvalid)
	}
	return db.run(ctx, func() (*pipeline.Result, error) {
		listing, err := db.listAll(ctx, "")
		if err != nil {
			return nil, err
		}
		return db.zipFileset(ctx, category, listing, "")
	})
}

// GetFilesetUpdatedContents is GetFilesetContents narrowed to files
// changed since the given commit.
func (db *DB) GetFilesetUpdatedContents(ctx *request.Context, category, since string) (*pipeline.Result, error) {
	if category == "" {
		return nil, fmt.Errorf("filedb: category is required: %w", errs.ErrUpstreamInvalid)
	}
	if since == "" {
		return nil, fmt.Errorf("filedb: since is required: %w", errs.ErrUpstreamInvalid)
	}
	return db.run(ctx, func() (*pipeline.Result, error) {
		listing, err := db.listUpdates(ctx, since, "")
		if err != nil {
			return nil, err
		}
		return db.zipFileset(ctx, category, listing, since)
	})
}

// zipFileset reduces a listing artifact to the category's published
// paths and archives them at the listing's commit.
func (db *DB) zipFileset(ctx *request.Context, category string, listing *pipeline.Result, since string) (*pipeline.Result, error) {
	list, err := db.filesets.FilesetsFor(ctx)
	if err != nil {
		return nil, err
	}
	fs := list.Get(category)
	if fs == nil {
		return nil, fmt.Errorf("unknown fileset category %q: %w", category, errs.ErrUpstreamInvalid)
	}

	template := "fileset/{ctx.account}/{ctx.repo}/{category}-{commit}-group-{ctx.group}.zip"
	vars := pipeline.Vars{"ctx": ctx, "commit": listing.Commit, "category": category}
	if since != "" {
		template = "fileset/{ctx.account}/{ctx.repo}/{category}-{commit}-{since}-group-{ctx.group}.zip"
		token, _ := sinceCacheToken(since)
		vars["since"] = token
	}

	p := &pipeline.Pipeline{
		Name: "fileset-contents",
		Init: func() (pipeline.Vars, bool, error) { return vars, true, nil },
		Open: pipeline.Stage{
			Name:     "zip",
			Template: template,
			Run: func(vars pipeline.Vars, out io.Writer, _ io.Reader) error {
				paths, err := categoryPaths(listing, category)
				if err != nil {
					return err
				}
				return vcs.ZipFilesAtCommit(ctx.RepoPath, vars["commit"].(string), paths, out)
			},
		},
		Done: func(vars pipeline.Vars, res *pipeline.Result) (*pipeline.Result, error) {
			res.Commit = listing.Commit
			res.Group = ctx.AuthGroup()
			res.MimeType = "application/zip"
			res.CacheControl = fs.CacheControl
			return res, nil
		},
	}
	return db.runtime.Run(p)
}

func categoryPaths(listing *pipeline.Result, category string) ([]string, error) {
	f, err := listing.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var paths []string
	err = record.NewReader(f).Each(func(rec *record.FileRecord) error {
		if !rec.IsControl() && rec.Category == category && !rec.Deleted() {
			paths = append(paths, rec.Path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paths, nil
}

// fileVars builds the shared vars for the per-file operations: the
// file's last-modified commit split into a directory-friendly commitPath
// plus the path's fingerprint.
func (db *DB) fileVars(ctx *request.Context, filePath string) (pipeline.Vars, Info, error) {
	info, err := db.FileInfo(ctx, filePath)
	if err != nil {
		return nil, Info{}, err
	}
	if ctx.Auth != nil && !ctx.Auth.Accessible.Has(info.Category) {
		return nil, Info{}, fmt.Errorf("file %s: %w", filePath, errs.ErrNotFound)
	}
	return pipeline.Vars{
		"ctx":        ctx,
		"commit":     info.Commit,
		"path":       filePath,
		"pathHash":   fingerprint.String(filePath),
		"commitPath": info.Commit[:2] + "/" + info.Commit[2:],
	}, info, nil
}

// GetFileRecord produces the single file record for path as a JSON
// artifact.
func (db *DB) GetFileRecord(ctx *request.Context, filePath string) (*pipeline.Result, error) {
	return db.run(ctx, func() (*pipeline.Result, error) {
		vars, info, err := db.fileVars(ctx, filePath)
		if err != nil {
			return nil, err
		}
		list, err := db.filesets.FilesetsFor(ctx)
		if err != nil {
			return nil, err
		}
		fs := list.Get(info.Category)
		if fs == nil {
			return nil, fmt.Errorf("file %s: %w", filePath, errs.ErrNotFound)
		}
		src := fileset.RepoSource(ctx.RepoPath)

		p := &pipeline.Pipeline{
			Name: "file-record",
			Init: func() (pipeline.Vars, bool, error) { return vars, true, nil },
			Open: pipeline.Stage{
				Name:     "record",
				Template: "records/{ctx.account}/{ctx.repo}/{commitPath}-{pathHash}-{ctx.group}.json",
				Run: func(vars pipeline.Vars, out io.Writer, _ io.Reader) error {
					rec, err := fs.MakeFileRecord(src, info.Commit, filePath, info.Commit, true)
					if err != nil {
						return err
					}
					if rec = ctx.ApplyACM(rec); rec == nil {
						return fmt.Errorf("file %s: %w", filePath, errs.ErrNotFound)
					}
					enc, _, err := encodeRecord(rec)
					if err != nil {
						return err
					}
					_, err = io.WriteString(out, enc)
					return err
				},
			},
			Done: func(vars pipeline.Vars, res *pipeline.Result) (*pipeline.Result, error) {
				res.Commit = info.Commit
				res.Group = ctx.AuthGroup()
				res.MimeType = "application/json"
				return res, nil
			},
		}
		return db.runtime.Run(p)
	})
}

// GetFileContents produces the file's bytes at its last-modified commit,
// transformed by the owning fileset's processor.
func (db *DB) GetFileContents(ctx *request.Context, filePath string) (*pipeline.Result, error) {
	return db.run(ctx, func() (*pipeline.Result, error) {
		vars, info, err := db.fileVars(ctx, filePath)
		if err != nil {
			return nil, err
		}
		list, err := db.filesets.FilesetsFor(ctx)
		if err != nil {
			return nil, err
		}
		fs := list.Get(info.Category)
		if fs == nil {
			return nil, fmt.Errorf("file %s: %w", filePath, errs.ErrNotFound)
		}
		src := fileset.RepoSource(ctx.RepoPath)

		p := &pipeline.Pipeline{
			Name: "file-contents",
			Init: func() (pipeline.Vars, bool, error) { return vars, true, nil },
			Open: pipeline.Stage{
				Name:     "contents",
				Template: "external/{ctx.hostname}{ctx.basePath}/{commitPath}/{pathHash}-{ctx.group}",
				Run: func(vars pipeline.Vars, out io.Writer, _ io.Reader) error {
					return fs.PipeContents(src, ctx.BasePath, info.Commit, filePath, out)
				},
			},
			Done: func(vars pipeline.Vars, res *pipeline.Result) (*pipeline.Result, error) {
				res.Commit = info.Commit
				res.Group = ctx.AuthGroup()
				res.MimeType = mime.TypeByExtension(path.Ext(filePath))
				res.CacheControl = info.CacheControl
				return res, nil
			},
		}
		return db.runtime.Run(p)
	})
}
