package builder

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// buildSchema records the last completed build per branch. The commit
// column is the short hash of the built source commit.
const buildSchema = `
CREATE TABLE IF NOT EXISTS builds (
	account    TEXT NOT NULL,
	repo       TEXT NOT NULL,
	branch     TEXT NOT NULL,
	commit_id  TEXT NOT NULL,
	build_date TEXT NOT NULL,
	UNIQUE (account, repo, branch)
);`

// buildDB is the builder's completion record. Access is serialized by
// the builder queue, so a single connection suffices.
type buildDB struct {
	db *sql.DB
}

func openBuildDB(path string) (*buildDB, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open build db %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(buildSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init build db: %w", err)
	}
	return &buildDB{db: db}, nil
}

func (b *buildDB) Close() error { return b.db.Close() }

// LastBuild returns the commit of the branch's last completed build, or
// "" when it has never been built.
func (b *buildDB) LastBuild(account, repo, branch string) (string, error) {
	var commit string
	err := b.db.QueryRow(`SELECT commit_id FROM builds WHERE account = ? AND repo = ? AND branch = ?`,
		account, repo, branch).Scan(&commit)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read build record: %w", err)
	}
	return commit, nil
}

// AddBuildCompletion records a completed build, replacing any prior
// record for the branch.
func (b *buildDB) AddBuildCompletion(account, repo, branch, commit string) error {
	_, err := b.db.Exec(`
		INSERT INTO builds (account, repo, branch, commit_id, build_date)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (account, repo, branch)
		DO UPDATE SET commit_id = excluded.commit_id, build_date = excluded.build_date`,
		account, repo, branch, commit, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("record build completion: %w", err)
	}
	return nil
}
