// Package search maintains the per-branch full-text index and answers
// search queries through a disk-cached result pipeline. The SQLite
// database has one writeable connection, serialized on a named queue,
// plus a read-only connection for queries.
package search

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS scope (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	account    TEXT NOT NULL,
	repo       TEXT NOT NULL,
	branch     TEXT NOT NULL,
	index_date TEXT,
	since      TEXT,
	UNIQUE (account, repo, branch)
);

CREATE TABLE IF NOT EXISTS files (
	id       TEXT NOT NULL,
	scopeid  INTEGER NOT NULL REFERENCES scope(id),
	path     TEXT NOT NULL,
	category TEXT,
	title    TEXT,
	textid   INTEGER,
	UNIQUE (id, scopeid)
);

CREATE INDEX IF NOT EXISTS files_scope_path ON files (scopeid, path);

CREATE VIRTUAL TABLE IF NOT EXISTS text USING fts5(content);
`

// openDB opens the writer and read-only reader connections and applies
// the schema.
func openDB(path string) (writer, reader *sql.DB, err error) {
	writer, err = sql.Open("sqlite", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, nil, fmt.Errorf("open search db: %w", err)
	}
	// database/sql pools connections; the write side must stay a single
	// connection so transactions serialize.
	writer.SetMaxOpenConns(1)
	if _, err := writer.Exec(schema); err != nil {
		writer.Close()
		return nil, nil, fmt.Errorf("apply search schema: %w", err)
	}

	reader, err = sql.Open("sqlite", "file:"+path+"?mode=ro&_pragma=busy_timeout(5000)")
	if err != nil {
		writer.Close()
		return nil, nil, fmt.Errorf("open search reader: %w", err)
	}
	return writer, reader, nil
}
