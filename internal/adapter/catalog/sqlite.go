// Package catalog provides a SQLite-backed data catalog for the catalog tools.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"catalog-agent/internal/domain"
)

// SQLiteCatalog implements domain.Catalog over a SQLite database that holds
// both the catalog metadata tables and the dataset tables themselves.
type SQLiteCatalog struct {
	db *sql.DB
}

// NewSQLiteCatalog opens (or creates) the catalog database at dsn and runs
// the metadata schema migration.
func NewSQLiteCatalog(dsn string) (*SQLiteCatalog, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open catalog db: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate catalog db: %w", err)
	}
	return &SQLiteCatalog{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS catalog_datasets (
			id          TEXT PRIMARY KEY,
			title       TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			publisher   TEXT NOT NULL DEFAULT '',
			tags        TEXT NOT NULL DEFAULT '[]',
			table_name  TEXT NOT NULL,
			license     TEXT NOT NULL DEFAULT '',
			updated_at  TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS catalog_columns (
			dataset_id  TEXT NOT NULL REFERENCES catalog_datasets(id) ON DELETE CASCADE,
			position    INTEGER NOT NULL,
			name        TEXT NOT NULL,
			type        TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			code_list   TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (dataset_id, name)
		);
		CREATE TABLE IF NOT EXISTS catalog_codes (
			code_list   TEXT NOT NULL,
			code        TEXT NOT NULL,
			label       TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (code_list, code)
		);
	`)
	return err
}

// Close closes the underlying database connection.
func (c *SQLiteCatalog) Close() error {
	return c.db.Close()
}

// DB exposes the underlying database, e.g. to load dataset tables.
func (c *SQLiteCatalog) DB() *sql.DB { return c.db }

// PutDataset inserts or replaces a dataset's catalog entry and columns.
// The dataset's table must be created separately.
func (c *SQLiteCatalog) PutDataset(ctx context.Context, md domain.DatasetMetadata) error {
	if md.ID == "" || md.Table == "" {
		return domain.NewDomainError("SQLiteCatalog.PutDataset", domain.ErrInvalidInput, "dataset id and table are required")
	}
	tags, err := json.Marshal(md.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	updated := md.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO catalog_datasets (id, title, description, publisher, tags, table_name, license, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title, description = excluded.description, publisher = excluded.publisher,
			tags = excluded.tags, table_name = excluded.table_name, license = excluded.license,
			updated_at = excluded.updated_at`,
		md.ID, md.Title, md.Description, md.Publisher, string(tags), md.Table, md.License,
		updated.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upsert dataset: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM catalog_columns WHERE dataset_id = ?", md.ID); err != nil {
		return fmt.Errorf("clear columns: %w", err)
	}
	for i, col := range md.Columns {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO catalog_columns (dataset_id, position, name, type, description, code_list) VALUES (?, ?, ?, ?, ?, ?)",
			md.ID, i, col.Name, col.Type, col.Description, col.CodeList,
		)
		if err != nil {
			return fmt.Errorf("insert column %q: %w", col.Name, err)
		}
	}
	return tx.Commit()
}

// PutCode inserts or replaces one code list entry.
func (c *SQLiteCatalog) PutCode(ctx context.Context, e domain.CodeEntry) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO catalog_codes (code_list, code, label, description) VALUES (?, ?, ?, ?)
		ON CONFLICT(code_list, code) DO UPDATE SET label = excluded.label, description = excluded.description`,
		e.CodeList, e.Code, e.Label, e.Description,
	)
	return err
}

// SearchDatasets ranks datasets by how many query terms appear in their
// title, description or tags. Ties sort by title.
func (c *SQLiteCatalog) SearchDatasets(ctx context.Context, query string, limit int) ([]domain.Dataset, error) {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil, domain.NewDomainError("SQLiteCatalog.SearchDatasets", domain.ErrInvalidInput, "empty query")
	}

	var where []string
	var args []any
	for _, term := range terms {
		where = append(where, "(lower(title) LIKE ? OR lower(description) LIKE ? OR lower(tags) LIKE ?)")
		p := "%" + term + "%"
		args = append(args, p, p, p)
	}
	rows, err := c.db.QueryContext(ctx,
		"SELECT id, title, description, publisher, tags, updated_at FROM catalog_datasets WHERE "+strings.Join(where, " OR "),
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("search datasets: %w", err)
	}
	defer rows.Close()

	type scored struct {
		ds    domain.Dataset
		score int
	}
	var hits []scored
	for rows.Next() {
		ds, err := scanDataset(rows)
		if err != nil {
			return nil, err
		}
		text := strings.ToLower(ds.Title + " " + ds.Description + " " + strings.Join(ds.Tags, " "))
		score := 0
		for _, term := range terms {
			if strings.Contains(text, term) {
				score++
			}
		}
		hits = append(hits, scored{ds: *ds, score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	slices.SortStableFunc(hits, func(a, b scored) int {
		if a.score != b.score {
			return b.score - a.score
		}
		return strings.Compare(a.ds.Title, b.ds.Title)
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]domain.Dataset, len(hits))
	for i, h := range hits {
		out[i] = h.ds
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDataset(row rowScanner, extra ...any) (*domain.Dataset, error) {
	var ds domain.Dataset
	var tags, updated string
	dest := append([]any{&ds.ID, &ds.Title, &ds.Description, &ds.Publisher, &tags, &updated}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tags), &ds.Tags); err != nil {
		return nil, fmt.Errorf("decode tags of %s: %w", ds.ID, err)
	}
	ds.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &ds, nil
}

// DatasetMetadata returns the entry, columns and current row count of a dataset.
func (c *SQLiteCatalog) DatasetMetadata(ctx context.Context, datasetID string) (*domain.DatasetMetadata, error) {
	var md domain.DatasetMetadata
	row := c.db.QueryRowContext(ctx,
		"SELECT id, title, description, publisher, tags, updated_at, table_name, license FROM catalog_datasets WHERE id = ?",
		datasetID,
	)
	ds, err := scanDataset(row, &md.Table, &md.License)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewDomainError("SQLiteCatalog.DatasetMetadata", domain.ErrNotFound, fmt.Sprintf("dataset %q", datasetID))
	}
	if err != nil {
		return nil, fmt.Errorf("load dataset: %w", err)
	}
	md.Dataset = *ds

	rows, err := c.db.QueryContext(ctx,
		"SELECT name, type, description, code_list FROM catalog_columns WHERE dataset_id = ? ORDER BY position",
		datasetID,
	)
	if err != nil {
		return nil, fmt.Errorf("load columns: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var col domain.Column
		if err := rows.Scan(&col.Name, &col.Type, &col.Description, &col.CodeList); err != nil {
			return nil, err
		}
		md.Columns = append(md.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := c.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+quoteIdent(md.Table)).Scan(&md.RowCount); err != nil {
		// The catalog entry may exist before its table is loaded.
		md.RowCount = 0
	}
	return &md, nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// RunQuery executes sql on a connection switched to query_only mode and
// returns at most maxRows rows.
func (c *SQLiteCatalog) RunQuery(ctx context.Context, query string, maxRows int) (*domain.QueryResult, error) {
	conn, err := c.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "PRAGMA query_only = ON"); err != nil {
		return nil, fmt.Errorf("enable query_only: %w", err)
	}
	defer conn.ExecContext(context.WithoutCancel(ctx), "PRAGMA query_only = OFF")

	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	res := &domain.QueryResult{Columns: cols, Rows: [][]any{}}
	for rows.Next() {
		if maxRows > 0 && len(res.Rows) == maxRows {
			res.Truncated = true
			break
		}
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		res.Rows = append(res.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

// DecodeCode looks up one code in a code list.
func (c *SQLiteCatalog) DecodeCode(ctx context.Context, codeList, code string) (*domain.CodeEntry, error) {
	e := domain.CodeEntry{CodeList: codeList, Code: code}
	err := c.db.QueryRowContext(ctx,
		"SELECT label, description FROM catalog_codes WHERE code_list = ? AND code = ?",
		codeList, code,
	).Scan(&e.Label, &e.Description)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewDomainError("SQLiteCatalog.DecodeCode", domain.ErrNotFound, fmt.Sprintf("code %q in list %q", code, codeList))
	}
	if err != nil {
		return nil, fmt.Errorf("decode code: %w", err)
	}
	return &e, nil
}
