package domain

import (
	"context"
	"time"
)

// Dataset is a catalog entry as returned by search.
type Dataset struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Publisher   string    `json:"publisher,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

// Column describes one field of a dataset's table.
type Column struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	// CodeList names the code list whose codes this column holds, if any.
	CodeList string `json:"code_list,omitempty"`
}

// DatasetMetadata is the full description of one dataset.
type DatasetMetadata struct {
	Dataset
	Table    string   `json:"table"`
	Columns  []Column `json:"columns"`
	RowCount int64    `json:"row_count"`
	License  string   `json:"license,omitempty"`
}

// QueryResult is the tabular output of an analytic query.
type QueryResult struct {
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows"`
	Truncated bool     `json:"truncated,omitempty"`
}

// CodeEntry is the decoded meaning of one code in a code list.
type CodeEntry struct {
	CodeList    string `json:"code_list"`
	Code        string `json:"code"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// Catalog is the data-catalog backend queried by the catalog tools.
// Lookups of unknown ids or codes return an error wrapping ErrNotFound.
type Catalog interface {
	SearchDatasets(ctx context.Context, query string, limit int) ([]Dataset, error)
	DatasetMetadata(ctx context.Context, datasetID string) (*DatasetMetadata, error)
	RunQuery(ctx context.Context, sql string, maxRows int) (*QueryResult, error)
	DecodeCode(ctx context.Context, codeList, code string) (*CodeEntry, error)
}
