package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"catalog-agent/internal/domain"
)

const (
	defaultSearchLimit = 10
	maxSearchLimit     = 50
)

// NewCatalogTools returns the four catalog tools backed by cat.
// maxRows caps run_query results regardless of what the oracle asks for.
func NewCatalogTools(cat domain.Catalog, maxRows int) []domain.Tool {
	if maxRows <= 0 {
		maxRows = 200
	}
	return []domain.Tool{
		&DatasetSearchTool{catalog: cat},
		&DatasetMetadataTool{catalog: cat},
		&RunQueryTool{catalog: cat, maxRows: maxRows},
		&DecodeCodeTool{catalog: cat},
	}
}

// notFound turns a catalog ErrNotFound into an error result the oracle can
// react to; other errors pass through as tool failures.
func notFound(err error) (*domain.ToolResult, error) {
	if errors.Is(err, domain.ErrNotFound) {
		return ErrResult("%v", err)
	}
	return nil, err
}

// --- dataset_search ---

// DatasetSearchTool finds datasets matching a free-text query.
type DatasetSearchTool struct {
	catalog domain.Catalog
}

type datasetSearchParams struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

func (t *DatasetSearchTool) Name() string { return "dataset_search" }
func (t *DatasetSearchTool) Description() string {
	return "Search the data catalog for datasets by keywords in their title, description or tags."
}

func (t *DatasetSearchTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "minLength": 1, "description": "Search keywords"},
				"limit": {"type": "integer", "minimum": 1, "maximum": 50, "description": "Maximum number of datasets (default 10)"}
			},
			"required": ["query"],
			"additionalProperties": false
		}`),
	}
}

func (t *DatasetSearchTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, params, func(ctx context.Context, p datasetSearchParams) (any, error) {
		limit := p.Limit
		if limit <= 0 {
			limit = defaultSearchLimit
		}
		limit = min(limit, maxSearchLimit)

		found, err := t.catalog.SearchDatasets(ctx, strings.TrimSpace(p.Query), limit)
		if err != nil {
			return nil, fmt.Errorf("search datasets: %w", err)
		}
		if found == nil {
			found = []domain.Dataset{}
		}
		return map[string]any{"datasets": found, "count": len(found)}, nil
	})
}

// --- dataset_metadata ---

// DatasetMetadataTool returns the schema and descriptive metadata of one dataset.
type DatasetMetadataTool struct {
	catalog domain.Catalog
}

type datasetMetadataParams struct {
	DatasetID string `json:"dataset_id"`
}

func (t *DatasetMetadataTool) Name() string { return "dataset_metadata" }
func (t *DatasetMetadataTool) Description() string {
	return "Get the metadata of a dataset: its table name, columns with types and code lists, and row count."
}

func (t *DatasetMetadataTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"dataset_id": {"type": "string", "minLength": 1}
			},
			"required": ["dataset_id"],
			"additionalProperties": false
		}`),
	}
}

func (t *DatasetMetadataTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, params, func(ctx context.Context, p datasetMetadataParams) (any, error) {
		md, err := t.catalog.DatasetMetadata(ctx, p.DatasetID)
		if err != nil {
			return notFound(err)
		}
		return md, nil
	})
}

// --- run_query ---

// RunQueryTool runs a read-only analytic query against the catalog's data.
type RunQueryTool struct {
	catalog domain.Catalog
	maxRows int
}

type runQueryParams struct {
	SQL     string `json:"sql"`
	MaxRows int    `json:"max_rows"`
}

var (
	readOnlyPrefix = regexp.MustCompile(`(?is)^\s*(select|with)\b`)
	writeKeyword   = regexp.MustCompile(`(?i)\b(insert|update|delete|drop|alter|create|replace|attach|detach|pragma|vacuum|reindex)\b`)
)

func (t *RunQueryTool) Name() string { return "run_query" }
func (t *RunQueryTool) Description() string {
	return "Run a read-only SQL query (SELECT or WITH) over dataset tables. Use dataset_metadata first to learn table and column names."
}

func (t *RunQueryTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"sql": {"type": "string", "minLength": 1},
				"max_rows": {"type": "integer", "minimum": 1}
			},
			"required": ["sql"],
			"additionalProperties": false
		}`),
	}
}

// CheckReadOnly rejects statements that are not a single SELECT or WITH query.
func CheckReadOnly(sql string) error {
	stmt := strings.TrimSpace(sql)
	stmt = strings.TrimSuffix(stmt, ";")
	if strings.Contains(stmt, ";") {
		return fmt.Errorf("only a single statement is allowed")
	}
	if !readOnlyPrefix.MatchString(stmt) {
		return fmt.Errorf("only SELECT or WITH queries are allowed")
	}
	if kw := writeKeyword.FindString(stmt); kw != "" {
		return fmt.Errorf("keyword %q is not allowed in a read-only query", strings.ToUpper(kw))
	}
	return nil
}

func (t *RunQueryTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, params, func(ctx context.Context, p runQueryParams) (any, error) {
		if err := CheckReadOnly(p.SQL); err != nil {
			return ErrResult("%v", err)
		}
		rows := t.maxRows
		if p.MaxRows > 0 {
			rows = min(p.MaxRows, t.maxRows)
		}
		res, err := t.catalog.RunQuery(ctx, strings.TrimSuffix(strings.TrimSpace(p.SQL), ";"), rows)
		if err != nil {
			return nil, fmt.Errorf("run query: %w", err)
		}
		return res, nil
	})
}

// --- decode_code ---

// DecodeCodeTool looks up the label of a code in a code list.
type DecodeCodeTool struct {
	catalog domain.Catalog
}

type decodeCodeParams struct {
	CodeList string `json:"code_list"`
	Code     string `json:"code"`
}

func (t *DecodeCodeTool) Name() string { return "decode_code" }
func (t *DecodeCodeTool) Description() string {
	return "Decode a coded value (for example a region or industry code) using the named code list."
}

func (t *DecodeCodeTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"code_list": {"type": "string", "minLength": 1},
				"code": {"type": "string", "minLength": 1}
			},
			"required": ["code_list", "code"],
			"additionalProperties": false
		}`),
	}
}

func (t *DecodeCodeTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, params, func(ctx context.Context, p decodeCodeParams) (any, error) {
		entry, err := t.catalog.DecodeCode(ctx, p.CodeList, p.Code)
		if err != nil {
			return notFound(err)
		}
		return entry, nil
	})
}
