package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"catalog-agent/internal/domain"
)

// Execute is the common tool pipeline: parse params, run handler, format the result.
//
// The handler returns:
//   - (any Go value, nil): JSON-marshaled into a success ToolResult
//   - (string, nil): wrapped in a plain-text ToolResult
//   - (*domain.ToolResult, nil): returned as-is
//   - (nil, error): returned as an error, which the registry turns into a tool_failure message
func Execute[P any](
	ctx context.Context,
	rawParams json.RawMessage,
	handler func(ctx context.Context, params P) (any, error),
) (*domain.ToolResult, error) {
	p, errResult := ParseParams[P](rawParams)
	if errResult != nil {
		return errResult, nil
	}

	result, err := handler(ctx, p)
	if err != nil {
		return nil, err
	}
	return formatResult(result)
}

func formatResult(result any) (*domain.ToolResult, error) {
	switch v := result.(type) {
	case *domain.ToolResult:
		return v, nil
	case string:
		return &domain.ToolResult{Content: v}, nil
	default:
		return JSONResult(v)
	}
}

// ParseParams unmarshals rawParams into P.
// On failure it returns a ToolResult with IsError=true, suitable for returning directly.
func ParseParams[P any](rawParams json.RawMessage) (P, *domain.ToolResult) {
	var p P
	if len(rawParams) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(rawParams, &p); err != nil {
		return p, &domain.ToolResult{
			IsError: true,
			Content: fmt.Sprintf("invalid params: %v", err),
		}
	}
	return p, nil
}

// ErrResult creates an error ToolResult. Use this for argument problems the
// oracle should see and correct.
func ErrResult(format string, args ...any) (*domain.ToolResult, error) {
	return &domain.ToolResult{
		IsError: true,
		Content: fmt.Sprintf(format, args...),
	}, nil
}

// JSONResult marshals v as JSON into a success ToolResult.
func JSONResult(v any) (*domain.ToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &domain.ToolResult{Content: string(data)}, nil
}
