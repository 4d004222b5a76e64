//go:build integration

package integration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"catalog-agent/internal/adapter/catalog"
	"catalog-agent/internal/domain"
	"catalog-agent/pkg/catalogagent"
)

// seedCatalog writes a one-dataset catalog and returns its path.
func seedCatalog(t *testing.T, dir string) string {
	t.Helper()
	dsn := filepath.Join(dir, "catalog.db")
	cat, err := catalog.NewSQLiteCatalog(dsn)
	if err != nil {
		t.Fatal(err)
	}
	defer cat.Close()

	ctx := context.Background()
	if _, err := cat.DB().ExecContext(ctx, `CREATE TABLE population (region TEXT, year INTEGER, people INTEGER)`); err != nil {
		t.Fatal(err)
	}
	if _, err := cat.DB().ExecContext(ctx, `INSERT INTO population VALUES ('N', 2024, 1200), ('S', 2024, 800)`); err != nil {
		t.Fatal(err)
	}
	err = cat.PutDataset(ctx, domain.DatasetMetadata{
		Dataset: domain.Dataset{ID: "pop-2024", Title: "Population by region", Tags: []string{"population", "census"}},
		Table:   "population",
		Columns: []domain.Column{
			{Name: "region", Type: "TEXT", CodeList: "regions"},
			{Name: "year", Type: "INTEGER"},
			{Name: "people", Type: "INTEGER"},
		},
		RowCount: 2,
	})
	if err != nil {
		t.Fatal(err)
	}
	for code, label := range map[string]string{"N": "North", "S": "South"} {
		if err := cat.PutCode(ctx, domain.CodeEntry{CodeList: "regions", Code: code, Label: label}); err != nil {
			t.Fatal(err)
		}
	}
	return dsn
}

func writeConfig(t *testing.T, dir string, cfg *Config) string {
	t.Helper()
	yaml := fmt.Sprintf(`agent:
  step_limit: 10
llm:
  default_provider: openai
  providers:
    - name: openai
      type: openai
      api_key: %q
      model: %q
tools:
  catalog:
    backend: sqlite
    dsn: %q
checkpoint:
  backend: file
  dir: %q
`, cfg.OpenAIKey, cfg.OpenAIModel, seedCatalog(t, dir), filepath.Join(dir, "checkpoints"))
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestE2E_AnswersFromCatalogAndKeepsThread(t *testing.T) {
	SkipIfShort(t)
	cfg := LoadConfig()
	SkipIfNoAPIKey(t, cfg.OpenAIKey, "OPENAI")
	ctx := NewTestContext(t, cfg.TestTimeout)
	path := writeConfig(t, t.TempDir(), cfg)

	agent, err := catalogagent.Open(ctx, path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	var final string
	var tools []string
	err = agent.Ask(ctx, "e2e", "How many people live in the North region in 2024? Use the catalog.", func(ev catalogagent.Event) error {
		switch ev.Kind {
		case catalogagent.EventToolNotice:
			tools = append(tools, ev.Tool.Name)
		case catalogagent.EventFinal:
			final = ev.Text
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	t.Logf("tools: %v, answer: %s", tools, final)
	if len(tools) == 0 {
		t.Error("expected the model to use at least one catalog tool")
	}
	if !strings.Contains(strings.ReplaceAll(final, ",", ""), "1200") {
		t.Errorf("answer %q does not mention 1200", final)
	}
	if err := agent.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// A fresh agent on the same checkpoint dir sees the thread.
	agent, err = catalogagent.Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer agent.Close(context.Background())

	history, err := agent.History(ctx, "e2e")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) < 4 || history[len(history)-1].Role != "assistant" {
		t.Errorf("unexpected history after restart: %+v", history)
	}
}
