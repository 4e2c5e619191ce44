// ABOUTME: Sub-agent capabilities built on the Invoker: SQL lookup and chart generation
// ABOUTME: Each capability maps one text input to one text result via a dedicated assistant

package agentrun

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// DefaultResultLimit caps the characters of SQL results handed back to the primary agent.
const DefaultResultLimit = 20000

// Capability is one delegated sub-task: invoke(input) -> text.
type Capability interface {
	Name() string
	Description() string
	Invoke(ctx context.Context, input string) (string, error)
}

// SQLAgent asks an assistant for a SQL query and runs it against a read-only data source.
type SQLAgent struct {
	invoker     *Invoker
	assistantID string
	db          *sql.DB
	limit       int
}

// NewSQLAgent creates a SQL capability. db may be nil, in which case the
// generated query text itself is returned.
func NewSQLAgent(inv *Invoker, assistantID string, db *sql.DB, limit int) *SQLAgent {
	if limit <= 0 {
		limit = DefaultResultLimit
	}
	return &SQLAgent{invoker: inv, assistantID: assistantID, db: db, limit: limit}
}

func (a *SQLAgent) Name() string { return "query_sales_data" }

func (a *SQLAgent) Description() string {
	return "Answer questions about sales, revenue, customers and products by querying the sales database. " +
		"Input is the user's question in natural language."
}

// Invoke generates SQL for input, executes it and returns the rows as JSON.
func (a *SQLAgent) Invoke(ctx context.Context, input string) (string, error) {
	query, err := a.invoker.Invoke(ctx, a.assistantID, input)
	if err != nil {
		return "", err
	}
	if query == FallbackText || a.db == nil {
		return query, nil
	}
	if !isReadOnlyQuery(query) {
		a.invoker.logger.Warn("rejected non read-only query from sql agent", "query", truncate(query, 200))
		return FallbackText, nil
	}

	result, err := runQuery(ctx, a.db, query)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		a.invoker.logger.Error("sql agent query failed", "error", err)
		return FallbackText, nil
	}
	return truncate(result, a.limit), nil
}

// ChartAgent turns a question plus a previous answer into chart JSON.
type ChartAgent struct {
	invoker     *Invoker
	assistantID string
}

// NewChartAgent creates a chart capability.
func NewChartAgent(inv *Invoker, assistantID string) *ChartAgent {
	return &ChartAgent{invoker: inv, assistantID: assistantID}
}

func (a *ChartAgent) Name() string { return "generate_chart_data" }

func (a *ChartAgent) Description() string {
	return "Produce chart-ready JSON for data that was already retrieved. " +
		"Input must contain the chart request followed by the data to chart."
}

// Invoke returns the assistant's chart JSON with code fences removed.
func (a *ChartAgent) Invoke(ctx context.Context, input string) (string, error) {
	return a.invoker.Invoke(ctx, a.assistantID, input)
}

// ChartPrompt builds the chart-agent input from a query and the prior answer.
func ChartPrompt(query, ragResponse string) string {
	return fmt.Sprintf("Generate chart data for -\n%s\n%s", query, ragResponse)
}

func isReadOnlyQuery(q string) bool {
	q = strings.TrimSpace(strings.TrimRight(strings.TrimSpace(q), ";"))
	if strings.Contains(q, ";") {
		return false
	}
	head := strings.ToUpper(q)
	return strings.HasPrefix(head, "SELECT") || strings.HasPrefix(head, "WITH")
}

// runQuery executes query and encodes the rows as a JSON array of objects.
func runQuery(ctx context.Context, db *sql.DB, query string) (string, error) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return "", fmt.Errorf("executing query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return "", fmt.Errorf("reading columns: %w", err)
	}

	out := []map[string]any{}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return "", fmt.Errorf("scanning row: %w", err)
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[c] = string(b)
				continue
			}
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("iterating rows: %w", err)
	}

	data, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("encoding rows: %w", err)
	}
	return string(data), nil
}

// truncate cuts s to at most n characters.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
