// Package promptcompose builds the prompt text sent to the LLM (spec §4.2):
// an immutable base prompt assembled once per request, plus small ephemeral
// delta blocks appended on repair attempts. Every builder here is a pure
// function of its inputs — no hidden state, no I/O — so that identical
// inputs always produce byte-identical output (spec §8's determinism
// invariant), grounded on the teacher's preference for small composable
// pure functions over templating engines.
package promptcompose

import (
	"fmt"
	"sort"
	"strings"

	"github.com/nlsql/pipeline/internal/config"
	"github.com/nlsql/pipeline/internal/issue"
	"github.com/nlsql/pipeline/internal/schema"
)

const terminator = "-- Return only the SQL statement, no explanation.\nSQL:"

// Base renders the immutable base prompt (spec §4.2 step 1): database id,
// per-table M-schema blocks grouped by module, a join-hint block in the
// configured format, column-selection rules, PostgreSQL-specific rules, and
// the question.
func Base(ctx schema.Context, format string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "-- Database: %s\n", ctx.DatabaseID)
	b.WriteString("-- Schema (grouped by module):\n")

	byModule := map[string][]schema.ContextTable{}
	for _, t := range ctx.Tables {
		byModule[t.Table.Module] = append(byModule[t.Table.Module], t)
	}
	modules := make([]string, 0, len(byModule))
	for m := range byModule {
		modules = append(modules, m)
	}
	sort.Strings(modules)

	for _, m := range modules {
		if m != "" {
			fmt.Fprintf(&b, "-- module: %s\n", m)
		}
		tables := byModule[m]
		sort.Slice(tables, func(i, j int) bool { return tables[i].Table.Name < tables[j].Table.Name })
		for _, t := range tables {
			b.WriteString(t.MSchema)
			b.WriteString("\n")
		}
	}

	if block := joinHintBlock(ctx, format); block != "" {
		b.WriteString(block)
	}

	b.WriteString(columnSelectionRules())
	b.WriteString(postgresRules())

	fmt.Fprintf(&b, "\n-- Question: %s\n", ctx.Question)
	b.WriteString(terminator)
	return b.String()
}

// joinHintBlock renders FK join hints in the configured shape (spec §4.2:
// "edges", "paths", "both", or "none").
func joinHintBlock(ctx schema.Context, format string) string {
	switch format {
	case "none":
		return ""
	case "paths":
		return renderJoinPaths(ctx.JoinPaths)
	case "edges":
		return renderJoinEdges(ctx.JoinHints)
	default: // "both"
		return renderJoinEdges(ctx.JoinHints) + renderJoinPaths(ctx.JoinPaths)
	}
}

func renderJoinEdges(edges []schema.FKEdge) string {
	if len(edges) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("-- Foreign keys:\n")
	for _, e := range edges {
		fmt.Fprintf(&b, "--   %s.%s -> %s.%s\n", e.FromTable, e.FromColumn, e.ToTable, e.ToColumn)
	}
	return b.String()
}

func renderJoinPaths(paths []schema.JoinPath) string {
	if len(paths) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("-- Join paths:\n")
	for _, p := range paths {
		fmt.Fprintf(&b, "--   %s\n", strings.Join(p.Tables, " -> "))
	}
	return b.String()
}

func columnSelectionRules() string {
	return "-- Rules: select only columns that appear in the schema above. " +
		"Never invent a table or column name.\n"
}

// postgresRules adds the dialect-specific generation guidance (spec §4.2),
// including the decade-grouping arithmetic rule resolved from
// original_source/python-sidecar/prompt_builder.py (no DATE_TRUNC('decade',
// ...); truncated-division arithmetic instead).
func postgresRules() string {
	return "-- Dialect: PostgreSQL. Use double-quoted identifiers only when " +
		"case-sensitive. To group by decade, use (EXTRACT(YEAR FROM col)::int / 10) * 10, " +
		"not DATE_TRUNC('decade', col).\n"
}

// DeltaKind orders the repair delta blocks (spec §4.2 step 2: semantic,
// then structural, then planner, highest priority first).
type DeltaKind int

const (
	DeltaSemantic DeltaKind = iota
	DeltaStructural
	DeltaPlanner
)

// Delta is one ephemeral repair hint appended after the base prompt. Every
// delta carries the previous SQL verbatim (spec §4.3: "Each delta block
// contains: the previous SQL verbatim, a categorized explanation of what
// failed, and targeted remediation guidance") alongside the categorized
// issues and any allow-list narrowing.
type Delta struct {
	Kind            DeltaKind
	PriorSQL        string
	Issues          []issue.Issue
	ColumnWhitelist []string // for 42703 repairs
	TableAllowlist  []string // for 42P01 repairs
}

// renderedDeltas renders each delta (in priority order) to its own string,
// one per element, so Compose can join them with the exact separator the
// invariant below names rather than a builder-concatenated blob.
func renderedDeltas(deltas []Delta) []string {
	ordered := make([]Delta, len(deltas))
	copy(ordered, deltas)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Kind < ordered[j].Kind })

	out := make([]string, len(ordered))
	for i, d := range ordered {
		out[i] = renderDelta(d)
	}
	return out
}

func renderDelta(d Delta) string {
	var b strings.Builder
	b.WriteString("Repair hint:\n")
	if d.PriorSQL != "" {
		fmt.Fprintf(&b, "  previous SQL: %s\n", d.PriorSQL)
	}
	for _, iss := range d.Issues {
		fmt.Fprintf(&b, "  [%s] %s\n", iss.Code, iss.Message)
		if iss.Suggestion != "" {
			fmt.Fprintf(&b, "  suggestion: %s\n", iss.Suggestion)
		}
	}
	if len(d.ColumnWhitelist) > 0 {
		fmt.Fprintf(&b, "  allowed columns: %s\n", strings.Join(d.ColumnWhitelist, ", "))
	}
	if len(d.TableAllowlist) > 0 {
		fmt.Fprintf(&b, "  allowed tables: %s\n", strings.Join(d.TableAllowlist, ", "))
	}
	return strings.TrimRight(b.String(), "\n")
}

// Compose joins the base prompt with the ordered repair deltas by pure
// concatenation (spec §4.2 invariant: "A repair prompt is always
// `base + "\n\n" + join(deltas, "\n\n")`"). The base is never mutated; a
// bare base with no deltas is returned unchanged.
func Compose(base string, deltas []Delta) string {
	if len(deltas) == 0 {
		return base
	}
	return base + "\n\n" + strings.Join(renderedDeltas(deltas), "\n\n")
}

// SystemPrompt returns the fixed system-role text for the model (spec
// §4.2/§6), taken verbatim from config so operators can tune it without a
// code change.
func SystemPrompt(cfg config.LLM) string {
	if cfg.SystemPrompt != "" {
		return cfg.SystemPrompt
	}
	return "You translate natural language questions into a single read-only PostgreSQL SELECT statement."
}
