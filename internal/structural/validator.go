// Package structural implements the structural validator of spec §4.5:
// tokenizes SQL to isolate the code stream from literals and comments,
// enforces the single-statement read-only policy and a keyword/function
// denylist against that code stream, and checks table/column references
// against the schema-context packet's allow-list using pg_query_go's AST
// (the teacher's own parser of choice). Auto-injects LIMIT when absent.
package structural

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/nlsql/pipeline/internal/config"
	"github.com/nlsql/pipeline/internal/issue"
	"github.com/nlsql/pipeline/internal/schema"
)

// defaultDenylist is the baseline set from spec §4.5; config.Structural.ExtraDenylist
// extends it per deployment without a code change.
var defaultDenylist = []string{
	"INSERT", "UPDATE", "DELETE", "DROP", "TRUNCATE", "ALTER", "CREATE", "GRANT", "REVOKE",
	"PG_SLEEP", "SET", "SELECT INTO", "LO_IMPORT", "LO_EXPORT", "COPY", "PG_READ_FILE", "PG_LS_DIR",
}

type Validator struct {
	cfg config.Structural
}

func New(cfg config.Structural) *Validator {
	return &Validator{cfg: cfg}
}

// Result is the structural validator's verdict for one candidate.
type Result struct {
	Issues  []issue.Issue
	SQL     string // possibly LIMIT-injected
	Blocked bool   // true if any error-severity issue was raised
}

// Validate runs every check in spec §4.5 against sql, using ctx to resolve
// the allowed table/column set.
func (v *Validator) Validate(sql string, ctx schema.Context, maxRows int) Result {
	var issues []issue.Issue

	tokens := tokenize(sql)
	code := codeOnly(tokens)

	if n := topLevelStatementCount(code); n != 1 {
		issues = append(issues, issue.Issue{
			Code:       "MULTIPLE_STATEMENTS",
			Severity:   issue.SeverityError,
			Message:    "exactly one top-level statement is required",
			Repairable: false,
		})
		return Result{Issues: issues, SQL: sql, Blocked: true}
	}

	denied := v.checkDenylist(code)
	issues = append(issues, denied...)
	if issue.HasErrors(denied) {
		return Result{Issues: issues, SQL: sql, Blocked: true}
	}

	parsed, err := parseSQL(sql)
	if err != nil {
		issues = append(issues, issue.Issue{
			Code:       "PARSE_ERROR",
			Severity:   issue.SeverityError,
			Message:    "SQL failed to parse: " + err.Error(),
			Repairable: true,
		})
		return Result{Issues: issues, SQL: sql, Blocked: true}
	}
	if !parsed.TopIsSelect {
		issues = append(issues, issue.Issue{
			Code:       "NOT_SELECT",
			Severity:   issue.SeverityError,
			Message:    "statement must be a SELECT (or WITH ... SELECT)",
			Repairable: false,
		})
		return Result{Issues: issues, SQL: sql, Blocked: true}
	}

	refIssues := v.checkReferences(parsed, ctx)
	issues = append(issues, refIssues...)
	if issue.HasErrors(refIssues) {
		return Result{Issues: issues, SQL: sql, Blocked: true}
	}

	finalSQL := sql
	if !hasTopLevelLimit(code) {
		finalSQL = injectLimit(sql, maxRows)
		issues = append(issues, issue.Issue{
			Code:       "LIMIT_INJECTED",
			Severity:   issue.SeverityInfo,
			Message:    "no LIMIT present; injected LIMIT " + strconv.Itoa(maxRows),
			Repairable: false,
		})
	}

	return Result{Issues: issues, SQL: finalSQL, Blocked: false}
}

// topLevelStatementCount counts semicolon-delimited statements in the code
// stream, ignoring a single trailing semicolon.
func topLevelStatementCount(code string) int {
	trimmed := strings.TrimSpace(code)
	trimmed = strings.TrimSuffix(trimmed, ";")
	if trimmed == "" {
		return 0
	}
	parts := strings.Split(trimmed, ";")
	count := 0
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			count++
		}
	}
	if count == 0 {
		count = 1
	}
	return count
}

// denylistPattern compiles a whole-word match for kw: a bare substring
// check would reject identifiers that merely contain a denylisted
// keyword as a fragment (OFFSET/ASSETS contain SET, created_at/recreate
// contain CREATE), blocking ordinary schemas with no repair path. \b
// anchors the match to token boundaries instead.
func denylistPattern(kw string) *regexp.Regexp {
	return regexp.MustCompile(`\b` + regexp.QuoteMeta(kw) + `\b`)
}

var defaultDenylistPatterns = buildDenylistPatterns(defaultDenylist)

func buildDenylistPatterns(keywords []string) map[string]*regexp.Regexp {
	out := make(map[string]*regexp.Regexp, len(keywords))
	for _, kw := range keywords {
		out[kw] = denylistPattern(kw)
	}
	return out
}

func (v *Validator) checkDenylist(code string) []issue.Issue {
	upper := strings.ToUpper(code)
	var issues []issue.Issue

	for _, kw := range defaultDenylist {
		if defaultDenylistPatterns[kw].MatchString(upper) {
			issues = append(issues, issue.Issue{
				Code:       "DENIED_KEYWORD",
				Severity:   issue.SeverityError,
				Message:    "denied keyword or function: " + kw,
				Repairable: false,
			})
		}
	}
	for _, d := range v.cfg.ExtraDenylist {
		kw := strings.ToUpper(d)
		if denylistPattern(kw).MatchString(upper) {
			issues = append(issues, issue.Issue{
				Code:       "DENIED_KEYWORD",
				Severity:   issue.SeverityError,
				Message:    "denied keyword or function: " + kw,
				Repairable: false,
			})
		}
	}
	return issues
}

func (v *Validator) checkReferences(parsed parseResult, ctx schema.Context) []issue.Issue {
	var issues []issue.Issue

	aliasToTable := map[string]string{}
	var fromTables []string
	for _, t := range parsed.Tables {
		if !ctx.HasTable(t.relation) {
			issues = append(issues, issue.Issue{
				Code:       "UNKNOWN_TABLE",
				Severity:   issue.SeverityError,
				Message:    "table not in schema context: " + t.relation,
				Repairable: true,
				Metadata:   map[string]any{"table": t.relation},
			})
			continue
		}
		aliasToTable[t.alias] = t.relation
		aliasToTable[t.relation] = t.relation
		fromTables = append(fromTables, t.relation)
	}
	if len(issues) > 0 {
		return issues
	}

	for _, c := range parsed.Columns {
		if c.alias == "" {
			// Unqualified reference: resolve against every table in the
			// FROM clause (spec §4.5; same len(parts)==1 resolution the
			// teacher's pg_lineage resolver performs).
			var candidates []string
			for _, table := range fromTables {
				if hasColumn(ctx.ColumnsOf(table), c.column) {
					candidates = append(candidates, table)
				}
			}
			switch len(candidates) {
			case 1:
				// resolves uniquely, nothing to report
			case 0:
				issues = append(issues, issue.Issue{
					Code:       "UNKNOWN_COLUMN",
					Severity:   issue.SeverityError,
					Message:    "column " + c.column + " not found on any table in scope",
					Repairable: true,
					Metadata:   map[string]any{"column": c.column},
				})
			default:
				issues = append(issues, issue.Issue{
					Code:       "UNKNOWN_COLUMN",
					Severity:   issue.SeverityError,
					Message:    "column " + c.column + " is ambiguous across tables: " + strings.Join(candidates, ", "),
					Repairable: true,
					Metadata:   map[string]any{"column": c.column, "candidates": candidates},
				})
			}
			continue
		}

		table, ok := aliasToTable[c.alias]
		if !ok {
			// Alias doesn't resolve to a FROM-clause table at all; treat it
			// the same as an unknown-column error since there is nothing to
			// validate against.
			issues = append(issues, issue.Issue{
				Code:       "UNKNOWN_COLUMN",
				Severity:   issue.SeverityError,
				Message:    "column reference " + c.alias + "." + c.column + " does not resolve to a known table",
				Repairable: true,
				Metadata:   map[string]any{"table": c.alias, "column": c.column},
			})
			continue
		}
		cols := ctx.ColumnsOf(table)
		if !hasColumn(cols, c.column) {
			issues = append(issues, issue.Issue{
				Code:       "UNKNOWN_COLUMN",
				Severity:   issue.SeverityError,
				Message:    "column " + c.column + " not found on table " + table,
				Repairable: true,
				Metadata:   map[string]any{"table": table, "column": c.column},
			})
		}
	}
	return issues
}

func hasColumn(cols []schema.Column, name string) bool {
	for _, c := range cols {
		if strings.EqualFold(c.Name, name) {
			return true
		}
	}
	return false
}

func hasTopLevelLimit(code string) bool {
	return regexp.MustCompile(`(?i)\bLIMIT\s+\d+`).MatchString(code)
}

func injectLimit(sql string, maxRows int) string {
	trimmed := strings.TrimRight(sql, " \t\n;")
	return trimmed + " LIMIT " + strconv.Itoa(maxRows) + ";"
}
