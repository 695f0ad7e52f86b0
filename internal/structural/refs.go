package structural

import (
	"encoding/json"
	"fmt"

	pg_query "github.com/pganalyze/pg_query_go/v6"
)

// tableRef is one FROM-clause table reference with its visible alias.
type tableRef struct {
	relation string
	alias    string
}

// columnRef is one column reference, alias-qualified (`f.revenue`) or bare
// (`revenue`). An empty alias means the reference is unqualified and must
// be resolved against every table in scope (spec §4.5 allow-list check;
// grounded on pkg/pg_lineage/resolver.go's resolveColumn len(parts)==1 case).
type columnRef struct {
	alias  string
	column string
}

// parseResult is the output of parsing and walking one SELECT statement's
// AST for allow-list checking (spec §4.5: table/column references must
// resolve against the packet). Extraction walks the whole statement tree
// (not scope-by-scope like pkg/pg_lineage.ResolveProvenance, which targets
// column lineage for a different purpose); an allow-list check only needs
// "does this name appear anywhere", not precise per-subquery scoping.
type parseResult struct {
	StatementCount int
	TopIsSelect    bool
	Tables         []tableRef
	Columns        []columnRef
}

// parseSQL parses sql with pg_query_go and extracts table/column references
// for allow-list checking. It does not reject anything itself; callers
// combine this with tokenizer-based denylist checks.
func parseSQL(sql string) (parseResult, error) {
	tree, err := pg_query.Parse(sql)
	if err != nil {
		return parseResult{}, fmt.Errorf("structural: parse: %w", err)
	}

	stmts := tree.GetStmts()
	result := parseResult{StatementCount: len(stmts)}
	if len(stmts) == 0 {
		return result, nil
	}

	top := stmts[0].GetStmt()
	result.TopIsSelect = top.GetSelectStmt() != nil

	raw, err := pg_query.ParseToJSON(sql)
	if err != nil {
		return parseResult{}, fmt.Errorf("structural: parse to json: %w", err)
	}
	var tree2 any
	if err := json.Unmarshal([]byte(raw), &tree2); err != nil {
		return parseResult{}, fmt.Errorf("structural: invalid ast json: %w", err)
	}

	walkRefs(tree2, &result)
	return result, nil
}

func walkRefs(node any, result *parseResult) {
	switch v := node.(type) {
	case map[string]any:
		if rv, ok := v["RangeVar"].(map[string]any); ok {
			relname, _ := rv["relname"].(string)
			alias := relname
			if a, ok := rv["alias"].(map[string]any); ok {
				if an, ok := a["aliasname"].(string); ok && an != "" {
					alias = an
				}
			}
			if relname != "" {
				result.Tables = append(result.Tables, tableRef{relation: relname, alias: alias})
			}
		}
		if cr, ok := v["ColumnRef"].(map[string]any); ok {
			if fields, ok := cr["fields"].([]any); ok {
				switch len(fields) {
				case 1:
					// Unqualified reference, e.g. `name` in `SELECT name FROM
					// companies`. `*` (A_Star) has no sval and is skipped.
					if col := fieldString(fields[0]); col != "" {
						result.Columns = append(result.Columns, columnRef{column: col})
					}
				case 2:
					alias := fieldString(fields[0])
					col := fieldString(fields[1])
					if alias != "" && col != "" {
						result.Columns = append(result.Columns, columnRef{alias: alias, column: col})
					}
				}
			}
		}
		for _, child := range v {
			walkRefs(child, result)
		}
	case []any:
		for _, child := range v {
			walkRefs(child, result)
		}
	}
}

func fieldString(f any) string {
	m, ok := f.(map[string]any)
	if !ok {
		return ""
	}
	s, ok := m["String"].(map[string]any)
	if !ok {
		return ""
	}
	if v, ok := s["sval"].(string); ok {
		return v
	}
	if v, ok := s["str"].(string); ok {
		return v
	}
	return ""
}
