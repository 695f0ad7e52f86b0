// Package semantic implements the semantic validator of spec §4.6: it
// checks that generated SQL actually addresses the entities and intent the
// question expressed, independent of syntactic validity. Ported directly
// from original_source/python-sidecar/semantic_validator.py — the entity
// regexes, stopword list, intent classifier, and every check below
// reproduce that file's behavior in Go idiom.
package semantic

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/nlsql/pipeline/internal/issue"
)

// Intent enumerates the classifications of spec §4.6.
type Intent string

const (
	IntentLookupByName Intent = "lookup_by_name"
	IntentLookupState  Intent = "lookup_state"
	IntentCount        Intent = "count"
	IntentList         Intent = "list"
	IntentAggregate    Intent = "aggregate"
	IntentCompare      Intent = "compare"
	IntentRank         Intent = "rank"
	IntentGeneral      Intent = "general"
)

var (
	quotedRe     = regexp.MustCompile(`['"]([^'"]+)['"]`)
	suffixWords  = `LLC|Inc|Corp|Co|Ltd|Services|Systems|Technologies|Solutions|` +
		`Group|Partners|Holdings|Enterprises|Industries|International|` +
		`Medical|Financial|Energy|Distribution|Logistics|Manufacturing|` +
		`Consulting|Analytics|Software|Networks|Communications|Healthcare`
	suffixRe  = regexp.MustCompile(`([A-Z][a-z]+(?:\s+[A-Z][a-z]+)*(?:\s+(?:` + suffixWords + `)))\b`)
	generalRe = regexp.MustCompile(`\b([A-Z][a-z]+(?:\s+[A-Z][a-z]+){1,5})\b`)
	stateRe   = regexp.MustCompile(`\b(AL|AK|AZ|AR|CA|CO|CT|DE|FL|GA|HI|ID|IL|IN|IA|KS|KY|LA|ME|MD|MA|MI|MN|MS|MO|MT|NE|NV|NH|NJ|NM|NY|NC|ND|OH|OK|OR|PA|RI|SC|SD|TN|TX|UT|VT|VA|WA|WV|WI|WY)\b`)
	yearRe    = regexp.MustCompile(`\b(20[0-3][0-9])\b`)

	intentLookupStateRe = regexp.MustCompile(`which state|what state|where is .* located`)
	intentCountRe       = regexp.MustCompile(`how many|count|number of|total (?:number|count)`)
	intentRankRe        = regexp.MustCompile(`top \d+|bottom \d+|highest|lowest|most|least|best|worst`)
	intentCompareRe     = regexp.MustCompile(`compare|difference|between .* and|vs\.?|versus`)
	intentAggregateRe   = regexp.MustCompile(`average|avg|sum|total|mean|median`)
	intentListRe        = regexp.MustCompile(`show|list|display|get|find|all`)
)

var commonPhrases = map[string]bool{
	"New York": true, "Los Angeles": true, "San Francisco": true, "San Diego": true, "San Jose": true,
	"Las Vegas": true, "Salt Lake": true, "Kansas City": true, "New Orleans": true, "New Jersey": true,
	"North Carolina": true, "South Carolina": true, "North Dakota": true, "South Dakota": true,
	"West Virginia": true, "Rhode Island": true, "New Hampshire": true, "New Mexico": true,
	"United States": true, "How Many": true, "Show Me": true, "Tell Me": true, "What Is": true,
	"Which State": true, "What Company": true, "Find All": true, "List All": true, "Get All": true,
	"January": true, "February": true, "March": true, "April": true, "May": true, "June": true,
	"July": true, "August": true, "September": true, "October": true, "November": true, "December": true,
	"Monday": true, "Tuesday": true, "Wednesday": true, "Thursday": true, "Friday": true, "Saturday": true, "Sunday": true,
}

var stateNames = map[string]string{
	"california": "CA", "texas": "TX", "new york": "NY", "florida": "FL",
	"ohio": "OH", "illinois": "IL", "michigan": "MI", "pennsylvania": "PA",
	"georgia": "GA", "missouri": "MO", "indiana": "IN", "kentucky": "KY",
	"maryland": "MD", "vermont": "VT",
}

// ExtractEntities extracts candidate company-like phrases from text, in the
// same precedence order as the original: quoted strings, business-suffix
// phrases, then general capitalized multi-word phrases filtered by the
// stopword list.
func ExtractEntities(text string) []string {
	var companies []string

	for _, m := range quotedRe.FindAllStringSubmatch(text, -1) {
		companies = append(companies, m[1])
	}
	for _, m := range suffixRe.FindAllStringSubmatch(text, -1) {
		companies = append(companies, m[1])
	}
	for _, m := range generalRe.FindAllStringSubmatch(text, -1) {
		match := m[1]
		if !commonPhrases[match] && len(match) > 5 {
			companies = append(companies, match)
		}
	}

	seen := map[string]bool{}
	var unique []string
	for _, c := range companies {
		lc := strings.ToLower(c)
		if seen[lc] {
			continue
		}
		seen[lc] = true
		unique = append(unique, c)
	}
	return unique
}

// ExtractStateCodes extracts two-letter US state codes from text.
func ExtractStateCodes(text string) []string {
	var out []string
	for _, m := range stateRe.FindAllStringSubmatch(text, -1) {
		out = append(out, m[1])
	}
	return out
}

// ExtractYears extracts 4-digit years 2000 through 2039 from text.
func ExtractYears(text string) []int {
	var out []int
	for _, m := range yearRe.FindAllStringSubmatch(text, -1) {
		n, _ := strconv.Atoi(m[1])
		out = append(out, n)
	}
	return out
}

// ClassifyIntent classifies the question's intent (spec §4.6).
func ClassifyIntent(question string) Intent {
	q := strings.ToLower(question)

	switch {
	case intentLookupStateRe.MatchString(q):
		return IntentLookupState
	case intentCountRe.MatchString(q):
		return IntentCount
	case intentRankRe.MatchString(q):
		return IntentRank
	case intentCompareRe.MatchString(q):
		return IntentCompare
	case intentAggregateRe.MatchString(q):
		return IntentAggregate
	case intentListRe.MatchString(q):
		return IntentList
	}

	if len(ExtractEntities(question)) > 0 {
		return IntentLookupByName
	}
	return IntentGeneral
}

// Validate checks sql against question per spec §4.6's five checks.
func Validate(question, sql string) []issue.Issue {
	var issues []issue.Issue
	sqlUpper := strings.ToUpper(sql)

	for _, company := range ExtractEntities(question) {
		if !strings.Contains(sql, "'"+company+"'") && !strings.Contains(sql, "\""+company+"\"") &&
			!strings.Contains(strings.ToLower(sql), strings.ToLower(company)) {
			issues = append(issues, issue.Issue{
				Code:       "MISSING_ENTITY",
				Severity:   issue.SeverityError,
				Message:    "question mentions '" + company + "' but SQL doesn't reference it",
				Suggestion: "add WHERE name = '" + company + "' or similar filter",
				Repairable: true,
				Metadata:   map[string]any{"entity": company, "entity_type": "company"},
			})
		}
	}

	intent := ClassifyIntent(question)

	if intent == IntentLookupState {
		selectClause := sqlUpper
		if idx := strings.Index(sqlUpper, "FROM"); idx >= 0 {
			selectClause = sqlUpper[:idx]
		}
		if !strings.Contains(selectClause, "STATE") {
			issues = append(issues, issue.Issue{
				Code:       "WRONG_SELECT",
				Severity:   issue.SeverityWarning,
				Message:    "question asks 'which state' but SQL doesn't SELECT state",
				Suggestion: "SELECT state FROM companies WHERE ...",
				Repairable: true,
				Metadata:   map[string]any{"expected_column": "state"},
			})
		}
	}

	if intent == IntentCount && !strings.Contains(sqlUpper, "COUNT(") {
		issues = append(issues, issue.Issue{
			Code:       "MISSING_AGGREGATION",
			Severity:   issue.SeverityWarning,
			Message:    "question asks 'how many' but SQL doesn't use COUNT()",
			Suggestion: "use SELECT COUNT(*) FROM ...",
			Repairable: true,
		})
	}

	sqlStates := ExtractStateCodes(sql)
	questionStates := ExtractStateCodes(question)
	for name, code := range stateNames {
		if strings.Contains(strings.ToLower(question), name) {
			questionStates = append(questionStates, code)
		}
	}
	allowedStates := map[string]bool{}
	for _, s := range questionStates {
		allowedStates[strings.ToUpper(s)] = true
	}
	for _, s := range sqlStates {
		up := strings.ToUpper(s)
		if allowedStates[up] {
			continue
		}
		if strings.Contains(sqlUpper, "= '"+up+"'") || strings.Contains(sql, "= '"+s+"'") {
			issues = append(issues, issue.Issue{
				Code:       "HALLUCINATED_VALUE",
				Severity:   issue.SeverityError,
				Message:    "SQL filters by state '" + up + "' but question doesn't mention this state",
				Suggestion: "remove hardcoded state filter or use the correct state from the question",
				Repairable: true,
				Metadata:   map[string]any{"hallucinated_value": up},
			})
		}
	}

	sqlYears := ExtractYears(sql)
	questionYears := ExtractYears(question)
	if len(questionYears) > 0 {
		allowedYears := map[int]bool{}
		for _, y := range questionYears {
			allowedYears[y] = true
		}
		for _, y := range sqlYears {
			if !allowedYears[y] {
				issues = append(issues, issue.Issue{
					Code:       "WRONG_YEAR",
					Severity:   issue.SeverityWarning,
					Message:    "SQL uses year " + strconv.Itoa(y) + " but question mentions " + formatYears(questionYears),
					Suggestion: "use year(s) from question: " + formatYears(questionYears),
					Repairable: true,
				})
			}
		}
	}

	return issues
}

func formatYears(years []int) string {
	strs := make([]string, len(years))
	for i, y := range years {
		strs[i] = strconv.Itoa(y)
	}
	sort.Strings(strs)
	return strings.Join(strs, ", ")
}
