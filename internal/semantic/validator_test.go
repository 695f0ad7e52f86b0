package semantic

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyIntent(t *testing.T) {
	cases := []struct {
		question string
		want     Intent
	}{
		{"how many companies are in California", IntentCount},
		{"which state is Acme Corp located in", IntentLookupState},
		{"what are the top 5 companies by revenue", IntentRank},
		{"compare revenue between Acme Corp and Beta LLC", IntentCompare},
		{"what is the average revenue", IntentAggregate},
		{"show me all companies", IntentList},
		{"tell me about Acme Corp", IntentLookupByName},
	}
	for _, c := range cases {
		t.Run(c.question, func(t *testing.T) {
			assert.Equal(t, c.want, ClassifyIntent(c.question))
		})
	}
}

func TestExtractEntities_PrefersQuotedThenSuffixed(t *testing.T) {
	ents := ExtractEntities(`tell me about "Acme Co" and Beta Systems`)
	assert.Contains(t, ents, "Acme Co")
	assert.Contains(t, ents, "Beta Systems")
}

func TestExtractStateCodesAndYears(t *testing.T) {
	assert.Equal(t, []string{"CA"}, ExtractStateCodes("companies in CA"))
	assert.Equal(t, []int{2015}, ExtractYears("founded in 2015"))
}

func TestValidate_MissingEntity(t *testing.T) {
	issues := Validate(`show revenue for "Acme Corp"`, "SELECT revenue FROM companies")
	found := false
	for _, i := range issues {
		if i.Code == "MISSING_ENTITY" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestValidate_MissingAggregationForCountIntent(t *testing.T) {
	issues := Validate("how many companies are there", "SELECT * FROM companies")
	found := false
	for _, i := range issues {
		if i.Code == "MISSING_AGGREGATION" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestValidate_HallucinatedState(t *testing.T) {
	issues := Validate("how many companies are there", "SELECT COUNT(*) FROM companies WHERE state = 'TX'")
	found := false
	for _, i := range issues {
		if i.Code == "HALLUCINATED_VALUE" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestValidate_WrongYear(t *testing.T) {
	issues := Validate("revenue in 2020", "SELECT revenue FROM company_revenue_annual WHERE year = 2021")
	found := false
	for _, i := range issues {
		if i.Code == "WRONG_YEAR" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestValidate_CleanQueryHasNoIssues(t *testing.T) {
	issues := Validate("how many companies are there", "SELECT COUNT(*) FROM companies")
	assert.Empty(t, issues)
}
