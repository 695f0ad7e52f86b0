package structural

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nlsql/pipeline/internal/config"
	"github.com/nlsql/pipeline/internal/schema"
)

func testContext() schema.Context {
	return schema.Context{
		QueryID:    "q1",
		DatabaseID: "db1",
		Question:   "how many companies are there",
		Tables: []schema.ContextTable{
			{
				Table: schema.Table{Schema: "public", Name: "companies", Module: "core"},
				Columns: []schema.Column{
					{Table: "companies", Name: "id", DataType: "bigint", IsPrimaryKey: true},
					{Table: "companies", Name: "name", DataType: "text"},
					{Table: "companies", Name: "state", DataType: "text"},
				},
			},
		},
	}
}

func TestValidate_RejectsMultipleStatements(t *testing.T) {
	v := New(config.Structural{})
	res := v.Validate("SELECT 1; SELECT 2;", testContext(), 100)
	require.True(t, res.Blocked)
	assert.Equal(t, "MULTIPLE_STATEMENTS", res.Issues[0].Code)
}

func TestValidate_RejectsDenylistedKeyword(t *testing.T) {
	v := New(config.Structural{})
	res := v.Validate("DELETE FROM companies", testContext(), 100)
	require.True(t, res.Blocked)
	found := false
	for _, i := range res.Issues {
		if i.Code == "DENIED_KEYWORD" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestValidate_RejectsUnknownTable(t *testing.T) {
	v := New(config.Structural{})
	res := v.Validate("SELECT id FROM ghosts", testContext(), 100)
	require.True(t, res.Blocked)
	assert.Equal(t, "UNKNOWN_TABLE", res.Issues[len(res.Issues)-1].Code)
}

func TestValidate_RejectsUnknownColumn(t *testing.T) {
	v := New(config.Structural{})
	res := v.Validate("SELECT nonexistent_column FROM companies", testContext(), 100)
	require.True(t, res.Blocked)
	assert.Equal(t, "UNKNOWN_COLUMN", res.Issues[len(res.Issues)-1].Code)
}

func TestValidate_InjectsLimitWhenAbsent(t *testing.T) {
	v := New(config.Structural{})
	res := v.Validate("SELECT id FROM companies", testContext(), 50)
	require.False(t, res.Blocked)
	assert.Contains(t, res.SQL, "LIMIT 50")

	found := false
	for _, i := range res.Issues {
		if i.Code == "LIMIT_INJECTED" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestValidate_PreservesExistingLimit(t *testing.T) {
	v := New(config.Structural{})
	res := v.Validate("SELECT id FROM companies LIMIT 5", testContext(), 50)
	require.False(t, res.Blocked)
	assert.Contains(t, res.SQL, "LIMIT 5")
	assert.NotContains(t, res.SQL, "LIMIT 50")
}

func TestValidate_ExtraDenylistFromConfig(t *testing.T) {
	v := New(config.Structural{ExtraDenylist: []string{"PG_TERMINATE_BACKEND"}})
	res := v.Validate("SELECT pg_terminate_backend(1) FROM companies", testContext(), 50)
	assert.True(t, res.Blocked)
}
