package generator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nlsql/pipeline/internal/llmclient"
)

type fakeCompleter struct {
	responses []string
	calls     []llmclient.Options
}

func (f *fakeCompleter) Complete(ctx context.Context, system, prompt string, opts llmclient.Options) (string, error) {
	f.calls = append(f.calls, opts)
	idx := len(f.calls) - 1
	if idx >= len(f.responses) {
		return f.responses[len(f.responses)-1], nil
	}
	return f.responses[idx], nil
}

func TestGenerate_StripsMarkdownFenceAndAddsSemicolon(t *testing.T) {
	fc := &fakeCompleter{responses: []string{"```sql\nSELECT 1 FROM foo\n```"}}
	g := New(fc, "system")

	c, err := g.Generate(context.Background(), "prompt", 1, false)
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1 FROM foo;", c.SQL)
}

func TestGenerate_RejectsNonSelect(t *testing.T) {
	fc := &fakeCompleter{responses: []string{"DELETE FROM foo"}}
	g := New(fc, "system")

	_, err := g.Generate(context.Background(), "prompt", 1, false)
	assert.Error(t, err)
}

func TestGenerate_MultiCandidateAllowsEmbeddedSelect(t *testing.T) {
	fc := &fakeCompleter{responses: []string{"Sure, here you go: SELECT * FROM foo"}}
	g := New(fc, "system")

	c, err := g.Generate(context.Background(), "prompt", 1, true)
	require.NoError(t, err)
	assert.Contains(t, c.SQL, "SELECT")
}

func TestIsGibberish(t *testing.T) {
	cases := []struct {
		name           string
		text           string
		multiCandidate bool
		want           bool
	}{
		{"digit-er-pattern", "foo 123er456 bar", false, true},
		{"triple-quoted-letters", `"a" "b" "c"`, false, true},
		{"cannot-generate-marker", "CANNOT_GENERATE: unsupported", false, true},
		{"too-many-parens-single", "SELECT ((((((((((((1))))))))))))", false, true},
		{"ordinary-select", "SELECT id FROM foo WHERE bar = 1", false, false},
		{"short-non-select", "oops", false, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, isGibberish(c.text, c.multiCandidate))
		})
	}
}

func TestEstimateConfidence_SimpleQueryClampsToOne(t *testing.T) {
	simple := "SELECT id FROM foo"
	assert.Equal(t, 1.0, estimateConfidence(simple))
}

func TestEstimateConfidence_ClampedAndPenalized(t *testing.T) {
	heavy := "SELECT a FROM t1 JOIN t2 ON 1=1 JOIN t3 ON 1=1 JOIN t4 ON 1=1 HAVING COUNT(*) > 1 OVER (PARTITION BY a)"
	got := estimateConfidence(heavy)
	assert.GreaterOrEqual(t, got, 0.0)
	assert.LessOrEqual(t, got, 1.0)
	assert.Less(t, got, 1.0)
}

func TestDeriveSeeds_DeterministicAndDistinct(t *testing.T) {
	a := deriveSeeds(42, 4)
	b := deriveSeeds(42, 4)
	require.Equal(t, a, b, "same base seed must derive the same sequence")

	seen := map[int64]bool{}
	for _, s := range a {
		assert.False(t, seen[s], "derived seeds should not collide")
		seen[s] = true
	}

	c := deriveSeeds(43, 4)
	assert.NotEqual(t, a, c, "different base seeds must derive different sequences")
}

func TestGenerateCandidates_DedupesNormalizedDuplicates(t *testing.T) {
	fc := &fakeCompleter{responses: []string{
		"SELECT 1 FROM foo",
		"select   1   from   foo", // normalizes to a duplicate
		"SELECT 2 FROM foo",
	}}
	g := New(fc, "system")

	out, err := g.GenerateCandidates(context.Background(), "prompt", 3, 7, 0.7, true)
	require.NoError(t, err)
	assert.Len(t, out, 2)
}

func TestGenerateCandidates_AllGibberishFails(t *testing.T) {
	fc := &fakeCompleter{responses: []string{"CANNOT_GENERATE", "CANNOT_GENERATE"}}
	g := New(fc, "system")

	_, err := g.GenerateCandidates(context.Background(), "prompt", 2, 1, 0.7, true)
	assert.Error(t, err)
}
