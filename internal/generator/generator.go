// Package generator drives SQL completion: single-shot and multi-candidate
// generation, markdown-fence stripping, gibberish rejection, and confidence
// scoring (spec §4.3). Every check here is ported line-for-line from
// original_source/python-sidecar/ollama_client.py's _is_gibberish and
// _estimate_confidence — the patterns were tuned against real failure modes
// and are reproduced exactly, not reinvented.
package generator

import (
	"context"
	"encoding/binary"
	"regexp"
	"strings"
	"sync"

	"github.com/nlsql/pipeline/internal/llmclient"
	"github.com/nlsql/pipeline/internal/pipelineerr"
	"github.com/nlsql/pipeline/pkg/prng"
)

type Completer interface {
	Complete(ctx context.Context, system, prompt string, opts llmclient.Options) (string, error)
}

type Generator struct {
	client      Completer
	system      string
	temperature float64
	maxTokens   int
}

func New(client Completer, system string) *Generator {
	return &Generator{client: client, system: system, temperature: 0.0, maxTokens: 200}
}

// Candidate is one accepted SQL generation.
type Candidate struct {
	SQL        string
	Confidence float64
}

// Generate produces a single SQL candidate. multiCandidate relaxes the
// structural/gibberish checks the way the original does for fan-out mode
// (a multi-statement burst may not individually start with SELECT).
func (g *Generator) Generate(ctx context.Context, prompt string, seed int64, multiCandidate bool) (Candidate, error) {
	stop := []string{";", "\n\n"}
	if multiCandidate {
		stop = []string{"\n\n"}
	}

	raw, err := g.client.Complete(ctx, g.system, prompt, llmclient.Options{
		Temperature: g.temperature,
		Seed:        seed,
		Stop:        stop,
	})
	if err != nil {
		return Candidate{}, err
	}

	sql := stripMarkdownFences(strings.TrimSpace(raw))

	if isGibberish(sql, multiCandidate) {
		return Candidate{}, pipelineerr.New(pipelineerr.KindGenerationInvalid, "", "model generated invalid output (gibberish detected)", nil)
	}

	if multiCandidate {
		if !strings.Contains(strings.ToUpper(sql), "SELECT") {
			return Candidate{}, pipelineerr.New(pipelineerr.KindGenerationInvalid, "", "model did not generate any SELECT statements", nil)
		}
	} else {
		if !strings.HasPrefix(strings.ToUpper(sql), "SELECT") {
			return Candidate{}, pipelineerr.New(pipelineerr.KindGenerationInvalid, "", "model did not generate a SELECT statement", nil)
		}
		if !strings.HasSuffix(sql, ";") {
			sql += ";"
		}
	}

	return Candidate{SQL: sql, Confidence: estimateConfidence(sql)}, nil
}

// GenerateCandidates produces up to k deduplicated candidates, one per
// derived seed, either sequentially or fanned out with a goroutine per
// candidate (spec §4.3: "parallel by default; sequential mode exists for
// VRAM-constrained deployments").
func (g *Generator) GenerateCandidates(ctx context.Context, prompt string, k int, baseSeed int64, temperature float64, sequential bool) ([]Candidate, error) {
	prevTemp := g.temperature
	g.temperature = temperature
	defer func() { g.temperature = prevTemp }()

	seeds := deriveSeeds(baseSeed, k)
	raws := make([]Candidate, k)
	errs := make([]error, k)

	run := func(i int) {
		c, err := g.Generate(ctx, prompt, seeds[i], true)
		raws[i], errs[i] = c, err
	}

	if sequential {
		for i := 0; i < k; i++ {
			run(i)
		}
	} else {
		var wg sync.WaitGroup
		wg.Add(k)
		for i := 0; i < k; i++ {
			go func(i int) {
				defer wg.Done()
				run(i)
			}(i)
		}
		wg.Wait()
	}

	seen := map[string]bool{}
	var out []Candidate
	for i := 0; i < k; i++ {
		if errs[i] != nil {
			continue
		}
		norm := normalize(raws[i].SQL)
		if seen[norm] {
			continue
		}
		seen[norm] = true
		out = append(out, raws[i])
	}
	if len(out) == 0 {
		return nil, pipelineerr.New(pipelineerr.KindGenerationInvalid, "", "no candidate survived generation", nil)
	}
	return out, nil
}

// deriveSeeds expands a single request-level seed into k well-distributed
// candidate seeds via the teacher's deterministic seeded PRNG (pkg/prng),
// rather than baseSeed+i: adjacent integer seeds produce correlated
// completions with some backends, so each candidate draws from the same
// reproducible stream instead.
func deriveSeeds(baseSeed int64, k int) []int64 {
	r := prng.New(baseSeed)
	seeds := make([]int64, k)
	buf := make([]byte, 8)
	for i := 0; i < k; i++ {
		r.Read(buf)
		seeds[i] = int64(binary.BigEndian.Uint64(buf))
	}
	return seeds
}

var whitespaceRe = regexp.MustCompile(`\s+`)

func normalize(sql string) string {
	return whitespaceRe.ReplaceAllString(strings.ToLower(strings.TrimSpace(sql)), " ")
}

var (
	fenceRe     = regexp.MustCompile("```(?:sql)?\\s*\\n([\\s\\S]*?)```")
	selectFromRe = regexp.MustCompile(`(?i)(SELECT\b[\s\S]*)`)
)

// stripMarkdownFences extracts SQL from model output that may wrap it in
// prose or a fenced code block.
func stripMarkdownFences(text string) string {
	if m := fenceRe.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	if m := selectFromRe.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	return text
}

var (
	gibberishDigitsRe = regexp.MustCompile(`\d{2,4}er\d+`)
	gibberishQuotesRe = regexp.MustCompile(`"[a-zA-Z]"\s+"[a-zA-Z]"\s+"[a-zA-Z]"`)
	gibberishInsertRe = regexp.MustCompile(`(?i)INSERT\(ta\s*\(insert`)
)

// isGibberish reproduces the six pattern checks from the original client,
// each one catching a specific failure mode seen in prior model output.
func isGibberish(text string, multiCandidate bool) bool {
	if gibberishDigitsRe.MatchString(text) {
		return true
	}
	if gibberishQuotesRe.MatchString(text) {
		return true
	}
	if gibberishInsertRe.MatchString(text) {
		return true
	}

	parenLimit, bracketLimit := 10, 5
	if multiCandidate {
		parenLimit, bracketLimit = 60, 30
	}
	if strings.Count(text, "(") > parenLimit || strings.Count(text, "[") > bracketLimit {
		return true
	}

	if !multiCandidate && len(text) < 20 && !strings.HasPrefix(strings.ToUpper(text), "SELECT") {
		return true
	}

	if strings.Contains(strings.ToUpper(text), "CANNOT_GENERATE") {
		return true
	}

	return false
}

// estimateConfidence scores output quality using the same weighted
// penalty/bonus scheme as the original, clamped to [0, 1].
func estimateConfidence(sql string) float64 {
	confidence := 1.0
	upper := strings.ToUpper(sql)

	if strings.Count(upper, "JOIN") > 2 {
		confidence -= 0.2
	}
	if strings.Contains(upper, "HAVING") {
		confidence -= 0.1
	}
	if strings.Contains(upper, "WINDOW") || strings.Contains(upper, "OVER") {
		confidence -= 0.1
	}
	if len(sql) > 500 {
		confidence -= 0.2
	}
	if strings.Count(sql, "(SELECT") > 1 {
		confidence -= 0.15
	}
	if strings.Count(upper, "JOIN") == 0 && len(sql) < 100 {
		confidence += 0.1
	}

	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	return confidence
}
