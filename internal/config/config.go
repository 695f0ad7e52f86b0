// Package config loads the layered configuration of spec §6: environment
// variables override a local file, which overrides a base file; lists
// replace wholesale, maps deep-merge, and a null in the local file does not
// delete a key set by the base file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type LLM struct {
	BaseURL       string `mapstructure:"base_url"`
	Model         string `mapstructure:"model"`
	TimeoutSecs   int    `mapstructure:"timeout_seconds"`
	NumCtx        int    `mapstructure:"num_ctx"`
	SystemPrompt  string `mapstructure:"system_prompt"`
}

type Generation struct {
	SequentialCandidates bool `mapstructure:"sequential_candidates"`
	KDefault             int  `mapstructure:"k_default"`
}

type Retrieval struct {
	DenseTopK           int     `mapstructure:"dense_top_k"`
	KeywordTopK         int     `mapstructure:"keyword_top_k"`
	SimilarityThreshold float64 `mapstructure:"similarity_threshold"`
	FKExpansionHops     int     `mapstructure:"fk_expansion_hops"`
	MaxTables           int     `mapstructure:"max_tables"`
}

type Prompt struct {
	JoinHintFormat string `mapstructure:"join_hint_format"` // edges|paths|both|none
}

type Repair struct {
	MaxAttempts     int     `mapstructure:"max_attempts"`
	ConfidenceFloor float64 `mapstructure:"confidence_floor"`
}

type Executor struct {
	DefaultTimeoutSecs int `mapstructure:"default_timeout_seconds"`
	MaxRowsCap         int `mapstructure:"max_rows_cap"`
}

type Structural struct {
	ExtraDenylist []string `mapstructure:"extra_denylist"`
}

type Server struct {
	Port int `mapstructure:"port"`
}

type Logging struct {
	Level string `mapstructure:"level"`
}

type Config struct {
	LLM        LLM        `mapstructure:"llm"`
	Generation Generation `mapstructure:"generation"`
	Retrieval  Retrieval  `mapstructure:"retrieval"`
	Prompt     Prompt     `mapstructure:"prompt"`
	Repair     Repair     `mapstructure:"repair"`
	Executor   Executor   `mapstructure:"executor"`
	Structural Structural `mapstructure:"structural"`
	Server     Server     `mapstructure:"server"`
	Logging    Logging    `mapstructure:"logging"`

	DatabaseURL string `mapstructure:"database_url"`
}

func defaults() *Config {
	return &Config{
		LLM: LLM{
			BaseURL:     "http://localhost:11434",
			Model:       "sqlcoder",
			TimeoutSecs: 90,
			NumCtx:      0,
		},
		Generation: Generation{KDefault: 3},
		Retrieval: Retrieval{
			DenseTopK:           12,
			KeywordTopK:         12,
			SimilarityThreshold: 0.55,
			FKExpansionHops:     2,
			MaxTables:           10,
		},
		Prompt: Prompt{JoinHintFormat: "both"},
		Repair: Repair{MaxAttempts: 3, ConfidenceFloor: 0.5},
		Executor: Executor{
			DefaultTimeoutSecs: 30,
			MaxRowsCap:         1000,
		},
		Server:  Server{Port: 8080},
		Logging: Logging{Level: "info"},
	}
}

// Load builds a Config from an optional base file, an optional local
// override file, and environment variables (highest precedence). Either
// path may be empty.
func Load(basePath, localPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")

	def := defaults()
	setDefaults(v, def)

	if basePath != "" {
		v.SetConfigFile(basePath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read base %s: %w", basePath, err)
		}
	}

	if localPath != "" {
		lv := viper.New()
		lv.SetConfigType("toml")
		lv.SetConfigFile(localPath)
		if err := lv.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read local %s: %w", localPath, err)
		}
		// MergeConfigMap deep-merges maps and replaces lists wholesale,
		// matching viper's native merge semantics; a key absent from the
		// local file (including one set to the TOML equivalent of null,
		// which viper simply omits) leaves the base value untouched.
		if err := v.MergeConfigMap(lv.AllSettings()); err != nil {
			return nil, fmt.Errorf("config: merge local: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("llm.base_url", d.LLM.BaseURL)
	v.SetDefault("llm.model", d.LLM.Model)
	v.SetDefault("llm.timeout_seconds", d.LLM.TimeoutSecs)
	v.SetDefault("llm.num_ctx", d.LLM.NumCtx)
	v.SetDefault("llm.system_prompt", d.LLM.SystemPrompt)
	v.SetDefault("generation.sequential_candidates", d.Generation.SequentialCandidates)
	v.SetDefault("generation.k_default", d.Generation.KDefault)
	v.SetDefault("retrieval.dense_top_k", d.Retrieval.DenseTopK)
	v.SetDefault("retrieval.keyword_top_k", d.Retrieval.KeywordTopK)
	v.SetDefault("retrieval.similarity_threshold", d.Retrieval.SimilarityThreshold)
	v.SetDefault("retrieval.fk_expansion_hops", d.Retrieval.FKExpansionHops)
	v.SetDefault("retrieval.max_tables", d.Retrieval.MaxTables)
	v.SetDefault("prompt.join_hint_format", d.Prompt.JoinHintFormat)
	v.SetDefault("repair.max_attempts", d.Repair.MaxAttempts)
	v.SetDefault("repair.confidence_floor", d.Repair.ConfidenceFloor)
	v.SetDefault("executor.default_timeout_seconds", d.Executor.DefaultTimeoutSecs)
	v.SetDefault("executor.max_rows_cap", d.Executor.MaxRowsCap)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("logging.level", d.Logging.Level)
}

func bindEnv(v *viper.Viper) {
	keys := []string{
		"llm.base_url", "llm.model", "llm.timeout_seconds", "llm.num_ctx", "llm.system_prompt",
		"generation.sequential_candidates", "generation.k_default",
		"retrieval.dense_top_k", "retrieval.keyword_top_k", "retrieval.similarity_threshold", "retrieval.fk_expansion_hops", "retrieval.max_tables",
		"prompt.join_hint_format",
		"repair.max_attempts", "repair.confidence_floor",
		"executor.default_timeout_seconds", "executor.max_rows_cap",
		"server.port", "logging.level", "database_url",
	}
	for _, k := range keys {
		_ = v.BindEnv(k)
	}
}

// ExecutorTimeout caps a request's requested timeout to the configured max
// (spec §6: "executor.default_timeout_seconds... capped to 30s").
func (c *Config) ExecutorTimeout(requested int) time.Duration {
	secs := requested
	if secs <= 0 {
		secs = c.Executor.DefaultTimeoutSecs
	}
	capSecs := c.Executor.DefaultTimeoutSecs
	if capSecs <= 0 {
		capSecs = 30
	}
	if secs > capSecs {
		secs = capSecs
	}
	return time.Duration(secs) * time.Second
}
