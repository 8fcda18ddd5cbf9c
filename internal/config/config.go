// Package config loads evaluator settings from YAML, resolved per the
// CONFIG_ENV environment the way the deployment tree lays configs out.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/tiger/streameval/api/eval"
)

type Evaluator struct {
	SourceType  string `yaml:"source_type"`
	TargetType  string `yaml:"target_type"`
	SegmentSize int    `yaml:"segment_size"`
	Output      string `yaml:"output"`
	LogLvl      string `yaml:"log_level"`
}

type Shard struct {
	StartIndex int `yaml:"start_index"`
	EndIndex   int `yaml:"end_index"`
}

type Quality struct {
	Metric string `yaml:"metric"`
}

type Aligner struct {
	Command    string `yaml:"command"`
	ModelsDir  string `yaml:"models_dir"`
	Dictionary string `yaml:"dictionary"`
	Acoustic   string `yaml:"acoustic"`
}

type ASR struct {
	Command string `yaml:"command"`
}

type TTS struct {
	Region string `yaml:"region"`
	Voice  string `yaml:"voice"`
	Engine string `yaml:"engine"`
}

type Root struct {
	Evaluator Evaluator `yaml:"evaluator"`
	Shard     Shard     `yaml:"shard"`
	Quality   Quality   `yaml:"quality"`
	Aligner   Aligner   `yaml:"aligner"`
	ASR       ASR       `yaml:"asr"`
	TTS       TTS       `yaml:"tts"`
}

func (r *Root) withDefaults() {
	if r.Evaluator.SourceType == "" {
		r.Evaluator.SourceType = eval.TypeText
	}
	if r.Evaluator.TargetType == "" {
		r.Evaluator.TargetType = eval.TypeText
	}
	if r.Evaluator.SegmentSize <= 0 {
		r.Evaluator.SegmentSize = 1
	}
	if r.Evaluator.Output == "" {
		r.Evaluator.Output = "eval-output"
	}
	if r.Evaluator.LogLvl == "" {
		r.Evaluator.LogLvl = "info"
	}
	if r.Shard.EndIndex == 0 {
		r.Shard.EndIndex = -1
	}
	if r.Quality.Metric == "" {
		r.Quality.Metric = "bleu"
	}
}

// ShardRange renders the shard section as an evaluation shard range.
func (r *Root) ShardRange() eval.ShardRange {
	return eval.ShardRange{StartIndex: r.Shard.StartIndex, EndIndex: r.Shard.EndIndex}
}

// Load resolves the config from the CONFIG_ENV deployment tree, falling back
// to a streameval.yaml beside the working directory. A missing file is not an
// error; defaults apply.
func Load() (*Root, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	guess := []string{
		filepath.Join("config", env, "streameval.yaml"),
		"streameval.yaml",
	}
	for _, p := range guess {
		if _, err := os.Stat(p); err == nil {
			return LoadFile(p)
		}
	}
	cfg := &Root{}
	cfg.withDefaults()
	return cfg, nil
}

// LoadFile loads one explicit config file.
func LoadFile(path string) (*Root, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	var cfg Root
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	cfg.withDefaults()
	return &cfg, nil
}
