package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/tiger/streameval/api/eval"
)

// chdir changes the working directory for the duration of the test,
// mirroring t.Chdir from newer Go releases.
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(old); err != nil {
			t.Fatalf("restore wd: %v", err)
		}
	})
}

func TestLoadFileAppliesDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "streameval.yaml")
	body := "evaluator:\n  source_type: speech\n  output: out\nshard:\n  start_index: 5\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Evaluator.SourceType != eval.TypeSpeech {
		t.Errorf("source_type = %q, want speech", cfg.Evaluator.SourceType)
	}
	if cfg.Evaluator.TargetType != eval.TypeText {
		t.Errorf("target_type default = %q, want text", cfg.Evaluator.TargetType)
	}
	if cfg.Evaluator.SegmentSize != 1 {
		t.Errorf("segment_size default = %d, want 1", cfg.Evaluator.SegmentSize)
	}
	if got := cfg.ShardRange(); got.StartIndex != 5 || got.EndIndex != -1 {
		t.Errorf("shard range = %+v, want start 5 with open end", got)
	}
	if cfg.Quality.Metric != "bleu" {
		t.Errorf("quality metric default = %q, want bleu", cfg.Quality.Metric)
	}
}

func TestLoadFileRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "streameval.yaml")
	if err := os.WriteFile(path, []byte("evaluator:\n  bogus: 1\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Fatalf("expected unknown-field error")
	}
}

func TestLoadGuessesEnvironmentPath(t *testing.T) {
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "config", "prod")
	if err := os.MkdirAll(cfgDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	body := "evaluator:\n  output: prod-out\n"
	if err := os.WriteFile(filepath.Join(cfgDir, "streameval.yaml"), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	chdir(t, dir)
	t.Setenv("CONFIG_ENV", "prod")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Evaluator.Output != "prod-out" {
		t.Errorf("output = %q, want prod-out", cfg.Evaluator.Output)
	}
}

func TestLoadWithoutFileFallsBackToDefaults(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("CONFIG_ENV", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Evaluator.Output != "eval-output" {
		t.Errorf("output default = %q, want eval-output", cfg.Evaluator.Output)
	}
}
