package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func seedLogDir(t *testing.T, lines ...string) string {
	t.Helper()
	logdir := t.TempDir()
	body := strings.Join(lines, "\n") + "\n"
	if err := os.WriteFile(filepath.Join(logdir, "instances.log"), []byte(body), 0o644); err != nil {
		t.Fatalf("seed log: %v", err)
	}
	return logdir
}

func TestScoreCommandWritesScores(t *testing.T) {
	logdir := seedLogDir(t,
		`{"index":0,"source":"a b c d","reference":"w x y z","prediction":"w x y z","delays":[1,2,3,4],"finish_prediction":true,"source_length":4}`,
	)

	out, err := runCLI(t, "score", logdir)
	if err != nil {
		t.Fatalf("score: %v\n%s", err, out)
	}
	if !strings.Contains(out, `"BLEU"`) {
		t.Errorf("output missing BLEU: %s", out)
	}
	if _, err := os.Stat(filepath.Join(logdir, "scores")); err != nil {
		t.Errorf("scores file not written: %v", err)
	}
}

func TestValidateCommandFlagsBadLog(t *testing.T) {
	logdir := seedLogDir(t,
		`{"index":-1,"reference":"x","prediction":"x","finish_prediction":true,"source_length":1}`,
	)

	out, err := runCLI(t, "validate", logdir)
	if err == nil {
		t.Fatalf("expected validation failure, got:\n%s", out)
	}
	if !strings.Contains(out, "failed=1") {
		t.Errorf("summary missing failure count: %s", out)
	}
}

func TestMergeCommandCombinesShards(t *testing.T) {
	dir := t.TempDir()
	shardA := filepath.Join(dir, "a.log")
	shardB := filepath.Join(dir, "b.log")
	if err := os.WriteFile(shardA, []byte(`{"index":1,"reference":"x","prediction":"x","finish_prediction":true,"source_length":1}`+"\n"), 0o644); err != nil {
		t.Fatalf("seed shard: %v", err)
	}
	if err := os.WriteFile(shardB, []byte(`{"index":0,"reference":"y","prediction":"y","finish_prediction":true,"source_length":1}`+"\n"), 0o644); err != nil {
		t.Fatalf("seed shard: %v", err)
	}

	merged := filepath.Join(dir, "merged.log")
	out, err := runCLI(t, "merge", merged, shardA, shardB)
	if err != nil {
		t.Fatalf("merge: %v\n%s", err, out)
	}
	if !strings.Contains(out, "merged 2 records") {
		t.Errorf("unexpected merge output: %s", out)
	}
	data, err := os.ReadFile(merged)
	if err != nil {
		t.Fatalf("read merged: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 || !strings.Contains(lines[0], `"index":0`) {
		t.Errorf("merged log not index-sorted:\n%s", data)
	}
}

func TestSynthCommandRequiresSourceFile(t *testing.T) {
	out, err := runCLI(t, "synth", filepath.Join(t.TempDir(), "missing.txt"), t.TempDir())
	if err == nil {
		t.Fatalf("expected missing-source error, got:\n%s", out)
	}
}
