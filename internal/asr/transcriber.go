// Package asr invokes the external speech recognizer over synthesized
// prediction audio and parses its tab-separated transcription manifest.
// Recognition quality is a degradable dependency: when the tool is missing
// the caller scores empty hypotheses instead of aborting.
package asr

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

var logger = logrus.WithField("component", "asr")

// ErrTranscriberUnavailable indicates the external ASR tool is not installed.
var ErrTranscriberUnavailable = errors.New("asr transcriber unavailable")

// Manifest layout conventions inside the log directory.
const (
	PrepDirName  = "asr_prep_data"
	OutDirName   = "asr_out"
	ManifestName = "eval_asr_predictions.tsv"
	WavsDirName  = "wavs"
)

// Row is one manifest entry: an audio identifier and its transcription.
type Row struct {
	ID            string
	Transcription string
}

// Transcriber produces a transcription manifest for a log directory's wavs.
type Transcriber interface {
	Transcribe(ctx context.Context, logdir string) (string, error)
}

// CommandTranscriber shells out to a configured executable, invoked as
// `<command> <wavs-dir> <prep-dir> <out-dir>`, and expects the manifest at
// <out-dir>/eval_asr_predictions.tsv.
type CommandTranscriber struct {
	Command  string
	LookPath func(string) (string, error)
	Run      func(*exec.Cmd) error
}

// Transcribe prepares the intermediate directories and runs the recognizer.
func (t CommandTranscriber) Transcribe(ctx context.Context, logdir string) (string, error) {
	if strings.TrimSpace(t.Command) == "" {
		return "", fmt.Errorf("%w: no command configured", ErrTranscriberUnavailable)
	}
	lookPath := t.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	if _, err := lookPath(t.Command); err != nil {
		return "", fmt.Errorf("%w: %s not found", ErrTranscriberUnavailable, t.Command)
	}

	prepDir := filepath.Join(logdir, PrepDirName)
	outDir := filepath.Join(logdir, OutDirName)
	for _, dir := range []string{prepDir, outDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create asr dir: %w", err)
		}
	}

	cmd := exec.CommandContext(ctx, t.Command, filepath.Join(logdir, WavsDirName), prepDir, outDir)
	logger.Infof("running asr transcription: %s", strings.Join(cmd.Args, " "))
	run := t.Run
	if run == nil {
		run = (*exec.Cmd).Run
	}
	if err := run(cmd); err != nil {
		return "", fmt.Errorf("asr transcription failed: %w", err)
	}
	return filepath.Join(outDir, ManifestName), nil
}

// ParseManifest reads a tab-separated id/transcription manifest and returns
// its rows sorted by the trailing integer of each identifier, so transcripts
// line up with instance indices regardless of manifest order.
func ParseManifest(path string) ([]Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open asr manifest: %w", err)
	}
	defer f.Close()

	var rows []Row
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 2)
		if len(fields) != 2 {
			return nil, fmt.Errorf("malformed asr manifest line: %q", line)
		}
		rows = append(rows, Row{ID: fields[0], Transcription: strings.ToLower(fields[1])})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read asr manifest: %w", err)
	}

	var sortErr error
	sort.SliceStable(rows, func(i, j int) bool {
		a, errA := trailingIndex(rows[i].ID)
		b, errB := trailingIndex(rows[j].ID)
		if errA != nil && sortErr == nil {
			sortErr = errA
		}
		if errB != nil && sortErr == nil {
			sortErr = errB
		}
		return a < b
	})
	if sortErr != nil {
		return nil, sortErr
	}
	return rows, nil
}

// WriteHypotheses persists each transcription as <ordinal>_pred.txt beside
// the wavs, mirroring the manifest order.
func WriteHypotheses(logdir string, rows []Row) error {
	wavsDir := filepath.Join(logdir, WavsDirName)
	for i, row := range rows {
		path := filepath.Join(wavsDir, fmt.Sprintf("%d_pred.txt", i))
		if err := os.WriteFile(path, []byte(row.Transcription+"\n"), 0o644); err != nil {
			return fmt.Errorf("write hypothesis %d: %w", i, err)
		}
	}
	return nil
}

func trailingIndex(id string) (int, error) {
	parts := strings.Split(id, "_")
	index, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil {
		return 0, fmt.Errorf("manifest id %q has no trailing index: %w", id, err)
	}
	return index, nil
}
