// Command streameval operates on streaming-translation evaluation
// directories: scoring persisted logs, merging shard logs, validating
// artifacts, and synthesizing reference audio for text corpora.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tiger/streameval/internal/align"
	"github.com/tiger/streameval/internal/asr"
	"github.com/tiger/streameval/internal/config"
	"github.com/tiger/streameval/internal/quality"
	"github.com/tiger/streameval/internal/scorer"
	"github.com/tiger/streameval/internal/tooling/validation"
	"github.com/tiger/streameval/providers/tts/polly"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "streameval",
		Short:         "Streaming translation evaluation toolkit",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "explicit config file (defaults to the CONFIG_ENV tree)")
	root.AddCommand(
		newScoreCmd(&cfgPath),
		newMergeCmd(),
		newValidateCmd(),
		newSynthCmd(&cfgPath),
	)
	return root
}

func loadConfig(cfgPath string) (*config.Root, error) {
	if cfgPath != "" {
		return config.LoadFile(cfgPath)
	}
	return config.Load()
}

func setupLogging(level string) {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logrus.SetLevel(parsed)
}

func newScoreCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "score <logdir>",
		Short: "Score a persisted evaluation directory and write its scores file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			setupLogging(cfg.Evaluator.LogLvl)
			log := logrus.WithField("run_id", uuid.NewString())

			scorerCfg := scorer.Config{
				Aligner: align.Aligner{
					Command:        cfg.Aligner.Command,
					ModelsDir:      cfg.Aligner.ModelsDir,
					DictionaryName: cfg.Aligner.Dictionary,
					AcousticName:   cfg.Aligner.Acoustic,
				},
			}
			if cfg.ASR.Command != "" {
				scorerCfg.Transcriber = asr.CommandTranscriber{Command: cfg.ASR.Command}
			}
			if cfg.Quality.Metric == "wer" {
				scorerCfg.Quality = quality.CorpusWER
				scorerCfg.QualityKey = "WER"
			}

			logdir := args[0]
			log.WithField("logdir", logdir).Info("scoring evaluation directory")
			report, err := scorer.ComputeScore(cmd.Context(), logdir, scorerCfg)
			if err != nil {
				return err
			}
			rendered, err := json.MarshalIndent(report, "", "    ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(rendered))
			return nil
		},
	}
}

func newMergeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "merge <out.log> <shard.log>...",
		Short: "Merge shard instance logs into one index-sorted log",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := scorer.MergeLogs(args[0], args[1:]...)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "merged %d records into %s\n", n, args[0])
			return nil
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <logdir>",
		Short: "Validate a directory's instance log and scores file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			summary, err := validation.ValidateLogDir(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), validation.RenderSummary(summary))
			if !summary.Valid() {
				return fmt.Errorf("%d of %d records failed validation", summary.Failed, summary.Total)
			}
			return nil
		},
	}
}

func newSynthCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "synth <sources.txt> <outdir>",
		Short: "Synthesize reference audio for a text corpus, one wav per line",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			setupLogging(cfg.Evaluator.LogLvl)

			texts, err := readLines(args[0])
			if err != nil {
				return err
			}
			synth := polly.New(polly.Config{
				Region:  cfg.TTS.Region,
				VoiceID: cfg.TTS.Voice,
				Engine:  cfg.TTS.Engine,
			})
			return synth.SynthesizeCorpus(cmd.Context(), texts, args[1])
		},
	}
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open source file: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1<<16), 1<<22)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read source file: %w", err)
	}
	return lines, nil
}
