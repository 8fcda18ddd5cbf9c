// Package scorer aggregates per-instance streaming state into the corpus
// score report: quality over the shard's ordered predictions, latency over
// the intersection of available metric families, and the alignment-derived
// speech pathway. Live simulation and log replay flow through the same
// aggregation code and produce identical reports.
package scorer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/tiger/streameval/api/eval"
	"github.com/tiger/streameval/internal/align"
	"github.com/tiger/streameval/internal/asr"
	"github.com/tiger/streameval/internal/instance"
	"github.com/tiger/streameval/internal/quality"
	"github.com/tiger/streameval/internal/store"
)

var logger = logrus.WithField("component", "scorer")

// ErrNoCommonFamilies indicates no metric family survives intersection
// across the shard, leaving nothing valid to aggregate.
var ErrNoCommonFamilies = errors.New("no metric family common to every instance in the shard")

// QualityFunc is the external corpus-level quality metric: hypotheses and
// references paired by position, one scalar out.
type QualityFunc func(hypotheses, references []string) float64

// Reporting-key suffix per metric family on the text latency path. Families
// outside this table report under a parenthesized family key.
var familySuffix = map[string]string{
	eval.FamilyLatency:         "",
	eval.FamilyLatencyCA:       "_CA",
	eval.FamilyLatencyTextTime: " (Time in ms)",
}

// Config wires the scorer's external collaborators.
type Config struct {
	// LogDir is the evaluation output directory (instances.log, wavs/, ...).
	LogDir string
	// Quality defaults to corpus BLEU under the BLEU reporting key.
	Quality QualityFunc
	// QualityKey defaults to eval.QualityKeyBLEU.
	QualityKey string
	// Speech selects the alignment-derived latency pathway.
	Speech bool
	// Transcriber produces speech hypotheses; nil degrades to empty ones.
	Transcriber asr.Transcriber
	// Aligner runs forced alignment for the speech latency pathway.
	Aligner align.Aligner
}

func (c Config) withDefaults() Config {
	if c.Quality == nil {
		c.Quality = quality.CorpusBLEU
	}
	if c.QualityKey == "" {
		c.QualityKey = eval.QualityKeyBLEU
	}
	return c
}

// Diagnostics reports recoverable per-instance conditions observed while
// assembling the translation list. They accompany, never replace, a score.
type Diagnostics struct {
	// Unfinished lists instances forced to terminal state during scoring.
	Unfinished []int
	// Empty lists instances scored with an empty hypothesis.
	Empty []int
}

// Scorer combines the quality and latency aggregators over one shard.
type Scorer struct {
	cfg       Config
	instances map[int]instance.Instance

	// Replay recovery caches (speech scorer rebuilt from a bare log).
	referenceList []string
	sourceLengths []float64
}

// New builds a scorer over an instance map keyed by corpus index.
func New(instances map[int]instance.Instance, cfg Config) *Scorer {
	return &Scorer{cfg: cfg.withDefaults(), instances: instances}
}

// NewFromStore builds a live scorer sharing the store's instances.
func NewFromStore(st *store.Store, cfg Config) *Scorer {
	return New(st.Instances(), cfg)
}

// Len returns the number of instances under aggregation.
func (s *Scorer) Len() int { return len(s.instances) }

// Indices returns the shard's instance indices in ascending order. Replayed
// shards iterate their embedded indices, so merged non-adjacent shards score
// in stable corpus order.
func (s *Scorer) Indices() []int {
	indices := make([]int, 0, len(s.instances))
	for index := range s.instances {
		indices = append(indices, index)
	}
	sort.Ints(indices)
	return indices
}

// TranslationList returns every instance's prediction in index order. Any
// unfinished instance is forced to terminal state exactly once and reported;
// empty hypotheses are reported but still scored as-is.
func (s *Scorer) TranslationList() ([]string, Diagnostics) {
	diag := Diagnostics{}
	for _, index := range s.Indices() {
		inst := s.instances[index]
		if !inst.FinishPrediction() {
			diag.Unfinished = append(diag.Unfinished, index)
			inst.SentenceLevelEval()
		}
	}
	if len(diag.Unfinished) > 0 {
		logger.Warnf("hypotheses without terminal marker, forced to completion: %v", diag.Unfinished)
	}

	translations := make([]string, 0, len(s.instances))
	for _, index := range s.Indices() {
		prediction := s.instances[index].Prediction()
		if prediction == "" {
			diag.Empty = append(diag.Empty, index)
		}
		translations = append(translations, prediction)
	}
	if len(diag.Empty) > 0 {
		logger.Warnf("empty hypotheses scored as worst-case: %v", diag.Empty)
	}
	return translations, diag
}

// ReferenceList returns references in index order, falling back to the
// persisted log when the scorer was rebuilt without instances.
func (s *Scorer) ReferenceList() ([]string, error) {
	if len(s.instances) > 0 {
		references := make([]string, 0, len(s.instances))
		for _, index := range s.Indices() {
			references = append(references, s.instances[index].Reference())
		}
		return references, nil
	}
	if err := s.recoverFromLog(); err != nil {
		return nil, err
	}
	return s.referenceList, nil
}

// SourceLengths returns per-instance source lengths in index order.
func (s *Scorer) SourceLengths() ([]float64, error) {
	if len(s.instances) > 0 {
		lengths := make([]float64, 0, len(s.instances))
		for _, index := range s.Indices() {
			lengths = append(lengths, s.instances[index].SourceLength())
		}
		return lengths, nil
	}
	if err := s.recoverFromLog(); err != nil {
		return nil, err
	}
	return s.sourceLengths, nil
}

// QualityScore runs the external quality metric once over the full ordered
// hypothesis list and reports it under the configured key.
func (s *Scorer) QualityScore(ctx context.Context) (map[string]float64, Diagnostics, error) {
	var (
		hypotheses []string
		diag       Diagnostics
		err        error
	)
	if s.cfg.Speech {
		hypotheses, diag, err = s.speechTranslationList(ctx)
		if err != nil {
			return nil, diag, err
		}
	} else {
		hypotheses, diag = s.TranslationList()
	}
	references, err := s.ReferenceList()
	if err != nil {
		return nil, diag, err
	}
	score := s.cfg.Quality(hypotheses, references)
	return map[string]float64{s.cfg.QualityKey: score}, diag, nil
}

// LatencyScore aggregates latency metrics: the intersected-family mean on the
// text path, the alignment-derived per-convention report on the speech path.
func (s *Scorer) LatencyScore(ctx context.Context) (eval.LatencyReport, error) {
	if s.cfg.Speech {
		return s.speechLatencyScore(ctx)
	}
	return s.textLatencyScore()
}

// Score produces the two-key quality/latency report.
func (s *Scorer) Score(ctx context.Context) (eval.ScoreReport, error) {
	qualityScore, _, err := s.QualityScore(ctx)
	if err != nil {
		return eval.ScoreReport{}, fmt.Errorf("quality scoring: %w", err)
	}
	latencyScore, err := s.LatencyScore(ctx)
	if err != nil {
		return eval.ScoreReport{}, fmt.Errorf("latency scoring: %w", err)
	}
	report := eval.ScoreReport{Quality: qualityScore, Latency: latencyScore}
	if err := report.Validate(); err != nil {
		return eval.ScoreReport{}, fmt.Errorf("invalid score report: %w", err)
	}
	return report, nil
}

func (s *Scorer) textLatencyScore() (eval.LatencyReport, error) {
	maps := make([]eval.MetricMap, 0, len(s.instances))
	for _, index := range s.Indices() {
		inst := s.instances[index]
		if len(inst.Metrics()) == 0 {
			inst.SentenceLevelEval()
		}
		maps = append(maps, inst.Metrics())
	}

	common := eval.IntersectFamilies(maps)
	if len(common) == 0 {
		return eval.LatencyReport{}, ErrNoCommonFamilies
	}

	results := map[string]float64{}
	for _, family := range common {
		suffix, known := familySuffix[family]
		if !known {
			suffix = " (" + family + ")"
		}
		for _, name := range []string{eval.MetricAL, eval.MetricAP, eval.MetricDAL} {
			sum := 0.0
			for _, metrics := range maps {
				sum += metrics[family][name]
			}
			results[name+suffix] = sum / float64(len(maps))
		}
	}
	return eval.LatencyReport{Metrics: results}, nil
}

func (s *Scorer) speechLatencyScore(ctx context.Context) (eval.LatencyReport, error) {
	info := make(map[int]align.InstanceInfo, len(s.instances))
	for _, index := range s.Indices() {
		inst := s.instances[index]
		offset, err := inst.Summarize().TargetOffsetMS()
		if err != nil {
			return eval.LatencyReport{}, fmt.Errorf("target offset: %w", err)
		}
		info[index] = align.InstanceInfo{
			TargetOffsetMS: offset,
			SourceLengthMS: inst.SourceLength(),
			ReferenceWords: len(strings.Fields(inst.Reference())),
		}
	}
	conventions, err := s.cfg.Aligner.LatencyScores(ctx, s.cfg.LogDir, info)
	if err != nil {
		return eval.LatencyReport{}, err
	}
	return eval.LatencyReport{Conventions: conventions}, nil
}

func (s *Scorer) speechTranslationList(ctx context.Context) ([]string, Diagnostics, error) {
	logger.Warn("beta feature: evaluating speech output")
	diag := Diagnostics{}
	empties := func() []string {
		hypotheses := make([]string, s.Len())
		diag.Empty = s.Indices()
		return hypotheses
	}

	if s.cfg.Transcriber == nil {
		logger.Warn("no asr transcriber configured; scoring empty hypotheses")
		return empties(), diag, nil
	}
	manifest, err := s.cfg.Transcriber.Transcribe(ctx, s.cfg.LogDir)
	if errors.Is(err, asr.ErrTranscriberUnavailable) {
		logger.Warnf("asr transcriber unavailable, scoring empty hypotheses: %v", err)
		return empties(), diag, nil
	}
	if err != nil {
		return nil, diag, err
	}

	rows, err := asr.ParseManifest(manifest)
	if err != nil {
		return nil, diag, err
	}
	if err := asr.WriteHypotheses(s.cfg.LogDir, rows); err != nil {
		return nil, diag, err
	}

	hypotheses := make([]string, 0, s.Len())
	for i, index := range s.Indices() {
		if i >= len(rows) {
			diag.Empty = append(diag.Empty, index)
			hypotheses = append(hypotheses, "")
			continue
		}
		if rows[i].Transcription == "" {
			diag.Empty = append(diag.Empty, index)
		}
		hypotheses = append(hypotheses, rows[i].Transcription)
	}
	if len(rows) != s.Len() {
		logger.Warnf("asr manifest rows (%d) do not match shard size (%d)", len(rows), s.Len())
	}
	if len(diag.Empty) > 0 {
		logger.Warnf("empty speech hypotheses scored as worst-case: %v", diag.Empty)
	}
	return hypotheses, diag, nil
}

func (s *Scorer) recoverFromLog() error {
	if s.referenceList != nil {
		return nil
	}
	records, err := ReadLogRecords(logPath(s.cfg.LogDir))
	if err != nil {
		return fmt.Errorf("recover references from log: %w", err)
	}
	references := make([]string, 0, len(records))
	lengths := make([]float64, 0, len(records))
	for _, record := range records {
		references = append(references, record.Reference)
		lengths = append(lengths, record.SourceLength)
	}
	s.referenceList = references
	s.sourceLengths = lengths
	return nil
}
