// Package instance holds the per-example streaming simulation state: the
// source reveal cursor, the emitted prediction, the delay ledger, and the
// derived metric families. Variants are selected once at shard construction
// through an explicit constructor table; no global registration step exists.
package instance

import (
	"errors"
	"fmt"
	"time"

	"github.com/tiger/streameval/api/eval"
)

var (
	// ErrReplayed rejects reveal requests against log-reconstructed instances.
	ErrReplayed = errors.New("replayed instance cannot accept source reveals")
	// ErrUnknownPair rejects unsupported source/target type combinations.
	ErrUnknownPair = errors.New("unknown source-target instance pairing")
)

// Instance is the per-example evaluation unit shared by live simulation and
// log replay. Mutating calls are sequential per instance; callers serialize.
type Instance interface {
	Index() int
	SendSource(segmentSize int) (eval.SegmentResponse, error)
	Reference() string
	Prediction() string
	FinishPrediction() bool
	SourceLength() float64
	Metrics() eval.MetricMap
	// SentenceLevelEval forces terminal scoring. On an unfinished instance it
	// marks completion and freezes the prediction; already-emitted units keep
	// their order and content.
	SentenceLevelEval()
	Summarize() eval.Summary
	LogRecord() eval.LogRecord
}

// Options carries construction-time knobs shared by instance variants.
type Options struct {
	// Now supplies wall-clock readings for computation-aware timing; nil
	// defaults to time.Now.
	Now func() time.Time
	// WavsDir receives predicted audio for speech-target instances.
	WavsDir string
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// Constructor builds one instance for a corpus sample.
type Constructor func(index int, sample eval.Sample, opts Options) (Instance, error)

// PairKey names a source/target pairing in the constructor table.
func PairKey(sourceType, targetType string) string {
	return sourceType + "-" + targetType
}

// Constructors returns the closed variant table. Callers pass it into the
// store at construction; the table itself is never mutated.
func Constructors() map[string]Constructor {
	return map[string]Constructor{
		PairKey(eval.TypeText, eval.TypeText): func(index int, sample eval.Sample, opts Options) (Instance, error) {
			return NewText(index, sample, opts), nil
		},
		PairKey(eval.TypeSpeech, eval.TypeText): func(index int, sample eval.Sample, opts Options) (Instance, error) {
			return NewSpeech(index, sample, opts, false)
		},
		PairKey(eval.TypeSpeech, eval.TypeSpeech): func(index int, sample eval.Sample, opts Options) (Instance, error) {
			return NewSpeech(index, sample, opts, true)
		},
	}
}

// Lookup resolves a constructor from the table or fails with ErrUnknownPair.
func Lookup(table map[string]Constructor, sourceType, targetType string) (Constructor, error) {
	ctor, ok := table[PairKey(sourceType, targetType)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPair, PairKey(sourceType, targetType))
	}
	return ctor, nil
}
