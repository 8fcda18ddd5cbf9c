package instance

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tiger/streameval/api/eval"
	"github.com/tiger/streameval/internal/latency"
)

// Replayed is an instance reconstructed from one instances.log line. It is
// immutable: reveal requests fail, and scoring reads the persisted state.
type Replayed struct {
	record eval.LogRecord
}

// NewReplayed wraps a validated log record. Records persisted without a
// metrics mapping but with delays get the base latency family re-derived so
// older logs stay scoreable.
func NewReplayed(record eval.LogRecord) (*Replayed, error) {
	if err := record.Validate(); err != nil {
		return nil, fmt.Errorf("invalid log record: %w", err)
	}
	if len(record.Metrics) == 0 && len(record.Delays) > 0 {
		record.Metrics = eval.MetricMap{
			eval.FamilyLatency: latency.EvalAll(
				record.Delays,
				record.SourceLength,
				float64(len(strings.Fields(record.Prediction))),
			),
		}
	}
	return &Replayed{record: record}, nil
}

// ParseLine decodes one instances.log line into a replayed instance.
func ParseLine(line []byte) (*Replayed, error) {
	var record eval.LogRecord
	if err := json.Unmarshal(line, &record); err != nil {
		return nil, fmt.Errorf("decode log line: %w", err)
	}
	return NewReplayed(record)
}

func (r *Replayed) Index() int { return r.record.Index }

// SendSource always fails: replayed state accepts no further simulation.
func (r *Replayed) SendSource(int) (eval.SegmentResponse, error) {
	return eval.SegmentResponse{}, fmt.Errorf("%w: instance %d", ErrReplayed, r.record.Index)
}

func (r *Replayed) Reference() string      { return r.record.Reference }
func (r *Replayed) Prediction() string     { return r.record.Prediction }
func (r *Replayed) FinishPrediction() bool { return r.record.FinishPrediction }
func (r *Replayed) SourceLength() float64  { return r.record.SourceLength }

func (r *Replayed) Metrics() eval.MetricMap { return r.record.Metrics }

// SentenceLevelEval marks the replayed prediction terminal. Persisted metrics
// are kept as-is; replay never recomputes a live instance's scoring.
func (r *Replayed) SentenceLevelEval() {
	r.record.FinishPrediction = true
}

// Summarize rebuilds the delay digest from the persisted delay sequence.
func (r *Replayed) Summarize() eval.Summary {
	points := make([]eval.DelayPoint, 0, len(r.record.Delays))
	for i, d := range r.record.Delays {
		points = append(points, eval.DelayPoint{Unit: i, OffsetMS: d})
	}
	return eval.Summary{Index: r.record.Index, Delays: points}
}

// LogRecord returns the persisted record, allowing replay-of-a-replay.
func (r *Replayed) LogRecord() eval.LogRecord {
	record := r.record
	record.Delays = append([]float64(nil), r.record.Delays...)
	record.Elapsed = append([]float64(nil), r.record.Elapsed...)
	record.Metrics = r.record.Metrics.Clone()
	return record
}

// MarshalLine renders an instance as one newline-terminated log line.
func MarshalLine(inst Instance) ([]byte, error) {
	record := inst.LogRecord()
	if err := record.Validate(); err != nil {
		return nil, fmt.Errorf("instance %d produced an invalid record: %w", inst.Index(), err)
	}
	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encode log record %d: %w", inst.Index(), err)
	}
	return append(data, '\n'), nil
}
