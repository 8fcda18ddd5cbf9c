package instance

import (
	"fmt"
	"strings"

	"github.com/tiger/streameval/api/eval"
	"github.com/tiger/streameval/internal/latency"
)

// Text is the text-source, text-target instance variant. Delays are measured
// in source tokens read; wall-clock families are added when timing is live.
type Text struct {
	index        int
	sourceTokens []string
	reference    string
	opts         Options

	step        int
	started     bool
	startMS     int64
	sourceAtMS  float64
	prediction  []string
	delays      []float64
	elapsed     []float64
	finished    bool
	evaluated   bool
	metrics     eval.MetricMap
}

// NewText builds a text instance over one corpus sample.
func NewText(index int, sample eval.Sample, opts Options) *Text {
	return &Text{
		index:        index,
		sourceTokens: strings.Fields(sample.Source),
		reference:    sample.Reference,
		opts:         opts,
	}
}

func (t *Text) Index() int { return t.index }

// SendSource reveals up to segmentSize further source tokens. Once the source
// is exhausted it keeps returning an empty, finished segment.
func (t *Text) SendSource(segmentSize int) (eval.SegmentResponse, error) {
	if segmentSize < 1 {
		return eval.SegmentResponse{}, fmt.Errorf("segment size must be >=1, got %d", segmentSize)
	}
	if !t.started {
		t.started = true
		t.startMS = t.opts.now().UnixMilli()
	}
	end := t.step + segmentSize
	if end > len(t.sourceTokens) {
		end = len(t.sourceTokens)
	}
	content := strings.Join(t.sourceTokens[t.step:end], " ")
	t.step = end
	if t.step >= len(t.sourceTokens) && t.sourceAtMS == 0 {
		t.sourceAtMS = t.wallMS()
	}
	return eval.SegmentResponse{
		InstanceID: t.index,
		Content:    content,
		Finished:   t.step >= len(t.sourceTokens),
	}, nil
}

// Recv appends one predicted token and records its delay. Ignored once the
// prediction is frozen.
func (t *Text) Recv(token string) {
	if t.finished || token == "" {
		return
	}
	t.prediction = append(t.prediction, token)
	t.delays = append(t.delays, float64(t.step))
	if t.started {
		t.elapsed = append(t.elapsed, t.wallMS())
	}
}

// Finish marks the prediction terminal (the streaming system emitted EOS).
func (t *Text) Finish() { t.finished = true }

func (t *Text) Reference() string      { return t.reference }
func (t *Text) Prediction() string     { return strings.Join(t.prediction, " ") }
func (t *Text) FinishPrediction() bool { return t.finished }
func (t *Text) SourceLength() float64  { return float64(len(t.sourceTokens)) }

func (t *Text) Metrics() eval.MetricMap { return t.metrics }

// SentenceLevelEval freezes the instance and derives its metric families.
// Safe to call more than once; only the first call computes.
func (t *Text) SentenceLevelEval() {
	if t.evaluated {
		return
	}
	t.evaluated = true
	t.finished = true

	targetLength := float64(len(t.prediction))
	t.metrics = eval.MetricMap{
		eval.FamilyLatency: latency.EvalAll(t.delays, t.SourceLength(), targetLength),
	}
	if len(t.elapsed) == 0 {
		return
	}
	sourceMS := t.sourceAtMS
	if sourceMS == 0 {
		sourceMS = t.elapsed[len(t.elapsed)-1]
	}
	t.metrics[eval.FamilyLatencyCA] = latency.EvalAll(t.elapsed, sourceMS, targetLength)

	// Source-proportional millisecond rendering of the token delays.
	msPerToken := sourceMS / t.SourceLength()
	scaled := make([]float64, len(t.delays))
	for i, d := range t.delays {
		scaled[i] = d * msPerToken
	}
	t.metrics[eval.FamilyLatencyTextTime] = latency.EvalAll(scaled, sourceMS, targetLength)
}

// Summarize reports the absolute delay of each emitted unit, in wall-clock
// milliseconds when timing was captured, token counts otherwise.
func (t *Text) Summarize() eval.Summary {
	points := make([]eval.DelayPoint, 0, len(t.delays))
	for i := range t.delays {
		offset := t.delays[i]
		if i < len(t.elapsed) {
			offset = t.elapsed[i]
		}
		points = append(points, eval.DelayPoint{Unit: i, OffsetMS: offset})
	}
	return eval.Summary{Index: t.index, Delays: points}
}

// LogRecord renders the instance as one instances.log line.
func (t *Text) LogRecord() eval.LogRecord {
	return eval.LogRecord{
		Index:            t.index,
		Source:           strings.Join(t.sourceTokens, " "),
		Reference:        t.reference,
		Prediction:       t.Prediction(),
		Delays:           append([]float64(nil), t.delays...),
		Elapsed:          append([]float64(nil), t.elapsed...),
		FinishPrediction: t.finished,
		SourceLength:     t.SourceLength(),
		Metrics:          t.metrics.Clone(),
	}
}

func (t *Text) wallMS() float64 {
	return float64(t.opts.now().UnixMilli() - t.startMS)
}
