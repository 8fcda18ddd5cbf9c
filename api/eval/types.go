// Package eval defines the shared contract types of the sentence-level
// evaluation engine: shard ranges, reveal responses, delay summaries, metric
// maps, log records, and the nested score report.
package eval

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Source/target modality selectors for instance construction.
const (
	TypeText   = "text"
	TypeSpeech = "speech"
)

// Metric families an instance may expose. A family is present only when the
// data it derives from was available at scoring time; aggregation must
// intersect families across a shard, never assume a fixed set.
const (
	FamilyLatency         = "latency"
	FamilyLatencyCA       = "latency_ca"
	FamilyLatencyTextTime = "latency_text_w_time"
)

// Core latency metric names reported for every family.
const (
	MetricAL  = "AL"
	MetricAP  = "AP"
	MetricDAL = "DAL"
)

// Word-boundary conventions for alignment-derived speech delays.
const (
	BoundaryBOW = "BOW"
	BoundaryEOW = "EOW"
	BoundaryCOW = "COW"
)

// QualityKeyBLEU is the fixed reporting key for the corpus quality score.
const QualityKeyBLEU = "BLEU"

// ShardRange is a half-open [StartIndex, EndIndex) slice of a corpus assigned
// to one evaluation worker. A negative EndIndex means "through corpus end".
type ShardRange struct {
	StartIndex int `json:"start_index" yaml:"start_index"`
	EndIndex   int `json:"end_index" yaml:"end_index"`
}

// Resolve replaces a negative EndIndex with the corpus length.
func (r ShardRange) Resolve(corpusLen int) ShardRange {
	if r.EndIndex < 0 {
		r.EndIndex = corpusLen
	}
	return r
}

// Validate enforces shard-contract bounds on a resolved range.
func (r ShardRange) Validate() error {
	if r.StartIndex < 0 {
		return fmt.Errorf("start_index must be >=0, got %d", r.StartIndex)
	}
	if r.EndIndex < r.StartIndex {
		return fmt.Errorf("end_index %d precedes start_index %d", r.EndIndex, r.StartIndex)
	}
	return nil
}

// Len returns the number of instances a resolved range owns.
func (r ShardRange) Len() int {
	if r.EndIndex <= r.StartIndex {
		return 0
	}
	return r.EndIndex - r.StartIndex
}

// Contains reports whether index falls inside the resolved range.
func (r ShardRange) Contains(index int) bool {
	return index >= r.StartIndex && index < r.EndIndex
}

// Sample is one corpus entry handed to instance construction. Text sources
// populate Source; speech sources populate AudioPath and DurationMS.
type Sample struct {
	Source     string  `json:"source,omitempty"`
	Reference  string  `json:"reference"`
	AudioPath  string  `json:"audio_path,omitempty"`
	DurationMS float64 `json:"duration_ms,omitempty"`
}

// SegmentResponse is the result of one source reveal, tagged with the
// addressed instance so concurrent callers can correlate responses.
type SegmentResponse struct {
	InstanceID int    `json:"instance_id"`
	Content    string `json:"content"`
	Finished   bool   `json:"finished"`
	// Speech sources describe the revealed audio window instead of text.
	AudioPath string  `json:"audio_path,omitempty"`
	StartMS   float64 `json:"start_ms,omitempty"`
	EndMS     float64 `json:"end_ms,omitempty"`
}

// DelayPoint records the absolute delay of one emitted output unit.
type DelayPoint struct {
	Unit     int     `json:"unit"`
	OffsetMS float64 `json:"offset_ms"`
}

// Summary is the instance delay digest consumed by speech realignment; the
// first point's offset is the instance's absolute target offset.
type Summary struct {
	Index  int          `json:"index"`
	Delays []DelayPoint `json:"delays"`
}

// TargetOffsetMS returns the delay of the first emitted unit.
func (s Summary) TargetOffsetMS() (float64, error) {
	if len(s.Delays) == 0 {
		return 0, fmt.Errorf("instance %d has no recorded delays", s.Index)
	}
	return s.Delays[0].OffsetMS, nil
}

// MetricMap holds per-family metric values, family -> metric name -> value.
// Different instances may expose different families.
type MetricMap map[string]map[string]float64

// Families returns the sorted family keys.
func (m MetricMap) Families() []string {
	families := make([]string, 0, len(m))
	for family := range m {
		families = append(families, family)
	}
	sort.Strings(families)
	return families
}

// Clone returns a detached copy of the metric map.
func (m MetricMap) Clone() MetricMap {
	if m == nil {
		return nil
	}
	cloned := make(MetricMap, len(m))
	for family, metrics := range m {
		inner := make(map[string]float64, len(metrics))
		for name, value := range metrics {
			inner[name] = value
		}
		cloned[family] = inner
	}
	return cloned
}

// IntersectFamilies returns the family keys present in every map, sorted.
func IntersectFamilies(maps []MetricMap) []string {
	if len(maps) == 0 {
		return nil
	}
	counts := map[string]int{}
	for _, m := range maps {
		for family := range m {
			counts[family]++
		}
	}
	common := make([]string, 0, len(counts))
	for family, n := range counts {
		if n == len(maps) {
			common = append(common, family)
		}
	}
	sort.Strings(common)
	return common
}

// LogRecord is one structured line of instances.log. The embedded index makes
// each shard log self-describing so merged logs stay attributable.
type LogRecord struct {
	Index            int       `json:"index"`
	Source           string    `json:"source,omitempty"`
	Reference        string    `json:"reference"`
	Prediction       string    `json:"prediction"`
	Delays           []float64 `json:"delays,omitempty"`
	Elapsed          []float64 `json:"elapsed,omitempty"`
	FinishPrediction bool      `json:"finish_prediction"`
	SourceLength     float64   `json:"source_length"`
	Metrics          MetricMap `json:"metrics,omitempty"`
}

// Validate enforces record invariants before replay consumes it.
func (r LogRecord) Validate() error {
	if r.Index < 0 {
		return fmt.Errorf("index must be >=0, got %d", r.Index)
	}
	if r.SourceLength < 0 {
		return fmt.Errorf("source_length must be >=0, got %f", r.SourceLength)
	}
	for i := 1; i < len(r.Delays); i++ {
		if r.Delays[i] < r.Delays[i-1] {
			return fmt.Errorf("delays must be non-decreasing, got %f after %f at unit %d", r.Delays[i], r.Delays[i-1], i)
		}
	}
	return nil
}

// LatencyReport holds the latency half of a score report. Exactly one of
// Metrics (text path, flat metric -> value) or Conventions (speech path,
// boundary convention -> metric -> value) is populated.
type LatencyReport struct {
	Metrics     map[string]float64
	Conventions map[string]map[string]float64
}

// Validate rejects reports populating both or neither latency shape.
func (r LatencyReport) Validate() error {
	if r.Metrics != nil && r.Conventions != nil {
		return fmt.Errorf("latency report cannot carry both flat and per-convention metrics")
	}
	if r.Metrics == nil && r.Conventions == nil {
		return fmt.Errorf("latency report is empty")
	}
	return nil
}

// MarshalJSON emits whichever latency shape is populated.
func (r LatencyReport) MarshalJSON() ([]byte, error) {
	if r.Conventions != nil {
		return json.Marshal(r.Conventions)
	}
	return json.Marshal(r.Metrics)
}

// UnmarshalJSON probes the value shape to pick flat vs per-convention.
func (r *LatencyReport) UnmarshalJSON(data []byte) error {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	nested := false
	for _, raw := range probe {
		trimmed := []byte(raw)
		if len(trimmed) > 0 && trimmed[0] == '{' {
			nested = true
		}
		break
	}
	if nested {
		r.Metrics = nil
		return json.Unmarshal(data, &r.Conventions)
	}
	r.Conventions = nil
	return json.Unmarshal(data, &r.Metrics)
}

// ScoreReport is the immutable two-key quality/latency report, identical in
// shape for live and replayed scoring.
type ScoreReport struct {
	Quality map[string]float64 `json:"Quality"`
	Latency LatencyReport      `json:"Latency"`
}

// Validate enforces the fixed report shape.
func (s ScoreReport) Validate() error {
	if len(s.Quality) == 0 {
		return fmt.Errorf("quality section is required")
	}
	if err := s.Latency.Validate(); err != nil {
		return fmt.Errorf("invalid latency section: %w", err)
	}
	return nil
}
