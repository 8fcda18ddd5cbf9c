package instance

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tiger/streameval/api/eval"
	"github.com/tiger/streameval/internal/latency"
)

// wav output convention for predicted speech: PCM16 mono.
const predWavSampleRate = 16000

// Speech is the speech-source instance variant. Delays are measured in
// milliseconds of source audio revealed. With a speech target the prediction
// is a sequence of audio units persisted under the log directory's wavs/.
type Speech struct {
	index        int
	audioPath    string
	durationMS   float64
	reference    string
	opts         Options
	speechTarget bool

	revealedMS float64
	started    bool
	startMS    int64
	prediction []string
	pcm        []byte
	units      int
	delays     []float64
	elapsed    []float64
	finished   bool
	evaluated  bool
	metrics    eval.MetricMap
}

// NewSpeech builds a speech-source instance over one corpus sample.
func NewSpeech(index int, sample eval.Sample, opts Options, speechTarget bool) (*Speech, error) {
	if sample.DurationMS <= 0 {
		return nil, fmt.Errorf("speech sample %d requires a positive duration, got %f", index, sample.DurationMS)
	}
	return &Speech{
		index:        index,
		audioPath:    sample.AudioPath,
		durationMS:   sample.DurationMS,
		reference:    sample.Reference,
		opts:         opts,
		speechTarget: speechTarget,
	}, nil
}

func (s *Speech) Index() int { return s.index }

// SendSource reveals up to segmentSize more milliseconds of source audio.
func (s *Speech) SendSource(segmentSize int) (eval.SegmentResponse, error) {
	if segmentSize < 1 {
		return eval.SegmentResponse{}, fmt.Errorf("segment size must be >=1, got %d", segmentSize)
	}
	if !s.started {
		s.started = true
		s.startMS = s.opts.now().UnixMilli()
	}
	start := s.revealedMS
	s.revealedMS += float64(segmentSize)
	if s.revealedMS > s.durationMS {
		s.revealedMS = s.durationMS
	}
	return eval.SegmentResponse{
		InstanceID: s.index,
		AudioPath:  s.audioPath,
		StartMS:    start,
		EndMS:      s.revealedMS,
		Finished:   s.revealedMS >= s.durationMS,
	}, nil
}

// Recv appends one predicted text token (speech-to-text) and records its
// delay as the amount of source audio consumed so far.
func (s *Speech) Recv(token string) {
	if s.finished || token == "" {
		return
	}
	s.prediction = append(s.prediction, token)
	s.recordDelay()
}

// RecvAudio appends one predicted audio unit (speech-to-speech).
func (s *Speech) RecvAudio(pcm []byte) {
	if s.finished || len(pcm) == 0 {
		return
	}
	s.pcm = append(s.pcm, pcm...)
	s.units++
	s.recordDelay()
}

func (s *Speech) recordDelay() {
	s.delays = append(s.delays, s.revealedMS)
	if s.started {
		s.elapsed = append(s.elapsed, float64(s.opts.now().UnixMilli()-s.startMS))
	}
}

// Finish marks the prediction terminal.
func (s *Speech) Finish() { s.finished = true }

// SaveWav persists the predicted audio as <index>_pred.wav under the
// configured wavs directory. Only meaningful for speech targets.
func (s *Speech) SaveWav() (string, error) {
	if !s.speechTarget {
		return "", fmt.Errorf("instance %d has no speech target", s.index)
	}
	if s.opts.WavsDir == "" {
		return "", fmt.Errorf("instance %d has no wavs directory configured", s.index)
	}
	if err := os.MkdirAll(s.opts.WavsDir, 0o755); err != nil {
		return "", fmt.Errorf("create wavs dir: %w", err)
	}
	path := filepath.Join(s.opts.WavsDir, fmt.Sprintf("%d_pred.wav", s.index))
	if err := os.WriteFile(path, PCM16WAV(s.pcm, predWavSampleRate), 0o644); err != nil {
		return "", fmt.Errorf("write predicted wav %d: %w", s.index, err)
	}
	return path, nil
}

func (s *Speech) Reference() string      { return s.reference }
func (s *Speech) Prediction() string     { return strings.Join(s.prediction, " ") }
func (s *Speech) FinishPrediction() bool { return s.finished }
func (s *Speech) SourceLength() float64  { return s.durationMS }

func (s *Speech) Metrics() eval.MetricMap { return s.metrics }

// SentenceLevelEval freezes the instance and derives its metric families from
// the raw millisecond delays. Alignment-derived families are attached later
// by the realignment pass, not here.
func (s *Speech) SentenceLevelEval() {
	if s.evaluated {
		return
	}
	s.evaluated = true
	s.finished = true

	targetLength := float64(len(s.prediction))
	if s.speechTarget {
		targetLength = float64(s.units)
	}
	s.metrics = eval.MetricMap{
		eval.FamilyLatency: latency.EvalAll(s.delays, s.durationMS, targetLength),
	}
	if len(s.elapsed) > 0 {
		s.metrics[eval.FamilyLatencyCA] = latency.EvalAll(s.elapsed, s.durationMS, targetLength)
	}
}

// Summarize reports per-unit absolute delays in milliseconds of source audio.
func (s *Speech) Summarize() eval.Summary {
	points := make([]eval.DelayPoint, 0, len(s.delays))
	for i, d := range s.delays {
		points = append(points, eval.DelayPoint{Unit: i, OffsetMS: d})
	}
	return eval.Summary{Index: s.index, Delays: points}
}

// LogRecord renders the instance as one instances.log line.
func (s *Speech) LogRecord() eval.LogRecord {
	return eval.LogRecord{
		Index:            s.index,
		Source:           s.audioPath,
		Reference:        s.reference,
		Prediction:       s.Prediction(),
		Delays:           append([]float64(nil), s.delays...),
		Elapsed:          append([]float64(nil), s.elapsed...),
		FinishPrediction: s.finished,
		SourceLength:     s.durationMS,
		Metrics:          s.metrics.Clone(),
	}
}

// PCM16WAV wraps raw little-endian PCM16 mono samples in a RIFF header.
func PCM16WAV(pcm []byte, sampleRate int) []byte {
	header := make([]byte, 44)
	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], uint32(36+len(pcm)))
	copy(header[8:12], "WAVE")
	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16)
	binary.LittleEndian.PutUint16(header[20:22], 1)
	binary.LittleEndian.PutUint16(header[22:24], 1)
	binary.LittleEndian.PutUint32(header[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(header[28:32], uint32(sampleRate*2))
	binary.LittleEndian.PutUint16(header[32:34], 2)
	binary.LittleEndian.PutUint16(header[34:36], 16)
	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], uint32(len(pcm)))
	return append(header, pcm...)
}
