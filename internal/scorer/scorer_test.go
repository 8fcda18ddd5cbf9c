package scorer

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/tiger/streameval/api/eval"
	"github.com/tiger/streameval/internal/align"
	"github.com/tiger/streameval/internal/instance"
)

func almostEqual(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func replayedShard(t *testing.T, records ...eval.LogRecord) map[int]instance.Instance {
	t.Helper()
	instances := map[int]instance.Instance{}
	for _, record := range records {
		inst, err := instance.NewReplayed(record)
		if err != nil {
			t.Fatalf("NewReplayed(%d): %v", record.Index, err)
		}
		instances[record.Index] = inst
	}
	return instances
}

func textRecord(index int, delays []float64, sourceLength float64) eval.LogRecord {
	return eval.LogRecord{
		Index:            index,
		Source:           "a b c",
		Reference:        "x y z",
		Prediction:       "x y z",
		Delays:           delays,
		FinishPrediction: true,
		SourceLength:     sourceLength,
	}
}

func TestTextLatencyMeansOverShard(t *testing.T) {
	t.Parallel()
	instances := replayedShard(t,
		textRecord(0, []float64{3, 3, 3}, 3),
		textRecord(1, []float64{1, 2, 3}, 3),
	)
	s := New(instances, Config{})

	report, err := s.LatencyScore(context.Background())
	if err != nil {
		t.Fatalf("LatencyScore: %v", err)
	}
	want := map[string]float64{
		eval.MetricAL:  2,
		eval.MetricAP:  5.0 / 6.0,
		eval.MetricDAL: 2,
	}
	for name, value := range want {
		if !almostEqual(report.Metrics[name], value) {
			t.Errorf("%s = %v, want %v", name, report.Metrics[name], value)
		}
	}
	if _, ok := report.Metrics[eval.MetricAL+"_CA"]; ok {
		t.Errorf("computation-aware metrics reported without wall-clock evidence")
	}
}

func TestIntersectionDropsPartialFamilies(t *testing.T) {
	t.Parallel()
	withCA := textRecord(0, []float64{1, 1, 1}, 3)
	withCA.Metrics = eval.MetricMap{
		eval.FamilyLatency:   {eval.MetricAL: 1, eval.MetricAP: 1, eval.MetricDAL: 1},
		eval.FamilyLatencyCA: {eval.MetricAL: 9, eval.MetricAP: 9, eval.MetricDAL: 9},
	}
	without := textRecord(1, []float64{1, 1, 1}, 3)

	s := New(replayedShard(t, withCA, without), Config{})
	report, err := s.LatencyScore(context.Background())
	if err != nil {
		t.Fatalf("LatencyScore: %v", err)
	}
	if _, ok := report.Metrics[eval.MetricAL]; !ok {
		t.Fatalf("common family missing from report: %v", report.Metrics)
	}
	if _, ok := report.Metrics[eval.MetricAL+"_CA"]; ok {
		t.Errorf("partial family leaked into report: %v", report.Metrics)
	}
}

func TestUnfinishedInstanceForcedExactlyOnce(t *testing.T) {
	t.Parallel()
	opts := instance.Options{Now: func() time.Time { return time.Unix(0, 0) }}
	done := instance.NewText(0, eval.Sample{Source: "a b", Reference: "x y"}, opts)
	if _, err := done.SendSource(2); err != nil {
		t.Fatalf("SendSource: %v", err)
	}
	done.Recv("x")
	done.Recv("y")
	done.Finish()

	stalled := instance.NewText(1, eval.Sample{Source: "a b", Reference: "x y"}, opts)
	if _, err := stalled.SendSource(1); err != nil {
		t.Fatalf("SendSource: %v", err)
	}
	stalled.Recv("x")

	s := New(map[int]instance.Instance{0: done, 1: stalled}, Config{})
	translations, diag := s.TranslationList()
	if want := []int{1}; !reflect.DeepEqual(diag.Unfinished, want) {
		t.Fatalf("Unfinished = %v, want %v", diag.Unfinished, want)
	}
	if !stalled.FinishPrediction() {
		t.Fatalf("stalled instance not forced to terminal state")
	}
	if want := []string{"x y", "x"}; !reflect.DeepEqual(translations, want) {
		t.Fatalf("translations = %v, want %v", translations, want)
	}

	_, diag = s.TranslationList()
	if len(diag.Unfinished) != 0 {
		t.Errorf("second pass reported unfinished again: %v", diag.Unfinished)
	}
}

func TestEmptyHypothesesDiagnosedNotFatal(t *testing.T) {
	t.Parallel()
	empty := textRecord(2, []float64{1}, 3)
	empty.Prediction = ""
	s := New(replayedShard(t, textRecord(1, []float64{1, 2}, 3), empty), Config{})

	scores, diag, err := s.QualityScore(context.Background())
	if err != nil {
		t.Fatalf("QualityScore: %v", err)
	}
	if want := []int{2}; !reflect.DeepEqual(diag.Empty, want) {
		t.Errorf("Empty = %v, want %v", diag.Empty, want)
	}
	if _, ok := scores[eval.QualityKeyBLEU]; !ok {
		t.Errorf("quality score missing %q key: %v", eval.QualityKeyBLEU, scores)
	}
}

func TestLiveAndReplayedScoresMatch(t *testing.T) {
	t.Parallel()
	opts := instance.Options{Now: func() time.Time { return time.Unix(0, 0) }}
	instances := map[int]instance.Instance{}
	for i, src := range []string{"one two three four", "five six seven eight"} {
		inst := instance.NewText(i, eval.Sample{Source: src, Reference: src}, opts)
		for {
			seg, err := inst.SendSource(1)
			if err != nil {
				t.Fatalf("SendSource: %v", err)
			}
			if seg.Finished && seg.Content == "" {
				break
			}
			inst.Recv(seg.Content)
		}
		inst.Finish()
		instances[i] = inst
	}

	cfg := Config{}
	live, err := New(instances, cfg).Score(context.Background())
	if err != nil {
		t.Fatalf("live Score: %v", err)
	}

	logdir := t.TempDir()
	path := filepath.Join(logdir, LogName)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create log: %v", err)
	}
	for i := 0; i < len(instances); i++ {
		line, err := instance.MarshalLine(instances[i])
		if err != nil {
			t.Fatalf("MarshalLine: %v", err)
		}
		if _, err := f.Write(line); err != nil {
			t.Fatalf("write log: %v", err)
		}
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close log: %v", err)
	}

	replayed, err := FromLogDir(logdir, cfg)
	if err != nil {
		t.Fatalf("FromLogDir: %v", err)
	}
	replayScore, err := replayed.Score(context.Background())
	if err != nil {
		t.Fatalf("replayed Score: %v", err)
	}

	if !reflect.DeepEqual(live.Quality, replayScore.Quality) {
		t.Errorf("quality diverged: live %v, replay %v", live.Quality, replayScore.Quality)
	}
	for name, value := range live.Latency.Metrics {
		if !almostEqual(replayScore.Latency.Metrics[name], value) {
			t.Errorf("%s diverged: live %v, replay %v", name, value, replayScore.Latency.Metrics[name])
		}
	}
}

func TestComputeScoreWritesReport(t *testing.T) {
	t.Parallel()
	logdir := t.TempDir()
	var lines []byte
	for _, record := range []eval.LogRecord{
		{
			Index: 0, Source: "a b c d", Reference: "w x y z", Prediction: "w x y z",
			Delays: []float64{1, 2, 3, 4}, FinishPrediction: true, SourceLength: 4,
		},
		{
			Index: 1, Source: "a b c d", Reference: "w x y z", Prediction: "w x y z",
			Delays: []float64{4, 4, 4, 4}, FinishPrediction: true, SourceLength: 4,
		},
	} {
		inst, err := instance.NewReplayed(record)
		if err != nil {
			t.Fatalf("NewReplayed: %v", err)
		}
		line, err := instance.MarshalLine(inst)
		if err != nil {
			t.Fatalf("MarshalLine: %v", err)
		}
		lines = append(lines, line...)
	}
	if err := os.WriteFile(filepath.Join(logdir, LogName), lines, 0o644); err != nil {
		t.Fatalf("seed log: %v", err)
	}

	report, err := ComputeScore(context.Background(), logdir, Config{})
	if err != nil {
		t.Fatalf("ComputeScore: %v", err)
	}
	if !almostEqual(report.Quality[eval.QualityKeyBLEU], 100) {
		t.Errorf("BLEU = %v, want 100", report.Quality[eval.QualityKeyBLEU])
	}

	data, err := os.ReadFile(filepath.Join(logdir, ScoresName))
	if err != nil {
		t.Fatalf("read scores: %v", err)
	}
	var onDisk eval.ScoreReport
	if err := json.Unmarshal(data, &onDisk); err != nil {
		t.Fatalf("decode scores: %v", err)
	}
	if !reflect.DeepEqual(onDisk.Quality, report.Quality) {
		t.Errorf("persisted quality %v != returned %v", onDisk.Quality, report.Quality)
	}
}

func TestMergeLogsUnionAndDuplicateRejection(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeShard := func(name string, records ...eval.LogRecord) string {
		t.Helper()
		var lines []byte
		for _, record := range records {
			line, err := json.Marshal(record)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			lines = append(append(lines, line...), '\n')
		}
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, lines, 0o644); err != nil {
			t.Fatalf("write shard: %v", err)
		}
		return path
	}

	shardA := writeShard("a.log", textRecord(4, []float64{1}, 1), textRecord(0, []float64{1}, 1))
	shardB := writeShard("b.log", textRecord(2, []float64{1}, 1))

	out := filepath.Join(dir, "merged.log")
	n, err := MergeLogs(out, shardA, shardB)
	if err != nil {
		t.Fatalf("MergeLogs: %v", err)
	}
	if n != 3 {
		t.Fatalf("merged %d records, want 3", n)
	}
	records, err := ReadLogRecords(out)
	if err != nil {
		t.Fatalf("ReadLogRecords: %v", err)
	}
	got := []int{records[0].Index, records[1].Index, records[2].Index}
	if want := []int{0, 2, 4}; !reflect.DeepEqual(got, want) {
		t.Errorf("merged order %v, want %v", got, want)
	}

	overlap := writeShard("c.log", textRecord(2, []float64{1}, 1))
	if _, err := MergeLogs(filepath.Join(dir, "bad.log"), shardA, shardB, overlap); !errors.Is(err, ErrDuplicateIndex) {
		t.Errorf("overlapping merge error = %v, want ErrDuplicateIndex", err)
	}
}

func TestSpeechPathwayFromLogDir(t *testing.T) {
	t.Parallel()
	logdir := t.TempDir()
	if err := os.Mkdir(filepath.Join(logdir, "wavs"), 0o755); err != nil {
		t.Fatalf("mkdir wavs: %v", err)
	}
	record := eval.LogRecord{
		Index:            0,
		Source:           filepath.Join(logdir, "source.wav"),
		Reference:        "hello world",
		Prediction:       "hello world",
		Delays:           []float64{500, 1500},
		Elapsed:          []float64{600, 1700},
		FinishPrediction: true,
		SourceLength:     2000,
	}
	line, err := json.Marshal(record)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(filepath.Join(logdir, LogName), append(line, '\n'), 0o644); err != nil {
		t.Fatalf("seed log: %v", err)
	}

	cfg := Config{
		Aligner: align.Aligner{
			LookPath: func(string) (string, error) { return "", errors.New("not installed") },
		},
	}
	s, err := FromLogDir(logdir, cfg)
	if err != nil {
		t.Fatalf("FromLogDir: %v", err)
	}

	// No transcriber configured: quality degrades to empty hypotheses.
	scores, diag, err := s.QualityScore(context.Background())
	if err != nil {
		t.Fatalf("QualityScore: %v", err)
	}
	if want := []int{0}; !reflect.DeepEqual(diag.Empty, want) {
		t.Errorf("Empty = %v, want %v", diag.Empty, want)
	}
	if scores[eval.QualityKeyBLEU] != 0 {
		t.Errorf("BLEU over empty hypotheses = %v, want 0", scores[eval.QualityKeyBLEU])
	}

	// Missing forced aligner is fatal for speech latency.
	if _, err := s.LatencyScore(context.Background()); !errors.Is(err, align.ErrAlignerUnavailable) {
		t.Errorf("LatencyScore error = %v, want ErrAlignerUnavailable", err)
	}
}
