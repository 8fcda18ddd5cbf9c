package scorer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/tiger/streameval/api/eval"
	"github.com/tiger/streameval/internal/asr"
	"github.com/tiger/streameval/internal/instance"
)

// LogName is the per-instance record file inside an evaluation directory.
const LogName = "instances.log"

// ScoresName is the aggregate report file written beside the log.
const ScoresName = "scores"

// ErrDuplicateIndex indicates two log records claim the same corpus index;
// the shards being combined overlap and the merge is refused.
var ErrDuplicateIndex = errors.New("duplicate instance index")

func logPath(logdir string) string { return filepath.Join(logdir, LogName) }

// ReadLogRecords parses every record of one instance log, index-sorted.
func ReadLogRecords(path string) ([]eval.LogRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open instance log: %w", err)
	}
	defer f.Close()

	seen := map[int]bool{}
	var records []eval.LogRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<24)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var record eval.LogRecord
		if err := json.Unmarshal(raw, &record); err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, line, err)
		}
		if err := record.Validate(); err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, line, err)
		}
		if seen[record.Index] {
			return nil, fmt.Errorf("%s line %d: index %d: %w", path, line, record.Index, ErrDuplicateIndex)
		}
		seen[record.Index] = true
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read instance log: %w", err)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Index < records[j].Index })
	return records, nil
}

// ReadLog rebuilds replay instances from one instance log.
func ReadLog(path string) (map[int]instance.Instance, error) {
	records, err := ReadLogRecords(path)
	if err != nil {
		return nil, err
	}
	instances := make(map[int]instance.Instance, len(records))
	for _, record := range records {
		replayed, err := instance.NewReplayed(record)
		if err != nil {
			return nil, fmt.Errorf("index %d: %w", record.Index, err)
		}
		instances[record.Index] = replayed
	}
	return instances, nil
}

// FromLogDir rebuilds a scorer from a persisted evaluation directory. The
// presence of a wavs/ directory selects the speech pathway, matching how the
// directory was produced.
func FromLogDir(logdir string, cfg Config) (*Scorer, error) {
	instances, err := ReadLog(logPath(logdir))
	if err != nil {
		return nil, err
	}
	cfg.LogDir = logdir
	cfg.Speech = hasWavs(logdir)
	return New(instances, cfg), nil
}

func hasWavs(logdir string) bool {
	info, err := os.Stat(filepath.Join(logdir, asr.WavsDirName))
	return err == nil && info.IsDir()
}

// ComputeScore rebuilds a scorer from logdir, scores it, and persists the
// report as the scores file beside the instance log.
func ComputeScore(ctx context.Context, logdir string, cfg Config) (eval.ScoreReport, error) {
	scorer, err := FromLogDir(logdir, cfg)
	if err != nil {
		return eval.ScoreReport{}, err
	}
	report, err := scorer.Score(ctx)
	if err != nil {
		return eval.ScoreReport{}, err
	}
	if err := WriteReport(filepath.Join(logdir, ScoresName), report); err != nil {
		return eval.ScoreReport{}, err
	}
	return report, nil
}

// WriteReport persists a score report as indented JSON, atomically.
func WriteReport(path string, report eval.ScoreReport) error {
	data, err := json.MarshalIndent(report, "", "    ")
	if err != nil {
		return fmt.Errorf("encode score report: %w", err)
	}
	data = append(data, '\n')
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write score report: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("publish score report: %w", err)
	}
	return nil
}

// MergeLogs combines several shard logs into one index-sorted log. Any index
// appearing in more than one input aborts the merge. Returns the number of
// records written.
func MergeLogs(outPath string, inPaths ...string) (int, error) {
	owner := map[int]string{}
	var merged []eval.LogRecord
	for _, path := range inPaths {
		records, err := ReadLogRecords(path)
		if err != nil {
			return 0, err
		}
		for _, record := range records {
			if prev, ok := owner[record.Index]; ok {
				return 0, fmt.Errorf("index %d in both %s and %s: %w", record.Index, prev, path, ErrDuplicateIndex)
			}
			owner[record.Index] = path
			merged = append(merged, record)
		}
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Index < merged[j].Index })

	var buf bytes.Buffer
	for _, record := range merged {
		line, err := json.Marshal(record)
		if err != nil {
			return 0, fmt.Errorf("encode merged record %d: %w", record.Index, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	tmp := outPath + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return 0, fmt.Errorf("write merged log: %w", err)
	}
	if err := os.Rename(tmp, outPath); err != nil {
		return 0, fmt.Errorf("publish merged log: %w", err)
	}
	return len(merged), nil
}
