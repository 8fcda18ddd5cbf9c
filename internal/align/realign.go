package align

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/tiger/streameval/api/eval"
	"github.com/tiger/streameval/internal/latency"
)

// InstanceInfo carries the per-instance context needed to map alignment
// intervals back into the absolute delay timeline.
type InstanceInfo struct {
	// TargetOffsetMS is the delay of the instance's first emitted unit.
	TargetOffsetMS float64
	// SourceLengthMS normalizes latency, in milliseconds of source audio.
	SourceLengthMS float64
	// ReferenceWords is the reference word count used as target length.
	ReferenceWords int
}

// ConventionDelays holds one reconstructed delay sequence per word-boundary
// convention for one instance.
type ConventionDelays map[string][]float64

// CollectDelays parses every instance's alignment artifact and derives the
// three boundary-convention delay sequences. Every instance must have an
// artifact: a missing alignment makes the whole speech-latency computation
// invalid, so it fails loudly instead of averaging over a partial shard.
func CollectDelays(alignDir string, info map[int]InstanceInfo) (map[int]ConventionDelays, error) {
	artifacts, err := artifactsByIndex(alignDir)
	if err != nil {
		return nil, err
	}

	delays := make(map[int]ConventionDelays, len(info))
	for index, instanceInfo := range info {
		path, ok := artifacts[index]
		if !ok {
			return nil, fmt.Errorf("no alignment artifact for instance %d in %s", index, alignDir)
		}
		intervals, err := ParseTextGrid(path)
		if err != nil {
			return nil, fmt.Errorf("instance %d: %w", index, err)
		}
		conventions := ConventionDelays{}
		for _, interval := range intervals {
			if interval.Label == "" {
				continue
			}
			offset := instanceInfo.TargetOffsetMS
			conventions[eval.BoundaryBOW] = append(conventions[eval.BoundaryBOW], offset+1000*interval.MinTime)
			conventions[eval.BoundaryEOW] = append(conventions[eval.BoundaryEOW], offset+1000*interval.MaxTime)
			conventions[eval.BoundaryCOW] = append(conventions[eval.BoundaryCOW], offset+500*(interval.MinTime+interval.MaxTime))
		}
		delays[index] = conventions
	}
	return delays, nil
}

// Scores computes per-convention latency metrics, averaged unweighted across
// instances, from already-collected delay sequences.
func Scores(delays map[int]ConventionDelays, info map[int]InstanceInfo) map[string]map[string]float64 {
	indices := make([]int, 0, len(delays))
	for index := range delays {
		indices = append(indices, index)
	}
	sort.Ints(indices)

	perConvention := map[string][]map[string]float64{}
	for _, index := range indices {
		instanceInfo := info[index]
		for convention, sequence := range delays[index] {
			perConvention[convention] = append(perConvention[convention], latency.EvalAll(
				sequence,
				instanceInfo.SourceLengthMS,
				float64(instanceInfo.ReferenceWords),
			))
		}
	}

	results := make(map[string]map[string]float64, len(perConvention))
	for convention, samples := range perConvention {
		averaged := map[string]float64{}
		for name := range samples[0] {
			sum := 0.0
			for _, sample := range samples {
				sum += sample[name]
			}
			averaged[name] = sum / float64(len(samples))
		}
		results[convention] = averaged
	}
	return results
}

// LatencyScores runs alignment and returns the per-convention latency report.
func (a Aligner) LatencyScores(ctx context.Context, logdir string, info map[int]InstanceInfo) (map[string]map[string]float64, error) {
	if err := a.Align(ctx, logdir); err != nil {
		return nil, err
	}
	delays, err := CollectDelays(filepath.Join(logdir, AlignDirName), info)
	if err != nil {
		return nil, err
	}
	return Scores(delays, info), nil
}

func artifactsByIndex(alignDir string) (map[int]string, error) {
	entries, err := os.ReadDir(alignDir)
	if err != nil {
		return nil, fmt.Errorf("read alignment dir: %w", err)
	}
	artifacts := map[int]string{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".TextGrid") {
			continue
		}
		prefix, _, _ := strings.Cut(name, "_")
		prefix = strings.TrimSuffix(prefix, ".TextGrid")
		index, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, fmt.Errorf("alignment artifact %q has no instance index", name)
		}
		artifacts[index] = filepath.Join(alignDir, name)
	}
	return artifacts, nil
}
