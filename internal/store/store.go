// Package store owns the per-shard instance map: construction, reset, indexed
// access, and persistence of the instances.log artifact. Shards are disjoint
// half-open index ranges; two stores over the same corpus must never overlap.
package store

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/tiger/streameval/api/eval"
	"github.com/tiger/streameval/internal/instance"
)

var logger = logrus.WithField("component", "store")

var (
	// ErrIndexOutOfShard marks a caller-side shard contract violation.
	ErrIndexOutOfShard = errors.New("instance index outside shard range")
	// ErrShardBeyondCorpus marks a shard range exceeding the corpus.
	ErrShardBeyondCorpus = errors.New("shard range exceeds corpus length")
)

// Corpus is the narrow accessor the store consumes; manifest loading from
// disk lives outside the engine.
type Corpus interface {
	Len() int
	Sample(index int) (eval.Sample, error)
}

// MemoryCorpus is an in-memory corpus, used by tests and small runs.
type MemoryCorpus []eval.Sample

func (c MemoryCorpus) Len() int { return len(c) }

func (c MemoryCorpus) Sample(index int) (eval.Sample, error) {
	if index < 0 || index >= len(c) {
		return eval.Sample{}, fmt.Errorf("corpus sample %d out of range [0, %d)", index, len(c))
	}
	return c[index], nil
}

// Store holds exactly one instance per index of its shard.
type Store struct {
	shard     eval.ShardRange
	corpus    Corpus
	ctor      instance.Constructor
	opts      instance.Options
	instances map[int]instance.Instance
}

// New resolves the shard against the corpus, validates the contract, and
// populates the store.
func New(corpus Corpus, shard eval.ShardRange, ctor instance.Constructor, opts instance.Options) (*Store, error) {
	resolved := shard.Resolve(corpus.Len())
	if err := resolved.Validate(); err != nil {
		return nil, fmt.Errorf("invalid shard range: %w", err)
	}
	if resolved.EndIndex > corpus.Len() {
		return nil, fmt.Errorf("%w: end_index %d over corpus of %d", ErrShardBeyondCorpus, resolved.EndIndex, corpus.Len())
	}
	s := &Store{shard: resolved, corpus: corpus, ctor: ctor, opts: opts}
	if err := s.Reset(); err != nil {
		return nil, err
	}
	return s, nil
}

// Shard returns the resolved shard range.
func (s *Store) Shard() eval.ShardRange { return s.shard }

// Len returns the number of instances the shard owns.
func (s *Store) Len() int { return s.shard.Len() }

// Info reports the shard handshake summary for remote callers.
func (s *Store) Info() map[string]int {
	return map[string]int{"num_sentences": s.Len()}
}

// Indices returns the shard's instance indices in ascending order.
func (s *Store) Indices() []int {
	indices := make([]int, 0, len(s.instances))
	for index := range s.instances {
		indices = append(indices, index)
	}
	sort.Ints(indices)
	return indices
}

// Reset re-instantiates every instance in range. Idempotent, but re-creating
// a populated shard discards prior simulation state, so it warns.
func (s *Store) Reset() error {
	if len(s.instances) > 0 {
		logger.Warnf("resetting populated shard [%d, %d): prior simulation state is discarded", s.shard.StartIndex, s.shard.EndIndex)
	}
	instances := make(map[int]instance.Instance, s.shard.Len())
	for index := s.shard.StartIndex; index < s.shard.EndIndex; index++ {
		sample, err := s.corpus.Sample(index)
		if err != nil {
			return fmt.Errorf("load corpus sample %d: %w", index, err)
		}
		inst, err := s.ctor(index, sample, s.opts)
		if err != nil {
			return fmt.Errorf("construct instance %d: %w", index, err)
		}
		instances[index] = inst
	}
	s.instances = instances
	return nil
}

// Instances exposes the live instance map for scoring. The simulation driver
// and the scorer share these instances; access stays sequential per instance.
func (s *Store) Instances() map[int]instance.Instance { return s.instances }

// Get returns the addressed instance; an index outside the shard is a caller
// contract violation and fatal to the run.
func (s *Store) Get(index int) (instance.Instance, error) {
	inst, ok := s.instances[index]
	if !ok {
		return nil, fmt.Errorf("%w: %d not in [%d, %d)", ErrIndexOutOfShard, index, s.shard.StartIndex, s.shard.EndIndex)
	}
	return inst, nil
}

// SendSource forwards a reveal request to the addressed instance. The result
// carries the instance id so out-of-order callers can correlate responses.
func (s *Store) SendSource(instanceID, segmentSize int) (eval.SegmentResponse, error) {
	inst, err := s.Get(instanceID)
	if err != nil {
		return eval.SegmentResponse{}, err
	}
	resp, err := inst.SendSource(segmentSize)
	if err != nil {
		return eval.SegmentResponse{}, fmt.Errorf("reveal on instance %d: %w", instanceID, err)
	}
	resp.InstanceID = instanceID
	return resp, nil
}

// WriteLog serializes every instance, in index order, one line each.
func (s *Store) WriteLog(w io.Writer) error {
	for _, index := range s.Indices() {
		line, err := instance.MarshalLine(s.instances[index])
		if err != nil {
			return err
		}
		if _, err := w.Write(line); err != nil {
			return fmt.Errorf("write log line %d: %w", index, err)
		}
	}
	return nil
}

// WriteLogFile persists instances.log via write-then-rename so a crash never
// leaves a partial log behind.
func (s *Store) WriteLogFile(path string) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create log file: %w", err)
	}
	if err := s.WriteLog(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close log file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publish log file: %w", err)
	}
	return nil
}
