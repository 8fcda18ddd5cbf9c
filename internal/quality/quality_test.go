package quality

import (
	"math"
	"reflect"
	"testing"
)

func TestCorpusBLEUPerfectMatchIs100(t *testing.T) {
	t.Parallel()

	refs := []string{"the cat sat on the mat today", "a quick brown fox jumps high"}
	got := CorpusBLEU(refs, refs)
	if math.Abs(got-100) > 1e-9 {
		t.Fatalf("expected BLEU 100 for identical corpus, got %f", got)
	}
}

func TestCorpusBLEUEmptyHypothesesWorstCase(t *testing.T) {
	t.Parallel()

	hyps := []string{"", ""}
	refs := []string{"some reference text here", "another reference sentence"}
	if got := CorpusBLEU(hyps, refs); got != 0 {
		t.Fatalf("expected BLEU 0 for empty hypotheses, got %f", got)
	}
}

func TestCorpusBLEUPenalizesShortHypotheses(t *testing.T) {
	t.Parallel()

	full := CorpusBLEU(
		[]string{"the cat sat on the mat today"},
		[]string{"the cat sat on the mat today"},
	)
	short := CorpusBLEU(
		[]string{"the cat sat on the"},
		[]string{"the cat sat on the mat today"},
	)
	if short >= full {
		t.Fatalf("expected brevity penalty to lower truncated score: %f >= %f", short, full)
	}
	if short <= 0 {
		t.Fatalf("expected truncated hypothesis to keep a positive score, got %f", short)
	}
}

func TestTokenize13aSplitsPunctuationButKeepsNumbers(t *testing.T) {
	t.Parallel()

	got := Tokenize13a("wait, 3.5 seconds!")
	want := []string{"wait", ",", "3.5", "seconds", "!"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected tokens: %v", got)
	}
}

func TestCorpusWER(t *testing.T) {
	t.Parallel()

	hyps := []string{"the cat sat", "a dog"}
	refs := []string{"the cat sat", "a big dog"}
	got := CorpusWER(hyps, refs)
	// One deletion against six reference words.
	if math.Abs(got-1.0/6.0) > 1e-9 {
		t.Fatalf("expected WER 1/6, got %f", got)
	}

	if got := CorpusWER([]string{"x"}, []string{""}); got != 0 {
		t.Fatalf("expected WER 0 with empty reference corpus, got %f", got)
	}
}
