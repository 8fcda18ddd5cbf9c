// Package quality provides corpus-level string quality scorers satisfying the
// evaluation engine's narrow quality-function contract.
package quality

import (
	"math"
	"strings"
	"unicode"
)

const maxOrder = 4

// CorpusBLEU computes corpus-level BLEU-4 with a 13a-style tokenizer and
// brevity penalty. Hypotheses and references are paired by position; empty
// hypotheses count as worst-case, never as an error.
func CorpusBLEU(hypotheses, references []string) float64 {
	if len(hypotheses) == 0 || len(hypotheses) != len(references) {
		return 0
	}

	matches := make([]float64, maxOrder)
	totals := make([]float64, maxOrder)
	hypLen, refLen := 0, 0

	for i := range hypotheses {
		hyp := Tokenize13a(hypotheses[i])
		ref := Tokenize13a(references[i])
		hypLen += len(hyp)
		refLen += len(ref)
		for order := 1; order <= maxOrder; order++ {
			hypGrams := countNGrams(hyp, order)
			refGrams := countNGrams(ref, order)
			for gram, count := range hypGrams {
				clip := count
				if refCount := refGrams[gram]; refCount < clip {
					clip = refCount
				}
				matches[order-1] += float64(clip)
				totals[order-1] += float64(count)
			}
		}
	}

	logPrecision := 0.0
	for order := 0; order < maxOrder; order++ {
		if totals[order] == 0 || matches[order] == 0 {
			return 0
		}
		logPrecision += math.Log(matches[order] / totals[order])
	}

	brevity := 1.0
	if hypLen < refLen && hypLen > 0 {
		brevity = math.Exp(1 - float64(refLen)/float64(hypLen))
	}
	return 100 * brevity * math.Exp(logPrecision/maxOrder)
}

// Tokenize13a approximates the mteval-v13a tokenizer: punctuation is split
// from adjacent words, except periods and commas embedded in numbers.
func Tokenize13a(text string) []string {
	var b strings.Builder
	runes := []rune(text)
	for i, r := range runes {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r):
			b.WriteRune(r)
		case (r == '.' || r == ',') && i > 0 && i+1 < len(runes) &&
			unicode.IsDigit(runes[i-1]) && unicode.IsDigit(runes[i+1]):
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
			b.WriteRune(r)
			b.WriteRune(' ')
		}
	}
	return strings.Fields(b.String())
}

func countNGrams(tokens []string, order int) map[string]int {
	grams := map[string]int{}
	for i := 0; i+order <= len(tokens); i++ {
		grams[strings.Join(tokens[i:i+order], "\x1f")]++
	}
	return grams
}
