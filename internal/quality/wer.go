package quality

import (
	"strings"

	"github.com/texttheater/golang-levenshtein/levenshtein"
)

// CorpusWER computes corpus-level word error rate: total word-level edit
// distance over total reference words. Hypotheses and references are paired
// by position; a longer slice's tail is ignored.
func CorpusWER(hypotheses, references []string) float64 {
	pairs := len(hypotheses)
	if len(references) < pairs {
		pairs = len(references)
	}
	distance := 0
	refWords := 0
	for i := 0; i < pairs; i++ {
		hyp := strings.Fields(hypotheses[i])
		ref := strings.Fields(references[i])
		refWords += len(ref)
		distance += wordDistance(hyp, ref)
	}
	if refWords == 0 {
		return 0
	}
	return float64(distance) / float64(refWords)
}

// wordDistance maps each distinct word to a rune so the rune-based
// levenshtein implementation measures word-level edits.
func wordDistance(hyp, ref []string) int {
	vocab := map[string]rune{}
	next := rune(1)
	encode := func(words []string) []rune {
		encoded := make([]rune, len(words))
		for i, word := range words {
			code, ok := vocab[word]
			if !ok {
				code = next
				next++
				vocab[word] = code
			}
			encoded[i] = code
		}
		return encoded
	}
	return levenshtein.DistanceForStrings(encode(hyp), encode(ref), levenshtein.DefaultOptions)
}
