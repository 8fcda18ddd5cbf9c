// Package latency implements the streaming-translation latency metrics shared
// by the text aggregation path and the alignment-derived speech path. Delays
// and source length must use the same unit within one call, either source
// token counts or elapsed milliseconds.
package latency

import (
	"math"

	"github.com/tiger/streameval/api/eval"
)

// AverageProportion is the normalized sum of per-unit delays: the fraction of
// the source, on average, consumed before each output unit is committed.
func AverageProportion(delays []float64, sourceLength, targetLength float64) float64 {
	if len(delays) == 0 || sourceLength <= 0 || targetLength <= 0 {
		return 0
	}
	sum := 0.0
	for _, d := range delays {
		sum += d
	}
	return sum / (sourceLength * targetLength)
}

// AverageLagging averages the lag behind an ideal wait-free policy over the
// prefix ending at the first unit emitted with the full source consumed.
func AverageLagging(delays []float64, sourceLength, targetLength float64) float64 {
	if len(delays) == 0 || sourceLength <= 0 || targetLength <= 0 {
		return 0
	}
	gamma := targetLength / sourceLength
	al := 0.0
	tau := 0
	for i, d := range delays {
		al += d - float64(i)/gamma
		tau = i + 1
		if d >= sourceLength {
			break
		}
	}
	return al / float64(tau)
}

// DifferentiableAverageLagging is the differentiable AL variant: each delay is
// raised to at least one ideal step past its predecessor before averaging.
func DifferentiableAverageLagging(delays []float64, sourceLength, targetLength float64) float64 {
	if len(delays) == 0 || sourceLength <= 0 || targetLength <= 0 {
		return 0
	}
	gamma := targetLength / sourceLength
	dal := 0.0
	prev := 0.0
	for i, d := range delays {
		adjusted := d
		if i > 0 {
			adjusted = math.Max(d, prev+1/gamma)
		}
		dal += adjusted - float64(i)/gamma
		prev = adjusted
	}
	return dal / float64(len(delays))
}

// EvalAll computes the three core metrics for one delay sequence. A
// non-positive targetLength defaults to the number of delays.
func EvalAll(delays []float64, sourceLength, targetLength float64) map[string]float64 {
	if targetLength <= 0 {
		targetLength = float64(len(delays))
	}
	return map[string]float64{
		eval.MetricAP:  AverageProportion(delays, sourceLength, targetLength),
		eval.MetricAL:  AverageLagging(delays, sourceLength, targetLength),
		eval.MetricDAL: DifferentiableAverageLagging(delays, sourceLength, targetLength),
	}
}
