// Package align re-derives word-level delay for speech output from an
// external forced aligner: it invokes the aligner over the synthesized wavs,
// parses the interval-annotated artifacts, maps each word interval back into
// the instance's absolute delay timeline, and aggregates the three
// word-boundary conventions through the shared latency metrics.
package align

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Interval is one aligned word: a label and its time bounds in seconds.
type Interval struct {
	MinTime float64
	MaxTime float64
	Label   string
}

// ParseTextGrid reads the interval tier of a Praat TextGrid alignment
// artifact. Only the first tier is consumed; silence intervals keep their
// empty label and are filtered by the caller.
func ParseTextGrid(path string) ([]Interval, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open textgrid: %w", err)
	}
	defer f.Close()

	var (
		intervals []Interval
		current   *Interval
		inTier    bool
		tierSeen  bool
	)
	flush := func() {
		if current != nil {
			intervals = append(intervals, *current)
			current = nil
		}
	}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "item ["):
			if tierSeen {
				flush()
				return intervals, nil
			}
		case strings.Contains(line, `"IntervalTier"`):
			inTier = true
			tierSeen = true
		case !inTier:
			continue
		case strings.HasPrefix(line, "intervals ["):
			flush()
			current = &Interval{}
		case current != nil && strings.HasPrefix(line, "xmin"):
			value, err := numberAfterEquals(line)
			if err != nil {
				return nil, fmt.Errorf("parse xmin in %s: %w", path, err)
			}
			current.MinTime = value
		case current != nil && strings.HasPrefix(line, "xmax"):
			value, err := numberAfterEquals(line)
			if err != nil {
				return nil, fmt.Errorf("parse xmax in %s: %w", path, err)
			}
			current.MaxTime = value
		case current != nil && strings.HasPrefix(line, "text"):
			current.Label = labelAfterEquals(line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read textgrid: %w", err)
	}
	flush()
	if !tierSeen {
		return nil, fmt.Errorf("textgrid %s has no interval tier", path)
	}
	return intervals, nil
}

func numberAfterEquals(line string) (float64, error) {
	_, raw, ok := strings.Cut(line, "=")
	if !ok {
		return 0, fmt.Errorf("missing value in %q", line)
	}
	return strconv.ParseFloat(strings.TrimSpace(raw), 64)
}

func labelAfterEquals(line string) string {
	_, raw, ok := strings.Cut(line, "=")
	if !ok {
		return ""
	}
	return strings.Trim(strings.TrimSpace(raw), `"`)
}
