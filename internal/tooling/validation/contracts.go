// Package validation checks persisted evaluation artifacts against both the
// typed record invariants and an embedded JSON schema. A line must fail both
// checks before being reported invalid by intent; disagreement between the
// validators is itself reported.
package validation

import (
	"bufio"
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/tiger/streameval/api/eval"
)

//go:embed instances_log.schema.json
var logRecordSchema string

const schemaName = "instances_log.schema.json"

// LogValidationSummary reports per-line validation totals for one log.
type LogValidationSummary struct {
	Total    int
	Failed   int
	Failures []string
}

// Valid reports whether every line passed.
func (s LogValidationSummary) Valid() bool { return s.Failed == 0 }

// ValidateLog validates every record line of one instance log.
func ValidateLog(path string) (LogValidationSummary, error) {
	summary := LogValidationSummary{}
	schema, err := compileSchema()
	if err != nil {
		return summary, err
	}

	f, err := os.Open(path)
	if err != nil {
		return summary, fmt.Errorf("open instance log: %w", err)
	}
	defer f.Close()

	seen := map[int]int{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<24)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		summary.Total++

		typedErr := validateRecord(raw)
		schemaErr := validateAgainstSchema(schema, raw)
		if typedErr != nil || schemaErr != nil {
			summary.Failed++
			summary.Failures = append(summary.Failures,
				fmt.Sprintf("line %d: typed_err=%v schema_err=%v", line, typedErr, schemaErr))
			continue
		}

		var record eval.LogRecord
		if err := json.Unmarshal(raw, &record); err != nil {
			return summary, fmt.Errorf("line %d: %w", line, err)
		}
		if prev, ok := seen[record.Index]; ok {
			summary.Failed++
			summary.Failures = append(summary.Failures,
				fmt.Sprintf("line %d: index %d already recorded at line %d", line, record.Index, prev))
			continue
		}
		seen[record.Index] = line
	}
	if err := scanner.Err(); err != nil {
		return summary, fmt.Errorf("read instance log: %w", err)
	}
	return summary, nil
}

// ValidateLogDir validates the instance log of an evaluation directory, plus
// the scores file when one has been published.
func ValidateLogDir(logdir string) (LogValidationSummary, error) {
	summary, err := ValidateLog(filepath.Join(logdir, "instances.log"))
	if err != nil {
		return summary, err
	}

	scoresPath := filepath.Join(logdir, "scores")
	raw, err := os.ReadFile(scoresPath)
	if os.IsNotExist(err) {
		return summary, nil
	}
	if err != nil {
		return summary, fmt.Errorf("read scores: %w", err)
	}
	summary.Total++
	var report eval.ScoreReport
	if err := json.Unmarshal(raw, &report); err != nil {
		summary.Failed++
		summary.Failures = append(summary.Failures, fmt.Sprintf("scores: %v", err))
		return summary, nil
	}
	if err := report.Validate(); err != nil {
		summary.Failed++
		summary.Failures = append(summary.Failures, fmt.Sprintf("scores: %v", err))
	}
	return summary, nil
}

// RenderSummary renders a human-readable validation report.
func RenderSummary(summary LogValidationSummary) string {
	lines := []string{fmt.Sprintf("log records: total=%d failed=%d", summary.Total, summary.Failed)}
	if len(summary.Failures) > 0 {
		lines = append(lines, "failures:")
		for _, f := range summary.Failures {
			lines = append(lines, "- "+f)
		}
	}
	return strings.Join(lines, "\n")
}

func compileSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaName, strings.NewReader(logRecordSchema)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(schemaName)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

func validateAgainstSchema(schema *jsonschema.Schema, raw []byte) error {
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	return schema.Validate(payload)
}

func validateRecord(data []byte) error {
	var record eval.LogRecord
	if err := strictUnmarshal(data, &record); err != nil {
		return err
	}
	return record.Validate()
}

func strictUnmarshal(data []byte, target any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return err
	}
	var extra any
	if err := dec.Decode(&extra); err != io.EOF {
		return fmt.Errorf("unexpected trailing JSON payload")
	}
	return nil
}
