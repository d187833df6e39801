package forward

import (
	"sort"
	"strings"
)

// stepIndicators mark an outputs key as describing a pipeline step. Matching
// is case-insensitive substring.
var stepIndicators = []string{
	"step",
	"stage",
	"phase",
	"iteration",
	"round",
	"formatted_prompt",
	"initial_response",
	"extracted_info",
	"refined_analysis",
	"structured_content",
	"final_analysis",
	"validation_result",
	"first",
	"second",
	"third",
	"final",
	"last",
}

// wellKnownStepNames maps recognized output keys onto human labels. Keys not
// listed here are title-cased from their underscore form.
var wellKnownStepNames = map[string]string{
	"formatted_prompt":   "Prompt Template",
	"initial_response":   "Initial Response",
	"extracted_info":     "Extracted Info",
	"refined_analysis":   "Refined Analysis",
	"structured_content": "Structured Content",
	"final_analysis":     "Final Analysis",
	"validation_result":  "Validation",
}

// step is one synthetic child span derived from a run's outputs.
type step struct {
	Key   string
	Name  string
	Value interface{}
}

// stepLike reports whether the outputs map describes intermediate pipeline
// steps worth expanding into synthetic spans. Any indicator key qualifies;
// the multi-key clause catches maps whose keys individually look ordinary
// but collectively read like a pipeline.
func stepLike(outputs map[string]interface{}) bool {
	if len(outputs) == 0 {
		return false
	}

	matches := 0
	for key := range outputs {
		if hasStepIndicator(key) {
			matches++
		}
	}

	if matches > 0 {
		return true
	}

	return len(outputs) >= 3 && matches >= 2
}

func hasStepIndicator(key string) bool {
	lower := strings.ToLower(key)
	for _, indicator := range stepIndicators {
		if strings.Contains(lower, indicator) {
			return true
		}
	}

	return false
}

// detectSteps extracts the step entries from outputs, ordered by key so the
// same run always expands into the same span sequence. Returns nil when the
// outputs are not step-like.
func detectSteps(outputs map[string]interface{}) []step {
	if !stepLike(outputs) {
		return nil
	}

	keys := make([]string, 0, len(outputs))
	for key := range outputs {
		if hasStepIndicator(key) {
			keys = append(keys, key)
		}
	}

	sort.Strings(keys)

	steps := make([]step, 0, len(keys))
	for _, key := range keys {
		steps = append(steps, step{
			Key:   key,
			Name:  stepName(key),
			Value: outputs[key],
		})
	}

	return steps
}

// stepName generates the human label for a step key.
func stepName(key string) string {
	if name, ok := wellKnownStepNames[strings.ToLower(key)]; ok {
		return name
	}

	parts := strings.Split(strings.ToLower(key), "_")
	for i, part := range parts {
		if part == "" {
			continue
		}

		parts[i] = strings.ToUpper(part[:1]) + part[1:]
	}

	return strings.Join(parts, " ")
}
