package flow

import (
	"encoding/json"
	"fmt"

	"github.com/fyrsmithlabs/taskd/internal/errs"
)

// verdict is the shape an evaluator's output must decode into.
type verdict struct {
	Score    float64 `json:"score"`
	Feedback string  `json:"feedback"`
	Issues   []Issue `json:"issues"`
}

// parseVerdict extracts the score, feedback, and issues from an
// evaluator's raw output map. A missing or out-of-range score is a
// mechanism failure, not a low grade.
func parseVerdict(output map[string]any) (*verdict, error) {
	raw, ok := output["score"]
	if !ok {
		return nil, errs.Validationf("evaluator output has no score")
	}

	var score float64
	switch v := raw.(type) {
	case float64:
		score = v
	case float32:
		score = float64(v)
	case int:
		score = float64(v)
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return nil, errs.Validationf("evaluator score %q is not numeric", v.String())
		}
		score = f
	default:
		return nil, errs.Validationf("evaluator score has unexpected type %T", raw)
	}
	if score < 0 || score > 1 {
		return nil, errs.Validationf("evaluator score %v outside [0,1]", score)
	}

	v := &verdict{Score: score}
	if fb, ok := output["feedback"].(string); ok {
		v.Feedback = fb
	}
	if rawIssues, ok := output["issues"]; ok && rawIssues != nil {
		data, err := json.Marshal(rawIssues)
		if err != nil {
			return nil, fmt.Errorf("failed to re-encode issues: %w", err)
		}
		if err := json.Unmarshal(data, &v.Issues); err != nil {
			return nil, errs.Validationf("evaluator issues are malformed: %v", err)
		}
	}
	return v, nil
}
