package engine

import (
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/yazhsab/qbitel-bridge/go/soar/internal/model"
)

// ResolveField looks a condition field up in the run variables, then in the
// incident. The second result is false when the field is unknown.
func ResolveField(field string, inc *model.Incident, vars map[string]string) (string, bool) {
	if v, ok := vars[field]; ok {
		return v, true
	}
	if inc == nil {
		return "", false
	}

	switch field {
	case "id", "incident_id":
		return inc.ID, true
	case "threat_type":
		return inc.ThreatType, true
	case "severity":
		return string(inc.Severity), true
	case "state":
		return string(inc.State), true
	case "title":
		return inc.Title, true
	case "affected_assets":
		return strings.Join(inc.AffectedAssets, ","), true
	case "affected_asset_count":
		return strconv.Itoa(len(inc.AffectedAssets)), true
	}

	if key, ok := strings.CutPrefix(field, "metadata."); ok {
		v, found := inc.Metadata[key]
		return v, found
	}
	return "", false
}

// EvaluateCondition reports whether c holds. Unknown operators, missing
// fields, unparsable numbers and invalid patterns evaluate to false.
func EvaluateCondition(c model.Condition, inc *model.Incident, vars map[string]string) bool {
	actual, ok := ResolveField(c.Field, inc, vars)
	if !ok {
		return false
	}

	switch c.Operator {
	case model.OpEquals:
		return actual == c.Value
	case model.OpNotEquals:
		return actual != c.Value
	case model.OpContains:
		return strings.Contains(actual, c.Value)
	case model.OpGreaterThan, model.OpLessThan:
		a, err := strconv.ParseFloat(strings.TrimSpace(actual), 64)
		if err != nil {
			return false
		}
		b, err := strconv.ParseFloat(strings.TrimSpace(c.Value), 64)
		if err != nil {
			return false
		}
		if c.Operator == model.OpGreaterThan {
			return a > b
		}
		return a < b
	case model.OpMatches:
		re, err := regexp.Compile(c.Value)
		if err != nil {
			return false
		}
		return re.MatchString(actual)
	default:
		return false
	}
}

// EvaluateConditions reports whether every condition holds.
func EvaluateConditions(conds []model.Condition, inc *model.Incident, vars map[string]string) bool {
	for _, c := range conds {
		if !EvaluateCondition(c, inc, vars) {
			return false
		}
	}
	return true
}

// ExpandTarget replaces ${field} references with resolved field values.
// Unknown fields expand to the empty string.
func ExpandTarget(target string, inc *model.Incident, vars map[string]string) string {
	if !strings.Contains(target, "$") {
		return target
	}
	return os.Expand(target, func(field string) string {
		v, _ := ResolveField(field, inc, vars)
		return v
	})
}
