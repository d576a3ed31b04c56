package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"dracanus/internal/domain"
)

type rateLimitConditions struct {
	Limit  int    `json:"limit"`
	Window string `json:"window"`
}

type budgetConditions struct {
	Limit  float64 `json:"limit"`
	Window string  `json:"window"`
}

type contentConditions struct {
	Blacklist []string `json:"blacklist"`
	Whitelist []string `json:"whitelist"`
}

type approvalTrigger struct {
	Pattern     string `json:"pattern"`
	Description string `json:"description"`
}

type approvalConditions struct {
	Triggers []approvalTrigger `json:"triggers"`
}

type timeWindowConditions struct {
	AllowedHours []int  `json:"allowed_hours"`
	Timezone     string `json:"timezone"`
}

type customConditions struct {
	Expression string `json:"expression"`
}

func decodeConditions(raw map[string]any, out any) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// Window lengths for rate and budget limits.
var windows = map[string]time.Duration{
	"hour":  time.Hour,
	"day":   24 * time.Hour,
	"week":  7 * 24 * time.Hour,
	"month": 30 * 24 * time.Hour,
}

// WindowStart returns the start of the trailing window ending at now.
// Unknown windows fall back to a day.
func WindowStart(window string, now time.Time) time.Time {
	d, ok := windows[window]
	if !ok {
		d = windows["day"]
	}
	return now.Add(-d)
}

func windowLabel(window string) string {
	if window == "" {
		return "day"
	}
	return window
}

const windowEnum = `"enum": ["hour", "day", "week", "month"]`

var conditionSchemas = map[string]string{
	domain.PolicyRateLimit: `{
  "type": "object",
  "required": ["limit", "window"],
  "properties": {
    "limit": {"type": "integer", "minimum": 1},
    "window": {"type": "string", ` + windowEnum + `}
  }
}`,
	domain.PolicyBudgetLimit: `{
  "type": "object",
  "required": ["limit", "window"],
  "properties": {
    "limit": {"type": "number", "exclusiveMinimum": 0},
    "window": {"type": "string", ` + windowEnum + `}
  }
}`,
	domain.PolicyContentFilter: `{
  "type": "object",
  "properties": {
    "blacklist": {"type": "array", "items": {"type": "string", "minLength": 1}},
    "whitelist": {"type": "array", "items": {"type": "string", "minLength": 1}}
  },
  "anyOf": [{"required": ["blacklist"]}, {"required": ["whitelist"]}]
}`,
	domain.PolicyApprovalRequired: `{
  "type": "object",
  "required": ["triggers"],
  "properties": {
    "triggers": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["pattern"],
        "properties": {
          "pattern": {"type": "string", "minLength": 1},
          "description": {"type": "string"}
        }
      }
    }
  }
}`,
	domain.PolicyTimeWindow: `{
  "type": "object",
  "required": ["allowed_hours"],
  "properties": {
    "allowed_hours": {"type": "array", "items": {"type": "integer", "minimum": 0, "maximum": 23}},
    "timezone": {"type": "string"}
  }
}`,
	domain.PolicyCustom: `{
  "type": "object",
  "required": ["expression"],
  "properties": {
    "expression": {"type": "string", "minLength": 1}
  }
}`,
}

var compiledSchemas = mustCompileSchemas()

func mustCompileSchemas() map[string]*jsonschema.Schema {
	out := make(map[string]*jsonschema.Schema, len(conditionSchemas))
	for policyType, schema := range conditionSchemas {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://dracanus.local/schemas/policy/%s.schema.json", strings.ToLower(policyType))
		if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
			panic(fmt.Sprintf("policy schema %s: %v", policyType, err))
		}
		compiled, err := c.Compile(url)
		if err != nil {
			panic(fmt.Sprintf("policy schema %s: %v", policyType, err))
		}
		out[policyType] = compiled
	}
	return out
}

// ConditionError reports an invalid condition payload for a policy type.
type ConditionError struct {
	Type string
	Err  error
}

func (e *ConditionError) Error() string {
	return fmt.Sprintf("invalid %s conditions: %v", e.Type, e.Err)
}

func (e *ConditionError) Unwrap() error { return e.Err }

// ValidateConditions checks conditions against the schema of policyType.
// Time-window timezones must also resolve.
func ValidateConditions(policyType string, conditions map[string]any) error {
	schema, ok := compiledSchemas[policyType]
	if !ok {
		return &ConditionError{Type: policyType, Err: fmt.Errorf("unknown policy type")}
	}
	data, err := json.Marshal(conditions)
	if err != nil {
		return &ConditionError{Type: policyType, Err: err}
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return &ConditionError{Type: policyType, Err: err}
	}
	if err := schema.Validate(doc); err != nil {
		return &ConditionError{Type: policyType, Err: err}
	}
	if policyType == domain.PolicyTimeWindow {
		var c timeWindowConditions
		if err := decodeConditions(conditions, &c); err != nil {
			return &ConditionError{Type: policyType, Err: err}
		}
		if _, err := loadLocation(c.Timezone); err != nil {
			return &ConditionError{Type: policyType, Err: err}
		}
	}
	return nil
}

func loadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(name)
}
