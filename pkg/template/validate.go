package template

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/goclaw/conductor/pkg/payload"
)

var validate = validator.New()

// Validate checks the template against the template schema.
func Validate(t *ExecutionTemplate) error {
	if t == nil {
		return &ValidationError{Problems: []string{"template is nil"}}
	}

	var problems []string
	if err := validate.Struct(t); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			for _, fe := range fieldErrs {
				problems = append(problems, describeField(fe))
			}
		} else {
			problems = append(problems, err.Error())
		}
	}
	problems = append(problems, t.Parameters.problems()...)

	if len(problems) > 0 {
		return &ValidationError{TemplateID: t.ID, Problems: problems}
	}
	return nil
}

func (p ParameterSchema) problems() []string {
	var problems []string
	declared := make(map[string]bool, len(p.Required)+len(p.Optional))

	for _, name := range p.Required {
		if strings.TrimSpace(name) == "" {
			problems = append(problems, "parameters.required contains a blank name")
			continue
		}
		if declared[name] {
			problems = append(problems, fmt.Sprintf("parameter %q declared twice", name))
		}
		declared[name] = true
	}
	required := make(map[string]bool, len(declared))
	for k := range declared {
		required[k] = true
	}
	for _, name := range p.Optional {
		if strings.TrimSpace(name) == "" {
			problems = append(problems, "parameters.optional contains a blank name")
			continue
		}
		if required[name] {
			problems = append(problems, fmt.Sprintf("parameter %q is both required and optional", name))
		} else if declared[name] {
			problems = append(problems, fmt.Sprintf("parameter %q declared twice", name))
		}
		declared[name] = true
	}

	for _, name := range sortedKeys(p.Rules) {
		if !declared[name] {
			problems = append(problems, fmt.Sprintf("rule for undeclared parameter %q", name))
			continue
		}
		if err := compileRule(p.Rules[name]); err != nil {
			problems = append(problems, fmt.Sprintf("rule for %q: %v", name, err))
		}
	}
	return problems
}

// compileRule dry-runs a validator tag. Unknown tags make the validator panic,
// so a recovered panic means the rule can never be evaluated.
func compileRule(rule string) (err error) {
	if strings.TrimSpace(rule) == "" {
		return fmt.Errorf("empty rule")
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("invalid rule %q: %v", rule, r)
		}
	}()
	_ = validate.Var("", rule)
	return nil
}

// ParamReport is the outcome of checking caller data against a schema.
type ParamReport struct {
	Missing []string
	Invalid map[string]string
}

// OK reports whether the data satisfied the schema.
func (r ParamReport) OK() bool {
	return len(r.Missing) == 0 && len(r.Invalid) == 0
}

// Check verifies that data carries every required parameter and that present
// parameters satisfy their rules.
func (p ParameterSchema) Check(data map[string]any) ParamReport {
	var report ParamReport
	for _, name := range p.Required {
		if !payload.Has(data, name) {
			report.Missing = append(report.Missing, name)
		}
	}
	for _, name := range sortedKeys(p.Rules) {
		value, ok := data[name]
		if !ok || value == nil {
			continue
		}
		if msg := checkRule(value, p.Rules[name]); msg != "" {
			if report.Invalid == nil {
				report.Invalid = make(map[string]string)
			}
			report.Invalid[name] = msg
		}
	}
	return report
}

func checkRule(value any, rule string) (msg string) {
	defer func() {
		if r := recover(); r != nil {
			msg = fmt.Sprintf("rule %q cannot be applied: %v", rule, r)
		}
	}()
	err := validate.Var(value, rule)
	if err == nil {
		return ""
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		if fe.Param() != "" {
			return fmt.Sprintf("must satisfy %s=%s", fe.Tag(), fe.Param())
		}
		return fmt.Sprintf("must satisfy %s", fe.Tag())
	}
	return err.Error()
}

func describeField(fe validator.FieldError) string {
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %v", field, fe.Param(), fe.Value())
	case "min":
		return fmt.Sprintf("%s must be at least %s, got %v", field, fe.Param(), fe.Value())
	default:
		return fmt.Sprintf("%s failed %s", field, fe.Tag())
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
