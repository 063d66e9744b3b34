package tier

import (
	"fmt"
	"time"

	"github.com/callosum-dev/callosum/internal/template"
)

// Result is the outcome of classifying a single tool call.
type Result struct {
	Tier         Level
	ContextKey   string
	RuleName     string
	RecentWindow time.Duration
}

// Classifier is an ordered, compiled rule list. It is rebuilt, never
// mutated in place, so a pointer swap (see Reload) is the only way
// the active rule set ever changes; in-flight classifications always
// see a fully-formed matcher.
type Classifier struct {
	rules []*compiledRule
}

// Compile compiles rules in declaration order. If the list does not
// end in a universal tier-0 default, an implicit terminal default is
// appended rather than rejecting the list: the rule-ordering contract
// is enforced structurally, not by validating the caller's input.
func Compile(rules []Rule) (*Classifier, error) {
	if len(rules) == 0 || !rules[len(rules)-1].isCatchAll() {
		rules = append(append([]Rule{}, rules...), DefaultCatchAll())
	}

	compiled := make([]*compiledRule, 0, len(rules))
	for _, r := range rules {
		cr, err := compileRule(r)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, cr)
	}
	return &Classifier{rules: compiled}, nil
}

// Classify evaluates (tool, params) against the compiled rule list in
// declaration order and returns the first match. Classification is a
// pure function of the compiled rule list and the inputs: identical
// inputs against the same Classifier always produce identical output.
//
// A missing params map is treated as empty. Template expansion panics
// are recovered and surfaced as a ClassificationError equivalent
// (tier 0, no context key) so a malformed template can never brick
// the caller.
func (c *Classifier) Classify(tool string, params template.Params) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = Result{Tier: LevelReadOnly, RuleName: "recovered-panic"}
			err = fmt.Errorf("classification panic: %v", r)
		}
	}()

	if params == nil {
		params = template.Params{}
	}

	command, _ := params["command"].(string)

	for _, cr := range c.rules {
		if !cr.matchesTool(tool) {
			continue
		}
		if !paramsMatch(cr.constraints, params) {
			continue
		}
		if cr.commandRe != nil && !cr.commandRe.MatchString(command) {
			continue
		}

		result = Result{
			Tier:     cr.source.Tier,
			RuleName: cr.source.Name,
		}
		if cr.source.ContextKeyTemplate != "" {
			result.ContextKey = template.Resolve(cr.source.ContextKeyTemplate, tool, params)
		}
		if cr.source.RecentWindowMs > 0 {
			result.RecentWindow = time.Duration(cr.source.RecentWindowMs) * time.Millisecond
		}
		return result, nil
	}

	// Unreachable in practice: Compile always appends a catch-all. Kept
	// as a defensive fallback so Classify is total even if a Classifier
	// is ever constructed by hand with an empty rule slice.
	return Result{Tier: LevelReadOnly, RuleName: "default"}, nil
}

func paramsMatch(constraints []paramConstraint, params template.Params) bool {
	for _, c := range constraints {
		value, ok := params[c.name]
		if !ok || value == nil {
			return false
		}
		s := fmt.Sprintf("%v", value)
		if !c.values[s] {
			return false
		}
	}
	return true
}

// ValidateOnly compiles rules purely to surface ConfigErrors, without
// retaining the result.
func ValidateOnly(rules []Rule) error {
	_, err := Compile(rules)
	return err
}
