package allocation

import (
	"fmt"

	exprlang "github.com/expr-lang/expr"
	exprvm "github.com/expr-lang/expr/vm"

	"github.com/cochaviz/dbmatrix/internal/profile"
)

// rule routes the profiles matching a boolean expression to a provider.
//
// Expressions see name, directory, origin and properties, e.g.
//
//	name startsWith "pg" || properties["hibernate.dialect"] contains "PostgreSQL"
type rule struct {
	expression string
	program    *exprvm.Program
	provider   Provider
}

func compileRule(expression string, provider Provider) (rule, error) {
	if expression == "" {
		return rule{}, fmt.Errorf("rule expression must not be empty")
	}
	program, err := exprlang.Compile(expression,
		exprlang.Env(ruleEnvironment(profile.Profile{})),
		exprlang.AsBool(),
	)
	if err != nil {
		return rule{}, fmt.Errorf("compile rule %q: %w", expression, err)
	}
	return rule{expression: expression, program: program, provider: provider}, nil
}

func (r rule) matches(p profile.Profile) (bool, error) {
	out, err := exprlang.Run(r.program, ruleEnvironment(p))
	if err != nil {
		return false, fmt.Errorf("evaluate rule %q for profile %s: %w", r.expression, p.Name, err)
	}
	matched, _ := out.(bool)
	return matched, nil
}

func ruleEnvironment(p profile.Profile) map[string]any {
	props := p.Properties.Map()
	return map[string]any{
		"name":       p.Name,
		"directory":  p.Directory,
		"origin":     p.Origin,
		"properties": props,
	}
}
