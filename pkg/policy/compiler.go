package policy

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"

	"github.com/capassure/capcore/pkg/caperrors"
	"github.com/capassure/capcore/pkg/canonicalize"
)

// Compile lowers policy source (YAML or JSON — both unmarshal through
// yaml.v3, a JSON superset) into IR v1. In strict mode any lint aborts
// compilation with a SchemaValidation error; in relaxed mode lints are
// returned alongside a usable IR.
func Compile(source []byte, mode LintMode) (*CompileResult, error) {
	var src Source
	if err := yaml.Unmarshal(source, &src); err != nil {
		return nil, caperrors.SchemaValidation("source", "invalid policy source: %v", err)
	}

	policyHash, err := canonicalize.CanonicalSHA3(src)
	if err != nil {
		return nil, caperrors.Canonicalisation("source", "failed to canonicalise policy source: %v", err)
	}

	var lints []Lint
	rules := make([]Rule, 0, len(src.Rules))
	for _, r := range src.Rules {
		if !knownOps[r.Op] {
			lints = append(lints, Lint{
				RuleID:   r.RuleID,
				Severity: "error",
				Message:  fmt.Sprintf("unknown op %q", r.Op),
			})
			continue
		}
		if r.RuleID == "" {
			lints = append(lints, Lint{Severity: "error", Message: "rule missing rule_id"})
			continue
		}
		rules = append(rules, Rule{
			RuleID:    r.RuleID,
			Op:        r.Op,
			LHS:       r.LHS,
			RHS:       r.RHS,
			CostClass: r.CostClass,
		})
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].RuleID < rules[j].RuleID })

	var adaptivity *Adaptivity
	if src.Adaptivity != nil {
		adaptivity = &Adaptivity{}
		for _, p := range src.Adaptivity.Predicates {
			if err := validateCELSyntax(p.Expression); err != nil {
				lints = append(lints, Lint{Severity: "error", Message: fmt.Sprintf("predicate %q: %v", p.PredicateID, err)})
				continue
			}
			adaptivity.Predicates = append(adaptivity.Predicates, Predicate{
				PredicateID: p.PredicateID,
				Expression:  p.Expression,
			})
		}
		for _, a := range src.Adaptivity.Activations {
			adaptivity.Activations = append(adaptivity.Activations, Activation{
				PredicateID: a.PredicateID,
				RuleIDs:     append([]string(nil), a.RuleIDs...),
			})
		}
		sort.Slice(adaptivity.Predicates, func(i, j int) bool {
			return adaptivity.Predicates[i].PredicateID < adaptivity.Predicates[j].PredicateID
		})
		sort.Slice(adaptivity.Activations, func(i, j int) bool {
			return adaptivity.Activations[i].PredicateID < adaptivity.Activations[j].PredicateID
		})
	}

	if mode == LintStrict {
		for _, l := range lints {
			if l.Severity == "error" {
				return nil, caperrors.SchemaValidation(l.RuleID, "strict lint rejection: %s", l.Message)
			}
		}
	}

	policyID := "pol-" + policyHash[2:18]

	ir := IR{
		IRVersion:  "1.0",
		PolicyID:   policyID,
		PolicyHash: policyHash,
		Rules:      rules,
		Adaptivity: adaptivity,
	}

	irHash, err := hashIR(ir)
	if err != nil {
		return nil, err
	}
	ir.IRHash = irHash

	return &CompileResult{IR: ir, PolicyHash: policyHash, IRHash: irHash, Lints: lints}, nil
}

// hashIR computes SHA3-256(canonical(IR without ir_hash)).
func hashIR(ir IR) (string, error) {
	cp := ir
	cp.IRHash = ""
	raw, err := json.Marshal(cp)
	if err != nil {
		return "", err
	}
	var asMap map[string]interface{}
	if err := json.Unmarshal(raw, &asMap); err != nil {
		return "", err
	}
	delete(asMap, "ir_hash")
	return canonicalize.CanonicalSHA3(asMap)
}

// validateCELSyntax performs a cheap syntax sanity check so a malformed
// adaptivity predicate is caught at compile time rather than at
// evaluation time. Full CEL environment construction (with the domain's
// variable declarations) happens in the evaluator at rule-evaluation time.
func validateCELSyntax(expr string) error {
	if expr == "" {
		return fmt.Errorf("empty expression")
	}
	env, err := cel.NewEnv()
	if err != nil {
		return err
	}
	if _, iss := env.Parse(expr); iss != nil && iss.Err() != nil {
		return iss.Err()
	}
	return nil
}
