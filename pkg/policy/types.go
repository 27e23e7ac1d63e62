// Package policy implements the policy compiler: lowering YAML/JSON policy
// source into the deterministic IR v1, with optional CEL-based adaptivity
// predicates gating which rules are active.
package policy

// Op is one of the fixed set of IR rule operators.
type Op string

const (
	OpEq             Op = "eq"
	OpRangeMin       Op = "range_min"
	OpRangeMax       Op = "range_max"
	OpLt             Op = "lt"
	OpGt             Op = "gt"
	OpNonMembership  Op = "non_membership"
	OpNonIntersection Op = "non_intersection"
	OpThreshold      Op = "threshold"
)

var knownOps = map[Op]bool{
	OpEq: true, OpRangeMin: true, OpRangeMax: true, OpLt: true, OpGt: true,
	OpNonMembership: true, OpNonIntersection: true, OpThreshold: true,
}

// SourceRule is one rule as authored in policy source.
type SourceRule struct {
	RuleID    string      `yaml:"rule_id" json:"rule_id"`
	Op        Op          `yaml:"op" json:"op"`
	LHS       string      `yaml:"lhs" json:"lhs"`
	RHS       interface{} `yaml:"rhs" json:"rhs"`
	CostClass string      `yaml:"cost_class" json:"cost_class"`
}

// SourceAdaptivity declares CEL predicates and which rule_ids each one
// gates, so a policy can adapt its active rule set to context.
type SourceAdaptivity struct {
	Predicates  []SourcePredicate  `yaml:"predicates" json:"predicates"`
	Activations []SourceActivation `yaml:"activations" json:"activations"`
}

type SourcePredicate struct {
	PredicateID string `yaml:"predicate_id" json:"predicate_id"`
	Expression  string `yaml:"expression" json:"expression"`
}

type SourceActivation struct {
	PredicateID string   `yaml:"predicate_id" json:"predicate_id"`
	RuleIDs     []string `yaml:"rule_ids" json:"rule_ids"`
}

// Source is the authored policy document, in either YAML or JSON form.
type Source struct {
	PolicyName string            `yaml:"policy_name" json:"policy_name"`
	Rules      []SourceRule      `yaml:"rules" json:"rules"`
	Adaptivity *SourceAdaptivity `yaml:"adaptivity,omitempty" json:"adaptivity,omitempty"`
}

// Rule is one IR rule. Field order in the JSON encoding follows struct
// declaration order; canonicalize.JCS sorts keys regardless, so this only
// affects readability of non-canonical dumps.
type Rule struct {
	RuleID    string      `json:"rule_id"`
	Op        Op          `json:"op"`
	LHS       string      `json:"lhs"`
	RHS       interface{} `json:"rhs"`
	CostClass string      `json:"cost_class"`
}

// Predicate is one compiled adaptivity predicate.
type Predicate struct {
	PredicateID string `json:"predicate_id"`
	Expression  string `json:"expression"`
}

// Activation binds a predicate to the rule_ids it activates.
type Activation struct {
	PredicateID string   `json:"predicate_id"`
	RuleIDs     []string `json:"rule_ids"`
}

// Adaptivity is the compiled adaptivity block, present only when the
// source declared one.
type Adaptivity struct {
	Predicates  []Predicate  `json:"predicates"`
	Activations []Activation `json:"activations"`
}

// IR is the deterministic intermediate representation: IR v1.
type IR struct {
	IRVersion  string      `json:"ir_version"`
	PolicyID   string      `json:"policy_id"`
	PolicyHash string      `json:"policy_hash"`
	Rules      []Rule      `json:"rules"`
	Adaptivity *Adaptivity `json:"adaptivity,omitempty"`
	IRHash     string      `json:"ir_hash"`
}

// Lint is a single compile-time diagnostic.
type Lint struct {
	RuleID   string `json:"rule_id,omitempty"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// LintMode controls whether lints reject compilation.
type LintMode string

const (
	LintStrict  LintMode = "strict"
	LintRelaxed LintMode = "relaxed"
)

// CompileResult is the output of Compile.
type CompileResult struct {
	IR         IR
	PolicyHash string
	IRHash     string
	Lints      []Lint
}
