package services

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"

	"github.com/Kortemme-Lab/pull-into-place/internal/core/domain"
)

var (
	quotedMetric = regexp.MustCompile("`([^`]+)`")
	wordOperator = regexp.MustCompile(`\b(and|or|not)\b`)
)

var thresholdFunctions = map[string]function.Function{
	"abs": stdlib.AbsoluteFunc,
	"min": stdlib.MinFunc,
	"max": stdlib.MaxFunc,
}

// Threshold is a compiled boolean predicate over the metrics of a record,
// e.g. "restraint_dist < 1.2 and total_score < 0". Metric names that are not
// plain identifiers are written in backquotes: "`foo [[-]]` < 3".
type Threshold struct {
	Source  string
	expr    hclsyntax.Expression
	aliases map[string]string
	metrics []string
}

// CompileThreshold parses one predicate. Syntax errors are configuration
// errors; metric names are checked separately, against loaded records.
func CompileThreshold(src string) (Threshold, error) {
	aliases := map[string]string{}
	byName := map[string]string{}
	rewritten := quotedMetric.ReplaceAllStringFunc(src, func(m string) string {
		name := m[1 : len(m)-1]
		if alias, ok := byName[name]; ok {
			return alias
		}
		alias := fmt.Sprintf("metric_%d_", len(aliases))
		aliases[alias] = name
		byName[name] = alias
		return alias
	})
	rewritten = wordOperator.ReplaceAllStringFunc(rewritten, func(op string) string {
		switch op {
		case "and":
			return "&&"
		case "or":
			return "||"
		default:
			return "!"
		}
	})

	expr, diags := hclsyntax.ParseExpression([]byte(rewritten), "threshold", hcl.Pos{Line: 1, Column: 1})
	if diags.HasErrors() {
		return Threshold{}, fmt.Errorf("invalid threshold %q: %s", src, diags.Error())
	}
	expr = unchain(expr)

	seen := map[string]struct{}{}
	var metrics []string
	for _, traversal := range expr.Variables() {
		name := traversal.RootName()
		if real, ok := aliases[name]; ok {
			name = real
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		metrics = append(metrics, name)
	}
	sort.Strings(metrics)

	if err := typeCheck(src, expr); err != nil {
		return Threshold{}, err
	}
	return Threshold{Source: src, expr: expr, aliases: aliases, metrics: metrics}, nil
}

func isComparison(op *hclsyntax.Operation) bool {
	switch op {
	case hclsyntax.OpLessThan, hclsyntax.OpLessThanOrEqual,
		hclsyntax.OpGreaterThan, hclsyntax.OpGreaterThanOrEqual,
		hclsyntax.OpEqual, hclsyntax.OpNotEqual:
		return true
	}
	return false
}

// unchain expands comparison chains so that "0 < loop_dist < 1" means
// "0 < loop_dist and loop_dist < 1". Parenthesised comparisons are left alone.
func unchain(e hclsyntax.Expression) hclsyntax.Expression {
	switch e := e.(type) {
	case *hclsyntax.BinaryOpExpr:
		if !isComparison(e.Op) {
			return &hclsyntax.BinaryOpExpr{LHS: unchain(e.LHS), Op: e.Op, RHS: unchain(e.RHS), SrcRange: e.SrcRange}
		}
		operands, ops := flattenChain(e)
		var out hclsyntax.Expression
		for i, op := range ops {
			cmp := &hclsyntax.BinaryOpExpr{
				LHS:      unchain(operands[i]),
				Op:       op,
				RHS:      unchain(operands[i+1]),
				SrcRange: e.SrcRange,
			}
			if out == nil {
				out = cmp
				continue
			}
			out = &hclsyntax.BinaryOpExpr{LHS: out, Op: hclsyntax.OpLogicalAnd, RHS: cmp, SrcRange: e.SrcRange}
		}
		return out
	case *hclsyntax.UnaryOpExpr:
		return &hclsyntax.UnaryOpExpr{Op: e.Op, Val: unchain(e.Val), SrcRange: e.SrcRange, SymbolRange: e.SymbolRange}
	case *hclsyntax.ParenthesesExpr:
		return &hclsyntax.ParenthesesExpr{Expression: unchain(e.Expression), SrcRange: e.SrcRange}
	case *hclsyntax.ConditionalExpr:
		return &hclsyntax.ConditionalExpr{
			Condition:   unchain(e.Condition),
			TrueResult:  unchain(e.TrueResult),
			FalseResult: unchain(e.FalseResult),
			SrcRange:    e.SrcRange,
		}
	case *hclsyntax.FunctionCallExpr:
		c := *e
		c.Args = make([]hclsyntax.Expression, len(e.Args))
		for i, arg := range e.Args {
			c.Args[i] = unchain(arg)
		}
		return &c
	}
	return e
}

// flattenChain lists the operands and operators of a run of unparenthesised
// comparisons in source order.
func flattenChain(e hclsyntax.Expression) ([]hclsyntax.Expression, []*hclsyntax.Operation) {
	b, ok := e.(*hclsyntax.BinaryOpExpr)
	if !ok || !isComparison(b.Op) {
		return []hclsyntax.Expression{e}, nil
	}
	lhs, lops := flattenChain(b.LHS)
	rhs, rops := flattenChain(b.RHS)
	ops := append(append(lops, b.Op), rops...)
	return append(lhs, rhs...), ops
}

// typeCheck evaluates the predicate with every metric unknown, which surfaces
// operand type errors and non-boolean results before any record is seen.
func typeCheck(src string, expr hclsyntax.Expression) error {
	vars := map[string]cty.Value{}
	for _, traversal := range expr.Variables() {
		vars[traversal.RootName()] = cty.UnknownVal(cty.Number)
	}
	val, diags := expr.Value(&hcl.EvalContext{Variables: vars, Functions: thresholdFunctions})
	if diags.HasErrors() {
		return fmt.Errorf("invalid threshold %q: %s", src, diags.Error())
	}
	if val.IsNull() || val.Type() != cty.Bool {
		return fmt.Errorf("threshold %q must evaluate to a boolean, got %s", src, val.Type().FriendlyName())
	}
	return nil
}

// CompileThresholds compiles every predicate of a pick-rules document.
func CompileThresholds(srcs []string) ([]Threshold, error) {
	out := make([]Threshold, 0, len(srcs))
	for _, src := range srcs {
		t, err := CompileThreshold(src)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// Metrics are the metric names the predicate references.
func (t Threshold) Metrics() []string { return t.metrics }

// Eval reports whether the record passes. A record lacking a referenced
// metric yields a *domain.MissingMetricError.
func (t Threshold) Eval(r domain.MetricRecord) (bool, error) {
	vars := make(map[string]cty.Value, len(t.metrics))
	for _, traversal := range t.expr.Variables() {
		root := traversal.RootName()
		name := root
		if real, ok := t.aliases[root]; ok {
			name = real
		}
		v, ok := r.Value(name)
		if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
			return false, &domain.MissingMetricError{Artifact: r.Path, Metric: name}
		}
		vars[root] = cty.NumberFloatVal(v)
	}

	val, diags := t.expr.Value(&hcl.EvalContext{Variables: vars, Functions: thresholdFunctions})
	if diags.HasErrors() {
		return false, fmt.Errorf("failed to evaluate threshold %q: %s", t.Source, diags.Error())
	}
	if val.IsNull() || !val.IsKnown() || val.Type() != cty.Bool {
		return false, fmt.Errorf("threshold %q must evaluate to a boolean, got %s", t.Source, val.Type().FriendlyName())
	}
	return val.True(), nil
}

// ThresholdResult counts what ApplyThresholds dropped.
type ThresholdResult struct {
	Kept          []domain.MetricRecord
	Rejected      int
	MissingMetric int
}

// ApplyThresholds keeps the records passing every predicate. Records lacking
// a referenced metric are dropped and counted, never fatal.
func ApplyThresholds(records []domain.MetricRecord, thresholds []Threshold) (ThresholdResult, error) {
	res := ThresholdResult{Kept: make([]domain.MetricRecord, 0, len(records))}
next:
	for _, r := range records {
		for _, t := range thresholds {
			ok, err := t.Eval(r)
			if err != nil {
				var missing *domain.MissingMetricError
				if errors.As(err, &missing) {
					res.MissingMetric++
					continue next
				}
				return res, err
			}
			if !ok {
				res.Rejected++
				continue next
			}
		}
		res.Kept = append(res.Kept, r)
	}
	return res, nil
}

// CheckMetricNames fails with *domain.UnknownMetricError when any requested
// metric is absent from valid.
func CheckMetricNames(requested, valid []string) error {
	known := make(map[string]struct{}, len(valid))
	for _, name := range valid {
		known[name] = struct{}{}
	}
	var unknown []string
	seen := map[string]struct{}{}
	for _, name := range requested {
		if _, ok := known[name]; ok {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		unknown = append(unknown, name)
	}
	if len(unknown) > 0 {
		return &domain.UnknownMetricError{Names: unknown, Valid: append([]string(nil), valid...)}
	}
	return nil
}
