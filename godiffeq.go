// Package godiffeq is a symbolic front-end for differential equation systems.
//
// Design goals:
//   - Deterministic symbolic kernel with exact rational arithmetic (math/big.Rat)
//   - Declare ODE/algebraic systems over symbolic variables, then generate
//     directly callable numeric right-hand-side, Jacobian and inverse-W functions
//   - Stable output ordering so generated functions match declaration order
//   - Embeddable in Go solvers, CLI tools, and agent backends
package godiffeq

import (
	"fmt"
	"math"
	"math/big"
	"sort"
	"strings"
)

// ============================================================
// Core Interface
// ============================================================

type Expr interface {
	Simplify() Expr
	String() string
	LaTeX() string
	Sub(varName string, value Expr) Expr
	Diff(varName string) Expr
	Eval() (*Num, bool)
	Equal(other Expr) bool
	exprType() string
	toJSON() map[string]interface{}
}

// ============================================================
// Num — exact rational number
// ============================================================

type Num struct{ val *big.Rat }

func N(n int64) *Num { return &Num{val: new(big.Rat).SetInt64(n)} }
func F(p, q int64) *Num {
	if q == 0 {
		panic("godiffeq: denominator is zero")
	}
	return &Num{val: new(big.Rat).SetFrac(big.NewInt(p), big.NewInt(q))}
}
func NFloat(f float64) *Num {
	r := new(big.Rat).SetFloat64(f)
	if r == nil {
		panic("godiffeq: NFloat requires a finite value")
	}
	return &Num{val: r}
}

// nfloat is the non-panicking form used by numeric folding; it reports
// false for NaN and infinities, which big.Rat cannot represent.
func nfloat(f float64) (*Num, bool) {
	r := new(big.Rat).SetFloat64(f)
	if r == nil {
		return nil, false
	}
	return &Num{val: r}, true
}

func (n *Num) Simplify() Expr        { return n }
func (n *Num) Sub(string, Expr) Expr { return n }
func (n *Num) Diff(string) Expr      { return N(0) }
func (n *Num) Eval() (*Num, bool)    { return n, true }

func (n *Num) Equal(other Expr) bool {
	o, ok := other.(*Num)
	return ok && n.val.Cmp(o.val) == 0
}

func (n *Num) exprType() string { return "num" }

func (n *Num) Float64() float64 {
	f, _ := n.val.Float64()
	return f
}

func (n *Num) IsZero() bool     { return n.val.Sign() == 0 }
func (n *Num) IsOne() bool      { return n.val.Cmp(new(big.Rat).SetInt64(1)) == 0 }
func (n *Num) IsNegOne() bool   { return n.val.Cmp(new(big.Rat).SetInt64(-1)) == 0 }
func (n *Num) IsInteger() bool  { return n.val.IsInt() }
func (n *Num) IsPositive() bool { return n.val.Sign() > 0 }
func (n *Num) IsNegative() bool { return n.val.Sign() < 0 }

func (n *Num) String() string {
	if n.val.IsInt() {
		return n.val.Num().String()
	}
	return n.val.RatString()
}

func (n *Num) LaTeX() string {
	if n.val.IsInt() {
		return n.val.Num().String()
	}
	sign := ""
	v := new(big.Rat).Set(n.val)
	if v.Sign() < 0 {
		sign = "-"
		v.Neg(v)
	}
	return fmt.Sprintf("%s\\frac{%s}{%s}", sign, v.Num().String(), v.Denom().String())
}

func (n *Num) toJSON() map[string]interface{} {
	return map[string]interface{}{"type": "num", "value": n.String()}
}

func numAdd(a, b *Num) *Num { return &Num{val: new(big.Rat).Add(a.val, b.val)} }
func numMul(a, b *Num) *Num { return &Num{val: new(big.Rat).Mul(a.val, b.val)} }
func numRecip(a *Num) *Num {
	if a.IsZero() {
		panic("godiffeq: division by zero")
	}
	return &Num{val: new(big.Rat).Inv(a.val)}
}

// ============================================================
// Var — symbolic variable
//
// A variable carries an optional list of independent variables it
// depends on (a non-empty list makes it a dependent variable), and an
// optional derivative marker set with D. Identity is structural:
// name plus dependence list plus marker.
// ============================================================

// DiffMark tags a variable occurrence as differentiated.
// Wrt stays nil until code generation picks the independent variable.
type DiffMark struct {
	Order int
	Wrt   *Var
}

type Var struct {
	name string
	deps []*Var
	mark *DiffMark
}

// V constructs a symbolic variable. With no deps it is a plain symbol
// (parameter or independent variable); with deps it is a dependent
// variable varying over those independent variables.
func V(name string, deps ...*Var) *Var { return &Var{name: name, deps: deps} }

// D returns a derivative-tagged copy of v. Repeated application raises
// the differential order.
func D(v *Var) *Var {
	order := 1
	if v.mark != nil {
		order = v.mark.Order + 1
	}
	return &Var{name: v.name, deps: v.deps, mark: &DiffMark{Order: order}}
}

func (v *Var) Name() string       { return v.name }
func (v *Var) Deps() []*Var       { return v.deps }
func (v *Var) IsDependent() bool  { return len(v.deps) > 0 }
func (v *Var) IsDerivative() bool { return v.mark != nil }

// Base strips the derivative marker.
func (v *Var) Base() *Var {
	if v.mark == nil {
		return v
	}
	return &Var{name: v.name, deps: v.deps}
}

// key is the stable identity used for classification and dedup.
func (v *Var) key() string {
	var sb strings.Builder
	sb.WriteString(v.name)
	if len(v.deps) > 0 {
		sb.WriteString("(")
		for i, d := range v.deps {
			if i > 0 {
				sb.WriteString(",")
			}
			sb.WriteString(d.name)
		}
		sb.WriteString(")")
	}
	if v.mark != nil {
		fmt.Fprintf(&sb, "'%d", v.mark.Order)
	}
	return sb.String()
}

func (v *Var) Simplify() Expr { return v }

func (v *Var) String() string {
	if v.mark == nil {
		return v.name
	}
	if v.mark.Order == 1 {
		return "D(" + v.name + ")"
	}
	return fmt.Sprintf("D%d(%s)", v.mark.Order, v.name)
}

func (v *Var) LaTeX() string {
	if v.mark == nil {
		return v.name
	}
	switch v.mark.Order {
	case 1:
		return "\\dot{" + v.name + "}"
	case 2:
		return "\\ddot{" + v.name + "}"
	}
	return fmt.Sprintf("%s^{(%d)}", v.name, v.mark.Order)
}

func (v *Var) Sub(varName string, value Expr) Expr {
	if v.mark == nil && v.name == varName {
		return value
	}
	return v
}

func (v *Var) Diff(varName string) Expr {
	if v.mark == nil && v.name == varName {
		return N(1)
	}
	return N(0)
}

func (v *Var) Eval() (*Num, bool) { return nil, false }

func (v *Var) Equal(other Expr) bool {
	o, ok := other.(*Var)
	return ok && v.key() == o.key()
}

func (v *Var) exprType() string { return "var" }

func (v *Var) toJSON() map[string]interface{} {
	m := map[string]interface{}{"type": "var", "name": v.name}
	if len(v.deps) > 0 {
		deps := make([]string, len(v.deps))
		for i, d := range v.deps {
			deps[i] = d.name
		}
		m["deps"] = deps
	}
	if v.mark != nil {
		m["diff"] = map[string]interface{}{"order": v.mark.Order}
	}
	return m
}

// ============================================================
// Add — sum of terms
// ============================================================

type Add struct{ terms []Expr }

func AddOf(terms ...Expr) Expr { return (&Add{terms: terms}).Simplify() }

func (a *Add) Simplify() Expr {
	flat := make([]Expr, 0, len(a.terms))
	for _, t := range a.terms {
		s := t.Simplify()
		if inner, ok := s.(*Add); ok {
			flat = append(flat, inner.terms...)
		} else {
			flat = append(flat, s)
		}
	}
	numAccum := N(0)
	varCoeffs := map[string]*Num{}
	varByKey := map[string]*Var{}
	varOrder := []string{}
	others := []Expr{}
	for _, t := range flat {
		switch v := t.(type) {
		case *Num:
			numAccum = numAdd(numAccum, v)
		case *Var:
			k := v.key()
			if _, seen := varCoeffs[k]; !seen {
				varOrder = append(varOrder, k)
				varCoeffs[k] = N(0)
				varByKey[k] = v
			}
			varCoeffs[k] = numAdd(varCoeffs[k], N(1))
		default:
			others = append(others, t)
		}
	}
	result := []Expr{}
	sort.Strings(varOrder)
	for _, k := range varOrder {
		coeff := varCoeffs[k]
		if coeff.IsZero() {
			continue
		}
		if coeff.IsOne() {
			result = append(result, varByKey[k])
		} else {
			result = append(result, MulOf(coeff, varByKey[k]))
		}
	}
	result = append(result, others...)
	if !numAccum.IsZero() {
		result = append(result, numAccum)
	}
	if len(result) == 0 {
		return N(0)
	}
	if len(result) == 1 {
		return result[0]
	}
	return &Add{terms: result}
}

func (a *Add) String() string {
	if len(a.terms) == 0 {
		return "0"
	}
	parts := make([]string, len(a.terms))
	for i, t := range a.terms {
		parts[i] = t.String()
	}
	return strings.Join(parts, " + ")
}

func (a *Add) LaTeX() string {
	parts := make([]string, len(a.terms))
	for i, t := range a.terms {
		parts[i] = t.LaTeX()
	}
	return strings.Join(parts, " + ")
}

func (a *Add) Sub(varName string, value Expr) Expr {
	newTerms := make([]Expr, len(a.terms))
	for i, t := range a.terms {
		newTerms[i] = t.Sub(varName, value)
	}
	return AddOf(newTerms...)
}

func (a *Add) Diff(varName string) Expr {
	dTerms := make([]Expr, len(a.terms))
	for i, t := range a.terms {
		dTerms[i] = t.Diff(varName)
	}
	return AddOf(dTerms...)
}

func (a *Add) Eval() (*Num, bool) {
	acc := N(0)
	for _, t := range a.terms {
		v, ok := t.Eval()
		if !ok {
			return nil, false
		}
		acc = numAdd(acc, v)
	}
	return acc, true
}

func (a *Add) Equal(other Expr) bool {
	o, ok := other.(*Add)
	if !ok || len(a.terms) != len(o.terms) {
		return false
	}
	for i := range a.terms {
		if !a.terms[i].Equal(o.terms[i]) {
			return false
		}
	}
	return true
}

func (a *Add) exprType() string { return "add" }
func (a *Add) toJSON() map[string]interface{} {
	ts := make([]map[string]interface{}, len(a.terms))
	for i, t := range a.terms {
		ts[i] = t.toJSON()
	}
	return map[string]interface{}{"type": "add", "terms": ts}
}
func (a *Add) Terms() []Expr { return a.terms }

// ============================================================
// Mul — product of factors
// ============================================================

type Mul struct{ factors []Expr }

func MulOf(factors ...Expr) Expr { return (&Mul{factors: factors}).Simplify() }

func (m *Mul) Simplify() Expr {
	flat := make([]Expr, 0, len(m.factors))
	for _, f := range m.factors {
		s := f.Simplify()
		if inner, ok := s.(*Mul); ok {
			flat = append(flat, inner.factors...)
		} else {
			flat = append(flat, s)
		}
	}
	coeff := N(1)
	others := []Expr{}
	for _, f := range flat {
		if v, ok := f.(*Num); ok {
			coeff = numMul(coeff, v)
		} else {
			others = append(others, f)
		}
	}
	if coeff.IsZero() {
		return N(0)
	}
	if len(others) == 0 {
		return coeff
	}

	// Precompute sort keys to avoid repeated String() calls in comparator.
	type keyed struct {
		e   Expr
		key string
	}
	ks := make([]keyed, len(others))
	for i, e := range others {
		ks[i] = keyed{e: e, key: e.String()}
	}
	sort.Slice(ks, func(i, j int) bool { return ks[i].key < ks[j].key })
	sortedOthers := make([]Expr, len(ks))
	for i := range ks {
		sortedOthers[i] = ks[i].e
	}
	others = sortedOthers

	if coeff.IsOne() {
		if len(others) == 1 {
			return others[0]
		}
		return &Mul{factors: others}
	}
	return &Mul{factors: append([]Expr{coeff}, others...)}
}

func (m *Mul) String() string {
	if len(m.factors) == 0 {
		return "1"
	}
	parts := make([]string, len(m.factors))
	for i, f := range m.factors {
		_, isAdd := f.(*Add)
		if isAdd {
			parts[i] = "(" + f.String() + ")"
		} else {
			parts[i] = f.String()
		}
	}
	return strings.Join(parts, "*")
}

func (m *Mul) LaTeX() string {
	parts := make([]string, len(m.factors))
	for i, f := range m.factors {
		_, isAdd := f.(*Add)
		if isAdd {
			parts[i] = "\\left(" + f.LaTeX() + "\\right)"
		} else {
			parts[i] = f.LaTeX()
		}
	}
	return strings.Join(parts, " ")
}

func (m *Mul) Sub(varName string, value Expr) Expr {
	newFactors := make([]Expr, len(m.factors))
	for i, f := range m.factors {
		newFactors[i] = f.Sub(varName, value)
	}
	return MulOf(newFactors...)
}

func (m *Mul) Diff(varName string) Expr {
	terms := make([]Expr, len(m.factors))
	for i, fi := range m.factors {
		dfi := fi.Diff(varName)
		others := make([]Expr, 0, len(m.factors)-1)
		for j, fj := range m.factors {
			if j != i {
				others = append(others, fj)
			}
		}
		if len(others) == 0 {
			terms[i] = dfi
		} else {
			terms[i] = MulOf(append([]Expr{dfi}, others...)...)
		}
	}
	return AddOf(terms...)
}

func (m *Mul) Eval() (*Num, bool) {
	acc := N(1)
	for _, f := range m.factors {
		v, ok := f.Eval()
		if !ok {
			return nil, false
		}
		acc = numMul(acc, v)
	}
	return acc, true
}

func (m *Mul) Equal(other Expr) bool {
	o, ok := other.(*Mul)
	if !ok || len(m.factors) != len(o.factors) {
		return false
	}
	for i := range m.factors {
		if !m.factors[i].Equal(o.factors[i]) {
			return false
		}
	}
	return true
}

func (m *Mul) exprType() string { return "mul" }
func (m *Mul) toJSON() map[string]interface{} {
	fs := make([]map[string]interface{}, len(m.factors))
	for i, f := range m.factors {
		fs[i] = f.toJSON()
	}
	return map[string]interface{}{"type": "mul", "factors": fs}
}
func (m *Mul) Factors() []Expr { return m.factors }

// ============================================================
// Pow — base^exponent
// ============================================================

type Pow struct{ base, exp Expr }

func PowOf(base, exp Expr) Expr { return (&Pow{base: base, exp: exp}).Simplify() }

func (p *Pow) Simplify() Expr {
	base := p.base.Simplify()
	exp := p.exp.Simplify()

	if en, ok := exp.(*Num); ok && en.IsZero() {
		return N(1)
	}
	if en, ok := exp.(*Num); ok && en.IsOne() {
		return base
	}

	// Handle 0^exp carefully.
	if bn, ok := base.(*Num); ok && bn.IsZero() {
		if en, ok2 := exp.(*Num); ok2 {
			// 0^0 is indeterminate; 0^negative is division by zero.
			if en.IsZero() || en.IsNegative() {
				return &Pow{base: base, exp: exp}
			}
		}
		return N(0)
	}

	if bn, ok := base.(*Num); ok && bn.IsOne() {
		return N(1)
	}
	if bn, ok := base.(*Num); ok {
		if en, ok2 := exp.(*Num); ok2 && en.IsInteger() {
			e := en.val.Num().Int64()
			if e >= 0 && e <= 20 {
				result := N(1)
				for i := int64(0); i < e; i++ {
					result = numMul(result, bn)
				}
				return result
			}
			if e < 0 && e >= -20 {
				posE := -e
				result := N(1)
				for i := int64(0); i < posE; i++ {
					result = numMul(result, bn)
				}
				// Will panic if result == 0, but base==0 was handled above.
				return numRecip(result)
			}
		}
	}
	if inner, ok := base.(*Pow); ok {
		newExp := MulOf(inner.exp, exp).Simplify()
		return PowOf(inner.base, newExp)
	}
	return &Pow{base: base, exp: exp}
}

func (p *Pow) String() string {
	baseStr := p.base.String()
	expStr := p.exp.String()
	_, baseIsAdd := p.base.(*Add)
	_, baseIsMul := p.base.(*Mul)
	if baseIsAdd || baseIsMul {
		baseStr = "(" + baseStr + ")"
	}
	return baseStr + "^" + expStr
}

func (p *Pow) LaTeX() string {
	baseStr := p.base.LaTeX()
	expStr := p.exp.LaTeX()
	_, baseIsAdd := p.base.(*Add)
	_, baseIsMul := p.base.(*Mul)
	if baseIsAdd || baseIsMul {
		baseStr = "\\left(" + baseStr + "\\right)"
	}
	return baseStr + "^{" + expStr + "}"
}

func (p *Pow) Sub(varName string, value Expr) Expr {
	return PowOf(p.base.Sub(varName, value), p.exp.Sub(varName, value))
}

func (p *Pow) Diff(varName string) Expr {
	du := p.base.Diff(varName)
	dv := p.exp.Diff(varName)
	_, expIsNum := p.exp.(*Num)
	if expIsNum {
		newExp := AddOf(p.exp, N(-1))
		return MulOf(p.exp, PowOf(p.base, newExp), du)
	}
	_, baseIsNum := p.base.(*Num)
	if baseIsNum {
		return MulOf(PowOf(p.base, p.exp), LnOf(p.base), dv)
	}
	logTerm := MulOf(dv, LnOf(p.base))
	divTerm := MulOf(p.exp, du, PowOf(p.base, N(-1)))
	return MulOf(PowOf(p.base, p.exp), AddOf(logTerm, divTerm))
}

func (p *Pow) Eval() (*Num, bool) {
	b, ok1 := p.base.Eval()
	e, ok2 := p.exp.Eval()
	if ok1 && ok2 {
		bf := b.Float64()
		ef := e.Float64()
		pf := math.Pow(bf, ef)
		if math.IsNaN(pf) || math.IsInf(pf, 0) {
			return nil, false
		}
		return NFloat(pf), true
	}
	return nil, false
}

func (p *Pow) Equal(other Expr) bool {
	o, ok := other.(*Pow)
	return ok && p.base.Equal(o.base) && p.exp.Equal(o.exp)
}

func (p *Pow) exprType() string { return "pow" }
func (p *Pow) toJSON() map[string]interface{} {
	return map[string]interface{}{"type": "pow", "base": p.base.toJSON(), "exp": p.exp.toJSON()}
}
func (p *Pow) Base() Expr    { return p.base }
func (p *Pow) ExpExpr() Expr { return p.exp }

// ============================================================
// Func — named function applications
// ============================================================

type Func struct {
	name string
	arg  Expr
}

func funcOf(name string, arg Expr) *Func { return &Func{name: name, arg: arg} }

func SinOf(arg Expr) Expr  { return funcOf("sin", arg).Simplify() }
func CosOf(arg Expr) Expr  { return funcOf("cos", arg).Simplify() }
func TanOf(arg Expr) Expr  { return funcOf("tan", arg).Simplify() }
func ExpOf(arg Expr) Expr  { return funcOf("exp", arg).Simplify() }
func LnOf(arg Expr) Expr   { return funcOf("ln", arg).Simplify() }
func SqrtOf(arg Expr) Expr { return PowOf(arg, F(1, 2)) }
func AbsOf(arg Expr) Expr  { return funcOf("abs", arg).Simplify() }
func AsinOf(arg Expr) Expr { return funcOf("asin", arg).Simplify() }
func AcosOf(arg Expr) Expr { return funcOf("acos", arg).Simplify() }
func AtanOf(arg Expr) Expr { return funcOf("atan", arg).Simplify() }
func SinhOf(arg Expr) Expr { return funcOf("sinh", arg).Simplify() }
func CoshOf(arg Expr) Expr { return funcOf("cosh", arg).Simplify() }
func TanhOf(arg Expr) Expr { return funcOf("tanh", arg).Simplify() }

// applyFunc evaluates a named unary function at v. known reports
// whether the name has a numeric rule at all.
func applyFunc(name string, v float64) (val float64, known bool) {
	switch name {
	case "sin":
		return math.Sin(v), true
	case "cos":
		return math.Cos(v), true
	case "tan":
		return math.Tan(v), true
	case "exp":
		return math.Exp(v), true
	case "ln":
		return math.Log(v), true
	case "abs":
		return math.Abs(v), true
	case "asin":
		return math.Asin(v), true
	case "acos":
		return math.Acos(v), true
	case "atan":
		return math.Atan(v), true
	case "sinh":
		return math.Sinh(v), true
	case "cosh":
		return math.Cosh(v), true
	case "tanh":
		return math.Tanh(v), true
	}
	return 0, false
}

func (f *Func) Simplify() Expr {
	arg := f.arg.Simplify()
	if n, ok := arg.(*Num); ok {
		// Out-of-domain arguments (ln(0), asin(2), ...) produce
		// non-finite values; those stay symbolic.
		if v, known := applyFunc(f.name, n.Float64()); known {
			if r, ok := nfloat(v); ok {
				return r
			}
		}
	}
	switch f.name {
	case "ln":
		if inner, ok := arg.(*Func); ok && inner.name == "exp" {
			return inner.arg
		}
	case "exp":
		if inner, ok := arg.(*Func); ok && inner.name == "ln" {
			return inner.arg
		}
	}
	return &Func{name: f.name, arg: arg}
}

func (f *Func) String() string { return f.name + "(" + f.arg.String() + ")" }

func (f *Func) LaTeX() string {
	switch f.name {
	case "sin", "cos", "tan", "exp", "ln", "sinh", "cosh", "tanh":
		return "\\" + f.name + "\\left(" + f.arg.LaTeX() + "\\right)"
	case "asin":
		return "\\arcsin\\left(" + f.arg.LaTeX() + "\\right)"
	case "acos":
		return "\\arccos\\left(" + f.arg.LaTeX() + "\\right)"
	case "atan":
		return "\\arctan\\left(" + f.arg.LaTeX() + "\\right)"
	case "abs":
		return "\\left|" + f.arg.LaTeX() + "\\right|"
	}
	return "\\operatorname{" + f.name + "}\\left(" + f.arg.LaTeX() + "\\right)"
}

func (f *Func) Sub(varName string, value Expr) Expr {
	return funcOf(f.name, f.arg.Sub(varName, value)).Simplify()
}

func (f *Func) Diff(varName string) Expr {
	du := f.arg.Diff(varName)
	var outer Expr
	switch f.name {
	case "sin":
		outer = CosOf(f.arg)
	case "cos":
		outer = MulOf(N(-1), SinOf(f.arg))
	case "tan":
		outer = AddOf(N(1), PowOf(TanOf(f.arg), N(2)))
	case "exp":
		outer = ExpOf(f.arg)
	case "ln":
		outer = PowOf(f.arg, N(-1))
	case "asin":
		outer = PowOf(AddOf(N(1), MulOf(N(-1), PowOf(f.arg, N(2)))), F(-1, 2))
	case "acos":
		outer = MulOf(N(-1), PowOf(AddOf(N(1), MulOf(N(-1), PowOf(f.arg, N(2)))), F(-1, 2)))
	case "atan":
		outer = PowOf(AddOf(N(1), PowOf(f.arg, N(2))), N(-1))
	case "sinh":
		outer = CoshOf(f.arg)
	case "cosh":
		outer = SinhOf(f.arg)
	case "tanh":
		outer = AddOf(N(1), MulOf(N(-1), PowOf(TanhOf(f.arg), N(2))))
	default:
		return MulOf(funcOf("D["+f.name+"]", f.arg), du)
	}
	return MulOf(outer, du).Simplify()
}

func (f *Func) Eval() (*Num, bool) {
	n, ok := f.arg.Eval()
	if !ok {
		return nil, false
	}
	v, known := applyFunc(f.name, n.Float64())
	if !known {
		return nil, false
	}
	return nfloat(v)
}

func (f *Func) Equal(other Expr) bool {
	o, ok := other.(*Func)
	return ok && f.name == o.name && f.arg.Equal(o.arg)
}

func (f *Func) exprType() string { return "func" }
func (f *Func) toJSON() map[string]interface{} {
	return map[string]interface{}{"type": "func", "name": f.name, "arg": f.arg.toJSON()}
}
func (f *Func) FuncName() string { return f.name }
func (f *Func) Arg() Expr        { return f.arg }

// ============================================================
// Derivative — unresolved differentiation node
// ============================================================

// Derivative defers differentiation of arg with respect to wrt until
// ExpandDerivatives is applied.
type Derivative struct {
	arg Expr
	wrt string
}

func DiffOf(arg Expr, wrt string) Expr { return &Derivative{arg: arg, wrt: wrt} }

func (d *Derivative) Simplify() Expr { return &Derivative{arg: d.arg.Simplify(), wrt: d.wrt} }
func (d *Derivative) String() string { return "D(" + d.arg.String() + ", " + d.wrt + ")" }
func (d *Derivative) LaTeX() string {
	return "\\frac{\\partial}{\\partial " + d.wrt + "}\\left(" + d.arg.LaTeX() + "\\right)"
}
func (d *Derivative) Sub(varName string, value Expr) Expr {
	return &Derivative{arg: d.arg.Sub(varName, value), wrt: d.wrt}
}
func (d *Derivative) Diff(varName string) Expr { return &Derivative{arg: d, wrt: varName} }
func (d *Derivative) Eval() (*Num, bool)       { return nil, false }
func (d *Derivative) Equal(other Expr) bool {
	o, ok := other.(*Derivative)
	return ok && d.wrt == o.wrt && d.arg.Equal(o.arg)
}
func (d *Derivative) exprType() string { return "deriv" }
func (d *Derivative) toJSON() map[string]interface{} {
	return map[string]interface{}{"type": "deriv", "arg": d.arg.toJSON(), "wrt": d.wrt}
}
func (d *Derivative) Arg() Expr   { return d.arg }
func (d *Derivative) Wrt() string { return d.wrt }

// ExpandDerivatives pushes every Derivative node down through the
// sum/product/chain rules to the leaves. The result contains no
// Derivative nodes.
func ExpandDerivatives(e Expr) Expr {
	switch v := e.(type) {
	case *Derivative:
		inner := ExpandDerivatives(v.arg)
		return ExpandDerivatives(inner.Diff(v.wrt))
	case *Add:
		newTerms := make([]Expr, len(v.terms))
		for i, t := range v.terms {
			newTerms[i] = ExpandDerivatives(t)
		}
		return AddOf(newTerms...)
	case *Mul:
		newFactors := make([]Expr, len(v.factors))
		for i, f := range v.factors {
			newFactors[i] = ExpandDerivatives(f)
		}
		return MulOf(newFactors...)
	case *Pow:
		return PowOf(ExpandDerivatives(v.base), ExpandDerivatives(v.exp))
	case *Func:
		return funcOf(v.name, ExpandDerivatives(v.arg)).Simplify()
	}
	return e
}

// ============================================================
// Substitution of subtrees
// ============================================================

// ReplaceAll substitutes every occurrence of target (by structural
// equality) with repl, returning a new tree.
func ReplaceAll(e, target, repl Expr) Expr {
	if e.Equal(target) {
		return repl
	}
	switch v := e.(type) {
	case *Add:
		newTerms := make([]Expr, len(v.terms))
		for i, t := range v.terms {
			newTerms[i] = ReplaceAll(t, target, repl)
		}
		return AddOf(newTerms...)
	case *Mul:
		newFactors := make([]Expr, len(v.factors))
		for i, f := range v.factors {
			newFactors[i] = ReplaceAll(f, target, repl)
		}
		return MulOf(newFactors...)
	case *Pow:
		return PowOf(ReplaceAll(v.base, target, repl), ReplaceAll(v.exp, target, repl))
	case *Func:
		return funcOf(v.name, ReplaceAll(v.arg, target, repl)).Simplify()
	case *Derivative:
		return &Derivative{arg: ReplaceAll(v.arg, target, repl), wrt: v.wrt}
	}
	return e
}

// ReplaceInPlace applies ReplaceAll across a mutable container of root
// expressions, rewriting each slot.
func ReplaceInPlace(roots []Expr, target, repl Expr) {
	for i := range roots {
		roots[i] = ReplaceAll(roots[i], target, repl)
	}
}

// ============================================================
// Free variables
// ============================================================

// FreeVars returns every distinct variable in e, keyed by identity.
func FreeVars(e Expr) map[string]*Var {
	result := map[string]*Var{}
	var out []*Var
	collectVars(e, &out)
	for _, v := range out {
		if _, ok := result[v.key()]; !ok {
			result[v.key()] = v
		}
	}
	return result
}

// collectVars appends every variable occurrence in traversal order.
func collectVars(e Expr, out *[]*Var) {
	switch v := e.(type) {
	case *Var:
		*out = append(*out, v)
	case *Add:
		for _, t := range v.terms {
			collectVars(t, out)
		}
	case *Mul:
		for _, f := range v.factors {
			collectVars(f, out)
		}
	case *Pow:
		collectVars(v.base, out)
		collectVars(v.exp, out)
	case *Func:
		collectVars(v.arg, out)
	case *Derivative:
		collectVars(v.arg, out)
	}
}

// ============================================================
// Top-level convenience functions
// ============================================================

func Simplify(e Expr) Expr { return e.Simplify() }
func String(e Expr) string { return e.String() }
func LaTeX(e Expr) string  { return e.LaTeX() }

func Sub(expr Expr, varName string, value Expr) Expr {
	return expr.Sub(varName, value).Simplify()
}

func Diff(expr Expr, varName string) Expr {
	return expr.Diff(varName).Simplify()
}

// ============================================================
// Matrix — symbolic matrix
// ============================================================

type Matrix struct {
	rows, cols int
	data       [][]Expr
}

func NewMatrix(rows, cols int) *Matrix {
	data := make([][]Expr, rows)
	for i := range data {
		data[i] = make([]Expr, cols)
		for j := range data[i] {
			data[i][j] = N(0)
		}
	}
	return &Matrix{rows: rows, cols: cols, data: data}
}

func MatrixFromSlice(rows, cols int, entries []Expr) *Matrix {
	if len(entries) != rows*cols {
		panic(fmt.Sprintf("godiffeq: MatrixFromSlice needs %d entries, got %d", rows*cols, len(entries)))
	}
	m := NewMatrix(rows, cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			m.data[i][j] = entries[i*cols+j]
		}
	}
	return m
}

func (m *Matrix) checkBounds(row, col int) {
	if row < 0 || row >= m.rows || col < 0 || col >= m.cols {
		panic(fmt.Sprintf("godiffeq: matrix index out of range [%d,%d] for %dx%d", row, col, m.rows, m.cols))
	}
}

func (m *Matrix) Get(row, col int) Expr {
	m.checkBounds(row, col)
	return m.data[row][col]
}
func (m *Matrix) Set(row, col int, val Expr) {
	m.checkBounds(row, col)
	m.data[row][col] = val
}
func (m *Matrix) Rows() int { return m.rows }
func (m *Matrix) Cols() int { return m.cols }

func (m *Matrix) String() string {
	var sb strings.Builder
	sb.WriteString("[")
	for i := 0; i < m.rows; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("[")
		for j := 0; j < m.cols; j++ {
			if j > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(m.data[i][j].String())
		}
		sb.WriteString("]")
	}
	sb.WriteString("]")
	return sb.String()
}

func (m *Matrix) LaTeX() string {
	var sb strings.Builder
	sb.WriteString("\\begin{pmatrix}")
	for i := 0; i < m.rows; i++ {
		if i > 0 {
			sb.WriteString(" \\\\ ")
		}
		for j := 0; j < m.cols; j++ {
			if j > 0 {
				sb.WriteString(" & ")
			}
			sb.WriteString(m.data[i][j].LaTeX())
		}
	}
	sb.WriteString("\\end{pmatrix}")
	return sb.String()
}

func (m *Matrix) MatAdd(other *Matrix) *Matrix {
	if m.rows != other.rows || m.cols != other.cols {
		panic("godiffeq: matrix dimension mismatch in MatAdd")
	}
	result := NewMatrix(m.rows, m.cols)
	for i := 0; i < m.rows; i++ {
		for j := 0; j < m.cols; j++ {
			result.data[i][j] = AddOf(m.data[i][j], other.data[i][j]).Simplify()
		}
	}
	return result
}

func (m *Matrix) MatSub(other *Matrix) *Matrix {
	if m.rows != other.rows || m.cols != other.cols {
		panic("godiffeq: matrix dimension mismatch in MatSub")
	}
	result := NewMatrix(m.rows, m.cols)
	for i := 0; i < m.rows; i++ {
		for j := 0; j < m.cols; j++ {
			result.data[i][j] = AddOf(m.data[i][j], MulOf(N(-1), other.data[i][j])).Simplify()
		}
	}
	return result
}

func (m *Matrix) MatMul(other *Matrix) *Matrix {
	if m.cols != other.rows {
		panic("godiffeq: matrix dimension mismatch in MatMul")
	}
	result := NewMatrix(m.rows, other.cols)
	for i := 0; i < m.rows; i++ {
		for j := 0; j < other.cols; j++ {
			terms := make([]Expr, m.cols)
			for k := 0; k < m.cols; k++ {
				terms[k] = MulOf(m.data[i][k], other.data[k][j])
			}
			result.data[i][j] = AddOf(terms...).Simplify()
		}
	}
	return result
}

func (m *Matrix) Scale(scalar Expr) *Matrix {
	result := NewMatrix(m.rows, m.cols)
	for i := 0; i < m.rows; i++ {
		for j := 0; j < m.cols; j++ {
			result.data[i][j] = MulOf(scalar, m.data[i][j]).Simplify()
		}
	}
	return result
}

func (m *Matrix) Transpose() *Matrix {
	result := NewMatrix(m.cols, m.rows)
	for i := 0; i < m.rows; i++ {
		for j := 0; j < m.cols; j++ {
			result.data[j][i] = m.data[i][j]
		}
	}
	return result
}

func (m *Matrix) Det() Expr {
	if m.rows != m.cols {
		panic("godiffeq: Det requires a square matrix")
	}
	return matDet(m.data, m.rows)
}

func matDet(data [][]Expr, n int) Expr {
	if n == 1 {
		return data[0][0].Simplify()
	}
	if n == 2 {
		return AddOf(
			MulOf(data[0][0], data[1][1]),
			MulOf(N(-1), MulOf(data[0][1], data[1][0])),
		).Simplify()
	}
	terms := make([]Expr, n)
	for j := 0; j < n; j++ {
		minor := makeMinor(data, n, 0, j)
		sign := N(1)
		if j%2 == 1 {
			sign = N(-1)
		}
		terms[j] = MulOf(sign, data[0][j], matDet(minor, n-1))
	}
	return AddOf(terms...).Simplify()
}

func makeMinor(data [][]Expr, n, skipRow, skipCol int) [][]Expr {
	minor := make([][]Expr, n-1)
	mi := 0
	for i := 0; i < n; i++ {
		if i == skipRow {
			continue
		}
		minor[mi] = make([]Expr, n-1)
		mj := 0
		for j := 0; j < n; j++ {
			if j == skipCol {
				continue
			}
			minor[mi][mj] = data[i][j]
			mj++
		}
		mi++
	}
	return minor
}

func (m *Matrix) Inverse() (*Matrix, error) {
	if m.rows != m.cols {
		return nil, fmt.Errorf("godiffeq: Inverse requires a square matrix")
	}
	det := m.Det()
	if dn, ok := det.Eval(); ok && dn.IsZero() {
		return nil, fmt.Errorf("godiffeq: matrix is singular")
	}
	if m.rows == 1 {
		return MatrixFromSlice(1, 1, []Expr{PowOf(det, N(-1))}), nil
	}
	n := m.rows
	cof := NewMatrix(n, n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			minor := makeMinor(m.data, n, i, j)
			sign := N(1)
			if (i+j)%2 == 1 {
				sign = N(-1)
			}
			cof.data[i][j] = MulOf(sign, matDet(minor, n-1)).Simplify()
		}
	}
	adj := cof.Transpose()
	return adj.Scale(PowOf(det, N(-1))), nil
}

func Identity(n int) *Matrix {
	m := NewMatrix(n, n)
	for i := 0; i < n; i++ {
		m.data[i][i] = N(1)
	}
	return m
}
