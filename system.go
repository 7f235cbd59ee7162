package godiffeq

import (
	"errors"
	"fmt"
)

// ============================================================
// Equations and systems of differential equations
// ============================================================

// Domain errors returned by system construction and code generation.
var (
	ErrNoIndependentVars   = errors.New("godiffeq: system has no independent variables")
	ErrNonSquareSystem     = errors.New("godiffeq: number of differential equations does not match number of dependent variables")
	ErrJacobianNotComputed = errors.New("godiffeq: jacobian not computed, call Jacobian first")
)

// Equation relates a left-hand variable to a right-hand expression.
// A derivative-marked LHS declares a differential equation; a bare LHS
// declares an intermediate (algebraic) equation.
type Equation struct {
	LHS *Var
	RHS Expr
}

// Eq builds an equation. lhs must be a variable; anything else panics,
// since there is no meaningful generation target for it.
func Eq(lhs Expr, rhs Expr) Equation {
	v, ok := lhs.(*Var)
	if !ok {
		panic(fmt.Sprintf("godiffeq: equation left-hand side must be a variable, got %s", lhs.String()))
	}
	return Equation{LHS: v, RHS: rhs}
}

func (e Equation) IsDifferential() bool { return e.LHS.IsDerivative() }

func (e Equation) String() string { return e.LHS.String() + " = " + e.RHS.String() }
func (e Equation) LaTeX() string  { return e.LHS.LaTeX() + " = " + e.RHS.LaTeX() }

// classifyVars walks every equation (LHS first, then RHS occurrences in
// traversal order) and buckets each distinct variable into the first
// matching predicate. One slice per predicate, deduplicated by identity
// key with derivative markers stripped, first-occurrence order.
func classifyVars(eqs []Equation, preds ...func(*Var) bool) [][]*Var {
	buckets := make([][]*Var, len(preds))
	seen := make([]map[string]bool, len(preds))
	for i := range preds {
		seen[i] = map[string]bool{}
	}
	place := func(v *Var) {
		for i, pred := range preds {
			if pred(v) {
				k := v.Base().key()
				if !seen[i][k] {
					seen[i][k] = true
					buckets[i] = append(buckets[i], v)
				}
				return
			}
		}
	}
	var occ []*Var
	for _, eq := range eqs {
		occ = occ[:0]
		occ = append(occ, eq.LHS)
		collectVars(eq.RHS, &occ)
		for _, v := range occ {
			place(v)
		}
	}
	return buckets
}

// DiffEqSystem is a declared system of differential equations together
// with its classified variables. The symbolic jacobian is computed on
// demand and cached; HasJacobian reports whether it exists yet.
type DiffEqSystem struct {
	Eqs []Equation
	IVs []*Var // independent variables
	DVs []*Var // dependent variables, defines state ordering
	Ps  []*Var // parameters, defines parameter ordering

	jac *Matrix
}

// NewDiffEqSystem infers independent variables, dependent variables and
// parameters from the equations alone. Independent variables are the
// first-seen union of the dependence lists of the dependent variables.
func NewDiffEqSystem(eqs []Equation) *DiffEqSystem {
	dvs := inferDependents(eqs)
	ivs := inferIndependents(dvs)
	return newSystem(eqs, ivs, dvs)
}

// NewDiffEqSystemIVs is NewDiffEqSystem with the independent variables
// given explicitly instead of inferred.
func NewDiffEqSystemIVs(eqs []Equation, ivs []*Var) *DiffEqSystem {
	dvs := inferDependents(eqs)
	return newSystem(eqs, ivs, dvs)
}

// NewDiffEqSystemFull takes every classification explicitly and performs
// no inference at all.
func NewDiffEqSystemFull(eqs []Equation, ivs, dvs, ps []*Var) *DiffEqSystem {
	return &DiffEqSystem{Eqs: eqs, IVs: ivs, DVs: dvs, Ps: ps}
}

func newSystem(eqs []Equation, ivs, dvs []*Var) *DiffEqSystem {
	sys := &DiffEqSystem{Eqs: eqs, IVs: ivs, DVs: dvs}
	sys.Ps = sys.inferParameters()
	return sys
}

// inferDependents collects the base variables of every derivative
// occurrence plus every dependent occurrence, deduplicated in
// first-seen order.
func inferDependents(eqs []Equation) []*Var {
	buckets := classifyVars(eqs,
		func(v *Var) bool { return v.IsDerivative() },
		func(v *Var) bool { return v.IsDependent() },
	)
	seen := map[string]bool{}
	var dvs []*Var
	for _, bucket := range buckets {
		for _, v := range bucket {
			b := v.Base()
			if !seen[b.key()] {
				seen[b.key()] = true
				dvs = append(dvs, b)
			}
		}
	}
	return dvs
}

// inferIndependents is the first-seen deduplicated union of the
// dependence lists across the dependent variables.
func inferIndependents(dvs []*Var) []*Var {
	seen := map[string]bool{}
	var ivs []*Var
	for _, dv := range dvs {
		for _, d := range dv.Deps() {
			if !seen[d.key()] {
				seen[d.key()] = true
				ivs = append(ivs, d)
			}
		}
	}
	return ivs
}

// inferParameters buckets what remains: not a derivative, not
// dependent, not an independent variable, and not the left-hand side of
// an intermediate equation (those are defined quantities, not inputs).
func (sys *DiffEqSystem) inferParameters() []*Var {
	ivSet := map[string]bool{}
	for _, iv := range sys.IVs {
		ivSet[iv.key()] = true
	}
	interSet := map[string]bool{}
	for _, eq := range sys.Eqs {
		if !eq.IsDifferential() {
			interSet[eq.LHS.Base().key()] = true
		}
	}
	buckets := classifyVars(sys.Eqs, func(v *Var) bool {
		return !v.IsDerivative() && !v.IsDependent() &&
			!ivSet[v.key()] && !interSet[v.key()]
	})
	return buckets[0]
}

// HasJacobian reports whether the symbolic jacobian has been computed.
func (sys *DiffEqSystem) HasJacobian() bool { return sys.jac != nil }

// Jac returns the cached symbolic jacobian, or nil before Jacobian has
// been called.
func (sys *DiffEqSystem) Jac() *Matrix { return sys.jac }

// differentialEqs returns the differential equations in declaration
// order.
func (sys *DiffEqSystem) differentialEqs() []Equation {
	var out []Equation
	for _, eq := range sys.Eqs {
		if eq.IsDifferential() {
			out = append(out, eq)
		}
	}
	return out
}

// SubstitutedRHS resolves every intermediate equation into the
// remaining right-hand sides and returns the differential right-hand
// sides in declaration order. Each intermediate is applied, in
// declaration order, across the whole accumulating set, so chained
// intermediates resolve regardless of how they reference each other.
func (sys *DiffEqSystem) SubstitutedRHS() []Expr {
	rhs := make([]Expr, len(sys.Eqs))
	for i, eq := range sys.Eqs {
		rhs[i] = eq.RHS
	}
	for k, eq := range sys.Eqs {
		if eq.IsDifferential() {
			continue
		}
		target := eq.LHS.Base()
		for j := range rhs {
			if j == k {
				continue
			}
			rhs[j] = ReplaceAll(rhs[j], target, rhs[k])
		}
	}
	var out []Expr
	for i, eq := range sys.Eqs {
		if eq.IsDifferential() {
			out = append(out, rhs[i])
		}
	}
	return out
}

// Jacobian computes, caches and returns the symbolic jacobian of the
// substituted differential right-hand sides with respect to the
// dependent variables. Entry (i,j) is d(rhs_i)/d(dv_j) with every
// derivative node expanded away. With simplify set each entry is also
// run through Simplify.
func (sys *DiffEqSystem) Jacobian(simplify bool) (*Matrix, error) {
	rhs := sys.SubstitutedRHS()
	if len(rhs) != len(sys.DVs) {
		return nil, ErrNonSquareSystem
	}
	n := len(rhs)
	jac := NewMatrix(n, n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			entry := ExpandDerivatives(DiffOf(rhs[i], sys.DVs[j].Name()))
			if simplify {
				entry = entry.Simplify()
			}
			jac.Set(i, j, entry)
		}
	}
	sys.jac = jac
	return jac, nil
}
