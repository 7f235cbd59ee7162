package godiffeq

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ============================================================
// Numeric code generation
//
// Generation is a two-step pipeline: a builder assembles a FuncDesc
// (the ordered bindings and output expressions of the function to
// produce), and a lowering step compiles every output expression to a
// native closure over a flat frame of float64 slots. Keeping the
// description separate from the lowering makes the binding layout
// inspectable and testable on its own.
// ============================================================

// OutputMode selects the calling convention of a generated right-hand
// side function.
type OutputMode int

const (
	// OutputInPlace writes derivatives into a caller-provided slice.
	OutputInPlace OutputMode = iota
	// OutputVector allocates and returns a fresh derivative slice.
	OutputVector
)

func (m OutputMode) String() string {
	switch m {
	case OutputInPlace:
		return "in-place"
	case OutputVector:
		return "vector"
	}
	return fmt.Sprintf("OutputMode(%d)", int(m))
}

// ODERHSInPlace evaluates the system right-hand side into dst.
// dst and u are in dependent-variable declaration order, p in parameter
// declaration order.
type ODERHSInPlace func(dst, u, p []float64, t float64)

// ODERHSVector evaluates the system right-hand side and returns a
// freshly allocated derivative vector.
type ODERHSVector func(u, p []float64, t float64) []float64

// ODEJacobianFunc writes the numeric jacobian into dst.
type ODEJacobianFunc func(dst *mat.Dense, u, p []float64, t float64)

// ODEIWFunc writes an inverted W matrix into dst; gam is the solver's
// step scaling factor.
type ODEIWFunc func(dst *mat.Dense, u, p []float64, gam, t float64)

// Binding pins a symbol name to a frame slot.
type Binding struct {
	Name string
	Slot int
}

// FuncDesc describes a function to generate: the frame layout and the
// output expressions in output order.
type FuncDesc struct {
	States []Binding
	Params []Binding
	Time   Binding
	Gam    Binding // Slot -1 when the function takes no gam argument

	OutNames []string
	Outputs  []Expr
	Rows     int // 0 for vector-shaped output
	Cols     int
}

// derivBindingName is the conventional name of the derivative of v with
// respect to iv at the given order.
func derivBindingName(v *Var, iv string, order int) string {
	name := v.Name()
	for i := 0; i < order; i++ {
		name += "_" + iv
	}
	return name
}

// describeRHS lays out the frame for a right-hand side style function.
func describeRHS(sys *DiffEqSystem, withGam bool) (*FuncDesc, error) {
	if len(sys.IVs) == 0 {
		return nil, ErrNoIndependentVars
	}
	iv := sys.IVs[0].Name()
	desc := &FuncDesc{Gam: Binding{Slot: -1}}
	slot := 0
	for _, dv := range sys.DVs {
		desc.States = append(desc.States, Binding{Name: dv.Name(), Slot: slot})
		desc.OutNames = append(desc.OutNames, derivBindingName(dv, iv, 1))
		slot++
	}
	for _, p := range sys.Ps {
		desc.Params = append(desc.Params, Binding{Name: p.Name(), Slot: slot})
		slot++
	}
	desc.Time = Binding{Name: iv, Slot: slot}
	slot++
	if withGam {
		desc.Gam = Binding{Name: "gam", Slot: slot}
		slot++
	}
	return desc, nil
}

func (d *FuncDesc) frameLen() int {
	n := d.Time.Slot + 1
	if d.Gam.Slot >= 0 {
		n = d.Gam.Slot + 1
	}
	return n
}

func (d *FuncDesc) slots() (map[string]int, error) {
	slots := map[string]int{}
	add := func(b Binding) error {
		if _, dup := slots[b.Name]; dup {
			return fmt.Errorf("godiffeq: duplicate binding name %q", b.Name)
		}
		slots[b.Name] = b.Slot
		return nil
	}
	for _, b := range d.States {
		if err := add(b); err != nil {
			return nil, err
		}
	}
	for _, b := range d.Params {
		if err := add(b); err != nil {
			return nil, err
		}
	}
	if err := add(d.Time); err != nil {
		return nil, err
	}
	if d.Gam.Slot >= 0 {
		if err := add(d.Gam); err != nil {
			return nil, err
		}
	}
	return slots, nil
}

// evalFn is a compiled expression over a frame of float64 slots.
type evalFn func(frame []float64) float64

// compileExpr lowers one expression to an evalFn. Symbols outside the
// slot map, derivative-marked variables and residual Derivative nodes
// are lowering errors.
func compileExpr(e Expr, slots map[string]int) (evalFn, error) {
	switch v := e.(type) {
	case *Num:
		c := v.Float64()
		return func([]float64) float64 { return c }, nil
	case *Var:
		if v.IsDerivative() {
			return nil, fmt.Errorf("godiffeq: derivative variable %s on a right-hand side cannot be lowered", v.String())
		}
		slot, ok := slots[v.Name()]
		if !ok {
			return nil, fmt.Errorf("godiffeq: unbound symbol %q", v.Name())
		}
		return func(frame []float64) float64 { return frame[slot] }, nil
	case *Add:
		fns := make([]evalFn, len(v.terms))
		for i, t := range v.terms {
			fn, err := compileExpr(t, slots)
			if err != nil {
				return nil, err
			}
			fns[i] = fn
		}
		return func(frame []float64) float64 {
			acc := 0.0
			for _, fn := range fns {
				acc += fn(frame)
			}
			return acc
		}, nil
	case *Mul:
		fns := make([]evalFn, len(v.factors))
		for i, f := range v.factors {
			fn, err := compileExpr(f, slots)
			if err != nil {
				return nil, err
			}
			fns[i] = fn
		}
		return func(frame []float64) float64 {
			acc := 1.0
			for _, fn := range fns {
				acc *= fn(frame)
			}
			return acc
		}, nil
	case *Pow:
		base, err := compileExpr(v.base, slots)
		if err != nil {
			return nil, err
		}
		exp, err := compileExpr(v.exp, slots)
		if err != nil {
			return nil, err
		}
		return func(frame []float64) float64 { return math.Pow(base(frame), exp(frame)) }, nil
	case *Func:
		arg, err := compileExpr(v.arg, slots)
		if err != nil {
			return nil, err
		}
		var f func(float64) float64
		switch v.name {
		case "sin":
			f = math.Sin
		case "cos":
			f = math.Cos
		case "tan":
			f = math.Tan
		case "exp":
			f = math.Exp
		case "ln":
			f = math.Log
		case "abs":
			f = math.Abs
		case "asin":
			f = math.Asin
		case "acos":
			f = math.Acos
		case "atan":
			f = math.Atan
		case "sinh":
			f = math.Sinh
		case "cosh":
			f = math.Cosh
		case "tanh":
			f = math.Tanh
		default:
			return nil, fmt.Errorf("godiffeq: function %q cannot be lowered", v.name)
		}
		return func(frame []float64) float64 { return f(arg(frame)) }, nil
	case *Derivative:
		return nil, fmt.Errorf("godiffeq: unexpanded derivative %s cannot be lowered", v.String())
	}
	return nil, fmt.Errorf("godiffeq: cannot lower expression of type %s", e.exprType())
}

// compiled is a lowered FuncDesc ready to evaluate.
type compiled struct {
	desc  *FuncDesc
	frame int
	outs  []evalFn
}

func lower(desc *FuncDesc) (*compiled, error) {
	slots, err := desc.slots()
	if err != nil {
		return nil, err
	}
	outs := make([]evalFn, len(desc.Outputs))
	for i, e := range desc.Outputs {
		fn, err := compileExpr(e, slots)
		if err != nil {
			return nil, err
		}
		outs[i] = fn
	}
	return &compiled{desc: desc, frame: desc.frameLen(), outs: outs}, nil
}

// run fills the frame from the runtime arguments and evaluates every
// output into dst. Length mismatches panic, matching slice indexing
// semantics.
func (c *compiled) run(dst []float64, u, p []float64, t, gam float64) {
	if len(u) != len(c.desc.States) {
		panic(fmt.Sprintf("godiffeq: state vector has %d entries, want %d", len(u), len(c.desc.States)))
	}
	if len(p) != len(c.desc.Params) {
		panic(fmt.Sprintf("godiffeq: parameter vector has %d entries, want %d", len(p), len(c.desc.Params)))
	}
	frame := make([]float64, c.frame)
	for i, b := range c.desc.States {
		frame[b.Slot] = u[i]
	}
	for i, b := range c.desc.Params {
		frame[b.Slot] = p[i]
	}
	frame[c.desc.Time.Slot] = t
	if c.desc.Gam.Slot >= 0 {
		frame[c.desc.Gam.Slot] = gam
	}
	for i, fn := range c.outs {
		dst[i] = fn(frame)
	}
}

// GeneratedRHS is the result of GenerateODEFunction; only the field
// matching Mode is populated.
type GeneratedRHS struct {
	Mode    OutputMode
	InPlace ODERHSInPlace
	Vector  ODERHSVector
}

// GenerateODEFunction resolves the system's intermediate equations,
// lowers the differential right-hand sides and returns a callable in
// the requested mode. Output ordering follows the dependent-variable
// ordering of the system.
func GenerateODEFunction(sys *DiffEqSystem, mode OutputMode) (*GeneratedRHS, error) {
	desc, err := describeRHS(sys, false)
	if err != nil {
		return nil, err
	}
	rhs := sys.SubstitutedRHS()
	if len(rhs) != len(sys.DVs) {
		return nil, ErrNonSquareSystem
	}
	for _, e := range rhs {
		desc.Outputs = append(desc.Outputs, ExpandDerivatives(e))
	}
	c, err := lower(desc)
	if err != nil {
		return nil, err
	}
	n := len(sys.DVs)
	switch mode {
	case OutputInPlace:
		return &GeneratedRHS{
			Mode: mode,
			InPlace: func(dst, u, p []float64, t float64) {
				c.run(dst, u, p, t, 0)
			},
		}, nil
	case OutputVector:
		return &GeneratedRHS{
			Mode: mode,
			Vector: func(u, p []float64, t float64) []float64 {
				dst := make([]float64, n)
				c.run(dst, u, p, t, 0)
				return dst
			},
		}, nil
	}
	return nil, fmt.Errorf("godiffeq: unknown output mode %d", int(mode))
}

// lowerMatrix compiles a symbolic matrix into a callable that writes
// its numeric value into a gonum dense matrix.
func lowerMatrix(desc *FuncDesc, m *Matrix) (*compiled, error) {
	d := *desc
	d.Rows, d.Cols = m.Rows(), m.Cols()
	d.Outputs = nil
	d.OutNames = nil
	for i := 0; i < m.Rows(); i++ {
		for j := 0; j < m.Cols(); j++ {
			d.Outputs = append(d.Outputs, m.Get(i, j))
			d.OutNames = append(d.OutNames, fmt.Sprintf("j%d_%d", i, j))
		}
	}
	return lower(&d)
}

func (c *compiled) runDense(dst *mat.Dense, u, p []float64, t, gam float64) {
	r, cl := dst.Dims()
	if r != c.desc.Rows || cl != c.desc.Cols {
		panic(fmt.Sprintf("godiffeq: destination matrix is %dx%d, want %dx%d", r, cl, c.desc.Rows, c.desc.Cols))
	}
	flat := make([]float64, len(c.outs))
	c.run(flat, u, p, t, gam)
	for i := 0; i < c.desc.Rows; i++ {
		for j := 0; j < c.desc.Cols; j++ {
			dst.Set(i, j, flat[i*c.desc.Cols+j])
		}
	}
}

// GenerateODEJacobian computes the symbolic jacobian, overwriting any
// previously cached one so the simplify flag always takes effect, and
// lowers it to a callable writing into a gonum dense matrix.
func GenerateODEJacobian(sys *DiffEqSystem, simplify bool) (ODEJacobianFunc, error) {
	if _, err := sys.Jacobian(simplify); err != nil {
		return nil, err
	}
	desc, err := describeRHS(sys, false)
	if err != nil {
		return nil, err
	}
	c, err := lowerMatrix(desc, sys.jac)
	if err != nil {
		return nil, err
	}
	return func(dst *mat.Dense, u, p []float64, t float64) {
		c.runDense(dst, u, p, t, 0)
	}, nil
}

// iwMatrices symbolically inverts (I - gam*J) and (I/gam - J) against
// the cached jacobian. gam becomes an extra runtime argument, so a
// declared variable or parameter with the same name is rejected.
func iwMatrices(sys *DiffEqSystem, gam *Var, simplify bool) (*Matrix, *Matrix, error) {
	if sys.jac == nil {
		return nil, nil, ErrJacobianNotComputed
	}
	for _, v := range sys.DVs {
		if v.Name() == gam.Name() {
			return nil, nil, fmt.Errorf("godiffeq: dependent variable %q collides with the step-scaling factor", v.Name())
		}
	}
	for _, p := range sys.Ps {
		if p.Name() == gam.Name() {
			return nil, nil, fmt.Errorf("godiffeq: parameter %q collides with the step-scaling factor", p.Name())
		}
	}
	n := sys.jac.Rows()
	w1 := Identity(n).MatSub(sys.jac.Scale(gam))
	iw1, err := w1.Inverse()
	if err != nil {
		return nil, nil, err
	}
	w2 := Identity(n).Scale(PowOf(gam, N(-1))).MatSub(sys.jac)
	iw2, err := w2.Inverse()
	if err != nil {
		return nil, nil, err
	}
	if simplify {
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				iw1.Set(i, j, iw1.Get(i, j).Simplify())
				iw2.Set(i, j, iw2.Get(i, j).Simplify())
			}
		}
	}
	return iw1, iw2, nil
}

// GenerateODEIW lowers the two inverted W matrices used by implicit
// stiff steppers: inv(I - gam*J) and inv(I/gam - J). The symbolic
// jacobian must already exist; call Jacobian (or GenerateODEJacobian)
// first, otherwise ErrJacobianNotComputed is returned.
func GenerateODEIW(sys *DiffEqSystem, simplify bool) (w, wT ODEIWFunc, err error) {
	gam := V("gam")
	iw1, iw2, err := iwMatrices(sys, gam, simplify)
	if err != nil {
		return nil, nil, err
	}

	desc, err := describeRHS(sys, true)
	if err != nil {
		return nil, nil, err
	}
	c1, err := lowerMatrix(desc, iw1)
	if err != nil {
		return nil, nil, err
	}
	c2, err := lowerMatrix(desc, iw2)
	if err != nil {
		return nil, nil, err
	}
	mk := func(c *compiled) ODEIWFunc {
		return func(dst *mat.Dense, u, p []float64, gam, t float64) {
			c.runDense(dst, u, p, t, gam)
		}
	}
	return mk(c1), mk(c2), nil
}

// ============================================================
// External solver adapter
// ============================================================

// ODEFunction is the conventional fixed-parameter solver callback:
// evaluate the derivative of y at t into dy.
type ODEFunction func(t float64, y, dy []float64)

// ODEVectorFunction is the value-returning variant.
type ODEVectorFunction func(t float64, y []float64) []float64

// ODEWrapper adapts a generated right-hand side to a solver callback
// with the parameter vector bound in. Exactly one of Fcn and VecFcn is
// set, indicated by InPlace.
type ODEWrapper struct {
	InPlace bool
	Fcn     ODEFunction
	VecFcn  ODEVectorFunction
}

// WrapODEFunction generates the system right-hand side in the given
// mode and closes over params, yielding a solver-convention callback.
func WrapODEFunction(sys *DiffEqSystem, mode OutputMode, params []float64) (*ODEWrapper, error) {
	gen, err := GenerateODEFunction(sys, mode)
	if err != nil {
		return nil, err
	}
	switch mode {
	case OutputInPlace:
		return &ODEWrapper{
			InPlace: true,
			Fcn: func(t float64, y, dy []float64) {
				gen.InPlace(dy, y, params, t)
			},
		}, nil
	case OutputVector:
		return &ODEWrapper{
			VecFcn: func(t float64, y []float64) []float64 {
				return gen.Vector(y, params, t)
			},
		}, nil
	}
	return nil, fmt.Errorf("godiffeq: unknown output mode %d", int(mode))
}
