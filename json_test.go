package godiffeq_test

import (
	"encoding/json"
	"strings"
	"testing"

	godiffeq "github.com/njchilds90/go-diffeq"
)

// jnum, jvar and friends build the wire form of expressions by hand,
// the way a tool caller would.
func jnum(v string) map[string]interface{} {
	return map[string]interface{}{"type": "num", "value": v}
}

func jvar(name string, deps ...string) map[string]interface{} {
	m := map[string]interface{}{"type": "var", "name": name}
	if len(deps) > 0 {
		ds := make([]interface{}, len(deps))
		for i, d := range deps {
			ds[i] = d
		}
		m["deps"] = ds
	}
	return m
}

func jdvar(name string, order int, deps ...string) map[string]interface{} {
	m := jvar(name, deps...)
	m["diff"] = map[string]interface{}{"order": float64(order)}
	return m
}

func jmul(factors ...map[string]interface{}) map[string]interface{} {
	fs := make([]interface{}, len(factors))
	for i, f := range factors {
		fs[i] = f
	}
	return map[string]interface{}{"type": "mul", "factors": fs}
}

func jsys(ivs []string, eqs ...map[string]interface{}) map[string]interface{} {
	es := make([]interface{}, len(eqs))
	for i, e := range eqs {
		es[i] = e
	}
	m := map[string]interface{}{"eqs": es}
	if ivs != nil {
		raw := make([]interface{}, len(ivs))
		for i, s := range ivs {
			raw[i] = s
		}
		m["ivs"] = raw
	}
	return m
}

func jeq(lhs, rhs map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{"lhs": lhs, "rhs": rhs}
}

// decaySystemJSON is D(x) = -x over t in wire form.
func decaySystemJSON() map[string]interface{} {
	return jsys(nil, jeq(
		jdvar("x", 1, "t"),
		jmul(jnum("-1"), jvar("x", "t")),
	))
}

// ============================================================
// JSON round-trip tests
// ============================================================

func TestJSON_RoundTrip_Composite(t *testing.T) {
	x := godiffeq.V("x")
	y := godiffeq.V("y")
	expr := godiffeq.AddOf(godiffeq.MulOf(godiffeq.N(2), x), godiffeq.SinOf(y))
	j, err := godiffeq.ToJSON(expr)
	if err != nil {
		t.Fatalf("ToJSON failed: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(j), &m); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	rebuilt, err := godiffeq.FromJSON(m)
	if err != nil {
		t.Fatalf("FromJSON failed: %v", err)
	}
	if !expr.Equal(rebuilt) {
		t.Errorf("round trip changed the expression: %s vs %s",
			godiffeq.String(expr), godiffeq.String(rebuilt))
	}
}

func TestJSON_RoundTrip_MarkedVar(t *testing.T) {
	tv := godiffeq.V("t")
	dx := godiffeq.D(godiffeq.V("x", tv))
	j, err := godiffeq.ToJSON(dx)
	if err != nil {
		t.Fatalf("ToJSON failed: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(j), &m); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	rebuilt, err := godiffeq.FromJSON(m)
	if err != nil {
		t.Fatalf("FromJSON failed: %v", err)
	}
	if !dx.Equal(rebuilt) {
		t.Errorf("round trip lost the derivative marker or deps: got %s", godiffeq.String(rebuilt))
	}
}

func TestJSON_RoundTrip_DerivativeNode(t *testing.T) {
	d := godiffeq.DiffOf(godiffeq.PowOf(godiffeq.V("x"), godiffeq.N(2)), "x")
	j, err := godiffeq.ToJSON(d)
	if err != nil {
		t.Fatalf("ToJSON failed: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(j), &m); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	rebuilt, err := godiffeq.FromJSON(m)
	if err != nil {
		t.Fatalf("FromJSON failed: %v", err)
	}
	if !d.Equal(rebuilt) {
		t.Errorf("derivative node round trip failed: got %s", godiffeq.String(rebuilt))
	}
}

func TestJSON_RejectsUnknownType(t *testing.T) {
	_, err := godiffeq.FromJSON(map[string]interface{}{"type": "nope"})
	if err == nil {
		t.Errorf("unknown type should fail")
	}
}

// ============================================================
// SystemFromJSON tests
// ============================================================

func TestSystemFromJSON_InfersIVs(t *testing.T) {
	sys, err := godiffeq.SystemFromJSON(decaySystemJSON())
	if err != nil {
		t.Fatalf("SystemFromJSON failed: %v", err)
	}
	if len(sys.IVs) != 1 || sys.IVs[0].Name() != "t" {
		t.Errorf("want inferred independent variable t, got %v", sys.IVs)
	}
	if len(sys.DVs) != 1 || sys.DVs[0].Name() != "x" {
		t.Errorf("want dependent variable x, got %v", sys.DVs)
	}
}

func TestSystemFromJSON_ExplicitIVs(t *testing.T) {
	data := jsys([]string{"s"}, jeq(
		jdvar("x", 1, "s"),
		jvar("x", "s"),
	))
	sys, err := godiffeq.SystemFromJSON(data)
	if err != nil {
		t.Fatalf("SystemFromJSON failed: %v", err)
	}
	if len(sys.IVs) != 1 || sys.IVs[0].Name() != "s" {
		t.Errorf("want explicit independent variable s, got %v", sys.IVs)
	}
}

func TestSystemFromJSON_RejectsNonVarLHS(t *testing.T) {
	data := jsys(nil, jeq(jnum("1"), jvar("x")))
	if _, err := godiffeq.SystemFromJSON(data); err == nil {
		t.Errorf("numeric left-hand side should fail")
	}
}

// ============================================================
// Tool call tests
// ============================================================

func TestToolCall_Diff(t *testing.T) {
	exprJSON := map[string]interface{}{
		"type": "pow",
		"base": jvar("x"),
		"exp":  jnum("3"),
	}
	resp := godiffeq.HandleToolCall(godiffeq.ToolRequest{
		Tool:   "diff",
		Params: map[string]interface{}{"expr": exprJSON, "var": "x"},
	})
	if resp.Error != "" {
		t.Fatalf("diff tool failed: %s", resp.Error)
	}
	if resp.String != "3*x^2" {
		t.Errorf("want 3*x^2, got %s", resp.String)
	}
}

func TestToolCall_ExpandDerivatives(t *testing.T) {
	exprJSON := map[string]interface{}{
		"type": "deriv",
		"arg":  jmul(jnum("2"), jvar("x")),
		"wrt":  "x",
	}
	resp := godiffeq.HandleToolCall(godiffeq.ToolRequest{
		Tool:   "expand_derivatives",
		Params: map[string]interface{}{"expr": exprJSON},
	})
	if resp.Error != "" {
		t.Fatalf("expand_derivatives failed: %s", resp.Error)
	}
	if resp.String != "2" {
		t.Errorf("want 2, got %s", resp.String)
	}
}

func TestToolCall_ODERHS_Symbolic(t *testing.T) {
	resp := godiffeq.HandleToolCall(godiffeq.ToolRequest{
		Tool:   "ode_rhs",
		Params: map[string]interface{}{"system": decaySystemJSON()},
	})
	if resp.Error != "" {
		t.Fatalf("ode_rhs failed: %s", resp.Error)
	}
	if resp.String != "-1*x" {
		t.Errorf("want -1*x, got %s", resp.String)
	}
}

func TestToolCall_ODERHS_Numeric(t *testing.T) {
	resp := godiffeq.HandleToolCall(godiffeq.ToolRequest{
		Tool: "ode_rhs",
		Params: map[string]interface{}{
			"system": decaySystemJSON(),
			"u":      []interface{}{2.0},
			"p":      []interface{}{},
			"t":      0.0,
		},
	})
	if resp.Error != "" {
		t.Fatalf("ode_rhs failed: %s", resp.Error)
	}
	vals, ok := resp.Result.([]float64)
	if !ok || len(vals) != 1 {
		t.Fatalf("want one numeric derivative, got %#v", resp.Result)
	}
	if !almostEqual(vals[0], -2) {
		t.Errorf("want -2, got %g", vals[0])
	}
}

func TestToolCall_ODERHS_LengthMismatch(t *testing.T) {
	resp := godiffeq.HandleToolCall(godiffeq.ToolRequest{
		Tool: "ode_rhs",
		Params: map[string]interface{}{
			"system": decaySystemJSON(),
			"u":      []interface{}{2.0, 3.0},
		},
	})
	if resp.Error == "" {
		t.Errorf("state length mismatch should report an error")
	}
}

func TestToolCall_ODEJacobian(t *testing.T) {
	resp := godiffeq.HandleToolCall(godiffeq.ToolRequest{
		Tool:   "ode_jacobian",
		Params: map[string]interface{}{"system": decaySystemJSON(), "simplify": true},
	})
	if resp.Error != "" {
		t.Fatalf("ode_jacobian failed: %s", resp.Error)
	}
	if !strings.Contains(resp.String, "-1") {
		t.Errorf("jacobian of -x should contain -1, got %s", resp.String)
	}
}

func TestToolCall_ODEIW(t *testing.T) {
	resp := godiffeq.HandleToolCall(godiffeq.ToolRequest{
		Tool:   "ode_iw",
		Params: map[string]interface{}{"system": decaySystemJSON(), "simplify": true},
	})
	if resp.Error != "" {
		t.Fatalf("ode_iw failed: %s", resp.Error)
	}
	if !strings.Contains(resp.String, "gam") {
		t.Errorf("iW should be symbolic in gam, got %s", resp.String)
	}
}

func TestToolCall_ODEIW_GamCollision(t *testing.T) {
	data := jsys(nil, jeq(
		jdvar("x", 1, "t"),
		jmul(jnum("-1"), jvar("gam"), jvar("x", "t")),
	))
	resp := godiffeq.HandleToolCall(godiffeq.ToolRequest{
		Tool:   "ode_iw",
		Params: map[string]interface{}{"system": data},
	})
	if resp.Error == "" {
		t.Errorf("a parameter named gam must be rejected")
	}
}

func TestJSON_SqrtNormalizesToPow(t *testing.T) {
	m := map[string]interface{}{"type": "func", "name": "sqrt", "arg": jvar("x")}
	e, err := godiffeq.FromJSON(m)
	if err != nil {
		t.Fatalf("FromJSON failed: %v", err)
	}
	if godiffeq.String(e) != "x^1/2" {
		t.Errorf("sqrt should decode as a half power, got %s", godiffeq.String(e))
	}
}

func TestToolCall_ODERHS_SqrtFromJSON(t *testing.T) {
	data := jsys(nil, jeq(
		jdvar("x", 1, "t"),
		map[string]interface{}{"type": "func", "name": "sqrt", "arg": jvar("x", "t")},
	))
	resp := godiffeq.HandleToolCall(godiffeq.ToolRequest{
		Tool: "ode_rhs",
		Params: map[string]interface{}{
			"system": data,
			"u":      []interface{}{4.0},
			"p":      []interface{}{},
			"t":      0.0,
		},
	})
	if resp.Error != "" {
		t.Fatalf("ode_rhs failed: %s", resp.Error)
	}
	vals, ok := resp.Result.([]float64)
	if !ok || len(vals) != 1 {
		t.Fatalf("want one numeric derivative, got %#v", resp.Result)
	}
	if !almostEqual(vals[0], 2) {
		t.Errorf("sqrt(4) want 2, got %g", vals[0])
	}
}

func TestToolCall_Unknown(t *testing.T) {
	resp := godiffeq.HandleToolCall(godiffeq.ToolRequest{Tool: "frobnicate"})
	if resp.Error == "" {
		t.Errorf("unknown tool should report an error")
	}
}

func TestMCPToolSpec_ListsODETools(t *testing.T) {
	spec := godiffeq.MCPToolSpec()
	for _, tool := range []string{"ode_rhs", "ode_jacobian", "ode_iw", "expand_derivatives"} {
		if !strings.Contains(spec, tool) {
			t.Errorf("spec should list %s", tool)
		}
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(spec), &m); err != nil {
		t.Errorf("spec should be valid JSON: %v", err)
	}
}
