package godiffeq

import (
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"strings"
)

// ============================================================
// JSON Serialization
// ============================================================

func ToJSON(e Expr) (string, error) {
	b, err := json.Marshal(e.toJSON())
	return string(b), err
}

func FromJSON(data map[string]interface{}) (Expr, error) {
	if data == nil {
		return nil, fmt.Errorf("expression must be an object")
	}
	typAny, ok := data["type"]
	if !ok {
		return nil, fmt.Errorf("missing 'type' field")
	}
	typ, ok := typAny.(string)
	if !ok || typ == "" {
		return nil, fmt.Errorf("field 'type' must be a non-empty string")
	}

	subObj := func(field string) (map[string]interface{}, error) {
		v, ok := data[field]
		if !ok {
			return nil, fmt.Errorf("%s: missing %q", typ, field)
		}
		m, ok := v.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%s: %q must be an object", typ, field)
		}
		return m, nil
	}

	subObjArray := func(field string) ([]map[string]interface{}, error) {
		v, ok := data[field]
		if !ok {
			return nil, fmt.Errorf("%s: missing %q", typ, field)
		}
		raw, ok := v.([]interface{})
		if !ok {
			return nil, fmt.Errorf("%s: %q must be an array", typ, field)
		}
		out := make([]map[string]interface{}, len(raw))
		for i, it := range raw {
			m, ok := it.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("%s: %q[%d] must be an object", typ, field, i)
			}
			out[i] = m
		}
		return out, nil
	}

	subString := func(field string) (string, error) {
		v, ok := data[field]
		if !ok {
			return "", fmt.Errorf("%s: missing %q", typ, field)
		}
		s, ok := v.(string)
		if !ok || s == "" {
			return "", fmt.Errorf("%s: %q must be a non-empty string", typ, field)
		}
		return s, nil
	}

	switch typ {
	case "num":
		valAny, ok := data["value"]
		if !ok {
			return nil, fmt.Errorf("num: missing 'value'")
		}
		val, ok := valAny.(string)
		if !ok || val == "" {
			return nil, fmt.Errorf("num: 'value' must be a non-empty string")
		}
		r := new(big.Rat)
		if _, ok := r.SetString(val); !ok {
			return nil, fmt.Errorf("invalid num value: %s", val)
		}
		return &Num{val: r}, nil

	case "var":
		name, err := subString("name")
		if err != nil {
			return nil, err
		}
		var deps []*Var
		if depsAny, ok := data["deps"]; ok {
			raw, ok := depsAny.([]interface{})
			if !ok {
				return nil, fmt.Errorf("var: 'deps' must be an array")
			}
			for i, d := range raw {
				s, ok := d.(string)
				if !ok || s == "" {
					return nil, fmt.Errorf("var: deps[%d] must be a non-empty string", i)
				}
				deps = append(deps, V(s))
			}
		}
		v := V(name, deps...)
		if diffAny, ok := data["diff"]; ok {
			m, ok := diffAny.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("var: 'diff' must be an object")
			}
			orderF, ok := m["order"].(float64)
			if !ok {
				return nil, fmt.Errorf("var: diff.order must be a number")
			}
			order := int(orderF)
			if order < 1 {
				return nil, fmt.Errorf("var: diff.order must be >= 1")
			}
			for i := 0; i < order; i++ {
				v = D(v)
			}
		}
		return v, nil

	case "add":
		objs, err := subObjArray("terms")
		if err != nil {
			return nil, err
		}
		terms := make([]Expr, len(objs))
		for i, o := range objs {
			e, err := FromJSON(o)
			if err != nil {
				return nil, fmt.Errorf("add: terms[%d]: %w", i, err)
			}
			terms[i] = e
		}
		return AddOf(terms...), nil

	case "mul":
		objs, err := subObjArray("factors")
		if err != nil {
			return nil, err
		}
		factors := make([]Expr, len(objs))
		for i, o := range objs {
			e, err := FromJSON(o)
			if err != nil {
				return nil, fmt.Errorf("mul: factors[%d]: %w", i, err)
			}
			factors[i] = e
		}
		return MulOf(factors...), nil

	case "pow":
		baseM, err := subObj("base")
		if err != nil {
			return nil, err
		}
		expM, err := subObj("exp")
		if err != nil {
			return nil, err
		}
		base, err := FromJSON(baseM)
		if err != nil {
			return nil, fmt.Errorf("pow: base: %w", err)
		}
		exp, err := FromJSON(expM)
		if err != nil {
			return nil, fmt.Errorf("pow: exp: %w", err)
		}
		return PowOf(base, exp), nil

	case "func":
		name, err := subString("name")
		if err != nil {
			return nil, err
		}
		argM, err := subObj("arg")
		if err != nil {
			return nil, err
		}
		arg, err := FromJSON(argM)
		if err != nil {
			return nil, fmt.Errorf("func: arg: %w", err)
		}
		// sqrt has no node of its own; it is a half power.
		if name == "sqrt" {
			return SqrtOf(arg), nil
		}
		return funcOf(name, arg).Simplify(), nil

	case "deriv":
		argM, err := subObj("arg")
		if err != nil {
			return nil, err
		}
		wrt, err := subString("wrt")
		if err != nil {
			return nil, err
		}
		arg, err := FromJSON(argM)
		if err != nil {
			return nil, fmt.Errorf("deriv: arg: %w", err)
		}
		return DiffOf(arg, wrt), nil
	}
	return nil, fmt.Errorf("unknown expression type: %s", typ)
}

// SystemFromJSON decodes {"eqs":[{"lhs":...,"rhs":...},...],"ivs":["t"]}
// into a DiffEqSystem. With "ivs" absent the independent variables are
// inferred from the dependence lists.
func SystemFromJSON(data map[string]interface{}) (*DiffEqSystem, error) {
	if data == nil {
		return nil, fmt.Errorf("system must be an object")
	}
	eqsAny, ok := data["eqs"]
	if !ok {
		return nil, fmt.Errorf("system: missing 'eqs'")
	}
	raw, ok := eqsAny.([]interface{})
	if !ok {
		return nil, fmt.Errorf("system: 'eqs' must be an array")
	}
	eqs := make([]Equation, len(raw))
	for i, it := range raw {
		m, ok := it.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("system: eqs[%d] must be an object", i)
		}
		lhsM, ok := m["lhs"].(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("system: eqs[%d].lhs must be an object", i)
		}
		rhsM, ok := m["rhs"].(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("system: eqs[%d].rhs must be an object", i)
		}
		lhs, err := FromJSON(lhsM)
		if err != nil {
			return nil, fmt.Errorf("system: eqs[%d].lhs: %w", i, err)
		}
		lhsVar, ok := lhs.(*Var)
		if !ok {
			return nil, fmt.Errorf("system: eqs[%d].lhs must be a variable", i)
		}
		rhs, err := FromJSON(rhsM)
		if err != nil {
			return nil, fmt.Errorf("system: eqs[%d].rhs: %w", i, err)
		}
		eqs[i] = Equation{LHS: lhsVar, RHS: rhs}
	}
	if ivsAny, ok := data["ivs"]; ok {
		rawIVs, ok := ivsAny.([]interface{})
		if !ok {
			return nil, fmt.Errorf("system: 'ivs' must be an array")
		}
		ivs := make([]*Var, len(rawIVs))
		for i, it := range rawIVs {
			s, ok := it.(string)
			if !ok || s == "" {
				return nil, fmt.Errorf("system: ivs[%d] must be a non-empty string", i)
			}
			ivs[i] = V(s)
		}
		return NewDiffEqSystemIVs(eqs, ivs), nil
	}
	return NewDiffEqSystem(eqs), nil
}

// ============================================================
// MCP Tool Interface
// ============================================================

type ToolRequest struct {
	Tool   string                 `json:"tool"`
	Params map[string]interface{} `json:"params"`
}

type ToolResponse struct {
	Result interface{} `json:"result,omitempty"`
	LaTeX  string      `json:"latex,omitempty"`
	String string      `json:"string,omitempty"`
	Error  string      `json:"error,omitempty"`
}

func HandleToolCall(req ToolRequest) ToolResponse {
	getExpr := func(key string) (Expr, error) {
		v, ok := req.Params[key]
		if !ok {
			return nil, fmt.Errorf("missing param: %s", key)
		}
		val, ok := v.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("invalid type for param %s", key)
		}
		return FromJSON(val)
	}
	getString := func(key string) (string, error) {
		v, ok := req.Params[key]
		if !ok {
			return "", fmt.Errorf("missing param: %s", key)
		}
		s, ok := v.(string)
		if !ok {
			return "", fmt.Errorf("param %s must be a string", key)
		}
		return s, nil
	}
	getSystem := func(key string) (*DiffEqSystem, error) {
		v, ok := req.Params[key]
		if !ok {
			return nil, fmt.Errorf("missing param: %s", key)
		}
		m, ok := v.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("param %s must be a system object", key)
		}
		return SystemFromJSON(m)
	}
	getNumbers := func(key string) ([]float64, bool, error) {
		v, ok := req.Params[key]
		if !ok {
			return nil, false, nil
		}
		raw, ok := v.([]interface{})
		if !ok {
			return nil, false, fmt.Errorf("param %s must be a number array", key)
		}
		out := make([]float64, len(raw))
		for i, r := range raw {
			f, ok := r.(float64)
			if !ok {
				return nil, false, fmt.Errorf("param %s[%d] must be a number", key, i)
			}
			out[i] = f
		}
		return out, true, nil
	}
	getBool := func(key string) bool {
		b, _ := req.Params[key].(bool)
		return b
	}
	respond := func(e Expr) ToolResponse {
		return ToolResponse{Result: e.toJSON(), LaTeX: LaTeX(e), String: String(e)}
	}
	respondMatrix := func(m *Matrix) ToolResponse {
		return ToolResponse{
			Result: map[string]interface{}{"rows": m.rows, "cols": m.cols, "string": m.String()},
			LaTeX:  m.LaTeX(),
			String: m.String(),
		}
	}

	switch req.Tool {
	case "simplify":
		e, err := getExpr("expr")
		if err != nil {
			return ToolResponse{Error: err.Error()}
		}
		return respond(Simplify(e))

	case "diff":
		e, err := getExpr("expr")
		if err != nil {
			return ToolResponse{Error: err.Error()}
		}
		v, err := getString("var")
		if err != nil {
			return ToolResponse{Error: err.Error()}
		}
		return respond(Diff(e, v))

	case "substitute":
		e, err := getExpr("expr")
		if err != nil {
			return ToolResponse{Error: err.Error()}
		}
		v, err := getString("var")
		if err != nil {
			return ToolResponse{Error: err.Error()}
		}
		val, err := getExpr("value")
		if err != nil {
			return ToolResponse{Error: err.Error()}
		}
		return respond(Sub(e, v, val))

	case "to_latex":
		e, err := getExpr("expr")
		if err != nil {
			return ToolResponse{Error: err.Error()}
		}
		return ToolResponse{LaTeX: LaTeX(e), String: String(e)}

	case "expand_derivatives":
		e, err := getExpr("expr")
		if err != nil {
			return ToolResponse{Error: err.Error()}
		}
		return respond(ExpandDerivatives(e).Simplify())

	case "free_vars":
		e, err := getExpr("expr")
		if err != nil {
			return ToolResponse{Error: err.Error()}
		}
		vars := FreeVars(e)
		keys := make([]string, 0, len(vars))
		for k := range vars {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return ToolResponse{Result: keys}

	case "ode_rhs":
		sys, err := getSystem("system")
		if err != nil {
			return ToolResponse{Error: err.Error()}
		}
		u, haveU, err := getNumbers("u")
		if err != nil {
			return ToolResponse{Error: err.Error()}
		}
		if haveU {
			p, _, err := getNumbers("p")
			if err != nil {
				return ToolResponse{Error: err.Error()}
			}
			if len(u) != len(sys.DVs) {
				return ToolResponse{Error: fmt.Sprintf("param u has %d entries, system has %d dependent variables", len(u), len(sys.DVs))}
			}
			if len(p) != len(sys.Ps) {
				return ToolResponse{Error: fmt.Sprintf("param p has %d entries, system has %d parameters", len(p), len(sys.Ps))}
			}
			t, _ := req.Params["t"].(float64)
			gen, err := GenerateODEFunction(sys, OutputVector)
			if err != nil {
				return ToolResponse{Error: err.Error()}
			}
			du := gen.Vector(u, p, t)
			strs := make([]string, len(du))
			for i, v := range du {
				strs[i] = fmt.Sprintf("%.10g", v)
			}
			return ToolResponse{Result: du, String: strings.Join(strs, ", ")}
		}
		rhs := sys.SubstitutedRHS()
		strs := make([]string, len(rhs))
		objs := make([]map[string]interface{}, len(rhs))
		for i, e := range rhs {
			s := e.Simplify()
			strs[i] = String(s)
			objs[i] = s.toJSON()
		}
		return ToolResponse{Result: objs, String: strings.Join(strs, "; ")}

	case "ode_jacobian":
		sys, err := getSystem("system")
		if err != nil {
			return ToolResponse{Error: err.Error()}
		}
		jac, err := sys.Jacobian(getBool("simplify"))
		if err != nil {
			return ToolResponse{Error: err.Error()}
		}
		return respondMatrix(jac)

	case "ode_iw":
		sys, err := getSystem("system")
		if err != nil {
			return ToolResponse{Error: err.Error()}
		}
		if _, err := sys.Jacobian(getBool("simplify")); err != nil {
			return ToolResponse{Error: err.Error()}
		}
		iw1, iw2, err := iwMatrices(sys, V("gam"), getBool("simplify"))
		if err != nil {
			return ToolResponse{Error: err.Error()}
		}
		n := sys.jac.Rows()
		return ToolResponse{
			Result: map[string]interface{}{
				"iw":           map[string]interface{}{"rows": n, "cols": n, "string": iw1.String()},
				"iw_transform": map[string]interface{}{"rows": n, "cols": n, "string": iw2.String()},
			},
			String: iw1.String(),
		}

	case "mcp_spec":
		return ToolResponse{Result: MCPToolSpec(), String: "MCP tool specification"}
	}

	return ToolResponse{Error: fmt.Sprintf("unknown tool: %s", req.Tool)}
}

// ============================================================
// MCP spec
// ============================================================

func MCPToolSpec() string {
	tools := []map[string]interface{}{
		ts("simplify", "Simplify a symbolic expression", []string{"expr"}, map[string]string{"expr": "object"}),
		ts("diff", "First derivative d/dx", []string{"expr", "var"}, map[string]string{"expr": "object", "var": "string"}),
		ts("substitute", "Substitute var with value", []string{"expr", "var", "value"}, map[string]string{"expr": "object", "var": "string", "value": "object"}),
		ts("to_latex", "Convert to LaTeX", []string{"expr"}, map[string]string{"expr": "object"}),
		ts("expand_derivatives", "Resolve all deferred derivative nodes", []string{"expr"}, map[string]string{"expr": "object"}),
		ts("free_vars", "Return free variable identities", []string{"expr"}, map[string]string{"expr": "object"}),
		ts("ode_rhs", "Substituted ODE right-hand sides; with u/p/t evaluates numerically. system={eqs:[{lhs,rhs}],ivs?}", []string{"system"}, map[string]string{"system": "object", "u": "array", "p": "array", "t": "number"}),
		ts("ode_jacobian", "Symbolic jacobian of the system wrt its dependent variables", []string{"system"}, map[string]string{"system": "object", "simplify": "boolean"}),
		ts("ode_iw", "Inverted W matrices inv(I-gam*J) and inv(I/gam-J) with symbolic gam", []string{"system"}, map[string]string{"system": "object", "simplify": "boolean"}),
		ts("mcp_spec", "Return this tool schema", []string{}, map[string]string{}),
	}
	spec := map[string]interface{}{"tools": tools}
	b, _ := json.MarshalIndent(spec, "", "  ")
	return string(b)
}

func ts(name, description string, required []string, props map[string]string) map[string]interface{} {
	properties := map[string]interface{}{}
	for k, typ := range props {
		properties[k] = map[string]interface{}{"type": typ}
	}
	return map[string]interface{}{
		"name":        name,
		"description": description,
		"inputSchema": map[string]interface{}{
			"type":       "object",
			"properties": properties,
			"required":   required,
		},
	}
}
