package scoping

// ResolveParams resolves placeholders in an action's parameter tree. Only
// string leaves are touched; keys, numbers, booleans and nil pass through.
// The input is not modified. All leaves are resolved against the same
// applicable set, computed once for currentURL.
func (e *Engine) ResolveParams(params map[string]any, currentURL string) (map[string]any, ResolveResult) {
	r := e.resolver(currentURL)
	out, _ := r.walk(params).(map[string]any)
	r.log(currentURL)
	return out, ResolveResult{Resolved: r.sorted(r.resolved), Unresolved: r.sorted(r.unresolved)}
}

func (r *resolver) walk(v any) any {
	switch t := v.(type) {
	case string:
		return r.resolve(t)
	case map[string]any:
		if t == nil {
			return t
		}
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[k] = r.walk(child)
		}
		return out
	case []any:
		if t == nil {
			return t
		}
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = r.walk(child)
		}
		return out
	case []string:
		out := make([]string, len(t))
		for i, s := range t {
			out[i] = r.resolve(s)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(t))
		for k, s := range t {
			out[k] = r.resolve(s)
		}
		return out
	default:
		return v
	}
}
