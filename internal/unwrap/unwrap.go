// Package unwrap collapses the tagged {type, value} envelopes produced by the
// document extraction API into plain nested values.
package unwrap

// Value recursively extracts the payload of a tagged node. A node is tagged
// when it is a map carrying both a "type" and a "value" member. "array" nodes
// unwrap element-wise with order preserved, "object" nodes unwrap member-wise
// with names preserved, and any other type returns its value verbatim. Input
// that is not a tagged node is returned unchanged.
func Value(node any) any {
	m, ok := node.(map[string]any)
	if !ok {
		return node
	}
	rawType, hasType := m["type"]
	val, hasValue := m["value"]
	if !hasType || !hasValue {
		return node
	}

	// A non-string tag falls through to the default arm and yields the value
	// verbatim, same as any unrecognized type.
	typ, _ := rawType.(string)
	switch typ {
	case "array":
		items, ok := val.([]any)
		if !ok {
			return val
		}
		out := make([]any, len(items))
		for i, item := range items {
			out[i] = Value(item)
		}
		return out
	case "object":
		members, ok := val.(map[string]any)
		if !ok {
			return val
		}
		out := make(map[string]any, len(members))
		for key, member := range members {
			out[key] = Value(member)
		}
		return out
	default:
		return val
	}
}

// Object unwraps each top-level member of m, leaving the member names intact.
func Object(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for key, member := range m {
		out[key] = Value(member)
	}
	return out
}
