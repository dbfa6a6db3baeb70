package store

import "encoding/json"

// jsonEncode best-effort JSON-encodes v, falling back to a placeholder
// rather than propagating a marshal error up through FormatArgs (console
// arg formatting is advisory; it must never fail a whole archival).
func jsonEncode(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "<unserializable>"
	}
	return string(b)
}
