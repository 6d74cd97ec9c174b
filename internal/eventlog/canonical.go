package eventlog

import "encoding/json"

// CanonicalJSON encodes a payload deterministically: encoding/json emits
// object keys in sorted order and uses compact separators, which is exactly
// the canonical form the audit hash is defined over. Payloads are built from
// maps, slices, strings, numbers, and booleans only.
func CanonicalJSON(payload map[string]interface{}) ([]byte, error) {
	return json.Marshal(payload)
}
