package jsonx

import "github.com/bytedance/sonic"

// api behaves exactly like encoding/json (HTML escaping, sorted map keys,
// string validation) so decoded model output means the same on every
// platform sonic supports.
var api = sonic.ConfigStd

// Marshal returns the JSON encoding of v.
func Marshal(v any) ([]byte, error) {
	return api.Marshal(v)
}

// Unmarshal parses the JSON-encoded data and stores the result in v.
func Unmarshal(data []byte, v any) error {
	return api.Unmarshal(data, v)
}

// UnmarshalString is like Unmarshal but reads from a string.
func UnmarshalString(data string, v any) error {
	return api.UnmarshalFromString(data, v)
}
