package types

import (
	"encoding/base64"
	"fmt"
)

// binaryTag keys the base64 text of a binary value in the portable row form
const binaryTag = "$binary"

// Portable converts the row into values that survive JSON and
// google.protobuf.Struct encodings unchanged: nil, strings, and binary
// values wrapped as {"$binary": "<base64>"}. Any other value is replaced by
// its string rendering.
func (r Row) Portable() []any {
	if r == nil {
		return nil
	}
	out := make([]any, len(r))
	for i, v := range r {
		switch v := v.(type) {
		case nil:
		case []byte:
			out[i] = map[string]any{binaryTag: base64.StdEncoding.EncodeToString(v)}
		default:
			out[i], _ = r.String(i)
		}
	}
	return out
}

// RowFromPortable reverses Row.Portable
func RowFromPortable(vals []any) (Row, error) {
	if vals == nil {
		return nil, nil
	}
	row := make(Row, len(vals))
	for i, v := range vals {
		switch v := v.(type) {
		case nil:
		case string:
			row[i] = v
		case map[string]any:
			enc, ok := v[binaryTag].(string)
			if !ok || len(v) != 1 {
				return nil, fmt.Errorf("value %d: unknown tagged value", i)
			}
			b, err := base64.StdEncoding.DecodeString(enc)
			if err != nil {
				return nil, fmt.Errorf("value %d: bad binary value: %w", i, err)
			}
			row[i] = b
		default:
			return nil, fmt.Errorf("value %d: unsupported %T", i, v)
		}
	}
	return row, nil
}
