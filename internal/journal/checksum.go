package journal

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// canonicalize produces a deterministic JSON encoding of an arbitrary
// decoded JSON value: object keys sorted, no whitespace. No canonical-
// JSON library appears anywhere in the retrieval pack, so this is a
// direct recursive re-marshal over encoding/json rather than an extra
// dependency.
func canonicalize(v interface{}) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(normalized)
}

// normalize walks a decoded JSON value (maps/slices/scalars) and
// replaces every map with an ordered-key representation so repeated
// marshaling of the same logical document always yields the same
// bytes.
func normalize(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := make(orderedMap, 0, len(keys))
		for _, k := range keys {
			nested, err := normalize(val[k])
			if err != nil {
				return nil, err
			}
			ordered = append(ordered, kv{k, nested})
		}
		return ordered, nil
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			nested, err := normalize(item)
			if err != nil {
				return nil, err
			}
			out[i] = nested
		}
		return out, nil
	default:
		return val, nil
	}
}

type kv struct {
	Key   string
	Value interface{}
}

// orderedMap marshals to a JSON object preserving insertion order,
// which normalize() has already sorted by key.
type orderedMap []kv

func (m orderedMap) MarshalJSON() ([]byte, error) {
	buf := []byte{'{'}
	for i, pair := range m {
		if i > 0 {
			buf = append(buf, ',')
		}
		keyJSON, err := json.Marshal(pair.Key)
		if err != nil {
			return nil, err
		}
		valJSON, err := json.Marshal(pair.Value)
		if err != nil {
			return nil, err
		}
		buf = append(buf, keyJSON...)
		buf = append(buf, ':')
		buf = append(buf, valJSON...)
	}
	buf = append(buf, '}')
	return buf, nil
}

// checksumPayload computes SHA256(canonical(payload minus
// __commitMeta)) per spec.md §4.9.
func checksumPayload(payload []byte) (string, error) {
	var decoded interface{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &decoded); err != nil {
			return "", err
		}
	}
	if m, ok := decoded.(map[string]interface{}); ok {
		delete(m, "__commitMeta")
	}
	canon, err := canonicalize(decoded)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}
