// Package maputils provides typed access to values of decoded JSON objects.
package maputils

import "fmt"

// StrVal returns the value of the key as string.
// If the key does not exist an empty string is returned.
// If they key exist but has a different type an error is returned.
func StrVal(m map[string]any, key string) (string, error) {
	val, ok := m[key]
	if !ok {
		return "", nil
	}

	str, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("value of key %q has type %T, expected string", key, val)
	}

	return str, nil
}

// MapVal returns the value of the key as map[string]any.
// If the key does not exist an empty map is returned.
// If they key exist but has a different type an error is returned.
func MapVal(m map[string]any, key string) (map[string]any, error) {
	val, ok := m[key]
	if !ok {
		return map[string]any{}, nil
	}

	iMap, ok := val.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("value of key %q has type %T, expected map[string]any", key, val)
	}

	return iMap, nil
}

// NestedStrVal follows the path of keys through nested maps and returns
// the string value of the last key.
// If a key does not exist an empty string is returned.
func NestedStrVal(m map[string]any, keys ...string) (string, error) {
	if len(keys) == 0 {
		return "", nil
	}

	for i, k := range keys[:len(keys)-1] {
		var err error

		m, err = MapVal(m, k)
		if err != nil {
			return "", fmt.Errorf("%v: %w", keys[:i+1], err)
		}
	}

	return StrVal(m, keys[len(keys)-1])
}
