package tools

import (
	"math"

	"github.com/m4xw311/canvasd/errors"
)

func stringArg(args map[string]interface{}, key string, required bool) (string, error) {
	v, ok := args[key]
	if !ok || v == nil {
		if required {
			return "", errors.E(errors.InvalidInput, "missing required argument '%s'", key)
		}
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", errors.E(errors.InvalidInput, "argument '%s' must be a string", key)
	}
	if required && s == "" {
		return "", errors.E(errors.InvalidInput, "argument '%s' must not be empty", key)
	}
	return s, nil
}

func boolArg(args map[string]interface{}, key string, def bool) (bool, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, errors.E(errors.InvalidInput, "argument '%s' must be a boolean", key)
	}
	return b, nil
}

func intArg(args map[string]interface{}, key string, def int) (int, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) {
			return 0, errors.E(errors.InvalidInput, "argument '%s' must be an integer", key)
		}
		return int(n), nil
	case int:
		return n, nil
	case int64:
		return int(n), nil
	}
	return 0, errors.E(errors.InvalidInput, "argument '%s' must be an integer", key)
}

func stringsArg(args map[string]interface{}, key string) ([]string, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return nil, errors.E(errors.InvalidInput, "missing required argument '%s'", key)
	}
	var out []string
	switch list := v.(type) {
	case []string:
		out = append(out, list...)
	case []interface{}:
		for i, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, errors.E(errors.InvalidInput, "argument '%s[%d]' must be a string", key, i)
			}
			out = append(out, s)
		}
	default:
		return nil, errors.E(errors.InvalidInput, "argument '%s' must be a list of strings", key)
	}
	if len(out) == 0 {
		return nil, errors.E(errors.InvalidInput, "argument '%s' must not be empty", key)
	}
	return out, nil
}

type position string

const (
	atStart position = "start"
	atEnd   position = "end"
)

func positionArg(args map[string]interface{}) (position, error) {
	s, err := stringArg(args, "position", false)
	if err != nil {
		return "", err
	}
	switch position(s) {
	case "", atEnd:
		return atEnd, nil
	case atStart:
		return atStart, nil
	}
	return "", errors.E(errors.InvalidInput, "position must be 'start' or 'end', got %q", s)
}
