package tree

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// A ValueType decodes store strings into typed leaf values and encodes
// them back. Decode errors during event application are fatal to the
// watcher; encode errors surface to the caller of Set.
type ValueType struct {
	Name   string
	Decode func(s string) (interface{}, error)
	Encode func(v interface{}) (string, error)
}

var StringValue = &ValueType{
	Name: "string",
	Decode: func(s string) (interface{}, error) {
		return s, nil
	},
	Encode: func(v interface{}) (string, error) {
		s, ok := v.(string)
		if !ok {
			return "", errors.Errorf("%v (%T): not a string", v, v)
		}
		return s, nil
	},
}

var IntValue = &ValueType{
	Name: "int",
	Decode: func(s string) (interface{}, error) {
		n, err := strconv.ParseInt(s, 10, 64)
		return n, errors.Wrapf(err, "%q as int", s)
	},
	Encode: func(v interface{}) (string, error) {
		switch n := v.(type) {
		case int:
			return strconv.FormatInt(int64(n), 10), nil
		case int64:
			return strconv.FormatInt(n, 10), nil
		}
		return "", errors.Errorf("%v (%T): not an integer", v, v)
	},
}

var FloatValue = &ValueType{
	Name: "float",
	Decode: func(s string) (interface{}, error) {
		f, err := strconv.ParseFloat(s, 64)
		return f, errors.Wrapf(err, "%q as float", s)
	},
	Encode: func(v interface{}) (string, error) {
		switch f := v.(type) {
		case float64:
			return strconv.FormatFloat(f, 'g', -1, 64), nil
		case int:
			return strconv.Itoa(f), nil
		case int64:
			return strconv.FormatInt(f, 10), nil
		}
		return "", errors.Errorf("%v (%T): not a float", v, v)
	},
}

func decodeBool(s string) (interface{}, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return n != 0, nil
	}
	switch strings.ToLower(s) {
	case "true", "on":
		return true, nil
	case "false", "off":
		return false, nil
	}
	return nil, errors.Errorf("%q as bool", s)
}

// BoolValue writes itself to the store as a number (0 or 1).
var BoolValue = &ValueType{
	Name:   "bool",
	Decode: decodeBool,
	Encode: func(v interface{}) (string, error) {
		b, ok := v.(bool)
		if !ok {
			return "", errors.Errorf("%v (%T): not a bool", v, v)
		}
		if b {
			return "1", nil
		}
		return "0", nil
	},
}

// BoolStringValue writes itself to the store as "true" or "false".
var BoolStringValue = &ValueType{
	Name:   "bools",
	Decode: decodeBool,
	Encode: func(v interface{}) (string, error) {
		b, ok := v.(bool)
		if !ok {
			return "", errors.Errorf("%v (%T): not a bool", v, v)
		}
		return strconv.FormatBool(b), nil
	},
}
