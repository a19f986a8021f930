package dataaccess

import (
	"reflect"

	"github.com/sharedeck/datakit/pkg/errors"
)

// ValidationConfig holds the argument rules applied before an operation
// touches the network.
type ValidationConfig struct {
	// MaxPageSize bounds the "limit" and "pageSize" arguments.
	MaxPageSize int `yaml:"max_page_size"`

	// MaxDepth bounds how deeply nested an argument structure may be.
	MaxDepth int `yaml:"max_depth"`

	// RequiredFields maps "Model.Operation" to argument names that must be
	// present and non-nil.
	RequiredFields map[string][]string `yaml:"required_fields"`
}

// DefaultValidationConfig returns the default rules.
func DefaultValidationConfig() ValidationConfig {
	return ValidationConfig{
		MaxPageSize: 100,
		MaxDepth:    10,
	}
}

func (v *ValidationConfig) applyDefaults() {
	if v.MaxPageSize <= 0 {
		v.MaxPageSize = 100
	}
	if v.MaxDepth <= 0 {
		v.MaxDepth = 10
	}
}

// validate fails fast with VALIDATION_FAILED on the first broken rule.
// Validation errors indicate a caller bug and are never retried.
func (v *ValidationConfig) validate(op Operation) error {
	for _, name := range []string{"limit", "pageSize"} {
		size, present := intArg(op.Args, name)
		if !present {
			continue
		}
		if size < 0 {
			return errors.Newf(errors.ErrCodeValidationFailed,
				"%s.%s: %s must not be negative", op.Model, op.Name, name).
				WithComponent("dataaccess").WithOperation(op.Name)
		}
		if size > v.MaxPageSize {
			return errors.Newf(errors.ErrCodeValidationFailed,
				"%s.%s: %s %d exceeds maximum %d", op.Model, op.Name, name, size, v.MaxPageSize).
				WithComponent("dataaccess").WithOperation(op.Name)
		}
	}

	for _, field := range v.RequiredFields[op.Model+"."+op.Name] {
		if value, present := op.Args[field]; !present || value == nil {
			return errors.Newf(errors.ErrCodeValidationFailed,
				"%s.%s: required argument %q missing", op.Model, op.Name, field).
				WithComponent("dataaccess").WithOperation(op.Name)
		}
	}

	if depth := structureDepth(op.Args, 0, v.MaxDepth); depth > v.MaxDepth {
		return errors.Newf(errors.ErrCodeValidationFailed,
			"%s.%s: arguments nested deeper than %d levels", op.Model, op.Name, v.MaxDepth).
			WithComponent("dataaccess").WithOperation(op.Name)
	}

	return nil
}

// intArg reads a numeric argument regardless of the integer type the
// caller happened to supply.
func intArg(args map[string]interface{}, name string) (int, bool) {
	value, present := args[name]
	if !present {
		return 0, false
	}
	switch n := value.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// structureDepth walks maps and slices counting nesting levels. Recursion
// stops as soon as the limit is exceeded, so hostile inputs cannot
// overflow the stack.
func structureDepth(value interface{}, depth, limit int) int {
	if depth > limit || value == nil {
		return depth
	}

	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Map:
		deepest := depth
		for _, key := range rv.MapKeys() {
			d := structureDepth(rv.MapIndex(key).Interface(), depth+1, limit)
			if d > deepest {
				deepest = d
			}
			if deepest > limit {
				return deepest
			}
		}
		return deepest
	case reflect.Slice, reflect.Array:
		deepest := depth
		for i := 0; i < rv.Len(); i++ {
			d := structureDepth(rv.Index(i).Interface(), depth+1, limit)
			if d > deepest {
				deepest = d
			}
			if deepest > limit {
				return deepest
			}
		}
		return deepest
	default:
		return depth
	}
}
