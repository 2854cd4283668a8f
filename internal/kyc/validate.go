package kyc

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/cast"

	"github.com/seenimoa/efundkyc/internal/jsonx"
)

// ErrValidation is matched by every error from decoding or validating a step
// output. A step that hits it falls back to its default object.
var ErrValidation = errors.New("kyc: validation failed")

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	mustRegister(v, "marital_status", func(fl validator.FieldLevel) bool {
		return MaritalStatus(fl.Field().String()).Valid()
	})
	mustRegister(v, "employment_status", func(fl validator.FieldLevel) bool {
		return EmploymentStatus(fl.Field().String()).Valid()
	})
	mustRegister(v, "risk_tolerance", func(fl validator.FieldLevel) bool {
		return RiskTolerance(fl.Field().String()).Valid()
	})
	return v
}

func mustRegister(v *validator.Validate, tag string, fn validator.Func) {
	if err := v.RegisterValidation(tag, fn); err != nil {
		panic(fmt.Sprintf("kyc: register %s: %v", tag, err))
	}
}

// Validate checks s against its validate tags.
func Validate(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		msgs := make([]string, 0, len(verrs))
		for _, e := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s failed %q", e.Field(), e.Tag()))
		}
		return fmt.Errorf("%w: %s", ErrValidation, strings.Join(msgs, "; "))
	}
	return fmt.Errorf("%w: %v", ErrValidation, err)
}

// decodeInto overlays the parsed model output on dst, which the caller has
// pre-filled with field defaults, then validates the result. Keys that are
// missing or null leave the default in place. Numeric fields accept numbers
// written as strings ("35", "72.5"); any other value of the wrong type is a
// validation error.
func decodeInto(data map[string]any, dst any) error {
	raw, err := jsonx.Marshal(coerceNumbers(data, dst))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := jsonx.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return Validate(dst)
}

// coerceNumbers returns a copy of data in which string values bound for the
// numeric fields of dst are parsed into numbers. Strings that do not parse
// are left alone so decoding rejects them.
func coerceNumbers(data map[string]any, dst any) map[string]any {
	fields := numericFields(reflect.TypeOf(dst))
	if len(fields) == 0 {
		return data
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
		s, ok := v.(string)
		if !ok || !fields[k] {
			continue
		}
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if n, err := cast.ToFloat64E(s); err == nil {
			out[k] = n
		}
	}
	return out
}

// numericFields lists the JSON names of the int and float fields of the
// struct t points to, including optional (pointer) ones.
func numericFields(t reflect.Type) map[string]bool {
	if t == nil || t.Kind() != reflect.Pointer || t.Elem().Kind() != reflect.Struct {
		return nil
	}
	t = t.Elem()
	fields := make(map[string]bool)
	for i := range t.NumField() {
		f := t.Field(i)
		ft := f.Type
		if ft.Kind() == reflect.Pointer {
			ft = ft.Elem()
		}
		switch ft.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Float32, reflect.Float64:
		default:
			continue
		}
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			continue
		}
		fields[name] = true
	}
	return fields
}
