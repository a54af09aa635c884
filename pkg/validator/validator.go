package validator

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

type FieldError struct {
	Field string
	Tag   string
	Param string
}

var validate = validator.New()

// Struct runs the validate tags on a request DTO and returns every failed
// field. Business rules (stock, price bands) stay in the service and store.
func Struct(data any) []FieldError {
	err := validate.Struct(data)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []FieldError{{Field: "request", Tag: "invalid"}}
	}
	out := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, FieldError{
			Field: fe.StructNamespace(),
			Tag:   fe.Tag(),
			Param: fe.Param(),
		})
	}
	return out
}

// FirstError formats the first failure for user display.
func FirstError(errs []FieldError) error {
	if len(errs) == 0 {
		return nil
	}
	first := errs[0]
	field := first.Field
	if idx := strings.LastIndex(field, "."); idx >= 0 {
		field = field[idx+1:]
	}
	if first.Param != "" {
		return fmt.Errorf("field %q failed %q=%s", field, first.Tag, first.Param)
	}
	return fmt.Errorf("field %q failed %q", field, first.Tag)
}
