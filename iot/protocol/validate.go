package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ValidationError reports a missing or malformed field. It is returned
// before any registry mutation happens.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Required builds the ValidationError for an empty required field.
func Required(field string) *ValidationError {
	return &ValidationError{Field: field, Reason: "required"}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report wire names (deviceName) instead of Go field names (DeviceName).
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Decode unmarshals an event payload into dst and validates it.
// Any failure is returned as a *ValidationError.
func Decode(data json.RawMessage, dst any) error {
	if len(data) == 0 || string(data) == "null" {
		data = json.RawMessage("{}")
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return &ValidationError{Field: "data", Reason: "malformed payload"}
	}
	return Validate(dst)
}

// Validate checks the validate tags of a payload struct.
func Validate(payload any) error {
	err := validate.Struct(payload)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		reason := fe.Tag()
		if fe.Param() != "" {
			reason = fmt.Sprintf("%s=%s", fe.Tag(), fe.Param())
		}
		return &ValidationError{Field: fe.Field(), Reason: reason}
	}
	return &ValidationError{Field: "data", Reason: err.Error()}
}
