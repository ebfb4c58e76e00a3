package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

// UseJSONFieldNames makes gin's validator report fields by their json (or form) name.
func UseJSONFieldNames() {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return
	}
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		for _, tag := range []string{"json", "form"} {
			name := strings.SplitN(f.Tag.Get(tag), ",", 2)[0]
			if name == "-" {
				return ""
			}
			if name != "" {
				return name
			}
		}
		return f.Name
	})
}

// validationDetails renders binding failures as "<field>: <message>" lines.
func validationDetails(err error) ([]string, bool) {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		out := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			out = append(out, fe.Field()+": "+describeField(fe))
		}
		return out, true
	}

	var syntax *json.SyntaxError
	if errors.As(err, &syntax) {
		return []string{fmt.Sprintf("body: invalid JSON at offset %d", syntax.Offset)}, true
	}
	var typ *json.UnmarshalTypeError
	if errors.As(err, &typ) {
		field := typ.Field
		if field == "" {
			field = "body"
		}
		return []string{fmt.Sprintf("%s: expected %s", field, typ.Type)}, true
	}
	if err == io.EOF {
		return []string{"body: field required"}, true
	}
	if err == io.ErrUnexpectedEOF {
		return []string{"body: unexpected end of JSON input"}, true
	}
	var num *strconv.NumError
	if errors.As(err, &num) {
		return []string{fmt.Sprintf("%q: value is not a valid integer", num.Num)}, true
	}
	return nil, false
}

func describeField(fe validator.FieldError) string {
	param := fe.Param()
	switch fe.Tag() {
	case "required":
		return "field required"
	case "email":
		return "value is not a valid email address"
	case "uuid", "uuid4":
		return "value is not a valid uuid"
	case "oneof":
		return "value is not one of: " + strings.ReplaceAll(param, " ", ", ")
	case "datetime":
		if param == "15:04" {
			return "invalid time format, expected HH:MM"
		}
		return "invalid datetime format, expected " + param
	case "eqfield":
		return "must match " + param
	case "min", "max", "len":
		return describeLength(fe.Tag(), param, fe.Kind())
	case "gt":
		return "ensure this value is greater than " + param
	case "gte":
		return "ensure this value is greater than or equal to " + param
	case "lt":
		return "ensure this value is less than " + param
	case "lte":
		return "ensure this value is less than or equal to " + param
	}
	return fmt.Sprintf("failed on the '%s' validation", fe.Tag())
}

func describeLength(tag, param string, kind reflect.Kind) string {
	bound := map[string]string{"min": "at least", "max": "at most", "len": "exactly"}[tag]
	switch kind {
	case reflect.String:
		return fmt.Sprintf("ensure this value has %s %s characters", bound, param)
	case reflect.Slice, reflect.Array, reflect.Map:
		return fmt.Sprintf("ensure this list has %s %s items", bound, param)
	}
	switch tag {
	case "min":
		return "ensure this value is greater than or equal to " + param
	case "max":
		return "ensure this value is less than or equal to " + param
	}
	return "ensure this value equals " + param
}
