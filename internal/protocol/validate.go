package protocol

import "fmt"

// FieldError names one violated field of a frame.
type FieldError struct {
	Field   string
	Message string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// requiredStrings lists per-type string fields that must be present and
// non-empty. Types not listed only need a valid "type" field.
var requiredStrings = map[string][]string{
	TypeAuthLogin:    {"username", "password"},
	TypeAuthRegister: {"username", "password"},
	TypeChatMessage:  {"id", "content"},
}

// Validate performs structural validation of an inbound frame. It returns
// the full list of violations; an empty slice means the frame is well-formed.
func Validate(f Frame) []FieldError {
	var errs []FieldError

	if f == nil {
		return []FieldError{{Field: "type", Message: "frame must be an object"}}
	}

	typ, ok := f["type"].(string)
	if !ok || typ == "" {
		errs = append(errs, FieldError{Field: "type", Message: "type is required"})
		return errs
	}

	for _, field := range requiredStrings[typ] {
		if f.String(field) == "" {
			errs = append(errs, FieldError{Field: field, Message: field + " is required"})
		}
	}

	if typ == TypeChatMessage {
		if content := f.String("content"); len(content) > MaxTextLength {
			errs = append(errs, FieldError{Field: "content", Message: "content exceeds maximum length"})
		}
	}

	return errs
}

// JoinFieldErrors renders violations into the message of an error frame.
func JoinFieldErrors(errs []FieldError) string {
	out := ""
	for i, e := range errs {
		if i > 0 {
			out += "; "
		}
		out += e.Error()
	}
	return out
}
