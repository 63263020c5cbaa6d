package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/hackgods/clinic-availability/internal/availability"
)

const maxBodyBytes = 1 << 20

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return strings.ToLower(fld.Name)
		}
		return name
	})
	return v
}

var fieldMessages = map[string]string{
	"required": "field is required",
	"max":      "value is too long",
	"uuid":     "must be a valid UUID",
	"datetime": "must be formatted as YYYY-MM-DD",
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

// decodeAndValidate reads a JSON body into dst and runs its validate tags.
// It writes the 400 itself and returns false on failure.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		details := "could not parse JSON"
		if errors.Is(err, io.EOF) {
			details = "request body is empty"
		}
		writeError(w, http.StatusBadRequest, "invalid_request_body", details)
		return false
	}
	return validateStruct(w, dst)
}

func validateStruct(w http.ResponseWriter, v any) bool {
	err := validate.Struct(v)
	if err == nil {
		return true
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return false
	}

	fields := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		msg := fieldMessages[fe.Tag()]
		if msg == "" {
			msg = fe.Error()
		}
		fields = append(fields, FieldError{Field: fe.Field(), Message: msg})
	}
	writeJSON(w, http.StatusBadRequest, ErrorResponse{
		Error:   "validation_failed",
		Details: "request failed validation",
		Fields:  fields,
	})
	return false
}

// writeServiceError maps the availability error taxonomy onto HTTP.
func writeServiceError(w http.ResponseWriter, err error) {
	code := availability.CodeOf(err)
	details := err.Error()
	var domainErr *availability.Error
	if errors.As(err, &domainErr) {
		details = domainErr.Message
	}

	switch availability.KindOf(err) {
	case availability.KindValidation:
		status := http.StatusBadRequest
		if errors.Is(err, availability.ErrNotDoctor) {
			status = http.StatusForbidden
		}
		writeError(w, status, code, details)
	case availability.KindNotFound:
		writeError(w, http.StatusNotFound, code, details)
	case availability.KindConflict:
		writeError(w, http.StatusConflict, code, details)
	default:
		w.Header().Set("Retry-After", "1")
		if code == "internal_error" || code == "infrastructure" {
			details = "temporarily unavailable, retry shortly"
		}
		writeError(w, http.StatusServiceUnavailable, code, details)
	}
}
