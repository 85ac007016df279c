package store

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"

	"dealflow/server/internal/models"
)

// APIError is a non-2xx answer from the record store. The mutation that
// produced it must be treated as not applied.
type APIError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("record store HTTP %d (%s): %s", e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("record store HTTP %d: %s", e.StatusCode, e.Message)
}

// Is lets errors.Is(err, models.ErrNotFound) match 404 answers.
func (e *APIError) Is(target error) bool {
	return target == models.ErrNotFound && e.StatusCode == http.StatusNotFound
}

// parseAPIError reads the provider's error body. The provider is not
// consistent about the shape, so both {"error":{"type","message"}} and
// {"error":"TYPE"} are accepted.
func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status}
	errField := gjson.GetBytes(body, "error")
	switch {
	case errField.IsObject():
		apiErr.Type = errField.Get("type").String()
		apiErr.Message = errField.Get("message").String()
	case errField.Type == gjson.String:
		apiErr.Type = errField.String()
	}
	if apiErr.Message == "" {
		apiErr.Message = gjson.GetBytes(body, "message").String()
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}

// IsNotFound reports whether err is a 404 from the record store.
func IsNotFound(err error) bool {
	return errors.Is(err, models.ErrNotFound)
}
