package httputil

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ParseJSON decodes JSON from the request body into the destination
func ParseJSON(r *http.Request, dest interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// ParseJSONOrError decodes JSON and writes error response on failure
func ParseJSONOrError(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	if err := ParseJSON(r, dest); err != nil {
		WriteBadRequest(w, err.Error())
		return false
	}
	return true
}

// RequireNonEmpty validates that a string field is not empty
func RequireNonEmpty(w http.ResponseWriter, value, fieldName string) bool {
	if value == "" {
		WriteBadRequest(w, fmt.Sprintf("%s is required", fieldName))
		return false
	}
	return true
}

// Validator is a function that validates a value and returns an error message if invalid
type Validator func() (bool, string)

// ValidateAll runs multiple validators and writes the first error
func ValidateAll(w http.ResponseWriter, validators ...Validator) bool {
	for _, validator := range validators {
		if valid, errMsg := validator(); !valid {
			WriteBadRequest(w, errMsg)
			return false
		}
	}
	return true
}
