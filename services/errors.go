package services

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// StatusError is returned when the backend answers with a non-success status.
// Message carries the backend's {"error": ...} text when it sent one, and the
// raw body otherwise. Reported tells the two apart.
type StatusError struct {
	Op       string
	Code     int
	Message  string
	Reported bool
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: upstream status %d", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: upstream status %d: %s", e.Op, e.Code, e.Message)
}

func newStatusError(op string, resp *http.Response) *StatusError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var parsed struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &parsed) == nil && parsed.Error != "" {
		return &StatusError{Op: op, Code: resp.StatusCode, Message: parsed.Error, Reported: true}
	}
	return &StatusError{Op: op, Code: resp.StatusCode, Message: strings.TrimSpace(string(body))}
}
