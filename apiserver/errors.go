// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/juju/errors"
)

// ErrorResponse is the JSON body of a failed upload request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"error-code,omitempty"`
}

func errorCode(err error) string {
	switch {
	case errors.IsBadRequest(err):
		return "bad request"
	case errors.IsTimeout(err):
		return "timeout"
	case errors.IsNotValid(err):
		return "not valid"
	}
	return ""
}

func statusFor(err error) int {
	switch {
	case errors.IsBadRequest(err), errors.IsNotValid(err):
		return http.StatusBadRequest
	case errors.IsTimeout(err):
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}

// sendJSONError sends a JSON-encoded error response with the status
// derived from the error's kind.
func sendJSONError(w http.ResponseWriter, req *http.Request, err error) error {
	logger.Errorf("returning error from %s %s: %s", req.Method, req.URL, errors.Details(err))
	return errors.Trace(sendStatusAndJSON(w, statusFor(err), &ErrorResponse{
		Error: err.Error(),
		Code:  errorCode(err),
	}))
}

// sendStatusAndJSON sends an HTTP status code and a JSON-encoded
// response to a client.
func sendStatusAndJSON(w http.ResponseWriter, statusCode int, response interface{}) error {
	body, err := json.Marshal(response)
	if err != nil {
		return errors.Errorf("cannot marshal JSON result %#v", response)
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", fmt.Sprint(len(body)))
	w.WriteHeader(statusCode)
	if _, err := w.Write(body); err != nil {
		return errors.Annotate(err, "cannot write response")
	}
	return nil
}
