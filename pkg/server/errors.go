// Copyright 2025 The Soteria Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/soteria-run/soteria/pkg/agent"
	"github.com/soteria-run/soteria/pkg/capability"
	"github.com/soteria-run/soteria/pkg/registry"
	"github.com/soteria-run/soteria/pkg/session"
	"github.com/soteria-run/soteria/pkg/token"
)

// maxBodyBytes caps request bodies. The API carries control messages,
// not bulk data.
const maxBodyBytes = 1 << 20

type validationError struct {
	msg string
}

func (e *validationError) Error() string { return e.msg }

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return &validationError{msg: fmt.Sprintf("invalid request body: %v", err)}
	}
	return nil
}

// statusFor maps the package error sentinels onto HTTP statuses:
// validation 400, auth 401, scope denials 403, missing resources 404,
// state conflicts 409, backpressure 503, everything else 500.
func statusFor(err error) int {
	var vErr *validationError
	switch {
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, session.ErrSubagentNotFound),
		errors.Is(err, registry.ErrAgentNotFound),
		errors.Is(err, agent.ErrTaskNotFound):
		return http.StatusNotFound

	case errors.Is(err, token.ErrInvalidFormat),
		errors.Is(err, token.ErrInvalidSignature),
		errors.Is(err, token.ErrExpired),
		errors.Is(err, token.ErrUsedBeforeIssued),
		errors.Is(err, token.ErrRevoked),
		errors.Is(err, token.ErrMissingClaims),
		errors.Is(err, token.ErrNoVerificationKeys),
		errors.Is(err, token.ErrOutsideTimeWindow):
		return http.StatusUnauthorized

	case errors.Is(err, capability.ErrOperationNotPermitted),
		errors.Is(err, capability.ErrResourceNotPermitted),
		errors.Is(err, capability.ErrPathNotAllowed),
		errors.Is(err, capability.ErrToolNotAllowed):
		return http.StatusForbidden

	case errors.Is(err, session.ErrSessionExists),
		errors.Is(err, agent.ErrNotRunning):
		return http.StatusConflict

	case errors.Is(err, agent.ErrMailboxFull):
		return http.StatusServiceUnavailable

	case errors.Is(err, agent.ErrTaskRejected), errors.As(err, &vErr):
		return http.StatusBadRequest

	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeValidationError(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
