// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gentleomega/proofmem/internal/apperr"
	"github.com/go-chi/chi/v5"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps an error kind to an HTTP status
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict, apperr.KindLedgerConflict:
		return http.StatusConflict
	case apperr.KindEmbeddingUnavailable, apperr.KindChainUnavailable:
		return http.StatusServiceUnavailable
	case apperr.KindChainRejected:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	if kind == "" {
		kind = apperr.KindStorage
	}
	message := err.Error()
	var e *apperr.Error
	if errors.As(err, &e) && e.Message != "" {
		message = e.Message
	}
	writeJSON(w, statusFor(kind), errorBody{Error: errorDetail{Kind: string(kind), Message: message}})
}

func decodeBody(r *http.Request, w http.ResponseWriter, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Validation("api.decode", "request body is empty")
		}
		return apperr.Validation("api.decode", "invalid request body: %v", err)
	}
	return nil
}

func uintParam(r *http.Request, name string) (uint, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, apperr.Validation("api.params", "%s must be a positive integer, got %q", name, raw)
	}
	return uint(id), nil
}

func intQuery(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.Validation("api.params", "%s must be an integer, got %q", name, raw)
	}
	return n, nil
}

func intParam(r *http.Request, name string) (uint, error) {
	raw := chi.URLParam(r, name)
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, apperr.Validation("api.params", "%s must be a non-negative integer, got %q", name, raw)
	}
	return uint(n), nil
}
