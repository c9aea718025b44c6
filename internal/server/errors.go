package server

import (
	"encoding/json"
	"net/http"

	"attestd/internal/apperr"
)

// statusForKind maps a tagged result kind to the HTTP status the
// account/admin surface reports for it, per spec's error-kind table.
// Unauthenticated here means a rejected session/CSRF check, which is a
// 403 on this surface; handleVerify uses statusForVerifyKind instead,
// since an auth failure there is just a malformed verification attempt.
func statusForKind(k apperr.Kind) int {
	switch k {
	case apperr.KindUnauthenticated:
		return http.StatusForbidden
	case apperr.KindTooLarge:
		return http.StatusRequestEntityTooLarge
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindInternal:
		return http.StatusInternalServerError
	case apperr.KindMalformed, apperr.KindStaleChallenge, apperr.KindUnknownDevice,
		apperr.KindMismatchOwner, apperr.KindMismatchPinning, apperr.KindMismatchDowngrade, apperr.KindRevoked:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// statusForVerifyKind is /verify's status mapping: a missing or
// mismatched subscribeKey is a 400 there, not the 403 an admin endpoint
// would report for a rejected session.
func statusForVerifyKind(k apperr.Kind) int {
	if k == apperr.KindUnauthenticated {
		return http.StatusBadRequest
	}
	return statusForKind(k)
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// writeError maps err to a status code and writes a small JSON body.
// KindInternal never leaks its cause to the client; everything else
// surfaces the human-readable message the core attached.
func writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status := statusForKind(kind)

	msg := "internal error"
	if kind != apperr.KindInternal {
		if ae, ok := apperr.As(err); ok {
			msg = ae.Message
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorBody{Error: msg, Kind: kind.String()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
