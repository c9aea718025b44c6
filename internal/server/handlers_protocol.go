package server

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"attestd/internal/apperr"
	"attestd/internal/logging"
	"attestd/internal/security"
	"attestd/internal/store"
	"attestd/internal/verifier"
)

// handleChallenge issues a fresh nonce for an auditor client about to
// begin an attestation round. Per-IP rate limited since an unauthenticated
// client can otherwise exhaust the Challenge Index's capacity.
func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !s.ipLim.Allow(ip) {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	nonce, err := s.idx.Issue()
	if err != nil {
		s.logger.WithContext(r.Context()).Error("issue challenge", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	wire, err := encodeChallenge(nonce)
	if err != nil {
		s.logger.WithContext(r.Context()).Error("encode challenge", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if s.audit != nil {
		s.audit.Log(r.Context(), logging.AuditEvent{
			EventType: logging.AuditEventChallengeIssue,
			Action:    "issue",
			Result:    "success",
			SourceIP:  ip,
		})
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(wire)
}

// auditorAuth is the parsed form of the "Authorization: Auditor <userId>
// [<base64 subscribeKey>]" header /verify requires.
type auditorAuth struct {
	accountID    int64
	subscribeKey []byte // nil if the client presented none
}

func parseAuditorAuth(header string) (*auditorAuth, error) {
	const prefix = "Auditor "
	if !strings.HasPrefix(header, prefix) {
		return nil, apperr.New(apperr.KindUnauthenticated, "missing Auditor authorization")
	}
	fields := strings.Fields(strings.TrimPrefix(header, prefix))
	if len(fields) == 0 {
		return nil, apperr.New(apperr.KindUnauthenticated, "missing account id")
	}

	accountID, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return nil, apperr.New(apperr.KindUnauthenticated, "invalid account id")
	}

	auth := &auditorAuth{accountID: accountID}
	if len(fields) > 1 {
		key, err := base64.StdEncoding.DecodeString(fields[1])
		if err != nil {
			return nil, apperr.New(apperr.KindUnauthenticated, "invalid subscribe key encoding")
		}
		auth.subscribeKey = key
	}
	return auth, nil
}

// handleVerify runs one full attestation round: decode the bundle,
// consume the claimed nonce, verify the certificate chain, and pin or
// continuity-check the resulting device against the caller's account.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if !s.ipLim.Allow(clientIP(r)) {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	auth, err := parseAuditorAuth(r.Header.Get("Authorization"))
	if err != nil {
		http.Error(w, err.Error(), statusForVerifyKind(apperr.KindOf(err)))
		return
	}

	acct, err := s.store.GetAccount(r.Context(), auth.accountID)
	if err != nil || acct == nil {
		http.Error(w, "unauthenticated", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	bundle, err := decodeAttestationBundle(body)
	if err != nil {
		http.Error(w, err.Error(), statusForVerifyKind(apperr.KindOf(err)))
		return
	}

	claimedNonce, err := verifier.ExtractChallenge(bundle.chainDER)
	if err != nil {
		http.Error(w, err.Error(), statusForVerifyKind(apperr.KindOf(err)))
		return
	}
	if !s.idx.Consume(hex.EncodeToString(claimedNonce)) {
		http.Error(w, "stale or unknown challenge", http.StatusBadRequest)
		return
	}

	report, err := s.ver.Verify(bundle.chainDER, claimedNonce)
	if err != nil {
		http.Error(w, err.Error(), statusForVerifyKind(apperr.KindOf(err)))
		return
	}

	// strong records whether the subscribeKey was presented and matched,
	// per spec.md §3/glossary — it is unrelated to the hardware security
	// level every valid attestation chain already carries.
	subscribeMatched := len(auth.subscribeKey) > 0 && subtle.ConstantTimeCompare(auth.subscribeKey, acct.SubscribeKey) == 1
	strong := subscribeMatched
	security.Wipe(auth.subscribeKey)

	outcome, err := s.store.Record(r.Context(), acct.ID, store.DeviceSnapshot{
		Fingerprint:           report.Fingerprint,
		PinnedCertificates:    report.Certificates,
		PinnedVerifiedBootKey: report.VerifiedBootKey,
		PinnedSecurityLevel:   store.SecurityLevel(report.SecurityLevel),
		OSVersion:             report.OSVersion,
		OSPatchLevel:          report.OSPatchLevel,
		VendorPatchLevel:      report.VendorPatchLevel,
		BootPatchLevel:        report.BootPatchLevel,
		AppVersion:            bundle.appVersion,
		VerifiedBootHash:      report.VerifiedBootHash,
		Flags:                 bundle.flags,
		DeviceAdmin:           bundle.deviceAdmin,
		TEEEnforced:           report.TEEEnforced,
		OSEnforced:            report.OSEnforced,
	}, strong, report.ChainDepth)

	if s.audit != nil && outcome != nil && outcome.Device != nil {
		s.audit.LogVerify(r.Context(), acct.ID, outcome.Device.Fingerprint, outcome.Outcome, strong)
	}
	if err != nil {
		http.Error(w, err.Error(), statusForVerifyKind(apperr.KindOf(err)))
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "%s %d", base64.StdEncoding.EncodeToString(acct.SubscribeKey), int64(acct.VerifyInterval.Seconds()))
}

// handleSubmit stores an opaque auditor sample blob. Per spec.md §3/§6
// the channel is unauthenticated and carries no device association —
// the body is stored verbatim, bounded only by the configured
// MaxSampleSize the route's withBodyLimit middleware already enforces.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	if _, err := s.samples.Insert(r.Context(), body); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}
