package server

import (
	"encoding/hex"
	"encoding/pem"
	"io"
	"net/http"
	"strconv"
	"time"

	"attestd/internal/apperr"
	"attestd/internal/logging"
	"attestd/internal/store"
)

type createAccountBody struct {
	Login    string `json:"login"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	var req createAccountBody
	if err := s.schemas.validateBody("create_account", body, &req); err != nil {
		writeError(w, apperr.Wrap(apperr.KindMalformed, "invalid request body", err))
		return
	}
	if req.Email != "" && s.cfg.IsRoleEmail(req.Email) {
		writeError(w, apperr.New(apperr.KindMalformed, "role-account email addresses are not permitted"))
		return
	}

	acct, err := s.store.CreateAccount(r.Context(), req.Login, req.Email, req.Password,
		s.cfg.DefaultVerifyInterval, s.cfg.DefaultAlertDelay)
	if err != nil {
		writeError(w, err)
		return
	}

	if s.audit != nil {
		s.audit.Log(r.Context(), logging.AuditEvent{
			EventType: logging.AuditEventSignup,
			Action:    "create_account",
			UserID:    acct.ID,
			Result:    "success",
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"account_id": acct.ID})
}

type loginBody struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if s.loginLim.IsLocked(ip) {
		http.Error(w, "too many failed attempts, try again later", http.StatusTooManyRequests)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	var req loginBody
	if err := s.schemas.validateBody("login", body, &req); err != nil {
		writeError(w, apperr.Wrap(apperr.KindMalformed, "invalid request body", err))
		return
	}

	acct, err := s.store.Authenticate(r.Context(), req.Login, req.Password)
	if err != nil {
		delay := s.loginLim.RecordFailure(ip)
		if s.audit != nil {
			s.audit.Log(r.Context(), logging.AuditEvent{EventType: logging.AuditEventLogin, Action: "login", Result: "failure"})
		}
		time.Sleep(delay)
		writeError(w, err)
		return
	}
	s.loginLim.RecordSuccess(ip)

	sess, err := s.store.CreateSession(r.Context(), acct.ID, s.cfg.SessionDuration)
	if err != nil {
		writeError(w, err)
		return
	}

	setSessionCookie(w, sess.ID, sess.CookieToken, s.originIsSecure(), int(s.cfg.SessionDuration.Seconds()))

	if s.audit != nil {
		s.audit.Log(r.Context(), logging.AuditEvent{EventType: logging.AuditEventLogin, Action: "login", UserID: acct.ID, Result: "success"})
	}
	writeJSON(w, http.StatusOK, map[string]any{"request_token": hex.EncodeToString(sess.RequestToken)})
}

// originIsSecure reports whether the configured canonical origin is
// https, which governs whether the session cookie is marked Secure.
func (s *Server) originIsSecure() bool {
	return len(s.cfg.CanonicalOrigin) >= 5 && s.cfg.CanonicalOrigin[:5] == "https"
}

// requireSession validates the session cookie plus the double-submit
// request token carried in a mutating request's JSON body.
func (s *Server) requireSession(r *http.Request, requestTokenHex string) (*store.Session, error) {
	sessionID, cookieToken, ok := parseSessionCookie(r)
	if !ok {
		return nil, apperr.New(apperr.KindUnauthenticated, "missing session cookie")
	}
	requestToken, err := hex.DecodeString(requestTokenHex)
	if err != nil {
		return nil, apperr.New(apperr.KindMalformed, "invalid request token encoding")
	}
	return s.store.ValidateSession(r.Context(), sessionID, cookieToken, requestToken)
}

// requireSessionReadOnly validates the session cookie alone, for GET
// endpoints that carry no body to double-submit a token in.
func (s *Server) requireSessionReadOnly(r *http.Request) (*store.Session, error) {
	sessionID, cookieToken, ok := parseSessionCookie(r)
	if !ok {
		return nil, apperr.New(apperr.KindUnauthenticated, "missing session cookie")
	}
	return s.store.ValidateSessionCookieOnly(r.Context(), sessionID, cookieToken)
}

type logoutBody struct {
	RequestToken string `json:"request_token"`
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	var req logoutBody
	if err := s.schemas.validateBody("logout", body, &req); err != nil {
		writeError(w, apperr.Wrap(apperr.KindMalformed, "invalid request body", err))
		return
	}

	sess, err := s.requireSession(r, req.RequestToken)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.DeleteSession(r.Context(), sess.ID); err != nil {
		writeError(w, err)
		return
	}
	clearSessionCookie(w, s.originIsSecure())
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleLogoutEverywhere(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	var req logoutBody
	if err := s.schemas.validateBody("logout", body, &req); err != nil {
		writeError(w, apperr.Wrap(apperr.KindMalformed, "invalid request body", err))
		return
	}

	sess, err := s.requireSession(r, req.RequestToken)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.DeleteAllSessions(r.Context(), sess.AccountID); err != nil {
		writeError(w, err)
		return
	}
	clearSessionCookie(w, s.originIsSecure())
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	sess, err := s.requireSessionReadOnly(r)
	if err != nil {
		writeError(w, err)
		return
	}
	acct, err := s.store.GetAccount(r.Context(), sess.AccountID)
	if err != nil || acct == nil {
		writeError(w, apperr.New(apperr.KindUnauthenticated, "no such account"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account_id":      acct.ID,
		"login":           acct.Login,
		"email":           acct.Email,
		"verify_interval": int64(acct.VerifyInterval.Seconds()),
		"alert_delay":     int64(acct.AlertDelay.Seconds()),
	})
}

// deviceView is the JSON rendering of a pinned device for the admin
// UI: certificates as PEM (round-trippable by any X.509 tool, not just
// this server) and binary digests as lowercase hex, per the round-trip
// guarantee the account-facing endpoints make for device state.
type deviceView struct {
	DeviceID    int64  `json:"device_id"`
	Fingerprint string `json:"fingerprint"`
	Label       string `json:"label"`

	PinnedCertificatesPEM []string `json:"pinned_certificates_pem"`
	PinnedVerifiedBootKey string   `json:"pinned_verified_boot_key"`
	PinnedSecurityLevel   string   `json:"pinned_security_level"`

	PinnedOSVersion        int  `json:"pinned_os_version"`
	PinnedOSPatchLevel     int  `json:"pinned_os_patch_level"`
	PinnedVendorPatchLevel *int `json:"pinned_vendor_patch_level,omitempty"`
	PinnedBootPatchLevel   *int `json:"pinned_boot_patch_level,omitempty"`
	PinnedAppVersion       int  `json:"pinned_app_version"`

	VerifiedBootHash *string `json:"verified_boot_hash,omitempty"`

	Flags       store.DeviceFlags `json:"flags"`
	DeviceAdmin int               `json:"device_admin"`

	TEEEnforced string `json:"tee_enforced"`
	OSEnforced  string `json:"os_enforced"`

	VerifiedTimeFirst string  `json:"verified_time_first"`
	VerifiedTimeLast  string  `json:"verified_time_last"`
	ExpiredTimeLast   *string `json:"expired_time_last,omitempty"`
	FailureTimeLast   *string `json:"failure_time_last,omitempty"`
}

func newDeviceView(d *store.Device) deviceView {
	pemCerts := make([]string, 0, len(d.PinnedCertificates))
	for _, der := range d.PinnedCertificates {
		block := &pem.Block{Type: "CERTIFICATE", Bytes: der}
		pemCerts = append(pemCerts, string(pem.EncodeToMemory(block)))
	}

	v := deviceView{
		DeviceID:               d.ID,
		Fingerprint:            d.Fingerprint,
		Label:                  d.Label,
		PinnedCertificatesPEM:  pemCerts,
		PinnedVerifiedBootKey:  d.PinnedVerifiedBootKey,
		PinnedSecurityLevel:    string(d.PinnedSecurityLevel),
		PinnedOSVersion:        d.PinnedOSVersion,
		PinnedOSPatchLevel:     d.PinnedOSPatchLevel,
		PinnedVendorPatchLevel: d.PinnedVendorPatchLevel,
		PinnedBootPatchLevel:   d.PinnedBootPatchLevel,
		PinnedAppVersion:       d.PinnedAppVersion,
		VerifiedBootHash:       d.VerifiedBootHash,
		Flags:                  d.Flags,
		DeviceAdmin:            d.DeviceAdmin,
		TEEEnforced:            d.TEEEnforced,
		OSEnforced:             d.OSEnforced,
		VerifiedTimeFirst:      d.VerifiedTimeFirst.Format(time.RFC3339),
		VerifiedTimeLast:       d.VerifiedTimeLast.Format(time.RFC3339),
	}
	if d.ExpiredTimeLast != nil {
		t := d.ExpiredTimeLast.Format(time.RFC3339)
		v.ExpiredTimeLast = &t
	}
	if d.FailureTimeLast != nil {
		t := d.FailureTimeLast.Format(time.RFC3339)
		v.FailureTimeLast = &t
	}
	return v
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	sess, err := s.requireSessionReadOnly(r)
	if err != nil {
		writeError(w, err)
		return
	}
	devices, err := s.store.ListDevices(r.Context(), sess.AccountID)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		views = append(views, newDeviceView(d))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAttestationHistory(w http.ResponseWriter, r *http.Request) {
	sess, err := s.requireSessionReadOnly(r)
	if err != nil {
		writeError(w, err)
		return
	}

	deviceID, err := strconv.ParseInt(r.URL.Query().Get("device_id"), 10, 64)
	if err != nil {
		writeError(w, apperr.New(apperr.KindMalformed, "invalid device_id"))
		return
	}

	history, err := s.store.AttestationHistory(r.Context(), sess.AccountID, deviceID, 100)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

type deleteDeviceBody struct {
	RequestToken string `json:"request_token"`
	DeviceID     int64  `json:"device_id"`
}

func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	var req deleteDeviceBody
	if err := s.schemas.validateBody("delete_device", body, &req); err != nil {
		writeError(w, apperr.Wrap(apperr.KindMalformed, "invalid request body", err))
		return
	}

	sess, err := s.requireSession(r, req.RequestToken)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.store.DeleteDevice(r.Context(), sess.AccountID, req.DeviceID); err != nil {
		writeError(w, err)
		return
	}
	if s.audit != nil {
		s.audit.LogDeviceDeleted(r.Context(), sess.AccountID, "")
	}
	w.WriteHeader(http.StatusOK)
}

type configurationBody struct {
	RequestToken          string `json:"request_token"`
	VerifyIntervalSeconds int64  `json:"verify_interval_seconds"`
	AlertDelaySeconds     int64  `json:"alert_delay_seconds"`
	Email                 string `json:"email"`
}

func (s *Server) handleConfiguration(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	var req configurationBody
	if err := s.schemas.validateBody("configuration", body, &req); err != nil {
		writeError(w, apperr.Wrap(apperr.KindMalformed, "invalid request body", err))
		return
	}

	sess, err := s.requireSession(r, req.RequestToken)
	if err != nil {
		writeError(w, err)
		return
	}

	verifyInterval := time.Duration(req.VerifyIntervalSeconds) * time.Second
	alertDelay := time.Duration(req.AlertDelaySeconds) * time.Second
	if err := s.cfg.CheckAccountPolicy(verifyInterval, alertDelay); err != nil {
		writeError(w, apperr.Wrap(apperr.KindMalformed, err.Error(), err))
		return
	}
	if req.Email != "" && s.cfg.IsRoleEmail(req.Email) {
		writeError(w, apperr.New(apperr.KindMalformed, "role-account email addresses are not permitted"))
		return
	}

	if err := s.store.UpdateAccountConfiguration(r.Context(), sess.AccountID, verifyInterval, alertDelay, req.Email); err != nil {
		writeError(w, err)
		return
	}
	if s.audit != nil {
		s.audit.Log(r.Context(), logging.AuditEvent{EventType: logging.AuditEventConfigChange, Action: "configuration", UserID: sess.AccountID, Result: "success"})
	}
	w.WriteHeader(http.StatusOK)
}
