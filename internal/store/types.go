// Package store provides the SQLite-backed persistence layer for
// accounts, sessions, pinned devices, attestation history, and submitted
// samples.
package store

import "time"

// Account is a registered auditor. Login is a case-insensitive-unique
// handle; PasswordHash is the scrypt verifier, never the plaintext.
type Account struct {
	ID             int64
	Login          string
	Email          string
	PasswordHash   []byte
	PasswordSalt   []byte
	SubscribeKey   []byte // shared secret the auditor app presents on /verify
	VerifyInterval time.Duration
	AlertDelay     time.Duration
	CreatedAt      time.Time
}

// Session is an authenticated browser session, identified by a random
// SessionID and protected by a double-submit CSRF token pair.
type Session struct {
	ID           string
	AccountID    int64
	CookieToken  []byte
	RequestToken []byte
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// SecurityLevel is the hardware keystore's attestation security level,
// captured at pinning time and immutable thereafter.
type SecurityLevel string

const (
	SecurityLevelTEE       SecurityLevel = "tee"
	SecurityLevelStrongBox SecurityLevel = "strongbox"
)

// DeviceFlags is the auditor app's eight boolean state flags, captured
// fresh on every verification (unlike the pinned-immutable fields).
type DeviceFlags struct {
	UserProfileSecure  bool
	EnrolledBiometrics bool
	Accessibility      bool
	AdbEnabled         bool
	AddUsersWhenLocked bool
	DenyNewUsb         bool
	OemUnlockAllowed   bool
	SystemUser         bool
}

// Device is a pinned device identity (the Pinning Record, component D):
// the certificate chain and verified-boot key captured on first use,
// plus the continuity fields and mutable state later verifications are
// checked against and update.
type Device struct {
	ID          int64
	AccountID   int64 // owning account; immutable once pinned
	Fingerprint string // sha256 of the second-to-root certificate's public key, hex

	// Pinned-immutable: set once at enrollment, checked for equality on
	// every subsequent verification.
	PinnedCertificates    [][]byte // up to four DER certificates along the original chain
	PinnedVerifiedBootKey string   // hex digest, catalogue key into the Fingerprint Catalogue
	PinnedSecurityLevel   SecurityLevel

	// Monotonic-only: may only increase across verifications.
	PinnedOSVersion        int
	PinnedOSPatchLevel     int
	PinnedVendorPatchLevel *int // optional
	PinnedBootPatchLevel   *int // optional
	PinnedAppVersion       int

	// Per-boot measurement, preserved as absent rather than zeroed when
	// the extension omits it.
	VerifiedBootHash *string

	Flags        DeviceFlags
	DeviceAdmin  int // 0, 1, or 2

	Label string

	TEEEnforced string // stable JSON {tag,value} pairs, opaque to callers
	OSEnforced  string

	VerifiedTimeFirst time.Time // immutable after pin
	VerifiedTimeLast  time.Time
	ExpiredTimeLast   *time.Time // set when the Alert Dispatcher emits an overdue notice
	FailureTimeLast   *time.Time // set on Mismatch(pinning) / Mismatch(downgrade)
	DeletionTime      *time.Time // write-once soft-delete tombstone
}

// Attestation is one row of a device's verification history.
type Attestation struct {
	ID          int64
	DeviceID    int64
	VerifiedAt  time.Time
	Strong      bool
	Outcome     string // "enrolled" or "verified"; a rejected report appends no row
	ChainDepth  int
}

// Sample is an opaque auditor-submitted blob, stored in its own
// database so a growing sample corpus never contends with the hot
// verification path. It carries no device association (spec.md §3).
type Sample struct {
	ID          int64
	SubmittedAt time.Time
	Data        []byte
}
