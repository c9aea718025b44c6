package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"time"

	"attestd/internal/apperr"
)

// DeviceSnapshot is the set of fields a fresh verification reports,
// compared against an existing pinning record to decide enroll /
// continuity-match / mismatch, per spec.md §4.3.
type DeviceSnapshot struct {
	Fingerprint string

	PinnedCertificates    [][]byte
	PinnedVerifiedBootKey string
	PinnedSecurityLevel   SecurityLevel

	OSVersion        int
	OSPatchLevel     int
	VendorPatchLevel *int
	BootPatchLevel   *int
	AppVersion       int

	VerifiedBootHash *string

	Flags       DeviceFlags
	DeviceAdmin int

	TEEEnforced string
	OSEnforced  string
}

// RecordOutcome is the result of Record: either a brand-new device was
// pinned, an existing one continuity-matched, or a mismatch/downgrade
// was detected and the pinned row was left untouched apart from the
// failure timestamp.
type RecordOutcome struct {
	Device  *Device
	Outcome string // "enrolled", "verified", "mismatch_owner", "mismatch_pinning", "mismatch_downgrade", "revoked"
	IsMatch bool
}

// Record implements pinning-on-first-use with continuity enforcement
// (component D). It runs inside BEGIN IMMEDIATE so two concurrent
// verifications for the same never-before-seen fingerprint cannot both
// believe they are the enrolling request; the loser observes the
// winner's row.
func (s *Store) Record(ctx context.Context, accountID int64, snap DeviceSnapshot, strong bool, chainDepth int) (*RecordOutcome, error) {
	var outcome RecordOutcome
	// mismatchErr is the apperr the caller sees on a mismatch/revocation
	// outcome. It is captured separately from the transaction function's
	// own return value so that a mismatch still commits its
	// failure_time_last update instead of rolling it back the way an
	// unexpected database error would.
	var mismatchErr error

	err := s.withImmediate(ctx, func(conn *sql.Conn) error {
		now := time.Now().UTC()

		existing, err := queryDeviceByFingerprint(ctx, conn, snap.Fingerprint)
		if err != nil {
			return err
		}

		if existing == nil {
			dev, err := insertDevice(ctx, conn, accountID, snap, now)
			if err != nil {
				return err
			}
			if err := insertAttestation(ctx, conn, dev.ID, now, strong, "enrolled", chainDepth); err != nil {
				return err
			}
			outcome = RecordOutcome{Device: dev, Outcome: "enrolled", IsMatch: true}
			return nil
		}

		// 1. Owner check.
		if existing.AccountID != accountID {
			outcome = RecordOutcome{Device: existing, Outcome: "mismatch_owner", IsMatch: false}
			mismatchErr = apperr.New(apperr.KindMismatchOwner, "device is pinned to a different account")
			return nil
		}

		// 2. Revocation check.
		if existing.DeletionTime != nil {
			outcome = RecordOutcome{Device: existing, Outcome: "revoked", IsMatch: false}
			mismatchErr = apperr.New(apperr.KindRevoked, "device was deleted by its owner")
			return nil
		}

		// 3. Pinned-immutable equality check. A mismatch only stamps
		// failure_time_last; per spec.md §4.3 the attestation history is
		// append-only "on success" and a failed report appends no row.
		if !certsEqual(existing.PinnedCertificates, snap.PinnedCertificates) ||
			existing.PinnedVerifiedBootKey != snap.PinnedVerifiedBootKey ||
			existing.PinnedSecurityLevel != snap.PinnedSecurityLevel {
			if err := failDevice(ctx, conn, existing.ID, now); err != nil {
				return err
			}
			outcome = RecordOutcome{Device: existing, Outcome: "mismatch_pinning", IsMatch: false}
			mismatchErr = apperr.New(apperr.KindMismatchPinning, "pinned certificate or verified-boot key changed")
			return nil
		}

		// 4. Monotonic counter check. Same rule: failure timestamp only,
		// no history row, no other field mutated.
		if snap.OSVersion < existing.PinnedOSVersion ||
			snap.OSPatchLevel < existing.PinnedOSPatchLevel ||
			intPtrDowngraded(existing.PinnedVendorPatchLevel, snap.VendorPatchLevel) ||
			intPtrDowngraded(existing.PinnedBootPatchLevel, snap.BootPatchLevel) ||
			snap.AppVersion < existing.PinnedAppVersion {
			if err := failDevice(ctx, conn, existing.ID, now); err != nil {
				return err
			}
			outcome = RecordOutcome{Device: existing, Outcome: "mismatch_downgrade", IsMatch: false}
			mismatchErr = apperr.New(apperr.KindMismatchDowngrade, "monotonic counter regression detected")
			return nil
		}

		// An omitted optional counter keeps its pinned value rather than
		// being cleared, so a later report cannot slip below it.
		if snap.VendorPatchLevel == nil {
			snap.VendorPatchLevel = existing.PinnedVendorPatchLevel
		}
		if snap.BootPatchLevel == nil {
			snap.BootPatchLevel = existing.PinnedBootPatchLevel
		}

		if err := updateDeviceOnVerify(ctx, conn, existing.ID, snap, now); err != nil {
			return err
		}
		if err := insertAttestation(ctx, conn, existing.ID, now, strong, "verified", chainDepth); err != nil {
			return err
		}

		existing.PinnedOSVersion, existing.PinnedOSPatchLevel = snap.OSVersion, snap.OSPatchLevel
		existing.PinnedVendorPatchLevel, existing.PinnedBootPatchLevel = snap.VendorPatchLevel, snap.BootPatchLevel
		existing.PinnedAppVersion = snap.AppVersion
		existing.VerifiedBootHash = snap.VerifiedBootHash
		existing.Flags, existing.DeviceAdmin = snap.Flags, snap.DeviceAdmin
		existing.TEEEnforced, existing.OSEnforced = snap.TEEEnforced, snap.OSEnforced
		existing.VerifiedTimeLast = now
		existing.FailureTimeLast = nil
		outcome = RecordOutcome{Device: existing, Outcome: "verified", IsMatch: true}
		return nil
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "record device", err)
	}
	if mismatchErr != nil {
		return &outcome, mismatchErr
	}
	return &outcome, nil
}

// intPtrDowngraded reports whether an optional monotonic counter went
// backwards. A report that omits a counter the pinned row already has
// is not itself a downgrade (absent is preserved as absent, not
// coerced to zero); a present value below the pinned one always is.
func intPtrDowngraded(pinned, reported *int) bool {
	if pinned == nil || reported == nil {
		return false
	}
	return *reported < *pinned
}

func certsEqual(a, b [][]byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if len(a[i]) != len(b[i]) {
			return false
		}
		for j := range a[i] {
			if a[i][j] != b[i][j] {
				return false
			}
		}
	}
	return true
}

func failDevice(ctx context.Context, conn *sql.Conn, deviceID int64, at time.Time) error {
	_, err := conn.ExecContext(ctx, `UPDATE devices SET failure_time_last = ? WHERE id = ?`, at.Unix(), deviceID)
	return err
}

func insertDevice(ctx context.Context, conn *sql.Conn, accountID int64, snap DeviceSnapshot, now time.Time) (*Device, error) {
	res, err := conn.ExecContext(ctx, `
		INSERT INTO devices (
			fingerprint, account_id, pinned_certificates, pinned_verified_boot_key, pinned_security_level,
			pinned_os_version, pinned_os_patch_level, pinned_vendor_patch_level, pinned_boot_patch_level, pinned_app_version,
			verified_boot_hash,
			flag_user_profile_secure, flag_enrolled_biometrics, flag_accessibility, flag_adb_enabled,
			flag_add_users_when_locked, flag_deny_new_usb, flag_oem_unlock_allowed, flag_system_user, device_admin,
			tee_enforced, os_enforced, verified_time_first, verified_time_last
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.Fingerprint, accountID, packCertificates(snap.PinnedCertificates), snap.PinnedVerifiedBootKey, string(snap.PinnedSecurityLevel),
		snap.OSVersion, snap.OSPatchLevel, nullableInt(snap.VendorPatchLevel), nullableInt(snap.BootPatchLevel), snap.AppVersion,
		nullableString(snap.VerifiedBootHash),
		snap.Flags.UserProfileSecure, snap.Flags.EnrolledBiometrics, snap.Flags.Accessibility, snap.Flags.AdbEnabled,
		snap.Flags.AddUsersWhenLocked, snap.Flags.DenyNewUsb, snap.Flags.OemUnlockAllowed, snap.Flags.SystemUser, snap.DeviceAdmin,
		snap.TEEEnforced, snap.OSEnforced, now.Unix(), now.Unix())
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &Device{
		ID: id, AccountID: accountID, Fingerprint: snap.Fingerprint,
		PinnedCertificates: snap.PinnedCertificates, PinnedVerifiedBootKey: snap.PinnedVerifiedBootKey,
		PinnedSecurityLevel: snap.PinnedSecurityLevel,
		PinnedOSVersion:     snap.OSVersion, PinnedOSPatchLevel: snap.OSPatchLevel,
		PinnedVendorPatchLevel: snap.VendorPatchLevel, PinnedBootPatchLevel: snap.BootPatchLevel,
		PinnedAppVersion: snap.AppVersion, VerifiedBootHash: snap.VerifiedBootHash,
		Flags: snap.Flags, DeviceAdmin: snap.DeviceAdmin,
		TEEEnforced: snap.TEEEnforced, OSEnforced: snap.OSEnforced,
		VerifiedTimeFirst: now, VerifiedTimeLast: now,
	}, nil
}

func updateDeviceOnVerify(ctx context.Context, conn *sql.Conn, deviceID int64, snap DeviceSnapshot, now time.Time) error {
	_, err := conn.ExecContext(ctx, `
		UPDATE devices SET
			pinned_os_version = ?, pinned_os_patch_level = ?, pinned_vendor_patch_level = ?, pinned_boot_patch_level = ?, pinned_app_version = ?,
			verified_boot_hash = ?,
			flag_user_profile_secure = ?, flag_enrolled_biometrics = ?, flag_accessibility = ?, flag_adb_enabled = ?,
			flag_add_users_when_locked = ?, flag_deny_new_usb = ?, flag_oem_unlock_allowed = ?, flag_system_user = ?, device_admin = ?,
			tee_enforced = ?, os_enforced = ?, verified_time_last = ?, failure_time_last = NULL
		WHERE id = ?`,
		snap.OSVersion, snap.OSPatchLevel, nullableInt(snap.VendorPatchLevel), nullableInt(snap.BootPatchLevel), snap.AppVersion,
		nullableString(snap.VerifiedBootHash),
		snap.Flags.UserProfileSecure, snap.Flags.EnrolledBiometrics, snap.Flags.Accessibility, snap.Flags.AdbEnabled,
		snap.Flags.AddUsersWhenLocked, snap.Flags.DenyNewUsb, snap.Flags.OemUnlockAllowed, snap.Flags.SystemUser, snap.DeviceAdmin,
		snap.TEEEnforced, snap.OSEnforced, now.Unix(), deviceID)
	return err
}

func queryDeviceByFingerprint(ctx context.Context, conn *sql.Conn, fingerprint string) (*Device, error) {
	row := conn.QueryRowContext(ctx, deviceSelectColumns+` FROM devices WHERE fingerprint = ?`, fingerprint)
	return scanDeviceRow(row)
}

const deviceSelectColumns = `
	SELECT id, fingerprint, account_id, label, pinned_certificates, pinned_verified_boot_key, pinned_security_level,
	       pinned_os_version, pinned_os_patch_level, pinned_vendor_patch_level, pinned_boot_patch_level, pinned_app_version,
	       verified_boot_hash,
	       flag_user_profile_secure, flag_enrolled_biometrics, flag_accessibility, flag_adb_enabled,
	       flag_add_users_when_locked, flag_deny_new_usb, flag_oem_unlock_allowed, flag_system_user, device_admin,
	       tee_enforced, os_enforced, verified_time_first, verified_time_last, expired_time_last, failure_time_last, deletion_time`

// rowScanner abstracts *sql.Row / the row iteration in ListDevices.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeviceRow(row rowScanner) (*Device, error) {
	var d Device
	var label sql.NullString
	var pinnedCerts []byte
	var securityLevel string
	var vendorPatch, bootPatch sql.NullInt64
	var verifiedBootHash sql.NullString
	var teeEnforced, osEnforced sql.NullString
	var verifiedFirst, verifiedLast int64
	var expiredLast, failureLast, deletion sql.NullInt64

	err := row.Scan(&d.ID, &d.Fingerprint, &d.AccountID, &label, &pinnedCerts, &d.PinnedVerifiedBootKey, &securityLevel,
		&d.PinnedOSVersion, &d.PinnedOSPatchLevel, &vendorPatch, &bootPatch, &d.PinnedAppVersion,
		&verifiedBootHash,
		&d.Flags.UserProfileSecure, &d.Flags.EnrolledBiometrics, &d.Flags.Accessibility, &d.Flags.AdbEnabled,
		&d.Flags.AddUsersWhenLocked, &d.Flags.DenyNewUsb, &d.Flags.OemUnlockAllowed, &d.Flags.SystemUser, &d.DeviceAdmin,
		&teeEnforced, &osEnforced, &verifiedFirst, &verifiedLast, &expiredLast, &failureLast, &deletion)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	d.Label = label.String
	d.PinnedCertificates = unpackCertificates(pinnedCerts)
	d.PinnedSecurityLevel = SecurityLevel(securityLevel)
	if vendorPatch.Valid {
		v := int(vendorPatch.Int64)
		d.PinnedVendorPatchLevel = &v
	}
	if bootPatch.Valid {
		v := int(bootPatch.Int64)
		d.PinnedBootPatchLevel = &v
	}
	if verifiedBootHash.Valid {
		d.VerifiedBootHash = &verifiedBootHash.String
	}
	d.TEEEnforced, d.OSEnforced = teeEnforced.String, osEnforced.String
	d.VerifiedTimeFirst = time.Unix(verifiedFirst, 0).UTC()
	d.VerifiedTimeLast = time.Unix(verifiedLast, 0).UTC()
	if expiredLast.Valid {
		t := time.Unix(expiredLast.Int64, 0).UTC()
		d.ExpiredTimeLast = &t
	}
	if failureLast.Valid {
		t := time.Unix(failureLast.Int64, 0).UTC()
		d.FailureTimeLast = &t
	}
	if deletion.Valid {
		t := time.Unix(deletion.Int64, 0).UTC()
		d.DeletionTime = &t
	}
	return &d, nil
}

// packCertificates concatenates DER certificates as a length-prefixed
// blob for storage; the four-certificate cap spec.md describes is
// enforced by the verifier before Record is ever called.
func packCertificates(certs [][]byte) []byte {
	var buf []byte
	for _, c := range certs {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(c)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, c...)
	}
	return buf
}

func unpackCertificates(blob []byte) [][]byte {
	var certs [][]byte
	offset := 0
	for offset+4 <= len(blob) {
		n := int(binary.BigEndian.Uint32(blob[offset : offset+4]))
		offset += 4
		if offset+n > len(blob) {
			break
		}
		cert := make([]byte, n)
		copy(cert, blob[offset:offset+n])
		certs = append(certs, cert)
		offset += n
	}
	return certs
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

// ListDevices returns every non-deleted device pinned to an account,
// most recently verified first.
func (s *Store) ListDevices(ctx context.Context, accountID int64) ([]*Device, error) {
	rows, err := s.db.QueryContext(ctx, deviceSelectColumns+`
		FROM devices WHERE account_id = ? AND deletion_time IS NULL
		ORDER BY verified_time_last DESC`, accountID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "list devices", err)
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		d, err := scanDeviceRow(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "scan device", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// GetDeviceForAccount fetches one device, scoped to its owning account so
// a caller cannot address another account's device by guessing an id.
func (s *Store) GetDeviceForAccount(ctx context.Context, accountID, deviceID int64) (*Device, error) {
	row := s.db.QueryRowContext(ctx, deviceSelectColumns+` FROM devices WHERE id = ? AND account_id = ?`, deviceID, accountID)
	d, err := scanDeviceRow(row)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "get device", err)
	}
	if d == nil {
		return nil, apperr.New(apperr.KindUnknownDevice, "no such device")
	}
	return d, nil
}

// DeleteDevice soft-deletes a device; its attestation history is kept
// until the maintenance loop's retention GC reaps it. DeletionTime is
// write-once: deleting an already-deleted device is a no-op success.
func (s *Store) DeleteDevice(ctx context.Context, accountID, deviceID int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE devices SET deletion_time = ? WHERE id = ? AND account_id = ? AND deletion_time IS NULL`,
		time.Now().Unix(), deviceID, accountID)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "delete device", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "delete device", err)
	}
	if n == 0 {
		var exists int
		_ = s.db.QueryRowContext(ctx, `SELECT 1 FROM devices WHERE id = ? AND account_id = ?`, deviceID, accountID).Scan(&exists)
		if exists == 0 {
			return apperr.New(apperr.KindUnknownDevice, "no such device")
		}
	}
	return nil
}

// FindDeviceByFingerprint locates a non-deleted device by its
// fingerprint alone, without scoping the lookup to an account.
func (s *Store) FindDeviceByFingerprint(ctx context.Context, fingerprint string) (*Device, error) {
	row := s.db.QueryRowContext(ctx, deviceSelectColumns+` FROM devices WHERE fingerprint = ? AND deletion_time IS NULL`, fingerprint)
	d, err := scanDeviceRow(row)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "find device by fingerprint", err)
	}
	if d == nil {
		return nil, apperr.New(apperr.KindUnknownDevice, "no such device")
	}
	return d, nil
}

func insertAttestation(ctx context.Context, conn *sql.Conn, deviceID int64, at time.Time, strong bool, outcome string, chainDepth int) error {
	_, err := conn.ExecContext(ctx, `
		INSERT INTO attestations (device_id, verified_at, strong, outcome, chain_depth)
		VALUES (?, ?, ?, ?, ?)`,
		deviceID, at.Unix(), boolToInt(strong), outcome, chainDepth)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
