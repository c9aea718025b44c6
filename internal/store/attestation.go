package store

import (
	"context"
	"time"

	"attestd/internal/apperr"
)

// AttestationHistory returns the verification history for one device,
// most recent first, for the admin attestation-history endpoint.
func (s *Store) AttestationHistory(ctx context.Context, accountID, deviceID int64, limit int) ([]*Attestation, error) {
	if _, err := s.GetDeviceForAccount(ctx, accountID, deviceID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_id, verified_at, strong, outcome, chain_depth
		FROM attestations WHERE device_id = ?
		ORDER BY verified_at DESC LIMIT ?`, deviceID, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "query attestation history", err)
	}
	defer rows.Close()

	var history []*Attestation
	for rows.Next() {
		var a Attestation
		var verifiedAt int64
		var strong int
		if err := rows.Scan(&a.ID, &a.DeviceID, &verifiedAt, &strong, &a.Outcome, &a.ChainDepth); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "scan attestation", err)
		}
		a.VerifiedAt = time.Unix(verifiedAt, 0).UTC()
		a.Strong = strong != 0
		history = append(history, &a)
	}
	return history, rows.Err()
}

// OverdueDevice is one still-pinned device that has gone silent past
// its account's alert delay, for the Alert Dispatcher's tick.
type OverdueDevice struct {
	AccountID      int64
	AccountEmail   string
	DeviceID       int64
	Fingerprint    string
	LastVerifiedAt time.Time
}

// FindOverdueDevices returns devices silent past their account's alert
// delay that have not already been flagged (ExpiredTimeLast IS NULL),
// so the dispatcher emits exactly one overdue notice per silence
// episode rather than one every tick.
func (s *Store) FindOverdueDevices(ctx context.Context) ([]OverdueDevice, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.email, d.id, d.fingerprint, d.verified_time_last
		FROM devices d
		JOIN accounts a ON a.id = d.account_id
		WHERE d.deletion_time IS NULL
		  AND d.expired_time_last IS NULL
		  AND a.email <> ''
		  AND (? - d.verified_time_last) > a.alert_delay / 1000000000`, time.Now().Unix())
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "find overdue devices", err)
	}
	defer rows.Close()

	var overdue []OverdueDevice
	for rows.Next() {
		var o OverdueDevice
		var lastVerified int64
		if err := rows.Scan(&o.AccountID, &o.AccountEmail, &o.DeviceID, &o.Fingerprint, &lastVerified); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "scan overdue device", err)
		}
		o.LastVerifiedAt = time.Unix(lastVerified, 0).UTC()
		overdue = append(overdue, o)
	}
	return overdue, rows.Err()
}

// MarkOverdueAlerted records that an overdue notice was just sent for a
// device, so FindOverdueDevices does not surface it again until it
// recovers and goes silent a second time.
func (s *Store) MarkOverdueAlerted(ctx context.Context, deviceID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE devices SET expired_time_last = ? WHERE id = ?`, at.Unix(), deviceID)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "mark overdue alerted", err)
	}
	return nil
}

// RecoveredDevice is a device that verified again after having been
// flagged overdue, for the Alert Dispatcher's one-shot recovery notice.
type RecoveredDevice struct {
	AccountID    int64
	AccountEmail string
	DeviceID     int64
	Fingerprint  string
	VerifiedAt   time.Time
}

// FindRecoveredDevices returns devices that were flagged overdue and
// have since completed a fresh verification, so the dispatcher can
// email the owner once that the device is reporting again.
func (s *Store) FindRecoveredDevices(ctx context.Context) ([]RecoveredDevice, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.email, d.id, d.fingerprint, d.verified_time_last
		FROM devices d
		JOIN accounts a ON a.id = d.account_id
		WHERE d.deletion_time IS NULL
		  AND a.email <> ''
		  AND d.expired_time_last IS NOT NULL
		  AND d.verified_time_last > d.expired_time_last`)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "find recovered devices", err)
	}
	defer rows.Close()

	var recovered []RecoveredDevice
	for rows.Next() {
		var r RecoveredDevice
		var verifiedAt int64
		if err := rows.Scan(&r.AccountID, &r.AccountEmail, &r.DeviceID, &r.Fingerprint, &verifiedAt); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "scan recovered device", err)
		}
		r.VerifiedAt = time.Unix(verifiedAt, 0).UTC()
		recovered = append(recovered, r)
	}
	return recovered, rows.Err()
}

// ClearOverdueAlert resets a device's overdue flag once its recovery
// notice has been sent, re-arming FindOverdueDevices for the next
// silence episode.
func (s *Store) ClearOverdueAlert(ctx context.Context, deviceID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE devices SET expired_time_last = NULL WHERE id = ?`, deviceID)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "clear overdue alert", err)
	}
	return nil
}

// GCAttestationHistory deletes attestation rows and tombstoned device
// rows that were soft-deleted before the retention horizon, run from
// the daily maintenance tick.
func (s *Store) GCAttestationHistory(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).Unix()
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM attestations WHERE device_id IN (
			SELECT id FROM devices WHERE deletion_time IS NOT NULL AND deletion_time < ?
		)`, cutoff)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindInternal, "gc attestation history", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperr.Wrap(apperr.KindInternal, "gc attestation history", err)
	}

	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM devices WHERE deletion_time IS NOT NULL AND deletion_time < ?`, cutoff); err != nil {
		return n, apperr.Wrap(apperr.KindInternal, "gc deleted devices", err)
	}
	return n, nil
}

// Vacuum runs ANALYZE then VACUUM, part of the maintenance loop's daily
// housekeeping.
func (s *Store) Vacuum(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `ANALYZE`); err != nil {
		return apperr.Wrap(apperr.KindInternal, "analyze", err)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
		return apperr.Wrap(apperr.KindInternal, "vacuum", err)
	}
	return nil
}

// BackupInto atomically snapshots the database to destPath using
// SQLite's native VACUUM INTO primitive.
func (s *Store) BackupInto(ctx context.Context, destPath string) error {
	_, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, destPath)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "backup database", err)
	}
	return nil
}
