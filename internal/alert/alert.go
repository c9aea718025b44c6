// Package alert implements the Alert Dispatcher: a periodic tick that
// finds devices silent past their account's alert delay and emails the
// owner, then emails again when the device starts verifying again.
package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"attestd/internal/logging"
	"attestd/internal/mail"
	"attestd/internal/store"
)

// Source is the subset of *store.Store the dispatcher needs, so tests
// can supply a fake without opening a database.
type Source interface {
	FindOverdueDevices(ctx context.Context) ([]store.OverdueDevice, error)
	MarkOverdueAlerted(ctx context.Context, deviceID int64, at time.Time) error
	FindRecoveredDevices(ctx context.Context) ([]store.RecoveredDevice, error)
	ClearOverdueAlert(ctx context.Context, deviceID int64) error
}

// Dispatcher ticks on Interval, finds overdue devices, and mails their
// owners — once per silence episode, since MarkOverdueAlerted stamps
// expired_time_last and FindOverdueDevices skips devices whose stamp is
// set until the recovered pass clears it.
type Dispatcher struct {
	source   Source
	mailer   mail.Mailer
	interval time.Duration
	audit    *logging.AuditLogger
	logger   *logging.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Dispatcher. Call Start to begin ticking.
func New(source Source, mailer mail.Mailer, interval time.Duration, audit *logging.AuditLogger, logger *logging.Logger) *Dispatcher {
	return &Dispatcher{source: source, mailer: mailer, interval: interval, audit: audit, logger: logger}
}

// Start begins the ticking loop in a background goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.tick(ctx)
			}
		}
	}()
}

// Stop cancels the loop and waits for the in-flight tick, if any, to
// finish.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

func (d *Dispatcher) tick(ctx context.Context) {
	d.sendOverdueNotices(ctx)
	d.sendRecoveredNotices(ctx)
}

func (d *Dispatcher) sendOverdueNotices(ctx context.Context) {
	overdue, err := d.source.FindOverdueDevices(ctx)
	if err != nil {
		d.logger.Error("alert dispatcher: find overdue devices", "error", err)
		return
	}

	for _, dev := range overdue {
		subject := "Attestation overdue for a pinned device"
		body := fmt.Sprintf(
			"A device you pinned (fingerprint %s) has not completed a fresh attestation since %s.\n"+
				"If this device is lost, stolen, or decommissioned, delete it from your account.\n",
			dev.Fingerprint, dev.LastVerifiedAt.Format(time.RFC3339))

		if err := d.mailer.Send(ctx, dev.AccountEmail, subject, body); err != nil {
			d.logger.Error("alert dispatcher: send mail", "error", err, "account_id", dev.AccountID)
			continue
		}
		if err := d.source.MarkOverdueAlerted(ctx, dev.DeviceID, time.Now()); err != nil {
			d.logger.Error("alert dispatcher: mark overdue alerted", "error", err, "device_id", dev.DeviceID)
		}
		if d.audit != nil {
			d.audit.LogAlertSent(ctx, dev.AccountID, dev.Fingerprint, "overdue")
		}
	}
}

// sendRecoveredNotices mails the owner of each device that verified
// again after having been flagged overdue, once per silence episode,
// then clears the flag so a later silence episode can re-arm it.
func (d *Dispatcher) sendRecoveredNotices(ctx context.Context) {
	recovered, err := d.source.FindRecoveredDevices(ctx)
	if err != nil {
		d.logger.Error("alert dispatcher: find recovered devices", "error", err)
		return
	}

	for _, dev := range recovered {
		subject := "Pinned device is attesting again"
		body := fmt.Sprintf(
			"A device you pinned (fingerprint %s) has completed a fresh attestation as of %s, "+
				"after having gone silent.\n",
			dev.Fingerprint, dev.VerifiedAt.Format(time.RFC3339))

		if err := d.mailer.Send(ctx, dev.AccountEmail, subject, body); err != nil {
			d.logger.Error("alert dispatcher: send mail", "error", err, "account_id", dev.AccountID)
			continue
		}
		if err := d.source.ClearOverdueAlert(ctx, dev.DeviceID); err != nil {
			d.logger.Error("alert dispatcher: clear overdue alert", "error", err, "device_id", dev.DeviceID)
		}
		if d.audit != nil {
			d.audit.LogAlertSent(ctx, dev.AccountID, dev.Fingerprint, "recovered")
		}
	}
}
