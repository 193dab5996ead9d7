package delivery

import (
	"errors"

	"github.com/wrenmsg/go-wren/config"
	"go.uber.org/zap"
)

// submitAction is the reconciler's verdict on one failed recipient
// submission.
type submitAction int

const (
	// retry the submission as-is after reconciling device state
	actionRetry submitAction = iota
	// retry once without the sealed envelope
	actionRetryUnsealed
	// resolve the spam challenge, then retry
	actionChallenge
	// stop submitting to this recipient, surface the error
	actionTerminal
)

// reconciler applies relay-reported corrections to the durable store and
// classifies each failure into a retry action. All methods run inside the
// caller's transaction.
type reconciler struct {
	config *config.Config
	db     *database
	store  CryptoStore
	memory *errorMemory
	log    *zap.SugaredLogger
}

func newReconciler(c *config.Config, d *database, store CryptoStore, memory *errorMemory) *reconciler {
	return &reconciler{config: c, db: d, store: store, memory: memory, log: c.Logger("delivery/reconciler")}
}

// apply reconciles one failed submission for serviceID and decides how the
// sender should proceed. sealed reports whether the failed submission used
// the unidentified channel.
func (rc *reconciler) apply(serviceID string, sealed bool, err error) (submitAction, error) {
	var mismatched *MismatchedDevicesError
	var stale *StaleDevicesError
	var unregistered *UnregisteredRecipientError
	var unauthorized *UnauthorizedError
	var rateLimited *RateLimitError
	var challenge *ChallengeRequiredError

	switch {
	case errors.As(err, &mismatched):
		if err := rc.applyMismatch(serviceID, mismatched); err != nil {
			return actionTerminal, err
		}
		return actionRetry, nil
	case errors.As(err, &stale):
		if err := rc.applyStale(serviceID, stale); err != nil {
			return actionTerminal, err
		}
		return actionRetry, nil
	case errors.As(err, &unregistered):
		if err := rc.applyUnregistered(serviceID); err != nil {
			return actionTerminal, err
		}
		return actionTerminal, nil
	case errors.As(err, &unauthorized):
		if sealed {
			rc.log.Infof("unidentified channel rejected for %s, falling back to identified", serviceID)
			return actionRetryUnsealed, nil
		}
		return actionTerminal, nil
	case errors.As(err, &rateLimited):
		return actionTerminal, nil
	case errors.As(err, &challenge):
		return actionChallenge, nil
	default:
		// transient, the attempt budget bounds these
		return actionRetry, nil
	}
}

// applyMismatch brings the local device list in line with the relay's: the
// reported missing devices are added, the extra ones dropped and their
// sessions archived.
func (rc *reconciler) applyMismatch(serviceID string, e *MismatchedDevicesError) error {
	rc.log.Infof("reconciling device mismatch for %s: missing=%v extra=%v", serviceID, e.MissingDevices, e.ExtraDevices)
	for _, deviceID := range e.MissingDevices {
		if err := rc.db.upsertRecipientDevice(&recipientDevice{ServiceID: serviceID, DeviceID: deviceID}); err != nil {
			return err
		}
	}
	for _, deviceID := range e.ExtraDevices {
		if err := rc.db.deleteRecipientDevice(serviceID, deviceID); err != nil {
			return err
		}
		if err := rc.store.ArchiveSession(serviceID, deviceID); err != nil {
			return err
		}
	}
	return nil
}

// applyStale archives the sessions the relay reported stale so the next pass
// re-establishes them.
func (rc *reconciler) applyStale(serviceID string, e *StaleDevicesError) error {
	rc.log.Infof("archiving stale sessions for %s: %v", serviceID, e.StaleDevices)
	for _, deviceID := range e.StaleDevices {
		if err := rc.store.ArchiveSession(serviceID, deviceID); err != nil {
			return err
		}
	}
	return nil
}

// applyUnregistered marks the recipient gone and fails anything still queued
// for them.
func (rc *reconciler) applyUnregistered(serviceID string) error {
	rc.log.Infof("recipient %s is unregistered, dropping pending sends", serviceID)
	if err := rc.db.markUnregistered(serviceID); err != nil {
		return err
	}
	return rc.db.failPendingSends(serviceID)
}
