package delivery

import (
	"errors"
	"fmt"
)

// BlockedRecipientError is raised when a one-to-one send targets a blocked
// contact. It is terminal and never retried.
type BlockedRecipientError struct {
	ServiceID string
}

func (e *BlockedRecipientError) Error() string {
	return fmt.Sprintf("delivery: recipient %s is blocked", e.ServiceID)
}

// UnregisteredRecipientError is raised when the relay reports the recipient
// no longer has an account. Terminal for that recipient.
type UnregisteredRecipientError struct {
	ServiceID string
}

func (e *UnregisteredRecipientError) Error() string {
	return fmt.Sprintf("delivery: recipient %s is not registered", e.ServiceID)
}

// UntrustedIdentityError is raised when a fetched bundle carries an identity
// key different from the one on record. The new key is persisted as known but
// untrusted so the caller can prompt re-verification.
type UntrustedIdentityError struct {
	ServiceID   string
	IdentityKey []byte
}

func (e *UntrustedIdentityError) Error() string {
	return fmt.Sprintf("delivery: untrusted identity for %s", e.ServiceID)
}

// InvalidSignatureError is raised when a bundle's prekey signature does not
// verify. The first occurrence within the memory window is considered
// transient, later ones terminal.
type InvalidSignatureError struct {
	ServiceID   string
	DeviceID    uint32
	Occurrences int
}

func (e *InvalidSignatureError) Error() string {
	return fmt.Sprintf("delivery: invalid prekey signature for %s.%d (seen %d times)", e.ServiceID, e.DeviceID, e.Occurrences)
}

func (e *InvalidSignatureError) Terminal() bool {
	return e.Occurrences > 1
}

// MissingDeviceError indicates a device id that no longer exists for the
// recipient. The device is dropped from the send silently.
type MissingDeviceError struct {
	ServiceID string
	DeviceID  uint32
}

func (e *MissingDeviceError) Error() string {
	return fmt.Sprintf("delivery: device %s.%d does not exist", e.ServiceID, e.DeviceID)
}

// RateLimitError is terminal for the current attempt. Backoff is the caller's
// responsibility.
type RateLimitError struct {
	RetryAfterMs uint64
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("delivery: rate limited, retry after %dms", e.RetryAfterMs)
}

// ChallengeRequiredError is returned by the transport when the relay demands
// a spam challenge before accepting the submission.
type ChallengeRequiredError struct {
	Token string
}

func (e *ChallengeRequiredError) Error() string {
	return fmt.Sprintf("delivery: challenge required, token %s", e.Token)
}

// ChallengePendingError is surfaced when silent challenge resolution failed
// or timed out.
type ChallengePendingError struct {
	Token string
}

func (e *ChallengePendingError) Error() string {
	return fmt.Sprintf("delivery: challenge pending, token %s", e.Token)
}

// MismatchedDevicesError reports the relay's view of a device list diverging
// from ours.
type MismatchedDevicesError struct {
	MissingDevices []uint32 `json:"missingDevices"`
	ExtraDevices   []uint32 `json:"extraDevices"`
}

func (e *MismatchedDevicesError) Error() string {
	return fmt.Sprintf("delivery: mismatched devices missing=%v extra=%v", e.MissingDevices, e.ExtraDevices)
}

// StaleDevicesError reports devices whose sessions the relay considers stale.
type StaleDevicesError struct {
	StaleDevices []uint32 `json:"staleDevices"`
}

func (e *StaleDevicesError) Error() string {
	return fmt.Sprintf("delivery: stale devices %v", e.StaleDevices)
}

// UnauthorizedError indicates rejected credentials, or a rejected access key
// on the unidentified channel.
type UnauthorizedError struct {
	Sealed bool
}

func (e *UnauthorizedError) Error() string {
	if e.Sealed {
		return "delivery: unidentified access key rejected"
	}
	return "delivery: credentials rejected"
}

// NoValidRecipientsError is raised when every device error was filtered away
// and nothing was delivered.
type NoValidRecipientsError struct{}

func (e *NoValidRecipientsError) Error() string {
	return "delivery: no valid recipients"
}

// InvariantError marks an internally detected inconsistency. Always fatal to
// the current send, never silently recovered.
type InvariantError struct {
	Msg string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("delivery: invariant violation: %s", e.Msg)
}

// NoSessionError is raised when encryption is attempted after session
// establishment reported success but no session exists. See InvariantError
// for how it is treated.
type NoSessionError struct {
	ServiceID string
	DeviceID  uint32
}

func (e *NoSessionError) Error() string {
	return fmt.Sprintf("delivery: no session for %s.%d after establish", e.ServiceID, e.DeviceID)
}

// fatalOutcome reports whether err always wins when picking the aggregate
// outcome of a submission pass and is surfaced without further retries.
func fatalOutcome(err error) bool {
	var blocked *BlockedRecipientError
	var untrusted *UntrustedIdentityError
	var sig *InvalidSignatureError
	var rate *RateLimitError
	var pending *ChallengePendingError
	var unauthorized *UnauthorizedError
	var invariant *InvariantError
	var noSession *NoSessionError

	switch {
	case errors.As(err, &blocked),
		errors.As(err, &untrusted),
		errors.As(err, &rate),
		errors.As(err, &pending),
		errors.As(err, &invariant),
		errors.As(err, &noSession):
		return true
	case errors.As(err, &sig):
		return sig.Terminal()
	case errors.As(err, &unauthorized):
		// sealed rejections are retried once unsealed, plain ones are fatal
		return !unauthorized.Sealed
	default:
		return false
	}
}

// retryableOutcome reports whether err should drive another submission pass
// within the attempt budget.
func retryableOutcome(err error) bool {
	if fatalOutcome(err) {
		return false
	}
	var mismatched *MismatchedDevicesError
	var stale *StaleDevicesError
	var challenge *ChallengeRequiredError
	var unauthorized *UnauthorizedError
	var unregistered *UnregisteredRecipientError
	var missing *MissingDeviceError

	switch {
	case errors.As(err, &mismatched), errors.As(err, &stale), errors.As(err, &challenge):
		return true
	case errors.As(err, &unauthorized):
		return unauthorized.Sealed
	case errors.As(err, &unregistered), errors.As(err, &missing):
		return false
	default:
		// anything unclassified is a transient network failure
		return true
	}
}

func isMissingDevice(err error) bool {
	var missing *MissingDeviceError
	return errors.As(err, &missing)
}

// ignorableOutcome reports whether a per-recipient error can be filtered out
// before deciding the aggregate outcome. A device that disappeared is only
// worth surfacing in a direct one-to-one thread.
func ignorableOutcome(err error, conversationKind int) bool {
	if conversationKind == ConversationDirect {
		return false
	}
	var missing *MissingDeviceError
	var unregistered *UnregisteredRecipientError
	return errors.As(err, &missing) || errors.As(err, &unregistered)
}

// pickOutcome selects the single error to surface from one submission pass:
// fatal beats retryable beats anything else. Precedence among errors of the
// same class follows encounter order.
func pickOutcome(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	for _, err := range errs {
		if fatalOutcome(err) {
			return err
		}
	}
	for _, err := range errs {
		if retryableOutcome(err) {
			return err
		}
	}
	return errs[0]
}
