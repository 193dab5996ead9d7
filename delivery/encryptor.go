package delivery

import (
	"context"
	"errors"
	"time"

	"github.com/wrenmsg/go-wren/config"
	"go.uber.org/zap"
)

// encryptor produces per-device ciphertexts. Session establishment talks to
// the relay between transactions; encryption itself runs inside the caller's
// transaction.
type encryptor struct {
	config     *config.Config
	db         *database
	store      CryptoStore
	transport  Transport
	challenges ChallengeResolver
	memory     *errorMemory
	log        *zap.SugaredLogger
}

func newEncryptor(c *config.Config, d *database, store CryptoStore, transport Transport, challenges ChallengeResolver, memory *errorMemory) *encryptor {
	return &encryptor{
		config:     c,
		db:         d,
		store:      store,
		transport:  transport,
		challenges: challenges,
		memory:     memory,
		log:        c.Logger("delivery/encryptor"),
	}
}

// ensureSession makes sure a usable session exists for (serviceID, deviceID),
// fetching a prekey bundle when there is none. Remembered terminal conditions
// short-circuit the no-session path without any network call; an existing
// session is usable regardless of them. Must be called outside a database
// transaction.
func (e *encryptor) ensureSession(ctx context.Context, serviceID string, deviceID uint32) error {
	var has bool
	if err := e.db.Run("check session", func() error {
		var err error
		has, err = e.store.HasValidSession(serviceID, deviceID)
		return err
	}); err != nil {
		return err
	}
	if has {
		return nil
	}

	if e.memory.untrustedFresh(serviceID) {
		e.log.Debugf("short-circuiting %s: remembered untrusted identity", serviceID)
		return &UntrustedIdentityError{ServiceID: serviceID}
	}
	if e.memory.signatureTerminal(serviceID, deviceID) {
		e.log.Debugf("short-circuiting %s.%d: remembered signature failures", serviceID, deviceID)
		return &InvalidSignatureError{ServiceID: serviceID, DeviceID: deviceID, Occurrences: 2}
	}
	if e.memory.missingFresh(serviceID, deviceID) {
		return &MissingDeviceError{ServiceID: serviceID, DeviceID: deviceID}
	}

	bundle, err := e.fetchBundle(ctx, serviceID, deviceID)
	if err != nil {
		return err
	}

	if err := e.db.Run("establish session", func() error {
		if err := e.store.EstablishSession(bundle, serviceID, deviceID); err != nil {
			return err
		}
		return e.db.upsertRecipientDevice(&recipientDevice{ServiceID: serviceID, DeviceID: deviceID, RegistrationID: bundle.RegistrationID})
	}); err != nil {
		var untrusted *UntrustedIdentityError
		var sig *InvalidSignatureError
		switch {
		case errors.As(err, &untrusted):
			e.memory.rememberUntrusted(serviceID)
			// the establish transaction rolled back, record the conflicting
			// key durably so re-verification can act on it
			if len(untrusted.IdentityKey) > 0 {
				if dbErr := e.db.Run("record untrusted identity", func() error {
					return e.db.upsertKnownIdentity(&knownIdentity{ServiceID: serviceID, IdentityKey: untrusted.IdentityKey, Trusted: false})
				}); dbErr != nil {
					return dbErr
				}
			}
			e.log.Infof("untrusted identity for %s", serviceID)
		case errors.As(err, &sig):
			sig.Occurrences = e.memory.rememberSignature(serviceID, deviceID)
			e.log.Infof("invalid prekey signature for %s.%d, occurrence %d", serviceID, deviceID, sig.Occurrences)
		}
		return err
	}
	e.memory.forget(serviceID, deviceID)
	return nil
}

func (e *encryptor) fetchBundle(ctx context.Context, serviceID string, deviceID uint32) (*PreKeyBundle, error) {
	bundle, err := e.transport.FetchPreKeyBundle(ctx, serviceID, deviceID)
	if err == nil {
		return bundle, nil
	}

	var missing *MissingDeviceError
	var challenge *ChallengeRequiredError
	switch {
	case errors.As(err, &missing):
		e.memory.rememberMissing(serviceID, deviceID)
		return nil, err
	case errors.As(err, &challenge):
		if resolveErr := e.resolveChallenge(ctx, challenge.Token); resolveErr != nil {
			return nil, resolveErr
		}
		// resolved, but this attempt is spent
		return nil, err
	default:
		return nil, err
	}
}

// resolveChallenge attempts silent resolution of a relay spam challenge
// within the configured wait window. Timeout or failure surfaces as
// *ChallengePendingError.
func (e *encryptor) resolveChallenge(ctx context.Context, token string) error {
	if e.challenges == nil {
		return &ChallengePendingError{Token: token}
	}
	waitCtx, cancel := context.WithTimeout(ctx, time.Duration(e.config.ChallengeWaitMs)*time.Millisecond)
	defer cancel()
	if err := e.challenges.Resolve(waitCtx, token); err != nil {
		e.log.Infof("challenge resolution failed: %v", err)
		return &ChallengePendingError{Token: token}
	}
	return nil
}

// encryptForDevice builds the DeviceMessage for one device. Sessions are
// assumed to be established already; a missing session at this point is an
// invariant violation, not a recoverable state. Runs inside the caller's
// transaction.
func (e *encryptor) encryptForDevice(plaintext []byte, serviceID string, device *recipientDevice, cert *SenderCertificate, groupContext []byte) (*DeviceMessage, error) {
	var ct *Ciphertext
	var err error
	if cert != nil {
		ct, err = e.store.EncryptSealed(plaintext, serviceID, device.DeviceID, cert, groupContext)
	} else {
		ct, err = e.store.Encrypt(plaintext, serviceID, device.DeviceID)
	}
	if err != nil {
		return nil, err
	}

	if cert != nil && ct.Type != MessageTypeSealed {
		return nil, &InvariantError{Msg: "sealed parameters produced an unsealed ciphertext"}
	}
	if cert == nil && ct.Type == MessageTypeSealed {
		return nil, &InvariantError{Msg: "unsealed parameters produced a sealed ciphertext"}
	}

	return &DeviceMessage{
		DeviceID:       device.DeviceID,
		RegistrationID: device.RegistrationID,
		Type:           ct.Type,
		Content:        ct.Body,
	}, nil
}
