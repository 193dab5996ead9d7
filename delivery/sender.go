package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/wrenmsg/go-wren/clock"
	"github.com/wrenmsg/go-wren/config"
	"github.com/wrenmsg/go-wren/crypto"
	"github.com/wrenmsg/go-wren/ids"
	internal_db "github.com/wrenmsg/go-wren/internal/db"
	"go.uber.org/zap"
)

// senderKeyEnvelope is the broadcast-friendly fan-out payload: the plaintext
// is encrypted once with the conversation sender key, only the key
// distribution is built per device.
type senderKeyEnvelope struct {
	DistributionType uint8  `json:"distributionType"`
	Distribution     []byte `json:"distribution"`
	Shared           []byte `json:"shared"`
}

// recipientState tracks one recipient across the submission passes of a
// single send.
type recipientState struct {
	serviceID      string
	devices        []*recipientDevice
	messages       []*DeviceMessage
	sealed         bool
	attempts       int
	pending        bool
	delivered      bool
	unidentified   bool
	challengeToken string
	err            error
}

// Sender is the delivery orchestrator. Sends for the same conversation are
// serialized through a FIFO lane; independent conversations proceed
// concurrently.
type Sender struct {
	config     *config.Config
	db         *database
	store      CryptoStore
	transport  Transport
	phones     PhoneNumberResolver
	certs      CertificateSource
	encryptor  *encryptor
	resolver   *resolver
	reconciler *reconciler
	memory     *errorMemory
	queues     *sendQueues
	clock      clock.Clock
	log        *zap.SugaredLogger
}

func NewSender(c *config.Config, internalDB *internal_db.Database, cl clock.Clock, store CryptoStore, transport Transport, phones PhoneNumberResolver, challenges ChallengeResolver, certs CertificateSource) (*Sender, error) {
	d, err := newDatabase(internalDB)
	if err != nil {
		return nil, fmt.Errorf("delivery: error making sender: %w", err)
	}
	memory := newErrorMemory(c, cl)
	return &Sender{
		config:     c,
		db:         d,
		store:      store,
		transport:  transport,
		phones:     phones,
		certs:      certs,
		encryptor:  newEncryptor(c, d, store, transport, challenges, memory),
		resolver:   newResolver(c, d),
		reconciler: newReconciler(c, d, store, memory),
		memory:     memory,
		queues:     newSendQueues(),
		clock:      cl,
		log:        c.Logger("delivery/sender"),
	}, nil
}

// Send delivers a queued message, blocking until the send completes or fails
// terminally. Sends for the same conversation run in enqueue order.
func (s *Sender) Send(ctx context.Context, messageID ids.ID) error {
	var msg *outgoingMessage
	var conv *conversationRow
	if err := s.db.Run("load message", func() error {
		var err error
		if msg, err = s.db.outgoingMessage(messageID[:]); err != nil {
			return err
		}
		if msg == nil {
			return fmt.Errorf("delivery: no message %x", messageID)
		}
		conv, err = s.db.conversation(msg.ConversationID)
		return err
	}); err != nil {
		return err
	}
	if conv == nil {
		return fmt.Errorf("delivery: no conversation %x", msg.ConversationID)
	}

	errCh := make(chan error, 1)
	s.queues.enqueue(ids.IDFromBytes(msg.ConversationID), func() {
		errCh <- s.performSend(ctx, msg, conv)
	})
	return <-errCh
}

// PendingSendsDrained returns a channel closed once all currently enqueued
// sends have completed. Sends enqueued after the call are not waited on.
func (s *Sender) PendingSendsDrained() <-chan struct{} {
	return s.queues.drained()
}

func (s *Sender) performSend(ctx context.Context, msg *outgoingMessage, conv *conversationRow) error {
	res, err := s.resolveRecipients(ctx, msg, conv)
	if err != nil {
		s.failAllPending(msg)
		return err
	}

	if err := s.db.Run("mark skipped", func() error {
		for _, serviceID := range res.skipped {
			if err := s.db.updateRecipientStatus(msg.ID, serviceID, StatusSkipped); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}

	if len(res.recipients) == 0 {
		// vacuously successful
		return s.finishSync(msg)
	}

	cert := s.fetchCertificate(ctx)

	states := make(map[string]*recipientState, len(res.recipients))
	deviceCount := 0
	for _, r := range res.recipients {
		states[r.serviceID] = &recipientState{
			serviceID: r.serviceID,
			devices:   r.devices,
			sealed:    cert != nil,
			pending:   true,
		}
		deviceCount += len(r.devices)
	}

	useSenderKey := conv.Kind != ConversationDirect && !msg.SenderKeyDisqualified && deviceCount > 1 && cert != nil
	var sharedBody []byte
	var senderKey []byte
	if useSenderKey {
		senderKey, sharedBody, err = s.senderKeyCiphertext(msg, conv)
		if err != nil {
			s.log.Infof("sender key unavailable for %x, using pairwise: %v", conv.ID, err)
			useSenderKey = false
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Duration(s.config.RetryBackoffMs) * time.Millisecond

	for {
		s.ensureSessions(ctx, states)
		disqualified, err := s.encryptPass(msg, conv, states, cert, useSenderKey, senderKey, sharedBody)
		if err != nil {
			return err
		}
		if disqualified && useSenderKey {
			// fan-out is off for the rest of this send, redo the pass
			// pairwise so nothing already encrypted goes out via sender key
			useSenderKey = false
			if _, err := s.encryptPass(msg, conv, states, cert, false, nil, nil); err != nil {
				return err
			}
		}
		s.submitPass(ctx, states)
		retry, err := s.reconcilePass(ctx, states)
		if err != nil {
			return err
		}
		if !retry {
			break
		}
		select {
		case <-time.After(bo.NextBackOff()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return s.finalize(msg, conv, states)
}

// resolveRecipients computes the recipient set, performing at most one
// phone-number lookup round before re-resolving. Handles left unresolved
// after that round are skipped this send.
func (s *Sender) resolveRecipients(ctx context.Context, msg *outgoingMessage, conv *conversationRow) (*resolution, error) {
	lookedUp := false
	for {
		var res *resolution
		if err := s.db.Run("resolve recipients", func() error {
			var err error
			res, err = s.resolver.resolve(msg, conv)
			return err
		}); err != nil {
			return nil, err
		}

		if len(res.lookups) > 0 && !lookedUp && s.phones != nil {
			lookedUp = true
			if err := s.lookupPhones(ctx, res.lookups); err != nil {
				s.log.Infof("phone lookup failed: %v", err)
			}
			continue
		}

		// a second miss is tolerated, those handles sit this send out
		for _, phone := range res.lookups {
			res.skipped = append(res.skipped, phonePrefix+phone)
		}
		return res, nil
	}
}

// lookupPhones reassigns phone pseudo-handles to stable service ids,
// consulting previously learned mappings first so only genuinely unknown
// numbers go over the wire.
func (s *Sender) lookupPhones(ctx context.Context, phones []string) error {
	unknown := make([]string, 0, len(phones))
	if err := s.db.Run("reassign known phones", func() error {
		for _, phone := range phones {
			rec, err := s.db.recipientByPhone(phone)
			if err != nil {
				return err
			}
			if rec == nil {
				unknown = append(unknown, phone)
				continue
			}
			if err := s.db.reassignRecipient(phonePrefix+phone, rec.ServiceID); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}
	if len(unknown) == 0 {
		return nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, time.Duration(s.config.LookupTimeoutMs)*time.Millisecond)
	defer cancel()
	mapping, err := s.phones.Lookup(lookupCtx, unknown)
	if err != nil {
		return err
	}
	return s.db.Run("reassign recipients", func() error {
		for phone, serviceID := range mapping {
			rec, err := s.db.recipient(serviceID)
			if err != nil {
				return err
			}
			if rec == nil {
				rec = &recipientRow{ServiceID: serviceID, Registered: true}
			}
			rec.Phone = phone
			if err := s.db.upsertRecipient(rec); err != nil {
				return err
			}
			if err := s.db.reassignRecipient(phonePrefix+phone, serviceID); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Sender) fetchCertificate(ctx context.Context) *SenderCertificate {
	if s.certs == nil {
		return nil
	}
	cert, err := s.certs.SenderCertificate(ctx)
	if err != nil {
		s.log.Infof("no sender certificate, sending identified: %v", err)
		return nil
	}
	return cert
}

func (s *Sender) senderKeyCiphertext(msg *outgoingMessage, conv *conversationRow) ([]byte, []byte, error) {
	var key []byte
	if err := s.db.Run("load sender key", func() error {
		sk, err := s.db.senderKey(conv.ID)
		if err != nil {
			return err
		}
		if sk == nil {
			sk = &senderKeyRow{ConversationID: conv.ID, Key: crypto.RandomKey(), CtimeMs: s.clock.CurrentTimeMs()}
			if err := s.db.upsertSenderKey(sk); err != nil {
				return err
			}
		}
		key = sk.Key
		return nil
	}); err != nil {
		return nil, nil, err
	}
	shared, err := crypto.EncryptWithKey(key, msg.Body, nil)
	if err != nil {
		return nil, nil, err
	}
	return key, shared, nil
}

// ensureSessions establishes missing sessions for every pending device.
// Devices reported missing are dropped from the send and queued for removal;
// establishment errors park the whole recipient with that error.
func (s *Sender) ensureSessions(ctx context.Context, states map[string]*recipientState) {
	for _, st := range states {
		if !st.pending {
			continue
		}
		kept := make([]*recipientDevice, 0, len(st.devices))
		var removals []uint32
		for _, device := range st.devices {
			err := s.encryptor.ensureSession(ctx, st.serviceID, device.DeviceID)
			switch {
			case err == nil:
				kept = append(kept, device)
			case isMissingDevice(err):
				removals = append(removals, device.DeviceID)
			default:
				st.pending = false
				st.err = err
			}
			if !st.pending {
				break
			}
		}
		if len(removals) > 0 {
			if err := s.removeDevices(st.serviceID, removals); err != nil {
				st.pending = false
				st.err = err
				continue
			}
		}
		if st.pending {
			st.devices = kept
			if len(kept) == 0 {
				st.pending = false
				st.err = &MissingDeviceError{ServiceID: st.serviceID}
			}
		}
	}
}

func (s *Sender) removeDevices(serviceID string, deviceIDs []uint32) error {
	return s.db.Run("remove devices", func() error {
		for _, deviceID := range deviceIDs {
			if err := s.db.deleteRecipientDevice(serviceID, deviceID); err != nil {
				return err
			}
			if err := s.store.ArchiveSession(serviceID, deviceID); err != nil {
				return err
			}
		}
		return nil
	})
}

// encryptPass builds the DeviceMessages for every pending recipient inside
// one transaction. A pairwise encryption error during fan-out permanently
// disqualifies the message from the sender key; the returned flag reports
// that it happened during this pass.
func (s *Sender) encryptPass(msg *outgoingMessage, conv *conversationRow, states map[string]*recipientState, cert *SenderCertificate, useSenderKey bool, senderKey, sharedBody []byte) (bool, error) {
	disqualified := false
	err := s.db.Run("encrypt", func() error {
		for _, st := range states {
			if !st.pending {
				continue
			}
			var groupContext []byte
			if conv.Kind != ConversationDirect {
				groupContext = conv.ID
			}
			deviceCert := cert
			if !st.sealed {
				deviceCert = nil
			}

			messages := make([]*DeviceMessage, 0, len(st.devices))
			for _, device := range st.devices {
				var dm *DeviceMessage
				var err error
				if useSenderKey && st.sealed {
					dm, err = s.encryptSenderKey(senderKey, sharedBody, st.serviceID, device, deviceCert, groupContext)
				} else {
					dm, err = s.encryptor.encryptForDevice(msg.Body, st.serviceID, device, deviceCert, groupContext)
				}
				if err != nil {
					if useSenderKey {
						if dqErr := s.db.disqualifySenderKey(msg.ID); dqErr != nil {
							return dqErr
						}
						disqualified = true
					}
					st.pending = false
					st.err = err
					break
				}
				messages = append(messages, dm)
			}
			if st.pending {
				st.messages = messages
			}
		}
		return nil
	})
	return disqualified, err
}

// encryptSenderKey wraps the shared ciphertext with a per-device sealed
// distribution of the conversation sender key.
func (s *Sender) encryptSenderKey(senderKey, sharedBody []byte, serviceID string, device *recipientDevice, cert *SenderCertificate, groupContext []byte) (*DeviceMessage, error) {
	dist, err := s.store.EncryptSealed(senderKey, serviceID, device.DeviceID, cert, groupContext)
	if err != nil {
		return nil, err
	}
	content, err := json.Marshal(&senderKeyEnvelope{
		DistributionType: dist.Type,
		Distribution:     dist.Body,
		Shared:           sharedBody,
	})
	if err != nil {
		return nil, err
	}
	return &DeviceMessage{
		DeviceID:       device.DeviceID,
		RegistrationID: device.RegistrationID,
		Type:           MessageTypeSenderKey,
		Content:        content,
	}, nil
}

// submitPass transmits every pending recipient's messages concurrently as
// independent requests and joins before reconciling.
func (s *Sender) submitPass(ctx context.Context, states map[string]*recipientState) {
	var wg sync.WaitGroup
	var lock sync.Mutex
	results := make(map[string]error, len(states))
	unidentified := make(map[string]bool, len(states))

	for _, st := range states {
		if !st.pending || len(st.messages) == 0 {
			continue
		}
		wg.Add(1)
		go func(st *recipientState) {
			defer wg.Done()
			result, err := s.transport.Submit(ctx, st.serviceID, st.messages, st.sealed)
			lock.Lock()
			defer lock.Unlock()
			results[st.serviceID] = err
			if err == nil {
				unidentified[st.serviceID] = result.Unidentified
			}
		}(st)
	}
	wg.Wait()

	for serviceID, err := range results {
		st := states[serviceID]
		st.attempts++
		if err == nil {
			st.pending = false
			st.delivered = true
			st.unidentified = unidentified[serviceID]
			continue
		}
		st.err = err
	}
}

// reconcilePass classifies every failed submission, applies relay-reported
// device corrections, and reports whether another pass is needed.
func (s *Sender) reconcilePass(ctx context.Context, states map[string]*recipientState) (bool, error) {
	retry := false
	if err := s.db.Run("reconcile", func() error {
		for _, st := range states {
			if !st.pending || st.err == nil {
				continue
			}
			action, err := s.reconciler.apply(st.serviceID, st.sealed, st.err)
			if err != nil {
				st.pending = false
				st.err = err
				continue
			}
			switch action {
			case actionRetry:
				if st.attempts < s.config.SubmitAttempts {
					// reconciliation may have changed the device list
					devices, err := s.db.recipientDevices(st.serviceID)
					if err != nil {
						return err
					}
					st.devices = devices
					st.err = nil
					retry = true
				} else {
					st.pending = false
				}
			case actionRetryUnsealed:
				st.sealed = false
				if st.attempts < s.config.SubmitAttempts {
					st.err = nil
					retry = true
				} else {
					st.pending = false
				}
			case actionChallenge:
				var challenge *ChallengeRequiredError
				if errors.As(st.err, &challenge) {
					st.challengeToken = challenge.Token
				}
			case actionTerminal:
				st.pending = false
			}
		}
		return nil
	}); err != nil {
		return false, err
	}

	// challenge resolution talks to the relay, keep it out of the transaction
	for _, st := range states {
		if st.challengeToken == "" {
			continue
		}
		token := st.challengeToken
		st.challengeToken = ""
		if err := s.encryptor.resolveChallenge(ctx, token); err != nil {
			st.pending = false
			st.err = err
			continue
		}
		if st.attempts < s.config.SubmitAttempts {
			st.err = nil
			retry = true
		} else {
			st.pending = false
		}
	}
	return retry, nil
}

// finalize records per-recipient statuses and picks the single error to
// surface, if any.
func (s *Sender) finalize(msg *outgoingMessage, conv *conversationRow, states map[string]*recipientState) error {
	var errs []error
	delivered := 0
	if err := s.db.Run("finalize send", func() error {
		for _, st := range states {
			switch {
			case st.delivered:
				delivered++
				if err := s.db.updateRecipientStatus(msg.ID, st.serviceID, StatusSent); err != nil {
					return err
				}
			case st.err != nil && ignorableOutcome(st.err, conv.Kind):
				s.log.Debugf("ignoring %v for %s", st.err, st.serviceID)
				if err := s.db.updateRecipientStatus(msg.ID, st.serviceID, StatusSkipped); err != nil {
					return err
				}
			case st.err != nil:
				errs = append(errs, st.err)
				if err := s.db.updateRecipientStatus(msg.ID, st.serviceID, StatusFailed); err != nil {
					return err
				}
			}
		}
		return nil
	}); err != nil {
		return err
	}

	if len(errs) > 0 {
		return pickOutcome(errs)
	}
	if delivered == 0 && len(states) > 0 {
		return &NoValidRecipientsError{}
	}
	return s.finishSync(msg)
}

func (s *Sender) finishSync(msg *outgoingMessage) error {
	if !msg.Sync {
		return nil
	}
	return s.db.Run("mark synced", func() error {
		return s.db.markSynced(msg.ID)
	})
}

// failAllPending marks every still-sending recipient of the message failed
// after a terminal resolution error.
func (s *Sender) failAllPending(msg *outgoingMessage) {
	if err := s.db.Run("fail message", func() error {
		recipients, err := s.db.messageRecipients(msg.ID)
		if err != nil {
			return err
		}
		for _, mr := range recipients {
			if mr.Status != StatusSending {
				continue
			}
			if err := s.db.updateRecipientStatus(msg.ID, mr.ServiceID, StatusFailed); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		s.log.Errorf("error failing message %x: %v", msg.ID, err)
	}
}
