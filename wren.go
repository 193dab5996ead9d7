// This package provides a high-level interface to the Wren delivery engine.
// It wires the encrypted local store, the ratchet session store, the relay
// client and the delivery orchestrator together behind one lifecycle.
package wren

import (
	"context"
	"errors"
	"os"
	"path"
	"path/filepath"

	"github.com/wrenmsg/go-wren/clock"
	"github.com/wrenmsg/go-wren/config"
	"github.com/wrenmsg/go-wren/delivery"
	"github.com/wrenmsg/go-wren/ids"
	"github.com/wrenmsg/go-wren/internal/db"
	"github.com/wrenmsg/go-wren/transport/relay"
	"go.uber.org/zap"
)

const (
	// Constants for application state.
	StateNew = iota
	StateInitialized
	StateRunning
	StateClosed
)

// RelayOptions carries the connection parameters for the relay client.
type RelayOptions struct {
	URL       string
	Username  string
	Password  string
	AccessKey []byte
}

type Wren struct {
	DB        *db.Database
	config    *config.Config
	log       *zap.SugaredLogger
	state     int
	clock     clock.Clock
	relayOpts *RelayOptions
	relay     *relay.Client
	store     *delivery.RatchetStore
	sender    *delivery.Sender
}

// Create a wren instance.
func NewWren(c *config.Config, relayOpts *RelayOptions) (*Wren, error) {
	log := c.Logger("")
	absRootPath, err := filepath.Abs(c.RootDir)
	if err != nil {
		return nil, err
	}
	c.RootDir = absRootPath
	log.Debugf("making wren, using root path of %s", c.RootDir)

	if err := os.MkdirAll(c.RootDir, 0o700); err != nil {
		return nil, err
	}
	database, err := db.NewDatabase(c, path.Join(c.RootDir, "data"))
	if err != nil {
		return nil, err
	}

	state := StateNew
	if database.Initialized() {
		state = StateInitialized
	}

	return &Wren{
		DB:        database,
		config:    c,
		log:       log,
		state:     state,
		clock:     clock.NewSystemClock(),
		relayOpts: relayOpts,
	}, nil
}

// Returns true if wren is in NEW state.
func (w *Wren) New() bool {
	return w.state == StateNew
}

// Returns true if wren is in INITIALIZED state.
func (w *Wren) Initialized() bool {
	return w.state == StateInitialized
}

// Returns true if wren is in RUNNING state.
func (w *Wren) Running() bool {
	return w.state == StateRunning
}

// Initialize wren with a given key.
func (w *Wren) Initialize(key []byte) error {
	if w.state != StateNew {
		return errors.New("cannot initialize unless in state new")
	}
	if err := w.DB.Initialize(key); err != nil {
		return err
	}
	w.state = StateInitialized
	return w.open(key)
}

// Open an existing wren with a given key.
func (w *Wren) Open(key []byte) error {
	return w.open(key)
}

func (w *Wren) open(key []byte) error {
	if w.state != StateInitialized {
		return errors.New("cannot open unless in state initialized")
	}
	if err := w.DB.Open(key); err != nil {
		return err
	}

	store, err := delivery.NewRatchetStore(w.config, w.DB, w.clock)
	if err != nil {
		return err
	}
	w.store = store
	w.relay = relay.NewClient(w.config, w.relayOpts.URL, w.relayOpts.Username, w.relayOpts.Password, w.relayOpts.AccessKey)
	sender, err := delivery.NewSender(w.config, w.DB, w.clock, store, w.relay, w.relay, w.relay, w.relay)
	if err != nil {
		return err
	}
	w.sender = sender
	w.state = StateRunning
	return nil
}

// Register creates the local identity for this device. Idempotent once
// created.
func (w *Wren) Register(serviceID string, deviceID uint32) error {
	if w.state != StateRunning {
		return errors.New("not running")
	}
	return w.DB.Run("register identity", func() error {
		return w.store.GenerateIdentity(serviceID, deviceID)
	})
}

// GeneratePreKeys mints a fresh prekey bundle for publication.
func (w *Wren) GeneratePreKeys() (*delivery.PreKeyBundle, error) {
	if w.state != StateRunning {
		return nil, errors.New("not running")
	}
	var bundle *delivery.PreKeyBundle
	err := w.DB.Run("generate prekeys", func() error {
		var err error
		bundle, err = w.store.GenerateBundle(true, true)
		return err
	})
	return bundle, err
}

// AddContact registers a recipient and their devices in the directory.
func (w *Wren) AddContact(serviceID, phone string, deviceIDs []uint32) error {
	if w.state != StateRunning {
		return errors.New("not running")
	}
	if err := w.sender.UpsertRecipient(serviceID, phone); err != nil {
		return err
	}
	return w.sender.AddRecipientDevices(serviceID, deviceIDs)
}

// BlockContact stops all future one-to-one sends to a contact.
func (w *Wren) BlockContact(serviceID string) error {
	if w.state != StateRunning {
		return errors.New("not running")
	}
	return w.sender.SetRecipientBlocked(serviceID, true)
}

func (w *Wren) UnblockContact(serviceID string) error {
	if w.state != StateRunning {
		return errors.New("not running")
	}
	return w.sender.SetRecipientBlocked(serviceID, false)
}

// TrustContact re-trusts a contact's identity key after out-of-band
// verification.
func (w *Wren) TrustContact(serviceID string) error {
	if w.state != StateRunning {
		return errors.New("not running")
	}
	return w.sender.TrustIdentity(serviceID)
}

// CreateConversation registers a conversation with its initial members.
func (w *Wren) CreateConversation(kind int, memberIDs []string) (ids.ID, error) {
	if w.state != StateRunning {
		return ids.ID{}, errors.New("not running")
	}
	return w.sender.CreateConversation(kind, memberIDs)
}

// Send queues a message for a conversation and delivers it, blocking until
// the send completes or fails terminally.
func (w *Wren) Send(ctx context.Context, conversationID ids.ID, body []byte) (ids.ID, error) {
	if w.state != StateRunning {
		return ids.ID{}, errors.New("not running")
	}
	messageID, err := w.sender.QueueMessage(conversationID, body, false, false)
	if err != nil {
		return ids.ID{}, err
	}
	return messageID, w.sender.Send(ctx, messageID)
}

// SendSync queues a sync message addressed to this account's other devices.
func (w *Wren) SendSync(ctx context.Context, conversationID ids.ID, body []byte) (ids.ID, error) {
	if w.state != StateRunning {
		return ids.ID{}, errors.New("not running")
	}
	messageID, err := w.sender.QueueMessage(conversationID, body, false, true)
	if err != nil {
		return ids.ID{}, err
	}
	return messageID, w.sender.Send(ctx, messageID)
}

// WaitForDelivery blocks until every send enqueued before the call has
// completed.
func (w *Wren) WaitForDelivery() {
	if w.sender == nil {
		return
	}
	<-w.sender.PendingSendsDrained()
}

// Sender exposes the delivery orchestrator for direct use.
func (w *Wren) Sender() *delivery.Sender {
	if w.state != StateRunning {
		return nil
	}
	return w.sender
}

// Shutdown drains pending sends and closes the store.
func (w *Wren) Shutdown() error {
	if w.state != StateRunning {
		return w.DB.Shutdown()
	}
	w.WaitForDelivery()
	w.state = StateClosed
	return w.DB.Shutdown()
}
