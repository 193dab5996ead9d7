package delivery

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/status-im/doubleratchet"
	"github.com/wrenmsg/go-wren/internal/db"
	"github.com/wrenmsg/go-wren/migration"
)

const (
	// conversation kinds
	ConversationDirect    = 0
	ConversationGroup     = 1
	ConversationBroadcast = 2

	// per-recipient delivery statuses
	StatusSending = 0
	StatusSent    = 1
	StatusSkipped = 2
	StatusFailed  = 3

	// local prekey kinds
	prekeyKindSigned  = 0
	prekeyKindOneTime = 1
	prekeyKindPQ      = 2
)

type recipientRow struct {
	ServiceID  string `db:"service_id"`
	Phone      string `db:"phone"`
	Registered bool   `db:"registered"`
	Blocked    bool   `db:"blocked"`
}

type recipientDevice struct {
	ServiceID      string `db:"service_id"`
	DeviceID       uint32 `db:"device_id"`
	RegistrationID uint32 `db:"registration_id"`
}

type conversationRow struct {
	ID   []byte `db:"id"`
	Kind int    `db:"kind"`
}

type conversationMember struct {
	ConversationID []byte `db:"conversation_id"`
	ServiceID      string `db:"service_id"`
	Invited        bool   `db:"invited"`
}

type outgoingMessage struct {
	ID                    []byte `db:"id"`
	ConversationID        []byte `db:"conversation_id"`
	Body                  []byte `db:"body"`
	CtimeMs               uint64 `db:"ctime_ms"`
	Structural            bool   `db:"structural"`
	Sync                  bool   `db:"sync"`
	Synced                bool   `db:"synced"`
	SenderKeyDisqualified bool   `db:"sender_key_disqualified"`
}

type messageRecipient struct {
	MessageID []byte `db:"message_id"`
	ServiceID string `db:"service_id"`
	Status    int    `db:"status"`
}

type ratchetSession struct {
	ID        []byte `db:"id"`
	ServiceID string `db:"service_id"`
	DeviceID  uint32 `db:"device_id"`
	Archived  bool   `db:"archived"`
	CtimeMs   uint64 `db:"ctime_ms"`
	// pending establishment material, echoed on outgoing messages until the
	// peer has answered
	Handshake []byte `db:"handshake"`
}

type ratchetState struct {
	ID                       []byte `db:"id"`
	Dhr                      []byte `db:"dhr"`
	DhsPub                   []byte `db:"dhs_pub"`
	DhsPriv                  []byte `db:"dhs_priv"`
	RootChKey                []byte `db:"root_ch_key"`
	SendChKey                []byte `db:"send_ch_key"`
	SendChCount              uint32 `db:"send_ch_count"`
	RecvChKey                []byte `db:"recv_ch_key"`
	RecvChCount              uint32 `db:"recv_ch_count"`
	PN                       uint32 `db:"pn"`
	MaxSkip                  uint   `db:"max_skip"`
	HKr                      []byte `db:"hkr"`
	NHKr                     []byte `db:"nhkr"`
	HKs                      []byte `db:"hks"`
	NHKs                     []byte `db:"nhks"`
	MaxKeep                  uint   `db:"max_keep"`
	MaxMessageKeysPerSession int    `db:"mmk_per_session"`
	Step                     uint   `db:"step"`
	KeysCount                uint   `db:"keys_count"`
}

type ratchetKey struct {
	PublicKey      []byte `db:"pub_key"`
	MessageKey     []byte `db:"message_key"`
	MessageNumber  uint   `db:"msg_num"`
	SessionID      []byte `db:"session_id"`
	SequenceNumber uint   `db:"seq_num"`
}

type knownIdentity struct {
	ServiceID   string `db:"service_id"`
	IdentityKey []byte `db:"identity_key"`
	Trusted     bool   `db:"trusted"`
}

type senderKeyRow struct {
	ConversationID []byte `db:"conversation_id"`
	Key            []byte `db:"key"`
	CtimeMs        uint64 `db:"ctime_ms"`
}

type localIdentity struct {
	ID             int    `db:"id"`
	ServiceID      string `db:"service_id"`
	DeviceID       uint32 `db:"device_id"`
	RegistrationID uint32 `db:"registration_id"`
	IdentityPriv   []byte `db:"identity_priv"`
	IdentityPub    []byte `db:"identity_pub"`
	SigningPriv    []byte `db:"signing_priv"`
	SigningPub     []byte `db:"signing_pub"`
}

type localPrekey struct {
	ID        uint32 `db:"id"`
	Kind      int    `db:"kind"`
	Priv      []byte `db:"priv"`
	Pub       []byte `db:"pub"`
	Signature []byte `db:"signature"`
	Consumed  bool   `db:"consumed"`
}

type database struct {
	*db.Database
}

func newDatabase(internalDB *db.Database) (*database, error) {
	d := &database{internalDB}

	if err := internalDB.MigrateNoLock("_delivery", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _recipients (
						service_id STRING PRIMARY KEY,
						phone STRING NOT NULL DEFAULT '',
						registered INTEGER NOT NULL DEFAULT 1,
						blocked INTEGER NOT NULL DEFAULT 0
					);
					CREATE INDEX recipients_phone_idx on _recipients (phone);

					CREATE TABLE _recipient_devices (
						service_id STRING NOT NULL,
						device_id INTEGER NOT NULL,
						registration_id INTEGER NOT NULL DEFAULT 0,
						PRIMARY KEY(service_id, device_id),
						FOREIGN KEY(service_id) REFERENCES _recipients(service_id) ON DELETE CASCADE
					);

					CREATE TABLE _conversations (
						id BLOB PRIMARY KEY,
						kind INTEGER NOT NULL
					);

					CREATE TABLE _conversation_members (
						conversation_id BLOB NOT NULL,
						service_id STRING NOT NULL,
						invited INTEGER NOT NULL DEFAULT 0,
						PRIMARY KEY(conversation_id, service_id),
						FOREIGN KEY(conversation_id) REFERENCES _conversations(id) ON DELETE CASCADE
					);

					CREATE TABLE _outgoing_messages (
						id BLOB PRIMARY KEY,
						conversation_id BLOB NOT NULL,
						body BLOB NOT NULL,
						ctime_ms INTEGER NOT NULL,
						structural INTEGER NOT NULL DEFAULT 0,
						sync INTEGER NOT NULL DEFAULT 0,
						synced INTEGER NOT NULL DEFAULT 0,
						sender_key_disqualified INTEGER NOT NULL DEFAULT 0,
						FOREIGN KEY(conversation_id) REFERENCES _conversations(id) ON DELETE CASCADE
					);

					CREATE TABLE _message_recipients (
						message_id BLOB NOT NULL,
						service_id STRING NOT NULL,
						status INTEGER NOT NULL DEFAULT 0,
						PRIMARY KEY(message_id, service_id),
						FOREIGN KEY(message_id) REFERENCES _outgoing_messages(id) ON DELETE CASCADE
					);

					CREATE TABLE _ratchet_sessions (
						id BLOB PRIMARY KEY,
						service_id STRING NOT NULL,
						device_id INTEGER NOT NULL,
						archived INTEGER NOT NULL DEFAULT 0,
						ctime_ms INTEGER NOT NULL,
						handshake BLOB
					);
					CREATE INDEX ratchet_sessions_idx on _ratchet_sessions (service_id, device_id);

					CREATE TABLE _ratchet_states (
						id BLOB NOT NULL PRIMARY KEY,
						dhr BLOB,
						dhs_pub BLOB NOT NULL,
						dhs_priv BLOB NOT NULL,
						root_ch_key BLOB NOT NULL,
						send_ch_key BLOB NOT NULL,
						send_ch_count INTEGER NOT NULL,
						recv_ch_key BLOB NOT NULL,
						recv_ch_count INTEGER NOT NULL,
						pn INTEGER NOT NULL,
						max_skip INTEGER NOT NULL,
						hkr BLOB,
						nhkr BLOB,
						hks BLOB,
						nhks BLOB,
						max_keep INTEGER NOT NULL,
						mmk_per_session INTEGER NOT NULL,
						step INTEGER NOT NULL,
						keys_count INTEGER NOT NULL
					);

					CREATE TABLE _ratchet_keys (
						pub_key BLOB NOT NULL,
						message_key BLOB NOT NULL,
						msg_num INTEGER NOT NULL,
						session_id BLOB NOT NULL,
						seq_num INTEGER NOT NULL
					);
					CREATE UNIQUE INDEX ratchet_keys_pubkey_msg_num on _ratchet_keys (pub_key, msg_num);
					CREATE UNIQUE INDEX ratchet_keys_session_id_seq_num on _ratchet_keys (session_id, seq_num);

					CREATE TABLE _known_identities (
						service_id STRING PRIMARY KEY,
						identity_key BLOB NOT NULL,
						trusted INTEGER NOT NULL DEFAULT 1
					);

					CREATE TABLE _sender_keys (
						conversation_id BLOB PRIMARY KEY,
						key BLOB NOT NULL,
						ctime_ms INTEGER NOT NULL
					);

					CREATE TABLE _local_identity (
						id INTEGER PRIMARY KEY CHECK (id = 0),
						service_id STRING NOT NULL,
						device_id INTEGER NOT NULL,
						registration_id INTEGER NOT NULL,
						identity_priv BLOB NOT NULL,
						identity_pub BLOB NOT NULL,
						signing_priv BLOB NOT NULL,
						signing_pub BLOB NOT NULL
					);

					CREATE TABLE _local_prekeys (
						id INTEGER PRIMARY KEY,
						kind INTEGER NOT NULL,
						priv BLOB NOT NULL,
						pub BLOB NOT NULL,
						signature BLOB NOT NULL,
						consumed INTEGER NOT NULL DEFAULT 0
					);
					`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}

	return d, nil
}

func (db *database) recipient(serviceID string) (*recipientRow, error) {
	r := &recipientRow{}
	if err := db.Tx.Get(r, "SELECT * FROM _recipients WHERE service_id = $1", serviceID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("delivery: error getting recipient %s: %w", serviceID, err)
	}
	return r, nil
}

func (db *database) recipientByPhone(phone string) (*recipientRow, error) {
	r := &recipientRow{}
	if err := db.Tx.Get(r, "SELECT * FROM _recipients WHERE phone = $1 AND service_id NOT LIKE 'tel:%'", phone); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("delivery: error getting recipient by phone %s: %w", phone, err)
	}
	return r, nil
}

func (db *database) upsertRecipient(r *recipientRow) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _recipients (service_id, phone, registered, blocked) VALUES (:service_id, :phone, :registered, :blocked) ON CONFLICT(service_id) DO UPDATE SET phone = :phone, registered = :registered, blocked = :blocked", r); err != nil {
		return fmt.Errorf("delivery: error upserting recipient %s: %w", r.ServiceID, err)
	}
	return nil
}

func (db *database) markUnregistered(serviceID string) error {
	if _, err := db.Tx.Exec("UPDATE _recipients SET registered = 0 WHERE service_id = $1", serviceID); err != nil {
		return fmt.Errorf("delivery: error marking %s unregistered: %w", serviceID, err)
	}
	return nil
}

func (db *database) recipientDevices(serviceID string) ([]*recipientDevice, error) {
	var devices []*recipientDevice
	if err := db.Tx.Select(&devices, "SELECT * FROM _recipient_devices WHERE service_id = $1 ORDER BY device_id", serviceID); err != nil {
		return nil, fmt.Errorf("delivery: error getting devices for %s: %w", serviceID, err)
	}
	return devices, nil
}

func (db *database) upsertRecipientDevice(d *recipientDevice) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _recipient_devices (service_id, device_id, registration_id) VALUES (:service_id, :device_id, :registration_id) ON CONFLICT(service_id, device_id) DO UPDATE SET registration_id = :registration_id", d); err != nil {
		return fmt.Errorf("delivery: error upserting device %s.%d: %w", d.ServiceID, d.DeviceID, err)
	}
	return nil
}

func (db *database) deleteRecipientDevice(serviceID string, deviceID uint32) error {
	if _, err := db.Tx.Exec("DELETE FROM _recipient_devices WHERE service_id = $1 AND device_id = $2", serviceID, deviceID); err != nil {
		return fmt.Errorf("delivery: error deleting device %s.%d: %w", serviceID, deviceID, err)
	}
	return nil
}

func (db *database) conversation(id []byte) (*conversationRow, error) {
	c := &conversationRow{}
	if err := db.Tx.Get(c, "SELECT * FROM _conversations WHERE id = $1", id); err != nil {
		return nil, fmt.Errorf("delivery: error getting conversation %x: %w", id, err)
	}
	return c, nil
}

func (db *database) insertConversation(c *conversationRow) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _conversations (id, kind) VALUES (:id, :kind)", c); err != nil {
		return fmt.Errorf("delivery: error inserting conversation %x: %w", c.ID, err)
	}
	return nil
}

func (db *database) conversationMembers(conversationID []byte) ([]*conversationMember, error) {
	var members []*conversationMember
	if err := db.Tx.Select(&members, "SELECT * FROM _conversation_members WHERE conversation_id = $1", conversationID); err != nil {
		return nil, fmt.Errorf("delivery: error getting members of %x: %w", conversationID, err)
	}
	return members, nil
}

func (db *database) upsertConversationMember(m *conversationMember) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _conversation_members (conversation_id, service_id, invited) VALUES (:conversation_id, :service_id, :invited) ON CONFLICT(conversation_id, service_id) DO UPDATE SET invited = :invited", m); err != nil {
		return fmt.Errorf("delivery: error upserting member %s of %x: %w", m.ServiceID, m.ConversationID, err)
	}
	return nil
}

func (db *database) deleteConversationMember(conversationID []byte, serviceID string) error {
	if _, err := db.Tx.Exec("DELETE FROM _conversation_members WHERE conversation_id = $1 AND service_id = $2", conversationID, serviceID); err != nil {
		return fmt.Errorf("delivery: error deleting member %s of %x: %w", serviceID, conversationID, err)
	}
	return nil
}

func (db *database) outgoingMessage(id []byte) (*outgoingMessage, error) {
	m := &outgoingMessage{}
	if err := db.Tx.Get(m, "SELECT * FROM _outgoing_messages WHERE id = $1", id); err != nil {
		return nil, fmt.Errorf("delivery: error getting message %x: %w", id, err)
	}
	return m, nil
}

func (db *database) insertOutgoingMessage(m *outgoingMessage) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _outgoing_messages (id, conversation_id, body, ctime_ms, structural, sync, synced, sender_key_disqualified) VALUES (:id, :conversation_id, :body, :ctime_ms, :structural, :sync, :synced, :sender_key_disqualified)", m); err != nil {
		return fmt.Errorf("delivery: error inserting message %x: %w", m.ID, err)
	}
	return nil
}

func (db *database) markSynced(messageID []byte) error {
	if _, err := db.Tx.Exec("UPDATE _outgoing_messages SET synced = 1 WHERE id = $1", messageID); err != nil {
		return fmt.Errorf("delivery: error marking message %x synced: %w", messageID, err)
	}
	return nil
}

func (db *database) disqualifySenderKey(messageID []byte) error {
	if _, err := db.Tx.Exec("UPDATE _outgoing_messages SET sender_key_disqualified = 1 WHERE id = $1", messageID); err != nil {
		return fmt.Errorf("delivery: error disqualifying message %x: %w", messageID, err)
	}
	return nil
}

func (db *database) messageRecipients(messageID []byte) ([]*messageRecipient, error) {
	var recipients []*messageRecipient
	if err := db.Tx.Select(&recipients, "SELECT * FROM _message_recipients WHERE message_id = $1", messageID); err != nil {
		return nil, fmt.Errorf("delivery: error getting recipients of %x: %w", messageID, err)
	}
	return recipients, nil
}

func (db *database) upsertMessageRecipient(mr *messageRecipient) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _message_recipients (message_id, service_id, status) VALUES (:message_id, :service_id, :status) ON CONFLICT(message_id, service_id) DO UPDATE SET status = :status", mr); err != nil {
		return fmt.Errorf("delivery: error upserting recipient %s of %x: %w", mr.ServiceID, mr.MessageID, err)
	}
	return nil
}

func (db *database) updateRecipientStatus(messageID []byte, serviceID string, status int) error {
	if _, err := db.Tx.Exec("UPDATE _message_recipients SET status = $1 WHERE message_id = $2 AND service_id = $3", status, messageID, serviceID); err != nil {
		return fmt.Errorf("delivery: error updating status for %s of %x: %w", serviceID, messageID, err)
	}
	return nil
}

// failPendingSends marks every still-sending status row for a recipient as
// failed, across all messages. Used when the relay reports them unregistered.
func (db *database) failPendingSends(serviceID string) error {
	if _, err := db.Tx.Exec("UPDATE _message_recipients SET status = $1 WHERE service_id = $2 AND status = $3", StatusFailed, serviceID, StatusSending); err != nil {
		return fmt.Errorf("delivery: error failing pending sends to %s: %w", serviceID, err)
	}
	return nil
}

// reassignRecipient moves membership and status rows from a phone-handle
// pseudo id to the stable service id resolved for it.
func (db *database) reassignRecipient(oldID, newID string) error {
	if _, err := db.Tx.Exec("UPDATE OR REPLACE _conversation_members SET service_id = $1 WHERE service_id = $2", newID, oldID); err != nil {
		return fmt.Errorf("delivery: error reassigning members %s -> %s: %w", oldID, newID, err)
	}
	if _, err := db.Tx.Exec("UPDATE OR REPLACE _message_recipients SET service_id = $1 WHERE service_id = $2", newID, oldID); err != nil {
		return fmt.Errorf("delivery: error reassigning statuses %s -> %s: %w", oldID, newID, err)
	}
	if _, err := db.Tx.Exec("DELETE FROM _recipients WHERE service_id = $1", oldID); err != nil {
		return fmt.Errorf("delivery: error deleting pseudo recipient %s: %w", oldID, err)
	}
	return nil
}

func (db *database) activeSession(serviceID string, deviceID uint32) (*ratchetSession, error) {
	s := &ratchetSession{}
	if err := db.Tx.Get(s, "SELECT * FROM _ratchet_sessions WHERE service_id = $1 AND device_id = $2 AND archived = 0 ORDER BY ctime_ms DESC LIMIT 1", serviceID, deviceID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("delivery: error getting session for %s.%d: %w", serviceID, deviceID, err)
	}
	return s, nil
}

func (db *database) insertRatchetSession(s *ratchetSession) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _ratchet_sessions (id, service_id, device_id, archived, ctime_ms, handshake) VALUES (:id, :service_id, :device_id, :archived, :ctime_ms, :handshake)", s); err != nil {
		return fmt.Errorf("delivery: error inserting session %x: %w", s.ID, err)
	}
	return nil
}

func (db *database) clearSessionHandshake(sessionID []byte) error {
	if _, err := db.Tx.Exec("UPDATE _ratchet_sessions SET handshake = NULL WHERE id = $1", sessionID); err != nil {
		return fmt.Errorf("delivery: error clearing handshake for %x: %w", sessionID, err)
	}
	return nil
}

func (db *database) archiveSessions(serviceID string, deviceID uint32) error {
	if _, err := db.Tx.Exec("UPDATE _ratchet_sessions SET archived = 1 WHERE service_id = $1 AND device_id = $2", serviceID, deviceID); err != nil {
		return fmt.Errorf("delivery: error archiving sessions for %s.%d: %w", serviceID, deviceID, err)
	}
	return nil
}

func (db *database) ratchetState(id []byte) (*ratchetState, error) {
	s := &ratchetState{}
	if err := db.Tx.Get(s, "SELECT * FROM _ratchet_states WHERE id = $1", id); err != nil {
		return nil, fmt.Errorf("delivery: error getting ratchet state: %w", err)
	}
	return s, nil
}

func (db *database) upsertRatchetState(s *ratchetState) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _ratchet_states (id, dhr, dhs_pub, dhs_priv, root_ch_key, send_ch_key, send_ch_count, recv_ch_key, recv_ch_count, pn, max_skip, hkr, nhkr, hks, nhks, max_keep, mmk_per_session, step, keys_count) VALUES (:id, :dhr, :dhs_pub, :dhs_priv, :root_ch_key, :send_ch_key, :send_ch_count, :recv_ch_key, :recv_ch_count, :pn, :max_skip, :hkr, :nhkr, :hks, :nhks, :max_keep, :mmk_per_session, :step, :keys_count) ON CONFLICT(id) DO UPDATE SET dhr = :dhr, dhs_pub = :dhs_pub, dhs_priv = :dhs_priv, root_ch_key = :root_ch_key, send_ch_key = :send_ch_key, send_ch_count = :send_ch_count, recv_ch_key = :recv_ch_key, recv_ch_count = :recv_ch_count, pn = :pn, max_skip = :max_skip, hkr = :hkr, nhkr = :nhkr, hks = :hks, nhks = :nhks, max_keep = :max_keep, mmk_per_session = :mmk_per_session, step = :step, keys_count = :keys_count", s); err != nil {
		return fmt.Errorf("delivery: error upserting ratchet state: %w", err)
	}
	return nil
}

func (db *database) keyByMsgNum(sessionID []byte, k doubleratchet.Key, msgNum uint) (*ratchetKey, bool, error) {
	kr := &ratchetKey{}
	err := db.Tx.Get(kr, "SELECT * FROM _ratchet_keys WHERE pub_key = ? AND msg_num = ? AND session_id = ?", k, msgNum, sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("delivery: error getting ratchet key: %w", err)
	}
	return kr, true, nil
}

func (db *database) upsertKeyByMsgNum(sessionID []byte, k doubleratchet.Key, msgNum uint, mk doubleratchet.Key, keySeqNum uint) error {
	if _, err := db.Tx.Exec("INSERT INTO _ratchet_keys (pub_key, message_key, msg_num, session_id, seq_num) VALUES ($1, $2, $3, $4, $5) ON CONFLICT(pub_key, msg_num) DO UPDATE SET message_key = $2, session_id = $4, seq_num = $5", k, mk, msgNum, sessionID, keySeqNum); err != nil {
		return fmt.Errorf("delivery: error upserting ratchet key: %w", err)
	}
	return nil
}

func (db *database) deleteKeyByMsgNum(sessionID []byte, k doubleratchet.Key, msgNum uint) error {
	if _, err := db.Tx.Exec("DELETE FROM _ratchet_keys WHERE session_id = $1 AND pub_key = $2 AND msg_num = $3", sessionID, k, msgNum); err != nil {
		return fmt.Errorf("delivery: error deleting ratchet key: %w", err)
	}
	return nil
}

func (db *database) deleteOldMks(sessionID []byte, deleteUntilSeqKey uint) error {
	if _, err := db.Tx.Exec("DELETE FROM _ratchet_keys WHERE session_id = $1 AND seq_num <= $2", sessionID, deleteUntilSeqKey); err != nil {
		return fmt.Errorf("delivery: error deleting old ratchet keys: %w", err)
	}
	return nil
}

func (db *database) truncateMks(sessionID []byte, maxKeys int) error {
	if _, err := db.Tx.Exec("DELETE FROM _ratchet_keys WHERE session_id = $1 AND seq_num NOT IN (SELECT seq_num FROM _ratchet_keys WHERE session_id = $1 ORDER BY seq_num DESC LIMIT $2)", sessionID, maxKeys); err != nil {
		return fmt.Errorf("delivery: error truncating ratchet keys: %w", err)
	}
	return nil
}

func (db *database) countKeys(k doubleratchet.Key) (uint, error) {
	var count uint
	if err := db.Tx.Get(&count, "SELECT count(*) FROM _ratchet_keys WHERE pub_key = $1", k); err != nil {
		return 0, fmt.Errorf("delivery: error counting ratchet keys: %w", err)
	}
	return count, nil
}

func (db *database) knownIdentity(serviceID string) (*knownIdentity, error) {
	ki := &knownIdentity{}
	if err := db.Tx.Get(ki, "SELECT * FROM _known_identities WHERE service_id = $1", serviceID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("delivery: error getting known identity for %s: %w", serviceID, err)
	}
	return ki, nil
}

func (db *database) upsertKnownIdentity(ki *knownIdentity) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _known_identities (service_id, identity_key, trusted) VALUES (:service_id, :identity_key, :trusted) ON CONFLICT(service_id) DO UPDATE SET identity_key = :identity_key, trusted = :trusted", ki); err != nil {
		return fmt.Errorf("delivery: error upserting known identity for %s: %w", ki.ServiceID, err)
	}
	return nil
}

func (db *database) senderKey(conversationID []byte) (*senderKeyRow, error) {
	sk := &senderKeyRow{}
	if err := db.Tx.Get(sk, "SELECT * FROM _sender_keys WHERE conversation_id = $1", conversationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("delivery: error getting sender key for %x: %w", conversationID, err)
	}
	return sk, nil
}

func (db *database) upsertSenderKey(sk *senderKeyRow) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _sender_keys (conversation_id, key, ctime_ms) VALUES (:conversation_id, :key, :ctime_ms) ON CONFLICT(conversation_id) DO UPDATE SET key = :key, ctime_ms = :ctime_ms", sk); err != nil {
		return fmt.Errorf("delivery: error upserting sender key for %x: %w", sk.ConversationID, err)
	}
	return nil
}

func (db *database) deleteSenderKey(conversationID []byte) error {
	if _, err := db.Tx.Exec("DELETE FROM _sender_keys WHERE conversation_id = $1", conversationID); err != nil {
		return fmt.Errorf("delivery: error deleting sender key for %x: %w", conversationID, err)
	}
	return nil
}

func (db *database) localIdentity() (*localIdentity, error) {
	li := &localIdentity{}
	if err := db.Tx.Get(li, "SELECT * FROM _local_identity WHERE id = 0"); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("delivery: error getting local identity: %w", err)
	}
	return li, nil
}

func (db *database) insertLocalIdentity(li *localIdentity) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _local_identity (id, service_id, device_id, registration_id, identity_priv, identity_pub, signing_priv, signing_pub) VALUES (0, :service_id, :device_id, :registration_id, :identity_priv, :identity_pub, :signing_priv, :signing_pub)", li); err != nil {
		return fmt.Errorf("delivery: error inserting local identity: %w", err)
	}
	return nil
}

func (db *database) localPrekey(id uint32) (*localPrekey, error) {
	pk := &localPrekey{}
	if err := db.Tx.Get(pk, "SELECT * FROM _local_prekeys WHERE id = $1", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("delivery: error getting local prekey %d: %w", id, err)
	}
	return pk, nil
}

func (db *database) insertLocalPrekey(pk *localPrekey) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _local_prekeys (id, kind, priv, pub, signature, consumed) VALUES (:id, :kind, :priv, :pub, :signature, :consumed)", pk); err != nil {
		return fmt.Errorf("delivery: error inserting local prekey %d: %w", pk.ID, err)
	}
	return nil
}

func (db *database) consumeLocalPrekey(id uint32) error {
	if _, err := db.Tx.Exec("UPDATE _local_prekeys SET consumed = 1 WHERE id = $1", id); err != nil {
		return fmt.Errorf("delivery: error consuming local prekey %d: %w", id, err)
	}
	return nil
}

func (db *database) nextPrekeyID() (uint32, error) {
	var id uint32
	if err := db.Tx.Get(&id, "SELECT coalesce(max(id), 0) + 1 FROM _local_prekeys"); err != nil {
		return 0, fmt.Errorf("delivery: error getting next prekey id: %w", err)
	}
	return id, nil
}
