package delivery

import (
	"bytes"
	"crypto/ed25519"
	"crypto/hmac"
	crypto_rand "crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kevinburke/nacl/box"
	"github.com/status-im/doubleratchet"
	"github.com/wrenmsg/go-wren/clock"
	"github.com/wrenmsg/go-wren/config"
	"github.com/wrenmsg/go-wren/crypto"
	"github.com/wrenmsg/go-wren/ids"
	internal_db "github.com/wrenmsg/go-wren/internal/db"
	"go.uber.org/zap"
)

const sessionSecretKey = "WREN_SESSION_SECRET"

type dhPairImpl struct {
	privateKey [32]byte
	publicKey  [32]byte
}

func (pair dhPairImpl) PrivateKey() doubleratchet.Key {
	return pair.privateKey[:]
}

func (pair dhPairImpl) PublicKey() doubleratchet.Key {
	return pair.publicKey[:]
}

type sessionStorageImpl struct {
	db *database
}

func (ss *sessionStorageImpl) Load(id []byte) (*doubleratchet.State, error) {
	s, err := ss.db.ratchetState(id)
	if err != nil {
		return nil, err
	}

	drc := &cryptoImpl{}

	return &doubleratchet.State{
		Crypto: drc,
		DHr:    s.Dhr,
		DHs:    dhPairImpl{privateKey: *crypto.SliceToKey(s.DhsPriv), publicKey: *crypto.SliceToKey(s.DhsPub)},
		RootCh: struct {
			Crypto doubleratchet.KDFer
			CK     doubleratchet.Key
		}{Crypto: drc, CK: s.RootChKey},
		SendCh: struct {
			Crypto doubleratchet.KDFer
			CK     doubleratchet.Key
			N      uint32
		}{Crypto: drc, CK: s.SendChKey, N: s.SendChCount},
		RecvCh: struct {
			Crypto doubleratchet.KDFer
			CK     doubleratchet.Key
			N      uint32
		}{Crypto: drc, CK: s.RecvChKey, N: s.RecvChCount},
		PN:                       s.PN,
		MkSkipped:                keysStorageImpl{sessionID: id, db: ss.db},
		MaxSkip:                  s.MaxSkip,
		HKr:                      s.HKr,
		NHKr:                     s.NHKr,
		HKs:                      s.HKs,
		NHKs:                     s.NHKs,
		MaxKeep:                  s.MaxKeep,
		MaxMessageKeysPerSession: s.MaxMessageKeysPerSession,
		Step:                     s.Step,
		KeysCount:                s.KeysCount,
	}, nil
}

func (ss *sessionStorageImpl) Save(id []byte, state *doubleratchet.State) error {
	s := &ratchetState{
		ID:                       id,
		Dhr:                      state.DHr,
		DhsPub:                   state.DHs.PublicKey(),
		DhsPriv:                  state.DHs.PrivateKey(),
		RootChKey:                state.RootCh.CK,
		SendChKey:                state.SendCh.CK,
		SendChCount:              state.SendCh.N,
		RecvChKey:                state.RecvCh.CK,
		RecvChCount:              state.RecvCh.N,
		PN:                       state.PN,
		MaxSkip:                  state.MaxSkip,
		HKr:                      state.HKr,
		NHKr:                     state.NHKr,
		HKs:                      state.HKs,
		NHKs:                     state.NHKs,
		MaxKeep:                  state.MaxKeep,
		MaxMessageKeysPerSession: state.MaxMessageKeysPerSession,
		Step:                     state.Step,
		KeysCount:                state.KeysCount,
	}
	return ss.db.upsertRatchetState(s)
}

type cryptoImpl struct {
	defaultCrypto doubleratchet.DefaultCrypto
}

func (c *cryptoImpl) GenerateDH() (doubleratchet.DHPair, error) {
	pubk, privk, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, err
	}

	return dhPairImpl{privateKey: *privk, publicKey: *pubk}, nil
}

func (c *cryptoImpl) DH(dhPair doubleratchet.DHPair, dhPub doubleratchet.Key) (doubleratchet.Key, error) {
	dhPairKey := crypto.SliceToKey(dhPair.PrivateKey())
	dhPubKey := crypto.SliceToKey(dhPub)
	out := box.Precompute(dhPubKey, dhPairKey)
	return out[:], nil
}

func (c *cryptoImpl) Encrypt(mk doubleratchet.Key, plaintext, ad []byte) ([]byte, error) {
	return crypto.EncryptWithKey(mk, plaintext, ad)
}

func (c *cryptoImpl) Decrypt(mk doubleratchet.Key, ciphertext, ad []byte) ([]byte, error) {
	return crypto.DecryptWithKey(mk, ciphertext, ad)
}

func (c *cryptoImpl) KdfRK(rk, dhOut doubleratchet.Key) (doubleratchet.Key, doubleratchet.Key, doubleratchet.Key) {
	return c.defaultCrypto.KdfRK(rk, dhOut)
}

func (c *cryptoImpl) KdfCK(ck doubleratchet.Key) (doubleratchet.Key, doubleratchet.Key) {
	return c.defaultCrypto.KdfCK(ck)
}

type keysStorageImpl struct {
	sessionID []byte
	db        *database
}

func (ks keysStorageImpl) Get(k doubleratchet.Key, msgNum uint) (doubleratchet.Key, bool, error) {
	kr, ok, err := ks.db.keyByMsgNum(ks.sessionID, k, msgNum)
	if !ok || err != nil {
		return doubleratchet.Key{}, ok, err
	}
	return kr.MessageKey, ok, err
}

func (ks keysStorageImpl) Put(sessionID []byte, k doubleratchet.Key, msgNum uint, mk doubleratchet.Key, keySeqNum uint) error {
	if !bytes.Equal(sessionID, ks.sessionID) {
		return fmt.Errorf("expected %x to equal %x", sessionID, ks.sessionID)
	}
	return ks.db.upsertKeyByMsgNum(sessionID, k, msgNum, mk, keySeqNum)
}

func (ks keysStorageImpl) DeleteMk(k doubleratchet.Key, msgNum uint) error {
	return ks.db.deleteKeyByMsgNum(ks.sessionID, k, msgNum)
}

func (ks keysStorageImpl) DeleteOldMks(sessionID []byte, deleteUntilSeqKey uint) error {
	if !bytes.Equal(sessionID, ks.sessionID) {
		return fmt.Errorf("expected %x to equal %x", sessionID, ks.sessionID)
	}
	return ks.db.deleteOldMks(sessionID, deleteUntilSeqKey)
}

func (ks keysStorageImpl) TruncateMks(sessionID []byte, maxKeys int) error {
	if !bytes.Equal(sessionID, ks.sessionID) {
		return fmt.Errorf("expected %x to equal %x", sessionID, ks.sessionID)
	}
	return ks.db.truncateMks(sessionID, maxKeys)
}

func (ks keysStorageImpl) Count(k doubleratchet.Key) (uint, error) {
	return ks.db.countKeys(k)
}

func (ks keysStorageImpl) All() (map[string]map[uint]doubleratchet.Key, error) {
	return nil, errors.New("not implemented")
}

// envelope is the wire form of a pairwise ciphertext.
type envelope struct {
	DH        []byte     `json:"dh"`
	N         uint32     `json:"n"`
	PN        uint32     `json:"pn"`
	Body      []byte     `json:"body"`
	Handshake *handshake `json:"handshake,omitempty"`
}

// handshake carries the establishment material of an initiator until the
// peer has answered.
type handshake struct {
	IdentityKey     []byte `json:"identityKey"`
	EphemeralKey    []byte `json:"ephemeralKey"`
	SignedPreKeyID  uint32 `json:"signedPreKeyId"`
	OneTimePreKeyID uint32 `json:"oneTimePreKeyId,omitempty"`
	PQPreKeyID      uint32 `json:"pqPreKeyId,omitempty"`
}

// sealedEnvelope hides the sender's identity from the relay. The inner
// content is encrypted to the recipient's identity key with an ephemeral key.
type sealedEnvelope struct {
	EphemeralKey []byte `json:"ephemeralKey"`
	Encrypted    []byte `json:"encrypted"`
}

type sealedContent struct {
	Certificate  *SenderCertificate `json:"certificate"`
	GroupContext []byte             `json:"groupContext,omitempty"`
	Type         uint8              `json:"type"`
	Envelope     []byte             `json:"envelope"`
}

// SenderCertificate authenticates a sealed sender towards the recipient. It
// is issued by a trust root the relay never sees inside the envelope.
type SenderCertificate struct {
	SenderID    string `json:"senderId"`
	DeviceID    uint32 `json:"deviceId"`
	ExpiresMs   uint64 `json:"expiresMs"`
	IdentityKey []byte `json:"identityKey"`
	Signature   []byte `json:"signature"`
}

func (c *SenderCertificate) signedPayload() []byte {
	var buf bytes.Buffer
	buf.WriteString(c.SenderID)
	if err := binary.Write(&buf, binary.BigEndian, c.DeviceID); err != nil {
		panic(err)
	}
	if err := binary.Write(&buf, binary.BigEndian, c.ExpiresMs); err != nil {
		panic(err)
	}
	buf.Write(c.IdentityKey)
	return buf.Bytes()
}

// Valid reports whether the certificate verifies against the trust root and
// has not expired.
func (c *SenderCertificate) Valid(trustRoot ed25519.PublicKey, nowMs uint64) bool {
	if nowMs >= c.ExpiresMs {
		return false
	}
	return ed25519.Verify(trustRoot, c.signedPayload(), c.Signature)
}

// IssueSenderCertificate signs a sender certificate with the trust root key.
func IssueSenderCertificate(trustRoot ed25519.PrivateKey, senderID string, deviceID uint32, identityKey []byte, expiresMs uint64) *SenderCertificate {
	c := &SenderCertificate{
		SenderID:    senderID,
		DeviceID:    deviceID,
		ExpiresMs:   expiresMs,
		IdentityKey: identityKey,
	}
	c.Signature = ed25519.Sign(trustRoot, c.signedPayload())
	return c
}

// RatchetStore implements CryptoStore over the doubleratchet library with
// all state persisted in the encrypted database. Every method expects to run
// inside a transaction owned by the caller.
type RatchetStore struct {
	config *config.Config
	db     *database
	log    *zap.SugaredLogger
	clock  clock.Clock
}

func NewRatchetStore(c *config.Config, internalDB *internal_db.Database, cl clock.Clock) (*RatchetStore, error) {
	d, err := newDatabase(internalDB)
	if err != nil {
		return nil, fmt.Errorf("delivery: error making ratchet store: %w", err)
	}
	return &RatchetStore{
		config: c,
		db:     d,
		log:    c.Logger("delivery/ratchet"),
		clock:  cl,
	}, nil
}

// GenerateIdentity creates and persists the local identity key material.
// Idempotent once created.
func (rs *RatchetStore) GenerateIdentity(serviceID string, deviceID uint32) error {
	li, err := rs.db.localIdentity()
	if err != nil {
		return err
	}
	if li != nil {
		return nil
	}

	identityPub, identityPriv, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return err
	}
	signingPub, signingPriv, err := ed25519.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return err
	}
	var regID [4]byte
	if _, err := crypto_rand.Read(regID[:]); err != nil {
		return err
	}

	rs.log.Infof("generating local identity for %s.%d", serviceID, deviceID)
	return rs.db.insertLocalIdentity(&localIdentity{
		ServiceID:      serviceID,
		DeviceID:       deviceID,
		RegistrationID: binary.BigEndian.Uint32(regID[:]) & 0x3fff,
		IdentityPriv:   identityPriv[:],
		IdentityPub:    identityPub[:],
		SigningPriv:    signingPriv,
		SigningPub:     signingPub,
	})
}

// LocalIdentity returns the local service id, device id and identity public key.
func (rs *RatchetStore) LocalIdentity() (string, uint32, []byte, error) {
	li, err := rs.db.localIdentity()
	if err != nil {
		return "", 0, nil, err
	}
	if li == nil {
		return "", 0, nil, errors.New("delivery: no local identity")
	}
	return li.ServiceID, li.DeviceID, li.IdentityPub, nil
}

// GenerateBundle mints a fresh prekey bundle for this device, persisting the
// private halves. Used when publishing keys to the relay and by peers in
// tests.
func (rs *RatchetStore) GenerateBundle(withOneTime, withPQ bool) (*PreKeyBundle, error) {
	li, err := rs.db.localIdentity()
	if err != nil {
		return nil, err
	}
	if li == nil {
		return nil, errors.New("delivery: no local identity")
	}

	signed, err := rs.mintPrekey(prekeyKindSigned, li.SigningPriv)
	if err != nil {
		return nil, err
	}
	bundle := &PreKeyBundle{
		RegistrationID: li.RegistrationID,
		DeviceID:       li.DeviceID,
		IdentityKey:    li.IdentityPub,
		SigningKey:     li.SigningPub,
		SignedPreKey:   &SignedPreKey{ID: signed.ID, PublicKey: signed.Pub, Signature: signed.Signature},
	}
	if withOneTime {
		oneTime, err := rs.mintPrekey(prekeyKindOneTime, nil)
		if err != nil {
			return nil, err
		}
		bundle.OneTimePreKey = &PreKey{ID: oneTime.ID, PublicKey: oneTime.Pub}
	}
	if withPQ {
		pq, err := rs.mintPrekey(prekeyKindPQ, li.SigningPriv)
		if err != nil {
			return nil, err
		}
		bundle.PQPreKey = &SignedPreKey{ID: pq.ID, PublicKey: pq.Pub, Signature: pq.Signature}
	}
	return bundle, nil
}

func (rs *RatchetStore) mintPrekey(kind int, signingPriv ed25519.PrivateKey) (*localPrekey, error) {
	pub, priv, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, err
	}
	id, err := rs.db.nextPrekeyID()
	if err != nil {
		return nil, err
	}
	pk := &localPrekey{
		ID:        id,
		Kind:      kind,
		Priv:      priv[:],
		Pub:       pub[:],
		Signature: []byte{},
	}
	if signingPriv != nil {
		pk.Signature = ed25519.Sign(signingPriv, pub[:])
	}
	if err := rs.db.insertLocalPrekey(pk); err != nil {
		return nil, err
	}
	return pk, nil
}

func (rs *RatchetStore) HasValidSession(serviceID string, deviceID uint32) (bool, error) {
	s, err := rs.db.activeSession(serviceID, deviceID)
	if err != nil {
		return false, err
	}
	return s != nil, nil
}

func (rs *RatchetStore) ArchiveSession(serviceID string, deviceID uint32) error {
	rs.log.Debugf("archiving sessions for %s.%d", serviceID, deviceID)
	return rs.db.archiveSessions(serviceID, deviceID)
}

// EstablishSession builds a session from a fetched bundle, preferring the
// most complete prekey combination the bundle offers. An identity key
// conflicting with the one on record aborts with *UntrustedIdentityError
// carrying the offered key; recording it is the caller's job, since the
// enclosing transaction rolls back on error.
func (rs *RatchetStore) EstablishSession(bundle *PreKeyBundle, serviceID string, deviceID uint32) error {
	if err := bundle.validate(); err != nil {
		var sig *InvalidSignatureError
		if errors.As(err, &sig) {
			sig.ServiceID = serviceID
		}
		return err
	}

	ki, err := rs.db.knownIdentity(serviceID)
	if err != nil {
		return err
	}
	switch {
	case ki == nil:
		if err := rs.db.upsertKnownIdentity(&knownIdentity{ServiceID: serviceID, IdentityKey: bundle.IdentityKey, Trusted: true}); err != nil {
			return err
		}
	case !bytes.Equal(ki.IdentityKey, bundle.IdentityKey):
		return &UntrustedIdentityError{ServiceID: serviceID, IdentityKey: bundle.IdentityKey}
	case !ki.Trusted:
		return &UntrustedIdentityError{ServiceID: serviceID, IdentityKey: ki.IdentityKey}
	}

	ephPub, ephPriv, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return err
	}

	dhs := make([][]byte, 0, 4)
	dh1 := box.Precompute(crypto.SliceToKey(bundle.IdentityKey), ephPriv)
	dh2 := box.Precompute(crypto.SliceToKey(bundle.SignedPreKey.PublicKey), ephPriv)
	dhs = append(dhs, dh1[:], dh2[:])

	hs := &handshake{
		IdentityKey:    rs.mustLocalIdentityPub(),
		EphemeralKey:   ephPub[:],
		SignedPreKeyID: bundle.SignedPreKey.ID,
	}
	if oneTime := bundle.oneTimePreKey(); oneTime != nil {
		dh3 := box.Precompute(crypto.SliceToKey(oneTime.PublicKey), ephPriv)
		dhs = append(dhs, dh3[:])
		hs.OneTimePreKeyID = oneTime.ID
	}
	if pq := bundle.pqPreKey(); pq != nil {
		dh4 := box.Precompute(crypto.SliceToKey(pq.PublicKey), ephPriv)
		dhs = append(dhs, dh4[:])
		hs.PQPreKeyID = pq.ID
	}

	secret := sessionSecret(dhs)
	hsBytes, err := json.Marshal(hs)
	if err != nil {
		return err
	}

	// any older session is superseded
	if err := rs.db.archiveSessions(serviceID, deviceID); err != nil {
		return err
	}

	sessionID := ids.NewID()
	if err := rs.db.insertRatchetSession(&ratchetSession{
		ID:        sessionID[:],
		ServiceID: serviceID,
		DeviceID:  deviceID,
		CtimeMs:   rs.clock.CurrentTimeMs(),
		Handshake: hsBytes,
	}); err != nil {
		return err
	}

	if _, err := doubleratchet.NewWithRemoteKey(sessionID[:], secret, bundle.SignedPreKey.PublicKey, rs.sessionStorage(), doubleratchet.WithCrypto(rs.crypto()), doubleratchet.WithKeysStorage(rs.keysStorage(sessionID[:]))); err != nil {
		return fmt.Errorf("delivery: error initializing ratchet: %w", err)
	}
	rs.log.Debugf("established session %x for %s.%d", sessionID, serviceID, deviceID)
	return nil
}

func (rs *RatchetStore) Encrypt(plaintext []byte, serviceID string, deviceID uint32) (*Ciphertext, error) {
	s, err := rs.db.activeSession(serviceID, deviceID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, &NoSessionError{ServiceID: serviceID, DeviceID: deviceID}
	}

	drSession, err := doubleratchet.Load(s.ID, rs.sessionStorage(), doubleratchet.WithCrypto(rs.crypto()), doubleratchet.WithKeysStorage(rs.keysStorage(s.ID)))
	if err != nil {
		return nil, fmt.Errorf("delivery encrypt: %w", err)
	}
	msg, err := drSession.RatchetEncrypt(plaintext, nil)
	if err != nil {
		return nil, fmt.Errorf("delivery encrypt: %w", err)
	}

	env := &envelope{
		DH:   msg.Header.DH,
		N:    msg.Header.N,
		PN:   msg.Header.PN,
		Body: msg.Ciphertext,
	}
	messageType := uint8(MessageTypeSession)
	if len(s.Handshake) > 0 {
		hs := &handshake{}
		if err := json.Unmarshal(s.Handshake, hs); err != nil {
			return nil, err
		}
		env.Handshake = hs
		messageType = MessageTypePreKey
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return &Ciphertext{Type: messageType, Body: body}, nil
}

func (rs *RatchetStore) EncryptSealed(plaintext []byte, serviceID string, deviceID uint32, cert *SenderCertificate, groupContext []byte) (*Ciphertext, error) {
	if cert == nil {
		return nil, &InvariantError{Msg: "sealed encryption without a sender certificate"}
	}
	inner, err := rs.Encrypt(plaintext, serviceID, deviceID)
	if err != nil {
		return nil, err
	}
	ki, err := rs.db.knownIdentity(serviceID)
	if err != nil {
		return nil, err
	}
	if ki == nil {
		return nil, fmt.Errorf("delivery: no identity on record for %s, cannot seal", serviceID)
	}

	ephPub, ephPriv, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, err
	}
	content, err := json.Marshal(&sealedContent{
		Certificate:  cert,
		GroupContext: groupContext,
		Type:         inner.Type,
		Envelope:     inner.Body,
	})
	if err != nil {
		return nil, err
	}
	encrypted, err := crypto.EncryptWithDH(ki.IdentityKey, ephPriv[:], content, nil)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(&sealedEnvelope{EphemeralKey: ephPub[:], Encrypted: encrypted})
	if err != nil {
		return nil, err
	}
	return &Ciphertext{Type: MessageTypeSealed, Body: body}, nil
}

// Decrypt opens a pairwise envelope from (serviceID, deviceID), establishing
// the responder side of a session when the envelope carries handshake
// material.
func (rs *RatchetStore) Decrypt(body []byte, serviceID string, deviceID uint32) ([]byte, error) {
	env := &envelope{}
	if err := json.Unmarshal(body, env); err != nil {
		return nil, fmt.Errorf("delivery decrypt: %w", err)
	}

	s, err := rs.db.activeSession(serviceID, deviceID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		if env.Handshake == nil {
			return nil, &NoSessionError{ServiceID: serviceID, DeviceID: deviceID}
		}
		s, err = rs.establishResponder(env.Handshake, serviceID, deviceID)
		if err != nil {
			return nil, err
		}
	} else if len(s.Handshake) > 0 {
		// the peer answered, establishment material no longer needed
		if err := rs.db.clearSessionHandshake(s.ID); err != nil {
			return nil, err
		}
	}

	drSession, err := doubleratchet.Load(s.ID, rs.sessionStorage(), doubleratchet.WithCrypto(rs.crypto()), doubleratchet.WithKeysStorage(rs.keysStorage(s.ID)))
	if err != nil {
		return nil, fmt.Errorf("delivery decrypt: %w", err)
	}
	plaintext, err := drSession.RatchetDecrypt(doubleratchet.Message{
		Header: doubleratchet.MessageHeader{
			DH: env.DH,
			N:  env.N,
			PN: env.PN,
		},
		Ciphertext: env.Body,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("delivery decrypt: %w", err)
	}
	return plaintext, nil
}

// OpenSealed unwraps a sealed envelope addressed to this device, returning
// the authenticated sender and plaintext.
func (rs *RatchetStore) OpenSealed(body []byte, trustRoot ed25519.PublicKey) (string, uint32, []byte, error) {
	li, err := rs.db.localIdentity()
	if err != nil {
		return "", 0, nil, err
	}
	if li == nil {
		return "", 0, nil, errors.New("delivery: no local identity")
	}

	env := &sealedEnvelope{}
	if err := json.Unmarshal(body, env); err != nil {
		return "", 0, nil, fmt.Errorf("delivery open sealed: %w", err)
	}
	contentBytes, err := crypto.DecryptWithDH(env.EphemeralKey, li.IdentityPriv, env.Encrypted, nil)
	if err != nil {
		return "", 0, nil, fmt.Errorf("delivery open sealed: %w", err)
	}
	content := &sealedContent{}
	if err := json.Unmarshal(contentBytes, content); err != nil {
		return "", 0, nil, fmt.Errorf("delivery open sealed: %w", err)
	}
	cert := content.Certificate
	if cert == nil || !cert.Valid(trustRoot, rs.clock.CurrentTimeMs()) {
		return "", 0, nil, errors.New("delivery: invalid sender certificate")
	}
	plaintext, err := rs.Decrypt(content.Envelope, cert.SenderID, cert.DeviceID)
	if err != nil {
		return "", 0, nil, err
	}
	return cert.SenderID, cert.DeviceID, plaintext, nil
}

func (rs *RatchetStore) establishResponder(hs *handshake, serviceID string, deviceID uint32) (*ratchetSession, error) {
	li, err := rs.db.localIdentity()
	if err != nil {
		return nil, err
	}
	if li == nil {
		return nil, errors.New("delivery: no local identity")
	}
	signed, err := rs.db.localPrekey(hs.SignedPreKeyID)
	if err != nil {
		return nil, err
	}
	if signed == nil || signed.Kind != prekeyKindSigned {
		return nil, fmt.Errorf("delivery: unknown signed prekey %d", hs.SignedPreKeyID)
	}

	dhs := make([][]byte, 0, 4)
	dh1 := box.Precompute(crypto.SliceToKey(hs.EphemeralKey), crypto.SliceToKey(li.IdentityPriv))
	dh2 := box.Precompute(crypto.SliceToKey(hs.EphemeralKey), crypto.SliceToKey(signed.Priv))
	dhs = append(dhs, dh1[:], dh2[:])
	if hs.OneTimePreKeyID != 0 {
		oneTime, err := rs.db.localPrekey(hs.OneTimePreKeyID)
		if err != nil {
			return nil, err
		}
		if oneTime == nil || oneTime.Kind != prekeyKindOneTime || oneTime.Consumed {
			return nil, fmt.Errorf("delivery: unknown one-time prekey %d", hs.OneTimePreKeyID)
		}
		dh3 := box.Precompute(crypto.SliceToKey(hs.EphemeralKey), crypto.SliceToKey(oneTime.Priv))
		dhs = append(dhs, dh3[:])
		if err := rs.db.consumeLocalPrekey(oneTime.ID); err != nil {
			return nil, err
		}
	}
	if hs.PQPreKeyID != 0 {
		pq, err := rs.db.localPrekey(hs.PQPreKeyID)
		if err != nil {
			return nil, err
		}
		if pq == nil || pq.Kind != prekeyKindPQ {
			return nil, fmt.Errorf("delivery: unknown pq prekey %d", hs.PQPreKeyID)
		}
		dh4 := box.Precompute(crypto.SliceToKey(hs.EphemeralKey), crypto.SliceToKey(pq.Priv))
		dhs = append(dhs, dh4[:])
	}

	secret := sessionSecret(dhs)

	if ki, err := rs.db.knownIdentity(serviceID); err != nil {
		return nil, err
	} else if ki == nil {
		if err := rs.db.upsertKnownIdentity(&knownIdentity{ServiceID: serviceID, IdentityKey: hs.IdentityKey, Trusted: true}); err != nil {
			return nil, err
		}
	}

	sessionID := ids.NewID()
	s := &ratchetSession{
		ID:        sessionID[:],
		ServiceID: serviceID,
		DeviceID:  deviceID,
		CtimeMs:   rs.clock.CurrentTimeMs(),
	}
	if err := rs.db.insertRatchetSession(s); err != nil {
		return nil, err
	}
	pair := dhPairImpl{privateKey: *crypto.SliceToKey(signed.Priv), publicKey: *crypto.SliceToKey(signed.Pub)}
	if _, err := doubleratchet.New(sessionID[:], secret, pair, rs.sessionStorage(), doubleratchet.WithCrypto(rs.crypto()), doubleratchet.WithKeysStorage(rs.keysStorage(sessionID[:]))); err != nil {
		return nil, fmt.Errorf("delivery: error initializing responder ratchet: %w", err)
	}
	return s, nil
}

func (rs *RatchetStore) sessionStorage() doubleratchet.SessionStorage {
	return &sessionStorageImpl{db: rs.db}
}

func (rs *RatchetStore) crypto() doubleratchet.Crypto {
	return &cryptoImpl{}
}

func (rs *RatchetStore) keysStorage(sessionID []byte) doubleratchet.KeysStorage {
	return keysStorageImpl{sessionID: sessionID, db: rs.db}
}

func (rs *RatchetStore) mustLocalIdentityPub() []byte {
	li, err := rs.db.localIdentity()
	if err != nil || li == nil {
		panic("delivery: local identity unavailable")
	}
	return li.IdentityPub
}

func sessionSecret(dhs [][]byte) []byte {
	mac := hmac.New(sha256.New, []byte(sessionSecretKey))
	for _, dh := range dhs {
		mac.Write(dh)
	}
	return mac.Sum(nil)
}
