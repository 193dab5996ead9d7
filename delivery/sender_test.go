package delivery

import (
	"context"
	"crypto/ed25519"
	crypto_rand "crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/kevinburke/nacl/box"
	"github.com/stretchr/testify/require"
	"github.com/wrenmsg/go-wren/config"
	"github.com/wrenmsg/go-wren/crypto"
	"github.com/wrenmsg/go-wren/ids"
	internal_db "github.com/wrenmsg/go-wren/internal/db"
	"github.com/wrenmsg/go-wren/internal/test"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

type testClock struct {
	offsetMicro uint64
}

func (tc *testClock) CurrentTimeMicro() uint64 {
	return uint64(time.Now().UnixMicro()) + tc.offsetMicro
}

func (tc *testClock) CurrentTimeMs() uint64 {
	return uint64(time.Now().UnixMilli()) + tc.offsetMicro/1000
}

func (tc *testClock) CurrentTimeSec() uint64 {
	return tc.CurrentTimeMs() / 1000
}

func (tc *testClock) Now() time.Time {
	return time.Now().Add(time.Duration(tc.offsetMicro * uint64(time.Microsecond)))
}

func (tc *testClock) AdvanceMs(a uint64) {
	tc.offsetMicro += a * 1000
}

func testConfig() *config.Config {
	return config.NewConfig(
		config.WithRetryBackoffMs(1),
		config.WithChallengeWaitMs(100),
		config.WithLoggingPrefix("test"),
	)
}

// testPeer is a full receiving device backed by its own store, used for
// round-trip decryption.
type testPeer struct {
	t         *testing.T
	db        *internal_db.Database
	store     *RatchetStore
	serviceID string
	deviceID  uint32
}

func newTestPeer(t *testing.T, c *config.Config, cl *testClock, serviceID string, deviceID uint32) *testPeer {
	database := test.NewTestDatabase(c)
	store, err := NewRatchetStore(c, database, cl)
	require.NoError(t, err)
	require.NoError(t, database.Run("register", func() error {
		return store.GenerateIdentity(serviceID, deviceID)
	}))
	return &testPeer{t: t, db: database, store: store, serviceID: serviceID, deviceID: deviceID}
}

func (p *testPeer) bundle() (*PreKeyBundle, error) {
	var b *PreKeyBundle
	err := p.db.Run("bundle", func() error {
		var err error
		b, err = p.store.GenerateBundle(true, true)
		return err
	})
	return b, err
}

func (p *testPeer) decrypt(dm *DeviceMessage, senderID string, senderDeviceID uint32) []byte {
	var plaintext []byte
	require.NoError(p.t, p.db.Run("decrypt", func() error {
		var err error
		plaintext, err = p.store.Decrypt(dm.Content, senderID, senderDeviceID)
		return err
	}))
	return plaintext
}

func (p *testPeer) openSealed(content []byte, trustRoot ed25519.PublicKey) (string, uint32, []byte) {
	var senderID string
	var senderDeviceID uint32
	var plaintext []byte
	require.NoError(p.t, p.db.Run("open sealed", func() error {
		var err error
		senderID, senderDeviceID, plaintext, err = p.store.OpenSealed(content, trustRoot)
		return err
	}))
	return senderID, senderDeviceID, plaintext
}

func (p *testPeer) openSealedSenderKey(content []byte, trustRoot ed25519.PublicKey) (string, uint32, []byte) {
	env := &senderKeyEnvelope{}
	require.NoError(p.t, json.Unmarshal(content, env))
	return p.openSealed(env.Distribution, trustRoot)
}

func senderKeySharedBody(t *testing.T, content []byte) []byte {
	env := &senderKeyEnvelope{}
	require.NoError(t, json.Unmarshal(content, env))
	return env.Shared
}

// testRecipient fabricates consistent multi-device bundles for flows that
// never decrypt.
type testRecipient struct {
	identityPub []byte
	signingPriv ed25519.PrivateKey
	signingPub  ed25519.PublicKey
}

func newTestRecipient(t *testing.T) *testRecipient {
	identityPub, _, err := box.GenerateKey(crypto_rand.Reader)
	require.NoError(t, err)
	signingPub, signingPriv, err := ed25519.GenerateKey(crypto_rand.Reader)
	require.NoError(t, err)
	return &testRecipient{identityPub: identityPub[:], signingPriv: signingPriv, signingPub: signingPub}
}

func (r *testRecipient) bundle(deviceID uint32) (*PreKeyBundle, error) {
	spkPub, _, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PreKeyBundle{
		RegistrationID: 42,
		DeviceID:       deviceID,
		IdentityKey:    r.identityPub,
		SigningKey:     r.signingPub,
		SignedPreKey: &SignedPreKey{
			ID:        deviceID*100 + 1,
			PublicKey: spkPub[:],
			Signature: ed25519.Sign(r.signingPriv, spkPub[:]),
		},
	}, nil
}

type fakeRelay struct {
	lock       sync.Mutex
	bundles    map[string]func() (*PreKeyBundle, error)
	fetchErrs  map[string][]error
	fetches    map[string]int
	submitErrs map[string][]error
	submits    map[string][][]*DeviceMessage
	sealed     map[string][]bool
	numbers    map[string]string
	lookups    int
	challenges int
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{
		bundles:    make(map[string]func() (*PreKeyBundle, error)),
		fetchErrs:  make(map[string][]error),
		fetches:    make(map[string]int),
		submitErrs: make(map[string][]error),
		submits:    make(map[string][][]*DeviceMessage),
		sealed:     make(map[string][]bool),
		numbers:    make(map[string]string),
	}
}

func relayKey(serviceID string, deviceID uint32) string {
	return fmt.Sprintf("%s.%d", serviceID, deviceID)
}

func (f *fakeRelay) addDevice(serviceID string, deviceID uint32, bundle func() (*PreKeyBundle, error)) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.bundles[relayKey(serviceID, deviceID)] = bundle
}

func (f *fakeRelay) queueFetchErr(serviceID string, deviceID uint32, err error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	k := relayKey(serviceID, deviceID)
	f.fetchErrs[k] = append(f.fetchErrs[k], err)
}

func (f *fakeRelay) queueSubmitErr(serviceID string, err error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.submitErrs[serviceID] = append(f.submitErrs[serviceID], err)
}

func (f *fakeRelay) fetchCount(serviceID string, deviceID uint32) int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.fetches[relayKey(serviceID, deviceID)]
}

func (f *fakeRelay) lookupCount() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.lookups
}

func (f *fakeRelay) submitCount(serviceID string) int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return len(f.submits[serviceID])
}

func (f *fakeRelay) lastSubmit(serviceID string) []*DeviceMessage {
	f.lock.Lock()
	defer f.lock.Unlock()
	batches := f.submits[serviceID]
	if len(batches) == 0 {
		return nil
	}
	return batches[len(batches)-1]
}

func (f *fakeRelay) FetchPreKeyBundle(ctx context.Context, serviceID string, deviceID uint32) (*PreKeyBundle, error) {
	f.lock.Lock()
	k := relayKey(serviceID, deviceID)
	f.fetches[k]++
	if errs := f.fetchErrs[k]; len(errs) > 0 {
		err := errs[0]
		f.fetchErrs[k] = errs[1:]
		f.lock.Unlock()
		return nil, err
	}
	fn, ok := f.bundles[k]
	f.lock.Unlock()
	if !ok {
		return nil, &MissingDeviceError{ServiceID: serviceID, DeviceID: deviceID}
	}
	return fn()
}

func (f *fakeRelay) Submit(ctx context.Context, serviceID string, messages []*DeviceMessage, sealed bool) (*SubmitResult, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.submits[serviceID] = append(f.submits[serviceID], messages)
	f.sealed[serviceID] = append(f.sealed[serviceID], sealed)
	if errs := f.submitErrs[serviceID]; len(errs) > 0 {
		err := errs[0]
		f.submitErrs[serviceID] = errs[1:]
		return nil, err
	}
	return &SubmitResult{Unidentified: sealed}, nil
}

func (f *fakeRelay) Lookup(ctx context.Context, numbers []string) (map[string]string, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.lookups++
	mapping := make(map[string]string)
	for _, n := range numbers {
		if serviceID, ok := f.numbers[n]; ok {
			mapping[n] = serviceID
		}
	}
	return mapping, nil
}

func (f *fakeRelay) Resolve(ctx context.Context, token string) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.challenges++
	return nil
}

type fakeCerts struct {
	cert *SenderCertificate
}

func (f *fakeCerts) SenderCertificate(ctx context.Context) (*SenderCertificate, error) {
	return f.cert, nil
}

type testSender struct {
	t      *testing.T
	db     *internal_db.Database
	store  *RatchetStore
	sender *Sender
	relay  *fakeRelay
	clock  *testClock
}

func newTestSender(t *testing.T, c *config.Config, cl *testClock, relay *fakeRelay, certs CertificateSource) *testSender {
	database := test.NewTestDatabase(c)
	store, err := NewRatchetStore(c, database, cl)
	require.NoError(t, err)
	require.NoError(t, database.Run("register", func() error {
		return store.GenerateIdentity("self", 1)
	}))
	sender, err := NewSender(c, database, cl, store, relay, relay, relay, certs)
	require.NoError(t, err)
	return &testSender{t: t, db: database, store: store, sender: sender, relay: relay, clock: cl}
}

func (ts *testSender) addContact(serviceID string, deviceIDs ...uint32) {
	require.NoError(ts.t, ts.sender.UpsertRecipient(serviceID, ""))
	require.NoError(ts.t, ts.sender.AddRecipientDevices(serviceID, deviceIDs))
}

func (ts *testSender) conversation(kind int, memberIDs ...string) ids.ID {
	id, err := ts.sender.CreateConversation(kind, memberIDs)
	require.NoError(ts.t, err)
	return id
}

func (ts *testSender) send(conversationID ids.ID, body []byte) (ids.ID, error) {
	messageID, err := ts.sender.QueueMessage(conversationID, body, false, false)
	require.NoError(ts.t, err)
	return messageID, ts.sender.Send(context.Background(), messageID)
}

func (ts *testSender) statuses(messageID ids.ID) map[string]int {
	statuses, err := ts.sender.MessageStatuses(messageID)
	require.NoError(ts.t, err)
	return statuses
}

func (ts *testSender) identityPub() []byte {
	var pub []byte
	require.NoError(ts.t, ts.db.Run("identity", func() error {
		var err error
		_, _, pub, err = ts.store.LocalIdentity()
		return err
	}))
	return pub
}

func (ts *testSender) certSource(trustRootPriv ed25519.PrivateKey) *fakeCerts {
	cert := IssueSenderCertificate(trustRootPriv, "self", 1, ts.identityPub(), ts.clock.CurrentTimeMs()+3600000)
	return &fakeCerts{cert: cert}
}

func TestBlockedRecipientFailsWithoutNetwork(t *testing.T) {
	c := testConfig()
	cl := &testClock{}
	relay := newFakeRelay()
	ts := newTestSender(t, c, cl, relay, nil)

	ts.addContact("bob", 1)
	require.NoError(t, ts.sender.SetRecipientBlocked("bob", true))
	conversationID := ts.conversation(ConversationDirect, "bob")

	messageID, err := ts.send(conversationID, []byte("hello"))
	var blocked *BlockedRecipientError
	require.ErrorAs(t, err, &blocked)
	require.Equal(t, "bob", blocked.ServiceID)
	require.Equal(t, 0, relay.fetchCount("bob", 1))
	require.Equal(t, 0, relay.submitCount("bob"))
	require.Equal(t, StatusFailed, ts.statuses(messageID)["bob"])
}

func TestGroupSendSkipsBlockedMember(t *testing.T) {
	c := testConfig()
	cl := &testClock{}
	relay := newFakeRelay()
	ts := newTestSender(t, c, cl, relay, nil)

	r1 := newTestRecipient(t)
	relay.addDevice("r1", 1, func() (*PreKeyBundle, error) { return r1.bundle(1) })
	relay.addDevice("r1", 2, func() (*PreKeyBundle, error) { return r1.bundle(2) })
	ts.addContact("r1", 1, 2)
	ts.addContact("r2", 1)
	require.NoError(t, ts.sender.SetRecipientBlocked("r2", true))

	conversationID := ts.conversation(ConversationGroup, "r1", "r2")
	messageID, err := ts.send(conversationID, []byte("hello group"))
	require.NoError(t, err)

	require.Equal(t, 1, relay.submitCount("r1"))
	require.Len(t, relay.lastSubmit("r1"), 2)
	require.Equal(t, 0, relay.submitCount("r2"))

	statuses := ts.statuses(messageID)
	require.Equal(t, StatusSent, statuses["r1"])
	require.Equal(t, StatusSkipped, statuses["r2"])
}

func TestMissingDeviceDroppedAndRemembered(t *testing.T) {
	c := testConfig()
	cl := &testClock{}
	relay := newFakeRelay()
	ts := newTestSender(t, c, cl, relay, nil)

	r1 := newTestRecipient(t)
	relay.addDevice("r1", 1, func() (*PreKeyBundle, error) { return r1.bundle(1) })
	// device 2 has no bundle registered, the fetch 404s
	ts.addContact("r1", 1, 2)

	conversationID := ts.conversation(ConversationGroup, "r1")
	messageID, err := ts.send(conversationID, []byte("hello"))
	require.NoError(t, err)

	// device 1 still got the message
	require.Equal(t, 1, relay.submitCount("r1"))
	require.Len(t, relay.lastSubmit("r1"), 1)
	require.Equal(t, uint32(1), relay.lastSubmit("r1")[0].DeviceID)
	require.Equal(t, StatusSent, ts.statuses(messageID)["r1"])

	// device 2 was removed from the directory
	rec, err := ts.sender.Recipient("r1")
	require.NoError(t, err)
	require.Equal(t, []uint32{1}, rec.Devices)

	// within the window a second send never refetches device 2
	require.Equal(t, 1, relay.fetchCount("r1", 2))
	require.NoError(t, ts.sender.AddRecipientDevices("r1", []uint32{2}))
	_, err = ts.send(conversationID, []byte("again"))
	require.NoError(t, err)
	require.Equal(t, 1, relay.fetchCount("r1", 2))
}

func TestRetryBudgetExhausted(t *testing.T) {
	c := testConfig()
	cl := &testClock{}
	relay := newFakeRelay()
	ts := newTestSender(t, c, cl, relay, nil)

	r1 := newTestRecipient(t)
	relay.addDevice("r1", 1, func() (*PreKeyBundle, error) { return r1.bundle(1) })
	ts.addContact("r1", 1)
	for i := 0; i != 5; i++ {
		relay.queueSubmitErr("r1", fmt.Errorf("connection reset"))
	}

	conversationID := ts.conversation(ConversationDirect, "r1")
	messageID, err := ts.send(conversationID, []byte("hello"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "connection reset")
	require.Equal(t, 3, relay.submitCount("r1"))
	require.Equal(t, StatusFailed, ts.statuses(messageID)["r1"])
}

func TestMismatchedDevicesReconciled(t *testing.T) {
	c := testConfig()
	cl := &testClock{}
	relay := newFakeRelay()
	ts := newTestSender(t, c, cl, relay, nil)

	r1 := newTestRecipient(t)
	relay.addDevice("r1", 1, func() (*PreKeyBundle, error) { return r1.bundle(1) })
	relay.addDevice("r1", 3, func() (*PreKeyBundle, error) { return r1.bundle(3) })
	ts.addContact("r1", 1, 2)
	// device 2 never fetches, it only exists locally
	relay.addDevice("r1", 2, func() (*PreKeyBundle, error) { return r1.bundle(2) })
	relay.queueSubmitErr("r1", &MismatchedDevicesError{MissingDevices: []uint32{3}, ExtraDevices: []uint32{2}})

	conversationID := ts.conversation(ConversationDirect, "r1")
	messageID, err := ts.send(conversationID, []byte("hello"))
	require.NoError(t, err)

	rec, err := ts.sender.Recipient("r1")
	require.NoError(t, err)
	require.ElementsMatch(t, []uint32{1, 3}, rec.Devices)

	// device 2's session is archived
	require.NoError(t, ts.db.Run("check sessions", func() error {
		s, err := ts.sender.db.activeSession("r1", 2)
		require.NoError(t, err)
		require.Nil(t, s)
		s, err = ts.sender.db.activeSession("r1", 3)
		require.NoError(t, err)
		require.NotNil(t, s)
		return nil
	}))

	require.Equal(t, 2, relay.submitCount("r1"))
	devices := []uint32{}
	for _, dm := range relay.lastSubmit("r1") {
		devices = append(devices, dm.DeviceID)
	}
	require.ElementsMatch(t, []uint32{1, 3}, devices)
	require.Equal(t, StatusSent, ts.statuses(messageID)["r1"])
}

func TestStaleDevicesReestablished(t *testing.T) {
	c := testConfig()
	cl := &testClock{}
	relay := newFakeRelay()
	ts := newTestSender(t, c, cl, relay, nil)

	r1 := newTestRecipient(t)
	relay.addDevice("r1", 1, func() (*PreKeyBundle, error) { return r1.bundle(1) })
	ts.addContact("r1", 1)
	relay.queueSubmitErr("r1", &StaleDevicesError{StaleDevices: []uint32{1}})

	conversationID := ts.conversation(ConversationDirect, "r1")
	_, err := ts.send(conversationID, []byte("hello"))
	require.NoError(t, err)

	// the session was rebuilt from a second bundle fetch
	require.Equal(t, 2, relay.fetchCount("r1", 1))
	require.Equal(t, 2, relay.submitCount("r1"))
}

func TestUnsealedRoundTrip(t *testing.T) {
	c := testConfig()
	cl := &testClock{}
	relay := newFakeRelay()
	ts := newTestSender(t, c, cl, relay, nil)

	bob := newTestPeer(t, c, cl, "bob", 1)
	relay.addDevice("bob", 1, bob.bundle)
	ts.addContact("bob", 1)

	conversationID := ts.conversation(ConversationDirect, "bob")
	_, err := ts.send(conversationID, []byte("first"))
	require.NoError(t, err)

	dm := relay.lastSubmit("bob")[0]
	require.Equal(t, uint8(MessageTypePreKey), dm.Type)
	require.Equal(t, []byte("first"), bob.decrypt(dm, "self", 1))

	// later sends no longer carry handshake material
	_, err = ts.send(conversationID, []byte("second"))
	require.NoError(t, err)
	dm = relay.lastSubmit("bob")[0]
	require.Equal(t, []byte("second"), bob.decrypt(dm, "self", 1))
	require.Equal(t, 1, relay.fetchCount("bob", 1))
}

func TestSealedRoundTrip(t *testing.T) {
	c := testConfig()
	cl := &testClock{}
	relay := newFakeRelay()
	trustRootPub, trustRootPriv, err := ed25519.GenerateKey(crypto_rand.Reader)
	require.NoError(t, err)

	ts := newTestSender(t, c, cl, relay, nil)
	certs := ts.certSource(trustRootPriv)
	sender, err := NewSender(c, ts.db, cl, ts.store, relay, relay, relay, certs)
	require.NoError(t, err)
	ts.sender = sender

	bob := newTestPeer(t, c, cl, "bob", 1)
	relay.addDevice("bob", 1, bob.bundle)
	ts.addContact("bob", 1)

	conversationID := ts.conversation(ConversationDirect, "bob")
	_, err = ts.send(conversationID, []byte("sealed hello"))
	require.NoError(t, err)

	require.Equal(t, []bool{true}, relay.sealed["bob"])
	dm := relay.lastSubmit("bob")[0]
	require.Equal(t, uint8(MessageTypeSealed), dm.Type)

	senderID, senderDeviceID, plaintext := bob.openSealed(dm.Content, trustRootPub)
	require.Equal(t, "self", senderID)
	require.Equal(t, uint32(1), senderDeviceID)
	require.Equal(t, []byte("sealed hello"), plaintext)
}

func TestSealedFallsBackToIdentified(t *testing.T) {
	c := testConfig()
	cl := &testClock{}
	relay := newFakeRelay()
	_, trustRootPriv, err := ed25519.GenerateKey(crypto_rand.Reader)
	require.NoError(t, err)

	ts := newTestSender(t, c, cl, relay, nil)
	certs := ts.certSource(trustRootPriv)
	sender, err := NewSender(c, ts.db, cl, ts.store, relay, relay, relay, certs)
	require.NoError(t, err)
	ts.sender = sender

	bob := newTestPeer(t, c, cl, "bob", 1)
	relay.addDevice("bob", 1, bob.bundle)
	ts.addContact("bob", 1)
	relay.queueSubmitErr("bob", &UnauthorizedError{Sealed: true})

	conversationID := ts.conversation(ConversationDirect, "bob")
	messageID, err := ts.send(conversationID, []byte("hello"))
	require.NoError(t, err)

	require.Equal(t, []bool{true, false}, relay.sealed["bob"])
	require.Equal(t, StatusSent, ts.statuses(messageID)["bob"])
	dm := relay.lastSubmit("bob")[0]
	require.NotEqual(t, uint8(MessageTypeSealed), dm.Type)
	require.Equal(t, []byte("hello"), bob.decrypt(dm, "self", 1))
}

func TestSenderKeyFanout(t *testing.T) {
	c := testConfig()
	cl := &testClock{}
	relay := newFakeRelay()
	trustRootPub, trustRootPriv, err := ed25519.GenerateKey(crypto_rand.Reader)
	require.NoError(t, err)

	ts := newTestSender(t, c, cl, relay, nil)
	certs := ts.certSource(trustRootPriv)
	sender, err := NewSender(c, ts.db, cl, ts.store, relay, relay, relay, certs)
	require.NoError(t, err)
	ts.sender = sender

	bob := newTestPeer(t, c, cl, "bob", 1)
	carol := newTestPeer(t, c, cl, "carol", 1)
	relay.addDevice("bob", 1, bob.bundle)
	relay.addDevice("carol", 1, carol.bundle)
	ts.addContact("bob", 1)
	ts.addContact("carol", 1)

	conversationID := ts.conversation(ConversationGroup, "bob", "carol")
	_, err = ts.send(conversationID, []byte("fan out"))
	require.NoError(t, err)

	for _, peer := range []*testPeer{bob, carol} {
		dm := relay.lastSubmit(peer.serviceID)[0]
		require.Equal(t, uint8(MessageTypeSenderKey), dm.Type)
		senderID, _, key := peer.openSealedSenderKey(dm.Content, trustRootPub)
		require.Equal(t, "self", senderID)
		shared := senderKeySharedBody(t, dm.Content)
		plaintext, err := crypto.DecryptWithKey(key, shared, nil)
		require.NoError(t, err)
		require.Equal(t, []byte("fan out"), plaintext)
	}
}

func TestUntrustedIdentitySurfacedAndRemembered(t *testing.T) {
	c := testConfig()
	cl := &testClock{}
	relay := newFakeRelay()
	ts := newTestSender(t, c, cl, relay, nil)

	r1 := newTestRecipient(t)
	relay.addDevice("r1", 1, func() (*PreKeyBundle, error) { return r1.bundle(1) })
	ts.addContact("r1", 1)

	// a different identity key is already on record
	otherPub, _, err := box.GenerateKey(crypto_rand.Reader)
	require.NoError(t, err)
	require.NoError(t, ts.db.Run("seed identity", func() error {
		return ts.sender.db.upsertKnownIdentity(&knownIdentity{ServiceID: "r1", IdentityKey: otherPub[:], Trusted: true})
	}))

	conversationID := ts.conversation(ConversationDirect, "r1")
	_, err = ts.send(conversationID, []byte("hello"))
	var untrusted *UntrustedIdentityError
	require.ErrorAs(t, err, &untrusted)
	require.Equal(t, "r1", untrusted.ServiceID)
	require.Equal(t, 1, relay.fetchCount("r1", 1))

	// the conflicting key is on record, untrusted, ready for re-verification
	var ki *knownIdentity
	require.NoError(t, ts.db.Run("read identity", func() error {
		var err error
		ki, err = ts.sender.db.knownIdentity("r1")
		return err
	}))
	require.NotNil(t, ki)
	require.False(t, ki.Trusted)
	require.Equal(t, r1.identityPub, ki.IdentityKey)

	// remembered, the next send does not refetch
	_, err = ts.send(conversationID, []byte("hello again"))
	require.ErrorAs(t, err, &untrusted)
	require.Equal(t, 1, relay.fetchCount("r1", 1))

	// after re-verification the send goes through
	require.NoError(t, ts.sender.TrustIdentity("r1"))
	_, err = ts.send(conversationID, []byte("trusted now"))
	require.NoError(t, err)
}

func TestInvalidSignatureOccurrences(t *testing.T) {
	c := testConfig()
	cl := &testClock{}
	relay := newFakeRelay()
	ts := newTestSender(t, c, cl, relay, nil)

	r1 := newTestRecipient(t)
	relay.addDevice("r1", 1, func() (*PreKeyBundle, error) {
		b, err := r1.bundle(1)
		if err != nil {
			return nil, err
		}
		b.SignedPreKey.Signature[0] ^= 0xff
		return b, nil
	})
	ts.addContact("r1", 1)

	conversationID := ts.conversation(ConversationDirect, "r1")
	_, err := ts.send(conversationID, []byte("hello"))
	var sig *InvalidSignatureError
	require.ErrorAs(t, err, &sig)
	require.False(t, sig.Terminal())

	_, err = ts.send(conversationID, []byte("hello"))
	require.ErrorAs(t, err, &sig)
	require.Equal(t, 2, relay.fetchCount("r1", 1))

	// terminal now, the third send short-circuits without a fetch
	_, err = ts.send(conversationID, []byte("hello"))
	require.ErrorAs(t, err, &sig)
	require.True(t, sig.Terminal())
	require.Equal(t, 2, relay.fetchCount("r1", 1))
}

func TestSubmitChallengeResolvedAndRetried(t *testing.T) {
	c := testConfig()
	cl := &testClock{}
	relay := newFakeRelay()
	ts := newTestSender(t, c, cl, relay, nil)

	r1 := newTestRecipient(t)
	relay.addDevice("r1", 1, func() (*PreKeyBundle, error) { return r1.bundle(1) })
	ts.addContact("r1", 1)
	relay.queueSubmitErr("r1", &ChallengeRequiredError{Token: "tok"})

	conversationID := ts.conversation(ConversationDirect, "r1")
	messageID, err := ts.send(conversationID, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 1, relay.challenges)
	require.Equal(t, 2, relay.submitCount("r1"))
	require.Equal(t, StatusSent, ts.statuses(messageID)["r1"])
}

func TestSyncTargetsOwnOtherDevices(t *testing.T) {
	c := testConfig()
	cl := &testClock{}
	relay := newFakeRelay()
	ts := newTestSender(t, c, cl, relay, nil)

	other := newTestPeer(t, c, cl, "self", 2)
	relay.addDevice("self", 2, other.bundle)
	ts.addContact("self", 1, 2)

	bob := newTestPeer(t, c, cl, "bob", 1)
	relay.addDevice("bob", 1, bob.bundle)
	ts.addContact("bob", 1)
	conversationID := ts.conversation(ConversationDirect, "bob")

	messageID, err := ts.sender.QueueMessage(conversationID, []byte("sync this"), false, true)
	require.NoError(t, err)
	require.NoError(t, ts.sender.Send(context.Background(), messageID))

	// only the other own device is targeted
	require.Equal(t, 0, relay.submitCount("bob"))
	require.Equal(t, 1, relay.submitCount("self"))
	require.Len(t, relay.lastSubmit("self"), 1)
	require.Equal(t, uint32(2), relay.lastSubmit("self")[0].DeviceID)

	require.NoError(t, ts.db.Run("check synced", func() error {
		msg, err := ts.sender.db.outgoingMessage(messageID[:])
		require.NoError(t, err)
		require.True(t, msg.Synced)
		return nil
	}))
}

func TestEmptyRecipientSetIsVacuouslySuccessful(t *testing.T) {
	c := testConfig()
	cl := &testClock{}
	relay := newFakeRelay()
	ts := newTestSender(t, c, cl, relay, nil)

	conversationID := ts.conversation(ConversationGroup)
	_, err := ts.send(conversationID, []byte("to nobody"))
	require.NoError(t, err)
}

func TestMemberLeavingAfterQueueIsSkipped(t *testing.T) {
	c := testConfig()
	cl := &testClock{}
	relay := newFakeRelay()
	ts := newTestSender(t, c, cl, relay, nil)

	r1 := newTestRecipient(t)
	r2 := newTestRecipient(t)
	relay.addDevice("r1", 1, func() (*PreKeyBundle, error) { return r1.bundle(1) })
	relay.addDevice("r2", 1, func() (*PreKeyBundle, error) { return r2.bundle(1) })
	ts.addContact("r1", 1)
	ts.addContact("r2", 1)

	conversationID := ts.conversation(ConversationGroup, "r1", "r2")
	messageID, err := ts.sender.QueueMessage(conversationID, []byte("hello"), false, false)
	require.NoError(t, err)
	require.NoError(t, ts.sender.RemoveConversationMember(conversationID, "r2"))

	require.NoError(t, ts.sender.Send(context.Background(), messageID))
	statuses := ts.statuses(messageID)
	require.Equal(t, StatusSent, statuses["r1"])
	require.Equal(t, StatusSkipped, statuses["r2"])
	require.Equal(t, 0, relay.submitCount("r2"))
}

func TestPhoneHandleResolvedOnce(t *testing.T) {
	c := testConfig()
	cl := &testClock{}
	relay := newFakeRelay()
	ts := newTestSender(t, c, cl, relay, nil)

	bob := newTestPeer(t, c, cl, "bob", 1)
	relay.addDevice("bob", 1, bob.bundle)
	relay.numbers["+15550100"] = "bob"

	require.NoError(t, ts.sender.UpsertRecipient("tel:+15550100", "+15550100"))
	conversationID := ts.conversation(ConversationDirect, "tel:+15550100")
	require.NoError(t, ts.sender.AddRecipientDevices("bob", []uint32{1}))
	require.NoError(t, ts.sender.UpsertRecipient("bob", "+15550100"))

	messageID, err := ts.send(conversationID, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 1, relay.submitCount("bob"))
	require.Equal(t, StatusSent, ts.statuses(messageID)["bob"])
	// the mapping was already known locally, no directory round needed
	require.Equal(t, 0, relay.lookupCount())
}

func TestPhoneLookupPersistsMapping(t *testing.T) {
	c := testConfig()
	cl := &testClock{}
	relay := newFakeRelay()
	ts := newTestSender(t, c, cl, relay, nil)

	bob := newTestPeer(t, c, cl, "bob", 1)
	relay.addDevice("bob", 1, bob.bundle)
	relay.numbers["+15550100"] = "bob"
	require.NoError(t, ts.sender.AddRecipientDevices("bob", []uint32{1}))

	first := ts.conversation(ConversationDirect, "tel:+15550100")
	messageID, err := ts.send(first, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, StatusSent, ts.statuses(messageID)["bob"])
	require.Equal(t, 1, relay.lookupCount())

	// a later send to the same handle reuses the stored mapping
	second := ts.conversation(ConversationDirect, "tel:+15550100")
	messageID, err = ts.send(second, []byte("again"))
	require.NoError(t, err)
	require.Equal(t, StatusSent, ts.statuses(messageID)["bob"])
	require.Equal(t, 1, relay.lookupCount())
	require.Equal(t, 2, relay.submitCount("bob"))
}

func TestAddDevicesBeforeRecipientKnown(t *testing.T) {
	c := testConfig()
	cl := &testClock{}
	ts := newTestSender(t, c, cl, newFakeRelay(), nil)

	require.NoError(t, ts.sender.AddRecipientDevices("carol", []uint32{2, 1}))
	rec, err := ts.sender.Recipient("carol")
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.True(t, rec.Registered)
	require.Equal(t, []uint32{1, 2}, rec.Devices)
}

func TestCommitFailureSurfaced(t *testing.T) {
	c := testConfig()
	cl := &testClock{}
	ts := newTestSender(t, c, cl, newFakeRelay(), nil)

	// an orphan device row violates the recipients foreign key, which
	// sqlite only reports at commit
	err := ts.db.Run("insert orphan device", func() error {
		return ts.sender.db.upsertRecipientDevice(&recipientDevice{ServiceID: "ghost", DeviceID: 1})
	})
	require.Error(t, err)
	require.NoError(t, ts.db.Run("check orphan device", func() error {
		devices, err := ts.sender.db.recipientDevices("ghost")
		require.NoError(t, err)
		require.Empty(t, devices)
		return nil
	}))
}

func TestSenderKeyDisqualifiedMidSend(t *testing.T) {
	c := testConfig()
	cl := &testClock{}
	relay := newFakeRelay()
	_, trustRootPriv, err := ed25519.GenerateKey(crypto_rand.Reader)
	require.NoError(t, err)

	ts := newTestSender(t, c, cl, relay, nil)
	certs := ts.certSource(trustRootPriv)
	sender, err := NewSender(c, ts.db, cl, ts.store, relay, relay, relay, certs)
	require.NoError(t, err)
	ts.sender = sender

	bob := newTestPeer(t, c, cl, "bob", 1)
	carol := newTestPeer(t, c, cl, "carol", 1)
	relay.addDevice("bob", 1, bob.bundle)
	relay.addDevice("carol", 1, carol.bundle)
	ts.addContact("bob", 1)
	ts.addContact("carol", 1)
	conversationID := ts.conversation(ConversationGroup, "bob", "carol")

	// first fan-out establishes sessions and identities for both
	_, err = ts.send(conversationID, []byte("warm up"))
	require.NoError(t, err)
	require.Equal(t, uint8(MessageTypeSenderKey), relay.lastSubmit("bob")[0].Type)

	// with carol's identity gone, sealing the sender key to her fails and
	// the fan-out is disqualified mid-send
	require.NoError(t, ts.db.Run("drop identity", func() error {
		_, err := ts.db.Tx.Exec("DELETE FROM _known_identities WHERE service_id = $1", "carol")
		return err
	}))
	relay.queueSubmitErr("bob", fmt.Errorf("connection reset"))

	messageID, err := ts.send(conversationID, []byte("no fan out"))
	require.Error(t, err)
	require.Equal(t, StatusSent, ts.statuses(messageID)["bob"])
	require.Equal(t, StatusFailed, ts.statuses(messageID)["carol"])

	// both the disqualifying pass and the retry pass went out pairwise
	require.Equal(t, 3, relay.submitCount("bob"))
	for _, submit := range relay.submits["bob"][1:] {
		require.Equal(t, uint8(MessageTypeSealed), submit[0].Type)
	}
}

func TestExistingSessionUsableDespiteErrorMemory(t *testing.T) {
	c := testConfig()
	cl := &testClock{}
	relay := newFakeRelay()
	ts := newTestSender(t, c, cl, relay, nil)

	// bob initiates, leaving a responder-established session on our side
	bob := newTestPeer(t, c, cl, "bob", 1)
	var ownBundle *PreKeyBundle
	require.NoError(t, ts.db.Run("bundle", func() error {
		var err error
		ownBundle, err = ts.store.GenerateBundle(true, true)
		return err
	}))
	require.NoError(t, bob.db.Run("establish", func() error {
		return bob.store.EstablishSession(ownBundle, "self", 1)
	}))
	var greeting *Ciphertext
	require.NoError(t, bob.db.Run("encrypt", func() error {
		var err error
		greeting, err = bob.store.Encrypt([]byte("hi"), "self", 1)
		return err
	}))
	require.NoError(t, ts.db.Run("decrypt", func() error {
		_, err := ts.store.Decrypt(greeting.Body, "bob", 1)
		return err
	}))

	// stale error memory must not block the established session
	ts.sender.memory.rememberUntrusted("bob")

	ts.addContact("bob", 1)
	conversationID := ts.conversation(ConversationDirect, "bob")
	messageID, err := ts.send(conversationID, []byte("hello back"))
	require.NoError(t, err)
	require.Equal(t, StatusSent, ts.statuses(messageID)["bob"])
	require.Equal(t, 0, relay.fetchCount("bob", 1))
}
