package delivery

import "context"

// DeviceMessage envelope types. Sealed and unsealed types are mutually
// exclusive, checked before submission.
const (
	MessageTypeSession   = 1
	MessageTypePreKey    = 3
	MessageTypeSealed    = 6
	MessageTypeSenderKey = 7
)

// DeviceMessage is a transmission-ready ciphertext for one device. Built,
// transmitted, discarded.
type DeviceMessage struct {
	DeviceID       uint32 `json:"destinationDeviceId"`
	RegistrationID uint32 `json:"destinationRegistrationId"`
	Type           uint8  `json:"type"`
	Content        []byte `json:"content"`
}

// SubmitResult is the relay's answer to a per-recipient submission.
type SubmitResult struct {
	Unidentified bool
}

// Transport is the relay client. Implementations translate relay outcome
// codes into the typed errors of this package: a prekey fetch 404 becomes
// *MissingDeviceError, 413/429 *RateLimitError, 428 *ChallengeRequiredError;
// a submit 401 becomes *UnauthorizedError, 404 *UnregisteredRecipientError,
// 409 *MismatchedDevicesError, 410 *StaleDevicesError. Anything else is
// treated as transient.
type Transport interface {
	FetchPreKeyBundle(ctx context.Context, serviceID string, deviceID uint32) (*PreKeyBundle, error)
	Submit(ctx context.Context, serviceID string, messages []*DeviceMessage, sealed bool) (*SubmitResult, error)
}

// PhoneNumberResolver maps phone-number handles to stable service ids.
// Numbers with no account are absent from the returned mapping.
type PhoneNumberResolver interface {
	Lookup(ctx context.Context, numbers []string) (map[string]string, error)
}

// ChallengeResolver attempts silent resolution of a relay spam challenge.
type ChallengeResolver interface {
	Resolve(ctx context.Context, token string) error
}

// CertificateSource supplies the sender certificate for sealed delivery.
// A nil certificate means sealed delivery is unavailable.
type CertificateSource interface {
	SenderCertificate(ctx context.Context) (*SenderCertificate, error)
}

// Ciphertext is the output of the crypto store for one device.
type Ciphertext struct {
	Type uint8
	Body []byte
}

// CryptoStore is the trusted cryptographic session library. All methods are
// called inside a durable-store write transaction; session state never
// escapes it.
type CryptoStore interface {
	HasValidSession(serviceID string, deviceID uint32) (bool, error)
	EstablishSession(bundle *PreKeyBundle, serviceID string, deviceID uint32) error
	ArchiveSession(serviceID string, deviceID uint32) error
	Encrypt(plaintext []byte, serviceID string, deviceID uint32) (*Ciphertext, error)
	EncryptSealed(plaintext []byte, serviceID string, deviceID uint32, cert *SenderCertificate, groupContext []byte) (*Ciphertext, error)
}
