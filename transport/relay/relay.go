// Package relay implements the HTTP client for the message relay, mapping
// relay outcome codes onto the delivery package's error taxonomy.
package relay

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/wrenmsg/go-wren/config"
	"github.com/wrenmsg/go-wren/delivery"
	"go.uber.org/zap"
)

// Client talks to the relay REST API. It implements delivery.Transport,
// delivery.PhoneNumberResolver, delivery.ChallengeResolver and
// delivery.CertificateSource.
type Client struct {
	config     *config.Config
	baseURL    string
	username   string
	password   string
	accessKey  []byte
	httpClient *http.Client
	log        *zap.SugaredLogger
}

func NewClient(c *config.Config, baseURL, username, password string, accessKey []byte) *Client {
	return &Client{
		config:     c,
		baseURL:    baseURL,
		username:   username,
		password:   password,
		accessKey:  accessKey,
		httpClient: &http.Client{},
		log:        c.Logger("transport/relay"),
	}
}

type submitRequest struct {
	Messages  []*delivery.DeviceMessage `json:"messages"`
	Timestamp uint64                    `json:"timestamp,omitempty"`
}

type challengeResponse struct {
	Token string `json:"token"`
}

type lookupRequest struct {
	Numbers []string `json:"numbers"`
}

type lookupResponse struct {
	Mapping map[string]string `json:"mapping"`
}

type certificateResponse struct {
	Certificate *delivery.SenderCertificate `json:"certificate"`
}

type challengeRequest struct {
	Token string `json:"token"`
}

// FetchPreKeyBundle retrieves the prekey bundle for one device.
func (c *Client) FetchPreKeyBundle(ctx context.Context, serviceID string, deviceID uint32) (*delivery.PreKeyBundle, error) {
	url := fmt.Sprintf("%s/v2/keys/%s/%d", c.baseURL, serviceID, deviceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("relay: new request: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("relay: fetch prekey bundle: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("relay: read response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return nil, &delivery.UnauthorizedError{}
	case http.StatusNotFound:
		return nil, &delivery.MissingDeviceError{ServiceID: serviceID, DeviceID: deviceID}
	case http.StatusRequestEntityTooLarge, http.StatusTooManyRequests:
		return nil, &delivery.RateLimitError{RetryAfterMs: retryAfterMs(resp)}
	case http.StatusPreconditionRequired:
		return nil, challengeError(body)
	default:
		return nil, fmt.Errorf("relay: fetch prekey bundle: status %d: %s", resp.StatusCode, body)
	}

	bundle := &delivery.PreKeyBundle{}
	if err := json.Unmarshal(body, bundle); err != nil {
		return nil, fmt.Errorf("relay: unmarshal bundle: %w", err)
	}
	return bundle, nil
}

// Submit transmits one recipient's device messages. Sealed submissions
// authenticate with the unidentified access key instead of credentials.
func (c *Client) Submit(ctx context.Context, serviceID string, messages []*delivery.DeviceMessage, sealed bool) (*delivery.SubmitResult, error) {
	reqBody, err := json.Marshal(&submitRequest{Messages: messages})
	if err != nil {
		return nil, fmt.Errorf("relay: marshal submit request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/messages/%s", c.baseURL, serviceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("relay: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if sealed {
		req.Header.Set("Unidentified-Access-Key", base64.StdEncoding.EncodeToString(c.accessKey))
	} else {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("relay: submit: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("relay: read response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return &delivery.SubmitResult{Unidentified: sealed}, nil
	case http.StatusUnauthorized:
		return nil, &delivery.UnauthorizedError{Sealed: sealed}
	case http.StatusNotFound:
		return nil, &delivery.UnregisteredRecipientError{ServiceID: serviceID}
	case http.StatusConflict:
		e := &delivery.MismatchedDevicesError{}
		if err := json.Unmarshal(body, e); err != nil {
			return nil, fmt.Errorf("relay: unmarshal mismatch response: %w", err)
		}
		return nil, e
	case http.StatusGone:
		e := &delivery.StaleDevicesError{}
		if err := json.Unmarshal(body, e); err != nil {
			return nil, fmt.Errorf("relay: unmarshal stale response: %w", err)
		}
		return nil, e
	case http.StatusRequestEntityTooLarge, http.StatusTooManyRequests:
		return nil, &delivery.RateLimitError{RetryAfterMs: retryAfterMs(resp)}
	case http.StatusPreconditionRequired:
		return nil, challengeError(body)
	default:
		return nil, fmt.Errorf("relay: submit: status %d: %s", resp.StatusCode, body)
	}
}

// Lookup resolves phone numbers to stable service ids. Numbers without an
// account are absent from the returned mapping.
func (c *Client) Lookup(ctx context.Context, numbers []string) (map[string]string, error) {
	reqBody, err := json.Marshal(&lookupRequest{Numbers: numbers})
	if err != nil {
		return nil, fmt.Errorf("relay: marshal lookup request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/v1/directory/lookup", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("relay: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("relay: lookup: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("relay: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("relay: lookup: status %d: %s", resp.StatusCode, body)
	}

	result := &lookupResponse{}
	if err := json.Unmarshal(body, result); err != nil {
		return nil, fmt.Errorf("relay: unmarshal lookup response: %w", err)
	}
	return result.Mapping, nil
}

// Resolve answers a relay spam challenge.
func (c *Client) Resolve(ctx context.Context, token string) error {
	reqBody, err := json.Marshal(&challengeRequest{Token: token})
	if err != nil {
		return fmt.Errorf("relay: marshal challenge request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/v1/challenge", bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("relay: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("relay: challenge: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("relay: challenge: status %d: %s", resp.StatusCode, body)
	}
	return nil
}

// SenderCertificate fetches the certificate for sealed delivery.
func (c *Client) SenderCertificate(ctx context.Context) (*delivery.SenderCertificate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/certificate/delivery", nil)
	if err != nil {
		return nil, fmt.Errorf("relay: new request: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("relay: certificate: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("relay: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("relay: certificate: status %d: %s", resp.StatusCode, body)
	}

	result := &certificateResponse{}
	if err := json.Unmarshal(body, result); err != nil {
		return nil, fmt.Errorf("relay: unmarshal certificate response: %w", err)
	}
	if result.Certificate == nil {
		return nil, fmt.Errorf("relay: empty certificate response")
	}
	return result.Certificate, nil
}

func challengeError(body []byte) error {
	cr := &challengeResponse{}
	if err := json.Unmarshal(body, cr); err != nil {
		return fmt.Errorf("relay: unmarshal challenge response: %w", err)
	}
	return &delivery.ChallengeRequiredError{Token: cr.Token}
}

func retryAfterMs(resp *http.Response) uint64 {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0
	}
	return secs * 1000
}
