package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wrenmsg/go-wren/config"
	"github.com/wrenmsg/go-wren/delivery"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	c := config.NewConfig(config.WithLoggingPrefix("test"))
	return NewClient(c, server.URL, "user", "pass", []byte("0123456789abcdef"))
}

func TestFetchPreKeyBundle(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/keys/bob/1", r.URL.Path)
		username, _, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "user", username)
		require.NoError(t, json.NewEncoder(w).Encode(&delivery.PreKeyBundle{
			RegistrationID: 42,
			DeviceID:       1,
			IdentityKey:    make([]byte, 32),
			SigningKey:     make([]byte, 32),
			SignedPreKey:   &delivery.SignedPreKey{ID: 7, PublicKey: make([]byte, 32)},
		}))
	})

	bundle, err := client.FetchPreKeyBundle(context.Background(), "bob", 1)
	require.NoError(t, err)
	require.Equal(t, uint32(42), bundle.RegistrationID)
	require.Equal(t, uint32(7), bundle.SignedPreKey.ID)
}

func TestFetchPreKeyBundleErrors(t *testing.T) {
	cases := []struct {
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{http.StatusNotFound, "", func(t *testing.T, err error) {
			var missing *delivery.MissingDeviceError
			require.ErrorAs(t, err, &missing)
			require.Equal(t, "bob", missing.ServiceID)
			require.Equal(t, uint32(1), missing.DeviceID)
		}},
		{http.StatusTooManyRequests, "", func(t *testing.T, err error) {
			var rate *delivery.RateLimitError
			require.ErrorAs(t, err, &rate)
		}},
		{http.StatusPreconditionRequired, `{"token":"tok"}`, func(t *testing.T, err error) {
			var challenge *delivery.ChallengeRequiredError
			require.ErrorAs(t, err, &challenge)
			require.Equal(t, "tok", challenge.Token)
		}},
		{http.StatusUnauthorized, "", func(t *testing.T, err error) {
			var unauthorized *delivery.UnauthorizedError
			require.ErrorAs(t, err, &unauthorized)
		}},
	}

	for _, tc := range cases {
		client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, err := w.Write([]byte(tc.body))
			require.NoError(t, err)
		})
		_, err := client.FetchPreKeyBundle(context.Background(), "bob", 1)
		tc.check(t, err)
	}
}

func TestSubmit(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/messages/bob", r.URL.Path)
		req := &submitRequest{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(req))
		require.Len(t, req.Messages, 1)
		require.Equal(t, uint32(1), req.Messages[0].DeviceID)
		w.WriteHeader(http.StatusOK)
	})

	result, err := client.Submit(context.Background(), "bob", []*delivery.DeviceMessage{
		{DeviceID: 1, RegistrationID: 42, Type: 1, Content: []byte("x")},
	}, false)
	require.NoError(t, err)
	require.False(t, result.Unidentified)
}

func TestSubmitSealedUsesAccessKey(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NotEmpty(t, r.Header.Get("Unidentified-Access-Key"))
		_, _, ok := r.BasicAuth()
		require.False(t, ok)
		w.WriteHeader(http.StatusOK)
	})

	result, err := client.Submit(context.Background(), "bob", nil, true)
	require.NoError(t, err)
	require.True(t, result.Unidentified)
}

func TestSubmitErrors(t *testing.T) {
	cases := []struct {
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{http.StatusUnauthorized, "", func(t *testing.T, err error) {
			var unauthorized *delivery.UnauthorizedError
			require.ErrorAs(t, err, &unauthorized)
		}},
		{http.StatusNotFound, "", func(t *testing.T, err error) {
			var unregistered *delivery.UnregisteredRecipientError
			require.ErrorAs(t, err, &unregistered)
			require.Equal(t, "bob", unregistered.ServiceID)
		}},
		{http.StatusConflict, `{"missingDevices":[3],"extraDevices":[2]}`, func(t *testing.T, err error) {
			var mismatched *delivery.MismatchedDevicesError
			require.ErrorAs(t, err, &mismatched)
			require.Equal(t, []uint32{3}, mismatched.MissingDevices)
			require.Equal(t, []uint32{2}, mismatched.ExtraDevices)
		}},
		{http.StatusGone, `{"staleDevices":[1]}`, func(t *testing.T, err error) {
			var stale *delivery.StaleDevicesError
			require.ErrorAs(t, err, &stale)
			require.Equal(t, []uint32{1}, stale.StaleDevices)
		}},
		{http.StatusInternalServerError, "boom", func(t *testing.T, err error) {
			require.Error(t, err)
			require.Contains(t, err.Error(), "status 500")
		}},
	}

	for _, tc := range cases {
		client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, err := w.Write([]byte(tc.body))
			require.NoError(t, err)
		})
		_, err := client.Submit(context.Background(), "bob", nil, false)
		tc.check(t, err)
	}
}

func TestRetryAfterParsing(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.Submit(context.Background(), "bob", nil, false)
	var rate *delivery.RateLimitError
	require.ErrorAs(t, err, &rate)
	require.Equal(t, uint64(30000), rate.RetryAfterMs)
}

func TestLookup(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/directory/lookup", r.URL.Path)
		req := &lookupRequest{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(req))
		require.Equal(t, []string{"+15550100"}, req.Numbers)
		require.NoError(t, json.NewEncoder(w).Encode(&lookupResponse{Mapping: map[string]string{"+15550100": "bob"}}))
	})

	mapping, err := client.Lookup(context.Background(), []string{"+15550100"})
	require.NoError(t, err)
	require.Equal(t, map[string]string{"+15550100": "bob"}, mapping)
}

func TestResolveChallenge(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/challenge", r.URL.Path)
		req := &challengeRequest{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(req))
		require.Equal(t, "tok", req.Token)
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, client.Resolve(context.Background(), "tok"))
}

func TestSenderCertificate(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/certificate/delivery", r.URL.Path)
		require.NoError(t, json.NewEncoder(w).Encode(&certificateResponse{
			Certificate: &delivery.SenderCertificate{SenderID: "self", DeviceID: 1, ExpiresMs: 100},
		}))
	})

	cert, err := client.SenderCertificate(context.Background())
	require.NoError(t, err)
	require.Equal(t, "self", cert.SenderID)
}
