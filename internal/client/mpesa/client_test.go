package mpesa

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNormalizePhone(t *testing.T) {
	t.Run("accepts known national and international variants", func(t *testing.T) {
		cases := []struct {
			input string
			want  string
		}{
			{"0712345678", "254712345678"},
			{"+254712345678", "254712345678"},
			{"254712345678", "254712345678"},
			{"712345678", "254712345678"},
			{"0110123456", "254110123456"},
			{"07 1234 5678", "254712345678"},
			{"071-234-5678", "254712345678"},
		}
		for _, tc := range cases {
			got, err := NormalizePhone(tc.input)
			require.NoError(t, err, "input %q", tc.input)
			require.Equal(t, tc.want, got, "input %q", tc.input)
		}
	})

	t.Run("rejects malformed numbers", func(t *testing.T) {
		for _, input := range []string{
			"",
			"12345",
			"0712",
			"07123456789012",
			"071234567a",
			"+441234567890",
		} {
			_, err := NormalizePhone(input)
			require.ErrorIs(t, err, ErrInvalidPhone, "input %q", input)
		}
	})
}

func TestMaskPhone(t *testing.T) {
	require.Equal(t, "2547****5678", MaskPhone("254712345678"))
	require.Equal(t, "****", MaskPhone("0712"))
	require.Equal(t, "****", MaskPhone(""))
}

func TestClient_InitiateCharge(t *testing.T) {
	ctx := context.Background()

	t.Run("sends signed request and returns correlation id", func(t *testing.T) {
		// Arrange
		var captured chargeRequest
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/mpesa/stkpush/v1/processrequest", r.URL.Path)
			require.Equal(t, "application/json", r.Header.Get("Content-Type"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"CheckoutRequestID": "ws_CO_42", "ResponseCode": "0", "ResponseDescription": "Success"}`))
		}))
		defer server.Close()

		client := NewClient(server.URL, "174379", "test-passkey", "https://example.com/callback", zap.NewNop())

		// Act
		correlationID, err := client.InitiateCharge(ctx, "0712345678", 1500, "ord-1")

		// Assert
		require.NoError(t, err)
		require.Equal(t, "ws_CO_42", correlationID)

		require.Equal(t, "174379", captured.BusinessShortCode)
		require.Equal(t, "254712345678", captured.PartyA)
		require.Equal(t, "254712345678", captured.PhoneNumber)
		require.Equal(t, int64(1500), captured.Amount)
		require.Equal(t, "ord-1", captured.AccountReference)
		require.Equal(t, "https://example.com/callback", captured.CallBackURL)

		// Подпись - base64(shortCode + passkey + timestamp)
		decoded, err := base64.StdEncoding.DecodeString(captured.Password)
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(string(decoded), "174379test-passkey"))
		require.Equal(t, string(decoded), "174379test-passkey"+captured.Timestamp)
	})

	t.Run("invalid phone fails before any network call", func(t *testing.T) {
		// Arrange
		called := false
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
		}))
		defer server.Close()

		client := NewClient(server.URL, "174379", "test-passkey", "https://example.com/callback", zap.NewNop())

		// Act
		_, err := client.InitiateCharge(ctx, "not-a-phone", 100, "ord-2")

		// Assert
		require.ErrorIs(t, err, ErrInvalidPhone)
		require.False(t, called)
	})

	t.Run("gateway error status maps to ErrGatewayUnavailable", func(t *testing.T) {
		// Arrange
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer server.Close()

		client := NewClient(server.URL, "174379", "test-passkey", "https://example.com/callback", zap.NewNop())

		// Act
		_, err := client.InitiateCharge(ctx, "0712345678", 100, "ord-3")

		// Assert
		require.ErrorIs(t, err, ErrGatewayUnavailable)
	})

	t.Run("response without correlation id maps to ErrGatewayUnavailable", func(t *testing.T) {
		// Arrange
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"ResponseCode": "0", "ResponseDescription": "Success"}`))
		}))
		defer server.Close()

		client := NewClient(server.URL, "174379", "test-passkey", "https://example.com/callback", zap.NewNop())

		// Act
		_, err := client.InitiateCharge(ctx, "0712345678", 100, "ord-4")

		// Assert
		require.ErrorIs(t, err, ErrGatewayUnavailable)
	})

	t.Run("unreachable gateway maps to ErrGatewayUnavailable", func(t *testing.T) {
		// Arrange: закрытый сервер гарантирует ошибку соединения
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		server.Close()

		client := NewClient(server.URL, "174379", "test-passkey", "https://example.com/callback", zap.NewNop())

		// Act
		_, err := client.InitiateCharge(ctx, "0712345678", 100, "ord-5")

		// Assert
		require.ErrorIs(t, err, ErrGatewayUnavailable)
	})
}
