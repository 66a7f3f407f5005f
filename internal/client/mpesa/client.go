package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrGatewayUnavailable возвращается при non-2xx ответе шлюза.
	// Вызывающий может повторить запрос - будет создана новая попытка
	// с новым correlation id
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")

	// ErrInvalidPhone возвращается, когда номер телефона не удаётся
	// привести к международному формату провайдера
	ErrInvalidPhone = errors.New("invalid phone number")
)

// Client - исходящий адаптер платёжного шлюза (STK push)
// Service слой видит только InitiateCharge и доменные ошибки,
// детали протокола провайдера не протекают наружу
type Client struct {
	httpClient  *http.Client
	baseURL     string
	shortCode   string
	passkey     string
	callbackURL string
	logger      *zap.Logger
}

// NewClient создаёт новый клиент платёжного шлюза
func NewClient(baseURL, shortCode, passkey, callbackURL string, logger *zap.Logger) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		baseURL:     baseURL,
		shortCode:   shortCode,
		passkey:     passkey,
		callbackURL: callbackURL,
		logger:      logger,
	}
}

// chargeRequest - тело запроса на списание в формате провайдера
type chargeRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

// chargeResponse - тело ответа шлюза на запрос списания
type chargeResponse struct {
	CheckoutRequestID string `json:"CheckoutRequestID"`
	ResponseCode      string `json:"ResponseCode"`
	ResponseDesc      string `json:"ResponseDescription"`
}

// InitiateCharge отправляет запрос на списание и возвращает correlation id,
// по которому позже будет сопоставлен асинхронный callback шлюза
func (c *Client) InitiateCharge(ctx context.Context, phone string, amount int64, orderNumber string) (string, error) {
	msisdn, err := NormalizePhone(phone)
	if err != nil {
		return "", err
	}

	// Подпись привязана ко времени, поэтому вычисляется заново
	// на каждый вызов и никогда не кэшируется
	timestamp := time.Now().UTC().Format("20060102150405")
	password := signPassword(c.shortCode, c.passkey, timestamp)

	reqBody := chargeRequest{
		BusinessShortCode: c.shortCode,
		Password:          password,
		Timestamp:         timestamp,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            amount,
		PartyA:            msisdn,
		PartyB:            c.shortCode,
		PhoneNumber:       msisdn,
		CallBackURL:       c.callbackURL,
		AccountReference:  orderNumber,
		TransactionDesc:   fmt.Sprintf("Order %s", orderNumber),
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/mpesa/stkpush/v1/processrequest", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("gateway request failed",
			zap.Error(err),
			zap.String("order_number", orderNumber),
		)
		return "", fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("gateway rejected charge request",
			zap.Int("status", resp.StatusCode),
			zap.String("order_number", orderNumber),
		)
		return "", fmt.Errorf("%w: status %d", ErrGatewayUnavailable, resp.StatusCode)
	}

	var chargeResp chargeResponse
	if err := json.NewDecoder(resp.Body).Decode(&chargeResp); err != nil {
		return "", fmt.Errorf("%w: bad response body: %v", ErrGatewayUnavailable, err)
	}
	if chargeResp.CheckoutRequestID == "" {
		return "", fmt.Errorf("%w: empty correlation id in response", ErrGatewayUnavailable)
	}

	c.logger.Info("charge initiated",
		zap.String("order_number", orderNumber),
		zap.String("correlation_id", chargeResp.CheckoutRequestID),
		zap.Int64("amount", amount),
	)

	return chargeResp.CheckoutRequestID, nil
}

// signPassword вычисляет time-bound подпись запроса:
// base64(shortCode + passkey + timestamp)
func signPassword(shortCode, passkey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortCode + passkey + timestamp))
}

// NormalizePhone приводит номер к международному формату провайдера (254XXXXXXXXX)
// Принимает варианты 07..., +2547..., 2547..., 7... с пробелами и дефисами
func NormalizePhone(phone string) (string, error) {
	cleaned := strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' {
			return -1
		}
		return r
	}, strings.TrimSpace(phone))

	cleaned = strings.TrimPrefix(cleaned, "+")

	switch {
	case strings.HasPrefix(cleaned, "254"):
		// уже международный формат
	case strings.HasPrefix(cleaned, "0"):
		cleaned = "254" + cleaned[1:]
	case strings.HasPrefix(cleaned, "7") || strings.HasPrefix(cleaned, "1"):
		cleaned = "254" + cleaned
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPhone, phone)
	}

	if len(cleaned) != 12 {
		return "", fmt.Errorf("%w: %q", ErrInvalidPhone, phone)
	}
	for _, r := range cleaned {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("%w: %q", ErrInvalidPhone, phone)
		}
	}

	return cleaned, nil
}

// MaskPhone маскирует середину номера для хранения и логов: 2547****8901
func MaskPhone(phone string) string {
	if len(phone) < 9 {
		return "****"
	}
	return phone[:4] + "****" + phone[len(phone)-4:]
}
