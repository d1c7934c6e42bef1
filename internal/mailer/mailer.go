// Package mailer dispatches messages through the relay function that fronts
// the SMTP provider. The relay accepts {to, subject, text|html, from} and
// answers {success, error}.
package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/corefit/sessionkit/internal/sessionkit"
)

var (
	errMissingRelayURL = errors.New("mailer.missing_relay_url")
	// ErrRelayRejected indicates the relay answered but reported failure.
	ErrRelayRejected = errors.New("mailer.relay_rejected")
)

// RelayConfig configures a RelayMailer.
type RelayConfig struct {
	RelayURL    string
	FromAddress string
	HTTPClient  *http.Client
	Logger      *zap.Logger
}

// RelayMailer posts messages to the relay function.
type RelayMailer struct {
	relayURL    string
	fromAddress string
	httpClient  *http.Client
	logger      *zap.Logger
}

// NewRelayMailer constructs a mailer after validating its configuration.
func NewRelayMailer(configuration RelayConfig) (*RelayMailer, error) {
	relayURL := strings.TrimSpace(configuration.RelayURL)
	if relayURL == "" {
		return nil, fmt.Errorf("mailer.new: %w", errMissingRelayURL)
	}
	httpClient := configuration.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RelayMailer{
		relayURL:    relayURL,
		fromAddress: configuration.FromAddress,
		httpClient:  httpClient,
		logger:      logger,
	}, nil
}

type relayRequest struct {
	To      string `json:"to"`
	From    string `json:"from,omitempty"`
	Subject string `json:"subject"`
	Text    string `json:"text,omitempty"`
	HTML    string `json:"html,omitempty"`
}

type relayResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// Send posts the message and fails when the relay reports failure.
func (mailer *RelayMailer) Send(ctx context.Context, message sessionkit.MailMessage) error {
	from := message.From
	if from == "" {
		from = mailer.fromAddress
	}
	payload := relayRequest{
		To:      message.To,
		From:    from,
		Subject: message.Subject,
		Text:    message.Text,
		HTML:    message.HTML,
	}
	encoded, encodeErr := json.Marshal(payload)
	if encodeErr != nil {
		return fmt.Errorf("mailer.send.encode: %w", encodeErr)
	}

	request, requestErr := http.NewRequestWithContext(ctx, http.MethodPost, mailer.relayURL, bytes.NewReader(encoded))
	if requestErr != nil {
		return fmt.Errorf("mailer.send.request: %w", requestErr)
	}
	request.Header.Set("Content-Type", "application/json")

	response, doErr := mailer.httpClient.Do(request)
	if doErr != nil {
		return fmt.Errorf("mailer.send: %w", doErr)
	}
	defer func() { _ = response.Body.Close() }()

	var decoded relayResponse
	if decodeErr := json.NewDecoder(response.Body).Decode(&decoded); decodeErr != nil {
		return fmt.Errorf("mailer.send.decode: %w", decodeErr)
	}
	if response.StatusCode >= 400 || !decoded.Success {
		mailer.logger.Warn("relay rejected message",
			zap.String("code", "mailer.relay_rejected"),
			zap.Int("status", response.StatusCode),
			zap.String("relay_error", decoded.Error))
		return fmt.Errorf("mailer.send: %w", ErrRelayRejected)
	}
	return nil
}

// MemoryMailer records messages in memory, for tests and demo runs. Safe for
// concurrent use.
type MemoryMailer struct {
	// FailWith, when set, is returned by Send instead of recording.
	FailWith error

	mutex    sync.Mutex
	messages []sessionkit.MailMessage
}

// NewMemoryMailer creates an empty in-memory mailer.
func NewMemoryMailer() *MemoryMailer {
	return &MemoryMailer{}
}

// Send records the message, or fails when FailWith is set.
func (mailer *MemoryMailer) Send(ctx context.Context, message sessionkit.MailMessage) error {
	if mailer.FailWith != nil {
		return mailer.FailWith
	}
	mailer.mutex.Lock()
	defer mailer.mutex.Unlock()
	mailer.messages = append(mailer.messages, message)
	return nil
}

// Messages returns a copy of the recorded messages.
func (mailer *MemoryMailer) Messages() []sessionkit.MailMessage {
	mailer.mutex.Lock()
	defer mailer.mutex.Unlock()
	return append([]sessionkit.MailMessage(nil), mailer.messages...)
}
