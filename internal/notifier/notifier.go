// Package notifier implements the Telegram-bot-shaped outbound alert
// contract. Only the send side lives here; webhook receipt is an external
// collaborator's job, so this package stops at producing a signed callback
// id that handler can verify.
//
// Callback ids (e.g. "create_sl_tp" for BTC_USDT) are signed as JWT tokens
// so a party that only has network access to the bot's webhook endpoint
// can't forge a button click for a symbol/action it was never offered.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"cryptosentinel/internal/logger"
)

// Button is one inline keyboard button attached to an alert message.
type Button struct {
	Label    string // e.g. "Create SL/TP"
	Action   string // e.g. "create_sl_tp", "create_sl", "create_tp", "skip_sl_tp"
	CallbackID string // signed token carrying Action + Symbol, set by Sign
}

// Notifier is the outbound alert contract every component depends on.
type Notifier interface {
	SendMessage(ctx context.Context, text string, buttons []Button, symbol string) error
}

// callbackClaims is the JWT payload embedded in a Button's CallbackID.
type callbackClaims struct {
	Action string `json:"action"`
	Symbol string `json:"symbol"`
	jwt.RegisteredClaims
}

// Signer signs and verifies callback ids with a single HMAC secret, shared
// between the process that sends alerts and the callback handler
// (sltpchecker.Checker.HandleCallback) that verifies button clicks.
type Signer struct {
	secret []byte
	ttl    time.Duration
}

// NewSigner builds a Signer. ttl bounds how long a button stays clickable;
// callback ids do not need to survive restarts.
func NewSigner(secret string, ttl time.Duration) *Signer {
	return &Signer{secret: []byte(secret), ttl: ttl}
}

// Sign produces a callback id embedding action+symbol, expiring after ttl.
func (s *Signer) Sign(action, symbol string) (string, error) {
	claims := callbackClaims{
		Action: action,
		Symbol: symbol,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verify recovers the action/symbol pair from a callback id, rejecting
// anything not signed by this Signer or that has expired.
func (s *Signer) Verify(callbackID string) (action, symbol string, err error) {
	claims := &callbackClaims{}
	_, err = jwt.ParseWithClaims(callbackID, claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return "", "", err
	}
	return claims.Action, claims.Symbol, nil
}

// SignButtons returns a copy of buttons with a CallbackID attached to each;
// the input slice is left unchanged.
func (s *Signer) SignButtons(symbol string, buttons []Button) ([]Button, error) {
	out := make([]Button, len(buttons))
	for i, b := range buttons {
		id, err := s.Sign(b.Action, symbol)
		if err != nil {
			return nil, fmt.Errorf("sign callback for %s/%s: %w", symbol, b.Action, err)
		}
		b.CallbackID = id
		out[i] = b
	}
	return out, nil
}

// TelegramNotifier sends alert messages through the Telegram Bot API's
// sendMessage endpoint with an inline keyboard, the wire shape the Python
// original's alerting used.
type TelegramNotifier struct {
	botToken string
	chatID   string
	signer   *Signer
	client   *http.Client
}

// NewTelegramNotifier builds a Notifier backed by the Telegram Bot API.
func NewTelegramNotifier(botToken, chatID string, signer *Signer) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		signer:   signer,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

type inlineKeyboardButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

type sendMessageRequest struct {
	ChatID      string `json:"chat_id"`
	Text        string `json:"text"`
	ReplyMarkup *struct {
		InlineKeyboard [][]inlineKeyboardButton `json:"inline_keyboard"`
	} `json:"reply_markup,omitempty"`
}

// SendMessage posts text with buttons rendered as a single-row inline
// keyboard to the configured Telegram chat.
func (t *TelegramNotifier) SendMessage(ctx context.Context, text string, buttons []Button, symbol string) error {
	signed, err := t.signer.SignButtons(symbol, buttons)
	if err != nil {
		return err
	}

	req := sendMessageRequest{ChatID: t.chatID, Text: text}
	if len(signed) > 0 {
		row := make([]inlineKeyboardButton, 0, len(signed))
		for _, b := range signed {
			row = append(row, inlineKeyboardButton{Text: b.Label, CallbackData: b.CallbackID})
		}
		req.ReplyMarkup = &struct {
			InlineKeyboard [][]inlineKeyboardButton `json:"inline_keyboard"`
		}{InlineKeyboard: [][]inlineKeyboardButton{row}}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal telegram request: %w", err)
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("telegram sendMessage: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("telegram sendMessage: status %d", resp.StatusCode)
	}
	return nil
}

// NoopNotifier logs alerts instead of sending them; used when no Telegram
// bot token is configured so the control plane can still run (dry-run
// deployments, local development).
type NoopNotifier struct{}

func (NoopNotifier) SendMessage(_ context.Context, text string, buttons []Button, symbol string) error {
	logger.Infof("notifier(noop): [%s] %s (%d buttons)", symbol, text, len(buttons))
	return nil
}
