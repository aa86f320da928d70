package integration

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Edwinexd/vival/pkg/utils"
)

var (
	ErrMissingSignature = errors.New("missing webhook signature")
	ErrBadSignature     = errors.New("webhook signature mismatch")
	ErrStaleSignature   = errors.New("webhook timestamp outside tolerance")
)

const (
	WebhookEventSessionStarted = "session.started"
	WebhookEventSessionEnded   = "session.ended"
)

// WebhookEvent is the voice provider's session lifecycle notification.
type WebhookEvent struct {
	Type string           `json:"type"`
	Data WebhookEventData `json:"data"`
}

type WebhookEventData struct {
	ConversationID   string `json:"conversation_id"`
	SessionID        string `json:"session_id,omitempty"`
	Status           string `json:"status,omitempty"`
	CallDurationSecs int    `json:"call_duration_secs,omitempty"`
}

// WebhookVerifier checks headers of the form "t=<unix>,v0=<hex>" where the
// digest is HMAC-SHA256 over "<t>.<body>".
type WebhookVerifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

func NewWebhookVerifier(secret string, tolerance time.Duration) *WebhookVerifier {
	return &WebhookVerifier{
		secret:    []byte(secret),
		tolerance: tolerance,
		now:       time.Now,
	}
}

func (v *WebhookVerifier) WithClock(now func() time.Time) *WebhookVerifier {
	v.now = now
	return v
}

// Sign produces a header value for body at t. Used by tests and local tooling.
func (v *WebhookVerifier) Sign(body []byte, t time.Time) string {
	ts := strconv.FormatInt(t.Unix(), 10)
	return "t=" + ts + ",v0=" + utils.HMACSHA256Hex(v.secret, []byte(ts+"."+string(body)))
}

func (v *WebhookVerifier) Verify(header string, body []byte) error {
	if header == "" {
		return ErrMissingSignature
	}

	var ts string
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = val
		case "v0":
			sigs = append(sigs, val)
		}
	}
	if ts == "" || len(sigs) == 0 {
		return ErrMissingSignature
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrBadSignature)
	}
	if v.tolerance > 0 {
		age := v.now().Sub(time.Unix(unix, 0))
		if age > v.tolerance || age < -v.tolerance {
			return ErrStaleSignature
		}
	}

	expected := utils.HMACSHA256Hex(v.secret, []byte(ts+"."+string(body)))
	for _, sig := range sigs {
		if utils.EqualHex(expected, sig) {
			return nil
		}
	}
	return ErrBadSignature
}

func ParseWebhookEvent(body []byte) (*WebhookEvent, error) {
	var ev WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("decode webhook event: %w", err)
	}
	if ev.Type == "" {
		return nil, errors.New("webhook event has no type")
	}
	return &ev, nil
}
