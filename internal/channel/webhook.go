package channel

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/crypto/hkdf"

	"cardpilot.io/notifier/internal/domain"
	"cardpilot.io/notifier/internal/repository"
)

// Webhook request headers.
const (
	HeaderSignature = "X-CardPilot-Signature"
	HeaderTimestamp = "X-CardPilot-Timestamp"
)

// Signer derives per-user webhook keys from a master secret.
type Signer struct {
	master []byte
}

// NewSigner creates a signer keyed by master.
func NewSigner(master string) *Signer {
	return &Signer{master: []byte(master)}
}

// UserKey returns the 32-byte signing key of a user. Users can fetch it to
// verify deliveries.
func (s *Signer) UserKey(userID string) []byte {
	r := hkdf.New(sha256.New, s.master, nil, []byte("webhook:"+userID))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		// hkdf only fails after 255 blocks of output
		panic(err)
	}
	return key
}

// Sign returns the signature header value over "timestamp.body".
func (s *Signer) Sign(userID string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, s.UserKey(userID))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header value in constant time.
func (s *Signer) Verify(userID string, timestamp int64, body []byte, signature string) bool {
	return hmac.Equal([]byte(s.Sign(userID, timestamp, body)), []byte(signature))
}

// WebhookPayload is the JSON body posted to user endpoints.
type WebhookPayload struct {
	Event        string               `json:"event"`
	EntryID      string               `json:"entry_id"`
	Attempt      int                  `json:"attempt"`
	Notification *domain.Notification `json:"notification"`
}

// Webhook posts signed notifications to user-registered URLs.
type Webhook struct {
	contacts repository.ContactStore
	signer   *Signer
	client   *http.Client
	now      func() time.Time
}

// NewWebhook creates the webhook adapter. Redirects are not followed.
func NewWebhook(contacts repository.ContactStore, signer *Signer, timeout time.Duration) *Webhook {
	return &Webhook{
		contacts: contacts,
		signer:   signer,
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		now: time.Now,
	}
}

func (a *Webhook) Deliver(ctx context.Context, entry *domain.DeliveryEntry, n *domain.Notification) Result {
	contacts, res := lookupContacts(ctx, a.contacts, n.UserID)
	if res != nil {
		return *res
	}
	target, err := validateWebhookURL(contacts.WebhookURL)
	if err != nil {
		return Permanent("%v", err)
	}

	body, err := json.Marshal(WebhookPayload{
		Event:        "notification",
		EntryID:      entry.ID,
		Attempt:      entry.Attempts + 1,
		Notification: n,
	})
	if err != nil {
		return Permanent("encode webhook body: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return Permanent("build webhook request: %v", err)
	}
	ts := a.now().Unix()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "CardPilot-Notifier/1.0")
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderSignature, a.signer.Sign(n.UserID, ts, body))

	resp, err := a.client.Do(req)
	if err != nil {
		return Transient("webhook: %v", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return Delivered()
	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		return Permanent("webhook redirected with status %d", resp.StatusCode)
	case permanentStatus(resp.StatusCode):
		return Permanent("webhook rejected with status %d", resp.StatusCode)
	default:
		return Transient("webhook returned status %d", resp.StatusCode)
	}
}

func validateWebhookURL(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("no webhook url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid webhook url: %w", err)
	}
	if (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return "", fmt.Errorf("invalid webhook url %q", raw)
	}
	return u.String(), nil
}
