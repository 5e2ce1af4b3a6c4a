package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"unicode/utf8"

	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioapi "github.com/twilio/twilio-go/rest/api/v2010"

	"cardpilot.io/notifier/internal/domain"
	"cardpilot.io/notifier/internal/repository"
)

// maxSMSLength keeps a message within ten concatenated segments.
const maxSMSLength = 1530

// ProviderError is a rejection reported by an external provider with an
// HTTP-like status.
type ProviderError struct {
	Status int
	Err    error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider status %d: %v", e.Status, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Permanent reports whether retrying cannot succeed.
func (e *ProviderError) Permanent() bool {
	return permanentStatus(e.Status)
}

func permanentStatus(status int) bool {
	if status == http.StatusRequestTimeout || status == http.StatusTooManyRequests {
		return false
	}
	return status >= 400 && status < 500
}

// SMSSender sends one text message.
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

// SMS renders and sends notifications as text messages.
type SMS struct {
	contacts  repository.ContactStore
	templates *Templates
	sender    SMSSender
}

// NewSMS creates the SMS adapter.
func NewSMS(contacts repository.ContactStore, templates *Templates, sender SMSSender) *SMS {
	return &SMS{contacts: contacts, templates: templates, sender: sender}
}

func (a *SMS) Deliver(ctx context.Context, entry *domain.DeliveryEntry, n *domain.Notification) Result {
	contacts, res := lookupContacts(ctx, a.contacts, n.UserID)
	if res != nil {
		return *res
	}
	if contacts.Phone == "" {
		return Permanent("no phone number")
	}
	if !domain.ValidE164(contacts.Phone) {
		return Permanent("phone number %q is not E.164", contacts.Phone)
	}

	msg, err := a.templates.Render(n, domain.ChannelSMS)
	if err != nil {
		return Permanent("%v", err)
	}
	body := truncateRunes(msg.Body, maxSMSLength)

	if err := a.sender.SendSMS(ctx, contacts.Phone, body); err != nil {
		var pe *ProviderError
		if errors.As(err, &pe) && pe.Permanent() {
			return Permanent("sms rejected: %v", err)
		}
		return Transient("sms: %v", err)
	}
	return Delivered()
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}

// TwilioSender sends through the Twilio Messages API.
type TwilioSender struct {
	client *twilio.RestClient
	from   string
}

// NewTwilioSender creates a sender for the given account.
func NewTwilioSender(accountSID, authToken, from string) *TwilioSender {
	return &TwilioSender{
		client: twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: accountSID,
			Password: authToken,
		}),
		from: from,
	}
}

// SendSMS does not observe ctx; the dispatcher bounds the call.
func (s *TwilioSender) SendSMS(_ context.Context, to, body string) error {
	params := &twilioapi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(s.from)
	params.SetBody(body)

	_, err := s.client.Api.CreateMessage(params)
	if err == nil {
		return nil
	}
	var restErr *twilioclient.TwilioRestError
	if errors.As(err, &restErr) {
		return &ProviderError{Status: restErr.Status, Err: err}
	}
	return err
}
