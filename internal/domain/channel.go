package domain

// Channel is a delivery medium. The set is closed.
type Channel string

const (
	ChannelInApp   Channel = "in_app"
	ChannelPush    Channel = "push"
	ChannelEmail   Channel = "email"
	ChannelSMS     Channel = "sms"
	ChannelWebhook Channel = "webhook"
)

// Channels lists every channel in a stable order.
var Channels = []Channel{ChannelInApp, ChannelPush, ChannelEmail, ChannelSMS, ChannelWebhook}

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelInApp, ChannelPush, ChannelEmail, ChannelSMS, ChannelWebhook:
		return true
	}
	return false
}

// Interruptive reports whether the channel reaches the user outside the app
// and is therefore subject to quiet hours and frequency caps.
func (c Channel) Interruptive() bool {
	switch c {
	case ChannelPush, ChannelEmail, ChannelSMS:
		return true
	case ChannelInApp, ChannelWebhook:
		return false
	}
	return false
}
