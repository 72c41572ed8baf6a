// Package channel defines the messaging-side contract the bridge consumes:
// a normalized inbound message shape, an outbound sender, and a message
// source that feeds the bridge.
package channel

import "context"

// Message kinds as delivered by the messaging platform.
const (
	KindText    = "text"
	KindImage   = "image"
	KindFile    = "file"
	KindVoice   = "voice"
	KindVideo   = "video"
	KindEvent   = "event"
	KindUnknown = "unknown"
)

// Event types delivered with KindEvent messages.
const (
	// EventEnterSession fires when a user opens the support session.
	EventEnterSession = "enter_session"
	// EventMsgSendFail fires when a previous reply could not be delivered.
	EventMsgSendFail = "msg_send_fail"
)

// Message is one normalized inbound message from the channel.
type Message struct {
	Kind        string
	AgentKfID   string
	UserID      string
	Text        string
	MediaID     string
	EventType   string
	WelcomeCode string
}

// Channel sends replies and moves media on the messaging platform.
type Channel interface {
	SendText(ctx context.Context, kfID, userID, text string) error
	SendImage(ctx context.Context, kfID, userID, mediaID string) error
	SendWelcome(ctx context.Context, welcomeCode, text string) error
	// DownloadMedia fetches raw media bytes by platform media id.
	DownloadMedia(ctx context.Context, mediaID string) (contentType string, data []byte, err error)
	// TransferMedia re-uploads an external URL to the platform and returns
	// the resulting media id.
	TransferMedia(ctx context.Context, mediaURL string) (mediaID string, err error)
}

// Source produces inbound messages until stopped.
type Source interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Recv() <-chan Message
}
