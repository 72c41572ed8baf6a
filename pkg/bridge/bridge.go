// Package bridge connects a messaging channel to the assistant completion
// client: it classifies inbound messages, stages media until the next text
// turn, runs batch completions, and delivers the rendered reply back through
// the channel.
package bridge

import (
	"context"
	"encoding/base64"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/kefubridge/pkg/channel"
	"github.com/harunnryd/kefubridge/pkg/completion"
	"github.com/harunnryd/kefubridge/pkg/errorsx"
	"github.com/harunnryd/kefubridge/pkg/glm"
	"github.com/harunnryd/kefubridge/pkg/metrics"
	"github.com/harunnryd/kefubridge/pkg/store"
)

// Canned user-facing replies.
const (
	ResetCommand     = "#清空"
	ResetReply       = "已经清空对话~"
	MediaAckReply    = "收到！需要我做些什么呢？"
	UnsupportedReply = "咱们换个话题聊聊吧！"
	FailureReply     = "哎呀，发生了点意外，请稍候重试T^T"
	OfflineReply     = "抱歉，智能体当前已下线，暂时无法为您提供服务T^T"
)

// Agent binds one channel service account to one remote assistant.
type Agent struct {
	ID        string
	Name      string
	OpenKfID  string
	APIKey    string
	Welcome   string
	MaxRounds int
	Enabled   bool
}

// Completer is the batch side of the completion client.
type Completer interface {
	CreateCompletion(ctx context.Context, assistantID string, messages []glm.Message, apiKey, refConvID string) (*completion.Envelope, error)
}

// Bridge routes inbound channel messages to the assistant and replies.
type Bridge struct {
	channel   channel.Channel
	completer Completer
	convs     *store.ConversationStore
	media     *store.MediaStagingStore
	history   *store.HistoryStore
	agents    map[string]Agent
	logger    *slog.Logger
	observer  metrics.Observer
}

func New(ch channel.Channel, completer Completer, agents []Agent, logger *slog.Logger, observer metrics.Observer) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	if observer == nil {
		observer = metrics.NoopObserver{}
	}
	byKfID := make(map[string]Agent, len(agents))
	for _, agent := range agents {
		byKfID[agent.OpenKfID] = agent
	}
	return &Bridge{
		channel:   ch,
		completer: completer,
		convs:     store.NewConversationStore(),
		media:     store.NewMediaStagingStore(),
		history:   store.NewHistoryStore(),
		agents:    byKfID,
		logger:    logger,
		observer:  observer,
	}
}

// HandleMessage is the top-level boundary for one inbound message: every
// failure is resolved into a canned reply here, never propagated.
func (b *Bridge) HandleMessage(ctx context.Context, msg channel.Message) {
	agent, ok := b.agents[msg.AgentKfID]
	if !ok {
		b.logger.Warn("message for unknown service account", "open_kfid", msg.AgentKfID)
		return
	}
	logger := b.logger.With("agent", agent.ID, "user", msg.UserID, "kind", msg.Kind)

	if msg.Kind == channel.KindEvent {
		b.handleEvent(ctx, agent, msg, logger)
		return
	}
	if !agent.Enabled {
		b.reply(ctx, agent, msg.UserID, OfflineReply, logger)
		return
	}

	switch msg.Kind {
	case channel.KindText:
		if err := b.handleText(ctx, agent, msg.UserID, msg.Text, logger); err != nil {
			logger.Error("text turn failed", "error", err)
			b.reply(ctx, agent, msg.UserID, replyForError(err), logger)
		}
	case channel.KindImage, channel.KindFile:
		b.stageMedia(ctx, agent, msg, logger)
	default:
		b.reply(ctx, agent, msg.UserID, UnsupportedReply, logger)
	}
}

func (b *Bridge) handleEvent(ctx context.Context, agent Agent, msg channel.Message, logger *slog.Logger) {
	if msg.EventType == channel.EventMsgSendFail {
		b.reply(ctx, agent, msg.UserID, UnsupportedReply, logger)
		return
	}
	if msg.EventType != channel.EventEnterSession || msg.WelcomeCode == "" {
		return
	}
	welcome := agent.Welcome
	if !agent.Enabled {
		welcome = OfflineReply
	}
	if welcome == "" {
		return
	}
	if err := b.channel.SendWelcome(ctx, msg.WelcomeCode, welcome); err != nil {
		logger.Error("welcome send failed", "error", err)
	}
}

// stageMedia starts the download immediately and acknowledges; the bytes are
// consumed by the user's next text turn.
func (b *Bridge) stageMedia(ctx context.Context, agent Agent, msg channel.Message, logger *slog.Logger) {
	mediaID := msg.MediaID
	pending := store.NewPendingMedia(msg.Kind, func() (string, []byte, error) {
		return b.channel.DownloadMedia(context.WithoutCancel(ctx), mediaID)
	})
	b.media.Stage(pending, agent.ID, msg.UserID)
	b.reply(ctx, agent, msg.UserID, MediaAckReply, logger)
}

func (b *Bridge) handleText(ctx context.Context, agent Agent, userID, text string, logger *slog.Logger) error {
	if strings.Contains(text, ResetCommand) {
		b.convs.Clear(agent.ID, userID)
		b.media.Clear(agent.ID, userID)
		b.history.Clear(agent.ID, userID)
		b.reply(ctx, agent, userID, ResetReply, logger)
		return nil
	}

	latest, err := b.buildLatestMessage(ctx, agent, userID, text)
	if err != nil {
		return err
	}

	refConvID, _ := b.convs.Latest(agent.ID, userID, agent.MaxRounds)
	messages := b.assembleMessages(agent, userID, latest, refConvID)
	b.history.Append(store.HistoryEntry{Role: "user", Content: text}, agent.ID, userID)

	started := time.Now()
	env, err := b.completer.CreateCompletion(ctx, agent.ID, messages, agent.APIKey, refConvID)
	if err != nil {
		return err
	}
	b.observer.RecordEvent(metrics.MetricsEvent{
		Name:  "bridge_handle_ms",
		Time:  time.Now(),
		Value: float64(time.Since(started).Milliseconds()),
		Tags:  map[string]string{"agent": agent.ID},
	})

	if env.ID != "" {
		b.convs.RecordReply(env.ID, agent.ID, userID)
	}
	reply := env.Text()
	if strings.TrimSpace(reply) == "" {
		reply = UnsupportedReply
	}
	b.history.Append(store.HistoryEntry{Role: "assistant", Content: reply}, agent.ID, userID)
	b.deliver(ctx, agent, userID, reply, logger)
	return nil
}

// buildLatestMessage drains staged media into data URI parts attached to the
// text turn.
func (b *Bridge) buildLatestMessage(ctx context.Context, agent Agent, userID, text string) (glm.Message, error) {
	pending := b.media.DrainAll(agent.ID, userID)
	if len(pending) == 0 {
		return glm.Message{Role: "user", Content: text}, nil
	}
	msg := glm.Message{Role: "user"}
	for _, media := range pending {
		res, err := media.Await(ctx)
		if err != nil {
			return glm.Message{}, errorsx.Wrap(err, errorsx.ReasonFileInvalid)
		}
		uri := "data:" + res.ContentType + ";base64," + base64.StdEncoding.EncodeToString(res.Data)
		part := glm.Part{Type: "file", FileURL: uri}
		if media.Kind == channel.KindImage {
			part = glm.Part{Type: "image_url", ImageURL: uri}
		}
		msg.Parts = append(msg.Parts, part)
	}
	msg.Parts = append(msg.Parts, glm.Part{Type: "text", Text: text})
	return msg, nil
}

// assembleMessages prepends recent history when no remote conversation is
// carried, so a fresh remote conversation still sees local context.
func (b *Bridge) assembleMessages(agent Agent, userID string, latest glm.Message, refConvID string) []glm.Message {
	if refConvID != "" {
		return []glm.Message{latest}
	}
	recent := b.history.Recent(agent.ID, userID, 6)
	messages := make([]glm.Message, 0, len(recent)+1)
	for _, entry := range recent {
		messages = append(messages, glm.Message{Role: entry.Role, Content: entry.Content})
	}
	return append(messages, latest)
}

// deliver sends the text reply, then re-uploads and sends each distinct image
// URL referenced by the reply, all three legs concurrently.
func (b *Bridge) deliver(ctx context.Context, agent Agent, userID, reply string, logger *slog.Logger) {
	urls := glm.ExtractReplyImageURLs(reply)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := b.channel.SendText(ctx, agent.OpenKfID, userID, reply); err != nil {
			logger.Error("text reply send failed", "error", err)
		}
	}()
	for _, mediaURL := range urls {
		wg.Add(1)
		go func(mediaURL string) {
			defer wg.Done()
			mediaID, err := b.channel.TransferMedia(ctx, mediaURL)
			if err != nil {
				logger.Error("reply image transfer failed", "url", mediaURL, "error", err)
				return
			}
			if err := b.channel.SendImage(ctx, agent.OpenKfID, userID, mediaID); err != nil {
				logger.Error("reply image send failed", "url", mediaURL, "error", err)
			}
		}(mediaURL)
	}
	wg.Wait()
}

func (b *Bridge) reply(ctx context.Context, agent Agent, userID, text string, logger *slog.Logger) {
	if err := b.channel.SendText(ctx, agent.OpenKfID, userID, text); err != nil {
		logger.Error("reply send failed", "error", err)
	}
}

func replyForError(err error) string {
	switch errorsx.Reason(err) {
	case errorsx.ReasonContentFiltered:
		return UnsupportedReply
	case errorsx.ReasonAgentDisabled:
		return OfflineReply
	default:
		return FailureReply
	}
}
