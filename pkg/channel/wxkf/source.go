package wxkf

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/kefubridge/pkg/channel"
	"github.com/harunnryd/kefubridge/pkg/statestore"
)

const syncBatchLimit = 1000

// originUser marks messages sent by the external customer.
const originUser = 3

type syncedMessage struct {
	MsgID          string `json:"msgid"`
	OpenKfID       string `json:"open_kfid"`
	ExternalUserID string `json:"external_userid"`
	Origin         int    `json:"origin"`
	MsgType        string `json:"msgtype"`
	Text           struct {
		Content string `json:"content"`
	} `json:"text"`
	Image struct {
		MediaID string `json:"media_id"`
	} `json:"image"`
	File struct {
		MediaID string `json:"media_id"`
	} `json:"file"`
	Voice struct {
		MediaID string `json:"media_id"`
	} `json:"voice"`
	Video struct {
		MediaID string `json:"media_id"`
	} `json:"video"`
	Event struct {
		EventType      string `json:"event_type"`
		OpenKfID       string `json:"open_kfid"`
		ExternalUserID string `json:"external_userid"`
		WelcomeCode    string `json:"welcome_code"`
	} `json:"event"`
}

type syncResult struct {
	Errcode    int             `json:"errcode"`
	Errmsg     string          `json:"errmsg"`
	NextCursor string          `json:"next_cursor"`
	HasMore    int             `json:"has_more"`
	MsgList    []syncedMessage `json:"msg_list"`
}

// Source polls the sync_msg endpoint and emits normalized messages. The sync
// cursor is persisted so a restart does not replay delivered messages.
type Source struct {
	client   *Client
	store    statestore.Store
	logger   *slog.Logger
	interval time.Duration

	messages chan channel.Message
	cancel   context.CancelFunc
	done     chan struct{}
	once     sync.Once
}

func NewSource(client *Client, store statestore.Store, logger *slog.Logger, interval time.Duration) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Source{
		client:   client,
		store:    store,
		logger:   logger,
		interval: interval,
		messages: make(chan channel.Message, 64),
		done:     make(chan struct{}),
	}
}

func (s *Source) Name() string { return "wxkf" }

func (s *Source) Recv() <-chan channel.Message { return s.messages }

func (s *Source) cursorKey() string {
	return "wxkf-cursor-" + s.client.corpID
}

func (s *Source) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	cursor := ""
	if s.store != nil {
		if persisted, ok := s.store.LoadString(s.cursorKey()); ok {
			cursor = persisted
		}
	}
	go s.poll(ctx, cursor)
	return nil
}

func (s *Source) Stop() error {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		<-s.done
		close(s.messages)
	})
	return nil
}

func (s *Source) poll(ctx context.Context, cursor string) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for {
			next, hasMore, err := s.syncOnce(ctx, cursor)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Warn("sync_msg poll failed", "error", err)
				break
			}
			if next != "" && next != cursor {
				cursor = next
				if s.store != nil {
					if err := s.store.SaveString(s.cursorKey(), cursor); err != nil {
						s.logger.Warn("persisting sync cursor failed", "error", err)
					}
				}
			}
			if !hasMore {
				break
			}
		}
	}
}

func (s *Source) syncOnce(ctx context.Context, cursor string) (next string, hasMore bool, err error) {
	payload := map[string]any{"limit": syncBatchLimit}
	if cursor != "" {
		payload["cursor"] = cursor
	}
	var result syncResult
	if err := s.client.postJSON(ctx, "/cgi-bin/kf/sync_msg", payload, &result); err != nil {
		return "", false, err
	}
	for _, raw := range result.MsgList {
		msg, ok := normalize(raw)
		if !ok {
			continue
		}
		select {
		case s.messages <- msg:
		case <-ctx.Done():
			return result.NextCursor, false, ctx.Err()
		}
	}
	return result.NextCursor, result.HasMore == 1, nil
}

func normalize(raw syncedMessage) (channel.Message, bool) {
	if raw.MsgType == channel.KindEvent {
		kfID := raw.Event.OpenKfID
		if kfID == "" {
			kfID = raw.OpenKfID
		}
		userID := raw.Event.ExternalUserID
		if userID == "" {
			userID = raw.ExternalUserID
		}
		return channel.Message{
			Kind:        channel.KindEvent,
			AgentKfID:   kfID,
			UserID:      userID,
			EventType:   raw.Event.EventType,
			WelcomeCode: raw.Event.WelcomeCode,
		}, true
	}
	if raw.Origin != originUser {
		return channel.Message{}, false
	}
	msg := channel.Message{
		AgentKfID: raw.OpenKfID,
		UserID:    raw.ExternalUserID,
	}
	switch raw.MsgType {
	case channel.KindText:
		msg.Kind = channel.KindText
		msg.Text = raw.Text.Content
	case channel.KindImage:
		msg.Kind = channel.KindImage
		msg.MediaID = raw.Image.MediaID
	case channel.KindFile:
		msg.Kind = channel.KindFile
		msg.MediaID = raw.File.MediaID
	case channel.KindVoice:
		msg.Kind = channel.KindVoice
		msg.MediaID = raw.Voice.MediaID
	case channel.KindVideo:
		msg.Kind = channel.KindVideo
		msg.MediaID = raw.Video.MediaID
	default:
		msg.Kind = channel.KindUnknown
	}
	return msg, true
}

var _ channel.Source = (*Source)(nil)
