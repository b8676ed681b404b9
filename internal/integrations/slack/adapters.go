package slackbot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"

	"packbot/internal/control"
	"packbot/internal/domain"
	"packbot/internal/fetch"
	"packbot/internal/pipeline"
)

// mapSlackError turns slack-go rate limit and HTTP status errors into the
// domain sentinels.
func mapSlackError(err error) error {
	if err == nil {
		return nil
	}
	var rl *slack.RateLimitedError
	if errors.As(err, &rl) {
		return &domain.RateLimitError{RetryAfter: rl.RetryAfter}
	}
	var sc slack.StatusCodeError
	if errors.As(err, &sc) {
		return fmt.Errorf("%w: %v", domain.ErrTransport, err)
	}
	return err
}

// HistorySource reads channel history through conversations.history.
type HistorySource struct {
	api *slack.Client
}

func NewHistorySource(api *slack.Client) *HistorySource {
	return &HistorySource{api: api}
}

func (h *HistorySource) FetchPage(ctx context.Context, channelID, cursor string, limit int) (fetch.Page, error) {
	resp, err := h.api.GetConversationHistoryContext(ctx, &slack.GetConversationHistoryParameters{
		ChannelID: channelID,
		Cursor:    cursor,
		Limit:     limit,
	})
	if err != nil {
		return fetch.Page{}, mapSlackError(err)
	}
	page := fetch.Page{Items: make([]domain.HistoryItem, 0, len(resp.Messages))}
	for _, msg := range resp.Messages {
		page.Items = append(page.Items, toHistoryItem(channelID, msg))
	}
	if resp.HasMore {
		page.NextCursor = resp.ResponseMetaData.NextCursor
	}
	return page, nil
}

func toHistoryItem(channelID string, msg slack.Message) domain.HistoryItem {
	item := domain.HistoryItem{
		ID:        msg.Timestamp,
		ChannelID: channelID,
		AuthorID:  msg.User,
		Text:      msg.Text,
		Timestamp: domain.ParseSlackTS(msg.Timestamp),
	}
	for _, f := range msg.Files {
		if f.Mimetype != "" && !strings.HasPrefix(f.Mimetype, "image/") {
			continue
		}
		url := f.URLPrivateDownload
		if url == "" {
			url = f.URLPrivate
		}
		if url == "" {
			continue
		}
		item.Attachments = append(item.Attachments, domain.Attachment{
			ID:       f.ID,
			URL:      url,
			Name:     f.Name,
			MimeType: f.Mimetype,
		})
	}
	return item
}

// FileDownloader fetches Slack-hosted files with the bot token and hands
// anything else to fallback.
type FileDownloader struct {
	api      *slack.Client
	fallback pipeline.Downloader
}

func NewFileDownloader(api *slack.Client, fallback pipeline.Downloader) *FileDownloader {
	return &FileDownloader{api: api, fallback: fallback}
}

func (d *FileDownloader) Download(ctx context.Context, att domain.Attachment) ([]byte, error) {
	if att.ID == "" && d.fallback != nil {
		return d.fallback.Download(ctx, att)
	}
	var buf bytes.Buffer
	if err := d.api.GetFileContext(ctx, att.URL, &buf); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		mapped := mapSlackError(err)
		if mapped == err {
			mapped = fmt.Errorf("%w: %v", domain.ErrTransport, err)
		}
		return nil, mapped
	}
	return buf.Bytes(), nil
}

// Sink posts reports as channel messages.
type Sink struct {
	api *slack.Client
}

func NewSink(api *slack.Client) *Sink {
	return &Sink{api: api}
}

func (s *Sink) Send(ctx context.Context, channelID, text string) error {
	_, _, err := s.api.PostMessageContext(ctx, channelID, slack.MsgOptionText(text, false))
	return err
}

// Indicator shows a "working" message in the channel while sessions run.
type Indicator struct {
	api *slack.Client

	mu sync.Mutex
	ts map[string]string
}

func NewIndicator(api *slack.Client) *Indicator {
	return &Indicator{api: api, ts: map[string]string{}}
}

const indicatorText = ":hourglass_flowing_sand: Counting packs..."

func (i *Indicator) Start(ctx context.Context, channelID string) error {
	_, ts, err := i.api.PostMessageContext(ctx, channelID, slack.MsgOptionText(indicatorText, false))
	if err != nil {
		return err
	}
	i.mu.Lock()
	i.ts[channelID] = ts
	i.mu.Unlock()
	return nil
}

func (i *Indicator) Pulse(ctx context.Context, channelID string, elapsed time.Duration) error {
	ts := i.lookup(channelID)
	if ts == "" {
		return nil
	}
	text := fmt.Sprintf("%s (%s)", indicatorText, elapsed.Round(time.Second))
	_, _, _, err := i.api.UpdateMessageContext(ctx, channelID, ts, slack.MsgOptionText(text, false))
	return err
}

func (i *Indicator) Stop(ctx context.Context, channelID string) error {
	i.mu.Lock()
	ts := i.ts[channelID]
	delete(i.ts, channelID)
	i.mu.Unlock()
	if ts == "" {
		return nil
	}
	_, _, err := i.api.DeleteMessageContext(ctx, channelID, ts)
	return err
}

func (i *Indicator) lookup(channelID string) string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.ts[channelID]
}

// Presence sets the bot's custom status through users.profile.set, which
// needs a user token.
type Presence struct {
	api *slack.Client
}

// NewPresence returns nil when userToken is empty.
func NewPresence(userToken string, options ...slack.Option) *Presence {
	if userToken == "" {
		return nil
	}
	return &Presence{api: slack.New(userToken, options...)}
}

var presenceEmoji = map[control.PresenceKind]string{
	control.PresencePlaying:   ":video_game:",
	control.PresenceWatching:  ":eyes:",
	control.PresenceListening: ":headphones:",
	control.PresenceCompeting: ":trophy:",
	control.PresenceCustom:    ":speech_balloon:",
}

func (p *Presence) SetPresence(ctx context.Context, pr control.Presence) error {
	if p == nil || p.api == nil {
		return errors.New("presence requires slack_user_token")
	}
	if pr.Kind == control.PresenceClear {
		return p.api.UnsetUserCustomStatusContext(ctx)
	}
	return p.api.SetUserCustomStatusContext(ctx, pr.String(), presenceEmoji[pr.Kind], 0)
}
