// Package slackbot connects packbot to Slack: socket mode, slash commands and
// the adapters the core uses for history, files, reports and presence.
package slackbot

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"packbot/internal/control"
	"packbot/internal/domain"
	"packbot/internal/fetch"
	"packbot/internal/metrics"
	"packbot/internal/pipeline"
	"packbot/internal/report"
	"packbot/internal/session"
)

const (
	cmdCount  = "/count"
	cmdFirst  = "/first"
	cmdLast   = "/last"
	cmdStatus = "/packstatus"
	cmdHelp   = "/packhelp"
)

var timeNow = time.Now

// HistoryFetcher returns a channel's full history.
type HistoryFetcher interface {
	FetchAll(ctx context.Context, channelID string) ([]domain.HistoryItem, error)
}

// Classifier runs the classification pipeline over history.
type Classifier interface {
	Run(ctx context.Context, items []domain.HistoryItem, authorID string) (pipeline.Result, error)
}

type Deps struct {
	API      *slack.Client
	State    *control.State
	Sessions *session.Manager
	Fetcher  HistoryFetcher
	Pipeline Classifier
	Sink     report.Sink
	Status   func(ctx context.Context) report.Status
}

type Bot struct {
	api      *slack.Client
	state    *control.State
	sessions *session.Manager
	fetcher  HistoryFetcher
	pipeline Classifier
	sink     report.Sink
	status   func(ctx context.Context) report.Status

	// ctx parents every session; cancelling it abandons in-flight work.
	ctx context.Context
}

func New(ctx context.Context, d Deps) *Bot {
	sink := d.Sink
	if sink == nil {
		sink = NewSink(d.API)
	}
	return &Bot{
		api:      d.API,
		state:    d.State,
		sessions: d.Sessions,
		fetcher:  d.Fetcher,
		pipeline: d.Pipeline,
		sink:     sink,
		status:   d.Status,
		ctx:      ctx,
	}
}

// Identify records the bot's name and user ID in control state.
func (b *Bot) Identify(ctx context.Context) error {
	resp, err := b.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("auth test: %w", err)
	}
	b.state.SetIdentity(resp.User, resp.UserID)
	log.Printf("Authenticated as %s (%s) in team %s", resp.User, resp.UserID, resp.Team)
	return nil
}

// StartSlackBot runs the socket mode loop until ctx is cancelled.
func (b *Bot) StartSlackBot(ctx context.Context) error {
	client := socketmode.New(b.api)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-client.Events:
				if !ok {
					return
				}
				switch evt.Type {
				case socketmode.EventTypeConnected:
					log.Print("Slack bot connected via Socket Mode")
				case socketmode.EventTypeSlashCommand:
					client.Ack(*evt.Request)
					cmd, ok := evt.Data.(slack.SlashCommand)
					if !ok {
						continue
					}
					log.Printf("Slash command received: %s from user=%s channel=%s", cmd.Command, cmd.UserID, cmd.ChannelID)
					go b.handleSlashCommand(cmd)
				case socketmode.EventTypeEventsAPI:
					client.Ack(*evt.Request)
					eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
					if !ok {
						continue
					}
					go b.handleEventsAPI(eventsAPIEvent)
				case socketmode.EventTypeInteractive:
					client.Ack(*evt.Request)
				}
			}
		}
	}()

	return client.RunContext(ctx)
}

func (b *Bot) handleEventsAPI(event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	switch ev := event.InnerEvent.Data.(type) {
	case *slackevents.MemberJoinedChannelEvent:
		b.handleMemberJoined(ev)
	}
}

func (b *Bot) handleMemberJoined(ev *slackevents.MemberJoinedChannelEvent) {
	if ev.User == b.state.Snapshot().BotUserID {
		return
	}
	log.Printf("member-joined user=%s channel=%s", ev.User, ev.Channel)

	intro := "Welcome! I'm Packbot. I count the pack screenshots you post here by rarity.\n\n" + report.HelpText()
	_, err := b.api.PostEphemeralContext(b.ctx, ev.Channel, ev.User, slack.MsgOptionText(intro, false))
	if err != nil {
		log.Printf("member-joined intro error user=%s channel=%s: %v", ev.User, ev.Channel, err)
	}
}

func (b *Bot) handleSlashCommand(cmd slack.SlashCommand) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("slash command panicked", "command", cmd.Command, "user", cmd.UserID, "panic", r, "stack", string(debug.Stack()))
			b.postEphemeral(cmd, "Something went wrong handling that command.")
		}
	}()

	b.state.CommandReceived()
	metrics.CommandsTotal.WithLabelValues(cmd.Command).Inc()

	switch cmd.Command {
	case cmdCount:
		b.handleCount(cmd)
	case cmdFirst:
		b.handleFind(cmd, false)
	case cmdLast:
		b.handleFind(cmd, true)
	case cmdStatus:
		b.handleStatus(cmd)
	case cmdHelp:
		b.postEphemeral(cmd, report.HelpText())
	}
}

func (b *Bot) handleCount(cmd slack.SlashCommand) {
	res, ok := b.classifyHistory(cmd)
	if !ok {
		return
	}
	b.deliver(cmd.ChannelID, report.FormatCount(res.Aggregate))
	log.Printf("count sent user=%s channel=%s total=%d skipped=%d", cmd.UserID, cmd.ChannelID, res.Aggregate.Total(), res.Skipped)
}

func (b *Bot) handleFind(cmd slack.SlashCommand, newest bool) {
	name := cmd.Command
	arg := strings.TrimSpace(cmd.Text)
	cat, ok := domain.ParseCategory(arg)
	if !ok {
		b.postEphemeral(cmd, fmt.Sprintf("Usage: `%s <rarity>`. Rarities: common, uncommon, rare, epic, legendary.", name))
		return
	}

	res, ok := b.classifyHistory(cmd)
	if !ok {
		return
	}

	pick := pipeline.First
	format := report.FormatFirst
	if newest {
		pick = pipeline.Last
		format = report.FormatLast
	}
	found, ok := pick(res.Classified, cat)
	if !ok {
		b.deliver(cmd.ChannelID, report.FormatNotFound(cmd.UserID, cat))
		return
	}

	link, err := b.api.GetPermalinkContext(b.ctx, &slack.PermalinkParameters{Channel: cmd.ChannelID, Ts: found.Item.ID})
	if err != nil {
		log.Printf("permalink error channel=%s ts=%s: %v", cmd.ChannelID, found.Item.ID, err)
	}
	b.deliver(cmd.ChannelID, format(report.Found{
		UserID:    cmd.UserID,
		Category:  cat,
		Timestamp: found.Item.Timestamp,
		Permalink: link,
	}))
}

func (b *Bot) handleStatus(cmd slack.SlashCommand) {
	if b.status == nil {
		b.postEphemeral(cmd, "Status is unavailable.")
		return
	}
	b.postEphemeral(cmd, report.FormatStatus(b.status(b.ctx), timeNow()))
}

// classifyHistory runs one session: fetch the channel, classify the caller's
// items. It reports failures to the caller and returns ok=false.
func (b *Bot) classifyHistory(cmd slack.SlashCommand) (pipeline.Result, bool) {
	if refusal := b.refusal(); refusal != "" {
		b.postEphemeral(cmd, refusal)
		return pipeline.Result{}, false
	}

	sess := b.sessions.Begin(b.ctx, cmd.ChannelID)
	defer sess.End()

	logger := log.With("session", sess.ID, "channel", cmd.ChannelID, "user", cmd.UserID)
	ctx := log.WithContext(b.ctx, logger)

	items, err := b.fetcher.FetchAll(ctx, cmd.ChannelID)
	if err != nil {
		var partial *fetch.PartialError
		got := 0
		if errors.As(err, &partial) {
			got = len(partial.Items)
		}
		logger.Error("history fetch failed", "partial_items", got, "err", err)
		text := fmt.Sprintf("Couldn't read this channel's history (stopped after %d messages): %v", got, err)
		if errors.Is(err, domain.ErrRateLimited) {
			text = fmt.Sprintf("Slack is rate limiting history requests (read %d messages before giving up). Try again in a minute.", got)
		}
		b.postEphemeral(cmd, text)
		return pipeline.Result{}, false
	}
	logger.Info("history fetched", "items", len(items))

	res, err := b.pipeline.Run(ctx, items, cmd.UserID)
	switch {
	case errors.Is(err, pipeline.ErrProcessingDisabled):
		b.postEphemeral(cmd, "Processing was switched off while your request was running.")
		return pipeline.Result{}, false
	case errors.Is(err, context.Canceled):
		logger.Warn("session abandoned")
		return pipeline.Result{}, false
	case err != nil:
		logger.Error("classification failed", "err", err)
		b.postEphemeral(cmd, fmt.Sprintf("Classification failed: %v", err))
		return pipeline.Result{}, false
	}
	return res, true
}

func (b *Bot) refusal() string {
	snap := b.state.Snapshot()
	switch {
	case snap.Exiting:
		return "Packbot is shutting down; try again shortly."
	case !snap.ProcessingEnabled:
		return "Processing is currently disabled by an operator."
	}
	return ""
}

// deliver sends a report unless reporting is disabled, in which case it is
// only logged.
func (b *Bot) deliver(channelID, text string) {
	if !b.state.ReportingEnabled() {
		log.Info("reporting disabled, report not sent", "channel", channelID, "report", text)
		return
	}
	if err := b.sink.Send(b.ctx, channelID, text); err != nil {
		log.Printf("Error sending report channel=%s: %v", channelID, err)
	}
}

func (b *Bot) postEphemeral(cmd slack.SlashCommand, text string) {
	_, err := b.api.PostEphemeralContext(b.ctx, cmd.ChannelID, cmd.UserID, slack.MsgOptionText(text, false))
	if err != nil {
		log.Printf("Error posting ephemeral: %v", err)
	}
}
