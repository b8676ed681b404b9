package slackbot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"packbot/internal/cache"
	"packbot/internal/classify"
	"packbot/internal/control"
	"packbot/internal/domain"
	"packbot/internal/fetch"
	"packbot/internal/httpx"
	"packbot/internal/imagex"
	"packbot/internal/pipeline"
	"packbot/internal/report"
	"packbot/internal/session"
	"packbot/internal/storage/sqlite"
)

type mockSlack struct {
	t      *testing.T
	server *httptest.Server

	mu       sync.Mutex
	calls    map[string][]url.Values
	messages []map[string]any
	files    map[string][]byte
	tsSeq    int
	// historyStatus, when set, is returned for conversations.history.
	historyStatus int
}

func newMockSlack(t *testing.T) *mockSlack {
	t.Helper()
	m := &mockSlack{t: t, calls: map[string][]url.Values{}, files: map[string][]byte{}}
	m.server = httptest.NewServer(http.HandlerFunc(m.serve))
	t.Cleanup(m.server.Close)
	return m
}

func (m *mockSlack) api() *slack.Client {
	return slack.New("xoxb-test", slack.OptionAPIURL(m.server.URL+"/api/"))
}

func (m *mockSlack) fileURL(name string) string {
	return m.server.URL + "/files/" + name
}

func (m *mockSlack) serve(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/files/") {
		if r.Header.Get("Authorization") != "Bearer xoxb-test" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		m.mu.Lock()
		body, ok := m.files[strings.TrimPrefix(r.URL.Path, "/files/")]
		m.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(body)
		return
	}

	_ = r.ParseForm()
	path := strings.TrimPrefix(r.URL.Path, "/api/")
	m.mu.Lock()
	m.calls[path] = append(m.calls[path], r.Form)
	m.tsSeq++
	ts := fmt.Sprintf("1700009999.%06d", m.tsSeq)
	historyStatus := m.historyStatus
	messages := m.messages
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch path {
	case "auth.test":
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "user": "packbot", "user_id": "B42", "team": "Acme"})
	case "conversations.history":
		if historyStatus != 0 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(historyStatus)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":                true,
			"messages":          messages,
			"has_more":          false,
			"response_metadata": map[string]any{"next_cursor": ""},
		})
	case "chat.postMessage", "chat.update", "chat.delete":
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "channel": r.Form.Get("channel"), "ts": ts, "text": r.Form.Get("text")})
	case "chat.getPermalink":
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":        true,
			"channel":   r.Form.Get("channel"),
			"permalink": "https://acme.slack.com/archives/" + r.Form.Get("channel") + "/p" + strings.ReplaceAll(r.Form.Get("message_ts"), ".", ""),
		})
	default:
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}
}

func (m *mockSlack) callsTo(path string) []url.Values {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]url.Values(nil), m.calls[path]...)
}

func (m *mockSlack) texts(path string) []string {
	var out []string
	for _, v := range m.callsTo(path) {
		out = append(out, v.Get("text"))
	}
	return out
}

func (m *mockSlack) addImage(t *testing.T, name string, c color.NRGBA) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 80, 60))
	for y := 0; y < 60; y++ {
		for x := 0; x < 80; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	m.mu.Lock()
	m.files[name] = buf.Bytes()
	m.mu.Unlock()
	return m.fileURL(name)
}

func (m *mockSlack) addMessage(user, text, ts string, fileURLs ...string) {
	msg := map[string]any{"type": "message", "user": user, "text": text, "ts": ts}
	var files []map[string]any
	for i, u := range fileURLs {
		files = append(files, map[string]any{
			"id":                   fmt.Sprintf("F%s%d", strings.ReplaceAll(ts, ".", ""), i),
			"name":                 "pack.png",
			"mimetype":             "image/png",
			"url_private_download": u,
		})
	}
	if files != nil {
		msg["files"] = files
	}
	m.mu.Lock()
	m.messages = append(m.messages, msg)
	m.mu.Unlock()
}

type testBot struct {
	bot      *Bot
	mock     *mockSlack
	state    *control.State
	sessions *session.Manager
}

func newTestBot(t *testing.T, mock *mockSlack) *testBot {
	t.Helper()
	api := mock.api()

	backend, err := sqlite.Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	c := cache.New(backend)
	t.Cleanup(func() { _ = c.Close() })

	state := control.New(control.DefaultOptions())
	sessions := session.NewManager(NewIndicator(api), time.Hour)
	policy := fetch.DefaultPolicy()
	policy.MaxAttempts = 2
	policy.Sleep = func(context.Context, time.Duration) error { return nil }

	p := pipeline.New(pipeline.Config{
		Cache:      c,
		Classifier: classify.New(domain.DefaultRanges()),
		Downloader: NewFileDownloader(api, httpx.NewDownloader()),
		Decoder:    pipeline.DecoderFunc(imagex.Decode),
		Toggles:    state,
	})
	bot := New(context.Background(), Deps{
		API:      api,
		State:    state,
		Sessions: sessions,
		Fetcher:  fetch.New(NewHistorySource(api), 100, policy),
		Pipeline: p,
		Status: func(ctx context.Context) report.Status {
			return report.Status{Snapshot: state.Snapshot(), InFlight: sessions.InFlight(), CacheAvailable: c.Available(), CacheBackend: c.BackendName()}
		},
	})
	return &testBot{bot: bot, mock: mock, state: state, sessions: sessions}
}

var (
	uncommonPixel = color.NRGBA{R: 10, G: 200, B: 10, A: 255}
	commonPixel   = color.NRGBA{R: 110, G: 110, B: 110, A: 255}
)

func slash(command, text string) slack.SlashCommand {
	return slack.SlashCommand{Command: command, Text: text, ChannelID: "C1", UserID: "U1"}
}

func TestCountCommandEndToEnd(t *testing.T) {
	mock := newMockSlack(t)
	mock.addMessage("U1", "look at this", "1700000300.000100", mock.addImage(t, "a.png", uncommonPixel))
	mock.addMessage("U1", "*rare finally", "1700000200.000100", mock.addImage(t, "b.png", commonPixel))
	mock.addMessage("U1", "*ignored repost", "1700000150.000100", mock.addImage(t, "c.png", uncommonPixel))
	mock.addMessage("U2", "", "1700000100.000100", mock.addImage(t, "d.png", uncommonPixel))
	mock.addMessage("U1", "just chatting", "1700000050.000100")
	tb := newTestBot(t, mock)

	tb.bot.handleSlashCommand(slash("/count", ""))

	want := "<@U1>\nTotal: 2\nCommon: 0\nUncommon: 1\nRare: 1\nEpic: 0\nLegendary: 0\nUnknown: 0"
	assert.Contains(t, mock.texts("chat.postMessage"), want)
	assert.EqualValues(t, 1, tb.state.Snapshot().CommandsReceived)
	assert.Zero(t, tb.sessions.InFlight(), "session leaked")

	// The working indicator is posted once and cleaned up once.
	assert.Eventually(t, func() bool {
		posted := 0
		for _, text := range mock.texts("chat.postMessage") {
			if strings.HasPrefix(text, indicatorText) {
				posted++
			}
		}
		return posted == 1 && len(mock.callsTo("chat.delete")) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestFirstAndLastCommands(t *testing.T) {
	mock := newMockSlack(t)
	mock.addMessage("U1", "", "1700000300.000100", mock.addImage(t, "new.png", uncommonPixel))
	mock.addMessage("U1", "", "1700000100.000100", mock.addImage(t, "old.png", uncommonPixel))
	tb := newTestBot(t, mock)

	tb.bot.handleSlashCommand(slash("/first", "Uncommon"))
	tb.bot.handleSlashCommand(slash("/last", "uncommon"))
	tb.bot.handleSlashCommand(slash("/first", "legendary"))

	links := mock.callsTo("chat.getPermalink")
	require.Len(t, links, 2)
	assert.Equal(t, "1700000100.000100", links[0].Get("message_ts"))
	assert.Equal(t, "1700000300.000100", links[1].Get("message_ts"))

	texts := strings.Join(mock.texts("chat.postMessage"), "\n---\n")
	for _, want := range []string{"Your first Uncommon", "Your last Uncommon", "You have no Legendary packs"} {
		assert.Contains(t, texts, want)
	}
}

func TestFindRejectsBadCategory(t *testing.T) {
	mock := newMockSlack(t)
	tb := newTestBot(t, mock)

	tb.bot.handleSlashCommand(slash("/first", "unknown"))

	eph := mock.texts("chat.postEphemeral")
	require.Len(t, eph, 1)
	assert.Contains(t, eph[0], "Usage: `/first <rarity>`")
	assert.Empty(t, mock.callsTo("conversations.history"), "history must not be fetched for an invalid category")
}

func TestCommandsRefusedWhileDisabledOrExiting(t *testing.T) {
	mock := newMockSlack(t)
	tb := newTestBot(t, mock)

	_, err := tb.state.Set(control.ToggleProcessing, false)
	require.NoError(t, err)
	tb.bot.handleSlashCommand(slash("/count", ""))
	_, err = tb.state.Set(control.ToggleProcessing, true)
	require.NoError(t, err)
	tb.state.RequestExit()
	tb.bot.handleSlashCommand(slash("/count", ""))
	tb.bot.handleSlashCommand(slash("/packstatus", ""))

	eph := mock.texts("chat.postEphemeral")
	require.Len(t, eph, 3)
	assert.Contains(t, eph[0], "disabled")
	assert.Contains(t, eph[1], "shutting down")
	assert.Contains(t, eph[2], "*Packbot status*", "status must still answer while exiting")
	assert.Empty(t, mock.callsTo("conversations.history"), "refused commands must not fetch history")
}

func TestReportingDisabledSuppressesReport(t *testing.T) {
	mock := newMockSlack(t)
	mock.addMessage("U1", "", "1700000300.000100", mock.addImage(t, "a.png", uncommonPixel))
	tb := newTestBot(t, mock)
	_, err := tb.state.Set(control.ToggleReporting, false)
	require.NoError(t, err)

	tb.bot.handleSlashCommand(slash("/count", ""))

	for _, text := range mock.texts("chat.postMessage") {
		assert.False(t, strings.HasPrefix(text, "<@U1>"), "report posted while reporting disabled: %q", text)
	}
}

func TestRateLimitedHistoryReportsFailure(t *testing.T) {
	mock := newMockSlack(t)
	mock.historyStatus = http.StatusTooManyRequests
	tb := newTestBot(t, mock)

	tb.bot.handleSlashCommand(slash("/count", ""))

	assert.Len(t, mock.callsTo("conversations.history"), 2)
	eph := mock.texts("chat.postEphemeral")
	require.Len(t, eph, 1)
	assert.Contains(t, eph[0], "rate limiting")
	assert.Zero(t, tb.sessions.InFlight(), "session must be released after a fetch failure")
}

func TestHistorySourceMapsRateLimit(t *testing.T) {
	mock := newMockSlack(t)
	mock.historyStatus = http.StatusTooManyRequests
	src := NewHistorySource(mock.api())

	_, err := src.FetchPage(context.Background(), "C1", "", 100)
	var rl *domain.RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, time.Second, rl.RetryAfter)
}

func TestHistorySourceKeepsOnlyImages(t *testing.T) {
	msg := slack.Message{}
	msg.Timestamp = "1700000000.000100"
	msg.User = "U1"
	msg.Files = []slack.File{
		{ID: "F1", Mimetype: "image/png", URLPrivateDownload: "https://files/1.png"},
		{ID: "F2", Mimetype: "application/pdf", URLPrivateDownload: "https://files/2.pdf"},
		{ID: "F3", Mimetype: "image/jpeg", URLPrivate: "https://files/3.jpg"},
	}
	item := toHistoryItem("C1", msg)
	require.Len(t, item.Attachments, 2)
	assert.Equal(t, "https://files/1.png", item.PrimaryURL())
	assert.Equal(t, "https://files/3.jpg", item.Attachments[1].URL)
	assert.EqualValues(t, 1700000000, item.Timestamp.Unix())
}

type panickyPipeline struct{}

func (panickyPipeline) Run(context.Context, []domain.HistoryItem, string) (pipeline.Result, error) {
	panic("boom")
}

func TestHandlerRecoversFromPanic(t *testing.T) {
	mock := newMockSlack(t)
	tb := newTestBot(t, mock)
	tb.bot.pipeline = panickyPipeline{}

	tb.bot.handleSlashCommand(slash("/count", ""))

	eph := mock.texts("chat.postEphemeral")
	require.Len(t, eph, 1)
	assert.Contains(t, eph[0], "Something went wrong")
	assert.Zero(t, tb.sessions.InFlight(), "session must be released when the handler panics")
}

func TestIdentifyAndPresence(t *testing.T) {
	mock := newMockSlack(t)
	tb := newTestBot(t, mock)

	require.NoError(t, tb.bot.Identify(context.Background()))
	snap := tb.state.Snapshot()
	assert.Equal(t, "packbot", snap.BotName)
	assert.Equal(t, "B42", snap.BotUserID)

	assert.Nil(t, NewPresence(""), "presence without a user token must be nil")
	p := NewPresence("xoxp-test", slack.OptionAPIURL(mock.server.URL+"/api/"))
	require.NoError(t, p.SetPresence(context.Background(), control.Presence{Kind: control.PresencePlaying, Text: "packs"}))
	require.NoError(t, p.SetPresence(context.Background(), control.Presence{Kind: control.PresenceClear}))

	calls := mock.callsTo("users.profile.set")
	require.Len(t, calls, 2)
	assert.Contains(t, calls[0].Get("profile"), "Playing packs")
}

func TestMemberJoinedIntro(t *testing.T) {
	mock := newMockSlack(t)
	tb := newTestBot(t, mock)
	tb.state.SetIdentity("packbot", "B42")

	joined := func(user string) slackevents.EventsAPIEvent {
		return slackevents.EventsAPIEvent{
			Type: slackevents.CallbackEvent,
			InnerEvent: slackevents.EventsAPIInnerEvent{
				Data: &slackevents.MemberJoinedChannelEvent{User: user, Channel: "C1"},
			},
		}
	}
	tb.bot.handleEventsAPI(joined("B42"))
	tb.bot.handleEventsAPI(joined("U7"))

	calls := mock.callsTo("chat.postEphemeral")
	require.Len(t, calls, 1, "expected one intro")
	assert.Equal(t, "U7", calls[0].Get("user"))
	assert.Contains(t, calls[0].Get("text"), "/count")
}
