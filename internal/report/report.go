// Package report renders command results as chat text and delivers them.
package report

import (
	"context"
	"fmt"
	"strings"
	"time"

	"packbot/internal/control"
	"packbot/internal/domain"
)

// Sink delivers a rendered report to a channel.
type Sink interface {
	Send(ctx context.Context, channelID, text string) error
}

func mention(userID string) string {
	return "<@" + userID + ">"
}

// FormatCount renders per-category totals in tier order, unknown last.
func FormatCount(agg *domain.UserAggregate) string {
	var sb strings.Builder
	sb.WriteString(mention(agg.UserID))
	sb.WriteString(fmt.Sprintf("\nTotal: %d", agg.Total()))
	for _, c := range domain.AllCategories {
		sb.WriteString(fmt.Sprintf("\n%s: %d", c.Label(), agg.Count(c)))
	}
	return sb.String()
}

// Found describes one located item for /first and /last.
type Found struct {
	UserID    string
	Category  domain.Category
	Timestamp time.Time
	Permalink string
}

func FormatFirst(f Found) string { return formatFound("first", f) }

func FormatLast(f Found) string { return formatFound("last", f) }

func formatFound(which string, f Found) string {
	line := fmt.Sprintf("%s Your %s %s was posted %s.",
		mention(f.UserID), which, f.Category.Label(), formatWhen(f.Timestamp))
	if f.Permalink != "" {
		line += "\n" + f.Permalink
	}
	return line
}

func FormatNotFound(userID string, c domain.Category) string {
	return fmt.Sprintf("%s You have no %s packs in this channel.", mention(userID), c.Label())
}

func formatWhen(t time.Time) string {
	if t.IsZero() {
		return "at an unknown time"
	}
	return fmt.Sprintf("<!date^%d^{date_short_pretty} at {time}|%s>", t.Unix(), t.UTC().Format("2006-01-02 15:04 UTC"))
}

// Status carries everything GetStatus and /packstatus show.
type Status struct {
	Snapshot       control.Snapshot
	InFlight       int64
	CacheAvailable bool
	CacheBackend   string
	CacheEntries   int
}

func FormatStatus(s Status, now time.Time) string {
	snap := s.Snapshot
	lines := []string{
		"*Packbot status*",
		fmt.Sprintf("Bot: %s (%s)", orDash(snap.BotName), orDash(snap.BotUserID)),
		fmt.Sprintf("Uptime: %s", snap.Uptime(now).Truncate(time.Second)),
		fmt.Sprintf("Commands received: %d", snap.CommandsReceived),
		fmt.Sprintf("Sessions in flight: %d", s.InFlight),
		fmt.Sprintf("Processing: %s", onOff(snap.ProcessingEnabled)),
		fmt.Sprintf("Caching: %s", onOff(snap.CachingEnabled)),
		fmt.Sprintf("Reporting: %s", onOff(snap.ReportingEnabled)),
	}
	cache := fmt.Sprintf("Cache: %s, %d entries", s.CacheBackend, s.CacheEntries)
	if !s.CacheAvailable {
		cache = fmt.Sprintf("Cache: %s (unavailable)", s.CacheBackend)
	}
	lines = append(lines, cache)
	if p := snap.Presence.String(); p != "" {
		lines = append(lines, "Presence: "+p)
	}
	if snap.Exiting {
		lines = append(lines, "Shutting down.")
	}
	return strings.Join(lines, "\n")
}

// HelpText lists the slash commands.
func HelpText() string {
	names := make([]string, len(domain.Tiers))
	for i, c := range domain.Tiers {
		names[i] = string(c)
	}
	return strings.Join([]string{
		"*Packbot Commands*",
		"",
		"`/count` — Count your packs in this channel by rarity.",
		"`/first <rarity>` — Link your oldest pack of that rarity.",
		"`/last <rarity>` — Link your newest pack of that rarity.",
		"`/packstatus` — Show bot status.",
		"`/packhelp` — Show this help.",
		"",
		"Rarities: " + strings.Join(names, ", "),
		">Start a message with `*<rarity>` (e.g. `*legendary`) to set its rarity by hand.",
		">Start it with `*ignored` to leave it out of counts.",
	}, "\n")
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
