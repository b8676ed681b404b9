package domain

import (
	"strconv"
	"strings"
	"time"
)

// Attachment is a file shared with a message.
type Attachment struct {
	ID       string
	URL      string
	Name     string
	MimeType string
}

// HistoryItem is a single message read from channel history.
type HistoryItem struct {
	ID          string // Slack message ts, unique within a channel
	ChannelID   string
	AuthorID    string
	Text        string
	Attachments []Attachment
	Timestamp   time.Time
}

// HasAttachments reports whether the item carries at least one file.
func (h HistoryItem) HasAttachments() bool {
	return len(h.Attachments) > 0
}

// PrimaryURL is the first attachment's URL, used as the cache key.
func (h HistoryItem) PrimaryURL() string {
	if len(h.Attachments) == 0 {
		return ""
	}
	return h.Attachments[0].URL
}

// ParseSlackTS converts a Slack "seconds.micros" timestamp into a time.Time.
func ParseSlackTS(ts string) time.Time {
	secPart, fracPart, _ := strings.Cut(ts, ".")
	sec, err := strconv.ParseInt(secPart, 10, 64)
	if err != nil {
		return time.Time{}
	}
	var nsec int64
	if fracPart != "" {
		if len(fracPart) > 9 {
			fracPart = fracPart[:9]
		}
		fracPart += strings.Repeat("0", 9-len(fracPart))
		nsec, _ = strconv.ParseInt(fracPart, 10, 64)
	}
	return time.Unix(sec, nsec).UTC()
}
