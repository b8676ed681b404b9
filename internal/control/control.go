// Package control holds the runtime toggles and status shared between the
// bot and the admin plane.
package control

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

type Toggle string

const (
	ToggleProcessing Toggle = "processing"
	ToggleCaching    Toggle = "caching"
	ToggleReporting  Toggle = "reporting"
)

// ParseToggle accepts the bare toggle names and their "_enabled" forms.
func ParseToggle(s string) (Toggle, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	name = strings.TrimSuffix(name, "_enabled")
	switch Toggle(name) {
	case ToggleProcessing, ToggleCaching, ToggleReporting:
		return Toggle(name), nil
	}
	return "", fmt.Errorf("unknown toggle %q", s)
}

// PresenceKind is the activity type shown next to the bot.
type PresenceKind string

const (
	PresencePlaying   PresenceKind = "playing"
	PresenceWatching  PresenceKind = "watching"
	PresenceListening PresenceKind = "listening"
	PresenceCompeting PresenceKind = "competing"
	PresenceCustom    PresenceKind = "custom"
	PresenceClear     PresenceKind = "clear"
)

func ParsePresenceKind(s string) (PresenceKind, bool) {
	k := PresenceKind(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case PresencePlaying, PresenceWatching, PresenceListening, PresenceCompeting, PresenceCustom, PresenceClear:
		return k, true
	}
	return "", false
}

type Presence struct {
	Kind PresenceKind `json:"type"`
	Text string       `json:"name"`
}

// String renders the presence the way it is shown to users.
func (p Presence) String() string {
	switch p.Kind {
	case "", PresenceClear:
		return ""
	case PresenceCustom:
		return p.Text
	case PresenceListening:
		return "Listening to " + p.Text
	case PresenceCompeting:
		return "Competing in " + p.Text
	}
	return strings.ToUpper(string(p.Kind[:1])) + string(p.Kind[1:]) + " " + p.Text
}

// Snapshot is a consistent copy of State.
type Snapshot struct {
	ProcessingEnabled bool
	CachingEnabled    bool
	ReportingEnabled  bool
	StartedAt         time.Time
	BotName           string
	BotUserID         string
	CommandsReceived  int64
	Presence          Presence
	Exiting           bool
}

func (s Snapshot) Uptime(now time.Time) time.Duration {
	return now.Sub(s.StartedAt)
}

type State struct {
	mu         sync.RWMutex
	processing bool
	caching    bool
	reporting  bool
	startedAt  time.Time
	botName    string
	botUserID  string
	commands   int64
	presence   Presence

	exitOnce sync.Once
	exitCh   chan struct{}
	exiting  bool
}

// Options are the initial toggle values.
type Options struct {
	ProcessingEnabled bool
	CachingEnabled    bool
	ReportingEnabled  bool
}

func DefaultOptions() Options {
	return Options{ProcessingEnabled: true, CachingEnabled: true, ReportingEnabled: true}
}

func New(opts Options) *State {
	return &State{
		processing: opts.ProcessingEnabled,
		caching:    opts.CachingEnabled,
		reporting:  opts.ReportingEnabled,
		startedAt:  time.Now(),
		exitCh:     make(chan struct{}),
	}
}

func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		ProcessingEnabled: s.processing,
		CachingEnabled:    s.caching,
		ReportingEnabled:  s.reporting,
		StartedAt:         s.startedAt,
		BotName:           s.botName,
		BotUserID:         s.botUserID,
		CommandsReceived:  s.commands,
		Presence:          s.presence,
		Exiting:           s.exiting,
	}
}

func (s *State) ProcessingEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.processing
}

func (s *State) CachingEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.caching
}

func (s *State) ReportingEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reporting
}

// Set writes toggle and returns its previous value.
func (s *State) Set(t Toggle, value bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var field *bool
	switch t {
	case ToggleProcessing:
		field = &s.processing
	case ToggleCaching:
		field = &s.caching
	case ToggleReporting:
		field = &s.reporting
	default:
		return false, fmt.Errorf("unknown toggle %q", t)
	}
	prev := *field
	*field = value
	return prev, nil
}

func (s *State) SetIdentity(name, userID string) {
	s.mu.Lock()
	s.botName = name
	s.botUserID = userID
	s.mu.Unlock()
}

func (s *State) SetPresence(p Presence) {
	s.mu.Lock()
	s.presence = p
	s.mu.Unlock()
}

// CommandReceived bumps the received-commands counter and returns the new value.
func (s *State) CommandReceived() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands++
	return s.commands
}

// RequestExit closes the exit channel. Only the first call returns true.
func (s *State) RequestExit() bool {
	accepted := false
	s.exitOnce.Do(func() {
		s.mu.Lock()
		s.exiting = true
		s.mu.Unlock()
		close(s.exitCh)
		accepted = true
	})
	return accepted
}

// Exiting is closed once an exit has been requested.
func (s *State) Exiting() <-chan struct{} {
	return s.exitCh
}
