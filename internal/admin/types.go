package admin

import "time"

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type StatusReply struct {
	UptimeSeconds     int64     `json:"uptime_seconds"`
	StartedAt         time.Time `json:"started_at"`
	BotName           string    `json:"bot_name"`
	BotUserID         string    `json:"bot_user_id"`
	CommandsReceived  int64     `json:"commands_received"`
	ProcessingEnabled bool      `json:"processing_enabled"`
	CachingEnabled    bool      `json:"caching_enabled"`
	ReportingEnabled  bool      `json:"reporting_enabled"`
	InFlight          int64     `json:"in_flight"`
	CacheAvailable    bool      `json:"cache_available"`
	CacheBackend      string    `json:"cache_backend"`
	CacheEntries      int       `json:"cache_entries"`
	Presence          string    `json:"presence"`
	Exiting           bool      `json:"exiting"`
}

type ToggleRequest struct {
	Toggle   string `json:"toggle" binding:"required"`
	NewValue *bool  `json:"new_value" binding:"required"`
}

type ToggleResponse struct {
	Toggle   string `json:"toggle"`
	Value    bool   `json:"value"`
	Previous bool   `json:"previous"`
}

type BotStatusRequest struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// Bot status codes.
const (
	StatusOK             = 0
	StatusInvalidType    = 1
	StatusMissingName    = 2
	StatusPlatformFailed = 3
)

type BotStatusReply struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
}

type ExitResponse struct {
	Accepted bool   `json:"accepted"`
	Policy   string `json:"policy"`
	InFlight int64  `json:"in_flight"`
}
