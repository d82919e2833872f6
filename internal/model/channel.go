package model

import "time"

// ChannelState represents the connection state of a push channel watcher
type ChannelState string

const (
	ChannelIdle       ChannelState = "idle"
	ChannelConnecting ChannelState = "connecting"
	ChannelOpen       ChannelState = "open"
	ChannelClosed     ChannelState = "closed"
)

// ChannelHealth is a point-in-time view of one watched push connection.
// Stale is set when an open connection has gone quiet for longer than the
// configured threshold.
type ChannelHealth struct {
	JobID       string       `json:"job_id"`
	State       ChannelState `json:"state"`
	LastTraffic time.Time    `json:"last_traffic"`
	Stale       bool         `json:"stale"`
}

// SyncStatus is the aggregate health of the synchronization engine,
// served by the local status endpoint
type SyncStatus struct {
	UpstreamURL     string          `json:"upstream_url"`
	UpstreamHealthy bool            `json:"upstream_healthy"`
	JobsKnown       int             `json:"jobs_known"`
	JobsInFlight    int             `json:"jobs_in_flight"`
	PullActive      bool            `json:"pull_active"`
	LastPull        time.Time       `json:"last_pull,omitempty"`
	Channels        []ChannelHealth `json:"channels,omitempty"`
}
