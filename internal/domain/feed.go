package domain

import "time"

// NotificationKind distinguishes what a feed Notification carries.
type NotificationKind int

const (
	NotifyBook NotificationKind = iota
	NotifyStatus
)

// Notification is an immutable message from a feed connection to the
// aggregator. Book is set for NotifyBook; Status is always the feed's status
// at send time.
type Notification struct {
	Kind       NotificationKind
	Exchange   string
	Instrument string
	Status     FeedStatus
	Book       TopOfBook
	At         time.Time
}

// FeedInfo is a point-in-time view of one feed connection for status APIs.
type FeedInfo struct {
	Exchange      string     `json:"exchange"`
	Instrument    string     `json:"instrument"`
	Status        FeedStatus `json:"status"`
	Reconnects    int        `json:"reconnects"`
	Degraded      bool       `json:"degraded"`
	LastMessageAt time.Time  `json:"last_message_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}
