package persistence

import (
	"errors"
	"strings"
	"time"
)

// LabelSeparator joins client labels in the denormalized labels column.
const LabelSeparator = "/"

var (
	// ErrNotFound is returned by stores when no client matches the lookup key.
	ErrNotFound = errors.New("persistence: client not found")
	// ErrConflict wraps unique-key violations; these never trigger fallback.
	ErrConflict = errors.New("persistence: unique key conflict")
)

// ClientRecord is a persisted client row. PhoneNumber is unique; ChatID is
// unique when non-empty.
type ClientRecord struct {
	ID               int64     `json:"id"`
	PhoneNumber      string    `json:"phoneNumber"`
	ChatID           string    `json:"chatId,omitempty"`
	Name             string    `json:"name,omitempty"`
	UserName         string    `json:"userName,omitempty"`
	Labels           []string  `json:"labels,omitempty"`
	ThreadID         string    `json:"threadId,omitempty"`
	ThreadTokenCount int       `json:"threadTokenCount"`
	LastActivity     time.Time `json:"lastActivity"`
}

// Thread returns the thread-facing view of the record.
func (r ClientRecord) Thread() ThreadRecord {
	return ThreadRecord{
		UserID:       r.PhoneNumber,
		ThreadID:     r.ThreadID,
		ChatID:       r.ChatID,
		UserName:     r.UserName,
		Labels:       append([]string(nil), r.Labels...),
		LastActivity: r.LastActivity,
		TokenCount:   r.ThreadTokenCount,
	}
}

// ThreadRecord is the denormalized thread view of a client record.
type ThreadRecord struct {
	UserID       string    `json:"userId"`
	ThreadID     string    `json:"threadId"`
	ChatID       string    `json:"chatId,omitempty"`
	UserName     string    `json:"userName,omitempty"`
	Labels       []string  `json:"labels,omitempty"`
	LastActivity time.Time `json:"lastActivity"`
	TokenCount   int       `json:"tokenCount"`
}

// Patch lists the non-key fields to change on a client. Nil fields are left
// untouched. ChatID only fills an empty chat id; it never replaces one.
// Empty ChatID and ThreadID values are ignored; use Store.ClearThread to drop a thread.
type Patch struct {
	ChatID       *string
	Name         *string
	UserName     *string
	Labels       []string
	ThreadID     *string
	TokenCount   *int
	LastActivity *time.Time
}

// apply merges the patch into rec the way the SQL update does.
func (p Patch) apply(rec ClientRecord) ClientRecord {
	if p.ChatID != nil && *p.ChatID != "" && rec.ChatID == "" {
		rec.ChatID = *p.ChatID
	}
	if p.Name != nil {
		rec.Name = *p.Name
	}
	if p.UserName != nil {
		rec.UserName = *p.UserName
	}
	if p.Labels != nil {
		rec.Labels = append([]string(nil), p.Labels...)
	}
	if p.ThreadID != nil && *p.ThreadID != "" {
		rec.ThreadID = *p.ThreadID
	}
	if p.TokenCount != nil {
		rec.ThreadTokenCount = *p.TokenCount
	}
	if p.LastActivity != nil {
		rec.LastActivity = *p.LastActivity
	}
	return rec
}

// ThreadUpdate is a partial update to a client's thread fields.
type ThreadUpdate struct {
	ThreadID   *string
	ChatID     *string
	UserName   *string
	Labels     []string
	TokenCount *int
}

// ClientUpsert carries webhook-sourced client data.
type ClientUpsert struct {
	PhoneNumber string
	ChatID      string
	// ChatName is the chat title reported by the provider; it becomes Name.
	ChatName string
	// FromName is the sender's push name; it becomes UserName.
	FromName string
	Labels   []string
}

// Stats summarizes the gateway for observability.
type Stats struct {
	Mode          Mode      `json:"mode"`
	Store         string    `json:"store"`
	TotalClients  int       `json:"totalClients"`
	ActiveThreads int       `json:"activeThreads"`
	CrossedKeys   int64     `json:"crossedKeys"`
	LastError     string    `json:"lastError,omitempty"`
	Since         time.Time `json:"since"`
}

// Counts is returned by stores for Stats.
type Counts struct {
	Clients int
	Threads int
}

// ConnectionStatus describes the gateway mode.
type ConnectionStatus struct {
	Connected bool      `json:"connected"`
	Mode      Mode      `json:"mode"`
	LastError string    `json:"lastError,omitempty"`
	Since     time.Time `json:"since"`
}

// JoinLabels serializes labels for storage.
func JoinLabels(labels []string) string {
	clean := make([]string, 0, len(labels))
	for _, l := range labels {
		if l = strings.TrimSpace(l); l != "" {
			clean = append(clean, l)
		}
	}
	return strings.Join(clean, LabelSeparator)
}

// SplitLabels parses a stored labels string.
func SplitLabels(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, LabelSeparator)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func ptr[T any](v T) *T { return &v }
