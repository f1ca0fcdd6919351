// Package model holds the persistent data model shared by the store, the
// admission controller and the fan-out engine.
package model

import "time"

// Channel is a named broadcast feed with a single publisher.
//
// AdminID is empty until the channel's first conversation opened by its
// creator joins; until then the channel cannot publish. Token never changes
// after provisioning.
type Channel struct {
	Name        string
	Token       string
	AdminID     string
	OriginID    string
	IntroText   string
	IntroPicURL string
	Muted       bool
}

// Subscriber is one joined bot identity. Cursor is the id of the last
// broadcast replayed to it, used by catch-up.
type Subscriber struct {
	BotID       string
	Channel     string
	Handle      string
	DisplayName string
	Muted       bool
	Cursor      int64
}

// ModerationState is the membership state of a handle on a channel.
type ModerationState int

const (
	Allow ModerationState = iota
	Block
)

func (s ModerationState) String() string {
	if s == Allow {
		return "allow"
	}
	return "block"
}

// ModerationEntry is one allow/block row, unique per (channel, handle).
type ModerationEntry struct {
	Channel string
	Handle  string
	State   ModerationState
}

// ContentKind discriminates the Content union.
type ContentKind string

const (
	KindText  ContentKind = "text"
	KindImage ContentKind = "image"
	KindAudio ContentKind = "audio"
	KindVideo ContentKind = "video"
	KindLink  ContentKind = "link"
)

// Asset is an uploaded media payload plus the metadata recipients need to
// render it. For link previews only URL/MimeType are typically set.
type Asset struct {
	Data     []byte `json:"data,omitempty"`
	URL      string `json:"url,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Name     string `json:"name,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
	Duration int    `json:"duration,omitempty"`
}

// Content is a tagged union over the publishable variants. Exactly the fields
// implied by Kind are meaningful:
//
//	text:  Text
//	image, audio, video: Asset
//	link:  URL (Title and Preview are filled in during publish)
type Content struct {
	Kind    ContentKind `json:"kind"`
	Text    string      `json:"text,omitempty"`
	URL     string      `json:"url,omitempty"`
	Title   string      `json:"title,omitempty"`
	Asset   *Asset      `json:"asset,omitempty"`
	Preview *Asset      `json:"preview,omitempty"`
}

// Text returns a text content item.
func Text(s string) Content { return Content{Kind: KindText, Text: s} }

// Link returns a link content item; the preview is resolved at publish time.
func Link(url string) Content { return Content{Kind: KindLink, URL: url} }

// Broadcast is the immutable record of one published content item. Deleted
// broadcasts are tombstoned, never removed, so catch-up can skip them.
type Broadcast struct {
	ID        int64
	Channel   string
	MessageID string
	Content   Content
	Deleted   bool
	CreatedAt time.Time
}

// InboundMessage is an append-only log row for subscriber-authored content.
type InboundMessage struct {
	ID        int64
	Channel   string
	BotID     string
	UserID    string
	Kind      ContentKind
	Text      string
	MimeType  string
	CreatedAt time.Time
}

// Candidate describes an identity asking to join a channel.
type Candidate struct {
	BotID       string
	OriginID    string
	Handle      string
	DisplayName string
}

// Member is one occupant of the conversation the candidate joins from.
// Service members are other automated identities.
type Member struct {
	UserID  string
	Service bool
}
