// Package store owns all durable state: channels, subscribers, moderation
// lists, broadcast history and the inbound message log.
package store

import (
	"context"
	"errors"
	"time"

	"channelbot/internal/logx"
	"channelbot/internal/model"
)

// ErrNotFound is returned when a named channel or subscriber does not exist.
var ErrNotFound = errors.New("not found")

// Store is the persistence API consumed by admission, commands and the
// fan-out engine. Implementations must serialize conflicting writes at row
// granularity; callers never hold locks across calls.
type Store interface {
	// Channels.
	InsertChannel(ctx context.Context, name, token, originID string) error
	Channel(ctx context.Context, name string) (*model.Channel, error)
	Channels(ctx context.Context) ([]model.Channel, error)
	ChannelByAdmin(ctx context.Context, adminID string) (*model.Channel, error)
	DeleteChannel(ctx context.Context, name string) error
	SetChannelAdmin(ctx context.Context, name, adminID string) error
	SetChannelWelcome(ctx context.Context, name, text string) error
	SetChannelIntroPic(ctx context.Context, name, url string) error
	SetChannelMuted(ctx context.Context, name string, muted bool) error

	// Subscribers. InsertSubscriber reports whether a row was created;
	// inserting an existing BotID is a no-op, not an error.
	InsertSubscriber(ctx context.Context, sub model.Subscriber) (bool, error)
	Subscriber(ctx context.Context, botID string) (*model.Subscriber, error)
	Subscribers(ctx context.Context, channel string) ([]model.Subscriber, error)
	ActiveSubscribers(ctx context.Context, channel string) ([]model.Subscriber, error)
	RemoveSubscriber(ctx context.Context, botID string) error
	SetSubscriberMuted(ctx context.Context, botID string, muted bool) error
	SetSubscriberCursor(ctx context.Context, botID string, cursor int64) error
	SubscriberCount(ctx context.Context, channel string) (int, error)

	// Moderation.
	UpsertModeration(ctx context.Context, e model.ModerationEntry) error
	ModerationHandles(ctx context.Context, channel string, state model.ModerationState) ([]string, error)
	ClearModeration(ctx context.Context, channel string) error

	// Broadcasts. InsertBroadcast assigns and returns the monotonic id.
	InsertBroadcast(ctx context.Context, b *model.Broadcast) (int64, error)
	BroadcastsAfter(ctx context.Context, channel string, afterID int64, limit int) ([]model.Broadcast, error)
	LastBroadcastID(ctx context.Context, channel string) (int64, error)
	TombstoneBroadcast(ctx context.Context, channel, messageID string) (bool, error)
	BroadcastCount(ctx context.Context, channel string) (int, error)
	PurgeTombstones(ctx context.Context, olderThan time.Time) (int64, error)

	// Inbound log.
	AppendInbound(ctx context.Context, m model.InboundMessage) error
	InboundCount(ctx context.Context, channel string) (int, error)
	TrimInbound(ctx context.Context, channel string, keep int) (int64, error)

	Close() error
}

// Config configures the sqlite backend.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means driver default
}

// Open initializes the sqlite store at cfg.Path, creating the schema if
// needed.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	return openSQLite(cfg, log)
}
