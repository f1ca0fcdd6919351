// Package admission decides whether a joining bot identity may subscribe to
// a channel.
package admission

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"channelbot/internal/logx"
	"channelbot/internal/model"
	"channelbot/internal/store"
	"channelbot/internal/transport"
)

// Reason classifies a rejection.
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonUnknownChannel Reason = "unknown channel"
	ReasonNotAllowed     Reason = "handle not on allow list"
	ReasonBlocked        Reason = "handle is blocked"
	ReasonBotPresent     Reason = "another bot is already in the conversation"
)

// Decision is the outcome of one admission attempt.
type Decision struct {
	Accepted bool
	// Admin is true when the candidate was promoted to channel admin instead
	// of being enrolled as a subscriber.
	Admin  bool
	Reason Reason
}

// Store is the slice of the persistence contract admission needs.
type Store interface {
	Channel(ctx context.Context, name string) (*model.Channel, error)
	ModerationHandles(ctx context.Context, channel string, state model.ModerationState) ([]string, error)
	InsertSubscriber(ctx context.Context, sub model.Subscriber) (bool, error)
	SetChannelAdmin(ctx context.Context, name, adminID string) error
	LastBroadcastID(ctx context.Context, channel string) (int64, error)
}

type Controller struct {
	store  Store
	sender transport.Transport // for the best-effort joined ping; may be nil
	log    logx.Logger
}

func NewController(st Store, sender transport.Transport, log logx.Logger) *Controller {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Controller{store: st, sender: sender, log: log}
}

// TryAdmit applies the moderation and co-occupancy rules and, on acceptance,
// enrolls the candidate. Admitting the same BotID twice is a no-op, so the
// call is safe to retry.
//
// The allow list takes precedence: while it is non-empty it alone gates
// entry and the block list is ignored.
func (c *Controller) TryAdmit(ctx context.Context, channelName string, cand model.Candidate, members []model.Member) (Decision, error) {
	ch, err := c.store.Channel(ctx, channelName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Decision{Reason: ReasonUnknownChannel}, nil
		}
		return Decision{}, err
	}

	handle := strings.ToLower(strings.TrimSpace(cand.Handle))
	allowed, err := c.store.ModerationHandles(ctx, ch.Name, model.Allow)
	if err != nil {
		return Decision{}, err
	}
	if len(allowed) > 0 {
		if !contains(allowed, handle) {
			c.log.Info("admission rejected: not on allow list",
				logx.String("channel", ch.Name), logx.String("handle", handle))
			return Decision{Reason: ReasonNotAllowed}, nil
		}
	} else {
		blocked, err := c.store.ModerationHandles(ctx, ch.Name, model.Block)
		if err != nil {
			return Decision{}, err
		}
		if contains(blocked, handle) {
			c.log.Info("admission rejected: blocked",
				logx.String("channel", ch.Name), logx.String("handle", handle))
			return Decision{Reason: ReasonBlocked}, nil
		}
	}

	// Channels are single-bot-per-conversation: refuse to share a
	// conversation with another automated identity.
	for _, m := range members {
		if m.Service {
			c.log.Warn("admission rejected: service member present",
				logx.String("channel", ch.Name), logx.String("member", m.UserID))
			return Decision{Reason: ReasonBotPresent}, nil
		}
	}

	// A re-delivered join for the admin conversation must not enroll the
	// admin as a subscriber.
	if ch.AdminID != "" && ch.AdminID == cand.BotID {
		return Decision{Accepted: true, Admin: true}, nil
	}

	// One-time bootstrap: the first conversation opened by the channel's
	// creator becomes the admin (control) conversation.
	if ch.AdminID == "" && cand.OriginID == ch.OriginID {
		if err := c.store.SetChannelAdmin(ctx, ch.Name, cand.BotID); err != nil {
			return Decision{}, fmt.Errorf("promote admin: %w", err)
		}
		c.log.Info("channel activated",
			logx.String("channel", ch.Name), logx.String("admin", cand.BotID))
		return Decision{Accepted: true, Admin: true}, nil
	}

	// Seed the cursor at the current head so catch-up replays only posts made
	// after the join.
	cursor, err := c.store.LastBroadcastID(ctx, ch.Name)
	if err != nil {
		return Decision{}, err
	}
	inserted, err := c.store.InsertSubscriber(ctx, model.Subscriber{
		BotID:       cand.BotID,
		Channel:     ch.Name,
		Handle:      handle,
		DisplayName: cand.DisplayName,
		Cursor:      cursor,
	})
	if err != nil {
		return Decision{}, err
	}

	if inserted && !ch.Muted && ch.AdminID != "" && c.sender != nil {
		// Fire-and-forget: a failed ping must not fail admission.
		go func() {
			text := fmt.Sprintf("**%s** joined", cand.DisplayName)
			if res := c.sender.SendText(context.WithoutCancel(ctx), ch.AdminID, text); res.Status != transport.Ok {
				c.log.Warn("joined ping failed",
					logx.String("channel", ch.Name), logx.String("detail", res.Detail))
			}
		}()
	}

	return Decision{Accepted: true}, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
