// Package router connects inbound conversation events to the admission
// controller, the command interpreters and the fan-out engine. It is the only
// place that knows whether a given bot identity is the channel's admin or a
// subscriber.
package router

import (
	"context"
	"errors"
	"fmt"

	"channelbot/internal/admission"
	"channelbot/internal/broadcast"
	"channelbot/internal/command"
	"channelbot/internal/logx"
	"channelbot/internal/model"
	"channelbot/internal/store"
	"channelbot/internal/transport"
)

// Store is the slice of the persistence contract the router needs.
type Store interface {
	Channel(ctx context.Context, name string) (*model.Channel, error)
	ChannelByAdmin(ctx context.Context, adminID string) (*model.Channel, error)
	Subscriber(ctx context.Context, botID string) (*model.Subscriber, error)
	AppendInbound(ctx context.Context, m model.InboundMessage) error
	RemoveSubscriber(ctx context.Context, botID string) error
}

type Handler struct {
	store  Store
	engine *broadcast.Engine
	cmds   *command.Interpreter
	admit  *admission.Controller
	sender transport.Transport
	log    logx.Logger
}

func NewHandler(st Store, engine *broadcast.Engine, cmds *command.Interpreter, admit *admission.Controller, sender transport.Transport, log logx.Logger) *Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Handler{store: st, engine: engine, cmds: cmds, admit: admit, sender: sender, log: log}
}

// OnJoin runs admission for a conversation asking to subscribe.
func (h *Handler) OnJoin(ctx context.Context, channelName string, cand model.Candidate, members []model.Member) (admission.Decision, error) {
	return h.admit.TryAdmit(ctx, channelName, cand, members)
}

// OnConversationStart greets a freshly created conversation: the admin gets
// the control-channel banner, a subscriber gets the intro picture and text.
func (h *Handler) OnConversationStart(ctx context.Context, botID string) error {
	ch, sub, err := h.resolve(ctx, botID)
	if err != nil {
		return err
	}
	if sub == nil {
		banner := fmt.Sprintf("This is the Admin Conversation for the Channel: **%s**.\n"+
			"Use this conversation to broadcast. Don't leave or delete it!\nType: /help", ch.Name)
		h.send(ctx, botID, banner)
		return nil
	}
	if ch.IntroPicURL != "" {
		h.sender.SendAsset(ctx, botID, &model.Asset{URL: ch.IntroPicURL, MimeType: "image/jpeg"})
	}
	intro := ch.IntroText
	if intro == "" {
		intro = fmt.Sprintf("This is **%s** channel", ch.Name)
	}
	h.send(ctx, botID, intro+"\n`Type: /help`")
	return nil
}

// OnText routes one inbound text line. Admin text is a command or a publish;
// subscriber text is a command or feedback logged and forwarded to the admin.
func (h *Handler) OnText(ctx context.Context, botID, userID, handle, messageID, text string) error {
	ch, sub, err := h.resolve(ctx, botID)
	if err != nil {
		return err
	}

	if sub == nil { // admin conversation
		handled, err := h.cmds.HandleAdmin(ctx, ch, text)
		if err != nil || handled {
			return err
		}
		content := model.Text(text)
		if isURL(text) {
			content = model.Link(text)
		}
		_, err = h.engine.Publish(ctx, ch.Name, messageID, content)
		return err
	}

	handled, err := h.cmds.HandleSubscriber(ctx, sub, text)
	if err != nil || handled {
		return err
	}
	if err := h.store.AppendInbound(ctx, model.InboundMessage{
		Channel: ch.Name, BotID: botID, UserID: userID, Kind: model.KindText, Text: text,
	}); err != nil {
		h.log.Warn("inbound log append failed", logx.String("bot", botID), logx.Err(err))
	}
	if !ch.Muted && ch.AdminID != "" {
		h.send(ctx, ch.AdminID, fmt.Sprintf("**@%s** wrote: _%s_", handle, text))
	}
	return nil
}

// OnAsset routes inbound media the same way OnText routes text.
func (h *Handler) OnAsset(ctx context.Context, botID, userID, handle, messageID string, kind model.ContentKind, asset *model.Asset) error {
	ch, sub, err := h.resolve(ctx, botID)
	if err != nil {
		return err
	}

	if sub == nil {
		_, err := h.engine.Publish(ctx, ch.Name, messageID, model.Content{Kind: kind, Asset: asset})
		return err
	}

	if err := h.store.AppendInbound(ctx, model.InboundMessage{
		Channel: ch.Name, BotID: botID, UserID: userID, Kind: kind, MimeType: asset.MimeType,
	}); err != nil {
		h.log.Warn("inbound log append failed", logx.String("bot", botID), logx.Err(err))
	}
	if !ch.Muted && ch.AdminID != "" {
		h.send(ctx, ch.AdminID, fmt.Sprintf("**@%s** has sent:", handle))
		h.sender.SendAsset(ctx, ch.AdminID, asset)
	}
	return nil
}

// OnDelete retracts a broadcast when the admin deletes the original message.
func (h *Handler) OnDelete(ctx context.Context, botID, messageID string) error {
	ch, sub, err := h.resolve(ctx, botID)
	if err != nil {
		return err
	}
	if sub != nil {
		return nil // only the admin may retract
	}
	return h.engine.Retract(ctx, ch.Name, messageID)
}

// OnRemoved drops the subscription when the identity leaves the channel.
func (h *Handler) OnRemoved(ctx context.Context, botID string) error {
	if err := h.store.RemoveSubscriber(ctx, botID); err != nil {
		return err
	}
	h.log.Info("removed subscriber", logx.String("bot", botID))
	return nil
}

// OnMemberEvent pings the admin about join/leave activity in a subscriber
// conversation, honoring the channel mute.
func (h *Handler) OnMemberEvent(ctx context.Context, botID, verb string, userIDs []string) error {
	ch, _, err := h.resolve(ctx, botID)
	if err != nil {
		return err
	}
	if ch.Muted || ch.AdminID == "" {
		return nil
	}
	for _, id := range userIDs {
		h.send(ctx, ch.AdminID, fmt.Sprintf("**%s** %s", id, verb))
	}
	return nil
}

// resolve maps a bot identity to its channel. A nil subscriber means the
// identity is the channel admin.
func (h *Handler) resolve(ctx context.Context, botID string) (*model.Channel, *model.Subscriber, error) {
	sub, err := h.store.Subscriber(ctx, botID)
	if err == nil {
		ch, cerr := h.store.Channel(ctx, sub.Channel)
		if cerr != nil {
			return nil, nil, cerr
		}
		return ch, sub, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, nil, err
	}
	// Not a subscriber row: admin conversations are tracked on the channel.
	ch, err := h.store.ChannelByAdmin(ctx, botID)
	if err != nil {
		return nil, nil, err
	}
	return ch, nil, nil
}

func (h *Handler) send(ctx context.Context, botID, text string) {
	if h.sender == nil {
		return
	}
	if res := h.sender.SendText(ctx, botID, text); res.Status != transport.Ok {
		h.log.Warn("send failed", logx.String("bot", botID), logx.String("detail", res.Detail))
	}
}

func isURL(s string) bool {
	return len(s) > 7 && (s[:7] == "http://" || (len(s) > 8 && s[:8] == "https://"))
}
