// Package command parses and executes the slash commands understood by the
// admin conversation and by subscriber conversations.
//
// Both entry points return handled=true when the input was consumed as a
// command (including unknown /-prefixed input); the caller must then not
// treat the text as publishable content.
package command

import (
	"context"
	"fmt"
	"strings"

	"channelbot/internal/logx"
	"channelbot/internal/model"
	"channelbot/internal/transport"
)

// Store is the slice of the persistence contract the interpreter mutates.
type Store interface {
	SetChannelWelcome(ctx context.Context, name, text string) error
	SetChannelIntroPic(ctx context.Context, name, url string) error
	SetChannelMuted(ctx context.Context, name string, muted bool) error
	UpsertModeration(ctx context.Context, e model.ModerationEntry) error
	ClearModeration(ctx context.Context, channel string) error
	SubscriberCount(ctx context.Context, channel string) (int, error)
	BroadcastCount(ctx context.Context, channel string) (int, error)
	InboundCount(ctx context.Context, channel string) (int, error)
	SetSubscriberMuted(ctx context.Context, botID string, muted bool) error
}

// Replayer runs subscriber catch-up; the fan-out engine implements it.
type Replayer interface {
	CatchUp(ctx context.Context, sub *model.Subscriber, limit int) (int, error)
}

type Interpreter struct {
	store    Store
	sender   transport.Transport
	replay   Replayer
	log      logx.Logger
	host     string // public host rendered into the /curl example
	prevSize int
}

func NewInterpreter(st Store, sender transport.Transport, replay Replayer, host string, prevSize int, log logx.Logger) *Interpreter {
	if prevSize <= 0 {
		prevSize = 5
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Interpreter{store: st, sender: sender, replay: replay, log: log, host: host, prevSize: prevSize}
}

func (i *Interpreter) reply(ctx context.Context, botID, text string) {
	if i.sender == nil {
		return
	}
	if res := i.sender.SendText(ctx, botID, text); res.Status != transport.Ok {
		i.log.Warn("command reply failed", logx.String("bot", botID), logx.String("detail", res.Detail))
	}
}

const adminHelp = "List of available commands:\n" +
	"`/welcome <text>` Set **Intro Text** for new Subscribers\n" +
	"`/intro <url-or-text>` Set **Intro Picture** (URL) or Intro Text\n" +
	"`/mute` **Mute** all incoming messages from Subscribers\n" +
	"`/unmute` **Unmute** all incoming messages from Subscribers\n" +
	"`/allow @<username>` **Allow list** user with this @username\n" +
	"`/block @<username>` **Block list** user with this @username\n" +
	"`/public` Clear Allow and Block lists. Anybody can join\n" +
	"`/curl` Show `curl` command for broadcasting\n" +
	"`/stats` Show some **statistics**: #posts, #subscribers, #messages"

// HandleAdmin interprets text sent by the channel admin. It reports whether
// the text was a command; non-command text is the caller's to publish.
func (i *Interpreter) HandleAdmin(ctx context.Context, ch *model.Channel, text string) (bool, error) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return false, nil
	}
	cmd, arg := split(text)

	switch cmd {
	case "/help":
		i.reply(ctx, ch.AdminID, adminHelp)

	case "/welcome":
		if err := i.store.SetChannelWelcome(ctx, ch.Name, arg); err != nil {
			return true, err
		}
		i.reply(ctx, ch.AdminID, "Updated `intro text`")

	case "/intro":
		if strings.HasPrefix(arg, "http") {
			if err := i.store.SetChannelIntroPic(ctx, ch.Name, arg); err != nil {
				return true, err
			}
			i.reply(ctx, ch.AdminID, "Updated `intro picture`")
		} else {
			if err := i.store.SetChannelWelcome(ctx, ch.Name, arg); err != nil {
				return true, err
			}
			i.reply(ctx, ch.AdminID, "Updated `intro text`")
		}

	case "/mute":
		if err := i.store.SetChannelMuted(ctx, ch.Name, true); err != nil {
			return true, err
		}
		i.reply(ctx, ch.AdminID, "You won't receive info about subscribers' activity anymore. Type `/unmute` to resume")

	case "/unmute":
		if err := i.store.SetChannelMuted(ctx, ch.Name, false); err != nil {
			return true, err
		}
		i.reply(ctx, ch.AdminID, "Resumed. Type `/mute` to mute")

	case "/allow", "/block":
		handle := strings.ToLower(arg)
		if !strings.HasPrefix(handle, "@") {
			i.reply(ctx, ch.AdminID, "Usage: `"+cmd+" @username`")
			return true, nil
		}
		state := model.Allow
		list := "Allow List"
		if cmd == "/block" {
			state = model.Block
			list = "Block List"
		}
		entry := model.ModerationEntry{Channel: ch.Name, Handle: strings.TrimPrefix(handle, "@"), State: state}
		if err := i.store.UpsertModeration(ctx, entry); err != nil {
			return true, err
		}
		i.reply(ctx, ch.AdminID, handle+" added to "+list)

	case "/public":
		if err := i.store.ClearModeration(ctx, ch.Name); err != nil {
			return true, err
		}
		i.reply(ctx, ch.AdminID, "Channel made **public** again")

	case "/stats":
		msg, err := i.stats(ctx, ch.Name)
		if err != nil {
			return true, err
		}
		i.reply(ctx, ch.AdminID, msg)

	case "/curl":
		i.reply(ctx, ch.AdminID, i.curlExample(ch))

	default:
		i.reply(ctx, ch.AdminID, "Unknown command: `"+cmd+"`")
	}
	return true, nil
}

func (i *Interpreter) stats(ctx context.Context, channel string) (string, error) {
	subs, err := i.store.SubscriberCount(ctx, channel)
	if err != nil {
		return "", err
	}
	posts, err := i.store.BroadcastCount(ctx, channel)
	if err != nil {
		return "", err
	}
	messages, err := i.store.InboundCount(ctx, channel)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("```\nSubscribers: %d\nMessages:    %d\nPosts:       %d\n```", subs, messages, posts), nil
}

// curlExample renders a ready-to-run publish command embedding the channel
// token. A convenience for the admin, not a security control.
func (i *Interpreter) curlExample(ch *model.Channel) string {
	host := i.host
	if host == "" {
		host = "localhost:8150"
	}
	return fmt.Sprintf("```\ncurl -ikXPOST https://%s/channels/%s/broadcast "+
		"-d'{\"content\":{\"kind\":\"text\",\"text\":\"Hi there!\"}}' "+
		"-H'Authorization:Bearer %s' -H'Content-Type:application/json'\n```",
		host, ch.Name, ch.Token)
}

// split separates "/cmd arg words" into the command token and its trimmed
// argument remainder.
func split(text string) (cmd, arg string) {
	parts := strings.SplitN(text, " ", 2)
	cmd = strings.ToLower(parts[0])
	if len(parts) == 2 {
		arg = strings.TrimSpace(parts[1])
	}
	return cmd, arg
}
