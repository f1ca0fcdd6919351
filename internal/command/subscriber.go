package command

import (
	"context"
	"strings"

	"channelbot/internal/model"
)

const subscriberHelp = "List of available commands:\n" +
	"`/prev` Show previous posts\n" +
	"`/mute` Mute all new posts\n" +
	"`/unmute` Resume posts in this channel"

// HandleSubscriber interprets text sent from a subscriber conversation.
// Non-command text is the caller's to log and forward to the admin.
func (i *Interpreter) HandleSubscriber(ctx context.Context, sub *model.Subscriber, text string) (bool, error) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return false, nil
	}
	cmd, _ := split(text)

	switch cmd {
	case "/help":
		i.reply(ctx, sub.BotID, subscriberHelp)

	case "/prev":
		if i.replay == nil {
			break
		}
		if _, err := i.replay.CatchUp(ctx, sub, i.prevSize); err != nil {
			return true, err
		}

	case "/mute":
		if err := i.store.SetSubscriberMuted(ctx, sub.BotID, true); err != nil {
			return true, err
		}
		i.reply(ctx, sub.BotID, "You won't receive posts here anymore. Type: `/unmute` to resume")

	case "/unmute":
		if err := i.store.SetSubscriberMuted(ctx, sub.BotID, false); err != nil {
			return true, err
		}
		i.reply(ctx, sub.BotID, "Posts resumed")

	default:
		i.reply(ctx, sub.BotID, "Unknown command: `"+cmd+"`")
	}
	return true, nil
}
