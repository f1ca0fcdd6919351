package broadcast

import (
	"context"
	"fmt"
	"sync"

	"channelbot/internal/logx"
	"channelbot/internal/store"
	"channelbot/internal/transport"
)

// Retract tombstones the broadcast identified by messageID and fans out a
// delete instruction to the channel's current recipients. The tombstone keeps
// the row out of catch-up replay without rewriting history ids.
func (e *Engine) Retract(ctx context.Context, channelName, messageID string) error {
	ch, err := e.store.Channel(ctx, channelName)
	if err != nil {
		return err
	}
	ok, err := e.store.TombstoneBroadcast(ctx, ch.Name, messageID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no broadcast %s in channel %s: %w", messageID, ch.Name, store.ErrNotFound)
	}

	subs, err := e.store.ActiveSubscribers(ctx, ch.Name)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, s := range subs {
		if s.BotID == ch.AdminID {
			continue
		}
		botID := s.BotID
		wg.Add(1)
		e.submit(func() {
			defer wg.Done()
			e.waitSend(ctx)
			res := e.sender.DeleteMessage(ctx, botID, messageID)
			switch res.Status {
			case transport.Ok:
			case transport.Gone:
				e.handleGone(ctx, botID, res.Detail)
			default:
				e.log.Warn("retraction delivery failed",
					logx.String("bot", botID), logx.String("detail", res.Detail))
			}
		})
	}
	wg.Wait()

	e.log.Info("broadcast retracted", logx.String("channel", ch.Name), logx.String("message", messageID))
	return nil
}
