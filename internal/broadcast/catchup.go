package broadcast

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"channelbot/internal/logx"
	"channelbot/internal/model"
	"channelbot/internal/transport"
)

const defaultPace = 750 * time.Millisecond

// CatchUp replays to one subscriber the non-retracted broadcasts it has not
// seen yet, oldest first, capped at limit. Replay is strictly ordered and
// paced on the calling goroutine; this is the one ordered delivery path in
// the engine.
//
// The cursor is advanced to the newest fetched broadcast before delivery
// starts: a crash mid-replay skips messages rather than flooding the
// subscriber with duplicates on retry. Catch-up is at-most-once.
func (e *Engine) CatchUp(ctx context.Context, sub *model.Subscriber, limit int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}
	pending, err := e.store.BroadcastsAfter(ctx, sub.Channel, sub.Cursor, limit)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	newest := pending[len(pending)-1].ID
	if err := e.store.SetSubscriberCursor(ctx, sub.BotID, newest); err != nil {
		return 0, fmt.Errorf("advance cursor: %w", err)
	}
	sub.Cursor = newest

	e.mu.Lock()
	pace := e.cfg.Pace
	e.mu.Unlock()
	if pace <= 0 {
		pace = defaultPace
	}
	// First send goes out immediately; the limiter spaces the rest.
	limiter := rate.NewLimiter(rate.Every(pace), 1)

	sent := 0
	for _, b := range pending {
		if err := limiter.Wait(ctx); err != nil {
			return sent, err
		}
		res := e.sendContent(ctx, sub.BotID, b.Content)
		switch res.Status {
		case transport.Ok:
			sent++
		case transport.Gone:
			e.handleGone(ctx, sub.BotID, res.Detail)
			return sent, nil
		default:
			e.log.Warn("catch-up delivery failed",
				logx.String("bot", sub.BotID),
				logx.Int64("broadcast", b.ID),
				logx.String("detail", res.Detail))
		}
	}

	e.log.Info("catch-up replayed",
		logx.String("bot", sub.BotID),
		logx.String("channel", sub.Channel),
		logx.Int("sent", sent),
		logx.Int64("cursor", newest))
	return sent, nil
}
