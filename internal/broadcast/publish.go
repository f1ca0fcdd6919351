package broadcast

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"channelbot/internal/logx"
	"channelbot/internal/model"
	"channelbot/internal/transport"
)

// Publish persists content as a new broadcast of the channel and fans it out
// to every unmuted subscriber. It returns after all recipient tasks finish,
// so the report reflects final counts.
//
// The broadcast row is written before any delivery is attempted: a crash
// mid-fan-out loses deliveries, never history.
func (e *Engine) Publish(ctx context.Context, channelName, messageID string, content model.Content) (*DeliveryReport, error) {
	ch, err := e.store.Channel(ctx, channelName)
	if err != nil {
		return nil, err
	}
	if ch.AdminID == "" {
		return nil, fmt.Errorf("channel %s: %w", channelName, ErrNotActivated)
	}

	// Links are resolved up front, on the calling path: every recipient must
	// see the same title and preview asset.
	if content.Kind == model.KindLink && e.previews != nil {
		if p, err := e.previews.ResolvePreview(ctx, content.URL); err == nil {
			content.Title = p.Title
			content.Preview = p.Image
		} else {
			e.log.Warn("publishing link without preview", logx.String("url", content.URL), logx.Err(err))
		}
	}

	b := &model.Broadcast{Channel: ch.Name, MessageID: messageID, Content: content}
	if _, err := e.store.InsertBroadcast(ctx, b); err != nil {
		return nil, fmt.Errorf("persist broadcast: %w", err)
	}

	subs, err := e.store.ActiveSubscribers(ctx, ch.Name)
	if err != nil {
		return nil, err
	}
	recipients := make([]string, 0, len(subs))
	for _, s := range subs {
		if s.BotID == ch.AdminID {
			continue
		}
		recipients = append(recipients, s.BotID)
	}

	report := e.fanOut(ctx, recipients, content)

	e.log.Info("broadcast finished",
		logx.String("channel", ch.Name),
		logx.String("message", messageID),
		logx.Int("attempted", report.Attempted),
		logx.Int("failed", report.Failed),
		logx.Duration("elapsed", report.Elapsed))

	e.notifyAdmin(ctx, ch, report.Summary())
	return report, nil
}

// fanOut dispatches content to the recipients over the pool and blocks until
// every submitted task has finished.
func (e *Engine) fanOut(ctx context.Context, recipients []string, content model.Content) *DeliveryReport {
	start := time.Now()
	report := &DeliveryReport{Attempted: len(recipients)}
	if len(recipients) == 0 {
		report.Elapsed = time.Since(start)
		return report
	}

	var delivered, failed atomic.Int64
	var wg sync.WaitGroup

	e.mu.Lock()
	batchSize := e.cfg.BatchSize
	e.mu.Unlock()

	if e.batcher != nil && batchSize > 0 {
		for _, batch := range partition(recipients, batchSize) {
			batch := batch
			wg.Add(1)
			e.submit(func() {
				defer wg.Done()
				// A panicking dispatch still counts: the report must balance.
				defer func() {
					if r := recover(); r != nil {
						failed.Add(int64(len(batch)))
						e.log.Error("panic in batch dispatch",
							logx.Int("size", len(batch)),
							logx.Any("panic", r),
							logx.String("stack", string(debug.Stack())))
					}
				}()
				n, err := e.batcher.ForwardBatch(ctx, batch, content)
				if err != nil {
					e.log.Warn("batch forward failed", logx.Int("size", len(batch)), logx.Err(err))
					failed.Add(int64(len(batch)))
					return
				}
				if n > len(batch) {
					n = len(batch)
				}
				delivered.Add(int64(n))
				failed.Add(int64(len(batch) - n))
			})
		}
	} else {
		for _, botID := range recipients {
			botID := botID
			wg.Add(1)
			e.submit(func() {
				defer wg.Done()
				defer func() {
					if r := recover(); r != nil {
						failed.Add(1)
						e.log.Error("panic delivering to recipient",
							logx.String("bot", botID),
							logx.Any("panic", r),
							logx.String("stack", string(debug.Stack())))
					}
				}()
				e.waitSend(ctx)
				res := e.sendContent(ctx, botID, content)
				switch res.Status {
				case transport.Ok:
					delivered.Add(1)
				case transport.Gone:
					failed.Add(1)
					e.handleGone(ctx, botID, res.Detail)
				default:
					failed.Add(1)
					e.log.Warn("delivery failed", logx.String("bot", botID), logx.String("detail", res.Detail))
				}
			})
		}
	}

	wg.Wait()
	report.Delivered = int(delivered.Load())
	report.Failed = int(failed.Load())
	report.Elapsed = time.Since(start)
	return report
}

func partition(ids []string, size int) [][]string {
	if size <= 0 {
		return [][]string{ids}
	}
	var out [][]string
	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}
