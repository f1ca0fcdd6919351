package broadcast

import (
	"context"

	"channelbot/internal/logx"
	"channelbot/internal/model"
	"channelbot/internal/transport"
)

// sendContent dispatches one content variant to one recipient.
func (e *Engine) sendContent(ctx context.Context, botID string, c model.Content) transport.Result {
	switch c.Kind {
	case model.KindText:
		return e.sender.SendText(ctx, botID, c.Text)
	case model.KindLink:
		return e.sender.SendLinkPreview(ctx, botID, c.URL, c.Title, c.Preview)
	case model.KindImage, model.KindAudio, model.KindVideo:
		return e.sender.SendAsset(ctx, botID, c.Asset)
	default:
		return transport.Failed(errUnknownKind(c.Kind))
	}
}

type errUnknownKind model.ContentKind

func (e errUnknownKind) Error() string { return "unknown content kind: " + string(e) }

// handleGone removes a stale subscription so it stops receiving fan-outs.
// This is the self-heal path for identities the transport reports as gone.
func (e *Engine) handleGone(ctx context.Context, botID, detail string) {
	if err := e.store.RemoveSubscriber(ctx, botID); err != nil {
		e.log.Warn("failed to remove gone subscriber", logx.String("bot", botID), logx.Err(err))
		return
	}
	e.log.Info("removed gone subscriber", logx.String("bot", botID), logx.String("detail", detail))
}

// notifyAdmin sends a best-effort message to the channel admin. Its failure
// never affects the operation that triggered it.
func (e *Engine) notifyAdmin(ctx context.Context, ch *model.Channel, text string) {
	if ch.AdminID == "" || e.sender == nil {
		return
	}
	if res := e.sender.SendText(ctx, ch.AdminID, text); res.Status != transport.Ok {
		e.log.Warn("admin notification failed",
			logx.String("channel", ch.Name),
			logx.String("detail", res.Detail))
	}
}
