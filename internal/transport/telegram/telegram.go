// Package telegram adapts a Telegram bot to the delivery contract and feeds
// inbound chat traffic into the conversation router. Recipient ids are chat
// ids rendered as decimal strings.
package telegram

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"channelbot/internal/logx"
	"channelbot/internal/model"
	"channelbot/internal/router"
	"channelbot/internal/transport"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// Channel is the feed every Telegram chat maps onto. Telegram gives us a
	// single bot identity, so one adapter serves one channel.
	Channel string
}

type Adapter struct {
	cfg Config
	bot *tele.Bot
	log logx.Logger
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Adapter{cfg: cfg, bot: b, log: log}, nil
}

func (a *Adapter) SendText(ctx context.Context, botID, text string) transport.Result {
	rcp, err := recipient(botID)
	if err != nil {
		return transport.Failed(err)
	}
	_, err = a.bot.Send(rcp, text, tele.ModeMarkdown)
	return a.classify(botID, err)
}

func (a *Adapter) SendAsset(ctx context.Context, botID string, asset *model.Asset) transport.Result {
	if asset == nil {
		return transport.Failed(errors.New("media content without asset"))
	}
	rcp, err := recipient(botID)
	if err != nil {
		return transport.Failed(err)
	}
	_, err = a.bot.Send(rcp, sendable(asset))
	return a.classify(botID, err)
}

func (a *Adapter) SendLinkPreview(ctx context.Context, botID, url, title string, preview *model.Asset) transport.Result {
	rcp, err := recipient(botID)
	if err != nil {
		return transport.Failed(err)
	}
	text := url
	if title != "" {
		text = fmt.Sprintf("[%s](%s)", title, url)
	}
	// Telegram renders its own preview card, so the resolved preview asset is
	// not re-uploaded here.
	_, err = a.bot.Send(rcp, text, tele.ModeMarkdown)
	return a.classify(botID, err)
}

func (a *Adapter) DeleteMessage(ctx context.Context, botID, messageID string) transport.Result {
	chatID, err := strconv.ParseInt(botID, 10, 64)
	if err != nil {
		return transport.Failed(fmt.Errorf("chat id %q: %w", botID, err))
	}
	err = a.bot.Delete(&tele.StoredMessage{MessageID: messageID, ChatID: chatID})
	return a.classify(botID, err)
}

// Run wires inbound updates into the router and blocks until ctx is done.
// Telegram has no join ceremony, so /start doubles as admission plus greeting.
func (a *Adapter) Run(ctx context.Context, h *router.Handler) {
	a.bot.Handle("/start", func(c tele.Context) error {
		id := chatID(c)
		cand := model.Candidate{
			BotID:       id,
			OriginID:    id,
			Handle:      c.Sender().Username,
			DisplayName: strings.TrimSpace(c.Sender().FirstName + " " + c.Sender().LastName),
		}
		dec, err := h.OnJoin(ctx, a.cfg.Channel, cand, nil)
		if err != nil {
			return err
		}
		if !dec.Accepted {
			a.log.Info("join rejected", logx.String("chat", id), logx.String("reason", string(dec.Reason)))
			return nil
		}
		return h.OnConversationStart(ctx, id)
	})

	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		return h.OnText(ctx, chatID(c), chatID(c), c.Sender().Username,
			strconv.Itoa(c.Message().ID), c.Text())
	})

	a.bot.Handle(tele.OnPhoto, func(c tele.Context) error {
		return a.onMedia(ctx, h, c, model.KindImage, c.Message().Photo.MediaFile(), "image/jpeg")
	})
	a.bot.Handle(tele.OnAudio, func(c tele.Context) error {
		return a.onMedia(ctx, h, c, model.KindAudio, c.Message().Audio.MediaFile(), "audio/mpeg")
	})
	a.bot.Handle(tele.OnVideo, func(c tele.Context) error {
		return a.onMedia(ctx, h, c, model.KindVideo, c.Message().Video.MediaFile(), "video/mp4")
	})

	go func() {
		<-ctx.Done()
		a.bot.Stop()
	}()
	a.bot.Start()
}

func (a *Adapter) onMedia(ctx context.Context, h *router.Handler, c tele.Context, kind model.ContentKind, file *tele.File, mime string) error {
	f, err := a.bot.FileByID(file.FileID)
	if err != nil {
		return err
	}
	url := a.bot.URL + "/file/bot" + a.bot.Token + "/" + f.FilePath
	asset := &model.Asset{URL: url, MimeType: mime, Size: file.FileSize}
	return h.OnAsset(ctx, chatID(c), chatID(c), c.Sender().Username,
		strconv.Itoa(c.Message().ID), kind, asset)
}

func (a *Adapter) classify(botID string, err error) transport.Result {
	switch {
	case err == nil:
		return transport.OK()
	case errors.Is(err, tele.ErrChatNotFound),
		errors.Is(err, tele.ErrBlockedByUser),
		errors.Is(err, tele.ErrUserIsDeactivated):
		return transport.NotFound(err.Error())
	default:
		a.log.Warn("telegram send failed", logx.String("chat", botID), logx.Err(err))
		return transport.Failed(err)
	}
}

func recipient(botID string) (tele.Recipient, error) {
	id, err := strconv.ParseInt(botID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("chat id %q: %w", botID, err)
	}
	return tele.ChatID(id), nil
}

func sendable(asset *model.Asset) tele.Sendable {
	var f tele.File
	switch {
	case asset.URL != "":
		f = tele.FromURL(asset.URL)
	default:
		f = tele.FromReader(bytes.NewReader(asset.Data))
	}
	switch {
	case strings.HasPrefix(asset.MimeType, "audio/"):
		return &tele.Audio{File: f, FileName: asset.Name}
	case strings.HasPrefix(asset.MimeType, "video/"):
		return &tele.Video{File: f, FileName: asset.Name}
	default:
		return &tele.Photo{File: f}
	}
}

func chatID(c tele.Context) string {
	return strconv.FormatInt(c.Chat().ID, 10)
}
