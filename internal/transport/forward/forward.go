// Package forward delivers to recipients by handing the payload to a sibling
// node's forward endpoint over HTTP. It implements both the per-recipient
// Transport and the batch dispatch strategy.
package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"

	"channelbot/internal/logx"
	"channelbot/internal/model"
	"channelbot/internal/transport"
)

// pushRequest is the single-recipient wire envelope.
type pushRequest struct {
	Op        string         `json:"op"` // "send" or "delete"
	MessageID string         `json:"message_id,omitempty"`
	Content   *model.Content `json:"content,omitempty"`
}

// BatchRequest is the batch-forward wire envelope.
type BatchRequest struct {
	Recipients []string      `json:"recipients"`
	Payload    model.Content `json:"payload"`
}

// BatchResponse reports how many recipients the remote node delivered to.
type BatchResponse struct {
	Delivered int `json:"delivered"`
}

type Client struct {
	base    *url.URL
	http    *http.Client
	retries uint
	log     logx.Logger
}

func New(baseURL string, timeout time.Duration, log logx.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("forward base url: %w", err)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		base:    u,
		http:    &http.Client{Timeout: timeout},
		retries: 3,
		log:     log,
	}, nil
}

func (c *Client) SendText(ctx context.Context, botID, text string) transport.Result {
	content := model.Text(text)
	return c.push(ctx, botID, pushRequest{Op: "send", Content: &content})
}

func (c *Client) SendAsset(ctx context.Context, botID string, asset *model.Asset) transport.Result {
	content := model.Content{Kind: kindForAsset(asset), Asset: asset}
	return c.push(ctx, botID, pushRequest{Op: "send", Content: &content})
}

func (c *Client) SendLinkPreview(ctx context.Context, botID, linkURL, title string, prev *model.Asset) transport.Result {
	content := model.Content{Kind: model.KindLink, URL: linkURL, Title: title, Preview: prev}
	return c.push(ctx, botID, pushRequest{Op: "send", Content: &content})
}

func (c *Client) DeleteMessage(ctx context.Context, botID, messageID string) transport.Result {
	return c.push(ctx, botID, pushRequest{Op: "delete", MessageID: messageID})
}

// ForwardBatch hands a recipient batch plus the payload to the sibling node,
// which repeats local per-recipient dispatch and reports its delivered count.
func (c *Client) ForwardBatch(ctx context.Context, botIDs []string, content model.Content) (int, error) {
	body, err := json.Marshal(BatchRequest{Recipients: botIDs, Payload: content})
	if err != nil {
		return 0, err
	}
	var out BatchResponse
	err = retry.Do(func() error {
		resp, err := c.do(ctx, http.MethodPut, c.endpoint("forward", "batch"), body)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("batch forward: status %d", resp.StatusCode)
		}
		return json.NewDecoder(resp.Body).Decode(&out)
	},
		retry.Context(ctx),
		retry.Attempts(c.retries),
		retry.Delay(200*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return 0, err
	}
	return out.Delivered, nil
}

func (c *Client) push(ctx context.Context, botID string, req pushRequest) transport.Result {
	body, err := json.Marshal(req)
	if err != nil {
		return transport.Failed(err)
	}
	endpoint := c.endpoint("forward", botID)

	var res transport.Result
	err = retry.Do(func() error {
		resp, err := c.do(ctx, http.MethodPost, endpoint, body)
		if err != nil {
			return err
		}
		defer func() {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}()
		switch {
		case resp.StatusCode == http.StatusOK:
			res = transport.OK()
			return nil
		case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
			res = transport.NotFound(fmt.Sprintf("status %d", resp.StatusCode))
			return nil
		default:
			return fmt.Errorf("forward %s: status %d", botID, resp.StatusCode)
		}
	},
		retry.Context(ctx),
		retry.Attempts(c.retries),
		retry.Delay(200*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return transport.Failed(err)
	}
	return res
}

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.http.Do(req)
}

func (c *Client) endpoint(parts ...string) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.Join(parts, "/")
	return u.String()
}

func kindForAsset(asset *model.Asset) model.ContentKind {
	if asset == nil {
		return model.KindImage
	}
	switch {
	case strings.HasPrefix(asset.MimeType, "audio/"):
		return model.KindAudio
	case strings.HasPrefix(asset.MimeType, "video/"):
		return model.KindVideo
	default:
		return model.KindImage
	}
}
