// Package preview resolves a shared link into a (title, preview image) pair
// and memoizes the result so a repeatedly-shared URL is only fetched once.
package preview

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html"

	"channelbot/internal/model"
)

// Preview is a resolved link: the page title plus an optional preview image.
type Preview struct {
	Title string
	Image *model.Asset
}

// Resolver turns a URL into a Preview. Implementations must be safe for
// concurrent use.
type Resolver interface {
	Resolve(ctx context.Context, url string) (*Preview, error)
}

// Uploader pushes a preview image to the asset backend so all recipients
// share one uploaded copy. A nil Uploader leaves the image as a plain URL.
type Uploader func(ctx context.Context, imageURL string) (*model.Asset, error)

// PageResolver fetches the page and extracts og:title / og:image, falling
// back to the <title> element.
type PageResolver struct {
	Client   *http.Client
	Upload   Uploader
	MaxBytes int64
}

const defaultMaxBytes = 1 << 20

func NewPageResolver(upload Uploader) *PageResolver {
	return &PageResolver{
		Client: &http.Client{Timeout: 10 * time.Second},
		Upload: upload,
	}
}

func (r *PageResolver) Resolve(ctx context.Context, url string) (*Preview, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}

	max := r.MaxBytes
	if max <= 0 {
		max = defaultMaxBytes
	}
	title, imageURL, err := extractMeta(io.LimitReader(resp.Body, max))
	if err != nil {
		return nil, err
	}
	if title == "" && imageURL == "" {
		return nil, errors.New("no preview metadata")
	}

	p := &Preview{Title: title}
	if imageURL != "" {
		if r.Upload != nil {
			asset, err := r.Upload(ctx, imageURL)
			if err != nil {
				// A missing picture is not fatal; the link still previews.
				p.Image = &model.Asset{URL: imageURL, MimeType: "image/jpeg"}
			} else {
				p.Image = asset
			}
		} else {
			p.Image = &model.Asset{URL: imageURL, MimeType: "image/jpeg"}
		}
	}
	return p, nil
}

// extractMeta scans the document for og:title and og:image, keeping the
// plain <title> text as a fallback.
func extractMeta(r io.Reader) (title, image string, err error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", "", err
	}

	var plainTitle string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "meta":
				var prop, content string
				for _, a := range n.Attr {
					switch a.Key {
					case "property":
						prop = a.Val
					case "content":
						content = a.Val
					}
				}
				switch prop {
				case "og:title":
					if title == "" {
						title = content
					}
				case "og:image":
					if image == "" {
						image = content
					}
				}
			case "title":
				if plainTitle == "" && n.FirstChild != nil && n.FirstChild.Type == html.TextNode {
					plainTitle = strings.TrimSpace(n.FirstChild.Data)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	if title == "" {
		title = plainTitle
	}
	return title, image, nil
}
