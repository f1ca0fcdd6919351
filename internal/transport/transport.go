// Package transport defines the per-recipient delivery primitive the fan-out
// engine depends on. The engine never sees a concrete messaging client; it is
// handed a Transport at construction.
package transport

import (
	"context"

	"channelbot/internal/model"
)

// Status classifies the outcome of one delivery attempt.
type Status int

const (
	// Ok means the recipient accepted the message.
	Ok Status = iota
	// Gone means the recipient identity no longer exists. The engine removes
	// such subscribers as a side effect.
	Gone
	// Transient covers timeouts and other retryable transport errors. The
	// engine counts these as failures without retrying within the same call.
	Transient
)

// Result is the outcome of one send. Detail is free-form diagnostic text for
// non-Ok results.
type Result struct {
	Status Status
	Detail string
}

func OK() Result { return Result{Status: Ok} }

func NotFound(d string) Result { return Result{Status: Gone, Detail: d} }

func Failed(err error) Result {
	if err == nil {
		return Result{Status: Ok}
	}
	return Result{Status: Transient, Detail: err.Error()}
}

// Transport is the narrow delivery contract. Every call owns its own timeout;
// the engine treats any error as a per-recipient failure.
type Transport interface {
	SendText(ctx context.Context, botID, text string) Result
	SendAsset(ctx context.Context, botID string, asset *model.Asset) Result
	SendLinkPreview(ctx context.Context, botID, url, title string, preview *model.Asset) Result
	DeleteMessage(ctx context.Context, botID, messageID string) Result
}

// Batcher is the optional horizontal-scaling strategy: forward a recipient id
// batch plus the payload to a sibling node that repeats local dispatch.
// It reports how many recipients the remote node delivered to.
type Batcher interface {
	ForwardBatch(ctx context.Context, botIDs []string, content model.Content) (delivered int, err error)
}
