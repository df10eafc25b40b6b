// Package cachepit composes a caching reverse proxy for S3-compatible object
// storage: a server decodes inbound requests into envelopes, an ordered stack
// of middlewares inspects them, and a client resolves whatever reaches the
// end of the stack against the upstream endpoint.
package cachepit

import (
	"context"

	"github.com/cachepit/cachepit/event"
	"github.com/cachepit/cachepit/req"
)

// Next is the continuation toward the client. The last middleware's next is
// the client itself.
type Next func(ctx context.Context, r *req.Request) (*req.Response, error)

// Middleware intercepts a request on its way to the client. It may
// short-circuit with a response, mutate the request before calling next,
// observe or rewrite the response afterwards, or fail.
type Middleware interface {
	Call(ctx context.Context, r *req.Request, next Next) (*req.Response, error)
}

// Subscriber is implemented by middlewares that want invalidation events.
// The pipeline hands the bus to every subscriber when the handler is built.
type Subscriber interface {
	Subscribe(bus *event.Bus)
}

// Client resolves an envelope by issuing the request upstream.
type Client interface {
	Send(ctx context.Context, r *req.Request) (*req.Response, error)
}

// Identity is the do-nothing middleware.
type Identity struct{}

// Call forwards the request unchanged.
func (Identity) Call(ctx context.Context, r *req.Request, next Next) (*req.Response, error) {
	return next(ctx, r)
}
