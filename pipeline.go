package cachepit

import (
	"context"
	"io"

	"github.com/rs/zerolog"

	"github.com/cachepit/cachepit/event"
	"github.com/cachepit/cachepit/req"
)

// PipelineConfig wires a pipeline together.
type PipelineConfig struct {
	// Client resolves requests that traverse the whole stack.
	Client Client
	// Middlewares run in configured order; index 0 sees the request first.
	Middlewares []Middleware
	// BusDepth bounds each subscriber queue of the broadcast bus.
	BusDepth int
	// Logger to use. A new console-writer logger is used if nil.
	Logger *zerolog.Logger
}

// Pipeline owns the composed handler and the broadcast bus.
type Pipeline struct {
	handler Next
	bus     *event.Bus
	client  Client
	mws     []Middleware
	log     zerolog.Logger
}

// NewPipeline folds the middlewares right-to-left over the client and
// subscribes every interested component to a fresh bus.
func NewPipeline(config PipelineConfig) *Pipeline {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	logger = logger.With().Str("component", "pipeline").Logger()

	p := &Pipeline{
		bus:    event.NewBus(config.BusDepth),
		client: config.Client,
		mws:    config.Middlewares,
		log:    logger,
	}

	h := Next(config.Client.Send)
	for i := len(config.Middlewares) - 1; i >= 0; i-- {
		mw := config.Middlewares[i]
		next := h
		h = func(ctx context.Context, r *req.Request) (*req.Response, error) {
			return mw.Call(ctx, r, next)
		}
	}
	p.handler = h

	for _, mw := range config.Middlewares {
		if s, ok := mw.(Subscriber); ok {
			s.Subscribe(p.bus)
		}
	}
	if s, ok := config.Client.(Subscriber); ok {
		s.Subscribe(p.bus)
	}

	return p
}

// Handler returns the composed request handler.
func (p *Pipeline) Handler() Next {
	return p.handler
}

// Bus returns the broadcast bus; the webhook publishes into it.
func (p *Pipeline) Bus() *event.Bus {
	return p.bus
}

// Close shuts the bus down and closes every component that holds resources.
// Subscribed middlewares observe the bus closing and stop their consumers.
func (p *Pipeline) Close() error {
	p.bus.Close()
	var firstErr error
	closeit := func(v any) {
		if c, ok := v.(io.Closer); ok {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	for _, mw := range p.mws {
		closeit(mw)
	}
	closeit(p.client)
	if firstErr != nil {
		p.log.Error().Err(firstErr).Msg("Error while closing pipeline components")
	}
	return firstErr
}
