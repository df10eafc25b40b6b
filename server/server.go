// Package server terminates inbound S3 REST traffic: it validates
// signatures when configured, decodes requests into envelopes, classifies
// them, runs the pipeline handler and encodes the result.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	cachepit "github.com/cachepit/cachepit"
	"github.com/cachepit/cachepit/client"
	"github.com/cachepit/cachepit/req"
	"github.com/cachepit/cachepit/s3ops"
	"github.com/cachepit/cachepit/sigv4"
)

// Config for the inbound server.
type Config struct {
	Host string
	Port int
	// BaseDomain enables virtual-hosted-style addressing.
	BaseDomain string
	// Validator checks inbound signatures; nil skips validation, which
	// means anyone who can reach the listener acts with the upstream
	// credentials.
	Validator *sigv4.Validator
	// Handler is the composed pipeline.
	Handler cachepit.Next
	// ShutdownTimeout bounds the graceful drain. Defaults to 10s.
	ShutdownTimeout time.Duration
	// Logger to use. A new console-writer logger is used if nil.
	Logger *zerolog.Logger
}

// Server is the inbound listener.
type Server struct {
	addr            string
	classifier      s3ops.Classifier
	validator       *sigv4.Validator
	handler         cachepit.Next
	shutdownTimeout time.Duration
	log             zerolog.Logger

	httpServer *http.Server
}

// New assembles the server; Run starts it.
func New(config Config) *Server {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	logger = logger.With().Str("component", "server").Logger()

	timeout := config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	s := &Server{
		addr:            net.JoinHostPort(config.Host, strconv.Itoa(config.Port)),
		classifier:      s3ops.Classifier{BaseDomain: config.BaseDomain},
		validator:       config.Validator,
		handler:         config.Handler,
		shutdownTimeout: timeout,
		log:             logger,
	}
	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}
	return s
}

// Handler returns the HTTP handler with the logging chain installed.
// Exposed so tests can drive the server without a listener.
func (s *Server) Handler() http.Handler {
	var h http.Handler = http.HandlerFunc(s.handle)
	h = hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("url", r.URL.String()).
			Str("sourceIp", requestSourceIP(r)).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Sent response to client")
	})(h)
	h = requestIDHandler(h)
	h = hlog.NewHandler(s.log)(h)
	return h
}

// Run blocks serving requests until ctx is cancelled, then drains in-flight
// handlers up to the shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.addr).Msg("Server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.httpServer.Close()
		return fmt.Errorf("draining server: %w", err)
	}
	return <-errCh
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	logger := hlog.FromRequest(r)

	if s.validator != nil {
		if err := s.validator.Validate(r); err != nil {
			logger.Debug().Err(err).Msg("Rejected inbound signature")
			writeSignatureError(w, err)
			return
		}
	}

	env := req.FromHTTP(r)
	op := s.classifier.Classify(env)
	s3ops.Attach(env, op)
	if bucket, ok := s.classifier.VirtualHostBucket(env.Host); ok {
		// Normalize to path-style so the client can forward unknown
		// shapes verbatim.
		env.Path = "/" + bucket + env.Path
	}
	if env.Query.Get("X-Amz-Signature") != "" {
		env.SetExt(client.PresignedExt, true)
	}

	resp, err := s.handler(r.Context(), env)
	if err != nil {
		writePipelineError(w, logger, err)
		return
	}
	writeResponse(w, logger, resp)
}

func writeResponse(w http.ResponseWriter, logger *zerolog.Logger, resp *req.Response) {
	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	if resp.Body.IsFinite() {
		w.Header().Set("Content-Length", strconv.Itoa(resp.Body.Len()))
	}
	w.WriteHeader(resp.Status)
	body := resp.Body.Reader()
	defer body.Close()
	if _, err := io.Copy(w, body); err != nil {
		logger.Error().Err(err).Msg("Could not write response body to client")
	}
}

func requestIDHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		logger := zerolog.Ctx(r.Context())
		logger.UpdateContext(func(c zerolog.Context) zerolog.Context {
			return c.Str("requestId", id)
		})
		w.Header().Set("X-Amz-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

func requestSourceIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
