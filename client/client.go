// Package client resolves request envelopes against the upstream
// S3-compatible endpoint: addressing-style rewrite, signature substitution,
// timeouts and retries with exponential backoff.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"golang.org/x/net/http2"

	"github.com/cachepit/cachepit/metrics"
	"github.com/cachepit/cachepit/req"
	"github.com/cachepit/cachepit/s3ops"
	"github.com/cachepit/cachepit/sigv4"
)

// Send error kinds. Upstream HTTP error statuses are not errors: they
// surface as ordinary response envelopes.
var (
	ErrTimeout     = errors.New("upstream timeout")
	ErrUnreachable = errors.New("upstream unreachable")
	ErrTLS         = errors.New("upstream tls failure")
	ErrProtocol    = errors.New("upstream protocol error")
)

// PresignedExt marks envelopes whose inbound request was query-presigned;
// the outbound request is then presigned as well.
const PresignedExt = "client.presigned"

// presignValidity is how long re-presigned upstream URLs stay valid.
const presignValidity = 5 * time.Minute

// Config for the upstream client.
type Config struct {
	// EndpointURL of the upstream S3 endpoint, scheme included.
	EndpointURL string
	// ForcePathStyle addresses buckets in the path instead of the host.
	ForcePathStyle bool
	// EnableHTTP2 negotiates h2 over TLS.
	EnableHTTP2 bool
	// Insecure disables TLS certificate verification.
	Insecure bool

	ConnectTimeout          time.Duration
	ReadTimeout             time.Duration
	OperationTimeout        time.Duration
	OperationAttemptTimeout time.Duration
	// MaxRetryAttempts bounds retries after the first attempt.
	MaxRetryAttempts int

	Credentials sigv4.Credentials
	Region      string

	// Logger to use. A new console-writer logger is used if nil.
	Logger *zerolog.Logger
	// Metrics sink; may be nil.
	Metrics *metrics.Metrics
	// Transport overrides the HTTP transport; tests use this.
	Transport http.RoundTripper
}

// S3 is the upstream client.
type S3 struct {
	endpoint       *url.URL
	forcePathStyle bool
	rewriter       *sigv4.Rewriter
	httpc          *http.Client
	opTimeout      time.Duration
	attemptTimeout time.Duration
	maxRetries     int
	log            zerolog.Logger
	m              *metrics.Metrics
}

// New builds the client and its transport.
func New(config Config) (*S3, error) {
	endpoint, err := url.Parse(config.EndpointURL)
	if err != nil || endpoint.Host == "" {
		return nil, fmt.Errorf("invalid endpoint url %q", config.EndpointURL)
	}

	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	logger = logger.With().Str("component", "client").Str("endpoint", endpoint.String()).Logger()

	transport := config.Transport
	if transport == nil {
		connectTimeout := config.ConnectTimeout
		if connectTimeout <= 0 {
			connectTimeout = 10 * time.Second
		}
		tr := &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: connectTimeout,
			}).DialContext,
			ResponseHeaderTimeout: config.ReadTimeout,
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: config.Insecure,
			},
			MaxIdleConnsPerHost: 32,
		}
		if config.EnableHTTP2 {
			if err := http2.ConfigureTransport(tr); err != nil {
				return nil, fmt.Errorf("enabling http2: %w", err)
			}
		}
		transport = tr
	}

	return &S3{
		endpoint:       endpoint,
		forcePathStyle: config.ForcePathStyle,
		rewriter:       sigv4.NewRewriter(config.Credentials, config.Region),
		httpc: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		opTimeout:      config.OperationTimeout,
		attemptTimeout: config.OperationAttemptTimeout,
		maxRetries:     config.MaxRetryAttempts,
		log:            logger,
		m:              config.Metrics,
	}, nil
}

// AccessKeyID exposes the upstream key id for cache scoping.
func (c *S3) AccessKeyID() string {
	return c.rewriter.AccessKeyID()
}

// Send issues the envelope upstream and returns the response envelope.
// Transient failures of idempotent requests are retried with exponential
// backoff and jitter; mutating operations are never replayed.
func (c *S3) Send(ctx context.Context, r *req.Request) (*req.Response, error) {
	if c.opTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opTimeout)
		defer cancel()
	}

	op := s3ops.FromRequest(r)
	target := c.targetURL(r, op)

	var body []byte
	streaming := !r.Body.IsFinite()
	if !streaming {
		body = r.Body.Bytes()
	}
	retryable := isIdempotent(r.Method) && !streaming

	attempt := 0
	operation := func() (*http.Response, error) {
		attempt++
		c.m.IncUpstreamAttempts()
		if attempt > 1 {
			c.m.IncUpstreamRetries()
		}
		actx, cancel := ctx, context.CancelFunc(func() {})
		if c.attemptTimeout > 0 {
			actx, cancel = context.WithTimeout(ctx, c.attemptTimeout)
		}

		hreq, err := c.buildRequest(actx, r, target, body, streaming)
		if err != nil {
			cancel()
			return nil, backoff.Permanent(err)
		}
		res, err := c.httpc.Do(hreq)
		if err != nil {
			cancel()
			err = mapTransportError(err)
			if retryable {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		if retryable && retryableStatus(res.StatusCode) && attempt <= c.maxRetries {
			io.Copy(io.Discard, res.Body)
			res.Body.Close()
			cancel()
			return nil, fmt.Errorf("upstream status %d", res.StatusCode)
		}
		// The body outlives the attempt; the timeout is released when the
		// caller closes it.
		res.Body = &cancelOnClose{ReadCloser: res.Body, cancel: cancel}
		return res, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 2 * time.Second

	res, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(c.maxRetries+1)),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		c.log.Debug().Err(err).Str("url", target.String()).Msg("Upstream request failed")
		return nil, err
	}

	return c.response(res, op)
}

// targetURL rewrites host and scheme to the upstream endpoint and applies
// the configured addressing style. Requests without a parsed bucket fall
// back to path-style forwarding of the inbound path.
func (c *S3) targetURL(r *req.Request, op s3ops.Operation) *url.URL {
	u := &url.URL{
		Scheme:   c.endpoint.Scheme,
		Host:     c.endpoint.Host,
		Path:     r.Path,
		RawQuery: r.Query.Encode(),
	}
	if !c.forcePathStyle && op.Bucket != "" {
		u.Host = op.Bucket + "." + c.endpoint.Host
		u.Path = "/" + op.Key
	}
	return u
}

func (c *S3) buildRequest(ctx context.Context, r *req.Request, target *url.URL, body []byte, streaming bool) (*http.Request, error) {
	u := *target
	var reader io.Reader
	if streaming {
		reader = r.Body.Reader()
	} else if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	hreq, err := http.NewRequestWithContext(ctx, r.Method, u.String(), reader)
	if err != nil {
		return nil, err
	}
	copyForwardableHeader(hreq.Header, r.Header)
	hreq.Host = u.Host
	if !streaming {
		hreq.ContentLength = int64(len(body))
	}

	if presigned, _ := r.Ext(PresignedExt); presigned == true {
		if err := c.rewriter.Presign(ctx, hreq, presignValidity); err != nil {
			return nil, err
		}
	} else {
		if err := c.rewriter.Sign(ctx, hreq, sigv4.PayloadHash(r.Body)); err != nil {
			return nil, err
		}
	}
	return hreq, nil
}

// response converts the upstream reply. Bodies of cacheable operations are
// materialised so the cache can admit them; everything else streams through.
func (c *S3) response(res *http.Response, op s3ops.Operation) (*req.Response, error) {
	out := req.NewResponse(res.StatusCode)
	copyForwardableHeader(out.Header, res.Header)
	out.Body = req.Stream(res.Body)
	if op.Tag != s3ops.Other {
		if err := out.Body.Materialize(0); err != nil {
			return nil, fmt.Errorf("%w: reading upstream body: %v", ErrProtocol, err)
		}
	}
	return out, nil
}

// Hop-by-hop headers stay on their own connection.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func copyForwardableHeader(dst, src http.Header) {
	for k, vv := range src {
		if k == "Host" || isHopHeader(k) {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func isHopHeader(name string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func isIdempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead:
		return true
	}
	return false
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

func mapTransportError(err error) error {
	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout():
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.As(err, new(*tls.CertificateVerificationError)):
		return fmt.Errorf("%w: %v", ErrTLS, err)
	case errors.As(err, new(*net.OpError)):
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	default:
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
}
