// Package webhook receives AWS S3 event notifications and turns them into
// invalidation events on the broadcast bus. It is purely a producer and
// holds no cache state.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"golang.org/x/text/unicode/norm"

	"github.com/cachepit/cachepit/event"
	"github.com/cachepit/cachepit/metrics"
)

// Config for the webhook listener.
type Config struct {
	Host string
	Port int
	// Bus receives the parsed invalidation events.
	Bus *event.Bus
	// Metrics, when set, are exposed at GET /metrics.
	Metrics *metrics.Metrics
	// Logger to use. A new console-writer logger is used if nil.
	Logger *zerolog.Logger
}

// Server is the webhook listener.
type Server struct {
	addr       string
	bus        *event.Bus
	log        zerolog.Logger
	httpServer *http.Server
}

// notification mirrors the S3 event-notification JSON document.
type notification struct {
	Records []record `json:"Records"`
}

type record struct {
	EventName string `json:"eventName"`
	S3        struct {
		Bucket struct {
			Name string `json:"name"`
		} `json:"bucket"`
		Object struct {
			Key       string `json:"key"`
			VersionID string `json:"versionId"`
		} `json:"object"`
	} `json:"s3"`
}

// New assembles the webhook server.
func New(config Config) *Server {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	logger = logger.With().Str("component", "webhook").Logger()

	s := &Server{
		addr: net.JoinHostPort(config.Host, strconv.Itoa(config.Port)),
		bus:  config.Bus,
		log:  logger,
	}

	r := chi.NewRouter()
	r.Post("/", s.handleNotification)
	if config.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", config.Metrics.Handler())
	}
	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: r,
	}
	return s
}

// Handler exposes the router for listener-less tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run blocks serving notifications until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.addr).Msg("Webhook listening")
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
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.httpServer.Shutdown(shutdownCtx)
	return <-errCh
}

func (s *Server) handleNotification(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "could not read body", http.StatusBadRequest)
		return
	}
	var n notification
	if err := json.Unmarshal(body, &n); err != nil {
		s.log.Debug().Err(err).Msg("Discarding malformed notification")
		http.Error(w, "malformed event notification", http.StatusBadRequest)
		return
	}
	published := 0
	for _, rec := range n.Records {
		ev, ok := parseRecord(rec)
		if !ok {
			s.log.Warn().Str("event", rec.EventName).Msg("Unknown event shape, discarding")
			continue
		}
		s.bus.Publish(ev)
		published++
		s.log.Debug().
			Str("event", ev.Name).
			Str("bucket", ev.Bucket).
			Str("key", ev.Key).
			Msg("Published invalidation event")
	}
	fmt.Fprintf(w, "%d events\n", published)
}

// Event families that invalidate cached state.
var invalidatingEvents = []string{
	"ObjectCreated:",
	"ObjectRemoved:",
	"ObjectRestore:",
	"LifecycleExpiration:",
	"ReducedRedundancyLostObject",
}

func parseRecord(rec record) (event.Invalidation, bool) {
	name := strings.TrimPrefix(rec.EventName, "s3:")
	known := false
	for _, prefix := range invalidatingEvents {
		if strings.HasPrefix(name, prefix) || name == strings.TrimSuffix(prefix, ":") {
			known = true
			break
		}
	}
	if !known || rec.S3.Bucket.Name == "" {
		return event.Invalidation{}, false
	}
	return event.Invalidation{
		Bucket:    norm.NFC.String(rec.S3.Bucket.Name),
		Key:       normalizeEventKey(rec.S3.Object.Key),
		VersionID: rec.S3.Object.VersionID,
		Name:      name,
	}, true
}

// Event notifications URL-encode object keys; fingerprints use the decoded,
// NFC-normalised form.
func normalizeEventKey(key string) string {
	if decoded, err := url.QueryUnescape(key); err == nil {
		key = decoded
	}
	return norm.NFC.String(key)
}
