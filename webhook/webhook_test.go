package webhook

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cachepit/cachepit/event"
)

const removedEvent = `{
  "Records": [
    {
      "eventName": "ObjectRemoved:Delete",
      "s3": {
        "bucket": {"name": "bench"},
        "object": {"key": "dir/obj+1", "versionId": "v123"}
      }
    }
  ]
}`

func testServer(t *testing.T) (*Server, <-chan event.Invalidation) {
	t.Helper()
	bus := event.NewBus(16)
	t.Cleanup(bus.Close)
	s := New(Config{Host: "127.0.0.1", Port: 0, Bus: bus})
	return s, bus.Subscribe()
}

func post(t *testing.T, s *Server, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	s.Handler().ServeHTTP(rec, r)
	return rec
}

func TestNotificationPublishesInvalidation(t *testing.T) {
	s, events := testServer(t)

	rec := post(t, s, removedEvent)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}

	select {
	case ev := <-events:
		if ev.Bucket != "bench" {
			t.Fatalf("bucket %q", ev.Bucket)
		}
		// object keys arrive URL-encoded
		if ev.Key != "dir/obj 1" {
			t.Fatalf("key %q", ev.Key)
		}
		if ev.VersionID != "v123" || ev.Name != "ObjectRemoved:Delete" {
			t.Fatalf("event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}
}

func TestMalformedNotificationIsRejected(t *testing.T) {
	s, events := testServer(t)

	rec := post(t, s, "{not json")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d", rec.Code)
	}
	select {
	case ev := <-events:
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestUnknownEventShapesAreDiscarded(t *testing.T) {
	s, events := testServer(t)

	rec := post(t, s, `{"Records":[{"eventName":"ReplicationTime:Failed","s3":{"bucket":{"name":"bench"},"object":{"key":"k"}}}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	select {
	case ev := <-events:
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestEventNamePrefixIsTolerated(t *testing.T) {
	s, events := testServer(t)

	post(t, s, `{"Records":[{"eventName":"s3:ObjectCreated:Put","s3":{"bucket":{"name":"bench"},"object":{"key":"k"}}}]}`)
	select {
	case ev := <-events:
		if ev.Name != "ObjectCreated:Put" {
			t.Fatalf("name %q", ev.Name)
		}
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}
}
