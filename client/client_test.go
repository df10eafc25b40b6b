package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cachepit/cachepit/req"
	"github.com/cachepit/cachepit/s3ops"
	"github.com/cachepit/cachepit/sigv4"
)

var upstreamCreds = sigv4.Credentials{AccessKeyID: "UPSTREAMKEY", SecretKey: "upstream-secret"}

func testClient(t *testing.T, upstream *httptest.Server, retries int) *S3 {
	t.Helper()
	c, err := New(Config{
		EndpointURL:      upstream.URL,
		ForcePathStyle:   true,
		MaxRetryAttempts: retries,
		Credentials:      upstreamCreds,
		Region:           "us-east-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func getEnvelope(bucket, key string) *req.Request {
	r := req.NewRequest(http.MethodGet, "/"+bucket+"/"+key)
	r.Host = "localhost:4356"
	s3ops.Attach(r, s3ops.Operation{Tag: s3ops.GetObject, Bucket: bucket, Key: key})
	return r
}

func TestSendMaterializesCacheableBodies(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("object data"))
	}))
	defer upstream.Close()

	resp, err := testClient(t, upstream, 0).Send(context.Background(), getEnvelope("bench", "obj1"))
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Body.IsFinite() {
		t.Fatal("cacheable response body was not materialised")
	}
	if string(resp.Body.Bytes()) != "object data" {
		t.Fatalf("body is %q", resp.Body.Bytes())
	}
}

func TestSendRetriesTransient5xx(t *testing.T) {
	var calls int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("finally"))
	}))
	defer upstream.Close()

	resp, err := testClient(t, upstream, 3).Send(context.Background(), getEnvelope("bench", "obj1"))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != http.StatusOK {
		t.Fatalf("status %d", resp.Status)
	}
	if calls != 3 {
		t.Fatalf("upstream saw %d attempts", calls)
	}
}

func TestSendDoesNotRetryMutations(t *testing.T) {
	var calls int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer upstream.Close()

	env := req.NewRequest(http.MethodPut, "/bench/obj1")
	env.Host = "localhost:4356"
	env.Body = req.Finite([]byte("payload"))
	s3ops.Attach(env, s3ops.Operation{Tag: s3ops.Other})

	resp, err := testClient(t, upstream, 3).Send(context.Background(), env)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != http.StatusServiceUnavailable {
		t.Fatalf("status %d", resp.Status)
	}
	if calls != 1 {
		t.Fatalf("mutation retried: %d attempts", calls)
	}
}

func TestSendRewritesSignature(t *testing.T) {
	var seenAuth []string
	var seenQuery url.Values
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenAuth = r.Header.Values("Authorization")
		seenQuery = r.URL.Query()
		w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	env := getEnvelope("bench", "obj1")
	env.Header.Set("Authorization", "AWS4-HMAC-SHA256 Credential=clientkey/20240101/us-east-1/s3/aws4_request, SignedHeaders=host, Signature=aaaa")
	env.Header.Set("X-Amz-Date", "20240101T000000Z")
	env.Query.Set("X-Amz-Signature", "bbbb")

	if _, err := testClient(t, upstream, 0).Send(context.Background(), env); err != nil {
		t.Fatal(err)
	}
	if len(seenAuth) != 1 {
		t.Fatalf("upstream saw %d Authorization headers", len(seenAuth))
	}
	if !strings.Contains(seenAuth[0], "Credential=UPSTREAMKEY/") {
		t.Fatalf("authorization is %q", seenAuth[0])
	}
	if seenQuery.Get("X-Amz-Signature") != "" {
		t.Fatal("inbound presign material reached the upstream")
	}
}

func TestSendPresignsWhenInboundWasPresigned(t *testing.T) {
	var seenQuery url.Values
	var seenAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenQuery = r.URL.Query()
		seenAuth = r.Header.Get("Authorization")
		w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	env := getEnvelope("bench", "obj1")
	env.SetExt(PresignedExt, true)

	if _, err := testClient(t, upstream, 0).Send(context.Background(), env); err != nil {
		t.Fatal(err)
	}
	if seenAuth != "" {
		t.Fatalf("presigned request carried an Authorization header: %q", seenAuth)
	}
	if !strings.Contains(seenQuery.Get("X-Amz-Credential"), "UPSTREAMKEY/") {
		t.Fatalf("query credential is %q", seenQuery.Get("X-Amz-Credential"))
	}
	if seenQuery.Get("X-Amz-Signature") == "" {
		t.Fatal("no query signature installed")
	}
}

func TestSendOperationTimeout(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.Write([]byte("late"))
	}))
	defer upstream.Close()

	c, err := New(Config{
		EndpointURL:      upstream.URL,
		ForcePathStyle:   true,
		OperationTimeout: 50 * time.Millisecond,
		Credentials:      upstreamCreds,
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.Send(context.Background(), getEnvelope("bench", "obj1"))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("got %v", err)
	}
}

func TestSendSurfacesUpstreamErrorsAsResponses(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, "<Error><Code>NoSuchKey</Code></Error>")
	}))
	defer upstream.Close()

	resp, err := testClient(t, upstream, 0).Send(context.Background(), getEnvelope("bench", "missing"))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != http.StatusNotFound {
		t.Fatalf("status %d", resp.Status)
	}
	if !strings.Contains(string(resp.Body.Bytes()), "NoSuchKey") {
		t.Fatalf("body %q", resp.Body.Bytes())
	}
}

func TestTargetURLAddressingStyles(t *testing.T) {
	op := s3ops.Operation{Tag: s3ops.GetObject, Bucket: "bench", Key: "dir/obj1"}
	env := getEnvelope("bench", "dir/obj1")

	pathStyle := &S3{endpoint: mustParse(t, "https://s3.example.com"), forcePathStyle: true}
	if u := pathStyle.targetURL(env, op); u.String() != "https://s3.example.com/bench/dir/obj1" {
		t.Fatalf("path style url %s", u)
	}

	vhost := &S3{endpoint: mustParse(t, "https://s3.example.com")}
	if u := vhost.targetURL(env, op); u.String() != "https://bench.s3.example.com/dir/obj1" {
		t.Fatalf("virtual-hosted url %s", u)
	}

	// unknown shapes fall back to forwarding the path as received
	other := req.NewRequest(http.MethodGet, "/bench/obj1")
	s3ops.Attach(other, s3ops.Operation{Tag: s3ops.Other})
	if u := vhost.targetURL(other, s3ops.FromRequest(other)); u.String() != "https://s3.example.com/bench/obj1" {
		t.Fatalf("fallback url %s", u)
	}
}

func mustParse(t *testing.T, s string) *url.URL {
	t.Helper()
	u, err := url.Parse(s)
	if err != nil {
		t.Fatal(err)
	}
	return u
}
