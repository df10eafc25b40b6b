package req

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestFiniteBodyIsReplayable(t *testing.T) {
	b := Finite([]byte("payload"))
	for i := 0; i < 2; i++ {
		data, err := io.ReadAll(b.Reader())
		if err != nil || string(data) != "payload" {
			t.Fatalf("read %d: %q, %v", i, data, err)
		}
	}
	if !b.IsFinite() || b.Len() != 7 {
		t.Fatalf("finite=%v len=%d", b.IsFinite(), b.Len())
	}
}

func TestStreamBodyMaterializes(t *testing.T) {
	b := Stream(io.NopCloser(strings.NewReader("streamed")))
	if b.IsFinite() {
		t.Fatal("stream reported as finite")
	}
	if err := b.Materialize(0); err != nil {
		t.Fatal(err)
	}
	if !b.IsFinite() || string(b.Bytes()) != "streamed" {
		t.Fatalf("materialized body %q", b.Bytes())
	}
}

func TestMaterializeEnforcesLimit(t *testing.T) {
	b := Stream(io.NopCloser(strings.NewReader("too large for the limit")))
	if err := b.Materialize(4); err == nil {
		t.Fatal("oversized stream accepted")
	}
}

func TestNilBodyIsEmptyAndFinite(t *testing.T) {
	var b *Body
	if !b.IsFinite() || b.Len() != 0 || b.Bytes() != nil {
		t.Fatal("nil body misbehaves")
	}
	data, err := io.ReadAll(b.Reader())
	if err != nil || len(data) != 0 {
		t.Fatalf("nil body read: %q, %v", data, err)
	}
	if err := b.Materialize(0); err != nil {
		t.Fatal(err)
	}
}

func TestFromHTTPCarriesRequestShape(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/bench/obj1?versionId=v1", strings.NewReader("body"))
	r.Header.Set("X-Custom", "yes")

	env := FromHTTP(r)
	if env.Method != http.MethodGet || env.Path != "/bench/obj1" {
		t.Fatalf("method/path %s %s", env.Method, env.Path)
	}
	if env.Query.Get("versionId") != "v1" {
		t.Fatalf("query %v", env.Query)
	}
	if env.Header.Get("X-Custom") != "yes" {
		t.Fatal("headers not carried")
	}
	if env.Body.IsFinite() {
		t.Fatal("inbound body should stream until materialised")
	}
}

func TestExtensionsAreNamespacedPerConsumer(t *testing.T) {
	r := NewRequest(http.MethodGet, "/")
	if _, ok := r.Ext("cache.key"); ok {
		t.Fatal("empty envelope has extensions")
	}
	r.SetExt("cache.key", 42)
	if v, ok := r.Ext("cache.key"); !ok || v != 42 {
		t.Fatalf("got %v, %v", v, ok)
	}
	if _, ok := r.Ext("other.key"); ok {
		t.Fatal("unrelated key present")
	}
}
