package s3ops

import (
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/cachepit/cachepit/req"
)

// Target is the pre-digested view of a request that match rules run against.
// Bucket and Key are already split according to the addressing style.
type Target struct {
	Method string
	Bucket string
	Key    string
	Query  url.Values
	Header http.Header
}

// MatchFunc inspects a target and either claims it, returning the typed
// operation, or declines. Rules are tried in registration order.
type MatchFunc func(t Target) (Operation, bool)

var rules []MatchFunc

// Register adds a match rule for an additional operation shape. Not safe for
// concurrent use; call during program initialization.
func Register(f MatchFunc) {
	rules = append(rules, f)
}

func init() {
	Register(matchListBuckets)
	Register(matchBucketLevel)
	Register(matchObjectLevel)
}

// Headers that change the response in ways the fingerprint does not model.
// Their presence degrades classification to Other; this is the single place
// that policy lives.
var disqualifyingHeaders = []string{
	"If-Match",
	"If-None-Match",
	"If-Modified-Since",
	"If-Unmodified-Since",
	"X-Amz-Expected-Bucket-Owner",
	"X-Amz-Request-Payer",
}

// Classifier splits inbound requests into bucket, key and operation.
// BaseDomain enables virtual-hosted-style addressing: requests whose host is
// <bucket>.<BaseDomain> are treated as scoped to that bucket. Without a base
// domain only path-style requests are recognised.
type Classifier struct {
	BaseDomain string
}

// Classify assigns an operation to the request. Unknown shapes yield
// Tag == Other with no further fields set.
func (c Classifier) Classify(r *req.Request) Operation {
	for _, h := range disqualifyingHeaders {
		if r.Header.Get(h) != "" {
			return Operation{Tag: Other}
		}
	}

	bucket, key := c.splitPath(r)
	t := Target{
		Method: r.Method,
		Bucket: bucket,
		Key:    key,
		Query:  r.Query,
		Header: r.Header,
	}
	for _, rule := range rules {
		if op, ok := rule(t); ok {
			return op
		}
	}
	return Operation{Tag: Other}
}

// VirtualHostBucket reports the bucket encoded in a virtual-hosted-style
// host, if the host matches the base domain.
func (c Classifier) VirtualHostBucket(host string) (string, bool) {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if c.BaseDomain != "" && host != c.BaseDomain && strings.HasSuffix(host, "."+c.BaseDomain) {
		return strings.TrimSuffix(host, "."+c.BaseDomain), true
	}
	return "", false
}

// splitPath resolves bucket and key using virtual-hosted style when the host
// matches the base domain, path-style otherwise.
func (c Classifier) splitPath(r *req.Request) (bucket, key string) {
	if b, ok := c.VirtualHostBucket(r.Host); ok {
		return b, strings.TrimPrefix(r.Path, "/")
	}
	trimmed := strings.TrimPrefix(r.Path, "/")
	if trimmed == "" {
		return "", ""
	}
	bucket, key, _ = strings.Cut(trimmed, "/")
	return
}

func matchListBuckets(t Target) (Operation, bool) {
	if t.Method != http.MethodGet || t.Bucket != "" {
		return Operation{}, false
	}
	if !onlyQueryKeys(t.Query, nil) {
		return Operation{Tag: Other}, true
	}
	return Operation{Tag: ListBuckets}, true
}

func matchBucketLevel(t Target) (Operation, bool) {
	if t.Bucket == "" || t.Key != "" {
		return Operation{}, false
	}
	switch t.Method {
	case http.MethodHead:
		if !onlyQueryKeys(t.Query, nil) {
			return Operation{Tag: Other}, true
		}
		return Operation{Tag: HeadBucket, Bucket: canon(t.Bucket)}, true
	case http.MethodGet:
		if t.Query.Has("versions") {
			if !onlyQueryKeys(t.Query, []string{
				"versions", "prefix", "delimiter", "key-marker", "version-id-marker", "max-keys", "encoding-type",
			}) {
				return Operation{Tag: Other}, true
			}
			return Operation{
				Tag:             ListObjectVersions,
				Bucket:          canon(t.Bucket),
				Prefix:          canon(t.Query.Get("prefix")),
				Delimiter:       canon(t.Query.Get("delimiter")),
				KeyMarker:       canon(t.Query.Get("key-marker")),
				VersionIDMarker: canon(t.Query.Get("version-id-marker")),
				MaxKeys:         t.Query.Get("max-keys"),
				EncodingType:    canon(t.Query.Get("encoding-type")),
			}, true
		}
		if t.Query.Get("list-type") == "2" {
			if !onlyQueryKeys(t.Query, []string{
				"list-type", "prefix", "delimiter", "continuation-token", "start-after", "max-keys", "encoding-type", "fetch-owner",
			}) {
				return Operation{Tag: Other}, true
			}
			return Operation{
				Tag:               ListObjectsV2,
				Bucket:            canon(t.Bucket),
				Prefix:            canon(t.Query.Get("prefix")),
				Delimiter:         canon(t.Query.Get("delimiter")),
				ContinuationToken: canon(t.Query.Get("continuation-token")),
				StartAfter:        canon(t.Query.Get("start-after")),
				MaxKeys:           t.Query.Get("max-keys"),
				EncodingType:      canon(t.Query.Get("encoding-type")),
			}, true
		}
		if !onlyQueryKeys(t.Query, []string{
			"prefix", "delimiter", "marker", "max-keys", "encoding-type",
		}) {
			return Operation{Tag: Other}, true
		}
		return Operation{
			Tag:          ListObjects,
			Bucket:       canon(t.Bucket),
			Prefix:       canon(t.Query.Get("prefix")),
			Delimiter:    canon(t.Query.Get("delimiter")),
			Marker:       canon(t.Query.Get("marker")),
			MaxKeys:      t.Query.Get("max-keys"),
			EncodingType: canon(t.Query.Get("encoding-type")),
		}, true
	}
	return Operation{}, false
}

func matchObjectLevel(t Target) (Operation, bool) {
	if t.Bucket == "" || t.Key == "" {
		return Operation{}, false
	}
	if t.Method != http.MethodGet && t.Method != http.MethodHead {
		return Operation{}, false
	}
	if !onlyQueryKeys(t.Query, []string{"versionId", "partNumber", "response-content-type"}) {
		return Operation{Tag: Other}, true
	}
	// response-content-* overrides change the response per request; leave
	// them to the upstream every time.
	if t.Query.Has("response-content-type") {
		return Operation{Tag: Other}, true
	}
	op := Operation{
		Bucket:            canon(t.Bucket),
		Key:               canon(t.Key),
		VersionID:         canon(t.Query.Get("versionId")),
		PartNumber:        t.Query.Get("partNumber"),
		SSECustomerKeyMD5: t.Header.Get("X-Amz-Server-Side-Encryption-Customer-Key-MD5"),
	}
	if t.Method == http.MethodHead {
		op.Tag = HeadObject
		return op, true
	}
	op.Tag = GetObject
	op.Range = t.Header.Get("Range")
	op.AcceptEncoding = NormalizeAcceptEncoding(t.Header.Get("Accept-Encoding"))
	return op, true
}

// onlyQueryKeys reports whether every query key is either in the allowed set
// or part of presigned-signature material (X-Amz-*), which is stripped before
// the request is forwarded and cannot affect the response payload.
func onlyQueryKeys(q url.Values, allowed []string) bool {
	for k := range q {
		if strings.HasPrefix(k, "X-Amz-") || strings.HasPrefix(k, "x-amz-") {
			continue
		}
		ok := false
		for _, a := range allowed {
			if k == a {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// NormalizeAcceptEncoding folds an Accept-Encoding header into a canonical
// form: lowercase codings, q-values dropped, identity elided, sorted.
func NormalizeAcceptEncoding(v string) string {
	if v == "" {
		return ""
	}
	var codings []string
	for _, part := range strings.Split(v, ",") {
		coding := strings.ToLower(strings.TrimSpace(part))
		if coding == "" {
			continue
		}
		if i := strings.IndexByte(coding, ';'); i >= 0 {
			coding = strings.TrimSpace(coding[:i])
		}
		if coding == "identity" || coding == "" {
			continue
		}
		codings = append(codings, coding)
	}
	sort.Strings(codings)
	return strings.Join(codings, ",")
}

func canon(s string) string {
	return norm.NFC.String(s)
}
