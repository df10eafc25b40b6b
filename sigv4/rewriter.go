package sigv4

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
)

// Rewriter signs outbound requests with the upstream credentials. Inbound
// signing material never survives: it is stripped before the new signature
// is installed.
type Rewriter struct {
	creds  Credentials
	region string
	signer *v4.Signer
	now    func() time.Time
}

// NewRewriter builds a rewriter for the upstream credentials and region.
func NewRewriter(creds Credentials, region string) *Rewriter {
	if region == "" {
		region = "us-east-1"
	}
	return &Rewriter{
		creds:  creds,
		region: region,
		signer: newSigner(),
		now:    time.Now,
	}
}

// AccessKeyID exposes the upstream key id; ListBuckets cache entries scope
// under it.
func (rw *Rewriter) AccessKeyID() string {
	return rw.creds.AccessKeyID
}

// Sign strips whatever signature the request arrived with and installs a
// fresh header signature over payloadHash.
func (rw *Rewriter) Sign(ctx context.Context, r *http.Request, payloadHash string) error {
	StripSigningMaterial(r)
	r.Header.Set("X-Amz-Content-Sha256", payloadHash)
	t := rw.now().UTC()
	if err := rw.signer.SignHTTP(ctx, awsCreds(rw.creds), r, payloadHash, service, rw.region, t); err != nil {
		return fmt.Errorf("signing upstream request: %w", err)
	}
	return nil
}

// Presign strips inbound signing material and re-presigns the URL to stay
// valid for expires (truncated to whole seconds), mirroring how the request
// arrived.
func (rw *Rewriter) Presign(ctx context.Context, r *http.Request, expires time.Duration) error {
	StripSigningMaterial(r)
	t := rw.now().UTC()
	q := r.URL.Query()
	q.Set("X-Amz-Expires", fmt.Sprintf("%d", int64(expires/time.Second)))
	r.URL.RawQuery = q.Encode()
	signedURI, signedHeaders, err := rw.signer.PresignHTTP(ctx, awsCreds(rw.creds), r, UnsignedPayload, service, rw.region, t)
	if err != nil {
		return fmt.Errorf("presigning upstream request: %w", err)
	}
	u, err := url.Parse(signedURI)
	if err != nil {
		return fmt.Errorf("presigning upstream request: %w", err)
	}
	r.URL = u
	for name, vals := range signedHeaders {
		for _, v := range vals {
			r.Header.Set(name, v)
		}
	}
	return nil
}

// Signing material the proxy must never forward.
var strippedHeaders = []string{
	"Authorization",
	"X-Amz-Date",
	"X-Amz-Content-Sha256",
	"X-Amz-Security-Token",
}

// StripSigningMaterial removes every trace of the inbound signature from
// headers and query string.
func StripSigningMaterial(r *http.Request) {
	for _, h := range strippedHeaders {
		r.Header.Del(h)
	}
	q := r.URL.Query()
	changed := false
	for k := range q {
		if strings.HasPrefix(k, "X-Amz-") || strings.HasPrefix(k, "x-amz-") {
			q.Del(k)
			changed = true
		}
	}
	if changed {
		r.URL.RawQuery = q.Encode()
	}
}
