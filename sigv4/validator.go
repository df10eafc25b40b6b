package sigv4

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
)

// MaxClockSkew is the window within which a signature's timestamp must fall.
const MaxClockSkew = 15 * time.Minute

// Validator checks inbound signatures against local credentials. When the
// proxy runs without local credentials the validator is simply not
// installed, which disables validation entirely; deployments doing that
// accept that any caller can use the upstream credentials through the proxy.
type Validator struct {
	creds  Credentials
	signer *v4.Signer
	now    func() time.Time
}

// NewValidator builds a validator for the given local credentials.
func NewValidator(creds Credentials) *Validator {
	return &Validator{
		creds:  creds,
		signer: newSigner(),
		now:    time.Now,
	}
}

func newSigner() *v4.Signer {
	return v4.NewSigner(func(o *v4.SignerOptions) {
		// S3 signs the raw, single-escaped path.
		o.DisableURIPathEscaping = true
	})
}

// Validate recomputes the signature of r and compares it with the one the
// client sent. Both header signatures and presigned query signatures are
// understood. The request body is not consumed.
func (v *Validator) Validate(r *http.Request) error {
	if auth := r.Header.Get("Authorization"); auth != "" {
		return v.validateHeader(r, auth)
	}
	if r.URL.Query().Get("X-Amz-Signature") != "" {
		return v.validatePresigned(r)
	}
	return ErrMissingSignature
}

func (v *Validator) validateHeader(r *http.Request, auth string) error {
	rest, ok := strings.CutPrefix(auth, algorithm+" ")
	if !ok {
		return ErrMalformedSignature
	}
	var scopeRaw, signedHeaders, signature string
	for _, part := range strings.Split(rest, ",") {
		k, val, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			return ErrMalformedSignature
		}
		switch k {
		case "Credential":
			scopeRaw = val
		case "SignedHeaders":
			signedHeaders = val
		case "Signature":
			signature = val
		}
	}
	if scopeRaw == "" || signedHeaders == "" || signature == "" {
		return ErrMalformedSignature
	}
	scope, err := parseCredentialScope(scopeRaw)
	if err != nil {
		return err
	}
	if scope.accessKeyID != v.creds.AccessKeyID {
		return ErrUnknownAccessKey
	}

	amzDate := r.Header.Get("X-Amz-Date")
	if amzDate == "" {
		return ErrMalformedSignature
	}
	t, err := time.Parse(amzDateLayout, amzDate)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	if skew := v.now().Sub(t); skew > MaxClockSkew || skew < -MaxClockSkew {
		return ErrExpiredSignature
	}

	payloadHash := r.Header.Get("X-Amz-Content-Sha256")
	if payloadHash == "" {
		payloadHash = UnsignedPayload
	}

	clone := signingClone(r, strings.Split(signedHeaders, ";"))
	err = v.signer.SignHTTP(context.Background(), awsCreds(v.creds), clone, payloadHash, service, scope.region, t)
	if err != nil {
		return fmt.Errorf("recomputing signature: %w", err)
	}
	computed := extractSignature(clone.Header.Get("Authorization"))
	if subtle.ConstantTimeCompare([]byte(computed), []byte(signature)) != 1 {
		return ErrSignatureMismatch
	}
	return nil
}

func (v *Validator) validatePresigned(r *http.Request) error {
	q := r.URL.Query()
	if q.Get("X-Amz-Algorithm") != algorithm {
		return ErrMalformedSignature
	}
	scope, err := parseCredentialScope(q.Get("X-Amz-Credential"))
	if err != nil {
		return err
	}
	if scope.accessKeyID != v.creds.AccessKeyID {
		return ErrUnknownAccessKey
	}
	t, err := time.Parse(amzDateLayout, q.Get("X-Amz-Date"))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	expires, err := strconv.ParseInt(q.Get("X-Amz-Expires"), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	now := v.now()
	if now.After(t.Add(time.Duration(expires)*time.Second)) || t.Sub(now) > MaxClockSkew {
		return ErrExpiredSignature
	}
	signature := q.Get("X-Amz-Signature")

	clone := signingClone(r, strings.Split(q.Get("X-Amz-SignedHeaders"), ";"))
	stripped := clone.URL.Query()
	stripped.Del("X-Amz-Signature")
	clone.URL.RawQuery = stripped.Encode()

	signedURI, _, err := v.signer.PresignHTTP(context.Background(), awsCreds(v.creds), clone, UnsignedPayload, service, scope.region, t)
	if err != nil {
		return fmt.Errorf("recomputing signature: %w", err)
	}
	u, err := url.Parse(signedURI)
	if err != nil {
		return fmt.Errorf("recomputing signature: %w", err)
	}
	computed := u.Query().Get("X-Amz-Signature")
	if subtle.ConstantTimeCompare([]byte(computed), []byte(signature)) != 1 {
		return ErrSignatureMismatch
	}
	return nil
}

// signingClone builds a request carrying exactly the headers the client
// signed, so the recomputed canonical request matches theirs.
func signingClone(r *http.Request, signedHeaders []string) *http.Request {
	u := *r.URL
	clone := &http.Request{
		Method: r.Method,
		URL:    &u,
		Host:   r.Host,
		Header: http.Header{},
	}
	for _, name := range signedHeaders {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if strings.EqualFold(name, "host") {
			continue // derived from clone.Host by the signer
		}
		if strings.EqualFold(name, "content-length") {
			// the signer derives this from the request field
			clone.ContentLength = r.ContentLength
			continue
		}
		for _, val := range r.Header.Values(name) {
			clone.Header.Add(name, val)
		}
	}
	return clone
}

func extractSignature(auth string) string {
	const marker = "Signature="
	if i := strings.LastIndex(auth, marker); i >= 0 {
		return auth[i+len(marker):]
	}
	return ""
}

func awsCreds(c Credentials) aws.Credentials {
	return aws.Credentials{
		AccessKeyID:     c.AccessKeyID,
		SecretAccessKey: c.SecretKey,
	}
}
