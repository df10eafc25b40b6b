// Package sigv4 checks inbound AWS Signature Version 4 material against the
// proxy's own credentials and re-signs outbound requests with the upstream
// credentials. Canonicalisation and key derivation are delegated to the AWS
// SDK signer; this package supplies the parsing, comparison and stripping
// around it.
package sigv4

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/cachepit/cachepit/req"
)

const (
	algorithm     = "AWS4-HMAC-SHA256"
	service       = "s3"
	amzDateLayout = "20060102T150405Z"

	// UnsignedPayload is the body hash used for streaming bodies.
	UnsignedPayload = "UNSIGNED-PAYLOAD"
	// EmptyPayloadHash is the SHA-256 of a zero-length body.
	EmptyPayloadHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
)

var (
	ErrMissingSignature   = errors.New("request carries no signature")
	ErrMalformedSignature = errors.New("malformed signature material")
	ErrSignatureMismatch  = errors.New("signature does not match")
	ErrExpiredSignature   = errors.New("signature time outside the allowed window")
	ErrUnknownAccessKey   = errors.New("unknown access key id")
)

// Credentials is a static SigV4 key pair.
type Credentials struct {
	AccessKeyID string
	SecretKey   string
}

// Zero reports whether no credentials are configured.
func (c Credentials) Zero() bool {
	return c.AccessKeyID == "" && c.SecretKey == ""
}

// PayloadHash computes the x-amz-content-sha256 value for a body. Streaming
// bodies cannot be hashed without consuming them and sign as unsigned
// payload.
func PayloadHash(b *req.Body) string {
	if !b.IsFinite() {
		return UnsignedPayload
	}
	buf := b.Bytes()
	if len(buf) == 0 {
		return EmptyPayloadHash
	}
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:])
}

// credentialScope is the parsed Credential element of a signature:
// <access-key-id>/<date>/<region>/<service>/aws4_request.
type credentialScope struct {
	accessKeyID string
	date        string
	region      string
	service     string
}

func parseCredentialScope(v string) (credentialScope, error) {
	parts := strings.Split(v, "/")
	if len(parts) != 5 || parts[4] != "aws4_request" {
		return credentialScope{}, ErrMalformedSignature
	}
	return credentialScope{
		accessKeyID: parts[0],
		date:        parts[1],
		region:      parts[2],
		service:     parts[3],
	}, nil
}
