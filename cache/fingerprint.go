package cache

import (
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/cachepit/cachepit/s3ops"
)

// Fingerprint is a 128-bit digest of the response-affecting inputs of a
// request: two domain-separated xxhash64 lanes over the canonical tuple.
type Fingerprint [16]byte

const (
	fieldSep    = "\x1f"
	absentField = "\x00"
)

// shapeOf builds the canonical tuple for an operation. The tuple is
// deterministic: identical normalised inputs produce identical shapes across
// processes. Version counters are mixed in so a bump orphans prior entries
// without scanning the store.
func shapeOf(op s3ops.Operation, vers string, accountScope string) string {
	var b strings.Builder
	b.WriteString(op.Tag.String())
	field := func(s string) {
		b.WriteString(fieldSep)
		if s == "" {
			b.WriteString(absentField)
			return
		}
		b.WriteString(s)
	}
	switch op.Tag {
	case s3ops.GetObject:
		field(op.Bucket)
		field(op.Key)
		field(op.VersionID)
		field(op.Range)
		field(op.PartNumber)
		field(op.SSECustomerKeyMD5)
		field(op.AcceptEncoding)
	case s3ops.HeadObject:
		field(op.Bucket)
		field(op.Key)
		field(op.VersionID)
		field(op.PartNumber)
		field(op.SSECustomerKeyMD5)
	case s3ops.ListObjects:
		field(op.Bucket)
		field(op.Prefix)
		field(op.Delimiter)
		field(op.EncodingType)
		field(op.Marker)
		field(op.MaxKeys)
	case s3ops.ListObjectsV2:
		field(op.Bucket)
		field(op.Prefix)
		field(op.Delimiter)
		field(op.EncodingType)
		field(op.ContinuationToken)
		field(op.StartAfter)
		field(op.MaxKeys)
	case s3ops.ListObjectVersions:
		field(op.Bucket)
		field(op.Prefix)
		field(op.Delimiter)
		field(op.KeyMarker)
		field(op.VersionIDMarker)
		field(op.MaxKeys)
	case s3ops.HeadBucket:
		field(op.Bucket)
	case s3ops.ListBuckets:
		field(accountScope)
	}
	b.WriteString(fieldSep)
	b.WriteString(vers)
	return b.String()
}

// fingerprintOf hashes a shape into a Fingerprint.
func fingerprintOf(shape string) Fingerprint {
	var fp Fingerprint
	lo := xxhash.Sum64String("lo" + fieldSep + shape)
	hi := xxhash.Sum64String("hi" + fieldSep + shape)
	putUint64(fp[:8], lo)
	putUint64(fp[8:], hi)
	return fp
}

// hash64 is the lane used for sketch and doorkeeper indexing.
func (fp Fingerprint) hash64() uint64 {
	return uint64(fp[0]) | uint64(fp[1])<<8 | uint64(fp[2])<<16 | uint64(fp[3])<<24 |
		uint64(fp[4])<<32 | uint64(fp[5])<<40 | uint64(fp[6])<<48 | uint64(fp[7])<<56
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func (fp Fingerprint) String() string {
	return strconv.FormatUint(fp.hash64(), 16)
}
