package cache

import (
	"testing"

	"github.com/cachepit/cachepit/s3ops"
)

func TestFingerprintDeterminism(t *testing.T) {
	op1 := s3ops.Operation{Tag: s3ops.GetObject, Bucket: "bench", Key: "obj1", Range: "bytes=0-99"}
	op2 := s3ops.Operation{Tag: s3ops.GetObject, Bucket: "bench", Key: "obj1", Range: "bytes=0-99"}

	s1 := shapeOf(op1, "b0o0", "")
	s2 := shapeOf(op2, "b0o0", "")
	if s1 != s2 {
		t.Fatalf("equal operations produced different shapes:\n%q\n%q", s1, s2)
	}
	if fingerprintOf(s1) != fingerprintOf(s2) {
		t.Fatal("equal shapes produced different fingerprints")
	}
}

func TestFingerprintIgnoresUnrelatedFields(t *testing.T) {
	op1 := s3ops.Operation{Tag: s3ops.GetObject, Bucket: "bench", Key: "obj1"}
	op2 := op1
	// list-only fields do not affect a GetObject response
	op2.Prefix = "p"
	op2.Marker = "m"
	op2.MaxKeys = "100"

	if shapeOf(op1, "b0o0", "") != shapeOf(op2, "b0o0", "") {
		t.Fatal("non-response-affecting fields perturbed the shape")
	}
}

func TestFingerprintSeparatesOperations(t *testing.T) {
	get := s3ops.Operation{Tag: s3ops.GetObject, Bucket: "bench", Key: "obj1"}
	head := s3ops.Operation{Tag: s3ops.HeadObject, Bucket: "bench", Key: "obj1"}
	if fingerprintOf(shapeOf(get, "b0o0", "")) == fingerprintOf(shapeOf(head, "b0o0", "")) {
		t.Fatal("different operations share a fingerprint")
	}
}

func TestFingerprintDistinguishesAbsentAndEmptyishFields(t *testing.T) {
	// "key a, no version" must differ from "key a with other params shifted"
	op1 := s3ops.Operation{Tag: s3ops.GetObject, Bucket: "bench", Key: "a", VersionID: "", Range: "r"}
	op2 := s3ops.Operation{Tag: s3ops.GetObject, Bucket: "bench", Key: "a", VersionID: "r", Range: ""}
	if shapeOf(op1, "b0o0", "") == shapeOf(op2, "b0o0", "") {
		t.Fatal("field positions collapsed")
	}
}

func TestFingerprintChangesWithVersionCounter(t *testing.T) {
	op := s3ops.Operation{Tag: s3ops.GetObject, Bucket: "bench", Key: "obj1"}
	if fingerprintOf(shapeOf(op, "b0o0", "")) == fingerprintOf(shapeOf(op, "b0o1", "")) {
		t.Fatal("version bump did not change the fingerprint")
	}
}
