package s3ops

import "github.com/cachepit/cachepit/req"

// extKey is the envelope extensions key this package owns.
const extKey = "s3ops.operation"

// Attach stores the classified operation on the request envelope.
func Attach(r *req.Request, op Operation) {
	r.SetExt(extKey, op)
}

// FromRequest returns the operation previously attached to the envelope.
// Requests that never went through classification report Other.
func FromRequest(r *req.Request) Operation {
	if v, ok := r.Ext(extKey); ok {
		if op, ok := v.(Operation); ok {
			return op
		}
	}
	return Operation{Tag: Other}
}
