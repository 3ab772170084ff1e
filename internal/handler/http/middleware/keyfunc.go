package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"quotagate/pkg/admission"
)

// IPKey builds a key function that identifies requests by client IP.
// A nil extractor defaults to RemoteAddr extraction.
func IPKey(extractor IPExtractor) admission.KeyFunc {
	if extractor == nil {
		extractor = &RemoteAddrExtractor{}
	}
	return func(r *http.Request) (string, error) {
		return extractor.ExtractIP(r)
	}
}

// HeaderKey builds a key function that identifies requests by the
// value of a header, e.g. an API key or account ID. A request without
// the header fails key extraction.
func HeaderKey(name string) admission.KeyFunc {
	return func(r *http.Request) (string, error) {
		value := r.Header.Get(name)
		if value == "" {
			return "", fmt.Errorf("missing %s header", name)
		}
		return value, nil
	}
}

// StaticKey builds a key function that maps every request to the same
// key, for global limits shared by all clients.
func StaticKey(value string) admission.KeyFunc {
	return func(*http.Request) (string, error) {
		return value, nil
	}
}

// PrincipalKey builds a key function that identifies requests by the
// authenticated principal stored in the request context, for post-auth
// phases. The accessor is supplied by the host's auth layer; a request
// without a principal fails key extraction, since an unauthenticated
// request should never reach a post-auth rule.
func PrincipalKey(fromContext func(context.Context) (string, bool)) admission.KeyFunc {
	return func(r *http.Request) (string, error) {
		principal, ok := fromContext(r.Context())
		if !ok || principal == "" {
			return "", errors.New("no authenticated principal in request context")
		}
		return principal, nil
	}
}

// HeaderBucket builds a bucket resolver that reads the bucket type
// from a request header, for deployments where an upstream classifier
// tags requests with a traffic class.
func HeaderBucket(name string) admission.BucketResolver {
	return func(r *http.Request) (string, error) {
		value := r.Header.Get(name)
		if value == "" {
			return "", fmt.Errorf("missing %s header", name)
		}
		return value, nil
	}
}
