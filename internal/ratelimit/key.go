package ratelimit

import (
	"strings"

	"github.com/haasonsaas/sqlagent/internal/observability"
)

// AnonymousSubject stands in for requests without an authenticated subject.
const AnonymousSubject = "anon"

// Key is an opaque rate limit identity. It never contains a raw user id or
// client address, so it can be logged as is.
type Key string

var defaultHasher = observability.NewHasher("")

// NewKey builds the key for a subject, client address, and route. hash may be
// nil, in which case an unkeyed digest is used.
func NewKey(hash observability.HashFunc, subjectID, clientIP, route string) Key {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		subjectID = AnonymousSubject
	}
	if hash == nil {
		hash = defaultHasher.Hash
	}
	return Key(hash(CompositeKey(subjectID, strings.TrimSpace(clientIP), route)))
}

// CompositeKey creates a key from multiple parts.
func CompositeKey(parts ...string) string {
	return strings.Join(parts, "|")
}
