package httpproxy

import (
	"fmt"
	"strconv"
)

type CacheStatusStatus string

const (
	CacheStatusHit = "hit"
	CacheStatusFwd = "fwd"
)

type CacheStatusFwdReason string

const (
	// The request method's semantics require the request to be
	// handled without the cache.
	CacheStatusFwdMethod = "method"

	// The cache did not contain any responses that matched the
	// request URI.
	CacheStatusFwdUriMiss = "uri-miss"
)

// CacheStatus describes how a request was handled, in the format of the
// Cache-Status response field (RFC 9211). It is only logged.
type CacheStatus struct {
	status    CacheStatusStatus
	fwdReason CacheStatusFwdReason
	fwdStatus int
	stored    bool
	detail    string
}

func (cs *CacheStatus) Hit() {
	cs.status = CacheStatusHit
}

func (cs *CacheStatus) Forward(reason CacheStatusFwdReason) {
	cs.status = CacheStatusFwd
	cs.fwdReason = reason
}

// ForwardStatus records the status code the origin answered with.
func (cs *CacheStatus) ForwardStatus(code int) {
	cs.fwdStatus = code
}

// Stored marks the forwarded response as written to the cache.
func (cs *CacheStatus) Stored() {
	cs.stored = true
}

// Detail adds an implementation-specific note, such as why a forwarded
// response was not stored.
func (cs *CacheStatus) Detail(detail string) {
	cs.detail = detail
}

func (cs *CacheStatus) String() string {
	if cs.status == "" {
		return ""
	}
	status := fmt.Sprintf("httpproxy; %s", cs.status)
	if cs.status == CacheStatusFwd && cs.fwdReason != "" {
		status = fmt.Sprintf("%s=%s", status, cs.fwdReason)
	}
	if cs.fwdStatus != 0 {
		status += "; fwd-status=" + strconv.Itoa(cs.fwdStatus)
	}
	if cs.stored {
		status += "; stored"
	}
	if cs.detail != "" {
		status = status + "; detail=" + cs.detail
	}
	return status
}
