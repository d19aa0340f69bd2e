package cluster

import (
	apierrors "k8s.io/apimachinery/pkg/api/errors"
)

// ApplyErrorKind classifies a server-side apply failure so callers know
// whether it is worth retrying (§4.3).
type ApplyErrorKind int

const (
	// KindUnknown is a failure that doesn't fit any of the named kinds.
	KindUnknown ApplyErrorKind = iota
	// KindSchemaInvalid means the manifest was rejected by validation/admission.
	KindSchemaInvalid
	// KindConflict means a field-manager ownership conflict occurred.
	KindConflict
	// KindTransient means the failure is likely to succeed on retry
	// (server timeouts, throttling, momentary unavailability).
	KindTransient
	// KindForbidden means the request was rejected by RBAC.
	KindForbidden
)

// ClassifyApplyError maps a Kubernetes API error to an ApplyErrorKind.
// Only KindTransient is retried internally by Client.ApplyDynamic; the rest
// surface immediately.
func ClassifyApplyError(err error) ApplyErrorKind {
	if err == nil {
		return KindUnknown
	}
	switch {
	case apierrors.IsForbidden(err):
		return KindForbidden
	case apierrors.IsConflict(err):
		return KindConflict
	case apierrors.IsInvalid(err), apierrors.IsBadRequest(err), apierrors.IsNotAcceptable(err):
		return KindSchemaInvalid
	case apierrors.IsTimeout(err), apierrors.IsServerTimeout(err), apierrors.IsTooManyRequests(err),
		apierrors.IsServiceUnavailable(err), apierrors.IsInternalError(err):
		return KindTransient
	default:
		return KindUnknown
	}
}
