package subscription

import (
	"errors"

	"github.com/ehr/fhirsub/internal/platform/fhir"
)

var (
	// ErrNotFound is returned for operations on an unknown subscription id.
	ErrNotFound = errors.New("subscription not found")
	// ErrInvalidSubscription is returned for malformed Subscription resources.
	ErrInvalidSubscription = errors.New("invalid subscription")
	// ErrInvalidChannel is returned for unsupported or incomplete channels.
	ErrInvalidChannel = errors.New("invalid channel")
	// ErrActivationFailed is returned when a requested subscription moves to error.
	ErrActivationFailed = errors.New("activation failed")
	// ErrNotBindable is returned when a websocket bind names a subscription
	// that cannot receive notifications.
	ErrNotBindable = errors.New("subscription cannot be bound")
	// ErrVersionConflict is returned when an update names a stale version.
	ErrVersionConflict = errors.New("version conflict")
	// ErrInvalidCriteria is returned when the criteria expression is malformed.
	ErrInvalidCriteria = fhir.ErrInvalidCriteria
)
