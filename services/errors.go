package services

import (
	"context"
	"errors"

	"redminetojira/api"
	"redminetojira/models"
)

// Local validation errors. They are always scoped to one item or one
// attachment and never stop the run.
var (
	ErrMissingField       = errors.New("missing required field")
	ErrAttachmentTooLarge = errors.New("attachment exceeds maximum size")
	ErrAttachmentType     = errors.New("attachment type not allowed")
	ErrAttachmentNotFound = errors.New("attachment not staged locally")
)

// classify maps an item error onto an outcome kind. Throttling, timeouts
// and network trouble are transient; server errors that outlived their
// retries and every other failure are permanent.
func classify(err error) models.OutcomeKind {
	switch {
	case errors.Is(err, api.ErrServer):
		return models.OutcomeFailedPermanent
	case errors.Is(err, api.ErrRequestTimeout), errors.Is(err, api.ErrTooManyRequests):
		return models.OutcomeSkippedTransient
	case api.IsRetryable(err):
		return models.OutcomeSkippedTransient
	default:
		return models.OutcomeFailedPermanent
	}
}

// isStop reports whether err must end the run instead of just the item.
func isStop(err error) bool {
	return api.IsFatal(err) || errors.Is(err, context.Canceled)
}
