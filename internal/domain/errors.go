package domain

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrInvalidRequest   = errors.New("invalid generation request")
	ErrDuplicateRun     = errors.New("generation request already has a run")
	ErrStageOrder       = errors.New("stage started out of order")
	ErrStageTerminal    = errors.New("stage already terminal")
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrMalformedEvent   = errors.New("malformed webhook event")
	ErrUnknownEvent     = errors.New("webhook event does not match a generation request")
	ErrProviderFailure  = errors.New("provider failure")
)
