package chat

import (
	"errors"
)

var (
	// ErrThreadNotFound also covers ownership mismatches; existence is not
	// revealed to non-owners.
	ErrThreadNotFound = errors.New("chat: thread not found")

	ErrJobNotFound = errors.New("chat: job not found")

	// ErrConfiguration marks missing provider credentials or similar
	// deployment problems; fatal to the request, not retryable.
	ErrConfiguration = errors.New("chat: provider not configured")

	ErrEmptyPrompt = errors.New("chat: no usable message content")
)
