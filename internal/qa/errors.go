package qa

import "errors"

var (
	// ErrNotFound indicates an unknown content item or question.
	ErrNotFound = errors.New("not found")
	// ErrForbidden indicates the requester owns neither the question nor an admin role.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalid indicates a rejected submission (empty or oversized question).
	ErrInvalid = errors.New("invalid question")
)

// GenericFailureMessage is what end users see in place of internal errors.
const GenericFailureMessage = "answer generation failed, please retry"
