package submission

import "errors"

var (
	// ErrEmptyAnswer is returned when the trimmed answer is empty.
	ErrEmptyAnswer = errors.New("answer must not be empty")
	// ErrAlreadySolved is returned when submitting to a solved question.
	ErrAlreadySolved = errors.New("question already solved")
	// ErrSubmissionPending is returned while an earlier submit is in flight.
	ErrSubmissionPending = errors.New("submission already pending")
	// ErrSubmitFailed wraps network and server failures of a submission.
	ErrSubmitFailed = errors.New("submission failed")
	// ErrInvalidQuestion is returned when a coordinator is built without a question id.
	ErrInvalidQuestion = errors.New("invalid question")
)
