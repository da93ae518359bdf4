package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnauthorized     = errors.New("replydesk: unauthorized")
	ErrNotFound         = errors.New("replydesk: not found")
	ErrBusy             = errors.New("replydesk: operation already in progress")
	ErrEmptyReply       = errors.New("replydesk: reply text is empty")
	ErrReviewNotMatched = errors.New("replydesk: review could not be located on the platform")
	ErrAmbiguousMatch   = errors.New("replydesk: more than one review matches author, date and content")
	ErrNoSet            = errors.New("replydesk: no reviews loaded for place")
	ErrFlowClosed       = errors.New("replydesk: reply form is not open")
)

// HTTPError is a non-2xx answer from the backend.
type HTTPError struct {
	Status int
	Detail string
}

func (e *HTTPError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("backend status %d", e.Status)
	}
	return fmt.Sprintf("backend status %d: %s", e.Status, e.Detail)
}

func (e *HTTPError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.Status == 401
	case ErrNotFound:
		return e.Status == 404
	}
	return false
}

// TransportError means the backend was not reached or did not answer in time.
// It is always retryable by the user.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

type TaskErrorCode string

const (
	TaskErrorFailed     TaskErrorCode = "failed"      // backend reported failed
	TaskErrorLocal      TaskErrorCode = "local"       // gave up polling locally
	TaskErrorNotMatched TaskErrorCode = "not_matched" // target review not found or ambiguous
)

const genericTaskFailure = "task failed"

// TaskError is the terminal failure of a backend task.
type TaskError struct {
	TaskID  string
	Kind    TaskKind
	Code    TaskErrorCode
	Message string
}

func (e *TaskError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = genericTaskFailure
	}
	return fmt.Sprintf("task %s (%s): %s", e.TaskID, e.Kind, msg)
}

func (e *TaskError) Is(target error) bool {
	return target == ErrReviewNotMatched && e.Code == TaskErrorNotMatched
}

// NewTaskFailure classifies a backend failure message. Reply tasks that could
// not find their review get TaskErrorNotMatched so the caller can suggest a
// refresh instead of treating it as permanent.
func NewTaskFailure(id string, kind TaskKind, message string) *TaskError {
	code := TaskErrorFailed
	if kind == TaskPostReply && mentionsMissingReview(message) {
		code = TaskErrorNotMatched
	}
	return &TaskError{TaskID: id, Kind: kind, Code: code, Message: strings.TrimSpace(message)}
}

var notMatchedHints = []string{
	"not found", "no matching", "ambiguous", "multiple reviews", "review_not_found",
	"찾을 수 없", "일치하는 리뷰",
}

func mentionsMissingReview(msg string) bool {
	low := strings.ToLower(msg)
	for _, h := range notMatchedHints {
		if strings.Contains(low, h) {
			return true
		}
	}
	return false
}

// ValidationError reports invalid input caught before any network call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Retryable reports whether a user may simply try the same action again.
func Retryable(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Status == 429 || he.Status >= 500
	}
	return errors.Is(err, ErrReviewNotMatched)
}
