package types

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the storage port, queue and worker runtime.
var (
	ErrNotFound            = errors.New("not found")
	ErrUniqueViolation     = errors.New("unique constraint violation")
	ErrStaleLease          = errors.New("stale lease token")
	ErrQueueEmpty          = errors.New("queue empty")
	ErrCheckpointCorrupt   = errors.New("checkpoint checksum mismatch")
	ErrNoIdentityAvailable = errors.New("no identity available")
	ErrStoreUnavailable    = errors.New("store unavailable")
	ErrQueueUnavailable    = errors.New("queue unavailable")
	ErrCancelled           = errors.New("cancelled")
	ErrBadRequest          = errors.New("bad request")
	ErrNotLeader           = errors.New("leader lease held elsewhere")
	ErrRobotsDisallowed    = errors.New("disallowed by robots.txt")
)

// FetchKind classifies fetch failures for retry decisions.
type FetchKind string

const (
	FetchTimeout         FetchKind = "timeout"
	FetchConnectRefused  FetchKind = "connect_refused"
	FetchTooManyRequests FetchKind = "too_many_requests"
	FetchForbidden       FetchKind = "forbidden"
	FetchCaptcha         FetchKind = "captcha"
	FetchServerError     FetchKind = "server_error"
	FetchMalformed       FetchKind = "malformed"
	FetchNotFound        FetchKind = "not_found"
)

// FetchError is a typed fetch failure carrying enough context for retry
// classification and the run's error digest.
type FetchError struct {
	Kind       FetchKind
	Host       string
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %s: %s (HTTP %d)", e.URL, e.Kind, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ValidationIssue is one diagnosis produced by the validator.
type ValidationIssue struct {
	Field    string   `json:"field"`
	Severity Severity `json:"severity"`
	Code     string   `json:"code"`
	Message  string   `json:"message"`
}

// Severity grades a validation diagnosis. An error blocks persistence.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// ValidationError aggregates the blocking issues for a record.
type ValidationError struct {
	Issues []ValidationIssue
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 1 {
		i := e.Issues[0]
		return fmt.Sprintf("validation: %s %s: %s", i.Field, i.Code, i.Message)
	}
	return fmt.Sprintf("validation: %d blocking issues", len(e.Issues))
}

// ExtractionError reports that no rule-set matched a response layout.
// Fingerprint identifies the observed layout for offline rule updates.
type ExtractionError struct {
	Kind        string
	Fingerprint string
	Err         error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s: no matching rule-set (fingerprint %s)", e.Kind, e.Fingerprint)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// RetryClass decides what a worker does with a failed task attempt.
type RetryClass int

const (
	// RetryTransient retries with exponential backoff.
	RetryTransient RetryClass = iota
	// RetryAuth retries after a longer cool-down, bounded separately.
	RetryAuth
	// RetryNever marks the work terminal.
	RetryNever
	// RetryCancelled is terminal without counting as a failure.
	RetryCancelled
)

// Classify maps an error to its retry class per the worker retry policy.
func Classify(err error) RetryClass {
	if err == nil {
		return RetryNever
	}
	if errors.Is(err, ErrCancelled) {
		return RetryCancelled
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		switch fe.Kind {
		case FetchTimeout, FetchServerError, FetchTooManyRequests, FetchConnectRefused:
			return RetryTransient
		case FetchForbidden, FetchCaptcha:
			return RetryAuth
		default:
			return RetryNever
		}
	}
	var ve *ValidationError
	var xe *ExtractionError
	if errors.As(err, &ve) || errors.As(err, &xe) {
		return RetryNever
	}
	if errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrQueueUnavailable) {
		return RetryTransient
	}
	// Unknown errors are treated as transient so that flaky infrastructure
	// does not permanently fail work; attempts are still bounded.
	return RetryTransient
}

// ErrorCode returns the digest code used in SyncRun.ErrorDigest.
func ErrorCode(err error) string {
	var fe *FetchError
	if errors.As(err, &fe) {
		switch fe.Kind {
		case FetchTimeout:
			return "Timeout"
		case FetchConnectRefused:
			return "ConnectionError"
		case FetchTooManyRequests:
			return "TooManyRequests"
		case FetchForbidden:
			return "Forbidden"
		case FetchCaptcha:
			return "Captcha"
		case FetchServerError:
			return "ServerError"
		case FetchMalformed:
			return "Malformed"
		case FetchNotFound:
			return "NotFound"
		}
	}
	var xe *ExtractionError
	if errors.As(err, &xe) {
		return "SchemaMismatch"
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return "ValidationError"
	}
	switch {
	case errors.Is(err, ErrUniqueViolation):
		return "UniqueViolation"
	case errors.Is(err, ErrStaleLease):
		return "StaleLease"
	case errors.Is(err, ErrCheckpointCorrupt):
		return "CheckpointCorrupt"
	case errors.Is(err, ErrCancelled):
		return "Cancelled"
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	}
	return "Internal"
}
