package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
)

// Class decides how a failed delivery attempt is retried.
type Class int

const (
	Unknown Class = iota
	RateLimited
	TransientNetwork
	PermanentClient
)

func (c Class) String() string {
	switch c {
	case RateLimited:
		return "rate_limited"
	case TransientNetwork:
		return "transient_network"
	case PermanentClient:
		return "permanent_client"
	default:
		return "unknown"
	}
}

// DefaultRetryAfter is used when a rate limit carries no explicit delay.
const DefaultRetryAfter = time.Second

// Error is a delivery failure whose class is already known, typically
// because a channel saw an HTTP status.
type Error struct {
	Class      Class
	RetryAfter time.Duration
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("delivery failed (%s, status %d): %v", e.Class, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("delivery failed (%s): %v", e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// StatusError classifies a non-2xx HTTP response.
func StatusError(code int, retryAfter string, body string) *Error {
	err := &Error{StatusCode: code, Err: fmt.Errorf("status %d: %s", code, strings.TrimSpace(body))}
	switch {
	case code == http.StatusTooManyRequests:
		err.Class = RateLimited
		err.RetryAfter = parseRetryAfter(retryAfter, time.Now())
	case code == http.StatusRequestTimeout:
		err.Class = TransientNetwork
	case code >= 400 && code < 500:
		err.Class = PermanentClient
	case code >= 500:
		err.Class = TransientNetwork
	default:
		err.Class = Unknown
	}
	return err
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return DefaultRetryAfter
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
		return 0
	}
	return DefaultRetryAfter
}

// Classify maps any delivery failure to exactly one class. The returned
// duration is only meaningful for RateLimited.
func Classify(err error) (Class, time.Duration) {
	if err == nil {
		return Unknown, 0
	}

	var classified *Error
	if errors.As(err, &classified) {
		if classified.Class == RateLimited && classified.RetryAfter <= 0 {
			return RateLimited, DefaultRetryAfter
		}
		return classified.Class, classified.RetryAfter
	}

	var reqFailure awserr.RequestFailure
	if errors.As(err, &reqFailure) {
		return classifyAWS(reqFailure.Code(), reqFailure.StatusCode())
	}
	var awsErr awserr.Error
	if errors.As(err, &awsErr) {
		return classifyAWS(awsErr.Code(), 0)
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return TransientNetwork, 0
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, fs.ErrPermission):
		return PermanentClient, 0
	case errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EPIPE):
		return TransientNetwork, 0
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return TransientNetwork, 0
	}

	return Unknown, 0
}

func classifyAWS(code string, status int) (Class, time.Duration) {
	switch code {
	case "SlowDown", "Throttling", "ThrottlingException", "RequestLimitExceeded", "TooManyRequestsException":
		return RateLimited, DefaultRetryAfter
	case request.ErrCodeRequestError, request.ErrCodeResponseTimeout, "RequestTimeout":
		return TransientNetwork, 0
	}
	switch {
	case status == http.StatusTooManyRequests:
		return RateLimited, DefaultRetryAfter
	case status >= 500:
		return TransientNetwork, 0
	case status >= 400:
		return PermanentClient, 0
	}
	return Unknown, 0
}
