package export

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

var (
	ErrAccessDenied       = errors.New("access denied")
	ErrBucketNotFound     = errors.New("bucket not found")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrThrottled          = errors.New("request throttled")
	ErrUnavailable        = errors.New("storage unavailable")
)

// UploadError wraps a failed object upload.
type UploadError struct {
	Bucket string
	Key    string
	Err    error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload s3://%s/%s: %v", e.Bucket, e.Key, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// classify maps SDK errors onto the package sentinels, keeping the original
// error when nothing matches.
func classify(err error) error {
	var noSuchBucket *types.NoSuchBucket
	if errors.As(err, &noSuchBucket) {
		return fmt.Errorf("%w: %v", ErrBucketNotFound, err)
	}

	code := ""
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code = apiErr.ErrorCode()
	}
	msg := err.Error()
	switch {
	case code == "NoSuchBucket" || strings.Contains(msg, "NoSuchBucket"):
		return fmt.Errorf("%w: %v", ErrBucketNotFound, err)
	case code == "AccessDenied" || code == "Forbidden" || strings.Contains(msg, "AccessDenied"):
		return fmt.Errorf("%w: %v", ErrAccessDenied, err)
	case code == "InvalidAccessKeyId" || code == "SignatureDoesNotMatch":
		return fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	case code == "SlowDown" || code == "Throttling" || code == "RequestLimitExceeded":
		return fmt.Errorf("%w: %v", ErrThrottled, err)
	case code == "ServiceUnavailable" || code == "InternalError" || strings.Contains(msg, "503"):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}
