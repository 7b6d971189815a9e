package models

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a queued replication task.
type Status string

const (
	StatusRetryable  Status = "RETRYABLE"
	StatusFailedPerm Status = "FAILED_PERM"
)

// ParseStatus accepts the persisted spelling, case-insensitively.
func ParseStatus(s string) (Status, error) {
	switch Status(strings.ToUpper(strings.TrimSpace(s))) {
	case StatusRetryable:
		return StatusRetryable, nil
	case StatusFailedPerm:
		return StatusFailedPerm, nil
	}
	return "", fmt.Errorf("unknown replication status %q", s)
}

// ErrorType classifies why a replication attempt failed.
type ErrorType string

const (
	ErrorHTTPNon2xx ErrorType = "HTTP_NON_2XX"
	ErrorTimeout    ErrorType = "TIMEOUT"
	ErrorNetwork    ErrorType = "NETWORK"
	ErrorUnknown    ErrorType = "UNKNOWN"
)

// ReplicationTask is a durable record of one object that has not reached the secondary yet.
type ReplicationTask struct {
	Bucket           string     `json:"bucket"`
	ObjectKey        string     `json:"objectKey"`
	FirstAttemptAt   time.Time  `json:"firstAttemptAt"`
	LastTriedAt      *time.Time `json:"lastTriedAt,omitempty"`
	RetryCount       int        `json:"retryCount"`
	NextRetryAt      time.Time  `json:"nextRetryAt"`
	Status           Status     `json:"status"`
	LastErrorType    *ErrorType `json:"lastErrorType,omitempty"`
	LastErrorMessage *string    `json:"lastErrorMessage,omitempty"`
}
