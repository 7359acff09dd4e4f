package kv

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// IsNil reports whether err is the store's "no such key/field" reply.
func IsNil(err error) bool {
	return errors.Is(err, redis.Nil)
}

// IsWrongType reports whether err is a WRONGTYPE reply, returned when a
// command expects one data shape (e.g. hash) but the key holds another.
func IsWrongType(err error) bool {
	if err == nil {
		return false
	}
	var rerr redis.Error
	if errors.As(err, &rerr) {
		return strings.HasPrefix(rerr.Error(), "WRONGTYPE")
	}
	return strings.Contains(err.Error(), "WRONGTYPE")
}

// IsTxFailed reports whether an optimistic transaction was aborted because a
// watched key changed.
func IsTxFailed(err error) bool {
	return errors.Is(err, redis.TxFailedErr)
}
