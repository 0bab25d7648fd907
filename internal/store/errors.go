package store

import "errors"

var (
	ErrInvalidPayload = errors.New("payload is not serializable")
	ErrKeyNotFound    = errors.New("key not found")
)

func IsErrKeyNotFound(err error) bool {
	return errors.Is(err, ErrKeyNotFound)
}
