package storage

import "github.com/pkg/errors"

// Sentinel errors returned by the storage package. Tests compare against
// these with errors.Cause, matching device_queue_test.go's idiom.
var (
	ErrDoesNotExist                   = errors.New("object does not exist")
	ErrDoesNotExistOrFCntOrMICInvalid = errors.New("object does not exist or invalid fCnt or MIC")
	ErrAlreadyExists                  = errors.New("object already exists")
	ErrInvalidFPort                   = errors.New("fPort must not be 0")
	ErrInvalidDevAddr                 = errors.New("invalid dev-addr")
	ErrInvalidConfiguration           = errors.New("invalid configuration")
	ErrUsedByOtherObjects             = errors.New("object is used by other objects")
)
