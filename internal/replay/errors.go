package replay

import "errors"

var (
	ErrUnavailable = errors.New("replay API unreachable")
	ErrBadResponse = errors.New("replay API returned an unusable response")
)
