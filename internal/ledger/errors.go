package ledger

import "errors"

// ErrAlreadyMinted accompanies the existing token when a booking is minted
// twice.  Callers treat it as success: payment confirmations are retried.
var ErrAlreadyMinted = errors.New("token already minted for booking")

// ErrInvalidTransition is returned for any move outside the token state
// machine, e.g. served → active.
var ErrInvalidTransition = errors.New("invalid token transition")

var (
	ErrTokenNotFound   = errors.New("token not found")
	ErrCounterRequired = errors.New("counter id is required to serve a token")
)
