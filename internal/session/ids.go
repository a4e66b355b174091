package session

import (
	"crypto/rand"
	"encoding/hex"
)

// newSessionID produces a CSPRNG-backed, unguessable session id (the
// wall-clock-plus-random-suffix scheme in the reference implementation is
// deliberately not used — see design notes on id generation).
func newSessionID() string {
	buf := make([]byte, 16) // 128 bits of entropy
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand.Read on a supported platform does not fail; if it
		// somehow does, degrade rather than panic the output pump's caller.
		return "term_fallback"
	}
	return "term_" + hex.EncodeToString(buf)
}

func newSubscriberID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "sub_fallback"
	}
	return "sub_" + hex.EncodeToString(buf)
}
