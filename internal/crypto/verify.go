package crypto

import "crypto/subtle"

// SecureCompare reports whether two credentials are equal without leaking
// timing information.
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
