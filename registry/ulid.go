package registry

import "crypto/rand"

// newULIDReader returns the entropy source ulid.Monotonic reads from.
// crypto/rand.Reader directly would work too, but wrapping it names the
// intent at the call site.
func newULIDReader() interface {
	Read(p []byte) (n int, err error)
} {
	return rand.Reader
}
