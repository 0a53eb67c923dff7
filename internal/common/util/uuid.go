package util

import (
	"crypto/rand"
	"strings"
	"sync"

	"github.com/oklog/ulid"
)

var (
	idMu      sync.Mutex
	idEntropy = ulid.Monotonic(rand.Reader, 0)
)

// NewULID returns a lower-case ULID. Ids generated by one process sort in creation order.
func NewULID() string {
	idMu.Lock()
	defer idMu.Unlock()
	return strings.ToLower(ulid.MustNew(ulid.Now(), idEntropy).String())
}
