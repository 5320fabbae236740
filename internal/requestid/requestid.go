package requestid

import (
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyOnce sync.Once
	entropyMu   sync.Mutex
	entropy     *ulid.MonotonicEntropy
)

func newEntropy() *ulid.MonotonicEntropy {
	entropyOnce.Do(func() {
		source := rand.NewSource(time.Now().UnixNano())
		entropy = ulid.Monotonic(rand.New(source), 0)
	})
	return entropy
}

// New returns a cnv_* ULID string. IDs sort by creation time.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), newEntropy())
	return "cnv_" + strings.ToLower(id.String())
}

// IsValid reports whether the string is a cnv_* ULID.
func IsValid(value string) bool {
	if !strings.HasPrefix(value, "cnv_") {
		return false
	}
	_, err := Parse(value)
	return err == nil
}

// Parse strips the cnv_ prefix and returns the ULID.
func Parse(value string) (ulid.ULID, error) {
	value = strings.TrimSpace(value)
	value = strings.TrimPrefix(value, "cnv_")
	value = strings.TrimPrefix(value, "CNV_")
	return ulid.Parse(value)
}
