package obligation

import (
	"time"

	"github.com/google/uuid"
)

// StoreOption customizes a store.
type StoreOption func(*storeConfig)

type storeConfig struct {
	now   func() time.Time
	newID func() string
}

func defaultStoreConfig() storeConfig {
	return storeConfig{
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
}

// WithStoreClock overrides the clock used to default creation timestamps.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(c *storeConfig) {
		if now != nil {
			c.now = now
		}
	}
}

// WithIDGenerator overrides identifier generation for obligations and
// dispatch requests.
func WithIDGenerator(gen func() string) StoreOption {
	return func(c *storeConfig) {
		if gen != nil {
			c.newID = gen
		}
	}
}
