package resilience

import (
	"context"
	"time"

	eventpkg "github.com/drblury/phaseflow/internal/runtime/event"
	executionpkg "github.com/drblury/phaseflow/internal/runtime/execution"
	"github.com/drblury/phaseflow/internal/runtime/pipeline"
)

// KeyFunc derives a cache key from the subject. ok=false disables caching
// for that event.
type KeyFunc func(evt eventpkg.Event) (key string, ok bool)

// ServeCached looks the subject up in the context cache. On a hit the cached
// value is stored under resultKey and the chain is short-circuited, skipping
// process and terminal. Register it in a phase before process.
func ServeCached(keyFn KeyFunc, resultKey string) pipeline.Interceptor {
	return func(_ context.Context, call *pipeline.Call) error {
		ec := call.Context()
		if ec.IsFailed() || ec.Cache() == nil {
			return nil
		}
		key, ok := keyFn(call.Subject())
		if !ok {
			return nil
		}
		ec.Set(AttrCacheKey, key)
		v, hit := ec.Cache().Get(key)
		if !hit {
			return nil
		}
		ec.Set(resultKey, v)
		ec.Set(AttrCacheHit, true)
		call.ShortCircuit()
		return nil
	}
}

// CacheResult stores resultKey from a successful execution under the key
// ServeCached computed. Register it in process after the business logic.
func CacheResult(resultKey string, ttl time.Duration) pipeline.Interceptor {
	return Process(func(_ context.Context, _ eventpkg.Event, ec *executionpkg.Context) error {
		key, ok := executionpkg.Get[string](ec, AttrCacheKey)
		if !ok || ec.Cache() == nil {
			return nil
		}
		if v, ok := ec.Attribute(resultKey); ok {
			ec.Cache().Put(key, v, ttl)
		}
		return nil
	})
}
