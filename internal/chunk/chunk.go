package chunk

import "log/slog"

// BackendFactory constructs a Persistence backend from configuration
// parameters. Factories validate required params, apply defaults, and
// return a fully constructed backend or a descriptive error. Factories
// must not start goroutines or perform I/O beyond validation and initial
// sequence-priming reads.
//
// The logger parameter provides a backend-scoped logger; may be nil.
type BackendFactory func(params map[string]string, logger *slog.Logger) (Persistence, error)

// Allocator is the sequence allocator contract. NextIDs reserves count
// contiguous ids and returns the largest one; the caller
// owns the range [last-count+1, last]. Implementations must never return
// the same id twice within a process.
type Allocator interface {
	NextIDs(count int) (last int64, err error)
}
