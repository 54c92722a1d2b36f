package memory

import (
	"fmt"
	"log/slog"
	"strconv"

	"nstore/internal/chunk"
)

// Factory parameter keys.
const (
	ParamInitialPosition = "initialPosition"
	ParamMaxRetries      = "maxPositionRetries"
)

// NewFactory returns a chunk.BackendFactory that builds in-memory backends.
// ParamInitialPosition (default 0) primes the default sequence allocator;
// ParamMaxRetries (default chunk.DefaultMaxPositionRetries) bounds the
// position-collision retry loop in Append.
func NewFactory() chunk.BackendFactory {
	return func(params map[string]string, logger *slog.Logger) (chunk.Persistence, error) {
		initial := int64(0)
		if v, ok := params[ParamInitialPosition]; ok {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", chunk.ErrInvalidOptions, ParamInitialPosition, err)
			}
			initial = n
		}

		cfg := Config{Logger: logger}
		if v, ok := params[ParamMaxRetries]; ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", chunk.ErrInvalidOptions, ParamMaxRetries, err)
			}
			if n <= 0 {
				return nil, fmt.Errorf("%w: %s: must be positive", chunk.ErrInvalidOptions, ParamMaxRetries)
			}
			cfg.RetryPolicy = chunk.BoundedRetryPolicy{Max: n}
		}

		return NewManager(cfg, initial), nil
	}
}
