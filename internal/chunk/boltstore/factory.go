package boltstore

import (
	"fmt"
	"log/slog"

	"nstore/internal/chunk"
)

// Factory parameter keys.
const (
	ParamPath           = "path"
	ParamSerializerInfo = "serializerInfo"
)

// NewFactory returns a chunk.BackendFactory that opens durable bbolt-backed
// backends at ParamPath (required). ParamSerializerInfo, if set, is stamped
// onto every record written through the resulting Store.
func NewFactory() chunk.BackendFactory {
	return func(params map[string]string, logger *slog.Logger) (chunk.Persistence, error) {
		path, ok := params[ParamPath]
		if !ok || path == "" {
			return nil, fmt.Errorf("boltstore: %w: missing required param %q", chunk.ErrInvalidOptions, ParamPath)
		}

		cfg := Config{
			Logger:         logger,
			SerializerInfo: params[ParamSerializerInfo],
		}

		return Open(path, cfg)
	}
}
