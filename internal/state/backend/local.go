package backend

import (
	"context"
	"os"
)

// localFetcher reads state from the local filesystem.
type localFetcher struct {
	path string
}

func newLocalFetcher(cfg *Config) *localFetcher {
	return &localFetcher{path: cfg.Path}
}

func (l *localFetcher) Fetch(ctx context.Context) (*Payload, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrap(KindTransport, "fetch cancelled", err)
	}
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, wrap(KindNotFound, "state file not found", err)
		}
		if os.IsPermission(err) {
			return nil, wrap(KindAuth, "state file not readable", err)
		}
		return nil, wrap(KindTransport, "failed to read state file", err)
	}
	return &Payload{Backend: TypeLocal, SizeBytes: len(data), Raw: data}, nil
}
