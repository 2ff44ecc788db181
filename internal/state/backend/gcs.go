package backend

import (
	"context"
	"errors"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// gcsFetcher pulls state from a Google Cloud Storage object. The
// prefix names the object holding the state document.
type gcsFetcher struct {
	cfg    *Config
	client *storage.Client
}

func newGCSFetcher(cfg *Config) *gcsFetcher {
	return &gcsFetcher{cfg: cfg}
}

func (f *gcsFetcher) ensureClient(ctx context.Context) error {
	if f.client != nil {
		return nil
	}

	var opts []option.ClientOption
	if f.cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(f.cfg.CredentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return wrap(KindAuth, "failed to create GCS client", err)
	}
	f.client = client
	return nil
}

func (f *gcsFetcher) objectName() string {
	if f.cfg.Prefix != "" {
		return f.cfg.Prefix
	}
	return "default.tfstate"
}

func (f *gcsFetcher) Fetch(ctx context.Context) (*Payload, error) {
	if err := f.ensureClient(ctx); err != nil {
		return nil, err
	}

	reader, err := f.client.Bucket(f.cfg.Bucket).Object(f.objectName()).NewReader(ctx)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrObjectNotExist), errors.Is(err, storage.ErrBucketNotExist):
			return nil, wrap(KindNotFound, "state object not found", err)
		default:
			return nil, wrap(KindTransport, "failed to open state object", err)
		}
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, wrap(KindTransport, "failed to read state object", err)
	}
	return &Payload{Backend: TypeGCS, SizeBytes: len(data), Raw: data}, nil
}
