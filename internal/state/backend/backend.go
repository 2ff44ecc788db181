package backend

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Type identifies a state backend flavor.
type Type string

const (
	TypeLocal   Type = "local"
	TypeS3      Type = "s3"
	TypeAzureRM Type = "azurerm"
	TypeGCS     Type = "gcs"
	TypeRemote  Type = "remote"
)

// Config is the tagged backend configuration. Type selects the
// variant; only the fields of that variant may be set.
type Config struct {
	Type Type `json:"type" binding:"required"`

	// local
	Path string `json:"path,omitempty"`

	// s3
	Bucket       string `json:"bucket,omitempty"`
	Key          string `json:"key,omitempty"`
	Region       string `json:"region,omitempty"`
	Profile      string `json:"profile,omitempty"`
	Endpoint     string `json:"endpoint,omitempty"`
	SessionToken string `json:"session_token,omitempty"`

	// azurerm
	StorageAccount   string `json:"storage_account,omitempty"`
	Container        string `json:"container,omitempty"`
	SASToken         string `json:"sas_token,omitempty"`
	ConnectionString string `json:"connection_string,omitempty"`

	// gcs
	Prefix          string `json:"prefix,omitempty"`
	CredentialsFile string `json:"credentials_file,omitempty"`
	Project         string `json:"project,omitempty"`

	// remote (Terraform Cloud / Enterprise)
	Hostname     string `json:"hostname,omitempty"`
	Organization string `json:"organization,omitempty"`
	Workspace    string `json:"workspace,omitempty"`
	Token        string `json:"token,omitempty"`
}

// Validate checks that the variant selected by Type carries its
// required fields.
func (c *Config) Validate() error {
	switch c.Type {
	case TypeLocal:
		if c.Path == "" {
			return &Error{Kind: KindConfig, Cause: "path is required for local backend"}
		}
	case TypeS3:
		if c.Bucket == "" || c.Key == "" {
			return &Error{Kind: KindConfig, Cause: "bucket and key are required for s3 backend"}
		}
	case TypeAzureRM:
		if c.StorageAccount == "" || c.Container == "" || c.Key == "" {
			return &Error{Kind: KindConfig, Cause: "storage_account, container, and key are required for azurerm backend"}
		}
	case TypeGCS:
		if c.Bucket == "" {
			return &Error{Kind: KindConfig, Cause: "bucket is required for gcs backend"}
		}
	case TypeRemote:
		if c.Organization == "" || c.Workspace == "" {
			return &Error{Kind: KindConfig, Cause: "organization and workspace are required for remote backend"}
		}
	default:
		return &Error{Kind: KindConfig, Cause: fmt.Sprintf("unsupported backend type %q", c.Type)}
	}
	return nil
}

// Payload is the result of a state fetch.
type Payload struct {
	Backend   Type   `json:"backend"`
	SizeBytes int    `json:"size_bytes"`
	Raw       []byte `json:"-"`
}

// Fetcher retrieves the full state document from a backend.
type Fetcher interface {
	Fetch(ctx context.Context) (*Payload, error)
}

// ErrorKind categorizes a backend failure.
type ErrorKind string

const (
	KindConfig    ErrorKind = "config"
	KindTransport ErrorKind = "transport"
	KindAuth      ErrorKind = "auth"
	KindNotFound  ErrorKind = "not_found"
	KindTimeout   ErrorKind = "timeout"
)

// Error is the single error type surfaced by every adapter.
type Error struct {
	Kind  ErrorKind
	Cause string
	Err   error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("backend %s: %s: %v", e.Kind, e.Cause, e.Err)
	}
	return fmt.Sprintf("backend %s: %s", e.Kind, e.Cause)
}

func (e *Error) Unwrap() error { return e.Err }

// wrap normalizes an arbitrary fetch failure. Context timeouts map to
// the timeout kind regardless of where they surfaced.
func wrap(kind ErrorKind, cause string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	}
	return &Error{Kind: kind, Cause: cause, Err: err}
}

// DefaultFetchTimeout bounds a single backend fetch.
const DefaultFetchTimeout = 30 * time.Second

// Open returns the adapter for the given configuration.
func Open(cfg *Config) (Fetcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Type {
	case TypeLocal:
		return newLocalFetcher(cfg), nil
	case TypeS3:
		return newS3Fetcher(cfg), nil
	case TypeAzureRM:
		return newAzureFetcher(cfg), nil
	case TypeGCS:
		return newGCSFetcher(cfg), nil
	case TypeRemote:
		return newRemoteFetcher(cfg), nil
	}
	return nil, &Error{Kind: KindConfig, Cause: fmt.Sprintf("unsupported backend type %q", cfg.Type)}
}
