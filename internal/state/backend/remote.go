package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
)

// remoteFetcher pulls state from Terraform Cloud / Enterprise. The
// fetch is two-hop: the current state-version record carries a
// hosted-state-download-url which is fetched separately.
type remoteFetcher struct {
	cfg     *Config
	client  *http.Client
	baseURL string
}

// stateVersionResponse mirrors the JSON:API envelope of the
// state-versions endpoint.
type stateVersionResponse struct {
	Data struct {
		ID         string `json:"id"`
		Attributes struct {
			HostedStateDownloadURL string `json:"hosted-state-download-url"`
			Serial                 int64  `json:"serial"`
		} `json:"attributes"`
	} `json:"data"`
}

func newRemoteFetcher(cfg *Config) *remoteFetcher {
	hostname := cfg.Hostname
	if hostname == "" {
		hostname = "app.terraform.io"
	}
	return &remoteFetcher{
		cfg:     cfg,
		client:  &http.Client{Timeout: DefaultFetchTimeout},
		baseURL: fmt.Sprintf("https://%s/api/v2", hostname),
	}
}

func (f *remoteFetcher) token() string {
	if f.cfg.Token != "" {
		return f.cfg.Token
	}
	return os.Getenv("TERRAFORM_CLOUD_TOKEN")
}

func (f *remoteFetcher) Fetch(ctx context.Context) (*Payload, error) {
	token := f.token()
	if token == "" {
		return nil, &Error{Kind: KindAuth, Cause: "no Terraform Cloud token configured"}
	}

	url := fmt.Sprintf("%s/organizations/%s/workspaces/%s/state-versions/current",
		f.baseURL, f.cfg.Organization, f.cfg.Workspace)
	body, err := f.get(ctx, url, token)
	if err != nil {
		return nil, err
	}

	var sv stateVersionResponse
	if err := json.Unmarshal(body, &sv); err != nil {
		return nil, wrap(KindTransport, "failed to decode state-version response", err)
	}
	downloadURL := sv.Data.Attributes.HostedStateDownloadURL
	if downloadURL == "" {
		return nil, &Error{Kind: KindNotFound, Cause: "workspace has no hosted state"}
	}

	data, err := f.get(ctx, downloadURL, token)
	if err != nil {
		return nil, err
	}
	return &Payload{Backend: TypeRemote, SizeBytes: len(data), Raw: data}, nil
}

func (f *remoteFetcher) get(ctx context.Context, url, token string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, wrap(KindTransport, "failed to create request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/vnd.api+json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, wrap(KindTransport, "Terraform Cloud request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &Error{Kind: KindAuth, Cause: fmt.Sprintf("Terraform Cloud rejected the token (status %d)", resp.StatusCode)}
	case resp.StatusCode == http.StatusNotFound:
		return nil, &Error{Kind: KindNotFound, Cause: "workspace or state version not found"}
	case resp.StatusCode != http.StatusOK:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &Error{Kind: KindTransport, Cause: fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, snippet)}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, wrap(KindTransport, "failed to read response body", err)
	}
	return data, nil
}
