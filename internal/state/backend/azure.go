package backend

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

// azureFetcher pulls state from an Azure Blob Storage container.
type azureFetcher struct {
	cfg    *Config
	client azureDownloader
}

type azureDownloader interface {
	DownloadStream(ctx context.Context, containerName, blobName string, o *azblob.DownloadStreamOptions) (azblob.DownloadStreamResponse, error)
}

func newAzureFetcher(cfg *Config) *azureFetcher {
	return &azureFetcher{cfg: cfg}
}

func (f *azureFetcher) ensureClient() error {
	if f.client != nil {
		return nil
	}

	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net", f.cfg.StorageAccount)

	switch {
	case f.cfg.ConnectionString != "":
		client, err := azblob.NewClientFromConnectionString(f.cfg.ConnectionString, nil)
		if err != nil {
			return wrap(KindConfig, "invalid Azure connection string", err)
		}
		f.client = client
	case f.cfg.SASToken != "":
		sas := strings.TrimPrefix(f.cfg.SASToken, "?")
		client, err := azblob.NewClientWithNoCredential(serviceURL+"?"+sas, nil)
		if err != nil {
			return wrap(KindConfig, "invalid Azure SAS token", err)
		}
		f.client = client
	default:
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return wrap(KindAuth, "failed to resolve Azure credentials", err)
		}
		client, err := azblob.NewClient(serviceURL, cred, nil)
		if err != nil {
			return wrap(KindConfig, "failed to create Azure client", err)
		}
		f.client = client
	}
	return nil
}

func (f *azureFetcher) Fetch(ctx context.Context) (*Payload, error) {
	if err := f.ensureClient(); err != nil {
		return nil, err
	}

	resp, err := f.client.DownloadStream(ctx, f.cfg.Container, f.cfg.Key, nil)
	if err != nil {
		switch {
		case bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound):
			return nil, wrap(KindNotFound, "state blob not found", err)
		case bloberror.HasCode(err, bloberror.AuthenticationFailed, bloberror.AuthorizationFailure):
			return nil, wrap(KindAuth, "Azure authorization failed", err)
		default:
			return nil, wrap(KindTransport, "failed to download state blob", err)
		}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, wrap(KindTransport, "failed to read state blob", err)
	}
	return &Payload{Backend: TypeAzureRM, SizeBytes: len(data), Raw: data}, nil
}
