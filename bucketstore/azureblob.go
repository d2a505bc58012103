package bucketstore

import (
	"context"
	"errors"
	"os"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"github.com/mlgit-go/mlgit/mlgerr"
)

// AzureBlobStore implements BucketStore against an Azure Blob container,
// the "azureblobh" storage kind.
type AzureBlobStore struct {
	container string
	client    *azblob.Client
}

// NewAzureBlobStore builds a client for containerName using a connection
// string (the simplest path for a config-driven CLI; cfg.CredentialsPath
// is expected to hold it when set, per spec §6 storage config).
func NewAzureBlobStore(connectionString, containerName string) (*AzureBlobStore, error) {
	client, err := azblob.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, mlgerr.New(mlgerr.KindConfig, "bucketstore.NewAzureBlobStore", containerName, err)
	}
	return &AzureBlobStore{container: containerName, client: client}, nil
}

func (a *AzureBlobStore) Kind() Kind     { return KindAzureBlob }
func (a *AzureBlobStore) Bucket() string { return a.container }

func (a *AzureBlobStore) FilePut(ctx context.Context, key, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return mlgerr.New(mlgerr.KindIo, "AzureBlobStore.FilePut", key, err)
	}
	defer f.Close()

	_, err = a.client.UploadFile(ctx, a.container, key, f, nil)
	if err != nil {
		return mlgerr.New(mlgerr.KindTransfer, "AzureBlobStore.FilePut", key, err)
	}
	return nil
}

func (a *AzureBlobStore) FileGet(ctx context.Context, key, dstPath string) (int64, error) {
	f, err := os.Create(dstPath)
	if err != nil {
		return 0, mlgerr.New(mlgerr.KindIo, "AzureBlobStore.FileGet", key, err)
	}
	defer f.Close()

	n, err := a.client.DownloadFile(ctx, a.container, key, f, nil)
	if err != nil {
		return n, mlgerr.New(mlgerr.KindTransfer, "AzureBlobStore.FileGet", key, err)
	}
	return n, nil
}

func (a *AzureBlobStore) FileExists(ctx context.Context, key string) (bool, error) {
	pager := a.client.NewListBlobsFlatPager(a.container, &azblob.ListBlobsFlatOptions{
		Prefix: &key,
	})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return false, mlgerr.New(mlgerr.KindTransfer, "AzureBlobStore.FileExists", key, err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name != nil && *item.Name == key {
				return true, nil
			}
		}
	}
	return false, nil
}

func (a *AzureBlobStore) ListFilesFromPath(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	pager := a.client.NewListBlobsFlatPager(a.container, &azblob.ListBlobsFlatOptions{
		Prefix: &prefix,
	})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, mlgerr.New(mlgerr.KindTransfer, "AzureBlobStore.ListFilesFromPath", prefix, err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name != nil {
				keys = append(keys, *item.Name)
			}
		}
	}
	return keys, nil
}

func (a *AzureBlobStore) DeleteFile(ctx context.Context, key string) error {
	_, err := a.client.DeleteBlob(ctx, a.container, key, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == 404 {
			return nil
		}
		return mlgerr.New(mlgerr.KindTransfer, "AzureBlobStore.DeleteFile", key, err)
	}
	return nil
}
