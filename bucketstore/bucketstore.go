// Package bucketstore implements the pluggable remote object storage
// backends (spec §4.7, component C7): S3/S3-compatible, Azure Blob, SFTP,
// and Google Drive, all behind one capability interface so localrepo can
// push/fetch/fsck without caring which backend a Spec's manifest.storage
// names.
package bucketstore

import (
	"context"
	"io"
	"strings"

	"github.com/mlgit-go/mlgit/mlgerr"
)

// Kind identifies a storage backend by its manifest.storage URI scheme
// (spec §6, e.g. "s3://bucket", "azureblobh://bucket").
type Kind string

const (
	KindS3           Kind = "s3"
	KindS3Compatible Kind = "s3h"
	KindAzureBlob    Kind = "azureblobh"
	KindSFTP         Kind = "sftph"
	KindGDrive       Kind = "gdriveh"
)

// ParseKind maps a manifest.storage scheme prefix to a Kind.
func ParseKind(scheme string) (Kind, error) {
	switch Kind(scheme) {
	case KindS3, KindS3Compatible, KindAzureBlob, KindSFTP, KindGDrive:
		return Kind(scheme), nil
	default:
		return "", mlgerr.New(mlgerr.KindConfig, "bucketstore.ParseKind", scheme, errUnknownScheme)
	}
}

type schemeError string

func (e schemeError) Error() string { return string(e) }

const errUnknownScheme = schemeError("unknown storage scheme")

// BucketStore is the capability every backend exposes: put/get a single
// object by key, existence check, listing under a path prefix, and
// delete -- the operations localrepo's Push/Fetch/Fsck drive (spec §4.7).
type BucketStore interface {
	// FilePut uploads the local file at localPath under key.
	FilePut(ctx context.Context, key, localPath string) error

	// FileGet downloads key to the local file at dstPath, truncating it
	// first. Returns the number of bytes written.
	FileGet(ctx context.Context, key, dstPath string) (int64, error)

	// FileExists reports whether key is present remotely.
	FileExists(ctx context.Context, key string) (bool, error)

	// ListFilesFromPath lists every key under prefix.
	ListFilesFromPath(ctx context.Context, prefix string) ([]string, error)

	// DeleteFile removes key. Not an error if key is already absent.
	DeleteFile(ctx context.Context, key string) error

	// Kind reports which backend this is, for log/error context.
	Kind() Kind

	// Bucket reports the configured bucket/container/root name.
	Bucket() string
}

// SplitBucketPath splits "bucket/nested/prefix" into its bucket and the
// remaining key prefix, the shape manifest.storage's bucket component
// takes once a path component is appended (spec §6 "storage" examples).
func SplitBucketPath(raw string) (bucket, prefix string) {
	parts := strings.SplitN(raw, "/", 2)
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], parts[1]
}

// copyAndClose is a small helper shared by backends whose SDK returns an
// io.ReadCloser that must be fully drained into a local file.
func copyAndClose(w io.Writer, r io.ReadCloser) (int64, error) {
	defer r.Close()
	return io.Copy(w, r)
}
