package bucketstore

import (
	"context"
	"errors"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/mlgit-go/mlgit/config"
	"github.com/mlgit-go/mlgit/mlgerr"
)

// S3Store implements BucketStore against AWS S3 or an S3-compatible
// endpoint (MinIO, etc, selected by cfg.EndpointURL), matching the two
// storage kinds the reference project calls "s3" and "s3h".
type S3Store struct {
	kind   Kind
	bucket string
	client *s3.Client
}

// NewS3Store builds a client from a StorageConfig. region/profile come
// from cfg; when cfg.EndpointURL is set the client is pointed at it with
// path-style addressing, the shape MinIO and other S3-compatible
// deployments require.
func NewS3Store(ctx context.Context, kind Kind, bucket string, cfg config.StorageConfig) (*S3Store, error) {
	var optFns []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		optFns = append(optFns, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AWSCredProfile != "" {
		optFns = append(optFns, awsconfig.WithSharedConfigProfile(cfg.AWSCredProfile))
	}
	if cfg.CredentialsPath != "" {
		optFns = append(optFns, awsconfig.WithSharedCredentialsFiles([]string{cfg.CredentialsPath}))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, mlgerr.New(mlgerr.KindConfig, "bucketstore.NewS3Store", bucket, err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			o.UsePathStyle = true
		}
	})

	return &S3Store{kind: kind, bucket: bucket, client: client}, nil
}

func (s *S3Store) Kind() Kind      { return s.kind }
func (s *S3Store) Bucket() string  { return s.bucket }

func (s *S3Store) FilePut(ctx context.Context, key, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return mlgerr.New(mlgerr.KindIo, "S3Store.FilePut", key, err)
	}
	defer f.Close()

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return mlgerr.New(mlgerr.KindTransfer, "S3Store.FilePut", key, err)
	}
	return nil
}

func (s *S3Store) FileGet(ctx context.Context, key, dstPath string) (int64, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, mlgerr.New(mlgerr.KindTransfer, "S3Store.FileGet", key, err)
	}
	defer out.Body.Close()

	f, err := os.Create(dstPath)
	if err != nil {
		return 0, mlgerr.New(mlgerr.KindIo, "S3Store.FileGet", key, err)
	}
	defer f.Close()

	n, err := copyAndClose(f, out.Body)
	if err != nil {
		return n, mlgerr.New(mlgerr.KindTransfer, "S3Store.FileGet", key, err)
	}
	return n, nil
}

func (s *S3Store) FileExists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == 404 {
		return false, nil
	}
	return false, mlgerr.New(mlgerr.KindTransfer, "S3Store.FileExists", key, err)
}

func (s *S3Store) ListFilesFromPath(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, mlgerr.New(mlgerr.KindTransfer, "S3Store.ListFilesFromPath", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

func (s *S3Store) DeleteFile(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return mlgerr.New(mlgerr.KindTransfer, "S3Store.DeleteFile", key, err)
	}
	return nil
}

// staticCredentials lets tests/tools hand explicit keys instead of relying
// on the default provider chain.
func staticCredentials(accessKey, secretKey string) aws.CredentialsProviderFunc {
	return func(ctx context.Context) (aws.Credentials, error) {
		return credentials.NewStaticCredentialsProvider(accessKey, secretKey, "").Retrieve(ctx)
	}
}
