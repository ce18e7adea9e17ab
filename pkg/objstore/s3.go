package objstore

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/stratadb/strata/pkg/errs"
)

// S3Config configures the S3-compatible object store. Endpoint,
// AccessKey and SecretKey support MinIO-style deployments; leaving them
// empty uses the standard AWS credential chain.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	Prefix    string
}

// S3 is an object store backed by AWS S3 or any S3-compatible endpoint.
type S3 struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3 creates an S3 object store.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, errs.E(errs.Validation, "objstore.s3.new", "bucket is required")
	}

	var client *s3.Client
	if cfg.Endpoint != "" && cfg.AccessKey != "" {
		// MinIO or other custom endpoint with static credentials.
		creds := credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
		client = s3.New(s3.Options{
			Region:       cfg.Region,
			Credentials:  creds,
			BaseEndpoint: aws.String(cfg.Endpoint),
			UsePathStyle: true, // required for MinIO
		})
	} else {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, errs.Wrap(errs.PermanentStorage, "objstore.s3.new", err)
		}
		client = s3.NewFromConfig(awsCfg)
	}

	return &S3{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.TrimSuffix(cfg.Prefix, "/"),
	}, nil
}

func (s *S3) fullKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

func (s *S3) stripPrefix(key string) string {
	if s.prefix == "" {
		return key
	}
	return strings.TrimPrefix(key, s.prefix+"/")
}

// classifyS3 maps an SDK error onto the semantic error kinds: missing
// keys to NotFound, 5xx/timeouts/resets to TransientStorage, and every
// other API failure (auth, validation, remaining 4xx) to
// PermanentStorage.
func classifyS3(op, key string, err error) error {
	if err == nil {
		return nil
	}

	var nsk *s3types.NoSuchKey
	var nf *s3types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return errs.Ef(errs.NotFound, op, "object %q not found", key)
	}

	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		code := respErr.HTTPStatusCode()
		switch {
		case code == 404:
			return errs.Ef(errs.NotFound, op, "object %q not found", key)
		case code >= 500:
			return errs.Wrap(errs.TransientStorage, op, err)
		case code >= 400:
			return errs.Wrap(errs.PermanentStorage, op, err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return errs.Wrap(errs.TransientStorage, op, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return errs.Wrap(errs.PermanentStorage, op, err)
	}

	// Connection resets and other transport failures surface as plain
	// errors from the HTTP client.
	return errs.Wrap(errs.TransientStorage, op, err)
}

// Put implements Store.
func (s *S3) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(key)),
		Body:   bytes.NewReader(data),
	})
	return classifyS3("objstore.s3.put", key, err)
}

// Get implements Store.
func (s *S3) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(key)),
	})
	if err != nil {
		return nil, classifyS3("objstore.s3.get", key, err)
	}
	defer out.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(out.Body); err != nil {
		return nil, classifyS3("objstore.s3.get", key, err)
	}
	return buf.Bytes(), nil
}

// Head implements Store.
func (s *S3) Head(ctx context.Context, key string) (Metadata, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(key)),
	})
	if err != nil {
		return Metadata{}, classifyS3("objstore.s3.head", key, err)
	}
	md := Metadata{Key: key, Size: aws.ToInt64(out.ContentLength)}
	if out.LastModified != nil {
		md.LastModified = *out.LastModified
	}
	md.ETag = aws.ToString(out.ETag)
	return md, nil
}

// List implements Store using paginated ListObjectsV2.
func (s *S3) List(ctx context.Context, prefix string) ([]Metadata, error) {
	var results []Metadata
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.fullKey(prefix)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classifyS3("objstore.s3.list", prefix, err)
		}
		for _, obj := range page.Contents {
			md := Metadata{
				Key:  s.stripPrefix(aws.ToString(obj.Key)),
				Size: aws.ToInt64(obj.Size),
				ETag: aws.ToString(obj.ETag),
			}
			if obj.LastModified != nil {
				md.LastModified = *obj.LastModified
			}
			results = append(results, md)
		}
	}
	return results, nil
}

// Delete implements Store. S3 deletes are idempotent already.
func (s *S3) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(key)),
	})
	err = classifyS3("objstore.s3.delete", key, err)
	if errs.IsNotFound(err) {
		return nil
	}
	return err
}

// Copy implements Store with a server-side copy.
func (s *S3) Copy(ctx context.Context, from, to string) error {
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		CopySource: aws.String(s.bucket + "/" + s.fullKey(from)),
		Key:        aws.String(s.fullKey(to)),
	})
	return classifyS3("objstore.s3.copy", from, err)
}

// PutMultipart implements Store using the multipart upload API.
func (s *S3) PutMultipart(ctx context.Context, key string, parts [][]byte) error {
	if len(parts) == 0 {
		return errs.E(errs.Validation, "objstore.s3.put_multipart", "at least one part required")
	}

	create, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(key)),
	})
	if err != nil {
		return classifyS3("objstore.s3.put_multipart", key, err)
	}
	uploadID := create.UploadId

	completed := make([]s3types.CompletedPart, 0, len(parts))
	for i, part := range parts {
		num := int32(i + 1)
		out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:     aws.String(s.bucket),
			Key:        aws.String(s.fullKey(key)),
			UploadId:   uploadID,
			PartNumber: aws.Int32(num),
			Body:       bytes.NewReader(part),
		})
		if err != nil {
			s.abortMultipart(ctx, key, uploadID)
			return classifyS3("objstore.s3.put_multipart", key, err)
		}
		completed = append(completed, s3types.CompletedPart{
			ETag:       out.ETag,
			PartNumber: aws.Int32(num),
		})
	}

	_, err = s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(s.fullKey(key)),
		UploadId:        uploadID,
		MultipartUpload: &s3types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		s.abortMultipart(ctx, key, uploadID)
		return classifyS3("objstore.s3.put_multipart", key, err)
	}
	return nil
}

func (s *S3) abortMultipart(ctx context.Context, key string, uploadID *string) {
	_, _ = s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(s.fullKey(key)),
		UploadId: uploadID,
	})
}
