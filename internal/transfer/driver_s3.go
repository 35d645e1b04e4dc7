package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"github.com/TheGojiOG/pvebackup/internal/failure"
)

// S3Driver stores artifacts in AWS S3 or S3-compatible storage. Username and
// Secret carry the access key pair; RemoteDir is the key prefix.
type S3Driver struct{}

// Dial builds the client; no request is made until the first operation
func (S3Driver) Dial(ctx context.Context, target Target) (Session, error) {
	awsConfig := &aws.Config{
		Region:      aws.String(target.Region),
		Credentials: credentials.NewStaticCredentials(target.Username, target.Secret, ""),
		// Retries are handled by the transfer client
		MaxRetries: aws.Int(0),
	}

	// Custom endpoint for S3-compatible storage (MinIO, Ceph RGW, ...)
	if target.Endpoint != "" {
		awsConfig.Endpoint = aws.String(target.Endpoint)
		awsConfig.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, failure.New("transfer", "dial", failure.InvalidConfiguration,
			fmt.Errorf("failed to create AWS session: %w", err))
	}

	client := s3.New(sess)
	return &s3Session{
		client:   client,
		uploader: s3manager.NewUploaderWithClient(client),
		bucket:   target.Bucket,
		prefix:   strings.Trim(target.RemoteDir, "/"),
	}, nil
}

type s3Session struct {
	client   *s3.S3
	uploader *s3manager.Uploader
	bucket   string
	prefix   string
}

func (s *s3Session) key(name string) string {
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

func (s *s3Session) Probe(ctx context.Context) error {
	_, err := s.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	return s3Error("probe", err)
}

func (s *s3Session) Store(ctx context.Context, name string, r io.Reader) error {
	_, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:       aws.String(s.bucket),
		Key:          aws.String(s.key(name)),
		Body:         r,
		ContentType:  aws.String(contentType(name)),
		StorageClass: aws.String("STANDARD"),
	})
	return s3Error("store", err)
}

func (s *s3Session) Size(ctx context.Context, name string) (int64, error) {
	out, err := s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil {
		return 0, s3Error("size", err)
	}
	return aws.Int64Value(out.ContentLength), nil
}

// Rename copies then deletes; S3 has no rename
func (s *s3Session) Rename(ctx context.Context, from, to string) error {
	source := url.PathEscape(s.bucket) + "/" + escapeKey(s.key(from))
	_, err := s.client.CopyObjectWithContext(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(s.key(to)),
		CopySource: aws.String(source),
	})
	if err != nil {
		return s3Error("rename", err)
	}
	return s.Delete(ctx, from)
}

func (s *s3Session) Delete(ctx context.Context, name string) error {
	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	return s3Error("delete", err)
}

func (s *s3Session) List(ctx context.Context) ([]RemoteFile, error) {
	input := &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Delimiter: aws.String("/"),
	}
	if s.prefix != "" {
		input.Prefix = aws.String(s.prefix + "/")
	}

	var files []RemoteFile
	err := s.client.ListObjectsV2PagesWithContext(ctx, input, func(page *s3.ListObjectsV2Output, last bool) bool {
		for _, obj := range page.Contents {
			name := path.Base(aws.StringValue(obj.Key))
			if name == "" || strings.HasSuffix(aws.StringValue(obj.Key), "/") {
				continue
			}
			files = append(files, RemoteFile{
				Name:      name,
				SizeBytes: aws.Int64Value(obj.Size),
				ModTime:   aws.TimeValue(obj.LastModified).UTC(),
			})
		}
		return true
	})
	if err != nil {
		return nil, s3Error("list", err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

func (s *s3Session) Close() error {
	return nil
}

// Abort is a no-op; every request carries the operation context
func (s *s3Session) Abort() {}

func s3Error(op string, err error) error {
	if err == nil {
		return nil
	}

	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) {
		switch {
		case reqErr.StatusCode() == http.StatusForbidden,
			reqErr.Code() == "AccessDenied",
			reqErr.Code() == "InvalidAccessKeyId",
			reqErr.Code() == "SignatureDoesNotMatch":
			return failure.New("transfer", op, failure.AuthRejected, err)
		case reqErr.Code() == s3.ErrCodeNoSuchBucket:
			return failure.New("transfer", op, failure.InvalidConfiguration, err)
		case reqErr.StatusCode() == http.StatusNotFound:
			if op == "probe" {
				return failure.New("transfer", op, failure.InvalidConfiguration, err)
			}
			return failure.New("transfer", op, failure.NotFound, err)
		case reqErr.StatusCode() >= 500:
			return failure.New("transfer", op, failure.TransferFailed, err)
		}
	}

	var awsErr awserr.Error
	if errors.As(err, &awsErr) {
		switch awsErr.Code() {
		case request.CanceledErrorCode:
			return failure.New("transfer", op, failure.Cancelled, err)
		case request.ErrCodeRequestError, request.ErrCodeResponseTimeout:
			if orig := awsErr.OrigErr(); orig != nil {
				if kind := kindOfNetError(orig); kind != failure.TransferFailed {
					return failure.New("transfer", op, kind, err)
				}
			}
			return failure.New("transfer", op, failure.Unreachable, err)
		case "NoCredentialProviders":
			return failure.New("transfer", op, failure.InvalidConfiguration, err)
		}
	}

	return failure.New("transfer", op, failure.TransferFailed, err)
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

func contentType(name string) string {
	if strings.HasSuffix(name, ".gz") {
		return "application/gzip"
	}
	return "application/x-tar"
}
