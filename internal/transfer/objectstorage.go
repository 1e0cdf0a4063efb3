package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/ubuntu/decorate"
	"golang.org/x/sync/errgroup"
)

// S3API is the subset of the S3 client used by object storage transfers.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// batchTagMetadata is the object metadata key holding the batch tag.
const batchTagMetadata = "batch-tag"

// authErrorCodes are the S3 error codes meaning the credentials were refused.
var authErrorCodes = map[string]struct{}{
	"AccessDenied":          {},
	"InvalidAccessKeyId":    {},
	"SignatureDoesNotMatch": {},
	"ExpiredToken":          {},
	"InvalidToken":          {},
}

type objectStorage struct {
	base

	client      S3API
	bucket      string
	key         string
	threshold   int64
	chunkSize   int64
	concurrency int
}

// newObjectStorage builds the S3 client of the worker from the static profile credentials.
func newObjectStorage(b base, opts options) (*objectStorage, error) {
	w := &objectStorage{
		base:        b,
		client:      opts.s3Client,
		bucket:      b.profile.Location,
		key:         path.Join(b.batchTag, b.name),
		threshold:   opts.multipartThreshold,
		chunkSize:   opts.multipartChunkSize,
		concurrency: opts.multipartConcurrency,
	}
	if w.client != nil {
		return w, nil
	}

	cfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithRegion(b.profile.Region),
		config.WithCredentialsProvider(awscreds.NewStaticCredentialsProvider(b.profile.KeyID, b.profile.Secret, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("could not configure object storage client: %v", err)
	}

	endpoint := b.profile.Endpoint
	if !strings.Contains(endpoint, "://") {
		endpoint = "https://" + endpoint
	}
	w.client = s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
		o.BaseEndpoint = aws.String(endpoint)
	})
	return w, nil
}

// Run uploads the file in one request below the multipart threshold, otherwise in parts.
func (w *objectStorage) Run(ctx context.Context) (err error) {
	defer decorate.OnError(&err, "could not upload %s to bucket %s", w.key, w.bucket)

	f, err := os.Open(w.path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLocalRead, err)
	}
	defer f.Close()

	if w.size < w.threshold {
		w.log.Debug("Uploading object", "key", w.key, "size", w.size)
		_, err = w.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(w.bucket),
			Key:           aws.String(w.key),
			Body:          io.NewSectionReader(f, 0, w.size),
			ContentLength: aws.Int64(w.size),
			Metadata:      map[string]string{batchTagMetadata: w.batchTag},
		})
		if err != nil {
			return classifyObjectStorage(err)
		}
	} else if err := w.multipart(ctx, f); err != nil {
		return err
	}

	w.progress.finish()
	return nil
}

// multipart uploads the file in chunks, at most concurrency of them at once, aborting the upload on failure.
func (w *objectStorage) multipart(ctx context.Context, f io.ReaderAt) error {
	out, err := w.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:   aws.String(w.bucket),
		Key:      aws.String(w.key),
		Metadata: map[string]string{batchTagMetadata: w.batchTag},
	})
	if err != nil {
		return classifyObjectStorage(err)
	}
	uploadID := aws.ToString(out.UploadId)

	numParts := int((w.size + w.chunkSize - 1) / w.chunkSize)
	w.log.Debug("Uploading object in parts", "key", w.key, "size", w.size, "parts", numParts, "upload_id", uploadID)

	parts := make([]types.CompletedPart, numParts)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	for i := range numParts {
		offset := int64(i) * w.chunkSize
		size := min(w.chunkSize, w.size-offset)
		partNumber := aws.Int32(int32(i + 1))

		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out, err := w.client.UploadPart(gctx, &s3.UploadPartInput{
				Bucket:        aws.String(w.bucket),
				Key:           aws.String(w.key),
				UploadId:      aws.String(uploadID),
				PartNumber:    partNumber,
				Body:          io.NewSectionReader(f, offset, size),
				ContentLength: aws.Int64(size),
			})
			if err != nil {
				return fmt.Errorf("part %d: %w", *partNumber, classifyObjectStorage(err))
			}
			parts[i] = types.CompletedPart{ETag: out.ETag, PartNumber: partNumber}
			w.progress.add(size)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		w.abort(uploadID)
		return err
	}

	if _, err := w.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(w.bucket),
		Key:             aws.String(w.key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	}); err != nil {
		w.abort(uploadID)
		return classifyObjectStorage(err)
	}
	return nil
}

// abort releases the parts already stored. Its failure is only logged: the transfer failed already.
func (w *objectStorage) abort(uploadID string) {
	if _, err := w.client.AbortMultipartUpload(context.Background(), &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(w.bucket),
		Key:      aws.String(w.key),
		UploadId: aws.String(uploadID),
	}); err != nil {
		w.log.Warn("Failed to abort multipart upload", "key", w.key, "upload_id", uploadID, "error", err)
	}
}

// classifyObjectStorage maps an S3 client error to a failure class.
func classifyObjectStorage(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if _, ok := authErrorCodes[apiErr.ErrorCode()]; ok {
			return fmt.Errorf("%w: %w", ErrAuth, err)
		}
	}

	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		switch respErr.HTTPStatusCode() {
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: %w", ErrAuth, err)
		}
	}

	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return fmt.Errorf("%w: %w", ErrLocalRead, err)
	}

	var netErr net.Error
	if apiErr == nil && (errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded)) {
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}

	return fmt.Errorf("%w: %w", ErrRemote, err)
}
