package s3blob

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/alanyoungcy/microflow/internal/domain"
)

// minPartSize is the smallest part S3 accepts in a multipart upload. Chunks
// at least this large are uploaded in parts.
const minPartSize int64 = 5 * 1024 * 1024

// Writer implements domain.BlobWriter on an S3-compatible bucket.
type Writer struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
}

// NewWriter creates a Writer for the client's bucket.
func NewWriter(c *Client) *Writer {
	return &Writer{
		client: c.S3(),
		uploader: manager.NewUploader(c.S3(), func(u *manager.Uploader) {
			u.PartSize = minPartSize
		}),
		bucket: c.Bucket(),
	}
}

// Put uploads obj. Small chunks go up in one PutObject request; large
// recording chunks are split into concurrent parts.
func (w *Writer) Put(ctx context.Context, obj domain.BlobObject) error {
	contentType := obj.ContentType
	if contentType == "" {
		contentType = jsonlContentType
	}
	input := &s3.PutObjectInput{
		Bucket:      aws.String(w.bucket),
		Key:         aws.String(obj.Path),
		Body:        bytes.NewReader(obj.Body),
		ContentType: aws.String(contentType),
		Metadata:    obj.Metadata,
	}

	if int64(len(obj.Body)) >= minPartSize {
		if _, err := w.uploader.Upload(ctx, input); err != nil {
			return fmt.Errorf("s3blob: multipart upload %s: %w", obj.Path, err)
		}
		return nil
	}
	input.ContentLength = aws.Int64(int64(len(obj.Body)))
	if _, err := w.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("s3blob: put %s: %w", obj.Path, err)
	}
	return nil
}

var _ domain.BlobWriter = (*Writer)(nil)
