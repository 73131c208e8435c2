package s3blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/alanyoungcy/coinpair/internal/domain"
)

// minPartSize is the smallest part S3 accepts in a multipart upload.
const minPartSize int64 = 5 << 20

const jsonlContentType = "application/x-ndjson"

// objectMetadata tags every archive object with its producer.
var objectMetadata = map[string]string{"producer": "coinpair"}

// Writer uploads archive objects under the client's bucket and prefix, and
// can confirm they landed.
type Writer struct {
	c *Client
}

// NewWriter creates a Writer on c.
func NewWriter(c *Client) *Writer { return &Writer{c: c} }

func (w *Writer) putInput(p string, data io.Reader, contentType string) *s3.PutObjectInput {
	return &s3.PutObjectInput{
		Bucket:      aws.String(w.c.bucket),
		Key:         aws.String(w.c.key(p)),
		Body:        data,
		ContentType: aws.String(contentType),
		Metadata:    objectMetadata,
	}
}

// Put uploads data with one PutObject call.
func (w *Writer) Put(ctx context.Context, p string, data io.Reader, contentType string) error {
	if _, err := w.c.s3.PutObject(ctx, w.putInput(p, data, contentType)); err != nil {
		return fmt.Errorf("s3blob: put %s: %w", p, err)
	}
	return nil
}

// PutMultipart uploads data through the transfer manager in parts of
// partSize bytes, raised to the S3 minimum when smaller. Archives are always
// JSON lines.
func (w *Writer) PutMultipart(ctx context.Context, p string, data io.Reader, partSize int64) error {
	uploader := manager.NewUploader(w.c.s3, func(u *manager.Uploader) {
		u.PartSize = max(partSize, minPartSize)
	})
	if _, err := uploader.Upload(ctx, w.putInput(p, data, jsonlContentType)); err != nil {
		return fmt.Errorf("s3blob: multipart put %s: %w", p, err)
	}
	return nil
}

// Exists reports whether p is present. Absence is not an error.
func (w *Writer) Exists(ctx context.Context, p string) (bool, error) {
	_, err := w.c.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(w.c.bucket),
		Key:    aws.String(w.c.key(p)),
	})
	switch {
	case err == nil:
		return true, nil
	case isNotFound(err):
		return false, nil
	}
	return false, fmt.Errorf("s3blob: head %s: %w", p, err)
}

// isNotFound matches the typed SDK errors, and a bare 404 from providers
// that send no error code.
func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	var status interface{ HTTPStatusCode() int }
	switch {
	case errors.As(err, &nsk), errors.As(err, &nf):
		return true
	case errors.As(err, &status):
		return status.HTTPStatusCode() == http.StatusNotFound
	}
	return false
}

var (
	_ domain.BlobWriter = (*Writer)(nil)
	_ ObjectChecker     = (*Writer)(nil)
)
