// Package blob stores binary attachments in an S3-compatible object store
// and hands back URLs that browsers can fetch them from.
package blob

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

type PutOptions struct {
	// Size is the exact byte count, or -1 when unknown.
	Size        int64
	ContentType string
}

type Object struct {
	Key         string
	Size        int64
	ContentType string
}

type Store interface {
	Upload(ctx context.Context, key string, r io.Reader, opt PutOptions) (Object, error)
	// URL returns a retrievable URL for key.
	URL(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error
}

// ObjectPath builds the storage key for a file attached to a document:
// {documentId}/{unixMillis}_{filename}.
func ObjectPath(documentID string, at time.Time, filename string) string {
	name := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	if name == "." || name == "/" {
		name = "file"
	}
	return fmt.Sprintf("%s/%d_%s", documentID, at.UnixMilli(), name)
}
