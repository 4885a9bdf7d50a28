package collab

import (
	"context"
	"io"
	"time"

	"cloudcollab/blob"
	"cloudcollab/internal/metrics"
	"cloudcollab/pkg/logger"
	"cloudcollab/store"
)

type Upload struct {
	Name        string
	ContentType string
	// Size is -1 when unknown.
	Size   int64
	Reader io.Reader
}

// UploadFiles stores each file and then records it on the document, one at
// a time. A failed file is skipped and reported in an *UploadError; files
// stored before or after it are kept.
func UploadFiles(ctx context.Context, files store.Files, blobs blob.Store, documentID string, uploader store.Account, uploads []Upload, m *metrics.Metrics) ([]store.AttachedFile, error) {
	if m == nil {
		m = metrics.Nop()
	}
	stored := make([]store.AttachedFile, 0, len(uploads))
	var failed []FailedUpload

	for _, u := range uploads {
		rec, err := uploadOne(ctx, files, blobs, documentID, uploader, u)
		if err != nil {
			logger.Sugar.Warnf("Upload of %s to doc %s failed: %v", u.Name, documentID, err)
			m.Uploads.WithLabelValues("error").Inc()
			failed = append(failed, FailedUpload{Name: u.Name, Err: err})
			continue
		}
		m.Uploads.WithLabelValues("ok").Inc()
		stored = append(stored, rec)
	}

	if len(failed) > 0 {
		return stored, &UploadError{Failed: failed, Total: len(uploads)}
	}
	return stored, nil
}

func uploadOne(ctx context.Context, files store.Files, blobs blob.Store, documentID string, uploader store.Account, u Upload) (store.AttachedFile, error) {
	key := blob.ObjectPath(documentID, time.Now(), u.Name)

	obj, err := blobs.Upload(ctx, key, u.Reader, blob.PutOptions{Size: u.Size, ContentType: u.ContentType})
	if err != nil {
		return store.AttachedFile{}, err
	}
	url, err := blobs.URL(ctx, key)
	if err != nil {
		discard(blobs, key)
		return store.AttachedFile{}, err
	}

	rec, err := files.AddFile(ctx, store.AttachedFile{
		DocumentID:            documentID,
		Name:                  u.Name,
		URL:                   url,
		Size:                  obj.Size,
		UploadedByDisplayName: uploader.DisplayName,
	})
	if err != nil {
		discard(blobs, key)
		return store.AttachedFile{}, err
	}
	return rec, nil
}

// discard removes an object that never got a file record.
func discard(blobs blob.Store, key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := blobs.Delete(ctx, key); err != nil {
		logger.Sugar.Warnf("Failed to remove orphaned object %s: %v", key, err)
	}
}
