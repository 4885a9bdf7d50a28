package collab

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrClosed          = errors.New("session is closed")
	ErrNotCollaborator = errors.New("account is not a collaborator on this document")
	ErrUnknownField    = errors.New("unknown field")
)

// SyncError reports a failed store write or subscription for a document.
type SyncError struct {
	Op         string
	DocumentID string
	Err        error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("%s doc %s: %v", e.Op, e.DocumentID, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

type FailedUpload struct {
	Name string `json:"name"`
	Err  error  `json:"-"`
}

// UploadError lists the files of a batch that were not stored. Files that
// did upload stay attached.
type UploadError struct {
	Failed []FailedUpload
	Total  int
}

func (e *UploadError) Error() string {
	names := make([]string, len(e.Failed))
	for i, f := range e.Failed {
		names[i] = f.Name
	}
	return fmt.Sprintf("%d of %d files failed to upload: %s", len(e.Failed), e.Total, strings.Join(names, ", "))
}
