package model

import (
	"time"

	"cloudcollab/store"
)

type CreateDocRequest struct {
	Title string `json:"title"`
}

type CreateDocResponse struct {
	DocID string `json:"document_id"`
}

type CollaboratorInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// DocumentMetadata is one dashboard row.
type DocumentMetadata struct {
	ID            string             `json:"id"`
	Title         string             `json:"title"`
	UpdatedAt     time.Time          `json:"updated_at"`
	Snippet       string             `json:"snippet"`
	IsOwner       bool               `json:"is_owner"`
	OwnerName     string             `json:"owner_name"`
	Collaborators []CollaboratorInfo `json:"collaborators"`
}

type ShareRequest struct {
	DocID string `json:"document_id"`
	Email string `json:"email"`
}

type FailedFile struct {
	Name  string `json:"name"`
	Error string `json:"error"`
}

type UploadResponse struct {
	Uploaded []store.AttachedFile `json:"uploaded"`
	Failed   []FailedFile         `json:"failed,omitempty"`
}
