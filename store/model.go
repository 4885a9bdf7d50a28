package store

import "time"

type Document struct {
	ID               string    `json:"id"`
	Title            string    `json:"title"`
	Body             string    `json:"body"`
	OwnerID          string    `json:"owner_id"`
	OwnerDisplayName string    `json:"owner_name"`
	Collaborators    []string  `json:"collaborators"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// HasCollaborator reports whether accountID may edit the document.
func (d Document) HasCollaborator(accountID string) bool {
	if d.OwnerID == accountID {
		return true
	}
	for _, id := range d.Collaborators {
		if id == accountID {
			return true
		}
	}
	return false
}

type PresenceEntry struct {
	DocumentID  string    `json:"document_id"`
	AccountID   string    `json:"account_id"`
	DisplayName string    `json:"name"`
	JoinedAt    time.Time `json:"joined_at"`
	LastSeen    time.Time `json:"last_seen"`
}

type TypingSignal struct {
	DocumentID  string    `json:"document_id"`
	AccountID   string    `json:"account_id"`
	DisplayName string    `json:"name"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type ActivityKind string

const (
	ActivityCreated    ActivityKind = "created"
	ActivityUpdated    ActivityKind = "updated"
	ActivityDeleted    ActivityKind = "deleted"
	ActivityFileUpload ActivityKind = "file-upload"
)

type ActivityEvent struct {
	ID               string       `json:"id"`
	Kind             ActivityKind `json:"type"`
	DocumentID       string       `json:"document_id"`
	Title            string       `json:"title"`
	ActorID          string       `json:"user_id"`
	ActorDisplayName string       `json:"user_name"`
	CreatedAt        time.Time    `json:"created_at"`
}

type AttachedFile struct {
	ID                    string    `json:"id"`
	DocumentID            string    `json:"document_id"`
	Name                  string    `json:"name"`
	URL                   string    `json:"url"`
	Size                  int64     `json:"size"`
	UploadedByDisplayName string    `json:"uploaded_by_name"`
	UploadedAt            time.Time `json:"uploaded_at"`
}

// Account is an entry of the users directory.
type Account struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"name"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}
