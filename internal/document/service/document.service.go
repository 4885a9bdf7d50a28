package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloudcollab/blob"
	"cloudcollab/internal/activity"
	"cloudcollab/internal/collab"
	"cloudcollab/internal/document/model"
	"cloudcollab/internal/metrics"
	"cloudcollab/pkg/logger"
	"cloudcollab/store"

	"github.com/go-playground/validator/v10"
)

const snippetLength = 100

var (
	ErrEmptyTitle = errors.New("document title is required")
	ErrForbidden  = errors.New("unauthorized: not a collaborator on this document")
	ErrNotOwner   = errors.New("unauthorized: only owner can delete")
)

// ShareError is shown to the user as is.
type ShareError struct {
	Message string
}

func (e *ShareError) Error() string { return e.Message }

type DocumentService struct {
	Store    store.Store
	Activity *activity.Feed
	Blobs    blob.Store
	Metrics  *metrics.Metrics
	validate *validator.Validate
}

func NewDocumentService(st store.Store, feed *activity.Feed, blobs blob.Store, m *metrics.Metrics) *DocumentService {
	if m == nil {
		m = metrics.Nop()
	}
	return &DocumentService{Store: st, Activity: feed, Blobs: blobs, Metrics: m, validate: validator.New()}
}

func (s *DocumentService) CreateDocument(ctx context.Context, acc store.Account, title string) (store.Document, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return store.Document{}, ErrEmptyTitle
	}

	doc, err := s.Store.CreateDocument(ctx, store.Document{
		Title:            title,
		OwnerID:          acc.ID,
		OwnerDisplayName: acc.DisplayName,
		Collaborators:    []string{acc.ID},
	})
	if err != nil {
		return store.Document{}, fmt.Errorf("create document: %w", err)
	}
	s.record(ctx, store.ActivityCreated, doc, acc)
	return doc, nil
}

// DeleteDocument removes the document. Open sessions see the delete change
// and shut down on their own.
func (s *DocumentService) DeleteDocument(ctx context.Context, acc store.Account, docID string) error {
	doc, err := s.Store.GetDocument(ctx, docID)
	if err != nil {
		return err
	}
	if doc.OwnerID != acc.ID {
		return ErrNotOwner
	}
	if err := s.Store.DeleteDocument(ctx, docID); err != nil {
		return err
	}
	s.record(ctx, store.ActivityDeleted, doc, acc)
	return nil
}

// ListDocuments returns the documents acc collaborates on, most recently
// updated first.
func (s *DocumentService) ListDocuments(ctx context.Context, acc store.Account) ([]model.DocumentMetadata, error) {
	docs, err := s.Store.ListDocuments(ctx)
	if err != nil {
		return nil, err
	}

	names := make(map[string]string)
	out := make([]model.DocumentMetadata, 0, len(docs))
	for _, doc := range docs {
		if !doc.HasCollaborator(acc.ID) {
			continue
		}
		meta := model.DocumentMetadata{
			ID:            doc.ID,
			Title:         doc.Title,
			UpdatedAt:     doc.UpdatedAt,
			Snippet:       snippet(doc.Body),
			IsOwner:       doc.OwnerID == acc.ID,
			OwnerName:     doc.OwnerDisplayName,
			Collaborators: []model.CollaboratorInfo{},
		}
		for _, id := range doc.Collaborators {
			meta.Collaborators = append(meta.Collaborators, model.CollaboratorInfo{ID: id, Name: s.displayName(ctx, names, id)})
		}
		out = append(out, meta)
	}
	return out, nil
}

// SubscribeDocuments streams acc's dashboard list, reloaded after every
// document write.
func (s *DocumentService) SubscribeDocuments(ctx context.Context, acc store.Account) (<-chan []model.DocumentMetadata, func()) {
	return store.Watch(ctx, s.Store.Feed(), store.TopicDocuments, func(ctx context.Context) ([]model.DocumentMetadata, error) {
		return s.ListDocuments(ctx, acc)
	})
}

func (s *DocumentService) displayName(ctx context.Context, cache map[string]string, id string) string {
	if name, ok := cache[id]; ok {
		return name
	}
	name := ""
	if u, err := s.Store.GetUser(ctx, id); err == nil {
		name = u.DisplayName
	}
	cache[id] = name
	return name
}

// Share adds the account registered under email to the collaborators.
// Sharing with an existing collaborator is a no-op.
func (s *DocumentService) Share(ctx context.Context, acc store.Account, docID, email string) (store.Document, error) {
	if _, err := s.authorize(ctx, acc, docID); err != nil {
		return store.Document{}, err
	}

	email = strings.TrimSpace(email)
	if s.validate.Var(email, "required,email") != nil {
		return store.Document{}, &ShareError{Message: "Enter a valid email"}
	}
	target, err := s.Store.GetUserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return store.Document{}, &ShareError{Message: "User not found"}
	}
	if err != nil {
		return store.Document{}, fmt.Errorf("lookup user: %w", err)
	}

	doc, err := s.Store.AddCollaborator(ctx, docID, target.ID)
	if err != nil {
		return store.Document{}, err
	}
	logger.Sugar.Infof("Doc %s shared with %s by %s", docID, target.ID, acc.ID)
	return doc, nil
}

func (s *DocumentService) ListFiles(ctx context.Context, acc store.Account, docID string) ([]store.AttachedFile, error) {
	if _, err := s.authorize(ctx, acc, docID); err != nil {
		return nil, err
	}
	return s.Store.ListFiles(ctx, docID)
}

// Upload stores the files one by one. Files that were stored are returned
// even when others failed; the failures come back as *collab.UploadError.
func (s *DocumentService) Upload(ctx context.Context, acc store.Account, docID string, uploads []collab.Upload) ([]store.AttachedFile, error) {
	doc, err := s.authorize(ctx, acc, docID)
	if err != nil {
		return nil, err
	}
	stored, err := collab.UploadFiles(ctx, s.Store, s.Blobs, docID, acc, uploads, s.Metrics)
	if len(stored) > 0 {
		s.record(ctx, store.ActivityFileUpload, doc, acc)
	}
	return stored, err
}

func (s *DocumentService) RecentActivities(ctx context.Context, limit int) ([]store.ActivityEvent, error) {
	return s.Activity.Recent(ctx, limit)
}

func (s *DocumentService) authorize(ctx context.Context, acc store.Account, docID string) (store.Document, error) {
	doc, err := s.Store.GetDocument(ctx, docID)
	if err != nil {
		return store.Document{}, err
	}
	if !doc.HasCollaborator(acc.ID) {
		return store.Document{}, ErrForbidden
	}
	return doc, nil
}

func (s *DocumentService) record(ctx context.Context, kind store.ActivityKind, doc store.Document, acc store.Account) {
	if _, err := s.Activity.Append(ctx, kind, doc, acc); err != nil {
		logger.Sugar.Warnf("Failed to record %s activity on doc %s: %v", kind, doc.ID, err)
	}
}

func snippet(body string) string {
	res := strings.Join(strings.Fields(body), " ")
	runes := []rune(res)
	if len(runes) > snippetLength {
		return string(runes[:snippetLength]) + "..."
	}
	return res
}
