package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"cloudcollab/internal/collab"
	"cloudcollab/internal/document/model"
	"cloudcollab/internal/document/service"
	"cloudcollab/middleware"
	"cloudcollab/pkg/logger"
	"cloudcollab/store"
)

// multipart parts beyond this are spooled to disk.
const uploadMemory = 32 << 20

type DocumentHandler struct {
	Service        *service.DocumentService
	MaxUploadBytes int64
}

func NewDocumentHandler(service *service.DocumentService, maxUploadBytes int64) *DocumentHandler {
	return &DocumentHandler{Service: service, MaxUploadBytes: maxUploadBytes}
}

func (h *DocumentHandler) CreateDocument(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	acc := r.Context().Value(middleware.AccountKey).(store.Account)

	var req model.CreateDocRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	doc, err := h.Service.CreateDocument(r.Context(), acc, req.Title)
	if err != nil {
		writeError(w, "create document", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(model.CreateDocResponse{DocID: doc.ID})
}

func (h *DocumentHandler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	docID := r.URL.Query().Get("docId")
	if docID == "" {
		http.Error(w, "Missing docId parameter", http.StatusBadRequest)
		return
	}

	acc := r.Context().Value(middleware.AccountKey).(store.Account)

	if err := h.Service.DeleteDocument(r.Context(), acc, docID); err != nil {
		writeError(w, "delete document "+docID, err)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Document deleted successfully"))
}

func (h *DocumentHandler) GetDocuments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	acc := r.Context().Value(middleware.AccountKey).(store.Account)

	docs, err := h.Service.ListDocuments(r.Context(), acc)
	if err != nil {
		logger.Sugar.Errorf("Error fetching documents: %v", err)
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(docs)
}

func (h *DocumentHandler) ShareDocument(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req model.ShareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DocID == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	acc := r.Context().Value(middleware.AccountKey).(store.Account)

	if _, err := h.Service.Share(r.Context(), acc, req.DocID, req.Email); err != nil {
		writeError(w, "share document "+req.DocID, err)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Collaborator added successfully"))
}

func (h *DocumentHandler) GetFiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	docID := r.URL.Query().Get("docId")
	if docID == "" {
		http.Error(w, "Missing docId parameter", http.StatusBadRequest)
		return
	}

	acc := r.Context().Value(middleware.AccountKey).(store.Account)

	files, err := h.Service.ListFiles(r.Context(), acc, docID)
	if err != nil {
		writeError(w, "list files of "+docID, err)
		return
	}
	if files == nil {
		files = []store.AttachedFile{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(files)
}

// UploadFiles accepts a multipart form with any number of "files" parts.
// A partial failure answers 207 with the stored and failed files listed.
func (h *DocumentHandler) UploadFiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	docID := r.URL.Query().Get("docId")
	if docID == "" {
		http.Error(w, "Missing docId parameter", http.StatusBadRequest)
		return
	}

	if h.MaxUploadBytes > 0 {
		if r.ContentLength > h.MaxUploadBytes {
			http.Error(w, "Upload too large", http.StatusRequestEntityTooLarge)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, h.MaxUploadBytes)
	}
	if err := r.ParseMultipartForm(uploadMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Upload too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Invalid multipart form", http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		http.Error(w, "No files provided", http.StatusBadRequest)
		return
	}

	uploads := make([]collab.Upload, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			http.Error(w, "Failed to read "+fh.Filename, http.StatusBadRequest)
			return
		}
		defer f.Close()
		uploads = append(uploads, collab.Upload{
			Name:        fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Size:        fh.Size,
			Reader:      f,
		})
	}

	acc := r.Context().Value(middleware.AccountKey).(store.Account)

	stored, err := h.Service.Upload(r.Context(), acc, docID, uploads)
	resp := model.UploadResponse{Uploaded: stored}
	if resp.Uploaded == nil {
		resp.Uploaded = []store.AttachedFile{}
	}

	status := http.StatusCreated
	var uerr *collab.UploadError
	switch {
	case errors.As(err, &uerr):
		for _, f := range uerr.Failed {
			resp.Failed = append(resp.Failed, model.FailedFile{Name: f.Name, Error: f.Err.Error()})
		}
		status = http.StatusMultiStatus
		if len(stored) == 0 {
			status = http.StatusBadGateway
		}
		logger.Sugar.Warnf("Handler: %v on doc %s", uerr, docID)
	case err != nil:
		writeError(w, "upload to "+docID, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

func (h *DocumentHandler) GetActivities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "Invalid limit parameter", http.StatusBadRequest)
			return
		}
		limit = n
	}

	events, err := h.Service.RecentActivities(r.Context(), limit)
	if err != nil {
		logger.Sugar.Errorf("Error fetching activities: %v", err)
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []store.ActivityEvent{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(events)
}

func writeError(w http.ResponseWriter, op string, err error) {
	var shareErr *service.ShareError
	switch {
	case errors.As(err, &shareErr):
		http.Error(w, shareErr.Message, http.StatusBadRequest)
	case errors.Is(err, service.ErrEmptyTitle):
		http.Error(w, "Title is required", http.StatusBadRequest)
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "Document not found", http.StatusNotFound)
	case errors.Is(err, service.ErrForbidden), errors.Is(err, service.ErrNotOwner):
		http.Error(w, err.Error(), http.StatusForbidden)
	default:
		logger.Sugar.Errorf("Handler: Failed to %s: %v", op, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}
