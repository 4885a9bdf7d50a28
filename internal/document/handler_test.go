package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"cloudcollab/blob"
	"cloudcollab/internal/activity"
	"cloudcollab/internal/document/model"
	"cloudcollab/internal/document/service"
	"cloudcollab/middleware"
	"cloudcollab/store"
	"cloudcollab/store/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store   *memory.Store
	handler *DocumentHandler
	ann     store.Account
	bob     store.Account
}

func newFixture(t *testing.T, maxUpload int64) *fixture {
	t.Helper()
	ctx := context.Background()
	st := memory.New()
	svc := service.NewDocumentService(st, activity.NewFeed(st, st.Feed(), 10), blob.NewMemory("/blobs"), nil)

	ann, err := st.CreateUser(ctx, store.Account{Email: "ann@example.com", DisplayName: "Ann"})
	require.NoError(t, err)
	bob, err := st.CreateUser(ctx, store.Account{Email: "bob@example.com", DisplayName: "Bob"})
	require.NoError(t, err)

	return &fixture{store: st, handler: NewDocumentHandler(svc, maxUpload), ann: ann, bob: bob}
}

func serve(h http.HandlerFunc, acc store.Account, req *http.Request) *httptest.ResponseRecorder {
	req = req.WithContext(context.WithValue(req.Context(), middleware.AccountKey, acc))
	rr := httptest.NewRecorder()
	h(rr, req)
	return rr
}

func (f *fixture) create(t *testing.T, title string) string {
	t.Helper()
	rr := serve(f.handler.CreateDocument, f.ann, httptest.NewRequest(http.MethodPost, "/api/documents/create", strings.NewReader(`{"title":"`+title+`"}`)))
	require.Equal(t, http.StatusCreated, rr.Code)
	var resp model.CreateDocResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	return resp.DocID
}

func TestCreateAndListDocuments(t *testing.T) {
	f := newFixture(t, 0)
	docID := f.create(t, "Plan")

	rr := serve(f.handler.CreateDocument, f.ann, httptest.NewRequest(http.MethodPost, "/api/documents/create", strings.NewReader(`{"title":""}`)))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = serve(f.handler.GetDocuments, f.ann, httptest.NewRequest(http.MethodGet, "/api/documents", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var docs []model.DocumentMetadata
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&docs))
	require.Len(t, docs, 1)
	assert.Equal(t, docID, docs[0].ID)
	assert.True(t, docs[0].IsOwner)

	rr = serve(f.handler.GetDocuments, f.bob, httptest.NewRequest(http.MethodGet, "/api/documents", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `[]`, rr.Body.String())
}

func TestShareDocument(t *testing.T) {
	f := newFixture(t, 0)
	docID := f.create(t, "Plan")

	share := func(acc store.Account, email string) *httptest.ResponseRecorder {
		body := `{"document_id":"` + docID + `","email":"` + email + `"}`
		return serve(f.handler.ShareDocument, acc, httptest.NewRequest(http.MethodPost, "/api/documents/share", strings.NewReader(body)))
	}

	rr := share(f.ann, "nobody@example.com")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "User not found")

	rr = share(f.ann, "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "Enter a valid email")

	rr = share(f.bob, "bob@example.com")
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = share(f.ann, "bob@example.com")
	assert.Equal(t, http.StatusOK, rr.Code)

	doc, err := f.store.GetDocument(context.Background(), docID)
	require.NoError(t, err)
	assert.True(t, doc.HasCollaborator(f.bob.ID))
}

func TestDeleteDocument(t *testing.T) {
	f := newFixture(t, 0)
	docID := f.create(t, "Plan")

	rr := serve(f.handler.DeleteDocument, f.ann, httptest.NewRequest(http.MethodDelete, "/api/documents/delete", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = serve(f.handler.DeleteDocument, f.bob, httptest.NewRequest(http.MethodDelete, "/api/documents/delete?docId="+docID, nil))
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = serve(f.handler.DeleteDocument, f.ann, httptest.NewRequest(http.MethodPost, "/api/documents/delete?docId="+docID, nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)

	rr = serve(f.handler.DeleteDocument, f.ann, httptest.NewRequest(http.MethodDelete, "/api/documents/delete?docId="+docID, nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = serve(f.handler.DeleteDocument, f.ann, httptest.NewRequest(http.MethodDelete, "/api/documents/delete?docId="+docID, nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func multipartBody(t *testing.T, files map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, content := range files {
		part, err := mw.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = part.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestUploadAndGetFiles(t *testing.T) {
	f := newFixture(t, 1<<20)
	docID := f.create(t, "Plan")

	body, contentType := multipartBody(t, map[string]string{"a.txt": "aaa", "b.txt": "bbbb"})
	req := httptest.NewRequest(http.MethodPost, "/api/documents/files/upload?docId="+docID, body)
	req.Header.Set("Content-Type", contentType)
	rr := serve(f.handler.UploadFiles, f.ann, req)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var resp model.UploadResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Len(t, resp.Uploaded, 2)
	assert.Empty(t, resp.Failed)

	rr = serve(f.handler.GetFiles, f.ann, httptest.NewRequest(http.MethodGet, "/api/documents/files?docId="+docID, nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var files []store.AttachedFile
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&files))
	assert.Len(t, files, 2)

	rr = serve(f.handler.GetFiles, f.bob, httptest.NewRequest(http.MethodGet, "/api/documents/files?docId="+docID, nil))
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestUploadFiles_Rejections(t *testing.T) {
	f := newFixture(t, 64)
	docID := f.create(t, "Plan")

	body, contentType := multipartBody(t, map[string]string{"big.bin": strings.Repeat("x", 1024)})
	req := httptest.NewRequest(http.MethodPost, "/api/documents/files/upload?docId="+docID, body)
	req.Header.Set("Content-Type", contentType)
	rr := serve(f.handler.UploadFiles, f.ann, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)

	body, contentType = multipartBody(t, map[string]string{})
	req = httptest.NewRequest(http.MethodPost, "/api/documents/files/upload?docId="+docID, body)
	req.Header.Set("Content-Type", contentType)
	rr = serve(f.handler.UploadFiles, f.ann, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = serve(f.handler.UploadFiles, f.ann, httptest.NewRequest(http.MethodPost, "/api/documents/files/upload", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestGetActivities(t *testing.T) {
	f := newFixture(t, 0)
	f.create(t, "One")
	f.create(t, "Two")

	rr := serve(f.handler.GetActivities, f.ann, httptest.NewRequest(http.MethodGet, "/api/activities?limit=1", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var events []store.ActivityEvent
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&events))
	require.Len(t, events, 1)
	assert.Equal(t, "Two", events[0].Title)

	rr = serve(f.handler.GetActivities, f.ann, httptest.NewRequest(http.MethodGet, "/api/activities?limit=abc", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
