package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/JorgenBangBang/opinion-docs-backend-v2/internal/config"
	"github.com/JorgenBangBang/opinion-docs-backend-v2/internal/filestore"
	"github.com/JorgenBangBang/opinion-docs-backend-v2/internal/search"
	"github.com/JorgenBangBang/opinion-docs-backend-v2/internal/store"
	"github.com/JorgenBangBang/opinion-docs-backend-v2/internal/util"
	"go.uber.org/zap"
)

// fakeStore keeps the same contracts as the Postgres store in memory.
type fakeStore struct {
	mu            sync.Mutex
	seq           int
	users         map[string]store.User
	revoked       map[string]time.Time
	categories    map[string]store.Category
	documents     map[string]store.Document
	docOrder      map[string]int
	revisions     []store.Revision
	notifications []store.Notification

	pingErr    error
	replaceErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:      map[string]store.User{},
		revoked:    map[string]time.Time{},
		categories: map[string]store.Category{},
		documents:  map[string]store.Document{},
		docOrder:   map[string]int{},
	}
}

func (f *fakeStore) tick() time.Time {
	f.seq++
	return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(f.seq) * time.Second)
}

func (f *fakeStore) CreateUser(_ context.Context, user store.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.users {
		if strings.EqualFold(existing.Email, user.Email) {
			return store.ErrDuplicate
		}
	}
	user.Email = strings.ToLower(user.Email)
	user.CreatedAt = f.tick()
	user.UpdatedAt = user.CreatedAt
	f.users[user.ID] = user
	return nil
}

func (f *fakeStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[id]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return user, nil
}

func (f *fakeStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if strings.EqualFold(user.Email, email) {
			return user, nil
		}
	}
	return store.User{}, store.ErrNotFound
}

func (f *fakeStore) UpdateUserPassword(_ context.Context, id, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[id]
	if !ok {
		return store.ErrNotFound
	}
	user.PasswordHash = hash
	f.users[id] = user
	return nil
}

func (f *fakeStore) TouchLastLogin(_ context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[id]
	if !ok {
		return store.ErrNotFound
	}
	user.LastLogin = &at
	f.users[id] = user
	return nil
}

func (f *fakeStore) CountUsers(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.users), nil
}

func (f *fakeStore) RevokeAccessToken(_ context.Context, jti string, exp time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked[jti] = exp
	return nil
}

func (f *fakeStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.revoked[jti]
	return ok, nil
}

func (f *fakeStore) ListCategories(context.Context) ([]store.Category, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]store.Category, 0, len(f.categories))
	for _, category := range f.categories {
		items = append(items, category)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return items, nil
}

func (f *fakeStore) GetCategory(_ context.Context, id string) (store.Category, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	category, ok := f.categories[id]
	if !ok {
		return store.Category{}, store.ErrNotFound
	}
	category.Subcategories = append([]store.Subcategory(nil), category.Subcategories...)
	return category, nil
}

func (f *fakeStore) CountCategories(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.categories), nil
}

func (f *fakeStore) nameTaken(name, exceptID string) bool {
	for id, category := range f.categories {
		if id != exceptID && strings.EqualFold(category.Name, name) {
			return true
		}
	}
	return false
}

func (f *fakeStore) CreateCategory(_ context.Context, category store.Category) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.nameTaken(category.Name, "") {
		return store.ErrDuplicate
	}
	category.CreatedAt = f.tick()
	category.UpdatedAt = category.CreatedAt
	f.categories[category.ID] = category
	return nil
}

func (f *fakeStore) UpdateCategory(_ context.Context, id, name, description string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	category, ok := f.categories[id]
	if !ok {
		return store.ErrNotFound
	}
	if f.nameTaken(name, id) {
		return store.ErrDuplicate
	}
	category.Name, category.Description = name, description
	category.UpdatedAt = f.tick()
	f.categories[id] = category
	return nil
}

func (f *fakeStore) DeleteCategory(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, doc := range f.documents {
		if doc.CategoryID == id {
			return store.ErrInUse
		}
	}
	if _, ok := f.categories[id]; !ok {
		return store.ErrNotFound
	}
	delete(f.categories, id)
	return nil
}

func (f *fakeStore) AddSubcategory(_ context.Context, id string, sub store.Subcategory) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	category, ok := f.categories[id]
	if !ok {
		return store.ErrNotFound
	}
	if category.HasSubcategory(sub.Name) {
		return store.ErrDuplicate
	}
	category.Subcategories = append(append([]store.Subcategory(nil), category.Subcategories...), sub)
	f.categories[id] = category
	return nil
}

func (f *fakeStore) UpdateSubcategory(_ context.Context, id, oldName string, sub store.Subcategory) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	category, ok := f.categories[id]
	if !ok || !category.HasSubcategory(oldName) {
		return 0, store.ErrNotFound
	}
	if sub.Name != oldName && category.HasSubcategory(sub.Name) {
		return 0, store.ErrDuplicate
	}
	subs := append([]store.Subcategory(nil), category.Subcategories...)
	for i := range subs {
		if subs[i].Name == oldName {
			subs[i] = sub
		}
	}
	category.Subcategories = subs
	f.categories[id] = category

	var cascaded int64
	if sub.Name != oldName {
		for docID, doc := range f.documents {
			if doc.CategoryID == id && doc.Subcategory == oldName {
				doc.Subcategory = sub.Name
				f.documents[docID] = doc
				cascaded++
			}
		}
	}
	return cascaded, nil
}

func (f *fakeStore) RemoveSubcategory(_ context.Context, id, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	category, ok := f.categories[id]
	if !ok {
		return store.ErrNotFound
	}
	for _, doc := range f.documents {
		if doc.CategoryID == id && doc.Subcategory == name {
			return store.ErrInUse
		}
	}
	if !category.HasSubcategory(name) {
		return store.ErrNotFound
	}
	subs := make([]store.Subcategory, 0, len(category.Subcategories))
	for _, sub := range category.Subcategories {
		if sub.Name != name {
			subs = append(subs, sub)
		}
	}
	category.Subcategories = subs
	f.categories[id] = category
	return nil
}

func (f *fakeStore) expand(doc store.Document) store.Document {
	doc.CategoryName = f.categories[doc.CategoryID].Name
	doc.UploadedByName = f.users[doc.UploadedBy].Name
	doc.LastModifiedByName = f.users[doc.LastModifiedBy].Name
	doc.Tags = append([]string{}, doc.Tags...)
	return doc
}

func (f *fakeStore) ListDocuments(_ context.Context, filter store.DocumentFilter) (store.DocumentPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	filter = store.NormalizeFilter(filter)
	needle := strings.ToLower(strings.TrimSpace(filter.Search))

	var matched []store.Document
	for _, doc := range f.documents {
		if filter.CategoryID != "" && doc.CategoryID != filter.CategoryID {
			continue
		}
		if filter.Subcategory != "" && doc.Subcategory != filter.Subcategory {
			continue
		}
		if filter.Status != "" && doc.Status != filter.Status {
			continue
		}
		if needle != "" {
			haystack := strings.ToLower(doc.Title + " " + doc.Description + " " + doc.Subcategory + " " + strings.Join(doc.Tags, " "))
			if !strings.Contains(haystack, needle) {
				continue
			}
		}
		matched = append(matched, f.expand(doc))
	}
	sort.Slice(matched, func(i, j int) bool {
		less := f.docOrder[matched[i].ID] < f.docOrder[matched[j].ID]
		if filter.Sort == "title" {
			less = matched[i].Title < matched[j].Title
		}
		if filter.Desc {
			return !less
		}
		return less
	})

	start := (filter.Page - 1) * filter.Limit
	if start > len(matched) {
		start = len(matched)
	}
	end := start + filter.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return store.DocumentPage{
		Items: append([]store.Document{}, matched[start:end]...),
		Total: len(matched),
		Page:  filter.Page,
		Limit: filter.Limit,
		Pages: store.PageCount(len(matched), filter.Limit),
	}, nil
}

func (f *fakeStore) GetDocument(_ context.Context, id string) (store.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.documents[id]
	if !ok {
		return store.Document{}, store.ErrNotFound
	}
	return f.expand(doc), nil
}

func (f *fakeStore) InsertDocument(_ context.Context, doc store.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.categories[doc.CategoryID]; !ok {
		return store.ErrMissingReference
	}
	now := f.tick()
	doc.Version = 1
	doc.LastModifiedBy = doc.UploadedBy
	if doc.ReviewDate.IsZero() {
		doc.ReviewDate = now.AddDate(1, 0, 0)
	}
	if doc.Status == "" {
		doc.Status = store.StatusActive
	}
	doc.CreatedAt, doc.UpdatedAt = now, now
	f.documents[doc.ID] = doc
	f.docOrder[doc.ID] = f.seq
	return nil
}

func (f *fakeStore) UpdateDocument(_ context.Context, id string, patch store.DocumentPatch, modifiedBy string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.documents[id]
	if !ok {
		return store.ErrNotFound
	}
	if patch.CategoryID != nil {
		if _, ok := f.categories[*patch.CategoryID]; !ok {
			return store.ErrMissingReference
		}
	}
	if patch.Title != nil {
		doc.Title = *patch.Title
	}
	if patch.Description != nil {
		doc.Description = *patch.Description
	}
	if patch.CategoryID != nil {
		doc.CategoryID = *patch.CategoryID
	}
	if patch.Subcategory != nil {
		doc.Subcategory = *patch.Subcategory
	}
	if patch.Tags != nil {
		doc.Tags = *patch.Tags
	}
	if patch.ReviewDate != nil {
		doc.ReviewDate = *patch.ReviewDate
	}
	if patch.Status != nil {
		doc.Status = *patch.Status
	}
	doc.LastModifiedBy = modifiedBy
	doc.UpdatedAt = f.tick()
	f.documents[id] = doc
	f.docOrder[id] = f.seq
	return nil
}

func (f *fakeStore) ReplaceDocumentFile(_ context.Context, id string, expectedVersion int, file store.FileRef, modifiedBy string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.replaceErr != nil {
		return f.replaceErr
	}
	doc, ok := f.documents[id]
	if !ok {
		return store.ErrNotFound
	}
	if doc.Version != expectedVersion {
		return store.ErrVersionConflict
	}
	doc.File = file
	doc.Version++
	doc.LastModifiedBy = modifiedBy
	doc.UpdatedAt = f.tick()
	f.documents[id] = doc
	f.docOrder[id] = f.seq
	return nil
}

func (f *fakeStore) InsertRevision(_ context.Context, revision store.Revision) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.revisions {
		if existing.DocumentID == revision.DocumentID && existing.Version == revision.Version {
			return store.ErrVersionConflict
		}
	}
	revision.CreatedAt = f.tick()
	f.revisions = append(f.revisions, revision)
	return nil
}

func (f *fakeStore) ListRevisions(_ context.Context, documentID string) ([]store.Revision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]store.Revision, 0)
	for _, revision := range f.revisions {
		if revision.DocumentID == documentID {
			revision.CreatedByName = f.users[revision.CreatedBy].Name
			items = append(items, revision)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Version > items[j].Version })
	return items, nil
}

func (f *fakeStore) GetRevision(_ context.Context, documentID string, version int) (store.Revision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, revision := range f.revisions {
		if revision.DocumentID == documentID && revision.Version == version {
			revision.CreatedByName = f.users[revision.CreatedBy].Name
			return revision, nil
		}
	}
	return store.Revision{}, store.ErrNotFound
}

func (f *fakeStore) InsertNotification(_ context.Context, item store.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	item.CreatedAt = f.tick()
	f.notifications = append(f.notifications, item)
	return nil
}

func (f *fakeStore) ListNotifications(_ context.Context, userID string, unreadOnly bool, limit int) ([]store.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]store.Notification, 0)
	for i := len(f.notifications) - 1; i >= 0; i-- {
		item := f.notifications[i]
		if item.UserID != userID || (unreadOnly && item.Read) {
			continue
		}
		items = append(items, item)
		if limit > 0 && len(items) == limit {
			break
		}
	}
	return items, nil
}

func (f *fakeStore) MarkNotificationRead(_ context.Context, userID, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.notifications {
		if f.notifications[i].ID == id && f.notifications[i].UserID == userID {
			f.notifications[i].Read = true
			return nil
		}
	}
	return store.ErrNotFound
}

func (f *fakeStore) Ping(context.Context) error {
	return f.pingErr
}

func (f *fakeStore) revisionCount(documentID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, revision := range f.revisions {
		if revision.DocumentID == documentID {
			count++
		}
	}
	return count
}

// recordingSearch captures index writes instead of talking to an engine.
type recordingSearch struct {
	mu      sync.Mutex
	indexed []search.DocumentRecord
	deleted []string
}

func (r *recordingSearch) Search(_ context.Context, q search.Query) search.Response {
	return search.Response{Results: []search.Result{}, Query: q.Text, Engine: search.EnginePostgres}
}

func (r *recordingSearch) IndexDocument(doc search.DocumentRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if doc.Status == store.StatusDeleted {
		r.deleted = append(r.deleted, doc.ID)
		return
	}
	r.indexed = append(r.indexed, doc)
}

func (r *recordingSearch) DeleteDocument(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, id)
}

type testEnv struct {
	store  *fakeStore
	files  *filestore.Local
	dir    string
	search *recordingSearch
	svc    *Service
	server http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	fs := newFakeStore()
	dir := t.TempDir()
	files, err := filestore.NewLocal(dir, 1<<20)
	if err != nil {
		t.Fatalf("local file store: %v", err)
	}
	rec := &recordingSearch{}
	cfg := config.Config{
		JWTSecret:         "test-secret",
		TokenTTL:          time.Hour,
		MaxUploadBytes:    1 << 20,
		RegisterAllowRole: true,
		CORSOrigin:        "*",
	}
	svc := New(cfg, fs, files, rec, zap.NewNop())
	return &testEnv{
		store:  fs,
		files:  files,
		dir:    dir,
		search: rec,
		svc:    svc,
		server: NewHTTPServer(svc, "*").Handler(),
	}
}

// seedUser stores an active user with password "secret-pw" and returns a
// token for it.
func (e *testEnv) seedUser(t *testing.T, name, role string) (store.User, string) {
	t.Helper()
	hash, err := e.svc.auth.HashPassword("secret-pw")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	user := store.User{
		ID:           util.NewID("usr"),
		Email:        strings.ToLower(name) + "@example.no",
		Name:         name,
		PasswordHash: hash,
		Role:         role,
		IsActive:     true,
		AuthProvider: "local",
	}
	if err := e.store.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("create user: %v", err)
	}
	session, err := e.svc.issueSession(user)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	return user, session.Token
}

func (e *testEnv) seedCategory(t *testing.T, name string, subcategories ...string) store.Category {
	t.Helper()
	category := store.Category{ID: util.NewID("cat"), Name: name}
	for _, sub := range subcategories {
		category.Subcategories = append(category.Subcategories, store.Subcategory{Name: sub})
	}
	if err := e.store.CreateCategory(context.Background(), category); err != nil {
		t.Fatalf("create category: %v", err)
	}
	return category
}

func (e *testEnv) do(t *testing.T, method, path, token string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("x-auth-token", token)
	}
	rr := httptest.NewRecorder()
	e.server.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) doWithHeader(t *testing.T, method, path, header, value string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set(header, value)
	rr := httptest.NewRecorder()
	e.server.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) doJSON(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, method, path, token, strings.NewReader(body), "application/json")
}

func (e *testEnv) blobCount(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		t.Fatalf("read upload dir: %v", err)
	}
	return len(entries)
}

type filePart struct {
	name        string
	contentType string
	content     string
}

// doMultipart sends fields plus an optional "file" part.
func (e *testEnv) doMultipart(t *testing.T, method, path, token string, fields map[string]string, file *filePart) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	if file != nil {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", `form-data; name="file"; filename="`+file.name+`"`)
		header.Set("Content-Type", file.contentType)
		part, err := writer.CreatePart(header)
		if err != nil {
			t.Fatalf("create part: %v", err)
		}
		if _, err := part.Write([]byte(file.content)); err != nil {
			t.Fatalf("write part: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	return e.do(t, method, path, token, &buf, writer.FormDataContentType())
}

func decodeMap(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v body=%s", err, rr.Body.String())
	}
	return payload
}

func expectStatus(t *testing.T, rr *httptest.ResponseRecorder, status int) {
	t.Helper()
	if rr.Code != status {
		t.Fatalf("expected status %d, got %d body=%s", status, rr.Code, rr.Body.String())
	}
}

func expectError(t *testing.T, rr *httptest.ResponseRecorder, status int, code string) map[string]any {
	t.Helper()
	expectStatus(t, rr, status)
	payload := decodeMap(t, rr)
	if payload["code"] != code {
		t.Fatalf("expected code %s, got %v", code, payload["code"])
	}
	if msg, _ := payload["message"].(string); msg == "" {
		t.Fatalf("expected a message, got %v", payload)
	}
	return payload
}

func decodeInto(t *testing.T, rr *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), target); err != nil {
		t.Fatalf("parse response: %v body=%s", err, rr.Body.String())
	}
}

// createDocument uploads a small text document and returns its id.
func (e *testEnv) createDocument(t *testing.T, token, categoryID, subcategory, title string) string {
	t.Helper()
	rr := e.doMultipart(t, http.MethodPost, "/api/documents", token, map[string]string{
		"title":       title,
		"category":    categoryID,
		"subcategory": subcategory,
	}, &filePart{name: strings.ToLower(title) + ".txt", contentType: "text/plain", content: "content of " + title})
	expectStatus(t, rr, http.StatusCreated)
	id, _ := decodeMap(t, rr)["id"].(string)
	if id == "" {
		t.Fatalf("expected document id")
	}
	return id
}

// listDocuments returns the total reported for GET /api/documents?query.
func (e *testEnv) listDocuments(t *testing.T, token, query string) int {
	t.Helper()
	rr := e.do(t, http.MethodGet, "/api/documents?"+query, token, nil, "")
	expectStatus(t, rr, http.StatusOK)
	pagination, _ := decodeMap(t, rr)["pagination"].(map[string]any)
	total, _ := pagination["total"].(float64)
	return int(total)
}
