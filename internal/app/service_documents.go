package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/JorgenBangBang/opinion-docs-backend-v2/internal/filestore"
	"github.com/JorgenBangBang/opinion-docs-backend-v2/internal/store"
	"github.com/JorgenBangBang/opinion-docs-backend-v2/internal/util"
	"go.uber.org/zap"
)

// StatusAll disables the status filter when listing documents.
const StatusAll = "all"

type DocumentQuery struct {
	CategoryID  string
	Subcategory string
	Status      string
	Search      string
	Sort        string
	Order       string
	Page        int
	Limit       int
}

type CreateDocumentInput struct {
	Title       string
	Description string
	CategoryID  string
	Subcategory string
	Tags        []string
	ReviewDate  *time.Time
}

// UpdateDocumentInput leaves nil fields unchanged.
type UpdateDocumentInput struct {
	Title       *string    `json:"title"`
	Description *string    `json:"description"`
	CategoryID  *string    `json:"category"`
	Subcategory *string    `json:"subcategory"`
	Tags        *[]string  `json:"tags"`
	ReviewDate  *time.Time `json:"reviewDate"`
	Status      *string    `json:"status"`
}

// BlobStream is an open stored file plus the metadata needed to serve it.
type BlobStream struct {
	File store.FileRef
	Body io.ReadCloser
}

var (
	errFileRequired       = validationError("FILE_REQUIRED", "A file must be attached")
	errTitleRequired      = validationError("MISSING_FIELDS", "Title, category and subcategory are required")
	errInvalidCategory    = validationError("INVALID_CATEGORY", "Category does not exist")
	errInvalidSubcategory = validationError("INVALID_SUBCATEGORY", "Subcategory does not belong to the category")
	errInvalidStatus      = validationError("INVALID_STATUS", "Status must be active, archived or deleted")
	errUnsupportedFile    = validationError("UNSUPPORTED_FILE_TYPE", "File type is not allowed")
	errFileTooLarge       = validationError("FILE_TOO_LARGE", "File too large")
	errRevisionConflict   = conflictError("VERSION_CONFLICT", "Document was revised concurrently, reload and try again")
)

func validStatus(status string) bool {
	switch status {
	case store.StatusActive, store.StatusArchived, store.StatusDeleted:
		return true
	}
	return false
}

func uploadError(err error) error {
	switch {
	case errors.Is(err, filestore.ErrUnsupportedType):
		return errUnsupportedFile
	case errors.Is(err, filestore.ErrTooLarge):
		return errFileTooLarge
	}
	return err
}

func (s *Service) ListDocuments(ctx context.Context, query DocumentQuery) (store.DocumentPage, error) {
	status := strings.TrimSpace(query.Status)
	switch {
	case status == "":
		status = store.StatusActive
	case status == StatusAll:
		status = ""
	case !validStatus(status):
		return store.DocumentPage{}, errInvalidStatus
	}

	sort := strings.TrimSpace(query.Sort)
	desc := strings.EqualFold(query.Order, "desc")
	if strings.HasPrefix(sort, "-") {
		sort = strings.TrimPrefix(sort, "-")
		desc = true
	}

	return s.store.ListDocuments(ctx, store.DocumentFilter{
		CategoryID:  strings.TrimSpace(query.CategoryID),
		Subcategory: strings.TrimSpace(query.Subcategory),
		Status:      status,
		Search:      strings.TrimSpace(query.Search),
		Sort:        sort,
		Desc:        desc,
		Page:        query.Page,
		Limit:       query.Limit,
	})
}

func (s *Service) GetDocument(ctx context.Context, documentID string) (store.Document, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Document{}, errDocumentNotFound
	}
	return doc, err
}

// checkPlacement verifies that subcategory is listed under categoryID.
func (s *Service) checkPlacement(ctx context.Context, categoryID, subcategory string) error {
	category, err := s.store.GetCategory(ctx, categoryID)
	if errors.Is(err, store.ErrNotFound) {
		return errInvalidCategory
	}
	if err != nil {
		return err
	}
	if !category.HasSubcategory(subcategory) {
		return errInvalidSubcategory
	}
	return nil
}

// discardBlob removes a blob written for a request that then failed.
func (s *Service) discardBlob(key string) {
	if err := s.files.Delete(context.Background(), key); err != nil {
		s.log.Warn("orphaned blob cleanup failed", zap.String("key", key), zap.Error(err))
	}
}

// CreateDocument stores the upload first and then validates the metadata; the
// blob is removed again whenever the document row is not written.
func (s *Service) CreateDocument(ctx context.Context, session Session, input CreateDocumentInput, upload *filestore.Upload) (store.Document, error) {
	if upload == nil {
		return store.Document{}, errFileRequired
	}
	object, err := s.files.Save(ctx, *upload)
	if err != nil {
		return store.Document{}, uploadError(err)
	}

	doc, err := s.insertDocument(ctx, session, input, object)
	if err != nil {
		s.discardBlob(object.Key)
		return store.Document{}, err
	}
	s.indexDocument(doc)
	return doc, nil
}

func (s *Service) insertDocument(ctx context.Context, session Session, input CreateDocumentInput, object filestore.Object) (store.Document, error) {
	title := strings.TrimSpace(input.Title)
	categoryID := strings.TrimSpace(input.CategoryID)
	subcategory := strings.TrimSpace(input.Subcategory)
	if title == "" || categoryID == "" || subcategory == "" {
		return store.Document{}, errTitleRequired
	}
	if err := s.checkPlacement(ctx, categoryID, subcategory); err != nil {
		return store.Document{}, err
	}

	doc := store.Document{
		ID:          util.NewID("doc"),
		Title:       title,
		Description: strings.TrimSpace(input.Description),
		CategoryID:  categoryID,
		Subcategory: subcategory,
		Tags:        normalizeTags(input.Tags),
		File: store.FileRef{
			Path:     object.Key,
			Name:     object.Name,
			Size:     object.Size,
			MimeType: object.MimeType,
		},
		UploadedBy: session.UserID,
		Status:     store.StatusActive,
	}
	if input.ReviewDate != nil {
		doc.ReviewDate = *input.ReviewDate
	}
	if err := s.store.InsertDocument(ctx, doc); err != nil {
		if errors.Is(err, store.ErrMissingReference) {
			return store.Document{}, errInvalidCategory
		}
		return store.Document{}, err
	}
	return s.GetDocument(ctx, doc.ID)
}

func (s *Service) UpdateDocument(ctx context.Context, session Session, documentID string, input UpdateDocumentInput) (store.Document, error) {
	current, err := s.GetDocument(ctx, documentID)
	if err != nil {
		return store.Document{}, err
	}

	patch := store.DocumentPatch{
		Description: trimmed(input.Description),
		ReviewDate:  input.ReviewDate,
	}
	if input.Title != nil {
		title := strings.TrimSpace(*input.Title)
		if title == "" {
			return store.Document{}, errTitleRequired
		}
		patch.Title = &title
	}
	if input.Status != nil {
		status := strings.TrimSpace(*input.Status)
		if !validStatus(status) {
			return store.Document{}, errInvalidStatus
		}
		patch.Status = &status
	}
	if input.Tags != nil {
		tags := normalizeTags(*input.Tags)
		patch.Tags = &tags
	}
	if input.CategoryID != nil || input.Subcategory != nil {
		categoryID, subcategory := current.CategoryID, current.Subcategory
		if input.CategoryID != nil {
			categoryID = strings.TrimSpace(*input.CategoryID)
		}
		if input.Subcategory != nil {
			subcategory = strings.TrimSpace(*input.Subcategory)
		}
		if categoryID == "" || subcategory == "" {
			return store.Document{}, errTitleRequired
		}
		if err := s.checkPlacement(ctx, categoryID, subcategory); err != nil {
			return store.Document{}, err
		}
		patch.CategoryID = &categoryID
		patch.Subcategory = &subcategory
	}

	if err := s.store.UpdateDocument(ctx, documentID, patch, session.UserID); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return store.Document{}, errDocumentNotFound
		case errors.Is(err, store.ErrMissingReference):
			return store.Document{}, errInvalidCategory
		}
		return store.Document{}, err
	}
	doc, err := s.GetDocument(ctx, documentID)
	if err != nil {
		return store.Document{}, err
	}
	s.indexDocument(doc)
	return doc, nil
}

// DeleteDocument marks the document deleted. Its blob and revisions stay, and
// an update back to another status restores it.
func (s *Service) DeleteDocument(ctx context.Context, session Session, documentID string) error {
	status := store.StatusDeleted
	_, err := s.UpdateDocument(ctx, session, documentID, UpdateDocumentInput{Status: &status})
	return err
}

func (s *Service) openBlob(ctx context.Context, file store.FileRef) (BlobStream, error) {
	body, err := s.files.Open(ctx, file.Path)
	if errors.Is(err, filestore.ErrNotFound) || errors.Is(err, filestore.ErrInvalidKey) {
		return BlobStream{}, errBlobNotFound
	}
	if err != nil {
		return BlobStream{}, err
	}
	return BlobStream{File: file, Body: body}, nil
}

// OpenDocumentFile opens the current blob of a document. A missing record and
// a missing blob fail with different errors.
func (s *Service) OpenDocumentFile(ctx context.Context, documentID string) (BlobStream, error) {
	doc, err := s.GetDocument(ctx, documentID)
	if err != nil {
		return BlobStream{}, err
	}
	return s.openBlob(ctx, doc.File)
}

// UploadRevision archives the current file pointer as a revision and points the
// document at the new upload, bumping its version by one. The two writes are
// not atomic: if the second fails the revision row stays, the document keeps
// serving its previous file, and the next upload reuses that row.
func (s *Service) UploadRevision(ctx context.Context, session Session, documentID string, upload *filestore.Upload, changes string) (store.Document, error) {
	doc, err := s.GetDocument(ctx, documentID)
	if err != nil {
		return store.Document{}, err
	}
	if upload == nil {
		return store.Document{}, errFileRequired
	}
	object, err := s.files.Save(ctx, *upload)
	if err != nil {
		return store.Document{}, uploadError(err)
	}

	revision := store.Revision{
		ID:         util.NewID("rev"),
		DocumentID: doc.ID,
		Version:    doc.Version,
		File:       doc.File,
		Changes:    strings.TrimSpace(changes),
		CreatedBy:  session.UserID,
	}
	if err := s.store.InsertRevision(ctx, revision); err != nil {
		if !errors.Is(err, store.ErrVersionConflict) {
			s.discardBlob(object.Key)
			return store.Document{}, err
		}
		if err := s.adoptLeftoverRevision(ctx, doc); err != nil {
			s.discardBlob(object.Key)
			return store.Document{}, err
		}
	}

	next := store.FileRef{Path: object.Key, Name: object.Name, Size: object.Size, MimeType: object.MimeType}
	if err := s.store.ReplaceDocumentFile(ctx, doc.ID, doc.Version, next, session.UserID); err != nil {
		s.discardBlob(object.Key)
		s.log.Warn("revision recorded but document file not replaced",
			zap.String("document_id", doc.ID),
			zap.Int("version", doc.Version),
			zap.Error(err))
		switch {
		case errors.Is(err, store.ErrVersionConflict):
			return store.Document{}, errRevisionConflict
		case errors.Is(err, store.ErrNotFound):
			return store.Document{}, errDocumentNotFound
		}
		return store.Document{}, err
	}

	if doc.UploadedBy != "" && doc.UploadedBy != session.UserID {
		s.notify(ctx, store.Notification{
			UserID:     doc.UploadedBy,
			Type:       "document_revised",
			Title:      fmt.Sprintf("New version of %s", doc.Title),
			Message:    fmt.Sprintf("%s uploaded version %d of %q", session.UserName, doc.Version+1, doc.Title),
			DocumentID: doc.ID,
		})
	}

	updated, err := s.GetDocument(ctx, doc.ID)
	if err != nil {
		return store.Document{}, err
	}
	s.indexDocument(updated)
	return updated, nil
}

// adoptLeftoverRevision accepts an existing revision row for doc.Version when
// it archives the file the document still points at. Such a row is left behind
// when the file replacement after it failed; the version check in
// ReplaceDocumentFile still decides between concurrent uploads.
func (s *Service) adoptLeftoverRevision(ctx context.Context, doc store.Document) error {
	existing, err := s.store.GetRevision(ctx, doc.ID, doc.Version)
	if errors.Is(err, store.ErrNotFound) {
		return errRevisionConflict
	}
	if err != nil {
		return err
	}
	if existing.File.Path != doc.File.Path {
		return errRevisionConflict
	}
	s.log.Info("reusing revision left by an interrupted upload",
		zap.String("document_id", doc.ID),
		zap.String("revision_id", existing.ID),
		zap.Int("version", doc.Version))
	return nil
}

func (s *Service) ListRevisions(ctx context.Context, documentID string) ([]store.Revision, error) {
	if _, err := s.GetDocument(ctx, documentID); err != nil {
		return nil, err
	}
	return s.store.ListRevisions(ctx, documentID)
}

// OpenRevisionFile opens the blob archived for exactly the given version.
func (s *Service) OpenRevisionFile(ctx context.Context, documentID string, version int) (BlobStream, error) {
	revision, err := s.store.GetRevision(ctx, documentID, version)
	if errors.Is(err, store.ErrNotFound) {
		return BlobStream{}, errRevisionNotFound
	}
	if err != nil {
		return BlobStream{}, err
	}
	return s.openBlob(ctx, revision.File)
}

func trimmed(value *string) *string {
	if value == nil {
		return nil
	}
	v := strings.TrimSpace(*value)
	return &v
}

// normalizeTags trims tags, drops blanks and duplicates, and keeps order.
func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}
