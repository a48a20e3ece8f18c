package app

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/JorgenBangBang/opinion-docs-backend-v2/internal/filestore"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const (
	// multipartOverhead is the room left for form fields next to the file part.
	multipartOverhead = 1 << 20
	multipartMemory   = 8 << 20
)

var (
	errNotMultipart = validationError("INVALID_BODY", "Request must be multipart/form-data")
	errInvalidDate  = validationError("INVALID_DATE", "Review date must be YYYY-MM-DD or RFC 3339")
)

func (s *HTTPServer) handleListCategories(w http.ResponseWriter, r *http.Request, session Session) {
	categories, err := s.service.ListCategories(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, categoryViews(categories))
}

func (s *HTTPServer) handleGetCategory(w http.ResponseWriter, r *http.Request, session Session) {
	category, err := s.service.GetCategory(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, categoryView(category))
}

func (s *HTTPServer) handleCreateCategory(w http.ResponseWriter, r *http.Request, session Session) {
	var body CreateCategoryInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	category, err := s.service.CreateCategory(r.Context(), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, categoryView(category))
}

func (s *HTTPServer) handleUpdateCategory(w http.ResponseWriter, r *http.Request, session Session) {
	var body UpdateCategoryInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	category, err := s.service.UpdateCategory(r.Context(), mux.Vars(r)["id"], body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, categoryView(category))
}

func (s *HTTPServer) handleDeleteCategory(w http.ResponseWriter, r *http.Request, session Session) {
	if err := s.service.DeleteCategory(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Category deleted"})
}

func (s *HTTPServer) handleAddSubcategory(w http.ResponseWriter, r *http.Request, session Session) {
	var body SubcategoryInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	category, err := s.service.AddSubcategory(r.Context(), mux.Vars(r)["id"], body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, categoryView(category))
}

func (s *HTTPServer) handleUpdateSubcategory(w http.ResponseWriter, r *http.Request, session Session) {
	var body UpdateSubcategoryInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	name, err := subcategoryName(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	category, err := s.service.UpdateSubcategory(r.Context(), mux.Vars(r)["id"], name, body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, categoryView(category))
}

func (s *HTTPServer) handleRemoveSubcategory(w http.ResponseWriter, r *http.Request, session Session) {
	name, err := subcategoryName(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	category, err := s.service.RemoveSubcategory(r.Context(), mux.Vars(r)["id"], name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, categoryView(category))
}

// subcategoryName decodes the {name} segment, which arrives still escaped.
func subcategoryName(r *http.Request) (string, error) {
	name, err := url.PathUnescape(mux.Vars(r)["name"])
	if err != nil {
		return "", errSubcategoryNotFound
	}
	return name, nil
}

func (s *HTTPServer) handleListDocuments(w http.ResponseWriter, r *http.Request, session Session) {
	query := r.URL.Query()
	page, err := s.service.ListDocuments(r.Context(), DocumentQuery{
		CategoryID:  query.Get("category"),
		Subcategory: query.Get("subcategory"),
		Status:      query.Get("status"),
		Search:      query.Get("search"),
		Sort:        query.Get("sort"),
		Order:       query.Get("order"),
		Page:        queryInt(r, "page"),
		Limit:       queryInt(r, "limit"),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, documentPageView(page))
}

func (s *HTTPServer) handleGetDocument(w http.ResponseWriter, r *http.Request, session Session) {
	doc, err := s.service.GetDocument(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, documentView(doc))
}

func (s *HTTPServer) handleCreateDocument(w http.ResponseWriter, r *http.Request, session Session) {
	upload, cleanup, err := s.readUpload(w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer cleanup()

	reviewDate, err := parseDate(r.FormValue("reviewDate"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	categoryID := r.FormValue("category")
	if categoryID == "" {
		categoryID = r.FormValue("categoryId")
	}
	doc, err := s.service.CreateDocument(r.Context(), session, CreateDocumentInput{
		Title:       r.FormValue("title"),
		Description: r.FormValue("description"),
		CategoryID:  categoryID,
		Subcategory: r.FormValue("subcategory"),
		Tags:        parseTags(r.MultipartForm.Value["tags"]),
		ReviewDate:  reviewDate,
	}, upload)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, documentView(doc))
}

func (s *HTTPServer) handleUpdateDocument(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		Title       *string   `json:"title"`
		Description *string   `json:"description"`
		Category    *string   `json:"category"`
		Subcategory *string   `json:"subcategory"`
		Tags        *[]string `json:"tags"`
		ReviewDate  *string   `json:"reviewDate"`
		Status      *string   `json:"status"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	input := UpdateDocumentInput{
		Title:       body.Title,
		Description: body.Description,
		CategoryID:  body.Category,
		Subcategory: body.Subcategory,
		Tags:        body.Tags,
		Status:      body.Status,
	}
	if body.ReviewDate != nil {
		reviewDate, err := parseDate(*body.ReviewDate)
		if err != nil || reviewDate == nil {
			s.fail(w, r, errInvalidDate)
			return
		}
		input.ReviewDate = reviewDate
	}
	doc, err := s.service.UpdateDocument(r.Context(), session, mux.Vars(r)["id"], input)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, documentView(doc))
}

func (s *HTTPServer) handleDeleteDocument(w http.ResponseWriter, r *http.Request, session Session) {
	if err := s.service.DeleteDocument(r.Context(), session, mux.Vars(r)["id"]); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Document deleted"})
}

func (s *HTTPServer) handleDownloadDocument(w http.ResponseWriter, r *http.Request, session Session) {
	blob, err := s.service.OpenDocumentFile(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeBlob(w, r, blob)
}

func (s *HTTPServer) handleUploadRevision(w http.ResponseWriter, r *http.Request, session Session) {
	upload, cleanup, err := s.readUpload(w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer cleanup()

	doc, err := s.service.UploadRevision(r.Context(), session, mux.Vars(r)["id"], upload, r.FormValue("changes"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, documentView(doc))
}

func (s *HTTPServer) handleListRevisions(w http.ResponseWriter, r *http.Request, session Session) {
	revisions, err := s.service.ListRevisions(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	items := make([]map[string]any, 0, len(revisions))
	for _, revision := range revisions {
		items = append(items, revisionView(revision))
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *HTTPServer) handleDownloadRevision(w http.ResponseWriter, r *http.Request, session Session) {
	vars := mux.Vars(r)
	version, err := strconv.Atoi(vars["version"])
	if err != nil {
		s.fail(w, r, errRevisionNotFound)
		return
	}
	blob, err := s.service.OpenRevisionFile(r.Context(), vars["id"], version)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeBlob(w, r, blob)
}

// readUpload parses a multipart request and returns its "file" part, or nil
// when the request has none. The returned cleanup must always be called.
func (s *HTTPServer) readUpload(w http.ResponseWriter, r *http.Request) (*filestore.Upload, func(), error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.service.MaxUploadBytes()+multipartOverhead)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, func() {}, errFileTooLarge
		}
		return nil, func() {}, errNotMultipart
	}
	removeForm := func() { _ = r.MultipartForm.RemoveAll() }

	file, header, err := r.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		return nil, removeForm, nil
	}
	if err != nil {
		return nil, removeForm, errNotMultipart
	}
	upload := &filestore.Upload{
		Name:        header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
		Body:        file,
	}
	return upload, func() {
		_ = file.Close()
		removeForm()
	}, nil
}

func (s *HTTPServer) writeBlob(w http.ResponseWriter, r *http.Request, blob BlobStream) {
	defer blob.Body.Close()

	contentType := blob.File.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	disposition := mime.FormatMediaType("attachment", map[string]string{"filename": blob.File.Name})
	if disposition == "" {
		disposition = "attachment"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", disposition)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, blob.Body); err != nil {
		s.log.Warn("download interrupted",
			zap.String("request_id", requestID(r.Context())),
			zap.String("file", blob.File.Path),
			zap.Error(err))
	}
}

// parseTags accepts repeated fields, comma separated lists and JSON arrays.
func parseTags(values []string) []string {
	var tags []string
	for _, value := range values {
		value = strings.TrimSpace(value)
		if strings.HasPrefix(value, "[") {
			var list []string
			if err := json.Unmarshal([]byte(value), &list); err == nil {
				tags = append(tags, list...)
				continue
			}
		}
		tags = append(tags, strings.Split(value, ",")...)
	}
	return tags
}

func parseDate(value string) (*time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, time.DateOnly} {
		if t, err := time.Parse(layout, value); err == nil {
			return &t, nil
		}
	}
	return nil, errInvalidDate
}
