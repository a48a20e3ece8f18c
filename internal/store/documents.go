package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	DefaultPageSize = 10
	MaxPageSize     = 100
)

var documentSortColumns = map[string]string{
	"title":      "d.title",
	"createdAt":  "d.created_at",
	"updatedAt":  "d.updated_at",
	"reviewDate": "d.review_date",
	"version":    "d.version",
	"status":     "d.status",
}

// SortColumn reports whether field is sortable.
func SortColumn(field string) bool {
	_, ok := documentSortColumns[field]
	return ok
}

const documentSelect = `
	SELECT d.id, d.title, d.description, d.category_id, d.subcategory,
		COALESCE(array_to_json(d.tags)::text, '[]'),
		d.file_path, d.file_name, d.file_size, d.mime_type,
		d.uploaded_by, d.last_modified_by, d.review_date, d.status, d.version,
		d.created_at, d.updated_at,
		COALESCE(c.name, ''), COALESCE(u.name, ''), COALESCE(m.name, '')
	FROM documents d
	LEFT JOIN categories c ON c.id = d.category_id
	LEFT JOIN users u ON u.id = d.uploaded_by
	LEFT JOIN users m ON m.id = d.last_modified_by
`

func scanDocument(row rowScanner) (Document, error) {
	var item Document
	var tags string
	err := row.Scan(&item.ID, &item.Title, &item.Description, &item.CategoryID, &item.Subcategory,
		&tags,
		&item.File.Path, &item.File.Name, &item.File.Size, &item.File.MimeType,
		&item.UploadedBy, &item.LastModifiedBy, &item.ReviewDate, &item.Status, &item.Version,
		&item.CreatedAt, &item.UpdatedAt,
		&item.CategoryName, &item.UploadedByName, &item.LastModifiedByName)
	if err != nil {
		return Document{}, err
	}
	if err := json.Unmarshal([]byte(tags), &item.Tags); err != nil {
		return Document{}, fmt.Errorf("decode tags: %w", err)
	}
	if item.Tags == nil {
		item.Tags = []string{}
	}
	return item, nil
}

// NormalizeFilter applies paging defaults and bounds.
func NormalizeFilter(filter DocumentFilter) DocumentFilter {
	if filter.Limit <= 0 {
		filter.Limit = DefaultPageSize
	}
	if filter.Limit > MaxPageSize {
		filter.Limit = MaxPageSize
	}
	if filter.Page <= 0 {
		filter.Page = 1
	}
	if !SortColumn(filter.Sort) {
		filter.Sort = "updatedAt"
		filter.Desc = true
	}
	return filter
}

func (s *PostgresStore) ListDocuments(ctx context.Context, filter DocumentFilter) (DocumentPage, error) {
	filter = NormalizeFilter(filter)

	var clauses []string
	var args []any
	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if filter.CategoryID != "" {
		add("d.category_id = $%d", filter.CategoryID)
	}
	if filter.Subcategory != "" {
		add("d.subcategory = $%d", filter.Subcategory)
	}
	if filter.Status != "" {
		add("d.status = $%d", filter.Status)
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		add("d.search_vector @@ plainto_tsquery('simple', $%d)", search)
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents d`+where, args...).Scan(&total); err != nil {
		return DocumentPage{}, fmt.Errorf("count documents: %w", err)
	}

	direction := "ASC"
	if filter.Desc {
		direction = "DESC"
	}
	query := documentSelect + where +
		fmt.Sprintf(" ORDER BY %s %s, d.id ASC LIMIT $%d OFFSET $%d",
			documentSortColumns[filter.Sort], direction, len(args)+1, len(args)+2)
	args = append(args, filter.Limit, (filter.Page-1)*filter.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return DocumentPage{}, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	items := make([]Document, 0, filter.Limit)
	for rows.Next() {
		item, err := scanDocument(rows)
		if err != nil {
			return DocumentPage{}, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return DocumentPage{}, fmt.Errorf("iterate documents: %w", err)
	}

	return DocumentPage{
		Items: items,
		Total: total,
		Page:  filter.Page,
		Limit: filter.Limit,
		Pages: PageCount(total, filter.Limit),
	}, nil
}

func PageCount(total, limit int) int {
	if limit <= 0 || total <= 0 {
		return 0
	}
	return (total + limit - 1) / limit
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	item, err := scanDocument(s.db.QueryRowContext(ctx, documentSelect+` WHERE d.id=$1`, documentID))
	if err != nil {
		return Document{}, fmt.Errorf("get document: %w", translate(err))
	}
	return item, nil
}

func (s *PostgresStore) InsertDocument(ctx context.Context, item Document) error {
	var reviewDate sql.NullTime
	if !item.ReviewDate.IsZero() {
		reviewDate = sql.NullTime{Time: item.ReviewDate, Valid: true}
	}
	tags := item.Tags
	if tags == nil {
		tags = []string{}
	}
	status := item.Status
	if status == "" {
		status = StatusActive
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := shareCategory(ctx, tx, item.CategoryID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO documents (id, title, description, category_id, subcategory, tags,
				file_path, file_name, file_size, mime_type, uploaded_by, last_modified_by,
				review_date, status, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
				COALESCE($13, NOW() + INTERVAL '1 year'), $14, 1)
		`, item.ID, item.Title, item.Description, item.CategoryID, item.Subcategory, tags,
			item.File.Path, item.File.Name, item.File.Size, item.File.MimeType, item.UploadedBy, item.UploadedBy,
			reviewDate, status)
		if err != nil {
			return fmt.Errorf("insert document: %w", translate(err))
		}
		return nil
	})
}

// UpdateDocument writes the non-nil fields of patch. The modifier and
// updated_at are always refreshed.
func (s *PostgresStore) UpdateDocument(ctx context.Context, documentID string, patch DocumentPatch, modifiedBy string) error {
	sets := []string{"last_modified_by = $2", "updated_at = NOW()"}
	args := []any{documentID, modifiedBy}
	set := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if patch.Title != nil {
		set("title", *patch.Title)
	}
	if patch.Description != nil {
		set("description", *patch.Description)
	}
	if patch.CategoryID != nil {
		set("category_id", *patch.CategoryID)
	}
	if patch.Subcategory != nil {
		set("subcategory", *patch.Subcategory)
	}
	if patch.Tags != nil {
		tags := *patch.Tags
		if tags == nil {
			tags = []string{}
		}
		set("tags", tags)
	}
	if patch.ReviewDate != nil {
		set("review_date", *patch.ReviewDate)
	}
	if patch.Status != nil {
		set("status", *patch.Status)
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if patch.CategoryID != nil {
			if err := shareCategory(ctx, tx, *patch.CategoryID); err != nil {
				return err
			}
		}
		result, err := tx.ExecContext(ctx, `UPDATE documents SET `+strings.Join(sets, ", ")+` WHERE id=$1`, args...)
		if err != nil {
			return fmt.Errorf("update document: %w", err)
		}
		return requireAffected(result, "update document")
	})
}

// ReplaceDocumentFile points the document at a new blob and bumps its version,
// but only if the stored version still equals expectedVersion.
func (s *PostgresStore) ReplaceDocumentFile(ctx context.Context, documentID string, expectedVersion int, file FileRef, modifiedBy string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET file_path=$3, file_name=$4, file_size=$5, mime_type=$6,
			version = version + 1, last_modified_by=$7, updated_at=NOW()
		WHERE id=$1 AND version=$2
	`, documentID, expectedVersion, file.Path, file.Name, file.Size, file.MimeType, modifiedBy)
	if err != nil {
		return fmt.Errorf("replace document file: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("replace document file: %w", err)
	}
	if affected == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM documents WHERE id=$1)`, documentID).Scan(&exists); err != nil {
			return fmt.Errorf("replace document file: %w", err)
		}
		if !exists {
			return fmt.Errorf("replace document file: %w", ErrNotFound)
		}
		return fmt.Errorf("replace document file: %w", ErrVersionConflict)
	}
	return nil
}

func (s *PostgresStore) InsertRevision(ctx context.Context, revision Revision) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revisions (id, document_id, version, file_path, file_name, file_size, mime_type, changes, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, revision.ID, revision.DocumentID, revision.Version, revision.File.Path, revision.File.Name,
		revision.File.Size, revision.File.MimeType, revision.Changes, revision.CreatedBy)
	if err != nil {
		err = translate(err)
		if errors.Is(err, ErrDuplicate) {
			return fmt.Errorf("insert revision: %w", ErrVersionConflict)
		}
		return fmt.Errorf("insert revision: %w", err)
	}
	return nil
}

const revisionSelect = `
	SELECT r.id, r.document_id, r.version, r.file_path, r.file_name, r.file_size, r.mime_type,
		r.changes, r.created_by, COALESCE(u.name, ''), r.created_at
	FROM revisions r
	LEFT JOIN users u ON u.id = r.created_by
`

func scanRevision(row rowScanner) (Revision, error) {
	var item Revision
	err := row.Scan(&item.ID, &item.DocumentID, &item.Version, &item.File.Path, &item.File.Name,
		&item.File.Size, &item.File.MimeType, &item.Changes, &item.CreatedBy, &item.CreatedByName, &item.CreatedAt)
	return item, err
}

func (s *PostgresStore) ListRevisions(ctx context.Context, documentID string) ([]Revision, error) {
	rows, err := s.db.QueryContext(ctx, revisionSelect+` WHERE r.document_id=$1 ORDER BY r.version DESC`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list revisions: %w", err)
	}
	defer rows.Close()

	items := make([]Revision, 0)
	for rows.Next() {
		item, err := scanRevision(rows)
		if err != nil {
			return nil, fmt.Errorf("scan revision: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate revisions: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetRevision(ctx context.Context, documentID string, version int) (Revision, error) {
	item, err := scanRevision(s.db.QueryRowContext(ctx, revisionSelect+` WHERE r.document_id=$1 AND r.version=$2`, documentID, version))
	if err != nil {
		return Revision{}, fmt.Errorf("get revision: %w", translate(err))
	}
	return item, nil
}
