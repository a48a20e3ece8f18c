package app

import (
	"github.com/JorgenBangBang/opinion-docs-backend-v2/internal/store"
)

// JSON shapes returned by the API. Password hashes and storage keys never
// leave the service.

func userView(user store.User) map[string]any {
	return map[string]any{
		"id":           user.ID,
		"email":        user.Email,
		"name":         user.Name,
		"role":         user.Role,
		"department":   user.Department,
		"isActive":     user.IsActive,
		"lastLogin":    user.LastLogin,
		"authProvider": user.AuthProvider,
		"createdAt":    user.CreatedAt,
	}
}

func categoryView(category store.Category) map[string]any {
	subcategories := make([]map[string]any, 0, len(category.Subcategories))
	for _, sub := range category.Subcategories {
		subcategories = append(subcategories, map[string]any{
			"name":        sub.Name,
			"description": sub.Description,
		})
	}
	return map[string]any{
		"id":            category.ID,
		"name":          category.Name,
		"description":   category.Description,
		"subcategories": subcategories,
		"createdAt":     category.CreatedAt,
		"updatedAt":     category.UpdatedAt,
	}
}

func categoryViews(categories []store.Category) []map[string]any {
	items := make([]map[string]any, 0, len(categories))
	for _, category := range categories {
		items = append(items, categoryView(category))
	}
	return items
}

func fileView(file store.FileRef) map[string]any {
	return map[string]any{
		"name":     file.Name,
		"size":     file.Size,
		"mimeType": file.MimeType,
	}
}

func documentView(doc store.Document) map[string]any {
	return map[string]any{
		"id":          doc.ID,
		"title":       doc.Title,
		"description": doc.Description,
		"category": map[string]any{
			"id":   doc.CategoryID,
			"name": doc.CategoryName,
		},
		"subcategory": doc.Subcategory,
		"tags":        doc.Tags,
		"file":        fileView(doc.File),
		"uploadedBy": map[string]any{
			"id":   doc.UploadedBy,
			"name": doc.UploadedByName,
		},
		"lastModifiedBy": map[string]any{
			"id":   doc.LastModifiedBy,
			"name": doc.LastModifiedByName,
		},
		"reviewDate": doc.ReviewDate,
		"status":     doc.Status,
		"version":    doc.Version,
		"createdAt":  doc.CreatedAt,
		"updatedAt":  doc.UpdatedAt,
	}
}

func documentPageView(page store.DocumentPage) map[string]any {
	items := make([]map[string]any, 0, len(page.Items))
	for _, doc := range page.Items {
		items = append(items, documentView(doc))
	}
	return map[string]any{
		"documents": items,
		"pagination": map[string]any{
			"total": page.Total,
			"page":  page.Page,
			"limit": page.Limit,
			"pages": page.Pages,
		},
	}
}

func revisionView(revision store.Revision) map[string]any {
	return map[string]any{
		"id":         revision.ID,
		"documentId": revision.DocumentID,
		"version":    revision.Version,
		"file":       fileView(revision.File),
		"changes":    revision.Changes,
		"createdBy": map[string]any{
			"id":   revision.CreatedBy,
			"name": revision.CreatedByName,
		},
		"createdAt": revision.CreatedAt,
	}
}

func notificationView(item store.Notification) map[string]any {
	view := map[string]any{
		"id":        item.ID,
		"type":      item.Type,
		"title":     item.Title,
		"message":   item.Message,
		"read":      item.Read,
		"createdAt": item.CreatedAt,
	}
	if item.DocumentID != "" {
		view["documentId"] = item.DocumentID
	}
	return view
}
