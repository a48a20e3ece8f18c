package app

import (
	"context"
	"errors"
	"strings"

	"github.com/JorgenBangBang/opinion-docs-backend-v2/internal/store"
	"github.com/JorgenBangBang/opinion-docs-backend-v2/internal/util"
	"go.uber.org/zap"
)

type SubcategoryInput struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type CreateCategoryInput struct {
	Name          string             `json:"name"`
	Description   string             `json:"description"`
	Subcategories []SubcategoryInput `json:"subcategories"`
}

// UpdateCategoryInput leaves nil fields unchanged.
type UpdateCategoryInput struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
}

type UpdateSubcategoryInput struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
}

var (
	errCategoryNameRequired    = validationError("MISSING_FIELDS", "Category name is required")
	errSubcategoryNameRequired = validationError("MISSING_FIELDS", "Subcategory name is required")
	errCategoryExists          = conflictError("CATEGORY_EXISTS", "A category with this name already exists")
	errSubcategoryExists       = conflictError("SUBCATEGORY_EXISTS", "A subcategory with this name already exists in the category")
	errCategoryInUse           = conflictError("CATEGORY_IN_USE", "Category has documents and cannot be deleted")
	errSubcategoryInUse        = conflictError("SUBCATEGORY_IN_USE", "Subcategory has documents and cannot be removed")
)

func (s *Service) ListCategories(ctx context.Context) ([]store.Category, error) {
	return s.store.ListCategories(ctx)
}

func (s *Service) GetCategory(ctx context.Context, categoryID string) (store.Category, error) {
	category, err := s.store.GetCategory(ctx, categoryID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Category{}, errCategoryNotFound
	}
	return category, err
}

func (s *Service) CreateCategory(ctx context.Context, input CreateCategoryInput) (store.Category, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return store.Category{}, errCategoryNameRequired
	}
	category := store.Category{
		ID:          util.NewID("cat"),
		Name:        name,
		Description: strings.TrimSpace(input.Description),
	}
	seen := make(map[string]struct{}, len(input.Subcategories))
	for _, sub := range input.Subcategories {
		subName := strings.TrimSpace(sub.Name)
		if subName == "" {
			return store.Category{}, errSubcategoryNameRequired
		}
		if _, dup := seen[subName]; dup {
			return store.Category{}, errSubcategoryExists
		}
		seen[subName] = struct{}{}
		category.Subcategories = append(category.Subcategories, store.Subcategory{
			Name:        subName,
			Description: strings.TrimSpace(sub.Description),
		})
	}

	if err := s.store.CreateCategory(ctx, category); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return store.Category{}, errCategoryExists
		}
		return store.Category{}, err
	}
	return s.GetCategory(ctx, category.ID)
}

func (s *Service) UpdateCategory(ctx context.Context, categoryID string, input UpdateCategoryInput) (store.Category, error) {
	current, err := s.GetCategory(ctx, categoryID)
	if err != nil {
		return store.Category{}, err
	}
	name, description := current.Name, current.Description
	if input.Name != nil {
		name = strings.TrimSpace(*input.Name)
		if name == "" {
			return store.Category{}, errCategoryNameRequired
		}
	}
	if input.Description != nil {
		description = strings.TrimSpace(*input.Description)
	}

	err = s.store.UpdateCategory(ctx, categoryID, name, description)
	switch {
	case errors.Is(err, store.ErrDuplicate):
		return store.Category{}, errCategoryExists
	case errors.Is(err, store.ErrNotFound):
		return store.Category{}, errCategoryNotFound
	case err != nil:
		return store.Category{}, err
	}
	if name != current.Name {
		s.reindexDocuments(ctx, store.DocumentFilter{CategoryID: categoryID})
	}
	return s.GetCategory(ctx, categoryID)
}

func (s *Service) DeleteCategory(ctx context.Context, categoryID string) error {
	err := s.store.DeleteCategory(ctx, categoryID)
	switch {
	case errors.Is(err, store.ErrInUse):
		return errCategoryInUse
	case errors.Is(err, store.ErrNotFound):
		return errCategoryNotFound
	}
	return err
}

func (s *Service) AddSubcategory(ctx context.Context, categoryID string, input SubcategoryInput) (store.Category, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return store.Category{}, errSubcategoryNameRequired
	}
	err := s.store.AddSubcategory(ctx, categoryID, store.Subcategory{
		Name:        name,
		Description: strings.TrimSpace(input.Description),
	})
	switch {
	case errors.Is(err, store.ErrDuplicate):
		return store.Category{}, errSubcategoryExists
	case errors.Is(err, store.ErrNotFound):
		return store.Category{}, errCategoryNotFound
	case err != nil:
		return store.Category{}, err
	}
	return s.GetCategory(ctx, categoryID)
}

// UpdateSubcategory renames or re-describes a subcategory. Documents carry the
// subcategory name as a copy, so a rename is rewritten onto each of them.
func (s *Service) UpdateSubcategory(ctx context.Context, categoryID, name string, input UpdateSubcategoryInput) (store.Category, error) {
	category, err := s.GetCategory(ctx, categoryID)
	if err != nil {
		return store.Category{}, err
	}
	var current *store.Subcategory
	for i := range category.Subcategories {
		if category.Subcategories[i].Name == name {
			current = &category.Subcategories[i]
			break
		}
	}
	if current == nil {
		return store.Category{}, errSubcategoryNotFound
	}

	next := *current
	if input.Name != nil {
		next.Name = strings.TrimSpace(*input.Name)
		if next.Name == "" {
			return store.Category{}, errSubcategoryNameRequired
		}
	}
	if input.Description != nil {
		next.Description = strings.TrimSpace(*input.Description)
	}

	cascaded, err := s.store.UpdateSubcategory(ctx, categoryID, name, next)
	switch {
	case errors.Is(err, store.ErrDuplicate):
		return store.Category{}, errSubcategoryExists
	case errors.Is(err, store.ErrNotFound):
		return store.Category{}, errSubcategoryNotFound
	case err != nil:
		return store.Category{}, err
	}
	if cascaded > 0 {
		s.log.Info("subcategory rename applied to documents",
			zap.String("category_id", categoryID),
			zap.String("from", name),
			zap.String("to", next.Name),
			zap.Int64("documents", cascaded))
		s.reindexDocuments(ctx, store.DocumentFilter{CategoryID: categoryID, Subcategory: next.Name})
	}
	return s.GetCategory(ctx, categoryID)
}

func (s *Service) RemoveSubcategory(ctx context.Context, categoryID, name string) (store.Category, error) {
	err := s.store.RemoveSubcategory(ctx, categoryID, name)
	switch {
	case errors.Is(err, store.ErrInUse):
		return store.Category{}, errSubcategoryInUse
	case errors.Is(err, store.ErrNotFound):
		if _, lookupErr := s.GetCategory(ctx, categoryID); lookupErr != nil {
			return store.Category{}, lookupErr
		}
		return store.Category{}, errSubcategoryNotFound
	case err != nil:
		return store.Category{}, err
	}
	return s.GetCategory(ctx, categoryID)
}

// reindexDocuments pushes every document matching filter, in any status, to
// the search index after a catalog change rewrote their denormalized fields.
func (s *Service) reindexDocuments(ctx context.Context, filter store.DocumentFilter) {
	if s.search == nil {
		return
	}
	filter.Limit = store.MaxPageSize
	for page := 1; ; page++ {
		filter.Page = page
		result, err := s.store.ListDocuments(ctx, filter)
		if err != nil {
			s.log.Warn("reindex after catalog change failed", zap.Error(err))
			return
		}
		for _, doc := range result.Items {
			s.indexDocument(doc)
		}
		if page >= result.Pages {
			return
		}
	}
}
