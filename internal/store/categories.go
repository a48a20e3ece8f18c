package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

func (s *PostgresStore) ListCategories(ctx context.Context) ([]Category, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, created_at, updated_at
		FROM categories
		ORDER BY name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()

	items := make([]Category, 0)
	index := map[string]int{}
	for rows.Next() {
		var item Category
		if err := rows.Scan(&item.ID, &item.Name, &item.Description, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		item.Subcategories = make([]Subcategory, 0)
		index[item.ID] = len(items)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate categories: %w", err)
	}

	subRows, err := s.db.QueryContext(ctx, `
		SELECT category_id, name, description
		FROM subcategories
		ORDER BY category_id, position ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list subcategories: %w", err)
	}
	defer subRows.Close()

	for subRows.Next() {
		var categoryID string
		var sub Subcategory
		if err := subRows.Scan(&categoryID, &sub.Name, &sub.Description); err != nil {
			return nil, fmt.Errorf("scan subcategory: %w", err)
		}
		if i, ok := index[categoryID]; ok {
			items[i].Subcategories = append(items[i].Subcategories, sub)
		}
	}
	if err := subRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subcategories: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetCategory(ctx context.Context, categoryID string) (Category, error) {
	var item Category
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, created_at, updated_at
		FROM categories
		WHERE id=$1
	`, categoryID).Scan(&item.ID, &item.Name, &item.Description, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Category{}, fmt.Errorf("get category: %w", translate(err))
	}
	subs, err := s.listSubcategories(ctx, s.db, categoryID)
	if err != nil {
		return Category{}, err
	}
	item.Subcategories = subs
	return item, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *PostgresStore) listSubcategories(ctx context.Context, q queryer, categoryID string) ([]Subcategory, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT name, description
		FROM subcategories
		WHERE category_id=$1
		ORDER BY position ASC
	`, categoryID)
	if err != nil {
		return nil, fmt.Errorf("list subcategories: %w", err)
	}
	defer rows.Close()

	items := make([]Subcategory, 0)
	for rows.Next() {
		var sub Subcategory
		if err := rows.Scan(&sub.Name, &sub.Description); err != nil {
			return nil, fmt.Errorf("scan subcategory: %w", err)
		}
		items = append(items, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subcategories: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) CountCategories(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM categories`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count categories: %w", err)
	}
	return count, nil
}

// CreateCategory inserts the category and its subcategories in one
// transaction. Name collisions in either surface as ErrDuplicate.
func (s *PostgresStore) CreateCategory(ctx context.Context, category Category) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO categories (id, name, description)
			VALUES ($1, $2, $3)
		`, category.ID, category.Name, category.Description); err != nil {
			return fmt.Errorf("insert category: %w", translate(err))
		}
		for i, sub := range category.Subcategories {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO subcategories (category_id, name, description, position)
				VALUES ($1, $2, $3, $4)
			`, category.ID, sub.Name, sub.Description, i); err != nil {
				return fmt.Errorf("insert subcategory: %w", translate(err))
			}
		}
		return nil
	})
}

func (s *PostgresStore) UpdateCategory(ctx context.Context, categoryID, name, description string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE categories SET name=$2, description=$3, updated_at=NOW()
		WHERE id=$1
	`, categoryID, name, description)
	if err != nil {
		return fmt.Errorf("update category: %w", translate(err))
	}
	return requireAffected(result, "update category")
}

// DeleteCategory refuses while any document, including soft-deleted ones,
// still points at the category. The category row stays locked until the
// delete commits, so document writes that share-lock it wait and then fail.
func (s *PostgresStore) DeleteCategory(ctx context.Context, categoryID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := lockCategory(ctx, tx, categoryID); err != nil {
			return err
		}
		var docCount int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE category_id=$1`, categoryID).Scan(&docCount); err != nil {
			return fmt.Errorf("count category documents: %w", err)
		}
		if docCount > 0 {
			return fmt.Errorf("category has %d documents: %w", docCount, ErrInUse)
		}
		result, err := tx.ExecContext(ctx, `DELETE FROM categories WHERE id=$1`, categoryID)
		if err != nil {
			return fmt.Errorf("delete category: %w", err)
		}
		return requireAffected(result, "delete category")
	})
}

// shareCategory keeps the category from being deleted until tx ends.
func shareCategory(ctx context.Context, tx *sql.Tx, categoryID string) error {
	var id string
	err := tx.QueryRowContext(ctx, `SELECT id FROM categories WHERE id=$1 FOR SHARE`, categoryID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("share category %s: %w", categoryID, ErrMissingReference)
	}
	if err != nil {
		return fmt.Errorf("share category: %w", err)
	}
	return nil
}

func lockCategory(ctx context.Context, tx *sql.Tx, categoryID string) error {
	var id string
	err := tx.QueryRowContext(ctx, `SELECT id FROM categories WHERE id=$1 FOR UPDATE`, categoryID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("lock category: %w", ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("lock category: %w", err)
	}
	return nil
}

func (s *PostgresStore) AddSubcategory(ctx context.Context, categoryID string, sub Subcategory) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := lockCategory(ctx, tx, categoryID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO subcategories (category_id, name, description, position)
			VALUES ($1, $2, $3, (SELECT COALESCE(MAX(position) + 1, 0) FROM subcategories WHERE category_id=$1))
		`, categoryID, sub.Name, sub.Description); err != nil {
			return fmt.Errorf("insert subcategory: %w", translate(err))
		}
		if _, err := tx.ExecContext(ctx, `UPDATE categories SET updated_at=NOW() WHERE id=$1`, categoryID); err != nil {
			return fmt.Errorf("touch category: %w", err)
		}
		return nil
	})
}

// UpdateSubcategory renames and/or re-describes a subcategory. A rename is
// copied onto every document of the category that carried the old name, in the
// same transaction. It returns the number of documents rewritten.
func (s *PostgresStore) UpdateSubcategory(ctx context.Context, categoryID, oldName string, sub Subcategory) (int64, error) {
	var cascaded int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := lockCategory(ctx, tx, categoryID); err != nil {
			return err
		}
		result, err := tx.ExecContext(ctx, `
			UPDATE subcategories SET name=$3, description=$4
			WHERE category_id=$1 AND name=$2
		`, categoryID, oldName, sub.Name, sub.Description)
		if err != nil {
			return fmt.Errorf("update subcategory: %w", translate(err))
		}
		if err := requireAffected(result, "update subcategory"); err != nil {
			return err
		}
		if sub.Name != oldName {
			docs, err := tx.ExecContext(ctx, `
				UPDATE documents SET subcategory=$3
				WHERE category_id=$1 AND subcategory=$2
			`, categoryID, oldName, sub.Name)
			if err != nil {
				return fmt.Errorf("cascade subcategory rename: %w", err)
			}
			if cascaded, err = docs.RowsAffected(); err != nil {
				return fmt.Errorf("cascade subcategory rename: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, `UPDATE categories SET updated_at=NOW() WHERE id=$1`, categoryID); err != nil {
			return fmt.Errorf("touch category: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return cascaded, nil
}

func (s *PostgresStore) RemoveSubcategory(ctx context.Context, categoryID, name string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := lockCategory(ctx, tx, categoryID); err != nil {
			return err
		}
		var docCount int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM documents WHERE category_id=$1 AND subcategory=$2
		`, categoryID, name).Scan(&docCount); err != nil {
			return fmt.Errorf("count subcategory documents: %w", err)
		}
		if docCount > 0 {
			return fmt.Errorf("subcategory has %d documents: %w", docCount, ErrInUse)
		}
		result, err := tx.ExecContext(ctx, `DELETE FROM subcategories WHERE category_id=$1 AND name=$2`, categoryID, name)
		if err != nil {
			return fmt.Errorf("delete subcategory: %w", err)
		}
		if err := requireAffected(result, "delete subcategory"); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE categories SET updated_at=NOW() WHERE id=$1`, categoryID); err != nil {
			return fmt.Errorf("touch category: %w", err)
		}
		return nil
	})
}
