package storage

import (
	"database/sql"
	"fmt"
	"time"
)

const productColumns = `id, staged_product_id, source, source_id, identity_key, name, brand, category, price,
	currency, size, description, ingredients_raw, metadata, link_status, link_error, linked_at, created_at`

// --- Products ---

// InsertProduct writes a canonical product. It reports false without error
// when a uniqueness constraint (staged row or identity key) already holds a
// product, so callers can resolve the collision instead of failing.
func (s *Store) InsertProduct(p Product) (bool, error) {
	created := p.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	metadata := p.Metadata
	if metadata == "" {
		metadata = "{}"
	}
	var ingredients sql.NullString
	if p.IngredientsRaw != nil {
		ingredients = sql.NullString{String: *p.IngredientsRaw, Valid: true}
	}
	var price sql.NullFloat64
	if p.Price != nil {
		price = sql.NullFloat64{Float64: *p.Price, Valid: true}
	}
	res, err := s.db.Exec(`
		INSERT INTO products (id, staged_product_id, source, source_id, identity_key, name, brand, category, price,
			currency, size, description, ingredients_raw, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		p.ID, p.StagedProductID, p.Source, p.SourceID, p.IdentityKey, p.Name, p.Brand, p.Category, price,
		p.Currency, p.Size, p.Description, ingredients, metadata, formatTime(created),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) GetProduct(id string) (Product, error) {
	return s.getProduct(`id = ?`, id)
}

func (s *Store) FindProductByIdentity(identityKey string) (Product, error) {
	return s.getProduct(`identity_key = ?`, identityKey)
}

func (s *Store) FindProductByStagedID(stagedID string) (Product, error) {
	return s.getProduct(`staged_product_id = ?`, stagedID)
}

func (s *Store) getProduct(where string, arg any) (Product, error) {
	p, err := scanProduct(s.db.QueryRow(`SELECT `+productColumns+` FROM products WHERE `+where, arg))
	if err == sql.ErrNoRows {
		return Product{}, ErrNotFound
	}
	return p, err
}

// ProductsAwaitingLinks returns up to limit products, oldest first, that
// declare ingredients but have not finished a link pass. Products whose pass
// was interrupted keep a NULL link_status and are returned again.
func (s *Store) ProductsAwaitingLinks(limit int) ([]Product, error) {
	rows, err := s.db.Query(`SELECT `+productColumns+` FROM products
		WHERE ingredients_raw IS NOT NULL AND TRIM(ingredients_raw) != '' AND link_status IS NULL
		ORDER BY created_at ASC, rowid ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) CountProductsAwaitingLinks() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM products
		WHERE ingredients_raw IS NOT NULL AND TRIM(ingredients_raw) != '' AND link_status IS NULL`).Scan(&n)
	return n, err
}

func (s *Store) CountProducts() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM products`).Scan(&n)
	return n, err
}

// SetLinkOutcome closes the link pass for a product.
func (s *Store) SetLinkOutcome(productID, status, errMsg string) error {
	res, err := s.db.Exec(`UPDATE products SET link_status = ?, link_error = ?, linked_at = ? WHERE id = ?`,
		status, nullString(errMsg), formatTime(time.Now()), productID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("product %s: %w", productID, ErrNotFound)
	}
	return nil
}

func scanProduct(row rowScanner) (Product, error) {
	var p Product
	var price sql.NullFloat64
	var ingredients, linkStatus, linkError, linkedAt sql.NullString
	var createdAt string
	if err := row.Scan(&p.ID, &p.StagedProductID, &p.Source, &p.SourceID, &p.IdentityKey, &p.Name, &p.Brand,
		&p.Category, &price, &p.Currency, &p.Size, &p.Description, &ingredients, &p.Metadata,
		&linkStatus, &linkError, &linkedAt, &createdAt); err != nil {
		return Product{}, err
	}
	if price.Valid {
		v := price.Float64
		p.Price = &v
	}
	if ingredients.Valid {
		v := ingredients.String
		p.IngredientsRaw = &v
	}
	p.LinkStatus = linkStatus.String
	p.LinkError = linkError.String

	var err error
	if p.LinkedAt, err = parseNullTime(linkedAt); err != nil {
		return Product{}, fmt.Errorf("parsing linked_at for %s: %w", p.ID, err)
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return Product{}, fmt.Errorf("parsing created_at for %s: %w", p.ID, err)
	}
	return p, nil
}

// --- Ingredients ---

const ingredientColumns = `id, normalized_name, inci_name, common_name, local_name, functions,
	safety_level, safety_notes, enriched, created_at`

// InsertIngredientIfNew finds or creates the ingredient with ing.NormalizedName.
// It returns the stored row and whether this call created it.
func (s *Store) InsertIngredientIfNew(ing Ingredient) (Ingredient, bool, error) {
	created := ing.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	functions := ing.Functions
	if functions == "" {
		functions = "[]"
	}
	res, err := s.db.Exec(`
		INSERT INTO ingredients (id, normalized_name, inci_name, common_name, local_name, functions,
			safety_level, safety_notes, enriched, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (normalized_name) DO NOTHING`,
		ing.ID, ing.NormalizedName, ing.INCIName, ing.CommonName, ing.LocalName, functions,
		ing.SafetyLevel, ing.SafetyNotes, ing.Enriched, formatTime(created),
	)
	if err != nil {
		return Ingredient{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Ingredient{}, false, err
	}
	stored, err := s.GetIngredientByName(ing.NormalizedName)
	if err != nil {
		return Ingredient{}, false, fmt.Errorf("reloading ingredient %q: %w", ing.NormalizedName, err)
	}
	return stored, n == 1, nil
}

func (s *Store) GetIngredientByName(normalized string) (Ingredient, error) {
	ing, err := scanIngredient(s.db.QueryRow(`SELECT `+ingredientColumns+` FROM ingredients WHERE normalized_name = ?`, normalized))
	if err == sql.ErrNoRows {
		return Ingredient{}, ErrNotFound
	}
	return ing, err
}

// IngredientKeys returns normalized name -> ingredient id for the whole catalog.
func (s *Store) IngredientKeys() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT normalized_name, id FROM ingredients`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make(map[string]string)
	for rows.Next() {
		var name, id string
		if err := rows.Scan(&name, &id); err != nil {
			return nil, err
		}
		keys[name] = id
	}
	return keys, rows.Err()
}

func (s *Store) CountIngredients() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM ingredients`).Scan(&n)
	return n, err
}

func scanIngredient(row rowScanner) (Ingredient, error) {
	var ing Ingredient
	var createdAt string
	if err := row.Scan(&ing.ID, &ing.NormalizedName, &ing.INCIName, &ing.CommonName, &ing.LocalName, &ing.Functions,
		&ing.SafetyLevel, &ing.SafetyNotes, &ing.Enriched, &createdAt); err != nil {
		return Ingredient{}, err
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return Ingredient{}, fmt.Errorf("parsing created_at for ingredient %s: %w", ing.ID, err)
	}
	ing.CreatedAt = t
	return ing, nil
}

// --- Product ingredient links ---

// LinkedIngredientIDs returns the set of ingredient ids already linked to productID.
func (s *Store) LinkedIngredientIDs(productID string) (map[string]bool, error) {
	rows, err := s.db.Query(`SELECT ingredient_id FROM product_ingredients WHERE product_id = ?`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

// InsertLink writes a product/ingredient link and reports whether it was new.
func (s *Store) InsertLink(l ProductIngredient) (bool, error) {
	created := l.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	res, err := s.db.Exec(`
		INSERT INTO product_ingredients (product_id, ingredient_id, position, match_kind, raw_token, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (product_id, ingredient_id) DO NOTHING`,
		l.ProductID, l.IngredientID, l.Position, l.MatchKind, l.RawToken, formatTime(created),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) ListLinks(productID string) ([]ProductIngredient, error) {
	rows, err := s.db.Query(`SELECT product_id, ingredient_id, position, match_kind, raw_token, created_at
		FROM product_ingredients WHERE product_id = ? ORDER BY position ASC`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ProductIngredient
	for rows.Next() {
		var l ProductIngredient
		var createdAt string
		if err := rows.Scan(&l.ProductID, &l.IngredientID, &l.Position, &l.MatchKind, &l.RawToken, &createdAt); err != nil {
			return nil, err
		}
		if l.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing link created_at: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// CountProductsWithIngredient returns how many products link ingredientID.
func (s *Store) CountProductsWithIngredient(ingredientID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM product_ingredients WHERE ingredient_id = ?`, ingredientID).Scan(&n)
	return n, err
}
