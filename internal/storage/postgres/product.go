package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/eventkart/internal/domain/product"
)

const (
	productColumns = `id, name, COALESCE(event_id, 0), price, vat_percent, minimum_quantity, mandatory`

	getProductsByIDsSQL = `SELECT ` + productColumns + ` FROM products WHERE id = ANY($1) ORDER BY id`

	listProductsByEventSQL = `SELECT ` + productColumns + ` FROM products WHERE event_id = $1 ORDER BY id`

	listVariantsSQL = `SELECT id, product_id, name, price, vat_percent
		FROM product_variants WHERE product_id = ANY($1) ORDER BY id`
)

var _ product.Repository = (*ProductRepository)(nil)

// ProductRepository implements product.Repository backed by PostgreSQL.
// Reads always hit the database.
type ProductRepository struct {
	db DB
}

// NewProductRepository returns a ProductRepository that uses the given connection.
func NewProductRepository(db DB) *ProductRepository {
	return &ProductRepository{db: db}
}

// GetByIDs returns products matching any of the given IDs, with variants.
func (r *ProductRepository) GetByIDs(ctx context.Context, ids []int64) ([]product.Product, error) {
	rows, err := r.db.Query(ctx, getProductsByIDsSQL, ids)
	if err != nil {
		return nil, errors.Wrap(err, "get products by ids")
	}
	products, err := pgx.CollectRows(rows, scanProduct)
	if err != nil {
		return nil, errors.Wrap(err, "get products by ids")
	}
	return r.withVariants(ctx, products)
}

// ListByEvent returns the products attached to an event, with variants.
func (r *ProductRepository) ListByEvent(ctx context.Context, eventID int64) ([]product.Product, error) {
	rows, err := r.db.Query(ctx, listProductsByEventSQL, eventID)
	if err != nil {
		return nil, errors.Wrapf(err, "list products of event %d", eventID)
	}
	products, err := pgx.CollectRows(rows, scanProduct)
	if err != nil {
		return nil, errors.Wrapf(err, "list products of event %d", eventID)
	}
	return r.withVariants(ctx, products)
}

func (r *ProductRepository) withVariants(ctx context.Context, products []product.Product) ([]product.Product, error) {
	if len(products) == 0 {
		return products, nil
	}
	ids := make([]int64, len(products))
	for i, p := range products {
		ids[i] = p.ID
	}

	rows, err := r.db.Query(ctx, listVariantsSQL, ids)
	if err != nil {
		return nil, errors.Wrap(err, "list variants")
	}
	variants, err := pgx.CollectRows(rows, scanVariant)
	if err != nil {
		return nil, errors.Wrap(err, "list variants")
	}

	pos := make(map[int64]int, len(products))
	for i, p := range products {
		pos[p.ID] = i
	}
	for _, v := range variants {
		if i, ok := pos[v.ProductID]; ok {
			products[i].Variants = append(products[i].Variants, v)
		}
	}
	return products, nil
}

func scanProduct(row pgx.CollectableRow) (product.Product, error) {
	var p product.Product
	err := row.Scan(&p.ID, &p.Name, &p.EventID, &p.Price, &p.VATPercent, &p.MinimumQuantity, &p.Mandatory)
	return p, err
}

func scanVariant(row pgx.CollectableRow) (product.Variant, error) {
	var v product.Variant
	err := row.Scan(&v.ID, &v.ProductID, &v.Name, &v.Price, &v.VATPercent)
	return v, err
}
