package rewards

import (
	"context"
	"strings"

	"github.com/warp/points-engine/generic"
)

// Catalog manages redeemable products.
type Catalog struct {
	Store       generic.TxStore
	Permissions Permissions
	Clock       generic.Clock
}

// UpsertProduct creates or replaces a product. Admin only.
// With sizing enabled, StockTotal is derived from SizeStocks when zero
// and must otherwise equal their sum.
func (c *Catalog) UpsertProduct(ctx context.Context, actor generic.AccountID, p generic.Product) (*generic.Product, error) {
	if err := c.Permissions.RequireAdmin(ctx, actor, "manage products"); err != nil {
		return nil, err
	}
	p.Name = strings.TrimSpace(p.Name)
	if p.ID == "" {
		p.ID = generic.ProductID(newID("product"))
	}
	if p.Name == "" {
		return nil, generic.Invalid("name", "is required")
	}
	if p.PointsCost <= 0 {
		return nil, generic.Invalid("pointsCost", "must be positive")
	}
	if p.StockTotal < 0 {
		return nil, generic.Invalid("stockTotal", "must not be negative")
	}
	if p.SizesEnabled {
		if len(p.SizeStocks) == 0 {
			return nil, generic.Invalid("sizeStocks", "required when sizes are enabled")
		}
		sum := 0
		for size, n := range p.SizeStocks {
			if strings.TrimSpace(size) == "" {
				return nil, generic.Invalid("sizeStocks", "size name must not be empty")
			}
			if n < 0 {
				return nil, generic.Invalid("sizeStocks", "stock for %q must not be negative", size)
			}
			sum += n
		}
		if p.StockTotal == 0 {
			p.StockTotal = sum
		}
		if p.StockTotal != sum {
			return nil, generic.Invalid("stockTotal", "must equal the sum of size stocks (%d)", sum)
		}
	} else {
		p.SizeStocks = nil
	}

	now := c.Clock.Now()
	p.UpdatedAt = now
	if existing, err := c.Store.GetProduct(ctx, p.ID); err == nil {
		p.CreatedAt = existing.CreatedAt
	} else if generic.KindOf(err) == generic.KindNotFound {
		p.CreatedAt = now
	} else {
		return nil, err
	}
	if err := c.Store.SaveProduct(ctx, p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Catalog) Get(ctx context.Context, id generic.ProductID) (*generic.Product, error) {
	return c.Store.GetProduct(ctx, id)
}

func (c *Catalog) List(ctx context.Context, activeOnly bool) ([]generic.Product, error) {
	return c.Store.ListProducts(ctx, activeOnly)
}
