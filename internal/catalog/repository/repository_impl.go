package repository

import (
	"context"
	"errors"

	catalogdomain "github.com/smallbiznis/revrec/internal/catalog/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type gormStore struct {
	db *gorm.DB
}

// NewStore returns the persisting catalog store.
func NewStore(db *gorm.DB) catalogdomain.Store {
	return &gormStore{db: db}
}

func (s *gormStore) FindByCodes(ctx context.Context, tenantID string, codes []string) (*catalogdomain.CatalogItem, error) {
	if len(codes) == 0 {
		return nil, nil
	}
	// Resolution order matters: try each candidate code before giving up.
	for _, code := range codes {
		var item catalogdomain.CatalogItem
		err := s.db.WithContext(ctx).
			Where("tenant_id = ? AND product_code = ?", tenantID, code).
			First(&item).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				continue
			}
			return nil, err
		}
		return &item, nil
	}
	return nil, nil
}

func (s *gormStore) Create(ctx context.Context, item *catalogdomain.CatalogItem) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "product_code"}},
			DoNothing: true,
		}).
		Create(item).Error
}

func (s *gormStore) Save(ctx context.Context, item *catalogdomain.CatalogItem) error {
	return s.db.WithContext(ctx).Save(item).Error
}

func (s *gormStore) DistinctTenants(ctx context.Context) ([]string, error) {
	var tenants []string
	err := s.db.WithContext(ctx).
		Model(&catalogdomain.CatalogItem{}).
		Distinct("tenant_id").
		Order("tenant_id").
		Pluck("tenant_id", &tenants).Error
	if err != nil {
		return nil, err
	}
	return tenants, nil
}

type degradedStore struct{}

// NewDegradedStore returns a store for read-only/degraded deployments. Every
// lookup reports the store as unavailable so the resolver falls back to
// transient catalog items.
func NewDegradedStore() catalogdomain.Store {
	return degradedStore{}
}

func (degradedStore) FindByCodes(context.Context, string, []string) (*catalogdomain.CatalogItem, error) {
	return nil, catalogdomain.ErrStoreUnavailable
}

func (degradedStore) Create(context.Context, *catalogdomain.CatalogItem) error {
	return catalogdomain.ErrStoreUnavailable
}

func (degradedStore) Save(context.Context, *catalogdomain.CatalogItem) error {
	return catalogdomain.ErrStoreUnavailable
}

func (degradedStore) DistinctTenants(context.Context) ([]string, error) {
	return nil, catalogdomain.ErrStoreUnavailable
}
