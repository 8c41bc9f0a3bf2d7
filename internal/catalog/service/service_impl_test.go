package service

import (
	"context"
	"fmt"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	catalogdomain "github.com/smallbiznis/revrec/internal/catalog/domain"
	"github.com/smallbiznis/revrec/internal/catalog/repository"
	"github.com/smallbiznis/revrec/internal/config"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func testConfig() config.Config {
	return config.Config{
		Recognition: config.RecognitionConfig{
			DefaultDurationDays: 30,
			AnnualDurationDays:  365,
			SweepBatchSize:      200,
		},
	}
}

func setupCatalogService(t *testing.T) (catalogdomain.Service, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(&catalogdomain.CatalogItem{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	node := mustNode(t)
	service := NewService(Params{
		Store:  repository.NewStore(db),
		Log:    zap.NewNop(),
		GenID:  node,
		Config: testConfig(),
	})
	return service, db
}

func TestResolve_ExistingItem(t *testing.T) {
	service, db := setupCatalogService(t)
	ctx := context.Background()

	node := mustNode(t)
	db.Create(&catalogdomain.CatalogItem{
		ID:                       node.Generate(),
		TenantID:                 "acme",
		ProductCode:              "pro-plan",
		RevenueRecognitionMethod: catalogdomain.RecognitionImmediate,
		Currency:                 "USD",
		Status:                   catalogdomain.ItemStatusActive,
	})

	item, err := service.Resolve(ctx, "acme", catalogdomain.ItemRef{CatalogCode: "pro-plan"})
	assert.NoError(t, err)
	assert.True(t, item.Persisted())
	assert.Equal(t, catalogdomain.RecognitionImmediate, item.RevenueRecognitionMethod)
}

func TestResolve_ResolutionOrderPrefersCatalogCode(t *testing.T) {
	service, db := setupCatalogService(t)
	ctx := context.Background()

	node := mustNode(t)
	db.Create(&catalogdomain.CatalogItem{
		ID:                       node.Generate(),
		TenantID:                 "acme",
		ProductCode:              "fallback-name",
		RevenueRecognitionMethod: catalogdomain.RecognitionImmediate,
		Currency:                 "USD",
	})

	// catalog code misses, name matches
	item, err := service.Resolve(ctx, "acme", catalogdomain.ItemRef{
		CatalogCode: "missing-code",
		Name:        "fallback-name",
	})
	assert.NoError(t, err)
	assert.Equal(t, "fallback-name", item.ProductCode)
}

func TestResolve_AutoProvisionsUnknownCode(t *testing.T) {
	service, db := setupCatalogService(t)
	ctx := context.Background()

	item, err := service.Resolve(ctx, "acme", catalogdomain.ItemRef{
		CatalogCode:     "brand-new",
		UnitAmountCents: 4200,
		Currency:        "usd",
	})
	assert.NoError(t, err)
	assert.True(t, item.Persisted())
	assert.Equal(t, catalogdomain.RecognitionDeferred, item.RevenueRecognitionMethod)
	assert.Equal(t, 30, item.RecognitionDurationDays)
	assert.Equal(t, "USD", item.Currency)
	assert.Equal(t, catalogdomain.ItemStatusActive, item.Status)
	assert.Equal(t, true, map[string]any(item.Metadata)["provisioned_from_payment"])

	var count int64
	db.Model(&catalogdomain.CatalogItem{}).Where("tenant_id = ? AND product_code = ?", "acme", "brand-new").Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestResolve_AnnualIntervalGetsAnnualDuration(t *testing.T) {
	service, _ := setupCatalogService(t)

	item, err := service.Resolve(context.Background(), "acme", catalogdomain.ItemRef{
		CatalogCode:     "annual-plan",
		BillingInterval: "annual",
	})
	assert.NoError(t, err)
	assert.Equal(t, 365, item.RecognitionDurationDays)
}

func TestResolve_ProvisionIsIdempotentAcrossReplays(t *testing.T) {
	service, db := setupCatalogService(t)
	ctx := context.Background()

	first, err := service.Resolve(ctx, "acme", catalogdomain.ItemRef{CatalogCode: "repeat"})
	assert.NoError(t, err)
	second, err := service.Resolve(ctx, "acme", catalogdomain.ItemRef{CatalogCode: "repeat"})
	assert.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	var count int64
	db.Model(&catalogdomain.CatalogItem{}).Where("product_code = ?", "repeat").Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestResolve_DegradedStoreServesTransientItem(t *testing.T) {
	service := NewService(Params{
		Store:  repository.NewDegradedStore(),
		Log:    zap.NewNop(),
		GenID:  mustNode(t),
		Config: testConfig(),
	})

	item, err := service.Resolve(context.Background(), "acme", catalogdomain.ItemRef{CatalogCode: "anything"})
	assert.NoError(t, err)
	assert.False(t, item.Persisted())
	assert.Equal(t, catalogdomain.RecognitionDeferred, item.RevenueRecognitionMethod)
}

func TestResolve_RejectsEmptyInputs(t *testing.T) {
	service, _ := setupCatalogService(t)

	_, err := service.Resolve(context.Background(), "", catalogdomain.ItemRef{CatalogCode: "x"})
	assert.ErrorIs(t, err, catalogdomain.ErrInvalidTenant)

	_, err = service.Resolve(context.Background(), "acme", catalogdomain.ItemRef{})
	assert.ErrorIs(t, err, catalogdomain.ErrInvalidProductCode)
}

func TestUpsert_CreatesAndUpdates(t *testing.T) {
	service, _ := setupCatalogService(t)
	ctx := context.Background()

	created, err := service.Upsert(ctx, catalogdomain.UpsertRequest{
		TenantID:                 "acme",
		ProductCode:              "enterprise",
		RevenueRecognitionMethod: catalogdomain.RecognitionSchedule,
		RecognitionDurationDays:  90,
		UnitAmountCents:          100000,
		Currency:                 "eur",
		Status:                   catalogdomain.ItemStatusActive,
	})
	assert.NoError(t, err)
	assert.Equal(t, "EUR", created.Currency)
	assert.Equal(t, 90, created.RecognitionDurationDays)

	updated, err := service.Upsert(ctx, catalogdomain.UpsertRequest{
		TenantID:        "acme",
		ProductCode:     "enterprise",
		UnitAmountCents: 120000,
	})
	assert.NoError(t, err)
	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, int64(120000), updated.UnitAmountCents)
	assert.Equal(t, catalogdomain.RecognitionSchedule, updated.RevenueRecognitionMethod)
}

func TestUpsert_RejectsUnknownMethod(t *testing.T) {
	service, _ := setupCatalogService(t)

	_, err := service.Upsert(context.Background(), catalogdomain.UpsertRequest{
		TenantID:                 "acme",
		ProductCode:              "bad",
		RevenueRecognitionMethod: catalogdomain.RecognitionMethod("percent_complete"),
	})
	assert.ErrorIs(t, err, catalogdomain.ErrInvalidMethod)
}

func mustNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	return node
}
