package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	ledgerdomain "github.com/smallbiznis/revrec/internal/ledger/domain"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setup(t *testing.T) ledgerdomain.Service {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(&ledgerdomain.LedgerEntry{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	return NewService(Params{DB: db, Log: zap.NewNop(), GenID: node})
}

func entry(entryType ledgerdomain.EntryType, amount int64, at time.Time) *ledgerdomain.LedgerEntry {
	return &ledgerdomain.LedgerEntry{
		TenantID:        "acme",
		PaymentIntentID: "pi_1",
		EntryType:       entryType,
		AmountCents:     amount,
		Currency:        "usd",
		RecordedAt:      at,
	}
}

func TestAppend_AssignsIDAndNormalizes(t *testing.T) {
	svc := setup(t)
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	e := entry(ledgerdomain.EntryDeferred, 5000, at)
	err := svc.Append(context.Background(), nil, e)
	assert.NoError(t, err)
	assert.NotZero(t, e.ID)
	assert.Equal(t, "USD", e.Currency)

	entries, err := svc.ListByPayment(context.Background(), "acme", "pi_1")
	assert.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, ledgerdomain.EntryDeferred, entries[0].EntryType)
}

func TestAppend_Validation(t *testing.T) {
	svc := setup(t)
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ctx := context.Background()

	e := entry(ledgerdomain.EntryDeferred, 5000, at)
	e.TenantID = " "
	assert.ErrorIs(t, svc.Append(ctx, nil, e), ledgerdomain.ErrInvalidTenant)

	e = entry(ledgerdomain.EntryDeferred, 5000, at)
	e.PaymentIntentID = ""
	assert.ErrorIs(t, svc.Append(ctx, nil, e), ledgerdomain.ErrInvalidPayment)

	e = entry("revenue.unknown", 5000, at)
	assert.ErrorIs(t, svc.Append(ctx, nil, e), ledgerdomain.ErrInvalidEntryType)

	e = entry(ledgerdomain.EntryRecognized, 0, at)
	assert.ErrorIs(t, svc.Append(ctx, nil, e), ledgerdomain.ErrInvalidAmount)

	e = entry(ledgerdomain.EntryRecognized, -100, at)
	assert.ErrorIs(t, svc.Append(ctx, nil, e), ledgerdomain.ErrInvalidAmount)

	e = entry(ledgerdomain.EntryRecognized, 5000, at)
	e.Currency = ""
	assert.ErrorIs(t, svc.Append(ctx, nil, e), ledgerdomain.ErrInvalidCurrency)

	e = entry(ledgerdomain.EntryRecognized, 5000, time.Time{})
	assert.ErrorIs(t, svc.Append(ctx, nil, e), ledgerdomain.ErrInvalidRecordedAt)

	assert.ErrorIs(t, svc.Append(ctx, nil, nil), ledgerdomain.ErrInvalidEntryType)
}

func TestListByPayment_OrderedByRecordedAt(t *testing.T) {
	svc := setup(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.NoError(t, svc.Append(ctx, nil, entry(ledgerdomain.EntryRecognized, 2000, base.Add(time.Hour))))
	assert.NoError(t, svc.Append(ctx, nil, entry(ledgerdomain.EntryDeferred, 5000, base)))
	assert.NoError(t, svc.Append(ctx, nil, entry(ledgerdomain.EntryDeferredRelease, 5000, base.Add(time.Hour))))

	entries, err := svc.ListByPayment(ctx, "acme", "pi_1")
	assert.NoError(t, err)
	assert.Len(t, entries, 3)
	assert.Equal(t, ledgerdomain.EntryDeferred, entries[0].EntryType)

	// Other tenants see nothing.
	entries, err = svc.ListByPayment(ctx, "globex", "pi_1")
	assert.NoError(t, err)
	assert.Empty(t, entries)

	_, err = svc.ListByPayment(ctx, "", "pi_1")
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidTenant)
}
