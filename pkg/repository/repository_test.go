package repository

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/smallbiznis/tenantroute/pkg/db"
	"github.com/smallbiznis/tenantroute/pkg/db/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type widget struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	CompanyID uuid.UUID
	Label     string
}

func newWidgetStore(t *testing.T) (Repository[widget], *gorm.DB) {
	t.Helper()
	conn, err := db.NewTest()
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&widget{}))
	return ProvideStore[widget](conn), conn
}

func TestCreateFindOne(t *testing.T) {
	store, _ := newWidgetStore(t)
	ctx := context.Background()

	companyID := uuid.New()
	w := &widget{ID: uuid.New(), CompanyID: companyID, Label: "crate"}
	require.NoError(t, store.Create(ctx, w))

	got, err := store.FindOne(ctx, &widget{CompanyID: companyID})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "crate", got.Label)
}

func TestFindOneMissingReturnsNilNotError(t *testing.T) {
	store, _ := newWidgetStore(t)
	got, err := store.FindOne(context.Background(), &widget{CompanyID: uuid.New()})
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestFindNarrowsByFilterAndRespectsOptions(t *testing.T) {
	store, _ := newWidgetStore(t)
	ctx := context.Background()
	companyID := uuid.New()

	require.NoError(t, store.BatchCreate(ctx, []*widget{
		{ID: uuid.New(), CompanyID: companyID, Label: "a"},
		{ID: uuid.New(), CompanyID: companyID, Label: "b"},
		{ID: uuid.New(), CompanyID: uuid.New(), Label: "other-company"},
	}))

	all, err := store.Find(ctx, &widget{CompanyID: companyID})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	limited, err := store.Find(ctx, &widget{CompanyID: companyID}, option.WithLimit(1))
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestUpdateAndDelete(t *testing.T) {
	store, _ := newWidgetStore(t)
	ctx := context.Background()

	w := &widget{ID: uuid.New(), CompanyID: uuid.New(), Label: "before"}
	require.NoError(t, store.Create(ctx, w))

	require.NoError(t, store.Update(ctx, w.ID.String(), map[string]any{"label": "after"}))
	got, err := store.FindOne(ctx, &widget{CompanyID: w.CompanyID})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "after", got.Label)

	require.NoError(t, store.Delete(ctx, w.ID.String()))
	gone, err := store.FindOne(ctx, &widget{CompanyID: w.CompanyID})
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestCount(t *testing.T) {
	store, _ := newWidgetStore(t)
	ctx := context.Background()
	companyID := uuid.New()

	require.NoError(t, store.BatchCreate(ctx, []*widget{
		{ID: uuid.New(), CompanyID: companyID, Label: "a"},
		{ID: uuid.New(), CompanyID: companyID, Label: "b"},
	}))

	count, err := store.Count(ctx, &widget{CompanyID: companyID})
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestWithTrxScopesToGivenHandle(t *testing.T) {
	store, conn := newWidgetStore(t)
	tx := conn.Begin()

	scoped := store.WithTrx(tx)
	w := &widget{ID: uuid.New(), CompanyID: uuid.New(), Label: "in-trx"}
	require.NoError(t, scoped.Create(context.Background(), w))

	got, err := scoped.FindOne(context.Background(), &widget{CompanyID: w.CompanyID})
	require.NoError(t, err)
	require.NotNil(t, got)

	require.NoError(t, tx.Rollback().Error)

	// once rolled back, the row never existed from the pool-level store's
	// point of view.
	gone, err := store.FindOne(context.Background(), &widget{CompanyID: w.CompanyID})
	require.NoError(t, err)
	assert.Nil(t, gone)
}
