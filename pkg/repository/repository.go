package repository

import (
	"context"

	"github.com/smallbiznis/tenantroute/pkg/db/option"
	"gorm.io/gorm"
)

// Repository is a generic CRUD surface shared by every tenant-scoped entity
// store. Every method takes ctx first so the ambient request-scoped DB
// handle (see internal/reqctx) always rides along with the query.
type Repository[T any] interface {
	WithTrx(tx *gorm.DB) Repository[T]
	Find(ctx context.Context, query *T, opts ...option.QueryOption) ([]*T, error)
	FindOne(ctx context.Context, query *T, opts ...option.QueryOption) (*T, error)
	Create(ctx context.Context, resource *T) error
	Update(ctx context.Context, resourceID string, resource any) error
	Delete(ctx context.Context, resourceID string) error
	Count(ctx context.Context, query *T) (int64, error)
	BatchCreate(ctx context.Context, resources []*T) error
	BatchUpdate(ctx context.Context, resources []*T) error
}
