// Package domain contains the persistence models for the tenant schema
// (C1): Company, Branch, Role, WebUser, MobileUser, RefreshToken,
// DriverInvite, CompanyBalance and CompanyBalancePurchase, exactly as
// spec.md §3 describes them. Primary keys are uuid, generated in Go before
// insert, so application code, tests, and the RLS policy cast
// (NULLIF(...)::uuid) all agree on the same type.
package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/gorm"
)

// BranchMain is the reserved branch name every company gets at creation.
// Undeletable/unrenamable by anyone except a superadmin.
const BranchMain = "main"

// RoleCompanyAdmin is the reserved role name granted every permission at
// company creation. May not be created or assumed by non-superadmins.
const RoleCompanyAdmin = "companyAdmin"

// Company is the root of a tenant. Created by an unauthenticated
// "register company" flow outside this substrate; immutable from the
// substrate's standpoint except for soft admin updates.
type Company struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Name      string    `gorm:"type:text;not null" json:"name"`
	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (Company) TableName() string { return "companies" }

func (c *Company) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}

// Branch sub-groups a company. Every company has one branch literally
// named "main".
type Branch struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Name      string         `gorm:"type:text;not null" json:"name"`
	CompanyID uuid.UUID      `gorm:"type:uuid;not null;column:company_id" json:"company_id"`
	CreatedAt time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Branch) TableName() string { return "branches" }

func (b *Branch) BeforeCreate(tx *gorm.DB) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	return nil
}

func (b Branch) IsMain() bool { return b.Name == BranchMain }

// Role is a tenant-scoped role definition. authorizations is the canonical
// ordered sequence of permission strings.
type Role struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Name           string         `gorm:"type:text;not null" json:"name"`
	Description    string         `gorm:"type:text" json:"description,omitempty"`
	Authorizations pq.StringArray `gorm:"type:text[];not null;default:'{}'" json:"authorizations"`
	CompanyID      uuid.UUID      `gorm:"type:uuid;not null;column:company_id" json:"company_id"`
	CreatedAt      time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Role) TableName() string { return "roles" }

func (r *Role) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

func (r Role) IsCompanyAdmin() bool { return r.Name == RoleCompanyAdmin }

// WebUser is a browser-actor identity. username is enforced globally
// unique; isSuperAdmin users may have a nil CompanyID.
type WebUser struct {
	ID            uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Username      string         `gorm:"type:text;not null;uniqueIndex:ux_web_users_username" json:"username"`
	PasswordHash  string         `gorm:"type:text;not null;column:password_hash" json:"-"`
	Email         string         `gorm:"type:text" json:"email,omitempty"`
	Phone         string         `gorm:"type:text" json:"phone,omitempty"`
	Address       string         `gorm:"type:text" json:"address,omitempty"`
	ImageURL      string         `gorm:"type:text;column:image_url" json:"image_url,omitempty"`
	CompanyID     *uuid.UUID     `gorm:"type:uuid;column:company_id" json:"company_id,omitempty"`
	BranchID      *uuid.UUID     `gorm:"type:uuid;column:branch_id" json:"branch_id,omitempty"`
	RoleID        *uuid.UUID     `gorm:"type:uuid;column:role_id" json:"role_id,omitempty"`
	IsSuperAdmin  bool           `gorm:"column:is_super_admin" json:"is_super_admin"`
	CreatedAt     time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt     time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
	DeletedAt     gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (WebUser) TableName() string { return "web_users" }

func (u *WebUser) BeforeCreate(tx *gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return nil
}

// MobileUser is a mobile-app (driver) actor identity, scoped to one
// company. permissions is the canonical ordered sequence of permission
// strings assigned directly (independent of Role, which is optional here).
type MobileUser struct {
	ID           uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Username     string         `gorm:"type:text;not null" json:"username"`
	PasswordHash string         `gorm:"type:text;not null;column:password_hash" json:"-"`
	Email        string         `gorm:"type:text" json:"email,omitempty"`
	Phone        string         `gorm:"type:text" json:"phone,omitempty"`
	Address      string         `gorm:"type:text" json:"address,omitempty"`
	CompanyID    uuid.UUID      `gorm:"type:uuid;not null;column:company_id" json:"company_id"`
	BranchID     *uuid.UUID     `gorm:"type:uuid;column:branch_id" json:"branch_id,omitempty"`
	RoleID       *uuid.UUID     `gorm:"type:uuid;column:role_id" json:"role_id,omitempty"`
	DriverID     *uuid.UUID     `gorm:"type:uuid;column:driver_id" json:"driver_id,omitempty"`
	Permissions  pq.StringArray `gorm:"type:text[];not null;default:'{}'" json:"permissions"`
	IsBlocked    bool           `gorm:"column:is_blocked" json:"is_blocked"`
	IsSuperAdmin bool           `gorm:"column:is_super_admin" json:"is_super_admin"`
	CreatedAt    time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (MobileUser) TableName() string { return "mobile_users" }

func (u *MobileUser) BeforeCreate(tx *gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return nil
}

// RefreshToken is the server-side hash of an opaque refresh secret.
// Exactly one of UserID/MobileUserID is populated. Tokens rotated within
// the same login lineage share FamilyID.
type RefreshToken struct {
	ID           uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	UserID       *uuid.UUID `gorm:"type:uuid;column:user_id" json:"user_id,omitempty"`
	MobileUserID *uuid.UUID `gorm:"type:uuid;column:mobile_user_id" json:"mobile_user_id,omitempty"`
	TokenHash    string     `gorm:"type:text;not null;column:token_hash" json:"-"`
	ExpiresAt    time.Time  `gorm:"not null;column:expires_at" json:"expires_at"`
	IsRevoked    bool       `gorm:"column:is_revoked" json:"is_revoked"`
	FamilyID     uuid.UUID  `gorm:"type:uuid;not null;column:family_id" json:"family_id"`
	CreatedAt    time.Time  `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

func (RefreshToken) TableName() string { return "refresh_tokens" }

func (t *RefreshToken) BeforeCreate(tx *gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return nil
}

// ActorRef names exactly one of the refresh token's two owners.
type ActorRef struct {
	UserID       *uuid.UUID
	MobileUserID *uuid.UUID
}

// DriverInvite is a single-use ticket binding a new mobile user to a
// specific driver/company/branch.
type DriverInvite struct {
	ID                 uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	Code               string     `gorm:"type:text;not null;uniqueIndex:ux_driver_invites_code" json:"code"`
	CompanyID          uuid.UUID  `gorm:"type:uuid;not null;column:company_id" json:"company_id"`
	BranchID           *uuid.UUID `gorm:"type:uuid;column:branch_id" json:"branch_id,omitempty"`
	DriverID           uuid.UUID  `gorm:"type:uuid;not null;column:driver_id" json:"driver_id"`
	RoleID             *uuid.UUID `gorm:"type:uuid;column:role_id" json:"role_id,omitempty"`
	ExpiresAt          *time.Time `gorm:"column:expires_at" json:"expires_at,omitempty"`
	UsedAt             *time.Time `gorm:"column:used_at" json:"used_at,omitempty"`
	UsedByMobileUserID *uuid.UUID `gorm:"type:uuid;column:used_by_mobile_user_id" json:"used_by_mobile_user_id,omitempty"`
	CreatedByID        *uuid.UUID `gorm:"type:uuid;column:created_by_id" json:"created_by_id,omitempty"`
	CreatedAt          time.Time  `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

func (DriverInvite) TableName() string { return "driver_invites" }

func (i *DriverInvite) BeforeCreate(tx *gorm.DB) error {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	return nil
}

// Balance types recognized by the company-balance gate (C10).
const (
	BalanceTypeMissions        = "per_missions"
	BalanceTypeVehiclesMonthly = "per_vehicles_per_month"
)

// CompanyBalance is at most one row per company: a running total
// (per_missions) or a monthly limit (per_vehicles_per_month).
type CompanyBalance struct {
	CompanyID    uuid.UUID  `gorm:"type:uuid;primaryKey;column:company_id" json:"company_id"`
	Type         string     `gorm:"type:text;not null;default:'per_missions'" json:"type"`
	Total        *int64     `gorm:"column:total" json:"total,omitempty"`
	Remaining    *int64     `gorm:"column:remaining" json:"remaining,omitempty"`
	MonthlyLimit *int64     `gorm:"column:monthly_limit" json:"monthly_limit,omitempty"`
	PeriodStart  *time.Time `gorm:"column:period_start" json:"period_start,omitempty"`
	CreatedAt    time.Time  `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (CompanyBalance) TableName() string { return "company_balances" }

// CompanyBalancePurchase is an append-only audit trail of balance
// mutations, always written with the post-mutation snapshot.
type CompanyBalancePurchase struct {
	ID                uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	CompanyID         uuid.UUID  `gorm:"type:uuid;not null;column:company_id" json:"company_id"`
	Type              string     `gorm:"type:text;not null" json:"type"`
	Quantity          int64      `gorm:"not null" json:"quantity"`
	CreatedByID       *uuid.UUID `gorm:"type:uuid;column:created_by_id" json:"created_by_id,omitempty"`
	TotalAfter        *int64     `gorm:"column:total_after" json:"total_after,omitempty"`
	RemainingAfter    *int64     `gorm:"column:remaining_after" json:"remaining_after,omitempty"`
	MonthlyLimitAfter *int64     `gorm:"column:monthly_limit_after" json:"monthly_limit_after,omitempty"`
	PeriodStartAfter  *time.Time `gorm:"column:period_start_after" json:"period_start_after,omitempty"`
	CreatedAt         time.Time  `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

func (CompanyBalancePurchase) TableName() string { return "company_balance_purchases" }

func (p *CompanyBalancePurchase) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

// Vehicle and Mission are the thin illustrative entities S5/S6 exercise the
// substrate against -- no further business fields, routing math is a
// non-goal.
type Vehicle struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Label     string         `gorm:"type:text;not null" json:"label"`
	CompanyID uuid.UUID      `gorm:"type:uuid;not null;column:company_id" json:"company_id"`
	BranchID  *uuid.UUID     `gorm:"type:uuid;column:branch_id" json:"branch_id,omitempty"`
	CreatedAt time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Vehicle) TableName() string { return "vehicles" }

func (v *Vehicle) BeforeCreate(tx *gorm.DB) error {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	return nil
}

type Mission struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Label       string         `gorm:"type:text;not null" json:"label"`
	MissionDate time.Time      `gorm:"type:date;not null;column:mission_date" json:"mission_date"`
	CompanyID   uuid.UUID      `gorm:"type:uuid;not null;column:company_id" json:"company_id"`
	BranchID    *uuid.UUID     `gorm:"type:uuid;column:branch_id" json:"branch_id,omitempty"`
	CreatedAt   time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Mission) TableName() string { return "missions" }

func (m *Mission) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}
