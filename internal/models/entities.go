package models

import "time"

// PropertyStatus is a listing's lifecycle state.
type PropertyStatus string

const (
	PropertyDraft    PropertyStatus = "draft"
	PropertyActive   PropertyStatus = "active"
	PropertyExpired  PropertyStatus = "expired"
	PropertyInactive PropertyStatus = "inactive"
	PropertyRemoved  PropertyStatus = "removed"
)

// Property is the listing fields the bot reads or writes.
type Property struct {
	ID             int64          `db:"id" json:"id"`
	OwnerID        int64          `db:"owner_id" json:"owner_id" validate:"required"`
	Title          string         `db:"title" json:"title" validate:"required,max=200"`
	Description    string         `db:"description" json:"description" validate:"max=5000"`
	Status         PropertyStatus `db:"status" json:"status" validate:"required,oneof=draft active expired inactive removed"`
	Price          float64        `db:"price" json:"price" validate:"gte=0"`
	PreviousPrice  *float64       `db:"previous_price" json:"previous_price,omitempty" validate:"omitempty,gte=0"`
	PriceChangedAt *time.Time     `db:"price_changed_at" json:"price_changed_at,omitempty"`
	Bedrooms       int            `db:"bedrooms" json:"bedrooms" validate:"gte=0,lte=50"`
	ExpiresAt      *time.Time     `db:"expires_at" json:"expires_at,omitempty"`
	LastActivityAt time.Time      `db:"last_activity_at" json:"last_activity_at"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at" json:"updated_at"`
}

// UserRole distinguishes owners from staff.
type UserRole string

const (
	RoleOwner UserRole = "owner"
	RoleAgent UserRole = "agent"
	RoleAdmin UserRole = "admin"
)

// User is the account fields the bot reads.
type User struct {
	ID          int64     `db:"id" json:"id"`
	Name        string    `db:"name" json:"name" validate:"required,max=120"`
	Email       string    `db:"email" json:"email" validate:"required,email"`
	Role        UserRole  `db:"role" json:"role" validate:"required,oneof=owner agent admin"`
	Active      bool      `db:"active" json:"active"`
	DigestOptIn bool      `db:"digest_opt_in" json:"digest_opt_in"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// Enquiry is a prospective buyer's message about a property.
type Enquiry struct {
	ID         int64     `db:"id" json:"id"`
	PropertyID int64     `db:"property_id" json:"property_id" validate:"required"`
	UserID     int64     `db:"user_id" json:"user_id" validate:"required"`
	Message    string    `db:"message" json:"message" validate:"required,max=2000"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}
