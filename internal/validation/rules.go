package validation

import (
	"time"

	"listing-bot/internal/models"
)

var propertyRules = []Rule[models.Property]{
	{
		Message: "status is active but expiry date is in the past",
		Violated: func(p models.Property, now time.Time) bool {
			return p.Status == models.PropertyActive && p.ExpiresAt != nil && p.ExpiresAt.Before(now)
		},
	},
	{
		Message: "active listing has no expiry date",
		Violated: func(p models.Property, _ time.Time) bool {
			return p.Status == models.PropertyActive && p.ExpiresAt == nil
		},
	},
	{
		Message: "status is expired but expiry date is in the future",
		Violated: func(p models.Property, now time.Time) bool {
			return p.Status == models.PropertyExpired && p.ExpiresAt != nil && p.ExpiresAt.After(now)
		},
	},
	{
		Message: "active listing has no price",
		Violated: func(p models.Property, _ time.Time) bool {
			return p.Status == models.PropertyActive && p.Price == 0
		},
	},
	{
		Message: "price changed but previous price is missing",
		Violated: func(p models.Property, _ time.Time) bool {
			return p.PriceChangedAt != nil && p.PreviousPrice == nil
		},
	},
	{
		Message: "description is too short for an active listing",
		Violated: func(p models.Property, _ time.Time) bool {
			return p.Status == models.PropertyActive && len(p.Description) < 30
		},
	},
	{
		Message: "updated before it was created",
		Violated: func(p models.Property, _ time.Time) bool {
			return !p.UpdatedAt.IsZero() && p.UpdatedAt.Before(p.CreatedAt)
		},
	},
}

var userRules = []Rule[models.User]{
	{
		Message: "inactive user is opted in to digests",
		Violated: func(u models.User, _ time.Time) bool {
			return !u.Active && u.DigestOptIn
		},
	},
	{
		Message: "created in the future",
		Violated: func(u models.User, now time.Time) bool {
			return u.CreatedAt.After(now)
		},
	},
}

var enquiryRules = []Rule[models.Enquiry]{
	{
		Message: "created in the future",
		Violated: func(q models.Enquiry, now time.Time) bool {
			return q.CreatedAt.After(now)
		},
	},
}
