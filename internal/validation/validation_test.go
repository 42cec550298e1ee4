package validation_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"listing-bot/internal/clock"
	"listing-bot/internal/models"
	"listing-bot/internal/validation"
)

var now = time.Date(2026, 3, 18, 12, 0, 0, 0, time.UTC)

func validProperty() models.Property {
	expires := now.AddDate(0, 1, 0)
	return models.Property{
		ID:          1,
		OwnerID:     2,
		Title:       "Sunny two bed flat",
		Description: "Bright flat close to the station with a garden.",
		Status:      models.PropertyActive,
		Price:       250000,
		Bedrooms:    2,
		ExpiresAt:   &expires,
		CreatedAt:   now.AddDate(0, -1, 0),
		UpdatedAt:   now.AddDate(0, 0, -1),
	}
}

func TestValidate_Property(t *testing.T) {
	engine := validation.New(clock.NewFake(now))
	past := now.Add(-time.Hour)

	testCases := []struct {
		name   string
		mutate func(p *models.Property)
		want   []string
	}{
		{name: "valid", mutate: func(*models.Property) {}},
		{
			name:   "active but expired",
			mutate: func(p *models.Property) { p.ExpiresAt = &past },
			want:   []string{"status is active but expiry date is in the past"},
		},
		{
			name: "missing fields",
			mutate: func(p *models.Property) {
				p.Title = ""
				p.OwnerID = 0
			},
			want: []string{"owner_id is required", "title is required"},
		},
		{
			name:   "negative price and too many bedrooms",
			mutate: func(p *models.Property) { p.Price = -1; p.Bedrooms = 60 },
			want:   []string{"price must be at least 0", "bedrooms must be at most 50"},
		},
		{
			name:   "unknown status",
			mutate: func(p *models.Property) { p.Status = "archived" },
			want:   []string{"status must be one of [draft active expired inactive removed]"},
		},
		{
			name: "price change without previous price",
			mutate: func(p *models.Property) {
				p.PriceChangedAt = &past
			},
			want: []string{"price changed but previous price is missing"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p := validProperty()
			tc.mutate(&p)
			issues := engine.Validate(validation.KindProperty, p)
			if len(tc.want) == 0 {
				assert.Empty(t, issues)
				return
			}
			assert.ElementsMatch(t, tc.want, issues)
		})
	}
}

func TestValidate_AcceptsPointersAndRejectsMismatch(t *testing.T) {
	engine := validation.New(clock.NewFake(now))
	p := validProperty()

	assert.Empty(t, engine.Validate(validation.KindProperty, &p))
	assert.Equal(t, []string{"expected user snapshot, got models.Property"}, engine.Validate(validation.KindUser, p))
	assert.Equal(t, []string{`unknown entity kind "listing"`}, engine.Validate("listing", p))
}

func TestValidate_UserAndEnquiry(t *testing.T) {
	engine := validation.New(clock.NewFake(now))

	issues := engine.Validate(validation.KindUser, models.User{
		Name: "Sam", Email: "not-an-email", Role: models.RoleOwner, DigestOptIn: true, CreatedAt: now,
	})
	assert.ElementsMatch(t, []string{"email must be a valid email address", "inactive user is opted in to digests"}, issues)

	issues = engine.Validate(validation.KindEnquiry, models.Enquiry{
		PropertyID: 1, UserID: 2, Message: "Hi", CreatedAt: now.Add(time.Hour),
	})
	assert.Equal(t, []string{"created in the future"}, issues)
}

func TestValidate_IsPure(t *testing.T) {
	engine := validation.New(clock.NewFake(now))
	p := validProperty()
	p.Title = ""

	first := engine.Validate(validation.KindProperty, p)
	second := engine.Validate(validation.KindProperty, p)
	assert.Equal(t, first, second)
	assert.Empty(t, p.Title)
}

func TestParseKind(t *testing.T) {
	k, err := validation.ParseKind("enquiry")
	assert.NoError(t, err)
	assert.Equal(t, validation.KindEnquiry, k)

	_, err = validation.ParseKind("agent")
	assert.Error(t, err)
}
