package models

import (
	"fmt"
	"time"
)

// PlanCategory is the membership tier a plan grants.
type PlanCategory string

const (
	PlanCategoryActive    PlanCategory = "ACTIVE"
	PlanCategoryTrainee   PlanCategory = "TRAINEE"
	PlanCategoryAffiliate PlanCategory = "AFFILIATE"
	PlanCategoryHonorary  PlanCategory = "HONORARY"
	PlanCategoryPathway   PlanCategory = "PATHWAY"
)

// IsValid reports whether c is one of the known categories.
func (c PlanCategory) IsValid() bool {
	switch c {
	case PlanCategoryActive, PlanCategoryTrainee, PlanCategoryAffiliate, PlanCategoryHonorary, PlanCategoryPathway:
		return true
	}
	return false
}

// Purchasable reports whether the category may ever be bought through checkout.
// Honorary memberships are granted, never sold, regardless of the plan flag.
func (c PlanCategory) Purchasable() bool {
	return c != PlanCategoryHonorary
}

// MembershipPlan is a purchasable membership tier.
type MembershipPlan struct {
	ID            int64        `json:"id"`
	Name          string       `json:"name"`
	Type          PlanCategory `json:"type"`
	PriceCents    int64        `json:"price_cents"`
	Currency      string       `json:"currency"`
	DurationDays  int          `json:"duration"`
	Description   *string      `json:"description,omitempty"`
	IsPurchasable bool         `json:"is_purchasable"`
	StripePriceID string       `json:"stripe_price_id"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// PlanPatch carries an admin partial update. Nil fields are left untouched.
type PlanPatch struct {
	Name          *string       `json:"name,omitempty"`
	Type          *PlanCategory `json:"type,omitempty"`
	PriceCents    *int64        `json:"price_cents,omitempty"`
	DurationDays  *int          `json:"duration,omitempty"`
	Description   *string       `json:"description,omitempty"`
	IsPurchasable *bool         `json:"is_purchasable,omitempty"`
	StripePriceID *string       `json:"stripe_price_id,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p PlanPatch) IsEmpty() bool {
	return p.Name == nil && p.Type == nil && p.PriceCents == nil && p.DurationDays == nil &&
		p.Description == nil && p.IsPurchasable == nil && p.StripePriceID == nil
}

// Validate checks the supplied fields.
func (p PlanPatch) Validate() error {
	if p.Name != nil && *p.Name == "" {
		return fmt.Errorf("name cannot be empty")
	}
	if p.Type != nil && !p.Type.IsValid() {
		return fmt.Errorf("unknown membership type %q", *p.Type)
	}
	if p.PriceCents != nil && *p.PriceCents < 0 {
		return fmt.Errorf("price cannot be negative")
	}
	if p.DurationDays != nil && *p.DurationDays <= 0 {
		return fmt.Errorf("duration must be positive")
	}
	return nil
}

// Apply copies the supplied fields onto plan.
func (p PlanPatch) Apply(plan *MembershipPlan) {
	if p.Name != nil {
		plan.Name = *p.Name
	}
	if p.Type != nil {
		plan.Type = *p.Type
	}
	if p.PriceCents != nil {
		plan.PriceCents = *p.PriceCents
	}
	if p.DurationDays != nil {
		plan.DurationDays = *p.DurationDays
	}
	if p.Description != nil {
		plan.Description = p.Description
	}
	if p.IsPurchasable != nil {
		plan.IsPurchasable = *p.IsPurchasable
	}
	if p.StripePriceID != nil {
		plan.StripePriceID = *p.StripePriceID
	}
}
