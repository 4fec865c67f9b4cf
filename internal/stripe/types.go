package stripe

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
)

// Metadata is the string map Stripe attaches to most objects.
type Metadata map[string]string

// Int64 parses key as a base-10 integer.
func (m Metadata) Int64(key string) (int64, bool) {
	raw, ok := m[key]
	if !ok || raw == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// ExpandableID holds the id of a related object whether Stripe sent it as a
// bare string or as an expanded object.
type ExpandableID string

// UnmarshalJSON accepts "id", {"id": "..."} or null.
func (e *ExpandableID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*e = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*e = ExpandableID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = ExpandableID(obj.ID)
	return nil
}

func unixTime(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

// Price is the subset of a price object we read.
type Price struct {
	ID string `json:"id"`
}

// CheckoutParams describes a subscription checkout session.
type CheckoutParams struct {
	PriceID        string
	CustomerEmail  string
	SuccessURL     string
	CancelURL      string
	ExpiresAt      time.Time
	Metadata       Metadata
	IdempotencyKey string
}

// CheckoutSession is a hosted payment page.
type CheckoutSession struct {
	ID            string       `json:"id"`
	URL           string       `json:"url"`
	Mode          string       `json:"mode"`
	Status        string       `json:"status"`
	PaymentStatus string       `json:"payment_status"`
	Customer      ExpandableID `json:"customer"`
	CustomerEmail string       `json:"customer_email"`
	Subscription  ExpandableID `json:"subscription"`
	Invoice       ExpandableID `json:"invoice"`
	AmountTotal   int64        `json:"amount_total"`
	Currency      string       `json:"currency"`
	ExpiresAt     int64        `json:"expires_at"`
	Created       int64        `json:"created"`
	Livemode      bool         `json:"livemode"`
	Metadata      Metadata     `json:"metadata"`
}

// SubscriptionItem is one line of a subscription.
type SubscriptionItem struct {
	ID               string `json:"id"`
	CurrentPeriodEnd int64  `json:"current_period_end"`
	Price            Price  `json:"price"`
}

// Subscription is a recurring billing agreement.
type Subscription struct {
	ID                string       `json:"id"`
	Status            string       `json:"status"`
	Customer          ExpandableID `json:"customer"`
	CancelAtPeriodEnd bool         `json:"cancel_at_period_end"`
	CurrentPeriodEnd  int64        `json:"current_period_end"`
	LatestInvoice     ExpandableID `json:"latest_invoice"`
	Created           int64        `json:"created"`
	Metadata          Metadata     `json:"metadata"`
	Items             struct {
		Data []SubscriptionItem `json:"data"`
	} `json:"items"`
}

// PeriodEnd returns the end of the current billing period. Newer API versions
// only report it per item, so the first item wins over the top-level field.
func (s *Subscription) PeriodEnd() time.Time {
	if len(s.Items.Data) > 0 && s.Items.Data[0].CurrentPeriodEnd > 0 {
		return unixTime(s.Items.Data[0].CurrentPeriodEnd)
	}
	return unixTime(s.CurrentPeriodEnd)
}

// CreatedAt returns the creation time, zero when the payload omitted it.
func (s *Subscription) CreatedAt() time.Time {
	return unixTime(s.Created)
}

// PriceID returns the price of the first item.
func (s *Subscription) PriceID() string {
	if len(s.Items.Data) == 0 {
		return ""
	}
	return s.Items.Data[0].Price.ID
}

// InvoiceLine is one line of an invoice.
type InvoiceLine struct {
	Period struct {
		Start int64 `json:"start"`
		End   int64 `json:"end"`
	} `json:"period"`
	Price   *Price `json:"price"`
	Pricing *struct {
		PriceDetails *struct {
			Price string `json:"price"`
		} `json:"price_details"`
	} `json:"pricing"`
	Metadata Metadata `json:"metadata"`
}

// Invoice is a billing document for one period of a subscription.
type Invoice struct {
	ID            string       `json:"id"`
	Customer      ExpandableID `json:"customer"`
	Subscription  ExpandableID `json:"subscription"`
	BillingReason string       `json:"billing_reason"`
	AmountPaid    int64        `json:"amount_paid"`
	AmountDue     int64        `json:"amount_due"`
	Currency      string       `json:"currency"`
	Livemode      bool         `json:"livemode"`
	Created       int64        `json:"created"`
	Description   string       `json:"description"`
	Metadata      Metadata     `json:"metadata"`
	Parent        *struct {
		SubscriptionDetails *struct {
			Subscription ExpandableID `json:"subscription"`
			Metadata     Metadata     `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []InvoiceLine `json:"data"`
	} `json:"lines"`
}

// BillingReasonSubscriptionCreate marks the first invoice of a subscription.
const BillingReasonSubscriptionCreate = "subscription_create"

// SubscriptionID returns the subscription the invoice bills, checking the
// legacy top-level field and the newer parent details.
func (i *Invoice) SubscriptionID() string {
	if i.Subscription != "" {
		return string(i.Subscription)
	}
	if i.Parent != nil && i.Parent.SubscriptionDetails != nil {
		return string(i.Parent.SubscriptionDetails.Subscription)
	}
	return ""
}

// SubscriptionMetadata returns the metadata copied from the subscription.
func (i *Invoice) SubscriptionMetadata() Metadata {
	if i.Parent != nil && i.Parent.SubscriptionDetails != nil && len(i.Parent.SubscriptionDetails.Metadata) > 0 {
		return i.Parent.SubscriptionDetails.Metadata
	}
	if len(i.Lines.Data) > 0 && len(i.Lines.Data[0].Metadata) > 0 {
		return i.Lines.Data[0].Metadata
	}
	return i.Metadata
}

// PriceID returns the price billed by the first line.
func (i *Invoice) PriceID() string {
	if len(i.Lines.Data) == 0 {
		return ""
	}
	line := i.Lines.Data[0]
	if line.Price != nil && line.Price.ID != "" {
		return line.Price.ID
	}
	if line.Pricing != nil && line.Pricing.PriceDetails != nil {
		return line.Pricing.PriceDetails.Price
	}
	return ""
}

// PeriodEnd returns the service period end of the first line.
func (i *Invoice) PeriodEnd() time.Time {
	if len(i.Lines.Data) == 0 {
		return time.Time{}
	}
	return unixTime(i.Lines.Data[0].Period.End)
}

// CreatedAt returns the invoice creation time.
func (i *Invoice) CreatedAt() time.Time {
	return unixTime(i.Created)
}
