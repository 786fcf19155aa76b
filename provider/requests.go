package provider

import (
	"encoding/json"
	"time"
)

// =============================================================================
// GRAPHQL DOCUMENTS
// =============================================================================

const createDiscountMutation = `mutation discountCodeBasicCreate($basicCodeDiscount: DiscountCodeBasicInput!) {
  discountCodeBasicCreate(basicCodeDiscount: $basicCodeDiscount) {
    codeDiscountNode { id }
    userErrors { field code message }
  }
}`

const discountWindowQuery = `query codeDiscountNode($id: ID!) {
  codeDiscountNode(id: $id) {
    id
    codeDiscount {
      ... on DiscountCodeBasic { startsAt endsAt }
    }
  }
}`

const updateDiscountMutation = `mutation discountCodeBasicUpdate($id: ID!, $basicCodeDiscount: DiscountCodeBasicInput!) {
  discountCodeBasicUpdate(id: $id, basicCodeDiscount: $basicCodeDiscount) {
    codeDiscountNode { id }
    userErrors { field code message }
  }
}`

// =============================================================================
// PAYLOADS
// =============================================================================

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphQLError  `json:"errors"`
}

type graphQLError struct {
	Message    string `json:"message"`
	Extensions struct {
		Code string `json:"code"`
	} `json:"extensions"`
}

type userError struct {
	Field   []string `json:"field"`
	Code    string   `json:"code"`
	Message string   `json:"message"`
}

type combinesWith struct {
	OrderDiscounts    bool `json:"orderDiscounts"`
	ProductDiscounts  bool `json:"productDiscounts"`
	ShippingDiscounts bool `json:"shippingDiscounts"`
}

type basicCodeDiscountInput struct {
	Title                  string            `json:"title"`
	Code                   string            `json:"code"`
	StartsAt               string            `json:"startsAt"`
	UsageLimit             int               `json:"usageLimit"`
	AppliesOncePerCustomer bool              `json:"appliesOncePerCustomer"`
	CustomerSelection      map[string]any    `json:"customerSelection"`
	CustomerGets           customerGetsInput `json:"customerGets"`
	CombinesWith           combinesWith      `json:"combinesWith"`
}

type customerGetsInput struct {
	Value map[string]any `json:"value"`
	Items map[string]any `json:"items"`
}

// buildBasicCodeDiscount maps a reward variant onto DiscountCodeBasicInput.
func buildBasicCodeDiscount(spec RewardSpec, code string, startsAt time.Time) basicCodeDiscountInput {
	combinable := spec.Family().Combinable()
	input := basicCodeDiscountInput{
		Title:                  spec.Title(),
		Code:                   code,
		StartsAt:               startsAt.Format(time.RFC3339),
		UsageLimit:             1,
		AppliesOncePerCustomer: true,
		CustomerSelection:      map[string]any{"all": true},
		CombinesWith: combinesWith{
			OrderDiscounts:    combinable,
			ProductDiscounts:  combinable,
			ShippingDiscounts: combinable,
		},
		CustomerGets: customerGetsInput{
			Items: map[string]any{"all": true},
		},
	}

	switch s := spec.(type) {
	case FixedAmount:
		input.CustomerGets.Value = discountAmount(s.Amount.StringFixed(2))
	case Dynamic:
		input.CustomerGets.Value = discountAmount(s.Amount().StringFixed(2))
	case Percentage:
		f, _ := s.Fraction().Float64()
		input.CustomerGets.Value = map[string]any{"percentage": f}
	case FreeItem:
		input.CustomerGets.Value = map[string]any{"percentage": 1.0}
		input.CustomerGets.Items = map[string]any{
			"products": map[string]any{"productVariantsToAdd": []string{s.ItemRef}},
		}
	}
	return input
}

func discountAmount(amount string) map[string]any {
	return map[string]any{
		"discountAmount": map[string]any{
			"amount":            amount,
			"appliesOnEachItem": false,
		},
	}
}
