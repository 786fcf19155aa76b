/*
shopify.go - Shopify Admin GraphQL reward provider

PURPOSE:
  Issues single-use discount codes with discountCodeBasicCreate and
  deactivates them by moving endsAt to startsAt + grace with
  discountCodeBasicUpdate.

ISSUED CODE SHAPE:
  - usageLimit 1, appliesOncePerCustomer true, all customers
  - monetary: combines with order, product and shipping discounts
  - free item: combines with nothing, 100% off one unit of ItemRef

ERROR CLASSIFICATION:
  HTTP 429 or GraphQL THROTTLED  -> rate_limited
  network, timeout, 5xx          -> transient
  userErrors                     -> validation
  unknown node                   -> not_found (Deactivate treats as done)

SEE ALSO:
  - requests.go: GraphQL documents and payload types
*/
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/warp/points-redemption/ledger"
)

const (
	DefaultAPIVersion = "2024-10"
	DefaultGrace      = time.Minute
	DefaultTimeout    = 10 * time.Second
)

// ShopifyConfig configures a Shopify client.
type ShopifyConfig struct {
	ShopDomain  string // e.g. "example.myshopify.com"
	APIVersion  string
	AccessToken string
	Timeout     time.Duration
	Grace       time.Duration

	// Optional
	Endpoint   string // overrides https://{shop}/admin/api/{version}/graphql.json
	HTTPClient *http.Client
	Logger     *slog.Logger
	Now        func() time.Time
	NewCode    func(Family) string
}

// Shopify implements Provider against the Admin GraphQL API.
type Shopify struct {
	endpoint string
	token    string
	grace    time.Duration
	http     *http.Client
	logger   *slog.Logger
	now      func() time.Time
	newCode  func(Family) string
}

var _ Provider = (*Shopify)(nil)

// NewShopify validates cfg and returns a client.
func NewShopify(cfg ShopifyConfig) (*Shopify, error) {
	if cfg.Endpoint == "" && cfg.ShopDomain == "" {
		return nil, errors.New("shopify: shop domain is required")
	}
	if cfg.AccessToken == "" {
		return nil, errors.New("shopify: access token is required")
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		shop := strings.TrimSuffix(strings.TrimPrefix(cfg.ShopDomain, "https://"), "/")
		endpoint = fmt.Sprintf("https://%s/admin/api/%s/graphql.json", shop, cfg.APIVersion)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	newCode := cfg.NewCode
	if newCode == nil {
		newCode = NewCode
	}

	return &Shopify{
		endpoint: endpoint,
		token:    cfg.AccessToken,
		grace:    cfg.Grace,
		http:     client,
		logger:   logger.With("component", "shopify"),
		now:      now,
		newCode:  newCode,
	}, nil
}

// Issue creates a discount code for spec.
func (s *Shopify) Issue(ctx context.Context, spec RewardSpec) (ledger.RewardCode, error) {
	const op = "issue"
	if spec == nil {
		return ledger.RewardCode{}, &Error{Kind: KindValidation, Op: op, Message: "missing reward spec"}
	}
	if err := spec.Validate(); err != nil {
		return ledger.RewardCode{}, &Error{Kind: KindValidation, Op: op, Err: err}
	}

	code := s.newCode(spec.Family())
	input := buildBasicCodeDiscount(spec, code, s.now().UTC())

	var data struct {
		DiscountCodeBasicCreate struct {
			CodeDiscountNode *struct {
				ID string `json:"id"`
			} `json:"codeDiscountNode"`
			UserErrors []userError `json:"userErrors"`
		} `json:"discountCodeBasicCreate"`
	}
	if err := s.do(ctx, op, createDiscountMutation, map[string]any{"basicCodeDiscount": input}, &data); err != nil {
		return ledger.RewardCode{}, err
	}

	payload := data.DiscountCodeBasicCreate
	if len(payload.UserErrors) > 0 {
		return ledger.RewardCode{}, &Error{Kind: KindValidation, Op: op, Message: joinUserErrors(payload.UserErrors)}
	}
	if payload.CodeDiscountNode == nil || payload.CodeDiscountNode.ID == "" {
		return ledger.RewardCode{}, &Error{Kind: KindTransient, Op: op, Message: "response carried no discount node id"}
	}

	s.logger.Info("reward code issued",
		"family", spec.Family(),
		"reward_id", payload.CodeDiscountNode.ID,
	)
	return ledger.RewardCode{Code: code, RewardID: payload.CodeDiscountNode.ID}, nil
}

// Deactivate ends the discount at startsAt + grace. Unknown nodes and
// codes that have already ended are treated as deactivated.
func (s *Shopify) Deactivate(ctx context.Context, rewardID string) error {
	const op = "deactivate"
	if rewardID == "" {
		return &Error{Kind: KindValidation, Op: op, Message: "missing reward id"}
	}

	var node struct {
		CodeDiscountNode *struct {
			ID           string `json:"id"`
			CodeDiscount struct {
				StartsAt *time.Time `json:"startsAt"`
				EndsAt   *time.Time `json:"endsAt"`
			} `json:"codeDiscount"`
		} `json:"codeDiscountNode"`
	}
	if err := s.do(ctx, op, discountWindowQuery, map[string]any{"id": rewardID}, &node); err != nil {
		return err
	}
	if node.CodeDiscountNode == nil {
		s.logger.Info("reward already gone", "reward_id", rewardID)
		return nil
	}

	now := s.now().UTC()
	window := node.CodeDiscountNode.CodeDiscount
	if window.EndsAt != nil && !window.EndsAt.After(now) {
		return nil
	}
	startsAt := now
	if window.StartsAt != nil {
		startsAt = window.StartsAt.UTC()
	}
	endsAt := startsAt.Add(s.grace)

	var data struct {
		DiscountCodeBasicUpdate struct {
			UserErrors []userError `json:"userErrors"`
		} `json:"discountCodeBasicUpdate"`
	}
	vars := map[string]any{
		"id":                rewardID,
		"basicCodeDiscount": map[string]any{"endsAt": endsAt.Format(time.RFC3339)},
	}
	if err := s.do(ctx, op, updateDiscountMutation, vars, &data); err != nil {
		return err
	}
	if errs := data.DiscountCodeBasicUpdate.UserErrors; len(errs) > 0 {
		if allNotFound(errs) {
			return nil
		}
		return &Error{Kind: KindValidation, Op: op, Message: joinUserErrors(errs)}
	}

	s.logger.Info("reward code deactivated", "reward_id", rewardID, "ends_at", endsAt)
	return nil
}

// =============================================================================
// TRANSPORT
// =============================================================================

// do posts one GraphQL document and decodes the data member into out.
func (s *Shopify) do(ctx context.Context, op, query string, variables map[string]any, out any) error {
	body, err := json.Marshal(graphQLRequest{Query: query, Variables: variables})
	if err != nil {
		return &Error{Kind: KindValidation, Op: op, Err: fmt.Errorf("failed to marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return &Error{Kind: KindTransient, Op: op, Err: fmt.Errorf("failed to create HTTP request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Shopify-Access-Token", s.token)

	resp, err := s.http.Do(req)
	if err != nil {
		return &Error{Kind: KindTransient, Op: op, Err: fmt.Errorf("HTTP request failed: %w", err)}
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			s.logger.Debug("closing response body", "error", err)
		}
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &Error{Kind: KindTransient, Op: op, Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &Error{Kind: KindRateLimited, Op: op, Message: "HTTP 429"}
	case resp.StatusCode >= 500:
		return &Error{Kind: KindTransient, Op: op, Message: fmt.Sprintf("HTTP %d", resp.StatusCode)}
	case resp.StatusCode == http.StatusNotFound:
		return &Error{Kind: KindNotFound, Op: op, Message: "HTTP 404"}
	case resp.StatusCode != http.StatusOK:
		s.logger.Warn("unexpected status", "op", op, "status", resp.StatusCode, "body", truncate(string(raw), 256))
		return &Error{Kind: KindValidation, Op: op, Message: fmt.Sprintf("HTTP %d", resp.StatusCode)}
	}

	var envelope graphQLResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return &Error{Kind: KindTransient, Op: op, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	if len(envelope.Errors) > 0 {
		return classifyGraphQLErrors(op, envelope.Errors)
	}
	if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return &Error{Kind: KindTransient, Op: op, Message: "empty data"}
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return &Error{Kind: KindTransient, Op: op, Err: fmt.Errorf("failed to decode data: %w", err)}
	}
	return nil
}

func classifyGraphQLErrors(op string, errs []graphQLError) error {
	msgs := make([]string, 0, len(errs))
	kind := KindValidation
	for _, e := range errs {
		msgs = append(msgs, e.Message)
		switch e.Extensions.Code {
		case "THROTTLED":
			kind = KindRateLimited
		case "INTERNAL_SERVER_ERROR":
			if kind != KindRateLimited {
				kind = KindTransient
			}
		}
	}
	return &Error{Kind: kind, Op: op, Message: strings.Join(msgs, "; ")}
}

func joinUserErrors(errs []userError) string {
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		if len(e.Field) > 0 {
			msgs = append(msgs, strings.Join(e.Field, ".")+": "+e.Message)
		} else {
			msgs = append(msgs, e.Message)
		}
	}
	return strings.Join(msgs, "; ")
}

func allNotFound(errs []userError) bool {
	for _, e := range errs {
		if e.Code != "NOT_FOUND" {
			return false
		}
	}
	return true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
