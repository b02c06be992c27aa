package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// IdempotencyHeader carries the attempt token on cart creation.
const IdempotencyHeader = "X-Idempotency-Key"

type permitKey struct{}

// WithPermit marks ctx as already holding an order-class token, so
// SubmitOrder does not consult the gate again.
func WithPermit(ctx context.Context) context.Context {
	return context.WithValue(ctx, permitKey{}, true)
}

func hasPermit(ctx context.Context) bool {
	ok, _ := ctx.Value(permitKey{}).(bool)
	return ok
}

// OrderRequest describes one server order.
type OrderRequest struct {
	Token      string // idempotency token, stored as the cart description
	PlanCode   string
	Datacenter string
	Memory     string // optional option plan code
	Storage    string // optional option plan code
	Quantity   int
}

// OrderResult is a completed checkout.
type OrderResult struct {
	CartID   string
	OrderRef string // provider order ID, or "cart:<id>" when recovered from a checked-out cart
	URL      string
	Price    string
	Reused   bool // an earlier cart for the same token was found
}

// SubmitOrder places an order through the cart workflow. The logical
// operation passes the order gate once, unless ctx carries a permit; its
// internal steps do not. Repeating
// a call with the same token resumes the same cart instead of opening a new one.
func (c *Client) SubmitOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if req.Token == "" {
		return nil, fmt.Errorf("order token is required: %w", ErrNotConfigured)
	}
	if req.Quantity <= 0 {
		req.Quantity = 1
	}
	if !hasPermit(ctx) {
		if err := c.acquire(ClassOrder); err != nil {
			return nil, err
		}
	}

	cart, err := c.findCart(ctx, req.Token)
	if err != nil {
		return nil, fmt.Errorf("find cart: %w", err)
	}

	result := &OrderResult{}
	if cart != nil {
		result.Reused = true
		c.logger.Info("resuming cart for order token",
			"cart_id", cart.CartID,
			"token", req.Token,
			"items", len(cart.Items),
		)
		if cart.ReadOnly {
			// Already checked out on an earlier try whose response was lost.
			result.CartID = cart.CartID
			result.OrderRef = "cart:" + cart.CartID
			return result, nil
		}
	} else {
		cart, err = c.createCart(ctx, req.Token)
		if err != nil {
			return nil, fmt.Errorf("create cart: %w", err)
		}
	}
	result.CartID = cart.CartID

	if len(cart.Items) == 0 {
		if err := c.fillCart(ctx, cart.CartID, req); err != nil {
			return nil, err
		}
	}

	var order Order
	err = c.send(ctx, ClassOrder, http.MethodPost, cartPath(cart.CartID, "checkout"), nil,
		checkoutRequest{
			AutoPayWithPreferredPaymentMethod: c.order.AutoPay,
			WaiveRetractationPeriod:           false,
		}, nil, &order)
	if err != nil {
		return nil, fmt.Errorf("checkout: %w", err)
	}

	result.OrderRef = strconv.FormatInt(order.OrderID, 10)
	result.URL = order.URL
	result.Price = order.Prices.WithTax.Text
	return result, nil
}

// LookupOrder reports the order checked out for token, or nil when no cart
// for token reached checkout. It passes the order gate unless ctx carries a permit.
func (c *Client) LookupOrder(ctx context.Context, token string) (*OrderResult, error) {
	if token == "" {
		return nil, fmt.Errorf("order token is required: %w", ErrNotConfigured)
	}
	if !hasPermit(ctx) {
		if err := c.acquire(ClassOrder); err != nil {
			return nil, err
		}
	}

	cart, err := c.findCart(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("find cart: %w", err)
	}
	if cart == nil || !cart.ReadOnly {
		return nil, nil
	}
	return &OrderResult{CartID: cart.CartID, OrderRef: "cart:" + cart.CartID, Reused: true}, nil
}

// findCart returns the cart previously created for token, or nil.
func (c *Client) findCart(ctx context.Context, token string) (*Cart, error) {
	var ids []string
	query := url.Values{"description": {token}}
	if err := c.send(ctx, ClassOrder, http.MethodGet, "/order/cart", query, nil, nil, &ids); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	var cart Cart
	if err := c.send(ctx, ClassOrder, http.MethodGet, cartPath(ids[0], ""), nil, nil, nil, &cart); err != nil {
		return nil, err
	}
	return &cart, nil
}

func (c *Client) createCart(ctx context.Context, token string) (*Cart, error) {
	var cart Cart
	err := c.send(ctx, ClassOrder, http.MethodPost, "/order/cart", nil,
		createCartRequest{OVHSubsidiary: c.order.Subsidiary, Description: token},
		map[string]string{IdempotencyHeader: token}, &cart)
	if err != nil {
		return nil, err
	}
	if err := c.send(ctx, ClassOrder, http.MethodPost, cartPath(cart.CartID, "assign"), nil, nil, nil, nil); err != nil {
		return nil, fmt.Errorf("assign cart: %w", err)
	}
	return &cart, nil
}

// fillCart adds the server item with its datacenter and hardware options.
func (c *Client) fillCart(ctx context.Context, cartID string, req OrderRequest) error {
	var item CartItem
	err := c.send(ctx, ClassOrder, http.MethodPost, cartPath(cartID, c.order.Product), nil,
		addItemRequest{
			PlanCode:    req.PlanCode,
			Duration:    c.order.Duration,
			PricingMode: c.order.PricingMode,
			Quantity:    req.Quantity,
		}, nil, &item)
	if err != nil {
		return fmt.Errorf("add item: %w", err)
	}

	configs := []configurationRequest{
		{Label: "dedicated_datacenter", Value: req.Datacenter},
		{Label: "dedicated_os", Value: c.order.OS},
	}
	for _, cfg := range configs {
		path := cartPath(cartID, "item/"+strconv.FormatInt(item.ItemID, 10)+"/configuration")
		if err := c.send(ctx, ClassOrder, http.MethodPost, path, nil, cfg, nil, nil); err != nil {
			return fmt.Errorf("configure %s: %w", cfg.Label, err)
		}
	}

	for _, option := range []string{req.Memory, req.Storage} {
		if option == "" {
			continue
		}
		err := c.send(ctx, ClassOrder, http.MethodPost, cartPath(cartID, c.order.Product+"/options"), nil,
			addOptionRequest{
				ItemID:      item.ItemID,
				PlanCode:    option,
				Duration:    c.order.Duration,
				PricingMode: c.order.PricingMode,
				Quantity:    req.Quantity,
			}, nil, nil)
		if err != nil {
			return fmt.Errorf("add option %s: %w", option, err)
		}
	}
	return nil
}

func cartPath(cartID, suffix string) string {
	p := "/order/cart/" + url.PathEscape(cartID)
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}
