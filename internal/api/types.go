package api

// Availability is one entry from GET /dedicated/server/datacenter/availabilities.
// A plan code appears once per hardware option combination.
type Availability struct {
	FQN         string                   `json:"fqn"`
	PlanCode    string                   `json:"planCode"`
	Server      string                   `json:"server"`
	Memory      string                   `json:"memory"`
	Storage     string                   `json:"storage"`
	Datacenters []DatacenterAvailability `json:"datacenters"`
}

// DatacenterAvailability is the stock indicator for one datacenter.
// Observed values: "unavailable", "1H-low", "1H-high", "24H", "72H", "comingSoon".
type DatacenterAvailability struct {
	Datacenter   string `json:"datacenter"`
	Availability string `json:"availability"`
}

// Cart from POST /order/cart and GET /order/cart/{id}.
type Cart struct {
	CartID      string  `json:"cartId"`
	Description string  `json:"description"`
	Expire      string  `json:"expire"`
	ReadOnly    bool    `json:"readOnly"`
	Items       []int64 `json:"items"`
}

// createCartRequest is the body of POST /order/cart.
type createCartRequest struct {
	OVHSubsidiary string `json:"ovhSubsidiary"`
	Description   string `json:"description"`
}

// CartItem from POST /order/cart/{id}/{product}.
type CartItem struct {
	ItemID   int64  `json:"itemId"`
	CartID   string `json:"cartId"`
	Duration string `json:"duration"`
	Settings struct {
		PlanCode    string `json:"planCode"`
		PricingMode string `json:"pricingMode"`
		Quantity    int    `json:"quantity"`
	} `json:"settings"`
}

// addItemRequest is the body of POST /order/cart/{id}/{product}.
type addItemRequest struct {
	PlanCode    string `json:"planCode"`
	Duration    string `json:"duration"`
	PricingMode string `json:"pricingMode"`
	Quantity    int    `json:"quantity"`
}

// addOptionRequest is the body of POST /order/cart/{id}/{product}/options.
type addOptionRequest struct {
	ItemID      int64  `json:"itemId"`
	PlanCode    string `json:"planCode"`
	Duration    string `json:"duration"`
	PricingMode string `json:"pricingMode"`
	Quantity    int    `json:"quantity"`
}

// configurationRequest is the body of POST /order/cart/{id}/item/{item}/configuration.
type configurationRequest struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// checkoutRequest is the body of POST /order/cart/{id}/checkout.
type checkoutRequest struct {
	AutoPayWithPreferredPaymentMethod bool `json:"autoPayWithPreferredPaymentMethod"`
	WaiveRetractationPeriod           bool `json:"waiveRetractationPeriod"`
}

// Order from POST /order/cart/{id}/checkout.
type Order struct {
	OrderID int64  `json:"orderId"`
	URL     string `json:"url"`
	Prices  struct {
		WithTax struct {
			Text string `json:"text"`
		} `json:"withTax"`
	} `json:"prices"`
}
