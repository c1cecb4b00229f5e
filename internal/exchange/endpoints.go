package exchange

import "net/http"

// Endpoint describes one REST operation.
type Endpoint struct {
	Name     string
	Method   string
	Path     string
	Weight   int
	Signed   bool
	Mutating bool // places or cancels orders; short-circuited in dry-run
}

var (
	EndpointPing         = Endpoint{Name: "ping", Method: http.MethodGet, Path: "/api/v3/ping", Weight: 1}
	EndpointServerTime   = Endpoint{Name: "time", Method: http.MethodGet, Path: "/api/v3/time", Weight: 1}
	EndpointExchangeInfo = Endpoint{Name: "exchange_info", Method: http.MethodGet, Path: "/api/v3/exchangeInfo", Weight: 10}
	EndpointTickerPrice  = Endpoint{Name: "ticker_price", Method: http.MethodGet, Path: "/api/v3/ticker/price", Weight: 1}
	EndpointAccount      = Endpoint{Name: "account", Method: http.MethodGet, Path: "/api/v3/account", Weight: 10, Signed: true}
	EndpointPlaceOrder   = Endpoint{Name: "place_order", Method: http.MethodPost, Path: "/api/v3/order", Weight: 1, Signed: true, Mutating: true}
	EndpointCancelOrder  = Endpoint{Name: "cancel_order", Method: http.MethodDelete, Path: "/api/v3/order", Weight: 1, Signed: true, Mutating: true}
	EndpointQueryOrder   = Endpoint{Name: "query_order", Method: http.MethodGet, Path: "/api/v3/order", Weight: 2, Signed: true}
	EndpointOpenOrders   = Endpoint{Name: "open_orders", Method: http.MethodGet, Path: "/api/v3/openOrders", Weight: 3, Signed: true}
)
