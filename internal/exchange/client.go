package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/amirphl/mexc-bracket/internal/utils"
	"github.com/cenkalti/backoff/v5"
)

const (
	DefaultBaseURL = "https://api.mexc.com"

	maxResponseBody = 4 << 20
)

// Doer sends an HTTP request. *http.Client implements it; in dry-run no
// order-mutating request ever reaches it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Observer receives request telemetry.
type Observer interface {
	ObserveRequest(endpoint, outcome string, elapsed time.Duration)
	ObserveRetry(endpoint, reason string)
	ObserveBudget(remaining int)
}

type nopObserver struct{}

func (nopObserver) ObserveRequest(string, string, time.Duration) {}
func (nopObserver) ObserveRetry(string, string)                  {}
func (nopObserver) ObserveBudget(int)                            {}

type Options struct {
	BaseURL        string
	RecvWindow     time.Duration
	MaxAttempts    int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	ResyncInterval time.Duration
	DryRun         bool

	HTTPClient Doer
	Budget     *RateBudget
	Observer   Observer
	Logger     *slog.Logger
}

func (o *Options) setDefaults() {
	if o.BaseURL == "" {
		o.BaseURL = DefaultBaseURL
	}
	if o.RecvWindow <= 0 {
		o.RecvWindow = 5 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 10 * time.Second
	}
	if o.ResyncInterval <= 0 {
		o.ResyncInterval = 5 * time.Minute
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if o.Budget == nil {
		o.Budget = NewRateBudget(500, 10*time.Second, 30*time.Second)
	}
	if o.Observer == nil {
		o.Observer = nopObserver{}
	}
}

// Client is the signed, rate-limited, retrying MEXC spot REST client.
type Client struct {
	signer      *Signer
	http        Doer
	baseURL     string
	recvWindow  time.Duration
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	budget      *RateBudget
	clock       *serverClock
	dryRun      bool
	paper       *PaperBook
	obs         Observer
	logger      *slog.Logger
	now         func() time.Time
}

func NewClient(signer *Signer, opts Options) *Client {
	opts.setDefaults()
	if signer == nil {
		signer = NewSigner("", "")
	}
	c := &Client{
		signer:      signer,
		http:        opts.HTTPClient,
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		recvWindow:  opts.RecvWindow,
		maxAttempts: opts.MaxAttempts,
		baseBackoff: opts.BaseBackoff,
		maxBackoff:  opts.MaxBackoff,
		budget:      opts.Budget,
		clock:       newServerClock(opts.ResyncInterval, time.Now),
		dryRun:      opts.DryRun,
		obs:         opts.Observer,
		logger:      utils.Component(opts.Logger, "exchange"),
		now:         time.Now,
	}
	if c.dryRun {
		c.paper = NewPaperBook()
	}
	return c
}

func (c *Client) DryRun() bool { return c.dryRun }

// Paper returns the dry-run order book, nil in live mode.
func (c *Client) Paper() *PaperBook { return c.paper }

func (c *Client) Budget() *RateBudget { return c.budget }

// Close wipes the credentials.
func (c *Client) Close() { c.signer.Wipe() }

// Execute sends one request, retrying transient failures.
//
// Network errors, 5xx and stale timestamps are retried with exponential
// backoff and jitter up to MaxAttempts. A 429 gets one extra cycle that
// honours Retry-After; a second one surfaces ErrRateLimitExceeded. Every
// other failure is returned as is.
//
// A placement that failed in transport is looked up by its client order id
// before it is sent again, so an order the exchange did accept is returned
// instead of being duplicated.
func (c *Client) Execute(ctx context.Context, ep Endpoint, params url.Values) (json.RawMessage, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.baseBackoff
	bo.MaxInterval = c.maxBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.5
	bo.Reset()

	throttled := false
	unsure := false // a placement may have reached the exchange
	attempt := 1
	for {
		var (
			body json.RawMessage
			err  error
		)
		if unsure {
			body, err = c.lookupPlaced(ctx, params)
			switch {
			case err == nil:
				c.logger.Warn("Order from an earlier attempt found, not re-sending", "endpoint", ep.Name,
					"client_order_id", params.Get("newClientOrderId"))
				return body, nil
			case IsNotFound(err):
				unsure = false
			}
		}
		if !unsure {
			start := time.Now()
			body, err = c.send(ctx, ep, params)
			c.obs.ObserveRequest(ep.Name, outcomeOf(err), time.Since(start))
			if err == nil {
				return body, nil
			}
			unsure = ambiguous(ep, params, err)
		}

		var (
			wait   time.Duration
			reason string
			tmr    *tooManyRequests
			te     *TransientError
			skew   *clockSkew
		)
		switch {
		case errors.As(err, &tmr):
			if throttled {
				return nil, fmt.Errorf("%s: %w: %v", ep.Name, ErrRateLimitExceeded, err)
			}
			throttled = true
			wait = max(tmr.retryAfter, bo.NextBackOff())
			reason = "throttled"
		case errors.Is(err, ErrStaleTimestamp), errors.As(err, &te):
			if errors.As(err, &skew) || errors.Is(err, ErrStaleTimestamp) {
				c.clock.Invalidate()
			}
			if attempt >= c.maxAttempts {
				return nil, fmt.Errorf("%s: giving up after %d attempts: %w", ep.Name, attempt, err)
			}
			attempt++
			wait = bo.NextBackOff()
			reason = "transient"
		default:
			return nil, fmt.Errorf("%s: %w", ep.Name, err)
		}

		c.logger.Warn("Retrying request", "endpoint", ep.Name, "attempt", attempt, "wait", wait, "error", err)
		c.obs.ObserveRetry(ep.Name, reason)
		if err := sleepCtx(ctx, wait); err != nil {
			return nil, err
		}
	}
}

// ambiguous reports whether a failed placement may still have been accepted:
// the request carried a client order id and failed in transport or with a 5xx.
func ambiguous(ep Endpoint, params url.Values, err error) bool {
	if ep != EndpointPlaceOrder || params.Get("newClientOrderId") == "" {
		return false
	}
	var te *TransientError
	if !errors.As(err, &te) || errors.Is(err, ErrStaleTimestamp) {
		return false
	}
	var skew *clockSkew
	return !errors.As(err, &skew) && (te.Status == 0 || te.Status >= 500)
}

// lookupPlaced queries the order a placement would have created, by its
// client order id.
func (c *Client) lookupPlaced(ctx context.Context, params url.Values) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("symbol", params.Get("symbol"))
	q.Set("origClientOrderId", params.Get("newClientOrderId"))
	start := time.Now()
	body, err := c.send(ctx, EndpointQueryOrder, q)
	c.obs.ObserveRequest(EndpointQueryOrder.Name, outcomeOf(err), time.Since(start))
	return body, err
}

// send performs a single attempt: budget, paper book, clock, signature,
// dispatch.
func (c *Client) send(ctx context.Context, ep Endpoint, params url.Values) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.budget.Acquire(ctx, ep.Weight); err != nil {
		return nil, err
	}
	c.obs.ObserveBudget(c.budget.Remaining())

	// paper orders need neither credentials nor a synced clock
	if c.dryRun {
		if body, ok, err := c.paper.intercept(ep, params); ok {
			c.logger.Debug("Dry-run answered locally", "endpoint", ep.Name, "params", params.Encode())
			return body, err
		}
	}

	query := url.Values{}
	for k, v := range params {
		query[k] = append([]string(nil), v...)
	}

	var signedAt time.Time
	if ep.Signed {
		if !c.signer.Configured() {
			return nil, &AuthenticationError{Message: "api key and secret are required for " + ep.Name}
		}
		if err := c.syncClock(ctx); err != nil {
			return nil, err
		}
		signedAt = c.clock.Now()
		query.Set("timestamp", strconv.FormatInt(signedAt.UnixMilli(), 10))
		query.Set("recvWindow", strconv.FormatInt(c.recvWindow.Milliseconds(), 10))
	}

	encoded := query.Encode()
	if ep.Signed {
		encoded += "&signature=" + c.signer.Sign(encoded)
	}

	u := c.baseURL + ep.Path
	if encoded != "" {
		u += "?" + encoded
	}
	req, err := http.NewRequestWithContext(ctx, ep.Method, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.signer.Configured() {
		req.Header.Set("X-MEXC-APIKEY", c.signer.header())
	}
	req.Header.Set("Content-Type", "application/json")

	if ep.Signed && c.clock.Now().Sub(signedAt) > c.recvWindow {
		return nil, ErrStaleTimestamp
	}

	c.logger.Debug("Sending request", "endpoint", ep.Name, "method", ep.Method, "path", ep.Path)
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, &TransientError{Status: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}
	return classify(resp, body, c.now())
}

func classify(resp *http.Response, body []byte, now time.Time) (json.RawMessage, error) {
	status := resp.StatusCode
	if status >= 200 && status < 300 {
		return json.RawMessage(body), nil
	}

	apiErr := parseAPIError(body)
	switch {
	case status == http.StatusTooManyRequests:
		return nil, &tooManyRequests{retryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), now), message: apiErr.Msg}
	case apiErr.Code == codeRecvWindow:
		return nil, &TransientError{Status: status, Err: &clockSkew{message: apiErr.Msg}}
	case status == http.StatusUnauthorized || status == http.StatusForbidden || isAuthCode(apiErr.Code):
		return nil, &AuthenticationError{Status: status, Code: apiErr.Code, Message: apiErr.Msg}
	case status >= 500:
		return nil, &TransientError{Status: status, Err: errors.New(apiErr.Msg)}
	case status >= 400:
		return nil, &RejectedError{Status: status, Code: apiErr.Code, Message: apiErr.Msg}
	default:
		return nil, &TransientError{Status: status, Err: fmt.Errorf("unexpected status: %s", apiErr.Msg)}
	}
}

func parseRetryAfter(h string, now time.Time) time.Duration {
	h = strings.TrimSpace(h)
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(h); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(h); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}

func outcomeOf(err error) string {
	var (
		tmr *tooManyRequests
		te  *TransientError
		re  *RejectedError
		ae  *AuthenticationError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &tmr), errors.Is(err, ErrRateLimitExceeded):
		return "rate_limited"
	case errors.As(err, &ae):
		return "auth"
	case errors.As(err, &re):
		return "rejected"
	case errors.As(err, &te), errors.Is(err, ErrStaleTimestamp):
		return "transient"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

// syncClock refreshes the server time offset when it is due.
func (c *Client) syncClock(ctx context.Context) error {
	if !c.clock.Stale() {
		return nil
	}
	_, err := c.syncServerTime(ctx)
	return err
}

func (c *Client) syncServerTime(ctx context.Context) (time.Time, error) {
	sent := c.now()
	body, err := c.send(ctx, EndpointServerTime, nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("sync server time: %w", err)
	}
	received := c.now()

	var resp struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.ServerTime == 0 {
		return time.Time{}, &TransientError{Err: fmt.Errorf("decode server time %q: %v", body, err)}
	}
	server := time.UnixMilli(resp.ServerTime)
	c.clock.Update(server, sent, received)
	c.logger.Debug("Server clock synchronised", "offset", c.clock.Offset())
	return server, nil
}
