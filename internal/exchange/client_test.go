package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/amirphl/mexc-bracket/internal/order"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testKey    = "test-api-key"
	testSecret = "test-secret"
)

func newTestClient(t *testing.T, h http.Handler, mutate ...func(*Options)) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	opts := Options{
		BaseURL:     srv.URL,
		MaxAttempts: 3,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
		HTTPClient:  srv.Client(),
		Budget:      NewRateBudget(1000, time.Second, time.Second),
	}
	for _, m := range mutate {
		m(&opts)
	}
	return NewClient(NewSigner(testKey, testSecret), opts)
}

func writeServerTime(w http.ResponseWriter) {
	fmt.Fprintf(w, `{"serverTime":%d}`, time.Now().UnixMilli())
}

func verifySignature(t *testing.T, r *http.Request) {
	t.Helper()
	payload, sig, ok := strings.Cut(r.URL.RawQuery, "&signature=")
	if !assert.True(t, ok, "missing signature in %q", r.URL.RawQuery) {
		return
	}
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte(payload))
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), sig)
	assert.Equal(t, testKey, r.Header.Get("X-MEXC-APIKEY"))

	q, err := url.ParseQuery(payload)
	assert.NoError(t, err)
	assert.NotEmpty(t, q.Get("timestamp"))
	assert.Equal(t, "5000", q.Get("recvWindow"))
}

func TestSignedRequest(t *testing.T) {
	var timeCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/time", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&timeCalls, 1)
		writeServerTime(w)
	})
	mux.HandleFunc("/api/v3/account", func(w http.ResponseWriter, r *http.Request) {
		verifySignature(t, r)
		fmt.Fprint(w, `{"accountType":"SPOT","canTrade":true,"balances":[{"asset":"USDT","free":"120.5","locked":"0"}]}`)
	})
	c := newTestClient(t, mux)

	acct, err := c.Account(context.Background())
	require.NoError(t, err)
	assert.True(t, acct.CanTrade)
	assert.Equal(t, "120.5", acct.Balance("usdt").Free.String())

	_, err = c.Account(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&timeCalls), "clock synced once within the resync interval")
}

func TestSignedRequestWithoutCredentials(t *testing.T) {
	c := NewClient(nil, Options{BaseURL: "http://127.0.0.1:0"})
	_, err := c.Account(context.Background())
	assert.True(t, IsAuthentication(err), "got %v", err)
}

func TestRetriesServerErrors(t *testing.T) {
	var calls int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{}`)
	}))

	require.NoError(t, c.Ping(context.Background()))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	var calls int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"code":500,"msg":"busy"}`)
	}))

	err := c.Ping(context.Background())
	var te *TransientError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusServiceUnavailable, te.Status)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestRejectedIsNotRetried(t *testing.T) {
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/time", func(w http.ResponseWriter, r *http.Request) { writeServerTime(w) })
	mux.HandleFunc("/api/v3/order", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"code":-2013,"msg":"Order does not exist."}`)
	})
	c := newTestClient(t, mux)

	_, err := c.CancelOrder(context.Background(), "BTCUSDT", "123")
	var re *RejectedError
	require.ErrorAs(t, err, &re)
	assert.True(t, re.NotFound())
	assert.True(t, IsNotFound(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestAuthenticationError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/time", func(w http.ResponseWriter, r *http.Request) { writeServerTime(w) })
	mux.HandleFunc("/api/v3/account", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"code":700002,"msg":"Signature for this request is not valid."}`)
	})
	c := newTestClient(t, mux)

	_, err := c.Account(context.Background())
	var ae *AuthenticationError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, 700002, ae.Code)
}

func TestTooManyRequestsGetsOneExtraRetry(t *testing.T) {
	var calls int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{}`)
	}))
	require.NoError(t, c.Ping(context.Background()))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestTooManyRequestsTwice(t *testing.T) {
	var calls int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	err := c.Ping(context.Background())
	assert.ErrorIs(t, err, ErrRateLimitExceeded)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestClockSkewResyncs(t *testing.T) {
	var timeCalls, accountCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/time", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&timeCalls, 1)
		writeServerTime(w)
	})
	mux.HandleFunc("/api/v3/account", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&accountCalls, 1) == 1 {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"code":700003,"msg":"Timestamp for this request is outside of the recvWindow."}`)
			return
		}
		fmt.Fprint(w, `{"canTrade":true}`)
	})
	c := newTestClient(t, mux)

	_, err := c.Account(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&timeCalls))
	assert.Equal(t, int32(2), atomic.LoadInt32(&accountCalls))
}

func TestContextCancelStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cancel()
		w.WriteHeader(http.StatusInternalServerError)
	}), func(o *Options) { o.BaseBackoff = time.Second; o.MaxBackoff = time.Second })

	err := c.Ping(ctx)
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
}

func TestPlaceOrderValidatesBeforeNetwork(t *testing.T) {
	var calls int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))

	_, err := c.PlaceOrder(context.Background(), order.Request{Symbol: "BTCUSDT", Side: order.Buy, Type: order.Limit, Quantity: decimal.Zero})
	assert.True(t, order.IsValidation(err, order.MalformedInput))
	_, err = c.PlaceOrder(context.Background(), order.Request{Symbol: "BTCUSDT", Side: order.Buy, Type: order.StopLimit,
		Quantity: decimal.RequireFromString("0.002"), Price: decimal.RequireFromString("44000")})
	assert.True(t, order.IsValidation(err, order.MalformedInput))
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestPlaceOrderParams(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/time", func(w http.ResponseWriter, r *http.Request) { writeServerTime(w) })
	mux.HandleFunc("/api/v3/order", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		verifySignature(t, r)
		q := r.URL.Query()
		assert.Equal(t, "BTCUSDT", q.Get("symbol"))
		assert.Equal(t, "SELL", q.Get("side"))
		assert.Equal(t, "STOP_LOSS_LIMIT", q.Get("type"))
		assert.Equal(t, "0.002", q.Get("quantity"))
		assert.Equal(t, "43956", q.Get("price"))
		assert.Equal(t, "44000", q.Get("stopPrice"))
		assert.Equal(t, "sl-abc", q.Get("newClientOrderId"))
		fmt.Fprintf(w, `{"symbol":"BTCUSDT","orderId":"C02__1","price":"43956","origQty":"0.002","type":"STOP_LOSS_LIMIT","side":"SELL","transactTime":%d}`, time.Now().UnixMilli())
	})
	c := newTestClient(t, mux)

	o, err := c.PlaceOrder(context.Background(), order.Request{
		Symbol:        "btcusdt",
		Side:          order.Sell,
		Type:          order.StopLimit,
		Price:         decimal.RequireFromString("43956"),
		StopPrice:     decimal.RequireFromString("44000"),
		Quantity:      decimal.RequireFromString("0.002"),
		ClientOrderID: "sl-abc",
	})
	require.NoError(t, err)
	assert.Equal(t, "C02__1", o.OrderID)
	assert.Equal(t, order.StatusNew, o.Status)
	assert.Equal(t, "sl-abc", o.ClientOrderID)
	assert.True(t, o.StopPrice.Equal(decimal.RequireFromString("44000")))
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 3*time.Second, parseRetryAfter("3", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("", now))
	assert.Equal(t, 10*time.Second, parseRetryAfter(now.Add(10*time.Second).Format(http.TimeFormat), now))
}

func TestSignerRedacted(t *testing.T) {
	s := NewSigner(testKey, testSecret)
	assert.NotContains(t, fmt.Sprintf("%v %+v %#v", s, s, s), testSecret)
	s.Wipe()
	assert.Equal(t, strings.Repeat("\x00", len(testKey)), s.header())
}

// brokenPipeDoer fails the first POST. When deliver is set the request still
// reaches the server, as if the connection broke before the answer came back.
type brokenPipeDoer struct {
	next    Doer
	deliver bool
	posts   int32
}

func (d *brokenPipeDoer) Do(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodPost || atomic.AddInt32(&d.posts, 1) > 1 {
		return d.next.Do(req)
	}
	if d.deliver {
		resp, err := d.next.Do(req)
		if err == nil {
			resp.Body.Close()
		}
	}
	return nil, errors.New("connection reset by peer")
}

// orderBook is an order endpoint that remembers placements by client id.
type orderBook struct {
	mu     sync.Mutex
	placed map[string]string
	posts  int32
}

func (b *orderBook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/api/v3/time" {
		writeServerTime(w)
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	q := r.URL.Query()
	switch r.Method {
	case http.MethodPost:
		n := atomic.AddInt32(&b.posts, 1)
		id := fmt.Sprintf("C02__%d", n)
		b.placed[q.Get("newClientOrderId")] = id
		fmt.Fprintf(w, `{"symbol":"BTCUSDT","orderId":"%s","clientOrderId":"%s"}`, id, q.Get("newClientOrderId"))
	case http.MethodGet:
		id, ok := b.placed[q.Get("origClientOrderId")]
		if !ok {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"code":-2013,"msg":"Order does not exist."}`)
			return
		}
		fmt.Fprintf(w, `{"symbol":"BTCUSDT","orderId":"%s","clientOrderId":"%s","status":"NEW","side":"BUY","type":"LIMIT","price":"45000","origQty":"0.002","executedQty":"0"}`,
			id, q.Get("origClientOrderId"))
	}
}

func placeAfterBrokenPipe(t *testing.T, deliver bool) (order.Order, *orderBook, *brokenPipeDoer) {
	t.Helper()
	book := &orderBook{placed: map[string]string{}}
	var doer *brokenPipeDoer
	c := newTestClient(t, book, func(o *Options) {
		doer = &brokenPipeDoer{next: o.HTTPClient, deliver: deliver}
		o.HTTPClient = doer
	})
	o, err := c.PlaceOrder(context.Background(), order.Request{
		Symbol:        "BTCUSDT",
		Side:          order.Buy,
		Type:          order.Limit,
		Price:         decimal.RequireFromString("45000"),
		Quantity:      decimal.RequireFromString("0.002"),
		ClientOrderID: "entry-abc",
	})
	require.NoError(t, err)
	return o, book, doer
}

func TestPlaceOrderFindsOrderAcceptedBeforeConnectionLoss(t *testing.T) {
	o, book, doer := placeAfterBrokenPipe(t, true)

	assert.Equal(t, "C02__1", o.OrderID)
	assert.Equal(t, "entry-abc", o.ClientOrderID)
	assert.Equal(t, int32(1), atomic.LoadInt32(&book.posts), "accepted order must not be placed twice")
	assert.Equal(t, int32(1), atomic.LoadInt32(&doer.posts))
}

func TestPlaceOrderResendsWhenExchangeNeverSawIt(t *testing.T) {
	o, book, doer := placeAfterBrokenPipe(t, false)

	assert.Equal(t, "C02__1", o.OrderID)
	assert.Equal(t, int32(1), atomic.LoadInt32(&book.posts))
	assert.Equal(t, int32(2), atomic.LoadInt32(&doer.posts))
}

func TestAmbiguousOnlyForPlacementTransportFailures(t *testing.T) {
	assert.False(t, ambiguous(EndpointCancelOrder, url.Values{"newClientOrderId": {"x"}}, &TransientError{Err: errors.New("eof")}))
	assert.False(t, ambiguous(EndpointPlaceOrder, url.Values{}, &TransientError{Err: errors.New("eof")}))
	assert.False(t, ambiguous(EndpointPlaceOrder, url.Values{"newClientOrderId": {"x"}}, ErrStaleTimestamp))
	assert.True(t, ambiguous(EndpointPlaceOrder, url.Values{"newClientOrderId": {"x"}}, &TransientError{Status: 502, Err: errors.New("bad gateway")}))
}
