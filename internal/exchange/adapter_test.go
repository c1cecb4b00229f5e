package exchange

import (
	"encoding/json"
	"testing"

	"github.com/amirphl/mexc-bracket/internal/order"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSymbolRuleFromExchangeInfo(t *testing.T) {
	body := `{"symbols":[
	  {"symbol":"BTCUSDT","status":"1","baseAsset":"BTC","quoteAsset":"USDT",
	   "baseAssetPrecision":6,"quotePrecision":2,"baseSizePrecision":"0.000001",
	   "quoteAmountPrecision":"5","maxQuoteAmount":"2000000","isSpotTradingAllowed":true,"filters":[]},
	  {"symbol":"ETHUSDT","status":"ENABLED","baseAsset":"ETH","quoteAsset":"USDT",
	   "baseAssetPrecision":4,"quotePrecision":2,"isSpotTradingAllowed":true,
	   "filters":[{"filterType":"LOT_SIZE","stepSize":"0.001","minQty":"0.001","maxQty":"1000"},
	              {"filterType":"PRICE_FILTER","tickSize":"0.05"},
	              {"filterType":"MIN_NOTIONAL","minNotional":"10"}]}
	]}`
	var resp struct {
		Symbols []wireSymbol `json:"symbols"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &resp))
	require.Len(t, resp.Symbols, 2)

	btc := resp.Symbols[0].toRule()
	assert.Equal(t, "0.000001", btc.StepSize.String())
	assert.Equal(t, "0.01", btc.TickSize.String())
	assert.Equal(t, "5", btc.MinNotional.String())
	assert.True(t, btc.Tradable())
	assert.NoError(t, btc.Validate())

	eth := resp.Symbols[1].toRule()
	assert.Equal(t, "0.001", eth.StepSize.String())
	assert.Equal(t, "0.05", eth.TickSize.String())
	assert.Equal(t, "10", eth.MinNotional.String())
	assert.Equal(t, "1000", eth.MaxQty.String())
	assert.True(t, eth.Tradable())
}

func TestWireOrderAcceptsNumericIDs(t *testing.T) {
	var w wireOrder
	require.NoError(t, json.Unmarshal([]byte(`{"symbol":"BTCUSDT","orderId":123456789,"price":"45000","origQty":"0.002",
		"executedQty":"","stopPrice":null,"status":"PARTIALLY_CANCELED","type":"LIMIT","side":"BUY","time":1700000000000}`), &w))
	o := w.toOrder()
	assert.Equal(t, "123456789", o.OrderID)
	assert.Equal(t, order.StatusCanceled, o.Status)
	assert.True(t, o.FilledQty.IsZero())
	assert.True(t, o.StopPrice.IsZero())
	assert.Equal(t, int64(1700000000000), o.CreatedAt.UnixMilli())
}

func TestParseAPIError(t *testing.T) {
	e := parseAPIError([]byte(`{"code":-2011,"msg":"Unknown order sent."}`))
	assert.Equal(t, -2011, e.Code)
	e = parseAPIError([]byte("<html>bad gateway</html>"))
	assert.Equal(t, "<html>bad gateway</html>", e.Msg)
}
