package position

import (
	"testing"

	"github.com/amirphl/mexc-bracket/internal/order"
	"github.com/stretchr/testify/assert"
)

func TestPositionView(t *testing.T) {
	res := Result{
		Symbol:     "BTCUSDT",
		State:      ProtectiveActive,
		Entry:      order.Order{OrderID: "e", Status: order.StatusFilled, Quantity: d("0.002"), FilledQty: d("0.002")},
		StopLoss:   order.Order{OrderID: "sl", Status: order.StatusNew, Quantity: d("0.002")},
		TakeProfit: order.Order{OrderID: "tp", Status: order.StatusPartiallyFilled, Quantity: d("0.002"), FilledQty: d("0.0005")},
	}
	p := res.Position()
	assert.Len(t, p.OpenOrders(), 2)
	assert.True(t, p.Exposure().Equal(d("0.0015")), "exposure %s", p.Exposure())

	res.TakeProfit.Status = order.StatusFilled
	res.TakeProfit.FilledQty = d("0.002")
	res.StopLoss.Status = order.StatusCanceled
	p = res.Position()
	assert.Empty(t, p.OpenOrders())
	assert.True(t, p.Exposure().IsZero())

	assert.Empty(t, Result{}.Position().OpenOrders(), "nothing placed")
}
