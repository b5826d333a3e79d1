package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"squareoff/go_src/trade_exceptions"
)

const (
	placeOrderPath   = "/rest/secure/angelbroking/order/v1/placeOrder"
	orderDetailsPath = "/rest/secure/angelbroking/order/v1/details/"

	orderStatusComplete = "complete"
)

type placeOrderBody struct {
	Variety         string `json:"variety"`
	TradingSymbol   string `json:"tradingsymbol"`
	SymbolToken     string `json:"symboltoken,omitempty"`
	TransactionType string `json:"transactiontype"`
	Exchange        string `json:"exchange"`
	OrderType       string `json:"ordertype"`
	ProductType     string `json:"producttype"`
	Duration        string `json:"duration"`
	Price           string `json:"price"`
	Quantity        string `json:"quantity"`
}

type placeOrderData struct {
	Script        string `json:"script"`
	OrderID       string `json:"orderid"`
	UniqueOrderID string `json:"uniqueorderid"`
}

type orderDetailsData struct {
	OrderID      string `json:"orderid"`
	OrderStatus  string `json:"orderstatus"`
	Status       string `json:"status"`
	FilledShares string `json:"filledshares"`
}

// RestGateway talks to a SmartAPI-style REST venue.
type RestGateway struct {
	client *Client
}

func NewRestGateway(client *Client) *RestGateway {
	return &RestGateway{client: client}
}

func (g *RestGateway) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	body := placeOrderBody{
		Variety:         req.Variety,
		TradingSymbol:   req.TradingSymbol,
		SymbolToken:     req.SymbolToken,
		TransactionType: string(req.Side),
		Exchange:        req.Exchange,
		OrderType:       req.OrderType,
		ProductType:     req.ProductType,
		Duration:        req.Duration,
		Price:           "0",
		Quantity:        strconv.FormatInt(req.Quantity, 10),
	}

	var data placeOrderData
	env, err := g.client.doRequest(ctx, http.MethodPost, placeOrderPath, req.ClientCode, body, &data)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Temporary() {
			return Rejected(apiErr.Error()), nil
		}
		return OrderResult{}, &trade_exceptions.OrderPlacementError{
			Message:      "place order request failed",
			Reason:       "TRANSPORT",
			OrderDetails: map[string]interface{}{"client_code": req.ClientCode, "symbol": req.TradingSymbol, "side": req.Side, "quantity": req.Quantity},
			Err:          err,
		}
	}
	if !env.Status {
		reason := env.Message
		if env.ErrorCode != "" {
			reason = fmt.Sprintf("%s (%s)", env.Message, env.ErrorCode)
		}
		return Rejected(reason), nil
	}
	return Accepted(data.OrderID), nil
}

func (g *RestGateway) CheckOrderStatus(ctx context.Context, account, orderID string) (bool, error) {
	var data orderDetailsData
	env, err := g.client.doRequest(ctx, http.MethodGet, orderDetailsPath+url.PathEscape(orderID), account, nil, &data)
	if err != nil {
		return false, &trade_exceptions.OrderStatusError{OrderID: orderID, Account: account, Err: err}
	}
	if !env.Status {
		return false, &trade_exceptions.OrderStatusError{
			OrderID: orderID,
			Account: account,
			Err:     fmt.Errorf("venue returned status=false: %s (%s)", env.Message, env.ErrorCode),
		}
	}
	status := data.OrderStatus
	if status == "" {
		status = data.Status
	}
	return strings.EqualFold(status, orderStatusComplete), nil
}

var _ Gateway = (*RestGateway)(nil)
