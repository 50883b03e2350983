package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Gateway layers typed futures operations over a Client. It is symbol
// agnostic; the engine passes the traded symbol on every call.
type Gateway struct {
	client      *Client
	constraints Constraints
	logger      *slog.Logger
}

// NewGateway wires the typed operations to one account's client.
func NewGateway(client *Client, constraints Constraints, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		client:      client,
		constraints: constraints,
		logger:      logger.WithGroup("gateway").With(slog.String("account", client.Account().Label)),
	}
}

// Account returns the identity behind this gateway.
func (g *Gateway) Account() Account { return g.client.Account() }

// Constraints exposes the instrument grid for sizing arithmetic.
func (g *Gateway) Constraints() Constraints { return g.constraints }

// Price returns the last traded price for the symbol.
func (g *Gateway) Price(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := g.client.Do(ctx, http.MethodGet, "/fapi/v1/ticker/price", params, false)
	if err != nil {
		return 0, err
	}
	var wire struct {
		Symbol string   `json:"symbol"`
		Price  apiFloat `json:"price"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return 0, fmt.Errorf("decoding ticker price: %w", err)
	}
	return float64(wire.Price), nil
}

// OrderBook fetches a depth snapshot. The requested limit snaps to the
// nearest value the endpoint supports.
func (g *Gateway) OrderBook(ctx context.Context, symbol string, limit int) (Book, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("limit", strconv.Itoa(SnapDepthLimit(limit)))
	body, err := g.client.Do(ctx, http.MethodGet, "/fapi/v1/depth", params, false)
	if err != nil {
		return Book{}, err
	}
	var wire struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return Book{}, fmt.Errorf("decoding depth: %w", err)
	}
	book := Book{
		Bids: make([]Level, 0, len(wire.Bids)),
		Asks: make([]Level, 0, len(wire.Asks)),
	}
	for _, raw := range wire.Bids {
		lvl, err := levelFrom(raw)
		if err != nil {
			return Book{}, fmt.Errorf("decoding bid level: %w", err)
		}
		book.Bids = append(book.Bids, lvl)
	}
	for _, raw := range wire.Asks {
		lvl, err := levelFrom(raw)
		if err != nil {
			return Book{}, fmt.Errorf("decoding ask level: %w", err)
		}
		book.Asks = append(book.Asks, lvl)
	}
	return book, nil
}

func levelFrom(raw []string) (Level, error) {
	if len(raw) < 2 {
		return Level{}, fmt.Errorf("level has %d fields, want 2", len(raw))
	}
	price, err := strconv.ParseFloat(raw[0], 64)
	if err != nil {
		return Level{}, fmt.Errorf("parsing price %q: %w", raw[0], err)
	}
	qty, err := strconv.ParseFloat(raw[1], 64)
	if err != nil {
		return Level{}, fmt.Errorf("parsing quantity %q: %w", raw[1], err)
	}
	return Level{Price: price, Quantity: qty}, nil
}

// BestBid returns the top bid, or ErrNoLiquidity on an empty side.
func (g *Gateway) BestBid(ctx context.Context, symbol string) (Level, error) {
	book, err := g.OrderBook(ctx, symbol, depthLimits[0])
	if err != nil {
		return Level{}, err
	}
	if len(book.Bids) == 0 {
		return Level{}, fmt.Errorf("%s bids: %w", symbol, ErrNoLiquidity)
	}
	return book.Bids[0], nil
}

// BestAsk returns the top ask, or ErrNoLiquidity on an empty side.
func (g *Gateway) BestAsk(ctx context.Context, symbol string) (Level, error) {
	book, err := g.OrderBook(ctx, symbol, depthLimits[0])
	if err != nil {
		return Level{}, err
	}
	if len(book.Asks) == 0 {
		return Level{}, fmt.Errorf("%s asks: %w", symbol, ErrNoLiquidity)
	}
	return book.Asks[0], nil
}

type wirePosition struct {
	Symbol           string   `json:"symbol"`
	PositionAmt      apiFloat `json:"positionAmt"`
	EntryPrice       apiFloat `json:"entryPrice"`
	UnRealizedProfit apiFloat `json:"unRealizedProfit"`
	Leverage         apiInt   `json:"leverage"`
}

func (w wirePosition) toPosition() Position {
	return Position{
		Symbol:        w.Symbol,
		Amount:        float64(w.PositionAmt),
		EntryPrice:    float64(w.EntryPrice),
		UnrealizedPnL: float64(w.UnRealizedProfit),
		Leverage:      int(w.Leverage),
	}
}

// Position returns the account's position on the symbol; a zero Position with
// the symbol set when the account holds none.
func (g *Gateway) Position(ctx context.Context, symbol string) (Position, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := g.client.Do(ctx, http.MethodGet, "/fapi/v2/positionRisk", params, true)
	if err != nil {
		return Position{}, err
	}
	var wire []wirePosition
	if err := json.Unmarshal(body, &wire); err != nil {
		return Position{}, fmt.Errorf("decoding position risk: %w", err)
	}
	for _, w := range wire {
		if w.Symbol == symbol {
			return w.toPosition(), nil
		}
	}
	return Position{Symbol: symbol}, nil
}

// SetLeverage sets the symbol's initial leverage for the account.
func (g *Gateway) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if leverage < 1 {
		return fmt.Errorf("leverage must be at least 1, got %d", leverage)
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	if _, err := g.client.Do(ctx, http.MethodPost, "/fapi/v1/leverage", params, true); err != nil {
		return fmt.Errorf("setting leverage: %w", err)
	}
	return nil
}

type wireOrder struct {
	OrderID       int64    `json:"orderId"`
	ClientOrderID string   `json:"clientOrderId"`
	Symbol        string   `json:"symbol"`
	Side          string   `json:"side"`
	Type          string   `json:"type"`
	Status        string   `json:"status"`
	OrigQty       apiFloat `json:"origQty"`
	Price         apiFloat `json:"price"`
	AvgPrice      apiFloat `json:"avgPrice"`
	ExecutedQty   apiFloat `json:"executedQty"`
	ReduceOnly    bool     `json:"reduceOnly"`
	PositionSide  string   `json:"positionSide"`
	UpdateTime    int64    `json:"updateTime"`
}

func (w wireOrder) toOrder() Order {
	return Order{
		OrderID:       w.OrderID,
		ClientOrderID: w.ClientOrderID,
		Symbol:        w.Symbol,
		Side:          Side(w.Side),
		Type:          OrderType(w.Type),
		Status:        OrderStatus(w.Status),
		Quantity:      float64(w.OrigQty),
		Price:         float64(w.Price),
		AvgPrice:      float64(w.AvgPrice),
		Executed:      float64(w.ExecutedQty),
		ReduceOnly:    w.ReduceOnly,
		PositionSide:  w.PositionSide,
		UpdateTime:    time.UnixMilli(w.UpdateTime),
	}
}

// PlaceOrder submits an order and returns the exchange's snapshot of it.
// Quantities and prices are snapped to the instrument grid before hitting the
// wire; a request whose quantity floors to zero is rejected locally.
func (g *Gateway) PlaceOrder(ctx context.Context, req OrderRequest) (Order, error) {
	qty := g.constraints.FormatQuantity(req.Quantity)
	if floored := g.constraints.FloorQuantity(req.Quantity); floored <= 0 {
		return Order{}, fmt.Errorf("order quantity %v floors to zero on the lot grid", req.Quantity)
	}

	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	params.Set("type", string(req.Type))
	params.Set("quantity", qty)
	params.Set("newOrderRespType", "RESULT")
	if req.Type == Limit {
		if req.Price <= 0 {
			return Order{}, errors.New("limit order requires a positive price")
		}
		params.Set("price", g.constraints.FormatPrice(req.Price))
		params.Set("timeInForce", "GTC")
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	if req.ClientOrderID != "" {
		params.Set("newClientOrderId", req.ClientOrderID)
	}

	body, err := g.client.Do(ctx, http.MethodPost, "/fapi/v1/order", params, true)
	if err != nil {
		return Order{}, err
	}
	var wire wireOrder
	if err := json.Unmarshal(body, &wire); err != nil {
		return Order{}, fmt.Errorf("decoding placed order: %w", err)
	}
	order := wire.toOrder()
	g.logger.Info("order placed",
		slog.String("symbol", order.Symbol),
		slog.String("side", string(order.Side)),
		slog.String("type", string(order.Type)),
		slog.String("quantity", qty),
		slog.Int64("order_id", order.OrderID),
		slog.String("client_order_id", order.ClientOrderID))
	return order, nil
}

// PlaceMarket submits a market order.
func (g *Gateway) PlaceMarket(ctx context.Context, symbol string, side Side, quantity float64, clientOrderID string) (Order, error) {
	return g.PlaceOrder(ctx, OrderRequest{
		Symbol:        symbol,
		Side:          side,
		Type:          Market,
		Quantity:      quantity,
		ClientOrderID: clientOrderID,
	})
}

// PlaceLimit submits a GTC limit order at the given price.
func (g *Gateway) PlaceLimit(ctx context.Context, symbol string, side Side, quantity, price float64, clientOrderID string) (Order, error) {
	return g.PlaceOrder(ctx, OrderRequest{
		Symbol:        symbol,
		Side:          side,
		Type:          Limit,
		Quantity:      quantity,
		Price:         price,
		ClientOrderID: clientOrderID,
	})
}

// GetOrder fetches the current snapshot of one order.
func (g *Gateway) GetOrder(ctx context.Context, symbol string, orderID int64) (Order, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))
	body, err := g.client.Do(ctx, http.MethodGet, "/fapi/v1/order", params, true)
	if err != nil {
		return Order{}, err
	}
	var wire wireOrder
	if err := json.Unmarshal(body, &wire); err != nil {
		return Order{}, fmt.Errorf("decoding order: %w", err)
	}
	return wire.toOrder(), nil
}

// CancelOrder cancels one order. An unknown-order rejection is success; the
// order reached a terminal state before the cancel arrived.
func (g *Gateway) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))
	_, err := g.client.Do(ctx, http.MethodDelete, "/fapi/v1/order", params, true)
	if err != nil {
		if errors.Is(err, ErrUnknownOrder) {
			g.logger.Debug("cancel raced a terminal order",
				slog.String("symbol", symbol),
				slog.Int64("order_id", orderID))
			return nil
		}
		return fmt.Errorf("canceling order %d: %w", orderID, err)
	}
	return nil
}

// CancelAllOrders cancels every open order on the symbol.
func (g *Gateway) CancelAllOrders(ctx context.Context, symbol string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	if _, err := g.client.Do(ctx, http.MethodDelete, "/fapi/v1/allOpenOrders", params, true); err != nil {
		return fmt.Errorf("canceling all orders: %w", err)
	}
	return nil
}

// OpenOrders lists the symbol's open orders.
func (g *Gateway) OpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := g.client.Do(ctx, http.MethodGet, "/fapi/v1/openOrders", params, true)
	if err != nil {
		return nil, err
	}
	var wire []wireOrder
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("decoding open orders: %w", err)
	}
	orders := make([]Order, 0, len(wire))
	for _, w := range wire {
		orders = append(orders, w.toOrder())
	}
	return orders, nil
}

// ClosePosition flattens the symbol's position with a reduce-only market
// order. A flat position is a no-op, and a reduce-only rejection means the
// position vanished between the read and the order; both report AlreadyFlat.
func (g *Gateway) ClosePosition(ctx context.Context, symbol, clientOrderID string) (CloseResult, error) {
	pos, err := g.Position(ctx, symbol)
	if err != nil {
		return CloseResult{}, fmt.Errorf("reading position before close: %w", err)
	}
	if pos.Flat() {
		return CloseResult{AlreadyFlat: true}, nil
	}

	side := Sell
	qty := pos.Amount
	if qty < 0 {
		side = Buy
		qty = -qty
	}
	order, err := g.PlaceOrder(ctx, OrderRequest{
		Symbol:        symbol,
		Side:          side,
		Type:          Market,
		Quantity:      qty,
		ReduceOnly:    true,
		ClientOrderID: clientOrderID,
	})
	if err != nil {
		if errors.Is(err, ErrReduceOnlyRejected) {
			g.logger.Debug("close raced a vanished position", slog.String("symbol", symbol))
			return CloseResult{AlreadyFlat: true}, nil
		}
		return CloseResult{}, fmt.Errorf("closing position: %w", err)
	}
	return CloseResult{Closed: qty, Order: order}, nil
}

// Balances returns the account balance snapshot.
func (g *Gateway) Balances(ctx context.Context) ([]Balance, error) {
	body, err := g.client.Do(ctx, http.MethodGet, "/fapi/v2/balance", nil, true)
	if err != nil {
		return nil, err
	}
	var wire []struct {
		Asset            string   `json:"asset"`
		Balance          apiFloat `json:"balance"`
		AvailableBalance apiFloat `json:"availableBalance"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("decoding balances: %w", err)
	}
	balances := make([]Balance, 0, len(wire))
	for _, w := range wire {
		balances = append(balances, Balance{
			Asset:     w.Asset,
			Total:     float64(w.Balance),
			Available: float64(w.AvailableBalance),
		})
	}
	return balances, nil
}

// AvailableUSDT returns the account's free USDT margin, zero when the asset
// row is absent.
func (g *Gateway) AvailableUSDT(ctx context.Context) (float64, error) {
	balances, err := g.Balances(ctx)
	if err != nil {
		return 0, err
	}
	for _, b := range balances {
		if b.Asset == "USDT" {
			return b.Available, nil
		}
	}
	return 0, nil
}

// Income lists the symbol's income records since the given time.
func (g *Gateway) Income(ctx context.Context, symbol string, since time.Time) ([]Income, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("startTime", strconv.FormatInt(since.UnixMilli(), 10))
	params.Set("limit", "1000")
	body, err := g.client.Do(ctx, http.MethodGet, "/fapi/v1/income", params, true)
	if err != nil {
		return nil, err
	}
	var wire []struct {
		Symbol     string   `json:"symbol"`
		IncomeType string   `json:"incomeType"`
		Income     apiFloat `json:"income"`
		Asset      string   `json:"asset"`
		Time       int64    `json:"time"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("decoding income: %w", err)
	}
	records := make([]Income, 0, len(wire))
	for _, w := range wire {
		records = append(records, Income{
			Symbol: w.Symbol,
			Type:   w.IncomeType,
			Amount: float64(w.Income),
			Asset:  w.Asset,
			Time:   time.UnixMilli(w.Time),
		})
	}
	return records, nil
}

// SyncClock refreshes the underlying client's clock offset.
func (g *Gateway) SyncClock(ctx context.Context) error { return g.client.SyncClock(ctx) }
