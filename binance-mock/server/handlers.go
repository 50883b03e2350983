package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Handler serves the venue's REST surface over one State.
type Handler struct {
	state *State
}

// NewHandler wraps a State; a nil state gets a fresh empty venue.
func NewHandler(state *State) *Handler {
	if state == nil {
		state = NewState()
	}
	return &Handler{state: state}
}

// State exposes the venue book of record for seeding and assertions.
func (h *Handler) State() *State { return h.state }

// Mux routes every supported endpoint.
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/fapi/v1/time", h.handleTime)
	mux.HandleFunc("/fapi/v1/ticker/price", h.handleTickerPrice)
	mux.HandleFunc("/fapi/v1/depth", h.handleDepth)
	mux.HandleFunc("/fapi/v1/leverage", h.handleLeverage)
	mux.HandleFunc("/fapi/v1/order", h.handleOrder)
	mux.HandleFunc("/fapi/v1/allOpenOrders", h.handleCancelAll)
	mux.HandleFunc("/fapi/v1/openOrders", h.handleOpenOrders)
	mux.HandleFunc("/fapi/v2/positionRisk", h.handlePositionRisk)
	mux.HandleFunc("/fapi/v2/balance", h.handleBalance)
	mux.HandleFunc("/fapi/v1/income", h.handleIncome)
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeFault(w http.ResponseWriter, f Fault) {
	status := f.Status
	if status == 0 {
		status = http.StatusBadRequest
	}
	w.Header().Set("Content-Type", "application/json")
	if f.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(f.RetryAfter))
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"code": f.Code, "msg": f.Msg})
}

func methodNotAllowed(w http.ResponseWriter) {
	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
}

// failInjected pops a queued fault for the path and serves it.
func (h *Handler) failInjected(w http.ResponseWriter, r *http.Request) bool {
	f, ok := h.state.takeFailure(r.URL.Path)
	if !ok {
		return false
	}
	writeFault(w, f)
	return true
}

// signedParams authenticates a signed request: API key lookup, HMAC-SHA256
// signature over the sorted parameters minus the signature itself, and a
// timestamp within the recvWindow of the venue clock.
func (h *Handler) signedParams(r *http.Request) (url.Values, string, *Fault) {
	var raw string
	if r.Method == http.MethodPost {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, "", &Fault{Status: 400, Code: -1100, Msg: "Unreadable request body."}
		}
		raw = string(body)
	} else {
		raw = r.URL.RawQuery
	}
	values, err := url.ParseQuery(raw)
	if err != nil {
		return nil, "", &Fault{Status: 400, Code: -1100, Msg: "Illegal characters found in a parameter."}
	}

	apiKey := r.Header.Get("X-MBX-APIKEY")
	secret, ok := h.state.credentials(apiKey)
	if !ok {
		return nil, "", faultUnknownAccount()
	}

	signature := values.Get("signature")
	values.Del("signature")
	if !validSignature(secret, values.Encode(), signature) {
		return nil, "", &Fault{Status: 400, Code: -1022, Msg: "Signature for this request is not valid."}
	}

	ts, err := strconv.ParseInt(values.Get("timestamp"), 10, 64)
	if err != nil {
		return nil, "", &Fault{Status: 400, Code: -1102, Msg: "Mandatory parameter 'timestamp' was not sent, was empty/null, or malformed."}
	}
	recvWindow := int64(5000)
	if rw := values.Get("recvWindow"); rw != "" {
		if v, err := strconv.ParseInt(rw, 10, 64); err == nil && v > 0 {
			recvWindow = v
		}
	}
	now := h.state.ServerTime().UnixMilli()
	if ts > now+1000 || now-ts > recvWindow {
		return nil, "", &Fault{Status: 400, Code: -1021, Msg: "Timestamp for this request is outside of the recvWindow."}
	}
	return values, apiKey, nil
}

func validSignature(secret, payload, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func num(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

type wireOrder struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Status        string `json:"status"`
	OrigQty       string `json:"origQty"`
	Price         string `json:"price"`
	AvgPrice      string `json:"avgPrice"`
	ExecutedQty   string `json:"executedQty"`
	ReduceOnly    bool   `json:"reduceOnly"`
	PositionSide  string `json:"positionSide"`
	UpdateTime    int64  `json:"updateTime"`
}

func orderJSON(o OrderSnapshot) wireOrder {
	return wireOrder{
		OrderID:       o.ID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          o.Side,
		Type:          o.Type,
		Status:        o.Status,
		OrigQty:       num(o.Quantity),
		Price:         num(o.Price),
		AvgPrice:      num(o.AvgPrice),
		ExecutedQty:   num(o.Executed),
		ReduceOnly:    o.ReduceOnly,
		PositionSide:  "BOTH",
		UpdateTime:    o.UpdatedAt.UnixMilli(),
	}
}

func (h *Handler) handleTime(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if h.failInjected(w, r) {
		return
	}
	writeJSON(w, map[string]int64{"serverTime": h.state.ServerTime().UnixMilli()})
}

func (h *Handler) handleTickerPrice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if h.failInjected(w, r) {
		return
	}
	symbol := r.URL.Query().Get("symbol")
	price, fault := h.state.tickerPrice(symbol)
	if fault != nil {
		writeFault(w, *fault)
		return
	}
	writeJSON(w, map[string]string{"symbol": symbol, "price": num(price)})
}

func (h *Handler) handleDepth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if h.failInjected(w, r) {
		return
	}
	query := r.URL.Query()
	levels, err := strconv.Atoi(query.Get("limit"))
	if err != nil {
		levels = 5
	}
	bids, asks, fault := h.state.book(query.Get("symbol"), levels)
	if fault != nil {
		writeFault(w, *fault)
		return
	}
	side := func(rows [][2]float64) [][]string {
		out := make([][]string, 0, len(rows))
		for _, row := range rows {
			out = append(out, []string{num(row[0]), num(row[1])})
		}
		return out
	}
	writeJSON(w, map[string]any{
		"lastUpdateId": time.Now().UnixNano(),
		"bids":         side(bids),
		"asks":         side(asks),
	})
}

func (h *Handler) handleLeverage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if h.failInjected(w, r) {
		return
	}
	values, apiKey, fault := h.signedParams(r)
	if fault != nil {
		writeFault(w, *fault)
		return
	}
	leverage, err := strconv.Atoi(values.Get("leverage"))
	if err != nil || leverage < 1 {
		writeFault(w, Fault{Status: 400, Code: -4028, Msg: "Leverage is not valid."})
		return
	}
	symbol := values.Get("symbol")
	if fault := h.state.setLeverage(apiKey, symbol, leverage); fault != nil {
		writeFault(w, *fault)
		return
	}
	writeJSON(w, map[string]any{
		"symbol":           symbol,
		"leverage":         leverage,
		"maxNotionalValue": "1000000",
	})
}

func (h *Handler) handleOrder(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.placeOrder(w, r)
	case http.MethodGet:
		h.queryOrder(w, r)
	case http.MethodDelete:
		h.cancelOrder(w, r)
	default:
		methodNotAllowed(w)
	}
}

func (h *Handler) placeOrder(w http.ResponseWriter, r *http.Request) {
	if h.failInjected(w, r) {
		return
	}
	values, apiKey, fault := h.signedParams(r)
	if fault != nil {
		writeFault(w, *fault)
		return
	}

	side := values.Get("side")
	if side != "BUY" && side != "SELL" {
		writeFault(w, Fault{Status: 400, Code: -1117, Msg: "Invalid side."})
		return
	}
	quantity, err := strconv.ParseFloat(values.Get("quantity"), 64)
	if err != nil {
		writeFault(w, Fault{Status: 400, Code: -1102, Msg: "Mandatory parameter 'quantity' was not sent, was empty/null, or malformed."})
		return
	}
	price := 0.0
	if raw := values.Get("price"); raw != "" {
		if price, err = strconv.ParseFloat(raw, 64); err != nil {
			writeFault(w, Fault{Status: 400, Code: -1100, Msg: "Illegal characters found in parameter 'price'."})
			return
		}
	}

	order, fault := h.state.placeOrder(apiKey, orderParams{
		symbol:        values.Get("symbol"),
		side:          side,
		orderType:     values.Get("type"),
		clientOrderID: values.Get("newClientOrderId"),
		quantity:      quantity,
		price:         price,
		reduceOnly:    values.Get("reduceOnly") == "true",
	})
	if fault != nil {
		writeFault(w, *fault)
		return
	}
	writeJSON(w, orderJSON(order))
}

func (h *Handler) queryOrder(w http.ResponseWriter, r *http.Request) {
	if h.failInjected(w, r) {
		return
	}
	values, apiKey, fault := h.signedParams(r)
	if fault != nil {
		writeFault(w, *fault)
		return
	}
	orderID, err := strconv.ParseInt(values.Get("orderId"), 10, 64)
	if err != nil {
		writeFault(w, Fault{Status: 400, Code: -1102, Msg: "Mandatory parameter 'orderId' was not sent, was empty/null, or malformed."})
		return
	}
	order, fault := h.state.queryOrder(apiKey, values.Get("symbol"), orderID)
	if fault != nil {
		writeFault(w, *fault)
		return
	}
	writeJSON(w, orderJSON(order))
}

func (h *Handler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	if h.failInjected(w, r) {
		return
	}
	values, apiKey, fault := h.signedParams(r)
	if fault != nil {
		writeFault(w, *fault)
		return
	}
	orderID, err := strconv.ParseInt(values.Get("orderId"), 10, 64)
	if err != nil {
		writeFault(w, Fault{Status: 400, Code: -1102, Msg: "Mandatory parameter 'orderId' was not sent, was empty/null, or malformed."})
		return
	}
	order, fault := h.state.cancelOrder(apiKey, values.Get("symbol"), orderID)
	if fault != nil {
		writeFault(w, *fault)
		return
	}
	writeJSON(w, orderJSON(order))
}

func (h *Handler) handleCancelAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}
	if h.failInjected(w, r) {
		return
	}
	values, apiKey, fault := h.signedParams(r)
	if fault != nil {
		writeFault(w, *fault)
		return
	}
	if fault := h.state.cancelAllOrders(apiKey, values.Get("symbol")); fault != nil {
		writeFault(w, *fault)
		return
	}
	writeJSON(w, map[string]any{
		"code": 200,
		"msg":  "The operation of cancel all open order is done.",
	})
}

func (h *Handler) handleOpenOrders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if h.failInjected(w, r) {
		return
	}
	values, apiKey, fault := h.signedParams(r)
	if fault != nil {
		writeFault(w, *fault)
		return
	}
	orders, fault := h.state.openOrders(apiKey, values.Get("symbol"))
	if fault != nil {
		writeFault(w, *fault)
		return
	}
	out := make([]wireOrder, 0, len(orders))
	for _, o := range orders {
		out = append(out, orderJSON(o))
	}
	writeJSON(w, out)
}

func (h *Handler) handlePositionRisk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if h.failInjected(w, r) {
		return
	}
	values, apiKey, fault := h.signedParams(r)
	if fault != nil {
		writeFault(w, *fault)
		return
	}
	views, fault := h.state.positionRisk(apiKey, values.Get("symbol"))
	if fault != nil {
		writeFault(w, *fault)
		return
	}
	type wirePosition struct {
		Symbol           string `json:"symbol"`
		PositionAmt      string `json:"positionAmt"`
		EntryPrice       string `json:"entryPrice"`
		UnRealizedProfit string `json:"unRealizedProfit"`
		Leverage         string `json:"leverage"`
		PositionSide     string `json:"positionSide"`
	}
	out := make([]wirePosition, 0, len(views))
	for _, v := range views {
		out = append(out, wirePosition{
			Symbol:           v.symbol,
			PositionAmt:      num(v.amount),
			EntryPrice:       num(v.entryPrice),
			UnRealizedProfit: num(v.unrealizedPnL),
			Leverage:         strconv.Itoa(v.leverage),
			PositionSide:     "BOTH",
		})
	}
	writeJSON(w, out)
}

func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if h.failInjected(w, r) {
		return
	}
	_, apiKey, fault := h.signedParams(r)
	if fault != nil {
		writeFault(w, *fault)
		return
	}
	rows, fault := h.state.balanceRows(apiKey)
	if fault != nil {
		writeFault(w, *fault)
		return
	}
	type wireBalance struct {
		Asset            string `json:"asset"`
		Balance          string `json:"balance"`
		AvailableBalance string `json:"availableBalance"`
	}
	out := make([]wireBalance, 0, len(rows))
	for _, row := range rows {
		out = append(out, wireBalance{
			Asset:            row.asset,
			Balance:          num(row.total),
			AvailableBalance: num(row.available),
		})
	}
	writeJSON(w, out)
}

func (h *Handler) handleIncome(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if h.failInjected(w, r) {
		return
	}
	values, apiKey, fault := h.signedParams(r)
	if fault != nil {
		writeFault(w, *fault)
		return
	}
	since := time.UnixMilli(0)
	if raw := values.Get("startTime"); raw != "" {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			since = time.UnixMilli(ms)
		}
	}
	rows, fault := h.state.incomeSince(apiKey, values.Get("symbol"), since)
	if fault != nil {
		writeFault(w, *fault)
		return
	}
	type wireIncome struct {
		Symbol     string `json:"symbol"`
		IncomeType string `json:"incomeType"`
		Income     string `json:"income"`
		Asset      string `json:"asset"`
		Time       int64  `json:"time"`
	}
	out := make([]wireIncome, 0, len(rows))
	for _, row := range rows {
		out = append(out, wireIncome{
			Symbol:     row.Symbol,
			IncomeType: row.Type,
			Income:     num(row.Amount),
			Asset:      row.Asset,
			Time:       row.Time.UnixMilli(),
		})
	}
	writeJSON(w, out)
}
