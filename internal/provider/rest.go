package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"orderflow-bot/internal/market"
)

// RESTProvider talks to a Binance-style spot REST API
type RESTProvider struct {
	apiKey     string
	secretKey  string
	baseURL    string
	httpClient *http.Client
}

// NewRESTProvider creates a live venue client
func NewRESTProvider(apiKey, secretKey, baseURL string) *RESTProvider {
	return &RESTProvider{
		apiKey:     apiKey,
		secretKey:  secretKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// GetCandles fetches candlestick data
func (p *RESTProvider) GetCandles(ctx context.Context, instrument, timeframe string, count int) ([]market.Candle, error) {
	params := url.Values{}
	params.Set("symbol", instrument)
	params.Set("interval", timeframe)
	params.Set("limit", strconv.Itoa(count))

	body, err := p.get(ctx, "/api/v3/klines?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("error fetching klines: %w", err)
	}

	var rawKlines [][]interface{}
	if err := json.Unmarshal(body, &rawKlines); err != nil {
		return nil, fmt.Errorf("error parsing klines: %w", err)
	}

	candles := make([]market.Candle, len(rawKlines))
	for i, raw := range rawKlines {
		if len(raw) < 7 {
			return nil, fmt.Errorf("malformed kline row %d", i)
		}
		openTime, okOpen := raw[0].(float64)
		closeTime, okClose := raw[6].(float64)
		if !okOpen || !okClose {
			return nil, fmt.Errorf("malformed kline row %d", i)
		}
		candles[i] = market.Candle{
			OpenTime:  int64(openTime),
			Open:      parseFloat(raw[1]),
			High:      parseFloat(raw[2]),
			Low:       parseFloat(raw[3]),
			Close:     parseFloat(raw[4]),
			Volume:    parseFloat(raw[5]),
			CloseTime: int64(closeTime),
		}
	}
	return candles, nil
}

// GetCurrentPrice fetches the current price for an instrument
func (p *RESTProvider) GetCurrentPrice(ctx context.Context, instrument string) (float64, error) {
	body, err := p.get(ctx, "/api/v3/ticker/price?symbol="+url.QueryEscape(instrument))
	if err != nil {
		return 0, fmt.Errorf("error fetching price: %w", err)
	}

	var priceResp struct {
		Symbol string  `json:"symbol"`
		Price  float64 `json:"price,string"`
	}
	if err := json.Unmarshal(body, &priceResp); err != nil {
		return 0, fmt.Errorf("error parsing price: %w", err)
	}
	return priceResp.Price, nil
}

// orderResponse is the venue's order acknowledgement
type orderResponse struct {
	Symbol        string  `json:"symbol"`
	OrderId       int64   `json:"orderId"`
	ClientOrderId string  `json:"clientOrderId"`
	TransactTime  int64   `json:"transactTime"`
	Price         float64 `json:"price,string"`
	ExecutedQty   float64 `json:"executedQty,string"`
	Status        string  `json:"status"`
}

// PlaceOrder submits a market order with the client-side link ID
func (p *RESTProvider) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	params := map[string]string{
		"symbol":           req.Instrument,
		"side":             string(req.Side),
		"type":             "MARKET",
		"quantity":         strconv.FormatFloat(req.Size, 'f', -1, 64),
		"newClientOrderId": req.ClientOrderID,
		"timestamp":        strconv.FormatInt(time.Now().UnixMilli(), 10),
	}

	body, err := p.signedRequest(ctx, "POST", "/api/v3/order", params)
	if err != nil {
		return nil, fmt.Errorf("error placing order: %w", err)
	}

	var orderResp orderResponse
	if err := json.Unmarshal(body, &orderResp); err != nil {
		return nil, fmt.Errorf("error parsing order response: %w", err)
	}

	return &OrderResult{
		OrderID:       strconv.FormatInt(orderResp.OrderId, 10),
		ClientOrderID: orderResp.ClientOrderId,
		FillPrice:     orderResp.Price,
		FilledAt:      time.UnixMilli(orderResp.TransactTime),
	}, nil
}

// GetOrderStatus queries an order by venue ID or client-side link ID
func (p *RESTProvider) GetOrderStatus(ctx context.Context, orderID string) (*OrderStatus, error) {
	params := map[string]string{
		"timestamp": strconv.FormatInt(time.Now().UnixMilli(), 10),
	}
	if _, err := strconv.ParseInt(orderID, 10, 64); err == nil {
		params["orderId"] = orderID
	} else {
		params["origClientOrderId"] = orderID
	}

	body, err := p.signedRequest(ctx, "GET", "/api/v3/order", params)
	if err != nil {
		return nil, fmt.Errorf("error fetching order status: %w", err)
	}

	var orderResp orderResponse
	if err := json.Unmarshal(body, &orderResp); err != nil {
		return nil, fmt.Errorf("error parsing order status: %w", err)
	}

	return &OrderStatus{
		OrderID:       strconv.FormatInt(orderResp.OrderId, 10),
		ClientOrderID: orderResp.ClientOrderId,
		Status:        orderResp.Status,
		FillPrice:     orderResp.Price,
	}, nil
}

// GetBalance fetches the quote-asset free balance
func (p *RESTProvider) GetBalance(ctx context.Context) (float64, error) {
	params := map[string]string{
		"timestamp": strconv.FormatInt(time.Now().UnixMilli(), 10),
	}

	body, err := p.signedRequest(ctx, "GET", "/api/v3/account", params)
	if err != nil {
		return 0, fmt.Errorf("error fetching account: %w", err)
	}

	var account struct {
		Balances []struct {
			Asset string  `json:"asset"`
			Free  float64 `json:"free,string"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &account); err != nil {
		return 0, fmt.Errorf("error parsing account: %w", err)
	}

	for _, b := range account.Balances {
		if b.Asset == "USDT" {
			return b.Free, nil
		}
	}
	return 0, nil
}

func (p *RESTProvider) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", p.baseURL+path, nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error: %s", string(body))
	}
	return body, nil
}

func (p *RESTProvider) signedRequest(ctx context.Context, method, path string, params map[string]string) ([]byte, error) {
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}

	// The signature covers the exact query string sent; the venue recomputes
	// it over the same bytes
	query := values.Encode()
	query += "&signature=" + p.sign(query)

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.URL.RawQuery = query
	req.Header.Set("X-MBX-APIKEY", p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error: %s", string(body))
	}
	return body, nil
}

// sign authenticates the query string with HMAC-SHA256
func (p *RESTProvider) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(p.secretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

func parseFloat(val interface{}) float64 {
	switch v := val.(type) {
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	case float64:
		return v
	default:
		return 0
	}
}
