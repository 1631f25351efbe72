package kraken

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

const DefaultRESTBaseURL = "https://api.kraken.com"

// RESTOptions configures the signed REST client. Zero values fall back to
// production defaults; Now and Nonce exist for tests.
type RESTOptions struct {
	BaseURL   string
	APIKey    string
	APISecret string
	Client    *resty.Client
	Now       func() time.Time
	Nonce     func() string
}

// RESTClient covers the few private endpoints the executor and janitor need:
// token issuance and exchange-truth queries. Trading itself goes over the
// WebSocket.
type RESTClient struct {
	base   string
	key    string
	secret string
	http   *resty.Client
	now    func() time.Time
	nonce  func() string
}

func NewRESTClient(opts RESTOptions) (*RESTClient, error) {
	if opts.APIKey == "" || opts.APISecret == "" {
		return nil, fmt.Errorf("kraken rest: api credentials missing")
	}
	if _, err := base64.StdEncoding.DecodeString(opts.APISecret); err != nil {
		return nil, fmt.Errorf("kraken rest: api secret is not base64: %w", err)
	}
	c := &RESTClient{
		base:   opts.BaseURL,
		key:    opts.APIKey,
		secret: opts.APISecret,
		http:   opts.Client,
		now:    opts.Now,
		nonce:  opts.Nonce,
	}
	if c.base == "" {
		c.base = DefaultRESTBaseURL
	}
	if c.http == nil {
		c.http = resty.New().SetTimeout(15 * time.Second)
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.nonce == nil {
		c.nonce = func() string {
			return strconv.FormatInt(time.Now().UnixNano()/int64(time.Millisecond), 10)
		}
	}
	return c, nil
}

type restEnvelope struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

// sign computes the API-Sign header: HMAC-SHA512 over path plus
// SHA256(nonce+postdata), keyed with the base64-decoded secret.
func (c *RESTClient) sign(path, nonce string, postData url.Values) (string, error) {
	secret, err := base64.StdEncoding.DecodeString(c.secret)
	if err != nil {
		return "", fmt.Errorf("kraken rest: decode secret: %w", err)
	}
	sha := sha256.Sum256([]byte(nonce + postData.Encode()))
	mac := hmac.New(sha512.New, secret)
	mac.Write([]byte(path))
	mac.Write(sha[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

func (c *RESTClient) private(ctx context.Context, path string, form url.Values) (json.RawMessage, error) {
	if form == nil {
		form = url.Values{}
	}
	nonce := c.nonce()
	form.Set("nonce", nonce)
	sig, err := c.sign(path, nonce, form)
	if err != nil {
		return nil, err
	}
	var env restEnvelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("API-Key", c.key).
		SetHeader("API-Sign", sig).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetBody(form.Encode()).
		SetResult(&env).
		Post(c.base + path)
	if err != nil {
		return nil, fmt.Errorf("kraken rest %s: %w", path, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("kraken rest %s: http %d", path, resp.StatusCode())
	}
	if len(env.Error) > 0 {
		return nil, fmt.Errorf("kraken rest %s: %s", path, env.Error[0])
	}
	return env.Result, nil
}

func (c *RESTClient) public(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	var env restEnvelope
	req := c.http.R().SetContext(ctx).SetResult(&env)
	if query != nil {
		req = req.SetQueryParamsFromValues(query)
	}
	resp, err := req.Get(c.base + path)
	if err != nil {
		return nil, fmt.Errorf("kraken rest %s: %w", path, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("kraken rest %s: http %d", path, resp.StatusCode())
	}
	if len(env.Error) > 0 {
		return nil, fmt.Errorf("kraken rest %s: %s", path, env.Error[0])
	}
	return env.Result, nil
}

// WebSocketsToken is the short-lived credential for the private stream.
type WebSocketsToken struct {
	Token     string
	ExpiresIn time.Duration
	IssuedAt  time.Time
}

func (c *RESTClient) GetWebSocketsToken(ctx context.Context) (WebSocketsToken, error) {
	raw, err := c.private(ctx, "/0/private/GetWebSocketsToken", nil)
	if err != nil {
		return WebSocketsToken{}, err
	}
	var body struct {
		Token   string `json:"token"`
		Expires int64  `json:"expires"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return WebSocketsToken{}, fmt.Errorf("kraken rest token decode: %w", err)
	}
	if body.Token == "" {
		return WebSocketsToken{}, fmt.Errorf("kraken rest token: empty token in response")
	}
	return WebSocketsToken{
		Token:     body.Token,
		ExpiresIn: time.Duration(body.Expires) * time.Second,
		IssuedAt:  c.now(),
	}, nil
}

// OpenOrder is one resting order from the OpenOrders snapshot.
type OpenOrder struct {
	ExchangeOrderID string
	Pair            string
	Side            string
	OrderType       string
	Price           decimal.Decimal
	Price2          decimal.Decimal
	Volume          decimal.Decimal
	VolumeExecuted  decimal.Decimal
	Status          string
	ClOrdID         string
	OpenedAt        time.Time
}

func (c *RESTClient) OpenOrders(ctx context.Context) ([]OpenOrder, error) {
	raw, err := c.private(ctx, "/0/private/OpenOrders", nil)
	if err != nil {
		return nil, err
	}
	var body struct {
		Open map[string]struct {
			Status  string          `json:"status"`
			OpenTm  float64         `json:"opentm"`
			Vol     decimal.Decimal `json:"vol"`
			VolExec decimal.Decimal `json:"vol_exec"`
			ClOrdID string          `json:"cl_ord_id"`
			Descr   struct {
				Pair      string          `json:"pair"`
				Type      string          `json:"type"`
				OrderType string          `json:"ordertype"`
				Price     decimal.Decimal `json:"price"`
				Price2    decimal.Decimal `json:"price2"`
			} `json:"descr"`
		} `json:"open"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("kraken rest open orders decode: %w", err)
	}
	out := make([]OpenOrder, 0, len(body.Open))
	for txid, o := range body.Open {
		sec, frac := int64(o.OpenTm), o.OpenTm-float64(int64(o.OpenTm))
		out = append(out, OpenOrder{
			ExchangeOrderID: txid,
			Pair:            o.Descr.Pair,
			Side:            o.Descr.Type,
			OrderType:       o.Descr.OrderType,
			Price:           o.Descr.Price,
			Price2:          o.Descr.Price2,
			Volume:          o.Vol,
			VolumeExecuted:  o.VolExec,
			Status:          o.Status,
			ClOrdID:         o.ClOrdID,
			OpenedAt:        time.Unix(sec, int64(frac*1e9)).UTC(),
		})
	}
	return out, nil
}

// QueryByClientID resolves exchange truth for one client order id. Found
// reports whether the venue knows the id at all.
func (c *RESTClient) QueryByClientID(ctx context.Context, clOrdID string) (order OpenOrder, found bool, err error) {
	form := url.Values{}
	form.Set("cl_ord_id", clOrdID)
	raw, err := c.private(ctx, "/0/private/QueryOrders", form)
	if err != nil {
		// Unknown ids come back as an error string, not an empty result.
		return OpenOrder{}, false, err
	}
	var body map[string]struct {
		Status  string          `json:"status"`
		OpenTm  float64         `json:"opentm"`
		Vol     decimal.Decimal `json:"vol"`
		VolExec decimal.Decimal `json:"vol_exec"`
		ClOrdID string          `json:"cl_ord_id"`
		Descr   struct {
			Pair      string          `json:"pair"`
			Type      string          `json:"type"`
			OrderType string          `json:"ordertype"`
			Price     decimal.Decimal `json:"price"`
			Price2    decimal.Decimal `json:"price2"`
		} `json:"descr"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return OpenOrder{}, false, fmt.Errorf("kraken rest query orders decode: %w", err)
	}
	for txid, o := range body {
		return OpenOrder{
			ExchangeOrderID: txid,
			Pair:            o.Descr.Pair,
			Side:            o.Descr.Type,
			OrderType:       o.Descr.OrderType,
			Price:           o.Descr.Price,
			Price2:          o.Descr.Price2,
			Volume:          o.Vol,
			VolumeExecuted:  o.VolExec,
			Status:          o.Status,
			ClOrdID:         o.ClOrdID,
		}, true, nil
	}
	return OpenOrder{}, false, nil
}

// CancelOrder cancels one resting order by its exchange transaction id.
func (c *RESTClient) CancelOrder(ctx context.Context, txid string) error {
	form := url.Values{}
	form.Set("txid", txid)
	_, err := c.private(ctx, "/0/private/CancelOrder", form)
	return err
}

func (c *RESTClient) Balance(ctx context.Context) (map[string]decimal.Decimal, error) {
	raw, err := c.private(ctx, "/0/private/Balance", nil)
	if err != nil {
		return nil, err
	}
	var body map[string]decimal.Decimal
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("kraken rest balance decode: %w", err)
	}
	return body, nil
}

// TickerLast returns the last trade price for one pair from the public
// ticker endpoint.
func (c *RESTClient) TickerLast(ctx context.Context, pair string) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("pair", pair)
	raw, err := c.public(ctx, "/0/public/Ticker", q)
	if err != nil {
		return decimal.Zero, err
	}
	var body map[string]struct {
		C []decimal.Decimal `json:"c"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return decimal.Zero, fmt.Errorf("kraken rest ticker decode: %w", err)
	}
	for _, t := range body {
		if len(t.C) == 0 {
			break
		}
		return t.C[0], nil
	}
	return decimal.Zero, fmt.Errorf("kraken rest ticker: no price for %s", pair)
}

// PairInfo is the quantization profile of one instrument.
type PairInfo struct {
	Symbol       string
	PairDecimals int32
	LotDecimals  int32
	OrderMin     decimal.Decimal
	CostMin      decimal.Decimal
}

func (c *RESTClient) AssetPair(ctx context.Context, pair string) (PairInfo, error) {
	q := url.Values{}
	q.Set("pair", pair)
	raw, err := c.public(ctx, "/0/public/AssetPairs", q)
	if err != nil {
		return PairInfo{}, err
	}
	var body map[string]struct {
		PairDecimals int32           `json:"pair_decimals"`
		LotDecimals  int32           `json:"lot_decimals"`
		OrderMin     decimal.Decimal `json:"ordermin"`
		CostMin      decimal.Decimal `json:"costmin"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return PairInfo{}, fmt.Errorf("kraken rest asset pairs decode: %w", err)
	}
	for _, p := range body {
		return PairInfo{
			Symbol:       pair,
			PairDecimals: p.PairDecimals,
			LotDecimals:  p.LotDecimals,
			OrderMin:     p.OrderMin,
			CostMin:      p.CostMin,
		}, nil
	}
	return PairInfo{}, fmt.Errorf("kraken rest asset pairs: unknown pair %s", pair)
}
