package kraken

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

const testSecret = "a2V5a2V5a2V5a2V5a2V5a2V5a2V5a2V5" // base64 of "keykeykeykeykeykeykeykey"

func newTestClient(t *testing.T, handler http.HandlerFunc) (*RESTClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewRESTClient(RESTOptions{
		BaseURL:   srv.URL,
		APIKey:    "test-key",
		APISecret: testSecret,
		Now:       func() time.Time { return time.Unix(1700000000, 0) },
		Nonce:     func() string { return "1700000000000" },
	})
	if err != nil {
		t.Fatalf("new rest client: %v", err)
	}
	return c, srv
}

func TestGetWebSocketsTokenSignsRequest(t *testing.T) {
	var gotKey, gotSign, gotBody string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/0/private/GetWebSocketsToken" {
			t.Errorf("path = %s", r.URL.Path)
		}
		gotKey = r.Header.Get("API-Key")
		gotSign = r.Header.Get("API-Sign")
		buf, _ := io.ReadAll(r.Body)
		gotBody = string(buf)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"error":[],"result":{"token":"ws-token-abc","expires":900}}`))
	})

	tok, err := c.GetWebSocketsToken(context.Background())
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if tok.Token != "ws-token-abc" {
		t.Fatalf("token = %q", tok.Token)
	}
	if tok.ExpiresIn != 900*time.Second {
		t.Fatalf("expires = %v", tok.ExpiresIn)
	}
	if gotKey != "test-key" {
		t.Fatalf("API-Key = %q", gotKey)
	}
	if _, err := base64.StdEncoding.DecodeString(gotSign); err != nil || gotSign == "" {
		t.Fatalf("API-Sign not base64: %q", gotSign)
	}
	form, err := url.ParseQuery(gotBody)
	if err != nil {
		t.Fatalf("body parse: %v", err)
	}
	if form.Get("nonce") != "1700000000000" {
		t.Fatalf("nonce = %q", form.Get("nonce"))
	}
	if strings.Contains(gotBody, testSecret) {
		t.Fatal("secret leaked in request body")
	}
}

func TestSignIsDeterministic(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	form := url.Values{}
	form.Set("nonce", "42")
	a, err := c.sign("/0/private/Balance", "42", form)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	b, err := c.sign("/0/private/Balance", "42", form)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if a != b {
		t.Fatalf("same inputs signed differently")
	}
	other, err := c.sign("/0/private/OpenOrders", "42", form)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if other == a {
		t.Fatal("path change did not change signature")
	}
}

func TestRESTErrorSurfacesVenueMessage(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"error":["EAPI:Invalid key"],"result":null}`))
	})
	_, err := c.Balance(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "EAPI:Invalid key") {
		t.Fatalf("error = %v", err)
	}
}

func TestOpenOrdersDecode(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"error":[],"result":{"open":{
			"OABC-123":{"status":"open","opentm":1700000100.5,"vol":"1.5","vol_exec":"0.5",
				"cl_ord_id":"abcdef123456789012",
				"descr":{"pair":"SOLUSD","type":"sell","ordertype":"stop-loss-limit","price":"140.25","price2":"140.10"}}
		}}}`))
	})
	orders, err := c.OpenOrders(context.Background())
	if err != nil {
		t.Fatalf("open orders: %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("orders = %d", len(orders))
	}
	o := orders[0]
	if o.ExchangeOrderID != "OABC-123" || o.Pair != "SOLUSD" || o.Side != "sell" {
		t.Fatalf("order = %+v", o)
	}
	if o.Price.String() != "140.25" || o.VolumeExecuted.String() != "0.5" {
		t.Fatalf("order values = %+v", o)
	}
	if o.ClOrdID != "abcdef123456789012" {
		t.Fatalf("cl_ord_id = %q", o.ClOrdID)
	}
}

func TestAssetPairDecode(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"error":[],"result":{"SOLUSD":{"pair_decimals":2,"lot_decimals":8,"ordermin":"0.25","costmin":"0.5"}}}`))
	})
	info, err := c.AssetPair(context.Background(), "SOLUSD")
	if err != nil {
		t.Fatalf("asset pair: %v", err)
	}
	if info.PairDecimals != 2 || info.LotDecimals != 8 {
		t.Fatalf("info = %+v", info)
	}
	if info.OrderMin.String() != "0.25" {
		t.Fatalf("ordermin = %s", info.OrderMin)
	}
}
