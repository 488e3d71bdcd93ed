package decision_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ashare-arena/settlement/internal/decision"
	"github.com/ashare-arena/settlement/internal/model"
)

func testRequest() decision.Request {
	return decision.Request{
		Trader: model.Trader{
			ID:          "t1",
			Name:        "alpha",
			ModelName:   "gpt-test",
			Cash:        decimal.NewFromInt(100000),
			TotalAssets: decimal.NewFromInt(100000),
			InitialCash: decimal.NewFromInt(100000),
		},
		Quotes: map[string]model.Quote{
			"600703": {Security: "600703", Price: decimal.RequireFromString("12.34"), YesterdayClose: decimal.RequireFromString("12")},
		},
		Names: map[string]string{"600703": "三安光电"},
		Now:   time.Date(2025, 6, 16, 10, 0, 0, 0, time.UTC),
	}
}

func TestHTTPPolicy_Decide(t *testing.T) {
	var got struct {
		TraderID string `json:"trader_id"`
		Model    string `json:"model"`
		Prompt   string `json:"prompt"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"response":    "```json\n{\"reasoning\": \"buy the dip\", \"actions\": [{\"action\": \"buy\", \"stock_code\": \"600703\", \"quantity\": 100}]}\n```",
			"tokens_used": 321,
		})
	}))
	defer srv.Close()

	p := decision.NewHTTPPolicy(srv.URL, srv.Client())
	res, err := p.Decide(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}

	if got.TraderID != "t1" || got.Model != "gpt-test" {
		t.Errorf("request identity = %q/%q", got.TraderID, got.Model)
	}
	if !strings.Contains(got.Prompt, "600703 三安光电 price=12.34") {
		t.Errorf("prompt missing quote line:\n%s", got.Prompt)
	}
	if res.TokensUsed != 321 {
		t.Errorf("tokens = %d, want 321", res.TokensUsed)
	}
	if res.Reasoning != "buy the dip" || len(res.Instructions) != 1 {
		t.Errorf("unexpected result: %+v", res)
	}
	if _, ok := res.Instructions[0].(decision.Buy); !ok {
		t.Errorf("instruction is %T, want Buy", res.Instructions[0])
	}
}

func TestHTTPPolicy_MalformedReplyKeepsRawResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"response": "I would rather not say."})
	}))
	defer srv.Close()

	res, err := decision.NewHTTPPolicy(srv.URL, srv.Client()).Decide(context.Background(), testRequest())
	if !errors.Is(err, decision.ErrMalformedReply) {
		t.Fatalf("got %v, want ErrMalformedReply", err)
	}
	if res == nil || res.RawResponse != "I would rather not say." {
		t.Errorf("raw response not kept: %+v", res)
	}
	if len(res.Instructions) != 0 {
		t.Error("malformed reply must yield zero instructions")
	}
}

func TestHTTPPolicy_Non200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := decision.NewHTTPPolicy(srv.URL, srv.Client()).Decide(context.Background(), testRequest())
	if !errors.Is(err, decision.ErrPolicy) {
		t.Fatalf("got %v, want ErrPolicy", err)
	}
}

func TestHTTPPolicy_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := decision.NewHTTPPolicy(srv.URL, srv.Client()).Decide(ctx, testRequest())
	if !errors.Is(err, decision.ErrDecisionTimeout) {
		t.Fatalf("got %v, want ErrDecisionTimeout", err)
	}
}

func TestHoldPolicy(t *testing.T) {
	res, err := decision.HoldPolicy{}.Decide(context.Background(), testRequest())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Instructions) != 0 {
		t.Error("hold policy must not trade")
	}
	if !strings.Contains(res.Prompt, "Trader: alpha (gpt-test)") {
		t.Errorf("prompt = %q", res.Prompt)
	}
}
