// Package decision defines the decision-policy collaborator and the strict
// decoder that turns a policy's free-text reply into typed instructions.
package decision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/ashare-arena/settlement/internal/model"
)

var (
	// ErrDecisionTimeout is returned when a policy does not answer within
	// the caller's deadline.
	ErrDecisionTimeout = errors.New("decision: policy timed out")

	// ErrPolicy is returned when a policy call fails for any other reason.
	ErrPolicy = errors.New("decision: policy call failed")
)

// Request is the context handed to a policy for one trader.
type Request struct {
	Trader    model.Trader           `json:"trader"`
	Positions []model.Position       `json:"positions"`
	Quotes    map[string]model.Quote `json:"quotes"`
	Bars      map[string][]model.Bar `json:"bars,omitempty"`
	Names     map[string]string      `json:"names,omitempty"`
	Now       time.Time              `json:"now"`
}

// Result is a policy's answer. On a malformed reply Decide returns a Result
// holding the prompt and raw response alongside the error, so the audit
// keeps what the policy actually said.
type Result struct {
	Prompt       string
	RawResponse  string
	TokensUsed   int
	Reasoning    string
	Instructions []Instruction
}

// Policy decides what a trader should do next.
type Policy interface {
	Decide(ctx context.Context, req Request) (*Result, error)
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(ctx context.Context, req Request) (*Result, error)

func (f PolicyFunc) Decide(ctx context.Context, req Request) (*Result, error) {
	return f(ctx, req)
}

// HoldPolicy never trades.
type HoldPolicy struct{}

func (HoldPolicy) Decide(_ context.Context, req Request) (*Result, error) {
	return &Result{
		Prompt:    BuildPrompt(req),
		Reasoning: "hold",
	}, nil
}

// HTTPPolicy posts the prompt and decision context as JSON to an endpoint
// fronting a language model, then strictly decodes the model's reply.
//
// The endpoint answers with {"response": "<model text>", "tokens_used": n}.
type HTTPPolicy struct {
	url    string
	client *http.Client
}

// NewHTTPPolicy creates an HTTPPolicy. A nil client uses http.DefaultClient.
func NewHTTPPolicy(url string, client *http.Client) *HTTPPolicy {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPPolicy{url: url, client: client}
}

type httpRequest struct {
	TraderID string  `json:"trader_id"`
	Model    string  `json:"model"`
	Prompt   string  `json:"prompt"`
	Context  Request `json:"context"`
}

type httpResponse struct {
	Response   string `json:"response"`
	TokensUsed int    `json:"tokens_used"`
}

func (p *HTTPPolicy) Decide(ctx context.Context, req Request) (*Result, error) {
	prompt := BuildPrompt(req)
	result := &Result{Prompt: prompt}

	body, err := json.Marshal(httpRequest{
		TraderID: req.Trader.ID,
		Model:    req.Trader.ModelName,
		Prompt:   prompt,
		Context:  req,
	})
	if err != nil {
		return result, fmt.Errorf("%w: encode request: %v", ErrPolicy, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return result, fmt.Errorf("%w: %v", ErrPolicy, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return result, ErrDecisionTimeout
		}
		return result, fmt.Errorf("%w: %v", ErrPolicy, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return result, fmt.Errorf("%w: status %d: %s", ErrPolicy, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out httpResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return result, ErrDecisionTimeout
		}
		return result, fmt.Errorf("%w: decode response: %v", ErrPolicy, err)
	}
	result.RawResponse = out.Response
	result.TokensUsed = out.TokensUsed

	reply, err := Decode(out.Response)
	if err != nil {
		return result, err
	}
	result.Reasoning = reply.Reasoning
	result.Instructions = reply.Instructions
	return result, nil
}

// BuildPrompt renders the decision context as the text a model sees.
func BuildPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Time: %s\n", req.Now.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "Trader: %s (%s)\n", req.Trader.Name, req.Trader.ModelName)
	fmt.Fprintf(&b, "Cash: %s  Total assets: %s  Initial: %s\n\n",
		req.Trader.Cash.StringFixed(2), req.Trader.TotalAssets.StringFixed(2), req.Trader.InitialCash.StringFixed(2))

	b.WriteString("Positions:\n")
	if len(req.Positions) == 0 {
		b.WriteString("  (none)\n")
	}
	for _, p := range req.Positions {
		fmt.Fprintf(&b, "  %s %s qty=%d sellable=%d cost=%s price=%s pnl=%s\n",
			p.Security, req.Names[p.Security], p.Quantity, p.AvailableQuantity,
			p.AvgCost.StringFixed(2), p.CurrentPrice.StringFixed(2), p.Profit.StringFixed(2))
	}

	codes := make([]string, 0, len(req.Quotes))
	for code := range req.Quotes {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	b.WriteString("\nQuotes:\n")
	for _, code := range codes {
		q := req.Quotes[code]
		fmt.Fprintf(&b, "  %s %s price=%s open=%s high=%s low=%s prev_close=%s change=%s%%\n",
			code, req.Names[code], q.Price.StringFixed(2), q.Open.StringFixed(2), q.High.StringFixed(2),
			q.Low.StringFixed(2), q.YesterdayClose.StringFixed(2), q.ChangePct.StringFixed(2))
		if bars := req.Bars[code]; len(bars) > 0 {
			closes := make([]string, 0, len(bars))
			for _, bar := range bars {
				closes = append(closes, bar.Close.StringFixed(2))
			}
			fmt.Fprintf(&b, "    recent closes: %s\n", strings.Join(closes, " "))
		}
	}

	b.WriteString(`
Rules: quantities are multiples of 100 shares; shares bought today can be sold
from the next trading day; buys at the upper limit and sells at the lower limit
are rejected.

Reply with a single JSON object:
{"reasoning": "...", "actions": [{"action": "buy|sell", "stock_code": "600703",
"quantity": 100, "price_type": "market|limit", "price": 12.34, "reason": "..."}]}
`)
	return b.String()
}
