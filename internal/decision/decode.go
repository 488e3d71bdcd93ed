package decision

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/ashare-arena/settlement/internal/model"
)

// ErrMalformedReply is returned when a policy reply does not match the
// decision schema. The cycle then proceeds with zero actions.
var ErrMalformedReply = errors.New("decision: malformed reply")

const maxReasoningRunes = 200

var fenceRegex = regexp.MustCompile("(?i)```(?:json)?")

type wireReply struct {
	Reasoning *string       `json:"reasoning"`
	Actions   *[]wireAction `json:"actions"`
}

// Reply is a decoded policy reply.
type Reply struct {
	Reasoning    string
	Instructions []Instruction
}

// Decode strictly parses a free-text policy reply. Markdown fences and any
// prose around the outermost JSON object are discarded; unknown fields,
// missing reasoning/actions, or any malformed action reject the whole reply.
func Decode(raw string) (*Reply, error) {
	body := clean(raw)
	if body == "" {
		return nil, fmt.Errorf("%w: no JSON object found", ErrMalformedReply)
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(body)))
	dec.DisallowUnknownFields()
	dec.UseNumber()

	var wire wireReply
	if err := dec.Decode(&wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}
	if wire.Reasoning == nil {
		return nil, fmt.Errorf("%w: missing reasoning", ErrMalformedReply)
	}
	if wire.Actions == nil {
		return nil, fmt.Errorf("%w: missing actions", ErrMalformedReply)
	}

	reply := &Reply{Reasoning: truncate(strings.TrimSpace(*wire.Reasoning), maxReasoningRunes)}
	for i, a := range *wire.Actions {
		in, err := decodeAction(a)
		if err != nil {
			return nil, fmt.Errorf("%w: actions[%d]: %v", ErrMalformedReply, i, err)
		}
		reply.Instructions = append(reply.Instructions, in)
	}
	return reply, nil
}

func decodeAction(a wireAction) (Instruction, error) {
	if a.Security == "" {
		return nil, errors.New("missing stock_code")
	}
	if a.Quantity == "" {
		return nil, errors.New("missing quantity")
	}
	qty, err := a.Quantity.Int64()
	if err != nil {
		return nil, fmt.Errorf("quantity %q is not an integer", a.Quantity)
	}

	p := Params{
		Security: strings.TrimSpace(a.Security),
		Quantity: qty,
		Type:     model.Market,
		Reason:   strings.TrimSpace(a.Reason),
	}
	switch strings.ToLower(a.PriceType) {
	case "", string(model.Market):
		if a.Price != nil {
			return nil, errors.New("price given for a market order")
		}
	case string(model.Limit):
		if a.Price == nil {
			return nil, errors.New("limit order without price")
		}
		p.Type = model.Limit
		p.LimitPrice = a.Price
	default:
		return nil, fmt.Errorf("unknown price_type %q", a.PriceType)
	}

	switch model.Direction(strings.ToLower(a.Action)) {
	case model.Buy:
		return Buy(p), nil
	case model.Sell:
		return Sell(p), nil
	default:
		return nil, fmt.Errorf("unknown action %q", a.Action)
	}
}

func clean(raw string) string {
	s := strings.TrimSpace(fenceRegex.ReplaceAllString(raw, ""))
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return ""
	}
	return s[start : end+1]
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
