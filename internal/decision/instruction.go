package decision

import (
	"encoding/json"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/ashare-arena/settlement/internal/model"
)

// Instruction is one parsed trading action: either Buy or Sell.
type Instruction interface {
	Direction() model.Direction
	Params() Params
}

// Params carries the fields shared by both instruction kinds.
type Params struct {
	Security   string
	Quantity   int64
	Type       model.OrderType
	LimitPrice *decimal.Decimal // set iff Type == model.Limit
	Reason     string
}

// Buy opens or adds to a position.
type Buy Params

// Sell reduces or closes a position.
type Sell Params

func (b Buy) Direction() model.Direction { return model.Buy }
func (b Buy) Params() Params             { return Params(b) }

func (s Sell) Direction() model.Direction { return model.Sell }
func (s Sell) Params() Params             { return Params(s) }

// wireAction is the JSON shape of one action, shared by the decoder and the
// audit encoding.
type wireAction struct {
	Action    string           `json:"action"`
	Security  string           `json:"stock_code"`
	Quantity  json.Number      `json:"quantity"`
	PriceType string           `json:"price_type,omitempty"`
	Price     *decimal.Decimal `json:"price,omitempty"`
	Reason    string           `json:"reason,omitempty"`
}

// Encode renders instructions in the reply schema, for audit storage.
func Encode(instructions []Instruction) json.RawMessage {
	actions := make([]wireAction, 0, len(instructions))
	for _, in := range instructions {
		p := in.Params()
		actions = append(actions, wireAction{
			Action:    string(in.Direction()),
			Security:  p.Security,
			Quantity:  json.Number(strconv.FormatInt(p.Quantity, 10)),
			PriceType: string(p.Type),
			Price:     p.LimitPrice,
			Reason:    p.Reason,
		})
	}
	data, err := json.Marshal(actions)
	if err != nil {
		return json.RawMessage("[]")
	}
	return data
}
