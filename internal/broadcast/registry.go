package broadcast

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/GoPolymarket/tradefeed/internal/model"
	"github.com/shopspring/decimal"
)

var (
	ErrUnknownEventType  = errors.New("broadcast: unknown event type")
	ErrReservedEventType = errors.New("broadcast: reserved event type")
	ErrInvalidPayload    = errors.New("broadcast: invalid payload")
)

// Validator checks a serialized payload against the shape of its event type.
type Validator func(payload json.RawMessage) error

// Registry maps event type tags to payload validators.
type Registry struct {
	mu         sync.RWMutex
	validators map[string]Validator
}

func NewRegistry() *Registry {
	return &Registry{validators: make(map[string]Validator)}
}

// DefaultRegistry knows the trade event types.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	tradeShape := Shape(validateTradeEvent)
	_ = r.Register(EventTradeExecuted, tradeShape)
	_ = r.Register(EventTradeUpdated, tradeShape)
	return r
}

func (r *Registry) Register(eventType string, v Validator) error {
	if eventType == EventPing || eventType == EventResumeGap {
		return fmt.Errorf("%w: %s", ErrReservedEventType, eventType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validators[eventType] = v
	return nil
}

func (r *Registry) Validate(eventType string, payload json.RawMessage) error {
	if eventType == EventPing || eventType == EventResumeGap {
		return fmt.Errorf("%w: %s", ErrReservedEventType, eventType)
	}
	r.mu.RLock()
	v, ok := r.validators[eventType]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEventType, eventType)
	}
	if v == nil {
		return nil
	}
	if err := v(payload); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, eventType, err)
	}
	return nil
}

// Shape builds a validator that decodes the payload strictly into T and then
// runs check on it.
func Shape[T any](check func(T) error) Validator {
	return func(payload json.RawMessage) error {
		var v T
		dec := json.NewDecoder(bytes.NewReader(payload))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&v); err != nil {
			return err
		}
		if check == nil {
			return nil
		}
		return check(v)
	}
}

func validateTradeEvent(e model.TradeEvent) error {
	if e.TradeID == "" || e.Symbol == "" || e.Exchange == "" {
		return errors.New("trade_id, exchange and symbol are required")
	}
	if e.Side != string(model.SideLong) && e.Side != string(model.SideShort) {
		return fmt.Errorf("side %q", e.Side)
	}
	for name, v := range map[string]string{
		"size": e.Size, "entry_price": e.EntryPrice, "exit_price": e.ExitPrice, "pnl": e.PnL,
	} {
		if _, err := decimal.NewFromString(v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	for name, v := range map[string]string{"entry_time": e.EntryTime, "exit_time": e.ExitTime} {
		if _, err := time.Parse(time.RFC3339, v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}
