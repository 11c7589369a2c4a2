package domain

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

type EntryKind string

const (
	KindOrder  EntryKind = "order"
	KindCancel EntryKind = "cancel"
)

// Entry is the intake queue wire record. New orders carry OrderID and a copy
// of the order fields; the stored order record stays authoritative. Cancels
// carry TargetOrderID.
type Entry struct {
	Kind          EntryKind        `json:"kind"`
	OrderID       string           `json:"orderId,omitempty"`
	Instrument    string           `json:"instrument,omitempty"`
	Side          Side             `json:"side,omitempty"`
	Price         *decimal.Decimal `json:"price,omitempty"`
	Amount        int64            `json:"amount,omitempty"`
	TargetOrderID string           `json:"targetOrderId,omitempty"`
	OwnerID       int64            `json:"ownerId"`
}

func NewOrderEntry(o *Order) Entry {
	price := o.Price
	return Entry{
		Kind:       KindOrder,
		OrderID:    o.ID,
		Instrument: o.Instrument.String(),
		Side:       o.Side,
		Price:      &price,
		Amount:     o.Amount,
		OwnerID:    o.OwnerID,
	}
}

func NewCancelEntry(orderID string, ownerID int64) Entry {
	return Entry{Kind: KindCancel, TargetOrderID: orderID, OwnerID: ownerID}
}

func (e Entry) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEntry parses and validates a queue payload. Every failure wraps
// ErrMalformedEntry.
func DecodeEntry(b []byte) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrMalformedEntry, err)
	}
	if e.OwnerID <= 0 {
		return Entry{}, fmt.Errorf("%w: missing ownerId", ErrMalformedEntry)
	}
	switch e.Kind {
	case KindOrder:
		if e.OrderID == "" {
			return Entry{}, fmt.Errorf("%w: missing orderId", ErrMalformedEntry)
		}
	case KindCancel:
		if e.TargetOrderID == "" {
			return Entry{}, fmt.Errorf("%w: missing targetOrderId", ErrMalformedEntry)
		}
	default:
		return Entry{}, fmt.Errorf("%w: unknown kind %q", ErrMalformedEntry, e.Kind)
	}
	return e, nil
}

// Delivery is an entry handed out by a queue and not yet acknowledged.
type Delivery struct {
	Payload []byte
}
