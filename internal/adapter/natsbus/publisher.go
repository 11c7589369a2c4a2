package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/olyamironova/spot-exchange/internal/domain"
	"github.com/olyamironova/spot-exchange/internal/port"
	"go.uber.org/zap"
)

// SubjectPrefix is prepended to the instrument name, e.g. "trades.ltc_btc".
const SubjectPrefix = "trades."

// Conn is the part of *nats.Conn the publisher uses.
type Conn interface {
	Publish(subject string, data []byte) error
}

type TradeMessage struct {
	ID          string    `json:"id"`
	Instrument  string    `json:"instrument"`
	Price       string    `json:"price"`
	BaseAmount  int64     `json:"baseAmount"`
	QuoteAmount int64     `json:"quoteAmount"`
	BuyOrderID  string    `json:"buyOrderId"`
	SellOrderID string    `json:"sellOrderId"`
	TakerSide   string    `json:"takerSide"`
	CreatedAt   time.Time `json:"createdAt"`
}

type Publisher struct {
	conn Conn
}

var _ port.TradePublisher = (*Publisher)(nil)

// Connect dials NATS and keeps reconnecting for the life of the process.
func Connect(url string, log *zap.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("spot-exchange-engine"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats_disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats_reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats: connect %s: %w", url, err)
	}
	return nc, nil
}

func NewPublisher(conn Conn) *Publisher {
	return &Publisher{conn: conn}
}

func (p *Publisher) PublishTrade(ctx context.Context, t domain.Trade) error {
	data, err := json.Marshal(TradeMessage{
		ID:          t.ID,
		Instrument:  t.Instrument.String(),
		Price:       t.Price.StringFixed(domain.PriceScale),
		BaseAmount:  t.BaseAmount,
		QuoteAmount: t.QuoteAmount,
		BuyOrderID:  t.BuyOrderID,
		SellOrderID: t.SellOrderID,
		TakerSide:   string(t.TakerSide),
		CreatedAt:   t.CreatedAt,
	})
	if err != nil {
		return err
	}
	if err := p.conn.Publish(SubjectPrefix+t.Instrument.String(), data); err != nil {
		return fmt.Errorf("nats: publish trade %s: %w", t.ID, err)
	}
	return nil
}
