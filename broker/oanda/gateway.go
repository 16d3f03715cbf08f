package oanda

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rustyeddy/nightguard/broker"
	"github.com/shopspring/decimal"
)

const (
	requestIDHeader = "ClientRequestID"
	closedPageSize  = 500
)

type ctxKey struct{}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func requestID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok
}

// Gateway implements broker.Gateway for one OANDA account. Strategy ids are
// read from the trade's clientExtensions tag.
type Gateway struct {
	client    *Client
	accountID string
	location  *time.Location

	offset atomic.Int64 // broker clock minus host clock, nanoseconds
}

// NewGateway returns a gateway. loc is the broker's trading time zone and may
// be nil for UTC.
func NewGateway(c *Client, accountID string, loc *time.Location) *Gateway {
	if loc == nil {
		loc = time.UTC
	}
	return &Gateway{client: c, accountID: accountID, location: loc}
}

func (g *Gateway) path(format string, args ...any) string {
	return "/v3/accounts/" + url.PathEscape(g.accountID) + fmt.Sprintf(format, args...)
}

// Login checks the account is reachable and syncs the clock from the
// server's Date header.
func (g *Gateway) Login(ctx context.Context) error {
	if g.client.Token == "" {
		return fmt.Errorf("oanda: missing token")
	}
	if g.accountID == "" {
		return fmt.Errorf("oanda: missing account id")
	}

	sent := time.Now()
	hdr, err := g.client.do(ctx, http.MethodGet, g.path("/summary"), nil, nil, nil)
	if err != nil {
		return err
	}
	g.syncClock(hdr, sent, time.Now())
	return nil
}

func (g *Gateway) syncClock(hdr http.Header, sent, received time.Time) {
	if hdr == nil {
		return
	}
	server, err := http.ParseTime(hdr.Get("Date"))
	if err != nil {
		return
	}
	mid := sent.Add(received.Sub(sent) / 2)
	g.offset.Store(int64(server.Sub(mid).Truncate(time.Second)))
}

// Offset is the measured broker clock offset.
func (g *Gateway) Offset() time.Duration {
	return time.Duration(g.offset.Load())
}

func (g *Gateway) Now() time.Time {
	return time.Now().Add(g.Offset()).In(g.location)
}

type clientExtensions struct {
	ID      string `json:"id"`
	Tag     string `json:"tag"`
	Comment string `json:"comment"`
}

type trade struct {
	ID                string            `json:"id"`
	Instrument        string            `json:"instrument"`
	Price             decimal.Decimal   `json:"price"`
	OpenTime          time.Time         `json:"openTime"`
	State             string            `json:"state"`
	InitialUnits      decimal.Decimal   `json:"initialUnits"`
	CurrentUnits      decimal.Decimal   `json:"currentUnits"`
	UnrealizedPL      decimal.Decimal   `json:"unrealizedPL"`
	RealizedPL        decimal.Decimal   `json:"realizedPL"`
	Financing         decimal.Decimal   `json:"financing"`
	AverageClosePrice decimal.Decimal   `json:"averageClosePrice"`
	CloseTime         time.Time         `json:"closeTime"`
	ClientExtensions  *clientExtensions `json:"clientExtensions"`
}

func (t trade) strategy() (int64, string) {
	if t.ClientExtensions == nil {
		return 0, ""
	}
	id, _ := strconv.ParseInt(strings.TrimSpace(t.ClientExtensions.Tag), 10, 64)
	return id, t.ClientExtensions.Comment
}

func (g *Gateway) OpenPositions(ctx context.Context) ([]broker.Position, error) {
	var resp struct {
		Trades []trade `json:"trades"`
	}
	if _, err := g.client.do(ctx, http.MethodGet, g.path("/openTrades"), nil, nil, &resp); err != nil {
		return nil, err
	}

	out := make([]broker.Position, 0, len(resp.Trades))
	for _, t := range resp.Trades {
		strategy, comment := t.strategy()
		side := broker.Buy
		if t.CurrentUnits.IsNegative() {
			side = broker.Sell
		}
		out = append(out, broker.Position{
			ID:               t.ID,
			Symbol:           Symbol(t.Instrument),
			StrategyID:       strategy,
			Comment:          comment,
			Side:             side,
			Volume:           t.CurrentUnits.Abs(),
			EntryTime:        t.OpenTime.In(g.location),
			EntryPrice:       t.Price,
			UnrealizedProfit: t.UnrealizedPL,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// HistoricalDeals pages closed trades newest first and stops at the first
// page that reaches trades opened before from.
func (g *Gateway) HistoricalDeals(ctx context.Context, from, to time.Time) ([]broker.DealPair, error) {
	var out []broker.DealPair
	before := ""

	for {
		q := url.Values{}
		q.Set("state", "CLOSED")
		q.Set("count", strconv.Itoa(closedPageSize))
		if before != "" {
			q.Set("beforeID", before)
		}

		var resp struct {
			Trades []trade `json:"trades"`
		}
		if _, err := g.client.do(ctx, http.MethodGet, g.path("/trades"), q, nil, &resp); err != nil {
			return nil, err
		}

		older := false
		for _, t := range resp.Trades {
			if t.OpenTime.Before(from) {
				older = true
			}
			if t.CloseTime.IsZero() || t.CloseTime.Before(from) || t.CloseTime.After(to) {
				continue
			}
			strategy, comment := t.strategy()
			out = append(out, broker.DealPair{
				PositionID: t.ID,
				Symbol:     Symbol(t.Instrument),
				StrategyID: strategy,
				Comment:    comment,
				Volume:     t.InitialUnits,
				Entry: broker.Deal{
					Time:  t.OpenTime.In(g.location),
					Price: t.Price,
				},
				Exit: broker.Deal{
					Time:   t.CloseTime.In(g.location),
					Price:  t.AverageClosePrice,
					Profit: t.RealizedPL,
					Swap:   t.Financing,
				},
			})
		}

		if older || len(resp.Trades) < closedPageSize {
			break
		}
		before = resp.Trades[len(resp.Trades)-1].ID
	}

	sort.Slice(out, func(i, j int) bool { return out[i].PositionID < out[j].PositionID })
	return out, nil
}

func (g *Gateway) CurrentPrice(ctx context.Context, symbol string) (broker.Quote, error) {
	q := url.Values{}
	q.Set("instruments", Instrument(symbol))

	var resp struct {
		Prices []struct {
			Instrument string    `json:"instrument"`
			Time       time.Time `json:"time"`
			Bids       []struct {
				Price decimal.Decimal `json:"price"`
			} `json:"bids"`
			Asks []struct {
				Price decimal.Decimal `json:"price"`
			} `json:"asks"`
		} `json:"prices"`
	}
	if _, err := g.client.do(ctx, http.MethodGet, g.path("/pricing"), q, nil, &resp); err != nil {
		return broker.Quote{}, err
	}
	if len(resp.Prices) == 0 || len(resp.Prices[0].Bids) == 0 || len(resp.Prices[0].Asks) == 0 {
		return broker.Quote{}, fmt.Errorf("oanda: no price for %s", symbol)
	}

	p := resp.Prices[0]
	return broker.Quote{
		Symbol: Symbol(p.Instrument),
		Bid:    p.Bids[0].Price,
		Ask:    p.Asks[0].Price,
		Time:   p.Time.In(g.location),
	}, nil
}

// SubmitClose closes the whole trade at market. Each call carries a fresh
// request id for correlation with the broker's logs.
func (g *Gateway) SubmitClose(ctx context.Context, req broker.CloseRequest) (broker.CloseResult, error) {
	ctx = withRequestID(ctx, uuid.NewString())

	body := map[string]string{"units": "ALL"}
	if !req.Volume.IsZero() {
		body["units"] = req.Volume.Abs().String()
	}

	var resp struct {
		OrderFillTransaction *struct {
			Price decimal.Decimal `json:"price"`
			Time  time.Time       `json:"time"`
		} `json:"orderFillTransaction"`
		OrderCancelTransaction *struct {
			Reason string `json:"reason"`
		} `json:"orderCancelTransaction"`
	}
	if _, err := g.client.do(ctx, http.MethodPut, g.path("/trades/%s/close", url.PathEscape(req.PositionID)), nil, body, &resp); err != nil {
		return broker.CloseResult{}, err
	}

	if resp.OrderFillTransaction == nil {
		reason := "no fill"
		if resp.OrderCancelTransaction != nil {
			reason = resp.OrderCancelTransaction.Reason
		}
		return broker.CloseResult{}, &broker.RejectedError{Code: http.StatusOK, Message: reason}
	}

	return broker.CloseResult{
		PositionID: req.PositionID,
		Price:      resp.OrderFillTransaction.Price,
		Time:       resp.OrderFillTransaction.Time.In(g.location),
	}, nil
}

// Symbol converts an OANDA instrument (EUR_USD) to a terminal symbol (EURUSD).
func Symbol(instrument string) string {
	return strings.ReplaceAll(instrument, "_", "")
}

// Instrument converts a six-letter currency pair to OANDA form.
func Instrument(symbol string) string {
	if len(symbol) == 6 && !strings.Contains(symbol, "_") {
		return symbol[:3] + "_" + symbol[3:]
	}
	return symbol
}

var (
	_ broker.Gateway = (*Gateway)(nil)
	_ broker.Loginer = (*Gateway)(nil)
)
