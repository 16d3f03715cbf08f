package cmd

import (
	"fmt"
	"time"

	"github.com/rustyeddy/nightguard/broker"
	"github.com/rustyeddy/nightguard/broker/oanda"
	"github.com/rustyeddy/nightguard/broker/sim"
	"github.com/rustyeddy/nightguard/clock"
	"github.com/rustyeddy/nightguard/config"
)

// gateway bundles what the runner needs from the configured broker.
type gateway struct {
	broker.Gateway
	loginer broker.Loginer
	clock   clock.Clock
}

func newGateway(cfg *config.Config) (*gateway, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	switch cfg.Broker.Type {
	case "sim":
		e := sim.NewEngine(clock.Real{Location: loc})
		return &gateway{Gateway: e, loginer: e, clock: clock.Real{Location: loc}}, nil
	case "oanda":
		base, err := oanda.BaseURL(cfg.Broker.Env)
		if err != nil {
			return nil, err
		}
		g := oanda.NewGateway(&oanda.Client{BaseURL: base, Token: cfg.Broker.Token}, cfg.Broker.AccountID, loc)
		return &gateway{Gateway: g, loginer: g, clock: broker.Clock{Gateway: g}}, nil
	default:
		return nil, fmt.Errorf("unknown broker type %q", cfg.Broker.Type)
	}
}

// parseDay returns midnight of a YYYY-MM-DD date in loc.
func parseDay(s string, loc *time.Location) (time.Time, error) {
	return time.ParseInLocation("2006-01-02", s, loc)
}
