package traffic

import (
	"context"
	"errors"

	"winston-vpn/internal/models"
	"winston-vpn/internal/vpnerr"
	"winston-vpn/internal/xui"
)

type Outcome int

const (
	Found Outcome = iota
	NotFound
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Found:
		return "found"
	case NotFound:
		return "not_found"
	}
	return "error"
}

type StrategyResult struct {
	Outcome Outcome
	Used    int64
	Err     error
}

// Panel is the part of the panel client the reconciler reads from.
type Panel interface {
	GetInbound(ctx context.Context, sess *xui.Session, inboundID int) (*xui.Inbound, error)
	ClientTrafficByEmail(ctx context.Context, sess *xui.Session, email string) (xui.Traffic, error)
	ClientTrafficByID(ctx context.Context, sess *xui.Session, clientID string) (xui.Traffic, error)
}

type Strategy struct {
	Name   string
	Lookup func(ctx context.Context, sess *xui.Session, acc *models.VpnAccount) StrategyResult
}

const (
	SourceByIdentity   = "by_identity"
	SourceByClientID   = "by_client_id"
	SourceInboundStats = "inbound_stats"
	SourceKeepStored   = "keep_stored"
)

// DefaultStrategies queries the per-client endpoints first and falls back
// to the inbound's embedded stats.
func DefaultStrategies(p Panel) []Strategy {
	return []Strategy{
		{
			Name: SourceByIdentity,
			Lookup: func(ctx context.Context, sess *xui.Session, acc *models.VpnAccount) StrategyResult {
				t, err := p.ClientTrafficByEmail(ctx, sess, acc.Email)
				return fromLookup(t, err)
			},
		},
		{
			Name: SourceByClientID,
			Lookup: func(ctx context.Context, sess *xui.Session, acc *models.VpnAccount) StrategyResult {
				t, err := p.ClientTrafficByID(ctx, sess, acc.ClientID)
				return fromLookup(t, err)
			},
		},
		{
			Name: SourceInboundStats,
			Lookup: func(ctx context.Context, sess *xui.Session, acc *models.VpnAccount) StrategyResult {
				in, err := p.GetInbound(ctx, sess, acc.InboundID)
				if err != nil {
					return fromLookup(xui.Traffic{}, err)
				}
				t, ok := in.StatByEmail(acc.Email)
				if !ok {
					return StrategyResult{Outcome: NotFound}
				}
				return StrategyResult{Outcome: Found, Used: t.Used()}
			},
		},
	}
}

func fromLookup(t xui.Traffic, err error) StrategyResult {
	var nf *vpnerr.NotFoundError
	switch {
	case err == nil:
		return StrategyResult{Outcome: Found, Used: t.Used()}
	case errors.Is(err, xui.ErrClientNotFound), errors.As(err, &nf):
		return StrategyResult{Outcome: NotFound}
	}
	return StrategyResult{Outcome: Failed, Err: err}
}
