package dashboard

import (
	"context"
	"net/url"
	"strconv"

	"github.com/unkn0wn-root/querysync/remote/httpsource"
)

// API is the remote side of the dashboard. Implementations return
// *querysync.RemoteError (or errors that classify correctly) on failure.
type API interface {
	ListProposals(ctx context.Context, f ProposalFilter) (ProposalPage, error)
	GetProposal(ctx context.Context, id string) (Proposal, error)
	GetPortfolio(ctx context.Context, addr string) (Portfolio, error)
	ListTransactions(ctx context.Context, addr string) ([]Investment, error)
	GetPerformance(ctx context.Context, addr, window string) (Performance, error)
	GetChainState(ctx context.Context) (ChainState, error)
	Invest(ctx context.Context, req InvestRequest) (InvestReceipt, error)
}

// HTTPAPI implements API over the launchpad's JSON gateway.
type HTTPAPI struct {
	c *httpsource.Client
}

var _ API = (*HTTPAPI)(nil)

func NewHTTPAPI(c *httpsource.Client) *HTTPAPI { return &HTTPAPI{c: c} }

func (a *HTTPAPI) ListProposals(ctx context.Context, f ProposalFilter) (ProposalPage, error) {
	f = f.normalized()
	q := url.Values{"limit": {strconv.FormatUint(uint64(f.Limit), 10)}}
	if f.Status != "" {
		q.Set("status", string(f.Status))
	}
	if f.Creator != "" {
		q.Set("creator", f.Creator)
	}
	if f.StartAfter != "" {
		q.Set("start_after", f.StartAfter)
	}
	return httpsource.Get[ProposalPage](ctx, a.c, "proposals", q)
}

func (a *HTTPAPI) GetProposal(ctx context.Context, id string) (Proposal, error) {
	return httpsource.Get[Proposal](ctx, a.c, "proposals/"+url.PathEscape(id), nil)
}

func (a *HTTPAPI) GetPortfolio(ctx context.Context, addr string) (Portfolio, error) {
	return httpsource.Get[Portfolio](ctx, a.c, "portfolio/"+url.PathEscape(addr), nil)
}

func (a *HTTPAPI) ListTransactions(ctx context.Context, addr string) ([]Investment, error) {
	return httpsource.Get[[]Investment](ctx, a.c, "portfolio/"+url.PathEscape(addr)+"/transactions", nil)
}

func (a *HTTPAPI) GetPerformance(ctx context.Context, addr, window string) (Performance, error) {
	q := url.Values{"window": {window}}
	return httpsource.Get[Performance](ctx, a.c, "portfolio/"+url.PathEscape(addr)+"/performance", q)
}

func (a *HTTPAPI) GetChainState(ctx context.Context) (ChainState, error) {
	return httpsource.Get[ChainState](ctx, a.c, "chain/height", nil)
}

func (a *HTTPAPI) Invest(ctx context.Context, req InvestRequest) (InvestReceipt, error) {
	return httpsource.Post[InvestReceipt](ctx, a.c, "investments", req)
}
