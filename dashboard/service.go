// Package dashboard binds the launchpad dashboard's reads and writes to a
// querysync engine: which keys each view uses, how fresh each one must be and
// what an investment patches and invalidates.
package dashboard

import (
	"context"
	"fmt"
	"time"

	qs "github.com/unkn0wn-root/querysync"
	"github.com/unkn0wn-root/querysync/key"
)

// BlockInterval is the chain's block time; the height watcher polls at it.
const BlockInterval = 6 * time.Second

// Policies are the per-view freshness settings.
type Policies struct {
	Proposals   qs.Policy
	Proposal    qs.Policy
	Portfolio   qs.Policy
	Performance qs.Policy
	Chain       qs.Policy
}

// DefaultPolicies derives per-view policies from base. Market data changes
// slowly; the chain height changes every block.
func DefaultPolicies(base qs.Policy) Policies {
	proposals := base
	if proposals.StaleTime == 0 {
		proposals.StaleTime = 30 * time.Second
	}
	portfolio := base
	if portfolio.StaleTime == 0 {
		portfolio.StaleTime = 15 * time.Second
	}
	portfolio.RefetchOnFocus = true
	portfolio.RefetchOnReconnect = true

	performance := portfolio
	performance.StaleTime = 5 * time.Minute

	chain := base
	chain.StaleTime = BlockInterval
	chain.RefetchInterval = BlockInterval
	chain.RefetchOnReconnect = true
	chain.RetryLimit = -1 // the next tick is the retry

	return Policies{
		Proposals:   proposals,
		Proposal:    proposals,
		Portfolio:   portfolio,
		Performance: performance,
		Chain:       chain,
	}
}

type ServiceOptions struct {
	Policies *Policies // nil => DefaultPolicies(engine.DefaultPolicy())
	Logger   qs.Logger // nil => NopLogger
	Clock    func() time.Time
}

// Service is the dashboard's data layer.
type Service struct {
	eng  qs.Engine
	api  API
	keys Keys
	pol  Policies
	log  qs.Logger
	now  func() time.Time
}

func NewService(eng qs.Engine, api API, opts ServiceOptions) (*Service, error) {
	if eng == nil || api == nil {
		return nil, fmt.Errorf("dashboard: engine and api are required")
	}
	s := &Service{eng: eng, api: api, log: opts.Logger, now: opts.Clock}
	if opts.Policies != nil {
		s.pol = *opts.Policies
	} else {
		s.pol = DefaultPolicies(eng.DefaultPolicy())
	}
	if s.log == nil {
		s.log = qs.NopLogger{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

func (s *Service) Keys() Keys { return s.keys }

func (s *Service) Proposals(ctx context.Context, f ProposalFilter) (ProposalPage, error) {
	return qs.Query(ctx, s.eng, s.keys.ProposalList(f), s.fetchProposals(f), s.pol.Proposals)
}

func (s *Service) Proposal(ctx context.Context, id string) (Proposal, error) {
	return qs.Query(ctx, s.eng, s.keys.Proposal(id), s.fetchProposal(id), s.pol.Proposal)
}

func (s *Service) Portfolio(ctx context.Context, addr string) (Portfolio, error) {
	return qs.Query(ctx, s.eng, s.keys.Portfolio(addr), s.fetchPortfolio(addr), s.pol.Portfolio)
}

func (s *Service) Transactions(ctx context.Context, addr string) ([]Investment, error) {
	return qs.Query(ctx, s.eng, s.keys.PortfolioTransactions(addr), s.fetchTransactions(addr), s.pol.Portfolio)
}

func (s *Service) Performance(ctx context.Context, addr, window string) (Performance, error) {
	return qs.Query(ctx, s.eng, s.keys.PortfolioPerformance(addr, window), s.fetchPerformance(addr, window), s.pol.Performance)
}

func (s *Service) ChainHeight(ctx context.Context) (ChainState, error) {
	return qs.Query(ctx, s.eng, s.keys.ChainHeight(), s.api.GetChainState, s.pol.Chain)
}

// WatchChainHeight polls the chain height once per block while l is subscribed.
func (s *Service) WatchChainHeight(l func(ChainState, qs.Entry)) (unsubscribe func()) {
	return qs.Watch(s.eng, s.keys.ChainHeight(), s.api.GetChainState, s.pol.Chain, typed(l))
}

// WatchPortfolio keeps addr's summary current and refreshes it on focus and
// reconnect.
func (s *Service) WatchPortfolio(addr string, l func(Portfolio, qs.Entry)) (unsubscribe func()) {
	return qs.Watch(s.eng, s.keys.Portfolio(addr), s.fetchPortfolio(addr), s.pol.Portfolio, typed(l))
}

func (s *Service) WatchProposal(id string, l func(Proposal, qs.Entry)) (unsubscribe func()) {
	return qs.Watch(s.eng, s.keys.Proposal(id), s.fetchProposal(id), s.pol.Proposal, typed(l))
}

// PrefetchLanding warms what the landing page shows for addr: the active
// proposals, the portfolio summary and the chain height.
func (s *Service) PrefetchLanding(ctx context.Context, addr string) error {
	active := ProposalFilter{Status: StatusActive}
	reqs := []qs.Request{
		{Key: s.keys.ProposalList(active), Fetcher: qs.Erase(s.fetchProposals(active)), Policy: s.pol.Proposals},
		{Key: s.keys.ChainHeight(), Fetcher: qs.Erase(s.api.GetChainState), Policy: s.pol.Chain},
	}
	if addr != "" {
		reqs = append(reqs, qs.Request{Key: s.keys.Portfolio(addr), Fetcher: qs.Erase(s.fetchPortfolio(addr)), Policy: s.pol.Portfolio})
	}
	return s.eng.PrefetchAll(ctx, reqs...)
}

// RefreshPortfolio marks everything cached for addr stale.
func (s *Service) RefreshPortfolio(ctx context.Context, addr string) (int, error) {
	return s.eng.Invalidate(ctx, s.keys.Portfolio(addr), qs.InvalidateOptions{})
}

// Invest submits an investment. The cached proposal and portfolio show it
// immediately; on failure both are restored, on success the proposal,
// every proposal list and everything under the investor's portfolio are
// revalidated.
func (s *Service) Invest(ctx context.Context, req InvestRequest) (InvestReceipt, error) {
	pk, fk := s.keys.Proposal(req.ProposalID), s.keys.Portfolio(req.Investor)
	proposal, known := s.cachedProposal(pk)

	var patches []qs.Patch
	if known {
		patches = append(patches, qs.Patch{Key: pk, Update: raiseFunding(req.Amount, proposal.SharesFor(req.Amount))})
	}
	if en, ok := s.eng.Store().Get(fk); ok && en.HasValue() {
		patches = append(patches, qs.Patch{Key: fk, Update: addInvestment(req, proposal.SharesFor(req.Amount), s.now())})
	}

	v, err := s.eng.Mutate(ctx, qs.Mutation{
		Name:     "invest",
		Affected: []key.Key{pk, s.keys.ProposalLists(), fk},
		Patches:  patches,
		Validate: func() error { return validateInvestment(req, proposal, known, s.now()) },
		Write: func(ctx context.Context) (any, error) {
			return s.api.Invest(ctx, req)
		},
	})
	if err != nil {
		return InvestReceipt{}, err
	}
	rc, _ := v.(InvestReceipt)
	s.log.Info("investment submitted", qs.Fields{"proposal": req.ProposalID, "amount": req.Amount, "tx": rc.TxHash})
	return rc, nil
}

func (s *Service) cachedProposal(k key.Key) (Proposal, bool) {
	en, ok := s.eng.Store().Get(k)
	if !ok {
		return Proposal{}, false
	}
	return qs.Value[Proposal](en)
}

// validateInvestment mirrors the launchpad's own checks so obviously invalid
// investments fail before anything is shown as pending. Checks that need the
// proposal are skipped when it is not cached.
func validateInvestment(req InvestRequest, p Proposal, known bool, now time.Time) error {
	switch {
	case req.ProposalID == "":
		return qs.Invalid("proposal_id", "required")
	case req.Investor == "":
		return qs.Invalid("investor", "required")
	case req.Amount == 0:
		return qs.Invalid("amount", "must be positive")
	}
	if !known {
		return nil
	}
	switch {
	case p.Status != StatusActive:
		return qs.Invalid("proposal_id", fmt.Sprintf("proposal is %s, not active", p.Status))
	case !p.FundingDeadline.IsZero() && now.After(p.FundingDeadline):
		return qs.Invalid("proposal_id", "funding deadline has passed")
	case req.Amount < p.MinimumInvestment:
		return qs.Invalid("amount", fmt.Sprintf("below minimum investment of %d", p.MinimumInvestment))
	case p.TokenPrice > 0 && p.SharesSold+p.SharesFor(req.Amount) > p.TotalShares:
		return qs.Invalid("amount", "exceeds available shares")
	}
	return nil
}

func raiseFunding(amount, shares uint64) qs.Updater {
	return func(prev any) any {
		p, ok := prev.(Proposal)
		if !ok {
			return prev
		}
		p.RaisedAmount += amount
		p.SharesSold += shares
		p.InvestorCount++
		return p
	}
}

func addInvestment(req InvestRequest, shares uint64, at time.Time) qs.Updater {
	return func(prev any) any {
		pf, ok := prev.(Portfolio)
		if !ok {
			return prev
		}
		invs := make([]Investment, 0, len(pf.Investments)+1)
		invs = append(invs, pf.Investments...)
		pf.Investments = append(invs, Investment{
			ProposalID:  req.ProposalID,
			Investor:    req.Investor,
			Amount:      req.Amount,
			Shares:      shares,
			Timestamp:   at,
			Status:      InvestmentPending,
			Unconfirmed: true,
		})
		pf.TotalInvested += req.Amount
		pf.CurrentValue += req.Amount
		return pf
	}
}

func typed[T any](l func(T, qs.Entry)) func(T, bool, qs.Entry) {
	if l == nil {
		return nil
	}
	return func(v T, _ bool, en qs.Entry) { l(v, en) }
}

func (s *Service) fetchProposals(f ProposalFilter) func(context.Context) (ProposalPage, error) {
	return func(ctx context.Context) (ProposalPage, error) { return s.api.ListProposals(ctx, f) }
}

func (s *Service) fetchProposal(id string) func(context.Context) (Proposal, error) {
	return func(ctx context.Context) (Proposal, error) { return s.api.GetProposal(ctx, id) }
}

func (s *Service) fetchPortfolio(addr string) func(context.Context) (Portfolio, error) {
	return func(ctx context.Context) (Portfolio, error) { return s.api.GetPortfolio(ctx, addr) }
}

func (s *Service) fetchTransactions(addr string) func(context.Context) ([]Investment, error) {
	return func(ctx context.Context) ([]Investment, error) { return s.api.ListTransactions(ctx, addr) }
}

func (s *Service) fetchPerformance(addr, window string) func(context.Context) (Performance, error) {
	return func(ctx context.Context) (Performance, error) { return s.api.GetPerformance(ctx, addr, window) }
}
