package dashboard

import "github.com/unkn0wn-root/querysync/key"

const (
	NamespaceProposals = "proposals"
	NamespacePortfolio = "portfolio"
	NamespaceChain     = "chain"
)

// Keys builds every cache key the dashboard reads or invalidates. The layout
// puts everything derived from one address under ["portfolio", addr], so a
// single invalidation of that prefix refreshes the summary, the transaction
// list and every performance window.
//
//	["proposals", "list", filter]
//	["proposals", "detail", id]
//	["portfolio", addr]
//	["portfolio", addr, "transactions"]
//	["portfolio", addr, "performance", window]
//	["chain", "height"]
type Keys struct{}

func (Keys) Proposals() key.Key     { return key.MustMake(NamespaceProposals) }
func (Keys) ProposalLists() key.Key { return key.MustMake(NamespaceProposals, "list") }

func (Keys) ProposalList(f ProposalFilter) key.Key {
	return key.MustMake(NamespaceProposals, "list", f.normalized())
}

func (Keys) Proposal(id string) key.Key { return key.MustMake(NamespaceProposals, "detail", id) }

func (Keys) Portfolio(addr string) key.Key { return key.MustMake(NamespacePortfolio, addr) }

func (Keys) PortfolioTransactions(addr string) key.Key {
	return key.MustMake(NamespacePortfolio, addr, "transactions")
}

func (Keys) PortfolioPerformance(addr, window string) key.Key {
	return key.MustMake(NamespacePortfolio, addr, "performance", window)
}

func (Keys) ChainHeight() key.Key { return key.MustMake(NamespaceChain, "height") }

// IsPortfolioSummary reports whether k is ["portfolio", addr]. Persistence of
// the portfolio namespace uses it to keep only summaries.
func IsPortfolioSummary(k key.Key) bool {
	return k.Namespace() == NamespacePortfolio && k.Len() == 2
}
