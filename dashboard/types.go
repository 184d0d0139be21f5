package dashboard

import "time"

// Amounts are in the chain's base denomination (1 token = 1_000_000 units).

type ProposalStatus string

const (
	StatusActive    ProposalStatus = "active"
	StatusFunded    ProposalStatus = "funded"
	StatusCompleted ProposalStatus = "completed"
	StatusFailed    ProposalStatus = "failed"
	StatusCancelled ProposalStatus = "cancelled"
)

// Proposal is one asset raising funds on the launchpad.
type Proposal struct {
	ID                string         `json:"id" cbor:"id"`
	Creator           string         `json:"creator" cbor:"creator"`
	Name              string         `json:"name" cbor:"name"`
	Category          string         `json:"category" cbor:"category"`
	Location          string         `json:"location,omitempty" cbor:"location,omitempty"`
	Status            ProposalStatus `json:"status" cbor:"status"`
	TargetAmount      uint64         `json:"target_amount" cbor:"target_amount"`
	RaisedAmount      uint64         `json:"raised_amount" cbor:"raised_amount"`
	TokenPrice        uint64         `json:"token_price" cbor:"token_price"`
	TotalShares       uint64         `json:"total_shares" cbor:"total_shares"`
	SharesSold        uint64         `json:"shares_sold" cbor:"shares_sold"`
	MinimumInvestment uint64         `json:"minimum_investment" cbor:"minimum_investment"`
	InvestorCount     uint64         `json:"investor_count" cbor:"investor_count"`
	ExpectedAPY       string         `json:"expected_apy,omitempty" cbor:"expected_apy,omitempty"`
	FundingDeadline   time.Time      `json:"funding_deadline" cbor:"funding_deadline"`
}

// SharesFor is how many shares amount buys at the proposal's token price.
func (p Proposal) SharesFor(amount uint64) uint64 {
	if p.TokenPrice == 0 {
		return 0
	}
	return amount / p.TokenPrice
}

// ProposalFilter selects a page of proposals. It is part of the list's cache
// key, so equal filters share one entry.
type ProposalFilter struct {
	Status     ProposalStatus `json:"status,omitempty" cbor:"status,omitempty"`
	Creator    string         `json:"creator,omitempty" cbor:"creator,omitempty"`
	StartAfter string         `json:"start_after,omitempty" cbor:"start_after,omitempty"`
	Limit      uint32         `json:"limit,omitempty" cbor:"limit,omitempty"`
}

const (
	DefaultPageLimit = 30
	MaxPageLimit     = 100
)

func (f ProposalFilter) normalized() ProposalFilter {
	switch {
	case f.Limit == 0:
		f.Limit = DefaultPageLimit
	case f.Limit > MaxPageLimit:
		f.Limit = MaxPageLimit
	}
	return f
}

type ProposalPage struct {
	Proposals  []Proposal `json:"proposals" cbor:"proposals"`
	TotalCount uint64     `json:"total_count" cbor:"total_count"`
}

type InvestmentStatus string

const (
	InvestmentPending   InvestmentStatus = "pending"
	InvestmentCompleted InvestmentStatus = "completed"
	InvestmentRefunded  InvestmentStatus = "refunded"
)

type Investment struct {
	ProposalID string           `json:"proposal_id" cbor:"proposal_id"`
	Investor   string           `json:"investor" cbor:"investor"`
	Amount     uint64           `json:"amount" cbor:"amount"`
	Shares     uint64           `json:"shares" cbor:"shares"`
	Timestamp  time.Time        `json:"timestamp" cbor:"timestamp"`
	Status     InvestmentStatus `json:"status" cbor:"status"`
	// Unconfirmed marks an optimistic entry whose write has not settled.
	Unconfirmed bool `json:"-" cbor:"-"`
}

// Portfolio is one address's holdings.
type Portfolio struct {
	Address       string       `json:"address" cbor:"address"`
	Investments   []Investment `json:"investments" cbor:"investments"`
	TotalInvested uint64       `json:"total_invested" cbor:"total_invested"`
	CurrentValue  uint64       `json:"current_value" cbor:"current_value"`
}

type PerformancePoint struct {
	At    time.Time `json:"at" cbor:"at"`
	Value uint64    `json:"value" cbor:"value"`
}

// Performance is the value history of a portfolio over one window ("1W", "1M", ...).
type Performance struct {
	Address   string             `json:"address" cbor:"address"`
	Window    string             `json:"window" cbor:"window"`
	Points    []PerformancePoint `json:"points" cbor:"points"`
	ReturnBps int64              `json:"return_bps" cbor:"return_bps"`
}

// ChainState is the latest block seen by the API.
type ChainState struct {
	Height uint64    `json:"height" cbor:"height"`
	Time   time.Time `json:"time" cbor:"time"`
}

type InvestRequest struct {
	ProposalID string `json:"proposal_id"`
	Investor   string `json:"investor"`
	Amount     uint64 `json:"amount"`
}

type InvestReceipt struct {
	TxHash string `json:"tx_hash"`
	Shares uint64 `json:"shares"`
	Height uint64 `json:"height"`
}
