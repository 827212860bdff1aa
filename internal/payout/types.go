package payout

import "time"

type Investor struct {
	ID         string    `json:"id"`
	ReferrerID string    `json:"referrer_id,omitempty"`
	Blocked    bool      `json:"blocked"`
	CreatedAt  time.Time `json:"created_at"`
}

type Investment struct {
	ID         string           `json:"id"`
	InvestorID string           `json:"investor_id"`
	FundID     string           `json:"fund_id"`
	Principal  int64            `json:"principal"`
	Currency   Currency         `json:"currency"`
	Status     InvestmentStatus `json:"status"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

type investmentRef struct {
	FundID string `json:"fund_id"`
}

type Balance struct {
	Available      int64 `json:"available"`
	Reserved       int64 `json:"reserved"`
	TotalCredited  int64 `json:"total_credited"`
	TotalWithdrawn int64 `json:"total_withdrawn"`
}

type Wallet struct {
	InvestorID string               `json:"investor_id"`
	Balances   map[Currency]Balance `json:"balances"`
	UpdatedAt  time.Time            `json:"updated_at"`
}

type SnapshotEntry struct {
	InvestorID  string `json:"investor_id"`
	Weight      int64  `json:"weight"`
	TicketCount int64  `json:"ticket_count"`
}

type Snapshot struct {
	FundID       string          `json:"fund_id"`
	PeriodID     string          `json:"period_id"`
	Cutoff       time.Time       `json:"cutoff"`
	Entries      []SnapshotEntry `json:"entries"`
	TotalWeight  int64           `json:"total_weight"`
	TotalTickets int64           `json:"total_tickets"`
	Digest       string          `json:"digest"`
}

type snapshotChunk struct {
	FundID   string          `json:"fund_id"`
	PeriodID string          `json:"period_id"`
	Digest   string          `json:"digest"`
	Index    int             `json:"index"`
	Entries  []SnapshotEntry `json:"entries"`
}

type Period struct {
	FundID         string       `json:"fund_id"`
	PeriodID       string       `json:"period_id"`
	Status         PeriodStatus `json:"status"`
	Pool           int64        `json:"pool"`
	SnapshotDigest string       `json:"snapshot_digest,omitempty"`
	SnapshotChunks int          `json:"snapshot_chunks"`
	EligibleCount  int          `json:"eligible_count"`
	TotalWeight    int64        `json:"total_weight"`
	TotalTickets   int64        `json:"total_tickets"`
	CreditedCount  int          `json:"credited_count"`
	CreditedAmount int64        `json:"credited_amount"`
	ReserveAmount  int64        `json:"reserve_amount"`
	CreatedAt      time.Time    `json:"created_at"`
	StartedAt      *time.Time   `json:"started_at,omitempty"`
	ClosedAt       *time.Time   `json:"closed_at,omitempty"`
}

type periodCredit struct {
	InvestorID string    `json:"investor_id"`
	Amount     int64     `json:"amount"`
	CreditedAt time.Time `json:"credited_at"`
}

type DistributionResult struct {
	FundID         string       `json:"fund_id"`
	PeriodID       string       `json:"period_id"`
	Pool           int64        `json:"pool"`
	Status         PeriodStatus `json:"status"`
	EligibleCount  int          `json:"eligible_count"`
	CreditedCount  int          `json:"credited_count"`
	CreditedAmount int64        `json:"credited_amount"`
	ReserveAmount  int64        `json:"reserve_amount"`
}

type DrawResult struct {
	PeriodID        string             `json:"period_id"`
	WinnerID        string             `json:"winner_id"`
	TicketIndex     int64              `json:"ticket_index"`
	TotalTickets    int64              `json:"total_tickets"`
	Seed            string             `json:"seed"`
	SnapshotDigests map[string]string  `json:"snapshot_digests"`
	PrizeAmount     int64              `json:"prize_amount"`
	Prizes          map[Currency]int64 `json:"prizes,omitempty"`
	DrawnAt         time.Time          `json:"drawn_at"`
}

type CommissionCredit struct {
	ReferrerID   string    `json:"referrer_id"`
	ReferredID   string    `json:"referred_id"`
	Level        int       `json:"level"`
	Amount       int64     `json:"amount"`
	Currency     Currency  `json:"currency"`
	InvestmentID string    `json:"investment_id"`
	CreatedAt    time.Time `json:"created_at"`
}

type WithdrawalRequest struct {
	ID          string          `json:"id"`
	InvestorID  string          `json:"investor_id"`
	Currency    Currency        `json:"currency"`
	Amount      int64           `json:"amount"`
	Fee         int64           `json:"fee"`
	Destination string          `json:"destination"`
	State       WithdrawalState `json:"state"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

type PoolConfig struct {
	FundID   string    `json:"fund_id"`
	PeriodID string    `json:"period_id"`
	Pool     int64     `json:"pool"`
	SetAt    time.Time `json:"set_at"`
}
