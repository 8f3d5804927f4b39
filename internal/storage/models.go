package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Result statuses.
const (
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// ResultRecord is one wallet's evaluation within a distribution round.
type ResultRecord struct {
	Round              int64
	Wallet             string
	Username           string
	Multiplier         decimal.Decimal
	NeedToBuy          decimal.Decimal
	CurrentBalance     decimal.Decimal
	Earned             decimal.Decimal
	SentToLP           decimal.Decimal
	NetTransferredToLP decimal.Decimal
	LPResidual         decimal.Decimal
	MembershipSpend    decimal.Decimal
	RetentionRatio     decimal.Decimal
	Minted             bool
	TransferCount      int
	Status             string
	Error              *string
	EvaluatedAt        time.Time
}

// RoundSummary aggregates the stored results of a round.
type RoundSummary struct {
	Round          int64
	Wallets        int64
	Failed         int64
	Penalized      int64
	MeanMultiplier decimal.Decimal
	TotalNeedToBuy decimal.Decimal
	LastEvaluated  time.Time
}
