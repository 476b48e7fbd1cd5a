package routes

import "tokensale/storage/audit"

// Amounts travel as base-10 strings so they survive JSON without loss.

type WhitelistRequest struct {
	Signature string `json:"signature"`
}

type PurchaseRequest struct {
	Amount         string `json:"amount"`
	Signature      string `json:"signature,omitempty"`
	MaxBonusAmount string `json:"maxBonusAmount,omitempty"`
}

type PaymentRequest struct {
	Amount string `json:"amount"`
}

type RetrieveRequest struct {
	Amount string `json:"amount"`
}

type SaleResponse struct {
	Address          string `json:"address"`
	Operator         string `json:"operator"`
	Wallet           string `json:"wallet"`
	Price            string `json:"price"`
	Bonus            uint64 `json:"bonus"`
	Duration         int64  `json:"duration"`
	StartTime        int64  `json:"startTime"`
	EndTime          int64  `json:"endTime"`
	Status           string `json:"status"`
	Aborted          bool   `json:"aborted"`
	TotalRaised      string `json:"totalRaised"`
	TotalRetrieved   string `json:"totalRetrieved"`
	RetrievableFunds string `json:"retrievableFunds"`
}

type BuyerResponse struct {
	Address     string `json:"address"`
	Whitelisted bool   `json:"whitelisted"`
	Balance     string `json:"balance"`
	Contributed string `json:"contributed"`
	// Requests counts the signed gateway calls made by the buyer. It is
	// absent when the gateway runs without a request log.
	Requests *int64 `json:"requests,omitempty"`
}

type BonusResponse struct {
	Address        string `json:"address"`
	MaxBonusAmount string `json:"maxBonusAmount"`
	Remaining      string `json:"remaining"`
}

type AccountResponse struct {
	Address        string `json:"address"`
	PaymentBalance string `json:"paymentBalance"`
	TokenBalance   string `json:"tokenBalance"`
}

type WhitelistResponse struct {
	Buyer       string `json:"buyer"`
	Whitelisted bool   `json:"whitelisted"`
}

type PurchaseResponse struct {
	Buyer    string `json:"buyer"`
	Paid     string `json:"paid"`
	Credited string `json:"credited"`
	Balance  string `json:"balance"`
}

// SettlementResponse answers abort, refund, claim and retrieve.
type SettlementResponse struct {
	Caller string `json:"caller"`
	Status string `json:"status"`
	Amount string `json:"amount,omitempty"`
}

type EventsResponse struct {
	Events []audit.StoredEvent `json:"events"`
	Next   int64               `json:"next"`
}
