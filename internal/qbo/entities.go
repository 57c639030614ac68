package qbo

import (
	"github.com/shopspring/decimal"
)

// Amount is a decimal that marshals as a bare JSON number, which is what the
// accounting API expects for money and quantities.
type Amount struct {
	decimal.Decimal
}

func NewAmount(d decimal.Decimal) Amount {
	return Amount{Decimal: d}
}

// AmountFromCents converts integer cents into a two-place decimal.
func AmountFromCents(cents int64) Amount {
	return Amount{Decimal: decimal.New(cents, -2)}
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.Decimal.StringFixed(2)), nil
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	return a.Decimal.UnmarshalJSON(data)
}

type Ref struct {
	Value string `json:"value"`
	Name  string `json:"name,omitempty"`
}

type EmailAddress struct {
	Address string `json:"Address"`
}

type Customer struct {
	ID               string        `json:"Id,omitempty"`
	SyncToken        string        `json:"SyncToken,omitempty"`
	DisplayName      string        `json:"DisplayName"`
	CompanyName      string        `json:"CompanyName,omitempty"`
	PrimaryEmailAddr *EmailAddress `json:"PrimaryEmailAddr,omitempty"`
	Active           *bool         `json:"Active,omitempty"`
}

type Item struct {
	ID               string `json:"Id,omitempty"`
	SyncToken        string `json:"SyncToken,omitempty"`
	Name             string `json:"Name"`
	Type             string `json:"Type,omitempty"`
	IncomeAccountRef *Ref   `json:"IncomeAccountRef,omitempty"`
}

type Account struct {
	ID             string `json:"Id,omitempty"`
	Name           string `json:"Name"`
	AccountType    string `json:"AccountType,omitempty"`
	AccountSubType string `json:"AccountSubType,omitempty"`
}

type SalesItemLineDetail struct {
	ItemRef   Ref    `json:"ItemRef"`
	Qty       Amount `json:"Qty"`
	UnitPrice Amount `json:"UnitPrice"`
}

type LinkedTxn struct {
	TxnID   string `json:"TxnId"`
	TxnType string `json:"TxnType"`
}

type Line struct {
	ID                  string               `json:"Id,omitempty"`
	LineNum             int                  `json:"LineNum,omitempty"`
	Description         string               `json:"Description,omitempty"`
	Amount              Amount               `json:"Amount"`
	DetailType          string               `json:"DetailType,omitempty"`
	SalesItemLineDetail *SalesItemLineDetail `json:"SalesItemLineDetail,omitempty"`
	LinkedTxn           []LinkedTxn          `json:"LinkedTxn,omitempty"`
}

type Invoice struct {
	ID          string        `json:"Id,omitempty"`
	SyncToken   string        `json:"SyncToken,omitempty"`
	Sparse      bool          `json:"sparse,omitempty"`
	DocNumber   string        `json:"DocNumber,omitempty"`
	TxnDate     string        `json:"TxnDate,omitempty"`
	DueDate     string        `json:"DueDate,omitempty"`
	CustomerRef Ref           `json:"CustomerRef"`
	BillEmail   *EmailAddress `json:"BillEmail,omitempty"`
	Line        []Line        `json:"Line,omitempty"`
	TotalAmt    *Amount       `json:"TotalAmt,omitempty"`
	Balance     *Amount       `json:"Balance,omitempty"`
	PrivateNote string        `json:"PrivateNote,omitempty"`
}

type Payment struct {
	ID            string  `json:"Id,omitempty"`
	SyncToken     string  `json:"SyncToken,omitempty"`
	CustomerRef   Ref     `json:"CustomerRef"`
	TotalAmt      Amount  `json:"TotalAmt"`
	TxnDate       string  `json:"TxnDate,omitempty"`
	PaymentRefNum string  `json:"PaymentRefNum,omitempty"`
	PrivateNote   string  `json:"PrivateNote,omitempty"`
	Line          []Line  `json:"Line,omitempty"`
	UnappliedAmt  *Amount `json:"UnappliedAmt,omitempty"`
}

type CompanyInfo struct {
	ID          string `json:"Id,omitempty"`
	CompanyName string `json:"CompanyName"`
	Country     string `json:"Country,omitempty"`
}

const (
	DetailTypeSalesItem = "SalesItemLineDetail"
	TxnTypeInvoice      = "Invoice"
	ItemTypeService     = "Service"
	AccountTypeIncome   = "Income"
)
