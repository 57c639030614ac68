// Package qbo is a typed client for the QuickBooks Online accounting API.
package qbo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	SandboxBaseURL    = "https://sandbox-quickbooks.api.intuit.com"
	ProductionBaseURL = "https://quickbooks.api.intuit.com"

	defaultMinorVersion = "70"
	defaultTimeout      = 30 * time.Second
)

// Credentials authenticate one call: a decrypted access token and the realm it belongs to.
type Credentials struct {
	AccessToken string
	RealmID     string
}

type ClientConfig struct {
	Environment  string
	BaseURL      string
	MinorVersion string
	Timeout      time.Duration
}

type Client struct {
	http         *resty.Client
	minorVersion string
	log          *zap.Logger
}

func NewClient(cfg ClientConfig, log *zap.Logger) *Client {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = SandboxBaseURL
		if strings.EqualFold(cfg.Environment, "production") {
			baseURL = ProductionBaseURL
		}
	}
	minor := strings.TrimSpace(cfg.MinorVersion)
	if minor == "" {
		minor = defaultMinorVersion
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(3 * time.Second).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode() == http.StatusTooManyRequests || resp.StatusCode() >= http.StatusInternalServerError
		}).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:         client,
		minorVersion: minor,
		log:          log.Named("qbo.client"),
	}
}

// request builds an authenticated request. Writes carry a requestid so the
// API deduplicates retried POSTs.
func (c *Client) request(ctx context.Context, creds Credentials, write bool) (*resty.Request, error) {
	if strings.TrimSpace(creds.AccessToken) == "" || strings.TrimSpace(creds.RealmID) == "" {
		return nil, ErrNotConfigured
	}
	req := c.http.R().
		SetContext(ctx).
		SetAuthToken(creds.AccessToken).
		SetPathParam("realm", creds.RealmID).
		SetQueryParam("minorversion", c.minorVersion)
	if write {
		req.SetQueryParam("requestid", uuid.NewString())
	}
	return req, nil
}

func (c *Client) do(req *resty.Request, method, path string, out any) error {
	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("qbo %s %s: %w", method, path, err)
	}
	if resp.IsError() {
		apiErr := parseError(resp)
		c.log.Warn("qbo.request.failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", apiErr.StatusCode),
			zap.String("intuit_tid", apiErr.IntuitTID),
			zap.Error(apiErr),
		)
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("qbo decode %s: %w", path, err)
	}
	return nil
}

func parseError(resp *resty.Response) *Error {
	apiErr := &Error{
		StatusCode: resp.StatusCode(),
		IntuitTID:  resp.Header().Get("intuit_tid"),
		Body:       string(resp.Body()),
	}
	var envelope faultEnvelope
	if err := json.Unmarshal(resp.Body(), &envelope); err == nil && envelope.Fault != nil {
		apiErr.FaultType = envelope.Fault.Type
		apiErr.Faults = envelope.Fault.Error
	}
	return apiErr
}

type queryResponse struct {
	QueryResponse struct {
		Customer []Customer `json:"Customer"`
		Item     []Item     `json:"Item"`
		Account  []Account  `json:"Account"`
		Invoice  []Invoice  `json:"Invoice"`
	} `json:"QueryResponse"`
}

func (c *Client) query(ctx context.Context, creds Credentials, statement string) (queryResponse, error) {
	var out queryResponse
	req, err := c.request(ctx, creds, false)
	if err != nil {
		return out, err
	}
	req.SetQueryParam("query", statement)
	err = c.do(req, http.MethodGet, "/v3/company/{realm}/query", &out)
	return out, err
}

// escapeLiteral escapes a value for a single-quoted query literal.
func escapeLiteral(value string) string {
	value = strings.ReplaceAll(value, `\`, `\\`)
	return strings.ReplaceAll(value, `'`, `\'`)
}

// QueryCustomerByName returns the customer with the exact display name, or nil.
func (c *Client) QueryCustomerByName(ctx context.Context, creds Credentials, displayName string) (*Customer, error) {
	out, err := c.query(ctx, creds, fmt.Sprintf("SELECT * FROM Customer WHERE DisplayName = '%s'", escapeLiteral(displayName)))
	if err != nil {
		return nil, err
	}
	if len(out.QueryResponse.Customer) == 0 {
		return nil, nil
	}
	return &out.QueryResponse.Customer[0], nil
}

func (c *Client) CreateCustomer(ctx context.Context, creds Credentials, customer Customer) (*Customer, error) {
	req, err := c.request(ctx, creds, true)
	if err != nil {
		return nil, err
	}
	var out struct {
		Customer Customer `json:"Customer"`
	}
	if err := c.do(req.SetBody(customer), http.MethodPost, "/v3/company/{realm}/customer", &out); err != nil {
		return nil, err
	}
	return &out.Customer, nil
}

// QueryServiceItem returns the service item with the given name, or nil.
func (c *Client) QueryServiceItem(ctx context.Context, creds Credentials, name string) (*Item, error) {
	out, err := c.query(ctx, creds, fmt.Sprintf("SELECT * FROM Item WHERE Type = 'Service' AND Name = '%s'", escapeLiteral(name)))
	if err != nil {
		return nil, err
	}
	if len(out.QueryResponse.Item) == 0 {
		return nil, nil
	}
	return &out.QueryResponse.Item[0], nil
}

func (c *Client) CreateServiceItem(ctx context.Context, creds Credentials, name, incomeAccountID string) (*Item, error) {
	req, err := c.request(ctx, creds, true)
	if err != nil {
		return nil, err
	}
	item := Item{Name: name, Type: ItemTypeService, IncomeAccountRef: &Ref{Value: incomeAccountID}}
	var out struct {
		Item Item `json:"Item"`
	}
	if err := c.do(req.SetBody(item), http.MethodPost, "/v3/company/{realm}/item", &out); err != nil {
		return nil, err
	}
	return &out.Item, nil
}

// QueryIncomeAccount returns the first active income account, or nil.
func (c *Client) QueryIncomeAccount(ctx context.Context, creds Credentials) (*Account, error) {
	out, err := c.query(ctx, creds, "SELECT * FROM Account WHERE AccountType = 'Income' AND Active = true MAXRESULTS 1")
	if err != nil {
		return nil, err
	}
	if len(out.QueryResponse.Account) == 0 {
		return nil, nil
	}
	return &out.QueryResponse.Account[0], nil
}

func (c *Client) CreateInvoice(ctx context.Context, creds Credentials, invoice Invoice) (*Invoice, error) {
	req, err := c.request(ctx, creds, true)
	if err != nil {
		return nil, err
	}
	var out struct {
		Invoice Invoice `json:"Invoice"`
	}
	if err := c.do(req.SetBody(invoice), http.MethodPost, "/v3/company/{realm}/invoice", &out); err != nil {
		return nil, err
	}
	return &out.Invoice, nil
}

// UpdateInvoice performs a sparse update. invoice.ID and invoice.SyncToken are required.
func (c *Client) UpdateInvoice(ctx context.Context, creds Credentials, invoice Invoice) (*Invoice, error) {
	if invoice.ID == "" {
		return nil, fmt.Errorf("qbo update invoice: missing id")
	}
	invoice.Sparse = true
	return c.CreateInvoice(ctx, creds, invoice)
}

func (c *Client) GetInvoice(ctx context.Context, creds Credentials, id string) (*Invoice, error) {
	req, err := c.request(ctx, creds, false)
	if err != nil {
		return nil, err
	}
	var out struct {
		Invoice Invoice `json:"Invoice"`
	}
	req.SetPathParam("id", id)
	if err := c.do(req, http.MethodGet, "/v3/company/{realm}/invoice/{id}", &out); err != nil {
		return nil, err
	}
	return &out.Invoice, nil
}

// RecentInvoiceNumbers lists DocNumbers of the most recently created invoices, newest first.
func (c *Client) RecentInvoiceNumbers(ctx context.Context, creds Credentials, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 20
	}
	out, err := c.query(ctx, creds, fmt.Sprintf("SELECT Id, DocNumber FROM Invoice ORDERBY MetaData.CreateTime DESC MAXRESULTS %d", limit))
	if err != nil {
		return nil, err
	}
	numbers := make([]string, 0, len(out.QueryResponse.Invoice))
	for _, inv := range out.QueryResponse.Invoice {
		if n := strings.TrimSpace(inv.DocNumber); n != "" {
			numbers = append(numbers, n)
		}
	}
	return numbers, nil
}

// LastInvoiceNumber returns the highest DocNumber among recent invoices.
func (c *Client) LastInvoiceNumber(ctx context.Context, creds Credentials) (string, error) {
	numbers, err := c.RecentInvoiceNumbers(ctx, creds, 50)
	if err != nil {
		return "", err
	}
	return HighestDocNumber(numbers), nil
}

func (c *Client) CreatePayment(ctx context.Context, creds Credentials, payment Payment) (*Payment, error) {
	req, err := c.request(ctx, creds, true)
	if err != nil {
		return nil, err
	}
	var out struct {
		Payment Payment `json:"Payment"`
	}
	if err := c.do(req.SetBody(payment), http.MethodPost, "/v3/company/{realm}/payment", &out); err != nil {
		return nil, err
	}
	return &out.Payment, nil
}

func (c *Client) CompanyInfo(ctx context.Context, creds Credentials) (*CompanyInfo, error) {
	req, err := c.request(ctx, creds, false)
	if err != nil {
		return nil, err
	}
	var out struct {
		CompanyInfo CompanyInfo `json:"CompanyInfo"`
	}
	if err := c.do(req, http.MethodGet, "/v3/company/{realm}/companyinfo/{realm}", &out); err != nil {
		return nil, err
	}
	return &out.CompanyInfo, nil
}
