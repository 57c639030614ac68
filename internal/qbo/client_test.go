package qbo

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var testCreds = Credentials{AccessToken: "access-1", RealmID: "4620816365"}

func newTestClient(t *testing.T) (*Client, *httpmock.MockTransport) {
	t.Helper()
	client := NewClient(ClientConfig{Environment: "sandbox", MinorVersion: "70"}, zaptest.NewLogger(t))
	mock := httpmock.NewMockTransport()
	client.http.SetTransport(mock)
	return client, mock
}

func TestQueryCustomerByNameEscapesLiteral(t *testing.T) {
	client, mock := newTestClient(t)

	var gotQuery, gotAuth string
	mock.RegisterResponder(http.MethodGet, SandboxBaseURL+"/v3/company/4620816365/query",
		func(req *http.Request) (*http.Response, error) {
			gotQuery = req.URL.Query().Get("query")
			gotAuth = req.Header.Get("Authorization")
			return httpmock.NewStringResponse(http.StatusOK, `{"QueryResponse":{"Customer":[{"Id":"58","SyncToken":"0","DisplayName":"O'Brien Builders"}]}}`), nil
		})

	customer, err := client.QueryCustomerByName(context.Background(), testCreds, "O'Brien Builders")
	require.NoError(t, err)
	require.NotNil(t, customer)
	assert.Equal(t, "58", customer.ID)
	assert.Equal(t, `SELECT * FROM Customer WHERE DisplayName = 'O\'Brien Builders'`, gotQuery)
	assert.Equal(t, "Bearer access-1", gotAuth)
}

func TestQueryCustomerByNameNotFound(t *testing.T) {
	client, mock := newTestClient(t)
	mock.RegisterResponder(http.MethodGet, SandboxBaseURL+"/v3/company/4620816365/query",
		httpmock.NewStringResponder(http.StatusOK, `{"QueryResponse":{}}`))

	customer, err := client.QueryCustomerByName(context.Background(), testCreds, "Nobody")
	require.NoError(t, err)
	assert.Nil(t, customer)
}

func TestCreateInvoiceSendsRequestIDAndNumericAmounts(t *testing.T) {
	client, mock := newTestClient(t)

	var body map[string]any
	var requestID string
	mock.RegisterResponder(http.MethodPost, SandboxBaseURL+"/v3/company/4620816365/invoice",
		func(req *http.Request) (*http.Response, error) {
			requestID = req.URL.Query().Get("requestid")
			raw, _ := io.ReadAll(req.Body)
			_ = json.Unmarshal(raw, &body)
			return httpmock.NewStringResponse(http.StatusOK, `{"Invoice":{"Id":"130","SyncToken":"0","DocNumber":"1001","TotalAmt":150.5}}`), nil
		})

	created, err := client.CreateInvoice(context.Background(), testCreds, Invoice{
		DocNumber:   "1001",
		CustomerRef: Ref{Value: "58"},
		Line: []Line{{
			Amount:     AmountFromCents(15050),
			DetailType: DetailTypeSalesItem,
			SalesItemLineDetail: &SalesItemLineDetail{
				ItemRef:   Ref{Value: "1"},
				Qty:       AmountFromCents(100),
				UnitPrice: AmountFromCents(15050),
			},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, "130", created.ID)
	assert.Equal(t, "150.5", created.TotalAmt.String())
	assert.NotEmpty(t, requestID)

	lines := body["Line"].([]any)
	line := lines[0].(map[string]any)
	assert.Equal(t, 150.5, line["Amount"])
}

func TestCreateInvoiceDuplicateDocNumberFault(t *testing.T) {
	client, mock := newTestClient(t)
	fault := `{"Fault":{"Error":[{"Message":"Duplicate Document Number Error","Detail":"Duplicate Document Number Error : You must specify a different number. This number has already been used.","code":"6140","element":""}],"type":"ValidationFault"}}`
	mock.RegisterResponder(http.MethodPost, SandboxBaseURL+"/v3/company/4620816365/invoice",
		func(req *http.Request) (*http.Response, error) {
			resp := httpmock.NewStringResponse(http.StatusBadRequest, fault)
			resp.Header.Set("intuit_tid", "tid-123")
			return resp, nil
		})

	_, err := client.CreateInvoice(context.Background(), testCreds, Invoice{DocNumber: "1001", CustomerRef: Ref{Value: "58"}})
	require.Error(t, err)

	apiErr, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "tid-123", apiErr.IntuitTID)
	assert.Equal(t, "ValidationFault", apiErr.FaultType)
	assert.True(t, apiErr.IsDuplicateDocNumber())
}

func TestUpdateInvoiceIsSparse(t *testing.T) {
	client, mock := newTestClient(t)

	var body map[string]any
	mock.RegisterResponder(http.MethodPost, SandboxBaseURL+"/v3/company/4620816365/invoice",
		func(req *http.Request) (*http.Response, error) {
			raw, _ := io.ReadAll(req.Body)
			_ = json.Unmarshal(raw, &body)
			return httpmock.NewStringResponse(http.StatusOK, `{"Invoice":{"Id":"130","SyncToken":"3"}}`), nil
		})

	updated, err := client.UpdateInvoice(context.Background(), testCreds, Invoice{ID: "130", SyncToken: "2", CustomerRef: Ref{Value: "58"}})
	require.NoError(t, err)
	assert.Equal(t, "3", updated.SyncToken)
	assert.Equal(t, true, body["sparse"])
	assert.Equal(t, "2", body["SyncToken"])
}

func TestMissingCredentials(t *testing.T) {
	client, _ := newTestClient(t)
	_, err := client.CompanyInfo(context.Background(), Credentials{})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestLastInvoiceNumber(t *testing.T) {
	client, mock := newTestClient(t)
	mock.RegisterResponder(http.MethodGet, SandboxBaseURL+"/v3/company/4620816365/query",
		httpmock.NewStringResponder(http.StatusOK, `{"QueryResponse":{"Invoice":[{"Id":"9","DocNumber":"1002"},{"Id":"8","DocNumber":"1010"},{"Id":"7","DocNumber":""}]}}`))

	last, err := client.LastInvoiceNumber(context.Background(), testCreds)
	require.NoError(t, err)
	assert.Equal(t, "1010", last)
}

func TestOAuthRefresh(t *testing.T) {
	oauth := NewOAuthClient(OAuthConfig{ClientID: "cid", ClientSecret: "secret", TokenURL: "https://oauth.test/token"})
	mock := httpmock.NewMockTransport()
	oauth.http.SetTransport(mock)

	var grantType, user string
	mock.RegisterResponder(http.MethodPost, "https://oauth.test/token",
		func(req *http.Request) (*http.Response, error) {
			_ = req.ParseForm()
			grantType = req.PostForm.Get("grant_type")
			user, _, _ = req.BasicAuth()
			return httpmock.NewStringResponse(http.StatusOK, `{"access_token":"a2","refresh_token":"r2","expires_in":3600,"x_refresh_token_expires_in":8726400,"token_type":"bearer"}`), nil
		})

	tokens, err := oauth.Refresh(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "refresh_token", grantType)
	assert.Equal(t, "cid", user)
	assert.Equal(t, "a2", tokens.AccessToken)
	assert.Equal(t, int64(3600), tokens.ExpiresIn)
}

func TestOAuthRefreshInvalidGrant(t *testing.T) {
	oauth := NewOAuthClient(OAuthConfig{ClientID: "cid", ClientSecret: "secret", TokenURL: "https://oauth.test/token"})
	mock := httpmock.NewMockTransport()
	oauth.http.SetTransport(mock)
	mock.RegisterResponder(http.MethodPost, "https://oauth.test/token",
		httpmock.NewStringResponder(http.StatusBadRequest, `{"error":"invalid_grant","error_description":"Token invalid"}`))

	_, err := oauth.Refresh(context.Background(), "r1")
	require.Error(t, err)
	assert.True(t, IsInvalidGrant(err))
}

func TestAuthorizeURL(t *testing.T) {
	oauth := NewOAuthClient(OAuthConfig{ClientID: "cid", ClientSecret: "secret", RedirectURI: "https://app.test/cb"})
	u := oauth.AuthorizeURL("state-1")
	assert.Contains(t, u, "client_id=cid")
	assert.Contains(t, u, "scope=com.intuit.quickbooks.accounting")
	assert.Contains(t, u, "state=state-1")
}
