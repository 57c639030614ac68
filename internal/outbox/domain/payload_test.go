package domain

import (
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePayloadVariants(t *testing.T) {
	p, err := DecodePayload(JobQBOSyncInvoice, []byte(`{"invoice_id":"42"}`))
	require.NoError(t, err)
	assert.Equal(t, SyncInvoicePayload{InvoiceID: 42}, p)

	p, err = DecodePayload(JobGenerateDrawingTiles, []byte(`{"sheetVersionId":"7"}`))
	require.NoError(t, err)
	assert.Equal(t, GenerateDrawingTilesPayload{SheetVersionID: 7}, p)

	p, err = DecodePayload(JobRefreshDrawingSheetsList, nil)
	require.NoError(t, err)
	assert.Equal(t, RefreshDrawingSheetsListPayload{}, p)
}

func TestDecodePayloadRejectsMissingFields(t *testing.T) {
	_, err := DecodePayload(JobQBOSyncPayment, []byte(`{}`))
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = DecodePayload(JobDeliverNotification, []byte(`not json`))
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestDecodePayloadUnknownType(t *testing.T) {
	_, err := DecodePayload("resize_avatar", []byte(`{}`))
	assert.ErrorIs(t, err, ErrUnknownJobType)
}

func TestDedupeKey(t *testing.T) {
	key, err := DedupeKey(snowflake.ID(9), SyncInvoicePayload{InvoiceID: 42}, []string{"invoice_id"})
	require.NoError(t, err)
	assert.Equal(t, "9|qbo_sync_invoice|invoice_id=42", key)

	_, err = DedupeKey(snowflake.ID(9), SyncInvoicePayload{InvoiceID: 42}, []string{"payment_id"})
	assert.ErrorIs(t, err, ErrInvalidPayload)

	key, err = DedupeKey(snowflake.ID(9), SyncInvoicePayload{InvoiceID: 42}, nil)
	require.NoError(t, err)
	assert.Empty(t, key)
}
