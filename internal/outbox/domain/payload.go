package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/bwmarrin/snowflake"
	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Payload is the closed set of job bodies, one variant per job type.
type Payload interface {
	JobType() string
	Validate() error
}

type DeliverNotificationPayload struct {
	NotificationID snowflake.ID `json:"notificationId"`
}

func (DeliverNotificationPayload) JobType() string { return JobDeliverNotification }

func (p DeliverNotificationPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.NotificationID, validation.Required),
	)
}

type SyncInvoicePayload struct {
	InvoiceID snowflake.ID `json:"invoice_id"`
}

func (SyncInvoicePayload) JobType() string { return JobQBOSyncInvoice }

func (p SyncInvoicePayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.InvoiceID, validation.Required),
	)
}

type SyncPaymentPayload struct {
	PaymentID snowflake.ID `json:"payment_id"`
}

func (SyncPaymentPayload) JobType() string { return JobQBOSyncPayment }

func (p SyncPaymentPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.PaymentID, validation.Required),
	)
}

type GenerateDrawingTilesPayload struct {
	SheetVersionID snowflake.ID `json:"sheetVersionId"`
}

func (GenerateDrawingTilesPayload) JobType() string { return JobGenerateDrawingTiles }

func (p GenerateDrawingTilesPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.SheetVersionID, validation.Required),
	)
}

type RefreshDrawingSheetsListPayload struct{}

func (RefreshDrawingSheetsListPayload) JobType() string { return JobRefreshDrawingSheetsList }

func (RefreshDrawingSheetsListPayload) Validate() error { return nil }

// DecodePayload parses and validates a stored payload for jobType.
func DecodePayload(jobType string, raw []byte) (Payload, error) {
	var payload Payload
	switch jobType {
	case JobDeliverNotification:
		payload = &DeliverNotificationPayload{}
	case JobQBOSyncInvoice:
		payload = &SyncInvoicePayload{}
	case JobQBOSyncPayment:
		payload = &SyncPaymentPayload{}
	case JobGenerateDrawingTiles:
		payload = &GenerateDrawingTilesPayload{}
	case JobRefreshDrawingSheetsList:
		return RefreshDrawingSheetsListPayload{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownJobType, jobType)
	}

	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		trimmed = "{}"
	}
	if err := json.Unmarshal([]byte(trimmed), payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := payload.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	switch p := payload.(type) {
	case *DeliverNotificationPayload:
		return *p, nil
	case *SyncInvoicePayload:
		return *p, nil
	case *SyncPaymentPayload:
		return *p, nil
	case *GenerateDrawingTilesPayload:
		return *p, nil
	}
	return payload, nil
}

// DedupeKey builds "org|job_type|k=v,..." from the named payload fields.
func DedupeKey(orgID snowflake.ID, payload Payload, keys []string) (string, error) {
	if len(keys) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	fields := map[string]any{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return "", err
	}

	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	parts := make([]string, 0, len(sorted))
	for _, key := range sorted {
		value, ok := fields[key]
		if !ok {
			return "", fmt.Errorf("%w: dedupe key %q not in payload", ErrInvalidPayload, key)
		}
		parts = append(parts, fmt.Sprintf("%s=%v", key, value))
	}
	return fmt.Sprintf("%s|%s|%s", orgID.String(), payload.JobType(), strings.Join(parts, ",")), nil
}
