package worker

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/example/billing-messenger/internal/models"
	"github.com/example/billing-messenger/internal/util"
)

// ErrInvalidTrigger marks records that can never be processed.
var ErrInvalidTrigger = errors.New("worker: invalid trigger")

// ParseTrigger decodes and normalizes a dispatch trigger record.
func ParseTrigger(payload []byte, cfg Config) (*models.DispatchTrigger, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: payload is empty", ErrInvalidTrigger)
	}

	var t models.DispatchTrigger
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&t); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrInvalidTrigger, err)
	}

	id, err := util.ParseUUIDv4(t.RequestID)
	if err != nil {
		return nil, fmt.Errorf("%w: request_id: %v", ErrInvalidTrigger, err)
	}
	t.RequestID = id.String()

	code, err := util.ValidateTemplateCode(t.TemplateCode)
	if err != nil {
		return nil, fmt.Errorf("%w: template_code: %v", ErrInvalidTrigger, err)
	}
	t.TemplateCode = code

	switch t.MessageKind {
	case "":
		t.MessageKind = models.KindCharge
	case models.KindReminder, models.KindCharge:
	default:
		return nil, fmt.Errorf("%w: unsupported message_kind %q", ErrInvalidTrigger, t.MessageKind)
	}

	ids := make([]string, 0, len(t.RecipientIDs))
	seen := make(map[string]struct{}, len(t.RecipientIDs))
	for _, rid := range t.RecipientIDs {
		rid = strings.TrimSpace(rid)
		if rid == "" {
			return nil, fmt.Errorf("%w: recipient_ids contains an empty id", ErrInvalidTrigger)
		}
		if _, dup := seen[rid]; dup {
			continue
		}
		seen[rid] = struct{}{}
		ids = append(ids, rid)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: recipient_ids is required", ErrInvalidTrigger)
	}
	if cfg.RecipientsMax > 0 && len(ids) > cfg.RecipientsMax {
		return nil, fmt.Errorf("%w: %d recipients exceeds max %d", ErrInvalidTrigger, len(ids), cfg.RecipientsMax)
	}
	t.RecipientIDs = ids

	extra, err := util.ValidateMetadata(t.Extra, cfg.ExtraMaxEntries, cfg.ExtraMaxKeyLen, cfg.ExtraMaxValueLen)
	if err != nil {
		return nil, fmt.Errorf("%w: extra_context: %v", ErrInvalidTrigger, err)
	}
	t.Extra = extra
	t.Initiator = strings.TrimSpace(t.Initiator)
	if !t.CreatedAt.IsZero() {
		t.CreatedAt = t.CreatedAt.UTC()
	}
	return &t, nil
}
