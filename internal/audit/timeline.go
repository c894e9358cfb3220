package audit

import (
	"time"

	"github.com/google/uuid"

	"github.com/shenxingy/ai-ap-manager-sub001/internal/shared"
)

// TimelineFilters narrows the audit timeline. Zero values are ignored.
type TimelineFilters struct {
	InvoiceID uuid.UUID
	From      time.Time
	To        time.Time
	Actor     uuid.UUID
	Entity    string
	Action    string
	Page      int
	PageSize  int
}

// TimelineRow is one audit entry as exposed to readers.
type TimelineRow struct {
	ID           uuid.UUID      `json:"id"`
	InvoiceID    *uuid.UUID     `json:"invoice_id,omitempty"`
	ActorID      uuid.UUID      `json:"actor_id"`
	Action       string         `json:"action"`
	Entity       string         `json:"entity"`
	EntityID     string         `json:"entity_id"`
	BeforeStatus string         `json:"before_status,omitempty"`
	AfterStatus  string         `json:"after_status,omitempty"`
	Meta         map[string]any `json:"meta,omitempty"`
	At           time.Time      `json:"at"`
}

// System reports whether the entry was written by an automated transition.
func (r TimelineRow) System() bool {
	return r.ActorID == shared.SystemActor
}

// Result is a page of timeline rows.
type Result struct {
	Rows   []TimelineRow   `json:"rows"`
	Paging shared.PageInfo `json:"paging"`
}
