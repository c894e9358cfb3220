package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"time"
)

// Exporter renders timeline rows for download.
type Exporter struct{}

// NewExporter returns an Exporter.
func NewExporter() *Exporter {
	return &Exporter{}
}

var csvHeader = []string{"at", "invoice_id", "actor_id", "action", "entity", "entity_id", "before_status", "after_status", "meta"}

// WriteCSV encodes rows with a header line.
func (e *Exporter) WriteCSV(rows []TimelineRow) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, row := range rows {
		invoice := ""
		if row.InvoiceID != nil {
			invoice = row.InvoiceID.String()
		}
		meta := ""
		if len(row.Meta) > 0 {
			raw, err := json.Marshal(row.Meta)
			if err != nil {
				return nil, err
			}
			meta = string(raw)
		}
		record := []string{
			row.At.UTC().Format(time.RFC3339),
			invoice,
			row.ActorID.String(),
			row.Action,
			row.Entity,
			row.EntityID,
			row.BeforeStatus,
			row.AfterStatus,
			meta,
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
