package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"strconv"
	"time"
)

var csvHeader = []string{"at", "actor_id", "actor", "action", "entity", "entity_id", "meta"}

// WriteCSV menulis baris timeline sebagai CSV dengan header.
func WriteCSV(rows []TimelineRow) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, row := range rows {
		var actorID, meta string
		if row.ActorID != 0 {
			actorID = strconv.FormatInt(row.ActorID, 10)
		}
		if len(row.Meta) > 0 {
			raw, err := json.Marshal(row.Meta)
			if err != nil {
				return nil, err
			}
			meta = string(raw)
		}
		record := []string{
			row.At.UTC().Format(time.RFC3339),
			actorID,
			row.Actor,
			row.Action,
			row.Entity,
			row.EntityID,
			meta,
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}
