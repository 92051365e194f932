// Package activity appends rows to the claim audit trail.
package activity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"claimwatch/internal/domain"
	"claimwatch/internal/errs"
	"claimwatch/internal/repo"
)

type Writer struct {
	Now func() time.Time
}

type Payload map[string]any

// Append writes one audit row inside tx. A repeated non-empty eventID returns
// errs.ErrDuplicateEvent.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, claimID int64, kind domain.ActivityKind, actor, eventID string, payload Payload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal activity payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO activity_log(claim_id,kind,actor,event_id,payload_json,created_at) VALUES (?,?,?,?,?,?)`,
		claimID, string(kind), nullable(actor), nullable(eventID), string(data), w.Now().UTC().Format(repo.TimeLayout))
	if eventID != "" && uniqueViolation(err) {
		return fmt.Errorf("activity %s for event %s: %w", kind, eventID, errs.ErrDuplicateEvent)
	}
	return repo.Classify(err)
}

func uniqueViolation(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(se.Error(), "UNIQUE")
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
