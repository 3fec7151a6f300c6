package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/observer/owlycall/internal/relay"
)

// CallStatus represents the status of a call
type CallStatus string

const (
	CallStatusRinging   CallStatus = "ringing"
	CallStatusActive    CallStatus = "active"
	CallStatusEnded     CallStatus = "ended"
	CallStatusMissed    CallStatus = "missed"
	CallStatusDeclined  CallStatus = "declined"
	CallStatusCancelled CallStatus = "cancelled"
)

// Final reports whether no further status change is accepted.
func (s CallStatus) Final() bool {
	return s != CallStatusRinging && s != CallStatusActive
}

// statusForOutcome maps a relay outcome to the stored status.
func statusForOutcome(outcome string) (CallStatus, error) {
	switch outcome {
	case relay.OutcomeEnded:
		return CallStatusEnded, nil
	case relay.OutcomeMissed:
		return CallStatusMissed, nil
	case relay.OutcomeDeclined:
		return CallStatusDeclined, nil
	case relay.OutcomeCancelled:
		return CallStatusCancelled, nil
	}
	return "", fmt.Errorf("unknown call outcome %q", outcome)
}

// CallLog represents a call log entry
type CallLog struct {
	ID              string     `json:"id"`
	ConversationID  string     `json:"conversation_id"`
	InitiatorID     string     `json:"initiator_id"`
	CallType        string     `json:"call_type"`
	Status          CallStatus `json:"status"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationSeconds int        `json:"duration_seconds"`
	CreatedAt       time.Time  `json:"created_at"`

	// Populated from joins
	InitiatorUsername string `json:"initiator_username,omitempty"`
	ConversationTitle string `json:"conversation_title,omitempty"`
	ConversationType  string `json:"conversation_type,omitempty"`
	AnsweredBy        string `json:"answered_by,omitempty"`
}

// CallRepository records call history. It implements relay.Recorder: the
// first final status written for a call wins and later ones are ignored.
type CallRepository struct {
	db *DB
}

// NewCallRepository creates a new CallRepository
func NewCallRepository(db *DB) *CallRepository {
	return &CallRepository{db: db}
}

var _ relay.Recorder = (*CallRepository)(nil)

// Ringing creates the log entry for a new call. A repeated announce is a no-op.
func (r *CallRepository) Ringing(ctx context.Context, callID, conversationID, initiatorID, callType string) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO call_logs (id, conversation_id, initiator_id, call_type, status, created_at)
		VALUES ($1, $2, $3, $4, 'ringing', NOW())
		ON CONFLICT (id) DO NOTHING
	`, callID, conversationID, initiatorID, callType)
	if err != nil {
		return fmt.Errorf("insert call log: %w", err)
	}
	return nil
}

// Answered marks a ringing call active and records who picked up.
func (r *CallRepository) Answered(ctx context.Context, callID, userID string) error {
	return r.db.InTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE call_logs SET status = 'active', started_at = NOW()
			WHERE id = $1 AND status = 'ringing'
		`, callID)
		if err != nil {
			return fmt.Errorf("start call: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// Already answered, finished or never logged.
			return nil
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO call_participants (call_id, user_id, joined_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (call_id, user_id) DO UPDATE SET joined_at = NOW(), left_at = NULL
		`, callID, userID)
		if err != nil {
			return fmt.Errorf("add participant: %w", err)
		}
		return nil
	})
}

// Finished stores the outcome. A duration of zero on an answered call is
// derived from started_at.
func (r *CallRepository) Finished(ctx context.Context, callID, outcome string, durationSeconds int) error {
	status, err := statusForOutcome(outcome)
	if err != nil {
		return err
	}
	return r.db.InTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE call_logs
			SET status = $2,
			    ended_at = NOW(),
			    duration_seconds = CASE
			        WHEN $3 > 0 THEN $3
			        WHEN started_at IS NOT NULL AND $2 = 'ended' THEN EXTRACT(EPOCH FROM (NOW() - started_at))::INTEGER
			        ELSE 0
			    END
			WHERE id = $1 AND status IN ('ringing', 'active')
		`, callID, status, durationSeconds)
		if err != nil {
			return fmt.Errorf("finish call: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// The first outcome already won.
			return nil
		}
		_, err = tx.Exec(ctx, `UPDATE call_participants SET left_at = NOW() WHERE call_id = $1 AND left_at IS NULL`, callID)
		return err
	})
}

const callLogColumns = `
	cl.id, cl.conversation_id, cl.initiator_id, cl.call_type, cl.status,
	cl.started_at, cl.ended_at, cl.duration_seconds, cl.created_at,
	COALESCE(u.username, cl.initiator_id),
	COALESCE(c.title, ''), COALESCE(c.type, ''),
	COALESCE((SELECT cp.user_id FROM call_participants cp WHERE cp.call_id = cl.id ORDER BY cp.joined_at LIMIT 1), '')
`

func scanCallLog(row pgx.Row) (*CallLog, error) {
	var call CallLog
	err := row.Scan(
		&call.ID, &call.ConversationID, &call.InitiatorID, &call.CallType, &call.Status,
		&call.StartedAt, &call.EndedAt, &call.DurationSeconds, &call.CreatedAt,
		&call.InitiatorUsername, &call.ConversationTitle, &call.ConversationType,
		&call.AnsweredBy,
	)
	if err != nil {
		return nil, err
	}
	return &call, nil
}

// GetCallLog retrieves a call log by ID
func (r *CallRepository) GetCallLog(ctx context.Context, callID string) (*CallLog, error) {
	row := r.db.Pool.QueryRow(ctx, `
		SELECT `+callLogColumns+`
		FROM call_logs cl
		LEFT JOIN users u ON u.id = cl.initiator_id
		LEFT JOIN conversations c ON c.id = cl.conversation_id
		WHERE cl.id = $1
	`, callID)

	call, err := scanCallLog(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return call, err
}

// History returns the calls of conversations userID belongs to, newest first.
func (r *CallRepository) History(ctx context.Context, userID string, limit, offset int) ([]CallLog, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT `+callLogColumns+`
		FROM call_logs cl
		LEFT JOIN users u ON u.id = cl.initiator_id
		LEFT JOIN conversations c ON c.id = cl.conversation_id
		WHERE cl.initiator_id = $1
		   OR EXISTS (
		       SELECT 1 FROM conversation_members cm
		       WHERE cm.conversation_id = cl.conversation_id AND cm.user_id = $1
		   )
		ORDER BY cl.created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	calls := []CallLog{}
	for rows.Next() {
		call, err := scanCallLog(rows)
		if err != nil {
			return nil, err
		}
		calls = append(calls, *call)
	}
	return calls, rows.Err()
}

// MissedCallCount returns the count of missed calls for a user since a given time
func (r *CallRepository) MissedCallCount(ctx context.Context, userID string, since time.Time) (int, error) {
	var count int
	err := r.db.Pool.QueryRow(ctx, `
		SELECT COUNT(DISTINCT cl.id)
		FROM call_logs cl
		JOIN conversation_members cm ON cm.conversation_id = cl.conversation_id
		WHERE cm.user_id = $1
		  AND cl.initiator_id != $1
		  AND cl.status = 'missed'
		  AND cl.created_at > $2
	`, userID, since).Scan(&count)
	return count, err
}
