// Package sqlstore implements stepwise.Store against MySQL, following the
// transactional claim pattern the luno workflow adapter uses for its own
// record store: a row lock taken inside a transaction, released by either a
// commit or rollback.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"

	"github.com/stepwise/stepwise"
	"github.com/stepwise/stepwise/internal/backoff"
)

// MySQL error numbers this store treats specially. See
// https://dev.mysql.com/doc/mysql-errors/en/server-error-reference.html.
const (
	errDuplicateEntry  = 1062
	errLockWaitTimeout = 1205
	errDeadlock        = 1213
)

// Store implements stepwise.Store against a single MySQL schema created by
// Migrations. Reads and writes go through the same *sql.DB; the teacher
// split writer/reader, but this store's Claim needs read-your-writes
// consistency within its own transaction, so a split reader buys nothing
// here.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

var _ stepwise.Store = (*Store)(nil)

func (s *Store) Insert(ctx context.Context, id, handler string, input json.RawMessage) (bool, error) {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		insert into workflows
			set id=?, handler=?, input=?, status=?, timeout_at=?, failures=0, last_error='', created_at=?, updated_at=?`,
		id, handler, []byte(input), string(stepwise.StatusIdle), now, now, now,
	)
	if isDuplicateKey(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "insert workflow", j.MKV{"id": id, "handler": handler})
	}
	return true, nil
}

// Claim locks one ready row for update, then promotes it to running inside
// the same transaction. The select...for update plus a short backoff on
// contention stands in for the luno adapter's create/update transaction: no
// row can be claimed twice because the lock holds until commit.
func (s *Store) Claim(ctx context.Context, now, timeoutAt time.Time) (string, bool, error) {
	const maxAttempts = 5
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		id, ok, err := s.tryClaim(ctx, now, timeoutAt)
		if err == nil {
			return id, ok, nil
		}
		lastErr = err
		if !isLockWait(err) {
			return "", false, errors.Wrap(err, "claim")
		}
		if delayErr := sleepCtx(ctx, backoff.Delay(10*time.Millisecond, attempt, backoff.Exponential)); delayErr != nil {
			return "", false, delayErr
		}
	}
	return "", false, errors.Wrap(lastErr, "claim: exhausted retries")
}

func (s *Store) tryClaim(ctx context.Context, now, timeoutAt time.Time) (string, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		select id from workflows
		where status=? or (status in (?, ?) and timeout_at < ?)
		order by timeout_at asc
		limit 1
		for update`,
		string(stepwise.StatusIdle), string(stepwise.StatusRunning), string(stepwise.StatusFailed), now,
	)

	var id string
	if err := row.Scan(&id); errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	} else if err != nil {
		return "", false, err
	}

	_, err = tx.ExecContext(ctx, `update workflows set status=?, timeout_at=?, updated_at=? where id=?`,
		string(stepwise.StatusRunning), timeoutAt, now, id)
	if err != nil {
		return "", false, err
	}

	if err := tx.Commit(); err != nil {
		return "", false, err
	}
	return id, true, nil
}

func (s *Store) FindOutput(ctx context.Context, workflowID, stepID string) (json.RawMessage, bool, error) {
	var output []byte
	err := s.db.QueryRowContext(ctx, `select output from workflow_steps where workflow_id=? and step_id=?`, workflowID, stepID).Scan(&output)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, errors.Wrap(err, "find output", j.MKV{"workflow_id": workflowID, "step_id": stepID})
	}
	return json.RawMessage(output), true, nil
}

func (s *Store) FindWakeUpAt(ctx context.Context, workflowID, napID string) (time.Time, bool, error) {
	var wakeUpAt time.Time
	err := s.db.QueryRowContext(ctx, `select wake_up_at from workflow_naps where workflow_id=? and nap_id=?`, workflowID, napID).Scan(&wakeUpAt)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	} else if err != nil {
		return time.Time{}, false, errors.Wrap(err, "find wake up at", j.MKV{"workflow_id": workflowID, "nap_id": napID})
	}
	return wakeUpAt, true, nil
}

func (s *Store) FindRunData(ctx context.Context, workflowID string) (stepwise.RunData, bool, error) {
	var data stepwise.RunData
	var input []byte
	err := s.db.QueryRowContext(ctx, `select handler, input, failures from workflows where id=?`, workflowID).Scan(&data.Handler, &input, &data.Failures)
	if errors.Is(err, sql.ErrNoRows) {
		return stepwise.RunData{}, false, nil
	} else if err != nil {
		return stepwise.RunData{}, false, errors.Wrap(err, "find run data", j.MKV{"workflow_id": workflowID})
	}
	data.Input = json.RawMessage(input)
	return data, true, nil
}

func (s *Store) SetAsFinished(ctx context.Context, workflowID string) error {
	_, err := s.db.ExecContext(ctx, `update workflows set status=?, updated_at=? where id=?`,
		string(stepwise.StatusFinished), time.Now(), workflowID)
	if err != nil {
		return errors.Wrap(err, "set as finished", j.MKV{"workflow_id": workflowID})
	}
	return nil
}

func (s *Store) FindStatus(ctx context.Context, workflowID string) (stepwise.Status, bool, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `select status from workflows where id=?`, workflowID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	} else if err != nil {
		return "", false, errors.Wrap(err, "find status", j.MKV{"workflow_id": workflowID})
	}
	return stepwise.Status(status), true, nil
}

func (s *Store) UpdateStatus(ctx context.Context, workflowID string, status stepwise.Status, timeoutAt time.Time, failures int, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		update workflows set status=?, timeout_at=?, failures=?, last_error=?, updated_at=? where id=?`,
		string(status), timeoutAt, failures, lastError, time.Now(), workflowID)
	if err != nil {
		return errors.Wrap(err, "update status", j.MKV{"workflow_id": workflowID, "status": status})
	}
	return nil
}

func (s *Store) UpdateOutput(ctx context.Context, workflowID, stepID string, output json.RawMessage, timeoutAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now()
	_, err = tx.ExecContext(ctx, `
		insert into workflow_steps set workflow_id=?, step_id=?, output=?, created_at=?
		on duplicate key update step_id=step_id`,
		workflowID, stepID, []byte(output), now)
	if err != nil {
		return errors.Wrap(err, "update output", j.MKV{"workflow_id": workflowID, "step_id": stepID})
	}

	if _, err := tx.ExecContext(ctx, `update workflows set timeout_at=?, updated_at=? where id=?`, timeoutAt, now, workflowID); err != nil {
		return errors.Wrap(err, "update output: touch timeout", j.MKV{"workflow_id": workflowID})
	}

	return tx.Commit()
}

func (s *Store) UpdateWakeUpAt(ctx context.Context, workflowID, napID string, wakeUpAt, timeoutAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now()
	_, err = tx.ExecContext(ctx, `
		insert into workflow_naps set workflow_id=?, nap_id=?, wake_up_at=?, created_at=?
		on duplicate key update nap_id=nap_id`,
		workflowID, napID, wakeUpAt, now)
	if err != nil {
		return errors.Wrap(err, "update wake up at", j.MKV{"workflow_id": workflowID, "nap_id": napID})
	}

	if _, err := tx.ExecContext(ctx, `update workflows set timeout_at=?, updated_at=? where id=?`, timeoutAt, now, workflowID); err != nil {
		return errors.Wrap(err, "update wake up at: touch timeout", j.MKV{"workflow_id": workflowID})
	}

	return tx.Commit()
}

func isDuplicateKey(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == errDuplicateEntry
}

func isLockWait(err error) bool {
	var mysqlErr *mysql.MySQLError
	if !errors.As(err, &mysqlErr) {
		return false
	}
	return mysqlErr.Number == errLockWaitTimeout || mysqlErr.Number == errDeadlock
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
