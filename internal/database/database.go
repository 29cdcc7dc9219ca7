package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"recycle-rewards-api/internal/models"
)

// TicketCost is the number of points one ticket costs.
const TicketCost = 15

// MonthlyTicketCap is the maximum number of tickets a student may claim per calendar month.
const MonthlyTicketCap = 3

var (
	// ErrNotFound is returned when a student or balance row does not exist.
	ErrNotFound = errors.New("database: not found")
	// ErrAlreadyExists is returned when creating a student whose ID is taken.
	ErrAlreadyExists = errors.New("database: student already exists")
	// ErrInsufficientPoints is returned when a claim finds fewer than TicketCost points at commit time.
	ErrInsufficientPoints = errors.New("database: insufficient points")
	// ErrInsufficientTickets is returned when a redemption exceeds the available balance.
	ErrInsufficientTickets = errors.New("database: insufficient tickets")
	// ErrMonthlyCapReached is returned when a claim finds the monthly counter at the cap.
	ErrMonthlyCapReached = errors.New("database: monthly ticket cap reached")
)

// DB wraps the database connection and provides the transactional ledger operations.
type DB struct {
	conn *sql.DB
}

// NewDB creates a new database connection and initializes the schema.
func NewDB(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=1&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows a single writer. A one-connection pool serializes all
	// transactions, so concurrent claims and redemptions on the same student
	// observe a total order instead of failing with SQLITE_BUSY.
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn}

	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// initSchema creates the necessary tables if they don't exist.
func (db *DB) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS students (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			points INTEGER NOT NULL DEFAULT 0 CHECK (points >= 0)
		)`,
		`CREATE TABLE IF NOT EXISTS ticket_balances (
			student_id TEXT PRIMARY KEY REFERENCES students(id),
			available INTEGER NOT NULL DEFAULT 0 CHECK (available >= 0),
			claimed_month INTEGER NOT NULL DEFAULT 0,
			month_key TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS redemptions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			student_id TEXT NOT NULL REFERENCES students(id),
			qty INTEGER NOT NULL,
			note TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			student_id TEXT NOT NULL REFERENCES students(id),
			valid INTEGER NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_redemptions_student_id ON redemptions(student_id)`,
		`CREATE INDEX IF NOT EXISTS idx_history_student_id ON history(student_id)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}

	return nil
}

// GetStudent returns the student with the given ID.
func (db *DB) GetStudent(ctx context.Context, id string) (models.Student, error) {
	var s models.Student
	err := db.conn.QueryRowContext(ctx,
		`SELECT id, name, points FROM students WHERE id = ?`, id,
	).Scan(&s.ID, &s.Name, &s.Points)
	if err == sql.ErrNoRows {
		return models.Student{}, ErrNotFound
	}
	if err != nil {
		return models.Student{}, fmt.Errorf("failed to query student: %w", err)
	}
	return s, nil
}

// CreateStudent inserts a new student with zero points.
// Returns ErrAlreadyExists if the ID is taken.
func (db *DB) CreateStudent(ctx context.Context, id, name string) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO students (id, name, points) VALUES (?, ?, 0)`, id, name)
	if err != nil {
		var sqlErr sqlite3.Error
		if errors.As(err, &sqlErr) && sqlErr.Code == sqlite3.ErrConstraint {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to insert student: %w", err)
	}
	return nil
}

// EnsureStudent creates the student and their ticket balance row if absent.
// Idempotent: safe to call for an already registered student.
func (db *DB) EnsureStudent(ctx context.Context, id, name string) error {
	if _, err := db.conn.ExecContext(ctx,
		`INSERT OR IGNORE INTO students (id, name, points) VALUES (?, ?, 0)`, id, name); err != nil {
		return fmt.Errorf("failed to ensure student: %w", err)
	}
	if _, err := db.conn.ExecContext(ctx,
		`INSERT OR IGNORE INTO ticket_balances (student_id, available, claimed_month, month_key)
		 VALUES (?, 0, 0, '')`, id); err != nil {
		return fmt.Errorf("failed to ensure ticket balance: %w", err)
	}
	return nil
}

// GetTicketBalance returns the ticket balance for a student, creating a zeroed
// row on first access. The lazy creation uses INSERT OR IGNORE, so concurrent
// callers can never produce more than one row per student.
// Returns ErrNotFound if the student does not exist.
func (db *DB) GetTicketBalance(ctx context.Context, studentID string) (models.TicketBalance, error) {
	if _, err := db.GetStudent(ctx, studentID); err != nil {
		return models.TicketBalance{}, err
	}

	if _, err := db.conn.ExecContext(ctx,
		`INSERT OR IGNORE INTO ticket_balances (student_id, available, claimed_month, month_key)
		 VALUES (?, 0, 0, '')`, studentID); err != nil {
		return models.TicketBalance{}, fmt.Errorf("failed to create ticket balance: %w", err)
	}

	var b models.TicketBalance
	err := db.conn.QueryRowContext(ctx,
		`SELECT student_id, available, claimed_month, month_key FROM ticket_balances WHERE student_id = ?`,
		studentID,
	).Scan(&b.StudentID, &b.Available, &b.ClaimedMonth, &b.MonthKey)
	if err != nil {
		return models.TicketBalance{}, fmt.Errorf("failed to query ticket balance: %w", err)
	}
	return b, nil
}

// EnsureMonthReset zeroes the monthly claim counter when the stored month tag
// differs from monthKey, and stamps the row with monthKey. A single guarded
// UPDATE, so the reset is atomic and idempotent.
func (db *DB) EnsureMonthReset(ctx context.Context, studentID, monthKey string) error {
	_, err := db.conn.ExecContext(ctx,
		`UPDATE ticket_balances SET claimed_month = 0, month_key = ?
		 WHERE student_id = ? AND month_key <> ?`,
		monthKey, studentID, monthKey)
	if err != nil {
		return fmt.Errorf("failed to reset month counter: %w", err)
	}
	return nil
}

// CreditPoint increments a student's points by exactly one and returns the new total.
// Returns ErrNotFound if the student does not exist.
func (db *DB) CreditPoint(ctx context.Context, studentID string) (int, error) {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE students SET points = points + 1 WHERE id = ?`, studentID)
	if err != nil {
		return 0, fmt.Errorf("failed to credit point: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if rows == 0 {
		return 0, ErrNotFound
	}

	var points int
	if err := db.conn.QueryRowContext(ctx,
		`SELECT points FROM students WHERE id = ?`, studentID).Scan(&points); err != nil {
		return 0, fmt.Errorf("failed to read points: %w", err)
	}
	return points, nil
}

// ClaimTicket converts TicketCost points into one ticket inside a single
// transaction: month reset, cap check, guarded point debit, ticket credit.
// Either every effect applies or none do.
//
// The point debit is guarded by "points >= ?" re-checked at write time, so two
// concurrent claims racing past the caller's eligibility check can never both
// succeed on a balance that only covers one ticket.
func (db *DB) ClaimTicket(ctx context.Context, studentID, monthKey string) (*models.ClaimResult, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO ticket_balances (student_id, available, claimed_month, month_key)
		 VALUES (?, 0, 0, '')`, studentID); err != nil {
		return nil, fmt.Errorf("failed to ensure ticket balance: %w", err)
	}

	var available, claimedMonth int
	var storedKey string
	err = tx.QueryRowContext(ctx,
		`SELECT available, claimed_month, month_key FROM ticket_balances WHERE student_id = ?`,
		studentID,
	).Scan(&available, &claimedMonth, &storedKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read ticket balance: %w", err)
	}

	// Month rollover inside the same transaction as the mutation.
	if storedKey != monthKey {
		claimedMonth = 0
	}
	if claimedMonth >= MonthlyTicketCap {
		return nil, ErrMonthlyCapReached
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE students SET points = points - ? WHERE id = ? AND points >= ?`,
		TicketCost, studentID, TicketCost)
	if err != nil {
		return nil, fmt.Errorf("failed to debit points: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if rows == 0 {
		if _, getErr := getStudentTx(ctx, tx, studentID); getErr != nil {
			return nil, getErr
		}
		return nil, ErrInsufficientPoints
	}

	claimedMonth++
	available++
	if _, err := tx.ExecContext(ctx,
		`UPDATE ticket_balances SET available = ?, claimed_month = ?, month_key = ? WHERE student_id = ?`,
		available, claimedMonth, monthKey, studentID); err != nil {
		return nil, fmt.Errorf("failed to credit ticket: %w", err)
	}

	var points int
	if err := tx.QueryRowContext(ctx,
		`SELECT points FROM students WHERE id = ?`, studentID).Scan(&points); err != nil {
		return nil, fmt.Errorf("failed to read points: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	return &models.ClaimResult{
		Points:       points,
		Available:    available,
		ClaimedMonth: claimedMonth,
		MonthKey:     monthKey,
	}, nil
}

// RedeemTickets debits qty tickets and appends a redemption audit record in one
// transaction. The debit is guarded by "available >= ?", so the audit record is
// only ever written against a balance that covered it.
func (db *DB) RedeemTickets(ctx context.Context, studentID string, qty int, note string) (*models.RedeemResult, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE ticket_balances SET available = available - ? WHERE student_id = ? AND available >= ?`,
		qty, studentID, qty)
	if err != nil {
		return nil, fmt.Errorf("failed to debit tickets: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if rows == 0 {
		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM ticket_balances WHERE student_id = ?`, studentID).Scan(&exists)
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("failed to check ticket balance: %w", err)
		}
		return nil, ErrInsufficientTickets
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO redemptions (student_id, qty, note, created_at) VALUES (?, ?, ?, ?)`,
		studentID, qty, note, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return nil, fmt.Errorf("failed to append redemption: %w", err)
	}

	var available int
	if err := tx.QueryRowContext(ctx,
		`SELECT available FROM ticket_balances WHERE student_id = ?`, studentID).Scan(&available); err != nil {
		return nil, fmt.Errorf("failed to read available tickets: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit redemption: %w", err)
	}

	return &models.RedeemResult{
		StudentID: studentID,
		Qty:       qty,
		Available: available,
	}, nil
}

// ListRedemptions returns a student's redemption records, most recent first.
func (db *DB) ListRedemptions(ctx context.Context, studentID string) ([]models.Redemption, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, student_id, qty, note, created_at FROM redemptions
		 WHERE student_id = ? ORDER BY id DESC`, studentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query redemptions: %w", err)
	}
	defer rows.Close()

	var redemptions []models.Redemption
	for rows.Next() {
		var r models.Redemption
		var note sql.NullString
		var createdAt string
		if err := rows.Scan(&r.ID, &r.StudentID, &r.Qty, &note, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan redemption: %w", err)
		}
		r.Note = note.String
		r.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse created_at: %w", err)
		}
		redemptions = append(redemptions, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating redemptions: %w", err)
	}

	return redemptions, nil
}

// AppendHistory appends one classification attempt to the capture audit trail.
func (db *DB) AppendHistory(ctx context.Context, studentID string, valid bool) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO history (student_id, valid, created_at) VALUES (?, ?, ?)`,
		studentID, valid, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

// ListHistory returns a student's capture attempts, most recent first.
func (db *DB) ListHistory(ctx context.Context, studentID string) ([]models.HistoryEntry, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, student_id, valid, created_at FROM history
		 WHERE student_id = ? ORDER BY id DESC`, studentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []models.HistoryEntry
	for rows.Next() {
		var e models.HistoryEntry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.StudentID, &e.Valid, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		e.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse created_at: %w", err)
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history: %w", err)
	}

	return entries, nil
}

func getStudentTx(ctx context.Context, tx *sql.Tx, id string) (models.Student, error) {
	var s models.Student
	err := tx.QueryRowContext(ctx,
		`SELECT id, name, points FROM students WHERE id = ?`, id,
	).Scan(&s.ID, &s.Name, &s.Points)
	if err == sql.ErrNoRows {
		return models.Student{}, ErrNotFound
	}
	if err != nil {
		return models.Student{}, fmt.Errorf("failed to query student: %w", err)
	}
	return s, nil
}
