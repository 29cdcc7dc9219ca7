package models

import "time"

// Student represents a registered student account.
type Student struct {
	ID     string `json:"id"`     // externally supplied school ID
	Name   string `json:"name"`
	Points int    `json:"points"` // always >= 0
}

// TicketBalance tracks a student's unredeemed tickets and the monthly claim counter.
// One row per student, created lazily on first access.
type TicketBalance struct {
	StudentID    string `json:"student_id"`
	Available    int    `json:"available"`     // unredeemed tickets, always >= 0
	ClaimedMonth int    `json:"claimed_month"` // tickets claimed within MonthKey
	MonthKey     string `json:"month_key"`     // "YYYY-MM" tag the counter applies to
}

// Redemption is an append-only audit record written when a teacher redeems tickets.
type Redemption struct {
	ID        int64     `json:"id"`
	StudentID string    `json:"student_id"`
	Qty       int       `json:"qty"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"` // server-assigned
}

// HistoryEntry is an append-only record of one classification attempt.
type HistoryEntry struct {
	ID        int64     `json:"id"`
	StudentID string    `json:"student_id"`
	Valid     bool      `json:"valid"`
	CreatedAt time.Time `json:"created_at"`
}

// RegisterStudentRequest is the request body for registering a student.
type RegisterStudentRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// StudentSnapshot is the dashboard view of a student's ledger state.
type StudentSnapshot struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Points       int    `json:"points"`
	Available    int    `json:"available"`
	ClaimedMonth int    `json:"claimed_month"`
	MonthlyCap   int    `json:"monthly_cap"`
	MonthKey     string `json:"month_key"`
	ClaimableNow int    `json:"claimable_now"`
}

// Prediction is one ranked label from the classification oracle.
type Prediction struct {
	ID          string  `json:"id"`
	Label       string  `json:"label"`
	Probability float64 `json:"probability"`
}

// CaptureRequest is the request body for recording a capture attempt.
// Either Predictions (the kiosk already called the oracle) or ImagePath
// (the server should call the oracle itself) must be set.
type CaptureRequest struct {
	Predictions []Prediction `json:"predictions,omitempty"`
	ImagePath   string       `json:"image_path,omitempty"`
}

// CaptureResult reports the outcome of a capture attempt.
type CaptureResult struct {
	Valid       bool         `json:"valid"`
	Points      int          `json:"points"`
	Predictions []Prediction `json:"predictions,omitempty"`
}

// ClaimResult reports the ledger state after a successful ticket claim.
type ClaimResult struct {
	Points       int    `json:"points"`
	Available    int    `json:"available"`
	ClaimedMonth int    `json:"claimed_month"`
	MonthKey     string `json:"month_key"`
}

// ClaimableResponse is the response for the claimable-tickets query.
type ClaimableResponse struct {
	StudentID    string `json:"student_id"`
	ClaimableNow int    `json:"claimable_now"`
}

// RedeemRequest is the request body for an admin ticket redemption.
type RedeemRequest struct {
	Qty  int    `json:"qty"`
	Note string `json:"note,omitempty"`
}

// RedeemResult reports the balance after a redemption.
type RedeemResult struct {
	StudentID string `json:"student_id"`
	Qty       int    `json:"qty"`
	Available int    `json:"available"`
}

// RedemptionsResponse wraps the redemption audit trail for a student.
type RedemptionsResponse struct {
	StudentID   string       `json:"student_id"`
	Redemptions []Redemption `json:"redemptions"`
}

// HistoryResponse wraps the capture history for a student.
type HistoryResponse struct {
	StudentID string         `json:"student_id"`
	History   []HistoryEntry `json:"history"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
}
