package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"recycle-rewards-api/internal/database"
	"recycle-rewards-api/internal/middleware"
	"recycle-rewards-api/internal/models"
	"recycle-rewards-api/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const testPasscode = "teacher123"

func setupTestHandler(t *testing.T) (*Handler, func()) {
	dbPath := "./test_handler_" + uuid.New().String() + ".db"
	db, err := database.NewDB(dbPath)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	svc := service.NewService(db)
	h := NewHandler(svc)

	cleanup := func() {
		db.Close()
		os.Remove(dbPath)
	}

	return h, cleanup
}

func setupRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()
	r.Route("/students", func(r chi.Router) {
		r.Post("/", h.RegisterStudent)
		r.Get("/{student_id}", h.GetStudent)
		r.Post("/{student_id}/captures", h.RecordCapture)
		r.Get("/{student_id}/claimable", h.GetClaimable)
		r.Post("/{student_id}/claims", h.ClaimTicket)
		r.Get("/{student_id}/history", h.ListHistory)
		r.Group(func(r chi.Router) {
			r.Use(middleware.AdminOnly(testPasscode))
			r.Post("/{student_id}/redemptions", h.RedeemTickets)
			r.Get("/{student_id}/redemptions", h.ListRedemptions)
		})
	})
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	return r
}

func registerStudent(t *testing.T, r *chi.Mux, id string) {
	t.Helper()

	body, _ := json.Marshal(models.RegisterStudentRequest{ID: id, Name: "Test Student"})
	req := httptest.NewRequest("POST", "/students", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("Registration failed with status %d: %s", rr.Code, rr.Body.String())
	}
}

func submitBottleCapture(t *testing.T, r *chi.Mux, id string) {
	t.Helper()

	body, _ := json.Marshal(models.CaptureRequest{
		Predictions: []models.Prediction{
			{ID: "n04557648", Label: "water_bottle", Probability: 0.91},
		},
	})
	req := httptest.NewRequest("POST", "/students/"+id+"/captures", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("Capture failed with status %d: %s", rr.Code, rr.Body.String())
	}
}

func TestHealthCheck(t *testing.T) {
	h, cleanup := setupTestHandler(t)
	defer cleanup()

	r := setupRouter(h)

	req := httptest.NewRequest("GET", "/health", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rr.Code)
	}
	if rr.Body.String() != "OK" {
		t.Errorf("Expected body 'OK', got '%s'", rr.Body.String())
	}
}

func TestRegisterStudent_Success(t *testing.T) {
	h, cleanup := setupTestHandler(t)
	defer cleanup()

	r := setupRouter(h)

	body, _ := json.Marshal(models.RegisterStudentRequest{ID: "stu-001", Name: "Ana"})
	req := httptest.NewRequest("POST", "/students", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d. Body: %s", rr.Code, rr.Body.String())
	}

	var student models.Student
	if err := json.Unmarshal(rr.Body.Bytes(), &student); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if student.ID != "stu-001" {
		t.Errorf("Expected ID stu-001, got %s", student.ID)
	}
	if student.Points != 0 {
		t.Errorf("Expected 0 points, got %d", student.Points)
	}
}

func TestRegisterStudent_InvalidJSON(t *testing.T) {
	h, cleanup := setupTestHandler(t)
	defer cleanup()

	r := setupRouter(h)

	req := httptest.NewRequest("POST", "/students", bytes.NewBufferString("invalid json"))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", rr.Code)
	}

	var response models.ErrorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to unmarshal error response: %v", err)
	}
	if response.Error == "" {
		t.Error("Expected error message in response")
	}
}

func TestRegisterStudent_InvalidID(t *testing.T) {
	h, cleanup := setupTestHandler(t)
	defer cleanup()

	r := setupRouter(h)

	body, _ := json.Marshal(models.RegisterStudentRequest{ID: "bad id!", Name: "Ana"})
	req := httptest.NewRequest("POST", "/students", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d. Body: %s", rr.Code, rr.Body.String())
	}
}

func TestGetStudent_NotFound(t *testing.T) {
	h, cleanup := setupTestHandler(t)
	defer cleanup()

	r := setupRouter(h)

	req := httptest.NewRequest("GET", "/students/ghost", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", rr.Code)
	}
}

func TestCaptureAndDashboardFlow(t *testing.T) {
	h, cleanup := setupTestHandler(t)
	defer cleanup()

	r := setupRouter(h)
	registerStudent(t, r, "stu-001")
	submitBottleCapture(t, r, "stu-001")

	req := httptest.NewRequest("GET", "/students/stu-001", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d. Body: %s", rr.Code, rr.Body.String())
	}

	var snapshot models.StudentSnapshot
	if err := json.Unmarshal(rr.Body.Bytes(), &snapshot); err != nil {
		t.Fatalf("Failed to unmarshal snapshot: %v", err)
	}
	if snapshot.Points != 1 {
		t.Errorf("Expected 1 point after capture, got %d", snapshot.Points)
	}
	if snapshot.MonthlyCap != 3 {
		t.Errorf("Expected monthly cap 3, got %d", snapshot.MonthlyCap)
	}
}

func TestCapture_RejectedLabelCreditsNothing(t *testing.T) {
	h, cleanup := setupTestHandler(t)
	defer cleanup()

	r := setupRouter(h)
	registerStudent(t, r, "stu-001")

	body, _ := json.Marshal(models.CaptureRequest{
		Predictions: []models.Prediction{
			{ID: "n04591713", Label: "wine_bottle", Probability: 0.88},
		},
	})
	req := httptest.NewRequest("POST", "/students/stu-001/captures", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d. Body: %s", rr.Code, rr.Body.String())
	}

	var result models.CaptureResult
	if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil {
		t.Fatalf("Failed to unmarshal result: %v", err)
	}
	if result.Valid {
		t.Error("Expected capture rejected")
	}
	if result.Points != 0 {
		t.Errorf("Expected 0 points, got %d", result.Points)
	}
}

func TestCapture_MissingPredictions(t *testing.T) {
	h, cleanup := setupTestHandler(t)
	defer cleanup()

	r := setupRouter(h)
	registerStudent(t, r, "stu-001")

	body, _ := json.Marshal(models.CaptureRequest{})
	req := httptest.NewRequest("POST", "/students/stu-001/captures", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d. Body: %s", rr.Code, rr.Body.String())
	}
}

func TestClaimTicket_Flow(t *testing.T) {
	h, cleanup := setupTestHandler(t)
	defer cleanup()

	r := setupRouter(h)
	registerStudent(t, r, "stu-001")
	for i := 0; i < 15; i++ {
		submitBottleCapture(t, r, "stu-001")
	}

	// Claimable should report one ticket.
	req := httptest.NewRequest("GET", "/students/stu-001/claimable", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}
	var claimable models.ClaimableResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &claimable); err != nil {
		t.Fatalf("Failed to unmarshal claimable: %v", err)
	}
	if claimable.ClaimableNow != 1 {
		t.Fatalf("Expected 1 claimable, got %d", claimable.ClaimableNow)
	}

	// Claim it.
	req = httptest.NewRequest("POST", "/students/stu-001/claims", nil)
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d. Body: %s", rr.Code, rr.Body.String())
	}

	var result models.ClaimResult
	if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil {
		t.Fatalf("Failed to unmarshal claim result: %v", err)
	}
	if result.Points != 0 || result.Available != 1 || result.ClaimedMonth != 1 {
		t.Errorf("Unexpected claim result: %+v", result)
	}

	// Second claim with no points left.
	req = httptest.NewRequest("POST", "/students/stu-001/claims", nil)
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != http.StatusConflict {
		t.Errorf("Expected status 409, got %d. Body: %s", rr.Code, rr.Body.String())
	}
}

func TestClaimTicket_InvalidNowParam(t *testing.T) {
	h, cleanup := setupTestHandler(t)
	defer cleanup()

	r := setupRouter(h)
	registerStudent(t, r, "stu-001")

	req := httptest.NewRequest("POST", "/students/stu-001/claims?now=yesterday", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", rr.Code)
	}
}

func TestRedeem_RequiresPasscode(t *testing.T) {
	h, cleanup := setupTestHandler(t)
	defer cleanup()

	r := setupRouter(h)
	registerStudent(t, r, "stu-001")

	body, _ := json.Marshal(models.RedeemRequest{Qty: 1})
	req := httptest.NewRequest("POST", "/students/stu-001/redemptions", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401 without passcode, got %d", rr.Code)
	}

	req = httptest.NewRequest("POST", "/students/stu-001/redemptions", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.AdminPasscodeHeader, "wrong")
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401 with wrong passcode, got %d", rr.Code)
	}
}

func TestRedeem_Flow(t *testing.T) {
	h, cleanup := setupTestHandler(t)
	defer cleanup()

	r := setupRouter(h)
	registerStudent(t, r, "stu-001")
	for i := 0; i < 30; i++ {
		submitBottleCapture(t, r, "stu-001")
	}
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("POST", "/students/stu-001/claims", nil)
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, req)
		if rr.Code != http.StatusCreated {
			t.Fatalf("Claim failed with status %d: %s", rr.Code, rr.Body.String())
		}
	}

	// Redeeming more than available fails cleanly.
	body, _ := json.Marshal(models.RedeemRequest{Qty: 3})
	req := httptest.NewRequest("POST", "/students/stu-001/redemptions", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.AdminPasscodeHeader, testPasscode)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != http.StatusConflict {
		t.Fatalf("Expected status 409, got %d. Body: %s", rr.Code, rr.Body.String())
	}

	// Redeem both tickets with a note.
	body, _ = json.Marshal(models.RedeemRequest{Qty: 2, Note: "bonus"})
	req = httptest.NewRequest("POST", "/students/stu-001/redemptions", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.AdminPasscodeHeader, testPasscode)
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d. Body: %s", rr.Code, rr.Body.String())
	}

	var result models.RedeemResult
	if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil {
		t.Fatalf("Failed to unmarshal redeem result: %v", err)
	}
	if result.Available != 0 {
		t.Errorf("Expected 0 tickets left, got %d", result.Available)
	}

	// Audit trail shows exactly one record.
	req = httptest.NewRequest("GET", "/students/stu-001/redemptions", nil)
	req.Header.Set(middleware.AdminPasscodeHeader, testPasscode)
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}

	var list models.RedemptionsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil {
		t.Fatalf("Failed to unmarshal redemptions: %v", err)
	}
	if len(list.Redemptions) != 1 {
		t.Fatalf("Expected 1 redemption, got %d", len(list.Redemptions))
	}
	if list.Redemptions[0].Qty != 2 || list.Redemptions[0].Note != "bonus" {
		t.Errorf("Unexpected redemption record: %+v", list.Redemptions[0])
	}
}

func TestRedeem_InvalidQuantity(t *testing.T) {
	h, cleanup := setupTestHandler(t)
	defer cleanup()

	r := setupRouter(h)
	registerStudent(t, r, "stu-001")

	body, _ := json.Marshal(models.RedeemRequest{Qty: 0})
	req := httptest.NewRequest("POST", "/students/stu-001/redemptions", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.AdminPasscodeHeader, testPasscode)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d. Body: %s", rr.Code, rr.Body.String())
	}
}

func TestHistory_Listing(t *testing.T) {
	h, cleanup := setupTestHandler(t)
	defer cleanup()

	r := setupRouter(h)
	registerStudent(t, r, "stu-001")
	submitBottleCapture(t, r, "stu-001")

	req := httptest.NewRequest("GET", "/students/stu-001/history", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}

	var history models.HistoryResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &history); err != nil {
		t.Fatalf("Failed to unmarshal history: %v", err)
	}
	if len(history.History) != 1 || !history.History[0].Valid {
		t.Errorf("Expected one valid history entry, got %+v", history.History)
	}
}

func TestPeriodRollover_ViaNowParam(t *testing.T) {
	h, cleanup := setupTestHandler(t)
	defer cleanup()

	r := setupRouter(h)
	registerStudent(t, r, "stu-001")
	for i := 0; i < 45; i++ {
		submitBottleCapture(t, r, "stu-001")
	}

	// Exhaust the January cap.
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("POST", "/students/stu-001/claims?now=2024-01-15T12:00:00Z", nil)
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, req)
		if rr.Code != http.StatusCreated {
			t.Fatalf("January claim %d failed: %d %s", i+1, rr.Code, rr.Body.String())
		}
	}

	req := httptest.NewRequest("GET", "/students/stu-001/claimable?now=2024-01-20T12:00:00Z", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	var claimable models.ClaimableResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &claimable); err != nil {
		t.Fatalf("Failed to unmarshal claimable: %v", err)
	}
	if claimable.ClaimableNow != 0 {
		t.Fatalf("Expected 0 claimable at January cap, got %d", claimable.ClaimableNow)
	}

	// New month, counter resets.
	req = httptest.NewRequest("GET", "/students/stu-001/claimable?now=2024-02-01T09:00:00Z", nil)
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if err := json.Unmarshal(rr.Body.Bytes(), &claimable); err != nil {
		t.Fatalf("Failed to unmarshal claimable: %v", err)
	}
	if claimable.ClaimableNow == 0 {
		t.Error("Expected claimable tickets after month rollover")
	}
}
