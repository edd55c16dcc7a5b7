package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lysyi3m/job-importer/app/database"
	"github.com/lysyi3m/job-importer/app/queue"
)

type MockJobStore struct {
	count int
	err   error
}

func (m *MockJobStore) Upsert(context.Context, database.Job) (bool, error) { return false, nil }
func (m *MockJobStore) Get(context.Context, string) (*database.Job, error) { return nil, nil }
func (m *MockJobStore) Count(context.Context) (int, error) { return m.count, m.err }

type MockLedger struct {
	logs      []database.ImportLog
	err       error
	lastPage  int
	lastLimit int
}

func (m *MockLedger) Create(context.Context, string) (string, error) { return "", nil }
func (m *MockLedger) SetTotal(context.Context, string, int) error { return nil }
func (m *MockLedger) IncrementOutcome(context.Context, string, bool) error { return nil }
func (m *MockLedger) RecordFailure(context.Context, string, int, string) error { return nil }
func (m *MockLedger) Count(context.Context) (int, error) { return len(m.logs), m.err }

func (m *MockLedger) Get(_ context.Context, id string) (*database.ImportLog, error) {
	if m.err != nil {
		return nil, m.err
	}
	for i := range m.logs {
		if m.logs[i].ID == id {
			return &m.logs[i], nil
		}
	}
	return nil, nil
}

func (m *MockLedger) List(_ context.Context, page, limit int) ([]database.ImportLog, error) {
	m.lastPage, m.lastLimit = page, limit
	if m.err != nil {
		return nil, m.err
	}
	start := (page - 1) * limit
	if start >= len(m.logs) {
		return nil, nil
	}
	return m.logs[start:min(start+limit, len(m.logs))], nil
}

type MockQueue struct {
	stats queue.Stats
	dead  []queue.DeadLetter
	err   error
}

func (m *MockQueue) Stats(context.Context) (queue.Stats, error) { return m.stats, m.err }
func (m *MockQueue) DeadLetters(context.Context, int) ([]queue.DeadLetter, error) {
	return m.dead, m.err
}

var importedAt = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleLogs(n int) []database.ImportLog {
	logs := make([]database.ImportLog, n)
	for i := range logs {
		logs[i] = database.ImportLog{
			ID:             string(rune('a' + i)),
			FileName:       "board",
			ImportDateTime: importedAt.Add(-time.Duration(i) * time.Hour),
			Total:          3,
			NewJobs:        2,
			FailedJobs:     1,
			FailedReasons:  []string{"boom"},
		}
	}
	return logs
}

func newTestServer(ledger *MockLedger, jobs *MockJobStore, q *MockQueue, apiKey string) http.Handler {
	handler := NewHandler(jobs, ledger, q, "test")
	handler.now = func() time.Time { return importedAt }
	return NewServer(handler, apiKey)
}

func doRequest(t *testing.T, h http.Handler, path string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestGetHealth(t *testing.T) {
	server := newTestServer(&MockLedger{}, &MockJobStore{}, &MockQueue{}, "")

	rec := doRequest(t, server, "/api/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}
	if body["status"] != "ok" || body["timestamp"] != "2024-03-01T12:00:00Z" {
		t.Errorf("Unexpected health body: %v", body)
	}
}

func TestListImportLogs(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantItems  int
		wantPage   int
		wantLimit  int
	}{
		{"defaults", "", http.StatusOK, 5, 1, 50},
		{"second page", "?page=2&limit=2", http.StatusOK, 2, 2, 2},
		{"past the end", "?page=9&limit=2", http.StatusOK, 0, 9, 2},
		{"limit capped", "?limit=1000", http.StatusOK, 5, 1, 200},
		{"zero page falls back", "?page=0", http.StatusOK, 5, 1, 50},
		{"negative page falls back", "?page=-3&limit=2", http.StatusOK, 2, 1, 2},
		{"malformed limit falls back", "?limit=abc", http.StatusOK, 5, 1, 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := &MockLedger{logs: sampleLogs(5)}
			server := newTestServer(ledger, &MockJobStore{}, &MockQueue{}, "")

			rec := doRequest(t, server, "/api/import-logs"+tt.query, nil)
			if rec.Code != tt.wantStatus {
				t.Fatalf("Expected %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
			var body importLogListResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("Invalid JSON: %v", err)
			}
			if len(body.Items) != tt.wantItems {
				t.Errorf("Expected %d items, got %d", tt.wantItems, len(body.Items))
			}
			if body.Pagination.Page != tt.wantPage || body.Pagination.Limit != tt.wantLimit || body.Pagination.Total != 5 {
				t.Errorf("Unexpected pagination: %+v", body.Pagination)
			}
			if ledger.lastLimit != tt.wantLimit {
				t.Errorf("Expected ledger limit %d, got %d", tt.wantLimit, ledger.lastLimit)
			}
		})
	}
}

func TestListImportLogs_WireNames(t *testing.T) {
	server := newTestServer(&MockLedger{logs: sampleLogs(1)}, &MockJobStore{}, &MockQueue{}, "")

	rec := doRequest(t, server, "/api/import-logs", nil)

	var body struct {
		Items []map[string]any `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}

	for _, key := range []string{"fileName", "importDateTime", "total", "newJobs", "updatedJobs", "failedJobs", "failedReasons"} {
		if _, ok := body.Items[0][key]; !ok {
			t.Errorf("Expected key %q in %v", key, body.Items[0])
		}
	}
}

func TestGetImportLog(t *testing.T) {
	tests := []struct {
		name       string
		ledger     *MockLedger
		id         string
		wantStatus int
	}{
		{"found", &MockLedger{logs: sampleLogs(2)}, "b", http.StatusOK},
		{"missing", &MockLedger{logs: sampleLogs(2)}, "zzz", http.StatusNotFound},
		{"database error", &MockLedger{err: errors.New("disk full")}, "a", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newTestServer(tt.ledger, &MockJobStore{}, &MockQueue{}, "")

			rec := doRequest(t, server, "/api/import-logs/"+tt.id, nil)
			if rec.Code != tt.wantStatus {
				t.Fatalf("Expected %d, got %d", tt.wantStatus, rec.Code)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}

			var body importLogResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("Invalid JSON: %v", err)
			}
			if body.ID != tt.id || !body.Settled {
				t.Errorf("Unexpected log: %+v", body)
			}
		})
	}
}

func TestGetStats(t *testing.T) {
	q := &MockQueue{stats: queue.Stats{Pending: 4, Dead: 1}}
	server := newTestServer(&MockLedger{logs: sampleLogs(3)}, &MockJobStore{count: 42}, q, "")

	rec := doRequest(t, server, "/api/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var body struct {
		Jobs       int         `json:"jobs"`
		ImportLogs int         `json:"importLogs"`
		Queue      queue.Stats `json:"queue"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}
	if body.Jobs != 42 || body.ImportLogs != 3 || body.Queue.Pending != 4 || body.Queue.Dead != 1 {
		t.Errorf("Unexpected stats: %+v", body)
	}
}

func TestGetStats_StoreError(t *testing.T) {
	server := newTestServer(&MockLedger{}, &MockJobStore{err: errors.New("gone")}, &MockQueue{}, "")

	if rec := doRequest(t, server, "/api/stats", nil); rec.Code != http.StatusInternalServerError {
		t.Errorf("Expected 500, got %d", rec.Code)
	}
}

func TestListDeadLetters(t *testing.T) {
	q := &MockQueue{dead: []queue.DeadLetter{{ID: "t1", Name: "importJob", Attempts: 3, LastError: "boom", DiedAt: importedAt}}}
	server := newTestServer(&MockLedger{}, &MockJobStore{}, q, "")

	rec := doRequest(t, server, "/api/queue/dead-letters", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var body struct {
		Items []deadLetterResponse `json:"items"`
		Total int                  `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}
	if body.Total != 1 || body.Items[0].Attempts != 3 || body.Items[0].LastError != "boom" {
		t.Errorf("Unexpected dead letters: %+v", body)
	}
}

func TestAuthMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		headers    map[string]string
		wantStatus int
	}{
		{"health is public", "/api/health", nil, http.StatusOK},
		{"missing key", "/api/stats", nil, http.StatusUnauthorized},
		{"wrong key", "/api/stats", map[string]string{"X-API-Key": "nope"}, http.StatusUnauthorized},
		{"header key", "/api/stats", map[string]string{"X-API-Key": "secret"}, http.StatusOK},
		{"bearer key", "/api/stats", map[string]string{"Authorization": "Bearer secret"}, http.StatusOK},
	}

	server := newTestServer(&MockLedger{}, &MockJobStore{}, &MockQueue{}, "secret")

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := doRequest(t, server, tt.path, tt.headers); rec.Code != tt.wantStatus {
				t.Errorf("Expected %d, got %d", tt.wantStatus, rec.Code)
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	server := newTestServer(&MockLedger{}, &MockJobStore{}, &MockQueue{}, "")

	req := httptest.NewRequest(http.MethodOptions, "/api/import-logs", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("Expected 204, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("Expected CORS header")
	}
}
