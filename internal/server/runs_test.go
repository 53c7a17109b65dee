package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/stepwise/internal/memory"
	"github.com/mohammad-safakhou/stepwise/internal/policy"
	"github.com/mohammad-safakhou/stepwise/internal/runner"
)

type stubRunner struct {
	sessions map[string]*runner.Session
	started  []string
}

func (s *stubRunner) Start(query string) *runner.Session {
	s.started = append(s.started, query)
	sess := &runner.Session{ID: "sess-1", Query: query, Status: runner.StatusPending, CreatedAt: time.Now()}
	s.sessions[sess.ID] = sess
	return sess
}

func (s *stubRunner) Lookup(id string) (*runner.Session, bool) {
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *stubRunner) GuardReport(id string) (policy.Report, bool) {
	if _, ok := s.sessions[id]; !ok {
		return policy.Report{}, false
	}
	return policy.Report{TotalToolCalls: 3}, true
}

func newTestAPI(t *testing.T) (*echo.Echo, *stubRunner, memory.Store, []byte) {
	t.Helper()
	e := echo.New()
	secret := []byte("test-secret")
	stub := &stubRunner{sessions: make(map[string]*runner.Session)}
	mem := memory.NewInMemoryStore()
	NewRunsHandler(stub, mem, nil).Register(e.Group("/api/runs"), secret)
	return e, stub, mem, secret
}

func authedRequest(t *testing.T, secret []byte, method, target, body string) *http.Request {
	t.Helper()
	token, err := SignJWT("user-1", secret, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestCreateRunAccepted(t *testing.T) {
	t.Parallel()

	e, stub, _, secret := newTestAPI(t)
	req := authedRequest(t, secret, http.MethodPost, "/api/runs", `{"query":"what is go"}`)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(stub.started) != 1 || stub.started[0] != "what is go" {
		t.Fatalf("started = %v", stub.started)
	}
	var sess runner.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &sess); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sess.ID != "sess-1" {
		t.Fatalf("session = %+v", sess)
	}
}

func TestCreateRunRequiresQuery(t *testing.T) {
	t.Parallel()

	e, _, _, secret := newTestAPI(t)
	req := authedRequest(t, secret, http.MethodPost, "/api/runs", `{}`)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestCreateRunRequiresAuth(t *testing.T) {
	t.Parallel()

	e, _, _, _ := newTestAPI(t)
	req := httptest.NewRequest(http.MethodPost, "/api/runs", strings.NewReader(`{"query":"q"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestGetRun(t *testing.T) {
	t.Parallel()

	e, stub, _, secret := newTestAPI(t)
	stub.sessions["sess-9"] = &runner.Session{ID: "sess-9", Status: runner.StatusDone, Answer: "42"}

	req := authedRequest(t, secret, http.MethodGet, "/api/runs/sess-9", "")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var sess runner.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &sess); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sess.Answer != "42" {
		t.Fatalf("session = %+v", sess)
	}
}

func TestGetRunNotFound(t *testing.T) {
	t.Parallel()

	e, _, _, secret := newTestAPI(t)
	req := authedRequest(t, secret, http.MethodGet, "/api/runs/nope", "")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestGetSteps(t *testing.T) {
	t.Parallel()

	e, stub, mem, secret := newTestAPI(t)
	stub.sessions["sess-2"] = &runner.Session{ID: "sess-2", Status: runner.StatusDone}
	_ = mem.Append(context.Background(), memory.StepRecord{SessionID: "sess-2", StepIndex: 0, Outcome: "final_answer", Payload: "done", CreatedAt: time.Now()})

	req := authedRequest(t, secret, http.MethodGet, "/api/runs/sess-2/steps", "")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var records []memory.StepRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &records); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(records) != 1 || records[0].Payload != "done" {
		t.Fatalf("records = %+v", records)
	}
}

func TestGetReport(t *testing.T) {
	t.Parallel()

	e, stub, _, secret := newTestAPI(t)
	stub.sessions["sess-3"] = &runner.Session{ID: "sess-3"}

	req := authedRequest(t, secret, http.MethodGet, "/api/runs/sess-3/report", "")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var report policy.Report
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.TotalToolCalls != 3 {
		t.Fatalf("report = %+v", report)
	}
}

func TestAuthCookieAccepted(t *testing.T) {
	t.Parallel()

	e, stub, _, secret := newTestAPI(t)
	stub.sessions["sess-4"] = &runner.Session{ID: "sess-4"}

	token, err := SignJWT("user-1", secret, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/runs/sess-4", nil)
	req.AddCookie(&http.Cookie{Name: "auth", Value: token})
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
