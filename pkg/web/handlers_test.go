package web

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/voxbotics/go-callbot/pkg/conversation"
	"github.com/voxbotics/go-callbot/pkg/router"
)

type fakeController struct {
	incomingErr error
	outboundID  string
	outboundErr error
	sessions    []conversation.Status
	instances   []router.InstanceStatus

	ended    []string
	incoming []string
}

func (f *fakeController) HandleIncomingCall(ctx context.Context, instanceID, sessionID, callerID, entryPoint string) error {
	f.incoming = append(f.incoming, sessionID)
	return f.incomingErr
}

func (f *fakeController) HandleOutboundCall(ctx context.Context, instanceID, callee, scenarioID string) (string, error) {
	return f.outboundID, f.outboundErr
}

func (f *fakeController) EndCall(sessionID string) error {
	f.ended = append(f.ended, sessionID)
	return nil
}

func (f *fakeController) SessionStatus(sessionID string) (conversation.Status, error) {
	for _, st := range f.sessions {
		if st.SessionID == sessionID {
			return st, nil
		}
	}
	return conversation.Status{}, router.ErrSessionNotFound
}

func (f *fakeController) ActiveSessions() []conversation.Status { return f.sessions }
func (f *fakeController) Instances() []router.InstanceStatus    { return f.instances }

type fakeFailures map[string]int

func (f fakeFailures) Snapshot() map[string]int { return f }

func newTestServer(ctrl *fakeController) *Server {
	return NewServer(Config{
		ListenAddr: ":0",
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, ctrl, fakeFailures{"llm": 2}, nil)
}

func doJSON(t *testing.T, s *Server, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.app.Test(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil && err != io.EOF {
		t.Fatalf("decode response: %v", err)
	}
	return resp, decoded
}

func TestCallStart(t *testing.T) {
	ctrl := &fakeController{}
	s := newTestServer(ctrl)

	resp, body := doJSON(t, s, http.MethodPost, "/api/call/start", CallStartRequest{
		InstanceID: "fs1",
		SessionID:  "c1",
		CallerID:   "1001",
		EntryPoint: "1000",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
	}
	if len(ctrl.incoming) != 1 || ctrl.incoming[0] != "c1" {
		t.Errorf("dispatched = %v", ctrl.incoming)
	}
}

func TestCallStartValidation(t *testing.T) {
	s := newTestServer(&fakeController{})

	resp, _ := doJSON(t, s, http.MethodPost, "/api/call/start", CallStartRequest{InstanceID: "fs1"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing session_id: status = %d", resp.StatusCode)
	}
}

func TestCallStartErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"unknown instance", router.ErrUnknownInstance, http.StatusNotFound},
		{"duplicate session", router.ErrDuplicateSession, http.StatusConflict},
		{"instance down", router.ErrInstanceDown, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(&fakeController{incomingErr: tt.err})
			resp, _ := doJSON(t, s, http.MethodPost, "/api/call/start", CallStartRequest{
				InstanceID: "fs1",
				SessionID:  "c1",
			})
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestCallOutbound(t *testing.T) {
	ctrl := &fakeController{outboundID: "generated-id"}
	s := newTestServer(ctrl)

	resp, body := doJSON(t, s, http.MethodPost, "/api/call/outbound", CallOutboundRequest{
		InstanceID: "fs1",
		Callee:     "13800138000",
		ScenarioID: "sales",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["session_id"] != "generated-id" {
		t.Errorf("session_id = %v", body["session_id"])
	}
}

func TestCallEndAndStatus(t *testing.T) {
	ctrl := &fakeController{
		sessions: []conversation.Status{{SessionID: "c1", State: "asr_listening"}},
	}
	s := newTestServer(ctrl)

	resp, body := doJSON(t, s, http.MethodGet, "/api/call/status/c1", nil)
	if resp.StatusCode != http.StatusOK || body["state"] != "asr_listening" {
		t.Errorf("status = %d, body = %v", resp.StatusCode, body)
	}

	resp, _ = doJSON(t, s, http.MethodGet, "/api/call/status/nope", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown session status = %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, s, http.MethodPost, "/api/call/end/c1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("end status = %d", resp.StatusCode)
	}
	if len(ctrl.ended) != 1 || ctrl.ended[0] != "c1" {
		t.Errorf("ended = %v", ctrl.ended)
	}
}

func TestHealth(t *testing.T) {
	ctrl := &fakeController{
		instances: []router.InstanceStatus{
			{ID: "fs1", Connected: true},
			{ID: "fs2", Connected: false},
		},
		sessions: []conversation.Status{{SessionID: "c1"}},
	}
	s := newTestServer(ctrl)

	resp, body := doJSON(t, s, http.MethodGet, "/api/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["status"] != "ok" {
		t.Errorf("health status = %v", body["status"])
	}
	if body["instances_connected"] != float64(1) {
		t.Errorf("instances_connected = %v", body["instances_connected"])
	}
	failures, _ := body["failures"].(map[string]any)
	if failures["llm"] != float64(2) {
		t.Errorf("failures = %v", failures)
	}
}

func TestHealthDegradedWhenAllInstancesDown(t *testing.T) {
	ctrl := &fakeController{
		instances: []router.InstanceStatus{{ID: "fs1", Connected: false}},
	}
	s := newTestServer(ctrl)

	_, body := doJSON(t, s, http.MethodGet, "/api/health", nil)
	if body["status"] != "degraded" {
		t.Errorf("health status = %v, want degraded", body["status"])
	}
}

func TestInstancesAndSessions(t *testing.T) {
	ctrl := &fakeController{
		instances: []router.InstanceStatus{{ID: "fs1", Connected: true, Sessions: 2}},
		sessions: []conversation.Status{
			{SessionID: "c1"}, {SessionID: "c2"},
		},
	}
	s := newTestServer(ctrl)

	req := httptest.NewRequest(http.MethodGet, "/api/instances", nil)
	resp, err := s.app.Test(req)
	if err != nil {
		t.Fatalf("instances: %v", err)
	}
	var instances []router.InstanceStatus
	if err := json.NewDecoder(resp.Body).Decode(&instances); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(instances) != 1 || instances[0].ID != "fs1" {
		t.Errorf("instances = %+v", instances)
	}

	_, body := doJSON(t, s, http.MethodGet, "/api/sessions", nil)
	if body["count"] != float64(2) {
		t.Errorf("session count = %v", body["count"])
	}
}
