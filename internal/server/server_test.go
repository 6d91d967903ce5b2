package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"dealdesk/internal/config"
	"dealdesk/internal/db"
	"dealdesk/internal/domain"
	"dealdesk/internal/engine"
	"dealdesk/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Close() { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default("ws-1"))
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func bearer(t *testing.T, actorID string, role domain.Role) map[string]string {
	t.Helper()
	token, err := IssueToken(testSecret, actorID, role)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("decode error envelope %s: %v", data, err)
	}
	return envelope.Error.Code
}

func TestHealthRequiresNoAuth(t *testing.T) {
	ts := newTestServer(t)
	resp, _ := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/health", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestMissingCredentialsRejected(t *testing.T) {
	ts := newTestServer(t)
	resp, data := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/projects", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if code := errorCode(t, data); code != "unauthorized" {
		t.Fatalf("code = %s, want unauthorized", code)
	}
}

func TestProjectLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	clientAuth := bearer(t, "client-1", domain.RoleClient)
	talentAuth := bearer(t, "talent-1", domain.RoleTalent)

	resp, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/projects", CreateProjectRequest{
		ID:    "proj-1",
		Title: "Growth sprint",
	}, clientAuth)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create project: status = %d: %s", resp.StatusCode, data)
	}
	var created ProjectResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("decode project: %v", err)
	}
	if created.Phase != domain.PhaseLive || created.ClientID != "client-1" {
		t.Fatalf("created = %+v, want live phase for client-1", created)
	}

	resp, data = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/projects/proj-1/assign", AssignTalentRequest{TalentID: "talent-1"}, clientAuth)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("assign: status = %d: %s", resp.StatusCode, data)
	}

	resp, data = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/projects/proj-1/deliverables", CreateDeliverableRequest{Title: "SEO Audit"}, talentAuth)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("add deliverable: status = %d: %s", resp.StatusCode, data)
	}
	var deliverable domain.Deliverable
	if err := json.Unmarshal(data, &deliverable); err != nil {
		t.Fatalf("decode deliverable: %v", err)
	}
	if deliverable.EstimatedHours != 8 {
		t.Fatalf("estimated hours = %v, want config default 8", deliverable.EstimatedHours)
	}

	resp, data = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/deliverables/"+deliverable.ID+"/status",
		SetDeliverableStatusRequest{Status: "approved"}, clientAuth)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve: status = %d: %s", resp.StatusCode, data)
	}

	resp, data = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/projects/proj-1", nil, clientAuth)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("snapshot: status = %d", resp.StatusCode)
	}
	var snap SnapshotResponse
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Phase != domain.PhaseApproved || snap.Progress.Percentage != 100 || !snap.CanAccess {
		t.Fatalf("snapshot = phase %s progress %d access %v, want approved/100/true", snap.Phase, snap.Progress.Percentage, snap.CanAccess)
	}
}

func TestRoleErrorsUseEnvelope(t *testing.T) {
	ts := newTestServer(t)
	clientAuth := bearer(t, "client-1", domain.RoleClient)
	talentAuth := bearer(t, "talent-1", domain.RoleTalent)

	resp, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/projects", CreateProjectRequest{ID: "proj-1", Title: "Growth sprint"}, clientAuth)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create project: status = %d: %s", resp.StatusCode, data)
	}

	// Talent may not approve a release.
	resp, data = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/projects/proj-1/escrow/approve", EscrowActionRequest{}, talentAuth)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("talent approve: status = %d: %s", resp.StatusCode, data)
	}
	if code := errorCode(t, data); code != "forbidden" {
		t.Fatalf("code = %s, want forbidden", code)
	}

	// Client rejection requires a reason.
	resp, data = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/projects/proj-1/escrow/reject", EscrowActionRequest{}, clientAuth)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("reject without reason: status = %d: %s", resp.StatusCode, data)
	}
	if code := errorCode(t, data); code != "validation_failed" {
		t.Fatalf("code = %s, want validation_failed", code)
	}

	resp, data = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/projects/missing", nil, clientAuth)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing project: status = %d", resp.StatusCode)
	}
	if code := errorCode(t, data); code != "not_found" {
		t.Fatalf("code = %s, want not_found", code)
	}
}

func TestEscrowFlowOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	clientAuth := bearer(t, "client-1", domain.RoleClient)
	talentAuth := bearer(t, "talent-1", domain.RoleTalent)
	adminAuth := bearer(t, "admin-1", domain.RoleAdmin)

	resp, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/projects", CreateProjectRequest{ID: "proj-1", Title: "Growth sprint"}, clientAuth)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create project: status = %d: %s", resp.StatusCode, data)
	}

	resp, data = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/projects/proj-1/escrow/request", EscrowActionRequest{RequestID: "req-1"}, talentAuth)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("request: status = %d: %s", resp.StatusCode, data)
	}
	var state domain.EscrowState
	if err := json.Unmarshal(data, &state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if state.Status != domain.EscrowRequested || len(state.History) != 1 {
		t.Fatalf("state = %s/%d, want requested/1", state.Status, len(state.History))
	}

	resp, data = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/projects/proj-1/escrow/override", EscrowOverrideRequest{
		Action: "cancel",
		Reason: "chargeback",
	}, adminAuth)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("override: status = %d: %s", resp.StatusCode, data)
	}
	if err := json.Unmarshal(data, &state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if state.Status != domain.EscrowDisputed {
		t.Fatalf("status = %s, want disputed", state.Status)
	}

	resp, data = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/projects/proj-1/escrow", nil, clientAuth)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get escrow: status = %d", resp.StatusCode)
	}
	if err := json.Unmarshal(data, &state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if len(state.History) != 2 {
		t.Fatalf("history = %d, want 2", len(state.History))
	}
}

func TestLegacyActorHeader(t *testing.T) {
	ts := newTestServer(t)
	headers := map[string]string{"X-Actor-Id": "client-1", "X-Actor-Role": "client"}
	resp, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/projects", CreateProjectRequest{ID: "proj-1", Title: "Growth sprint"}, headers)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create with legacy header: status = %d: %s", resp.StatusCode, data)
	}

	resp, data = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/projects", nil, map[string]string{"X-Actor-Id": "client-1", "X-Actor-Role": "owner"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad legacy role: status = %d: %s", resp.StatusCode, data)
	}
}
