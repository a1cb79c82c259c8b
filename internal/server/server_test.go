package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"fieldproof/internal/config"
	"fieldproof/internal/db"
	"fieldproof/internal/engine"
	"fieldproof/internal/migrate"
	"fieldproof/internal/storage"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("fieldproof")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	store, err := storage.NewFS(workspace)
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		Store:    store,
		BasePath: "/v0",
		Auth:     AuthConfig{AllowLegacyActorHeader: true},
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
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-Id", "super-1")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestOrderLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/orders", map[string]any{
		"site":        "Plant 7",
		"description": "Replace breaker panel",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create order: %d %s", res.StatusCode, string(data))
	}
	var order OrderResponse
	if err := json.Unmarshal(data, &order); err != nil {
		t.Fatalf("unmarshal order: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/orders/"+order.ID+"/roster", map[string]any{
		"roster": []string{"tech-1"},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("assign: %d %s", res.StatusCode, string(data))
	}
	var sync SyncResponse
	_ = json.Unmarshal(data, &sync)
	if sync.Order.State != "assigned" {
		t.Fatalf("state after assign = %s", sync.Order.State)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/orders/"+order.ID+"/accept", map[string]any{}, map[string]string{"X-Actor-Id": "tech-1"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("accept: %d %s", res.StatusCode, string(data))
	}
	var assignment AssignmentResponse
	_ = json.Unmarshal(data, &assignment)
	if assignment.State != "accepted" {
		t.Fatalf("assignment state = %s", assignment.State)
	}

	// early finalize reports the mandatory titles still missing
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/orders/"+order.ID+"/finalize", nil, map[string]string{"X-Actor-Id": "tech-1"})
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, string(data))
	}
	var envlp struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	_ = json.Unmarshal(data, &envlp)
	if envlp.Error.Code != "incomplete_evidence" {
		t.Fatalf("error code = %s (%s)", envlp.Error.Code, string(data))
	}

	// evidence named after the mandatory items links by exact match
	for _, name := range []string{"Site overview photo.jpg", "Closeup panel.jpg"} {
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/assignments/"+assignment.ID+"/evidence", map[string]any{
			"filename":    name,
			"data_base64": "aGVsbG8=",
		}, map[string]string{"X-Actor-Id": "tech-1"})
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("upload %s: %d %s", name, res.StatusCode, string(data))
		}
		var ev EvidenceResponse
		_ = json.Unmarshal(data, &ev)
		if ev.ItemID == nil {
			t.Fatalf("upload %s not linked: %s", name, string(data))
		}
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/orders/"+order.ID+"/gate", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("gate: %d %s", res.StatusCode, string(data))
	}
	var gate GateResponse
	_ = json.Unmarshal(data, &gate)
	if !gate.Open {
		t.Fatalf("gate still closed: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/orders/"+order.ID+"/finalize", nil, map[string]string{"X-Actor-Id": "tech-1"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("finalize: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/orders/"+order.ID+"/approve", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve: %d %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &order)
	if order.State != "approved" {
		t.Fatalf("final state = %s", order.State)
	}
}

func TestPendingAcceptanceEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/orders", map[string]any{"site": "Depot"}, nil)
	var order OrderResponse
	_ = json.Unmarshal(data, &order)
	doJSON(t, client, http.MethodPut, srv.URL+"/v0/orders/"+order.ID+"/roster", map[string]any{
		"roster": []string{"tech-1", "tech-2"},
	}, nil)
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/orders/"+order.ID+"/accept", map[string]any{}, map[string]string{"X-Actor-Id": "tech-1"})

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/orders/"+order.ID+"/finalize", nil, map[string]string{"X-Actor-Id": "tech-1"})
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, string(body))
	}
	var envlp struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	_ = json.Unmarshal(body, &envlp)
	if envlp.Error.Code != "pending_acceptance" {
		t.Fatalf("error code = %s", envlp.Error.Code)
	}
	techs, _ := envlp.Error.Details["technicians"].([]any)
	if len(techs) != 1 || techs[0] != "tech-2" {
		t.Fatalf("blocking technicians = %v", envlp.Error.Details)
	}
}

func TestInvalidTransitionConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/orders", map[string]any{"site": "Depot"}, nil)
	var order OrderResponse
	_ = json.Unmarshal(data, &order)

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/orders/"+order.ID+"/reject", map[string]any{
		"reason": "nope",
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(body))
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v0/orders", nil)
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
	// health stays open
	res2, err := srv.Client().Get(srv.URL + "/v0/health")
	if err != nil {
		t.Fatal(err)
	}
	defer res2.Body.Close()
	if res2.StatusCode != http.StatusOK {
		t.Fatalf("health = %d", res2.StatusCode)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/apikeys", map[string]any{
		"actor_id": "bot-1",
		"name":     "ci",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key: %d %s", res.StatusCode, string(data))
	}
	var key APIKeyResponse
	_ = json.Unmarshal(data, &key)
	if key.Key == "" {
		t.Fatal("secret not returned on creation")
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v0/me", nil)
	req.Header.Set("X-Api-Key", key.Key)
	res2, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res2.Body.Close()
	body, _ := io.ReadAll(res2.Body)
	if res2.StatusCode != http.StatusOK {
		t.Fatalf("me with api key: %d %s", res2.StatusCode, string(body))
	}
	var me map[string]any
	_ = json.Unmarshal(body, &me)
	if me["actor_id"] != "bot-1" {
		t.Fatalf("actor = %v", me["actor_id"])
	}
}
