package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"guesthub/pkg/adapters"
	"guesthub/pkg/config"
	"guesthub/pkg/fanout"
	"guesthub/pkg/ingest"
	"guesthub/pkg/models"
	"guesthub/pkg/orchestrator"
	"guesthub/pkg/store"
)

func setupAPI(t *testing.T) *httptest.Server {
	t.Helper()
	if err := store.Open(t.TempDir()); err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cfg := &config.Config{}
	cfg.Channels = map[string]config.ChannelConfig{
		"whatsapp": {Enabled: true, ReplyWindow: config.Duration(24 * time.Hour)},
	}
	cfg.SLA.ResponseTarget = config.Duration(5 * time.Minute)

	bus := ingest.NewBus(2, 32)
	bus.Start()
	t.Cleanup(bus.Stop)

	hub := fanout.NewHub()
	orch := orchestrator.New(cfg, bus, ingest.NewDedup(time.Minute), hub)

	reg := adapters.NewRegistry()
	reg.Register(adapters.NewWhatsApp(cfg.Channel("whatsapp")))

	Setup(Deps{Cfg: cfg, Orch: orch, Registry: reg, Hub: hub})

	r := mux.NewRouter()
	v1 := r.PathPrefix("/v1").Subrouter()
	RegisterWebhooks(v1)
	RegisterThreads(v1)
	RegisterGuests(v1)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body string, hdr map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	return res
}

func decodeBody(t *testing.T, res *http.Response) map[string]any {
	t.Helper()
	defer res.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

const twilioPayload = `{"From":"whatsapp:+6598765432","Body":"towel please","MessageSid":"MSG123","ProfileName":"Alex Tan"}`

func TestWebhookAcceptsAndDeduplicates(t *testing.T) {
	srv := setupAPI(t)

	res := postJSON(t, srv.URL+"/v1/webhooks/whatsapp", twilioPayload, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.StatusCode)
	}
	body := decodeBody(t, res)
	if body["status"] != "accepted" || body["thread"] == "" {
		t.Fatalf("unexpected accept body: %v", body)
	}

	// provider retry with the same MessageSid is acknowledged, not re-ingested
	res = postJSON(t, srv.URL+"/v1/webhooks/whatsapp", twilioPayload, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("duplicate should still 200, got %d", res.StatusCode)
	}
	if body := decodeBody(t, res); body["status"] != "duplicate" {
		t.Fatalf("expected duplicate status: %v", body)
	}
}

func TestWebhookRejectsMalformedPayload(t *testing.T) {
	srv := setupAPI(t)

	res := postJSON(t, srv.URL+"/v1/webhooks/whatsapp", `{"Body":"no sender"}`, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for undecodable payload, got %d", res.StatusCode)
	}
	res.Body.Close()

	res = postJSON(t, srv.URL+"/v1/webhooks/telegram", twilioPayload, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown channel, got %d", res.StatusCode)
	}
	res.Body.Close()
}

func TestWebhookVerifyTokenEnforced(t *testing.T) {
	srv := setupAPI(t)

	deps.Cfg.Channels["whatsapp"] = config.ChannelConfig{
		Enabled: true, VerifyToken: "sekret", ReplyWindow: config.Duration(24 * time.Hour),
	}

	res := postJSON(t, srv.URL+"/v1/webhooks/whatsapp", twilioPayload, nil)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 without token, got %d", res.StatusCode)
	}
	res.Body.Close()

	res = postJSON(t, srv.URL+"/v1/webhooks/whatsapp", twilioPayload, map[string]string{"X-Verify-Token": "sekret"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", res.StatusCode)
	}
	res.Body.Close()

	// Meta-style subscription handshake echoes the challenge
	verifyURL := srv.URL + "/v1/webhooks/whatsapp?hub.verify_token=sekret&hub.challenge=12345"
	vres, err := http.Get(verifyURL)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	defer vres.Body.Close()
	if vres.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 challenge echo, got %d", vres.StatusCode)
	}
}

func TestThreadLifecycleOverHTTP(t *testing.T) {
	srv := setupAPI(t)

	res := postJSON(t, srv.URL+"/v1/webhooks/whatsapp", twilioPayload, nil)
	accepted := decodeBody(t, res)
	threadID, _ := accepted["thread"].(string)
	if threadID == "" {
		t.Fatalf("no thread id in accept body: %v", accepted)
	}

	// list shows the open thread
	lres, err := http.Get(srv.URL + "/v1/threads?status=OPEN")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	listBody := decodeBody(t, lres)
	if threads, ok := listBody["threads"].([]any); !ok || len(threads) != 1 {
		t.Fatalf("expected one open thread: %v", listBody)
	}

	// reply is accepted asynchronously
	rres := postJSON(t, srv.URL+"/v1/threads/"+threadID+"/reply",
		`{"body":"on the way"}`, map[string]string{"X-Staff-ID": "staff-7"})
	if rres.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202 reply, got %d", rres.StatusCode)
	}
	rres.Body.Close()

	// messages now hold the inbound and the outbound
	mres, err := http.Get(srv.URL + "/v1/threads/" + threadID + "/messages")
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	mBody := decodeBody(t, mres)
	if msgs, ok := mBody["messages"].([]any); !ok || len(msgs) != 2 {
		t.Fatalf("expected 2 messages: %v", mBody)
	}

	// close, then replying conflicts
	cres := postJSON(t, srv.URL+"/v1/threads/"+threadID+"/close", `{}`, nil)
	if cres.StatusCode != http.StatusOK {
		t.Fatalf("close: %d", cres.StatusCode)
	}
	cres.Body.Close()
	rres = postJSON(t, srv.URL+"/v1/threads/"+threadID+"/reply", `{"body":"too late"}`, nil)
	if rres.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on closed thread, got %d", rres.StatusCode)
	}
	rres.Body.Close()
}

func TestReplyValidatesContent(t *testing.T) {
	srv := setupAPI(t)

	res := postJSON(t, srv.URL+"/v1/webhooks/whatsapp", twilioPayload, nil)
	accepted := decodeBody(t, res)
	threadID, _ := accepted["thread"].(string)

	rres := postJSON(t, srv.URL+"/v1/threads/"+threadID+"/reply", `{"body":""}`, nil)
	if rres.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty body should be rejected, got %d", rres.StatusCode)
	}
	rres.Body.Close()

	rres = postJSON(t, srv.URL+"/v1/threads/"+threadID+"/reply",
		`{"type":"image","body":"room photo","media_url":"ftp://bad"}`, nil)
	if rres.StatusCode != http.StatusBadRequest {
		t.Fatalf("non-http media url should be rejected, got %d", rres.StatusCode)
	}
	rres.Body.Close()
}

func TestGuestEndpoints(t *testing.T) {
	srv := setupAPI(t)

	res := postJSON(t, srv.URL+"/v1/webhooks/whatsapp", twilioPayload, nil)
	res.Body.Close()
	g, err := store.GetGuestByBinding(models.ChannelWhatsApp, "+6598765432")
	if err != nil {
		t.Fatalf("guest: %v", err)
	}

	gres, err := http.Get(srv.URL + "/v1/guests/" + g.ID)
	if err != nil {
		t.Fatalf("get guest: %v", err)
	}
	gBody := decodeBody(t, gres)
	if gBody["name"] != "Alex Tan" {
		t.Fatalf("unexpected guest body: %v", gBody)
	}

	// manual rebind moves the identity
	other := models.Guest{ID: "g-target", Bindings: map[models.Channel]string{}}
	rec, _ := store.GuestRecord(other)
	if err := store.ApplyBatch([]store.Record{rec}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	rres := postJSON(t, srv.URL+"/v1/guests/g-target/rebind",
		`{"channel":"whatsapp","identity":"+6598765432"}`, nil)
	if rres.StatusCode != http.StatusOK {
		t.Fatalf("rebind: %d", rres.StatusCode)
	}
	rres.Body.Close()
	moved, err := store.GetGuestByBinding(models.ChannelWhatsApp, "+6598765432")
	if err != nil || moved.ID != "g-target" {
		t.Fatalf("binding not moved: %+v %v", moved, err)
	}
}
