package assist

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"guesthub/pkg/config"
	"guesthub/pkg/models"
)

func TestParseReply(t *testing.T) {
	plain := `{"translation":"towels please","intent":"housekeeping","suggested_reply":"Right away!"}`
	e, err := parseReply(plain)
	if err != nil {
		t.Fatalf("plain: %v", err)
	}
	if e.IntentLabel != "housekeeping" || e.TranslatedText != "towels please" {
		t.Fatalf("unexpected enrichment: %+v", e)
	}

	fenced := "```json\n" + plain + "\n```"
	if e, err = parseReply(fenced); err != nil || e.SuggestedReply != "Right away!" {
		t.Fatalf("fenced: %+v %v", e, err)
	}

	if _, err := parseReply("sorry, I cannot help"); err == nil {
		t.Fatalf("prose should not parse")
	}
}

func TestEnrichmentRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"choices": []map[string]any{{
				"message": map[string]any{
					"role":    "assistant",
					"content": `{"translation":"more towels","intent":"housekeeping","suggested_reply":"On the way."}`,
				},
			}},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	cfg := &config.Config{}
	cfg.Assist.Enabled = true
	cfg.Assist.APIKey = "test-key"
	cfg.Assist.BaseURL = srv.URL
	cfg.Assist.Timeout = config.Duration(5 * time.Second)

	var mu sync.Mutex
	var got models.Enrichment
	done := make(chan struct{})
	c := New(cfg, func(threadID string, seq uint64, e models.Enrichment) {
		mu.Lock()
		got = e
		mu.Unlock()
		close(done)
	})
	c.Start(1)
	defer c.Stop()

	c.EnrichAsync(models.Message{
		Thread:  "t-1",
		Seq:     1,
		Content: models.Content{Type: models.ContentText, Body: "タオルをください"},
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("enrichment never applied")
	}
	mu.Lock()
	defer mu.Unlock()
	if got.IntentLabel != "housekeeping" || got.TranslatedText != "more towels" {
		t.Fatalf("unexpected enrichment: %+v", got)
	}
}
