package ipc

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sparklost/presenced/internal/dialer"
	"github.com/sparklost/presenced/internal/gateway"
	"github.com/sparklost/presenced/internal/identity"
	"github.com/sparklost/presenced/internal/rest"
)

func testUser() *gateway.UserData {
	return &gateway.UserData{
		ID:         "42",
		Username:   "someone",
		GlobalName: "Some One",
		Extra: &gateway.UserExtra{
			Discriminator: "0",
			Avatar:        "abcd",
			PremiumType:   2,
		},
	}
}

func testRESTServer(t *testing.T) *rest.Client {
	t.Helper()
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v9/oauth2/applications/123/rpc":
			json.NewEncoder(w).Encode(map[string]string{"id": "123", "name": "Foo"})
		case "/api/v9/oauth2/applications/123/assets":
			json.NewEncoder(w).Encode([]map[string]string{{"id": "998877", "name": "main_icon"}})
		case "/api/v9/applications/123/external-assets":
			json.NewEncoder(w).Encode([]map[string]string{{"external_asset_path": "external/abc"}})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	d, err := dialer.New("")
	if err != nil {
		t.Fatalf("dialer: %v", err)
	}
	c, err := rest.New("user-token", srv.URL, identity.Anonymous(), d)
	if err != nil {
		t.Fatalf("rest client: %v", err)
	}
	c.SetHTTPClient(srv.Client())
	return c
}

func TestNewRejectsBots(t *testing.T) {
	if _, err := New(nil, &gateway.UserData{ID: "1", Bot: true}, false); err != ErrBotAccount {
		t.Fatalf("err = %v, want ErrBotAccount", err)
	}
}

func TestBareStringHandshakeCloses(t *testing.T) {
	s, err := New(testRESTServer(t), testUser(), true)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	server, client := net.Pipe()
	done := make(chan struct{})
	go func() {
		s.serveClient(context.Background(), server)
		close(done)
	}()

	if err := writeFrame(client, opHandshake, "1350097493872680962"); err != nil {
		t.Fatalf("write handshake: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("server kept the connection open")
	}
}

// readReply reads one frame and decodes it into a generic map.
func readReply(t *testing.T, conn net.Conn) (uint32, map[string]any) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	op, data, err := readFrame(conn)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	return op, msg
}

func TestClientDialogue(t *testing.T) {
	s, err := New(testRESTServer(t), testUser(), true)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	server, client := net.Pipe()
	defer client.Close()
	go s.serveClient(context.Background(), server)

	if err := writeFrame(client, opHandshake, map[string]any{"v": 1, "client_id": "123"}); err != nil {
		t.Fatalf("write handshake: %v", err)
	}
	_, ready := readReply(t, client)
	if ready["cmd"] != "DISPATCH" || ready["evt"] != "READY" {
		t.Fatalf("ready envelope = %+v", ready)
	}
	user := ready["data"].(map[string]any)["user"].(map[string]any)
	if user["id"] != "42" || user["flags"].(float64) != 32 || user["bot"] != false {
		t.Fatalf("ready user = %+v", user)
	}

	activity := map[string]any{
		"type":    0,
		"details": "In a match",
		"state":   "Ranked",
		"timestamps": map[string]any{
			"start": 1700000000,
		},
		"assets": map[string]any{
			"large_image": "main_icon",
			"large_text":  "Map",
			"small_image": "https://example.com/img.png",
		},
		"buttons": []map[string]any{
			{"label": "Join", "url": "https://example.com/join"},
		},
		"instance": true,
	}
	err = writeFrame(client, opPayload, map[string]any{
		"cmd":   "SET_ACTIVITY",
		"args":  map[string]any{"activity": activity},
		"nonce": "n1",
	})
	if err != nil {
		t.Fatalf("write set_activity: %v", err)
	}
	op, resp := readReply(t, client)
	if op != opPayload || resp["cmd"] != "SET_ACTIVITY" || resp["nonce"] != "n1" {
		t.Fatalf("response envelope = op %d, %+v", op, resp)
	}

	norm := resp["data"].(map[string]any)
	if norm["application_id"] != "123" || norm["name"] != "Foo" {
		t.Fatalf("identity fields = %v / %v", norm["application_id"], norm["name"])
	}
	if norm["flags"].(float64) != 1 {
		t.Fatalf("flags = %v", norm["flags"])
	}
	if _, ok := norm["instance"]; ok {
		t.Fatal("instance survived normalization")
	}
	ts := norm["timestamps"].(map[string]any)
	if ts["start"].(float64) != 1700000000000 {
		t.Fatalf("timestamps.start = %v, want milliseconds", ts["start"])
	}
	assets := norm["assets"].(map[string]any)
	if assets["large_image"] != "998877" {
		t.Fatalf("large_image = %v, want resolved asset id", assets["large_image"])
	}
	if assets["large_text"] != "Map" {
		t.Fatalf("large_text = %v", assets["large_text"])
	}
	if assets["small_image"] != "mp:external/abc" {
		t.Fatalf("small_image = %v, want external rewrite", assets["small_image"])
	}
	buttons := norm["buttons"].([]any)
	urls := norm["metadata"].(map[string]any)["button_urls"].([]any)
	if len(buttons) != 1 || buttons[0] != "Join" || urls[0] != "https://example.com/join" {
		t.Fatalf("buttons = %v, urls = %v", buttons, urls)
	}

	acts := s.Activities(false)
	if len(acts) != 1 || acts[0]["application_id"] != "123" {
		t.Fatalf("activities table = %+v", acts)
	}
	if s.Activities(false) != nil {
		t.Fatal("activities change flag not cleared")
	}

	// An immediate identical resend must echo without publishing.
	err = writeFrame(client, opPayload, map[string]any{
		"cmd":   "SET_ACTIVITY",
		"args":  map[string]any{"activity": activity},
		"nonce": "n2",
	})
	if err != nil {
		t.Fatalf("write resend: %v", err)
	}
	_, echo := readReply(t, client)
	if echo["nonce"] != "n2" {
		t.Fatalf("echo nonce = %v", echo["nonce"])
	}
	if s.Activities(false) != nil {
		t.Fatal("rate-gapped resend reached the activities table")
	}

	// Unknown commands get the minimal echo shape.
	err = writeFrame(client, opPayload, map[string]any{
		"cmd": "SUBSCRIBE", "evt": "ACTIVITY_JOIN", "nonce": "n3",
	})
	if err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	_, sub := readReply(t, client)
	if sub["cmd"] != "SUBSCRIBE" || sub["data"].(map[string]any)["evt"] != "ACTIVITY_JOIN" {
		t.Fatalf("subscribe echo = %+v", sub)
	}

	// Disconnect drops the app's entry.
	client.Close()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if acts := s.Activities(false); acts != nil {
			if len(acts) != 0 {
				t.Fatalf("activities after disconnect = %+v", acts)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("disconnect never removed the activity")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestActivitiesForce(t *testing.T) {
	s := &Server{}
	if s.Activities(false) != nil {
		t.Fatal("unchanged table returned non-nil")
	}
	if got := s.Activities(true); got == nil || len(got) != 0 {
		t.Fatalf("forced read = %v, want empty snapshot", got)
	}
	s.publish("9", map[string]any{"application_id": "9", "name": "Game"})
	if got := s.Activities(false); len(got) != 1 {
		t.Fatalf("after publish = %+v", got)
	}
	s.publish("9", map[string]any{"application_id": "9", "name": "Game"})
	if s.Activities(false) != nil {
		t.Fatal("identical publish flagged a change")
	}
	s.remove("9")
	if got := s.Activities(false); got == nil || len(got) != 0 {
		t.Fatalf("after remove = %+v", got)
	}
}
