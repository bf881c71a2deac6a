package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/govtt/govtt"
)

func wsServer(t *testing.T, e *Engine) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Get("/vtt/websocket", e.handleWebsocket)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func wsDial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/vtt/websocket"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %+v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) govtt.Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %+v", err)
	}
	f, err := govtt.ParseFrame(data)
	if err != nil {
		t.Fatalf("parse: %+v", err)
	}
	return f
}

// expectOp reads frames until one with the wanted opid arrives.
func expectOp(t *testing.T, conn *websocket.Conn, opid string) govtt.Frame {
	t.Helper()
	for i := 0; i < 10; i++ {
		f := readFrame(t, conn)
		if got, _ := f.OpID(); got == opid {
			return f
		}
	}
	t.Fatalf("no %s frame arrived", opid)
	return nil
}

func TestLoginSnapshotSequence(t *testing.T) {
	e := testEngine(t)
	gm := testGm(t, e, "gm")
	testGame(t, e, gm, "game")
	srv := wsServer(t, e)

	conn := wsDial(t, srv)
	hello := `{"name": "alice", "gm_url": "gm", "game_url": "game"}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(hello)); err != nil {
		t.Fatalf("hello: %+v", err)
	}

	// ACCEPT is always the first frame, REFRESH the second.
	accept := readFrame(t, conn)
	if opid, _ := accept.OpID(); opid != govtt.OpAccept {
		t.Fatalf("first frame is %s, want ACCEPT", opid)
	}
	uuid, ok := accept.String("uuid")
	if !ok || uuid == "" {
		t.Error("ACCEPT carries no uuid")
	}
	if _, ok := accept["playback"]; !ok {
		t.Error("ACCEPT carries no playback state")
	}

	refresh := readFrame(t, conn)
	if opid, _ := refresh.OpID(); opid != govtt.OpRefresh {
		t.Fatalf("second frame is %s, want REFRESH", opid)
	}

	// The joiner also receives its own JOIN and the index map.
	join := expectOp(t, conn, govtt.OpJoin)
	player, ok := join["player"].(map[string]any)
	if !ok || player["name"] != "alice" {
		t.Errorf("JOIN payload %v", join)
	}
	expectOp(t, conn, govtt.OpOrder)

	// PING answers the caller.
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"OPID": "PING"}`)); err != nil {
		t.Fatalf("ping: %+v", err)
	}
	expectOp(t, conn, govtt.OpPing)
}

func TestSecondJoinerIsAnnounced(t *testing.T) {
	e := testEngine(t)
	gm := testGm(t, e, "gm")
	testGame(t, e, gm, "game")
	srv := wsServer(t, e)

	first := wsDial(t, srv)
	if err := first.WriteMessage(websocket.TextMessage, []byte(`{"name": "alice", "gm_url": "gm", "game_url": "game"}`)); err != nil {
		t.Fatalf("hello: %+v", err)
	}
	expectOp(t, first, govtt.OpOrder)

	second := wsDial(t, srv)
	if err := second.WriteMessage(websocket.TextMessage, []byte(`{"name": "bob", "gm_url": "gm", "game_url": "game"}`)); err != nil {
		t.Fatalf("hello: %+v", err)
	}

	join := expectOp(t, first, govtt.OpJoin)
	player, _ := join["player"].(map[string]any)
	if player["name"] != "bob" {
		t.Errorf("JOIN announces %v, want bob", player["name"])
	}

	// Bob's leave produces QUIT and a compacted ORDER.
	second.Close()
	expectOp(t, first, govtt.OpQuit)
	order := expectOp(t, first, govtt.OpOrder)
	indices, ok := order["indices"].(map[string]any)
	if !ok || len(indices) != 1 {
		t.Errorf("post-quit indices %v, want one entry", order["indices"])
	}
}

func TestGmOpsRequireSession(t *testing.T) {
	e := testEngine(t)
	gm := testGm(t, e, "gm")
	game, _ := testGame(t, e, gm, "game")
	srv := wsServer(t, e)

	conn := wsDial(t, srv)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"name": "alice", "gm_url": "gm", "game_url": "game"}`)); err != nil {
		t.Fatalf("hello: %+v", err)
	}
	expectOp(t, conn, govtt.OpOrder)

	// Without a GM session the operation is dropped but the socket lives.
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"OPID": "GM-CREATE"}`)); err != nil {
		t.Fatalf("gm create: %+v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"OPID": "PING"}`)); err != nil {
		t.Fatalf("ping: %+v", err)
	}
	expectOp(t, conn, govtt.OpPing)

	var count int64
	if err := gm.store.Model(&Scene{}).Where("game_id = ?", game.ID).Count(&count).Error; err != nil {
		t.Fatalf("count scenes: %+v", err)
	}
	if count != 1 {
		t.Errorf("%d scenes, a player must not create any", count)
	}
}

func TestGmSessionGrantsGmOps(t *testing.T) {
	e := testEngine(t)
	gmRow := &GM{Name: "Game Master", URL: "gm"}
	gm := testGm(t, e, "gm")
	game, _ := testGame(t, e, gm, "game")
	srv := wsServer(t, e)

	token, err := issueSession(gmRow)
	if err != nil {
		t.Fatalf("issue session: %+v", err)
	}
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/vtt/websocket"
	header := http.Header{"Cookie": {sessionCookie + "=" + token}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %+v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"name": "boss", "gm_url": "gm", "game_url": "game"}`)); err != nil {
		t.Fatalf("hello: %+v", err)
	}
	expectOp(t, conn, govtt.OpOrder)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"OPID": "GM-CREATE"}`)); err != nil {
		t.Fatalf("gm create: %+v", err)
	}
	expectOp(t, conn, govtt.OpRefresh)

	var count int64
	if err := gm.store.Model(&Scene{}).Where("game_id = ?", game.ID).Count(&count).Error; err != nil {
		t.Fatalf("count scenes: %+v", err)
	}
	if count != 2 {
		t.Errorf("%d scenes after GM-CREATE, want 2", count)
	}
}

func TestMalformedFrameDropsSocket(t *testing.T) {
	e := testEngine(t)
	gm := testGm(t, e, "gm")
	testGame(t, e, gm, "game")
	srv := wsServer(t, e)

	conn := wsDial(t, srv)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"name": "alice", "gm_url": "gm", "game_url": "game"}`)); err != nil {
		t.Fatalf("hello: %+v", err)
	}
	expectOp(t, conn, govtt.OpOrder)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`not json`)); err != nil {
		t.Fatalf("write: %+v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	gc, _ := gm.GetGame("game")
	deadline := time.Now().Add(5 * time.Second)
	for gc.OnlineCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("player still online after a malformed frame")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCountryFlag(t *testing.T) {
	if got := countryFlag("DE"); got != "\U0001F1E9\U0001F1EA" {
		t.Errorf("DE flag is %q", got)
	}
	for _, bad := range []string{"", "?", "D", "DEU", "d e"} {
		if got := countryFlag(bad); got != "" {
			t.Errorf("countryFlag(%q) = %q, want empty", bad, got)
		}
	}
}
