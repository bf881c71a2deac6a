package main

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/govtt/govtt"
)

const (
	defaultCountryAPI = "https://ipapi.co"
	helloWait         = 30 * time.Second
	countryTimeout    = 3 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleWebsocket upgrades the connection and waits for the hello frame
// {name, gm_url, game_url} before handing off to the login sequence.
func (e *Engine) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnw("websocket upgrade failed", zap.Error(err))
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(helloWait))
	_, data, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	hello, err := govtt.ParseFrame(data)
	if err != nil {
		log.Warnw("malformed hello frame", zap.Error(err))
		_ = conn.Close()
		return
	}

	e.Login(conn, hello, clientIP(r), r.UserAgent(), sessionGm(r))
}

// clientIP strips the port off the remote address. middleware.RealIP has
// already folded proxy headers into it.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// lookupCountry resolves an IP to its ISO country code. The call has a hard
// timeout and falls back to "?" on any failure.
func (e *Engine) lookupCountry(ip string) string {
	if ip == "" || ip == "127.0.0.1" || ip == "::1" {
		return "?"
	}

	client := &http.Client{Timeout: countryTimeout}
	resp, err := client.Get(fmt.Sprintf("%s/%s/country/", e.countryAPI, ip))
	if err != nil {
		return "?"
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "?"
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16))
	if err != nil {
		return "?"
	}
	code := strings.ToUpper(strings.TrimSpace(string(body)))
	if len(code) != 2 || code[0] < 'A' || code[0] > 'Z' || code[1] < 'A' || code[1] > 'Z' {
		return "?"
	}
	return code
}

// countryFlag renders an ISO country code as regional indicator symbols.
func countryFlag(code string) string {
	if len(code) != 2 || code[0] < 'A' || code[0] > 'Z' || code[1] < 'A' || code[1] > 'Z' {
		return ""
	}
	return string(rune(0x1F1E6+int(code[0]-'A'))) + string(rune(0x1F1E6+int(code[1]-'A')))
}
