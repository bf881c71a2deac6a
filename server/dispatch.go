package main

import (
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/govtt/govtt"
)

// errMissingField marks a frame lacking a required field. Fatal to the
// offending socket only.
var errMissingField = errors.New("missing required field")

type opHandler struct {
	gmOnly bool
	fn     func(*GameCache, *PlayerCache, govtt.Frame) error
}

// opHandlers resolves operation codes to handler methods on the parent
// GameCache. Built once and never mutated at runtime; unknown codes are a
// protocol error.
var opHandlers = map[string]opHandler{
	govtt.OpPing:       {fn: (*GameCache).onPing},
	govtt.OpRoll:       {fn: (*GameCache).onRoll},
	govtt.OpSelect:     {fn: (*GameCache).onSelect},
	govtt.OpRange:      {fn: (*GameCache).onRange},
	govtt.OpOrder:      {fn: (*GameCache).onOrder},
	govtt.OpUpdate:     {fn: (*GameCache).onUpdate},
	govtt.OpCreate:     {fn: (*GameCache).onCreate},
	govtt.OpClone:      {fn: (*GameCache).onClone},
	govtt.OpDelete:     {fn: (*GameCache).onDelete},
	govtt.OpBeacon:     {fn: (*GameCache).onBeacon},
	govtt.OpMusic:      {fn: (*GameCache).onMusic},
	govtt.OpGmCreate:   {gmOnly: true, fn: (*GameCache).onGmCreate},
	govtt.OpGmMove:     {gmOnly: true, fn: (*GameCache).onGmMove},
	govtt.OpGmActivate: {gmOnly: true, fn: (*GameCache).onGmActivate},
	govtt.OpGmClone:    {gmOnly: true, fn: (*GameCache).onGmClone},
	govtt.OpGmDelete:   {gmOnly: true, fn: (*GameCache).onGmDelete},
}

// playerColors is the default palette, picked by join order when the hello
// frame carries no color.
var playerColors = []string{
	"#FF0000", "#00FF00", "#0000FF", "#FFFF00",
	"#FF00FF", "#00FFFF", "#FF8000", "#8000FF",
}

// playerInfo is the public shape of a player in ACCEPT and JOIN frames.
type playerInfo struct {
	Name    string `json:"name"`
	UUID    string `json:"uuid"`
	Color   string `json:"color"`
	IP      string `json:"ip"`
	Country string `json:"country"`
	Agent   string `json:"agent"`
	Flag    string `json:"flag"`
	Index   int    `json:"index"`
}

func publicInfo(p *PlayerCache) playerInfo {
	return playerInfo{
		Name:    p.Name,
		UUID:    p.UUID,
		Color:   p.Color,
		IP:      p.IP,
		Country: p.Country,
		Agent:   p.Agent,
		Flag:    p.Flag,
		Index:   p.Index,
	}
}

// rollInfo is the shape of one roll in ACCEPT and ROLL frames.
type rollInfo struct {
	Name   string `json:"name"`
	Color  string `json:"color"`
	Sides  int    `json:"sides"`
	Result int    `json:"result"`
	Recent bool   `json:"recent"`
}

// buildRefresh assembles the REFRESH frame for the game's active scene: all
// of its tokens plus the background token id, if any.
func buildRefresh(tx *gorm.DB, game *Game) (map[string]any, error) {
	scene, err := activeScene(tx, game)
	if err != nil {
		return nil, err
	}
	tokens, err := sceneTokens(tx, scene.ID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"OPID":       govtt.OpRefresh,
		"tokens":     tokens,
		"background": scene.Backing,
	}, nil
}

// Login runs the full join sequence for an accepted hello frame: resolve the
// caches, attach the socket, send ACCEPT and REFRESH, broadcast JOIN and
// ORDER, then serve the read loop until the socket dies. Any resolution
// failure is logged and the socket silently dropped.
func (e *Engine) Login(conn *websocket.Conn, hello govtt.Frame, ip, agent, sessionGm string) {
	name, okName := hello.String("name")
	gmURL, okGm := hello.String("gm_url")
	gameURL, okGame := hello.String("game_url")
	if !okName || !okGm || !okGame || name == "" {
		log.Warnw("incomplete hello frame", "ip", ip)
		_ = conn.Close()
		return
	}

	gm, ok := e.GetGm(gmURL)
	if !ok {
		log.Warnw("login to unknown gm", "gm", gmURL, "name", name)
		_ = conn.Close()
		return
	}
	gc, ok := gm.GetGame(gameURL)
	if !ok {
		log.Warnw("login to unknown game", "gm", gmURL, "game", gameURL, "name", name)
		_ = conn.Close()
		return
	}

	color, _ := hello.String("color")
	isGM := sessionGm != "" && sessionGm == gmURL

	// The country lookup goes out to the network, so it runs before the
	// player is published to the game.
	country := e.lookupCountry(ip)

	player, err := gc.Insert(name, color, ip, agent, country, isGM)
	if err != nil {
		log.Warnw("login rejected", "gm", gmURL, "game", gameURL, "name", name, zap.Error(err))
		_ = conn.Close()
		return
	}
	player.Attach(conn)

	if err := e.sendSnapshot(gc, player); err != nil {
		log.Warnw("snapshot failed", "game", gameURL, "name", name, zap.Error(err))
		e.logout(gc, player)
		return
	}

	gc.Broadcast(map[string]any{"OPID": govtt.OpJoin, "player": publicInfo(player)})
	gc.Broadcast(map[string]any{"OPID": govtt.OpOrder, "indices": gc.IndexMap()})

	log.Infow("player joined", "gm", gmURL, "game", gameURL, "name", name, "is_gm", isGM)
	e.readLoop(gc, player, conn)
}

// sendSnapshot writes the ACCEPT frame followed by a REFRESH of the active
// scene. ACCEPT is always the first frame a player sees.
func (e *Engine) sendSnapshot(gc *GameCache, player *PlayerCache) error {
	var accept map[string]any
	var refresh map[string]any

	err := gc.gm.store.Transaction(func(tx *gorm.DB) error {
		game, err := getGameByURL(tx, gc.url)
		if err != nil {
			return err
		}

		now := time.Now()
		rolls, err := recentRolls(tx, game.ID, now.Add(-govtt.LatestRolls))
		if err != nil {
			return err
		}
		rollList := make([]rollInfo, 0, len(rolls))
		for _, r := range rolls {
			rollList = append(rollList, rollInfo{
				Name:   r.Name,
				Color:  r.Color,
				Sides:  r.Sides,
				Result: r.Result,
				Recent: !r.Timeid.Before(now.Add(-govtt.RecentRolls)),
			})
		}

		urls, err := gameImageURLs(tx, game.ID)
		if err != nil {
			return err
		}

		players := make([]playerInfo, 0)
		for _, p := range gc.Players() {
			players = append(players, publicInfo(p))
		}

		accept = map[string]any{
			"OPID":     govtt.OpAccept,
			"uuid":     player.UUID,
			"players":  players,
			"rolls":    rollList,
			"urls":     urls,
			"slots":    e.musicSlots(gc.gm.url, gc.url),
			"playback": gc.PlaybackSnapshot(),
		}

		refresh, err = buildRefresh(tx, game)
		return err
	})
	if err != nil {
		return err
	}

	if err := player.WriteFrame(accept); err != nil {
		return err
	}
	return player.WriteFrame(refresh)
}

// readLoop reads frames from a single player until the socket dies. Handlers
// run on this goroutine; there is no handler-level concurrency within one
// player. Any handler error is treated as a dead socket.
func (e *Engine) readLoop(gc *GameCache, player *PlayerCache, conn *websocket.Conn) {
	defer e.logout(gc, player)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Debugw("socket closed", "game", gc.url, "player", player.Name, zap.Error(err))
			return
		}

		frame, err := govtt.ParseFrame(data)
		if err != nil {
			log.Warnw("malformed frame", "game", gc.url, "player", player.Name, zap.Error(err))
			return
		}
		opid, ok := frame.OpID()
		if !ok {
			log.Warnw("frame without OPID", "game", gc.url, "player", player.Name)
			return
		}
		handler, ok := opHandlers[opid]
		if !ok {
			log.Warnw("unknown operation", "game", gc.url, "player", player.Name, "opid", opid)
			return
		}
		if handler.gmOnly && !player.IsGM {
			log.Warnw("gm operation from player", "game", gc.url, "player", player.Name, "opid", opid)
			continue
		}

		framesDispatched.WithLabelValues(opid).Inc()
		if err := handler.fn(gc, player, frame); err != nil {
			log.Warnw("handler failed", "game", gc.url, "player", player.Name, "opid", opid, zap.Error(err))
			return
		}
	}
}

// logout detaches the player, drops the cache entry, and tells the remaining
// players about the departure and the compacted index map.
func (e *Engine) logout(gc *GameCache, player *PlayerCache) {
	gc.Remove(player.Name)
	gc.Broadcast(map[string]any{"OPID": govtt.OpQuit, "uuid": player.UUID, "name": player.Name})
	gc.Broadcast(map[string]any{"OPID": govtt.OpOrder, "indices": gc.IndexMap()})
	log.Infow("player left", "game", gc.url, "name", player.Name)
}
