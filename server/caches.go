package main

import (
	"encoding/json"
	"errors"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrAlreadyOnline is returned when a player with the same name holds a
	// live socket in the game.
	ErrAlreadyOnline = errors.New("player already online")

	// ErrDuplicateURL is returned when a game URL is already taken within a
	// GM's cache.
	ErrDuplicateURL = errors.New("duplicate url")
)

// instanceCount tracks live PlayerCache instances for status reporting.
var instanceCount atomic.Int64

// Engine is the process-wide root of the cache hierarchy: a mapping from GM
// URL to GmCache plus the per-GM IO locks, guarding all filesystem mutation
// of a GM's tree.
type Engine struct {
	cfg   Config
	paths Paths
	main  *gorm.DB

	mu      sync.Mutex
	gms     map[string]*GmCache
	ioLocks map[string]*sync.Mutex

	// countryAPI is the base URL of the geo lookup service; tests stub it.
	countryAPI string

	fancy *FancyURL
}

// NewEngine opens the main database and builds an empty cache hierarchy.
func NewEngine(cfg Config) (*Engine, error) {
	paths := Paths{Root: cfg.PrefDir}
	if err := paths.EnsureBaseDirs(); err != nil {
		return nil, err
	}

	main, err := openMainDB(paths.MainDB())
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:        cfg,
		paths:      paths,
		main:       main,
		gms:        make(map[string]*GmCache),
		ioLocks:    make(map[string]*sync.Mutex),
		countryAPI: defaultCountryAPI,
		fancy:      loadFancyURL(paths.FancyURLDir()),
	}, nil
}

// InsertGm (re)creates the cache entry for a GM. Relogin of the same GM is
// legal and drops the prior cache; its live sockets are closed. The per-GM
// IO lock is materialized here and retired in RemoveGm.
func (e *Engine) InsertGm(gm *GM) (*GmCache, error) {
	store, err := openGmDB(e.paths.GmDB(gm.URL))
	if err != nil {
		return nil, err
	}

	cache := &GmCache{
		engine: e,
		url:    gm.URL,
		store:  store,
		games:  make(map[string]*GameCache),
	}

	e.mu.Lock()
	prior := e.gms[gm.URL]
	e.gms[gm.URL] = cache
	if _, ok := e.ioLocks[gm.URL]; !ok {
		e.ioLocks[gm.URL] = &sync.Mutex{}
	}
	e.mu.Unlock()

	if prior != nil {
		prior.closeAll()
		closeDB(prior.store)
	}

	if err := cache.loadGames(); err != nil {
		return nil, err
	}
	return cache, nil
}

// loadOfflineGms materializes a cache entry for every GM on record, so the
// cleanup pass sees GMs that have not logged in since the last restart and
// music playback state survives restarts.
func (e *Engine) loadOfflineGms() error {
	var gms []GM
	if err := e.main.Find(&gms).Error; err != nil {
		return err
	}
	for i := range gms {
		if _, err := e.InsertGm(&gms[i]); err != nil {
			log.Warnw("could not preload gm", "gm", gms[i].URL, zap.Error(err))
		}
	}
	return nil
}

// RemoveGm drops a GM's cache entry and retires its IO lock.
func (e *Engine) RemoveGm(url string) {
	e.mu.Lock()
	cache := e.gms[url]
	delete(e.gms, url)
	delete(e.ioLocks, url)
	e.mu.Unlock()

	if cache != nil {
		cache.closeAll()
		closeDB(cache.store)
	}
}

// GetGm resolves a GM URL.
func (e *Engine) GetGm(url string) (*GmCache, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cache, ok := e.gms[url]
	return cache, ok
}

// GmUrls snapshots the cached GM URLs.
func (e *Engine) GmUrls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	urls := make([]string, 0, len(e.gms))
	for url := range e.gms {
		urls = append(urls, url)
	}
	sort.Strings(urls)
	return urls
}

// IOLock returns the per-GM IO lock, held around all filesystem mutation of
// that GM's tree.
func (e *Engine) IOLock(gm string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.ioLocks[gm]
	if !ok {
		lock = &sync.Mutex{}
		e.ioLocks[gm] = lock
	}
	return lock
}

// GmCache holds one GM's private store handle and game caches.
type GmCache struct {
	engine *Engine
	url    string
	store  *gorm.DB

	mu    sync.Mutex
	games map[string]*GameCache
}

// loadGames populates the game caches from the GM's store, rebuilding the
// playback slots from disk.
func (c *GmCache) loadGames() error {
	var games []Game
	if err := c.store.Find(&games).Error; err != nil {
		return err
	}
	for i := range games {
		if _, err := c.Insert(&games[i]); err != nil && !errors.Is(err, ErrDuplicateURL) {
			return err
		}
	}
	return nil
}

// Insert adds a cache for a game. Duplicate URLs are rejected.
func (c *GmCache) Insert(game *Game) (*GameCache, error) {
	cache := &GameCache{
		gm:      c,
		url:     game.URL,
		gameID:  game.ID,
		players: make(map[string]*PlayerCache),
	}
	cache.loadPlayback()

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.games[game.URL]; ok {
		return nil, ErrDuplicateURL
	}
	c.games[game.URL] = cache
	return cache, nil
}

// Remove drops a game's cache entry.
func (c *GmCache) Remove(url string) {
	c.mu.Lock()
	cache := c.games[url]
	delete(c.games, url)
	c.mu.Unlock()

	if cache != nil {
		cache.closePlayers()
	}
}

// GetGame resolves a game URL.
func (c *GmCache) GetGame(url string) (*GameCache, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cache, ok := c.games[url]
	return cache, ok
}

// GameUrls snapshots the cached game URLs.
func (c *GmCache) GameUrls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	urls := make([]string, 0, len(c.games))
	for url := range c.games {
		urls = append(urls, url)
	}
	sort.Strings(urls)
	return urls
}

func (c *GmCache) closeAll() {
	c.mu.Lock()
	games := make([]*GameCache, 0, len(c.games))
	for _, g := range c.games {
		games = append(games, g)
	}
	c.mu.Unlock()
	for _, g := range games {
		g.closePlayers()
	}
}

// GameCache owns the live players of one game, the stable player index
// counter, and the in-memory playback slots.
type GameCache struct {
	gm     *GmCache
	url    string
	gameID int64

	mu      sync.Mutex
	players map[string]*PlayerCache
	nextID  int

	// playback holds one entry per music slot: nil is absent, false is
	// present-paused, true is present-playing.
	playback []*bool
}

// loadPlayback rebuilds the slot array from the files on disk. Slots with a
// file start paused.
func (gc *GameCache) loadPlayback() {
	num := gc.gm.engine.cfg.NumMusic
	playback := make([]*bool, num)
	for slot := 0; slot < num; slot++ {
		if fileExists(gc.gm.engine.paths.Music(gc.gm.url, gc.url, slot)) {
			paused := false
			playback[slot] = &paused
		}
	}
	gc.mu.Lock()
	gc.playback = playback
	gc.mu.Unlock()
}

// PlaybackSnapshot copies the slot array for ACCEPT frames.
func (gc *GameCache) PlaybackSnapshot() []*bool {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	out := make([]*bool, len(gc.playback))
	for i, s := range gc.playback {
		if s != nil {
			v := *s
			out[i] = &v
		}
	}
	return out
}

// MarkSlotPresent flags a slot as holding a file, starting paused.
func (gc *GameCache) MarkSlotPresent(slot int) {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	if slot >= 0 && slot < len(gc.playback) {
		paused := false
		gc.playback[slot] = &paused
	}
}

// SetSlotPlaying toggles a present slot; absent slots are left alone.
func (gc *GameCache) SetSlotPlaying(slot int, playing bool) {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	if slot >= 0 && slot < len(gc.playback) && gc.playback[slot] != nil {
		*gc.playback[slot] = playing
	}
}

// ClearSlot empties a slot.
func (gc *GameCache) ClearSlot(slot int) {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	if slot >= 0 && slot < len(gc.playback) {
		gc.playback[slot] = nil
	}
}

// Insert registers a player. A live same-name socket rejects with
// ErrAlreadyOnline; a dead one is replaced. All public attributes are set
// before the player becomes visible to concurrent snapshots; an empty color
// defaults from the join index.
func (gc *GameCache) Insert(name, color, ip, agent, country string, isGM bool) (*PlayerCache, error) {
	gc.mu.Lock()
	defer gc.mu.Unlock()

	if existing, ok := gc.players[name]; ok {
		if existing.connected() {
			return nil, ErrAlreadyOnline
		}
		existing.release()
		delete(gc.players, name)
	}

	player := &PlayerCache{
		Name:    name,
		UUID:    uuid.NewString(),
		Color:   color,
		IP:      ip,
		Agent:   agent,
		Country: country,
		Flag:    countryFlag(country),
		IsGM:    isGM,
		Index:   gc.nextID,
	}
	if player.Color == "" {
		player.Color = playerColors[player.Index%len(playerColors)]
	}
	gc.nextID++
	instanceCount.Add(1)

	gc.players[name] = player
	gc.rebuildIndicesLocked()
	return player, nil
}

// Remove drops a player and compacts the surviving indices.
func (gc *GameCache) Remove(name string) {
	gc.mu.Lock()
	defer gc.mu.Unlock()

	player, ok := gc.players[name]
	if !ok {
		return
	}
	player.release()
	delete(gc.players, name)
	gc.rebuildIndicesLocked()
}

// rebuildIndicesLocked sorts the surviving players by their current index
// and assigns 0..n-1 without gaps, preserving relative order. Idempotent.
func (gc *GameCache) rebuildIndicesLocked() {
	players := make([]*PlayerCache, 0, len(gc.players))
	for _, p := range gc.players {
		players = append(players, p)
	}
	sort.Slice(players, func(i, j int) bool { return players[i].Index < players[j].Index })
	for i, p := range players {
		p.Index = i
	}
	gc.nextID = len(players)
}

// SwapIndex exchanges a player's index with its neighbor at index +
// direction. Returns false when either side is missing.
func (gc *GameCache) SwapIndex(name string, direction int) bool {
	gc.mu.Lock()
	defer gc.mu.Unlock()

	p, ok := gc.players[name]
	if !ok {
		return false
	}
	target := p.Index + direction
	for _, q := range gc.players {
		if q.Index == target {
			p.Index, q.Index = q.Index, p.Index
			return true
		}
	}
	return false
}

// GetPlayer resolves a player name.
func (gc *GameCache) GetPlayer(name string) (*PlayerCache, bool) {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	p, ok := gc.players[name]
	return p, ok
}

// Players snapshots the player list ordered by index.
func (gc *GameCache) Players() []*PlayerCache {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	players := make([]*PlayerCache, 0, len(gc.players))
	for _, p := range gc.players {
		players = append(players, p)
	}
	sort.Slice(players, func(i, j int) bool { return players[i].Index < players[j].Index })
	return players
}

// OnlineCount reports how many players hold a live socket.
func (gc *GameCache) OnlineCount() int {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	n := 0
	for _, p := range gc.players {
		if p.connected() {
			n++
		}
	}
	return n
}

// IndexMap builds the full uuid → index map for ORDER frames.
func (gc *GameCache) IndexMap() map[string]int {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	m := make(map[string]int, len(gc.players))
	for _, p := range gc.players {
		m[p.UUID] = p.Index
	}
	return m
}

// Broadcast serializes the frame once and attempts to send it to every
// player of the game. Per-recipient send errors are swallowed; the failing
// player's read loop detects the close independently. Frames broadcast under
// the same store transaction keep their relative order because a single
// writer holds the cache lock at a time.
func (gc *GameCache) Broadcast(frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		log.Errorw("could not marshal broadcast", zap.Error(err))
		return
	}

	gc.mu.Lock()
	defer gc.mu.Unlock()
	for _, p := range gc.players {
		if err := p.writeBytes(data); err != nil {
			log.Debugw("broadcast send failed", "game", gc.url, "player", p.Name, zap.Error(err))
		}
	}
	broadcastsSent.Inc()
}

func (gc *GameCache) closePlayers() {
	gc.mu.Lock()
	players := make([]*PlayerCache, 0, len(gc.players))
	for _, p := range gc.players {
		players = append(players, p)
	}
	gc.players = make(map[string]*PlayerCache)
	gc.nextID = 0
	gc.mu.Unlock()

	for _, p := range players {
		p.release()
	}
}

// PlayerCache is one live participant. It exists only in memory, created on
// the hello frame and destroyed on socket close or kick.
type PlayerCache struct {
	Name    string
	UUID    string
	Color   string
	Index   int
	IsGM    bool
	IP      string
	Country string
	Agent   string
	Flag    string

	mu       sync.Mutex
	conn     *websocket.Conn
	selected []int64
	released bool
}

const playerWriteWait = 10 * time.Second

// Attach hands the socket to the player.
func (p *PlayerCache) Attach(conn *websocket.Conn) {
	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()
}

func (p *PlayerCache) connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil
}

// DropSocket nulls the socket without closing it; used when the read loop
// already observed the error.
func (p *PlayerCache) DropSocket() {
	p.mu.Lock()
	p.conn = nil
	p.mu.Unlock()
}

// WriteFrame serializes and sends one frame to this player only.
func (p *PlayerCache) WriteFrame(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return p.writeBytes(data)
}

// writeBytes sends raw bytes under the per-player write lock.
func (p *PlayerCache) writeBytes(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return errors.New("no socket")
	}
	_ = p.conn.SetWriteDeadline(time.Now().Add(playerWriteWait))
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

// Selection returns a copy of the player's selected token ids.
func (p *PlayerCache) Selection() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int64(nil), p.selected...)
}

// SetSelection replaces the player's selection.
func (p *PlayerCache) SetSelection(ids []int64) {
	p.mu.Lock()
	p.selected = append([]int64(nil), ids...)
	p.mu.Unlock()
}

// release closes the socket and decrements the instance counter once.
func (p *PlayerCache) release() {
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	done := p.released
	p.released = true
	p.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if !done {
		instanceCount.Add(-1)
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
