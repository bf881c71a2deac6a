package main

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrNoFreeSlot is returned when every music slot already holds a file.
	ErrNoFreeSlot = errors.New("no free music slot")

	// ErrTooLarge is returned when an upload exceeds its configured limit.
	ErrTooLarge = errors.New("upload exceeds size limit")
)

// assetURLPattern extracts the image id from a client-facing asset URL.
var assetURLPattern = regexp.MustCompile(`^/asset/[^/]+/[^/]+/(\d+)\.png$`)

// loadMD5 reads a game's md5 cache file. A missing or corrupt file yields an
// empty cache.
func loadMD5(path string) map[string]int {
	cache := make(map[string]int)
	data, err := os.ReadFile(path)
	if err != nil {
		return cache
	}
	if err := json.Unmarshal(data, &cache); err != nil {
		return make(map[string]int)
	}
	return cache
}

func saveMD5(path string, cache map[string]int) error {
	data, err := json.Marshal(cache)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// imageIDs lists the numeric ids of the PNG files in a game directory.
func imageIDs(dir string) []int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var ids []int
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".png") {
			continue
		}
		id, err := strconv.Atoi(strings.TrimSuffix(name, ".png"))
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// nextImageID yields the next monotonic image id for a game directory.
func nextImageID(dir string) int {
	ids := imageIDs(dir)
	if len(ids) == 0 {
		return 0
	}
	return ids[len(ids)-1] + 1
}

// UploadImage stores a PNG payload for a game, deduplicating by MD5 against
// the uploads already present. Returns the client-facing asset URL.
func (e *Engine) UploadImage(gm, game string, data []byte, limit int64) (string, error) {
	if limit > 0 && int64(len(data)) > limit*1024*1024 {
		return "", ErrTooLarge
	}

	lock := e.IOLock(gm)
	lock.Lock()
	defer lock.Unlock()

	if err := e.paths.EnsureGameDir(gm, game); err != nil {
		return "", err
	}

	sum := md5.Sum(data)
	hash := hex.EncodeToString(sum[:])

	md5Path := e.paths.MD5File(gm, game)
	cache := loadMD5(md5Path)
	if id, ok := cache[hash]; ok && fileExists(e.paths.Image(gm, game, id)) {
		return AssetURL(gm, game, id), nil
	}

	dir := e.paths.GameDir(gm, game)
	id := nextImageID(dir)
	if err := os.WriteFile(e.paths.Image(gm, game, id), data, 0o644); err != nil {
		return "", err
	}

	cache[hash] = id
	if err := saveMD5(md5Path, cache); err != nil {
		log.Warnw("could not save md5 cache", "gm", gm, "game", game, zap.Error(err))
	}
	return AssetURL(gm, game, id), nil
}

// musicSlots lists the slot ids with a file on disk.
func (e *Engine) musicSlots(gm, game string) []int {
	slots := make([]int, 0, e.cfg.NumMusic)
	for slot := 0; slot < e.cfg.NumMusic; slot++ {
		if fileExists(e.paths.Music(gm, game, slot)) {
			slots = append(slots, slot)
		}
	}
	return slots
}

// UploadMusic stores an MP3 payload in the lowest unused slot.
func (e *Engine) UploadMusic(gm, game string, data []byte) (int, error) {
	if e.cfg.LimitMusic > 0 && int64(len(data)) > e.cfg.LimitMusic*1024*1024 {
		return 0, ErrTooLarge
	}

	lock := e.IOLock(gm)
	lock.Lock()
	defer lock.Unlock()

	if err := e.paths.EnsureGameDir(gm, game); err != nil {
		return 0, err
	}

	for slot := 0; slot < e.cfg.NumMusic; slot++ {
		path := e.paths.Music(gm, game, slot)
		if fileExists(path) {
			continue
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return 0, err
		}
		return slot, nil
	}
	return 0, ErrNoFreeSlot
}

// liveImageIDs collects the image ids referenced by any token of the game.
func liveImageIDs(tx *gorm.DB, gameID int64) (map[int]bool, error) {
	urls, err := gameImageURLs(tx, gameID)
	if err != nil {
		return nil, err
	}
	live := make(map[int]bool)
	for _, url := range urls {
		m := assetURLPattern.FindStringSubmatch(url)
		if m == nil {
			continue
		}
		id, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		live[id] = true
	}
	return live, nil
}

// cleanupImages deletes abandoned image files of one game, keeping the
// largest-numbered id so a fresh upload never reuses an id a stale browser
// cache may still hold. Returns bytes freed and md5 entries discarded.
func (e *Engine) cleanupImages(tx *gorm.DB, gm, game string, gameID int64) (int64, int, error) {
	live, err := liveImageIDs(tx, gameID)
	if err != nil {
		return 0, 0, err
	}

	lock := e.IOLock(gm)
	lock.Lock()
	defer lock.Unlock()

	dir := e.paths.GameDir(gm, game)
	ids := imageIDs(dir)
	if len(ids) == 0 {
		return 0, 0, nil
	}
	maxID := ids[len(ids)-1]

	removed := make(map[int]bool)
	var freed int64
	for _, id := range ids {
		if live[id] || id == maxID {
			continue
		}
		path := e.paths.Image(gm, game, id)
		if info, err := os.Stat(path); err == nil {
			freed += info.Size()
		}
		if err := os.Remove(path); err != nil {
			log.Warnw("could not remove abandoned image", "gm", gm, "game", game, "id", id, zap.Error(err))
			continue
		}
		removed[id] = true
	}

	dropped := 0
	if len(removed) > 0 {
		md5Path := e.paths.MD5File(gm, game)
		cache := loadMD5(md5Path)
		for hash, id := range cache {
			if removed[id] {
				delete(cache, hash)
				dropped++
			}
		}
		if err := saveMD5(md5Path, cache); err != nil {
			log.Warnw("could not save md5 cache", "gm", gm, "game", game, zap.Error(err))
		}
	}
	return freed, dropped, nil
}

// tokenURLValid reports whether a token's image URL points at a file on
// disk or at a well-known static path.
func (e *Engine) tokenURLValid(url string) bool {
	if strings.HasPrefix(url, "/static/") {
		return true
	}
	parts := strings.Split(strings.TrimPrefix(url, "/"), "/")
	if len(parts) != 4 || parts[0] != "asset" {
		return false
	}
	return fileExists(filepath.Join(e.paths.GmsDir(), parts[1], parts[2], parts[3]))
}

// imageIDFromURL parses the numeric id out of an asset URL.
func imageIDFromURL(url string) (int, bool) {
	m := assetURLPattern.FindStringSubmatch(url)
	if m == nil {
		return 0, false
	}
	id, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return id, true
}
