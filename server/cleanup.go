package main

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/govtt/govtt"
)

// CleanupReport accounts one cleanup pass for the notifier collaborator.
type CleanupReport struct {
	GMs          int           `json:"gms"`
	Games        int           `json:"games"`
	Zips         int           `json:"zips"`
	BytesFreed   int64         `json:"bytes_freed"`
	Rolls        int           `json:"rolls"`
	BrokenTokens int           `json:"broken_tokens"`
	MD5s         int           `json:"md5s"`
	Duration     time.Duration `json:"duration"`
}

// Cleaner is the single long-lived background task that expires entities and
// reclaims disk at the configured wall-clock time.
type Cleaner struct {
	engine *Engine

	// notify hands the report to the external notifier sink.
	notify func(CleanupReport)
}

// Run loops until stop closes: run a pass, then sleep until the next
// configured daytime. A failed iteration is logged and the scheduler resumes
// at the next wake.
func (c *Cleaner) Run(stop <-chan struct{}) {
	for {
		next := nextRunAfter(time.Now(), c.engine.cfg.CleanupTime)
		select {
		case <-stop:
			return
		case <-time.After(time.Until(next)):
		}

		start := time.Now()
		report := c.engine.CleanupAll()
		report.Duration = time.Since(start)
		cleanupRuns.Inc()

		log.Infow("cleanup finished",
			"gms", report.GMs,
			"games", report.Games,
			"zips", report.Zips,
			"bytes_freed", report.BytesFreed,
			"rolls", report.Rolls,
			"broken_tokens", report.BrokenTokens,
			"md5s", report.MD5s,
			"duration", report.Duration,
		)
		if c.notify != nil {
			c.notify(report)
		}
	}
}

// CleanupAll sweeps every GM under the engine cache. Per-GM failures are
// logged and do not abort the whole pass.
func (e *Engine) CleanupAll() CleanupReport {
	var report CleanupReport
	threshold := e.cfg.ExpireThreshold()

	for _, url := range e.GmUrls() {
		gm, ok := e.GetGm(url)
		if !ok {
			continue
		}
		if err := e.cleanupGm(gm, threshold, &report); err != nil {
			log.Warnw("gm cleanup failed", "gm", url, zap.Error(err))
		}
	}

	report.Zips += e.purgeExports()
	return report
}

// gmExpired reports whether the GM itself and every one of its games have
// outlived the threshold.
func gmExpired(row *GM, games []Game, threshold time.Duration) bool {
	if !govtt.Expired(row.Timeid, threshold, govtt.ExpireScaleFull) {
		return false
	}
	for _, game := range games {
		if !govtt.Expired(game.Timeid, threshold, govtt.ExpireScaleFull) {
			return false
		}
	}
	return true
}

func (e *Engine) cleanupGm(gm *GmCache, threshold time.Duration, report *CleanupReport) error {
	var row GM
	if err := e.main.Where("url = ?", gm.url).First(&row).Error; err != nil {
		return err
	}

	var games []Game
	if err := gm.store.Find(&games).Error; err != nil {
		return err
	}

	if gmExpired(&row, games, threshold) {
		freed := dirSize(e.paths.GmDir(gm.url))

		// Drop the cache entry first so the store handle is closed before
		// the tree vanishes.
		e.RemoveGm(gm.url)
		if err := os.RemoveAll(e.paths.GmDir(gm.url)); err != nil {
			return err
		}
		if err := e.main.Delete(&GM{}, row.ID).Error; err != nil {
			return err
		}

		report.GMs++
		report.BytesFreed += freed
		log.Infow("expired gm removed", "gm", gm.url, "bytes", freed)
		return nil
	}

	for i := range games {
		game := &games[i]
		if govtt.Expired(game.Timeid, threshold, govtt.ExpireScaleFull) {
			if err := e.removeGame(gm, game, report); err != nil {
				log.Warnw("game cleanup failed", "gm", gm.url, "game", game.URL, zap.Error(err))
			}
			continue
		}
		if err := e.cleanupGame(gm, game, report); err != nil {
			log.Warnw("game cleanup failed", "gm", gm.url, "game", game.URL, zap.Error(err))
		}
	}
	return nil
}

// removeGame deletes an expired game: its rows, its cache entry, and its
// directory tree under the GM's IO lock.
func (e *Engine) removeGame(gm *GmCache, game *Game, report *CleanupReport) error {
	gm.Remove(game.URL)

	if err := gm.store.Transaction(func(tx *gorm.DB) error {
		return deleteGameRows(tx, game.ID)
	}); err != nil {
		return err
	}

	dir := e.paths.GameDir(gm.url, game.URL)
	freed := dirSize(dir)

	lock := e.IOLock(gm.url)
	lock.Lock()
	err := os.RemoveAll(dir)
	lock.Unlock()
	if err != nil {
		return err
	}

	report.Games++
	report.BytesFreed += freed
	log.Infow("expired game removed", "gm", gm.url, "game", game.URL, "bytes", freed)
	return nil
}

// cleanupGame reclaims a live game's disk and store: abandoned images, stale
// rolls, and tokens whose image exists neither on disk nor under a static
// path.
func (e *Engine) cleanupGame(gm *GmCache, game *Game, report *CleanupReport) error {
	return gm.store.Transaction(func(tx *gorm.DB) error {
		freed, md5s, err := e.cleanupImages(tx, gm.url, game.URL, game.ID)
		if err != nil {
			return err
		}
		report.BytesFreed += freed
		report.MD5s += md5s

		res := tx.Where("game_id = ? AND timeid < ?", game.ID, time.Now().Add(-govtt.LatestRolls)).Delete(&Roll{})
		if res.Error != nil {
			return res.Error
		}
		report.Rolls += int(res.RowsAffected)

		return e.deleteBrokenTokens(tx, game, report)
	})
}

// deleteBrokenTokens drops tokens whose image URL cannot be served anymore.
func (e *Engine) deleteBrokenTokens(tx *gorm.DB, game *Game, report *CleanupReport) error {
	var scenes []Scene
	if err := tx.Where("game_id = ?", game.ID).Find(&scenes).Error; err != nil {
		return err
	}
	for i := range scenes {
		scene := &scenes[i]
		tokens, err := sceneTokens(tx, scene.ID)
		if err != nil {
			return err
		}
		for _, t := range tokens {
			if e.tokenURLValid(t.URL) {
				continue
			}
			if scene.Backing != nil && *scene.Backing == t.ID {
				scene.Backing = nil
				if err := tx.Model(&Scene{}).Where("id = ?", scene.ID).Update("backing", nil).Error; err != nil {
					return err
				}
			}
			if err := tx.Delete(&Token{}, t.ID).Error; err != nil {
				return err
			}
			report.BrokenTokens++
		}
	}
	return nil
}

// purgeExports truncates the export directory and returns the number of
// bundles deleted.
func (e *Engine) purgeExports() int {
	entries, err := os.ReadDir(e.paths.ExportDir())
	if err != nil {
		return 0
	}
	deleted := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".zip") {
			continue
		}
		if err := os.Remove(filepath.Join(e.paths.ExportDir(), entry.Name())); err != nil {
			log.Warnw("could not purge export", "file", entry.Name(), zap.Error(err))
			continue
		}
		deleted++
	}
	return deleted
}
