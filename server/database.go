package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"moul.io/zapgorm2"

	"github.com/govtt/govtt"
)

// openDB opens a sqlite database with GORM logging bridged to zap.
func openDB(path string) (*gorm.DB, error) {
	gormLog := zapgorm2.New(log.Desugar())
	gormLog.LogLevel = logger.Warn
	gormLog.SetAsDefault()

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, err
	}
	return db, nil
}

// openMainDB opens and migrates the GM directory database.
func openMainDB(path string) (*gorm.DB, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	if err := AutoMigrateMain(db); err != nil {
		return nil, fmt.Errorf("migrate main db: %w", err)
	}
	return db, nil
}

// openGmDB opens and migrates one GM's private database.
func openGmDB(path string) (*gorm.DB, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	if err := AutoMigrateGm(db); err != nil {
		return nil, fmt.Errorf("migrate gm db: %w", err)
	}
	return db, nil
}

func closeDB(db *gorm.DB) {
	if db == nil {
		return
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func getGameByURL(tx *gorm.DB, url string) (*Game, error) {
	var game Game
	if err := tx.Where("url = ?", url).First(&game).Error; err != nil {
		return nil, err
	}
	return &game, nil
}

func getScene(tx *gorm.DB, gameID, sceneID int64) (*Scene, error) {
	var scene Scene
	if err := tx.Where("id = ? AND game_id = ?", sceneID, gameID).First(&scene).Error; err != nil {
		return nil, err
	}
	return &scene, nil
}

func activeScene(tx *gorm.DB, game *Game) (*Scene, error) {
	return getScene(tx, game.ID, game.Active)
}

func sceneTokens(tx *gorm.DB, sceneID int64) ([]Token, error) {
	var tokens []Token
	if err := tx.Where("scene_id = ?", sceneID).Order("z_order, id").Find(&tokens).Error; err != nil {
		return nil, err
	}
	return tokens, nil
}

// tokensByIDs fetches the requested tokens of one scene in id order.
// Ids that do not exist are simply absent from the result.
func tokensByIDs(tx *gorm.DB, sceneID int64, ids []int64) ([]Token, error) {
	var tokens []Token
	if err := tx.Where("scene_id = ? AND id IN ?", sceneID, ids).Order("id").Find(&tokens).Error; err != nil {
		return nil, err
	}
	return tokens, nil
}

// gameImageURLs collects the distinct image URLs referenced by any token in
// any scene of the game.
func gameImageURLs(tx *gorm.DB, gameID int64) ([]string, error) {
	var urls []string
	err := tx.Model(&Token{}).
		Distinct("tokens.url").
		Joins("JOIN scenes ON scenes.id = tokens.scene_id").
		Where("scenes.game_id = ? AND tokens.url <> ''", gameID).
		Order("tokens.url").
		Pluck("tokens.url", &urls).Error
	if err != nil {
		return nil, err
	}
	return urls, nil
}

func recentRolls(tx *gorm.DB, gameID int64, since time.Time) ([]Roll, error) {
	var rolls []Roll
	if err := tx.Where("game_id = ? AND timeid >= ?", gameID, since).Order("timeid").Find(&rolls).Error; err != nil {
		return nil, err
	}
	return rolls, nil
}

// touchGame bumps the game's last-touch timestamp.
func touchGame(tx *gorm.DB, game *Game) error {
	game.Timeid = time.Now()
	return tx.Model(&Game{}).Where("id = ?", game.ID).Update("timeid", game.Timeid).Error
}

// saveOrder persists the game's scene-order list. The column is
// serializer-backed, so the slice is marshalled here rather than handed to
// Update as a raw value.
func saveOrder(tx *gorm.DB, game *Game) error {
	raw, err := json.Marshal(game.Order)
	if err != nil {
		return err
	}
	return tx.Model(&Game{}).Where("id = ?", game.ID).Update("order", string(raw)).Error
}

// rebuildOrder fills the order list from the scene id set when it is empty
// or stale (must contain each scene id exactly once).
func rebuildOrder(tx *gorm.DB, game *Game) error {
	var ids []int64
	if err := tx.Model(&Scene{}).Where("game_id = ?", game.ID).Order("id").Pluck("id", &ids).Error; err != nil {
		return err
	}
	if len(game.Order) == len(ids) {
		known := make(map[int64]bool, len(ids))
		for _, id := range ids {
			known[id] = true
		}
		valid := true
		seen := make(map[int64]bool, len(game.Order))
		for _, id := range game.Order {
			if !known[id] || seen[id] {
				valid = false
				break
			}
			seen[id] = true
		}
		if valid {
			return nil
		}
	}
	game.Order = ids
	return saveOrder(tx, game)
}

// createScene inserts an empty scene into the game.
func createScene(tx *gorm.DB, game *Game) (*Scene, error) {
	scene := &Scene{GameID: game.ID}
	if err := tx.Create(scene).Error; err != nil {
		return nil, err
	}
	return scene, nil
}

// activateScene makes the scene current and appends it to the order list.
func activateScene(tx *gorm.DB, game *Game, scene *Scene) error {
	game.Active = scene.ID
	if err := tx.Model(&Game{}).Where("id = ?", game.ID).Update("active", game.Active).Error; err != nil {
		return err
	}
	for _, id := range game.Order {
		if id == scene.ID {
			return nil
		}
	}
	game.Order = append(game.Order, scene.ID)
	return saveOrder(tx, game)
}

// deleteScene removes a scene and its tokens. The order list is rebuilt by
// filtering out the deleted id. When the deleted scene was active, another
// scene of the game becomes active; when none remain, a fresh empty scene is
// created so the active reference stays valid.
func deleteScene(tx *gorm.DB, game *Game, scene *Scene) (*Scene, error) {
	// Clear the backing reference before the cascade to avoid dangling.
	if scene.Backing != nil {
		scene.Backing = nil
		if err := tx.Model(&Scene{}).Where("id = ?", scene.ID).Update("backing", nil).Error; err != nil {
			return nil, err
		}
	}
	if err := tx.Where("scene_id = ?", scene.ID).Delete(&Token{}).Error; err != nil {
		return nil, err
	}
	if err := tx.Delete(&Scene{}, scene.ID).Error; err != nil {
		return nil, err
	}

	order := game.Order[:0]
	for _, id := range game.Order {
		if id != scene.ID {
			order = append(order, id)
		}
	}
	game.Order = order
	if err := saveOrder(tx, game); err != nil {
		return nil, err
	}

	if game.Active != scene.ID {
		return activeScene(tx, game)
	}

	var next Scene
	err := tx.Where("game_id = ?", game.ID).Order("id").First(&next).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		replacement, err := createScene(tx, game)
		if err != nil {
			return nil, err
		}
		if err := activateScene(tx, game, replacement); err != nil {
			return nil, err
		}
		return replacement, nil
	}
	if err != nil {
		return nil, err
	}
	if err := activateScene(tx, game, &next); err != nil {
		return nil, err
	}
	return &next, nil
}

// deleteGameRows removes a game and everything it owns from a GM's store.
func deleteGameRows(tx *gorm.DB, gameID int64) error {
	sceneIDs := tx.Model(&Scene{}).Select("id").Where("game_id = ?", gameID)
	if err := tx.Where("scene_id IN (?)", sceneIDs).Delete(&Token{}).Error; err != nil {
		return err
	}
	if err := tx.Where("game_id = ?", gameID).Delete(&Scene{}).Error; err != nil {
		return err
	}
	if err := tx.Where("game_id = ?", gameID).Delete(&Roll{}).Error; err != nil {
		return err
	}
	return tx.Delete(&Game{}, gameID).Error
}

// setBacking promotes a token to scene background.
func setBacking(tx *gorm.DB, scene *Scene, token *Token) error {
	token.Size = govtt.BackgroundSize
	if err := tx.Model(&Token{}).Where("id = ?", token.ID).Update("size", token.Size).Error; err != nil {
		return err
	}
	scene.Backing = &token.ID
	return tx.Model(&Scene{}).Where("id = ?", scene.ID).Update("backing", token.ID).Error
}

// replaceBacking deletes the scene's previous background token, if any,
// before a new one takes its place.
func replaceBacking(tx *gorm.DB, scene *Scene) error {
	if scene.Backing == nil {
		return nil
	}
	if err := tx.Delete(&Token{}, *scene.Backing).Error; err != nil {
		return err
	}
	scene.Backing = nil
	return tx.Model(&Scene{}).Where("id = ?", scene.ID).Update("backing", nil).Error
}
