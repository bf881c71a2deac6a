package main

import (
	"os"
	"sort"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/govtt/govtt"
)

// defaultTokenSize is the size of freshly dropped tokens.
const defaultTokenSize = 64

// onPing answers the caller only. A failed write here means the socket is
// dead and triggers logout.
func (gc *GameCache) onPing(p *PlayerCache, f govtt.Frame) error {
	return p.WriteFrame(map[string]any{"OPID": govtt.OpPing})
}

// onRoll samples a die, persists the result, and broadcasts it as recent.
// Unsupported sides are silently ignored.
func (gc *GameCache) onRoll(p *PlayerCache, f govtt.Frame) error {
	sides, ok := f.Int("sides")
	if !ok || !govtt.ValidDie(sides) {
		return nil
	}
	result := govtt.RollDie(sides)

	persisted := false
	err := gc.gm.store.Transaction(func(tx *gorm.DB) error {
		game, err := getGameByURL(tx, gc.url)
		if err != nil {
			log.Warnw("roll for unknown game", "game", gc.url, zap.Error(err))
			return nil
		}
		persisted = true
		roll := Roll{
			GameID: game.ID,
			Name:   p.Name,
			Color:  p.Color,
			Sides:  sides,
			Result: result,
			Timeid: time.Now(),
		}
		if err := tx.Create(&roll).Error; err != nil {
			return err
		}
		return touchGame(tx, game)
	})
	if err != nil {
		return err
	}
	if !persisted {
		return nil
	}

	gc.Broadcast(map[string]any{
		"OPID":   govtt.OpRoll,
		"name":   p.Name,
		"color":  p.Color,
		"sides":  sides,
		"result": result,
		"recent": true,
	})
	return nil
}

// onSelect replaces the player's selection. No persistence.
func (gc *GameCache) onSelect(p *PlayerCache, f govtt.Frame) error {
	ids, ok := f.IDs("selected")
	if !ok {
		return errMissingField
	}
	p.SetSelection(ids)
	gc.Broadcast(map[string]any{
		"OPID":     govtt.OpSelect,
		"color":    p.Color,
		"selected": ids,
	})
	return nil
}

// onRange selects every non-background token of the active scene whose
// center lies inside the given rectangle. Incomplete rectangles are ignored.
func (gc *GameCache) onRange(p *PlayerCache, f govtt.Frame) error {
	left, okL := f.Float("left")
	top, okT := f.Float("top")
	width, okW := f.Float("width")
	height, okH := f.Float("height")
	if !okL || !okT || !okW || !okH {
		return nil
	}
	adding, _ := f.Bool("adding")

	resolved := false
	var hits []int64
	err := gc.gm.store.Transaction(func(tx *gorm.DB) error {
		game, err := getGameByURL(tx, gc.url)
		if err != nil {
			log.Warnw("range for unknown game", "game", gc.url, zap.Error(err))
			return nil
		}
		scene, err := activeScene(tx, game)
		if err != nil {
			log.Warnw("range without active scene", "game", gc.url, zap.Error(err))
			return nil
		}
		resolved = true
		tokens, err := sceneTokens(tx, scene.ID)
		if err != nil {
			return err
		}
		for _, t := range tokens {
			if t.Size == govtt.BackgroundSize {
				continue
			}
			if govtt.InRect(t.PosX, t.PosY, int(left), int(top), int(width), int(height)) {
				hits = append(hits, t.ID)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !resolved {
		return nil
	}

	if adding {
		seen := make(map[int64]bool)
		merged := p.Selection()
		for _, id := range merged {
			seen[id] = true
		}
		for _, id := range hits {
			if !seen[id] {
				merged = append(merged, id)
			}
		}
		hits = merged
	}
	p.SetSelection(hits)

	gc.Broadcast(map[string]any{
		"OPID":     govtt.OpSelect,
		"color":    p.Color,
		"selected": p.Selection(),
	})
	return nil
}

// onOrder swaps a player's index with its neighbor. Invalid directions are
// silently ignored.
func (gc *GameCache) onOrder(p *PlayerCache, f govtt.Frame) error {
	name, ok := f.String("name")
	if !ok {
		return errMissingField
	}
	direction, ok := f.Int("direction")
	if !ok || (direction != 1 && direction != -1) {
		return nil
	}

	if !gc.SwapIndex(name, direction) {
		return nil
	}
	gc.Broadcast(map[string]any{"OPID": govtt.OpOrder, "indices": gc.IndexMap()})
	return nil
}

// onUpdate applies an array of change records to tokens of the active
// scene. Only actually-changed tokens appear in the broadcast.
func (gc *GameCache) onUpdate(p *PlayerCache, f govtt.Frame) error {
	changes, ok := f.Records("changes")
	if !ok {
		return errMissingField
	}

	type rec struct {
		id     int64
		change govtt.Frame
	}
	recs := make([]rec, 0, len(changes))
	ids := make([]int64, 0, len(changes))
	for _, c := range changes {
		id, ok := c.Int("id")
		if !ok {
			return errMissingField
		}
		recs = append(recs, rec{id: int64(id), change: c})
		ids = append(ids, int64(id))
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].id < recs[j].id })

	var changed []Token
	err := gc.gm.store.Transaction(func(tx *gorm.DB) error {
		game, err := getGameByURL(tx, gc.url)
		if err != nil {
			log.Warnw("update for unknown game", "game", gc.url, zap.Error(err))
			return nil
		}
		scene, err := activeScene(tx, game)
		if err != nil {
			log.Warnw("update without active scene", "game", gc.url, zap.Error(err))
			return nil
		}

		// Single query, id-sorted; deleted ids fall out of the join.
		tokens, err := tokensByIDs(tx, scene.ID, ids)
		if err != nil {
			return err
		}
		byID := make(map[int64]*Token, len(tokens))
		for i := range tokens {
			byID[tokens[i].ID] = &tokens[i]
		}

		now := time.Now()
		for _, r := range recs {
			token, ok := byID[r.id]
			if !ok {
				continue
			}
			if token.Apply(r.change, now) {
				if err := tx.Save(token).Error; err != nil {
					return err
				}
				changed = append(changed, *token)
			}
		}
		if len(changed) == 0 {
			return nil
		}
		return touchGame(tx, game)
	})
	if err != nil {
		return err
	}

	if len(changed) > 0 {
		gc.Broadcast(map[string]any{"OPID": govtt.OpUpdate, "tokens": changed})
	}
	return nil
}

// onCreate drops one token per url on a circle around the requested
// position. The first token becomes the scene background when the scene has
// none yet.
func (gc *GameCache) onCreate(p *PlayerCache, f govtt.Frame) error {
	posx, okX := f.Int("posx")
	posy, okY := f.Int("posy")
	urls, okU := f.Strings("urls")
	if !okX || !okY || !okU {
		return errMissingField
	}
	label, _ := f.String("text")
	label = govtt.TruncateLabel(label)

	var created []Token
	err := gc.gm.store.Transaction(func(tx *gorm.DB) error {
		game, err := getGameByURL(tx, gc.url)
		if err != nil {
			log.Warnw("create for unknown game", "game", gc.url, zap.Error(err))
			return nil
		}
		scene, err := activeScene(tx, game)
		if err != nil {
			log.Warnw("create without active scene", "game", gc.url, zap.Error(err))
			return nil
		}

		now := time.Now()
		n := len(urls)
		for k, url := range urls {
			x, y := govtt.CirclePos(posx, posy, k, n)
			token := Token{
				SceneID: scene.ID,
				URL:     url,
				PosX:    govtt.ClampX(x),
				PosY:    govtt.ClampY(y),
				Size:    defaultTokenSize,
				Text:    label,
				Color:   p.Color,
				Timeid:  now,
			}
			if err := tx.Create(&token).Error; err != nil {
				return err
			}
			created = append(created, token)
		}

		if scene.Backing == nil && len(created) > 0 {
			if err := setBacking(tx, scene, &created[0]); err != nil {
				return err
			}
		}
		return touchGame(tx, game)
	})
	if err != nil {
		return err
	}

	if len(created) > 0 {
		gc.Broadcast(map[string]any{"OPID": govtt.OpCreate, "tokens": created})
	}
	return nil
}

// onClone copies tokens, translated so their centroid lands on the given
// destination. Backgrounds are never cloned.
func (gc *GameCache) onClone(p *PlayerCache, f govtt.Frame) error {
	ids, okI := f.IDs("ids")
	posx, okX := f.Int("posx")
	posy, okY := f.Int("posy")
	if !okI || !okX || !okY {
		return errMissingField
	}

	var created []Token
	err := gc.gm.store.Transaction(func(tx *gorm.DB) error {
		game, err := getGameByURL(tx, gc.url)
		if err != nil {
			log.Warnw("clone for unknown game", "game", gc.url, zap.Error(err))
			return nil
		}
		scene, err := activeScene(tx, game)
		if err != nil {
			log.Warnw("clone without active scene", "game", gc.url, zap.Error(err))
			return nil
		}

		sources, err := tokensByIDs(tx, scene.ID, ids)
		if err != nil {
			return err
		}
		kept := sources[:0]
		for _, t := range sources {
			if t.Size != govtt.BackgroundSize {
				kept = append(kept, t)
			}
		}
		sources = kept
		if len(sources) == 0 {
			return nil
		}

		xs := make([]int, len(sources))
		ys := make([]int, len(sources))
		for i, t := range sources {
			xs[i] = t.PosX
			ys[i] = t.PosY
		}
		cx, cy := govtt.Centroid(xs, ys)
		dx, dy := posx-cx, posy-cy

		now := time.Now()
		for _, src := range sources {
			token := Token{
				SceneID: scene.ID,
				URL:     src.URL,
				PosX:    govtt.ClampX(src.PosX + dx),
				PosY:    govtt.ClampY(src.PosY + dy),
				ZOrder:  src.ZOrder,
				Size:    src.Size,
				Rotate:  src.Rotate,
				FlipX:   src.FlipX,
				Text:    src.Text,
				Color:   src.Color,
				Timeid:  now,
			}
			if err := tx.Create(&token).Error; err != nil {
				return err
			}
			created = append(created, token)
		}
		return touchGame(tx, game)
	})
	if err != nil {
		return err
	}

	if len(created) > 0 {
		gc.Broadcast(map[string]any{"OPID": govtt.OpCreate, "tokens": created})
	}
	return nil
}

// onDelete removes every requested token that exists and is not locked.
func (gc *GameCache) onDelete(p *PlayerCache, f govtt.Frame) error {
	ids, ok := f.IDs("ids")
	if !ok {
		return errMissingField
	}

	var deleted []int64
	err := gc.gm.store.Transaction(func(tx *gorm.DB) error {
		game, err := getGameByURL(tx, gc.url)
		if err != nil {
			log.Warnw("delete for unknown game", "game", gc.url, zap.Error(err))
			return nil
		}
		scene, err := activeScene(tx, game)
		if err != nil {
			log.Warnw("delete without active scene", "game", gc.url, zap.Error(err))
			return nil
		}

		tokens, err := tokensByIDs(tx, scene.ID, ids)
		if err != nil {
			return err
		}
		for _, t := range tokens {
			if t.Locked {
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
			deleted = append(deleted, t.ID)
		}
		if len(deleted) == 0 {
			return nil
		}
		return touchGame(tx, game)
	})
	if err != nil {
		return err
	}

	if len(deleted) > 0 {
		gc.Broadcast(map[string]any{"OPID": govtt.OpDelete, "tokens": deleted})
	}
	return nil
}

// onBeacon passes the frame through with the sender's color and uuid.
func (gc *GameCache) onBeacon(p *PlayerCache, f govtt.Frame) error {
	f["color"] = p.Color
	f["uuid"] = p.UUID
	gc.Broadcast(f)
	return nil
}

// onMusic mutates the playback slots and mirrors the frame to everyone.
func (gc *GameCache) onMusic(p *PlayerCache, f govtt.Frame) error {
	action, ok := f.String("action")
	if !ok {
		return errMissingField
	}

	switch action {
	case "add":
		slots, ok := f.IDs("slots")
		if !ok {
			return errMissingField
		}
		for _, slot := range slots {
			gc.MarkSlotPresent(int(slot))
		}
	case "play", "pause":
		slot, ok := f.Int("slot")
		if !ok {
			return errMissingField
		}
		gc.SetSlotPlaying(slot, action == "play")
	case "remove":
		slot, ok := f.Int("slot")
		if !ok {
			return errMissingField
		}
		gc.ClearSlot(slot)

		lock := gc.gm.engine.IOLock(gc.gm.url)
		lock.Lock()
		err := os.Remove(gc.gm.engine.paths.Music(gc.gm.url, gc.url, slot))
		lock.Unlock()
		if err != nil && !os.IsNotExist(err) {
			log.Warnw("could not remove music slot", "game", gc.url, "slot", slot, zap.Error(err))
		}
	default:
		return nil
	}

	gc.Broadcast(f)
	return nil
}

// onGmCreate adds an empty scene and makes it active.
func (gc *GameCache) onGmCreate(p *PlayerCache, f govtt.Frame) error {
	var refresh map[string]any
	err := gc.gm.store.Transaction(func(tx *gorm.DB) error {
		game, err := getGameByURL(tx, gc.url)
		if err != nil {
			log.Warnw("scene create for unknown game", "game", gc.url, zap.Error(err))
			return nil
		}
		scene, err := createScene(tx, game)
		if err != nil {
			return err
		}
		if err := activateScene(tx, game, scene); err != nil {
			return err
		}
		if err := touchGame(tx, game); err != nil {
			return err
		}
		refresh, err = buildRefresh(tx, game)
		return err
	})
	if err != nil {
		return err
	}

	if refresh != nil {
		gc.Broadcast(refresh)
	}
	return nil
}

// onGmMove shifts the active scene within the presentation order. Out-of-
// range targets are silently ignored.
func (gc *GameCache) onGmMove(p *PlayerCache, f govtt.Frame) error {
	step, ok := f.Int("step")
	if !ok || (step != 1 && step != -1) {
		return nil
	}

	return gc.gm.store.Transaction(func(tx *gorm.DB) error {
		game, err := getGameByURL(tx, gc.url)
		if err != nil {
			log.Warnw("scene move for unknown game", "game", gc.url, zap.Error(err))
			return nil
		}
		if err := rebuildOrder(tx, game); err != nil {
			return err
		}

		idx := -1
		for i, id := range game.Order {
			if id == game.Active {
				idx = i
				break
			}
		}
		target := idx + step
		if idx < 0 || target < 0 || target >= len(game.Order) {
			return nil
		}
		game.Order[idx], game.Order[target] = game.Order[target], game.Order[idx]
		if err := saveOrder(tx, game); err != nil {
			return err
		}
		return touchGame(tx, game)
	})
}

// onGmActivate switches the active scene.
func (gc *GameCache) onGmActivate(p *PlayerCache, f govtt.Frame) error {
	sceneID, ok := f.Int("scene")
	if !ok {
		return errMissingField
	}

	var refresh map[string]any
	err := gc.gm.store.Transaction(func(tx *gorm.DB) error {
		game, err := getGameByURL(tx, gc.url)
		if err != nil {
			log.Warnw("scene activate for unknown game", "game", gc.url, zap.Error(err))
			return nil
		}
		scene, err := getScene(tx, game.ID, int64(sceneID))
		if err != nil {
			log.Warnw("activate of unknown scene", "game", gc.url, "scene", sceneID, zap.Error(err))
			return nil
		}
		if err := activateScene(tx, game, scene); err != nil {
			return err
		}
		if err := touchGame(tx, game); err != nil {
			return err
		}
		refresh, err = buildRefresh(tx, game)
		return err
	})
	if err != nil {
		return err
	}

	if refresh != nil {
		gc.Broadcast(refresh)
	}
	return nil
}

// onGmClone copies the active scene without its background and activates
// the copy.
func (gc *GameCache) onGmClone(p *PlayerCache, f govtt.Frame) error {
	var refresh map[string]any
	err := gc.gm.store.Transaction(func(tx *gorm.DB) error {
		game, err := getGameByURL(tx, gc.url)
		if err != nil {
			log.Warnw("scene clone for unknown game", "game", gc.url, zap.Error(err))
			return nil
		}
		src, err := activeScene(tx, game)
		if err != nil {
			log.Warnw("scene clone without active scene", "game", gc.url, zap.Error(err))
			return nil
		}
		tokens, err := sceneTokens(tx, src.ID)
		if err != nil {
			return err
		}

		scene, err := createScene(tx, game)
		if err != nil {
			return err
		}
		now := time.Now()
		for _, t := range tokens {
			if t.Size == govtt.BackgroundSize {
				continue
			}
			clone := t
			clone.ID = 0
			clone.SceneID = scene.ID
			clone.Timeid = now
			if err := tx.Create(&clone).Error; err != nil {
				return err
			}
		}

		if err := activateScene(tx, game, scene); err != nil {
			return err
		}
		if err := touchGame(tx, game); err != nil {
			return err
		}
		refresh, err = buildRefresh(tx, game)
		return err
	})
	if err != nil {
		return err
	}

	if refresh != nil {
		gc.Broadcast(refresh)
	}
	return nil
}

// onGmDelete removes a scene, keeping the game's active reference valid.
func (gc *GameCache) onGmDelete(p *PlayerCache, f govtt.Frame) error {
	sceneID, ok := f.Int("scene")
	if !ok {
		return errMissingField
	}

	var refresh map[string]any
	err := gc.gm.store.Transaction(func(tx *gorm.DB) error {
		game, err := getGameByURL(tx, gc.url)
		if err != nil {
			log.Warnw("scene delete for unknown game", "game", gc.url, zap.Error(err))
			return nil
		}
		scene, err := getScene(tx, game.ID, int64(sceneID))
		if err != nil {
			log.Warnw("delete of unknown scene", "game", gc.url, "scene", sceneID, zap.Error(err))
			return nil
		}
		if _, err := deleteScene(tx, game, scene); err != nil {
			return err
		}
		if err := touchGame(tx, game); err != nil {
			return err
		}
		refresh, err = buildRefresh(tx, game)
		return err
	})
	if err != nil {
		return err
	}

	if refresh != nil {
		gc.Broadcast(refresh)
	}
	return nil
}
