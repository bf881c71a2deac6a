package main

import (
	"os"
	"testing"
	"time"
)

func TestCleanupLeavesFreshDataAlone(t *testing.T) {
	e := testEngine(t)
	gm := testGm(t, e, "gm")
	testGame(t, e, gm, "game")

	report := e.CleanupAll()
	if report.GMs != 0 || report.Games != 0 {
		t.Errorf("fresh data expired: %+v", report)
	}
	if _, ok := e.GetGm("gm"); !ok {
		t.Error("fresh gm dropped from the cache")
	}
}

func TestCleanupRemovesExpiredGame(t *testing.T) {
	e := testEngine(t)
	gm := testGm(t, e, "gm")
	game, _ := testGame(t, e, gm, "game")
	testGame(t, e, gm, "fresh")

	stale := time.Now().Add(-31 * 24 * time.Hour)
	if err := gm.store.Model(&Game{}).Where("id = ?", game.ID).Update("timeid", stale).Error; err != nil {
		t.Fatalf("age game: %+v", err)
	}

	report := e.CleanupAll()
	if report.Games != 1 {
		t.Fatalf("removed %d games, want 1", report.Games)
	}
	if report.GMs != 0 {
		t.Error("gm with a live game was removed")
	}
	if _, ok := gm.GetGame("game"); ok {
		t.Error("expired game still cached")
	}
	if _, ok := gm.GetGame("fresh"); !ok {
		t.Error("fresh game vanished")
	}
	if _, err := os.Stat(e.paths.GameDir("gm", "game")); !os.IsNotExist(err) {
		t.Error("expired game directory survived")
	}

	var count int64
	if err := gm.store.Model(&Game{}).Count(&count).Error; err != nil {
		t.Fatalf("count games: %+v", err)
	}
	if count != 1 {
		t.Errorf("%d game rows remain, want 1", count)
	}
}

func TestCleanupRemovesFullyExpiredGm(t *testing.T) {
	e := testEngine(t)
	gm := testGm(t, e, "gm")
	game, _ := testGame(t, e, gm, "game")

	stale := time.Now().Add(-31 * 24 * time.Hour)
	if err := gm.store.Model(&Game{}).Where("id = ?", game.ID).Update("timeid", stale).Error; err != nil {
		t.Fatalf("age game: %+v", err)
	}
	if err := e.main.Model(&GM{}).Where("url = ?", "gm").Update("timeid", stale).Error; err != nil {
		t.Fatalf("age gm: %+v", err)
	}

	report := e.CleanupAll()
	if report.GMs != 1 {
		t.Fatalf("removed %d gms, want 1", report.GMs)
	}
	if _, ok := e.GetGm("gm"); ok {
		t.Error("expired gm still cached")
	}
	if fileExists(e.paths.GmDB("gm")) {
		t.Error("gm directory survived")
	}
	var count int64
	if err := e.main.Model(&GM{}).Count(&count).Error; err != nil {
		t.Fatalf("count gms: %+v", err)
	}
	if count != 0 {
		t.Errorf("%d gm rows remain, want 0", count)
	}
}

func TestCleanupDisabledByZeroThreshold(t *testing.T) {
	e := testEngine(t)
	e.cfg.CleanupExpireDays = 0
	gm := testGm(t, e, "gm")
	game, _ := testGame(t, e, gm, "game")

	stale := time.Now().Add(-365 * 24 * time.Hour)
	if err := gm.store.Model(&Game{}).Where("id = ?", game.ID).Update("timeid", stale).Error; err != nil {
		t.Fatalf("age game: %+v", err)
	}

	report := e.CleanupAll()
	if report.GMs != 0 || report.Games != 0 {
		t.Errorf("disabled expiry still removed data: %+v", report)
	}
}

func TestCleanupDropsBrokenTokens(t *testing.T) {
	e := testEngine(t)
	gm := testGm(t, e, "gm")
	game, _ := testGame(t, e, gm, "game")
	scene, err := activeScene(gm.store, game)
	if err != nil {
		t.Fatalf("active scene: %+v", err)
	}

	url, err := e.UploadImage("gm", "game", pngStub(1, 64), e.cfg.LimitToken)
	if err != nil {
		t.Fatalf("upload: %+v", err)
	}
	healthy := Token{SceneID: scene.ID, URL: url, Size: 64}
	static := Token{SceneID: scene.ID, URL: "/static/pawn.png", Size: 64}
	broken := Token{SceneID: scene.ID, URL: "/asset/gm/game/99.png", Size: 64}
	for _, tok := range []*Token{&healthy, &static, &broken} {
		if err := gm.store.Create(tok).Error; err != nil {
			t.Fatalf("create token: %+v", err)
		}
	}

	report := e.CleanupAll()
	if report.BrokenTokens != 1 {
		t.Errorf("dropped %d broken tokens, want 1", report.BrokenTokens)
	}
	tokens, err := sceneTokens(gm.store, scene.ID)
	if err != nil {
		t.Fatalf("scene tokens: %+v", err)
	}
	if len(tokens) != 2 {
		t.Errorf("%d tokens remain, want 2", len(tokens))
	}
	for _, tok := range tokens {
		if tok.ID == broken.ID {
			t.Error("broken token survived")
		}
	}
}

func TestPurgeExports(t *testing.T) {
	e := testEngine(t)
	gm := testGm(t, e, "gm")

	game, err := e.FromImage(gm, "dungeon", pngStub(1, 64))
	if err != nil {
		t.Fatalf("from image: %+v", err)
	}
	if _, err := e.ToZip(gm, game); err != nil {
		t.Fatalf("to zip: %+v", err)
	}

	report := e.CleanupAll()
	if report.Zips != 1 {
		t.Errorf("purged %d zips, want 1", report.Zips)
	}
	if fileExists(e.paths.ExportZip("gm", "dungeon")) {
		t.Error("export bundle survived the purge")
	}
}
