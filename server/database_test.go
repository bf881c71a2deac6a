package main

import (
	"testing"

	"github.com/govtt/govtt"
)

func TestSceneLifecycle(t *testing.T) {
	e := testEngine(t)
	gm := testGm(t, e, "gm")
	game, _ := testGame(t, e, gm, "game")

	second, err := createScene(gm.store, game)
	if err != nil {
		t.Fatalf("create scene: %+v", err)
	}
	if err := activateScene(gm.store, game, second); err != nil {
		t.Fatalf("activate: %+v", err)
	}
	if game.Active != second.ID {
		t.Errorf("active is %d, want %d", game.Active, second.ID)
	}
	if len(game.Order) != 2 {
		t.Fatalf("order has %d entries, want 2", len(game.Order))
	}

	// Re-activating must not duplicate the order entry.
	if err := activateScene(gm.store, game, second); err != nil {
		t.Fatalf("re-activate: %+v", err)
	}
	if len(game.Order) != 2 {
		t.Errorf("order has %d entries after re-activate, want 2", len(game.Order))
	}
}

func TestDeleteActiveScenePicksSurvivor(t *testing.T) {
	e := testEngine(t)
	gm := testGm(t, e, "gm")
	game, _ := testGame(t, e, gm, "game")
	first := game.Active

	second, err := createScene(gm.store, game)
	if err != nil {
		t.Fatalf("create scene: %+v", err)
	}
	if err := activateScene(gm.store, game, second); err != nil {
		t.Fatalf("activate: %+v", err)
	}

	scene, err := getScene(gm.store, game.ID, second.ID)
	if err != nil {
		t.Fatalf("get scene: %+v", err)
	}
	next, err := deleteScene(gm.store, game, scene)
	if err != nil {
		t.Fatalf("delete scene: %+v", err)
	}
	if next.ID != first {
		t.Errorf("survivor is %d, want %d", next.ID, first)
	}
	if game.Active != first {
		t.Errorf("active is %d, want %d", game.Active, first)
	}
	if len(game.Order) != 1 || game.Order[0] != first {
		t.Errorf("order is %v, want [%d]", game.Order, first)
	}
}

func TestDeleteLastSceneCreatesReplacement(t *testing.T) {
	e := testEngine(t)
	gm := testGm(t, e, "gm")
	game, _ := testGame(t, e, gm, "game")
	original := game.Active

	scene, err := getScene(gm.store, game.ID, original)
	if err != nil {
		t.Fatalf("get scene: %+v", err)
	}
	// Give the scene a token and a background so the cascade is exercised.
	token := Token{SceneID: scene.ID, URL: "/static/a.png"}
	if err := gm.store.Create(&token).Error; err != nil {
		t.Fatalf("create token: %+v", err)
	}
	if err := setBacking(gm.store, scene, &token); err != nil {
		t.Fatalf("set backing: %+v", err)
	}

	replacement, err := deleteScene(gm.store, game, scene)
	if err != nil {
		t.Fatalf("delete scene: %+v", err)
	}
	if replacement.ID == original {
		t.Error("replacement reuses the deleted scene id")
	}
	if game.Active != replacement.ID {
		t.Errorf("active is %d, want %d", game.Active, replacement.ID)
	}

	var count int64
	if err := gm.store.Model(&Token{}).Where("scene_id = ?", original).Count(&count).Error; err != nil {
		t.Fatalf("count tokens: %+v", err)
	}
	if count != 0 {
		t.Errorf("%d tokens survived their scene", count)
	}
}

func TestRebuildOrderRepairsCorruptList(t *testing.T) {
	e := testEngine(t)
	gm := testGm(t, e, "gm")
	game, _ := testGame(t, e, gm, "game")

	second, err := createScene(gm.store, game)
	if err != nil {
		t.Fatalf("create scene: %+v", err)
	}
	if err := activateScene(gm.store, game, second); err != nil {
		t.Fatalf("activate: %+v", err)
	}

	// A stale id and a missing one make the list no permutation.
	game.Order = []int64{second.ID, 9999}
	if err := saveOrder(gm.store, game); err != nil {
		t.Fatalf("save order: %+v", err)
	}
	if err := rebuildOrder(gm.store, game); err != nil {
		t.Fatalf("rebuild: %+v", err)
	}
	if len(game.Order) != 2 {
		t.Fatalf("rebuilt order has %d entries, want 2", len(game.Order))
	}
	seen := map[int64]bool{}
	for _, id := range game.Order {
		seen[id] = true
	}
	if !seen[second.ID] || seen[9999] {
		t.Errorf("rebuilt order %v does not cover the real scenes", game.Order)
	}
}

func TestRebuildOrderKeepsValidPermutation(t *testing.T) {
	e := testEngine(t)
	gm := testGm(t, e, "gm")
	game, _ := testGame(t, e, gm, "game")
	first := game.Active

	second, err := createScene(gm.store, game)
	if err != nil {
		t.Fatalf("create scene: %+v", err)
	}
	if err := activateScene(gm.store, game, second); err != nil {
		t.Fatalf("activate: %+v", err)
	}

	game.Order = []int64{second.ID, first}
	if err := saveOrder(gm.store, game); err != nil {
		t.Fatalf("save order: %+v", err)
	}
	if err := rebuildOrder(gm.store, game); err != nil {
		t.Fatalf("rebuild: %+v", err)
	}
	if game.Order[0] != second.ID || game.Order[1] != first {
		t.Errorf("valid permutation %v was reshuffled", game.Order)
	}
}

func TestSceneTokensSortedByZOrder(t *testing.T) {
	e := testEngine(t)
	gm := testGm(t, e, "gm")
	game, _ := testGame(t, e, gm, "game")

	scene, err := activeScene(gm.store, game)
	if err != nil {
		t.Fatalf("active scene: %+v", err)
	}
	for _, z := range []int{2, 0, 1} {
		token := Token{SceneID: scene.ID, URL: "/static/a.png", ZOrder: z}
		if err := gm.store.Create(&token).Error; err != nil {
			t.Fatalf("create token: %+v", err)
		}
	}

	tokens, err := sceneTokens(gm.store, scene.ID)
	if err != nil {
		t.Fatalf("scene tokens: %+v", err)
	}
	if len(tokens) != 3 {
		t.Fatalf("got %d tokens, want 3", len(tokens))
	}
	for i, token := range tokens {
		if token.ZOrder != i {
			t.Errorf("token %d has zorder %d, want %d", i, token.ZOrder, i)
		}
	}
}

func TestSaveOrderRoundTrip(t *testing.T) {
	e := testEngine(t)
	gm := testGm(t, e, "gm")
	game, _ := testGame(t, e, gm, "game")

	for _, order := range [][]int64{
		{game.Active},
		{7, 3, game.Active},
	} {
		game.Order = order
		if err := saveOrder(gm.store, game); err != nil {
			t.Fatalf("save order %v: %+v", order, err)
		}
		reloaded, err := getGameByURL(gm.store, "game")
		if err != nil {
			t.Fatalf("reload after %v: %+v", order, err)
		}
		if len(reloaded.Order) != len(order) {
			t.Fatalf("reloaded order %v, want %v", reloaded.Order, order)
		}
		for i, id := range order {
			if reloaded.Order[i] != id {
				t.Errorf("reloaded order %v, want %v", reloaded.Order, order)
				break
			}
		}
	}
}

func TestSetBackingMarksTokenSize(t *testing.T) {
	e := testEngine(t)
	gm := testGm(t, e, "gm")
	game, _ := testGame(t, e, gm, "game")

	scene, err := activeScene(gm.store, game)
	if err != nil {
		t.Fatalf("active scene: %+v", err)
	}
	token := Token{SceneID: scene.ID, URL: "/static/bg.png", Size: 50}
	if err := gm.store.Create(&token).Error; err != nil {
		t.Fatalf("create token: %+v", err)
	}
	if err := setBacking(gm.store, scene, &token); err != nil {
		t.Fatalf("set backing: %+v", err)
	}
	if token.Size != govtt.BackgroundSize {
		t.Errorf("backing token has size %d, want %d", token.Size, govtt.BackgroundSize)
	}
	if scene.Backing == nil || *scene.Backing != token.ID {
		t.Error("scene does not reference its backing token")
	}

	var stored Token
	if err := gm.store.First(&stored, token.ID).Error; err != nil {
		t.Fatalf("reload token: %+v", err)
	}
	if stored.Size != govtt.BackgroundSize {
		t.Errorf("stored backing size is %d, want %d", stored.Size, govtt.BackgroundSize)
	}
}
