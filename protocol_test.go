package govtt

import "testing"

func TestParseFrame(t *testing.T) {
	f, err := ParseFrame([]byte(`{"OPID":"ROLL","sides":20}`))
	if err != nil {
		t.Fatalf("parse failed: %+v", err)
	}

	op, ok := f.OpID()
	if !ok || op != OpRoll {
		t.Errorf("OPID = %q, ok=%v", op, ok)
	}

	sides, ok := f.Int("sides")
	if !ok || sides != 20 {
		t.Errorf("sides = %d, ok=%v", sides, ok)
	}
}

func TestParseFrameMalformed(t *testing.T) {
	if _, err := ParseFrame([]byte(`{"OPID":`)); err == nil {
		t.Error("expected error for malformed JSON")
	}
}

func TestFrameGetters(t *testing.T) {
	f, err := ParseFrame([]byte(`{
		"name": "alice",
		"posx": 12,
		"rotate": 45.5,
		"locked": true,
		"ids": [1, 2, 3],
		"urls": ["/a.png", "/b.png"],
		"changes": [{"id": 1, "posx": 5}]
	}`))
	if err != nil {
		t.Fatalf("parse failed: %+v", err)
	}

	if v, ok := f.String("name"); !ok || v != "alice" {
		t.Errorf("String = %q, %v", v, ok)
	}
	if v, ok := f.Float("rotate"); !ok || v != 45.5 {
		t.Errorf("Float = %f, %v", v, ok)
	}
	if v, ok := f.Bool("locked"); !ok || !v {
		t.Errorf("Bool = %v, %v", v, ok)
	}
	if ids, ok := f.IDs("ids"); !ok || len(ids) != 3 || ids[2] != 3 {
		t.Errorf("IDs = %+v, %v", ids, ok)
	}
	if urls, ok := f.Strings("urls"); !ok || len(urls) != 2 {
		t.Errorf("Strings = %+v, %v", urls, ok)
	}
	recs, ok := f.Records("changes")
	if !ok || len(recs) != 1 {
		t.Fatalf("Records = %+v, %v", recs, ok)
	}
	if id, ok := recs[0].Int("id"); !ok || id != 1 {
		t.Errorf("record id = %d, %v", id, ok)
	}

	// Wrong shapes and missing fields report !ok.
	if _, ok := f.Int("rotate"); ok {
		t.Error("fractional value should not decode as int")
	}
	if _, ok := f.String("missing"); ok {
		t.Error("missing field should not decode")
	}
	if _, ok := f.IDs("urls"); ok {
		t.Error("string list should not decode as ids")
	}
}

func TestSlugPattern(t *testing.T) {
	for _, slug := range []string{"alice", "Alice_1", "a-b.c"} {
		if !SlugPattern.MatchString(slug) {
			t.Errorf("%q should be a valid slug", slug)
		}
	}
	for _, slug := range []string{"", "a b", "a/b", "ä"} {
		if SlugPattern.MatchString(slug) {
			t.Errorf("%q should not be a valid slug", slug)
		}
	}
}
