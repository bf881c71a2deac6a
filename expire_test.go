package govtt

import (
	"testing"
	"time"
)

func TestExpired(t *testing.T) {
	threshold := 24 * time.Hour

	fresh := time.Now().Add(-time.Hour)
	if Expired(fresh, threshold, ExpireScaleFull) {
		t.Error("fresh entity should not be expired")
	}

	old := time.Now().Add(-48 * time.Hour)
	if !Expired(old, threshold, ExpireScaleFull) {
		t.Error("old entity should be expired")
	}

	// Soon-scale trips at half the threshold.
	mid := time.Now().Add(-13 * time.Hour)
	if Expired(mid, threshold, ExpireScaleFull) {
		t.Error("mid-age entity should not be fully expired")
	}
	if !Expired(mid, threshold, ExpireScaleSoon) {
		t.Error("mid-age entity should expire soon")
	}
}

func TestExpiredZeroThreshold(t *testing.T) {
	ancient := time.Now().Add(-1000 * time.Hour)
	if Expired(ancient, 0, ExpireScaleFull) {
		t.Error("zero threshold disables expiry")
	}
}
