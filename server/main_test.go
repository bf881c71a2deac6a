package main

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestApplyLogLevel(t *testing.T) {
	orig := log
	defer func() { log = orig }()

	if err := applyLogLevel("loud"); err == nil {
		t.Error("bogus level was accepted")
	}

	if err := applyLogLevel("error"); err != nil {
		t.Fatalf("apply: %+v", err)
	}
	core := log.Desugar().Core()
	if core.Enabled(zapcore.InfoLevel) {
		t.Error("info logging still enabled at error level")
	}
	if !core.Enabled(zapcore.ErrorLevel) {
		t.Error("error logging disabled at error level")
	}
}
