package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	framesDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "govtt_frames_dispatched_total",
		Help: "Frames dispatched to operation handlers, by operation code.",
	}, []string{"opid"})

	broadcastsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "govtt_broadcasts_total",
		Help: "Frames fanned out to the players of a game.",
	})

	cleanupRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "govtt_cleanup_runs_total",
		Help: "Completed cleanup iterations.",
	})
)
