package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "outreach",
			Name:      "sends_total",
			Help:      "Send attempts, by outcome.",
		},
		[]string{"outcome"},
	)

	followUpChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "outreach",
			Name:      "follow_up_checks_total",
			Help:      "Follow-up checks, by step and result.",
		},
		[]string{"step", "result"},
	)

	repliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "outreach",
			Name:      "replies_detected_total",
			Help:      "Conversations closed by a detected reply, by detection source.",
		},
		[]string{"source"},
	)
)
