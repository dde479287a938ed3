package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AgentsOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vigil_agents_online",
		Help: "Number of agents with an active command stream.",
	})
	AgentsRegistered = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vigil_agents_registered",
		Help: "Total number of agents known to the control plane.",
	})
	CommandsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vigil_commands_dispatched_total",
		Help: "Commands queued for delivery, by command type.",
	}, []string{"type"})
	CommandsQueued = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vigil_commands_queued",
		Help: "Commands currently waiting in agent queues.",
	})
	CommandResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vigil_command_results_total",
		Help: "Command results received from agents, by outcome.",
	}, []string{"outcome"})
	IOCVersion = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vigil_ioc_version",
		Help: "Current published IOC store version.",
	})
	IOCIndicators = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vigil_ioc_indicators",
		Help: "Total indicators in the IOC store.",
	})
	IOCMatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vigil_ioc_matches_total",
		Help: "IOC match reports received, by indicator type.",
	}, []string{"type"})
	FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vigil_stream_frames_received_total",
		Help: "Stream frames received from agents, by message type.",
	}, []string{"type"})
	FramesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vigil_stream_frames_sent_total",
		Help: "Stream frames sent to agents, by message type.",
	}, []string{"type"})
	StreamsReplaced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vigil_streams_replaced_total",
		Help: "Stale streams displaced by a newer connection from the same agent.",
	})
	AgentsTimedOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vigil_agents_timed_out_total",
		Help: "Agents marked offline by the liveness sweep.",
	})
)
