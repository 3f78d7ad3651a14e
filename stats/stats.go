// Package stats is the observability collaborator: the counters named
// in spec §6, exposed through Prometheus and collapsed (per the Design
// Notes) into a single RecordEvent method instead of macro-driven call
// sites scattered through the engine.
/*
 * Copyright (c) 2024, Aerostore. All rights reserved.
 */
package stats

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

// Kind enumerates the countable/timeable events RecordEvent accepts.
type Kind int

const (
	TxObject Kind = iota
	RxObject
	TxMsgSent
	RxMsgRcvd
	TxPartitionImbalance
)

// Registry wraps one Prometheus registry's worth of migration counters.
type Registry struct {
	txObjectCount        prometheus.Counter
	rxObjectCount        prometheus.Counter
	progressSend         prometheus.Gauge
	progressRecv         prometheus.Gauge
	msgsSent             prometheus.Counter
	msgsRcvd             prometheus.Counter
	partitionsImbalance  prometheus.Counter
	eventDuration        *prometheus.HistogramVec

	progressRecvVal atomic.Int64 // backs progressRecv with an explicit floor at 0
}

func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		txObjectCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "migrate_tx_object_count", Help: "records sent by emigration."}),
		rxObjectCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "migrate_rx_object_count", Help: "records merged by immigration."}),
		progressSend: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "migrate_progress_send", Help: "emigrations currently in flight."}),
		progressRecv: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "migrate_progress_recv", Help: "immigrations started and not yet DONE."}),
		msgsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "migrate_msgs_sent", Help: "MIGRATE messages sent."}),
		msgsRcvd: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "migrate_msgs_rcvd", Help: "MIGRATE messages received."}),
		partitionsImbalance: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "migrate_tx_partitions_imbalance", Help: "emigrations that ended in a fatal-to-operation error."}),
		eventDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "migrate_event_duration_seconds", Help: "duration of migration lifecycle events, by kind.",
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(r.txObjectCount, r.rxObjectCount, r.progressSend, r.progressRecv,
			r.msgsSent, r.msgsRcvd, r.partitionsImbalance, r.eventDuration)
	}
	return r
}

func (k Kind) String() string {
	switch k {
	case TxObject:
		return "tx_object"
	case RxObject:
		return "rx_object"
	case TxMsgSent:
		return "tx_msg_sent"
	case RxMsgRcvd:
		return "rx_msg_rcvd"
	case TxPartitionImbalance:
		return "tx_partition_imbalance"
	default:
		return "unknown"
	}
}

// RecordEvent is the single call site every counter update goes
// through, replacing the source's macro-driven stats blocks.
func (r *Registry) RecordEvent(kind Kind, dur time.Duration) {
	if r == nil {
		return
	}
	switch kind {
	case TxObject:
		r.txObjectCount.Inc()
	case RxObject:
		r.rxObjectCount.Inc()
	case TxMsgSent:
		r.msgsSent.Inc()
	case RxMsgRcvd:
		r.msgsRcvd.Inc()
	case TxPartitionImbalance:
		r.partitionsImbalance.Inc()
	}
	r.eventDuration.WithLabelValues(kind.String()).Observe(dur.Seconds())
}

func (r *Registry) IncProgressSend() { r.progressSend.Inc() }
func (r *Registry) DecProgressSend() { r.progressSend.Dec() }

func (r *Registry) IncProgressRecv() {
	r.progressRecvVal.Inc()
	r.progressRecv.Set(float64(r.progressRecvVal.Load()))
}

// DecProgressRecv decrements migrate_progress_recv, clamped to never go
// below zero (spec §4.7 reaper rule).
func (r *Registry) DecProgressRecv() {
	if r == nil {
		return
	}
	if r.progressRecvVal.Load() == 0 {
		return
	}
	r.progressRecvVal.Dec()
	r.progressRecv.Set(float64(r.progressRecvVal.Load()))
}
