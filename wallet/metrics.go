// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"github.com/btcsuite/walletscan/keys"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "walletscan"

// Metrics counts scan activity per subchain.  A nil *Metrics records
// nothing.
type Metrics struct {
	filterHits      *prometheus.CounterVec
	falsePositives  *prometheus.CounterVec
	blocksProcessed *prometheus.CounterVec
	blockRetries    *prometheus.CounterVec
	outputsFound    *prometheus.CounterVec
	scanHeight      *prometheus.GaugeVec
}

// NewMetrics registers the scan metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	labels := []string{"subchain"}

	return &Metrics{
		filterHits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "filter_hits_total",
			Help:      "Blocks whose filter matched untested elements",
		}, labels),
		falsePositives: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "filter_false_positives_total",
			Help:      "Fetched blocks that confirmed no match",
		}, labels),
		blocksProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "blocks_processed_total",
			Help:      "Full blocks matched against watched elements",
		}, labels),
		blockRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "block_retries_total",
			Help:      "Block downloads re-queued after a failure",
		}, labels),
		outputsFound: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "outputs_found_total",
			Help:      "Wallet outputs received or spent",
		}, []string{"subchain", "kind"}),
		scanHeight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "scan_height",
			Help:      "Last scanned block height",
		}, []string{"account", "subchain"}),
	}
}

func (m *Metrics) filterHit(sub keys.Subchain) {
	if m != nil {
		m.filterHits.WithLabelValues(sub.String()).Inc()
	}
}

func (m *Metrics) falsePositive(sub keys.Subchain) {
	if m != nil {
		m.falsePositives.WithLabelValues(sub.String()).Inc()
	}
}

func (m *Metrics) blockProcessed(sub keys.Subchain) {
	if m != nil {
		m.blocksProcessed.WithLabelValues(sub.String()).Inc()
	}
}

func (m *Metrics) blockRetry(sub keys.Subchain) {
	if m != nil {
		m.blockRetries.WithLabelValues(sub.String()).Inc()
	}
}

func (m *Metrics) outputs(sub keys.Subchain, received, spent int) {
	if m == nil {
		return
	}
	m.outputsFound.WithLabelValues(sub.String(), "received").Add(
		float64(received))
	m.outputsFound.WithLabelValues(sub.String(), "spent").Add(
		float64(spent))
}

func (m *Metrics) scanned(account keys.AccountID, sub keys.Subchain,
	height int32) {

	if m != nil {
		m.scanHeight.WithLabelValues(account.String()[:16],
			sub.String()).Set(float64(height))
	}
}
