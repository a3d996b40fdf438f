// Package promstats exports transaction layer statistics as Prometheus metrics.
package promstats

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ghettovoice/siptx/sip"
)

// DefaultNamespace is the metric namespace used when none is given.
const DefaultNamespace = "siptx"

// Collector is a [prometheus.Collector] that reads a [sip.StatsRecorder] on every scrape.
type Collector struct {
	stats *sip.StatsRecorder

	active,
	total,
	requests,
	cancels *prometheus.Desc
}

// NewCollector creates a new collector over stats.
// Empty namespace means [DefaultNamespace].
func NewCollector(stats *sip.StatsRecorder, namespace string) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &Collector{
		stats: stats,
		active: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "transactions", "active"),
			"Number of transactions currently stored in the registry.",
			[]string{"type"}, nil,
		),
		total: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "transactions", "total"),
			"Total number of transactions stored in the registry.",
			[]string{"type"}, nil,
		),
		requests: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "requests", "total"),
			"Total number of inbound requests that did not start a new transaction.",
			[]string{"kind"}, nil,
		),
		cancels: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "cancels_correlated", "total"),
			"Total number of inbound CANCEL requests matched to their INVITE.",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.active
	ch <- c.total
	ch <- c.requests
	ch <- c.cancels
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats.Report().Transactions

	for _, v := range []struct {
		typ    sip.TransactionType
		active uint64
		total  uint64
	}{
		{sip.TransactionTypeClientInvite, s.InviteClientTransactions, s.InviteClientTransactionsTotal},
		{sip.TransactionTypeClientNonInvite, s.NonInviteClientTransactions, s.NonInviteClientTransactionsTotal},
		{sip.TransactionTypeServerInvite, s.InviteServerTransactions, s.InviteServerTransactionsTotal},
		{sip.TransactionTypeServerNonInvite, s.NonInviteServerTransactions, s.NonInviteServerTransactionsTotal},
	} {
		ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, float64(v.active), string(v.typ))
		ch <- prometheus.MustNewConstMetric(c.total, prometheus.CounterValue, float64(v.total), string(v.typ))
	}

	ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue,
		float64(s.MatchedRequests), sip.RequestMatched.String())
	ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue,
		float64(s.MergedRequests), sip.RequestMerged.String())
	ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue,
		float64(s.StrayAcks), sip.RequestStrayAck.String())
	ch <- prometheus.MustNewConstMetric(c.cancels, prometheus.CounterValue, float64(s.CancelsCorrelated))
}

// Handler returns an HTTP handler that serves the stats metrics from a dedicated registry.
func Handler(stats *sip.StatsRecorder, namespace string) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector(stats, namespace))
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
