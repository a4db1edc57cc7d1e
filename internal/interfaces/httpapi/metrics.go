package httpapi

import (
	"github.com/prometheus/client_golang/prometheus"

	"blockingest/internal/application"
	"blockingest/internal/domain"
)

const namespace = "blockingest"

var taskLabels = []string{"chain", "schema", "mode"}

type Metrics struct {
	chainTip      *prometheus.GaugeVec
	fetched       *prometheus.CounterVec
	published     *prometheus.CounterVec
	lastPublished *prometheus.GaugeVec
	retries       *prometheus.CounterVec
	persisted     *prometheus.CounterVec
	rejected      *prometheus.CounterVec
	persistErrors *prometheus.CounterVec
	taskUp        *prometheus.GaugeVec
	taskRestarts  *prometheus.CounterVec
}

var _ application.Observer = (*Metrics)(nil)

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		chainTip: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "chain_tip",
			Help: "Latest block number reported by the chain node.",
		}, []string{"chain"}),
		fetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "blocks_fetched_total",
			Help: "Blocks fetched from chain nodes.",
		}, taskLabels),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "blocks_published_total",
			Help: "Block messages accepted by the broker.",
		}, taskLabels),
		lastPublished: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "last_published_block",
			Help: "Number of the last block published by a lineage.",
		}, taskLabels),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "retries_total",
			Help: "Retried fetch, publish and subscribe operations.",
		}, append(append([]string(nil), taskLabels...), "op")),
		persisted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_persisted_total",
			Help: "Messages committed to the row store by result (inserted, duplicate, conflict).",
		}, []string{"topic", "result"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_rejected_total",
			Help: "Undecodable messages acknowledged and skipped.",
		}, []string{"topic"}),
		persistErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "persist_errors_total",
			Help: "Failed row store transactions.",
		}, []string{"topic"}),
		taskUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "task_up",
			Help: "1 while a supervised task is running.",
		}, []string{"task"}),
		taskRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "task_restarts_total",
			Help: "Supervisor restarts per task.",
		}, []string{"task"}),
	}
	for _, c := range []prometheus.Collector{
		m.chainTip, m.fetched, m.published, m.lastPublished, m.retries,
		m.persisted, m.rejected, m.persistErrors, m.taskUp, m.taskRestarts,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func taskValues(task domain.IngestionTask) []string {
	return []string{task.ChainName, task.Schema, string(task.Mode)}
}

func (m *Metrics) OnChainTip(chainName string, tip uint64) {
	m.chainTip.WithLabelValues(chainName).Set(float64(tip))
}

func (m *Metrics) OnBlockFetched(task domain.IngestionTask, number uint64) {
	m.fetched.WithLabelValues(taskValues(task)...).Inc()
}

func (m *Metrics) OnBlockPublished(task domain.IngestionTask, number uint64) {
	m.published.WithLabelValues(taskValues(task)...).Inc()
	m.lastPublished.WithLabelValues(taskValues(task)...).Set(float64(number))
}

func (m *Metrics) OnRetry(task domain.IngestionTask, op string) {
	m.retries.WithLabelValues(append(taskValues(task), op)...).Inc()
}

func (m *Metrics) OnPersisted(topic, result string) {
	m.persisted.WithLabelValues(topic, result).Inc()
}

func (m *Metrics) OnRejected(topic string) {
	m.rejected.WithLabelValues(topic).Inc()
}

func (m *Metrics) OnPersistError(topic string) {
	m.persistErrors.WithLabelValues(topic).Inc()
}

func (m *Metrics) OnTaskState(name, state string) {
	up := 0.0
	if state == string(application.TaskRunning) {
		up = 1
	}
	m.taskUp.WithLabelValues(name).Set(up)
}

func (m *Metrics) OnTaskRestart(name string) {
	m.taskRestarts.WithLabelValues(name).Inc()
}
