package metrics

import (
	"context"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/flowforge/sagaflow/pkg/logging"
	"github.com/flowforge/sagaflow/pkg/model"
)

const scrapeTimeout = 5 * time.Second

// StatusCounter reports how many executions are in each status.
type StatusCounter interface {
	CountByStatus(ctx context.Context) (map[model.ExecutionStatus]int64, error)
}

// FailedCounter reports how many outbox events exhausted their attempts.
type FailedCounter interface {
	CountFailed(ctx context.Context) (int64, error)
}

// Collector reads execution and outbox state from the database on every
// scrape, so the numbers are shared by all processes.
type Collector struct {
	executions StatusCounter
	outbox     FailedCounter
	logger     *zap.Logger

	executionsDesc *prometheus.Desc
	failedDesc     *prometheus.Desc
	scrapeErrors   prometheus.Counter
}

func NewCollector(executions StatusCounter, outbox FailedCounter, logger *zap.Logger) *Collector {
	logger = logging.OrNop(logger)
	return &Collector{
		executions: executions,
		outbox:     outbox,
		logger:     logger,
		executionsDesc: prometheus.NewDesc(
			"sagaflow_executions",
			"Number of workflow executions by status.",
			[]string{"status"}, nil,
		),
		failedDesc: prometheus.NewDesc(
			"sagaflow_outbox_failed",
			"Number of outbox events in FAILED status.",
			nil, nil,
		),
		scrapeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sagaflow_state_scrape_errors_total",
			Help: "Total number of failed state queries during scrapes.",
		}),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.executionsDesc
	ch <- c.failedDesc
	c.scrapeErrors.Describe(ch)
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), scrapeTimeout)
	defer cancel()

	if c.executions != nil {
		c.collectExecutions(ctx, ch)
	}
	if c.outbox != nil {
		failed, err := c.outbox.CountFailed(ctx)
		if err != nil {
			c.scrapeErrors.Inc()
			c.logger.Warn("failed to count failed outbox events", zap.Error(err))
		} else {
			ch <- prometheus.MustNewConstMetric(c.failedDesc, prometheus.GaugeValue, float64(failed))
		}
	}
	c.scrapeErrors.Collect(ch)
}

func (c *Collector) collectExecutions(ctx context.Context, ch chan<- prometheus.Metric) {
	counts, err := c.executions.CountByStatus(ctx)
	if err != nil {
		c.scrapeErrors.Inc()
		c.logger.Warn("failed to count executions by status", zap.Error(err))
		return
	}

	statuses := []model.ExecutionStatus{
		model.ExecutionPending,
		model.ExecutionRunning,
		model.ExecutionPaused,
		model.ExecutionCompleted,
		model.ExecutionFailed,
		model.ExecutionTimeout,
		model.ExecutionCancelled,
		model.ExecutionCleanedUp,
	}
	for status := range counts {
		if !status.Valid() {
			statuses = append(statuses, status)
		}
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i] < statuses[j] })

	for _, status := range statuses {
		ch <- prometheus.MustNewConstMetric(c.executionsDesc, prometheus.GaugeValue, float64(counts[status]), string(status))
	}
}
