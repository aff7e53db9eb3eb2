package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/reelmix/reelmix/pkg/models"
	"github.com/reelmix/reelmix/pkg/store"
)

var jobStatuses = []models.JobStatus{
	models.JobStatusPending,
	models.JobStatusProcessing,
	models.JobStatusCompleted,
	models.JobStatusFailed,
	models.JobStatusCanceled,
}

// JobStateCollector reports the number of stored jobs per status at scrape
// time. It reads the store directly, so counts include jobs handled by other
// processes sharing the database.
type JobStateCollector struct {
	jobs    store.JobStore
	timeout time.Duration
	desc    *prometheus.Desc
	active  *prometheus.Desc
}

// NewJobStateCollector creates a collector over the job store
func NewJobStateCollector(jobs store.JobStore) *JobStateCollector {
	return &JobStateCollector{
		jobs:    jobs,
		timeout: 5 * time.Second,
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "jobs"),
			"Stored jobs by status",
			[]string{"status"}, nil,
		),
		active: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "jobs_active_plans"),
			"Plans not yet finished across processing jobs",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector
func (c *JobStateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
	ch <- c.active
}

// Collect implements prometheus.Collector
func (c *JobStateCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	jobs, err := c.jobs.ListJobs(ctx, store.JobFilter{})
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.desc, err)
		return
	}

	counts := make(map[models.JobStatus]int, len(jobStatuses))
	remaining := 0
	for _, job := range jobs {
		counts[job.Status]++
		if job.Status == models.JobStatusProcessing {
			remaining += job.RemainingPlans()
		}
	}

	for _, status := range jobStatuses {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(counts[status]), string(status))
	}
	ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, float64(remaining))
}
