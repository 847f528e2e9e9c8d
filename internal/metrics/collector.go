package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/snarg/subcheck/internal/pipeline"
)

// PipelineStats provides the collector access to orchestrator counters.
type PipelineStats interface {
	Stats() pipeline.Stats
}

// UploadStats is implemented by the async S3 uploader.
type UploadStats interface {
	Stats() (uploaded, failed int64)
}

// SubscriberCounter is implemented by the SSE event bus.
type SubscriberCounter interface {
	Subscribers() int
}

// Sources are read at scrape time. Any of them may be nil.
type Sources struct {
	Pipeline PipelineStats
	Uploads  UploadStats
	Events   SubscriberCounter
	Pool     *pgxpool.Pool
}

// Collector implements prometheus.Collector to read live gauges at scrape time.
type Collector struct {
	src Sources

	jobsQueued      *prometheus.Desc
	jobsRunning     *prometheus.Desc
	jobsLive        *prometheus.Desc
	jobsFinished    *prometheus.Desc
	chunksFinished  *prometheus.Desc
	uploads         *prometheus.Desc
	sseSubscribers  *prometheus.Desc
	dbTotalConns    *prometheus.Desc
	dbAcquiredConns *prometheus.Desc
	dbIdleConns     *prometheus.Desc
}

func NewCollector(src Sources) *Collector {
	desc := func(sub, name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, sub, name), help, labels, nil)
	}
	return &Collector{
		src:             src,
		jobsQueued:      desc("jobs", "queued", "Jobs waiting for a worker."),
		jobsRunning:     desc("jobs", "running", "Jobs currently being processed."),
		jobsLive:        desc("jobs", "live", "Jobs held in the registry."),
		jobsFinished:    desc("jobs", "finished_total", "Jobs that reached a terminal state.", "status"),
		chunksFinished:  desc("chunks", "finished_total", "Chunks that reached a final state.", "state"),
		uploads:         desc("s3", "uploads_total", "Report artifacts pushed to object storage.", "result"),
		sseSubscribers:  desc("", "sse_subscribers_active", "Current number of SSE subscribers."),
		dbTotalConns:    desc("db_pool", "total_conns", "Total database pool connections."),
		dbAcquiredConns: desc("db_pool", "acquired_conns", "Database pool connections currently in use."),
		dbIdleConns:     desc("db_pool", "idle_conns", "Database pool idle connections."),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.jobsQueued
	ch <- c.jobsRunning
	ch <- c.jobsLive
	ch <- c.jobsFinished
	ch <- c.chunksFinished
	ch <- c.uploads
	ch <- c.sseSubscribers
	ch <- c.dbTotalConns
	ch <- c.dbAcquiredConns
	ch <- c.dbIdleConns
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, labels...)
	}

	var st pipeline.Stats
	if c.src.Pipeline != nil {
		st = c.src.Pipeline.Stats()
	}
	gauge(c.jobsQueued, float64(st.Pending))
	gauge(c.jobsRunning, float64(st.Running))
	gauge(c.jobsLive, float64(st.Live))
	counter(c.jobsFinished, float64(st.Completed), "completed")
	counter(c.jobsFinished, float64(st.Failed), "failed")
	counter(c.chunksFinished, float64(st.ChunksCompleted), "completed")
	counter(c.chunksFinished, float64(st.ChunksFailed), "error")

	var uploaded, failed int64
	if c.src.Uploads != nil {
		uploaded, failed = c.src.Uploads.Stats()
	}
	counter(c.uploads, float64(uploaded), "ok")
	counter(c.uploads, float64(failed), "error")

	subs := 0
	if c.src.Events != nil {
		subs = c.src.Events.Subscribers()
	}
	gauge(c.sseSubscribers, float64(subs))

	if c.src.Pool != nil {
		stat := c.src.Pool.Stat()
		gauge(c.dbTotalConns, float64(stat.TotalConns()))
		gauge(c.dbAcquiredConns, float64(stat.AcquiredConns()))
		gauge(c.dbIdleConns, float64(stat.IdleConns()))
	} else {
		gauge(c.dbTotalConns, 0)
		gauge(c.dbAcquiredConns, 0)
		gauge(c.dbIdleConns, 0)
	}
}
