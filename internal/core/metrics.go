package core

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// Metric names and dimensions published to CloudWatch.
const (
	MetricAPILatency      = "APIRequestLatency"
	MetricAPIRequestCount = "APIRequestCount"
	MetricWebhookEvent    = "WebhookEvent"

	DimMethod = "Method"
	DimRoute  = "Route"
	DimStatus = "Status"
	DimType   = "EventType"
	DimResult = "Result"
)

// maxDatumsPerCall stays under the PutMetricData per-request limit.
const maxDatumsPerCall = 500

// CloudWatchClient abstracts PutMetricData for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchMetrics buffers datums in memory and publishes them on Flush, so
// recording never adds a network round trip to the request path.
type CloudWatchMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	pending []cwtypes.MetricDatum
}

var _ MetricsCollector = (*CloudWatchMetrics)(nil)

// NewCloudWatchMetrics creates a collector publishing to namespace.
func NewCloudWatchMetrics(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchMetrics {
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchMetrics{
		client:    client,
		namespace: namespace,
		logger:    logger,
		now:       time.Now,
	}
}

// RecordRequest buffers a latency and a count datum for one API request.
func (m *CloudWatchMetrics) RecordRequest(method, endpoint, status string, duration time.Duration) {
	dims := []cwtypes.Dimension{
		{Name: aws.String(DimMethod), Value: aws.String(method)},
		{Name: aws.String(DimRoute), Value: aws.String(endpoint)},
		{Name: aws.String(DimStatus), Value: aws.String(status)},
	}
	ts := m.now()
	m.add(
		cwtypes.MetricDatum{
			MetricName: aws.String(MetricAPILatency),
			Value:      aws.Float64(float64(duration.Milliseconds())),
			Unit:       cwtypes.StandardUnitMilliseconds,
			Timestamp:  aws.Time(ts),
			Dimensions: dims,
		},
		cwtypes.MetricDatum{
			MetricName: aws.String(MetricAPIRequestCount),
			Value:      aws.Float64(1),
			Unit:       cwtypes.StandardUnitCount,
			Timestamp:  aws.Time(ts),
			Dimensions: dims,
		},
	)
}

// RecordWebhookEvent buffers one WebhookEvent count with type and result.
func (m *CloudWatchMetrics) RecordWebhookEvent(eventType, result string) {
	m.add(cwtypes.MetricDatum{
		MetricName: aws.String(MetricWebhookEvent),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Timestamp:  aws.Time(m.now()),
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String(DimType), Value: aws.String(eventType)},
			{Name: aws.String(DimResult), Value: aws.String(result)},
		},
	})
}

func (m *CloudWatchMetrics) add(datums ...cwtypes.MetricDatum) {
	m.mu.Lock()
	m.pending = append(m.pending, datums...)
	m.mu.Unlock()
}

// Flush publishes every buffered datum. Failed batches are logged and
// dropped.
func (m *CloudWatchMetrics) Flush(ctx context.Context) {
	m.mu.Lock()
	batch := m.pending
	m.pending = nil
	m.mu.Unlock()

	for len(batch) > 0 {
		n := min(len(batch), maxDatumsPerCall)
		_, err := m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(m.namespace),
			MetricData: batch[:n],
		})
		if err != nil {
			m.logger.Error("failed to publish metrics",
				slog.String("error", err.Error()),
				slog.Int("datums", n),
			)
		}
		batch = batch[n:]
	}
}

// Run flushes on every tick until ctx is done, then flushes once more.
func (m *CloudWatchMetrics) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Flush(ctx)
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			m.Flush(flushCtx)
			cancel()
			return
		}
	}
}

// NoopMetrics discards all observations.
type NoopMetrics struct{}

func (NoopMetrics) RecordRequest(string, string, string, time.Duration) {}

func (NoopMetrics) RecordWebhookEvent(string, string) {}
