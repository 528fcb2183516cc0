package internal

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"github.com/windrichie/albqpscaler/internal/ifaces"
)

// MetricsFacade is the abstract operation the Decision Engine and Controller
// consume: one batched average-QPS lookup per tick.
//
//go:generate mockery --inpackage --name MetricsFacade --filename mock_metrics_facade_test.go
type MetricsFacade interface {
	// BatchAverageQPS returns the arithmetic mean QPS for each of lbIDs over
	// [now-window, now]. An LB with no data points is present in the map
	// with a nil value ("missing"), never 0, and never causes an error.
	BatchAverageQPS(ctx context.Context, lbIDs []string, window time.Duration, now time.Time) (map[string]*float64, error)
}

// metricBucket picks the provider-native granularity CloudWatch is asked to
// aggregate at, traded off against data-point availability for a given
// window length.
func metricBucket(window time.Duration) time.Duration {
	switch {
	case window <= 30*time.Second:
		return 15 * time.Second
	case window <= 2*time.Minute:
		return 30 * time.Second
	case window <= 10*time.Minute:
		return time.Minute
	default:
		return 5 * time.Minute
	}
}

// CloudWatchMetricsFacade fetches ALB RequestCount from CloudWatch and
// converts it to an average queries-per-second rate.
type CloudWatchMetricsFacade struct {
	client ifaces.CloudWatch
}

func NewCloudWatchMetricsFacade(client ifaces.CloudWatch) *CloudWatchMetricsFacade {
	return &CloudWatchMetricsFacade{client: client}
}

func (f *CloudWatchMetricsFacade) BatchAverageQPS(ctx context.Context, lbIDs []string, window time.Duration, now time.Time) (map[string]*float64, error) {
	result := make(map[string]*float64, len(lbIDs))
	if len(lbIDs) == 0 {
		return result, nil
	}

	bucket := metricBucket(window)
	periodSeconds := int32(bucket.Seconds())

	queries := make([]types.MetricDataQuery, len(lbIDs))
	idToLB := make(map[string]string, len(lbIDs))
	for i, lbID := range lbIDs {
		id := fmt.Sprintf("q%d", i)
		idToLB[id] = lbID
		queries[i] = types.MetricDataQuery{
			Id: aws.String(id),
			MetricStat: &types.MetricStat{
				Metric: &types.Metric{
					Namespace:  aws.String("AWS/ApplicationELB"),
					MetricName: aws.String("RequestCount"),
					Dimensions: []types.Dimension{
						{Name: aws.String("LoadBalancer"), Value: aws.String(lbID)},
					},
				},
				Period: aws.Int32(periodSeconds),
				Stat:   aws.String("Sum"),
			},
			ReturnData: aws.Bool(true),
		}
	}

	out, err := f.client.GetMetricData(ctx, &cloudwatch.GetMetricDataInput{
		StartTime:         aws.Time(now.Add(-window)),
		EndTime:           aws.Time(now),
		MetricDataQueries: queries,
	})
	if err != nil {
		return nil, fmt.Errorf("could not batch-fetch ALB request counts: %w", err)
	}

	for _, lbID := range lbIDs {
		result[lbID] = nil
	}

	for _, r := range out.MetricDataResults {
		if r.Id == nil {
			continue
		}
		lbID, ok := idToLB[*r.Id]
		if !ok || len(r.Values) == 0 {
			continue
		}

		var sum float64
		for _, v := range r.Values {
			sum += v
		}
		avgQPS := (sum / float64(len(r.Values))) / float64(periodSeconds)
		result[lbID] = &avgQPS
	}

	return result, nil
}
