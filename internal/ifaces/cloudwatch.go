package ifaces

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
)

// CloudWatch is an interface which mocks the subset of the CloudWatch client
// that we use in the metrics facade.
//
//go:generate mockery --inpackage --name CloudWatch --filename mock_cloudwatch.go
type CloudWatch interface {
	GetMetricData(context.Context, *cloudwatch.GetMetricDataInput, ...func(*cloudwatch.Options)) (*cloudwatch.GetMetricDataOutput, error)
}
