package ifaces

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/stretchr/testify/mock"
)

// MockCloudWatch is a hand-maintained stand-in for the mockery-generated
// mock of CloudWatch.
type MockCloudWatch struct {
	mock.Mock
}

func (m *MockCloudWatch) GetMetricData(ctx context.Context, in *cloudwatch.GetMetricDataInput, opts ...func(*cloudwatch.Options)) (*cloudwatch.GetMetricDataOutput, error) {
	args := m.Called(ctx, in, opts)
	out, _ := args.Get(0).(*cloudwatch.GetMetricDataOutput)
	return out, args.Error(1)
}
