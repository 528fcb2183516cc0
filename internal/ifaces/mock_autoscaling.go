package ifaces

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/stretchr/testify/mock"
)

// MockAutoscaling is a hand-maintained stand-in for the mockery-generated
// mock of Autoscaling.
type MockAutoscaling struct {
	mock.Mock
}

func (m *MockAutoscaling) DescribeAutoScalingGroups(ctx context.Context, in *autoscaling.DescribeAutoScalingGroupsInput, opts ...func(*autoscaling.Options)) (*autoscaling.DescribeAutoScalingGroupsOutput, error) {
	args := m.Called(ctx, in, opts)
	out, _ := args.Get(0).(*autoscaling.DescribeAutoScalingGroupsOutput)
	return out, args.Error(1)
}

func (m *MockAutoscaling) DescribeScalingActivities(ctx context.Context, in *autoscaling.DescribeScalingActivitiesInput, opts ...func(*autoscaling.Options)) (*autoscaling.DescribeScalingActivitiesOutput, error) {
	args := m.Called(ctx, in, opts)
	out, _ := args.Get(0).(*autoscaling.DescribeScalingActivitiesOutput)
	return out, args.Error(1)
}

func (m *MockAutoscaling) SetDesiredCapacity(ctx context.Context, in *autoscaling.SetDesiredCapacityInput, opts ...func(*autoscaling.Options)) (*autoscaling.SetDesiredCapacityOutput, error) {
	args := m.Called(ctx, in, opts)
	out, _ := args.Get(0).(*autoscaling.SetDesiredCapacityOutput)
	return out, args.Error(1)
}
