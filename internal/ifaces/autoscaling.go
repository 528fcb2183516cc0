package ifaces

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
)

// Autoscaling is an interface which mocks the subset of the AWS Auto Scaling
// client that we use in the ASG facade.
//
//go:generate mockery --inpackage --name Autoscaling --filename mock_autoscaling.go
type Autoscaling interface {
	DescribeAutoScalingGroups(context.Context, *autoscaling.DescribeAutoScalingGroupsInput, ...func(*autoscaling.Options)) (*autoscaling.DescribeAutoScalingGroupsOutput, error)
	DescribeScalingActivities(context.Context, *autoscaling.DescribeScalingActivitiesInput, ...func(*autoscaling.Options)) (*autoscaling.DescribeScalingActivitiesOutput, error)
	SetDesiredCapacity(context.Context, *autoscaling.SetDesiredCapacityInput, ...func(*autoscaling.Options)) (*autoscaling.SetDesiredCapacityOutput, error)
}
