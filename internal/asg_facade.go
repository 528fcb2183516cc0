package internal

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/windrichie/albqpscaler/internal/ifaces"
)

// ASGFacade is the abstract set of operations the Decision Engine consumes
// against an Auto Scaling Group.
//
//go:generate mockery --inpackage --name ASGFacade --filename mock_asg_facade_test.go
type ASGFacade interface {
	GetStatus(ctx context.Context, asgID string) (ASGStatus, error)
	IsActivityInProgress(ctx context.Context, asgID string) (bool, error)
	ListRecentActivities(ctx context.Context, asgID string, pageSize int32) ([]RecentActivity, error)
	ModifyCapacity(ctx context.Context, asgID string, desired int) error
}

// AWSASGFacade implements ASGFacade against the AWS Auto Scaling API.
type AWSASGFacade struct {
	client ifaces.Autoscaling
	tracer trace.Tracer
}

func NewAWSASGFacade(client ifaces.Autoscaling, tracer trace.Tracer) *AWSASGFacade {
	return &AWSASGFacade{client: client, tracer: tracer}
}

func (f *AWSASGFacade) GetStatus(ctx context.Context, asgID string) (ASGStatus, error) {
	ctx, span := f.tracer.Start(ctx, "aws.asg.get")
	defer span.End()

	out, err := f.client.DescribeAutoScalingGroups(ctx, &autoscaling.DescribeAutoScalingGroupsInput{
		AutoScalingGroupNames: []string{asgID},
	})
	if err != nil {
		return ASGStatus{}, fmt.Errorf("could not get autoscaling group details for %s: %w", asgID, err)
	}
	if len(out.AutoScalingGroups) != 1 {
		return ASGStatus{}, fmt.Errorf("expected exactly one autoscaling group named %s, found %d", asgID, len(out.AutoScalingGroups))
	}

	asg := out.AutoScalingGroups[0]
	if asg.MinSize == nil || asg.MaxSize == nil || asg.DesiredCapacity == nil {
		return ASGStatus{}, fmt.Errorf("autoscaling group %s is missing min/max/desired capacity", asgID)
	}

	healthy := 0
	for _, instance := range asg.Instances {
		if instance.LifecycleState == types.LifecycleStateInService {
			healthy++
		}
	}

	status := ASGStatus{
		MinInstances:     int(*asg.MinSize),
		MaxInstances:     int(*asg.MaxSize),
		DesiredInstances: int(*asg.DesiredCapacity),
		CurrentInstances: healthy,
	}

	span.SetAttributes(
		attribute.Int("asg.min", status.MinInstances),
		attribute.Int("asg.max", status.MaxInstances),
		attribute.Int("asg.desired", status.DesiredInstances),
		attribute.Int("asg.current", status.CurrentInstances),
	)

	return status, nil
}

func (f *AWSASGFacade) IsActivityInProgress(ctx context.Context, asgID string) (bool, error) {
	activities, err := f.ListRecentActivities(ctx, asgID, 1)
	if err != nil {
		return false, err
	}
	if len(activities) == 0 {
		return false, nil
	}

	latest := activities[0].StatusCode
	return latest == ActivityStatusInit || latest == ActivityStatusRunning, nil
}

func (f *AWSASGFacade) ListRecentActivities(ctx context.Context, asgID string, pageSize int32) ([]RecentActivity, error) {
	ctx, span := f.tracer.Start(ctx, "aws.asg.activities")
	defer span.End()

	out, err := f.client.DescribeScalingActivities(ctx, &autoscaling.DescribeScalingActivitiesInput{
		AutoScalingGroupName: aws.String(asgID),
		MaxRecords:           aws.Int32(pageSize),
	})
	if err != nil {
		return nil, fmt.Errorf("could not list scaling activities for %s: %w", asgID, err)
	}

	activities := make([]RecentActivity, 0, len(out.Activities))
	for _, a := range out.Activities {
		if a.StartTime == nil {
			continue
		}
		activities = append(activities, RecentActivity{
			ActivityType: classifyActivityType(aws.ToString(a.Description), aws.ToString(a.Cause)),
			StatusCode:   mapActivityStatusCode(a.StatusCode),
			CreatedAt:    *a.StartTime,
		})
	}

	span.SetAttributes(attribute.Int("activities.count", len(activities)))

	return activities, nil
}

func (f *AWSASGFacade) ModifyCapacity(ctx context.Context, asgID string, desired int) error {
	ctx, span := f.tracer.Start(ctx, "aws.asg.setDesiredCapacity")
	defer span.End()

	span.SetAttributes(attribute.Int("asg.desired_capacity", desired))

	_, err := f.client.SetDesiredCapacity(ctx, &autoscaling.SetDesiredCapacityInput{
		AutoScalingGroupName: aws.String(asgID),
		DesiredCapacity:      aws.Int32(int32(desired)),
	})
	if err != nil {
		return fmt.Errorf("could not set desired capacity on %s to %d: %w", asgID, desired, err)
	}

	return nil
}

// classifyActivityType maps an AWS scaling-activity description/cause into
// the coarse scale_out/scale_in/other taxonomy the cooldown cross-check
// uses. AWS doesn't expose a structured "ActivityType" field the
// way some providers do, so this matches on the description AWS itself
// generates ("Launching a new EC2 instance" vs "Terminating EC2 instance").
func classifyActivityType(description, cause string) ScalingActivityType {
	text := description + " " + cause
	switch {
	case containsAny(text, "Launching", "launch"):
		return ActivityTypeScaleOut
	case containsAny(text, "Terminating", "terminat"):
		return ActivityTypeScaleIn
	default:
		return ActivityTypeOther
	}
}

// mapActivityStatusCode translates the Auto Scaling API's status codes
// (Successful, InProgress, PreInService, Failed, Cancelled, the various
// WaitingFor*/PendingSpotBidPlacement pre-launch states) into the coarser
// vocabulary the cooldown cross-check and in-progress guard work with.
// Matched on the raw string value rather than SDK enum constants, since the
// Auto Scaling API's set of pre-launch states is larger and more volatile
// than the handful this controller actually distinguishes between.
func mapActivityStatusCode(code types.ScalingActivityStatusCode) ActivityStatusCode {
	switch string(code) {
	case "Successful":
		return ActivityStatusSuccess
	case "Failed":
		return ActivityStatusFailed
	case "Cancelled":
		return ActivityStatusRejected
	case "InProgress", "PreInService", "MidLifecycleAction",
		"WaitingForELBConnectionDraining", "WaitingForInstanceWarmup":
		return ActivityStatusRunning
	default:
		// PendingSpotBidPlacement and the WaitingForSpotInstance*/WaitingForInstanceId
		// pre-launch states: the activity has been accepted but hasn't started
		// doing anything observable yet.
		return ActivityStatusInit
	}
}

func containsAny(haystack string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}
