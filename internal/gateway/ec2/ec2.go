// Package ec2 implements gateway.ProvisioningGateway on AWS EC2. Each
// acquired resource is one instance whose user data installs and starts the
// agent, plus a per-job security group opening the agent port.
package ec2

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"

	"github.com/d53dave/cgopt/internal/apperrors"
	"github.com/d53dave/cgopt/internal/gateway"
)

// Config holds configuration for the EC2 provisioner.
type Config struct {
	Region          string
	ImageID         string // AMI the agent instance boots from
	InstanceType    string
	KeyName         string // optional SSH key pair name
	SubnetID        string // optional; the account default when empty
	VpcID           string // VPC for per-job security groups; default VPC when empty
	AgentPort       int
	AgentBinaryURL  string // where user data fetches the agent binary
	AllowedCIDR     string // ingress source for the agent port (default 0.0.0.0/0)
	UsePublicIP     bool
	StartTimeout    time.Duration // instance-running budget (default 3m)
	TeardownTimeout time.Duration // instance-terminated budget before group delete (default 3m)
}

// api is the slice of the EC2 client the gateway uses. DescribeInstances
// matches ec2.DescribeInstancesAPIClient so the SDK waiters accept it.
type api interface {
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	CreateSecurityGroup(ctx context.Context, params *ec2.CreateSecurityGroupInput, optFns ...func(*ec2.Options)) (*ec2.CreateSecurityGroupOutput, error)
	AuthorizeSecurityGroupIngress(ctx context.Context, params *ec2.AuthorizeSecurityGroupIngressInput, optFns ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupIngressOutput, error)
	DeleteSecurityGroup(ctx context.Context, params *ec2.DeleteSecurityGroupInput, optFns ...func(*ec2.Options)) (*ec2.DeleteSecurityGroupOutput, error)
}

// Gateway provisions agent instances on EC2.
type Gateway struct {
	client api
	cfg    Config
	logger *slog.Logger

	// per-instance security group, so Release can clean up the pair
	mu     sync.Mutex
	groups map[string]string
}

var _ gateway.ProvisioningGateway = (*Gateway)(nil)

// New creates an EC2 provisioner using the default AWS credential chain.
func New(ctx context.Context, cfg Config) (*Gateway, error) {
	if err := validate(cfg); err != nil {
		return nil, err
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	return newWithClient(cfg, ec2.NewFromConfig(awsCfg)), nil
}

func newWithClient(cfg Config, client api) *Gateway {
	if cfg.AgentPort <= 0 {
		cfg.AgentPort = 8900
	}
	if cfg.AllowedCIDR == "" {
		cfg.AllowedCIDR = "0.0.0.0/0"
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 3 * time.Minute
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = 3 * time.Minute
	}

	return &Gateway{
		client: client,
		cfg:    cfg,
		logger: slog.With("component", "gateway.ec2"),
		groups: make(map[string]string),
	}
}

func validate(cfg Config) error {
	if cfg.Region == "" {
		return fmt.Errorf("region is required")
	}
	if cfg.ImageID == "" {
		return fmt.Errorf("image id is required")
	}
	if cfg.InstanceType == "" {
		return fmt.Errorf("instance type is required")
	}
	if cfg.AgentBinaryURL == "" {
		return fmt.Errorf("agent binary url is required")
	}
	return nil
}

// Acquire creates the per-job security group, launches the instance and
// waits until it is running with an address assigned.
func (g *Gateway) Acquire(ctx context.Context, spec gateway.ResourceSpec) (gateway.ResourceHandle, error) {
	groupID, err := g.createSecurityGroup(ctx, spec.JobID)
	if err != nil {
		return gateway.ResourceHandle{}, apperrors.Provisioning("ec2.createSecurityGroup", err)
	}

	instanceID, err := g.runInstance(ctx, spec, groupID)
	if err != nil {
		g.deleteSecurityGroup(context.WithoutCancel(ctx), spec.JobID, groupID)
		return gateway.ResourceHandle{}, apperrors.Provisioning("ec2.runInstances", err)
	}

	g.mu.Lock()
	g.groups[instanceID] = groupID
	g.mu.Unlock()

	addr, err := g.waitRunning(ctx, instanceID)
	if err != nil {
		g.teardown(context.WithoutCancel(ctx), spec.JobID, instanceID)
		return gateway.ResourceHandle{}, apperrors.Provisioning("ec2.waitRunning", err)
	}

	handle := gateway.ResourceHandle{
		ID:         instanceID,
		JobID:      spec.JobID,
		Provider:   "ec2",
		Endpoint:   fmt.Sprintf("http://%s:%d", addr, g.cfg.AgentPort),
		Token:      spec.Token,
		AcquiredAt: time.Now().UTC(),
	}
	g.logger.Info("Agent instance running", "jobId", spec.JobID, "instanceId", instanceID, "endpoint", handle.Endpoint)
	return handle, nil
}

func (g *Gateway) createSecurityGroup(ctx context.Context, jobID string) (string, error) {
	input := &ec2.CreateSecurityGroupInput{
		GroupName:   aws.String(fmt.Sprintf("cgopt-%s", jobID)),
		Description: aws.String(fmt.Sprintf("cgopt agent access for job %s", jobID)),
		TagSpecifications: []types.TagSpecification{
			{
				ResourceType: types.ResourceTypeSecurityGroup,
				Tags:         resourceTags(jobID),
			},
		},
	}
	if g.cfg.VpcID != "" {
		input.VpcId = aws.String(g.cfg.VpcID)
	}

	created, err := g.client.CreateSecurityGroup(ctx, input)
	if err != nil {
		return "", err
	}
	groupID := aws.ToString(created.GroupId)

	_, err = g.client.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId: created.GroupId,
		IpPermissions: []types.IpPermission{
			{
				IpProtocol: aws.String("tcp"),
				FromPort:   aws.Int32(int32(g.cfg.AgentPort)),
				ToPort:     aws.Int32(int32(g.cfg.AgentPort)),
				IpRanges: []types.IpRange{
					{CidrIp: aws.String(g.cfg.AllowedCIDR), Description: aws.String("cgopt agent")},
				},
			},
		},
	})
	if err != nil {
		g.deleteSecurityGroup(context.WithoutCancel(ctx), jobID, groupID)
		return "", err
	}

	return groupID, nil
}

func (g *Gateway) runInstance(ctx context.Context, spec gateway.ResourceSpec, groupID string) (string, error) {
	input := &ec2.RunInstancesInput{
		ImageId:          aws.String(g.cfg.ImageID),
		InstanceType:     types.InstanceType(g.cfg.InstanceType),
		MinCount:         aws.Int32(1),
		MaxCount:         aws.Int32(1),
		SecurityGroupIds: []string{groupID},
		UserData:         aws.String(userData(g.cfg, spec)),
		TagSpecifications: []types.TagSpecification{
			{
				ResourceType: types.ResourceTypeInstance,
				Tags:         resourceTags(spec.JobID),
			},
		},
	}
	if g.cfg.KeyName != "" {
		input.KeyName = aws.String(g.cfg.KeyName)
	}
	if g.cfg.SubnetID != "" {
		input.SubnetId = aws.String(g.cfg.SubnetID)
	}

	result, err := g.client.RunInstances(ctx, input)
	if err != nil {
		return "", err
	}
	if len(result.Instances) == 0 {
		return "", fmt.Errorf("run instances returned no instances")
	}
	return aws.ToString(result.Instances[0].InstanceId), nil
}

func resourceTags(jobID string) []types.Tag {
	return []types.Tag{
		{Key: aws.String("Name"), Value: aws.String(fmt.Sprintf("cgopt-%s", jobID))},
		{Key: aws.String("ManagedBy"), Value: aws.String("cgopt")},
		{Key: aws.String("JobId"), Value: aws.String(jobID)},
	}
}

// waitRunning blocks until the instance reports running, then returns its
// agent address.
func (g *Gateway) waitRunning(ctx context.Context, instanceID string) (string, error) {
	waiter := ec2.NewInstanceRunningWaiter(g.client)
	input := &ec2.DescribeInstancesInput{InstanceIds: []string{instanceID}}
	if err := waiter.Wait(ctx, input, g.cfg.StartTimeout); err != nil {
		return "", err
	}

	described, err := g.client.DescribeInstances(ctx, input)
	if err != nil {
		return "", err
	}
	if len(described.Reservations) == 0 || len(described.Reservations[0].Instances) == 0 {
		return "", fmt.Errorf("instance %s not found after launch", instanceID)
	}

	inst := described.Reservations[0].Instances[0]
	addr := aws.ToString(inst.PrivateIpAddress)
	if g.cfg.UsePublicIP {
		addr = aws.ToString(inst.PublicIpAddress)
	}
	if addr == "" {
		return "", fmt.Errorf("instance %s has no usable address", instanceID)
	}
	return addr, nil
}

// Release terminates the instance and removes its security group. A
// resource that is already gone is not an error.
func (g *Gateway) Release(ctx context.Context, handle gateway.ResourceHandle) error {
	if handle.ID == "" {
		return nil
	}

	_, err := g.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{handle.ID}})
	if err != nil && !isAWSErrorCode(err, "InvalidInstanceID.NotFound") {
		return apperrors.Provisioning("ec2.terminateInstances", err)
	}

	g.mu.Lock()
	groupID := g.groups[handle.ID]
	delete(g.groups, handle.ID)
	g.mu.Unlock()

	if groupID != "" {
		// The group cannot be deleted while the instance still holds its
		// network interface.
		waiter := ec2.NewInstanceTerminatedWaiter(g.client)
		input := &ec2.DescribeInstancesInput{InstanceIds: []string{handle.ID}}
		if err := waiter.Wait(ctx, input, g.cfg.TeardownTimeout); err != nil {
			g.logger.Warn("Instance did not reach terminated, security group may leak",
				"jobId", handle.JobID, "instanceId", handle.ID, "groupId", groupID, "error", err)
			return nil
		}
		g.deleteSecurityGroup(ctx, handle.JobID, groupID)
	}

	g.logger.Debug("Agent instance released", "jobId", handle.JobID, "instanceId", handle.ID)
	return nil
}

// teardown reverses a partially completed Acquire.
func (g *Gateway) teardown(ctx context.Context, jobID, instanceID string) {
	_, err := g.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{instanceID}})
	if err != nil && !isAWSErrorCode(err, "InvalidInstanceID.NotFound") {
		g.logger.Warn("Failed to terminate instance during teardown", "jobId", jobID, "instanceId", instanceID, "error", err)
	}

	g.mu.Lock()
	groupID := g.groups[instanceID]
	delete(g.groups, instanceID)
	g.mu.Unlock()

	if groupID != "" {
		waiter := ec2.NewInstanceTerminatedWaiter(g.client)
		input := &ec2.DescribeInstancesInput{InstanceIds: []string{instanceID}}
		if err := waiter.Wait(ctx, input, g.cfg.TeardownTimeout); err == nil {
			g.deleteSecurityGroup(ctx, jobID, groupID)
		} else {
			g.logger.Warn("Security group may leak", "jobId", jobID, "groupId", groupID, "error", err)
		}
	}
}

func (g *Gateway) deleteSecurityGroup(ctx context.Context, jobID, groupID string) {
	if groupID == "" {
		return
	}
	_, err := g.client.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{GroupId: aws.String(groupID)})
	if err != nil && !isAWSErrorCode(err, "InvalidGroup.NotFound") {
		g.logger.Warn("Failed to delete security group", "jobId", jobID, "groupId", groupID, "error", err)
	}
}

// Ready checks that the EC2 API is reachable with the configured
// credentials.
func (g *Gateway) Ready(ctx context.Context) error {
	_, err := g.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{MaxResults: aws.Int32(5)})
	return err
}

// Close is a no-op; the underlying HTTP client needs no teardown.
func (g *Gateway) Close() error {
	return nil
}

func isAWSErrorCode(err error, code string) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == code
}
