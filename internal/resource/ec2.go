package resource

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	logx "ec2toggle/pkg/logx"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
)

// ec2API is the subset of the EC2 client the controller calls.
type ec2API interface {
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, opts ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	StartInstances(ctx context.Context, in *ec2.StartInstancesInput, opts ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error)
	StopInstances(ctx context.Context, in *ec2.StopInstancesInput, opts ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error)
}

// EC2 controls instances in one AWS region.
type EC2 struct {
	api         ec2API
	log         logx.Logger
	exclude     exclusion
	concurrency int
}

// NewEC2 builds a controller from the default AWS credential chain. Static
// keys in cfg take precedence when both are set.
func NewEC2(ctx context.Context, cfg Config, log logx.Logger) (*EC2, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if r := strings.TrimSpace(cfg.Region); r != "" {
		opts = append(opts, awsconfig.WithRegion(r))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	log.Info("ec2 controller ready", logx.String("region", awsCfg.Region), logx.Int("excluded", len(cfg.Exclude)))
	return newEC2(ec2.NewFromConfig(awsCfg), cfg, log), nil
}

func newEC2(api ec2API, cfg Config, log logx.Logger) *EC2 {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &EC2{api: api, log: log, exclude: newExclusion(cfg.Exclude), concurrency: cfg.Concurrency}
}

func (c *EC2) List(ctx context.Context) ([]Instance, error) {
	var out []Instance
	p := ec2.NewDescribeInstancesPaginator(c.api, &ec2.DescribeInstancesInput{})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("describe instances: %w", err)
		}
		for _, res := range page.Reservations {
			for _, inst := range res.Instances {
				id := aws.ToString(inst.InstanceId)
				if id == "" || c.exclude.has(id) {
					continue
				}
				out = append(out, toInstance(inst))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c *EC2) Start(ctx context.Context, id string) Result {
	return c.toggle(ctx, id, StateRunning, func(ctx context.Context) error {
		_, err := c.api.StartInstances(ctx, &ec2.StartInstancesInput{InstanceIds: []string{id}})
		return err
	})
}

func (c *EC2) Stop(ctx context.Context, id string) Result {
	return c.toggle(ctx, id, StateStopped, func(ctx context.Context) error {
		_, err := c.api.StopInstances(ctx, &ec2.StopInstancesInput{InstanceIds: []string{id}})
		return err
	})
}

func (c *EC2) StartAll(ctx context.Context) ([]Result, error) {
	insts, err := c.List(ctx)
	if err != nil {
		return nil, err
	}
	return toggleAll(ctx, insts, StateStopped, StateRunning, c.concurrency, c.Start), nil
}

func (c *EC2) StopAll(ctx context.Context) ([]Result, error) {
	insts, err := c.List(ctx)
	if err != nil {
		return nil, err
	}
	return toggleAll(ctx, insts, StateRunning, StateStopped, c.concurrency, c.Stop), nil
}

func (c *EC2) toggle(ctx context.Context, id, want string, call func(context.Context) error) Result {
	id = strings.TrimSpace(id)
	if c.exclude.has(id) {
		return excludedResult(id)
	}
	state, err := c.state(ctx, id)
	if err != nil {
		return Result{ResourceID: id, Err: err, Message: err.Error()}
	}
	if state == want {
		return Result{ResourceID: id, OK: true, AlreadyInState: true, Message: "already " + want}
	}
	if err := call(ctx); err != nil {
		c.log.Warn("ec2 state change failed", logx.String("instance", id), logx.String("want", want), logx.Err(err))
		return Result{ResourceID: id, Err: err, Message: apiMessage(err)}
	}
	verb := "starting"
	if want == StateStopped {
		verb = "stopping"
	}
	c.log.Info("ec2 state change requested", logx.String("instance", id), logx.String("from", state), logx.String("want", want))
	return Result{ResourceID: id, OK: true, Message: verb}
}

func (c *EC2) state(ctx context.Context, id string) (string, error) {
	out, err := c.api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{id}})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && strings.HasPrefix(apiErr.ErrorCode(), "InvalidInstanceID") {
			return "", fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return "", fmt.Errorf("describe %s: %w", id, err)
	}
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			if aws.ToString(inst.InstanceId) == id {
				return toInstance(inst).State, nil
			}
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, id)
}

func toInstance(inst types.Instance) Instance {
	out := Instance{ID: aws.ToString(inst.InstanceId), Name: "No Name"}
	if inst.State != nil {
		out.State = string(inst.State.Name)
	}
	for _, tag := range inst.Tags {
		if aws.ToString(tag.Key) == "Name" && aws.ToString(tag.Value) != "" {
			out.Name = aws.ToString(tag.Value)
			break
		}
	}
	return out
}

func apiMessage(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() + ": " + apiErr.ErrorMessage()
	}
	return err.Error()
}
