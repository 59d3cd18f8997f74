package dispatch

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"
)

// SNSTransport delivers messages as SMS via AWS SNS.
type SNSTransport struct {
	client *sns.Client
	logger *zap.Logger
}

type SNSConfig struct {
	Region string
}

// NewSNSTransport creates an SNS-backed transport.
func NewSNSTransport(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSTransport, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}

	return &SNSTransport{
		client: sns.NewFromConfig(awsCfg),
		logger: logger,
	}, nil
}

// Send publishes the message to the recipient's phone number. Campaign
// traffic goes out under its reserved sender identity.
func (t *SNSTransport) Send(ctx context.Context, p Payload) error {
	if p.Recipient == "" {
		return fmt.Errorf("payload missing recipient")
	}
	if p.Body == "" {
		return fmt.Errorf("payload missing body")
	}

	input := &sns.PublishInput{
		PhoneNumber: aws.String(p.Recipient),
		Message:     aws.String(p.Body),
	}

	if p.Campaign != nil && p.Campaign.SenderIdentity != "" {
		input.MessageAttributes = map[string]snstypes.MessageAttributeValue{
			"AWS.SNS.SMS.SenderID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(p.Campaign.SenderIdentity),
			},
		}
	}

	result, err := t.client.Publish(ctx, input)
	if err != nil {
		return fmt.Errorf("sns publish failed: %w", err)
	}

	t.logger.Info("SMS sent via SNS",
		zap.String("recipient", p.Recipient),
		zap.String("tenant_id", p.TenantID.String()),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return nil
}
