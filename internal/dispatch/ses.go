package dispatch

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/emberline/dripflow/internal/pkg/logger"
)

// sesSender sends via AWS SES v2. SES has no true bulk call for
// arbitrary per-recipient content, so each recipient is one SendEmail;
// the small batch size keeps this under the account send rate.
type sesSender struct {
	client sesAPI
	log    *logger.Logger
}

// sesAPI is the slice of the sesv2 client we use, extracted for tests.
type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

func newSESSender(cfg ProviderConfig) (*sesSender, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &sesSender{
		client: sesv2.NewFromConfig(awsCfg),
		log:    logger.With("dispatch.ses"),
	}, nil
}

func (s *sesSender) SendBatch(ctx context.Context, job *EmailJobData, batch []Recipient) []EmailSendResult {
	results := make([]EmailSendResult, len(batch))
	for i, r := range batch {
		input := &sesv2.SendEmailInput{
			FromEmailAddress: aws.String(fmt.Sprintf("%s <%s>", job.FromName, job.FromEmail)),
			Destination:      &types.Destination{ToAddresses: []string{r.Email}},
			Content: &types.EmailContent{
				Simple: &types.Message{
					Subject: &types.Content{Data: aws.String(job.Subject), Charset: aws.String("UTF-8")},
					Body: &types.Body{
						Html: &types.Content{Data: aws.String(job.HTMLContent), Charset: aws.String("UTF-8")},
					},
				},
			},
			EmailTags: []types.MessageTag{
				{Name: aws.String("job_id"), Value: aws.String(job.ID)},
			},
		}

		out, err := s.client.SendEmail(ctx, input)
		if err != nil {
			s.log.Warn("ses send failed", "recipient", r.Email, "error", err)
			results[i] = EmailSendResult{Email: r.Email, Success: false, Error: err.Error()}
			continue
		}

		messageID := ""
		if out.MessageId != nil {
			messageID = *out.MessageId
		}
		results[i] = EmailSendResult{Email: r.Email, Success: true, MessageID: messageID}
	}
	return results
}
