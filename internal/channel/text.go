package channel

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/compose"
)

// Default SNS SMS throughput for a new account.
const textRateCeiling = 10

// Longest body SNS will split into concatenated SMS segments.
const maxSMSLength = 1600

var e164 = regexp.MustCompile(`^\+[1-9]\d{6,14}$`)

// SNSAPI is the subset of the SNS client used here.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
	GetSMSAttributes(ctx context.Context, params *sns.GetSMSAttributesInput, optFns ...func(*sns.Options)) (*sns.GetSMSAttributesOutput, error)
}

type TextConfig struct {
	Region   string
	SenderID string
}

// TextSender delivers short text messages via AWS SNS direct-to-phone publish.
type TextSender struct {
	client   SNSAPI
	senderID string
	logger   *zap.Logger
}

// NewTextSender creates a text sender using the default AWS credential chain.
func NewTextSender(ctx context.Context, cfg TextConfig, logger *zap.Logger) (*TextSender, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}
	return NewTextSenderWithClient(sns.NewFromConfig(awsCfg), cfg.SenderID, logger), nil
}

func NewTextSenderWithClient(client SNSAPI, senderID string, logger *zap.Logger) *TextSender {
	return &TextSender{client: client, senderID: senderID, logger: logger}
}

func (s *TextSender) Channel() string      { return Text }
func (s *TextSender) RateCeiling() float64 { return textRateCeiling }

func (s *TextSender) TestConnection(ctx context.Context) error {
	if _, err := s.client.GetSMSAttributes(ctx, &sns.GetSMSAttributesInput{}); err != nil {
		return fmt.Errorf("sns get sms attributes: %w", err)
	}
	return nil
}

func (s *TextSender) Send(ctx context.Context, address string, msg *compose.Message) (*Receipt, error) {
	phone := normalizePhone(address)
	if !e164.MatchString(phone) {
		return nil, Fail(InvalidAddress, fmt.Errorf("phone %q is not E.164", address))
	}

	body := flatten(msg)
	if strings.TrimSpace(body) == "" {
		return nil, Fail(ContentRejected, errors.New("empty message"))
	}
	if len(body) > maxSMSLength {
		return nil, Fail(ContentRejected, fmt.Errorf("message is %d characters, limit %d", len(body), maxSMSLength))
	}

	attrs := map[string]types.MessageAttributeValue{
		"AWS.SNS.SMS.SMSType": {
			DataType:    aws.String("String"),
			StringValue: aws.String("Transactional"),
		},
	}
	if s.senderID != "" {
		attrs["AWS.SNS.SMS.SenderID"] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(s.senderID),
		}
	}

	out, err := s.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber:       aws.String(phone),
		Message:           aws.String(body),
		MessageAttributes: attrs,
	})
	if err != nil {
		kind := classifyAWS(err)
		s.logger.Debug("sns publish failed",
			zap.String("error_kind", string(kind)),
			zap.Error(err),
		)
		return nil, Fail(kind, err)
	}

	return &Receipt{
		ProviderMessageID: aws.ToString(out.MessageId),
		Response:          "published",
	}, nil
}

func normalizePhone(p string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.':
			return -1
		}
		return r
	}, strings.TrimSpace(p))
}

// flatten renders any shape as plain text: buttons become a numbered list
// and image messages carry their link.
func flatten(msg *compose.Message) string {
	var b strings.Builder
	b.WriteString(msg.Text)

	if msg.Shape == compose.ShapeButtons {
		n := 0
		for _, btn := range msg.Buttons {
			n++
			b.WriteString("\n" + strconv.Itoa(n) + ". " + btn.Label)
			if btn.URL != "" {
				b.WriteString(": " + btn.URL)
			}
		}
	}
	if msg.Link != "" {
		b.WriteString("\n" + msg.Link)
	}
	return b.String()
}

func classifyAWS(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ProviderDown
	}

	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		// Transport-level failure before SNS answered.
		return ProviderDown
	}

	switch apiErr.ErrorCode() {
	case "InvalidParameter", "InvalidParameterValue", "EndpointDisabled", "OptedOut":
		return InvalidAddress
	case "Throttling", "ThrottlingException", "ThrottledException", "TooManyRequestsException", "KMSThrottling":
		return RateLimited
	case "InternalError", "InternalFailure", "ServiceUnavailable", "AuthorizationError":
		return ProviderDown
	case "ValidationError":
		return ContentRejected
	}
	if apiErr.ErrorFault() == smithy.FaultServer {
		return ProviderDown
	}
	return Unknown
}
