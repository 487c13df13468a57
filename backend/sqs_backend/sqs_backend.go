package sqsbackend

import (
	"context"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/pkg/errors"

	"github.com/skroutz/uploader/job"
)

// Backend notifies about a terminal upload by sending its callback to an
// SQS queue.
type Backend struct {
	svc     *sqs.SQS
	reports chan job.Callback
}

// ID returns "sqs".
func (b *Backend) ID() string {
	return "sqs"
}

// Start starts the backend by creating an SQS client, given a set of
// options provided by the configuration: "region" (required) and
// "endpoint".
func (b *Backend) Start(ctx context.Context, cfg map[string]interface{}) error {
	region, ok := cfg["region"].(string)
	if !ok {
		return errors.New("region must be a string")
	}

	awsCfg := &aws.Config{Region: aws.String(region)}
	if endpoint, ok := cfg["endpoint"].(string); ok && endpoint != "" {
		awsCfg.Endpoint = aws.String(endpoint)
	}

	// Create a session that gets credential values from ~/.aws/credentials
	sqsSession, err := session.NewSession(awsCfg)
	if err != nil {
		return err
	}

	b.reports = make(chan job.Callback)
	b.svc = sqs.New(sqsSession)

	return nil
}

// Notify sends cb to the queue at url. The outcome is reported to
// DeliveryReports either way.
func (b *Backend) Notify(url string, cb job.Callback) error {
	payload, err := cb.Bytes()
	if err == nil {
		_, err = b.svc.SendMessage(&sqs.SendMessageInput{
			MessageBody: aws.String(string(payload)),
			QueueUrl:    aws.String(url),
			MessageAttributes: map[string]*sqs.MessageAttributeValue{
				"UploadID": {
					DataType:    aws.String("String"),
					StringValue: aws.String(cb.UploadID),
				},
			},
		})
		err = errors.Wrap(err, "Got an error sending the message")
	}

	cb.Delivered = err == nil
	cb.DeliveryError = ""
	if err != nil {
		cb.DeliveryError = err.Error()
	}
	b.reports <- cb

	return err
}

// DeliveryReports returns a channel of emitted callback events
func (b *Backend) DeliveryReports() <-chan job.Callback {
	return b.reports
}

// Stop shuts down the backend
func (b *Backend) Stop() error {
	close(b.reports)
	return nil
}
