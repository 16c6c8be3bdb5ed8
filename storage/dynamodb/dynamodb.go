// Package dynamodb provides a DynamoDB implementation of donation.EventLog.
// Event ids are the partition key; appends are conditional puts so a redelivered
// webhook never overwrites the stored payload.
package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamodbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/mihaimyh/godonate/pkg/donation"
)

// API is the subset of the DynamoDB client used by EventLog
type API interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

// Config holds DynamoDB event log configuration
type Config struct {
	// TableName is the events table (default: "webhook_events")
	TableName string
}

// EventLog implements donation.EventLog using DynamoDB
type EventLog struct {
	client    API
	tableName string
}

// eventItem is the stored shape of a webhook event. Times are unix
// milliseconds so filters compare numerically.
type eventItem struct {
	ID          string `dynamodbav:"id"`
	Source      string `dynamodbav:"source"`
	EventType   string `dynamodbav:"event_type"`
	Payload     []byte `dynamodbav:"payload"`
	ReceivedAt  int64  `dynamodbav:"received_at"`
	Processed   bool   `dynamodbav:"processed"`
	ProcessedAt int64  `dynamodbav:"processed_at,omitempty"`
	Error       string `dynamodbav:"error_message"`
}

// New creates a new DynamoDB event log
func New(client API, config Config) (*EventLog, error) {
	if client == nil {
		return nil, fmt.Errorf("dynamodb client is required")
	}
	if config.TableName == "" {
		config.TableName = "webhook_events"
	}
	return &EventLog{client: client, tableName: config.TableName}, nil
}

// CreateTable creates the events table with on-demand billing. An existing
// table is not an error.
func (l *EventLog) CreateTable(ctx context.Context) error {
	_, err := l.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(l.tableName),
		AttributeDefinitions: []dynamodbtypes.AttributeDefinition{
			{AttributeName: aws.String("id"), AttributeType: dynamodbtypes.ScalarAttributeTypeS},
		},
		KeySchema: []dynamodbtypes.KeySchemaElement{
			{AttributeName: aws.String("id"), KeyType: dynamodbtypes.KeyTypeHash},
		},
		BillingMode: dynamodbtypes.BillingModePayPerRequest,
	})
	var inUse *dynamodbtypes.ResourceInUseException
	if errors.As(err, &inUse) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to create table %s: %w", l.tableName, err)
	}
	return nil
}

// AppendEvent implements donation.EventLog
func (l *EventLog) AppendEvent(ctx context.Context, e *donation.WebhookEvent) (bool, error) {
	if e == nil || e.ID == "" {
		return false, fmt.Errorf("%w: event id is required", donation.ErrInvalidRequest)
	}

	item, err := attributevalue.MarshalMap(toItem(e))
	if err != nil {
		return false, fmt.Errorf("failed to marshal event: %w", err)
	}

	_, err = l.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(l.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if isConditionFailed(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to append event: %w", err)
	}
	return true, nil
}

// GetEvent implements donation.EventLog
func (l *EventLog) GetEvent(ctx context.Context, id string) (*donation.WebhookEvent, error) {
	result, err := l.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(l.tableName),
		Key:            idKey(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	if result.Item == nil {
		return nil, donation.ErrEventNotFound
	}

	var item eventItem
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	return item.toEvent(), nil
}

// MarkEventProcessed implements donation.EventLog
func (l *EventLog) MarkEventProcessed(ctx context.Context, id string, at time.Time, note string) error {
	_, err := l.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(l.tableName),
		Key:                 idKey(id),
		UpdateExpression:    aws.String("SET processed = :t, processed_at = :at, error_message = :note"),
		ConditionExpression: aws.String("attribute_exists(id)"),
		ExpressionAttributeValues: map[string]dynamodbtypes.AttributeValue{
			":t":    &dynamodbtypes.AttributeValueMemberBOOL{Value: true},
			":at":   &dynamodbtypes.AttributeValueMemberN{Value: fmt.Sprint(at.UnixMilli())},
			":note": &dynamodbtypes.AttributeValueMemberS{Value: note},
		},
	})
	if isConditionFailed(err) {
		return donation.ErrEventNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	return nil
}

// MarkEventFailed implements donation.EventLog. Processed events are left
// untouched.
func (l *EventLog) MarkEventFailed(ctx context.Context, id string, msg string) error {
	_, err := l.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(l.tableName),
		Key:                 idKey(id),
		UpdateExpression:    aws.String("SET error_message = :msg"),
		ConditionExpression: aws.String("attribute_exists(id) AND processed = :f"),
		ExpressionAttributeValues: map[string]dynamodbtypes.AttributeValue{
			":msg": &dynamodbtypes.AttributeValueMemberS{Value: msg},
			":f":   &dynamodbtypes.AttributeValueMemberBOOL{Value: false},
		},
	})
	if isConditionFailed(err) {
		// Either missing or already processed.
		if _, getErr := l.GetEvent(ctx, id); getErr != nil {
			return getErr
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to mark event failed: %w", err)
	}
	return nil
}

// ListUnprocessedEvents implements donation.EventLog. The table has no
// secondary index, so this is a filtered scan sorted client-side; it only
// runs from the maintenance sweep.
func (l *EventLog) ListUnprocessedEvents(ctx context.Context, before time.Time, limit int) ([]*donation.WebhookEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	paginator := dynamodb.NewScanPaginator(l.client, &dynamodb.ScanInput{
		TableName:        aws.String(l.tableName),
		FilterExpression: aws.String("processed = :f AND received_at < :before AND event_type <> :rejected"),
		ExpressionAttributeValues: map[string]dynamodbtypes.AttributeValue{
			":f":        &dynamodbtypes.AttributeValueMemberBOOL{Value: false},
			":before":   &dynamodbtypes.AttributeValueMemberN{Value: fmt.Sprint(before.UnixMilli())},
			":rejected": &dynamodbtypes.AttributeValueMemberS{Value: donation.EventTypeWebhookError},
		},
	})

	var items []eventItem
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to scan events: %w", err)
		}
		var pageItems []eventItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &pageItems); err != nil {
			return nil, fmt.Errorf("failed to unmarshal events: %w", err)
		}
		items = append(items, pageItems...)
	}

	sort.Slice(items, func(i, j int) bool { return items[i].ReceivedAt < items[j].ReceivedAt })
	if len(items) > limit {
		items = items[:limit]
	}

	out := make([]*donation.WebhookEvent, 0, len(items))
	for i := range items {
		out = append(out, items[i].toEvent())
	}
	return out, nil
}

func toItem(e *donation.WebhookEvent) eventItem {
	receivedAt := e.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}
	item := eventItem{
		ID:         e.ID,
		Source:     e.Source,
		EventType:  e.EventType,
		Payload:    e.Payload,
		ReceivedAt: receivedAt.UnixMilli(),
		Processed:  e.Processed,
		Error:      e.Error,
	}
	if e.ProcessedAt != nil {
		item.ProcessedAt = e.ProcessedAt.UnixMilli()
	}
	return item
}

func (i *eventItem) toEvent() *donation.WebhookEvent {
	e := &donation.WebhookEvent{
		ID:         i.ID,
		Source:     i.Source,
		EventType:  i.EventType,
		Payload:    i.Payload,
		ReceivedAt: time.UnixMilli(i.ReceivedAt).UTC(),
		Processed:  i.Processed,
		Error:      i.Error,
	}
	if i.ProcessedAt != 0 {
		at := time.UnixMilli(i.ProcessedAt).UTC()
		e.ProcessedAt = &at
	}
	return e
}

func idKey(id string) map[string]dynamodbtypes.AttributeValue {
	return map[string]dynamodbtypes.AttributeValue{
		"id": &dynamodbtypes.AttributeValueMemberS{Value: id},
	}
}

func isConditionFailed(err error) bool {
	var ccf *dynamodbtypes.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}
