package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"assistant-relay/internal/domain"
)

const (
	pkPrefixUser = "USER#"
	skThread     = "THREAD"
	skCount      = "COUNT"
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// ThreadStore defines the thread-mapping operations consumed by the chat flow.
type ThreadStore interface {
	GetThread(ctx context.Context, userID string) (domain.ThreadRecord, bool, error)
	PutThread(ctx context.Context, rec domain.ThreadRecord) error
	AppendMessages(ctx context.Context, userID string, entries []domain.MessageEntry) error
}

// CounterStore defines the per-user message counter operations.
type CounterStore interface {
	IncrementMessageCount(ctx context.Context, userID string) (int, error)
}

// Client wraps a DynamoDB table holding thread mappings and message counters
// for chat users. Both record kinds share one table under a USER# partition.
type Client struct {
	api       dynamodbAPI
	tableName string
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName}, nil
}

// userPK returns the DynamoDB partition key for a user.
func userPK(userID string) string {
	return pkPrefixUser + userID
}

// GetThread returns the stored thread mapping for a user, reporting whether
// one exists. Every call re-queries storage; nothing is cached in process.
func (c *Client) GetThread(ctx context.Context, userID string) (domain.ThreadRecord, bool, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: userPK(userID)},
			"SK": &types.AttributeValueMemberS{Value: skThread},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.ThreadRecord{}, false, fmt.Errorf("repository: GetThread get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.ThreadRecord{}, false, nil
	}

	rec, err := itemToThread(out.Item)
	if err != nil {
		return domain.ThreadRecord{}, false, fmt.Errorf("repository: GetThread unmarshal: %w", err)
	}
	return rec, true, nil
}

// PutThread inserts a new thread mapping. The conditional expression enforces
// the one-thread-per-user invariant: a concurrent insert for the same user
// fails the condition and is reported as domain.ErrThreadExists so the caller
// can re-read the winning row.
func (c *Client) PutThread(ctx context.Context, rec domain.ThreadRecord) error {
	if rec.UserID == "" || rec.ThreadID == "" {
		return errors.New("repository: PutThread: userID and threadID are required")
	}

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                threadItem(rec),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		var conflict *types.ConditionalCheckFailedException
		if errors.As(err, &conflict) {
			return domain.ErrThreadExists
		}
		return fmt.Errorf("repository: PutThread: %w", err)
	}
	return nil
}

// AppendMessages appends entries to the thread row's message log. The update
// expression seeds an empty list on first write, so the log is append-only
// and never replaced wholesale.
func (c *Client) AppendMessages(ctx context.Context, userID string, entries []domain.MessageEntry) error {
	if userID == "" {
		return errors.New("repository: AppendMessages: userID is required")
	}
	if len(entries) == 0 {
		return nil
	}

	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: userPK(userID)},
			"SK": &types.AttributeValueMemberS{Value: skThread},
		},
		UpdateExpression: aws.String("SET #m = list_append(if_not_exists(#m, :empty), :new)"),
		ExpressionAttributeNames: map[string]string{
			"#m": "messages",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":empty": &types.AttributeValueMemberL{Value: []types.AttributeValue{}},
			":new":   entriesAttr(entries),
		},
	})
	if err != nil {
		return fmt.Errorf("repository: AppendMessages: %w", err)
	}
	return nil
}

// IncrementMessageCount atomically adds one to the user's message counter and
// returns the new value. The ADD action creates the counter row at 1 when no
// record exists yet.
func (c *Client) IncrementMessageCount(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, errors.New("repository: IncrementMessageCount: userID is required")
	}

	out, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: userPK(userID)},
			"SK": &types.AttributeValueMemberS{Value: skCount},
		},
		UpdateExpression: aws.String("ADD #c :one"),
		ExpressionAttributeNames: map[string]string{
			"#c": "count",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": &types.AttributeValueMemberN{Value: "1"},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, fmt.Errorf("repository: IncrementMessageCount: %w", err)
	}
	if out == nil {
		return 0, errors.New("repository: IncrementMessageCount: empty update output")
	}

	count, err := intAttr(out.Attributes, "count")
	if err != nil {
		return 0, fmt.Errorf("repository: IncrementMessageCount decode count: %w", err)
	}
	return count, nil
}

// NewThreadRecord constructs a ThreadRecord with CreatedAt set to now.
func NewThreadRecord(userID, threadID string) domain.ThreadRecord {
	return domain.ThreadRecord{
		UserID:    userID,
		ThreadID:  threadID,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
}

func threadItem(rec domain.ThreadRecord) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: userPK(rec.UserID)},
		"SK":        &types.AttributeValueMemberS{Value: skThread},
		"userId":    &types.AttributeValueMemberS{Value: rec.UserID},
		"threadId":  &types.AttributeValueMemberS{Value: rec.ThreadID},
		"createdAt": &types.AttributeValueMemberS{Value: rec.CreatedAt},
		"messages":  entriesAttr(rec.Messages),
	}
}

func entriesAttr(entries []domain.MessageEntry) *types.AttributeValueMemberL {
	vals := make([]types.AttributeValue, 0, len(entries))
	for _, e := range entries {
		vals = append(vals, &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
			"role":    &types.AttributeValueMemberS{Value: e.Role},
			"content": &types.AttributeValueMemberS{Value: e.Content},
			"at":      &types.AttributeValueMemberS{Value: e.At},
		}})
	}
	return &types.AttributeValueMemberL{Value: vals}
}

// itemToThread converts a DynamoDB attribute map to a ThreadRecord.
func itemToThread(item map[string]types.AttributeValue) (domain.ThreadRecord, error) {
	userID, err := strAttr(item, "userId")
	if err != nil {
		return domain.ThreadRecord{}, err
	}
	threadID, err := strAttr(item, "threadId")
	if err != nil {
		return domain.ThreadRecord{}, err
	}
	createdAt, _ := strAttr(item, "createdAt") // allow empty

	rec := domain.ThreadRecord{
		UserID:    userID,
		ThreadID:  threadID,
		CreatedAt: createdAt,
	}

	if raw, ok := item["messages"]; ok {
		list, ok := raw.(*types.AttributeValueMemberL)
		if !ok {
			return domain.ThreadRecord{}, errors.New("repository: attribute \"messages\" is not a list")
		}
		for _, v := range list.Value {
			m, ok := v.(*types.AttributeValueMemberM)
			if !ok {
				return domain.ThreadRecord{}, errors.New("repository: message entry is not a map")
			}
			role, _ := strAttr(m.Value, "role")
			content, _ := strAttr(m.Value, "content")
			at, _ := strAttr(m.Value, "at")
			rec.Messages = append(rec.Messages, domain.MessageEntry{Role: role, Content: content, At: at})
		}
	}
	return rec, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
