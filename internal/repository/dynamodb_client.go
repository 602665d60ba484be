package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"whatsapp-bridge/internal/domain"
)

const (
	pkPrefixBag = "BAG#"
	skSessions  = "SESSIONS"
)

// dynamodbAPI is the minimal DynamoDB interface required by DynamoStore.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DynamoStore keeps session bags in a DynamoDB table with a TTL attribute.
// DynamoDB deletes expired items lazily, so reads also filter on ttl.
type DynamoStore struct {
	api       dynamodbAPI
	tableName string
	ttl       time.Duration
	now       func() time.Time
}

// NewDynamoStore creates a DynamoStore.
func NewDynamoStore(api dynamodbAPI, tableName string, ttl time.Duration) (*DynamoStore, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	if ttl <= 0 {
		return nil, errors.New("repository: ttl must be positive")
	}
	return &DynamoStore{api: api, tableName: tableName, ttl: ttl, now: time.Now}, nil
}

// bagPK returns the DynamoDB partition key for a session bag.
func bagPK(key string) string {
	return pkPrefixBag + key
}

func (s *DynamoStore) itemKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: bagPK(key)},
		"SK": &types.AttributeValueMemberS{Value: skSessions},
	}
}

// Get loads the bag stored under key.
func (s *DynamoStore) Get(ctx context.Context, key string) (domain.Bag, bool, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            s.itemKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Bag{}, false, fmt.Errorf("repository: Get get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Bag{}, false, nil
	}

	expires, err := int64Attr(out.Item, "ttl")
	if err != nil {
		return domain.Bag{}, false, fmt.Errorf("repository: Get decode ttl: %w", err)
	}
	if expires <= s.now().Unix() {
		return domain.Bag{}, false, nil
	}

	payload, err := strAttr(out.Item, "payload")
	if err != nil {
		return domain.Bag{}, false, fmt.Errorf("repository: Get decode payload: %w", err)
	}
	var bag domain.Bag
	if err := json.Unmarshal([]byte(payload), &bag); err != nil {
		return domain.Bag{}, false, fmt.Errorf("repository: Get unmarshal: %w", err)
	}
	return bag, true, nil
}

// Put writes bag under key and refreshes its expiry.
func (s *DynamoStore) Put(ctx context.Context, key string, bag domain.Bag) error {
	payload, err := json.Marshal(bag)
	if err != nil {
		return fmt.Errorf("repository: Put marshal: %w", err)
	}
	item := s.itemKey(key)
	item["payload"] = &types.AttributeValueMemberS{Value: string(payload)}
	item["ttl"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(s.now().Add(s.ttl).Unix(), 10)}

	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("repository: Put: %w", err)
	}
	return nil
}

// Clear deletes the bag stored under key.
func (s *DynamoStore) Clear(ctx context.Context, key string) error {
	_, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key:       s.itemKey(key),
	})
	if err != nil {
		return fmt.Errorf("repository: Clear: %w", err)
	}
	return nil
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

func int64Attr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
