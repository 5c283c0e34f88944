package kvstore

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	apperrors "github.com/jrsteele09/school-portal/internal/errors"
)

var _ Repo = (*DynamoDBRepo)(nil)

// DynamoDBAPI is the slice of the DynamoDB client the repo uses.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

type dynamoItem struct {
	PK    string `dynamodbav:"PK"`
	SK    string `dynamodbav:"SK"`
	Value string `dynamodbav:"Value"`
}

// DynamoDBRepo stores each key as an item keyed by PK=SESSION#<key>, SK=VALUE.
type DynamoDBRepo struct {
	client    DynamoDBAPI
	tableName string
}

func NewDynamoDBRepo(client DynamoDBAPI, tableName string) *DynamoDBRepo {
	return &DynamoDBRepo{
		client:    client,
		tableName: tableName,
	}
}

func itemKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: "SESSION#" + key},
		"SK": &types.AttributeValueMemberS{Value: "VALUE"},
	}
}

func (r *DynamoDBRepo) Get(ctx context.Context, key string) (string, error) {
	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            itemKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("[DynamoDBRepo] get %s: %w", key, err)
	}
	if result.Item == nil {
		return "", apperrors.Wrapf(apperrors.ErrNotFound, "key %q", key)
	}

	var item dynamoItem
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return "", fmt.Errorf("[DynamoDBRepo] unmarshal %s: %w", key, err)
	}
	return item.Value, nil
}

func (r *DynamoDBRepo) Set(ctx context.Context, key, value string) error {
	item, err := attributevalue.MarshalMap(dynamoItem{PK: "SESSION#" + key, SK: "VALUE", Value: value})
	if err != nil {
		return fmt.Errorf("[DynamoDBRepo] marshal %s: %w", key, err)
	}
	if _, err := r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("[DynamoDBRepo] put %s: %w", key, err)
	}
	return nil
}

func (r *DynamoDBRepo) Delete(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		if _, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(r.tableName),
			Key:       itemKey(key),
		}); err != nil {
			return fmt.Errorf("[DynamoDBRepo] delete %s: %w", key, err)
		}
	}
	return nil
}

func (r *DynamoDBRepo) Close() error {
	return nil
}
