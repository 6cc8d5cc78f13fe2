// SPDX-FileCopyrightText: 2022 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package dynamodb

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/xmidt-org/httpaux/erraux"
	"github.com/xmidt-org/iris/store"
)

// client captures the methods of interest from the dynamoDB API. This
// should help mock API calls as well.
type client interface {
	PutItem(ctx context.Context, input *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, input *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, input *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// service defines the dynamodb specific DAO interface. It helps keeping
// middleware such as instrumentation orthogonal to business logic.
type service interface {
	Push(ctx context.Context, key store.Key, item store.Item) error
	Get(ctx context.Context, key store.Key) (store.Item, error)
	Delete(ctx context.Context, key store.Key) (store.Item, error)
	Add(ctx context.Context, key store.Key, item store.Item) error
	DeleteIf(ctx context.Context, key store.Key, expected map[string]interface{}) error
}

// executor satisfies the service interface so the instrumented DAO can adapt
// its outputs to the abstract store contract.
type executor struct {
	c         client
	tableName string
	now       func() time.Time
}

// storableItem is the flattened table row. Expiry is an absolute
// unix-seconds attribute so the table's native TTL sweeper can reap rows.
type storableItem struct {
	Bucket  string                 `dynamodbav:"bucket"`
	ID      string                 `dynamodbav:"id"`
	Data    map[string]interface{} `dynamodbav:"data"`
	Expires *int64                 `dynamodbav:"expires,omitempty"`
}

// Dynamo DB attribute keys
const (
	bucketAttributeKey     = "bucket"
	idAttributeKey         = "id"
	dataAttributeKey       = "data"
	expirationAttributeKey = "expires"
)

// addConditionExpression only lets a write through when the slot is empty or
// holds an already-expired row.
const addConditionExpression = "attribute_not_exists(" + idAttributeKey + ") OR " + expirationAttributeKey + " <= :now"

// deleteIfConditionExpression only lets a delete through when the row still
// holds the expected data and has not expired.
const deleteIfConditionExpression = "#d = :expected AND (attribute_not_exists(" + expirationAttributeKey + ") OR " + expirationAttributeKey + " > :now)"

var errDefaultDynamoDBFailure = erraux.Error{
	Err:  errors.New("dynamodb operation failed"),
	Code: http.StatusInternalServerError,
}

func handleClientError(err error) error {
	return store.SanitizedError{Err: err, ErrHTTP: errDefaultDynamoDBFailure}
}

func (d *executor) marshal(key store.Key, item store.Item) (map[string]types.AttributeValue, error) {
	storingItem := storableItem{
		Bucket: key.Bucket,
		ID:     key.ID,
		Data:   item.Data,
	}
	if item.TTL != nil {
		unixExpSeconds := d.now().Unix() + *item.TTL
		storingItem.Expires = &unixExpSeconds
	}
	return attributevalue.MarshalMap(storingItem)
}

func (d *executor) Push(ctx context.Context, key store.Key, item store.Item) error {
	av, err := d.marshal(key, item)
	if err != nil {
		return err
	}
	_, err = d.c.PutItem(ctx, &dynamodb.PutItemInput{
		Item:      av,
		TableName: aws.String(d.tableName),
	})
	if err != nil {
		return handleClientError(err)
	}
	return nil
}

func (d *executor) Add(ctx context.Context, key store.Key, item store.Item) error {
	av, err := d.marshal(key, item)
	if err != nil {
		return err
	}
	_, err = d.c.PutItem(ctx, &dynamodb.PutItemInput{
		Item:                av,
		TableName:           aws.String(d.tableName),
		ConditionExpression: aws.String(addConditionExpression),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(d.now().Unix(), 10)},
		},
	})
	if err != nil {
		var conditionFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			return store.KeyExistsError{Key: key}
		}
		return handleClientError(err)
	}
	return nil
}

func (d *executor) DeleteIf(ctx context.Context, key store.Key, expected map[string]interface{}) error {
	expectedAttr, err := attributevalue.Marshal(expected)
	if err != nil {
		return err
	}
	_, err = d.c.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.tableName),
		Key: map[string]types.AttributeValue{
			bucketAttributeKey: &types.AttributeValueMemberS{Value: key.Bucket},
			idAttributeKey:     &types.AttributeValueMemberS{Value: key.ID},
		},
		ConditionExpression:      aws.String(deleteIfConditionExpression),
		ExpressionAttributeNames: map[string]string{"#d": dataAttributeKey},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":expected": expectedAttr,
			":now":      &types.AttributeValueMemberN{Value: strconv.FormatInt(d.now().Unix(), 10)},
		},
	})
	if err != nil {
		var conditionFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			return store.ValueNotMatchedError{Key: key}
		}
		return handleClientError(err)
	}
	return nil
}

func (d *executor) executeGetOrDelete(ctx context.Context, key store.Key, delete bool) (map[string]types.AttributeValue, error) {
	attributeKey := map[string]types.AttributeValue{
		bucketAttributeKey: &types.AttributeValueMemberS{Value: key.Bucket},
		idAttributeKey:     &types.AttributeValueMemberS{Value: key.ID},
	}
	if delete {
		deleteOutput, err := d.c.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName:    aws.String(d.tableName),
			Key:          attributeKey,
			ReturnValues: types.ReturnValueAllOld,
		})
		if err != nil {
			return nil, err
		}
		return deleteOutput.Attributes, nil
	}
	getOutput, err := d.c.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.tableName),
		Key:       attributeKey,
	})
	if err != nil {
		return nil, err
	}
	return getOutput.Item, nil
}

func (d *executor) getOrDelete(ctx context.Context, key store.Key, delete bool) (store.Item, error) {
	attributes, err := d.executeGetOrDelete(ctx, key, delete)
	if err != nil {
		return store.Item{}, handleClientError(err)
	}

	item := new(storableItem)
	err = attributevalue.UnmarshalMap(attributes, item)
	if err != nil {
		return store.Item{}, err
	}

	if itemNotFound(item) {
		return store.Item{}, store.KeyNotFoundError{Key: key}
	}

	result := store.Item{Data: item.Data}
	if item.Expires != nil {
		remainingTTLSeconds := int64(time.Unix(*item.Expires, 0).Sub(d.now()).Seconds())
		if remainingTTLSeconds < 1 {
			return store.Item{}, store.KeyNotFoundError{Key: key}
		}
		result.TTL = &remainingTTLSeconds
	}
	return result, nil
}

func (d *executor) Get(ctx context.Context, key store.Key) (store.Item, error) {
	return d.getOrDelete(ctx, key, false)
}

func (d *executor) Delete(ctx context.Context, key store.Key) (store.Item, error) {
	return d.getOrDelete(ctx, key, true)
}

func itemNotFound(item *storableItem) bool {
	return item.Bucket == "" || item.ID == ""
}
