// Package store persists drafts in DynamoDB using the single-table design
// defined in DDR-073: one item per draft, optimistic concurrency via a
// conditional write on the revision attribute.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog/log"

	"github.com/fpang/ad-video-studio/internal/draft"
)

// DynamoDB key constants.
const (
	pkPrefix = "DRAFT#"
	skMeta   = "META"
)

// DraftTTL is how long an untouched draft survives. Every save refreshes
// the expiry, so only abandoned drafts age out.
const DraftTTL = 30 * 24 * time.Hour

// DynamoStore implements draft.Store using AWS DynamoDB.
type DynamoStore struct {
	client    *dynamodb.Client
	tableName string
}

// Compile-time interface check.
var _ draft.Store = (*DynamoStore)(nil)

// NewDynamoStore creates a DynamoStore for the given table.
// The client should be initialized from the shared AWS config.
func NewDynamoStore(client *dynamodb.Client, tableName string) *DynamoStore {
	return &DynamoStore{
		client:    client,
		tableName: tableName,
	}
}

// draftPK returns the partition key for a draft.
func draftPK(draftID string) string {
	return pkPrefix + draftID
}

// expiresAt returns the Unix epoch timestamp for record expiration.
func expiresAt() int64 {
	return time.Now().Add(DraftTTL).Unix()
}

func (s *DynamoStore) Load(ctx context.Context, draftID string) (*draft.Draft, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: draftPK(draftID)},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
		// Readers racing the conditional save must see the revision they
		// will CAS against, not an eventually consistent echo.
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get draft %s: %w", draftID, err)
	}
	if result.Item == nil {
		return nil, nil
	}

	var d draft.Draft
	if err := attributevalue.UnmarshalMap(result.Item, &d); err != nil {
		return nil, fmt.Errorf("unmarshal draft %s: %w", draftID, err)
	}

	d.ID = draftID
	return &d, nil
}

// Save writes the draft if and only if the stored revision still equals
// d.Revision (or no item exists yet). On success the draft's revision is
// advanced to the persisted value.
func (s *DynamoStore) Save(ctx context.Context, d *draft.Draft) error {
	item, err := attributevalue.MarshalMap(d)
	if err != nil {
		return fmt.Errorf("marshal draft %s: %w", d.ID, err)
	}

	next := d.Revision + 1
	item["PK"] = &types.AttributeValueMemberS{Value: draftPK(d.ID)}
	item["SK"] = &types.AttributeValueMemberS{Value: skMeta}
	item["revision"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(next, 10)}
	item["expiresAt"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(expiresAt(), 10)}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK) OR revision = :rev"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":rev": &types.AttributeValueMemberN{Value: strconv.FormatInt(d.Revision, 10)},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return fmt.Errorf("save draft %s at revision %d: %w", d.ID, d.Revision, draft.ErrConflict)
		}
		return fmt.Errorf("save draft %s: %w", d.ID, err)
	}

	d.Revision = next
	log.Debug().Str("draftId", d.ID).Str("phase", string(d.Phase)).Int64("revision", next).Msg("Draft persisted to DynamoDB")
	return nil
}

func (s *DynamoStore) Delete(ctx context.Context, draftID string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: draftPK(draftID)},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
	})
	if err != nil {
		return fmt.Errorf("delete draft %s: %w", draftID, err)
	}

	log.Debug().Str("draftId", draftID).Msg("Draft deleted from DynamoDB")
	return nil
}
