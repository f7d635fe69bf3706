package profile

import (
	"context"
	"fmt"
	"log"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoStore reads and writes profiles in a DynamoDB table keyed by userId.
type DynamoStore struct {
	client *dynamodb.Client
	table  string
}

// NewDynamoStore creates a store for the given table.
func NewDynamoStore(cfg aws.Config, table string) *DynamoStore {
	return &DynamoStore{
		client: dynamodb.NewFromConfig(cfg),
		table:  table,
	}
}

// FetchProfile retrieves a profile snapshot by identity. Returns ErrNotFound
// when the identity has no profile.
func (s *DynamoStore) FetchProfile(ctx context.Context, userID string) (*Profile, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"userId": &types.AttributeValueMemberS{Value: userID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("profile: get item for %s: %w", userID, err)
	}
	if len(out.Item) == 0 {
		return nil, ErrNotFound
	}

	var p Profile
	if err := attributevalue.UnmarshalMap(out.Item, &p); err != nil {
		return nil, fmt.Errorf("profile: unmarshal item for %s: %w", userID, err)
	}
	return &p, nil
}

// PutProfile upserts a profile. Used by the identity-sync webhook.
func (s *DynamoStore) PutProfile(ctx context.Context, p *Profile) error {
	item, err := attributevalue.MarshalMap(p)
	if err != nil {
		return fmt.Errorf("profile: marshal %s: %w", p.UserID, err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("profile: put item for %s: %w", p.UserID, err)
	}

	log.Printf("[profile] upserted userId=%s", p.UserID)
	return nil
}

// DeleteProfile removes a profile. Used by the identity-sync webhook when a
// user is deleted upstream.
func (s *DynamoStore) DeleteProfile(ctx context.Context, userID string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"userId": &types.AttributeValueMemberS{Value: userID},
		},
	})
	if err != nil {
		return fmt.Errorf("profile: delete item for %s: %w", userID, err)
	}
	return nil
}
