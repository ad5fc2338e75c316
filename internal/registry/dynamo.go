package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"vectorflow/internal/pipeline"
)

const (
	dynamoPartitionKey = "pipeline"
	dynamoSortKey      = "content_item_canonical_id"
	defaultAWSRegion   = "us-east-1"
)

// DynamoOptions configures NewDynamo. Endpoint overrides the service URL for
// local DynamoDB instances.
type DynamoOptions struct {
	Table    string
	Region   string
	Endpoint string
}

// DynamoAPI is the subset of the DynamoDB client the registry uses.
type DynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DynamoStore keeps entries in a DynamoDB table with partition key pipeline
// and sort key content_item_canonical_id.
type DynamoStore struct {
	db    DynamoAPI
	table string
}

type dynamoItem struct {
	Pipeline          string `dynamodbav:"pipeline"`
	CanonicalID       string `dynamodbav:"content_item_canonical_id"`
	LastContentAction string `dynamodbav:"last_content_action"`
	LastModifiedAt    string `dynamodbav:"last_modified_at"`
}

// NewDynamo builds a store from the default AWS credential chain.
func NewDynamo(ctx context.Context, opts DynamoOptions) (*DynamoStore, error) {
	if strings.TrimSpace(opts.Table) == "" {
		return nil, fmt.Errorf("registry: dynamo table is required")
	}
	region := strings.TrimSpace(opts.Region)
	if region == "" {
		region = defaultAWSRegion
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("registry: load aws config: %w", err)
	}
	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})
	return NewDynamoWithClient(client, opts.Table), nil
}

// NewDynamoWithClient wraps an existing client.
func NewDynamoWithClient(client DynamoAPI, table string) *DynamoStore {
	return &DynamoStore{db: client, table: table}
}

func (s *DynamoStore) GetEntry(ctx context.Context, pipelineName, canonicalID string) (*pipeline.RegistryEntry, error) {
	if err := validateKey(pipelineName, canonicalID); err != nil {
		return nil, err
	}
	out, err := s.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			dynamoPartitionKey: &types.AttributeValueMemberS{Value: pipelineName},
			dynamoSortKey:      &types.AttributeValueMemberS{Value: canonicalID},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("registry: dynamo get %s/%s: %w", pipelineName, canonicalID, err)
	}
	if out.Item == nil {
		return nil, nil
	}
	var item dynamoItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("registry: decode dynamo item: %w", err)
	}
	entry, err := item.entry()
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *DynamoStore) Upsert(ctx context.Context, pipelineName string, entry pipeline.RegistryEntry) error {
	if err := validateKey(pipelineName, entry.CanonicalID); err != nil {
		return err
	}
	av, err := attributevalue.MarshalMap(dynamoItem{
		Pipeline:          pipelineName,
		CanonicalID:       entry.CanonicalID,
		LastContentAction: entry.LastContentAction,
		LastModifiedAt:    formatEntryTime(entry),
	})
	if err != nil {
		return fmt.Errorf("registry: encode dynamo item: %w", err)
	}
	if _, err := s.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      av,
	}); err != nil {
		return fmt.Errorf("registry: dynamo put %s/%s: %w", pipelineName, entry.CanonicalID, err)
	}
	return nil
}

func (s *DynamoStore) Entries(ctx context.Context, pipelineName string) ([]pipeline.RegistryEntry, error) {
	var (
		out  []pipeline.RegistryEntry
		last map[string]types.AttributeValue
	)
	for {
		resp, err := s.db.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.table),
			KeyConditionExpression: aws.String("#p = :p"),
			ExpressionAttributeNames: map[string]string{
				"#p": dynamoPartitionKey,
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":p": &types.AttributeValueMemberS{Value: pipelineName},
			},
			ExclusiveStartKey: last,
		})
		if err != nil {
			return nil, fmt.Errorf("registry: dynamo query %s: %w", pipelineName, err)
		}
		var items []dynamoItem
		if err := attributevalue.UnmarshalListOfMaps(resp.Items, &items); err != nil {
			return nil, fmt.Errorf("registry: decode dynamo items: %w", err)
		}
		for _, item := range items {
			entry, err := item.entry()
			if err != nil {
				return nil, err
			}
			out = append(out, entry)
		}
		if len(resp.LastEvaluatedKey) == 0 {
			break
		}
		last = resp.LastEvaluatedKey
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CanonicalID < out[j].CanonicalID })
	return out, nil
}

func (s *DynamoStore) Close() error { return nil }

func (i dynamoItem) entry() (pipeline.RegistryEntry, error) {
	entry := pipeline.RegistryEntry{CanonicalID: i.CanonicalID, LastContentAction: i.LastContentAction}
	if i.LastModifiedAt == "" {
		return entry, nil
	}
	ts, err := time.Parse(time.RFC3339Nano, i.LastModifiedAt)
	if err != nil {
		return entry, fmt.Errorf("registry: parse last_modified_at for %s: %w", i.CanonicalID, err)
	}
	entry.LastModifiedAt = ts
	return entry, nil
}

func formatEntryTime(entry pipeline.RegistryEntry) string {
	if entry.LastModifiedAt.IsZero() {
		return ""
	}
	return entry.LastModifiedAt.UTC().Format(time.RFC3339Nano)
}
