package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/sicko7947/placeflow"
	"github.com/sicko7947/placeflow/ordering"
)

// DynamoDBStore implements placeflow.InstanceStore using AWS DynamoDB.
//
// An instance and its documents share a partition. Save writes them in one
// transaction guarded by a condition on the stored revision, so an instance
// may carry at most maxTransactItems-1 documents. Listings return instances
// without their documents; Load returns the full instance.
type DynamoDBStore struct {
	client    DynamoDBClient
	tableName string
}

// Verify interface compliance
var _ placeflow.InstanceStore = (*DynamoDBStore)(nil)

// NewDynamoDBStore creates a new DynamoDB-backed instance store
func NewDynamoDBStore(client DynamoDBClient, tableName string) *DynamoDBStore {
	return &DynamoDBStore{
		client:    client,
		tableName: tableName,
	}
}

// Instance operations

func (s *DynamoDBStore) Load(ctx context.Context, id string) (*placeflow.WorkflowInstance, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            s.instanceKey(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow instance: %w", err)
	}

	if result.Item == nil {
		return nil, fmt.Errorf("instance %s: %w", id, placeflow.ErrInstanceNotFound)
	}

	var inst placeflow.WorkflowInstance
	if err := attributevalue.UnmarshalMap(result.Item, &inst); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow instance: %w", err)
	}

	items, err := s.queryAll(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :sk)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: instancePK(id)},
			":sk": &types.AttributeValueMemberS{Value: documentPrefix()},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load documents: %w", err)
	}

	docs, err := unmarshalDocuments(items)
	if err != nil {
		return nil, err
	}
	sortDocuments(docs)
	inst.Documents = docs

	return &inst, nil
}

func (s *DynamoDBStore) Save(ctx context.Context, inst *placeflow.WorkflowInstance) error {
	if len(inst.Documents)+1 > maxTransactItems {
		return fmt.Errorf("instance %s has %d documents; at most %d can be saved atomically",
			inst.ID, len(inst.Documents), maxTransactItems-1)
	}

	item, err := s.instanceItem(inst, inst.Revision+1)
	if err != nil {
		return err
	}

	put := &types.Put{
		TableName: aws.String(s.tableName),
		Item:      item,
	}
	if inst.Revision == 0 {
		put.ConditionExpression = aws.String("attribute_not_exists(PK)")
	} else {
		put.ConditionExpression = aws.String("#rev = :rev")
		put.ExpressionAttributeNames = map[string]string{"#rev": AttrRevision}
		put.ExpressionAttributeValues = map[string]types.AttributeValue{
			":rev": &types.AttributeValueMemberN{Value: strconv.FormatInt(inst.Revision, 10)},
		}
	}

	transactItems := []types.TransactWriteItem{{Put: put}}
	for _, doc := range inst.Documents {
		docItem, err := documentItem(inst.ID, doc)
		if err != nil {
			return err
		}
		transactItems = append(transactItems, types.TransactWriteItem{
			Put: &types.Put{
				TableName: aws.String(s.tableName),
				Item:      docItem,
			},
		})
	}

	// Use transaction for atomic update
	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: transactItems,
	})
	if err != nil {
		var canceled *types.TransactionCanceledException
		if errors.As(err, &canceled) && conditionFailed(canceled) {
			return placeflow.NewStateConflictError(inst.ID, inst.Revision, s.storedRevision(ctx, inst.ID))
		}
		return fmt.Errorf("failed to save workflow instance: %w", err)
	}

	inst.Revision++
	return nil
}

func (s *DynamoDBStore) ListInstances(ctx context.Context, filter placeflow.InstanceFilter) ([]*placeflow.WorkflowInstance, error) {
	var (
		items []map[string]types.AttributeValue
		err   error
	)

	switch {
	case filter.ProjectID != "":
		// Query GSI1 by project
		items, err = s.queryAll(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.tableName),
			IndexName:              aws.String(IndexProjectIndex),
			KeyConditionExpression: aws.String("GSI1PK = :pk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: projectInstancesGSI1PK(filter.ProjectID)},
			},
		})
	case filter.ParentID != "":
		// Query GSI2 by parent
		items, err = s.queryAll(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.tableName),
			IndexName:              aws.String(IndexRelationIndex),
			KeyConditionExpression: aws.String("GSI2PK = :pk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: parentGSI2PK(filter.ParentID)},
			},
		})
	default:
		items, err = s.scanAll(ctx, &dynamodb.ScanInput{
			TableName:        aws.String(s.tableName),
			FilterExpression: aws.String("#et = :et"),
			ExpressionAttributeNames: map[string]string{
				"#et": AttrEntityType,
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":et": &types.AttributeValueMemberS{Value: EntityTypeInstance},
			},
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow instances: %w", err)
	}

	var insts []*placeflow.WorkflowInstance
	for _, item := range items {
		var inst placeflow.WorkflowInstance
		if err := attributevalue.UnmarshalMap(item, &inst); err != nil {
			return nil, fmt.Errorf("failed to unmarshal workflow instance: %w", err)
		}
		if filter.Matches(&inst) {
			insts = append(insts, &inst)
		}
	}

	sortInstances(insts)
	return applyLimit(insts, filter.Limit), nil
}

// AllocateRoot increments a single table-wide counter, so global documents
// of different projects stay comparable
func (s *DynamoDBStore) AllocateRoot(ctx context.Context, projectID string) (ordering.Index, error) {
	result, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			AttrPK: &types.AttributeValueMemberS{Value: rootCounterPK()},
			AttrSK: &types.AttributeValueMemberS{Value: instanceSK()},
		},
		UpdateExpression: aws.String("SET #et = :et ADD #next :one"),
		ExpressionAttributeNames: map[string]string{
			"#et":   AttrEntityType,
			"#next": AttrNextRoot,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":et":  &types.AttributeValueMemberS{Value: EntityTypeCounter},
			":one": &types.AttributeValueMemberN{Value: "1"},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to allocate root index: %w", err)
	}

	attr, ok := result.Attributes[AttrNextRoot]
	if !ok {
		return nil, fmt.Errorf("root counter update returned no value")
	}

	var next int
	if err := attributevalue.Unmarshal(attr, &next); err != nil {
		return nil, fmt.Errorf("failed to unmarshal root counter: %w", err)
	}
	return ordering.Root(next), nil
}

// Delete removes the instance item and every document in its partition
func (s *DynamoDBStore) Delete(ctx context.Context, id string) error {
	items, err := s.queryAll(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: instancePK(id)},
		},
		ProjectionExpression: aws.String("PK, SK"),
		ConsistentRead:       aws.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("failed to list instance items: %w", err)
	}
	if len(items) == 0 {
		return fmt.Errorf("instance %s: %w", id, placeflow.ErrInstanceNotFound)
	}

	for _, item := range items {
		_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(s.tableName),
			Key: map[string]types.AttributeValue{
				AttrPK: item[AttrPK],
				AttrSK: item[AttrSK],
			},
		})
		if err != nil {
			return fmt.Errorf("failed to delete instance item: %w", err)
		}
	}

	return nil
}

// Document operations

func (s *DynamoDBStore) QueryDocuments(ctx context.Context, criteria placeflow.DocumentCriteria, scope placeflow.OrderingScope) ([]placeflow.DocumentVersion, error) {
	items, err := s.queryAll(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		IndexName:              aws.String(IndexProjectIndex),
		KeyConditionExpression: aws.String("GSI1PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: projectDocumentsGSI1PK(criteria.ProjectID)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}

	if criteria.IncludeGlobal {
		global, err := s.queryAll(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.tableName),
			IndexName:              aws.String(IndexRelationIndex),
			KeyConditionExpression: aws.String("GSI2PK = :pk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: globalDocumentsGSI2PK()},
			},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to query global documents: %w", err)
		}
		items = append(items, global...)
	}

	docs, err := unmarshalDocuments(items)
	if err != nil {
		return nil, err
	}

	// A global document of the same project is returned by both indexes
	seen := make(map[string]bool, len(docs))
	unique := docs[:0]
	for _, d := range docs {
		if !seen[d.ID] {
			seen[d.ID] = true
			unique = append(unique, d)
		}
	}

	return filterDocuments(unique, criteria, scope), nil
}

// Item helpers

func (s *DynamoDBStore) instanceKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		AttrPK: &types.AttributeValueMemberS{Value: instancePK(id)},
		AttrSK: &types.AttributeValueMemberS{Value: instanceSK()},
	}
}

func (s *DynamoDBStore) instanceItem(inst *placeflow.WorkflowInstance, revision int64) (map[string]types.AttributeValue, error) {
	c := *inst
	c.Revision = revision

	// Documents are tagged out and stored as their own items
	item, err := attributevalue.MarshalMap(&c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal workflow instance: %w", err)
	}

	// Add keys
	item[AttrPK] = &types.AttributeValueMemberS{Value: instancePK(inst.ID)}
	item[AttrSK] = &types.AttributeValueMemberS{Value: instanceSK()}
	item[AttrEntityType] = &types.AttributeValueMemberS{Value: EntityTypeInstance}

	// Add GSI keys
	item[AttrGSI1PK] = &types.AttributeValueMemberS{Value: projectInstancesGSI1PK(inst.ProjectID)}
	item[AttrGSI1SK] = &types.AttributeValueMemberS{Value: createdGSI1SK(inst.CreatedAt, inst.ID)}

	if inst.ParentID != "" {
		item[AttrGSI2PK] = &types.AttributeValueMemberS{Value: parentGSI2PK(inst.ParentID)}
		item[AttrGSI2SK] = &types.AttributeValueMemberS{Value: createdGSI1SK(inst.CreatedAt, inst.ID)}
	}

	return item, nil
}

func documentItem(instanceID string, doc placeflow.DocumentVersion) (map[string]types.AttributeValue, error) {
	item, err := attributevalue.MarshalMap(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document %s: %w", doc.ID, err)
	}

	// Add keys
	item[AttrPK] = &types.AttributeValueMemberS{Value: instancePK(instanceID)}
	item[AttrSK] = &types.AttributeValueMemberS{Value: documentSK(doc.ID)}
	item[AttrEntityType] = &types.AttributeValueMemberS{Value: EntityTypeDocument}

	// Add GSI keys
	item[AttrGSI1PK] = &types.AttributeValueMemberS{Value: projectDocumentsGSI1PK(doc.ProjectID)}
	item[AttrGSI1SK] = &types.AttributeValueMemberS{Value: documentGSI1SK(doc)}

	if doc.Scope == placeflow.ScopeGlobal {
		item[AttrGSI2PK] = &types.AttributeValueMemberS{Value: globalDocumentsGSI2PK()}
		item[AttrGSI2SK] = &types.AttributeValueMemberS{Value: documentGSI1SK(doc)}
	}

	return item, nil
}

func unmarshalDocuments(items []map[string]types.AttributeValue) ([]placeflow.DocumentVersion, error) {
	docs := make([]placeflow.DocumentVersion, 0, len(items))
	for _, item := range items {
		var doc placeflow.DocumentVersion
		if err := attributevalue.UnmarshalMap(item, &doc); err != nil {
			return nil, fmt.Errorf("failed to unmarshal document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// storedRevision reports the persisted revision for conflict details; 0 when
// the instance is missing or cannot be read
func (s *DynamoDBStore) storedRevision(ctx context.Context, id string) int64 {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:                aws.String(s.tableName),
		Key:                      s.instanceKey(id),
		ProjectionExpression:     aws.String("#rev"),
		ExpressionAttributeNames: map[string]string{"#rev": AttrRevision},
		ConsistentRead:           aws.Bool(true),
	})
	if err != nil || result.Item == nil {
		return 0
	}

	var stored struct {
		Revision int64 `dynamodbav:"revision"`
	}
	if err := attributevalue.UnmarshalMap(result.Item, &stored); err != nil {
		return 0
	}
	return stored.Revision
}

func conditionFailed(err *types.TransactionCanceledException) bool {
	for _, reason := range err.CancellationReasons {
		if aws.ToString(reason.Code) == "ConditionalCheckFailed" {
			return true
		}
	}
	return false
}

// queryAll paginates through all results
func (s *DynamoDBStore) queryAll(ctx context.Context, input *dynamodb.QueryInput) ([]map[string]types.AttributeValue, error) {
	var items []map[string]types.AttributeValue
	var lastEvaluatedKey map[string]types.AttributeValue

	for {
		if lastEvaluatedKey != nil {
			input.ExclusiveStartKey = lastEvaluatedKey
		}

		result, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, err
		}
		items = append(items, result.Items...)

		// Check if there are more results
		if result.LastEvaluatedKey == nil {
			break
		}
		lastEvaluatedKey = result.LastEvaluatedKey
	}

	return items, nil
}

// scanAll paginates through all results
func (s *DynamoDBStore) scanAll(ctx context.Context, input *dynamodb.ScanInput) ([]map[string]types.AttributeValue, error) {
	var items []map[string]types.AttributeValue
	var lastEvaluatedKey map[string]types.AttributeValue

	for {
		if lastEvaluatedKey != nil {
			input.ExclusiveStartKey = lastEvaluatedKey
		}

		result, err := s.client.Scan(ctx, input)
		if err != nil {
			return nil, err
		}
		items = append(items, result.Items...)

		if result.LastEvaluatedKey == nil {
			break
		}
		lastEvaluatedKey = result.LastEvaluatedKey
	}

	return items, nil
}
