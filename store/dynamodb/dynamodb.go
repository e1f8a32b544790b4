// Package dynamodb implements stepwise.Store on top of a single DynamoDB
// table, following the single-table design the teacher codebase uses for
// its workflow-run storage: one item per entity, a GSI exposing only the
// rows a reader actually needs to scan.
package dynamodb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/stepwise/stepwise"
)

// workflowRecord is the attributevalue-tagged shape of a workflow's scalar
// fields, marshaled the way the teacher store marshals its run records —
// the key attributes (PK/SK/GSI1PK/GSI1SK/entity_type) are added to the
// resulting map separately since they are derived from the id, not stored
// fields on the record itself.
type workflowRecord struct {
	Handler   string `dynamodbav:"handler"`
	Input     string `dynamodbav:"input"`
	Status    string `dynamodbav:"status"`
	Failures  int    `dynamodbav:"failures"`
	LastError string `dynamodbav:"last_error"`
}

// Store implements stepwise.Store against DynamoDB. The partition key
// groups a workflow with its step and nap records; a sparse GSI (IndexClaimable)
// carries only non-terminal workflows, keeping Claim's query small regardless
// of how many workflows have already finished.
type Store struct {
	client    Client
	tableName string
}

// New constructs a Store against the given table.
func New(client Client, tableName string) *Store {
	return &Store{client: client, tableName: tableName}
}

func (s *Store) Insert(ctx context.Context, id, handler string, input json.RawMessage) (bool, error) {
	item, err := attributevalue.MarshalMap(workflowRecord{
		Handler: handler,
		Input:   string(input),
		Status:  string(stepwise.StatusIdle),
	})
	if err != nil {
		return false, fmt.Errorf("dynamodb: marshal workflow record: %w", err)
	}
	item[AttrPK] = &types.AttributeValueMemberS{Value: workflowPK(id)}
	item[AttrSK] = &types.AttributeValueMemberS{Value: workflowSK()}
	item[AttrEntityType] = &types.AttributeValueMemberS{Value: EntityTypeWorkflow}
	item[AttrGSI1PK] = &types.AttributeValueMemberS{Value: claimableGSI1PK}
	item[AttrGSI1SK] = &types.AttributeValueMemberS{Value: claimableGSI1SK(string(stepwise.StatusIdle), "")}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(#pk)"),
		ExpressionAttributeNames: map[string]string{
			"#pk": AttrPK,
		},
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return false, nil
		}
		return false, fmt.Errorf("dynamodb: insert: %w", err)
	}
	return true, nil
}

func (s *Store) Claim(ctx context.Context, now, timeoutAt time.Time) (string, bool, error) {
	if id, ok, err := s.tryClaimStatus(ctx, stepwise.StatusIdle, now, timeoutAt); err != nil || ok {
		return id, ok, err
	}
	for _, st := range []stepwise.Status{stepwise.StatusRunning, stepwise.StatusFailed} {
		if id, ok, err := s.tryClaimStatus(ctx, st, now, timeoutAt); err != nil || ok {
			return id, ok, err
		}
	}
	return "", false, nil
}

// tryClaimStatus queries the candidates for one status and attempts a
// conditional update on each until one succeeds or the candidates are
// exhausted. The conditional update is the actual compare-and-set: a
// candidate returned by the query may already have been claimed by another
// worker between the query and the update, in which case the condition
// fails and the next candidate is tried.
func (s *Store) tryClaimStatus(ctx context.Context, status stepwise.Status, now, timeoutAt time.Time) (string, bool, error) {
	var keyCond string
	values := map[string]types.AttributeValue{
		":pk": &types.AttributeValueMemberS{Value: claimableGSI1PK},
	}

	if status == stepwise.StatusIdle {
		keyCond = "GSI1PK = :pk AND begins_with(GSI1SK, :prefix)"
		values[":prefix"] = &types.AttributeValueMemberS{Value: string(status) + "#"}
	} else {
		keyCond = "GSI1PK = :pk AND GSI1SK BETWEEN :lo AND :hi"
		values[":lo"] = &types.AttributeValueMemberS{Value: claimableGSI1SK(string(status), "")}
		values[":hi"] = &types.AttributeValueMemberS{Value: claimableGSI1SK(string(status), now.Format(time.RFC3339Nano))}
	}

	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(s.tableName),
		IndexName:                 aws.String(IndexClaimable),
		KeyConditionExpression:    aws.String(keyCond),
		ExpressionAttributeValues: values,
		Limit:                     aws.Int32(10),
	})
	if err != nil {
		return "", false, fmt.Errorf("dynamodb: claim query: %w", err)
	}

	for _, item := range out.Items {
		pk, ok := item[AttrPK].(*types.AttributeValueMemberS)
		if !ok {
			continue
		}
		id := pk.Value[len("WF#"):]

		ok, err := s.claimOne(ctx, id, status, now, timeoutAt)
		if err != nil {
			return "", false, err
		}
		if ok {
			return id, true, nil
		}
	}
	return "", false, nil
}

func (s *Store) claimOne(ctx context.Context, id string, expectedStatus stepwise.Status, now, timeoutAt time.Time) (bool, error) {
	condition := "#status = :expected"
	values := map[string]types.AttributeValue{
		":running":  &types.AttributeValueMemberS{Value: string(stepwise.StatusRunning)},
		":expected": &types.AttributeValueMemberS{Value: string(expectedStatus)},
		":timeoutAt": &types.AttributeValueMemberS{Value: timeoutAt.Format(time.RFC3339Nano)},
		":gsi1sk":    &types.AttributeValueMemberS{Value: claimableGSI1SK(string(stepwise.StatusRunning), timeoutAt.Format(time.RFC3339Nano))},
	}
	if expectedStatus != stepwise.StatusIdle {
		// A claim leaves the status at running, so the lease expiry is what
		// tells an unclaimed candidate from one another worker just took.
		condition += " AND #timeoutAt < :now"
		values[":now"] = &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)}
	}
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			AttrPK: &types.AttributeValueMemberS{Value: workflowPK(id)},
			AttrSK: &types.AttributeValueMemberS{Value: workflowSK()},
		},
		UpdateExpression: aws.String("SET #status = :running, #timeoutAt = :timeoutAt, GSI1SK = :gsi1sk"),
		ConditionExpression: aws.String(condition),
		ExpressionAttributeNames: map[string]string{
			"#status":    "status",
			"#timeoutAt": "timeout_at",
		},
		ExpressionAttributeValues: values,
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return false, nil
		}
		return false, fmt.Errorf("dynamodb: claim update: %w", err)
	}
	return true, nil
}

func (s *Store) FindOutput(ctx context.Context, workflowID, stepID string) (json.RawMessage, bool, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			AttrPK: &types.AttributeValueMemberS{Value: stepPK(workflowID)},
			AttrSK: &types.AttributeValueMemberS{Value: stepSK(stepID)},
		},
	})
	if err != nil {
		return nil, false, fmt.Errorf("dynamodb: find output: %w", err)
	}
	if out.Item == nil {
		return nil, false, nil
	}
	val, ok := out.Item["output"].(*types.AttributeValueMemberS)
	if !ok {
		return nil, false, nil
	}
	return json.RawMessage(val.Value), true, nil
}

func (s *Store) FindWakeUpAt(ctx context.Context, workflowID, napID string) (time.Time, bool, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			AttrPK: &types.AttributeValueMemberS{Value: napPK(workflowID)},
			AttrSK: &types.AttributeValueMemberS{Value: napSK(napID)},
		},
	})
	if err != nil {
		return time.Time{}, false, fmt.Errorf("dynamodb: find wake up at: %w", err)
	}
	if out.Item == nil {
		return time.Time{}, false, nil
	}
	val, ok := out.Item["wake_up_at"].(*types.AttributeValueMemberS)
	if !ok {
		return time.Time{}, false, nil
	}
	wakeUpAt, err := time.Parse(time.RFC3339Nano, val.Value)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("dynamodb: parse wake_up_at: %w", err)
	}
	return wakeUpAt, true, nil
}

func (s *Store) FindRunData(ctx context.Context, workflowID string) (stepwise.RunData, bool, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			AttrPK: &types.AttributeValueMemberS{Value: workflowPK(workflowID)},
			AttrSK: &types.AttributeValueMemberS{Value: workflowSK()},
		},
	})
	if err != nil {
		return stepwise.RunData{}, false, fmt.Errorf("dynamodb: find run data: %w", err)
	}
	if out.Item == nil {
		return stepwise.RunData{}, false, nil
	}

	var rec workflowRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return stepwise.RunData{}, false, fmt.Errorf("dynamodb: unmarshal workflow record: %w", err)
	}

	return stepwise.RunData{Handler: rec.Handler, Input: json.RawMessage(rec.Input), Failures: rec.Failures}, true, nil
}

func (s *Store) SetAsFinished(ctx context.Context, workflowID string) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			AttrPK: &types.AttributeValueMemberS{Value: workflowPK(workflowID)},
			AttrSK: &types.AttributeValueMemberS{Value: workflowSK()},
		},
		UpdateExpression: aws.String("SET #status = :finished REMOVE GSI1PK, GSI1SK"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":finished": &types.AttributeValueMemberS{Value: string(stepwise.StatusFinished)},
		},
	})
	if err != nil {
		return fmt.Errorf("dynamodb: set as finished: %w", err)
	}
	return nil
}

func (s *Store) FindStatus(ctx context.Context, workflowID string) (stepwise.Status, bool, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			AttrPK: &types.AttributeValueMemberS{Value: workflowPK(workflowID)},
			AttrSK: &types.AttributeValueMemberS{Value: workflowSK()},
		},
	})
	if err != nil {
		return "", false, fmt.Errorf("dynamodb: find status: %w", err)
	}
	if out.Item == nil {
		return "", false, nil
	}
	status, ok := out.Item["status"].(*types.AttributeValueMemberS)
	if !ok {
		return "", false, nil
	}
	return stepwise.Status(status.Value), true, nil
}

func (s *Store) UpdateStatus(ctx context.Context, workflowID string, status stepwise.Status, timeoutAt time.Time, failures int, lastError string) error {
	// Terminal statuses (aborted here; finished goes through SetAsFinished)
	// drop out of the claimable index the same way SetAsFinished does.
	updateExpr := "SET #status = :status, #timeoutAt = :timeoutAt, failures = :failures, last_error = :lastError"
	values := map[string]types.AttributeValue{
		":status":    &types.AttributeValueMemberS{Value: string(status)},
		":timeoutAt": &types.AttributeValueMemberS{Value: timeoutAt.Format(time.RFC3339Nano)},
		":failures":  &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", failures)},
		":lastError": &types.AttributeValueMemberS{Value: lastError},
	}
	if status.Terminal() {
		updateExpr += " REMOVE GSI1PK, GSI1SK"
	} else {
		updateExpr += ", GSI1PK = :gsi1pk, GSI1SK = :gsi1sk"
		values[":gsi1pk"] = &types.AttributeValueMemberS{Value: claimableGSI1PK}
		values[":gsi1sk"] = &types.AttributeValueMemberS{Value: claimableGSI1SK(string(status), timeoutAt.Format(time.RFC3339Nano))}
	}

	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			AttrPK: &types.AttributeValueMemberS{Value: workflowPK(workflowID)},
			AttrSK: &types.AttributeValueMemberS{Value: workflowSK()},
		},
		UpdateExpression:          aws.String(updateExpr),
		ExpressionAttributeNames:  map[string]string{"#status": "status", "#timeoutAt": "timeout_at"},
		ExpressionAttributeValues: values,
	})
	if err != nil {
		return fmt.Errorf("dynamodb: update status: %w", err)
	}
	return nil
}

func (s *Store) UpdateOutput(ctx context.Context, workflowID, stepID string, output json.RawMessage, timeoutAt time.Time) error {
	item := map[string]types.AttributeValue{
		AttrPK:         &types.AttributeValueMemberS{Value: stepPK(workflowID)},
		AttrSK:         &types.AttributeValueMemberS{Value: stepSK(stepID)},
		AttrEntityType: &types.AttributeValueMemberS{Value: EntityTypeStep},
		"output":       &types.AttributeValueMemberS{Value: string(output)},
	}
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(#pk)"),
		ExpressionAttributeNames: map[string]string{
			"#pk": AttrPK,
		},
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			// Per the at-most-once step invariant, a record already exists:
			// treat as success, matching the memory/sql backends.
			return s.touchTimeout(ctx, workflowID, timeoutAt)
		}
		return fmt.Errorf("dynamodb: update output: %w", err)
	}
	return s.touchTimeout(ctx, workflowID, timeoutAt)
}

func (s *Store) UpdateWakeUpAt(ctx context.Context, workflowID, napID string, wakeUpAt, timeoutAt time.Time) error {
	item := map[string]types.AttributeValue{
		AttrPK:         &types.AttributeValueMemberS{Value: napPK(workflowID)},
		AttrSK:         &types.AttributeValueMemberS{Value: napSK(napID)},
		AttrEntityType: &types.AttributeValueMemberS{Value: EntityTypeNap},
		"wake_up_at":   &types.AttributeValueMemberS{Value: wakeUpAt.Format(time.RFC3339Nano)},
	}
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(#pk)"),
		ExpressionAttributeNames: map[string]string{
			"#pk": AttrPK,
		},
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return s.touchTimeout(ctx, workflowID, timeoutAt)
		}
		return fmt.Errorf("dynamodb: update wake up at: %w", err)
	}
	return s.touchTimeout(ctx, workflowID, timeoutAt)
}

// touchTimeout pushes the workflow's lease forward without touching status
// or failures, the lease-renewal half of a step/nap write.
func (s *Store) touchTimeout(ctx context.Context, workflowID string, timeoutAt time.Time) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			AttrPK: &types.AttributeValueMemberS{Value: workflowPK(workflowID)},
			AttrSK: &types.AttributeValueMemberS{Value: workflowSK()},
		},
		UpdateExpression: aws.String("SET #timeoutAt = :timeoutAt, GSI1SK = :gsi1sk"),
		ExpressionAttributeNames: map[string]string{
			"#timeoutAt": "timeout_at",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":timeoutAt": &types.AttributeValueMemberS{Value: timeoutAt.Format(time.RFC3339Nano)},
			":gsi1sk":    &types.AttributeValueMemberS{Value: claimableGSI1SK(string(stepwise.StatusRunning), timeoutAt.Format(time.RFC3339Nano))},
		},
	})
	if err != nil {
		return fmt.Errorf("dynamodb: touch timeout: %w", err)
	}
	return nil
}

var _ stepwise.Store = (*Store)(nil)
