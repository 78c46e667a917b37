package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"docchat/internal/domain"
)

const (
	skPrefixMsg = "MSG#"
	skMeta      = "META#"

	// sortableTime is fixed width so MSG# sort keys order lexicographically.
	sortableTime = "2006-01-02T15:04:05.000000000Z"

	maxAppendAttempts = 4
	batchWriteLimit   = 25
)

// dynamodbAPI is the minimal DynamoDB interface required by DynamoClient.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// DynamoClient stores conversations in a single DynamoDB table. Each
// conversation is one partition holding a META# item and MSG# items.
type DynamoClient struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// NewDynamo creates a DynamoDB-backed conversation store.
func NewDynamo(api dynamodbAPI, tableName string) (*DynamoClient, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &DynamoClient{api: api, tableName: tableName, now: time.Now}, nil
}

// convPK returns the DynamoDB partition key for a conversation.
func convPK(conversationID string) string {
	return "CONV#" + conversationID
}

// msgSK returns the sort key for a message created at ts.
func msgSK(ts time.Time) string {
	return skPrefixMsg + formatTime(ts)
}

func formatTime(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return ts.UTC().Format(sortableTime)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(sortableTime, s)
}

func (c *DynamoClient) metaKey(conversationID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: convPK(conversationID)},
		"SK": &types.AttributeValueMemberS{Value: skMeta},
	}
}

func (c *DynamoClient) CreateConversation(ctx context.Context, documentFilter string) (string, error) {
	id := newID()
	now := formatTime(c.now())
	item := map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: convPK(id)},
		"SK":             &types.AttributeValueMemberS{Value: skMeta},
		"conversationId": &types.AttributeValueMemberS{Value: id},
		"title":          &types.AttributeValueMemberS{Value: domain.DefaultTitle},
		"documentFilter": &types.AttributeValueMemberS{Value: documentFilter},
		"createdAt":      &types.AttributeValueMemberS{Value: now},
		"updatedAt":      &types.AttributeValueMemberS{Value: now},
		"humanTurns":     &types.AttributeValueMemberN{Value: "0"},
		"lastCreatedAt":  &types.AttributeValueMemberS{Value: ""},
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		return "", storageError("CreateConversation", err)
	}
	return id, nil
}

// AppendMessage writes the message and the conversation metadata update in
// one transaction. The metadata update is conditioned on the humanTurns and
// lastCreatedAt values read beforehand, so a concurrent writer forces a
// re-read instead of a lost title or out-of-order timestamp.
func (c *DynamoClient) AppendMessage(ctx context.Context, conversationID string, role domain.Role, content string, sources []domain.Source) (string, error) {
	if !role.Valid() {
		return "", fmt.Errorf("repository: invalid role %q", role)
	}
	var sourcesJSON string
	if len(sources) > 0 {
		raw, err := json.Marshal(sources)
		if err != nil {
			return "", fmt.Errorf("repository: encode sources: %w", err)
		}
		sourcesJSON = string(raw)
	}

	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		meta, err := c.getMeta(ctx, conversationID)
		if err != nil {
			return "", storageError("AppendMessage", err)
		}
		if meta == nil {
			return "", ErrConversationNotFound
		}

		createdAt := nextCreatedAt(c.now().UTC(), meta.lastCreatedAt)
		id := newID()
		msgItem := map[string]types.AttributeValue{
			"PK":             &types.AttributeValueMemberS{Value: convPK(conversationID)},
			"SK":             &types.AttributeValueMemberS{Value: msgSK(createdAt)},
			"messageId":      &types.AttributeValueMemberS{Value: id},
			"conversationId": &types.AttributeValueMemberS{Value: conversationID},
			"role":           &types.AttributeValueMemberS{Value: string(role)},
			"content":        &types.AttributeValueMemberS{Value: content},
			"sources":        &types.AttributeValueMemberS{Value: sourcesJSON},
			"createdAt":      &types.AttributeValueMemberS{Value: formatTime(createdAt)},
		}

		humanTurns := meta.humanTurns
		set := []string{"updatedAt = :ts", "lastCreatedAt = :ts", "humanTurns = :turns"}
		values := map[string]types.AttributeValue{
			":ts":        &types.AttributeValueMemberS{Value: formatTime(createdAt)},
			":prevTurns": &types.AttributeValueMemberN{Value: strconv.Itoa(meta.humanTurns)},
			":prevLast":  &types.AttributeValueMemberS{Value: formatTime(meta.lastCreatedAt)},
		}
		if role == domain.RoleHuman {
			humanTurns++
			if humanTurns == 1 {
				set = append(set, "title = :title")
				values[":title"] = &types.AttributeValueMemberS{Value: titleFromContent(content)}
			}
		}
		values[":turns"] = &types.AttributeValueMemberN{Value: strconv.Itoa(humanTurns)}

		_, err = c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
			TransactItems: []types.TransactWriteItem{
				{
					Put: &types.Put{
						TableName:           aws.String(c.tableName),
						Item:                msgItem,
						ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
					},
				},
				{
					Update: &types.Update{
						TableName:                 aws.String(c.tableName),
						Key:                       c.metaKey(conversationID),
						UpdateExpression:          aws.String("SET " + strings.Join(set, ", ")),
						ConditionExpression:       aws.String("humanTurns = :prevTurns AND lastCreatedAt = :prevLast"),
						ExpressionAttributeValues: values,
					},
				},
			},
		})
		if err == nil {
			return id, nil
		}
		if !isConditionalConflict(err) {
			return "", storageError("AppendMessage", err)
		}
	}
	return "", storageError("AppendMessage", errors.New("conversation modified concurrently"))
}

func isConditionalConflict(err error) bool {
	var canceled *types.TransactionCanceledException
	if !errors.As(err, &canceled) {
		return false
	}
	for _, reason := range canceled.CancellationReasons {
		if aws.ToString(reason.Code) == "ConditionalCheckFailed" {
			return true
		}
	}
	return false
}

// ListMessages returns the transcript oldest first. With limit > 0 the query
// reads newest first so the limit keeps the most recent messages, then the
// page is reversed to chronological order.
func (c *DynamoClient) ListMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: convPK(conversationID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
		},
		ScanIndexForward: aws.Bool(limit <= 0),
		ConsistentRead:   aws.Bool(true),
	}
	if limit > 0 {
		in.Limit = aws.Int32(int32(limit))
	}

	msgs := make([]domain.Message, 0)
	for {
		out, err := c.api.Query(ctx, in)
		if err != nil {
			return nil, storageError("ListMessages", fmt.Errorf("query: %w", err))
		}
		for _, item := range out.Items {
			msg, err := itemToMessage(item)
			if err != nil {
				return nil, storageError("ListMessages", fmt.Errorf("unmarshal: %w", err))
			}
			msgs = append(msgs, msg)
		}
		if limit > 0 || len(out.LastEvaluatedKey) == 0 {
			break
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}

	if limit > 0 {
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
	}
	return msgs, nil
}

func (c *DynamoClient) ListConversations(ctx context.Context, documentFilter string) ([]domain.Conversation, error) {
	filter := "SK = :meta"
	values := map[string]types.AttributeValue{
		":meta": &types.AttributeValueMemberS{Value: skMeta},
	}
	if documentFilter != "" {
		filter += " AND documentFilter = :filter"
		values[":filter"] = &types.AttributeValueMemberS{Value: documentFilter}
	}
	in := &dynamodb.ScanInput{
		TableName:                 aws.String(c.tableName),
		FilterExpression:          aws.String(filter),
		ExpressionAttributeValues: values,
	}

	convs := make([]domain.Conversation, 0)
	for {
		out, err := c.api.Scan(ctx, in)
		if err != nil {
			return nil, storageError("ListConversations", fmt.Errorf("scan: %w", err))
		}
		for _, item := range out.Items {
			meta, err := itemToMeta(item)
			if err != nil {
				return nil, storageError("ListConversations", fmt.Errorf("unmarshal: %w", err))
			}
			convs = append(convs, meta.Conversation)
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}

	sort.SliceStable(convs, func(i, j int) bool {
		if !convs[i].UpdatedAt.Equal(convs[j].UpdatedAt) {
			return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
		}
		return convs[i].ID < convs[j].ID
	})
	return convs, nil
}

// DeleteConversation batch-deletes the messages first and the META# item
// last, so a failed call leaves the conversation visible and safe to retry.
func (c *DynamoClient) DeleteConversation(ctx context.Context, conversationID string) (bool, error) {
	keys, err := c.messageKeys(ctx, conversationID)
	if err != nil {
		return false, storageError("DeleteConversation", err)
	}
	for start := 0; start < len(keys); start += batchWriteLimit {
		end := min(start+batchWriteLimit, len(keys))
		requests := make([]types.WriteRequest, 0, end-start)
		for _, key := range keys[start:end] {
			requests = append(requests, types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: key}})
		}
		if err := c.batchDelete(ctx, requests); err != nil {
			return false, storageError("DeleteConversation", err)
		}
	}

	out, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:    aws.String(c.tableName),
		Key:          c.metaKey(conversationID),
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return false, storageError("DeleteConversation", fmt.Errorf("delete meta: %w", err))
	}
	return out != nil && len(out.Attributes) > 0, nil
}

func (c *DynamoClient) messageKeys(ctx context.Context, conversationID string) ([]map[string]types.AttributeValue, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: convPK(conversationID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
		},
		ProjectionExpression: aws.String("PK, SK"),
	}
	var keys []map[string]types.AttributeValue
	for {
		out, err := c.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("query message keys: %w", err)
		}
		for _, item := range out.Items {
			keys = append(keys, map[string]types.AttributeValue{"PK": item["PK"], "SK": item["SK"]})
		}
		if len(out.LastEvaluatedKey) == 0 {
			return keys, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func (c *DynamoClient) batchDelete(ctx context.Context, requests []types.WriteRequest) error {
	pending := map[string][]types.WriteRequest{c.tableName: requests}
	for attempt := 0; attempt < maxAppendAttempts && len(pending[c.tableName]) > 0; attempt++ {
		out, err := c.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
		if err != nil {
			return fmt.Errorf("batch delete messages: %w", err)
		}
		if out == nil || len(out.UnprocessedItems) == 0 {
			return nil
		}
		pending = out.UnprocessedItems
	}
	if len(pending[c.tableName]) > 0 {
		return fmt.Errorf("batch delete messages: %d items left unprocessed", len(pending[c.tableName]))
	}
	return nil
}

func (c *DynamoClient) Exists(ctx context.Context, conversationID string) (bool, error) {
	meta, err := c.getMeta(ctx, conversationID)
	if err != nil {
		return false, storageError("Exists", err)
	}
	return meta != nil, nil
}

type conversationMeta struct {
	domain.Conversation
	humanTurns    int
	lastCreatedAt time.Time
}

func (c *DynamoClient) getMeta(ctx context.Context, conversationID string) (*conversationMeta, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            c.metaKey(conversationID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get meta: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, nil
	}
	meta, err := itemToMeta(out.Item)
	if err != nil {
		return nil, fmt.Errorf("decode meta: %w", err)
	}
	return &meta, nil
}

func itemToMeta(item map[string]types.AttributeValue) (conversationMeta, error) {
	id, err := strAttr(item, "conversationId")
	if err != nil {
		return conversationMeta{}, err
	}
	title, _ := strAttr(item, "title")
	filter, _ := strAttr(item, "documentFilter") // allow empty
	created, err := timeAttr(item, "createdAt")
	if err != nil {
		return conversationMeta{}, err
	}
	updated, err := timeAttr(item, "updatedAt")
	if err != nil {
		return conversationMeta{}, err
	}
	turns, err := intAttr(item, "humanTurns")
	if err != nil {
		return conversationMeta{}, err
	}
	last, _ := strAttr(item, "lastCreatedAt")
	lastCreatedAt, err := parseTime(last)
	if err != nil {
		return conversationMeta{}, fmt.Errorf("repository: parse attribute %q: %w", "lastCreatedAt", err)
	}
	return conversationMeta{
		Conversation: domain.Conversation{
			ID:             id,
			Title:          title,
			DocumentFilter: filter,
			CreatedAt:      created,
			UpdatedAt:      updated,
		},
		humanTurns:    turns,
		lastCreatedAt: lastCreatedAt,
	}, nil
}

// itemToMessage converts a DynamoDB attribute map to a Message.
func itemToMessage(item map[string]types.AttributeValue) (domain.Message, error) {
	id, err := strAttr(item, "messageId")
	if err != nil {
		return domain.Message{}, err
	}
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.Message{}, err
	}
	content, err := strAttr(item, "content")
	if err != nil {
		return domain.Message{}, err
	}
	created, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.Message{}, err
	}
	convID, _ := strAttr(item, "conversationId")
	msg := domain.Message{
		ID:             id,
		ConversationID: convID,
		Role:           domain.Role(role),
		Content:        content,
		CreatedAt:      created,
	}
	if raw, _ := strAttr(item, "sources"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &msg.Sources); err != nil {
			return domain.Message{}, fmt.Errorf("repository: decode sources: %w", err)
		}
	}
	return msg, nil
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

func timeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	s, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	ts, err := parseTime(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return ts, nil
}
