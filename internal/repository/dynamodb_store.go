package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"onboarding-agent/internal/domain"
)

const (
	skProfile   = "PROFILE"
	skAlias     = "ALIAS"
	skIndex     = "INDEX"
	skPrefixMsg = "MSG#"
	ttlDuration = 30 * 24 * time.Hour // 30-day TTL on transcript items
)

var newUUID = func() string {
	return uuid.NewString()
}

// dynamodbAPI is the minimal DynamoDB interface required by DynamoStore.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// DynamoStore keeps profiles, transcripts and identity indexes in a single
// DynamoDB table keyed by PK/SK.
type DynamoStore struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// NewDynamoStore creates a DynamoStore over tableName.
func NewDynamoStore(api dynamodbAPI, tableName string) (*DynamoStore, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &DynamoStore{api: api, tableName: tableName, now: time.Now}, nil
}

// convPK returns the DynamoDB partition key for a conversation.
func convPK(conversationID string) string {
	return "CONV#" + conversationID
}

func contactPK(address string) string {
	return "CONTACT#" + address
}

func namePK(name string) string {
	return "NAME#" + name
}

// msgSK orders transcript items by creation time; the suffix keeps items
// written in the same instant distinct.
func msgSK(ts time.Time) string {
	return skPrefixMsg + ts.UTC().Format(time.RFC3339Nano) + "#" + newUUID()
}

func (s *DynamoStore) ttlValue() int64 {
	return s.now().Add(ttlDuration).Unix()
}

func key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

// GetProfile reads the profile item with a consistent read.
func (s *DynamoStore) GetProfile(ctx context.Context, conversationID string) (domain.ConversationProfile, bool, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            key(convPK(conversationID), skProfile),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.ConversationProfile{}, false, fmt.Errorf("repository: GetProfile get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.ConversationProfile{}, false, nil
	}
	p, err := itemToProfile(out.Item)
	if err != nil {
		return domain.ConversationProfile{}, false, fmt.Errorf("repository: GetProfile decode: %w", err)
	}
	return p, true, nil
}

// SaveTurn writes the profile, the inbound message and the identity index
// updates in one transaction.
func (s *DynamoStore) SaveTurn(ctx context.Context, commit domain.TurnCommit) error {
	p := commit.Profile
	if p.ConversationID == "" {
		return errors.New("repository: SaveTurn: conversation id is required")
	}
	profile, err := profileItem(p)
	if err != nil {
		return fmt.Errorf("repository: SaveTurn: %w", err)
	}

	items := []types.TransactWriteItem{
		{Put: &types.Put{TableName: aws.String(s.tableName), Item: profile}},
		{Put: &types.Put{
			TableName:           aws.String(s.tableName),
			Item:                s.messageItem(commit.Inbound),
			ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
		}},
	}
	if p.Completed() && p.ContactAddress() != "" {
		items = append(items, types.TransactWriteItem{Put: &types.Put{
			TableName: aws.String(s.tableName),
			Item:      indexItem(contactPK(p.ContactAddress()), p.ConversationID),
		}})
	}
	if p.ClaimedName != "" {
		items = append(items, types.TransactWriteItem{Put: &types.Put{
			TableName:           aws.String(s.tableName),
			Item:                indexItem(namePK(p.ClaimedName), p.ConversationID),
			ConditionExpression: aws.String("attribute_not_exists(PK) OR conversationId = :id"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":id": &types.AttributeValueMemberS{Value: p.ConversationID},
			},
		}})
	}
	if released := commit.ReleasedClaimedName; released != "" && released != p.ClaimedName {
		items = append(items, types.TransactWriteItem{Delete: &types.Delete{
			TableName:           aws.String(s.tableName),
			Key:                 key(namePK(released), skIndex),
			ConditionExpression: aws.String("attribute_not_exists(PK) OR conversationId = :id"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":id": &types.AttributeValueMemberS{Value: p.ConversationID},
			},
		}})
	}
	if a := commit.Alias; a != nil {
		items = append(items, types.TransactWriteItem{Put: &types.Put{
			TableName: aws.String(s.tableName),
			Item: map[string]types.AttributeValue{
				"PK":        &types.AttributeValueMemberS{Value: convPK(a.ConversationID)},
				"SK":        &types.AttributeValueMemberS{Value: skAlias},
				"primaryId": &types.AttributeValueMemberS{Value: a.PrimaryID},
			},
		}})
	}

	if _, err := s.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items}); err != nil {
		return fmt.Errorf("repository: SaveTurn: %w", err)
	}
	return nil
}

// AppendMessage persists one transcript item.
func (s *DynamoStore) AppendMessage(ctx context.Context, m domain.Message) error {
	if m.ConversationID == "" {
		return errors.New("repository: AppendMessage: conversation id is required")
	}
	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                s.messageItem(m),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return fmt.Errorf("repository: AppendMessage: %w", err)
	}
	return nil
}

// GetHistory queries the latest MSG# items for a conversation and returns
// them in chronological order.
func (s *DynamoStore) GetHistory(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: convPK(conversationID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
		},
		// Read newest first so LIMIT favors the most recent context.
		ScanIndexForward: aws.Bool(false),
	}
	if limit > 0 {
		in.Limit = aws.Int32(int32(limit))
	}

	out, err := s.api.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("repository: GetHistory query: %w", err)
	}

	msgs := make([]domain.Message, 0, len(out.Items))
	for _, item := range out.Items {
		msg, err := itemToMessage(item)
		if err != nil {
			return nil, fmt.Errorf("repository: GetHistory unmarshal: %w", err)
		}
		msgs = append(msgs, msg)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// FindByContactAddress returns the last completed conversation registered
// under address.
func (s *DynamoStore) FindByContactAddress(ctx context.Context, address string) (string, bool, error) {
	id, ok, err := s.lookupIndex(ctx, contactPK(address))
	if err != nil {
		return "", false, fmt.Errorf("repository: FindByContactAddress: %w", err)
	}
	return id, ok, nil
}

// FindByClaimedName returns the conversation holding name.
func (s *DynamoStore) FindByClaimedName(ctx context.Context, name string) (string, bool, error) {
	id, ok, err := s.lookupIndex(ctx, namePK(name))
	if err != nil {
		return "", false, fmt.Errorf("repository: FindByClaimedName: %w", err)
	}
	return id, ok, nil
}

func (s *DynamoStore) lookupIndex(ctx context.Context, pk string) (string, bool, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            key(pk, skIndex),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return "", false, err
	}
	if out == nil || len(out.Item) == 0 {
		return "", false, nil
	}
	id, err := strAttr(out.Item, "conversationId")
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

func profileItem(p domain.ConversationProfile) (map[string]types.AttributeValue, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode profile: %w", err)
	}
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: convPK(p.ConversationID)},
		"SK":             &types.AttributeValueMemberS{Value: skProfile},
		"conversationId": &types.AttributeValueMemberS{Value: p.ConversationID},
		"step":           &types.AttributeValueMemberS{Value: string(p.CurrentStep())},
		"updatedAt":      &types.AttributeValueMemberS{Value: p.UpdatedAt.UTC().Format(time.RFC3339Nano)},
		"profile":        &types.AttributeValueMemberS{Value: string(data)},
	}, nil
}

func itemToProfile(item map[string]types.AttributeValue) (domain.ConversationProfile, error) {
	raw, err := strAttr(item, "profile")
	if err != nil {
		return domain.ConversationProfile{}, err
	}
	var p domain.ConversationProfile
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return domain.ConversationProfile{}, fmt.Errorf("repository: decode profile: %w", err)
	}
	return p, nil
}

func indexItem(pk, conversationID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: pk},
		"SK":             &types.AttributeValueMemberS{Value: skIndex},
		"conversationId": &types.AttributeValueMemberS{Value: conversationID},
	}
}

func (s *DynamoStore) messageItem(m domain.Message) map[string]types.AttributeValue {
	created := m.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: convPK(m.ConversationID)},
		"SK":             &types.AttributeValueMemberS{Value: msgSK(created)},
		"conversationId": &types.AttributeValueMemberS{Value: m.ConversationID},
		"eventId":        &types.AttributeValueMemberS{Value: m.EventID},
		"role":           &types.AttributeValueMemberS{Value: m.Role},
		"text":           &types.AttributeValueMemberS{Value: m.Text},
		"producer":       &types.AttributeValueMemberS{Value: m.Producer},
		"createdAt":      &types.AttributeValueMemberS{Value: created.UTC().Format(time.RFC3339Nano)},
		"ttl":            &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", s.ttlValue())},
	}
}

// itemToMessage converts a DynamoDB attribute map to a Message.
func itemToMessage(item map[string]types.AttributeValue) (domain.Message, error) {
	conv, err := strAttr(item, "conversationId")
	if err != nil {
		return domain.Message{}, err
	}
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.Message{}, err
	}
	text, err := strAttr(item, "text")
	if err != nil {
		return domain.Message{}, err
	}
	eventID, _ := strAttr(item, "eventId")   // allow empty
	producer, _ := strAttr(item, "producer") // allow empty
	var created time.Time
	if raw, err := strAttr(item, "createdAt"); err == nil {
		created, err = time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return domain.Message{}, fmt.Errorf("repository: parse attribute %q: %w", "createdAt", err)
		}
	}

	return domain.Message{
		ConversationID: conv,
		EventID:        eventID,
		Role:           role,
		Text:           text,
		Producer:       producer,
		CreatedAt:      created,
	}, nil
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
