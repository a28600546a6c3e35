package repository

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"onboarding-agent/internal/domain"
)

type fakeDynamo struct {
	getOut       *dynamodb.GetItemOutput
	getErr       error
	putErr       error
	queryOut     *dynamodb.QueryOutput
	queryErr     error
	txErr        error
	lastGetInput *dynamodb.GetItemInput
	lastPutInput *dynamodb.PutItemInput
	lastQueryIn  *dynamodb.QueryInput
	lastTxInput  *dynamodb.TransactWriteItemsInput
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.lastGetInput = in
	return f.getOut, f.getErr
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.lastPutInput = in
	return &dynamodb.PutItemOutput{}, f.putErr
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.lastQueryIn = in
	return f.queryOut, f.queryErr
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.lastTxInput = in
	return &dynamodb.TransactWriteItemsOutput{}, f.txErr
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func makeMessageItem(sk, role, text string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: "CONV#abc"},
		"SK":             &types.AttributeValueMemberS{Value: sk},
		"conversationId": &types.AttributeValueMemberS{Value: "abc"},
		"role":           &types.AttributeValueMemberS{Value: role},
		"text":           &types.AttributeValueMemberS{Value: text},
		"createdAt":      &types.AttributeValueMemberS{Value: testNow.Format(time.RFC3339Nano)},
	}
}

func mustNewStore(t *testing.T, db *fakeDynamo) *DynamoStore {
	t.Helper()
	s, err := NewDynamoStore(db, "test-table")
	require.NoError(t, err)
	s.now = func() time.Time { return testNow }
	return s
}

func sampleProfile() domain.ConversationProfile {
	done := testNow
	return domain.ConversationProfile{
		ConversationID: "abc",
		Step:           domain.StepCompleted,
		Language:       "en",
		Name:           "Ana",
		Email:          "ana@example.com",
		Roles:          []string{"Founder"},
		IsConfirmed:    true,
		CompletedAt:    &done,
		RecentEvents:   []string{"evt-1"},
		UpdatedAt:      testNow,
	}
}

func txPut(t *testing.T, in *dynamodb.TransactWriteItemsInput, pk, sk string) *types.Put {
	t.Helper()
	for _, it := range in.TransactItems {
		if it.Put == nil {
			continue
		}
		gotPK := it.Put.Item["PK"].(*types.AttributeValueMemberS).Value
		gotSK := it.Put.Item["SK"].(*types.AttributeValueMemberS).Value
		if gotPK == pk && (sk == "" || gotSK == sk) {
			return it.Put
		}
	}
	return nil
}

func TestNewDynamoStore_Validation(t *testing.T) {
	_, err := NewDynamoStore(nil, "test-table")
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be nil")

	_, err = NewDynamoStore(&fakeDynamo{}, " ")
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be empty")
}

func TestGetProfile_RoundTripsThroughItem(t *testing.T) {
	p := sampleProfile()
	item, err := profileItem(p)
	require.NoError(t, err)
	require.Equal(t, "COMPLETED", item["step"].(*types.AttributeValueMemberS).Value)

	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: item}}
	s := mustNewStore(t, db)
	got, found, err := s.GetProfile(context.Background(), "abc")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, p.Name, got.Name)
	require.Equal(t, p.Roles, got.Roles)
	require.True(t, got.Completed())
	require.True(t, *db.lastGetInput.ConsistentRead)
	require.Equal(t, "CONV#abc", db.lastGetInput.Key["PK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, skProfile, db.lastGetInput.Key["SK"].(*types.AttributeValueMemberS).Value)
}

func TestGetProfile_Missing(t *testing.T) {
	s := mustNewStore(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{}})
	_, found, err := s.GetProfile(context.Background(), "abc")
	require.NoError(t, err)
	require.False(t, found)
}

func TestGetProfile_Errors(t *testing.T) {
	s := mustNewStore(t, &fakeDynamo{getErr: errors.New("boom")})
	_, _, err := s.GetProfile(context.Background(), "abc")
	require.Error(t, err)
	require.Contains(t, err.Error(), "GetProfile")

	s = mustNewStore(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
		"profile": &types.AttributeValueMemberS{Value: "{not json"},
	}}})
	_, _, err = s.GetProfile(context.Background(), "abc")
	require.Error(t, err)
	require.Contains(t, err.Error(), "decode")
}

func TestSaveTurn_WritesProfileMessageAndIndexes(t *testing.T) {
	orig := newUUID
	newUUID = func() string { return "u1" }
	t.Cleanup(func() { newUUID = orig })

	db := &fakeDynamo{}
	s := mustNewStore(t, db)
	p := sampleProfile()
	p.ClaimedName = "ana-builds"

	err := s.SaveTurn(context.Background(), domain.TurnCommit{
		Profile:             p,
		Inbound:             domain.Message{ConversationID: "abc", EventID: "evt-1", Role: domain.RoleUser, Text: "yes", CreatedAt: testNow},
		Alias:               &domain.Alias{ConversationID: "abc", PrimaryID: "old"},
		ReleasedClaimedName: "ana-old",
	})
	require.NoError(t, err)
	in := db.lastTxInput
	require.Len(t, in.TransactItems, 6)

	profile := txPut(t, in, "CONV#abc", skProfile)
	require.NotNil(t, profile)
	var stored domain.ConversationProfile
	require.NoError(t, json.Unmarshal([]byte(profile.Item["profile"].(*types.AttributeValueMemberS).Value), &stored))
	require.Equal(t, "ana-builds", stored.ClaimedName)

	msg := txPut(t, in, "CONV#abc", "MSG#2026-03-01T12:00:00Z#u1")
	require.NotNil(t, msg)
	require.Equal(t, "attribute_not_exists(PK) AND attribute_not_exists(SK)", *msg.ConditionExpression)
	require.Equal(t, "evt-1", msg.Item["eventId"].(*types.AttributeValueMemberS).Value)

	contact := txPut(t, in, "CONTACT#ana@example.com", skIndex)
	require.NotNil(t, contact)
	require.Equal(t, "abc", contact.Item["conversationId"].(*types.AttributeValueMemberS).Value)

	name := txPut(t, in, "NAME#ana-builds", skIndex)
	require.NotNil(t, name)
	require.Equal(t, "attribute_not_exists(PK) OR conversationId = :id", *name.ConditionExpression)

	alias := txPut(t, in, "CONV#abc", skAlias)
	require.NotNil(t, alias)
	require.Equal(t, "old", alias.Item["primaryId"].(*types.AttributeValueMemberS).Value)

	var deleted *types.Delete
	for _, it := range in.TransactItems {
		if it.Delete != nil {
			deleted = it.Delete
		}
	}
	require.NotNil(t, deleted)
	require.Equal(t, "NAME#ana-old", deleted.Key["PK"].(*types.AttributeValueMemberS).Value)
}

func TestSaveTurn_IncompleteProfileSkipsContactIndex(t *testing.T) {
	db := &fakeDynamo{}
	s := mustNewStore(t, db)
	p := sampleProfile()
	p.Step = domain.StepConfirmation
	p.CompletedAt = nil

	err := s.SaveTurn(context.Background(), domain.TurnCommit{Profile: p, Inbound: domain.Message{ConversationID: "abc", Role: domain.RoleUser, Text: "hi"}})
	require.NoError(t, err)
	require.Len(t, db.lastTxInput.TransactItems, 2)
	require.Nil(t, txPut(t, db.lastTxInput, "CONTACT#ana@example.com", ""))
}

func TestSaveTurn_Errors(t *testing.T) {
	s := mustNewStore(t, &fakeDynamo{txErr: errors.New("transaction canceled")})
	err := s.SaveTurn(context.Background(), domain.TurnCommit{Profile: sampleProfile()})
	require.Error(t, err)
	require.Contains(t, err.Error(), "SaveTurn")

	err = s.SaveTurn(context.Background(), domain.TurnCommit{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "required")
}

func TestAppendMessage(t *testing.T) {
	db := &fakeDynamo{}
	s := mustNewStore(t, db)
	err := s.AppendMessage(context.Background(), domain.Message{ConversationID: "abc", Role: domain.RoleAssistant, Text: "Welcome!", Producer: "scripted"})
	require.NoError(t, err)
	require.Equal(t, "Welcome!", db.lastPutInput.Item["text"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "scripted", db.lastPutInput.Item["producer"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, testNow.Format(time.RFC3339Nano), db.lastPutInput.Item["createdAt"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "attribute_not_exists(PK) AND attribute_not_exists(SK)", *db.lastPutInput.ConditionExpression)

	err = s.AppendMessage(context.Background(), domain.Message{Text: "orphan"})
	require.Error(t, err)

	s = mustNewStore(t, &fakeDynamo{putErr: errors.New("ProvisionedThroughputExceededException")})
	err = s.AppendMessage(context.Background(), domain.Message{ConversationID: "abc", Role: domain.RoleUser, Text: "hi"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "AppendMessage")
}

func TestGetHistory_ReordersDescendingResultsToChronological(t *testing.T) {
	db := &fakeDynamo{
		queryOut: &dynamodb.QueryOutput{
			Items: []map[string]types.AttributeValue{
				makeMessageItem("MSG#2026-02-27T12:00:00Z#b", domain.RoleAssistant, "newer"),
				makeMessageItem("MSG#2026-02-27T11:00:00Z#a", domain.RoleUser, "older"),
			},
		},
	}
	s := mustNewStore(t, db)
	msgs, err := s.GetHistory(context.Background(), "abc", 20)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "older", msgs[0].Text)
	require.Equal(t, domain.RoleUser, msgs[0].Role)
	require.Equal(t, "newer", msgs[1].Text)
	require.Equal(t, testNow, msgs[1].CreatedAt)

	require.Equal(t, "PK = :pk AND begins_with(SK, :prefix)", *db.lastQueryIn.KeyConditionExpression)
	require.False(t, *db.lastQueryIn.ScanIndexForward)
	require.EqualValues(t, 20, *db.lastQueryIn.Limit)
}

func TestGetHistory_Errors(t *testing.T) {
	s := mustNewStore(t, &fakeDynamo{queryErr: errors.New("ResourceNotFoundException")})
	_, err := s.GetHistory(context.Background(), "abc", 20)
	require.Error(t, err)
	require.Contains(t, err.Error(), "GetHistory")

	item := makeMessageItem("MSG#ts", domain.RoleUser, "x")
	delete(item, "text")
	s = mustNewStore(t, &fakeDynamo{queryOut: &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{item}}})
	_, err = s.GetHistory(context.Background(), "abc", 20)
	require.Error(t, err)
	require.Contains(t, err.Error(), "text")
}

func TestIndexLookups(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: indexItem(contactPK("ana@example.com"), "abc")}}
	s := mustNewStore(t, db)

	id, ok, err := s.FindByContactAddress(context.Background(), "ana@example.com")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "abc", id)
	require.Equal(t, "CONTACT#ana@example.com", db.lastGetInput.Key["PK"].(*types.AttributeValueMemberS).Value)

	_, _, err = s.FindByClaimedName(context.Background(), "ana-builds")
	require.NoError(t, err)
	require.Equal(t, "NAME#ana-builds", db.lastGetInput.Key["PK"].(*types.AttributeValueMemberS).Value)

	db.getOut = &dynamodb.GetItemOutput{}
	_, ok, err = s.FindByClaimedName(context.Background(), "nobody")
	require.NoError(t, err)
	require.False(t, ok)

	db.getErr = errors.New("throttled")
	_, _, err = s.FindByContactAddress(context.Background(), "ana@example.com")
	require.Error(t, err)
	require.Contains(t, err.Error(), "FindByContactAddress")
}

func TestMsgSK(t *testing.T) {
	orig := newUUID
	newUUID = func() string { return "id" }
	t.Cleanup(func() { newUUID = orig })

	ts := time.Date(2026, 2, 25, 10, 0, 0, 0, time.FixedZone("X", 3600))
	require.Equal(t, "MSG#2026-02-25T09:00:00Z#id", msgSK(ts))
	require.Equal(t, "CONV#my-conv", convPK("my-conv"))
}
