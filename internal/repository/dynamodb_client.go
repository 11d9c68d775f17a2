package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"socratic-tutor/internal/domain"
)

const skSession = "SESSION#"

// dynamodbAPI is the minimal DynamoDB interface required by DynamoStore.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DynamoStore keeps one item per session in a single table. The "ttl"
// attribute mirrors ExpiresAt so DynamoDB's native TTL reaps idle sessions.
type DynamoStore struct {
	api       dynamodbAPI
	tableName string
}

// NewDynamoStore creates a DynamoDB-backed SessionRepository.
func NewDynamoStore(api dynamodbAPI, tableName string) (*DynamoStore, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &DynamoStore{api: api, tableName: tableName}, nil
}

// sessionPK returns the partition key for a session.
func sessionPK(sessionID string) string {
	return "TUTOR#" + sessionID
}

func sessionKey(sessionID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
		"SK": &types.AttributeValueMemberS{Value: skSession},
	}
}

// GetSession reads the session item with a consistent read.
func (c *DynamoStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            sessionKey(sessionID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: GetSession get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, nil
	}
	session, err := itemToSession(out.Item)
	if err != nil {
		return nil, fmt.Errorf("repository: GetSession decode: %w", err)
	}
	return session, nil
}

// PutSession writes or replaces the session item. Concurrent writers for the
// same session are last-writer-wins.
func (c *DynamoStore) PutSession(ctx context.Context, session *domain.Session) error {
	if session == nil || strings.TrimSpace(session.ID) == "" {
		return errors.New("repository: PutSession: session id is required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      sessionItem(session),
	})
	if err != nil {
		return fmt.Errorf("repository: PutSession: %w", err)
	}
	return nil
}

// DeleteSession removes the session item. Deleting a missing item is not an error.
func (c *DynamoStore) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.tableName),
		Key:       sessionKey(sessionID),
	})
	if err != nil {
		return fmt.Errorf("repository: DeleteSession: %w", err)
	}
	return nil
}

func sessionItem(s *domain.Session) map[string]types.AttributeValue {
	messages := make([]types.AttributeValue, 0, len(s.Messages))
	for _, m := range s.Messages {
		messages = append(messages, &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
			"role":    &types.AttributeValueMemberS{Value: string(m.Role)},
			"content": &types.AttributeValueMemberS{Value: m.Content},
		}})
	}

	item := sessionKey(s.ID)
	item["sessionId"] = &types.AttributeValueMemberS{Value: s.ID}
	item["messages"] = &types.AttributeValueMemberL{Value: messages}
	item["createdAt"] = &types.AttributeValueMemberS{Value: formatTime(s.CreatedAt)}
	item["lastActivityAt"] = &types.AttributeValueMemberS{Value: formatTime(s.LastActivityAt)}
	item["expiresAt"] = &types.AttributeValueMemberS{Value: formatTime(s.ExpiresAt)}
	item["ttl"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(s.ExpiresAt.Unix(), 10)}
	if s.Problem != nil {
		item["problemText"] = &types.AttributeValueMemberS{Value: s.Problem.Text}
		item["problemType"] = &types.AttributeValueMemberS{Value: string(s.Problem.Type)}
	}
	return item
}

// itemToSession converts a DynamoDB attribute map to a Session.
func itemToSession(item map[string]types.AttributeValue) (*domain.Session, error) {
	id, err := strAttr(item, "sessionId")
	if err != nil {
		return nil, err
	}
	s := &domain.Session{ID: id}

	if s.CreatedAt, err = timeAttr(item, "createdAt"); err != nil {
		return nil, err
	}
	if s.LastActivityAt, err = timeAttr(item, "lastActivityAt"); err != nil {
		return nil, err
	}
	if s.ExpiresAt, err = timeAttr(item, "expiresAt"); err != nil {
		return nil, err
	}

	if text, err := strAttr(item, "problemText"); err == nil {
		pt, perr := strAttr(item, "problemType")
		if perr != nil {
			return nil, perr
		}
		s.Problem = &domain.Problem{Text: text, Type: domain.ProblemType(pt)}
	}

	if raw, ok := item["messages"]; ok {
		list, ok := raw.(*types.AttributeValueMemberL)
		if !ok {
			return nil, errors.New("repository: attribute \"messages\" is not a list")
		}
		for i, v := range list.Value {
			m, ok := v.(*types.AttributeValueMemberM)
			if !ok {
				return nil, fmt.Errorf("repository: message %d is not a map", i)
			}
			role, err := strAttr(m.Value, "role")
			if err != nil {
				return nil, err
			}
			content, err := strAttr(m.Value, "content")
			if err != nil {
				return nil, err
			}
			s.Messages = append(s.Messages, domain.ChatMessage{Role: domain.Role(role), Content: content})
		}
	}
	return s, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
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

func timeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	raw, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return t, nil
}
