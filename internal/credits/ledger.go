// Package credits provides the credit ledger the pipeline reserves from
// before entering a generation phase and refunds to when generations fail,
// so failed jobs don't consume paid credits. Billing math itself (pricing,
// top-ups, Stripe) lives elsewhere; this is only the reserve/refund surface.
package credits

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog/log"
)

// ErrInsufficientCredits is returned by Reserve when the account balance
// cannot cover the requested amount. The pipeline phase is not entered.
var ErrInsufficientCredits = errors.New("insufficient credits")

// Ledger is the credit capability the state machine consumes.
// Implementations must be safe for concurrent use.
type Ledger interface {
	// Reserve deducts amount from the account balance, failing with
	// ErrInsufficientCredits if the balance is too low.
	Reserve(ctx context.Context, accountID string, amount int) error

	// Refund returns amount to the account balance.
	Refund(ctx context.Context, accountID string, amount int) error
}

// --- DynamoDB ledger ---

// DynamoLedger stores one balance record per account
// (PK = ACCOUNT#{accountId}, SK = CREDITS) in the studio table.
// Reserve uses a conditional update so two concurrent reservations can
// never overdraw the balance.
type DynamoLedger struct {
	client    *dynamodb.Client
	tableName string
}

// Compile-time interface check.
var _ Ledger = (*DynamoLedger)(nil)

// NewDynamoLedger creates a ledger backed by the given table.
func NewDynamoLedger(client *dynamodb.Client, tableName string) *DynamoLedger {
	return &DynamoLedger{client: client, tableName: tableName}
}

func accountPK(accountID string) string {
	return "ACCOUNT#" + accountID
}

func (l *DynamoLedger) Reserve(ctx context.Context, accountID string, amount int) error {
	_, err := l.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: &l.tableName,
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: accountPK(accountID)},
			"SK": &types.AttributeValueMemberS{Value: "CREDITS"},
		},
		UpdateExpression:    aws.String("SET balance = balance - :n"),
		ConditionExpression: aws.String("balance >= :n"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":n": &types.AttributeValueMemberN{Value: strconv.Itoa(amount)},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			log.Info().Str("accountId", accountID).Int("amount", amount).Msg("Credit reservation declined")
			return fmt.Errorf("reserve %d credits for %s: %w", amount, accountID, ErrInsufficientCredits)
		}
		return fmt.Errorf("reserve %d credits for %s: %w", amount, accountID, err)
	}

	log.Debug().Str("accountId", accountID).Int("amount", amount).Msg("Credits reserved")
	return nil
}

func (l *DynamoLedger) Refund(ctx context.Context, accountID string, amount int) error {
	_, err := l.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: &l.tableName,
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: accountPK(accountID)},
			"SK": &types.AttributeValueMemberS{Value: "CREDITS"},
		},
		UpdateExpression: aws.String("SET balance = balance + :n"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":n": &types.AttributeValueMemberN{Value: strconv.Itoa(amount)},
		},
	})
	if err != nil {
		return fmt.Errorf("refund %d credits for %s: %w", amount, accountID, err)
	}

	log.Debug().Str("accountId", accountID).Int("amount", amount).Msg("Credits refunded")
	return nil
}

// --- In-memory ledger ---

// MemoryLedger is an in-process Ledger for tests and --local mode.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[string]int
	initial  int
}

// Compile-time interface check.
var _ Ledger = (*MemoryLedger)(nil)

// NewMemoryLedger creates a ledger with the given starting balances.
func NewMemoryLedger(balances map[string]int) *MemoryLedger {
	l := &MemoryLedger{balances: make(map[string]int)}
	for k, v := range balances {
		l.balances[k] = v
	}
	return l
}

// NewMemoryLedgerWithInitial creates a ledger where every account not seen
// before starts with the given balance. Used by --local mode.
func NewMemoryLedgerWithInitial(initial int) *MemoryLedger {
	return &MemoryLedger{balances: make(map[string]int), initial: initial}
}

func (l *MemoryLedger) Reserve(ctx context.Context, accountID string, amount int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.balances[accountID]; !ok {
		l.balances[accountID] = l.initial
	}
	if l.balances[accountID] < amount {
		return fmt.Errorf("reserve %d credits for %s: %w", amount, accountID, ErrInsufficientCredits)
	}
	l.balances[accountID] -= amount
	return nil
}

func (l *MemoryLedger) Refund(ctx context.Context, accountID string, amount int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[accountID] += amount
	return nil
}

// Balance returns the current balance for an account.
func (l *MemoryLedger) Balance(accountID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[accountID]
}
