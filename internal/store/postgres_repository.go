/**
 * @description
 * PostgreSQL implementation of the Repository interface using pgx. Every
 * ledger operation runs in one database transaction: accounts are locked
 * `FOR UPDATE` in account-number order, balances are written under a version
 * check, and the transaction-log rows are inserted before commit.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver and toolkit.
 * - github.com/shopspring/decimal: NUMERIC(20,2) money columns.
 */

package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/thrifty/ledger-service/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

const (
	pgUniqueViolation      = "23505"
	pgForeignKeyViolation  = "23503"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

const accountColumns = `a.id, a.account_number, a.account_name, a.account_type, a.account_currency,
	a.account_status, a.account_balance, a.book_balance, a.version, a.created_at, a.updated_at,
	ARRAY(SELECT h.user_id::text FROM account_holders h WHERE h.account_id = a.id ORDER BY h.user_id)`

const transactionColumns = `id, transaction_ref, transaction_date, description, transaction_amount,
	transaction_charges, transaction_type, transaction_mode, transaction_status, account_balance,
	account_id, account_number, customer_id, transfer_group_id, idempotency_key,
	to_external_account::text, bill_payment_details::text, failure_reason, updated_at`

// PostgresRepository is the concrete implementation of the Repository for PostgreSQL.
type PostgresRepository struct {
	db        *pgxpool.Pool
	isolation pgx.TxIsoLevel
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool, isolation pgx.TxIsoLevel) *PostgresRepository {
	if isolation == "" {
		isolation = pgx.Serializable
	}
	return &PostgresRepository{db: db, isolation: isolation}
}

// ParseIsolationLevel maps a TX_ISOLATION value onto a pgx isolation level.
func ParseIsolationLevel(raw string) (pgx.TxIsoLevel, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "serializable":
		return pgx.Serializable, nil
	case "repeatable_read", "repeatable read":
		return pgx.RepeatableRead, nil
	case "read_committed", "read committed":
		return pgx.ReadCommitted, nil
	default:
		return "", fmt.Errorf("unsupported transaction isolation %q", raw)
	}
}

// EnsureSchema applies the embedded, idempotent schema.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// WithinTx runs fn inside a single database transaction and commits only if
// fn succeeds. Serialization failures and deadlocks surface as ErrConcurrentUpdate.
func (r *PostgresRepository) WithinTx(ctx context.Context, fn func(tx LedgerTx) error) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: r.isolation})
	if err != nil {
		return fmt.Errorf("begin ledger transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&postgresLedgerTx{tx: tx}); err != nil {
		return translateTxError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return translateTxError(err)
	}
	return nil
}

func translateTxError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected) {
		return fmt.Errorf("%w: %s", ErrConcurrentUpdate, pgErr.Message)
	}
	return err
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgUniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*domain.Account, error) {
	var (
		account domain.Account
		holders []string
	)
	err := row.Scan(
		&account.ID,
		&account.AccountNumber,
		&account.AccountName,
		&account.AccountType,
		&account.AccountCurrency,
		&account.AccountStatus,
		&account.AccountBalance,
		&account.BookBalance,
		&account.Version,
		&account.CreatedAt,
		&account.UpdatedAt,
		&holders,
	)
	if err != nil {
		return nil, err
	}
	account.AccountNumber = strings.TrimSpace(account.AccountNumber)
	account.AccountCurrency = strings.TrimSpace(account.AccountCurrency)
	for _, raw := range holders {
		holderID, parseErr := uuid.Parse(raw)
		if parseErr != nil {
			return nil, fmt.Errorf("invalid holder id %q: %w", raw, parseErr)
		}
		account.Holders = append(account.Holders, holderID)
	}
	return &account, nil
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var (
		record       domain.Transaction
		externalJSON *string
		billJSON     *string
	)
	err := row.Scan(
		&record.ID,
		&record.TransactionRef,
		&record.TransactionDate,
		&record.Description,
		&record.TransactionAmount,
		&record.TransactionCharges,
		&record.TransactionType,
		&record.TransactionMode,
		&record.TransactionStatus,
		&record.AccountBalance,
		&record.AccountID,
		&record.AccountNumber,
		&record.CustomerID,
		&record.TransferGroupID,
		&record.IdempotencyKey,
		&externalJSON,
		&billJSON,
		&record.FailureReason,
		&record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	record.AccountNumber = strings.TrimSpace(record.AccountNumber)
	if externalJSON != nil {
		record.ToExternalAccount = &domain.ExternalAccount{}
		if err := json.Unmarshal([]byte(*externalJSON), record.ToExternalAccount); err != nil {
			return nil, fmt.Errorf("decode to_external_account: %w", err)
		}
	}
	if billJSON != nil {
		record.BillPaymentDetails = &domain.BillPaymentDetails{}
		if err := json.Unmarshal([]byte(*billJSON), record.BillPaymentDetails); err != nil {
			return nil, fmt.Errorf("decode bill_payment_details: %w", err)
		}
	}
	return &record, nil
}

func collectTransactions(rows pgx.Rows) ([]domain.Transaction, error) {
	defer rows.Close()
	var records []domain.Transaction
	for rows.Next() {
		record, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	return records, rows.Err()
}

// jsonbArg encodes v for a `$n::jsonb` placeholder. Text keeps it compatible
// with the simple query protocol.
func jsonbArg(v interface{}) (*string, error) {
	switch typed := v.(type) {
	case *domain.ExternalAccount:
		if typed == nil {
			return nil, nil
		}
	case *domain.BillPaymentDetails:
		if typed == nil {
			return nil, nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	encoded := string(raw)
	return &encoded, nil
}

// AccountNumberExists checks the number against every existing account.
func (r *PostgresRepository) AccountNumberExists(ctx context.Context, number string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM accounts WHERE account_number = $1)", number).Scan(&exists)
	return exists, err
}

// CreateAccount inserts the account, its holders and an optional opening
// deposit record in one transaction.
func (r *PostgresRepository) CreateAccount(ctx context.Context, account *domain.Account, opening *domain.Transaction) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO accounts (id, account_number, account_name, account_type, account_currency,
			account_status, account_balance, book_balance, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = tx.Exec(ctx, query,
		account.ID,
		account.AccountNumber,
		account.AccountName,
		string(account.AccountType),
		account.AccountCurrency,
		string(account.AccountStatus),
		account.AccountBalance,
		account.BookBalance,
		account.Version,
		account.CreatedAt,
		account.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "accounts_account_number_key") {
			return ErrAccountNumberTaken
		}
		return fmt.Errorf("insert account: %w", err)
	}

	for _, holderID := range account.Holders {
		if _, err := tx.Exec(ctx, "INSERT INTO account_holders (account_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING", account.ID, holderID); err != nil {
			return fmt.Errorf("insert account holder: %w", err)
		}
	}

	if opening != nil {
		if err := insertTransaction(ctx, tx, opening); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// FindAccountByNumber retrieves an account by its 10-digit number.
func (r *PostgresRepository) FindAccountByNumber(ctx context.Context, number string) (*domain.Account, error) {
	query := "SELECT " + accountColumns + " FROM accounts a WHERE a.account_number = $1"
	account, err := scanAccount(r.db.QueryRow(ctx, query, number))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, err
	}
	return account, nil
}

// FindAccountByID retrieves an account by its primary key.
func (r *PostgresRepository) FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	query := "SELECT " + accountColumns + " FROM accounts a WHERE a.id = $1"
	account, err := scanAccount(r.db.QueryRow(ctx, query, accountID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, err
	}
	return account, nil
}

// FindAccountsByName matches account names case-insensitively.
func (r *PostgresRepository) FindAccountsByName(ctx context.Context, name string) ([]domain.Account, error) {
	query := "SELECT " + accountColumns + " FROM accounts a WHERE LOWER(a.account_name) = LOWER($1) ORDER BY a.account_number"
	rows, err := r.db.Query(ctx, query, strings.TrimSpace(name))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *account)
	}
	return accounts, rows.Err()
}

// FindAccountsWithBalanceDrift lists accounts whose available and book
// balances differ, or whose latest transaction snapshot differs from the
// current balance.
func (r *PostgresRepository) FindAccountsWithBalanceDrift(ctx context.Context) ([]domain.BalanceDrift, error) {
	query := `
		SELECT a.id, a.account_number, a.account_balance, a.book_balance, lt.account_balance, lt.transaction_ref
		FROM accounts a
		LEFT JOIN LATERAL (
			SELECT t.account_balance, t.transaction_ref
			FROM transactions t
			WHERE t.account_id = a.id
			ORDER BY t.seq DESC
			LIMIT 1
		) lt ON TRUE
		WHERE a.account_balance <> a.book_balance
		   OR (lt.account_balance IS NOT NULL AND lt.account_balance <> a.account_balance)
		ORDER BY a.account_number
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var drifts []domain.BalanceDrift
	for rows.Next() {
		var (
			drift    domain.BalanceDrift
			snapshot decimal.NullDecimal
		)
		if err := rows.Scan(&drift.AccountID, &drift.AccountNumber, &drift.AccountBalance, &drift.BookBalance, &snapshot, &drift.LastSnapshotRef); err != nil {
			return nil, err
		}
		drift.AccountNumber = strings.TrimSpace(drift.AccountNumber)
		if snapshot.Valid {
			value := snapshot.Decimal
			drift.LastSnapshot = &value
		}
		drifts = append(drifts, drift)
	}
	return drifts, rows.Err()
}

// ListTransactionsByAccount returns the newest records first. A limit of
// zero returns every record.
func (r *PostgresRepository) ListTransactionsByAccount(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]domain.Transaction, error) {
	query := "SELECT " + transactionColumns + " FROM transactions WHERE account_id = $1 ORDER BY seq DESC LIMIT $2 OFFSET $3"
	var rowLimit *int
	if limit > 0 {
		rowLimit = &limit
	}
	rows, err := r.db.Query(ctx, query, accountID, rowLimit, offset)
	if err != nil {
		return nil, err
	}
	return collectTransactions(rows)
}

// FindUserByID reads the local user mirror.
func (r *PostgresRepository) FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	var (
		user  domain.User
		roles []string
	)
	query := "SELECT id, first_name, last_name, email, roles, updated_at FROM users WHERE id = $1"
	err := r.db.QueryRow(ctx, query, userID).Scan(&user.ID, &user.FirstName, &user.LastName, &user.Email, &roles, &user.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrUserNotFound
		}
		return nil, err
	}
	for _, role := range roles {
		user.Roles = append(user.Roles, domain.Role(role))
	}
	return &user, nil
}

// UpsertUser refreshes the local user mirror from a directory event.
func (r *PostgresRepository) UpsertUser(ctx context.Context, user *domain.User) error {
	roles := make([]string, 0, len(user.Roles))
	for _, role := range user.Roles {
		roles = append(roles, string(role))
	}
	query := `
		INSERT INTO users (id, first_name, last_name, email, roles, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name,
			email = EXCLUDED.email,
			roles = EXCLUDED.roles,
			updated_at = EXCLUDED.updated_at
		WHERE users.updated_at <= EXCLUDED.updated_at
	`
	_, err := r.db.Exec(ctx, query, user.ID, user.FirstName, user.LastName, user.Email, roles, user.UpdatedAt)
	return err
}

// postgresLedgerTx is the LedgerTx bound to one pgx transaction.
type postgresLedgerTx struct {
	tx pgx.Tx
}

func (t *postgresLedgerTx) LockAccountsByNumber(ctx context.Context, numbers ...string) (map[string]*domain.Account, error) {
	ordered := append([]string(nil), numbers...)
	sort.Strings(ordered)

	locked := make(map[string]*domain.Account, len(ordered))
	query := "SELECT " + accountColumns + " FROM accounts a WHERE a.account_number = $1 FOR UPDATE"
	for _, number := range ordered {
		if _, seen := locked[number]; seen {
			continue
		}
		account, err := scanAccount(t.tx.QueryRow(ctx, query, number))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				continue
			}
			return nil, fmt.Errorf("lock account %s: %w", number, err)
		}
		locked[number] = account
	}
	return locked, nil
}

func (t *postgresLedgerTx) LockAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	query := "SELECT " + accountColumns + " FROM accounts a WHERE a.id = $1 FOR UPDATE"
	account, err := scanAccount(t.tx.QueryRow(ctx, query, accountID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, err
	}
	return account, nil
}

func (t *postgresLedgerTx) SaveAccountBalances(ctx context.Context, accounts ...*domain.Account) error {
	query := `
		UPDATE accounts
		SET account_balance = $1, book_balance = $2, version = version + 1, updated_at = NOW()
		WHERE id = $3 AND version = $4
	`
	for _, account := range accounts {
		tag, err := t.tx.Exec(ctx, query, account.AccountBalance, account.BookBalance, account.ID, account.Version)
		if err != nil {
			return fmt.Errorf("update account %s: %w", account.AccountNumber, err)
		}
		if tag.RowsAffected() == 0 {
			return ErrConcurrentUpdate
		}
		account.Version++
	}
	return nil
}

func (t *postgresLedgerTx) AppendTransactions(ctx context.Context, records ...*domain.Transaction) error {
	for _, record := range records {
		if err := insertTransaction(ctx, t.tx, record); err != nil {
			return err
		}
	}
	return nil
}

func insertTransaction(ctx context.Context, tx pgx.Tx, record *domain.Transaction) error {
	externalJSON, err := jsonbArg(record.ToExternalAccount)
	if err != nil {
		return fmt.Errorf("encode to_external_account: %w", err)
	}
	billJSON, err := jsonbArg(record.BillPaymentDetails)
	if err != nil {
		return fmt.Errorf("encode bill_payment_details: %w", err)
	}

	query := `
		INSERT INTO transactions (id, transaction_ref, transaction_date, description, transaction_amount,
			transaction_charges, transaction_type, transaction_mode, transaction_status, account_balance,
			account_id, account_number, customer_id, transfer_group_id, idempotency_key,
			to_external_account, bill_payment_details, failure_reason, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16::jsonb, $17::jsonb, $18, $19)
	`
	_, err = tx.Exec(ctx, query,
		record.ID,
		record.TransactionRef,
		record.TransactionDate,
		record.Description,
		record.TransactionAmount,
		record.TransactionCharges,
		string(record.TransactionType),
		string(record.TransactionMode),
		string(record.TransactionStatus),
		record.AccountBalance,
		record.AccountID,
		record.AccountNumber,
		record.CustomerID,
		record.TransferGroupID,
		record.IdempotencyKey,
		externalJSON,
		billJSON,
		record.FailureReason,
		record.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "transactions_idempotency_idx") {
			return domain.ErrIdempotencyKeyReused
		}
		return fmt.Errorf("insert transaction %s: %w", record.TransactionRef, err)
	}
	return nil
}

func (t *postgresLedgerTx) FindTransactionsByIdempotencyKey(ctx context.Context, customerID uuid.UUID, key string) ([]domain.Transaction, error) {
	query := "SELECT " + transactionColumns + " FROM transactions WHERE customer_id = $1 AND idempotency_key = $2 ORDER BY seq"
	rows, err := t.tx.Query(ctx, query, customerID, key)
	if err != nil {
		return nil, err
	}
	return collectTransactions(rows)
}

func (t *postgresLedgerTx) LockTransactionByRef(ctx context.Context, ref string) (*domain.Transaction, error) {
	query := "SELECT " + transactionColumns + " FROM transactions WHERE transaction_ref = $1 FOR UPDATE"
	record, err := scanTransaction(t.tx.QueryRow(ctx, query, ref))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrTransactionNotFound
		}
		return nil, err
	}
	return record, nil
}

func (t *postgresLedgerTx) SettleTransaction(ctx context.Context, transactionID uuid.UUID, status domain.TransactionStatus, bill *domain.BillPaymentDetails, failureReason *string) (bool, error) {
	billJSON, err := jsonbArg(bill)
	if err != nil {
		return false, fmt.Errorf("encode bill_payment_details: %w", err)
	}
	query := `
		UPDATE transactions
		SET transaction_status = $1,
			bill_payment_details = COALESCE($2::jsonb, bill_payment_details),
			failure_reason = COALESCE($3, failure_reason),
			updated_at = NOW()
		WHERE id = $4 AND transaction_status = 'PENDING'
	`
	tag, err := t.tx.Exec(ctx, query, string(status), billJSON, failureReason, transactionID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
