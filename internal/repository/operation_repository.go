package repository

import (
	"context"
	"database/sql"
	"errors"

	jsoniter "github.com/json-iterator/go"

	"cotiza/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Ошибки репозитория операций
var (
	ErrOperationNotArchived = errors.New("operation not found in archive")
)

// OperationRepository - работа с таблицей operations
//
// Хранит терминальные снапшоты операций: планировщик держит активные
// операции в памяти, архив нужен для истории и status-запросов после
// рестарта сервиса. Ордера и журнал диагностики лежат в JSONB колонках
type OperationRepository struct {
	db *sql.DB
}

// NewOperationRepository создает новый экземпляр репозитория
func NewOperationRepository(db *sql.DB) *OperationRepository {
	return &OperationRepository{db: db}
}

// SaveOperation сохраняет снапшот операции (upsert по id).
// Повторное сохранение того же id перезаписывает изменяемые поля
func (r *OperationRepository) SaveOperation(ctx context.Context, op *models.RatioOperation) error {
	sellOrders, err := json.Marshal(op.SellOrders)
	if err != nil {
		return err
	}
	buyOrders, err := json.Marshal(op.BuyOrders)
	if err != nil {
		return err
	}
	messages, err := json.Marshal(op.Messages)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO operations (
			id, pair_a, pair_b, instrument_to_sell, instrument_to_buy,
			nominales_total, target_ratio, condition, client_id, max_attempts,
			status, last_ratio, completed_nominales, remaining_nominales,
			weighted_average_ratio, batch_count, sell_orders, buy_orders,
			messages, error_message, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			last_ratio = EXCLUDED.last_ratio,
			completed_nominales = EXCLUDED.completed_nominales,
			remaining_nominales = EXCLUDED.remaining_nominales,
			weighted_average_ratio = EXCLUDED.weighted_average_ratio,
			batch_count = EXCLUDED.batch_count,
			sell_orders = EXCLUDED.sell_orders,
			buy_orders = EXCLUDED.buy_orders,
			messages = EXCLUDED.messages,
			error_message = EXCLUDED.error_message,
			updated_at = EXCLUDED.updated_at`

	_, err = r.db.ExecContext(
		ctx,
		query,
		op.ID,
		op.Pair[0],
		op.Pair[1],
		op.InstrumentToSell,
		op.InstrumentToBuy,
		op.NominalesTotal,
		op.TargetRatio,
		string(op.Condition),
		op.ClientID,
		op.MaxAttempts,
		op.Status,
		op.LastRatio,
		op.CompletedNominales,
		op.RemainingNominales,
		op.WeightedAverageRatio,
		op.BatchCount,
		sellOrders,
		buyOrders,
		messages,
		op.Error,
		op.CreatedAt,
		op.UpdatedAt,
	)
	return err
}

// GetOperation возвращает архивный снапшот операции по id
func (r *OperationRepository) GetOperation(ctx context.Context, id string) (*models.RatioOperation, error) {
	query := `
		SELECT id, pair_a, pair_b, instrument_to_sell, instrument_to_buy,
			nominales_total, target_ratio, condition, client_id, max_attempts,
			status, last_ratio, completed_nominales, remaining_nominales,
			weighted_average_ratio, batch_count, sell_orders, buy_orders,
			messages, error_message, created_at, updated_at
		FROM operations
		WHERE id = $1`

	return r.scanOperation(r.db.QueryRowContext(ctx, query, id))
}

// GetByClient возвращает архивные операции клиента, новые первыми
func (r *OperationRepository) GetByClient(ctx context.Context, clientID string, limit int) ([]*models.RatioOperation, error) {
	query := `
		SELECT id, pair_a, pair_b, instrument_to_sell, instrument_to_buy,
			nominales_total, target_ratio, condition, client_id, max_attempts,
			status, last_ratio, completed_nominales, remaining_nominales,
			weighted_average_ratio, batch_count, sell_orders, buy_orders,
			messages, error_message, created_at, updated_at
		FROM operations
		WHERE client_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, clientID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var operations []*models.RatioOperation
	for rows.Next() {
		op, err := r.scanOperation(rows)
		if err != nil {
			return nil, err
		}
		operations = append(operations, op)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return operations, nil
}

// rowScanner покрывает *sql.Row и *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *OperationRepository) scanOperation(row rowScanner) (*models.RatioOperation, error) {
	op := &models.RatioOperation{}
	var condition string
	var sellOrders, buyOrders, messages []byte

	err := row.Scan(
		&op.ID,
		&op.Pair[0],
		&op.Pair[1],
		&op.InstrumentToSell,
		&op.InstrumentToBuy,
		&op.NominalesTotal,
		&op.TargetRatio,
		&condition,
		&op.ClientID,
		&op.MaxAttempts,
		&op.Status,
		&op.LastRatio,
		&op.CompletedNominales,
		&op.RemainingNominales,
		&op.WeightedAverageRatio,
		&op.BatchCount,
		&sellOrders,
		&buyOrders,
		&messages,
		&op.Error,
		&op.CreatedAt,
		&op.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOperationNotArchived
		}
		return nil, err
	}

	op.Condition = models.Condition(condition)
	if err := json.Unmarshal(sellOrders, &op.SellOrders); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(buyOrders, &op.BuyOrders); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(messages, &op.Messages); err != nil {
		return nil, err
	}

	return op, nil
}
