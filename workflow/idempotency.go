package workflow

import (
	"errors"
	"time"

	"github.com/comedorsoft/pantry_backend/models"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

var ErrIdempotencyInProgress = errors.New("idempotency in progress")

// staleStartedAfter is how long a STARTED row may sit before it is treated
// as an attempt that died mid-flight and its key reused.
const staleStartedAfter = 5 * time.Minute

type idempotencyDecision int

const (
	idempotencyRetry  idempotencyDecision = iota // reuse the prior row and apply again
	idempotencyReplay                            // succeeded before; answer from the stored result
	idempotencyBusy                              // another attempt is currently in flight
)

// resolvePriorKey decides what a duplicate insert means based on the
// existing row's state.
func resolvePriorKey(prior *models.IdempotencyKey, now time.Time) idempotencyDecision {
	switch prior.Status {
	case models.IdempotencyStatusSucceeded:
		return idempotencyReplay
	case models.IdempotencyStatusStarted:
		if now.Sub(prior.UpdatedAt) < staleStartedAfter {
			return idempotencyBusy
		}
		return idempotencyRetry
	default:
		return idempotencyRetry
	}
}

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// BeginIdempotency inserts STARTED. If SUCCEEDED exists, returns the stored
// key with skip=true meaning "replay the recorded result, touch nothing".
func BeginIdempotency(tx *gorm.DB, handlerName, messageId string) (skip bool, existing *models.IdempotencyKey, err error) {
	key := models.IdempotencyKey{
		HandlerName: handlerName,
		MessageId:   messageId,
		Status:      models.IdempotencyStatusStarted,
	}
	if err := tx.Create(&key).Error; err == nil {
		return false, nil, nil
	} else if !isDuplicateKeyErr(err) {
		return false, nil, err
	}

	var prior models.IdempotencyKey
	if err := tx.Where("handler_name = ? AND message_id = ?", handlerName, messageId).
		First(&prior).Error; err != nil {
		return false, nil, err
	}

	switch resolvePriorKey(&prior, time.Now()) {
	case idempotencyReplay:
		return true, &prior, nil
	case idempotencyBusy:
		return false, nil, ErrIdempotencyInProgress
	default:
		return false, nil, tx.Model(&models.IdempotencyKey{}).
			Where("id = ?", prior.ID).
			Updates(map[string]interface{}{"status": models.IdempotencyStatusStarted, "last_error": nil}).Error
	}
}

// MarkIdempotencySucceeded stores the serialized apply summary so exact
// retries can be answered without touching stock again.
func MarkIdempotencySucceeded(tx *gorm.DB, handlerName, messageId string, resultJson string) error {
	return tx.Model(&models.IdempotencyKey{}).
		Where("handler_name = ? AND message_id = ?", handlerName, messageId).
		Updates(map[string]interface{}{
			"status":      models.IdempotencyStatusSucceeded,
			"result_json": resultJson,
			"last_error":  nil,
		}).Error
}

func MarkIdempotencyFailed(tx *gorm.DB, handlerName, messageId string, err error) error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return tx.Model(&models.IdempotencyKey{}).
		Where("handler_name = ? AND message_id = ?", handlerName, messageId).
		Updates(map[string]interface{}{"status": models.IdempotencyStatusFailed, "last_error": &msg}).Error
}
