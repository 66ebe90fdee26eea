package utils

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/comedorsoft/pantry_backend/config"
	"github.com/go-playground/validator/v10"
)

// StockLock obtains a distributed lock scoped to a stock concern (e.g. the
// ingredient set of a settlement, or a purchase order id for receptions) and
// returns a release func. The lock is a best-effort optimization on top of DB
// row locks; correctness does not depend on Redis being up.
func StockLock(ctx context.Context, scope string, moduleName string, functionName string) (func(), error) {
	logger := config.GetLogger()
	locker := config.GetRedisLock()
	if locker == nil {
		config.LogError(logger, moduleName, functionName, "Redis lock not initialized", scope, errors.New("redis lock is nil"))
		return nil, errors.New("service not ready (redis lock not initialized)")
	}
	lockKey := fmt.Sprintf("stockLock:%s", scope)
	lock, err := locker.Obtain(ctx, lockKey, 30*time.Second, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(100*time.Millisecond), 20),
	})
	if err == redislock.ErrNotObtained {
		config.LogError(logger, moduleName, functionName, "Could not obtain stock lock", scope, err)
		return nil, errors.New("could not obtain stock lock")
	} else if err != nil {
		config.LogError(logger, moduleName, functionName, "Error obtaining stock lock", scope, err)
		return nil, err
	}
	release := func() {
		_ = lock.Release(context.Background())
	}
	return release, nil
}

func ProcessValidationErrors(err error) map[string]string {

	validationErrors := err.(validator.ValidationErrors)

	errorResponse := make(map[string]string)

	for _, ve := range validationErrors {
		errorResponse[ve.Field()] = ve.Tag()
	}

	return errorResponse
}

func NewTrue() *bool {
	b := true
	return &b
}

func NewFalse() *bool {
	b := false
	return &b
}
