package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"

	"github.com/worldmesh/worldcore/internal/protocol"
)

func TestIsTransient(t *testing.T) {
	assert.True(t, isTransient(driver.ErrBadConn))
	assert.True(t, isTransient(fmt.Errorf("query: %w", driver.ErrBadConn)))
	assert.True(t, isTransient(&pq.Error{Code: "08006"})) // connection_failure
	assert.True(t, isTransient(&pq.Error{Code: "57P01"})) // admin_shutdown

	assert.False(t, isTransient(&pq.Error{Code: "42501"})) // insufficient_privilege
	assert.False(t, isTransient(errors.New("syntax error")))
	assert.False(t, isTransient(nil))
}

func TestStoreErrClassification(t *testing.T) {
	err := storeErr("capture tick", driver.ErrBadConn)
	assert.Equal(t, protocol.KindStoreUnavailable, protocol.KindOf(err))

	err = storeErr("execute", &pq.Error{Code: "42501"})
	assert.Equal(t, protocol.KindInternal, protocol.KindOf(err))

	// Context expiry is the caller's deadline, not a store outage.
	err = storeErr("execute", context.DeadlineExceeded)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.NotEqual(t, protocol.KindStoreUnavailable, protocol.KindOf(err))
}
