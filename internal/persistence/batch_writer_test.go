package persistence

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-bots/pkg/db"
)

type recordingWriter struct {
	calls   int
	cancels []string
	orders  []db.Order
	err     error
}

func (w *recordingWriter) ApplyMutations(_ context.Context, cancelIDs []string, orders []db.Order) (db.MutationResult, error) {
	w.calls++
	w.cancels = append(w.cancels, cancelIDs...)
	w.orders = append(w.orders, orders...)
	if w.err != nil {
		return db.MutationResult{}, w.err
	}
	return db.MutationResult{Cancelled: int64(len(cancelIDs)), Inserted: int64(len(orders))}, nil
}

func TestBatchWriterSkipsEmptyBatch(t *testing.T) {
	w := &recordingWriter{}
	bw := NewBatchWriter(w, false, nil)

	res, err := bw.Apply(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Zero(t, res)
	assert.Zero(t, w.calls)
	assert.Zero(t, bw.GetMetrics().TotalBatches)
}

func TestBatchWriterAppliesOnce(t *testing.T) {
	w := &recordingWriter{}
	bw := NewBatchWriter(w, false, nil)

	res, err := bw.Apply(context.Background(), []string{"o1", "o2"}, []db.Order{{ID: "n1"}})
	require.NoError(t, err)
	assert.Equal(t, 1, w.calls)
	assert.Equal(t, int64(2), res.Cancelled)
	assert.Equal(t, int64(1), res.Inserted)

	m := bw.GetMetrics()
	assert.Equal(t, uint64(1), m.TotalBatches)
	assert.Equal(t, uint64(2), m.TotalCancelled)
	assert.Equal(t, uint64(1), m.TotalInserted)
	assert.Equal(t, 3, m.LastBatchSize)
	assert.False(t, m.LastFlushTime.IsZero())
}

func TestBatchWriterDryRunWritesNothing(t *testing.T) {
	w := &recordingWriter{}
	bw := NewBatchWriter(w, true, nil)

	res, err := bw.Apply(context.Background(), []string{"o1"}, []db.Order{{ID: "n1", Side: db.SideBuy, Qty: 1}})
	require.NoError(t, err)
	assert.Zero(t, res)
	assert.Zero(t, w.calls)
	assert.True(t, bw.GetMetrics().DryRun)
	assert.Equal(t, uint64(1), bw.GetMetrics().TotalBatches)
}

func TestBatchWriterCountsErrors(t *testing.T) {
	boom := errors.New("disk full")
	bw := NewBatchWriter(&recordingWriter{err: boom}, false, nil)

	_, err := bw.Apply(context.Background(), []string{"o1"}, nil)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, uint64(1), bw.GetMetrics().TotalErrors)
	assert.Zero(t, bw.GetMetrics().TotalCancelled)
}

func TestBatchWriterAgainstSQLite(t *testing.T) {
	d, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	require.NoError(t, db.ApplyMigrations(d))

	_, err = d.DB.Exec(`INSERT INTO bots (id, name, balance, is_bot) VALUES ('b', 'b', 1000, 1)`)
	require.NoError(t, err)
	_, err = d.DB.Exec(`INSERT INTO stocks (id, symbol, name, price, shares_outstanding) VALUES ('s', 'S', 'S', 100, 1000)`)
	require.NoError(t, err)

	bw := NewBatchWriter(d, false, nil)
	res, err := bw.Apply(context.Background(), nil, []db.Order{{
		ID: "n1", BotID: "b", StockID: "s", Side: db.SideBuy, Qty: 3, Reserved: 300, Status: db.StatusOpen,
	}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Inserted)
	assert.Equal(t, int64(300), res.Debited)

	var balance int64
	require.NoError(t, d.DB.QueryRow(`SELECT balance FROM bots WHERE id = 'b'`).Scan(&balance))
	assert.Equal(t, int64(700), balance)
}
