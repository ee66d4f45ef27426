package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"tradeledger/internal/config"
	"tradeledger/internal/database"
	"tradeledger/internal/engine"
	"tradeledger/internal/feed"
	"tradeledger/internal/models"
	"tradeledger/internal/pricecache"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type nopClient struct{}

func (nopClient) FetchQuotes(ctx context.Context) ([]feed.Quote, error) {
	return nil, nil
}

func setupServer(t *testing.T) (*engine.Engine, *httptest.Server) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	cfg := &config.Config{Feed: config.Feed{Symbols: []string{"BTCUSDT"}}}
	require.NoError(t, database.Migrate(db, cfg))

	eng := engine.New(zap.NewNop(), cfg, db, nopClient{})
	srv := NewServer(eng, zap.NewNop(), 0)
	ts := httptest.NewServer(srv.server.Handler)
	t.Cleanup(ts.Close)
	return eng, ts
}

func TestHealthHandler(t *testing.T) {
	_, ts := setupServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSnapshotHandler(t *testing.T) {
	eng, ts := setupServer(t)
	ctx := context.Background()

	_, err := eng.Ledger().Deposit(ctx, "alice", "BTCUSDT",
		decimal.RequireFromString("1"), decimal.RequireFromString("40000"))
	require.NoError(t, err)
	eng.ApplyTick(ctx, pricecache.PriceTick{
		Symbol:    "BTCUSDT",
		Price:     decimal.RequireFromString("60000"),
		Timestamp: time.Now().UTC(),
	})

	resp, err := http.Get(ts.URL + "/api/snapshot?user=alice")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snap struct {
		UserID        string `json:"user_id"`
		TotalValue    string `json:"total_value"`
		UnrealizedPnL string `json:"unrealized_pnl"`
		PartialData   bool   `json:"partial_data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, "alice", snap.UserID)
	assert.Equal(t, "60000", snap.TotalValue)
	assert.Equal(t, "20000", snap.UnrealizedPnL)
	assert.False(t, snap.PartialData)
}

func TestSnapshotHandler_MissingUser(t *testing.T) {
	_, ts := setupServer(t)

	resp, err := http.Get(ts.URL + "/api/snapshot")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHoldingsAndTransactionsHandlers(t *testing.T) {
	eng, ts := setupServer(t)
	ctx := context.Background()

	_, err := eng.Ledger().Deposit(ctx, "alice", "BTCUSDT",
		decimal.RequireFromString("2"), decimal.RequireFromString("45000"))
	require.NoError(t, err)
	_, err = eng.Ledger().Withdraw(ctx, "alice", "BTCUSDT", decimal.RequireFromString("0.5"))
	require.NoError(t, err)

	resp, err := http.Get(ts.URL + "/api/holdings?user=alice")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var holdings []models.Holding
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&holdings))
	require.Len(t, holdings, 1)
	assert.True(t, holdings[0].Quantity.Equal(decimal.RequireFromString("1.5")))

	resp, err = http.Get(ts.URL + "/api/transactions?user=alice&asset=BTCUSDT&limit=10")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var txs []models.Transaction
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&txs))
	assert.Len(t, txs, 2)
}

func TestTransactionsHandler_BadFilter(t *testing.T) {
	_, ts := setupServer(t)

	resp, err := http.Get(ts.URL + "/api/transactions?user=alice&from=yesterday")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
