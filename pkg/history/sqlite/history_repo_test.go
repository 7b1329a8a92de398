package sqlite_test

import (
	"testing"

	"gitopsdelivery/pkg/history"
	"gitopsdelivery/pkg/history/historytest"
	"gitopsdelivery/pkg/history/sqlite"
)

func TestHistoryRepo(t *testing.T) {
	historytest.Run(t, func(t *testing.T, window int) history.Store {
		db := sqlite.OpenTestDB(t)
		return &sqlite.HistoryRepo{DB: db, Window: window}
	})
}
