package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	store, err := Open("sqlite://" + dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCursorUpsertAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, ok, err := store.GetCursor(ctx, "0xabc:PositionUpdate"); err != nil || ok {
		t.Fatalf("expected no cursor, ok=%v err=%v", ok, err)
	}
	if err := store.UpsertCursor(ctx, "0xabc:PositionUpdate", 10); err != nil {
		t.Fatalf("upsert cursor: %v", err)
	}
	h, ok, err := store.GetCursor(ctx, "0xabc:PositionUpdate")
	if err != nil || !ok || h != 10 {
		t.Fatalf("get cursor failed h=%d err=%v ok=%v", h, err, ok)
	}

	if err := store.UpsertCursor(ctx, "0xabc:PositionUpdate", 20); err != nil {
		t.Fatalf("upsert cursor update: %v", err)
	}
	h, ok, err = store.GetCursor(ctx, "0xabc:PositionUpdate")
	if err != nil || !ok || h != 20 {
		t.Fatalf("cursor not updated: %d err=%v ok=%v", h, err, ok)
	}

	if err := store.UpsertCursor(ctx, "0xdef:Trade", 5); err != nil {
		t.Fatalf("upsert second cursor: %v", err)
	}
	cursors, err := store.ListCursors(ctx)
	if err != nil {
		t.Fatalf("list cursors: %v", err)
	}
	if len(cursors) != 2 || cursors[0].Key != "0xabc:PositionUpdate" || cursors[0].Block != 20 {
		t.Fatalf("unexpected cursors: %+v", cursors)
	}
}

func TestSeasonInsertIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	season := Season{ID: 7, Name: "Season 7", RaffleToken: "0xbb", BondingCurve: "0xaa", StartTime: 100, EndTime: 200}
	fresh, err := store.InsertSeason(ctx, season)
	if err != nil || !fresh {
		t.Fatalf("first insert fresh=%v err=%v", fresh, err)
	}
	fresh, err = store.InsertSeason(ctx, season)
	if err != nil || fresh {
		t.Fatalf("second insert should be a no-op fresh=%v err=%v", fresh, err)
	}

	got, ok, err := store.GetSeason(ctx, 7)
	if err != nil || !ok {
		t.Fatalf("get season ok=%v err=%v", ok, err)
	}
	if got.BondingCurve != "0xaa" || got.RaffleToken != "0xbb" || got.Status != SeasonActive {
		t.Fatalf("unexpected season: %+v", got)
	}

	if err := store.MarkSeasonCompleted(ctx, 7); err != nil {
		t.Fatalf("complete: %v", err)
	}
	active, err := store.ListSeasons(ctx, SeasonActive)
	if err != nil || len(active) != 0 {
		t.Fatalf("expected no active seasons, got %v err=%v", active, err)
	}
}

func TestRecordPositionPendingUntilProcessed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ev := PositionEvent{TxHash: "0x01", LogIndex: 3, SeasonID: 1, Player: "0xp1", OldTickets: 0, NewTickets: 50, TotalTickets: 200, BlockNumber: 10}
	fresh, err := store.RecordPosition(ctx, ev)
	if err != nil || !fresh {
		t.Fatalf("first record fresh=%v err=%v", fresh, err)
	}
	// Until its reactions are marked done the event stays pending.
	fresh, err = store.RecordPosition(ctx, ev)
	if err != nil || !fresh {
		t.Fatalf("unprocessed replay should be pending fresh=%v err=%v", fresh, err)
	}
	if err := store.MarkPositionProcessed(ctx, "0x01", 3); err != nil {
		t.Fatalf("mark processed: %v", err)
	}
	fresh, err = store.RecordPosition(ctx, ev)
	if err != nil || fresh {
		t.Fatalf("processed replay should be a no-op fresh=%v err=%v", fresh, err)
	}

	var n int
	if err := store.db.Get(&n, `SELECT COUNT(*) FROM position_events WHERE tx_hash = '0x01'`); err != nil || n != 1 {
		t.Fatalf("expected one persisted event, got %d err=%v", n, err)
	}

	// A stale event from an earlier block must not roll the holding back.
	stale := PositionEvent{TxHash: "0x00", SeasonID: 1, Player: "0xp1", NewTickets: 10, TotalTickets: 10, BlockNumber: 5}
	if _, err := store.RecordPosition(ctx, stale); err != nil {
		t.Fatalf("record stale: %v", err)
	}
	pos, ok, err := store.GetPosition(ctx, 1, "0xp1")
	if err != nil || !ok || pos.Tickets != 50 {
		t.Fatalf("unexpected position %+v ok=%v err=%v", pos, ok, err)
	}
	if total, err := store.SeasonTotal(ctx, 1); err != nil || total != 200 {
		t.Fatalf("season total should follow the newest block, got %d err=%v", total, err)
	}
	if total, err := store.SeasonTotal(ctx, 99); err != nil || total != 0 {
		t.Fatalf("unknown season total %d err=%v", total, err)
	}
}

func TestRecomputeProbabilities(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i, p := range []struct {
		player  string
		tickets uint64
	}{{"0xa", 150}, {"0xb", 50}} {
		ev := PositionEvent{TxHash: "0xtx", LogIndex: uint(i), SeasonID: 2, Player: p.player, NewTickets: p.tickets, BlockNumber: 1}
		if _, err := store.RecordPosition(ctx, ev); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if err := store.RecomputeProbabilities(ctx, 2, 200); err != nil {
		t.Fatalf("recompute: %v", err)
	}
	positions, err := store.ListPositions(ctx, 2)
	if err != nil || len(positions) != 2 {
		t.Fatalf("list positions: %v %v", positions, err)
	}
	if positions[0].ProbabilityBps != 7500 || positions[1].ProbabilityBps != 2500 {
		t.Fatalf("unexpected probabilities: %+v", positions)
	}

	if err := store.RecomputeProbabilities(ctx, 2, 0); err != nil {
		t.Fatalf("recompute zero: %v", err)
	}
	positions, _ = store.ListPositions(ctx, 2)
	if positions[0].ProbabilityBps != 0 {
		t.Fatalf("zero total should zero probabilities: %+v", positions)
	}
}

func TestMarketsLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, m := range []Market{
		{Address: "0xm1", SeasonID: 3, Player: "0xwinner", MarketType: "WINNER_PREDICTION"},
		{Address: "0xm2", SeasonID: 3, Player: "0xloser", MarketType: "WINNER_PREDICTION"},
	} {
		fresh, err := store.UpsertMarket(ctx, m)
		if err != nil || !fresh {
			t.Fatalf("upsert market fresh=%v err=%v", fresh, err)
		}
	}
	dup, err := store.UpsertMarket(ctx, Market{Address: "0xm3", SeasonID: 3, Player: "0xwinner", MarketType: "WINNER_PREDICTION"})
	if err != nil || dup {
		t.Fatalf("same player and type should not create a second market dup=%v err=%v", dup, err)
	}

	if err := store.UpdateMarketProbability(ctx, "0xm1", 6000); err != nil {
		t.Fatalf("update probability: %v", err)
	}
	if err := store.UpdateMarketSentiment(ctx, "0xm1", 5500); err != nil {
		t.Fatalf("update sentiment: %v", err)
	}
	m, ok, err := store.MarketForPlayer(ctx, 3, "0xwinner")
	if err != nil || !ok || m.ProbabilityBps != 6000 || m.SentimentBps != 5500 {
		t.Fatalf("unexpected market %+v ok=%v err=%v", m, ok, err)
	}

	n, err := store.SettleMarkets(ctx, 3, "0xwinner")
	if err != nil || n != 2 {
		t.Fatalf("settle n=%d err=%v", n, err)
	}
	markets, err := store.ListMarkets(ctx, 3, MarketSettled)
	if err != nil || len(markets) != 2 {
		t.Fatalf("list settled: %v err=%v", markets, err)
	}
	if markets[0].Outcome != "yes" || markets[1].Outcome != "no" {
		t.Fatalf("unexpected outcomes: %+v", markets)
	}

	n, err = store.SettleMarkets(ctx, 3, "0xwinner")
	if err != nil || n != 0 {
		t.Fatalf("second settle should change nothing n=%d err=%v", n, err)
	}
}

func TestTradesAndTransactions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tr := Trade{TxHash: "0xt", LogIndex: 1, MarketAddress: "0xm1", Trader: "0xu", BuyYes: true, AmountIn: "1000", SharesOut: "900", BlockNumber: 9}
	if fresh, err := store.RecordTrade(ctx, tr); err != nil || !fresh {
		t.Fatalf("record trade fresh=%v err=%v", fresh, err)
	}
	if fresh, err := store.RecordTrade(ctx, tr); err != nil || !fresh {
		t.Fatalf("unprocessed trade replay should be pending fresh=%v err=%v", fresh, err)
	}
	if err := store.MarkTradeProcessed(ctx, "0xt", 1); err != nil {
		t.Fatalf("mark trade: %v", err)
	}
	if fresh, err := store.RecordTrade(ctx, tr); err != nil || fresh {
		t.Fatalf("processed trade replay fresh=%v err=%v", fresh, err)
	}
	var n int
	if err := store.db.Get(&n, `SELECT COUNT(*) FROM trades`); err != nil || n != 1 {
		t.Fatalf("expected one trade row, got %d err=%v", n, err)
	}

	if fresh, err := store.RecordTransaction(ctx, TxRecord{Hash: "0xh", Kind: "updateRaffleProbability", Target: "0xo"}); err != nil || !fresh {
		t.Fatalf("record tx fresh=%v err=%v", fresh, err)
	}
	if err := store.UpdateTransactionStatus(ctx, "0xh", TxConfirmed, 42); err != nil {
		t.Fatalf("update tx: %v", err)
	}
	rec, ok, err := store.GetTransaction(ctx, "0xh")
	if err != nil || !ok || rec.Status != TxConfirmed || rec.BlockNumber != 42 {
		t.Fatalf("unexpected tx %+v ok=%v err=%v", rec, ok, err)
	}
}

func TestFailedAttempts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 1; i <= 3; i++ {
		err := store.InsertFailedAttempt(ctx, FailedAttempt{
			Source:       "position-update",
			SeasonID:     4,
			Player:       "0xp",
			FunctionName: "createMarket",
			Attempt:      i,
			ErrorMessage: "execution reverted",
			CreatedAt:    base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("insert attempt %d: %v", i, err)
		}
	}
	if err := store.InsertFailedAttempt(ctx, FailedAttempt{Source: "x"}); err == nil {
		t.Fatalf("expected validation error")
	}

	got, err := store.ListFailedAttempts(ctx, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].Attempt != 3 || got[0].ID == "" {
		t.Fatalf("unexpected attempts: %+v", got)
	}
}
