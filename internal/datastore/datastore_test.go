package datastore

import (
	"testing"

	"github.com/skalibog/bfma/pkg/models"
)

func TestUpdatePriceMonotonic(t *testing.T) {
	s := New([]string{"BTCUSDT"})
	s.UpdatePrice("BTCUSDT", models.PriceTick{Price: 100, EventTimeMs: 1000})
	s.UpdatePrice("BTCUSDT", models.PriceTick{Price: 90, EventTimeMs: 500}) // older, must be ignored

	snap := s.Snapshot("BTCUSDT")
	if snap.LatestPrice.Price != 100 {
		t.Fatalf("expected stale tick to be ignored, got price %.2f", snap.LatestPrice.Price)
	}
}

func TestAppendCandleOrdersAndDedupes(t *testing.T) {
	s := New([]string{"BTCUSDT"})
	s.AppendCandle("BTCUSDT", models.Candle1m{OpenTimeMs: 120_000, Close: 3, CloseTimeMs: 180_000, IsClosed: true})
	s.AppendCandle("BTCUSDT", models.Candle1m{OpenTimeMs: 0, Close: 1, CloseTimeMs: 60_000, IsClosed: true})
	s.AppendCandle("BTCUSDT", models.Candle1m{OpenTimeMs: 60_000, Close: 2, CloseTimeMs: 120_000, IsClosed: true})
	s.AppendCandle("BTCUSDT", models.Candle1m{OpenTimeMs: 60_000, Close: 2.5, CloseTimeMs: 120_000, IsClosed: true}) // replaces

	snap := s.Snapshot("BTCUSDT")
	if len(snap.Candles) != 3 {
		t.Fatalf("expected 3 distinct candles, got %d", len(snap.Candles))
	}
	for i, want := range []int64{0, 60_000, 120_000} {
		if snap.Candles[i].OpenTimeMs != want {
			t.Fatalf("expected candle %d to open at %d, got %d", i, want, snap.Candles[i].OpenTimeMs)
		}
	}
	if snap.Candles[1].Close != 2.5 {
		t.Fatalf("expected re-emitted candle to replace, got close=%.2f", snap.Candles[1].Close)
	}
	if snap.LastKlineCloseTsMs != 180_000 {
		t.Fatalf("expected last close ts 180000, got %d", snap.LastKlineCloseTsMs)
	}
}

func TestAppendCandleInProgressDoesNotAdvanceCloseTs(t *testing.T) {
	s := New([]string{"BTCUSDT"})
	s.AppendCandle("BTCUSDT", models.Candle1m{OpenTimeMs: 0, Close: 1, CloseTimeMs: 60_000, IsClosed: true})
	s.AppendCandle("BTCUSDT", models.Candle1m{OpenTimeMs: 60_000, Close: 1.5, IsClosed: false})

	snap := s.Snapshot("BTCUSDT")
	if snap.LastKlineCloseTsMs != 60_000 {
		t.Fatalf("expected in-progress candle to not advance close ts, got %d", snap.LastKlineCloseTsMs)
	}
	if snap.InProgressCandle == nil || snap.InProgressCandle.Close != 1.5 {
		t.Fatalf("expected in-progress candle to be tracked separately")
	}
}

func TestSetOpenInterestCapsHistory(t *testing.T) {
	s := New([]string{"BTCUSDT"})
	for i := 0; i < oiHistoryCapacity+5; i++ {
		s.SetOpenInterest("BTCUSDT", models.OpenInterestSnapshot{OIValue: float64(i), EventTimeMs: int64(i) * 1000})
	}
	snap := s.Snapshot("BTCUSDT")
	if len(snap.OIHistory) != oiHistoryCapacity {
		t.Fatalf("expected history capped at %d, got %d", oiHistoryCapacity, len(snap.OIHistory))
	}
	if snap.OIHistory[len(snap.OIHistory)-1].OIValue != float64(oiHistoryCapacity+4) {
		t.Fatalf("expected the ring to keep the most recent samples")
	}
}

func TestAgesReportsFreshness(t *testing.T) {
	s := New([]string{"BTCUSDT"})
	s.UpdatePrice("BTCUSDT", models.PriceTick{Price: 100, EventTimeMs: 1000})
	ages := s.Ages("BTCUSDT", 6000)
	if ages.PriceAgeMs != 5000 {
		t.Fatalf("expected price age 5000ms, got %d", ages.PriceAgeMs)
	}
}

func TestUnknownSymbolIsLazilyCreated(t *testing.T) {
	s := New(nil)
	s.UpdatePrice("ETHUSDT", models.PriceTick{Price: 200, EventTimeMs: 1})
	snap := s.Snapshot("ETHUSDT")
	if snap.LatestPrice.Price != 200 {
		t.Fatalf("expected a new symbol entry to be created lazily")
	}
}
