package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/bitly/go-simplejson"

	"github.com/skalibog/bfma/internal/config"
	"github.com/skalibog/bfma/pkg/models"
	"github.com/skalibog/bfma/pkg/xerrors"
)

// REST is the request/response side of the exchange client. It owns no
// cadence of its own — SourceManager decides when to call each method and
// supplies the cancellation context. Every request is bounded by the
// configured rest_timeout_ms.
type REST struct {
	client *futures.Client
}

// NewREST builds a REST client against the perpetual-futures API.
func NewREST(cfg config.ExchangeConfig) *REST {
	client := futures.NewClient(cfg.APIKey, cfg.APISecret)
	if cfg.RESTTimeoutMs > 0 {
		client.HTTPClient = &http.Client{Timeout: time.Duration(cfg.RESTTimeoutMs) * time.Millisecond}
	}
	if cfg.Testnet {
		client.BaseURL = "https://testnet.binancefuture.com"
	}
	return &REST{client: client}
}

// GetPrice fetches the last traded/mark price as a PriceTick.
func (r *REST) GetPrice(ctx context.Context, symbol string) (models.PriceTick, error) {
	prices, err := r.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return models.PriceTick{}, xerrors.TransportError("get_price", symbol, err)
	}
	if len(prices) == 0 {
		return models.PriceTick{}, xerrors.DecodeError("get_price", symbol, errEmptyResponse)
	}
	price, err := strconv.ParseFloat(prices[0].Price, 64)
	if err != nil {
		return models.PriceTick{}, xerrors.DecodeError("get_price", symbol, err)
	}
	now := time.Now().UnixMilli()
	return models.PriceTick{Symbol: symbol, Price: price, EventTimeMs: now, ReceivedTimeMs: now}, nil
}

// GetKlines fetches up to limit recent 1-minute candles, oldest first.
func (r *REST) GetKlines(ctx context.Context, symbol string, limit int) ([]models.Candle1m, error) {
	klines, err := r.client.NewKlinesService().
		Symbol(symbol).
		Interval("1m").
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, xerrors.TransportError("get_klines", symbol, err)
	}

	out := make([]models.Candle1m, 0, len(klines))
	for _, k := range klines {
		c, err := decodeKline(k.OpenTime, k.Open, k.High, k.Low, k.Close, k.Volume, k.CloseTime)
		if err != nil {
			return nil, xerrors.DecodeError("get_klines", symbol, err)
		}
		c.IsClosed = true
		out = append(out, c)
	}
	return out, nil
}

func decodeKline(openTimeMs int64, openS, highS, lowS, closeS, volS string, closeTimeMs int64) (models.Candle1m, error) {
	open, err := strconv.ParseFloat(openS, 64)
	if err != nil {
		return models.Candle1m{}, err
	}
	high, err := strconv.ParseFloat(highS, 64)
	if err != nil {
		return models.Candle1m{}, err
	}
	low, err := strconv.ParseFloat(lowS, 64)
	if err != nil {
		return models.Candle1m{}, err
	}
	close_, err := strconv.ParseFloat(closeS, 64)
	if err != nil {
		return models.Candle1m{}, err
	}
	vol, err := strconv.ParseFloat(volS, 64)
	if err != nil {
		return models.Candle1m{}, err
	}
	return models.Candle1m{
		OpenTimeMs:  openTimeMs,
		Open:        open,
		High:        high,
		Low:         low,
		Close:       close_,
		Volume:      vol,
		CloseTimeMs: closeTimeMs,
	}, nil
}

// GetPremiumIndex fetches mark price and the current funding rate. The
// response is walked through simplejson rather than unmarshaled into a
// strict struct, so a renamed or newly-added upstream field never breaks
// decoding — only the fields this method actually reads matter.
func (r *REST) GetPremiumIndex(ctx context.Context, symbol string) (models.FundingSnapshot, error) {
	raw, err := r.client.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	if err != nil {
		return models.FundingSnapshot{}, xerrors.TransportError("get_premium_index", symbol, err)
	}
	if len(raw) == 0 {
		return models.FundingSnapshot{}, xerrors.DecodeError("get_premium_index", symbol, errEmptyResponse)
	}

	blob, err := json.Marshal(raw[0])
	if err != nil {
		return models.FundingSnapshot{}, xerrors.DecodeError("get_premium_index", symbol, err)
	}
	js, err := simplejson.NewJson(blob)
	if err != nil {
		return models.FundingSnapshot{}, xerrors.DecodeError("get_premium_index", symbol, err)
	}

	markPrice, err := strconv.ParseFloat(js.Get("markPrice").MustString(), 64)
	if err != nil {
		return models.FundingSnapshot{}, xerrors.DecodeError("get_premium_index", symbol, err)
	}
	fundingRate, err := strconv.ParseFloat(js.Get("lastFundingRate").MustString("0"), 64)
	if err != nil {
		fundingRate = 0
	}

	return models.FundingSnapshot{
		MarkPrice:         markPrice,
		LastFundingRate:   fundingRate,
		NextFundingTimeMs: js.Get("nextFundingTime").MustInt64(),
		EventTimeMs:       js.Get("time").MustInt64(time.Now().UnixMilli()),
	}, nil
}

// GetFundingHistory fetches the n most recent funding rate settlements.
func (r *REST) GetFundingHistory(ctx context.Context, symbol string, n int) ([]models.FundingSnapshot, error) {
	rates, err := r.client.NewFundingRateService().Symbol(symbol).Limit(n).Do(ctx)
	if err != nil {
		return nil, xerrors.TransportError("get_funding_history", symbol, err)
	}

	out := make([]models.FundingSnapshot, 0, len(rates))
	for _, fr := range rates {
		rate, err := strconv.ParseFloat(fr.FundingRate, 64)
		if err != nil {
			continue
		}
		out = append(out, models.FundingSnapshot{
			LastFundingRate: rate,
			EventTimeMs:     fr.FundingTime,
		})
	}
	return out, nil
}

// GetOpenInterest fetches the current open-interest value.
func (r *REST) GetOpenInterest(ctx context.Context, symbol string) (models.OpenInterestSnapshot, error) {
	oi, err := r.client.NewGetOpenInterestService().Symbol(symbol).Do(ctx)
	if err != nil {
		return models.OpenInterestSnapshot{}, xerrors.TransportError("get_open_interest", symbol, err)
	}
	value, err := strconv.ParseFloat(oi.OpenInterest, 64)
	if err != nil {
		return models.OpenInterestSnapshot{}, xerrors.DecodeError("get_open_interest", symbol, err)
	}
	return models.OpenInterestSnapshot{OIValue: value, EventTimeMs: oi.Time}, nil
}

// GetServerTime fetches the exchange server clock, used for skew sanity
// checks.
func (r *REST) GetServerTime(ctx context.Context) (int64, error) {
	t, err := r.client.NewServerTimeService().Do(ctx)
	if err != nil {
		return 0, xerrors.TransportError("get_server_time", "", err)
	}
	return t, nil
}
