package instrument

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/STTM-NSU/trading-gateway/internal/broker/openapi"
	"github.com/STTM-NSU/trading-gateway/internal/broker/session"
	"github.com/STTM-NSU/trading-gateway/internal/config"
	"github.com/STTM-NSU/trading-gateway/internal/logger"
	"github.com/STTM-NSU/trading-gateway/internal/model"
	"github.com/STTM-NSU/trading-gateway/internal/tools"
	"go.uber.org/ratelimit"
)

var (
	NotFoundError = errors.New("instrument not found")
)

type Store interface {
	UpsertInstruments(ctx context.Context, instruments []model.Instrument) error
}

// Catalog caches broker reference data. Reads never lock; the maps are only
// written while a session initializes the catalog.
type Catalog struct {
	cfg         config.InstrumentsConfig
	store       Store
	logger      logger.Logger
	rateLimiter ratelimit.Limiter

	mu          sync.Mutex
	initialized *openapi.Conn

	byName sync.Map // upper-case name -> *model.Instrument
	byID   sync.Map // symbol id -> *model.Instrument
	assets sync.Map // asset id -> name
}

func NewCatalog(cfg config.InstrumentsConfig, store Store, l logger.Logger) *Catalog {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Catalog{
		cfg:         cfg,
		store:       store,
		logger:      logger.Component(l, "instruments"),
		rateLimiter: ratelimit.New(5, ratelimit.Per(time.Second)),
	}
}

// Initialize loads assets and symbols once per live session and upserts them
// into the store by broker id.
func (c *Catalog) Initialize(ctx context.Context, s *session.Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized == s.Conn {
		return nil
	}

	assets, err := c.fetchAssets(ctx, s)
	if err != nil {
		return err
	}
	for _, a := range assets {
		c.assets.Store(a.AssetID, a.Name)
	}

	light, err := c.fetchSymbols(ctx, s)
	if err != nil {
		return err
	}

	total := 0
	for start := 0; start < len(light); start += c.cfg.BatchSize {
		batch := light[start:min(start+c.cfg.BatchSize, len(light))]

		ids := make([]int64, 0, len(batch))
		for _, l := range batch {
			ids = append(ids, l.SymbolID)
		}

		details, err := c.fetchDetails(ctx, s, ids)
		if err != nil {
			return err
		}

		instruments := c.merge(batch, details)
		for i := range instruments {
			c.put(instruments[i])
		}
		total += len(instruments)

		if err := c.store.UpsertInstruments(ctx, instruments); err != nil {
			c.logger.Warnf("%s: can't upsert %d instruments", err, len(instruments))
		}
	}

	c.initialized = s.Conn
	c.logger.Infof("catalog initialized: %d assets, %d instruments", len(assets), total)
	return nil
}

func (c *Catalog) fetchAssets(ctx context.Context, s *session.Session) ([]openapi.Asset, error) {
	c.rateLimiter.Take()
	var res openapi.AssetList
	if err := s.Conn.Request(ctx, openapi.AssetListReq, openapi.AccountRequest{CtidTraderAccountID: s.AccountID}, openapi.AssetListRes, &res); err != nil {
		return nil, fmt.Errorf("%w: can't get assets", err)
	}
	return res.Asset, nil
}

func (c *Catalog) fetchSymbols(ctx context.Context, s *session.Session) ([]openapi.LightSymbol, error) {
	c.rateLimiter.Take()
	var res openapi.SymbolsList
	if err := s.Conn.Request(ctx, openapi.SymbolsListReq, openapi.SymbolsList{CtidTraderAccountID: s.AccountID}, openapi.SymbolsListRes, &res); err != nil {
		return nil, fmt.Errorf("%w: can't get symbols", err)
	}

	symbols := make([]openapi.LightSymbol, 0, len(res.Symbol))
	for _, l := range res.Symbol {
		if l.SymbolName == "" {
			continue
		}
		symbols = append(symbols, l)
	}
	return symbols, nil
}

func (c *Catalog) fetchDetails(ctx context.Context, s *session.Session, ids []int64) (map[int64]openapi.Symbol, error) {
	c.rateLimiter.Take()
	var res openapi.SymbolByID
	req := openapi.SymbolByID{CtidTraderAccountID: s.AccountID, SymbolID: ids}
	if err := s.Conn.Request(ctx, openapi.SymbolByIDReq, req, openapi.SymbolByIDRes, &res); err != nil {
		return nil, fmt.Errorf("%w: can't get symbol details", err)
	}

	details := make(map[int64]openapi.Symbol, len(res.Symbol))
	for _, d := range res.Symbol {
		details[d.SymbolID] = d
	}
	return details, nil
}

func (c *Catalog) merge(light []openapi.LightSymbol, details map[int64]openapi.Symbol) []model.Instrument {
	instruments := make([]model.Instrument, 0, len(light))
	for _, l := range light {
		i := model.Instrument{
			ID:            l.SymbolID,
			Name:          l.SymbolName,
			Digits:        model.DefaultDigits,
			PipPosition:   model.DefaultDigits - 1,
			ContractSize:  model.DefaultContractSize,
			BaseAssetID:   l.BaseAssetID,
			QuoteAssetID:  l.QuoteAssetID,
			BaseCurrency:  c.AssetName(l.BaseAssetID),
			QuoteCurrency: c.AssetName(l.QuoteAssetID),
			Active:        l.Enabled,
		}

		d, ok := details[l.SymbolID]
		if !ok {
			c.logger.Warnf("no details for %s (%d), using defaults", l.SymbolName, l.SymbolID)
			instruments = append(instruments, i)
			continue
		}

		i.Digits = d.Digits
		i.PipPosition = d.PipPosition
		if d.LotSize > 0 {
			i.ContractSize = float64(d.LotSize) / tools.VolumeScale
		}
		i.MinVolume = tools.VolumeToLots(d.MinVolume, i.ContractSize)
		i.MaxVolume = tools.VolumeToLots(d.MaxVolume, i.ContractSize)
		i.VolumeStep = tools.VolumeToLots(d.StepVolume, i.ContractSize)

		instruments = append(instruments, i)
	}
	return instruments
}

func (c *Catalog) put(i model.Instrument) {
	c.byName.Store(strings.ToUpper(i.Name), &i)
	c.byID.Store(i.ID, &i)
}
