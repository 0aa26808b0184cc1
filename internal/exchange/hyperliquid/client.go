package hyperliquid

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"minidesk/internal/config"
	"minidesk/internal/exchange"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sonirico/go-hyperliquid"
)

// Client wraps the go-hyperliquid SDK behind the gateway's exchange
// interfaces. The info client is always available; the exchange client is
// only constructed when a private key is configured, so a read-only
// deployment still serves market data.
type Client struct {
	cfg      config.HyperliquidConfig
	log      logrus.FieldLogger
	info     *hyperliquid.Info
	exchange *hyperliquid.Exchange
	meta     *hyperliquid.Meta
}

func NewClient(cfg config.HyperliquidConfig, log logrus.FieldLogger) (*Client, error) {
	ctx := context.Background()

	// NewInfo(ctx, baseURL, skipWS, meta, spotMeta, opts...)
	info := hyperliquid.NewInfo(ctx, cfg.BaseURL, true, nil, nil)

	// Meta is needed for the exchange client and for symbol lookup.
	meta, err := info.Meta(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch meta: %w", err)
	}

	var exc *hyperliquid.Exchange
	if cfg.PrivateKey != "" {
		pk, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}

		// Derive the wallet address when it is not configured explicitly.
		walletAddr := cfg.WalletAddress
		if walletAddr == "" {
			walletAddr = crypto.PubkeyToAddress(pk.PublicKey).Hex()
		}

		// NewExchange(ctx, pk, baseURL, meta, vaultAddress, accountAddress, spotMeta, opts...)
		exc = hyperliquid.NewExchange(ctx, pk, cfg.BaseURL, meta, "", walletAddr, nil)
		log.WithField("wallet", walletAddr).Info("hyperliquid exchange client ready")
	} else {
		log.Warn("no private key configured, running read-only")
	}

	return &Client{
		cfg:      cfg,
		log:      log,
		info:     info,
		exchange: exc,
		meta:     meta,
	}, nil
}

var (
	_ exchange.MarketData  = (*Client)(nil)
	_ exchange.AccountData = (*Client)(nil)
	_ exchange.Trader      = (*Client)(nil)
	_ exchange.Funder      = (*Client)(nil)
)

// normalizeSymbol strips quote suffixes so "ETH-USD" and "ETH" address the
// same universe entry.
func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSuffix(symbol, "-USD"))
}

func (c *Client) AssetIndex(symbol string) (int, bool) {
	name := normalizeSymbol(symbol)
	for i, asset := range c.meta.Universe {
		if strings.ToUpper(asset.Name) == name {
			return i, true
		}
	}
	return 0, false
}

func (c *Client) Assets(ctx context.Context) ([]exchange.AssetInfo, error) {
	assets := make([]exchange.AssetInfo, 0, len(c.meta.Universe))
	for i, asset := range c.meta.Universe {
		assets = append(assets, exchange.AssetInfo{
			Index:       i,
			Name:        asset.Name,
			SzDecimals:  asset.SzDecimals,
			MaxLeverage: asset.MaxLeverage,
		})
	}
	return assets, nil
}

func (c *Client) Mids(ctx context.Context) (map[string]string, error) {
	mids, err := c.info.AllMids(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch mids: %w", err)
	}
	out := make(map[string]string, len(mids))
	for coin, px := range mids {
		out[coin] = px
	}
	return out, nil
}

func (c *Client) Book(ctx context.Context, symbol string) (*exchange.BookSnapshot, error) {
	coin := normalizeSymbol(symbol)
	snap, err := c.info.L2Snapshot(ctx, coin)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch l2 book for %s: %w", coin, err)
	}

	book := &exchange.BookSnapshot{
		Symbol: coin,
		Time:   time.UnixMilli(snap.Time),
	}
	// Levels come as [bids, asks], bids descending and asks ascending.
	if len(snap.Levels) == 2 {
		book.Bids = toBookLevels(snap.Levels[0])
		book.Asks = toBookLevels(snap.Levels[1])
	}
	return book, nil
}

func toBookLevels(levels []hyperliquid.L2Level) []exchange.BookLevel {
	out := make([]exchange.BookLevel, 0, len(levels))
	for _, lvl := range levels {
		px, err := decimal.NewFromString(lvl.Px)
		if err != nil {
			continue
		}
		sz, err := decimal.NewFromString(lvl.Sz)
		if err != nil {
			continue
		}
		out = append(out, exchange.BookLevel{Price: px, Size: sz, OrderCount: lvl.N})
	}
	return out
}

func (c *Client) Candles(ctx context.Context, symbol, interval string, start, end time.Time) ([]exchange.Candle, error) {
	coin := normalizeSymbol(symbol)
	snap, err := c.info.CandlesSnapshot(ctx, coin, interval, start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to fetch candles for %s: %w", coin, err)
	}

	candles := make([]exchange.Candle, 0, len(snap))
	for _, k := range snap {
		candles = append(candles, exchange.Candle{
			OpenTime: time.UnixMilli(k.T),
			Open:     parseDecimal(k.O),
			High:     parseDecimal(k.H),
			Low:      parseDecimal(k.L),
			Close:    parseDecimal(k.C),
			Volume:   parseDecimal(k.V),
			Trades:   k.N,
		})
	}
	return candles, nil
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (c *Client) PerpState(ctx context.Context, address string) (*exchange.PerpState, error) {
	state, err := c.info.UserState(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user state: %w", err)
	}

	out := &exchange.PerpState{
		Margin: exchange.MarginSummary{
			AccountValue:    parseDecimal(state.MarginSummary.AccountValue),
			TotalMarginUsed: parseDecimal(state.MarginSummary.TotalMarginUsed),
			TotalNtlPos:     parseDecimal(state.MarginSummary.TotalNtlPos),
		},
	}

	for _, ap := range state.AssetPositions {
		pos := ap.Position
		p := exchange.Position{
			Symbol:        pos.Coin,
			Size:          parseDecimal(pos.Szi),
			EntryPrice:    parseDecimal(pos.EntryPx),
			PositionValue: parseDecimal(pos.PositionValue),
			UnrealizedPnl: parseDecimal(pos.UnrealizedPnl),
			Leverage:      pos.Leverage.Value,
			MarginUsed:    parseDecimal(pos.MarginUsed),
		}
		if pos.LiquidationPx != nil {
			liq := parseDecimal(*pos.LiquidationPx)
			p.LiquidationPrice = &liq
		}
		out.Positions = append(out.Positions, p)
	}
	return out, nil
}

func (c *Client) SpotBalances(ctx context.Context, address string) ([]exchange.SpotBalance, error) {
	state, err := c.info.SpotUserState(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch spot user state: %w", err)
	}
	balances := make([]exchange.SpotBalance, 0, len(state.Balances))
	for _, b := range state.Balances {
		balances = append(balances, exchange.SpotBalance{
			Coin:  b.Coin,
			Total: parseDecimal(b.Total),
			Hold:  parseDecimal(b.Hold),
		})
	}
	return balances, nil
}

func (c *Client) OpenOrders(ctx context.Context, address string) ([]exchange.OpenOrder, error) {
	orders, err := c.info.OpenOrders(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch open orders: %w", err)
	}
	out := make([]exchange.OpenOrder, 0, len(orders))
	for _, o := range orders {
		side := exchange.SideSell
		if o.Side == "B" {
			side = exchange.SideBuy
		}
		out = append(out, exchange.OpenOrder{
			OrderID:   o.Oid,
			Symbol:    o.Coin,
			Side:      side,
			Price:     parseDecimal(o.LimitPx),
			Size:      parseDecimal(o.Sz),
			Timestamp: time.UnixMilli(o.Timestamp),
		})
	}
	return out, nil
}

func (c *Client) PlaceOrder(ctx context.Context, ticket exchange.OrderTicket) (exchange.OrderAck, error) {
	if c.exchange == nil {
		return exchange.OrderAck{}, fmt.Errorf("exchange client not initialized (check private key)")
	}

	tif := hyperliquid.TifGtc
	if ticket.Tif == exchange.TifIoc {
		tif = hyperliquid.TifIoc
	}

	orderReq := hyperliquid.CreateOrderRequest{
		Coin:  normalizeSymbol(ticket.Symbol),
		IsBuy: ticket.IsBuy,
		Size:  ticket.Size.InexactFloat64(),
		Price: ticket.Price.InexactFloat64(),
		OrderType: hyperliquid.OrderType{
			Limit: &hyperliquid.LimitOrderType{
				Tif: tif,
			},
		},
		ReduceOnly: ticket.ReduceOnly,
	}

	res, err := c.exchange.Order(ctx, orderReq, c.builderInfo())
	if err != nil {
		return exchange.OrderAck{}, err
	}

	// Normalize the loose response shape into the tagged acknowledgement.
	switch {
	case res == nil:
		return exchange.OrderAck{Kind: exchange.AckUnrecognized}, nil
	case res.Error != nil:
		return exchange.OrderAck{Kind: exchange.AckError, Message: *res.Error}, nil
	case res.Resting != nil:
		return exchange.OrderAck{Kind: exchange.AckResting, OrderID: res.Resting.Oid}, nil
	case res.Filled != nil:
		return exchange.OrderAck{Kind: exchange.AckFilled, OrderID: int64(res.Filled.Oid)}, nil
	default:
		return exchange.OrderAck{Kind: exchange.AckUnrecognized}, nil
	}
}

func (c *Client) builderInfo() *hyperliquid.BuilderInfo {
	if c.cfg.BuilderAddress == "" {
		return nil
	}
	return &hyperliquid.BuilderInfo{
		Builder: c.cfg.BuilderAddress,
		Fee:     c.cfg.BuilderFeeBps,
	}
}

func (c *Client) ApproveBuilderFee(ctx context.Context) error {
	if c.exchange == nil {
		return fmt.Errorf("exchange client not initialized (check private key)")
	}
	if c.cfg.BuilderAddress == "" {
		return fmt.Errorf("builder address not configured")
	}

	// The venue expects the max fee rate as a percentage string.
	maxFeeRate := strconv.FormatFloat(float64(c.cfg.BuilderFeeBps)/100.0, 'f', -1, 64) + "%"
	if _, err := c.exchange.ApproveBuilderFee(ctx, c.cfg.BuilderAddress, maxFeeRate); err != nil {
		return fmt.Errorf("builder fee approval failed: %w", err)
	}
	c.log.WithField("builder", c.cfg.BuilderAddress).Info("builder fee approved")
	return nil
}

func (c *Client) UsdClassTransfer(ctx context.Context, amount decimal.Decimal, toPerp bool) error {
	if c.exchange == nil {
		return fmt.Errorf("exchange client not initialized (check private key)")
	}
	if _, err := c.exchange.UsdClassTransfer(ctx, amount.InexactFloat64(), toPerp); err != nil {
		return fmt.Errorf("usd class transfer failed: %w", err)
	}
	return nil
}
