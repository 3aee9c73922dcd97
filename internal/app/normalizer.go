package app

import (
	"math"
	"sort"
	"time"

	"mirrorbot/clients/walletdata"

	"go.uber.org/zap"
)

// TradeAction is the direction of a normalized trade.
type TradeAction string

const (
	ActionBuy  TradeAction = "BUY"
	ActionSell TradeAction = "SELL"
)

// Provenance records how a trade was derived.
type Provenance string

const (
	ProvenanceDirect    Provenance = "direct"
	ProvenanceSynthetic Provenance = "synthetic"
)

// NormalizedTrade is one clean BUY/SELL event derived from one or two raw
// transfer records.
type NormalizedTrade struct {
	Action     TradeAction
	Asset      string // normalized symbol
	AssetID    string
	Units      float64
	ValueUSD   float64
	Timestamp  time.Time
	Provenance Provenance

	// ViaCEX is set when the underlying transfer's counterparty is a known
	// centralized-exchange address. The detector drops these.
	ViaCEX bool
}

// pairingPass bounds one matching sweep over unconsumed send/receive events.
type pairingPass struct {
	Window    time.Duration
	Tolerance float64 // max relative USD divergence, e.g. 0.08
}

// Normalizer turns raw transfer records into an ordered list of trades.
// Stateless across calls; safe for concurrent use.
type Normalizer struct {
	logger *zap.Logger
	passes []pairingPass
}

func NewNormalizer(logger *zap.Logger, strictWindow time.Duration, strictTol float64, relaxedWindow time.Duration, relaxedTol float64) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{
		logger: logger.Named("normalizer"),
		passes: []pairingPass{
			{Window: strictWindow, Tolerance: strictTol},
			{Window: relaxedWindow, Tolerance: relaxedTol},
		},
	}
}

// Normalize classifies and pairs transfers for one wallet. Output is
// deduplicated and sorted oldest-first.
func (n *Normalizer) Normalize(transfers []walletdata.Transfer) []NormalizedTrade {
	sorted := make([]walletdata.Transfer, len(transfers))
	copy(sorted, transfers)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	var trades []NormalizedTrade
	var sends, receives []indexedTransfer

	for i, t := range sorted {
		if t.Timestamp.IsZero() {
			continue
		}
		switch t.Kind {
		case walletdata.KindTrade:
			if trade, ok := n.classifyDirect(t); ok {
				trades = append(trades, trade)
			}
		case walletdata.KindSend:
			if t.Out.ValueUSD <= 0 {
				continue
			}
			sends = append(sends, indexedTransfer{idx: i, t: t})
		case walletdata.KindReceive:
			receives = append(receives, indexedTransfer{idx: i, t: t})
		}
	}

	trades = append(trades, n.pairSynthetics(sends, receives)...)

	trades = dedupeTrades(trades)
	sort.SliceStable(trades, func(i, j int) bool {
		return trades[i].Timestamp.Before(trades[j].Timestamp)
	})
	return trades
}

type indexedTransfer struct {
	idx      int
	t        walletdata.Transfer
	consumed bool
}

// classifyDirect derives a trade from one atomic trade record. The non-stable
// side is the acted-upon asset. When both sides are non-stable, the side with
// the lower outflow is taken as the asset bought.
func (n *Normalizer) classifyDirect(t walletdata.Transfer) (NormalizedTrade, bool) {
	inStable := IsStablecoin(t.In.Symbol)
	outStable := IsStablecoin(t.Out.Symbol)

	switch {
	case inStable && outStable:
		return NormalizedTrade{}, false
	case !inStable && outStable:
		if t.In.ValueUSD <= 0 && t.Out.ValueUSD <= 0 {
			return NormalizedTrade{}, false
		}
		value := t.In.ValueUSD
		if value <= 0 {
			value = t.Out.ValueUSD
		}
		return NormalizedTrade{
			Action:     ActionBuy,
			Asset:      NormalizeSymbol(t.In.Symbol),
			AssetID:    t.In.AssetID,
			Units:      t.In.Units,
			ValueUSD:   value,
			Timestamp:  t.Timestamp,
			Provenance: ProvenanceDirect,
		}, true
	case inStable && !outStable:
		if t.Out.ValueUSD <= 0 && t.In.ValueUSD <= 0 {
			return NormalizedTrade{}, false
		}
		value := t.Out.ValueUSD
		if value <= 0 {
			value = t.In.ValueUSD
		}
		return NormalizedTrade{
			Action:     ActionSell,
			Asset:      NormalizeSymbol(t.Out.Symbol),
			AssetID:    t.Out.AssetID,
			Units:      t.Out.Units,
			ValueUSD:   value,
			Timestamp:  t.Timestamp,
			Provenance: ProvenanceDirect,
		}, true
	default:
		// Token-to-token swap. Treat the cheaper leg as what was spent and
		// record a buy of the incoming asset.
		if t.In.ValueUSD <= 0 {
			return NormalizedTrade{}, false
		}
		if t.Out.ValueUSD <= t.In.ValueUSD {
			return NormalizedTrade{
				Action:     ActionBuy,
				Asset:      NormalizeSymbol(t.In.Symbol),
				AssetID:    t.In.AssetID,
				Units:      t.In.Units,
				ValueUSD:   t.In.ValueUSD,
				Timestamp:  t.Timestamp,
				Provenance: ProvenanceDirect,
			}, true
		}
		return NormalizedTrade{
			Action:     ActionSell,
			Asset:      NormalizeSymbol(t.Out.Symbol),
			AssetID:    t.Out.AssetID,
			Units:      t.Out.Units,
			ValueUSD:   t.Out.ValueUSD,
			Timestamp:  t.Timestamp,
			Provenance: ProvenanceDirect,
		}, true
	}
}

// pairSynthetics matches unconsumed sends against receives in two passes with
// progressively looser window/tolerance. Each event joins at most one pair.
func (n *Normalizer) pairSynthetics(sends, receives []indexedTransfer) []NormalizedTrade {
	var trades []NormalizedTrade

	for _, pass := range n.passes {
		for si := range sends {
			send := &sends[si]
			if send.consumed {
				continue
			}

			best := -1
			bestDiff := math.MaxFloat64
			for ri := range receives {
				recv := &receives[ri]
				if recv.consumed {
					continue
				}
				if recv.t.In.ValueUSD <= 0 {
					// Zero-value receive: airdrop/scam dust, never pairable.
					continue
				}
				if LooksLikeScamToken(recv.t.In.Symbol, 0) && recv.t.In.ValueUSD < epsilon {
					continue
				}

				gap := recv.t.Timestamp.Sub(send.t.Timestamp)
				if gap < 0 {
					gap = -gap
				}
				if gap > pass.Window {
					continue
				}

				diff := math.Abs(recv.t.In.ValueUSD - send.t.Out.ValueUSD)
				rel := diff / send.t.Out.ValueUSD
				if rel > pass.Tolerance {
					continue
				}
				if diff < bestDiff {
					bestDiff = diff
					best = ri
				}
			}

			if best < 0 {
				continue
			}

			recv := &receives[best]
			send.consumed = true
			recv.consumed = true

			viaCEX := false
			if _, ok := IsCEXAddress(send.t.Counterparty); ok {
				viaCEX = true
			}
			if _, ok := IsCEXAddress(recv.t.Counterparty); ok {
				viaCEX = true
			}

			if IsStablecoin(recv.t.In.Symbol) {
				// Sent an asset out, got stables back: a sale of the sent asset.
				trades = append(trades, NormalizedTrade{
					Action:     ActionSell,
					Asset:      NormalizeSymbol(send.t.Out.Symbol),
					AssetID:    send.t.Out.AssetID,
					Units:      send.t.Out.Units,
					ValueUSD:   recv.t.In.ValueUSD,
					Timestamp:  send.t.Timestamp,
					Provenance: ProvenanceSynthetic,
					ViaCEX:     viaCEX,
				})
			} else {
				trades = append(trades, NormalizedTrade{
					Action:     ActionBuy,
					Asset:      NormalizeSymbol(recv.t.In.Symbol),
					AssetID:    recv.t.In.AssetID,
					Units:      recv.t.In.Units,
					ValueUSD:   recv.t.In.ValueUSD,
					Timestamp:  recv.t.Timestamp,
					Provenance: ProvenanceSynthetic,
					ViaCEX:     viaCEX,
				})
			}
		}
	}

	return trades
}

// dedupeTrades removes exact duplicates keyed by action, asset, calendar
// date, units, and value.
func dedupeTrades(trades []NormalizedTrade) []NormalizedTrade {
	type key struct {
		action TradeAction
		asset  string
		date   string
		units  float64
		value  float64
	}

	seen := make(map[key]bool, len(trades))
	out := trades[:0]
	for _, tr := range trades {
		k := key{
			action: tr.Action,
			asset:  tr.Asset,
			date:   dateKey(tr.Timestamp),
			units:  tr.Units,
			value:  tr.ValueUSD,
		}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, tr)
	}
	return out
}
