package market

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// wireFloat decodes venue numbers sent either as JSON numbers or as strings.
type wireFloat float64

func (f *wireFloat) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = 0
		return nil
	}
	raw := string(data)
	if data[0] == '"' {
		unquoted, err := strconv.Unquote(raw)
		if err != nil {
			return err
		}
		raw = strings.TrimSpace(unquoted)
		if raw == "" {
			*f = 0
			return nil
		}
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("invalid number %s: %w", data, err)
	}
	*f = wireFloat(v)
	return nil
}

type spotMetaWire struct {
	Universe []spotPairWire  `json:"universe"`
	Tokens   []spotTokenWire `json:"tokens"`
}

type spotPairWire struct {
	Name   string `json:"name"`
	Tokens []int  `json:"tokens"`
	Index  *int   `json:"index"`
}

type spotTokenWire struct {
	Name       string `json:"name"`
	Index      *int   `json:"index"`
	SzDecimals *int   `json:"szDecimals"`
}

type perpMetaWire struct {
	Universe []perpAssetWire `json:"universe"`
}

type perpAssetWire struct {
	Name       string `json:"name"`
	SzDecimals int    `json:"szDecimals"`
}

type perpCtxWire struct {
	MarkPx   wireFloat `json:"markPx"`
	OraclePx wireFloat `json:"oraclePx"`
}

type token struct {
	name       string
	szDecimals int
}

// spotContexts indexes every pair by its display symbol, its raw "@N" name
// and, for the first pair seen, its base token.
func spotContexts(raw json.RawMessage) (map[string]SpotContext, error) {
	var meta spotMetaWire
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode spot meta: %w", err)
	}
	if len(meta.Universe) == 0 {
		return nil, errors.New("spot meta missing universe")
	}
	tokens := make(map[int]token, len(meta.Tokens))
	for i, t := range meta.Tokens {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			continue
		}
		idx := i
		if t.Index != nil {
			idx = *t.Index
		}
		decimals := -1
		if t.SzDecimals != nil {
			decimals = *t.SzDecimals
		}
		tokens[idx] = token{name: name, szDecimals: decimals}
	}

	out := make(map[string]SpotContext, len(meta.Universe)*2)
	for i, pair := range meta.Universe {
		rawName := strings.TrimSpace(pair.Name)
		ctx := SpotContext{
			Index:           i,
			BaseSzDecimals:  -1,
			QuoteSzDecimals: -1,
			RawName:         rawName,
			MidKey:          rawName,
		}
		if pair.Index != nil {
			ctx.Index = *pair.Index
		}
		if len(pair.Tokens) >= 2 {
			if base, ok := tokens[pair.Tokens[0]]; ok {
				ctx.Base = base.name
				ctx.BaseSzDecimals = base.szDecimals
			}
			if quote, ok := tokens[pair.Tokens[1]]; ok {
				ctx.Quote = quote.name
				ctx.QuoteSzDecimals = quote.szDecimals
			}
		}
		switch {
		case rawName != "" && !strings.HasPrefix(rawName, "@"):
			ctx.Symbol = rawName
		case ctx.Base != "" && ctx.Quote != "":
			ctx.Symbol = ctx.Base + "/" + ctx.Quote
		default:
			ctx.Symbol = rawName
		}
		if ctx.Symbol == "" {
			continue
		}
		if ctx.MidKey == "" {
			ctx.MidKey = ctx.Symbol
		}
		out[ctx.Symbol] = ctx
		if rawName != "" && rawName != ctx.Symbol {
			out[rawName] = ctx
		}
		if ctx.Base != "" {
			if _, exists := out[ctx.Base]; !exists {
				out[ctx.Base] = ctx
			}
		}
	}
	if len(out) == 0 {
		return nil, errors.New("no spot pairs parsed")
	}
	return out, nil
}

// perpContexts decodes the [meta, assetCtxs] pair returned for
// metaAndAssetCtxs. Contexts line up with the universe by position.
func perpContexts(raw json.RawMessage) (map[string]PerpContext, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, fmt.Errorf("decode perp meta: %w", err)
	}
	if len(parts) < 2 {
		return nil, errors.New("metaAndAssetCtxs missing universe or asset contexts")
	}
	var meta perpMetaWire
	if err := json.Unmarshal(parts[0], &meta); err != nil {
		return nil, fmt.Errorf("decode perp universe: %w", err)
	}
	var ctxs []perpCtxWire
	if err := json.Unmarshal(parts[1], &ctxs); err != nil {
		return nil, fmt.Errorf("decode perp asset contexts: %w", err)
	}
	out := make(map[string]PerpContext, len(meta.Universe))
	for i, asset := range meta.Universe {
		name := strings.TrimSpace(asset.Name)
		if name == "" || i >= len(ctxs) {
			continue
		}
		out[name] = PerpContext{
			Name:        name,
			Index:       i,
			SzDecimals:  asset.SzDecimals,
			OraclePrice: float64(ctxs[i].OraclePx),
			MarkPrice:   float64(ctxs[i].MarkPx),
		}
	}
	if len(out) == 0 {
		return nil, errors.New("no perp contexts parsed")
	}
	return out, nil
}
