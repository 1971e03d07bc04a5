package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aport/internal/decision"
	"aport/internal/ledger"
	"aport/internal/passport"
)

func input(t *testing.T, schema Schema, params map[string]any, ctx Context) Input {
	t.Helper()
	grant := passport.Capability{ID: "test.cap", Params: params}
	limits, err := ResolveLimits(schema, grant, &passport.Passport{}, "test")
	require.NoError(t, err)
	return Input{
		Passport:   &passport.Passport{},
		Capability: grant,
		Limits:     limits,
		Context:    ctx,
	}
}

func TestFieldAllowlist(t *testing.T) {
	schema := Schema{{Name: "allowed_merchant_ids", Kind: KindStringList}}
	rule := FieldAllowlist{Field: "merchant_id", Limit: "allowed_merchant_ids", Code: decision.CodeMerchantForbidden}

	t.Run("value in list passes", func(t *testing.T) {
		in := input(t, schema, map[string]any{"allowed_merchant_ids": []any{"merch_abc", "merch_xyz"}},
			Context{"merchant_id": "merch_abc"})
		deny, _ := rule.Check(in)
		assert.Nil(t, deny)
	})

	t.Run("value outside list denies", func(t *testing.T) {
		in := input(t, schema, map[string]any{"allowed_merchant_ids": []any{"merch_abc", "merch_xyz"}},
			Context{"merchant_id": "merch_bad"})
		deny, _ := rule.Check(in)
		require.NotNil(t, deny)
		assert.Equal(t, decision.CodeMerchantForbidden, deny.Code)
	})

	t.Run("unset limit imposes no restriction", func(t *testing.T) {
		in := input(t, schema, nil, Context{"merchant_id": "anyone"})
		deny, _ := rule.Check(in)
		assert.Nil(t, deny)
	})

	t.Run("missing field denies unless optional", func(t *testing.T) {
		in := input(t, schema, nil, Context{})
		deny, _ := rule.Check(in)
		require.NotNil(t, deny)

		opt := rule
		opt.Optional = true
		deny, _ = opt.Check(in)
		assert.Nil(t, deny)
	})
}

func TestFieldAllowlistKeyed(t *testing.T) {
	schema := Schema{{Name: "allowed_entity_types", Kind: KindStringListByKey}}
	rule := FieldAllowlist{
		Field: "accessing_entity_type", Limit: "allowed_entity_types",
		KeyField: "data_classification", Code: decision.CodeEntityTypeForbidden,
	}
	params := map[string]any{"allowed_entity_types": map[string]any{
		"confidential": []any{"auditor", "regulator"},
	}}

	t.Run("entity allowed for classification", func(t *testing.T) {
		in := input(t, schema, params, Context{"data_classification": "confidential", "accessing_entity_type": "auditor"})
		deny, _ := rule.Check(in)
		assert.Nil(t, deny)
	})

	t.Run("entity forbidden for classification", func(t *testing.T) {
		in := input(t, schema, params, Context{"data_classification": "confidential", "accessing_entity_type": "vendor"})
		deny, _ := rule.Check(in)
		require.NotNil(t, deny)
		assert.Equal(t, decision.CodeEntityTypeForbidden, deny.Code)
	})

	t.Run("classification with no entry allows nothing", func(t *testing.T) {
		in := input(t, schema, params, Context{"data_classification": "secret", "accessing_entity_type": "auditor"})
		deny, _ := rule.Check(in)
		require.NotNil(t, deny)
	})
}

func TestFieldBlocklist(t *testing.T) {
	schema := Schema{{Name: "blocked_categories", Kind: KindStringList}}
	rule := FieldBlocklist{Field: "items", ItemField: "category", Limit: "blocked_categories", Code: decision.CodeCategoryBlocked}
	params := map[string]any{"blocked_categories": []any{"weapons", "gambling"}}

	t.Run("clean items pass", func(t *testing.T) {
		in := input(t, schema, params, Context{"items": []any{
			map[string]any{"category": "books"},
			map[string]any{"category": "music"},
		}})
		deny, _ := rule.Check(in)
		assert.Nil(t, deny)
	})

	t.Run("any blocked item denies", func(t *testing.T) {
		in := input(t, schema, params, Context{"items": []any{
			map[string]any{"category": "books"},
			map[string]any{"category": "gambling"},
		}})
		deny, _ := rule.Check(in)
		require.NotNil(t, deny)
		assert.Equal(t, decision.CodeCategoryBlocked, deny.Code)
	})
}

func TestCrossFieldConsistency(t *testing.T) {
	rule := CrossFieldConsistency{
		WhenField: "source_account_type", WhenEquals: "client_funds",
		Field: "destination_account_type", Equals: "proprietary",
		Code: decision.CodeComminglingForbidden,
	}

	t.Run("forbidden combination denies", func(t *testing.T) {
		in := input(t, nil, nil, Context{
			"source_account_type":      "client_funds",
			"destination_account_type": "proprietary",
		})
		deny, _ := rule.Check(in)
		require.NotNil(t, deny)
		assert.Equal(t, decision.CodeComminglingForbidden, deny.Code)
	})

	t.Run("either side differing passes", func(t *testing.T) {
		in := input(t, nil, nil, Context{
			"source_account_type":      "client_funds",
			"destination_account_type": "client_funds",
		})
		deny, _ := rule.Check(in)
		assert.Nil(t, deny)
	})
}

func TestNumericLimit(t *testing.T) {
	schema := Schema{{Name: "max_amount", Kind: KindNumber}}
	rule := NumericLimit{Field: "amount", Limit: "max_amount", Code: decision.CodeLimitExceeded}

	t.Run("under the cap passes", func(t *testing.T) {
		in := input(t, schema, map[string]any{"max_amount": 20000}, Context{"amount": 15000.0})
		deny, _ := rule.Check(in)
		assert.Nil(t, deny)
	})

	t.Run("over the cap denies", func(t *testing.T) {
		in := input(t, schema, map[string]any{"max_amount": 20000}, Context{"amount": 25000.0})
		deny, _ := rule.Check(in)
		require.NotNil(t, deny)
		assert.Equal(t, decision.CodeLimitExceeded, deny.Code)
	})

	t.Run("exactly at the cap passes", func(t *testing.T) {
		in := input(t, schema, map[string]any{"max_amount": 20000}, Context{"amount": 20000.0})
		deny, _ := rule.Check(in)
		assert.Nil(t, deny)
	})

	t.Run("non-numeric field is invalid context", func(t *testing.T) {
		in := input(t, schema, map[string]any{"max_amount": 20000}, Context{"amount": "lots"})
		deny, _ := rule.Check(in)
		require.NotNil(t, deny)
		assert.Equal(t, decision.CodeInvalidContext, deny.Code)
	})

	t.Run("negative value is invalid context", func(t *testing.T) {
		in := input(t, schema, map[string]any{"max_amount": 20000}, Context{"amount": -500.0})
		deny, _ := rule.Check(in)
		require.NotNil(t, deny)
		assert.Equal(t, decision.CodeInvalidContext, deny.Code)
	})

	t.Run("count mode measures list length", func(t *testing.T) {
		countSchema := Schema{{Name: "max_items_per_tx", Kind: KindNumber}}
		count := NumericLimit{Field: "items", Limit: "max_items_per_tx", Code: decision.CodeLimitExceeded, Count: true}
		in := input(t, countSchema, map[string]any{"max_items_per_tx": 2},
			Context{"items": []any{1, 2, 3}})
		deny, _ := count.Check(in)
		require.NotNil(t, deny)
	})
}

func TestBoolGate(t *testing.T) {
	schema := Schema{{Name: "allow_pii", Kind: KindBool}}
	rule := BoolGate{Field: "contains_pii", Limit: "allow_pii", Code: decision.CodeClassificationForbidden}

	t.Run("flag down passes", func(t *testing.T) {
		in := input(t, schema, nil, Context{"contains_pii": false})
		deny, _ := rule.Check(in)
		assert.Nil(t, deny)
	})

	t.Run("flag up without grant denies", func(t *testing.T) {
		in := input(t, schema, nil, Context{"contains_pii": true})
		deny, _ := rule.Check(in)
		require.NotNil(t, deny)
	})

	t.Run("flag up with grant passes", func(t *testing.T) {
		in := input(t, schema, map[string]any{"allow_pii": true}, Context{"contains_pii": true})
		deny, _ := rule.Check(in)
		assert.Nil(t, deny)
	})
}

func TestLedgerReserve(t *testing.T) {
	schema := Schema{{Name: "daily_cap", Kind: KindNumberByKey}}
	rule := LedgerReserve{
		Dimension:    "charge",
		Window:       ledger.WindowDay,
		DeltaField:   "amount",
		GroupByField: "currency",
		ItemsField:   "batch",
		CapLimit:     "daily_cap",
		Code:         decision.CodeLimitExceeded,
	}
	params := map[string]any{"daily_cap": map[string]any{"USD": 100000, "EUR": 50000}}

	t.Run("single request stages one reservation", func(t *testing.T) {
		in := input(t, schema, params, Context{"amount": 2500.0, "currency": "USD"})
		deny, res := rule.Check(in)
		require.Nil(t, deny)
		require.Len(t, res, 1)
		assert.Equal(t, "charge:usd", res[0].Entry.Dimension)
		assert.Equal(t, 2500.0, res[0].Entry.Delta)
		assert.True(t, res[0].Capped)
		assert.Equal(t, 100000.0, res[0].Cap)
		assert.Equal(t, ledger.WindowDay, res[0].Entry.Window)
	})

	t.Run("batch aggregates per currency before caps", func(t *testing.T) {
		in := input(t, schema, params, Context{"batch": []any{
			map[string]any{"amount": 40000.0, "currency": "USD"},
			map[string]any{"amount": 30000.0, "currency": "EUR"},
			map[string]any{"amount": 50000.0, "currency": "USD"},
		}})
		deny, res := rule.Check(in)
		require.Nil(t, deny)
		require.Len(t, res, 2)

		byDim := map[string]Reservation{}
		for _, r := range res {
			byDim[r.Entry.Dimension] = r
		}
		assert.Equal(t, 90000.0, byDim["charge:usd"].Entry.Delta)
		assert.Equal(t, 30000.0, byDim["charge:eur"].Entry.Delta)
	})

	t.Run("unknown currency is uncapped but still tracked", func(t *testing.T) {
		in := input(t, schema, params, Context{"amount": 10.0, "currency": "GBP"})
		deny, res := rule.Check(in)
		require.Nil(t, deny)
		require.Len(t, res, 1)
		assert.False(t, res[0].Capped)
	})

	t.Run("non-numeric delta is invalid context", func(t *testing.T) {
		in := input(t, schema, params, Context{"amount": "much", "currency": "USD"})
		deny, _ := rule.Check(in)
		require.NotNil(t, deny)
		assert.Equal(t, decision.CodeInvalidContext, deny.Code)
	})

	t.Run("negative delta is invalid context", func(t *testing.T) {
		in := input(t, schema, params, Context{"amount": -3000.0, "currency": "USD"})
		deny, res := rule.Check(in)
		require.NotNil(t, deny)
		assert.Equal(t, decision.CodeInvalidContext, deny.Code)
		assert.Empty(t, res, "a rejected delta must stage nothing")
	})

	t.Run("zero delta is invalid context", func(t *testing.T) {
		in := input(t, schema, params, Context{"amount": 0.0, "currency": "USD"})
		deny, _ := rule.Check(in)
		require.NotNil(t, deny)
		assert.Equal(t, decision.CodeInvalidContext, deny.Code)
	})

	t.Run("negative batch member denies the whole batch", func(t *testing.T) {
		in := input(t, schema, params, Context{"batch": []any{
			map[string]any{"amount": 4000.0, "currency": "USD"},
			map[string]any{"amount": -3000.0, "currency": "USD"},
		}})
		deny, res := rule.Check(in)
		require.NotNil(t, deny)
		assert.Equal(t, decision.CodeInvalidContext, deny.Code)
		assert.Empty(t, res)
	})

	t.Run("group key case folds into one dimension and cap", func(t *testing.T) {
		in := input(t, schema, params, Context{"amount": 2500.0, "currency": "usd"})
		deny, res := rule.Check(in)
		require.Nil(t, deny)
		require.Len(t, res, 1)
		assert.Equal(t, "charge:usd", res[0].Entry.Dimension)
		require.True(t, res[0].Capped, "the USD cap must bound usd traffic")
		assert.Equal(t, 100000.0, res[0].Cap)
	})

	t.Run("fixed delta rate dimension", func(t *testing.T) {
		rateSchema := Schema{{Name: "msgs_per_min", Kind: KindNumber}}
		rate := LedgerReserve{Dimension: "msgs:minute", Window: ledger.WindowMinute, CapLimit: "msgs_per_min", Code: decision.CodeLimitExceeded}
		in := input(t, rateSchema, map[string]any{"msgs_per_min": 5}, Context{})
		deny, res := rate.Check(in)
		require.Nil(t, deny)
		require.Len(t, res, 1)
		assert.Equal(t, 1.0, res[0].Entry.Delta)
		assert.Equal(t, "msgs:minute", res[0].Entry.Dimension)
	})
}

func TestResolveLimits(t *testing.T) {
	schema := Schema{
		{Name: "max_amount", Kind: KindNumber},
		{Name: "supported_currencies", Kind: KindStringList},
	}

	t.Run("capability params take precedence over nested limits", func(t *testing.T) {
		grant := passport.Capability{Params: map[string]any{"max_amount": 100}}
		p := &passport.Passport{Limits: map[string]any{
			"payments": map[string]any{"max_amount": 999.0},
		}}
		limits, err := ResolveLimits(schema, grant, p, "payments")
		require.NoError(t, err)
		v, ok := limits.Number("max_amount")
		require.True(t, ok)
		assert.Equal(t, 100.0, v)
	})

	t.Run("nested limits fill gaps", func(t *testing.T) {
		p := &passport.Passport{Limits: map[string]any{
			"payments": map[string]any{"supported_currencies": []any{"USD"}},
		}}
		limits, err := ResolveLimits(schema, passport.Capability{}, p, "payments")
		require.NoError(t, err)
		v, ok := limits.Strings("supported_currencies")
		require.True(t, ok)
		assert.Equal(t, []string{"USD"}, v)
	})

	t.Run("wrong shape fails loudly", func(t *testing.T) {
		grant := passport.Capability{Params: map[string]any{"max_amount": "plenty"}}
		_, err := ResolveLimits(schema, grant, &passport.Passport{}, "payments")
		require.Error(t, err)
	})

	t.Run("unconfigured keys stay unset", func(t *testing.T) {
		limits, err := ResolveLimits(schema, passport.Capability{}, &passport.Passport{}, "payments")
		require.NoError(t, err)
		_, ok := limits.Number("max_amount")
		assert.False(t, ok)
		assert.False(t, limits.Set("max_amount"))
	})
}
