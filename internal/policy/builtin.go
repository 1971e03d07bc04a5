package policy

import (
	"aport/internal/decision"
	"aport/internal/ledger"
	"aport/internal/passport"
)

// RegisterBuiltin adds the standard policy packs. Rule order within each
// chain is fixed: list rules run before cross-field rules, which run before
// numeric limits; ledger reservations are staged last and committed as one
// atomic batch by the evaluator.
func RegisterBuiltin(r *Registry) {
	r.MustRegister(chargePack())
	r.MustRegister(refundPack())
	r.MustRegister(transactionPack())
	r.MustRegister(dataAccessPack())
	r.MustRegister(messagingPack())
	r.MustRegister(repoMergePack())
	r.MustRegister(dataExportPack())
}

// chargePack authorizes card/wallet charges. Daily spend is capped per
// currency through the ledger; a charge may carry a batch of sub-charges
// which are aggregated per currency before the cap is checked.
func chargePack() Spec {
	return Spec{
		ID:             "finance.payment.charge.v1",
		Capability:     "payments.charge",
		Domain:         "payments",
		AssuranceFloor: passport.LevelL1,
		RequiredFields: []string{"amount", "currency", "merchant_id"},
		Schema: Schema{
			{Name: "supported_currencies", Kind: KindStringList},
			{Name: "allowed_merchant_ids", Kind: KindStringList},
			{Name: "allowed_countries", Kind: KindStringList},
			{Name: "blocked_categories", Kind: KindStringList},
			{Name: "max_amount", Kind: KindNumber},
			{Name: "max_items_per_tx", Kind: KindNumber},
			{Name: "daily_cap", Kind: KindNumberByKey},
		},
		Chain: []Rule{
			FieldAllowlist{Field: "currency", Limit: "supported_currencies", Code: decision.CodeCurrencyUnsupported},
			FieldAllowlist{Field: "merchant_id", Limit: "allowed_merchant_ids", Code: decision.CodeMerchantForbidden},
			FieldAllowlist{Field: "shipping_country", Limit: "allowed_countries", Code: decision.CodeRegionBlocked, Optional: true},
			FieldBlocklist{Field: "items", ItemField: "category", Limit: "blocked_categories", Code: decision.CodeCategoryBlocked},
			NumericLimit{Field: "amount", Limit: "max_amount", Code: decision.CodeLimitExceeded},
			NumericLimit{Field: "items", Limit: "max_items_per_tx", Code: decision.CodeLimitExceeded, Count: true, Optional: true},
			LedgerReserve{
				Dimension:    "charge",
				Window:       ledger.WindowDay,
				DeltaField:   "amount",
				GroupByField: "currency",
				ItemsField:   "batch",
				CapLimit:     "daily_cap",
				Code:         decision.CodeLimitExceeded,
			},
		},
	}
}

// refundPack authorizes refunds against prior charges. The realized refund
// may later be reported back into the ledger by the execution service at a
// different amount; the cap here bounds what may be attempted.
func refundPack() Spec {
	return Spec{
		ID:             "refunds.v1",
		Capability:     "payments.refund",
		Domain:         "payments",
		AssuranceFloor: passport.LevelL1,
		RequiredFields: []string{"amount", "currency", "order_id"},
		Schema: Schema{
			{Name: "supported_currencies", Kind: KindStringList},
			{Name: "max_refund_amount", Kind: KindNumber},
			{Name: "refund_daily_cap", Kind: KindNumberByKey},
		},
		Chain: []Rule{
			FieldAllowlist{Field: "currency", Limit: "supported_currencies", Code: decision.CodeCurrencyUnsupported},
			NumericLimit{Field: "amount", Limit: "max_refund_amount", Code: decision.CodeLimitExceeded},
			LedgerReserve{
				Dimension:    "refund",
				Window:       ledger.WindowDay,
				DeltaField:   "amount",
				GroupByField: "currency",
				ItemsField:   "batch",
				CapLimit:     "refund_daily_cap",
				Code:         decision.CodeLimitExceeded,
			},
		},
	}
}

// transactionPack authorizes treasury transaction execution. Counterparty
// exposure accumulates in the ledger per destination account; mixing client
// funds into proprietary accounts is refused outright.
func transactionPack() Spec {
	return Spec{
		ID:             "finance.transaction.execute.v1",
		Capability:     "finance.transaction",
		Domain:         "finance",
		AssuranceFloor: passport.LevelL3,
		RequiredFields: []string{
			"transaction_type", "amount", "currency", "asset_class",
			"source_account_id", "destination_account_id",
		},
		Schema: Schema{
			{Name: "allowed_transaction_types", Kind: KindStringList},
			{Name: "allowed_asset_classes", Kind: KindStringList},
			{Name: "allowed_source_account_types", Kind: KindStringList},
			{Name: "max_exposure_per_tx_usd", Kind: KindNumber},
			{Name: "max_exposure_per_counterparty_usd", Kind: KindNumber},
		},
		Chain: []Rule{
			FieldAllowlist{Field: "transaction_type", Limit: "allowed_transaction_types", Code: decision.CodeActionForbidden},
			FieldAllowlist{Field: "asset_class", Limit: "allowed_asset_classes", Code: decision.CodeAssetClassForbidden},
			FieldAllowlist{Field: "source_account_type", Limit: "allowed_source_account_types", Code: decision.CodeAccountTypeRestricted, Optional: true},
			CrossFieldConsistency{
				WhenField: "source_account_type", WhenEquals: "client_funds",
				Field: "destination_account_type", Equals: "proprietary",
				Code:    decision.CodeComminglingForbidden,
				Message: "client funds may not be moved into a proprietary account",
			},
			NumericLimit{Field: "amount", Limit: "max_exposure_per_tx_usd", Code: decision.CodeLimitExceeded},
			LedgerReserve{
				Dimension:    "exposure",
				Window:       ledger.WindowDay,
				DeltaField:   "amount",
				GroupByField: "destination_account_id",
				ItemsField:   "batch",
				CapLimit:     "max_exposure_per_counterparty_usd",
				Code:         decision.CodeCounterpartyLimit,
			},
		},
	}
}

// dataAccessPack authorizes reads over governed data. Entity types and
// actions are allowed per data classification; jurisdictional routing is
// checked on both ends.
func dataAccessPack() Spec {
	return Spec{
		ID:             "governance.data.access.v1",
		Capability:     "data.access",
		Domain:         "governance",
		AssuranceFloor: passport.LevelL3,
		RequiredFields: []string{
			"data_classification", "accessing_entity_id", "accessing_entity_type", "resource_id",
		},
		Schema: Schema{
			{Name: "allowed_classifications", Kind: KindStringList},
			{Name: "allowed_entity_types", Kind: KindStringListByKey},
			{Name: "allowed_actions", Kind: KindStringListByKey},
			{Name: "allowed_jurisdictions", Kind: KindStringList},
			{Name: "allowed_destination_jurisdictions", Kind: KindStringList},
			{Name: "max_rows_per_export", Kind: KindNumber},
			{Name: "balance_inquiry_cap_usd", Kind: KindNumber},
		},
		Chain: []Rule{
			FieldAllowlist{Field: "data_classification", Limit: "allowed_classifications", Code: decision.CodeClassificationForbidden},
			FieldAllowlist{Field: "accessing_entity_type", Limit: "allowed_entity_types", KeyField: "data_classification", Code: decision.CodeEntityTypeForbidden},
			FieldAllowlist{Field: "action", Limit: "allowed_actions", KeyField: "data_classification", Code: decision.CodeActionForbidden, Optional: true},
			FieldAllowlist{Field: "jurisdiction", Limit: "allowed_jurisdictions", Code: decision.CodeJurisdictionBlocked, Optional: true},
			FieldAllowlist{Field: "destination_jurisdiction", Limit: "allowed_destination_jurisdictions", Code: decision.CodeJurisdictionBlocked, Optional: true},
			NumericLimit{Field: "row_count", Limit: "max_rows_per_export", Code: decision.CodeRowLimitExceeded, Optional: true},
			NumericLimit{Field: "balance_inquiry_amount_usd", Limit: "balance_inquiry_cap_usd", Code: decision.CodeBalanceInquiryForbidden, Optional: true},
		},
	}
}

// messagingPack authorizes outbound messages. Rate dimensions run on two
// windows at once; both reservations land in the same atomic batch.
func messagingPack() Spec {
	return Spec{
		ID:             "messaging.message.send.v1",
		Capability:     "messaging.send",
		Domain:         "messaging",
		AssuranceFloor: passport.LevelL1,
		RequiredFields: []string{"channel", "recipient"},
		Schema: Schema{
			{Name: "channels_allowlist", Kind: KindStringList},
			{Name: "msgs_per_min", Kind: KindNumber},
			{Name: "msgs_per_day", Kind: KindNumber},
		},
		Chain: []Rule{
			FieldAllowlist{Field: "channel", Limit: "channels_allowlist", Code: decision.CodeActionForbidden},
			LedgerReserve{Dimension: "msgs:minute", Window: ledger.WindowMinute, CapLimit: "msgs_per_min", Code: decision.CodeLimitExceeded},
			LedgerReserve{Dimension: "msgs:day", Window: ledger.WindowDay, CapLimit: "msgs_per_day", Code: decision.CodeLimitExceeded},
		},
	}
}

// repoMergePack authorizes merging pull requests.
func repoMergePack() Spec {
	return Spec{
		ID:             "code.repository.merge.v1",
		Capability:     "repo.merge",
		Domain:         "code",
		AssuranceFloor: passport.LevelL2,
		RequiredFields: []string{"repository", "base_branch"},
		Schema: Schema{
			{Name: "allowed_repos", Kind: KindStringList},
			{Name: "allowed_base_branches", Kind: KindStringList},
			{Name: "max_pr_size_kb", Kind: KindNumber},
			{Name: "max_files_changed", Kind: KindNumber},
			{Name: "max_total_added_lines", Kind: KindNumber},
			{Name: "max_merges_per_day", Kind: KindNumber},
		},
		Chain: []Rule{
			FieldAllowlist{Field: "repository", Limit: "allowed_repos", Code: decision.CodeActionForbidden},
			FieldAllowlist{Field: "base_branch", Limit: "allowed_base_branches", Code: decision.CodeActionForbidden},
			NumericLimit{Field: "pr_size_kb", Limit: "max_pr_size_kb", Code: decision.CodeLimitExceeded, Optional: true},
			NumericLimit{Field: "files_changed", Limit: "max_files_changed", Code: decision.CodeLimitExceeded, Optional: true},
			NumericLimit{Field: "added_lines", Limit: "max_total_added_lines", Code: decision.CodeLimitExceeded, Optional: true},
			LedgerReserve{Dimension: "merges", Window: ledger.WindowDay, CapLimit: "max_merges_per_day", Code: decision.CodeLimitExceeded},
		},
	}
}

// dataExportPack authorizes bulk exports.
func dataExportPack() Spec {
	return Spec{
		ID:             "data.export.create.v1",
		Capability:     "data.export",
		Domain:         "data",
		AssuranceFloor: passport.LevelL2,
		RequiredFields: []string{"dataset_id", "row_count"},
		Schema: Schema{
			{Name: "max_export_rows", Kind: KindNumber},
			{Name: "allow_pii", Kind: KindBool},
			{Name: "exports_per_day", Kind: KindNumber},
		},
		Chain: []Rule{
			NumericLimit{Field: "row_count", Limit: "max_export_rows", Code: decision.CodeRowLimitExceeded},
			BoolGate{Field: "contains_pii", Limit: "allow_pii", Code: decision.CodeClassificationForbidden,
				Message: "this passport may not export rows containing PII"},
			LedgerReserve{Dimension: "exports", Window: ledger.WindowDay, CapLimit: "exports_per_day", Code: decision.CodeLimitExceeded},
		},
	}
}
