package decision

// Reason codes live in the oap.* namespace. The set is extensible per policy
// pack; these are the codes the built-in packs emit. Codes are stable
// identifiers and must not change between releases.
const (
	CodeAllowed               = "oap.allowed"
	CodePassportSuspended     = "oap.passport_suspended"
	CodeUnknownCapability     = "oap.unknown_capability"
	CodeAssuranceInsufficient = "oap.assurance_insufficient"
	CodeInvalidContext        = "oap.invalid_context"
	CodeLimitExceeded         = "oap.limit_exceeded"
	CodeCurrencyUnsupported   = "oap.currency_unsupported"
	CodeMerchantForbidden     = "oap.merchant_forbidden"
	CodeRegionBlocked         = "oap.region_blocked"
	CodeCategoryBlocked       = "oap.category_blocked"
	CodeClassificationForbidden = "oap.classification_forbidden"
	CodeEntityTypeForbidden     = "oap.entity_type_forbidden"
	CodeJurisdictionBlocked     = "oap.jurisdiction_blocked"
	CodeActionForbidden         = "oap.action_forbidden"
	CodeAssetClassForbidden     = "oap.asset_class_forbidden"
	CodeAccountTypeRestricted   = "oap.account_type_restricted"
	CodeComminglingForbidden    = "oap.commingling_of_funds_forbidden"
	CodeCounterpartyLimit       = "oap.counterparty_limit_exceeded"
	CodeRowLimitExceeded        = "oap.row_limit_exceeded"
	CodeBalanceInquiryForbidden = "oap.balance_inquiry_forbidden"
	CodeIdempotencyConflict     = "oap.idempotency_conflict"

	// CodeInfrastructureError marks denials caused by unavailable backing
	// stores rather than policy. Callers may retry; the engine fails closed.
	CodeInfrastructureError = "oap.infrastructure_error"
)
