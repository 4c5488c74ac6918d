package factory

import "github.com/warp/referral-ledger/rules"

// =============================================================================
// PRESETS
// =============================================================================

// ReferralRewardRuleName is the name of the built-in referral rule.
const ReferralRewardRuleName = "Referral Reward Rule"

// ReferralRewardRule pays the referrer 500 INR and issues a voucher once the
// referrer has paid and the referred user has subscribed.
func ReferralRewardRule() rules.Definition {
	return rules.Definition{
		Name:        ReferralRewardRuleName,
		Description: "Reward the referrer when a referred user subscribes",
		Conditions: rules.AllOf(
			rules.Compare("referrer.status", rules.OpEq, "PAID"),
			rules.Compare("referred.action", rules.OpEq, "SUBSCRIBED"),
		),
		Actions: []rules.Action{
			{Type: rules.ActionCreateReward, Params: map[string]any{
				"amount":   500,
				"currency": "INR",
				"type":     "referral_bonus",
			}},
			{Type: rules.ActionIssueVoucher, Params: map[string]any{
				"code":      "REFERRAL500",
				"value":     500,
				"currency":  "INR",
				"validDays": 30,
			}},
		},
		Metadata: map[string]any{
			"category": "referral",
			"priority": "high",
		},
	}
}

// PremiumUpgradeRule is a second preset used by the demo scenarios: a
// referred user on a yearly plan earns the referrer a bonus and a
// notification.
func PremiumUpgradeRule() rules.Definition {
	return rules.Definition{
		Name:        "Premium Upgrade Bonus",
		Description: "Extra reward for referrals that land on a yearly plan",
		Conditions: rules.AllOf(
			rules.Compare("referred.action", rules.OpEq, "SUBSCRIBED"),
			rules.Compare("referred.plan", rules.OpContains, "yearly"),
			rules.Compare("referred.spend", rules.OpGte, 1000),
		),
		Actions: []rules.Action{
			{Type: rules.ActionCreateReward, Params: map[string]any{
				"amount":   250,
				"currency": "INR",
				"type":     "premium_bonus",
			}},
			{Type: rules.ActionSendNotification, Params: map[string]any{
				"template": "premium_referral",
			}},
		},
		Metadata: map[string]any{"category": "referral"},
	}
}
