package advisor

import (
	"sort"

	"drainscan/pkg/models"
)

const (
	textAbandonWallet   = "Stop using this wallet now: its seed phrase or private key is compromised. Create a new wallet with a fresh seed phrase on a clean device."
	textStopDeposits    = "Do not send any more funds to this address; an automated sweeper will move them out within seconds."
	textRescueAssets    = "Move any remaining assets (tokens, NFTs, staked positions) to the new wallet, most valuable first."
	textCheckSiblings   = "Check other accounts derived from the same seed phrase and any device or service where it was stored."
	textRevokeDrainer   = "Revoke every token approval and delegate granted to the drainer addresses listed in the evidence."
	textMoveRemaining   = "Move remaining assets to a new wallet that has never interacted with the malicious site."
	textReportDrainer   = "Report the drainer addresses to the on-chain registry so other users are warned."
	textRevokeUnknown   = "Revoke any token approvals or delegates you do not recognise."
	textReviewActivity  = "Review recent transactions and connected sites; disconnect anything you did not intend to use."
	textRerun           = "The analysis did not complete; run the check again in a few minutes before relying on the result."
	textWatchFollowUp   = "Watch the wallet for further unexpected outflows over the next days."
	textAuthorityChange = "If token account ownership was reassigned, the affected accounts can no longer be recovered; move everything else out."
)

var templates = map[models.AttackType][]models.Recommendation{
	models.AttackSeedCompromise: {
		{Text: textAbandonWallet, Urgency: models.UrgencyCritical},
		{Text: textStopDeposits, Urgency: models.UrgencyCritical},
		{Text: textRescueAssets, Urgency: models.UrgencyHigh},
		{Text: textCheckSiblings, Urgency: models.UrgencyMedium},
	},
	models.AttackPermitDrainer: {
		{Text: textRevokeDrainer, Urgency: models.UrgencyCritical},
		{Text: textMoveRemaining, Urgency: models.UrgencyHigh},
		{Text: textReportDrainer, Urgency: models.UrgencyMedium},
	},
	models.AttackApprovalDrain: {
		{Text: textRevokeDrainer, Urgency: models.UrgencyCritical},
		{Text: textMoveRemaining, Urgency: models.UrgencyHigh},
		{Text: textAuthorityChange, Urgency: models.UrgencyHigh},
		{Text: textReportDrainer, Urgency: models.UrgencyMedium},
	},
	models.AttackUnknownDrain: {
		{Text: textRevokeUnknown, Urgency: models.UrgencyMedium},
		{Text: textReviewActivity, Urgency: models.UrgencyMedium},
	},
	models.AttackSingleTransactionDrain: {
		{Text: textRevokeDrainer, Urgency: models.UrgencyHigh},
		{Text: textReportDrainer, Urgency: models.UrgencyMedium},
		{Text: textWatchFollowUp, Urgency: models.UrgencyMedium},
	},
}

// 未分类但存在风险时的预防性建议
var precautionary = []models.Recommendation{
	{Text: textRevokeUnknown, Urgency: models.UrgencyMedium},
	{Text: textReviewActivity, Urgency: models.UrgencyMedium},
}

// Advise 生成去重并按紧急程度降序排列的建议列表，纯函数
func Advise(attack *models.AttackType, risk models.RiskLevel, partial bool) []models.Recommendation {
	var recs []models.Recommendation
	if attack != nil {
		recs = append(recs, templates[*attack]...)
	}
	if attack == nil && risk == models.RiskAtRisk {
		recs = append(recs, precautionary...)
	}
	if risk == models.RiskInconclusive || partial {
		recs = append(recs, models.Recommendation{Text: textRerun, Urgency: models.UrgencyMedium})
	}

	seen := make(map[string]struct{}, len(recs))
	out := make([]models.Recommendation, 0, len(recs))
	for _, r := range recs {
		if _, ok := seen[r.Text]; ok {
			continue
		}
		seen[r.Text] = struct{}{}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Urgency.Rank() > out[j].Urgency.Rank()
	})
	return out
}
