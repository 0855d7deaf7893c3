package parser

import (
	"strings"

	"regulatory-rag/internal/models"
)

// ClassifyRegulation infers the regulation type from a file name. Rules are
// checked in order and the first match wins.
func ClassifyRegulation(fileName string) models.RegulationType {
	lower := strings.ToLower(fileName)
	switch {
	case strings.Contains(fileName, "AR_"):
		return models.AnnualReport
	case strings.Contains(lower, "fsr"):
		return models.FinancialStabilityReport
	case strings.Contains(lower, "monetary"):
		return models.MonetaryPolicy
	case strings.Contains(lower, "monthly"):
		return models.MonthlyBulletin
	default:
		return models.OtherRegulation
	}
}
