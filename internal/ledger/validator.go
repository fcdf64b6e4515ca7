package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/fairlance-ledger/internal/budget"
	"github.com/mmeshcher/fairlance-ledger/internal/model"
)

// Validation — результат проверки конкретной суммы платежа.
type Validation struct {
	IsValid                bool
	CurrentRemainingBudget decimal.Decimal
	WouldResultInNegative  bool
	Errors                 []string
}

// AuditReport — результат сверки платёжной книги проекта.
type AuditReport struct {
	ProjectID       string
	TotalBudget     decimal.Decimal
	UpfrontPaid     decimal.Decimal
	ManualPaid      decimal.Decimal
	FinalPaid       decimal.Decimal
	TotalPaid       decimal.Decimal
	RemainingBudget decimal.Decimal
	Violations      []string
}

// Validator независимо от вызывающего кода пересчитывает остаток бюджета
// и отклоняет платежи, выводящие проект за бюджет. Гейт решает, допустим
// ли сейчас такой *вид* платежа; валидатор — укладывается ли в бюджет
// эта *конкретная сумма*. Обе проверки обязаны пройти до фиксации.
type Validator struct {
	projects ProjectStore
	invoices InvoiceStore
}

// NewValidator создаёт валидатор целостности бюджета.
func NewValidator(projects ProjectStore, invoices InvoiceStore) *Validator {
	return &Validator{
		projects: projects,
		invoices: invoices,
	}
}

// ValidateProposedPayment проверяет, что платёж указанной суммы не выведет
// проект за бюджет. Для счетов за задачи дополнительно проверяется пул
// задач: оплаченные счета за задачи не должны превысить 88% бюджета.
func (v *Validator) ValidateProposedPayment(ctx context.Context, projectID string, amount decimal.Decimal, invoiceType model.InvoiceType) (*Validation, error) {
	p, err := v.projects.GetProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}

	invoices, err := v.invoices.ListInvoicesByProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}

	totalPaid := decimal.Zero
	for _, inv := range invoices {
		if inv.Status == model.InvoiceStatusPaid {
			totalPaid = totalPaid.Add(inv.TotalAmount)
		}
	}

	res := &Validation{
		CurrentRemainingBudget: p.TotalBudget.Sub(totalPaid),
	}

	if !amount.IsPositive() {
		res.Errors = append(res.Errors, fmt.Sprintf("payment amount %s is not positive", amount))
		return res, nil
	}

	if amount.GreaterThan(res.CurrentRemainingBudget) {
		res.WouldResultInNegative = true
		res.Errors = append(res.Errors,
			fmt.Sprintf("payment of %s exceeds remaining budget %s", amount, res.CurrentRemainingBudget))
		return res, nil
	}

	if invoiceType == model.InvoiceTypeManual {
		pool := budget.TaskPoolBudget(p.TotalBudget)
		if paidManualSum(invoices).Add(amount).GreaterThan(pool) {
			res.WouldResultInNegative = true
			res.Errors = append(res.Errors,
				fmt.Sprintf("payment of %s exceeds task pool %s", amount, pool.Round(2)))
			return res, nil
		}
	}

	res.IsValid = true
	return res, nil
}

// AuditProject сверяет оплаченные счета проекта с расчётными суммами и
// с paid_to_date. Предназначен для периодического офлайн-прогона по всем
// проектам, а не только для встроенных проверок.
func (v *Validator) AuditProject(ctx context.Context, projectID string) (*AuditReport, error) {
	p, err := v.projects.GetProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}

	invoices, err := v.invoices.ListInvoicesByProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}

	report := &AuditReport{
		ProjectID:   projectID,
		TotalBudget: p.TotalBudget,
		UpfrontPaid: decimal.Zero,
		ManualPaid:  decimal.Zero,
		FinalPaid:   decimal.Zero,
	}

	upfrontCount, finalCount := 0, 0
	manualByTask := make(map[string]int)

	for _, inv := range invoices {
		if inv.Status != model.InvoiceStatusPaid {
			continue
		}
		switch inv.Type {
		case model.InvoiceTypeUpfront:
			upfrontCount++
			report.UpfrontPaid = report.UpfrontPaid.Add(inv.TotalAmount)
		case model.InvoiceTypeManual:
			if inv.TaskID != nil {
				manualByTask[*inv.TaskID]++
			}
			report.ManualPaid = report.ManualPaid.Add(inv.TotalAmount)
		case model.InvoiceTypeFinal:
			finalCount++
			report.FinalPaid = report.FinalPaid.Add(inv.TotalAmount)
		}
	}

	report.TotalPaid = report.UpfrontPaid.Add(report.ManualPaid).Add(report.FinalPaid)
	report.RemainingBudget = p.TotalBudget.Sub(report.TotalPaid)

	violation := func(format string, args ...any) {
		report.Violations = append(report.Violations,
			"BUDGET_INTEGRITY_VIOLATION: "+fmt.Sprintf(format, args...))
	}

	if report.TotalPaid.GreaterThan(p.TotalBudget) {
		violation("total paid %s exceeds budget %s", report.TotalPaid, p.TotalBudget)
	}
	if upfrontCount > 1 {
		violation("%d paid upfront invoices, at most one allowed", upfrontCount)
	}
	if finalCount > 1 {
		violation("%d paid final invoices, at most one allowed", finalCount)
	}
	for taskID, n := range manualByTask {
		if n > 1 {
			violation("task %s has %d paid manual invoices", taskID, n)
		}
	}

	if upfrontCount == 1 {
		expected, err := budget.UpfrontAmount(p.TotalBudget)
		if err == nil && !report.UpfrontPaid.Equal(expected) {
			violation("upfront paid %s, expected %s", report.UpfrontPaid, expected)
		}
	}

	if !p.PaidToDate.Equal(report.TotalPaid) {
		violation("project paid_to_date %s does not match paid invoices total %s", p.PaidToDate, report.TotalPaid)
	}

	return report, nil
}
