// Package budget содержит чистые функции расчёта сумм платежей по проекту.
package budget

import (
	"errors"

	"github.com/shopspring/decimal"
)

// ErrInvalidBudget возвращается при неположительном бюджете проекта.
var ErrInvalidBudget = errors.New("budget must be positive")

// ErrInvalidTaskCount возвращается при неположительном числе задач.
var ErrInvalidTaskCount = errors.New("task count must be positive")

var (
	upfrontShare  = decimal.NewFromFloat(0.12)
	taskPoolShare = decimal.NewFromFloat(0.88)
)

// Округление всегда до двух знаков, половина вверх, в точке расчёта;
// неокруглённые дроби между вызовами не накапливаются.
const moneyScale = 2

// UpfrontAmount возвращает сумму аванса: 12% от бюджета проекта.
func UpfrontAmount(totalBudget decimal.Decimal) (decimal.Decimal, error) {
	if !totalBudget.IsPositive() {
		return decimal.Zero, ErrInvalidBudget
	}
	return totalBudget.Mul(upfrontShare).Round(moneyScale), nil
}

// TaskPoolBudget возвращает пул задач: 88% бюджета, из которого
// оплачиваются задачи и финальная выплата. Аванс — комиссия за
// обязательство, он не относится ни к одной задаче.
func TaskPoolBudget(totalBudget decimal.Decimal) decimal.Decimal {
	return totalBudget.Mul(taskPoolShare)
}

// ManualInvoiceAmount возвращает сумму счёта за одну задачу: равную долю
// пула задач. Долю получает каждая задача независимо от статуса;
// оплачиваются только одобренные — это проверяет гейт, не калькулятор.
func ManualInvoiceAmount(totalBudget decimal.Decimal, totalTaskCount int) (decimal.Decimal, error) {
	if !totalBudget.IsPositive() {
		return decimal.Zero, ErrInvalidBudget
	}
	if totalTaskCount <= 0 {
		return decimal.Zero, ErrInvalidTaskCount
	}
	return TaskPoolBudget(totalBudget).Div(decimal.NewFromInt(int64(totalTaskCount))).Round(moneyScale), nil
}

// RemainingBudget возвращает остаток пула задач после оплаченных счетов
// за задачи — сумму финальной выплаты после одобрения всех задач.
func RemainingBudget(totalBudget, paidManualInvoicesSum decimal.Decimal) decimal.Decimal {
	return TaskPoolBudget(totalBudget).Sub(paidManualInvoicesSum).Round(moneyScale)
}
