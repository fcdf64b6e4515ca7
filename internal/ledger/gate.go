package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/fairlance-ledger/internal/budget"
	"github.com/mmeshcher/fairlance-ledger/internal/model"
	"github.com/mmeshcher/fairlance-ledger/internal/repository"
)

// Reason — машиночитаемый код отказа гейта допустимости.
type Reason string

const (
	ReasonNotCompletionProject Reason = "NOT_COMPLETION_PROJECT"
	ReasonProjectNotFound      Reason = "PROJECT_NOT_FOUND"
	ReasonProjectNotPayable    Reason = "PROJECT_NOT_PAYABLE"
	ReasonNotAllTasksApproved  Reason = "NOT_ALL_TASKS_APPROVED"
	ReasonNoRemainingBudget    Reason = "NO_REMAINING_BUDGET"
	ReasonFinalAlreadyPaid     Reason = "FINAL_ALREADY_PROCESSED"
	ReasonTaskAlreadyInvoiced  Reason = "TASK_ALREADY_INVOICED"
	ReasonUpfrontAlreadyPaid   Reason = "UPFRONT_ALREADY_PAID"
	ReasonTaskNotFound         Reason = "TASK_NOT_FOUND"
	ReasonTaskNotApproved      Reason = "TASK_NOT_APPROVED"
	ReasonIntegrityViolation   Reason = "BUDGET_INTEGRITY_VIOLATION"
)

// Decision — результат проверки допустимости платёжного действия.
// Отказ — ожидаемый бизнес-результат, а не ошибка: вызывающий код
// ветвится по коду Reason.
type Decision struct {
	Allowed         bool
	Reason          Reason
	Message         string
	ApprovedTasks   int
	TotalTasks      int
	RemainingBudget decimal.Decimal
	// ExistingInvoice заполняется для отказов из-за дубликата: вызывающий
	// возвращает результат победителя вместо повторного списания.
	ExistingInvoice *model.Invoice
}

// Gate решает, допустимо ли сейчас конкретное платёжное действие.
// Гейт только читает хранилища и безопасен для повторных вызовов;
// результат не кэшируется — одобрение задач меняет ответ между
// проверкой и применением.
type Gate struct {
	projects ProjectStore
	tasks    TaskStore
	invoices InvoiceStore
}

// NewGate создаёт гейт допустимости над указанными хранилищами.
func NewGate(projects ProjectStore, tasks TaskStore, invoices InvoiceStore) *Gate {
	return &Gate{
		projects: projects,
		tasks:    tasks,
		invoices: invoices,
	}
}

func allowed() *Decision {
	return &Decision{Allowed: true}
}

func rejected(reason Reason, message string) *Decision {
	return &Decision{Reason: reason, Message: message}
}

// loadCompletionProject читает проект и применяет общие защитные проверки:
// проект существует и оплачивается по завершению.
func (g *Gate) loadCompletionProject(ctx context.Context, projectID string) (*model.Project, *Decision, error) {
	p, err := g.projects.GetProject(ctx, projectID)
	if err != nil {
		if errors.Is(err, repository.ErrProjectNotFound) {
			return nil, rejected(ReasonProjectNotFound, fmt.Sprintf("project %s not found", projectID)), nil
		}
		return nil, nil, fmt.Errorf("get project: %w", err)
	}

	if p.InvoicingMethod != model.InvoicingCompletion {
		return nil, rejected(ReasonNotCompletionProject,
			fmt.Sprintf("project %s uses %s invoicing", projectID, p.InvoicingMethod)), nil
	}

	return p, nil, nil
}

func nonVoidByType(invoices []model.Invoice, t model.InvoiceType) *model.Invoice {
	for i := range invoices {
		if invoices[i].Type == t && invoices[i].Status != model.InvoiceStatusVoid {
			return &invoices[i]
		}
	}
	return nil
}

func paidManualSum(invoices []model.Invoice) decimal.Decimal {
	sum := decimal.Zero
	for _, inv := range invoices {
		if inv.Type == model.InvoiceTypeManual && inv.Status == model.InvoiceStatusPaid {
			sum = sum.Add(inv.TotalAmount)
		}
	}
	return sum
}

// CheckUpfront проверяет допустимость авансового платежа по проекту.
func (g *Gate) CheckUpfront(ctx context.Context, projectID string) (*Decision, error) {
	p, d, err := g.loadCompletionProject(ctx, projectID)
	if err != nil || d != nil {
		return d, err
	}

	if p.Status != model.ProjectStatusProposed && p.Status != model.ProjectStatusOngoing {
		return rejected(ReasonProjectNotPayable,
			fmt.Sprintf("project %s is %s, upfront requires proposed or ongoing", projectID, p.Status)), nil
	}

	invoices, err := g.invoices.ListInvoicesByProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}

	if existing := nonVoidByType(invoices, model.InvoiceTypeUpfront); existing != nil {
		d := rejected(ReasonUpfrontAlreadyPaid, fmt.Sprintf("upfront invoice %s already exists", existing.Number))
		d.ExistingInvoice = existing
		return d, nil
	}

	return allowed(), nil
}

// CheckManual проверяет допустимость оплаты указанной задачи.
func (g *Gate) CheckManual(ctx context.Context, projectID, taskID string) (*Decision, error) {
	p, d, err := g.loadCompletionProject(ctx, projectID)
	if err != nil || d != nil {
		return d, err
	}

	if p.Status != model.ProjectStatusOngoing && p.Status != model.ProjectStatusPaused {
		return rejected(ReasonProjectNotPayable,
			fmt.Sprintf("project %s is %s, payments require ongoing or paused", projectID, p.Status)), nil
	}

	task, err := g.tasks.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, repository.ErrTaskNotFound) {
			return rejected(ReasonTaskNotFound, fmt.Sprintf("task %s not found", taskID)), nil
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	if task.ProjectID != projectID {
		return rejected(ReasonTaskNotFound,
			fmt.Sprintf("task %s does not belong to project %s", taskID, projectID)), nil
	}

	if task.Status != model.TaskStatusApproved {
		return rejected(ReasonTaskNotApproved,
			fmt.Sprintf("task %s is %q, only approved tasks are payable", taskID, task.Status)), nil
	}

	taskInvoices, err := g.invoices.ListInvoicesByTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task invoices: %w", err)
	}
	if existing := nonVoidByType(taskInvoices, model.InvoiceTypeManual); existing != nil {
		d := rejected(ReasonTaskAlreadyInvoiced, fmt.Sprintf("invoice %s already covers task %s", existing.Number, taskID))
		d.ExistingInvoice = existing
		return d, nil
	}

	// Флаг оплаты без действующего счёта — расхождение книги; новый счёт
	// по такой задаче не выставляется.
	if task.InvoicePaid {
		return rejected(ReasonTaskAlreadyInvoiced, fmt.Sprintf("task %s already invoiced", taskID)), nil
	}

	// Финальный счёт закрывает остаток пула; оплата задач после него
	// растратила бы сумму, на которую финал уже выставлен.
	invoices, err := g.invoices.ListInvoicesByProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}
	if existing := nonVoidByType(invoices, model.InvoiceTypeFinal); existing != nil {
		return rejected(ReasonFinalAlreadyPaid,
			fmt.Sprintf("final invoice %s already issued, task payments are closed", existing.Number)), nil
	}

	return allowed(), nil
}

// CheckFinal проверяет допустимость финальной выплаты. Требования:
// все задачи одобрены, финального счёта ещё нет, остаток бюджета
// положителен. Признак «все задачи одобрены» пересчитывается из
// хранилища задач при каждой проверке и нигде не хранится.
func (g *Gate) CheckFinal(ctx context.Context, projectID string) (*Decision, error) {
	p, d, err := g.loadCompletionProject(ctx, projectID)
	if err != nil || d != nil {
		return d, err
	}

	if p.Status != model.ProjectStatusOngoing && p.Status != model.ProjectStatusPaused {
		return rejected(ReasonProjectNotPayable,
			fmt.Sprintf("project %s is %s, payments require ongoing or paused", projectID, p.Status)), nil
	}

	tasks, err := g.tasks.ListTasksByProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	approvedCount := 0
	for _, t := range tasks {
		if t.Status == model.TaskStatusApproved {
			approvedCount++
		}
	}

	if len(tasks) == 0 || approvedCount != len(tasks) {
		d := rejected(ReasonNotAllTasksApproved,
			fmt.Sprintf("%d of %d tasks approved", approvedCount, len(tasks)))
		d.ApprovedTasks = approvedCount
		d.TotalTasks = len(tasks)
		return d, nil
	}

	invoices, err := g.invoices.ListInvoicesByProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}

	if existing := nonVoidByType(invoices, model.InvoiceTypeFinal); existing != nil {
		d := rejected(ReasonFinalAlreadyPaid, fmt.Sprintf("final invoice %s already exists", existing.Number))
		d.ExistingInvoice = existing
		return d, nil
	}

	remaining := budget.RemainingBudget(p.TotalBudget, paidManualSum(invoices))
	if !remaining.IsPositive() {
		d := rejected(ReasonNoRemainingBudget,
			fmt.Sprintf("remaining budget is %s", remaining))
		d.RemainingBudget = remaining
		return d, nil
	}

	res := allowed()
	res.ApprovedTasks = approvedCount
	res.TotalTasks = len(tasks)
	res.RemainingBudget = remaining
	return res, nil
}
