package ledger

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/fairlance-ledger/internal/budget"
	"github.com/mmeshcher/fairlance-ledger/internal/gateway"
	"github.com/mmeshcher/fairlance-ledger/internal/model"
	"github.com/mmeshcher/fairlance-ledger/internal/repository"
)

// ErrNotFinalInvoice возвращается при попытке исполнить через шлюз счёт,
// не являющийся финальным.
var ErrNotFinalInvoice = errors.New("invoice is not a final invoice")

// Gateway описывает контракт внешней платёжной системы. Книга доводит
// счёт до состояния «создан/подлежит оплате»; само движение денег —
// забота шлюза.
type Gateway interface {
	Execute(ctx context.Context, invoiceNumber string) (*gateway.ExecutionResult, int, time.Duration, error)
	GetStatus(ctx context.Context, invoiceNumber string) (*gateway.ExecutionResult, int, time.Duration, error)
}

// PaymentResult — итог платёжного действия. Ровно одно из двух: Invoice
// при выполненном (или ранее выполненном) платеже, Rejection при отказе
// гейта или валидатора.
type PaymentResult struct {
	Invoice     *model.Invoice
	AlreadyPaid bool
	Rejection   *Decision
}

// Счёт, зависший в processing дольше этого порога, попадает в выверку.
const stuckProcessingAge = 30 * time.Second

// Orchestrator исполняет платёжные действия: проверяет допустимость,
// считает сумму, валидирует её и атомарно фиксирует счёт вместе с
// paid_to_date проекта. Аванс и оплата задач фиксируются в книге сразу
// как paid; финальная выплата проходит через внешний шлюз двумя фазами.
type Orchestrator struct {
	store             Store
	gate              *Gate
	validator         *Validator
	events            EventSink
	gateway           Gateway
	logger            *zap.Logger
	reconcileInterval time.Duration
}

// NewOrchestrator создаёт оркестратор платежей. gw может быть nil —
// тогда финальная выплата фиксируется в книге без внешнего исполнения.
func NewOrchestrator(store Store, gate *Gate, validator *Validator, events EventSink, gw Gateway, logger *zap.Logger, reconcileInterval time.Duration) *Orchestrator {
	if reconcileInterval <= 0 {
		reconcileInterval = 5 * time.Second
	}
	return &Orchestrator{
		store:             store,
		gate:              gate,
		validator:         validator,
		events:            events,
		gateway:           gw,
		logger:            logger,
		reconcileInterval: reconcileInterval,
	}
}

// invoiceNumber строит номер счёта: префикс из идентификатора проекта,
// код типа и сквозная последовательность. Уникальность гарантирует
// первичный ключ таблицы счетов, а не формат.
func invoiceNumber(projectID string, t model.InvoiceType, seq int64) string {
	code := "TK"
	switch t {
	case model.InvoiceTypeUpfront:
		code = "UP"
	case model.InvoiceTypeFinal:
		code = "FN"
	}

	var b strings.Builder
	for _, r := range strings.ToUpper(projectID) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
		if b.Len() >= 8 {
			break
		}
	}
	prefix := b.String()
	if prefix == "" {
		prefix = "PRJ"
	}

	return fmt.Sprintf("%s-%s-%06d", prefix, code, seq)
}

func (o *Orchestrator) emit(ctx context.Context, eventType model.EventType, inv *model.Invoice) {
	e := model.Event{
		ID:            uuid.NewString(),
		Type:          eventType,
		ProjectID:     inv.ProjectID,
		TaskID:        inv.TaskID,
		InvoiceNumber: inv.Number,
		Amount:        inv.TotalAmount,
		CreatedAt:     time.Now(),
	}

	// Событие — best effort: сбой доставки не откатывает платёж.
	if err := o.events.Emit(ctx, e); err != nil {
		o.logger.Error("emit domain event",
			zap.Error(err),
			zap.String("event", string(eventType)),
			zap.String("invoice", inv.Number))
	}
}

// existingInvoice ищет счёт-победитель после проигрыша гонки вставки.
func (o *Orchestrator) existingInvoice(ctx context.Context, inv model.Invoice) (*model.Invoice, error) {
	if inv.Type == model.InvoiceTypeManual && inv.TaskID != nil {
		taskInvoices, err := o.store.ListInvoicesByTask(ctx, *inv.TaskID)
		if err != nil {
			return nil, fmt.Errorf("list task invoices: %w", err)
		}
		if winner := nonVoidByType(taskInvoices, inv.Type); winner != nil {
			return winner, nil
		}
		return nil, repository.ErrInvoiceNotFound
	}

	invoices, err := o.store.ListInvoicesByProject(ctx, inv.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}
	if winner := nonVoidByType(invoices, inv.Type); winner != nil {
		return winner, nil
	}
	return nil, repository.ErrInvoiceNotFound
}

// commit проводит счёт через хранилище, превращая проигрыш гонки и
// повторную проверку бюджета внутри транзакции в структурные результаты.
func (o *Orchestrator) commit(ctx context.Context, inv model.Invoice, markTaskPaid bool) (*PaymentResult, error) {
	committed, err := o.store.CommitPayment(ctx, inv, markTaskPaid)
	if err != nil {
		if errors.Is(err, repository.ErrDuplicatePayment) {
			winner, werr := o.existingInvoice(ctx, inv)
			if werr != nil {
				return nil, fmt.Errorf("lookup winning invoice: %w", werr)
			}
			return &PaymentResult{Invoice: winner, AlreadyPaid: true}, nil
		}
		if errors.Is(err, repository.ErrBudgetExceeded) {
			o.logger.Error("budget integrity check failed at commit",
				zap.String("project", inv.ProjectID),
				zap.String("invoice", inv.Number))
			return &PaymentResult{Rejection: rejected(ReasonIntegrityViolation,
				fmt.Sprintf("payment of %s would exceed project budget", inv.TotalAmount))}, nil
		}
		return nil, fmt.Errorf("commit payment: %w", err)
	}
	return &PaymentResult{Invoice: committed}, nil
}

func (o *Orchestrator) validate(ctx context.Context, projectID string, amount decimal.Decimal, t model.InvoiceType) (*Decision, error) {
	val, err := o.validator.ValidateProposedPayment(ctx, projectID, amount, t)
	if err != nil {
		return nil, fmt.Errorf("validate payment: %w", err)
	}
	if !val.IsValid {
		o.logger.Error("integrity validator rejected payment",
			zap.String("project", projectID),
			zap.String("type", string(t)),
			zap.String("amount", amount.String()),
			zap.Strings("errors", val.Errors))
		return rejected(ReasonIntegrityViolation, strings.Join(val.Errors, "; ")), nil
	}
	return nil, nil
}

// PayUpfront выполняет авансовый платёж по проекту. Повторный вызов
// возвращает уже существующий авансовый счёт, а не второе списание.
func (o *Orchestrator) PayUpfront(ctx context.Context, projectID string) (*PaymentResult, error) {
	d, err := o.gate.CheckUpfront(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if !d.Allowed {
		if d.Reason == ReasonUpfrontAlreadyPaid && d.ExistingInvoice != nil {
			return &PaymentResult{Invoice: d.ExistingInvoice, AlreadyPaid: true}, nil
		}
		return &PaymentResult{Rejection: d}, nil
	}

	p, err := o.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}

	amount, err := budget.UpfrontAmount(p.TotalBudget)
	if err != nil {
		return nil, err
	}

	if rej, err := o.validate(ctx, projectID, amount, model.InvoiceTypeUpfront); err != nil {
		return nil, err
	} else if rej != nil {
		return &PaymentResult{Rejection: rej}, nil
	}

	seq, err := o.store.NextInvoiceSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("next invoice seq: %w", err)
	}

	now := time.Now()
	inv := model.Invoice{
		Number:      invoiceNumber(projectID, model.InvoiceTypeUpfront, seq),
		ProjectID:   projectID,
		Type:        model.InvoiceTypeUpfront,
		Status:      model.InvoiceStatusPaid,
		TotalAmount: amount,
		CreatedAt:   now,
		UpdatedAt:   now,
		PaidAt:      &now,
	}

	res, err := o.commit(ctx, inv, false)
	if err != nil || res.Rejection != nil || res.AlreadyPaid {
		return res, err
	}

	o.emit(ctx, model.EventUpfrontPaid, res.Invoice)
	return res, nil
}

// PayManualForTask выставляет и фиксирует счёт за одобренную задачу.
func (o *Orchestrator) PayManualForTask(ctx context.Context, projectID, taskID string) (*PaymentResult, error) {
	d, err := o.gate.CheckManual(ctx, projectID, taskID)
	if err != nil {
		return nil, err
	}
	if !d.Allowed {
		if d.Reason == ReasonTaskAlreadyInvoiced && d.ExistingInvoice != nil {
			return &PaymentResult{Invoice: d.ExistingInvoice, AlreadyPaid: true}, nil
		}
		return &PaymentResult{Rejection: d}, nil
	}

	p, err := o.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}

	tasks, err := o.store.ListTasksByProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	// Долю пула получает каждая задача независимо от статуса одобрения.
	amount, err := budget.ManualInvoiceAmount(p.TotalBudget, len(tasks))
	if err != nil {
		return nil, err
	}

	if rej, err := o.validate(ctx, projectID, amount, model.InvoiceTypeManual); err != nil {
		return nil, err
	} else if rej != nil {
		return &PaymentResult{Rejection: rej}, nil
	}

	seq, err := o.store.NextInvoiceSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("next invoice seq: %w", err)
	}

	now := time.Now()
	inv := model.Invoice{
		Number:      invoiceNumber(projectID, model.InvoiceTypeManual, seq),
		ProjectID:   projectID,
		TaskID:      &taskID,
		Type:        model.InvoiceTypeManual,
		Status:      model.InvoiceStatusPaid,
		TotalAmount: amount,
		CreatedAt:   now,
		UpdatedAt:   now,
		PaidAt:      &now,
	}

	res, err := o.commit(ctx, inv, true)
	if err != nil || res.Rejection != nil || res.AlreadyPaid {
		return res, err
	}

	o.emit(ctx, model.EventManualPaid, res.Invoice)
	return res, nil
}

// PayFinal создаёт финальный счёт на остаток бюджета. При настроенном
// шлюзе счёт остаётся в sent до явного шага исполнения; без шлюза
// выплата фиксируется в книге сразу.
func (o *Orchestrator) PayFinal(ctx context.Context, projectID string) (*PaymentResult, error) {
	d, err := o.gate.CheckFinal(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if !d.Allowed {
		if d.Reason == ReasonFinalAlreadyPaid && d.ExistingInvoice != nil {
			return &PaymentResult{Invoice: d.ExistingInvoice, AlreadyPaid: true}, nil
		}
		return &PaymentResult{Rejection: d}, nil
	}

	amount := d.RemainingBudget

	if rej, err := o.validate(ctx, projectID, amount, model.InvoiceTypeFinal); err != nil {
		return nil, err
	} else if rej != nil {
		return &PaymentResult{Rejection: rej}, nil
	}

	seq, err := o.store.NextInvoiceSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("next invoice seq: %w", err)
	}

	now := time.Now()
	inv := model.Invoice{
		Number:      invoiceNumber(projectID, model.InvoiceTypeFinal, seq),
		ProjectID:   projectID,
		Type:        model.InvoiceTypeFinal,
		Status:      model.InvoiceStatusSent,
		TotalAmount: amount,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if o.gateway == nil {
		inv.Status = model.InvoiceStatusPaid
		inv.PaidAt = &now
	}

	res, err := o.commit(ctx, inv, false)
	if err != nil || res.Rejection != nil || res.AlreadyPaid {
		return res, err
	}

	if o.gateway == nil {
		o.emit(ctx, model.EventFinalPaid, res.Invoice)
	}
	return res, nil
}

// settleFinal идемпотентно фиксирует оплату финального счёта.
func (o *Orchestrator) settleFinal(ctx context.Context, number string) (*PaymentResult, error) {
	inv, already, err := o.store.MarkInvoicePaid(ctx, number)
	if err != nil {
		return nil, fmt.Errorf("mark invoice paid: %w", err)
	}
	if !already {
		o.emit(ctx, model.EventFinalPaid, inv)
	}
	return &PaymentResult{Invoice: inv, AlreadyPaid: already}, nil
}

// ExecuteFinal исполняет финальный счёт через платёжный шлюз. Перед
// обращением к шлюзу счёт переводится в processing — долговечная отметка
// незавершённого исполнения, по которой выверка доведёт платёж до конца
// после сбоя. Блокировки БД на время обращения к шлюзу не удерживаются.
func (o *Orchestrator) ExecuteFinal(ctx context.Context, number string) (*PaymentResult, error) {
	inv, err := o.store.GetInvoice(ctx, number)
	if err != nil {
		return nil, err
	}
	if inv.Type != model.InvoiceTypeFinal {
		return nil, ErrNotFinalInvoice
	}
	if inv.Status == model.InvoiceStatusPaid {
		return &PaymentResult{Invoice: inv, AlreadyPaid: true}, nil
	}

	if err := o.store.UpdateInvoiceStatus(ctx, number, model.InvoiceStatusSent, model.InvoiceStatusProcessing); err != nil {
		if errors.Is(err, repository.ErrInvoiceStateConflict) {
			// Параллельный исполнитель успел раньше; перечитываем итог.
			refreshed, rerr := o.store.GetInvoice(ctx, number)
			if rerr != nil {
				return nil, rerr
			}
			if refreshed.Status == model.InvoiceStatusPaid {
				return &PaymentResult{Invoice: refreshed, AlreadyPaid: true}, nil
			}
			if refreshed.Status == model.InvoiceStatusProcessing {
				return &PaymentResult{Invoice: refreshed}, nil
			}
		}
		return nil, err
	}

	if o.gateway == nil {
		return o.settleFinal(ctx, number)
	}

	res, code, _, err := o.gateway.Execute(ctx, number)
	if err != nil {
		// Исход на стороне шлюза неизвестен: счёт остаётся в processing,
		// выверка опросит шлюз и завершит или откатит платёж.
		return nil, fmt.Errorf("gateway execute: %w", err)
	}

	if code == http.StatusTooManyRequests {
		_ = o.store.UpdateInvoiceStatus(ctx, number, model.InvoiceStatusProcessing, model.InvoiceStatusSent)
		return nil, fmt.Errorf("gateway throttled execution of %s", number)
	}
	if res == nil {
		_ = o.store.UpdateInvoiceStatus(ctx, number, model.InvoiceStatusProcessing, model.InvoiceStatusSent)
		return nil, fmt.Errorf("gateway returned status %d for %s", code, number)
	}

	switch res.Status {
	case gateway.StatusCompleted:
		return o.settleFinal(ctx, number)
	case gateway.StatusProcessing:
		current, err := o.store.GetInvoice(ctx, number)
		if err != nil {
			return nil, err
		}
		return &PaymentResult{Invoice: current}, nil
	default:
		if err := o.store.UpdateInvoiceStatus(ctx, number, model.InvoiceStatusProcessing, model.InvoiceStatusSent); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("gateway failed to execute %s: %s", number, res.Status)
	}
}

// StartReconciliation запускает фоновую выверку счетов, зависших в
// processing. Выверка идемпотентна: повторный прогон по тем же счетам
// не меняет итог.
func (o *Orchestrator) StartReconciliation(ctx context.Context) {
	if o.gateway == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(o.reconcileInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.reconcileBatch(ctx)
			}
		}
	}()
}

func (o *Orchestrator) reconcileBatch(ctx context.Context) {
	stuck, err := o.store.ListInvoicesByStatus(ctx, model.InvoiceStatusProcessing, stuckProcessingAge, 100)
	if err != nil {
		o.logger.Error("list stuck invoices", zap.Error(err))
		return
	}

	for _, inv := range stuck {
		res, code, retryAfter, err := o.gateway.GetStatus(ctx, inv.Number)
		if err != nil {
			continue
		}

		if code == http.StatusTooManyRequests {
			if retryAfter > 0 {
				timer := time.NewTimer(retryAfter)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
			}
			continue
		}

		// Шлюз счёта не видел: исполнение не начиналось, возвращаем в sent.
		if code == http.StatusNoContent || code == http.StatusNotFound {
			if err := o.store.UpdateInvoiceStatus(ctx, inv.Number, model.InvoiceStatusProcessing, model.InvoiceStatusSent); err != nil {
				o.logger.Error("revert stuck invoice", zap.Error(err), zap.String("invoice", inv.Number))
			}
			continue
		}

		if res == nil {
			continue
		}

		switch res.Status {
		case gateway.StatusCompleted:
			if _, err := o.settleFinal(ctx, inv.Number); err != nil {
				o.logger.Error("settle reconciled invoice", zap.Error(err), zap.String("invoice", inv.Number))
			}
		case gateway.StatusFailed:
			if err := o.store.UpdateInvoiceStatus(ctx, inv.Number, model.InvoiceStatusProcessing, model.InvoiceStatusSent); err != nil {
				o.logger.Error("revert failed invoice", zap.Error(err), zap.String("invoice", inv.Number))
			}
		default:
			// processing на стороне шлюза: оставляем до следующего прогона.
		}
	}
}
