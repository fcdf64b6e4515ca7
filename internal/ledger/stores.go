// Package ledger реализует платёжную книгу проектов с оплатой по
// завершению: гейт допустимости, валидатор целостности бюджета и
// оркестратор платежей.
package ledger

import (
	"context"
	"time"

	"github.com/mmeshcher/fairlance-ledger/internal/model"
)

// ProjectStore описывает доступ к проектам на чтение.
type ProjectStore interface {
	GetProject(ctx context.Context, projectID string) (*model.Project, error)
}

// TaskStore описывает доступ к задачам проекта на чтение.
type TaskStore interface {
	ListTasksByProject(ctx context.Context, projectID string) ([]model.Task, error)
	GetTask(ctx context.Context, taskID string) (*model.Task, error)
}

// InvoiceStore описывает доступ к счетам на чтение.
type InvoiceStore interface {
	GetInvoice(ctx context.Context, number string) (*model.Invoice, error)
	ListInvoicesByProject(ctx context.Context, projectID string) ([]model.Invoice, error)
	ListInvoicesByTask(ctx context.Context, taskID string) ([]model.Invoice, error)
}

// PaymentStore описывает мутации платёжной книги. Реализация обязана
// выполнять CommitPayment и MarkInvoicePaid атомарно: запись счёта и
// изменение paid_to_date проекта фиксируются как единое целое.
type PaymentStore interface {
	// NextInvoiceSeq возвращает следующий номер последовательности счетов.
	NextInvoiceSeq(ctx context.Context) (int64, error)
	// CommitPayment создаёт счёт; для счёта в статусе paid одновременно
	// увеличивает paid_to_date проекта, при markTaskPaid помечает задачу
	// оплаченной. Проигрыш гонки за идемпотентный ключ — ErrDuplicatePayment,
	// превышение бюджета при повторной проверке в транзакции — ErrBudgetExceeded.
	CommitPayment(ctx context.Context, inv model.Invoice, markTaskPaid bool) (*model.Invoice, error)
	// MarkInvoicePaid идемпотентно переводит счёт в paid и увеличивает
	// paid_to_date; для уже оплаченного счёта возвращает его и true.
	MarkInvoicePaid(ctx context.Context, number string) (*model.Invoice, bool, error)
	// UpdateInvoiceStatus переводит счёт из статуса from в to.
	UpdateInvoiceStatus(ctx context.Context, number string, from, to model.InvoiceStatus) error
	// ListInvoicesByStatus возвращает счета, находящиеся в указанном
	// статусе дольше olderThan с момента последней смены статуса.
	ListInvoicesByStatus(ctx context.Context, status model.InvoiceStatus, olderThan time.Duration, limit int) ([]model.Invoice, error)
}

// Store объединяет контракты хранилища, нужные оркестратору.
type Store interface {
	ProjectStore
	TaskStore
	InvoiceStore
	PaymentStore
}

// EventSink принимает доменные события платёжной книги. Ошибка доставки
// никогда не откатывает финансовую мутацию — она логируется и не более.
type EventSink interface {
	Emit(ctx context.Context, e model.Event) error
}
