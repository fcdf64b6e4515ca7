package ledger

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/fairlance-ledger/internal/gateway"
	"github.com/mmeshcher/fairlance-ledger/internal/model"
)

func newTestOrchestrator(store *memStore, events EventSink, gw Gateway) *Orchestrator {
	gate := NewGate(store, store, store)
	validator := NewValidator(store, store)
	return NewOrchestrator(store, gate, validator, events, gw, zap.NewNop(), time.Second)
}

func TestPayUpfront(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.addProject("p1", 5000, model.InvoicingCompletion, model.ProjectStatusProposed)
	events := &eventRecorder{}
	o := newTestOrchestrator(store, events, nil)

	res, err := o.PayUpfront(ctx, "p1")
	if err != nil {
		t.Fatalf("pay upfront: %v", err)
	}
	if res.Rejection != nil {
		t.Fatalf("rejected: %s %s", res.Rejection.Reason, res.Rejection.Message)
	}
	if res.AlreadyPaid {
		t.Fatalf("first payment reported as already paid")
	}

	inv := res.Invoice
	if inv.Type != model.InvoiceTypeUpfront || inv.Status != model.InvoiceStatusPaid {
		t.Fatalf("invoice = %s/%s, want upfront/paid", inv.Type, inv.Status)
	}
	if !inv.TotalAmount.Equal(decimal.NewFromInt(600)) {
		t.Fatalf("amount = %s, want 600", inv.TotalAmount)
	}
	if !strings.Contains(inv.Number, "-UP-") {
		t.Fatalf("invoice number %q has no upfront code", inv.Number)
	}

	p, _ := store.GetProject(ctx, "p1")
	if !p.PaidToDate.Equal(decimal.NewFromInt(600)) {
		t.Fatalf("paid_to_date = %s, want 600", p.PaidToDate)
	}

	if len(events.events) != 1 || events.events[0].Type != model.EventUpfrontPaid {
		t.Fatalf("events = %+v, want one upfront_paid", events.events)
	}

	// Повтор не списывает второй раз, а возвращает существующий счёт.
	res2, err := o.PayUpfront(ctx, "p1")
	if err != nil {
		t.Fatalf("repeat pay upfront: %v", err)
	}
	if !res2.AlreadyPaid || res2.Invoice.Number != inv.Number {
		t.Fatalf("repeat result = %+v, want already paid %s", res2, inv.Number)
	}
	if len(events.events) != 1 {
		t.Fatalf("repeat emitted extra event")
	}
}

func TestPayManualForTask(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.addProject("p1", 5000, model.InvoicingCompletion, model.ProjectStatusOngoing)
	store.addTask("t1", "p1", model.TaskStatusApproved)
	store.addTask("t2", "p1", model.TaskStatusOngoing)
	store.addTask("t3", "p1", model.TaskStatusOngoing)
	store.addTask("t4", "p1", model.TaskStatusOngoing)
	events := &eventRecorder{}
	o := newTestOrchestrator(store, events, nil)

	res, err := o.PayManualForTask(ctx, "p1", "t1")
	if err != nil {
		t.Fatalf("pay manual: %v", err)
	}
	if res.Rejection != nil {
		t.Fatalf("rejected: %s %s", res.Rejection.Reason, res.Rejection.Message)
	}

	// 88% от 5000 на 4 задачи.
	if !res.Invoice.TotalAmount.Equal(decimal.NewFromInt(1100)) {
		t.Fatalf("amount = %s, want 1100", res.Invoice.TotalAmount)
	}
	if res.Invoice.TaskID == nil || *res.Invoice.TaskID != "t1" {
		t.Fatalf("invoice task = %v, want t1", res.Invoice.TaskID)
	}

	task, _ := store.GetTask(ctx, "t1")
	if !task.InvoicePaid {
		t.Fatalf("task not marked invoiced")
	}

	if len(events.events) != 1 || events.events[0].Type != model.EventManualPaid {
		t.Fatalf("events = %+v, want one manual_invoice_paid", events.events)
	}

	res2, err := o.PayManualForTask(ctx, "p1", "t1")
	if err != nil {
		t.Fatalf("repeat pay manual: %v", err)
	}
	if !res2.AlreadyPaid || res2.Invoice.Number != res.Invoice.Number {
		t.Fatalf("repeat result = %+v, want already paid %s", res2, res.Invoice.Number)
	}
}

func TestPayManualRejectsUnapprovedTask(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.addProject("p1", 5000, model.InvoicingCompletion, model.ProjectStatusOngoing)
	store.addTask("t1", "p1", model.TaskStatusSubmitted)
	o := newTestOrchestrator(store, &eventRecorder{}, nil)

	res, err := o.PayManualForTask(ctx, "p1", "t1")
	if err != nil {
		t.Fatalf("pay manual: %v", err)
	}
	if res.Rejection == nil || res.Rejection.Reason != ReasonTaskNotApproved {
		t.Fatalf("result = %+v, want TASK_NOT_APPROVED rejection", res)
	}
	if len(store.invoices) != 0 {
		t.Fatalf("rejected payment created an invoice")
	}
}

func TestPayFinalWithoutGateway(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.addProject("p1", 5000, model.InvoicingCompletion, model.ProjectStatusOngoing)
	store.addTask("t1", "p1", model.TaskStatusApproved)
	store.addTask("t2", "p1", model.TaskStatusApproved)
	events := &eventRecorder{}
	o := newTestOrchestrator(store, events, nil)

	if _, err := o.PayUpfront(ctx, "p1"); err != nil {
		t.Fatalf("pay upfront: %v", err)
	}

	res, err := o.PayFinal(ctx, "p1")
	if err != nil {
		t.Fatalf("pay final: %v", err)
	}
	if res.Rejection != nil {
		t.Fatalf("rejected: %s %s", res.Rejection.Reason, res.Rejection.Message)
	}
	if res.Invoice.Status != model.InvoiceStatusPaid {
		t.Fatalf("status = %s, want paid", res.Invoice.Status)
	}
	if !res.Invoice.TotalAmount.Equal(decimal.NewFromInt(4400)) {
		t.Fatalf("amount = %s, want 4400", res.Invoice.TotalAmount)
	}

	// Аванс 600 + финал 4400: бюджет сходится копейка в копейку.
	p, _ := store.GetProject(ctx, "p1")
	if !p.PaidToDate.Equal(decimal.NewFromInt(5000)) {
		t.Fatalf("paid_to_date = %s, want 5000", p.PaidToDate)
	}

	if len(events.events) != 2 || events.events[1].Type != model.EventFinalPaid {
		t.Fatalf("events = %+v, want upfront_paid then final_paid", events.events)
	}
}

func TestPayFinalMixedWithManual(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.addProject("p1", 5000, model.InvoicingCompletion, model.ProjectStatusOngoing)
	for _, id := range []string{"t1", "t2", "t3", "t4"} {
		store.addTask(id, "p1", model.TaskStatusApproved)
	}
	o := newTestOrchestrator(store, &eventRecorder{}, nil)

	if _, err := o.PayUpfront(ctx, "p1"); err != nil {
		t.Fatalf("pay upfront: %v", err)
	}
	if _, err := o.PayManualForTask(ctx, "p1", "t1"); err != nil {
		t.Fatalf("pay manual: %v", err)
	}

	res, err := o.PayFinal(ctx, "p1")
	if err != nil {
		t.Fatalf("pay final: %v", err)
	}
	if res.Rejection != nil {
		t.Fatalf("rejected: %s %s", res.Rejection.Reason, res.Rejection.Message)
	}

	// 4400 − 1100 за оплаченную задачу.
	if !res.Invoice.TotalAmount.Equal(decimal.NewFromInt(3300)) {
		t.Fatalf("amount = %s, want 3300", res.Invoice.TotalAmount)
	}

	p, _ := store.GetProject(ctx, "p1")
	if !p.PaidToDate.Equal(decimal.NewFromInt(5000)) {
		t.Fatalf("paid_to_date = %s, want 5000", p.PaidToDate)
	}
}

func TestPayFinalRejectsUnapprovedTasks(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.addProject("p1", 5000, model.InvoicingCompletion, model.ProjectStatusOngoing)
	store.addTask("t1", "p1", model.TaskStatusApproved)
	store.addTask("t2", "p1", model.TaskStatusInReview)
	o := newTestOrchestrator(store, &eventRecorder{}, nil)

	res, err := o.PayFinal(ctx, "p1")
	if err != nil {
		t.Fatalf("pay final: %v", err)
	}
	if res.Rejection == nil || res.Rejection.Reason != ReasonNotAllTasksApproved {
		t.Fatalf("result = %+v, want NOT_ALL_TASKS_APPROVED rejection", res)
	}
	if res.Rejection.ApprovedTasks != 1 || res.Rejection.TotalTasks != 2 {
		t.Fatalf("counts = %d/%d, want 1/2", res.Rejection.ApprovedTasks, res.Rejection.TotalTasks)
	}
}

func TestEventFailureDoesNotFailPayment(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.addProject("p1", 5000, model.InvoicingCompletion, model.ProjectStatusProposed)
	events := &eventRecorder{err: errors.New("sink unavailable")}
	o := newTestOrchestrator(store, events, nil)

	res, err := o.PayUpfront(ctx, "p1")
	if err != nil {
		t.Fatalf("pay upfront: %v", err)
	}
	if res.Rejection != nil || res.Invoice == nil {
		t.Fatalf("payment failed because of event sink: %+v", res)
	}

	p, _ := store.GetProject(ctx, "p1")
	if !p.PaidToDate.Equal(decimal.NewFromInt(600)) {
		t.Fatalf("paid_to_date = %s, want 600", p.PaidToDate)
	}
}

func TestCommitRaceReturnsWinner(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.addProject("p1", 5000, model.InvoicingCompletion, model.ProjectStatusProposed)
	o := newTestOrchestrator(store, &eventRecorder{}, nil)

	// Гейт пройден, но вставку выигрывает параллельный запрос.
	winner := paidInvoice("P1-UP-000001", "p1", nil, model.InvoiceTypeUpfront, 600)
	store.forceDuplicate = true
	store.invoices[winner.Number] = winner

	res, err := o.commit(ctx, model.Invoice{
		Number:      "P1-UP-000002",
		ProjectID:   "p1",
		Type:        model.InvoiceTypeUpfront,
		Status:      model.InvoiceStatusPaid,
		TotalAmount: decimal.NewFromInt(600),
	}, false)
	if err != nil {
		t.Fatalf("commit after lost race: %v", err)
	}
	if !res.AlreadyPaid || res.Invoice.Number != winner.Number {
		t.Fatalf("result = %+v, want winner %s", res, winner.Number)
	}
}

func TestCommitBudgetExceeded(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.addProject("p1", 5000, model.InvoicingCompletion, model.ProjectStatusProposed)
	store.forceBudgetExceeds = true
	o := newTestOrchestrator(store, &eventRecorder{}, nil)

	res, err := o.PayUpfront(ctx, "p1")
	if err != nil {
		t.Fatalf("pay upfront: %v", err)
	}
	if res.Rejection == nil || res.Rejection.Reason != ReasonIntegrityViolation {
		t.Fatalf("result = %+v, want BUDGET_INTEGRITY_VIOLATION rejection", res)
	}
}

func TestExecuteFinalTwoPhase(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.addProject("p1", 5000, model.InvoicingCompletion, model.ProjectStatusOngoing)
	store.addTask("t1", "p1", model.TaskStatusApproved)
	events := &eventRecorder{}

	gw := &stubGateway{
		executeFn: func(_ context.Context, number string) (*gateway.ExecutionResult, int, time.Duration, error) {
			return &gateway.ExecutionResult{InvoiceNumber: number, Status: gateway.StatusCompleted}, http.StatusOK, 0, nil
		},
	}
	o := newTestOrchestrator(store, events, gw)

	res, err := o.PayFinal(ctx, "p1")
	if err != nil {
		t.Fatalf("pay final: %v", err)
	}
	if res.Invoice.Status != model.InvoiceStatusSent {
		t.Fatalf("status after pay = %s, want sent", res.Invoice.Status)
	}
	if len(events.events) != 0 {
		t.Fatalf("final_paid emitted before execution")
	}

	p, _ := store.GetProject(ctx, "p1")
	if !p.PaidToDate.IsZero() {
		t.Fatalf("paid_to_date bumped before execution: %s", p.PaidToDate)
	}

	execRes, err := o.ExecuteFinal(ctx, res.Invoice.Number)
	if err != nil {
		t.Fatalf("execute final: %v", err)
	}
	if execRes.Invoice.Status != model.InvoiceStatusPaid || execRes.AlreadyPaid {
		t.Fatalf("execute result = %+v, want freshly paid", execRes)
	}

	p, _ = store.GetProject(ctx, "p1")
	if !p.PaidToDate.Equal(decimal.NewFromInt(4400)) {
		t.Fatalf("paid_to_date = %s, want 4400", p.PaidToDate)
	}
	if len(events.events) != 1 || events.events[0].Type != model.EventFinalPaid {
		t.Fatalf("events = %+v, want one final_paid", events.events)
	}

	// Повторное исполнение идемпотентно.
	execRes2, err := o.ExecuteFinal(ctx, res.Invoice.Number)
	if err != nil {
		t.Fatalf("repeat execute: %v", err)
	}
	if !execRes2.AlreadyPaid {
		t.Fatalf("repeat execute not reported as already paid")
	}
	if len(events.events) != 1 {
		t.Fatalf("repeat execute emitted extra event")
	}
}

func TestExecuteFinalRejectsNonFinal(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.addProject("p1", 5000, model.InvoicingCompletion, model.ProjectStatusProposed)
	o := newTestOrchestrator(store, &eventRecorder{}, nil)

	res, err := o.PayUpfront(ctx, "p1")
	if err != nil {
		t.Fatalf("pay upfront: %v", err)
	}

	if _, err := o.ExecuteFinal(ctx, res.Invoice.Number); !errors.Is(err, ErrNotFinalInvoice) {
		t.Fatalf("execute upfront: got %v, want ErrNotFinalInvoice", err)
	}
}

func TestExecuteFinalThrottledRevertsToSent(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.addProject("p1", 5000, model.InvoicingCompletion, model.ProjectStatusOngoing)
	store.addTask("t1", "p1", model.TaskStatusApproved)

	gw := &stubGateway{
		executeFn: func(context.Context, string) (*gateway.ExecutionResult, int, time.Duration, error) {
			return nil, http.StatusTooManyRequests, 3 * time.Second, nil
		},
	}
	o := newTestOrchestrator(store, &eventRecorder{}, gw)

	res, err := o.PayFinal(ctx, "p1")
	if err != nil {
		t.Fatalf("pay final: %v", err)
	}

	if _, err := o.ExecuteFinal(ctx, res.Invoice.Number); err == nil {
		t.Fatalf("throttled execution returned no error")
	}

	inv, _ := store.GetInvoice(ctx, res.Invoice.Number)
	if inv.Status != model.InvoiceStatusSent {
		t.Fatalf("status = %s, want sent after throttle", inv.Status)
	}
}

func TestReconcileSettlesStuckInvoice(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.addProject("p1", 5000, model.InvoicingCompletion, model.ProjectStatusOngoing)
	store.addTask("t1", "p1", model.TaskStatusApproved)
	events := &eventRecorder{}

	executeCalled := false
	gw := &stubGateway{
		executeFn: func(context.Context, string) (*gateway.ExecutionResult, int, time.Duration, error) {
			executeCalled = true
			return nil, 0, 0, errors.New("connection reset")
		},
		statusFn: func(_ context.Context, number string) (*gateway.ExecutionResult, int, time.Duration, error) {
			return &gateway.ExecutionResult{InvoiceNumber: number, Status: gateway.StatusCompleted}, http.StatusOK, 0, nil
		},
	}
	o := newTestOrchestrator(store, events, gw)

	res, err := o.PayFinal(ctx, "p1")
	if err != nil {
		t.Fatalf("pay final: %v", err)
	}

	// Сбой сети после отправки: счёт остаётся в processing.
	if _, err := o.ExecuteFinal(ctx, res.Invoice.Number); err == nil {
		t.Fatalf("failed execution returned no error")
	}
	if !executeCalled {
		t.Fatalf("gateway execute was not called")
	}

	inv, _ := store.GetInvoice(ctx, res.Invoice.Number)
	if inv.Status != model.InvoiceStatusProcessing {
		t.Fatalf("status = %s, want processing after gateway failure", inv.Status)
	}

	// Достаточно давно в processing для порога выверки.
	store.invoices[res.Invoice.Number].UpdatedAt = time.Now().Add(-time.Minute)

	o.reconcileBatch(ctx)

	inv, _ = store.GetInvoice(ctx, res.Invoice.Number)
	if inv.Status != model.InvoiceStatusPaid {
		t.Fatalf("status = %s, want paid after reconciliation", inv.Status)
	}
	if len(events.events) != 1 || events.events[0].Type != model.EventFinalPaid {
		t.Fatalf("events = %+v, want one final_paid", events.events)
	}

	p, _ := store.GetProject(ctx, "p1")
	if !p.PaidToDate.Equal(decimal.NewFromInt(4400)) {
		t.Fatalf("paid_to_date = %s, want 4400", p.PaidToDate)
	}
}

func TestReconcileRevertsUnknownInvoice(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.addProject("p1", 5000, model.InvoicingCompletion, model.ProjectStatusOngoing)
	store.addTask("t1", "p1", model.TaskStatusApproved)

	gw := &stubGateway{
		executeFn: func(context.Context, string) (*gateway.ExecutionResult, int, time.Duration, error) {
			return nil, 0, 0, errors.New("connection reset")
		},
		statusFn: func(context.Context, string) (*gateway.ExecutionResult, int, time.Duration, error) {
			return nil, http.StatusNoContent, 0, nil
		},
	}
	o := newTestOrchestrator(store, &eventRecorder{}, gw)

	res, err := o.PayFinal(ctx, "p1")
	if err != nil {
		t.Fatalf("pay final: %v", err)
	}
	if _, err := o.ExecuteFinal(ctx, res.Invoice.Number); err == nil {
		t.Fatalf("failed execution returned no error")
	}

	store.invoices[res.Invoice.Number].UpdatedAt = time.Now().Add(-time.Minute)

	o.reconcileBatch(ctx)

	// Шлюз исполнения не видел: счёт возвращается в sent для повторной попытки.
	inv, _ := store.GetInvoice(ctx, res.Invoice.Number)
	if inv.Status != model.InvoiceStatusSent {
		t.Fatalf("status = %s, want sent after reconciliation", inv.Status)
	}
}

func TestReconcileSkipsFreshProcessing(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.addProject("p1", 5000, model.InvoicingCompletion, model.ProjectStatusOngoing)
	store.addTask("t1", "p1", model.TaskStatusApproved)

	statusCalls := 0
	gw := &stubGateway{
		executeFn: func(context.Context, string) (*gateway.ExecutionResult, int, time.Duration, error) {
			return nil, 0, 0, errors.New("connection reset")
		},
		statusFn: func(context.Context, string) (*gateway.ExecutionResult, int, time.Duration, error) {
			statusCalls++
			return nil, http.StatusNoContent, 0, nil
		},
	}
	o := newTestOrchestrator(store, &eventRecorder{}, gw)

	res, err := o.PayFinal(ctx, "p1")
	if err != nil {
		t.Fatalf("pay final: %v", err)
	}
	if _, err := o.ExecuteFinal(ctx, res.Invoice.Number); err == nil {
		t.Fatalf("failed execution returned no error")
	}

	// Счёт долго лежал в sent и только что перешёл в processing: возраст
	// отсчитывается от смены статуса, выверка его не трогает, пока
	// исполнение ещё может идти.
	store.invoices[res.Invoice.Number].CreatedAt = time.Now().Add(-time.Hour)

	o.reconcileBatch(ctx)

	if statusCalls != 0 {
		t.Fatalf("reconciliation polled a freshly processing invoice")
	}
	inv, _ := store.GetInvoice(ctx, res.Invoice.Number)
	if inv.Status != model.InvoiceStatusProcessing {
		t.Fatalf("status = %s, want processing untouched", inv.Status)
	}
}

func TestPayManualAfterFinalIssued(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.addProject("p1", 5000, model.InvoicingCompletion, model.ProjectStatusOngoing)
	for _, id := range []string{"t1", "t2"} {
		store.addTask(id, "p1", model.TaskStatusApproved)
	}

	gw := &stubGateway{
		executeFn: func(_ context.Context, number string) (*gateway.ExecutionResult, int, time.Duration, error) {
			return &gateway.ExecutionResult{InvoiceNumber: number, Status: gateway.StatusCompleted}, http.StatusOK, 0, nil
		},
	}
	o := newTestOrchestrator(store, &eventRecorder{}, gw)

	paidManual, err := o.PayManualForTask(ctx, "p1", "t1")
	if err != nil {
		t.Fatalf("pay manual: %v", err)
	}

	finalRes, err := o.PayFinal(ctx, "p1")
	if err != nil {
		t.Fatalf("pay final: %v", err)
	}
	if finalRes.Invoice.Status != model.InvoiceStatusSent {
		t.Fatalf("final status = %s, want sent", finalRes.Invoice.Status)
	}

	// Финал выставлен на остаток пула: новая оплата задачи растратила бы
	// уже зарезервированную сумму.
	res, err := o.PayManualForTask(ctx, "p1", "t2")
	if err != nil {
		t.Fatalf("pay manual after final: %v", err)
	}
	if res.Rejection == nil || res.Rejection.Reason != ReasonFinalAlreadyPaid {
		t.Fatalf("result = %+v, want FINAL_ALREADY_PROCESSED rejection", res)
	}

	// Повтор ранее оплаченной задачи остаётся идемпотентным.
	repeat, err := o.PayManualForTask(ctx, "p1", "t1")
	if err != nil {
		t.Fatalf("repeat pay manual: %v", err)
	}
	if !repeat.AlreadyPaid || repeat.Invoice.Number != paidManual.Invoice.Number {
		t.Fatalf("repeat result = %+v, want already paid %s", repeat, paidManual.Invoice.Number)
	}
}

func TestInvoiceNumberFormat(t *testing.T) {
	tests := []struct {
		projectID string
		t         model.InvoiceType
		seq       int64
		want      string
	}{
		{"prj-1042", model.InvoiceTypeFinal, 7, "PRJ1042-FN-000007"},
		{"ab12", model.InvoiceTypeUpfront, 1, "AB12-UP-000001"},
		{"x", model.InvoiceTypeManual, 123456, "X-TK-123456"},
		{"очень-длинный-идентификатор", model.InvoiceTypeFinal, 1, "PRJ-FN-000001"},
		{"abcdefghijklmno", model.InvoiceTypeManual, 2, "ABCDEFGH-TK-000002"},
	}

	for _, tt := range tests {
		got := invoiceNumber(tt.projectID, tt.t, tt.seq)
		if got != tt.want {
			t.Fatalf("invoiceNumber(%q, %s, %d) = %q, want %q", tt.projectID, tt.t, tt.seq, got, tt.want)
		}
	}
}
