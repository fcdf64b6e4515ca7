package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/fairlance-ledger/internal/gateway"
	"github.com/mmeshcher/fairlance-ledger/internal/model"
	"github.com/mmeshcher/fairlance-ledger/internal/repository"
)

// memStore повторяет транзакционные гарантии хранилища в памяти:
// идемпотентные ключи счетов и повторную проверку бюджета при фиксации.
type memStore struct {
	projects map[string]*model.Project
	tasks    map[string]*model.Task
	invoices map[string]*model.Invoice
	seq      int64

	forceDuplicate     bool
	forceBudgetExceeds bool
}

func newMemStore() *memStore {
	return &memStore{
		projects: make(map[string]*model.Project),
		tasks:    make(map[string]*model.Task),
		invoices: make(map[string]*model.Invoice),
	}
}

func (s *memStore) addProject(id string, budget int64, method model.InvoicingMethod, status model.ProjectStatus) *model.Project {
	p := &model.Project{
		ID:              id,
		OwnerID:         1,
		TotalBudget:     decimal.NewFromInt(budget),
		InvoicingMethod: method,
		PaidToDate:      decimal.Zero,
		Status:          status,
		CreatedAt:       time.Now(),
	}
	s.projects[id] = p
	return p
}

func (s *memStore) addTask(id, projectID string, status model.TaskStatus) *model.Task {
	t := &model.Task{
		ID:        id,
		ProjectID: projectID,
		Title:     id,
		Status:    status,
		CreatedAt: time.Now(),
	}
	s.tasks[id] = t
	return t
}

func (s *memStore) GetProject(_ context.Context, projectID string) (*model.Project, error) {
	p, ok := s.projects[projectID]
	if !ok {
		return nil, repository.ErrProjectNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *memStore) ListTasksByProject(_ context.Context, projectID string) ([]model.Task, error) {
	var out []model.Task
	for _, t := range s.tasks {
		if t.ProjectID == projectID {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (s *memStore) GetTask(_ context.Context, taskID string) (*model.Task, error) {
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, repository.ErrTaskNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *memStore) GetInvoice(_ context.Context, number string) (*model.Invoice, error) {
	inv, ok := s.invoices[number]
	if !ok {
		return nil, repository.ErrInvoiceNotFound
	}
	cp := *inv
	return &cp, nil
}

func (s *memStore) ListInvoicesByProject(_ context.Context, projectID string) ([]model.Invoice, error) {
	var out []model.Invoice
	for _, inv := range s.invoices {
		if inv.ProjectID == projectID {
			out = append(out, *inv)
		}
	}
	return out, nil
}

func (s *memStore) ListInvoicesByTask(_ context.Context, taskID string) ([]model.Invoice, error) {
	var out []model.Invoice
	for _, inv := range s.invoices {
		if inv.TaskID != nil && *inv.TaskID == taskID {
			out = append(out, *inv)
		}
	}
	return out, nil
}

func (s *memStore) ListInvoicesByStatus(_ context.Context, status model.InvoiceStatus, olderThan time.Duration, limit int) ([]model.Invoice, error) {
	cutoff := time.Now().Add(-olderThan)
	var out []model.Invoice
	for _, inv := range s.invoices {
		if inv.Status == status && inv.UpdatedAt.Before(cutoff) {
			out = append(out, *inv)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *memStore) NextInvoiceSeq(_ context.Context) (int64, error) {
	s.seq++
	return s.seq, nil
}

func (s *memStore) paidTotal(projectID string) decimal.Decimal {
	sum := decimal.Zero
	for _, inv := range s.invoices {
		if inv.ProjectID == projectID && inv.Status == model.InvoiceStatusPaid {
			sum = sum.Add(inv.TotalAmount)
		}
	}
	return sum
}

func (s *memStore) hasNonVoid(inv model.Invoice) bool {
	for _, existing := range s.invoices {
		if existing.Status == model.InvoiceStatusVoid {
			continue
		}
		if inv.Type == model.InvoiceTypeManual {
			if existing.TaskID != nil && inv.TaskID != nil && *existing.TaskID == *inv.TaskID {
				return true
			}
			continue
		}
		if existing.ProjectID == inv.ProjectID && existing.Type == inv.Type {
			return true
		}
	}
	return false
}

func (s *memStore) CommitPayment(_ context.Context, inv model.Invoice, markTaskPaid bool) (*model.Invoice, error) {
	if s.forceDuplicate {
		return nil, repository.ErrDuplicatePayment
	}
	if s.forceBudgetExceeds {
		return nil, repository.ErrBudgetExceeded
	}

	if s.hasNonVoid(inv) {
		return nil, repository.ErrDuplicatePayment
	}

	p, ok := s.projects[inv.ProjectID]
	if !ok {
		return nil, repository.ErrProjectNotFound
	}

	if inv.Status == model.InvoiceStatusPaid {
		if s.paidTotal(inv.ProjectID).Add(inv.TotalAmount).GreaterThan(p.TotalBudget) {
			return nil, repository.ErrBudgetExceeded
		}
	}

	if markTaskPaid && inv.TaskID != nil {
		task, ok := s.tasks[*inv.TaskID]
		if !ok || task.InvoicePaid {
			return nil, repository.ErrDuplicatePayment
		}
		task.InvoicePaid = true
	}

	stored := inv
	s.invoices[inv.Number] = &stored

	if inv.Status == model.InvoiceStatusPaid {
		p.PaidToDate = p.PaidToDate.Add(inv.TotalAmount)
		p.Version++
	}

	cp := stored
	return &cp, nil
}

func (s *memStore) MarkInvoicePaid(_ context.Context, number string) (*model.Invoice, bool, error) {
	inv, ok := s.invoices[number]
	if !ok {
		return nil, false, repository.ErrInvoiceNotFound
	}
	if inv.Status == model.InvoiceStatusPaid {
		cp := *inv
		return &cp, true, nil
	}
	if inv.Status == model.InvoiceStatusVoid {
		return nil, false, repository.ErrInvoiceStateConflict
	}

	p, ok := s.projects[inv.ProjectID]
	if !ok {
		return nil, false, repository.ErrProjectNotFound
	}
	if s.paidTotal(inv.ProjectID).Add(inv.TotalAmount).GreaterThan(p.TotalBudget) {
		return nil, false, repository.ErrBudgetExceeded
	}

	now := time.Now()
	inv.Status = model.InvoiceStatusPaid
	inv.UpdatedAt = now
	inv.PaidAt = &now
	p.PaidToDate = p.PaidToDate.Add(inv.TotalAmount)
	p.Version++

	cp := *inv
	return &cp, false, nil
}

func (s *memStore) UpdateInvoiceStatus(_ context.Context, number string, from, to model.InvoiceStatus) error {
	inv, ok := s.invoices[number]
	if !ok {
		return repository.ErrInvoiceNotFound
	}
	if inv.Status != from {
		return repository.ErrInvoiceStateConflict
	}
	inv.Status = to
	inv.UpdatedAt = time.Now()
	return nil
}

type eventRecorder struct {
	events []model.Event
	err    error
}

func (e *eventRecorder) Emit(_ context.Context, event model.Event) error {
	if e.err != nil {
		return e.err
	}
	e.events = append(e.events, event)
	return nil
}

type stubGateway struct {
	executeFn func(ctx context.Context, number string) (*gateway.ExecutionResult, int, time.Duration, error)
	statusFn  func(ctx context.Context, number string) (*gateway.ExecutionResult, int, time.Duration, error)
}

func (g *stubGateway) Execute(ctx context.Context, number string) (*gateway.ExecutionResult, int, time.Duration, error) {
	return g.executeFn(ctx, number)
}

func (g *stubGateway) GetStatus(ctx context.Context, number string) (*gateway.ExecutionResult, int, time.Duration, error) {
	return g.statusFn(ctx, number)
}
