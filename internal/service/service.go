// Package service реализует бизнес-логику сервиса платёжной книги.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/fairlance-ledger/internal/budget"
	"github.com/mmeshcher/fairlance-ledger/internal/ledger"
	"github.com/mmeshcher/fairlance-ledger/internal/model"
	"github.com/mmeshcher/fairlance-ledger/internal/repository"
)

var (
	// ErrInvalidCredentials возвращается при неверной паре логин/пароль.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrNotProjectOwner возвращается при обращении к чужому проекту.
	ErrNotProjectOwner = errors.New("project belongs to another user")
	// ErrInvalidStatusTransition возвращается при недопустимой смене статуса.
	ErrInvalidStatusTransition = errors.New("invalid status transition")
	// ErrNoTasks возвращается при создании проекта без единой задачи.
	ErrNoTasks = errors.New("project requires at least one task")
	// ErrUnknownInvoicingMethod возвращается при неизвестном способе выставления счетов.
	ErrUnknownInvoicingMethod = errors.New("unknown invoicing method")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error)
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)
	CreateProject(ctx context.Context, p model.Project, taskTitles []string) (*model.Project, []model.Task, error)
	GetProject(ctx context.Context, projectID string) (*model.Project, error)
	GetProjectsByOwner(ctx context.Context, ownerID int64) ([]model.Project, error)
	UpdateProjectStatus(ctx context.Context, projectID string, status model.ProjectStatus, expectedVersion int64) error
	ListTasksByProject(ctx context.Context, projectID string) ([]model.Task, error)
	GetTask(ctx context.Context, taskID string) (*model.Task, error)
	UpdateTaskStatus(ctx context.Context, taskID string, status model.TaskStatus) error
	GetInvoice(ctx context.Context, number string) (*model.Invoice, error)
	ListInvoicesByProject(ctx context.Context, projectID string) ([]model.Invoice, error)
}

// Service содержит бизнес-логику сервиса платёжной книги: учётные записи
// заказчиков, проекты и задачи. Платёжные действия делегируются
// оркестратору, аудит — валидатору целостности.
type Service struct {
	repo         Repository
	orchestrator *ledger.Orchestrator
	validator    *ledger.Validator
}

// NewService создаёт новый сервис с указанным репозиторием, оркестратором
// платежей и валидатором целостности.
func NewService(repo Repository, orchestrator *ledger.Orchestrator, validator *ledger.Validator) *Service {
	return &Service{
		repo:         repo,
		orchestrator: orchestrator,
		validator:    validator,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует нового заказчика.
func (s *Service) RegisterUser(ctx context.Context, login, password string) (int64, error) {
	hashed := hashPassword(login, password)
	id, err := s.repo.CreateUser(ctx, login, hashed)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			return 0, repository.ErrUserExists
		}
		return 0, err
	}
	return id, nil
}

// AuthenticateUser проверяет логин и пароль заказчика и возвращает его идентификатор.
func (s *Service) AuthenticateUser(ctx context.Context, login, password string) (int64, error) {
	u, err := s.repo.GetUserByLogin(ctx, login)
	if err != nil {
		return 0, err
	}

	hashed := hashPassword(login, password)
	if hex.EncodeToString(hashed) != hex.EncodeToString(u.PasswordHash) {
		return 0, ErrInvalidCredentials
	}

	return u.ID, nil
}

func hashPassword(login, password string) []byte {
	sum := sha256.Sum256([]byte(login + ":" + password))
	return sum[:]
}

// ownedProject читает проект и проверяет, что он принадлежит заказчику.
func (s *Service) ownedProject(ctx context.Context, ownerID int64, projectID string) (*model.Project, error) {
	p, err := s.repo.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if p.OwnerID != ownerID {
		return nil, ErrNotProjectOwner
	}
	return p, nil
}

// CreateProject создаёт проект и его задачи. Бюджет фиксируется при
// создании и далее не меняется. Платёжная книга обслуживает только
// проекты с оплатой по завершению, но проекты с оплатой по вехам
// создаются наравне с ними — их отклонит гейт при попытке платежа.
func (s *Service) CreateProject(ctx context.Context, ownerID int64, totalBudget decimal.Decimal, method model.InvoicingMethod, taskTitles []string) (*model.Project, []model.Task, error) {
	if !totalBudget.IsPositive() {
		return nil, nil, fmt.Errorf("total budget %s: %w", totalBudget, budget.ErrInvalidBudget)
	}
	if len(taskTitles) == 0 {
		return nil, nil, ErrNoTasks
	}

	switch method {
	case "":
		method = model.InvoicingCompletion
	case model.InvoicingCompletion, model.InvoicingMilestone:
	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownInvoicingMethod, method)
	}

	p := model.Project{
		ID:              uuid.NewString(),
		OwnerID:         ownerID,
		TotalBudget:     totalBudget.Round(2),
		InvoicingMethod: method,
		PaidToDate:      decimal.Zero,
		Status:          model.ProjectStatusProposed,
	}

	return s.repo.CreateProject(ctx, p, taskTitles)
}

// GetProject возвращает проект заказчика вместе с задачами и платёжной сводкой.
func (s *Service) GetProject(ctx context.Context, ownerID int64, projectID string) (*model.Project, []model.Task, *model.LedgerSummary, error) {
	p, err := s.ownedProject(ctx, ownerID, projectID)
	if err != nil {
		return nil, nil, nil, err
	}

	tasks, err := s.repo.ListTasksByProject(ctx, projectID)
	if err != nil {
		return nil, nil, nil, err
	}

	approved := 0
	for _, t := range tasks {
		if t.Status == model.TaskStatusApproved {
			approved++
		}
	}

	summary := &model.LedgerSummary{
		TotalBudget:     p.TotalBudget,
		PaidToDate:      p.PaidToDate,
		RemainingBudget: p.TotalBudget.Sub(p.PaidToDate),
		ApprovedTasks:   approved,
		TotalTasks:      len(tasks),
	}

	return p, tasks, summary, nil
}

// GetProjectsByOwner возвращает список проектов заказчика.
func (s *Service) GetProjectsByOwner(ctx context.Context, ownerID int64) ([]model.Project, error) {
	return s.repo.GetProjectsByOwner(ctx, ownerID)
}

var projectTransitions = map[model.ProjectStatus][]model.ProjectStatus{
	model.ProjectStatusProposed:  {model.ProjectStatusOngoing, model.ProjectStatusArchived},
	model.ProjectStatusOngoing:   {model.ProjectStatusPaused, model.ProjectStatusCompleted, model.ProjectStatusArchived},
	model.ProjectStatusPaused:    {model.ProjectStatusOngoing, model.ProjectStatusArchived},
	model.ProjectStatusCompleted: {model.ProjectStatusArchived},
}

var taskTransitions = map[model.TaskStatus][]model.TaskStatus{
	model.TaskStatusOngoing:   {model.TaskStatusSubmitted},
	model.TaskStatusSubmitted: {model.TaskStatusInReview},
	model.TaskStatusInReview:  {model.TaskStatusApproved, model.TaskStatusRejected},
	model.TaskStatusRejected:  {model.TaskStatusSubmitted},
}

func transitionAllowed[T comparable](transitions map[T][]T, from, to T) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// UpdateProjectStatus переводит проект заказчика в новый статус.
func (s *Service) UpdateProjectStatus(ctx context.Context, ownerID int64, projectID string, status model.ProjectStatus) (*model.Project, error) {
	p, err := s.ownedProject(ctx, ownerID, projectID)
	if err != nil {
		return nil, err
	}

	if !transitionAllowed(projectTransitions, p.Status, status) {
		return nil, fmt.Errorf("project %s to %s: %w", p.Status, status, ErrInvalidStatusTransition)
	}

	if err := s.repo.UpdateProjectStatus(ctx, projectID, status, p.Version); err != nil {
		return nil, err
	}

	return s.repo.GetProject(ctx, projectID)
}

// UpdateTaskStatus переводит задачу проекта в новый статус. Одобренная
// задача финальна: исходящих переходов из Approved нет, поэтому оплаченную
// задачу изменить нельзя.
func (s *Service) UpdateTaskStatus(ctx context.Context, ownerID int64, projectID, taskID string, status model.TaskStatus) (*model.Task, error) {
	if _, err := s.ownedProject(ctx, ownerID, projectID); err != nil {
		return nil, err
	}

	task, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.ProjectID != projectID {
		return nil, repository.ErrTaskNotFound
	}

	if !transitionAllowed(taskTransitions, task.Status, status) {
		return nil, fmt.Errorf("task %q to %q: %w", task.Status, status, ErrInvalidStatusTransition)
	}

	if err := s.repo.UpdateTaskStatus(ctx, taskID, status); err != nil {
		return nil, err
	}

	return s.repo.GetTask(ctx, taskID)
}

// PayUpfront выполняет авансовый платёж по проекту заказчика.
func (s *Service) PayUpfront(ctx context.Context, ownerID int64, projectID string) (*ledger.PaymentResult, error) {
	if _, err := s.ownedProject(ctx, ownerID, projectID); err != nil {
		return nil, err
	}
	return s.orchestrator.PayUpfront(ctx, projectID)
}

// PayTask выставляет и фиксирует счёт за одобренную задачу проекта заказчика.
func (s *Service) PayTask(ctx context.Context, ownerID int64, projectID, taskID string) (*ledger.PaymentResult, error) {
	if _, err := s.ownedProject(ctx, ownerID, projectID); err != nil {
		return nil, err
	}
	return s.orchestrator.PayManualForTask(ctx, projectID, taskID)
}

// PayFinal создаёт финальный счёт на остаток бюджета проекта заказчика.
func (s *Service) PayFinal(ctx context.Context, ownerID int64, projectID string) (*ledger.PaymentResult, error) {
	if _, err := s.ownedProject(ctx, ownerID, projectID); err != nil {
		return nil, err
	}
	return s.orchestrator.PayFinal(ctx, projectID)
}

// ExecuteInvoice исполняет финальный счёт заказчика через платёжный шлюз.
func (s *Service) ExecuteInvoice(ctx context.Context, ownerID int64, number string) (*ledger.PaymentResult, error) {
	inv, err := s.repo.GetInvoice(ctx, number)
	if err != nil {
		return nil, err
	}
	if _, err := s.ownedProject(ctx, ownerID, inv.ProjectID); err != nil {
		return nil, err
	}
	return s.orchestrator.ExecuteFinal(ctx, number)
}

// GetInvoicesByProject возвращает счета проекта заказчика.
func (s *Service) GetInvoicesByProject(ctx context.Context, ownerID int64, projectID string) ([]model.Invoice, error) {
	if _, err := s.ownedProject(ctx, ownerID, projectID); err != nil {
		return nil, err
	}
	return s.repo.ListInvoicesByProject(ctx, projectID)
}

// AuditProject сверяет платёжную книгу проекта заказчика.
func (s *Service) AuditProject(ctx context.Context, ownerID int64, projectID string) (*ledger.AuditReport, error) {
	if _, err := s.ownedProject(ctx, ownerID, projectID); err != nil {
		return nil, err
	}
	return s.validator.AuditProject(ctx, projectID)
}

// StartReconciliation запускает фоновую выверку зависших финальных счетов.
func (s *Service) StartReconciliation(ctx context.Context) {
	s.orchestrator.StartReconciliation(ctx)
}
