// Package handler содержит HTTP-обработчики API платёжной книги.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/fairlance-ledger/internal/budget"
	"github.com/mmeshcher/fairlance-ledger/internal/ledger"
	"github.com/mmeshcher/fairlance-ledger/internal/middleware"
	"github.com/mmeshcher/fairlance-ledger/internal/model"
	"github.com/mmeshcher/fairlance-ledger/internal/repository"
	"github.com/mmeshcher/fairlance-ledger/internal/service"
	"github.com/mmeshcher/fairlance-ledger/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, login, password string) (int64, error)
	AuthenticateUser(ctx context.Context, login, password string) (int64, error)
	CreateProject(ctx context.Context, ownerID int64, totalBudget decimal.Decimal, method model.InvoicingMethod, taskTitles []string) (*model.Project, []model.Task, error)
	GetProject(ctx context.Context, ownerID int64, projectID string) (*model.Project, []model.Task, *model.LedgerSummary, error)
	GetProjectsByOwner(ctx context.Context, ownerID int64) ([]model.Project, error)
	UpdateProjectStatus(ctx context.Context, ownerID int64, projectID string, status model.ProjectStatus) (*model.Project, error)
	UpdateTaskStatus(ctx context.Context, ownerID int64, projectID, taskID string, status model.TaskStatus) (*model.Task, error)
	PayUpfront(ctx context.Context, ownerID int64, projectID string) (*ledger.PaymentResult, error)
	PayTask(ctx context.Context, ownerID int64, projectID, taskID string) (*ledger.PaymentResult, error)
	PayFinal(ctx context.Context, ownerID int64, projectID string) (*ledger.PaymentResult, error)
	ExecuteInvoice(ctx context.Context, ownerID int64, number string) (*ledger.PaymentResult, error)
	GetInvoicesByProject(ctx context.Context, ownerID int64, projectID string) ([]model.Invoice, error)
	AuditProject(ctx context.Context, ownerID int64, projectID string) (*ledger.AuditReport, error)
}

// Handler реализует HTTP-обработчики API платёжной книги.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// Register обрабатывает регистрацию нового заказчика.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.RegisterUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("register user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

// Login выполняет аутентификацию заказчика и установку cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.AuthenticateUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) || errors.Is(err, service.ErrInvalidCredentials) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

type projectResponse struct {
	ID              string  `json:"id"`
	TotalBudget     float64 `json:"total_budget"`
	InvoicingMethod string  `json:"invoicing_method"`
	PaidToDate      float64 `json:"paid_to_date"`
	Status          string  `json:"status"`
	CreatedAt       string  `json:"created_at"`
}

type taskResponse struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Status      string `json:"status"`
	InvoicePaid bool   `json:"invoice_paid"`
}

type summaryResponse struct {
	TotalBudget     float64 `json:"total_budget"`
	PaidToDate      float64 `json:"paid_to_date"`
	RemainingBudget float64 `json:"remaining_budget"`
	ApprovedTasks   int     `json:"approved_tasks"`
	TotalTasks      int     `json:"total_tasks"`
}

type invoiceResponse struct {
	Number      string  `json:"number"`
	ProjectID   string  `json:"project_id"`
	TaskID      *string `json:"task_id,omitempty"`
	Type        string  `json:"type"`
	Status      string  `json:"status"`
	TotalAmount float64 `json:"total_amount"`
	CreatedAt   string  `json:"created_at"`
	PaidAt      *string `json:"paid_at,omitempty"`
}

type paymentResponse struct {
	Invoice     invoiceResponse `json:"invoice"`
	AlreadyPaid bool            `json:"already_paid"`
}

type rejectionResponse struct {
	Code            string   `json:"code"`
	Message         string   `json:"message"`
	ApprovedTasks   *int     `json:"approved_tasks,omitempty"`
	TotalTasks      *int     `json:"total_tasks,omitempty"`
	RemainingBudget *float64 `json:"remaining_budget,omitempty"`
}

func toProjectResponse(p *model.Project) projectResponse {
	return projectResponse{
		ID:              p.ID,
		TotalBudget:     p.TotalBudget.InexactFloat64(),
		InvoicingMethod: string(p.InvoicingMethod),
		PaidToDate:      p.PaidToDate.InexactFloat64(),
		Status:          string(p.Status),
		CreatedAt:       p.CreatedAt.Format(time.RFC3339),
	}
}

func toTaskResponses(tasks []model.Task) []taskResponse {
	out := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskResponse{
			ID:          t.ID,
			Title:       t.Title,
			Status:      string(t.Status),
			InvoicePaid: t.InvoicePaid,
		})
	}
	return out
}

func toInvoiceResponse(inv *model.Invoice) invoiceResponse {
	resp := invoiceResponse{
		Number:      inv.Number,
		ProjectID:   inv.ProjectID,
		TaskID:      inv.TaskID,
		Type:        string(inv.Type),
		Status:      string(inv.Status),
		TotalAmount: inv.TotalAmount.InexactFloat64(),
		CreatedAt:   inv.CreatedAt.Format(time.RFC3339),
	}
	if inv.PaidAt != nil {
		paidAt := inv.PaidAt.Format(time.RFC3339)
		resp.PaidAt = &paidAt
	}
	return resp
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response", zap.Error(err))
	}
}

// writeServiceError переводит ошибки сервисного слоя в HTTP-статусы.
// Чужой проект неотличим от несуществующего: оба дают 404.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrProjectNotFound),
		errors.Is(err, repository.ErrTaskNotFound),
		errors.Is(err, repository.ErrInvoiceNotFound),
		errors.Is(err, service.ErrNotProjectOwner):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case errors.Is(err, service.ErrInvalidStatusTransition),
		errors.Is(err, repository.ErrVersionConflict),
		errors.Is(err, ledger.ErrNotFinalInvoice):
		http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
	case errors.Is(err, service.ErrNoTasks),
		errors.Is(err, service.ErrUnknownInvoicingMethod),
		errors.Is(err, budget.ErrInvalidBudget):
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
	default:
		h.logger.Error("service error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func rejectionStatus(reason ledger.Reason) int {
	switch reason {
	case ledger.ReasonProjectNotFound, ledger.ReasonTaskNotFound:
		return http.StatusNotFound
	case ledger.ReasonNoRemainingBudget:
		return http.StatusPaymentRequired
	default:
		return http.StatusConflict
	}
}

// writePaymentResult сериализует итог платёжного действия: счёт при
// успехе или повторе, структурный отказ с кодом причины иначе.
func (h *Handler) writePaymentResult(w http.ResponseWriter, res *ledger.PaymentResult) {
	if res.Rejection != nil {
		d := res.Rejection
		body := rejectionResponse{
			Code:    string(d.Reason),
			Message: d.Message,
		}
		if d.Reason == ledger.ReasonNotAllTasksApproved {
			body.ApprovedTasks = &d.ApprovedTasks
			body.TotalTasks = &d.TotalTasks
		}
		if d.Reason == ledger.ReasonNoRemainingBudget {
			remaining := d.RemainingBudget.InexactFloat64()
			body.RemainingBudget = &remaining
		}
		h.writeJSON(w, rejectionStatus(d.Reason), body)
		return
	}

	h.writeJSON(w, http.StatusOK, paymentResponse{
		Invoice:     toInvoiceResponse(res.Invoice),
		AlreadyPaid: res.AlreadyPaid,
	})
}

type createProjectRequest struct {
	TotalBudget     float64  `json:"total_budget"`
	InvoicingMethod string   `json:"invoicing_method"`
	Tasks           []string `json:"tasks"`
}

type projectDetailResponse struct {
	projectResponse
	Tasks  []taskResponse  `json:"tasks"`
	Ledger summaryResponse `json:"ledger"`
}

// CreateProject создаёт проект с оплатой по завершению.
func (h *Handler) CreateProject(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req createProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.TotalBudget <= 0 || len(req.Tasks) == 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	p, tasks, err := h.service.CreateProject(r.Context(), userID,
		decimal.NewFromFloat(req.TotalBudget), model.InvoicingMethod(req.InvoicingMethod), req.Tasks)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, projectDetailResponse{
		projectResponse: toProjectResponse(p),
		Tasks:           toTaskResponses(tasks),
		Ledger: summaryResponse{
			TotalBudget:     p.TotalBudget.InexactFloat64(),
			RemainingBudget: p.TotalBudget.InexactFloat64(),
			TotalTasks:      len(tasks),
		},
	})
}

// GetProjects возвращает список проектов текущего заказчика.
func (h *Handler) GetProjects(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	projects, err := h.service.GetProjectsByOwner(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	if len(projects) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]projectResponse, 0, len(projects))
	for i := range projects {
		resp = append(resp, toProjectResponse(&projects[i]))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// GetProject возвращает проект с задачами и платёжной сводкой.
func (h *Handler) GetProject(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	projectID := pathParam(r, "projectID")

	p, tasks, summary, err := h.service.GetProject(r.Context(), userID, projectID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, projectDetailResponse{
		projectResponse: toProjectResponse(p),
		Tasks:           toTaskResponses(tasks),
		Ledger: summaryResponse{
			TotalBudget:     summary.TotalBudget.InexactFloat64(),
			PaidToDate:      summary.PaidToDate.InexactFloat64(),
			RemainingBudget: summary.RemainingBudget.InexactFloat64(),
			ApprovedTasks:   summary.ApprovedTasks,
			TotalTasks:      summary.TotalTasks,
		},
	})
}

type statusRequest struct {
	Status string `json:"status"`
}

// UpdateProjectStatus переводит проект в новый статус.
func (h *Handler) UpdateProjectStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Status == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	p, err := h.service.UpdateProjectStatus(r.Context(), userID, pathParam(r, "projectID"), model.ProjectStatus(req.Status))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, toProjectResponse(p))
}

// UpdateTaskStatus переводит задачу проекта в новый статус.
func (h *Handler) UpdateTaskStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Status == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	task, err := h.service.UpdateTaskStatus(r.Context(), userID,
		pathParam(r, "projectID"), pathParam(r, "taskID"), model.TaskStatus(req.Status))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, taskResponse{
		ID:          task.ID,
		Title:       task.Title,
		Status:      string(task.Status),
		InvoicePaid: task.InvoicePaid,
	})
}

// PayUpfront выполняет авансовый платёж по проекту.
func (h *Handler) PayUpfront(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	res, err := h.service.PayUpfront(r.Context(), userID, pathParam(r, "projectID"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writePaymentResult(w, res)
}

// PayTask выставляет и оплачивает счёт за одобренную задачу.
func (h *Handler) PayTask(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	res, err := h.service.PayTask(r.Context(), userID, pathParam(r, "projectID"), pathParam(r, "taskID"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writePaymentResult(w, res)
}

// PayFinal создаёт финальный счёт на остаток бюджета проекта.
func (h *Handler) PayFinal(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	res, err := h.service.PayFinal(r.Context(), userID, pathParam(r, "projectID"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writePaymentResult(w, res)
}

// ExecuteInvoice исполняет финальный счёт через платёжный шлюз.
func (h *Handler) ExecuteInvoice(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	number := pathParam(r, "number")
	if !validation.IsValidInvoiceNumber(number) {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	res, err := h.service.ExecuteInvoice(r.Context(), userID, number)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writePaymentResult(w, res)
}

// GetInvoices возвращает счета проекта.
func (h *Handler) GetInvoices(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	invoices, err := h.service.GetInvoicesByProject(r.Context(), userID, pathParam(r, "projectID"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	if len(invoices) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]invoiceResponse, 0, len(invoices))
	for i := range invoices {
		resp = append(resp, toInvoiceResponse(&invoices[i]))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

type auditResponse struct {
	ProjectID       string   `json:"project_id"`
	TotalBudget     float64  `json:"total_budget"`
	UpfrontPaid     float64  `json:"upfront_paid"`
	ManualPaid      float64  `json:"manual_paid"`
	FinalPaid       float64  `json:"final_paid"`
	TotalPaid       float64  `json:"total_paid"`
	RemainingBudget float64  `json:"remaining_budget"`
	Violations      []string `json:"violations"`
}

// AuditProject возвращает результат сверки платёжной книги проекта.
func (h *Handler) AuditProject(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	report, err := h.service.AuditProject(r.Context(), userID, pathParam(r, "projectID"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	violations := report.Violations
	if violations == nil {
		violations = []string{}
	}

	h.writeJSON(w, http.StatusOK, auditResponse{
		ProjectID:       report.ProjectID,
		TotalBudget:     report.TotalBudget.InexactFloat64(),
		UpfrontPaid:     report.UpfrontPaid.InexactFloat64(),
		ManualPaid:      report.ManualPaid.InexactFloat64(),
		FinalPaid:       report.FinalPaid.InexactFloat64(),
		TotalPaid:       report.TotalPaid.InexactFloat64(),
		RemainingBudget: report.RemainingBudget.InexactFloat64(),
		Violations:      violations,
	})
}
