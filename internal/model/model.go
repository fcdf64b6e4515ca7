// Package model содержит доменные сущности платёжной книги проектов.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// User представляет зарегистрированного заказчика.
type User struct {
	ID           int64
	Login        string
	PasswordHash []byte
	CreatedAt    time.Time
}

// InvoicingMethod описывает способ выставления счетов по проекту.
type InvoicingMethod string

const (
	// InvoicingCompletion — оплата по завершению: аванс + оплата задач + финальная выплата.
	InvoicingCompletion InvoicingMethod = "completion"
	// InvoicingMilestone — оплата по вехам; платёжная книга такие проекты не обслуживает.
	InvoicingMilestone InvoicingMethod = "milestone"
)

// ProjectStatus описывает статус проекта.
type ProjectStatus string

const (
	ProjectStatusProposed  ProjectStatus = "proposed"
	ProjectStatusOngoing   ProjectStatus = "ongoing"
	ProjectStatusPaused    ProjectStatus = "paused"
	ProjectStatusCompleted ProjectStatus = "completed"
	ProjectStatusArchived  ProjectStatus = "archived"
)

// Project описывает заказанный проект и его платёжное состояние.
// TotalBudget задаётся при создании и далее неизменен; PaidToDate
// изменяется только оркестратором платежей и никогда не убывает.
type Project struct {
	ID              string
	OwnerID         int64
	TotalBudget     decimal.Decimal
	InvoicingMethod InvoicingMethod
	PaidToDate      decimal.Decimal
	Status          ProjectStatus
	Version         int64
	CreatedAt       time.Time
}

// TaskStatus описывает статус задачи проекта.
type TaskStatus string

const (
	TaskStatusOngoing   TaskStatus = "Ongoing"
	TaskStatusSubmitted TaskStatus = "Submitted"
	TaskStatusInReview  TaskStatus = "In review"
	TaskStatusRejected  TaskStatus = "Rejected"
	TaskStatusApproved  TaskStatus = "Approved"
)

// Task описывает оплачиваемую единицу работы внутри проекта.
type Task struct {
	ID          string
	ProjectID   string
	Title       string
	Status      TaskStatus
	InvoicePaid bool
	CreatedAt   time.Time
}

// InvoiceType описывает тип счёта в рамках оплаты по завершению.
type InvoiceType string

const (
	InvoiceTypeUpfront InvoiceType = "completion_upfront"
	InvoiceTypeManual  InvoiceType = "completion_manual"
	InvoiceTypeFinal   InvoiceType = "completion_final"
)

// InvoiceStatus описывает статус счёта.
type InvoiceStatus string

const (
	InvoiceStatusDraft      InvoiceStatus = "draft"
	InvoiceStatusSent       InvoiceStatus = "sent"
	InvoiceStatusProcessing InvoiceStatus = "processing"
	InvoiceStatusPaid       InvoiceStatus = "paid"
	InvoiceStatusVoid       InvoiceStatus = "void"
)

// Invoice описывает платёжную запись; после оплаты запись неизменяема.
// TaskID заполнен только для счетов типа completion_manual. UpdatedAt
// меняется при каждой смене статуса; по нему выверка отличает свежий
// переход в processing от зависшего.
type Invoice struct {
	Number      string
	ProjectID   string
	TaskID      *string
	Type        InvoiceType
	Status      InvoiceStatus
	TotalAmount decimal.Decimal
	CreatedAt   time.Time
	UpdatedAt   time.Time
	PaidAt      *time.Time
}

// EventType описывает тип доменного события платёжной книги.
type EventType string

const (
	EventUpfrontPaid EventType = "completion.upfront_paid"
	EventManualPaid  EventType = "completion.manual_invoice_paid"
	EventFinalPaid   EventType = "completion.final_paid"
)

// Event — доменное событие для внешней подсистемы уведомлений.
// Идентификаторов в полезной нагрузке достаточно, чтобы потребитель
// обогатил событие самостоятельно (имена, названия организаций).
type Event struct {
	ID            string
	Type          EventType
	ProjectID     string
	TaskID        *string
	InvoiceNumber string
	Amount        decimal.Decimal
	CreatedAt     time.Time
}

// LedgerSummary — сводка платёжного состояния проекта.
type LedgerSummary struct {
	TotalBudget     decimal.Decimal
	PaidToDate      decimal.Decimal
	RemainingBudget decimal.Decimal
	ApprovedTasks   int
	TotalTasks      int
}
