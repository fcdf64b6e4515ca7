// Package repository содержит реализацию хранилищ платёжной книги в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/fairlance-ledger/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с уже существующим логином.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrProjectExists возвращается при создании проекта с занятым идентификатором.
	ErrProjectExists = errors.New("project already exists")
	// ErrProjectNotFound возвращается, если проект не найден.
	ErrProjectNotFound = errors.New("project not found")
	// ErrTaskNotFound возвращается, если задача не найдена.
	ErrTaskNotFound = errors.New("task not found")
	// ErrInvoiceNotFound возвращается, если счёт не найден.
	ErrInvoiceNotFound = errors.New("invoice not found")
	// ErrDuplicatePayment возвращается при проигрыше гонки за идемпотентный ключ платежа.
	ErrDuplicatePayment = errors.New("duplicate payment for idempotency key")
	// ErrBudgetExceeded возвращается, когда платёж вывел бы проект за бюджет.
	ErrBudgetExceeded = errors.New("payment exceeds project budget")
	// ErrVersionConflict возвращается при несовпадении версии проекта.
	ErrVersionConflict = errors.New("project version conflict")
	// ErrInvoiceStateConflict возвращается при недопустимом переходе статуса счёта.
	ErrInvoiceStateConflict = errors.New("invoice status conflict")
)

// Суммы хранятся в сотых долях бюджетных единиц (BIGINT),
// в домене — decimal с двумя знаками.
func toCents(d decimal.Decimal) int64 {
	return d.Round(2).Shift(2).IntPart()
}

func fromCents(c int64) decimal.Decimal {
	return decimal.New(c, -2)
}

func parseMethod(s string) (model.InvoicingMethod, error) {
	switch m := model.InvoicingMethod(s); m {
	case model.InvoicingCompletion, model.InvoicingMilestone:
		return m, nil
	}
	return "", fmt.Errorf("unknown invoicing method %q", s)
}

func parseProjectStatus(s string) (model.ProjectStatus, error) {
	switch st := model.ProjectStatus(s); st {
	case model.ProjectStatusProposed, model.ProjectStatusOngoing, model.ProjectStatusPaused,
		model.ProjectStatusCompleted, model.ProjectStatusArchived:
		return st, nil
	}
	return "", fmt.Errorf("unknown project status %q", s)
}

func parseTaskStatus(s string) (model.TaskStatus, error) {
	switch st := model.TaskStatus(s); st {
	case model.TaskStatusOngoing, model.TaskStatusSubmitted, model.TaskStatusInReview,
		model.TaskStatusRejected, model.TaskStatusApproved:
		return st, nil
	}
	return "", fmt.Errorf("unknown task status %q", s)
}

func parseInvoiceType(s string) (model.InvoiceType, error) {
	switch t := model.InvoiceType(s); t {
	case model.InvoiceTypeUpfront, model.InvoiceTypeManual, model.InvoiceTypeFinal:
		return t, nil
	}
	return "", fmt.Errorf("unknown invoice type %q", s)
}

func parseInvoiceStatus(s string) (model.InvoiceStatus, error) {
	switch st := model.InvoiceStatus(s); st {
	case model.InvoiceStatusDraft, model.InvoiceStatusSent, model.InvoiceStatusProcessing,
		model.InvoiceStatusPaid, model.InvoiceStatusVoid:
		return st, nil
	}
	return "", fmt.Errorf("unknown invoice status %q", s)
}

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет fn при временных ошибках PostgreSQL
// (сериализация, дедлок); остальные ошибки отдаёт сразу.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewConstant(500*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) &&
			(pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected) {
			return retry.RetryableError(err)
		}

		return err
	})
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового пользователя-заказчика.
func (r *PostgresRepository) CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (login, password_hash) VALUES ($1, $2) RETURNING id`,
		login, passwordHash,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, login)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// GetUserByLogin возвращает пользователя по логину.
func (r *PostgresRepository) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, created_at FROM users WHERE login = $1`,
		login,
	)

	var u model.User
	err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &u, nil
}

// CreateProject создаёт проект вместе с его задачами.
func (r *PostgresRepository) CreateProject(ctx context.Context, p model.Project, taskTitles []string) (*model.Project, []model.Task, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx,
		`INSERT INTO projects (id, owner_id, total_budget, invoicing_method, paid_to_date, status)
		 VALUES ($1, $2, $3, $4, 0, $5)
		 RETURNING version, created_at`,
		p.ID, p.OwnerID, toCents(p.TotalBudget), string(p.InvoicingMethod), string(p.Status),
	).Scan(&p.Version, &p.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return nil, nil, fmt.Errorf("%w: %s", ErrProjectExists, p.ID)
		}
		return nil, nil, fmt.Errorf("insert project: %w", err)
	}
	p.PaidToDate = decimal.Zero

	tasks := make([]model.Task, 0, len(taskTitles))
	for _, title := range taskTitles {
		t := model.Task{
			ID:        uuid.NewString(),
			ProjectID: p.ID,
			Title:     title,
			Status:    model.TaskStatusOngoing,
		}
		err := tx.QueryRow(ctx,
			`INSERT INTO tasks (id, project_id, title, status, invoice_paid)
			 VALUES ($1, $2, $3, $4, false)
			 RETURNING created_at`,
			t.ID, t.ProjectID, t.Title, string(t.Status),
		).Scan(&t.CreatedAt)
		if err != nil {
			return nil, nil, fmt.Errorf("insert task: %w", err)
		}
		tasks = append(tasks, t)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("commit tx: %w", err)
	}

	return &p, tasks, nil
}

func scanProjectRow(row pgx.Row) (*model.Project, error) {
	var (
		p           model.Project
		budgetCents int64
		paidCents   int64
		method      string
		status      string
	)
	err := row.Scan(&p.ID, &p.OwnerID, &budgetCents, &method, &paidCents, &status, &p.Version, &p.CreatedAt)
	if err != nil {
		return nil, err
	}

	// Записи неизвестной формы отклоняются на границе хранилища.
	if p.InvoicingMethod, err = parseMethod(method); err != nil {
		return nil, err
	}
	if p.Status, err = parseProjectStatus(status); err != nil {
		return nil, err
	}

	p.TotalBudget = fromCents(budgetCents)
	p.PaidToDate = fromCents(paidCents)
	return &p, nil
}

const projectColumns = `id, owner_id, total_budget, invoicing_method, paid_to_date, status, version, created_at`

// GetProject возвращает проект по идентификатору.
func (r *PostgresRepository) GetProject(ctx context.Context, projectID string) (*model.Project, error) {
	p, err := scanProjectRow(r.pool.QueryRow(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = $1`, projectID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProjectNotFound
		}
		return nil, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

// GetProjectsByOwner возвращает проекты заказчика.
func (r *PostgresRepository) GetProjectsByOwner(ctx context.Context, ownerID int64) ([]model.Project, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE owner_id = $1 ORDER BY created_at DESC`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("select projects: %w", err)
	}
	defer rows.Close()

	var res []model.Project
	for rows.Next() {
		p, err := scanProjectRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		res = append(res, *p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// UpdateProjectStatus переводит проект в новый статус с оптимистичной
// проверкой версии.
func (r *PostgresRepository) UpdateProjectStatus(ctx context.Context, projectID string, status model.ProjectStatus, expectedVersion int64) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE projects SET status = $2, version = version + 1 WHERE id = $1 AND version = $3`,
		projectID, string(status), expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update project status: %w", err)
	}
	if cmdTag.RowsAffected() == 1 {
		return nil
	}

	if _, err := r.GetProject(ctx, projectID); err != nil {
		return err
	}
	return ErrVersionConflict
}

func scanTaskRow(row pgx.Row) (*model.Task, error) {
	var (
		t      model.Task
		status string
	)
	err := row.Scan(&t.ID, &t.ProjectID, &t.Title, &status, &t.InvoicePaid, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	if t.Status, err = parseTaskStatus(status); err != nil {
		return nil, err
	}
	return &t, nil
}

const taskColumns = `id, project_id, title, status, invoice_paid, created_at`

// ListTasksByProject возвращает задачи проекта в порядке создания.
func (r *PostgresRepository) ListTasksByProject(ctx context.Context, projectID string) ([]model.Task, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE project_id = $1 ORDER BY created_at`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("select tasks: %w", err)
	}
	defer rows.Close()

	var res []model.Task
	for rows.Next() {
		t, err := scanTaskRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		res = append(res, *t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetTask возвращает задачу по идентификатору.
func (r *PostgresRepository) GetTask(ctx context.Context, taskID string) (*model.Task, error) {
	t, err := scanTaskRow(r.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, taskID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// UpdateTaskStatus переводит задачу в новый статус жизненного цикла.
func (r *PostgresRepository) UpdateTaskStatus(ctx context.Context, taskID string, status model.TaskStatus) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE tasks SET status = $2 WHERE id = $1`,
		taskID, string(status),
	)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func scanInvoiceRow(row pgx.Row) (*model.Invoice, error) {
	var (
		inv         model.Invoice
		amountCents int64
		invType     string
		status      string
	)
	err := row.Scan(&inv.Number, &inv.ProjectID, &inv.TaskID, &invType, &status, &amountCents, &inv.CreatedAt, &inv.UpdatedAt, &inv.PaidAt)
	if err != nil {
		return nil, err
	}
	if inv.Type, err = parseInvoiceType(invType); err != nil {
		return nil, err
	}
	if inv.Status, err = parseInvoiceStatus(status); err != nil {
		return nil, err
	}
	inv.TotalAmount = fromCents(amountCents)
	return &inv, nil
}

const invoiceColumns = `number, project_id, task_id, invoice_type, status, total_amount, created_at, updated_at, paid_at`

// GetInvoice возвращает счёт по номеру.
func (r *PostgresRepository) GetInvoice(ctx context.Context, number string) (*model.Invoice, error) {
	inv, err := scanInvoiceRow(r.pool.QueryRow(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE number = $1`, number))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvoiceNotFound
		}
		return nil, fmt.Errorf("get invoice: %w", err)
	}
	return inv, nil
}

func (r *PostgresRepository) listInvoices(ctx context.Context, query string, arg any) ([]model.Invoice, error) {
	rows, err := r.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("select invoices: %w", err)
	}
	defer rows.Close()

	var res []model.Invoice
	for rows.Next() {
		inv, err := scanInvoiceRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invoice: %w", err)
		}
		res = append(res, *inv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ListInvoicesByProject возвращает счета проекта в порядке создания.
func (r *PostgresRepository) ListInvoicesByProject(ctx context.Context, projectID string) ([]model.Invoice, error) {
	return r.listInvoices(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE project_id = $1 ORDER BY created_at`, projectID)
}

// ListInvoicesByTask возвращает счета, ссылающиеся на задачу.
func (r *PostgresRepository) ListInvoicesByTask(ctx context.Context, taskID string) ([]model.Invoice, error) {
	return r.listInvoices(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE task_id = $1 ORDER BY created_at`, taskID)
}

// ListInvoicesByStatus возвращает счета, находящиеся в указанном статусе
// дольше olderThan. Порог отсчитывается от момента последней смены
// статуса, а не от создания счёта.
func (r *PostgresRepository) ListInvoicesByStatus(ctx context.Context, status model.InvoiceStatus, olderThan time.Duration, limit int) ([]model.Invoice, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+invoiceColumns+` FROM invoices
		 WHERE status = $1 AND updated_at < $2
		 ORDER BY updated_at
		 LIMIT $3`,
		string(status), time.Now().Add(-olderThan), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select invoices by status: %w", err)
	}
	defer rows.Close()

	var res []model.Invoice
	for rows.Next() {
		inv, err := scanInvoiceRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invoice: %w", err)
		}
		res = append(res, *inv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// NextInvoiceSeq возвращает следующее значение последовательности счетов.
func (r *PostgresRepository) NextInvoiceSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := r.pool.QueryRow(ctx, `SELECT nextval('invoice_seq')`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("next invoice seq: %w", err)
	}
	return seq, nil
}

// CommitPayment атомарно создаёт счёт, обновляет paid_to_date проекта и,
// при необходимости, помечает задачу оплаченной. Строка проекта
// блокируется на время транзакции: платежи внутри проекта сериализованы,
// платежи разных проектов не конкурируют. Остаток бюджета пересчитывается
// внутри транзакции независимо от проверок вызывающего кода.
func (r *PostgresRepository) CommitPayment(ctx context.Context, inv model.Invoice, markTaskPaid bool) (*model.Invoice, error) {
	var committed *model.Invoice

	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var budgetCents int64
		err = tx.QueryRow(ctx,
			`SELECT total_budget FROM projects WHERE id = $1 FOR UPDATE`,
			inv.ProjectID,
		).Scan(&budgetCents)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrProjectNotFound
			}
			return fmt.Errorf("lock project: %w", err)
		}

		amountCents := toCents(inv.TotalAmount)

		if inv.Status == model.InvoiceStatusPaid {
			var paidCents int64
			err = tx.QueryRow(ctx,
				`SELECT COALESCE(SUM(total_amount), 0) FROM invoices WHERE project_id = $1 AND status = $2`,
				inv.ProjectID, string(model.InvoiceStatusPaid),
			).Scan(&paidCents)
			if err != nil {
				return fmt.Errorf("sum paid invoices: %w", err)
			}

			if paidCents+amountCents > budgetCents {
				return ErrBudgetExceeded
			}
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO invoices (number, project_id, task_id, invoice_type, status, total_amount, created_at, updated_at, paid_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $7, $8)`,
			inv.Number, inv.ProjectID, inv.TaskID, string(inv.Type), string(inv.Status), amountCents, inv.CreatedAt, inv.PaidAt,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
				return ErrDuplicatePayment
			}
			return fmt.Errorf("insert invoice: %w", err)
		}

		if markTaskPaid {
			cmdTag, err := tx.Exec(ctx,
				`UPDATE tasks SET invoice_paid = true WHERE id = $1 AND invoice_paid = false`,
				inv.TaskID,
			)
			if err != nil {
				return fmt.Errorf("mark task paid: %w", err)
			}
			if cmdTag.RowsAffected() == 0 {
				return ErrDuplicatePayment
			}
		}

		if inv.Status == model.InvoiceStatusPaid {
			_, err = tx.Exec(ctx,
				`UPDATE projects SET paid_to_date = paid_to_date + $2, version = version + 1 WHERE id = $1`,
				inv.ProjectID, amountCents,
			)
			if err != nil {
				return fmt.Errorf("update paid_to_date: %w", err)
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		result := inv
		committed = &result
		return nil
	})
	if err != nil {
		return nil, err
	}

	return committed, nil
}

// MarkInvoicePaid идемпотентно переводит счёт в paid и увеличивает
// paid_to_date проекта. Для уже оплаченного счёта возвращает его и true.
func (r *PostgresRepository) MarkInvoicePaid(ctx context.Context, number string) (*model.Invoice, bool, error) {
	var (
		paid    *model.Invoice
		already bool
	)

	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		inv, err := scanInvoiceRow(tx.QueryRow(ctx,
			`SELECT `+invoiceColumns+` FROM invoices WHERE number = $1 FOR UPDATE`, number))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrInvoiceNotFound
			}
			return fmt.Errorf("lock invoice: %w", err)
		}

		if inv.Status == model.InvoiceStatusPaid {
			paid = inv
			already = true
			return nil
		}
		if inv.Status == model.InvoiceStatusVoid {
			return fmt.Errorf("%w: invoice %s is void", ErrInvoiceStateConflict, number)
		}

		var budgetCents, paidCents int64
		err = tx.QueryRow(ctx,
			`SELECT total_budget FROM projects WHERE id = $1 FOR UPDATE`,
			inv.ProjectID,
		).Scan(&budgetCents)
		if err != nil {
			return fmt.Errorf("lock project: %w", err)
		}

		err = tx.QueryRow(ctx,
			`SELECT COALESCE(SUM(total_amount), 0) FROM invoices WHERE project_id = $1 AND status = $2`,
			inv.ProjectID, string(model.InvoiceStatusPaid),
		).Scan(&paidCents)
		if err != nil {
			return fmt.Errorf("sum paid invoices: %w", err)
		}

		amountCents := toCents(inv.TotalAmount)
		if paidCents+amountCents > budgetCents {
			return ErrBudgetExceeded
		}

		var paidAt time.Time
		err = tx.QueryRow(ctx,
			`UPDATE invoices SET status = $2, updated_at = now(), paid_at = now() WHERE number = $1 RETURNING paid_at`,
			number, string(model.InvoiceStatusPaid),
		).Scan(&paidAt)
		if err != nil {
			return fmt.Errorf("update invoice: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE projects SET paid_to_date = paid_to_date + $2, version = version + 1 WHERE id = $1`,
			inv.ProjectID, amountCents,
		)
		if err != nil {
			return fmt.Errorf("update paid_to_date: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		inv.Status = model.InvoiceStatusPaid
		inv.UpdatedAt = paidAt
		inv.PaidAt = &paidAt
		paid = inv
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	return paid, already, nil
}

// UpdateInvoiceStatus переводит счёт из статуса from в to.
func (r *PostgresRepository) UpdateInvoiceStatus(ctx context.Context, number string, from, to model.InvoiceStatus) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE invoices SET status = $3, updated_at = now() WHERE number = $1 AND status = $2`,
		number, string(from), string(to),
	)
	if err != nil {
		return fmt.Errorf("update invoice status: %w", err)
	}
	if cmdTag.RowsAffected() == 1 {
		return nil
	}

	if _, err := r.GetInvoice(ctx, number); err != nil {
		return err
	}
	return fmt.Errorf("%w: invoice %s is not %s", ErrInvoiceStateConflict, number, from)
}

// Emit записывает доменное событие в таблицу-исходящую очередь;
// подсистема уведомлений вычитывает её отдельным процессом.
func (r *PostgresRepository) Emit(ctx context.Context, e model.Event) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO ledger_events (id, event_type, project_id, task_id, invoice_number, amount, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, string(e.Type), e.ProjectID, e.TaskID, e.InvoiceNumber, toCents(e.Amount), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}
