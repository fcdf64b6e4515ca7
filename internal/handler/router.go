package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/mmeshcher/fairlance-ledger/internal/middleware"
)

func pathParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

// SetupRouter настраивает HTTP-маршруты и middleware платёжной книги.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/user/register", h.Register)
		r.Post("/user/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Route("/projects", func(r chi.Router) {
				r.Post("/", h.CreateProject)
				r.Get("/", h.GetProjects)

				r.Route("/{projectID}", func(r chi.Router) {
					r.Get("/", h.GetProject)
					r.Post("/status", h.UpdateProjectStatus)

					r.Post("/tasks/{taskID}/status", h.UpdateTaskStatus)
					r.Post("/tasks/{taskID}/pay", h.PayTask)

					r.Post("/pay/upfront", h.PayUpfront)
					r.Post("/pay/final", h.PayFinal)

					r.Get("/invoices", h.GetInvoices)
					r.Get("/audit", h.AuditProject)
				})
			})

			r.Post("/invoices/{number}/execute", h.ExecuteInvoice)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
