package forms

import "github.com/go-chi/chi/v5"

// MountRoutes registers form session routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", h.openSession)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.showSession)
			r.Delete("/", h.discardSession)
			r.Put("/source", h.setSource)
			r.Post("/scan", h.scan)
			r.Post("/submit", h.submit)
			r.Post("/lines", h.addLines)
			r.Patch("/lines/{lineID}", h.patchLine)
			r.Delete("/lines/{lineID}", h.removeLine)
			r.Post("/lines/{lineID}/retry", h.retryLine)
		})
	})
}
