package handler

import "github.com/gofiber/fiber/v2"

// Routes is the full HTTP surface. APIAuth guards /api; SubmitLimit is
// applied to the job submission routes only.
type Routes struct {
	Health   *HealthHandler
	Auth     *AuthHandler
	Jobs     *JobHandler
	Personas *PersonaHandler
	Progress *ProgressHandler

	APIAuth     fiber.Handler
	SubmitLimit fiber.Handler
}

func (r *Routes) Register(app *fiber.App) {
	app.Get("/", r.Health.Root)
	app.Get("/health", r.Health.Health)

	// ForwardAuth verification endpoint (internal, called by the gateway)
	app.Get("/auth/verify", r.Auth.Verify)

	api := app.Group("/api", r.APIAuth)

	jobs := api.Group("/jobs")
	jobs.Post("/text", r.SubmitLimit, r.Jobs.SubmitText)
	jobs.Post("/roast", r.SubmitLimit, r.Jobs.SubmitRoast)
	jobs.Post("/file", r.SubmitLimit, r.Jobs.SubmitFile)
	jobs.Post("/cleanup", r.Jobs.Cleanup)
	jobs.Get("/", r.Jobs.List)
	jobs.Get("/:jobId", r.Jobs.Status)
	jobs.Delete("/:jobId", r.Jobs.Delete)

	api.Get("/files/:filename", r.Jobs.Download)

	personas := api.Group("/personas")
	personas.Get("/", r.Personas.List)
	personas.Post("/", r.Personas.Create)
	personas.Post("/reload", r.Personas.Reload)
	personas.Get("/:personaId", r.Personas.Get)
	personas.Patch("/:personaId", r.Personas.Update)
	personas.Delete("/:personaId", r.Personas.Delete)
	personas.Get("/:personaId/validate", r.Personas.Validate)

	app.Get("/ws/jobs/:jobId", r.Progress.Upgrade, r.Progress.Stream())
}
