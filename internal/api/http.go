package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/miradorstack/resolve-sim/internal/injector"
	"github.com/miradorstack/resolve-sim/internal/scenario"
)

// NewHTTPHandler serves the control operations as JSON for curl-driven
// demos.
func NewHTTPHandler(controller Controller) http.Handler {
	router := gin.New()
	router.Use(gin.Recovery())
	RegisterRoutes(router, controller)
	return router
}

// RegisterRoutes mounts the control routes on r.
func RegisterRoutes(r *gin.Engine, controller Controller) {
	h := &httpHandlers{controller: controller}

	r.GET("/healthz", h.healthz)

	v1 := r.Group("/v1")
	{
		v1.GET("/status", h.status)
		v1.GET("/scenarios", h.scenarios)
		v1.POST("/scenarios/activate", h.activate)
		v1.POST("/scenarios/recover", h.recoverScenario)
		v1.POST("/stop", h.stop)
	}
}

type httpHandlers struct {
	controller Controller
}

func (h *httpHandlers) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (h *httpHandlers) scenarios(c *gin.Context) {
	kinds := scenario.Kinds()
	names := make([]string, 0, len(kinds))
	for _, k := range kinds {
		names = append(names, string(k))
	}
	c.JSON(http.StatusOK, gin.H{"kinds": names})
}

func (h *httpHandlers) status(c *gin.Context) {
	c.JSON(http.StatusOK, statusResponse(h.controller.Status()))
}

func (h *httpHandlers) activate(c *gin.Context) {
	var req ActivateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, ok := scenario.Lookup(scenario.Kind(req.Kind)); !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown scenario kind " + req.Kind})
		return
	}
	st, outcome, err := h.controller.Activate(c.Request.Context(), scenario.Kind(req.Kind), req.Origin)
	if err != nil {
		writeError(c, err)
		return
	}
	code := http.StatusOK
	if outcome == injector.OutcomeConflict {
		code = http.StatusConflict
	}
	c.JSON(code, outcomeResponse(outcome, st))
}

func (h *httpHandlers) recoverScenario(c *gin.Context) {
	outcome, err := h.controller.Recover(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, outcomeResponse(outcome, h.controller.Status().Scenario.State))
}

func (h *httpHandlers) stop(c *gin.Context) {
	c.JSON(http.StatusOK, OutcomeResponse{Status: string(h.controller.Stop())})
}

func writeError(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch classify(err) {
	case classInvalid:
		code = http.StatusBadRequest
	case classPrecondition:
		code = http.StatusPreconditionFailed
	}
	_ = c.Error(err)
	c.JSON(code, gin.H{"error": err.Error()})
}
