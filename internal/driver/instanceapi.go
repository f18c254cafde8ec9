package driver

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/remiges-tech/batchcore/batchcore"
	"github.com/remiges-tech/batchcore/internal/batchpg"
	"github.com/remiges-tech/batchcore/internal/ipr"
)

// InstanceAPI is the Driver-side half of the boundary between this module
// and the external cluster instance provider (spec.md §1 Non-goals: "no
// claim is made about ... the container runtime inside workers" -- the
// provider that creates/destroys VMs is likewise external). It exposes the
// minimal register/heartbeat/deregister surface the provider calls so the
// in-memory IPR and the Persistent Store's instances table both learn about
// a VM's existence, matching the teacher's RegisterWorker/RefreshHeartbeat
// shape in jobs/recovery.go generalized from "worker process" to "worker
// VM".
type InstanceAPI struct {
	Store    *batchcore.Store
	Registry *ipr.Registry
}

func NewInstanceAPI(store *batchcore.Store, reg *ipr.Registry) *InstanceAPI {
	return &InstanceAPI{Store: store, Registry: reg}
}

// RegisterRoutes mounts the instance lifecycle surface. Callers are
// expected to gate this group with the same bearer-token middleware used
// for worker callbacks, scoped to a provider-level credential.
func (a *InstanceAPI) RegisterRoutes(r *gin.Engine) {
	g := r.Group("/internal/v1alpha/instances")
	g.POST("/register", a.register)
	g.POST("/:name/heartbeat", a.heartbeat)
	g.POST("/:name/deregister", a.deregister)
}

type registerInstanceRequest struct {
	Name       string `json:"name" binding:"required"`
	Pool       string `json:"pool" binding:"required"`
	Address    string `json:"address" binding:"required"`
	TotalCores int    `json:"total_cores" binding:"required,gt=0"`
}

func (a *InstanceAPI) register(c *gin.Context) {
	var req registerInstanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	if err := a.Store.Queries.UpsertInstance(ctx, batchpg.Instance{
		Name: req.Name, Pool: req.Pool, Address: req.Address,
		State: batchpg.InstanceStateActive, TotalCores: int32(req.TotalCores),
	}); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := a.Registry.RegisterInPool(ctx, req.Pool, req.Name); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	a.Registry.Upsert(ctx, batchcore.Instance{
		Name: req.Name, Pool: req.Pool, Address: req.Address,
		State: batchcore.InstanceActive, TotalCores: req.TotalCores,
		FreeCoresMcpu: req.TotalCores * 1000,
	})
	if err := a.Registry.RecordHeartbeat(ctx, req.Name); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (a *InstanceAPI) heartbeat(c *gin.Context) {
	name := c.Param("name")
	ctx := c.Request.Context()
	if err := a.Registry.RecordHeartbeat(ctx, name); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	// Also persist the heartbeat to the Persistent Store so the instances
	// table's last_heartbeat column (spec.md §3) reflects reality for
	// operators querying it directly, not just the Redis TTL key the
	// reconcile loop actually checks liveness against.
	if err := a.Store.Queries.UpdateHeartbeat(ctx, name, time.Now()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (a *InstanceAPI) deregister(c *gin.Context) {
	name := c.Param("name")
	ctx := c.Request.Context()
	if err := a.Store.Queries.UpdateInstanceState(ctx, name, batchpg.InstanceStateDeleted); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	a.Registry.SetState(ctx, name, batchcore.InstanceDeleted)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
