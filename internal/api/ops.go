package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"nexus-core/internal/jobs"
)

func (s *Server) getFirewall(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"health":     s.deps.Breaker.Snapshot(),
		"status_bar": s.deps.Breaker.StatusBar(),
	})
}

func (s *Server) getOpsMetrics(c *gin.Context) {
	if s.deps.Metrics == nil {
		respondError(c, http.StatusServiceUnavailable, "METRICS_DISABLED", "metrics not configured")
		return
	}
	body := gin.H{"runtime": s.deps.Metrics.Snapshot()}
	if s.deps.Bus != nil {
		body["bus_dropped"] = s.deps.Bus.Dropped()
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) getJobStats(c *gin.Context) {
	stats, err := s.deps.Queue.Stats(c.Request.Context())
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) getDeadJobs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	dead, err := s.deps.Queue.DeadLetters(c.Request.Context(), limit)
	if err != nil {
		respondEngineError(c, err)
		return
	}
	if dead == nil {
		dead = []*jobs.Job{}
	}
	c.JSON(http.StatusOK, dead)
}

func (s *Server) getJob(c *gin.Context) {
	job, err := s.deps.Queue.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job, "payload": job.Payload()})
}

func (s *Server) requeueJob(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	job, err := s.deps.Queue.Get(ctx, id)
	if err != nil {
		respondEngineError(c, err)
		return
	}
	if job.Status != jobs.StatusDead {
		respondError(c, http.StatusConflict, "NOT_DEAD", "only dead-lettered jobs can be requeued, job is "+string(job.Status))
		return
	}
	if err := s.deps.Queue.Requeue(ctx, id); err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id, "status": jobs.StatusPending})
}
