package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/pulselab/ecg-be/internal/auth"
	"github.com/pulselab/ecg-be/internal/notify"
	"github.com/pulselab/ecg-be/internal/pipeline"
	"github.com/pulselab/ecg-be/shared/logger"
	"github.com/pulselab/ecg-be/shared/postgresql"
	"github.com/pulselab/ecg-be/shared/rabbitmq"
)

// ContextUserIDKey is the gin context key the auth middleware stores the
// verified owner id under.
const ContextUserIDKey = "user_id"

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger       *logger.Logger
	Pipeline     *pipeline.Service
	Hub          *notify.Hub
	Verifier     auth.Verifier
	DBClient     *postgresql.Client
	RabbitClient *rabbitmq.Client
}

// OwnerID returns the verified owner id the auth middleware attached to
// the request.
func OwnerID(c *gin.Context) string {
	return c.GetString(ContextUserIDKey)
}
