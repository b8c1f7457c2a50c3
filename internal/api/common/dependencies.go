package common

import (
	"log/slog"

	"github.com/kmbridge/kmbridge/internal/auth"
	"github.com/kmbridge/kmbridge/internal/channels"
	"github.com/kmbridge/kmbridge/internal/dispatch"
	"github.com/kmbridge/kmbridge/internal/manager"
	"github.com/kmbridge/kmbridge/internal/store"
)

// Dependencies holds common dependencies for API handlers
type Dependencies struct {
	Manager    *manager.Manager
	Dispatcher *dispatch.Dispatcher
	Store      store.Store
	Auth       *auth.Service
	Events     *channels.EventChannels
	Logger     *slog.Logger
}
