package handlers

import (
	"errors"
	"net/http"

	"github.com/MrWong99/voicegate/internal/config"
	"github.com/MrWong99/voicegate/internal/intercept"
	"github.com/MrWong99/voicegate/internal/observe"
)

// Deps are the collaborators the built-in handlers may need. Fields only
// required by disabled handlers may be nil.
type Deps struct {
	Ledger     Ledger
	DB         Execer
	Submitter  intercept.Submitter
	Metrics    *observe.Metrics
	HTTPClient *http.Client
}

// Registrations returns the declarative handler table for cfg, in execution
// order. Pass the result to [intercept.BuildRegistry].
func Registrations(cfg config.HandlersConfig, deps Deps) []intercept.Registration {
	return []intercept.Registration{
		{
			Name:    "database_storage",
			Enabled: cfg.DatabaseStorage,
			New: func() (intercept.Handler, error) {
				if deps.DB == nil || deps.Submitter == nil {
					return nil, errors.New("database and background pool required")
				}
				return NewDatabaseSink(deps.DB, deps.Submitter), nil
			},
		},
		{
			Name:    "external_api",
			Enabled: cfg.ExternalAPI.Enabled,
			New: func() (intercept.Handler, error) {
				if cfg.ExternalAPI.URL == "" || deps.Submitter == nil {
					return nil, errors.New("url and background pool required")
				}
				opts := []WebhookOption{WithWebhookTimeout(cfg.ExternalAPI.Timeout)}
				if deps.HTTPClient != nil {
					opts = append(opts, WithHTTPClient(deps.HTTPClient))
				}
				return NewWebhook(cfg.ExternalAPI.URL, deps.Submitter, opts...), nil
			},
		},
		{
			Name:    "analytics",
			Enabled: cfg.Analytics,
			New:     func() (intercept.Handler, error) { return NewAnalytics(), nil },
		},
		{
			Name:    "billing",
			Enabled: cfg.Billing,
			New: func() (intercept.Handler, error) {
				if deps.Ledger == nil {
					return nil, errors.New("ledger required")
				}
				return NewBilling(deps.Ledger, WithBillingMetrics(deps.Metrics)), nil
			},
		},
	}
}
