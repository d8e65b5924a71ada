package config

// ConfigDiff describes what changed between two configs.
// Changes that can be applied to a running server are reported as flags;
// everything else is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	InterceptorEnabledChanged bool
	LogRequestsChanged        bool
	CloseAfterChatChanged     bool
	EndPromptChanged          bool

	// RestartRequired lists the dotted paths of changed settings that only
	// take effect after a restart.
	RestartRequired []string
}

// HotChanged reports whether d contains any change that can be applied
// without a restart.
func (d ConfigDiff) HotChanged() bool {
	return d.LogLevelChanged || d.InterceptorEnabledChanged || d.LogRequestsChanged ||
		d.CloseAfterChatChanged || d.EndPromptChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.InterceptorEnabledChanged = old.Interceptor.Enabled != new.Interceptor.Enabled
	d.LogRequestsChanged = old.Interceptor.LogRequests != new.Interceptor.LogRequests
	d.CloseAfterChatChanged = old.Delivery.CloseAfterChat != new.Delivery.CloseAfterChat
	d.EndPromptChanged = old.Delivery.EndPrompt != new.Delivery.EndPrompt

	restart := func(path string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, path)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("server.websocket_path", old.Server.WebsocketPath != new.Server.WebsocketPath)
	restart("server.idle_timeout", old.Server.IdleTimeout != new.Server.IdleTimeout)
	restart("server.tls", !equalTLS(old.Server.TLS, new.Server.TLS))
	restart("delivery.stop_notify", old.Delivery.StopNotify != new.Delivery.StopNotify)
	restart("interceptor.debug", old.Interceptor.Debug != new.Interceptor.Debug)
	restart("interceptor.max_workers", old.Interceptor.MaxWorkers != new.Interceptor.MaxWorkers)
	restart("interceptor.queue_size", old.Interceptor.QueueSize != new.Interceptor.QueueSize)
	restart("interceptor.history_capacity", old.Interceptor.HistoryCapacity != new.Interceptor.HistoryCapacity)
	restart("interceptor.capture_outbound", old.Interceptor.CaptureOutbound != new.Interceptor.CaptureOutbound)
	restart("interceptor.handlers", old.Interceptor.Handlers != new.Interceptor.Handlers)
	restart("accounts", old.Accounts != new.Accounts)

	return d
}

func equalTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
