package app

import "log/slog"

// ConfigCheckOnly reports whether the binary should exit before opening any
// connection. With CONFIG_CHECK set, apcore and the worker stop once the
// environment has loaded and validated, after logging the effective policy.
func ConfigCheckOnly(cfg *Config, logger *slog.Logger, component string) bool {
	if cfg == nil || !cfg.ConfigCheck {
		return false
	}
	logger.Info("config check passed",
		slog.String("component", component),
		slog.String("addr", cfg.AppAddr),
		slog.Int("worker_concurrency", cfg.WorkerConcurrency),
		slog.String("escalation_cron", cfg.EscalationCron),
		slog.Float64("fraud_report_threshold", cfg.Fraud.ReportThreshold),
		slog.Float64("approval_critical_score", cfg.Approval.CriticalScore),
		slog.String("approval_default_role", cfg.Approval.DefaultRole),
		slog.Duration("approval_sla", cfg.Approval.SLA),
	)
	return true
}
