package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/hochfrequenz/epistemic-engine/internal/audit"
	"github.com/hochfrequenz/epistemic-engine/internal/notify"
)

// ErrChainBroken is returned by the audit job when verification fails
var ErrChainBroken = errors.New("audit chain broken")

// AuditJob re-verifies the audit log at path on schedule. The notifier hears
// about a break once, and again only after the chain verified clean.
func AuditJob(expr, path, hash string, n notify.Notifier, logger *slog.Logger) Job {
	if n == nil {
		n = notify.NoopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	reported := false
	return Job{
		Name: "verify-audit",
		Cron: expr,
		Run: func(ctx context.Context) error {
			if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
				logger.Debug("no audit log yet", "path", path)
				return nil
			}
			res, err := audit.VerifyFile(path, hash)
			if err != nil {
				return err
			}
			if res.Valid {
				reported = false
				logger.Info("audit chain verified", "path", path)
				return nil
			}
			if !reported {
				reported = true
				if nerr := n.Send(notify.Notification{
					Title:   "Audit chain broken",
					Message: fmt.Sprintf("%s: record %d: %s", path, res.BreakIndex, res.Reason),
					Type:    notify.NotifyError,
				}); nerr != nil {
					logger.Warn("notification failed", "err", nerr)
				}
			}
			return fmt.Errorf("%w at record %d: %s", ErrChainBroken, res.BreakIndex, res.Reason)
		},
	}
}
