package poller

import (
	"log/slog"

	"github.com/vpbank/network_exporter/models"
	"github.com/vpbank/network_exporter/pkg/networkexporter/config"
)

// Plan resolves the categories to collect from a device. A device without
// an explicit category list gets every category of the table, in table
// order. Unknown names are logged and skipped; repeated names are collected
// once.
func Plan(table *models.DefinitionTable, cfg config.DeviceConfig, logger *slog.Logger) []models.Category {
	if table == nil {
		return nil
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}

	if len(cfg.Categories) == 0 {
		out := make([]models.Category, 0, len(table.Categories))
		for _, cat := range table.Categories {
			if applies(cat, cfg.Driver) {
				out = append(out, cat)
			}
		}
		return out
	}

	seen := make(map[string]bool, len(cfg.Categories))
	out := make([]models.Category, 0, len(cfg.Categories))
	for _, name := range cfg.Categories {
		if seen[name] {
			continue
		}
		seen[name] = true

		cat, ok := table.Category(name)
		if !ok {
			logger.Warn("plan: unknown category", "device", cfg.Name, "category", name)
			continue
		}
		if !applies(cat, cfg.Driver) {
			logger.Warn("plan: category has no request for driver",
				"device", cfg.Name, "category", name, "driver", cfg.Driver)
			continue
		}
		out = append(out, cat)
	}
	return out
}

// applies reports whether cat carries a request the driver can issue.
func applies(cat models.Category, driver string) bool {
	switch driver {
	case config.DriverSNMP:
		return len(cat.Request.Get) > 0 || len(cat.Request.Walk) > 0
	default:
		return cat.Request.Command != ""
	}
}
