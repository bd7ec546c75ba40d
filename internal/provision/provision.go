// Package provision creates the remote database, collections and typed
// attributes the sync engine expects. Running it again is harmless.
package provision

import (
	"context"
	"fmt"

	"golang.org/x/exp/slog"

	"kwaribook/backend/internal/domain"
	"kwaribook/backend/internal/remote"
	"kwaribook/backend/internal/sync"
)

type Report struct {
	Collections int
	Attributes  int
}

// Run ensures every catalog collection exists under naming. Each collection
// also gets the localId cross reference attribute.
func Run(ctx context.Context, p remote.Provisioner, naming sync.Naming, databaseName string, log *slog.Logger) (Report, error) {
	var rep Report
	if naming.DatabaseID == "" {
		return rep, fmt.Errorf("provision: remote database id is not configured")
	}
	if databaseName == "" {
		databaseName = naming.DatabaseID
	}
	if err := p.EnsureDatabase(ctx, naming.DatabaseID, databaseName); err != nil {
		return rep, fmt.Errorf("ensure database %s: %w", naming.DatabaseID, err)
	}
	log.Info("database ready", slog.String("database", naming.DatabaseID))

	for _, spec := range domain.Catalog {
		id := naming.CollectionID(spec.Name)
		if err := p.EnsureCollection(ctx, naming.DatabaseID, id, string(spec.Name)); err != nil {
			return rep, fmt.Errorf("ensure collection %s: %w", id, err)
		}
		attrs := append(append([]domain.Attribute(nil), spec.Attributes...),
			domain.Attribute{Key: domain.LocalIDAttribute, Type: domain.AttrInteger})
		for _, attr := range attrs {
			if err := p.EnsureAttribute(ctx, naming.DatabaseID, id, attr); err != nil {
				return rep, fmt.Errorf("ensure attribute %s.%s: %w", id, attr.Key, err)
			}
			rep.Attributes++
		}
		rep.Collections++
		log.Debug("collection ready", slog.String("collection", id), slog.Int("attributes", len(attrs)))
	}
	log.Info("provisioning finished", slog.Int("collections", rep.Collections), slog.Int("attributes", rep.Attributes))
	return rep, nil
}
