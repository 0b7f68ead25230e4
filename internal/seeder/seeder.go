package seeder

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/vnmchuo/completion-gateway/internal/auth"
)

// SeedAdmin creates the admin user and key. An existing key is left as is.
func SeedAdmin(ctx context.Context, store auth.Store, email, key string) {
	if email == "" || key == "" {
		log.Warn("[Seeder] ADMIN_EMAIL or ADMIN_API_KEY not set, skipping")
		return
	}

	id, err := store.Create(ctx, email, key, auth.ScopeAdmin)
	if err != nil {
		log.WithError(err).Info("[Seeder] admin key may already exist, skipping")
		return
	}
	log.WithFields(log.Fields{"user_id": id.UserID, "email": id.Email}).Info("[Seeder] admin API key created")
}
