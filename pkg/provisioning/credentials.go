package provisioning

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/dbaas/dbaas/pkg/drivers"
	"github.com/dbaas/dbaas/pkg/models"
	"github.com/dbaas/dbaas/pkg/stores"
)

// maxUserLength is the shortest user name limit among supported engines (MySQL).
const maxUserLength = 32

// credentialUser derives the engine user of a database. Names that do not
// fit are truncated and suffixed with a hash so they stay unique.
func credentialUser(database string) string {
	user := "u_" + database
	if len(user) <= maxUserLength {
		return user
	}
	sum := sha256.Sum256([]byte(database))
	suffix := hex.EncodeToString(sum[:4])
	return user[:maxUserLength-len(suffix)-1] + "_" + suffix
}

func generatePassword() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ensureCredential makes sure the database user exists on the engine with
// the stored password. The record is persisted before the engine call, so a
// retry always knows the password it is converging on.
func (o *Orchestrator) ensureCredential(ctx context.Context, db *models.Database, infra *models.Infra, driver drivers.Driver, resumed bool) (*models.Credential, error) {
	user := credentialUser(db.Name)

	cred, err := o.store.GetCredentialByUser(ctx, db.ID, user)
	existing := err == nil
	switch {
	case errors.Is(err, stores.ErrNotFound):
		cred = &models.Credential{
			DatabaseID: db.ID,
			Database:   db.Name,
			User:       user,
			Password:   generatePassword(),
		}
		if err := o.store.CreateCredential(ctx, cred); err != nil {
			return nil, fmt.Errorf("failed to store credential %s: %w", user, err)
		}
		o.audit(ctx, o.store, stores.AuditCredentialIssued, db.ID, map[string]interface{}{
			"instance": db.Key(),
			"user":     user,
		})
	case err != nil:
		return nil, fmt.Errorf("failed to load credential %s: %w", user, err)
	}

	err = o.retry(ctx, "create_user", func(attempt int) error {
		err := o.call(ctx, infra, "create_user", func(ctx context.Context) error {
			return driver.CreateUser(ctx, cred, cred.Roles...)
		})
		if drivers.IsAlreadyExists(err) && (attempt > 0 || resumed || existing) {
			return o.call(ctx, infra, "update_user", func(ctx context.Context) error {
				return driver.UpdateUser(ctx, cred)
			})
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return cred, nil
}

// bindCredential returns the stored credential of db, issuing one when the
// database has none yet, as happens for imported databases.
func (o *Orchestrator) bindCredential(ctx context.Context, db *models.Database, infra *models.Infra, driver drivers.Driver) (*models.Credential, error) {
	cred, err := o.store.GetCredentialByUser(ctx, db.ID, credentialUser(db.Name))
	if err == nil {
		return cred, nil
	}
	if !errors.Is(err, stores.ErrNotFound) {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}
	return o.ensureCredential(ctx, db, infra, driver, false)
}
