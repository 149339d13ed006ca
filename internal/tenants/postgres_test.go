package tenants

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/attachehq/attache/internal/storage"
	"github.com/attachehq/attache/pkg/models"
)

func setupMockDB(t *testing.T) (sqlmock.Sqlmock, *PostgresStore) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return mock, NewPostgresStore(db)
}

func TestPostgresStore_CreateTenantDuplicateSlug(t *testing.T) {
	mock, store := setupMockDB(t)

	mock.ExpectExec("INSERT INTO tenants").
		WillReturnError(&pq.Error{Code: "23505"})

	err := store.CreateTenant(context.Background(), &models.Tenant{Name: "Acme", Slug: "acme"})
	if !errors.Is(err, storage.ErrAlreadyExists) {
		t.Fatalf("err = %v, want ErrAlreadyExists", err)
	}
}

func TestPostgresStore_GetTenant(t *testing.T) {
	mock, store := setupMockDB(t)

	now := time.Now()
	mock.ExpectQuery("SELECT (.+) FROM tenants").
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "slug", "parent_id", "status", "manual_review", "created_at", "updated_at",
		}).AddRow("t1", "Acme", "acme", "", "active", true, now, now))

	tenant, err := store.GetTenant(context.Background(), "t1")
	if err != nil {
		t.Fatal(err)
	}
	if tenant.Slug != "acme" || tenant.Status != models.TenantActive || !tenant.ManualReview {
		t.Fatalf("tenant = %+v", tenant)
	}
}

func TestPostgresStore_UpdateTenantMissing(t *testing.T) {
	mock, store := setupMockDB(t)

	mock.ExpectExec("UPDATE tenants").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.UpdateTenant(context.Background(), &models.Tenant{ID: "ghost", Name: "Ghost"})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestPostgresStore_GetUserByEmailNormalizes(t *testing.T) {
	mock, store := setupMockDB(t)

	now := time.Now()
	mock.ExpectQuery("SELECT (.+) FROM users").
		WithArgs("owner@acme.test").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "email", "name", "tenant_id", "created_at", "updated_at",
		}).AddRow("u1", "owner@acme.test", "Owner", "t1", now, now))

	user, err := store.GetUserByEmail(context.Background(), "  Owner@Acme.TEST ")
	if err != nil {
		t.Fatal(err)
	}
	if user.ID != "u1" || user.TenantID != "t1" {
		t.Fatalf("user = %+v", user)
	}
}
