package server

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestPostgresStoreKitAccess(t *testing.T) {
	databaseURL := os.Getenv("TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := NewPostgresStore(ctx, databaseURL, 2)
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	defer store.Close()

	suffix := uuid.NewString()
	publicKit := "public-" + suffix
	privateKit := "private-" + suffix
	member := "member-" + suffix

	if err := store.UpsertKit(ctx, publicKit, true); err != nil {
		t.Fatalf("upsert public kit: %v", err)
	}
	if err := store.UpsertKit(ctx, privateKit, false); err != nil {
		t.Fatalf("upsert private kit: %v", err)
	}
	if err := store.AddMember(ctx, privateKit, member); err != nil {
		t.Fatalf("add member: %v", err)
	}
	if err := store.AddMember(ctx, "missing-"+suffix, member); !errors.Is(err, ErrKitNotFound) {
		t.Fatalf("expected ErrKitNotFound, got %v", err)
	}

	access, err := store.KitAccess(ctx, publicKit, "")
	if err != nil || !access.PublicDashboard || access.Member {
		t.Fatalf("unexpected public kit access %+v err=%v", access, err)
	}

	access, err = store.KitAccess(ctx, privateKit, member)
	if err != nil || access.PublicDashboard || !access.Member {
		t.Fatalf("unexpected member access %+v err=%v", access, err)
	}

	access, err = store.KitAccess(ctx, privateKit, "stranger-"+suffix)
	if err != nil || access.Member {
		t.Fatalf("unexpected stranger access %+v err=%v", access, err)
	}

	if _, err := store.KitAccess(ctx, "missing-"+suffix, member); !errors.Is(err, ErrKitNotFound) {
		t.Fatalf("expected ErrKitNotFound, got %v", err)
	}
}
