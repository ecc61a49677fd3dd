package gateway

import (
	"context"
	"path/filepath"
	"testing"

	"maunium.net/go/mautrix/id"

	"github.com/mdinu-hash/analytics-copilot/internal/copilot/store"
)

func TestDBSyncStore_RoundTrip(t *testing.T) {
	s, err := store.New(filepath.Join(t.TempDir(), "copilot.db"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	defer s.Close()

	st := newDBSyncStore(s.DB())
	ctx := context.Background()
	user := id.UserID("@copilot:example.org")

	got, err := st.LoadNextBatch(ctx, user)
	if err != nil {
		t.Fatalf("LoadNextBatch: %v", err)
	}
	if got != "" {
		t.Errorf("first run should have no token, got %q", got)
	}

	if err := st.SaveNextBatch(ctx, user, "s123"); err != nil {
		t.Fatalf("SaveNextBatch: %v", err)
	}
	if err := st.SaveNextBatch(ctx, user, "s456"); err != nil {
		t.Fatalf("SaveNextBatch overwrite: %v", err)
	}
	got, err = st.LoadNextBatch(ctx, user)
	if err != nil {
		t.Fatalf("LoadNextBatch: %v", err)
	}
	if got != "s456" {
		t.Errorf("token: got %q, want s456", got)
	}

	if err := st.SaveFilterID(ctx, user, "f1"); err != nil {
		t.Fatalf("SaveFilterID: %v", err)
	}
	fid, err := st.LoadFilterID(ctx, user)
	if err != nil {
		t.Fatalf("LoadFilterID: %v", err)
	}
	if fid != "f1" {
		t.Errorf("filter id: got %q", fid)
	}
}
