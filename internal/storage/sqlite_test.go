package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/Ruankm/autopromo/internal/model"
)

var ignoreConnTimestamps = cmpopts.IgnoreFields(model.Connection{}, "CreatedAt", "UpdatedAt")

func newTestDB(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestConnectionCRUD(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	tests := []struct {
		name string
		conn model.Connection
	}{
		{
			name: "full connection",
			conn: model.Connection{
				ID:                  "conn-1",
				UserID:              "user-1",
				Nickname:            "Main account",
				Phone:               "+5511999990000",
				Status:              model.StatusPending,
				SourceGroups:        []string{"Promo Hunters"},
				DestinationGroups:   []string{"Deals A", "Deals B"},
				MinIntervalPerGroup: 360,
				MinIntervalGlobal:   30,
				MaxMessagesPerDay:   50,
			},
		},
		{
			name: "minimal connection defaults to pending",
			conn: model.Connection{
				ID:     "conn-2",
				UserID: "user-2",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := tt.conn
			if err := s.CreateConnection(ctx, &conn); err != nil {
				t.Fatalf("create: %v", err)
			}

			got, err := s.GetConnection(ctx, conn.ID)
			if err != nil {
				t.Fatalf("get: %v", err)
			}

			want := tt.conn
			if want.Status == "" {
				want.Status = model.StatusPending
			}
			if diff := cmp.Diff(want, *got, ignoreConnTimestamps); diff != "" {
				t.Errorf("GetConnection mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestGetConnectionNotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	if _, err := s.GetConnection(ctx, "nope"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListConnectionsByStatus(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	conns := []model.Connection{
		{ID: "a", UserID: "u", Status: model.StatusPending},
		{ID: "b", UserID: "u", Status: model.StatusConnected},
		{ID: "c", UserID: "u", Status: model.StatusError},
	}
	for i := range conns {
		if err := s.CreateConnection(ctx, &conns[i]); err != nil {
			t.Fatalf("create %s: %v", conns[i].ID, err)
		}
	}

	got, err := s.ListConnectionsByStatus(ctx, model.StatusPending, model.StatusError)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 connections, got %d", len(got))
	}

	got, err = s.ListConnectionsByStatus(ctx)
	if err != nil {
		t.Fatalf("list with no statuses: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty list, got %d", len(got))
	}
}

func TestSetConnectionStatusAndQR(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	conn := model.Connection{ID: "c1", UserID: "u1", Status: model.StatusPending}
	if err := s.CreateConnection(ctx, &conn); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := s.SetConnectionStatus(ctx, "c1", model.StatusError, "browser crashed"); err != nil {
		t.Fatalf("set status: %v", err)
	}
	got, err := s.GetConnection(ctx, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.StatusError || got.LastError != "browser crashed" {
		t.Fatalf("status = %s, last_error = %q", got.Status, got.LastError)
	}

	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if err := s.SetConnectionQR(ctx, "c1", "aGVsbG8=", &at); err != nil {
		t.Fatalf("set qr: %v", err)
	}
	got, err = s.GetConnection(ctx, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.QRCodeBase64 != "aGVsbG8=" {
		t.Fatalf("qr = %q", got.QRCodeBase64)
	}
	if got.QRGeneratedAt == nil || !got.QRGeneratedAt.Equal(at) {
		t.Fatalf("qr generated at = %v", got.QRGeneratedAt)
	}

	if err := s.SetConnectionQR(ctx, "c1", "", nil); err != nil {
		t.Fatalf("clear qr: %v", err)
	}
	got, err = s.GetConnection(ctx, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.QRCodeBase64 != "" || got.QRGeneratedAt != nil {
		t.Fatalf("expected cleared qr, got %q / %v", got.QRCodeBase64, got.QRGeneratedAt)
	}
}

func TestDeleteConnectionCascades(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	conn := model.Connection{ID: "c1", UserID: "u1"}
	if err := s.CreateConnection(ctx, &conn); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.MarkMessageSeen(ctx, model.MessageRecord{ConnectionID: "c1", GroupName: "g", MessageID: "m1"}); err != nil {
		t.Fatalf("mark seen: %v", err)
	}
	if err := s.UpsertDiscoveredGroup(ctx, model.DiscoveredGroup{ConnectionID: "c1", DisplayName: "Deals"}); err != nil {
		t.Fatalf("upsert group: %v", err)
	}

	if err := s.DeleteConnection(ctx, "c1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := s.GetConnection(ctx, "c1"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	seen, err := s.IsMessageSeen(ctx, "c1", "g", "m1")
	if err != nil {
		t.Fatalf("is seen: %v", err)
	}
	if seen {
		t.Fatal("message record should be gone after cascade")
	}
	groups, err := s.ListDiscoveredGroups(ctx, "c1")
	if err != nil {
		t.Fatalf("list groups: %v", err)
	}
	if len(groups) != 0 {
		t.Fatalf("expected no discovered groups, got %d", len(groups))
	}
}

func TestAffiliateTagUpsert(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	code, err := s.GetAffiliateTag(ctx, "u1", "amazon")
	if err != nil {
		t.Fatalf("get absent: %v", err)
	}
	if code != "" {
		t.Fatalf("expected empty tag, got %q", code)
	}

	if err := s.UpsertAffiliateTag(ctx, model.AffiliateTag{UserID: "u1", StoreSlug: "amazon", TagCode: "xyz-20"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.UpsertAffiliateTag(ctx, model.AffiliateTag{UserID: "u1", StoreSlug: "amazon", TagCode: "abc-21"}); err != nil {
		t.Fatalf("upsert again: %v", err)
	}

	code, err = s.GetAffiliateTag(ctx, "u1", "amazon")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if code != "abc-21" {
		t.Fatalf("tag = %q, want abc-21", code)
	}
}

func TestMessageRecordUniqueness(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	rec := model.MessageRecord{ConnectionID: "c1", GroupName: "g1", MessageID: "m1", TextHash: "h", Timestamp: 100}
	inserted, err := s.MarkMessageSeen(ctx, rec)
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if !inserted {
		t.Fatal("first insert must report inserted")
	}
	inserted, err = s.MarkMessageSeen(ctx, rec)
	if err != nil {
		t.Fatalf("duplicate insert should be a no-op: %v", err)
	}
	if inserted {
		t.Fatal("duplicate insert must report not inserted")
	}

	seen, err := s.IsMessageSeen(ctx, "c1", "g1", "m1")
	if err != nil {
		t.Fatalf("is seen: %v", err)
	}
	if !seen {
		t.Fatal("expected message to be seen")
	}

	seen, err = s.IsMessageSeen(ctx, "c1", "g1", "other")
	if err != nil {
		t.Fatalf("is seen: %v", err)
	}
	if seen {
		t.Fatal("unexpected hit for different message id")
	}
}

func TestMessageRecordUniquenessConcurrent(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	rec := model.MessageRecord{ConnectionID: "c1", GroupName: "g1", MessageID: "race", TextHash: "h", Timestamp: 1}

	var wg sync.WaitGroup
	var inserts atomic.Int32
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inserted, err := s.MarkMessageSeen(ctx, rec)
			if inserted {
				inserts.Add(1)
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent insert: %v", err)
		}
	}
	if got := inserts.Load(); got != 1 {
		t.Fatalf("%d callers saw inserted=true, want exactly 1", got)
	}

	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM message_records WHERE connection_id = ? AND group_name = ? AND message_id = ?`,
		"c1", "g1", "race",
	).Scan(&count)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly 1 row, got %d", count)
	}
}

func TestSendLogWindow(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	recent := model.SendLog{
		UserID:           "u1",
		DestinationGroup: "D",
		ProductUniqueID:  "AMZN-B000111222",
		SentAt:           time.Now().UTC().Add(-time.Hour),
	}
	old := model.SendLog{
		UserID:           "u1",
		DestinationGroup: "E",
		ProductUniqueID:  "AMZN-B000111222",
		SentAt:           time.Now().UTC().Add(-25 * time.Hour),
	}
	if err := s.RecordSend(ctx, recent); err != nil {
		t.Fatalf("record recent: %v", err)
	}
	if err := s.RecordSend(ctx, old); err != nil {
		t.Fatalf("record old: %v", err)
	}

	tests := []struct {
		name string
		dest string
		want bool
	}{
		{"inside window", "D", true},
		{"outside window", "E", false},
		{"never sent", "F", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.WasSentWithin(ctx, "u1", tt.dest, "AMZN-B000111222", 24*time.Hour)
			if err != nil {
				t.Fatalf("was sent: %v", err)
			}
			if got != tt.want {
				t.Errorf("WasSentWithin(%s) = %v, want %v", tt.dest, got, tt.want)
			}
		})
	}
}

func TestCountSendsSince(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	for i := 0; i < 3; i++ {
		audit := &model.OfferAudit{ConnectionID: "c1", SourceGroup: "s", DestinationGroup: "d", FinalText: "x"}
		if err := s.AppendOfferAudit(ctx, audit); err != nil {
			t.Fatalf("append audit: %v", err)
		}
		if audit.ID == 0 {
			t.Fatal("expected non-zero audit id")
		}
	}

	count, err := s.CountSendsSince(ctx, "c1", time.Now().UTC().Add(-time.Minute))
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 3 {
		t.Fatalf("count = %d, want 3", count)
	}

	count, err = s.CountSendsSince(ctx, "c1", time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("count future: %v", err)
	}
	if count != 0 {
		t.Fatalf("count = %d, want 0", count)
	}
}

func TestStoreBlacklist(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	blocked, err := s.IsStoreBlacklisted(ctx, "u1", "shopee")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if blocked {
		t.Fatal("unexpected blacklist hit")
	}

	if err := s.AddStoreToBlacklist(ctx, "u1", "shopee"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.AddStoreToBlacklist(ctx, "u1", "shopee"); err != nil {
		t.Fatalf("add twice: %v", err)
	}

	blocked, err = s.IsStoreBlacklisted(ctx, "u1", "shopee")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !blocked {
		t.Fatal("expected blacklist hit")
	}
}

func TestDiscoveredGroupUpsert(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	g := model.DiscoveredGroup{
		ConnectionID:       "c1",
		DisplayName:        "Escorrega o Preço",
		LastMessagePreview: "first",
	}
	if err := s.UpsertDiscoveredGroup(ctx, g); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	g.LastMessagePreview = "second"
	if err := s.UpsertDiscoveredGroup(ctx, g); err != nil {
		t.Fatalf("upsert update: %v", err)
	}

	groups, err := s.ListDiscoveredGroups(ctx, "c1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(groups) != 1 {
		t.Fatalf("expected 1 group, got %d", len(groups))
	}
	if groups[0].LastMessagePreview != "second" {
		t.Fatalf("preview = %q, want second", groups[0].LastMessagePreview)
	}
}
