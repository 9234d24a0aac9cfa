package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func openTestDB(t *testing.T) (*sql.DB, context.Context) {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("WIKIMAP_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("WIKIMAP_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	db, err := Open(ctx, dsn, 4)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if _, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return db, ctx
}

func TestMigrationsRoundTripPostgres(t *testing.T) {
	db, ctx := openTestDB(t)
	dir := filepath.Join("..", "..", "db", "migrations")

	if err := RollbackMigrations(ctx, db, dir); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if err := ApplyMigrations(ctx, db, dir); err != nil {
		t.Fatalf("apply (pass 2): %v", err)
	}

	var keys int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM xp_config`).Scan(&keys); err != nil {
		t.Fatalf("count xp_config: %v", err)
	}
	if keys != 5 {
		t.Fatalf("expected 5 seeded xp keys, got %d", keys)
	}
}

func seedUsers(t *testing.T, ctx context.Context, db *sql.DB, names ...string) []int64 {
	t.Helper()
	ids := make([]int64, 0, len(names))
	for _, name := range names {
		var id int64
		if err := db.QueryRowContext(ctx, `INSERT INTO users (username) VALUES ($1) RETURNING id`, name).Scan(&id); err != nil {
			t.Fatalf("seed user %s: %v", name, err)
		}
		ids = append(ids, id)
	}
	return ids
}

func TestProposalVoteScoreAndResolution(t *testing.T) {
	db, ctx := openTestDB(t)
	s := NewPostgresStore(db)
	users := seedUsers(t, ctx, db, "alice", "bob", "carol")

	var proposal Proposal
	err := s.InTx(ctx, func(tx *Tx) error {
		var err error
		proposal, err = tx.InsertProposal(ctx, Proposal{
			ChangeType:   "add_item",
			ProposerID:   users[0],
			ProposedData: []byte(`{"name":"Sword"}`),
		})
		return err
	})
	if err != nil {
		t.Fatalf("insert proposal: %v", err)
	}
	if proposal.Status != StatusPending {
		t.Fatalf("expected pending, got %s", proposal.Status)
	}

	err = s.InTx(ctx, func(tx *Tx) error {
		if _, _, err := tx.CastProposalVote(ctx, proposal.ID, users[1], 1); err != nil {
			return err
		}
		had, score, err := tx.CastProposalVote(ctx, proposal.ID, users[2], -1)
		if err != nil {
			return err
		}
		if had || score != 0 {
			t.Fatalf("expected fresh vote and score 0, got had=%v score=%d", had, score)
		}
		had, score, err = tx.CastProposalVote(ctx, proposal.ID, users[2], 1)
		if err != nil {
			return err
		}
		if !had || score != 2 {
			t.Fatalf("expected flipped vote and score 2, got had=%v score=%d", had, score)
		}
		_, score, err = tx.CastProposalVote(ctx, proposal.ID, users[1], 0)
		if err != nil {
			return err
		}
		if score != 1 {
			t.Fatalf("expected score 1 after removal, got %d", score)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("votes: %v", err)
	}

	err = s.InTx(ctx, func(tx *Tx) error {
		_, err := tx.ResolveProposal(ctx, proposal.ID, Resolution{Status: StatusApproved})
		return err
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	err = s.InTx(ctx, func(tx *Tx) error {
		_, err := tx.ResolveProposal(ctx, proposal.ID, Resolution{Status: StatusRejected})
		return err
	})
	if !errors.Is(err, ErrNotPending) {
		t.Fatalf("expected ErrNotPending on second resolution, got %v", err)
	}
}

func TestDuplicatePendingProposalRejected(t *testing.T) {
	db, ctx := openTestDB(t)
	s := NewPostgresStore(db)
	users := seedUsers(t, ctx, db, "alice")

	target := "item"
	var itemID int64
	if err := db.QueryRowContext(ctx, `INSERT INTO items (name) VALUES ('Shield') RETURNING id`).Scan(&itemID); err != nil {
		t.Fatalf("seed item: %v", err)
	}
	insert := func() error {
		return s.InTx(ctx, func(tx *Tx) error {
			_, err := tx.InsertProposal(ctx, Proposal{
				ChangeType:   "edit_item",
				TargetType:   &target,
				TargetID:     &itemID,
				ProposerID:   users[0],
				ProposedData: []byte(`{"rarity":"rare"}`),
			})
			return err
		})
	}
	if err := insert(); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := insert(); !errors.Is(err, ErrDuplicatePending) {
		t.Fatalf("expected ErrDuplicatePending, got %v", err)
	}
}

func TestRollbackDiscardsAllWrites(t *testing.T) {
	db, ctx := openTestDB(t)
	s := NewPostgresStore(db)
	users := seedUsers(t, ctx, db, "alice")

	boom := errors.New("boom")
	err := s.InTx(ctx, func(tx *Tx) error {
		if _, err := tx.AddUserXP(ctx, users[0], 50); err != nil {
			return err
		}
		if err := tx.InsertXPHistory(ctx, XPHistory{UserID: users[0], XPChange: 50, Reason: "change_approved"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	user, err := s.GetUser(ctx, users[0])
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if user.XP != 0 {
		t.Fatalf("expected xp rollback, got %d", user.XP)
	}
}

func TestXPFloorAndHistoryAppendOnly(t *testing.T) {
	db, ctx := openTestDB(t)
	s := NewPostgresStore(db)
	users := seedUsers(t, ctx, db, "alice")

	err := s.InTx(ctx, func(tx *Tx) error {
		balance, err := tx.AddUserXP(ctx, users[0], -5)
		if err != nil {
			return err
		}
		if balance != 0 {
			t.Fatalf("expected floor at 0, got %d", balance)
		}
		return tx.InsertXPHistory(ctx, XPHistory{UserID: users[0], XPChange: -5, Reason: "poi_pending_remove"})
	})
	if err != nil {
		t.Fatalf("award: %v", err)
	}

	if _, err := db.ExecContext(ctx, `UPDATE xp_history SET xp_change = 100`); err == nil {
		t.Fatal("expected history rewrite to be rejected")
	}

	events, err := s.TakeUnshownXP(ctx, users[0])
	if err != nil {
		t.Fatalf("take unshown: %v", err)
	}
	if len(events) != 1 || !events[0].Shown {
		t.Fatalf("expected one shown event, got %+v", events)
	}
	again, err := s.TakeUnshownXP(ctx, users[0])
	if err != nil {
		t.Fatalf("take unshown again: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected no unshown events, got %d", len(again))
	}
}

func TestUpdateFieldsRejectsUnknownColumn(t *testing.T) {
	db, ctx := openTestDB(t)
	s := NewPostgresStore(db)

	var itemID int64
	if err := db.QueryRowContext(ctx, `INSERT INTO items (name) VALUES ('Shield') RETURNING id`).Scan(&itemID); err != nil {
		t.Fatalf("seed item: %v", err)
	}
	err := s.InTx(ctx, func(tx *Tx) error {
		return tx.UpdateItem(ctx, itemID, Fields{"icon": "x.png"})
	})
	if !errors.Is(err, ErrUnknownColumn) {
		t.Fatalf("expected ErrUnknownColumn, got %v", err)
	}
}
