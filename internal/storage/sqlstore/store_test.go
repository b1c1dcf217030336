package sqlstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-as2/internal/storage"
	"github.com/sirosfoundation/go-as2/pkg/partner"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), &Config{Dialect: SQLite, DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func TestPartners(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	acme := &partner.Record{
		ID:                 " ACME ",
		Name:               "Acme Corp",
		SendURL:            "https://as2.acme.example/as2",
		SignatureAlgorithm: "sha256",
		MDNSigned:          partner.Bool(false),
		AsyncMDNDelay:      "1s",
	}
	require.NoError(t, s.PutPartner(ctx, acme))
	require.NoError(t, s.PutPartner(ctx, &partner.Record{ID: "GLOBEX", IsLocal: true}))

	got, err := s.Get(ctx, "ACME")
	require.NoError(t, err)
	assert.Equal(t, "ACME", got.ID)
	assert.Equal(t, "Acme Corp", got.Name)
	assert.Equal(t, "sha256", got.SignatureAlgorithm)
	require.NotNil(t, got.MDNSigned)
	assert.False(t, *got.MDNSigned)
	assert.Equal(t, "1s", got.AsyncMDNDelay)

	acme.Name = "Acme Corporation"
	require.NoError(t, s.PutPartner(ctx, acme))
	got, err = s.Get(ctx, "ACME")
	require.NoError(t, err)
	assert.Equal(t, "Acme Corporation", got.Name)

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "ACME", list[0].ID)
	assert.Equal(t, "GLOBEX", list[1].ID)
	assert.True(t, list[1].IsLocal)

	require.NoError(t, s.DeletePartner(ctx, "ACME"))
	_, err = s.Get(ctx, "ACME")
	assert.ErrorIs(t, err, partner.ErrUnknownPartner)
	assert.ErrorIs(t, s.DeletePartner(ctx, "ACME"), partner.ErrUnknownPartner)

	assert.ErrorIs(t, s.PutPartner(ctx, &partner.Record{ID: "  "}), partner.ErrInvalidPartner)
}

func TestStoreIsAPartnerProvider(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.PutPartner(ctx, &partner.Record{ID: "ACME", SendURL: "https://as2.acme.example/as2"}))

	dir := partner.NewDirectory(s, nil)
	p, err := dir.Get(ctx, "ACME")
	require.NoError(t, err)
	assert.Equal(t, "https://as2.acme.example/as2", p.SendURL)

	_, err = dir.Get(ctx, "NOBODY")
	assert.ErrorIs(t, err, partner.ErrUnknownPartner)
}

func TestMessages(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	base := time.Unix(1700000000, 0)

	require.NoError(t, s.SaveMessage(ctx, &storage.Message{
		ID:        "one@acme",
		Direction: storage.DirectionOutbound,
		FromID:    "ACME",
		ToID:      "GLOBEX",
		Status:    storage.StatusSent,
		Mic:       "abc=, sha1",
		Files:     []storage.File{{Filename: "po.edi", MimeType: "application/edi-x12", Size: 42}},
		CreatedAt: base,
	}))
	require.NoError(t, s.SaveMessage(ctx, &storage.Message{
		ID:        "two@globex",
		Direction: storage.DirectionInbound,
		FromID:    "GLOBEX",
		ToID:      "ACME",
		Status:    storage.StatusReceived,
		CreatedAt: base.Add(time.Minute),
	}))

	msg, err := s.GetMessage(ctx, "one@acme")
	require.NoError(t, err)
	assert.Equal(t, storage.DirectionOutbound, msg.Direction)
	assert.Equal(t, "abc=, sha1", msg.Mic)
	assert.Equal(t, base, msg.CreatedAt)
	assert.Equal(t, base, msg.UpdatedAt)
	require.Len(t, msg.Files, 1)
	assert.Equal(t, int64(42), msg.Files[0].Size)

	require.NoError(t, s.UpdateDisposition(ctx, "one@acme", "failed", "error: decryption-failed"))
	msg, err = s.GetMessage(ctx, "one@acme")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, msg.Status)
	assert.Equal(t, "error: decryption-failed", msg.Modifier)

	assert.ErrorIs(t, s.UpdateDisposition(ctx, "missing", "processed", ""), storage.ErrMessageNotFound)
	_, err = s.GetMessage(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrMessageNotFound)

	all, err := s.ListMessages(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "two@globex", all[0].ID)

	inbound, err := s.ListMessages(ctx, &storage.MessageFilter{Direction: storage.DirectionInbound})
	require.NoError(t, err)
	require.Len(t, inbound, 1)
	assert.Equal(t, "two@globex", inbound[0].ID)

	byPartner, err := s.ListMessages(ctx, &storage.MessageFilter{PartnerID: "GLOBEX", Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, byPartner, 1)
	assert.Equal(t, "one@acme", byPartner[0].ID)
}

func TestRebind(t *testing.T) {
	pg := &Store{dialect: Postgres}
	assert.Equal(t, "SELECT a FROM t WHERE id = $1 AND b = $2", pg.rebind("SELECT a FROM t WHERE id = ? AND b = ?"))

	my := &Store{dialect: MySQL}
	assert.Equal(t, "SELECT a FROM t WHERE id = ?", my.rebind("SELECT a FROM t WHERE id = ?"))
	assert.Equal(t,
		"INSERT INTO t (id, a) VALUES (?, ?) ON DUPLICATE KEY UPDATE a = VALUES(a)",
		my.upsert("t", []string{"id", "a"}))
	assert.Equal(t,
		"INSERT INTO t (id, a) VALUES ($1, $2) ON CONFLICT (id) DO UPDATE SET a = excluded.a",
		pg.upsert("t", []string{"id", "a"}))
}

func TestOpenRejectsBadConfig(t *testing.T) {
	_, err := Open(context.Background(), &Config{Dialect: "oracle", DSN: "x"})
	assert.Error(t, err)

	_, err = Open(context.Background(), &Config{Dialect: SQLite, DSN: ":memory:", Table: "partners; DROP TABLE x"})
	assert.Error(t, err)
}
