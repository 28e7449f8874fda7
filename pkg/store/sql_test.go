package store_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Archline-Labs/sigil/pkg/envelope"
	"github.com/Archline-Labs/sigil/pkg/store"
)

func newSQLStore(t *testing.T) (*store.SQL, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return store.NewSQL(db), mock
}

func TestSQL_CreateEnvelope(t *testing.T) {
	s, mock := newSQLStore(t)
	env := &envelope.Envelope{
		ID:        "env-1",
		TenantID:  "t-1",
		OwnerID:   "o-1",
		Status:    envelope.StatusDraft,
		UpdatedAt: time.Now().UTC(),
	}

	mock.ExpectExec(`INSERT INTO envelopes`).
		WithArgs(env.ID, env.TenantID, env.OwnerID, string(env.Status), sqlmock.AnyArg(), env.UpdatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.Create(context.Background(), env))
}

func TestSQL_CreateEnvelopeDuplicate(t *testing.T) {
	s, mock := newSQLStore(t)
	env := &envelope.Envelope{ID: "env-1", Status: envelope.StatusDraft}

	// ON CONFLICT DO NOTHING reports zero affected rows on a duplicate key.
	mock.ExpectExec(`INSERT INTO envelopes`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, s.Create(context.Background(), env), store.ErrConditionFailed)
}

func TestSQL_GetEnvelope(t *testing.T) {
	s, mock := newSQLStore(t)
	doc, err := json.Marshal(&envelope.Envelope{ID: "env-1", OwnerID: "o-1", Status: envelope.StatusSent})
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT doc FROM envelopes WHERE id`).
		WithArgs("env-1").
		WillReturnRows(sqlmock.NewRows([]string{"doc"}).AddRow(string(doc)))

	env, err := s.Get(context.Background(), "env-1")
	require.NoError(t, err)
	assert.Equal(t, "o-1", env.OwnerID)
	assert.Equal(t, envelope.StatusSent, env.Status)
}

func TestSQL_GetEnvelopeNotFound(t *testing.T) {
	s, mock := newSQLStore(t)
	mock.ExpectQuery(`SELECT doc FROM envelopes WHERE id`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"doc"}))

	_, err := s.Get(context.Background(), "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSQL_GetEnvelopeCorruptDoc(t *testing.T) {
	s, mock := newSQLStore(t)
	mock.ExpectQuery(`SELECT doc FROM envelopes WHERE id`).
		WithArgs("env-1").
		WillReturnRows(sqlmock.NewRows([]string{"doc"}).AddRow("{not json"))

	_, err := s.Get(context.Background(), "env-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupt")
}

func TestSQL_UpdateEnvelopeMissing(t *testing.T) {
	s, mock := newSQLStore(t)
	mock.ExpectExec(`UPDATE envelopes SET`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.Update(context.Background(), &envelope.Envelope{ID: "ghost"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSQL_SignerListOrdered(t *testing.T) {
	s, mock := newSQLStore(t)

	rows := sqlmock.NewRows([]string{"doc"})
	for _, id := range []string{"s-1", "s-2"} {
		doc, err := json.Marshal(&envelope.Signer{ID: id, EnvelopeID: "env-1"})
		require.NoError(t, err)
		rows.AddRow(string(doc))
	}
	mock.ExpectQuery(`SELECT doc FROM signers WHERE envelope_id .+ ORDER BY sequence`).
		WithArgs("env-1").
		WillReturnRows(rows)

	signers, err := s.Signers().ListByEnvelope(context.Background(), "env-1")
	require.NoError(t, err)
	require.Len(t, signers, 2)
	assert.Equal(t, "s-1", signers[0].ID)
}

func TestSQL_SignatureDuplicateIsConditionFailed(t *testing.T) {
	s, mock := newSQLStore(t)
	mock.ExpectExec(`INSERT INTO signatures`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.Signatures().Create(context.Background(), &envelope.Signature{
		ID: "sig-1", EnvelopeID: "env-1", SignerID: "s-1",
	})
	assert.ErrorIs(t, err, store.ErrConditionFailed)
}

func TestSQL_TokenGetByHash(t *testing.T) {
	s, mock := newSQLStore(t)
	doc, err := json.Marshal(&envelope.InvitationToken{ID: "tok-1", TokenHash: "h"})
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT doc FROM invitation_tokens WHERE token_hash`).
		WithArgs("h").
		WillReturnRows(sqlmock.NewRows([]string{"doc"}).AddRow(string(doc)))

	tok, err := s.Tokens().GetByHash(context.Background(), "h")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok.ID)
}

func TestSQL_TokenListPagination(t *testing.T) {
	s, mock := newSQLStore(t)

	// limit+1 rows returned means another page exists.
	rows := sqlmock.NewRows([]string{"doc"})
	for _, id := range []string{"tok-1", "tok-2", "tok-3"} {
		doc, err := json.Marshal(&envelope.InvitationToken{ID: id, EnvelopeID: "env-1"})
		require.NoError(t, err)
		rows.AddRow(string(doc))
	}
	mock.ExpectQuery(`SELECT doc FROM invitation_tokens`).
		WithArgs("env-1", "", 3).
		WillReturnRows(rows)

	page, err := s.Tokens().ListByEnvelope(context.Background(), "env-1", 2, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, store.EncodeCursor("tok-2"), page.NextCursor)
}
