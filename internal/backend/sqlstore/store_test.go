package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dmitrijs2005/keydir/internal/common"
	"github.com/dmitrijs2005/keydir/internal/dbx"
	"github.com/dmitrijs2005/keydir/internal/models"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const lookupQ = `(?s)^SELECT\s+id,\s*account_id\s+FROM\s+emails\s+WHERE\s+address\s*=\s*\$1\s*$`

func newStoreWithMock(t *testing.T) (*Store, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	return New(db, dbx.Dollar), mock, db
}

func TestEmailKnown(t *testing.T) {
	s, mock, db := newStoreWithMock(t)
	defer db.Close()

	q := `(?s)^SELECT\s+1\s+FROM\s+emails\s+WHERE\s+address\s*=\s*\$1\s*$`
	mock.ExpectQuery(q).WithArgs("a@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectQuery(q).WithArgs("b@example.com").
		WillReturnError(sql.ErrNoRows)

	ok, err := s.EmailKnown(context.Background(), "a@example.com")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.EmailKnown(context.Background(), "b@example.com")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIsStaged_DBError(t *testing.T) {
	s, mock, db := newStoreWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`(?s)^SELECT\s+1\s+FROM\s+staged\s+WHERE\s+address\s*=\s*\$1\s*$`).
		WithArgs("a@example.com").
		WillReturnError(errors.New("db down"))

	_, err := s.IsStaged(context.Background(), "a@example.com")
	if err == nil || !regexp.MustCompile(`db error: .*db down`).MatchString(err.Error()) {
		t.Fatalf("expected wrapped db error, got %v", err)
	}
}

func TestCheckAuth(t *testing.T) {
	s, mock, db := newStoreWithMock(t)
	defer db.Close()

	q := `(?s)^SELECT\s+a\.password_hash\s+FROM\s+accounts\s+a\s+JOIN\s+emails\s+e\s+ON\s+e\.account_id\s*=\s*a\.id\s+WHERE\s+e\.address\s*=\s*\$1\s*$`
	mock.ExpectQuery(q).WithArgs("a@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"password_hash"}).AddRow("h1"))
	mock.ExpectQuery(q).WithArgs("ghost@example.com").
		WillReturnError(sql.ErrNoRows)

	hash, err := s.CheckAuth(context.Background(), "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, "h1", hash)

	_, err = s.CheckAuth(context.Background(), "ghost@example.com")
	assert.ErrorIs(t, err, common.ErrorNotFound)
}

func TestPubkeysForEmail(t *testing.T) {
	s, mock, db := newStoreWithMock(t)
	defer db.Close()

	mock.ExpectQuery(lookupQ).WithArgs("a@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id", "account_id"}).AddRow(int64(3), int64(1)))
	mock.ExpectQuery(`(?s)^SELECT\s+content\s+FROM\s+pubkeys\s+WHERE\s+email_id\s*=\s*\$1\s+ORDER\s+BY\s+id\s*$`).
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"content"}).AddRow("k1").AddRow("k2"))

	keys, err := s.PubkeysForEmail(context.Background(), "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"k1", "k2"}, keys)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestVerify_UnknownSecret(t *testing.T) {
	s, mock, db := newStoreWithMock(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)^DELETE\s+FROM\s+staged\s+WHERE\s+secret\s*=\s*\$1\s+RETURNING`).
		WithArgs("nope").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := s.Verify(context.Background(), "nope")
	assert.ErrorIs(t, err, common.ErrorNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestVerify_NewAccount(t *testing.T) {
	s, mock, db := newStoreWithMock(t)
	defer db.Close()

	cols := []string{"secret", "kind", "address", "existing", "pubkey", "password_hash", "created_at"}

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)^DELETE\s+FROM\s+staged\s+WHERE\s+secret\s*=\s*\$1\s+RETURNING`).
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("s1", "new_account", "a@example.com", "", "k1", "h1", int64(1700000000000)))
	mock.ExpectQuery(lookupQ).WithArgs("a@example.com").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`(?s)^INSERT\s+INTO\s+accounts\s*\(password_hash\)\s*VALUES\s*\(\$1\)\s*RETURNING\s+id\s*$`).
		WithArgs("h1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectQuery(`(?s)^INSERT\s+INTO\s+emails\s*\(account_id,\s*address\)\s*VALUES\s*\(\$1,\s*\$2\)\s*RETURNING\s+id\s*$`).
		WithArgs(int64(7), "a@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(9)))
	mock.ExpectExec(`(?s)^INSERT\s+INTO\s+pubkeys\s*\(email_id,\s*content\)\s*VALUES\s*\(\$1,\s*\$2\)\s*ON\s+CONFLICT`).
		WithArgs(int64(9), "k1").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	rec, err := s.Verify(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, models.KindNewAccount, rec.Kind)
	assert.Equal(t, "a@example.com", rec.Address)
	assert.Equal(t, int64(1700000000000), rec.CreatedAt.UnixMilli())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestVerify_AddEmailUnknownOwnerRollsBack(t *testing.T) {
	s, mock, db := newStoreWithMock(t)
	defer db.Close()

	cols := []string{"secret", "kind", "address", "existing", "pubkey", "password_hash", "created_at"}

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)^DELETE\s+FROM\s+staged`).
		WithArgs("s2").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("s2", "add_email", "b@example.com", "a@example.com", "k2", "", int64(0)))
	mock.ExpectQuery(lookupQ).WithArgs("a@example.com").WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := s.Verify(context.Background(), "s2")
	assert.ErrorIs(t, err, common.ErrorUnknownOwner)
	assert.ErrorIs(t, err, common.ErrorPrecondition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStage_AddEmailUnknownOwner(t *testing.T) {
	s, mock, db := newStoreWithMock(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(lookupQ).WithArgs("a@example.com").WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	err := s.Stage(context.Background(), models.StagedRecord{
		Secret: "s", Kind: models.KindAddEmail, Address: "b@example.com", Existing: "a@example.com", Pubkey: "k",
	})
	assert.ErrorIs(t, err, common.ErrorUnknownOwner)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStage_Upsert(t *testing.T) {
	s, mock, db := newStoreWithMock(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`(?s)^INSERT\s+INTO\s+staged\s*\(.*\)\s*VALUES\s*\(\$1,\s*\$2,\s*\$3,\s*\$4,\s*\$5,\s*\$6,\s*\$7\)\s*ON\s+CONFLICT\s*\(address\)\s*DO\s+UPDATE`).
		WithArgs("s", "new_account", "a@example.com", "", "k", "h", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := s.Stage(context.Background(), models.StagedRecord{
		Secret: "s", Kind: models.KindNewAccount, Address: "a@example.com", Pubkey: "k", PasswordHash: "h",
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRemoveEmail_NotOwner(t *testing.T) {
	s, mock, db := newStoreWithMock(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(lookupQ).WithArgs("b@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id", "account_id"}).AddRow(int64(2), int64(1)))
	mock.ExpectQuery(lookupQ).WithArgs("c@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id", "account_id"}).AddRow(int64(5), int64(4)))
	mock.ExpectRollback()

	err := s.RemoveEmail(context.Background(), "c@example.com", "b@example.com")
	assert.ErrorIs(t, err, common.ErrorNotOwner)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAccountEmails(t *testing.T) {
	s, mock, db := newStoreWithMock(t)
	defer db.Close()

	mock.ExpectQuery(lookupQ).WithArgs("a@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id", "account_id"}).AddRow(int64(1), int64(1)))
	mock.ExpectQuery(`(?s)^SELECT\s+e\.address,\s*p\.content\s+FROM\s+emails\s+e\s+LEFT\s+JOIN\s+pubkeys`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"address", "content"}).
			AddRow("a@example.com", "k1").
			AddRow("a@example.com", "k2").
			AddRow("b@example.com", nil))

	got, err := s.AccountEmails(context.Background(), "a@example.com")
	require.NoError(t, err)

	want := []models.EmailRecord{
		{Address: "a@example.com", Keys: []string{"k1", "k2"}},
		{Address: "b@example.com", Keys: []string{}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("AccountEmails mismatch (-want +got):\n%s", diff)
	}
}

func TestNilStore(t *testing.T) {
	var s *Store
	_, err := s.EmailKnown(context.Background(), "a@example.com")
	assert.Error(t, err)
	assert.Nil(t, s.DB())
}

func TestCancelAccount_DropsPendingAddEmail(t *testing.T) {
	s, mock, db := newStoreWithMock(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(lookupQ).WithArgs("a@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id", "account_id"}).AddRow(int64(1), int64(7)))
	mock.ExpectExec(`(?s)^DELETE\s+FROM\s+staged\s+WHERE\s+kind\s*=\s*\$1\s+AND\s+existing\s+IN\s*\(SELECT\s+address\s+FROM\s+emails\s+WHERE\s+account_id\s*=\s*\$2\)\s*$`).
		WithArgs("add_email", int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`(?s)^DELETE\s+FROM\s+pubkeys`).WithArgs(int64(7)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`(?s)^DELETE\s+FROM\s+emails\s+WHERE\s+account_id`).WithArgs(int64(7)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`(?s)^DELETE\s+FROM\s+accounts\s+WHERE\s+id`).WithArgs(int64(7)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.CancelAccount(context.Background(), "a@example.com"))
	require.NoError(t, mock.ExpectationsWereMet())
}
