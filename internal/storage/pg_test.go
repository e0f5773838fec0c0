package storage

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestPGStoreGet(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	s := NewPGStoreFromDB(db)

	mock.ExpectQuery("select value from client_state").
		WithArgs("app_user_v1").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow([]byte(`{"email":"a@x.com"}`)))

	got, err := s.Get(context.Background(), "app_user_v1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != `{"email":"a@x.com"}` {
		t.Fatalf("Get = %s", got)
	}

	mock.ExpectQuery("select value from client_state").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	if _, err := s.Get(context.Background(), "missing"); err != ErrNotFound {
		t.Fatalf("Get missing = %v, want ErrNotFound", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPGStoreSetNotifies(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	s := NewPGStoreFromDB(db)

	mock.ExpectExec("insert into client_state").
		WithArgs("my_tickets_a", []byte("[]"), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("select pg_notify").
		WithArgs(pgNotifyChannel, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.Set(context.Background(), "my_tickets_a", []byte("[]")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPGStoreDeleteMissingSkipsNotify(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	s := NewPGStoreFromDB(db)

	mock.ExpectExec("delete from client_state").
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.Delete(context.Background(), "missing"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPGStoreResolveEvent(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	s := NewPGStoreFromDB(db)

	mock.ExpectQuery("select value from client_state").
		WithArgs("my_tickets_a").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow([]byte("[]")))

	evt, ok := s.resolveEvent(context.Background(), pgEvent{Key: "my_tickets_a", Origin: "other"})
	if !ok || string(evt.Value) != "[]" {
		t.Fatalf("resolveEvent = %+v, %v", evt, ok)
	}

	// A set notification whose record vanished before the re-read is
	// dropped; forwarding it with a nil value would read as a deletion.
	mock.ExpectQuery("select value from client_state").
		WithArgs("gone").
		WillReturnError(sql.ErrNoRows)

	if _, ok := s.resolveEvent(context.Background(), pgEvent{Key: "gone", Origin: "other"}); ok {
		t.Fatalf("vanished record must drop the event")
	}

	del, ok := s.resolveEvent(context.Background(), pgEvent{Key: "app_user_v1", Deleted: true, Origin: "other"})
	if !ok || del.Value != nil {
		t.Fatalf("delete event = %+v, %v", del, ok)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPGStoreList(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	s := NewPGStoreFromDB(db)

	mock.ExpectQuery("select key from client_state").
		WithArgs("my_tickets_").
		WillReturnRows(sqlmock.NewRows([]string{"key"}).
			AddRow("my_tickets_a").
			AddRow("my_tickets_b"))

	keys, err := s.List(context.Background(), "my_tickets_")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 2 || keys[0] != "my_tickets_a" || keys[1] != "my_tickets_b" {
		t.Fatalf("List = %v", keys)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
