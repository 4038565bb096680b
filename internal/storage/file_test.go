package storage

import (
	"context"
	"path/filepath"
	"testing"

	"noticore/pkg/logx"
)

func openTestStore(t *testing.T, dir string) Store {
	t.Helper()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "store")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return st
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{}, logx.Nop())
	if err != nil || st != nil {
		t.Fatalf("Open with empty driver = %v, %v; want nil, nil", st, err)
	}
	st, err = Open(Config{Driver: "none"}, logx.Nop())
	if err != nil || st != nil {
		t.Fatalf("Open with driver none = %v, %v; want nil, nil", st, err)
	}
	if _, err := Open(Config{Driver: "bolt"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver accepted")
	}
}

func TestFileStoreRoundtrip(t *testing.T) {
	t.Parallel()
	st := openTestStore(t, t.TempDir())
	defer st.Close()
	ctx := context.Background()

	if _, ok, err := st.GetState(ctx, KeyAnalytics); err != nil || ok {
		t.Fatalf("GetState on empty store = ok=%v err=%v", ok, err)
	}

	if err := st.PutState(ctx, KeyAnalytics, []byte(`{"n":1}`)); err != nil {
		t.Fatalf("PutState: %v", err)
	}
	v, ok, err := st.GetState(ctx, KeyAnalytics)
	if err != nil || !ok || string(v) != `{"n":1}` {
		t.Fatalf("GetState = %q, %v, %v", v, ok, err)
	}

	if err := st.PutState(ctx, KeyAnalytics, []byte(`{"n":2}`)); err != nil {
		t.Fatalf("PutState overwrite: %v", err)
	}
	v, _, _ = st.GetState(ctx, KeyAnalytics)
	if string(v) != `{"n":2}` {
		t.Fatalf("overwrite lost: %q", v)
	}

	if err := st.DeleteState(ctx, KeyAnalytics); err != nil {
		t.Fatalf("DeleteState: %v", err)
	}
	if _, ok, _ := st.GetState(ctx, KeyAnalytics); ok {
		t.Fatal("key present after delete")
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()

	st := openTestStore(t, dir)
	if err := st.PutState(ctx, KeyGlobalConfig, []byte(`{"enabled":true}`)); err != nil {
		t.Fatalf("PutState: %v", err)
	}
	if err := st.PutState(ctx, KeyProfiles, []byte(`[]`)); err != nil {
		t.Fatalf("PutState: %v", err)
	}
	if err := st.DeleteState(ctx, KeyProfiles); err != nil {
		t.Fatalf("DeleteState: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st2 := openTestStore(t, dir)
	defer st2.Close()
	v, ok, err := st2.GetState(ctx, KeyGlobalConfig)
	if err != nil || !ok || string(v) != `{"enabled":true}` {
		t.Fatalf("after reopen: %q, %v, %v", v, ok, err)
	}
	if _, ok, _ := st2.GetState(ctx, KeyProfiles); ok {
		t.Fatal("deleted key resurrected by reopen")
	}
}

func TestFileStoreRejectsWritesAfterClose(t *testing.T) {
	t.Parallel()
	st := openTestStore(t, t.TempDir())
	_ = st.Close()
	if err := st.PutState(context.Background(), KeyUserPrefs, []byte(`{}`)); err == nil {
		t.Fatal("PutState after Close succeeded")
	}
}
